package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/readerlink/internal/logging"
	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/observability"
	"github.com/danmuck/readerlink/internal/plugins"
	"github.com/danmuck/readerlink/internal/transport/httpsync"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

type errorBody struct {
	Error string `json:"error"`
	Path  string `json:"path,omitempty"`
}

type healthBody struct {
	Status   string `json:"status"`
	Node     string `json:"node"`
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
	Sockets  int    `json:"websockets"`
}

type sessionBody struct {
	ID           string        `json:"id"`
	State        string        `json:"state"`
	ClientNodeID string        `json:"client_node_id"`
	Plugin       string        `json:"plugin"`
	Reader       string        `json:"reader"`
	LastActivity time.Time     `json:"last_activity"`
	InFlight     int           `json:"in_flight"`
	Pending      []pendingBody `json:"pending,omitempty"`
}

// pendingBody is a server-initiated request still waiting for its reply.
type pendingBody struct {
	Tag      uint64    `json:"tag"`
	QueuedAt time.Time `json:"queued_at"`
}

type readerBody struct {
	Plugin      string `json:"plugin"`
	Reader      string `json:"reader"`
	Group       string `json:"group,omitempty"`
	CardPresent *bool  `json:"card_present,omitempty"`
}

func (s *Service) routes() *mux.Router {
	r := mux.NewRouter()
	r.Use(observability.RequestLogger(logging.Component("http")))
	r.Use(observability.RequestMetricsMiddleware(s.cfg.ID))
	r.NotFoundHandler = http.HandlerFunc(s.router404)

	httpsync.NewHandler(node.SyncResponder{ID: s.cfg.ID, Handler: s.remote}).Register(r)
	s.ws.Register(r)

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/v1/sessions", s.handleSessions).Methods(http.MethodGet)
	r.HandleFunc("/v1/readers", s.handleReaders).Methods(http.MethodGet)
	r.HandleFunc("/v1/executions", s.handleExecutions).Methods(http.MethodGet)
	r.HandleFunc("/v1/readers/{plugin}/{reader}/disconnect", s.handleDisconnect).Methods(http.MethodPost)
	return r
}

func (s *Service) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthBody{
		Status:   "ok",
		Node:     s.cfg.ID,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Sessions: s.sessions.Len(),
		Sockets:  s.ws.Connections(),
	})
}

func (s *Service) handleSessions(w http.ResponseWriter, _ *http.Request) {
	waiting := make(map[string][]pendingBody)
	for _, p := range s.async.Pending() {
		waiting[p.Key.SessionID] = append(waiting[p.Key.SessionID], pendingBody{Tag: p.Key.Tag, QueuedAt: p.QueuedAt})
	}
	snap := s.sessions.Snapshot()
	out := make([]sessionBody, 0, len(snap))
	for _, info := range snap {
		out = append(out, sessionBody{
			ID:           info.ID,
			State:        info.State.String(),
			ClientNodeID: info.ClientNodeID,
			Plugin:       info.Plugin,
			Reader:       info.Reader,
			LastActivity: info.LastActivity,
			InFlight:     info.InFlight,
			Pending:      waiting[info.ID],
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleReaders(w http.ResponseWriter, _ *http.Request) {
	var out []readerBody
	for _, name := range s.readers.Names() {
		p, err := s.readers.Plugin(name)
		if err != nil {
			continue
		}
		for _, reader := range p.ReaderNames() {
			body := readerBody{Plugin: name, Reader: reader, Group: p.GroupOf(reader)}
			if lr, ok := p.Reader(reader); ok {
				if cp, ok := lr.(interface{ CardPresent() bool }); ok {
					present := cp.CardPresent()
					body.CardPresent = &present
				}
			}
			out = append(out, body)
		}
	}
	if out == nil {
		out = []readerBody{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, s.remote.Executions(limit))
}

func (s *Service) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	n, err := s.DisconnectReader(r.Context(), vars["plugin"], vars["reader"])
	switch {
	case errors.Is(err, plugins.ErrPluginNotFound), errors.Is(err, plugins.ErrReaderNotFound):
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"plugin":   vars["plugin"],
		"reader":   vars["reader"],
		"notified": n,
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("server.writeJSON encode failed")
	}
}
