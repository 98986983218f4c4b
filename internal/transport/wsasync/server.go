package wsasync

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/protocol/session"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Server accepts one WebSocket per session and implements node.AsyncTransport
// for the server-side async node.
type Server struct {
	cfg      session.Config
	upgrader websocket.Upgrader

	mu sync.RWMutex
	rx Receiver

	conns conns
	wg    sync.WaitGroup
}

var _ node.AsyncTransport = (*Server)(nil)

func NewServer(cfg session.Config) *Server {
	cfg = cfg.WithDefaults()
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: cfg.HandshakeTimeout,
			// frames carry their own auth token; any origin may connect
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Attach sets the receiver, normally the async node built over this transport.
func (s *Server) Attach(rx Receiver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rx = rx
}

func (s *Server) receiver() Receiver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rx
}

func (s *Server) Register(router *mux.Router) {
	router.HandleFunc(Path, s.serveWS).Methods(http.MethodGet)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	sid := strings.TrimSpace(r.URL.Query().Get(SessionParam))
	if sid == "" {
		http.Error(w, "missing session", http.StatusBadRequest)
		return
	}
	rx := s.receiver()
	if rx == nil {
		http.Error(w, "not ready", http.StatusServiceUnavailable)
		return
	}
	if _, busy := s.conns.get(sid); busy {
		http.Error(w, ErrSessionInUse.Error(), http.StatusConflict)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Str("session_id", sid).Err(err).Msg("wsasync.Server upgrade failed")
		return
	}
	c := newConn(sid, ws, s.cfg)
	if !s.conns.add(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, ErrSessionInUse.Error()),
			deadline(s.cfg))
		_ = ws.Close()
		return
	}
	log.Debug().Str("session_id", sid).Str("remote", r.RemoteAddr).Msg("wsasync.Server connected")
	rx.OnOpen(sid)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.heartbeat()
	}()
	go func() {
		defer s.wg.Done()
		c.readLoop(rx, func() { s.conns.remove(sid, c) })
	}()
}

// Open is not supported: clients open sessions by connecting.
func (s *Server) Open(ctx context.Context, sessionID string) error {
	return ErrServerCannotDial
}

func (s *Server) Send(ctx context.Context, sessionID string, frame []byte) error {
	return sendTo(ctx, &s.conns, sessionID, frame)
}

// Close ends the session's connection; unknown sessions are a no-op.
func (s *Server) Close(sessionID string) error {
	return closeIn(&s.conns, sessionID)
}

func (s *Server) Connections() int {
	return s.conns.len()
}

// Shutdown closes every connection and waits for their goroutines.
func (s *Server) Shutdown() {
	for _, c := range s.conns.drain() {
		_ = c.close()
	}
	s.wg.Wait()
}
