// Package server hosts readerd: native readers behind a remote server,
// reachable over HTTP request/reply and over WebSocket.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/danmuck/readerlink/internal/auth"
	"github.com/danmuck/readerlink/internal/config"
	"github.com/danmuck/readerlink/internal/logging"
	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/observability"
	"github.com/danmuck/readerlink/internal/plugins"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/danmuck/readerlink/internal/remote"
	"github.com/danmuck/readerlink/internal/stub"
	"github.com/danmuck/readerlink/internal/transport/wsasync"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

var ErrShuttingDown = errors.New("server: shutting down")

// Service owns every readerd component for one process.
type Service struct {
	cfg     config.ServerConfig
	started time.Time

	readers  *plugins.Registry
	stubs    []*stub.Reader
	sessions *registry.Registry
	remote   *remote.Server
	ws       *wsasync.Server
	async    *node.AsyncNode
	router   *mux.Router
}

func NewService(cfg config.ServerConfig) (*Service, error) {
	cfg.Session = cfg.Session.WithDefaults()
	observability.RegisterMetrics()
	readers, stubs, err := config.BuildReaders(cfg.Readers)
	if err != nil {
		return nil, err
	}

	var validator auth.Validator
	token := ""
	if len(cfg.Tokens) > 0 {
		validator = cfg.Tokens
		token = cfg.Tokens[0]
	}

	s := &Service{
		cfg:      cfg,
		started:  time.Now(),
		readers:  readers,
		stubs:    stubs,
		sessions: registry.New(cfg.Registry),
		ws:       wsasync.NewServer(cfg.Session),
	}
	s.remote = remote.NewServer(remote.Config{
		NodeID:       cfg.ID,
		Token:        token,
		HistoryLimit: cfg.HistoryLimit,
	}, readers, s.sessions, validator)
	s.async = node.NewAsyncNode(node.Options{ID: cfg.ID, Session: cfg.Session, Token: token}, s.ws, s.sessions, s.remote)
	s.ws.Attach(s.async)

	// the client closes its own channel after a CloseSession ack; anything
	// else (idle reap, reader gone, shutdown) is ours to hang up
	s.sessions.OnClose(func(id string, _ registry.Binding, cause error) {
		if errors.Is(cause, registry.ErrSessionClosed) {
			return
		}
		if err := s.ws.Close(id); err == nil {
			log.Debug().Str("session_id", id).Err(cause).Msg("server.Service closed websocket for session")
		}
	})

	s.router = s.routes()
	return s, nil
}

func (s *Service) Handler() http.Handler        { return s.router }
func (s *Service) Remote() *remote.Server       { return s.remote }
func (s *Service) Sessions() *registry.Registry { return s.sessions }
func (s *Service) Readers() *plugins.Registry   { return s.readers }
func (s *Service) StubReaders() []*stub.Reader  { return s.stubs }
func (s *Service) Config() config.ServerConfig  { return s.cfg }

// DisconnectReader detaches a native reader and tells bound clients it is gone.
func (s *Service) DisconnectReader(ctx context.Context, plugin, reader string) (int, error) {
	if err := s.readers.Disconnect(plugin, reader); err != nil {
		return 0, err
	}
	return s.remote.NotifyReaderDisconnected(ctx, s.async, plugin, reader), nil
}

// Run blocks until SIGINT or SIGTERM.
func (s *Service) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ln, err := s.listen()
	if err != nil {
		return err
	}
	log.Info().
		Str("node_id", s.cfg.ID).
		Str("addr", ln.Addr().String()).
		Bool("tls", s.cfg.Session.TLS.Enabled).
		Strs("plugins", s.readers.Names()).
		Msg("server.Service.Run listening")
	return s.Serve(ctx, ln)
}

func (s *Service) listen() (net.Listener, error) {
	if err := s.cfg.Session.ValidateServerTransport(); err != nil {
		return nil, err
	}
	if !s.cfg.Session.TLS.Enabled {
		return net.Listen("tcp", s.cfg.ListenAddr)
	}
	tlsCfg, err := s.cfg.Session.ServerTLS()
	if err != nil {
		return nil, err
	}
	return tls.Listen("tcp", s.cfg.ListenAddr, tlsCfg)
}

// Serve runs the HTTP surface and the idle reaper on ln until ctx ends.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.Session.HandshakeTimeout,
	}

	reapCtx, stopReap := context.WithCancel(ctx)
	defer stopReap()
	go s.sessions.Run(reapCtx)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	select {
	case err := <-serveErr:
		s.shutdown()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", s.cfg.ListenAddr, err)
	case <-ctx.Done():
	}

	log.Info().Str("node_id", s.cfg.ID).Msg("server.Service.Serve shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Session.WriteTimeout)
	defer cancel()
	s.shutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return nil
}

func (s *Service) shutdown() {
	closed := s.sessions.CloseAll(ErrShuttingDown)
	s.ws.Shutdown()
	s.async.Shutdown()
	l := logging.Component("server")
	l.Info().Int("sessions", closed).Msg("server.Service sessions released")
}

func (s *Service) router404(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound, errorBody{Error: "not found", Path: strings.TrimSpace(r.URL.Path)})
}
