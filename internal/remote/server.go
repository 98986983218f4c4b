package remote

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/readerlink/internal/auth"
	"github.com/danmuck/readerlink/internal/batch"
	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/observability"
	"github.com/danmuck/readerlink/internal/plugins"
	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/rs/zerolog/log"
)

var ErrReaderDisconnected = errors.New("remote: native reader disconnected")

type Config struct {
	NodeID string
	// Token is attached to messages the server pushes unprompted.
	Token        string
	HistoryLimit int
}

// Pusher sends a message on an established session without waiting for a reply.
type Pusher interface {
	Send(ctx context.Context, sessionID string, msg protocol.Message) error
}

// Server dispatches client requests onto native readers.
type Server struct {
	cfg       Config
	readers   *plugins.Registry
	sessions  *registry.Registry
	validator auth.Validator
	history   *history

	// allocMu keeps two allocations from picking the same free reader.
	allocMu sync.Mutex
}

var _ node.Handler = (*Server)(nil)

// NewServer wires a server. A nil validator accepts every request.
func NewServer(cfg Config, readers *plugins.Registry, sessions *registry.Registry, validator auth.Validator) *Server {
	cfg.NodeID = strings.TrimSpace(cfg.NodeID)
	if cfg.NodeID == "" {
		cfg.NodeID = "readerd"
	}
	return &Server{
		cfg:       cfg,
		readers:   readers,
		sessions:  sessions,
		validator: validator,
		history:   newHistory(cfg.HistoryLimit),
	}
}

func (s *Server) NodeID() string { return s.cfg.NodeID }
func (s *Server) Kind() string   { return "server" }

func (s *Server) Sessions() *registry.Registry { return s.sessions }
func (s *Server) Readers() *plugins.Registry   { return s.readers }

// Executions returns up to limit of the most recent transmit records, oldest first.
// limit <= 0 returns the whole retained history.
func (s *Server) Executions(limit int) []Execution {
	return s.history.recent(limit)
}

// HandleMessage answers every request with a reply or an error reply.
// Replies and error notices from the peer are not answered.
func (s *Server) HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, bool, error) {
	if msg.Reply || msg.IsError() {
		log.Debug().Str("session_id", msg.SessionID).Str("action", msg.Action.String()).Msg("remote.Server ignored unsolicited reply")
		return protocol.Message{}, false, nil
	}
	if s.validator != nil {
		if err := s.validator.Validate(string(msg.Token)); err != nil {
			log.Warn().Str("session_id", msg.SessionID).Str("client", msg.ClientNodeID).Msg("remote.Server unauthorized")
			return protocol.NewError(msg, protocol.CodeUnauthorized, err.Error()), true, nil
		}
	}

	switch msg.Action {
	case protocol.ActionOpenSession:
		return s.openSession(msg), true, nil
	case protocol.ActionTransmitBatch, protocol.ActionTransmitSingle:
		return s.transmit(ctx, msg), true, nil
	case protocol.ActionCloseSession:
		return s.closeSession(msg), true, nil
	case protocol.ActionKeepAlive:
		return s.keepAlive(msg), true, nil
	default:
		return protocol.NewError(msg, protocol.CodeMalformedMessage,
			fmt.Sprintf("action %s is not a client request", msg.Action)), true, nil
	}
}

// openSession binds the session to the named reader. Without a reader name
// the body carries a group reference and a free reader of that group is allocated.
func (s *Server) openSession(msg protocol.Message) protocol.Message {
	if strings.TrimSpace(msg.TargetReader) == "" {
		return s.allocate(msg)
	}
	if _, err := s.readers.Resolve(msg.TargetPlugin, msg.TargetReader); err != nil {
		return protocol.NewError(msg, protocol.CodeReaderNotFound, err.Error())
	}
	if reply, ok := s.startSession(msg, msg.TargetReader); !ok {
		return reply
	}
	log.Info().
		Str("session_id", msg.SessionID).
		Str("client", msg.ClientNodeID).
		Str("plugin", msg.TargetPlugin).
		Str("reader", msg.TargetReader).
		Msg("remote.Server session opened")
	return protocol.NewReply(msg, nil)
}

func (s *Server) allocate(msg protocol.Message) protocol.Message {
	group := strings.TrimSpace(string(msg.Body))
	readers, err := s.readers.Group(msg.TargetPlugin, group)
	if err != nil {
		return protocol.NewError(msg, protocol.CodeReaderNotFound, err.Error())
	}

	s.allocMu.Lock()
	defer s.allocMu.Unlock()
	for _, reader := range readers {
		if len(s.sessions.BoundTo(msg.TargetPlugin, reader)) > 0 {
			continue
		}
		if reply, ok := s.startSession(msg, reader); !ok {
			return reply
		}
		log.Info().
			Str("session_id", msg.SessionID).
			Str("client", msg.ClientNodeID).
			Str("plugin", msg.TargetPlugin).
			Str("group", group).
			Str("reader", reader).
			Msg("remote.Server reader allocated")
		reply := protocol.NewReply(msg, nil)
		reply.TargetReader = reader
		return reply
	}
	log.Debug().Str("plugin", msg.TargetPlugin).Str("group", group).Msg("remote.Server group exhausted")
	return protocol.NewError(msg, protocol.CodeNoReaderAvailable,
		fmt.Sprintf("no free reader in group %s/%s", msg.TargetPlugin, group))
}

// startSession creates, binds and opens msg's session on reader. On failure
// it returns the error reply and false.
func (s *Server) startSession(msg protocol.Message, reader string) (protocol.Message, bool) {
	sess, err := s.sessions.Create(msg.SessionID)
	if err != nil {
		code := protocol.CodeMalformedMessage
		if errors.Is(err, registry.ErrDuplicateSession) {
			code = protocol.CodeDuplicateSession
		}
		return protocol.NewError(msg, code, err.Error()), false
	}
	sess.Bind(registry.Binding{
		ClientNodeID: msg.ClientNodeID,
		ServerNodeID: s.cfg.NodeID,
		Plugin:       msg.TargetPlugin,
		Reader:       reader,
		Node:         s,
	})
	if _, err := s.sessions.Open(msg.SessionID); err != nil {
		s.sessions.Close(msg.SessionID, err)
		return protocol.NewError(msg, protocol.CodeUnknownSession, err.Error()), false
	}
	return protocol.Message{}, true
}

// session resolves the live session msg addresses. A session opened by a
// different client is treated as unknown.
func (s *Server) session(msg protocol.Message) (*registry.Session, error) {
	sess, err := s.sessions.Lookup(msg.SessionID)
	if err != nil {
		return nil, err
	}
	if sess.ClientNodeID() != msg.ClientNodeID {
		return nil, fmt.Errorf("%w: %s belongs to another client", registry.ErrUnknownSession, msg.SessionID)
	}
	return sess, nil
}

func (s *Server) transmit(ctx context.Context, msg protocol.Message) protocol.Message {
	sess, err := s.session(msg)
	if err != nil {
		return protocol.NewError(msg, protocol.CodeUnknownSession, err.Error())
	}
	if err := sess.Begin(); err != nil {
		return protocol.NewError(msg, protocol.CodeUnknownSession, err.Error())
	}
	defer sess.End()

	req, err := batch.DecodeRequest(msg.Body)
	if err == nil && msg.Action == protocol.ActionTransmitSingle && !req.Single {
		err = fmt.Errorf("%w: single transmit without single request", batch.ErrMalformedBody)
	}
	if err != nil {
		return protocol.NewError(msg, protocol.CodeMalformedMessage, err.Error())
	}

	reader, err := s.readers.Resolve(sess.Plugin(), sess.Reader())
	if err != nil {
		return protocol.NewError(msg, protocol.CodeReaderNotFound, err.Error())
	}

	exec := Execution{
		ID:         executionID(msg.SessionID, msg.RequestTag),
		SessionID:  msg.SessionID,
		RequestTag: msg.RequestTag,
		Plugin:     sess.Plugin(),
		Reader:     sess.Reader(),
		Action:     msg.Action.String(),
		Groups:     len(req.Groups),
		Phase:      ExecutionAccepted,
		Started:    time.Now(),
	}
	s.history.add(exec)

	groups, execErr := reader.Execute(ctx, req)
	result := batch.ResultFromExecution(groups, execErr)
	observability.RecordTransmit("server", result.Kind.String())

	if result.Kind != batch.KindComplete && result.Kind != batch.KindPartial {
		s.finish(exec.ID, ExecutionFailed, 0, execErr)
		log.Warn().Str("session_id", msg.SessionID).Str("reader", sess.Reader()).Err(execErr).Msg("remote.Server transmit failed")
		if errors.Is(execErr, batch.ErrInvalidRequest) {
			return protocol.NewError(msg, protocol.CodeMalformedMessage, execErr.Error())
		}
		return protocol.NewError(msg, protocol.CodeReaderIO, execErr.Error())
	}
	body, err := batch.EncodeOutcome(result)
	if err != nil {
		s.finish(exec.ID, ExecutionFailed, 0, err)
		return protocol.NewError(msg, protocol.CodeReaderIO, err.Error())
	}

	phase := ExecutionComplete
	if result.Kind == batch.KindPartial {
		phase = ExecutionPartial
	}
	s.finish(exec.ID, phase, len(result.Groups), execErr)
	log.Debug().
		Str("session_id", msg.SessionID).
		Uint64("tag", msg.RequestTag).
		Str("kind", result.Kind.String()).
		Int("completed", len(result.Groups)).
		Msg("remote.Server transmit")
	return protocol.NewReply(msg, body)
}

func (s *Server) finish(id string, phase ExecutionPhase, completed int, err error) {
	s.history.finish(id, func(e *Execution) {
		e.Phase = phase
		e.Completed = completed
		e.Finished = time.Now()
		if err != nil {
			e.Error = err.Error()
		}
	})
}

// closeSession acknowledges even when the session is already gone.
func (s *Server) closeSession(msg protocol.Message) protocol.Message {
	if _, err := s.session(msg); err == nil {
		s.sessions.Close(msg.SessionID, registry.ErrSessionClosed)
		log.Info().Str("session_id", msg.SessionID).Msg("remote.Server session closed")
	}
	return protocol.NewReply(msg, nil)
}

func (s *Server) keepAlive(msg protocol.Message) protocol.Message {
	if _, err := s.session(msg); err != nil {
		return protocol.NewError(msg, protocol.CodeUnknownSession, err.Error())
	}
	s.sessions.Touch(msg.SessionID)
	return protocol.NewReply(msg, nil)
}

// NotifyReaderDisconnected pushes a disconnect notice to every session bound to
// plugin/reader, then closes those sessions. It returns how many sessions were bound.
func (s *Server) NotifyReaderDisconnected(ctx context.Context, pusher Pusher, plugin, reader string) int {
	bound := s.sessions.BoundTo(plugin, reader)
	for _, sess := range bound {
		msg := protocol.New(protocol.ActionReaderDisconnected, sess.ID(), sess.ClientNodeID(), s.cfg.NodeID, plugin, reader, nil)
		if s.cfg.Token != "" {
			msg = msg.WithToken([]byte(s.cfg.Token))
		}
		if pusher != nil {
			if err := pusher.Send(ctx, sess.ID(), msg); err != nil {
				log.Warn().Str("session_id", sess.ID()).Err(err).Msg("remote.Server disconnect notice not delivered")
			}
		}
		// the client may close first on receiving the notice
		s.sessions.Close(sess.ID(), ErrReaderDisconnected)
	}
	if len(bound) > 0 {
		log.Info().Str("plugin", plugin).Str("reader", reader).Int("sessions", len(bound)).Msg("remote.Server reader disconnected")
	}
	return len(bound)
}
