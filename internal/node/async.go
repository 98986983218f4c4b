package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/danmuck/readerlink/internal/observability"
	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/protocol/session"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/rs/zerolog/log"
)

var (
	ErrPeerClosed           = errors.New("node: peer closed session")
	ErrSessionClosedLocally = errors.New("node: session closed locally")
)

// AsyncTransport is the full-duplex channel owner. It drives the node through
// OnOpen, OnMessage (or OnFrame), OnClose and OnError.
type AsyncTransport interface {
	Open(ctx context.Context, sessionID string) error
	Send(ctx context.Context, sessionID string, frame []byte) error
	Close(sessionID string) error
}

type eventKind int

const (
	eventOpen eventKind = iota
	eventMessage
	eventClose
)

type event struct {
	kind eventKind
	msg  protocol.Message
}

// mailbox serializes delivery for one session.
type mailbox struct {
	sessionID string
	mu        sync.Mutex
	queue     []event
	closed    bool
	wake      chan struct{}
	stop      chan struct{}
	stopOnce  sync.Once
}

func newMailbox(sessionID string) *mailbox {
	return &mailbox{
		sessionID: sessionID,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

func (m *mailbox) shutdown() {
	m.mu.Lock()
	m.closed = true
	m.queue = nil
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })
}

func (m *mailbox) push(ev event) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	m.queue = append(m.queue, ev)
	if ev.kind == eventClose {
		m.closed = true
	}
	m.mu.Unlock()
	select {
	case m.wake <- struct{}{}:
	default:
	}
	return true
}

func (m *mailbox) drain() []event {
	m.mu.Lock()
	defer m.mu.Unlock()
	q := m.queue
	m.queue = nil
	return q
}

// AsyncNode multiplexes sessions over a full-duplex transport. Callbacks are
// safe for concurrent use; each session is delivered in order on its own goroutine.
type AsyncNode struct {
	opts      Options
	transport AsyncTransport
	sessions  *registry.Registry
	handler   Handler
	pending   *session.Pending[protocol.Message]
	tags      session.Tags

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	mailboxes map[string]*mailbox
	grace     map[string]*time.Timer
}

func NewAsyncNode(opts Options, transport AsyncTransport, sessions *registry.Registry, handler Handler) *AsyncNode {
	ctx, cancel := context.WithCancel(context.Background())
	n := &AsyncNode{
		opts:      opts.withDefaults(KindAsync),
		transport: transport,
		sessions:  sessions,
		handler:   handler,
		pending:   session.NewPending[protocol.Message](),
		ctx:       ctx,
		cancel:    cancel,
		mailboxes: make(map[string]*mailbox),
		grace:     make(map[string]*time.Timer),
	}
	// sessions closed elsewhere (idle reap, a sync node on the same channel) release node state too
	sessions.OnClose(func(id string, _ registry.Binding, cause error) {
		n.closeNow(id, cause)
	})
	return n
}

func (n *AsyncNode) NodeID() string { return n.opts.ID }
func (n *AsyncNode) Kind() string   { return KindAsync }

// SetHandler replaces the handler for unsolicited messages.
func (n *AsyncNode) SetHandler(h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handler = h
}

func (n *AsyncNode) Open(ctx context.Context, sessionID string) error {
	if err := n.transport.Open(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: open %s: %v", ErrNodeTransport, sessionID, err)
	}
	return nil
}

// Send is fire-and-forget; a reply, if any, surfaces through OnMessage.
func (n *AsyncNode) Send(ctx context.Context, sessionID string, msg protocol.Message) error {
	msg = n.opts.stamp(msg)
	payload, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := n.transport.Send(ctx, sessionID, payload); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrNodeTransport, sessionID, err)
	}
	observability.RecordMessage(n.opts.ID, "out", msg.Action.String())
	return nil
}

// Close tears the channel down locally and closes the session.
func (n *AsyncNode) Close(sessionID string) error {
	err := n.transport.Close(sessionID)
	n.closeNow(sessionID, ErrSessionClosedLocally)
	if err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrNodeTransport, sessionID, err)
	}
	return nil
}

// Transmit layers request/reply correlation over Send.
func (n *AsyncNode) Transmit(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	s, err := n.sessions.Lookup(msg.SessionID)
	if err != nil {
		return protocol.Message{}, err
	}
	if msg.RequestTag == 0 {
		msg = msg.WithTag(n.tags.Next())
	}
	if err := s.Begin(); err != nil {
		return protocol.Message{}, err
	}
	defer s.End()

	key := session.Key{SessionID: msg.SessionID, Tag: msg.RequestTag}
	wait, err := n.pending.Register(key, time.Now())
	if err != nil {
		return protocol.Message{}, err
	}
	start := time.Now()
	if err := n.Send(ctx, msg.SessionID, msg); err != nil {
		n.pending.Remove(key)
		if errors.Is(err, protocol.ErrMalformedMessage) {
			return protocol.Message{}, err
		}
		return n.fail(msg, start, "transport", err)
	}

	timer := time.NewTimer(n.opts.Session.RequestTimeout)
	defer timer.Stop()

	select {
	case d := <-wait:
		if d.Err != nil {
			observability.RecordNodeRequest(KindAsync, "transport", time.Since(start))
			return protocol.Message{}, d.Err
		}
		observability.RecordNodeRequest(KindAsync, "ok", time.Since(start))
		return d.Value, nil
	case <-timer.C:
		n.pending.Remove(key)
		return n.fail(msg, start, "timeout", fmt.Errorf(
			"%w: no reply for session=%s tag=%d within %s",
			ErrNodeTimeout, msg.SessionID, msg.RequestTag, n.opts.Session.RequestTimeout,
		))
	case <-s.Done():
		n.pending.Remove(key)
		observability.RecordNodeRequest(KindAsync, "closed", time.Since(start))
		return protocol.Message{}, fmt.Errorf("%w: session %s closed: %v", ErrNodeTransport, msg.SessionID, s.Err())
	case <-ctx.Done():
		n.pending.Remove(key)
		observability.RecordNodeRequest(KindAsync, "cancelled", time.Since(start))
		return protocol.Message{}, ctx.Err()
	}
}

func (n *AsyncNode) fail(msg protocol.Message, start time.Time, outcome string, err error) (protocol.Message, error) {
	observability.RecordNodeRequest(KindAsync, outcome, time.Since(start))
	log.Warn().
		Str("node_id", n.opts.ID).
		Str("session_id", msg.SessionID).
		Uint64("tag", msg.RequestTag).
		Err(err).
		Msg("node.AsyncNode.Transmit failed")
	if cerr := n.transport.Close(msg.SessionID); cerr != nil {
		log.Debug().Str("session_id", msg.SessionID).Err(cerr).Msg("node.AsyncNode channel close")
	}
	n.closeNow(msg.SessionID, err)
	return protocol.Message{}, err
}

func (n *AsyncNode) OnOpen(sessionID string) {
	n.enqueue(sessionID, event{kind: eventOpen})
}

func (n *AsyncNode) OnMessage(sessionID string, msg protocol.Message) {
	n.enqueue(sessionID, event{kind: eventMessage, msg: msg})
}

// OnFrame decodes raw and delivers it. Malformed frames are dropped; the session is unaffected.
func (n *AsyncNode) OnFrame(sessionID string, raw []byte) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Warn().Str("node_id", n.opts.ID).Str("session_id", sessionID).Err(err).Msg("node.AsyncNode.OnFrame dropped")
		return
	}
	n.OnMessage(sessionID, msg)
}

// OnClose is delivered after every message queued before it.
func (n *AsyncNode) OnClose(sessionID string) {
	if !n.enqueue(sessionID, event{kind: eventClose}) {
		n.closeNow(sessionID, ErrPeerClosed)
	}
}

// OnError fails the session's waiters but leaves the session open; a forced
// close follows after ErrorGracePeriod unless OnClose arrives first.
func (n *AsyncNode) OnError(sessionID string, cause error) {
	err := fmt.Errorf("%w: %v", ErrNodeTransport, cause)
	failed := n.pending.FailSession(sessionID, err)
	log.Warn().
		Str("node_id", n.opts.ID).
		Str("session_id", sessionID).
		Int("failed_waiters", failed).
		AnErr("cause", cause).
		Msg("node.AsyncNode.OnError")

	n.mu.Lock()
	defer n.mu.Unlock()
	if _, scheduled := n.grace[sessionID]; scheduled {
		return
	}
	n.grace[sessionID] = time.AfterFunc(n.opts.Session.ErrorGracePeriod, func() {
		n.closeNow(sessionID, err)
	})
}

// PendingCount reports outstanding correlated requests.
func (n *AsyncNode) PendingCount() int {
	return n.pending.Len()
}

// Pending lists outstanding correlated requests ordered by session and tag.
func (n *AsyncNode) Pending() []session.PendingInfo {
	return n.pending.List()
}

// Shutdown stops every mailbox goroutine and fails outstanding waiters.
func (n *AsyncNode) Shutdown() {
	n.mu.Lock()
	n.cancel()
	for sid, t := range n.grace {
		t.Stop()
		delete(n.grace, sid)
	}
	n.mu.Unlock()
	n.wg.Wait()
}

func (n *AsyncNode) enqueue(sessionID string, ev event) bool {
	n.mu.Lock()
	if n.ctx.Err() != nil {
		n.mu.Unlock()
		return false
	}
	m, ok := n.mailboxes[sessionID]
	if !ok {
		if ev.kind == eventClose {
			n.mu.Unlock()
			return false
		}
		m = newMailbox(sessionID)
		n.mailboxes[sessionID] = m
		n.wg.Add(1)
		go n.run(m)
	}
	n.mu.Unlock()
	return m.push(ev)
}

func (n *AsyncNode) run(m *mailbox) {
	defer n.wg.Done()
	for {
		select {
		case <-n.ctx.Done():
			n.pending.FailSession(m.sessionID, fmt.Errorf("%w: node shut down", ErrNodeTransport))
			return
		case <-m.stop:
			return
		case <-m.wake:
		}
		for _, ev := range m.drain() {
			switch ev.kind {
			case eventOpen:
				n.sessions.Touch(m.sessionID)
				log.Debug().Str("node_id", n.opts.ID).Str("session_id", m.sessionID).Msg("node.AsyncNode.OnOpen")
			case eventMessage:
				n.dispatch(m.sessionID, ev.msg)
			case eventClose:
				n.closeNow(m.sessionID, ErrPeerClosed)
				return
			}
		}
	}
}

func (n *AsyncNode) dispatch(sessionID string, msg protocol.Message) {
	observability.RecordMessage(n.opts.ID, "in", msg.Action.String())
	n.sessions.Touch(sessionID)
	if msg.Reply {
		key := session.Key{SessionID: sessionID, Tag: msg.RequestTag}
		if !n.pending.Resolve(key, msg) {
			log.Debug().
				Str("node_id", n.opts.ID).
				Str("session_id", sessionID).
				Uint64("tag", msg.RequestTag).
				Msg("node.AsyncNode dropped reply without waiter")
		}
		return
	}

	n.mu.Lock()
	h := n.handler
	n.mu.Unlock()
	if h == nil {
		log.Debug().Str("node_id", n.opts.ID).Str("action", msg.Action.String()).Msg("node.AsyncNode no handler")
		return
	}
	reply, ok, err := h.HandleMessage(n.ctx, msg)
	if err != nil {
		log.Warn().Str("node_id", n.opts.ID).Str("session_id", sessionID).Err(err).Msg("node.AsyncNode handler failed")
	}
	if !ok {
		return
	}
	if err := n.Send(n.ctx, sessionID, reply); err != nil {
		n.OnError(sessionID, err)
	}
}

// closeNow cleans node state for sessionID and closes it in the shared registry,
// which releases waiters of every node bound to it.
func (n *AsyncNode) closeNow(sessionID string, cause error) {
	n.mu.Lock()
	if t, ok := n.grace[sessionID]; ok {
		t.Stop()
		delete(n.grace, sessionID)
	}
	m, ok := n.mailboxes[sessionID]
	if ok {
		delete(n.mailboxes, sessionID)
	}
	n.mu.Unlock()
	if ok {
		m.shutdown()
	}

	n.pending.FailSession(sessionID, fmt.Errorf("%w: %v", ErrNodeTransport, cause))
	n.sessions.Close(sessionID, cause)
}
