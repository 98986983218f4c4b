package node

import (
	"context"
	"fmt"
	"time"

	"github.com/danmuck/readerlink/internal/observability"
	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/protocol/session"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/rs/zerolog/log"
)

// SyncEndpoint is the blocking request/reply primitive of a half-duplex channel.
// RoundTrip must return promptly once ctx is cancelled.
type SyncEndpoint interface {
	RoundTrip(ctx context.Context, request []byte) ([]byte, error)
}

type roundTrip struct {
	reply []byte
	err   error
}

// SyncNode is the client side of a half-duplex channel. Concurrent callers
// are serialized on a single in-flight slot that is held until the endpoint
// returns, so an abandoned request never overlaps the next one.
type SyncNode struct {
	opts     Options
	endpoint SyncEndpoint
	sessions *registry.Registry
	slot     chan struct{}
	tags     session.Tags
}

func NewSyncNode(opts Options, endpoint SyncEndpoint, sessions *registry.Registry) *SyncNode {
	return &SyncNode{
		opts:     opts.withDefaults(KindSync),
		endpoint: endpoint,
		sessions: sessions,
		slot:     make(chan struct{}, 1),
	}
}

func (n *SyncNode) NodeID() string { return n.opts.ID }
func (n *SyncNode) Kind() string   { return KindSync }

func (n *SyncNode) Transmit(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	return n.Send(ctx, msg)
}

// Send blocks until the correlated reply, RequestTimeout, ctx, or session close.
func (n *SyncNode) Send(ctx context.Context, msg protocol.Message) (protocol.Message, error) {
	s, err := n.sessions.Lookup(msg.SessionID)
	if err != nil {
		return protocol.Message{}, err
	}
	if msg.RequestTag == 0 {
		msg = msg.WithTag(n.tags.Next())
	}
	msg = n.opts.stamp(msg)
	payload, err := protocol.Encode(msg)
	if err != nil {
		return protocol.Message{}, err
	}

	select {
	case n.slot <- struct{}{}:
	case <-ctx.Done():
		return protocol.Message{}, ctx.Err()
	case <-s.Done():
		return protocol.Message{}, fmt.Errorf("%w: session %s closed while queued", ErrNodeTransport, msg.SessionID)
	}

	if err := s.Begin(); err != nil {
		<-n.slot
		return protocol.Message{}, err
	}
	defer s.End()

	start := time.Now()
	rtCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	done := make(chan roundTrip, 1)
	go func() {
		defer func() { <-n.slot }()
		reply, err := n.endpoint.RoundTrip(rtCtx, payload)
		done <- roundTrip{reply: reply, err: err}
	}()
	observability.RecordMessage(n.opts.ID, "out", msg.Action.String())

	timer := time.NewTimer(n.opts.Session.RequestTimeout)
	defer timer.Stop()

	select {
	case rt := <-done:
		if rt.err != nil {
			return n.fail(msg, start, "transport", fmt.Errorf("%w: %v", ErrNodeTransport, rt.err))
		}
		reply, err := protocol.Decode(rt.reply)
		if err != nil {
			return n.fail(msg, start, "malformed", fmt.Errorf("%w: %v", ErrNodeTransport, err))
		}
		if !correlated(msg, reply) {
			return n.fail(msg, start, "uncorrelated", fmt.Errorf(
				"%w: reply session=%s tag=%d does not match session=%s tag=%d",
				ErrNodeTransport, reply.SessionID, reply.RequestTag, msg.SessionID, msg.RequestTag,
			))
		}
		observability.RecordMessage(n.opts.ID, "in", reply.Action.String())
		observability.RecordNodeRequest(KindSync, "ok", time.Since(start))
		n.sessions.Touch(msg.SessionID)
		return reply, nil
	case <-timer.C:
		// cancel before returning so the late reply, if any, is discarded with done
		cancel()
		return n.fail(msg, start, "timeout", fmt.Errorf(
			"%w: no reply for session=%s tag=%d within %s",
			ErrNodeTimeout, msg.SessionID, msg.RequestTag, n.opts.Session.RequestTimeout,
		))
	case <-s.Done():
		observability.RecordNodeRequest(KindSync, "closed", time.Since(start))
		return protocol.Message{}, fmt.Errorf("%w: session %s closed: %v", ErrNodeTransport, msg.SessionID, s.Err())
	case <-ctx.Done():
		observability.RecordNodeRequest(KindSync, "cancelled", time.Since(start))
		return protocol.Message{}, ctx.Err()
	}
}

// fail force-closes the session; transport failures leave its state unknown.
func (n *SyncNode) fail(msg protocol.Message, start time.Time, outcome string, err error) (protocol.Message, error) {
	observability.RecordNodeRequest(KindSync, outcome, time.Since(start))
	log.Warn().
		Str("node_id", n.opts.ID).
		Str("session_id", msg.SessionID).
		Uint64("tag", msg.RequestTag).
		Err(err).
		Msg("node.SyncNode.Send failed")
	n.sessions.Close(msg.SessionID, err)
	return protocol.Message{}, err
}

func correlated(req, reply protocol.Message) bool {
	return reply.Reply && reply.SessionID == req.SessionID && reply.RequestTag == req.RequestTag
}

// SyncResponder is the server side of a half-duplex channel: one request in, one reply out.
type SyncResponder struct {
	ID      string
	Handler Handler
}

// Respond decodes raw, runs the handler and encodes its reply.
// Malformed input is returned as an error wrapping protocol.ErrMalformedMessage.
func (r SyncResponder) Respond(ctx context.Context, raw []byte) ([]byte, error) {
	msg, err := protocol.Decode(raw)
	if err != nil {
		log.Debug().Str("node_id", r.ID).Err(err).Msg("node.SyncResponder.Respond malformed request")
		return nil, err
	}
	observability.RecordMessage(r.ID, "in", msg.Action.String())
	reply, ok, err := r.Handler.HandleMessage(ctx, msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: no reply for %s", ErrNodeTransport, msg.Action)
	}
	observability.RecordMessage(r.ID, "out", reply.Action.String())
	return protocol.Encode(reply)
}
