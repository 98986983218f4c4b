// Package node binds one side of a reader-link session to a transport channel.
//
// Two variants share the Node contract: SyncNode (half-duplex request/reply,
// one request in flight per channel) and AsyncNode (full-duplex, event driven,
// correlated by session id and request tag).
package node

import (
	"context"
	"errors"
	"strings"

	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/protocol/session"
)

var (
	ErrNodeTimeout   = errors.New("node: request timeout")
	ErrNodeTransport = errors.New("node: transport error")
)

const (
	KindSync  = "sync"
	KindAsync = "async"
)

// Node moves a Message to the peer and eventually returns the correlated reply.
type Node interface {
	NodeID() string
	Kind() string
	Transmit(ctx context.Context, msg protocol.Message) (protocol.Message, error)
}

// Handler processes a Message the peer sent unprompted and optionally replies.
type Handler interface {
	HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, bool, error)
}

type HandlerFunc func(ctx context.Context, msg protocol.Message) (protocol.Message, bool, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, msg protocol.Message) (protocol.Message, bool, error) {
	return f(ctx, msg)
}

// Options are shared by both node variants.
type Options struct {
	ID      string
	Session session.Config
	// Token is attached to outbound messages that carry none.
	Token string
}

func (o Options) withDefaults(kind string) Options {
	o.ID = strings.TrimSpace(o.ID)
	if o.ID == "" {
		o.ID = kind + "-node"
	}
	o.Session = o.Session.WithDefaults()
	return o
}

func (o Options) stamp(msg protocol.Message) protocol.Message {
	if len(msg.Token) == 0 && o.Token != "" {
		return msg.WithToken([]byte(o.Token))
	}
	return msg
}

func IsTimeout(err error) bool {
	return errors.Is(err, ErrNodeTimeout)
}

func IsTransport(err error) bool {
	return errors.Is(err, ErrNodeTransport)
}
