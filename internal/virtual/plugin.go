// Package virtual exposes remote native readers as local virtual readers.
// A virtual reader owns one session; every transmit goes through the
// plugin's Node.
package virtual

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/lithammer/shortuuid/v4"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog/log"
)

var (
	ErrReaderAlreadyRegistered = errors.New("virtual: reader already registered")
	ErrReaderNotFound          = errors.New("virtual: reader not found")
	ErrPluginClosed            = errors.New("virtual: plugin closed")
	ErrRemoteReaderIO          = errors.New("virtual: remote reader i/o failure")
	ErrRemoteDisconnected      = errors.New("virtual: remote reader disconnected")
)

type Config struct {
	Name         string
	ClientNodeID string
	ServerNodeID string
	// RemotePlugin names the native plugin on the server.
	RemotePlugin string
}

// sessionOpener and sessionCloser are implemented by nodes whose channel is
// established per session (the async node).
type sessionOpener interface {
	Open(ctx context.Context, sessionID string) error
}

type sessionCloser interface {
	Close(sessionID string) error
}

type Plugin struct {
	cfg      Config
	node     node.Node
	sessions *registry.Registry
	readers  cmap.ConcurrentMap
	closed   atomic.Bool
}

func NewPlugin(cfg Config, n node.Node, sessions *registry.Registry) *Plugin {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		cfg.Name = "remote"
	}
	if cfg.ClientNodeID == "" {
		cfg.ClientNodeID = n.NodeID()
	}
	p := &Plugin{
		cfg:      cfg,
		node:     n,
		sessions: sessions,
		readers:  cmap.New(),
	}
	sessions.OnClose(p.sessionClosed)
	return p
}

func (p *Plugin) Name() string   { return p.cfg.Name }
func (p *Plugin) Config() Config { return p.cfg }

// Register opens a session for the remote reader name and returns its virtual reader.
func (p *Plugin) Register(ctx context.Context, name string) (*Reader, error) {
	if p.closed.Load() {
		return nil, ErrPluginClosed
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty reader name", ErrReaderNotFound)
	}
	r := &Reader{name: name, sessionID: shortuuid.New(), plugin: p}
	if !p.readers.SetIfAbsent(name, r) {
		return nil, fmt.Errorf("%w: %s", ErrReaderAlreadyRegistered, name)
	}

	sess, err := p.sessions.Create(r.sessionID)
	if err != nil {
		p.readers.Remove(name)
		return nil, err
	}
	sess.Bind(registry.Binding{
		ClientNodeID: p.cfg.ClientNodeID,
		ServerNodeID: p.cfg.ServerNodeID,
		Plugin:       p.cfg.RemotePlugin,
		Reader:       name,
		Node:         p.node,
	})

	if err := p.open(ctx, r); err != nil {
		p.closeSession(r.sessionID, err)
		p.drop(name, r.sessionID)
		log.Warn().Str("plugin", p.cfg.Name).Str("reader", name).Err(err).Msg("virtual.Plugin.Register failed")
		return nil, err
	}
	log.Info().Str("plugin", p.cfg.Name).Str("reader", name).Str("session_id", r.sessionID).Msg("virtual.Plugin.Register")
	return r, nil
}

func (p *Plugin) open(ctx context.Context, r *Reader) error {
	if o, ok := p.node.(sessionOpener); ok {
		if err := o.Open(ctx, r.sessionID); err != nil {
			return err
		}
	}
	msg := p.message(protocol.ActionOpenSession, r, nil)
	reply, err := p.node.Transmit(ctx, msg)
	if err != nil {
		return err
	}
	if reply.IsError() {
		return remoteError(reply)
	}
	if _, err := p.sessions.Open(r.sessionID); err != nil {
		return err
	}
	// a concurrent close may have dropped the reader between ack and open
	if cur, ok := p.lookup(r.name); !ok || cur != r {
		return fmt.Errorf("%w: %s", ErrReaderNotFound, r.name)
	}
	return nil
}

// Unregister closes the reader's session, telling the server when it is still reachable.
func (p *Plugin) Unregister(ctx context.Context, name string) error {
	r, ok := p.lookup(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrReaderNotFound, name)
	}
	if _, err := p.sessions.Lookup(r.sessionID); err == nil {
		reply, err := p.node.Transmit(ctx, p.message(protocol.ActionCloseSession, r, nil))
		switch {
		case err != nil:
			log.Debug().Str("reader", name).Err(err).Msg("virtual.Plugin.Unregister close not acknowledged")
		case reply.IsError():
			log.Debug().Str("reader", name).Str("code", reply.ErrorCode).Msg("virtual.Plugin.Unregister close rejected")
		}
	}
	p.closeSession(r.sessionID, registry.ErrSessionClosed)
	p.drop(name, r.sessionID)
	log.Info().Str("plugin", p.cfg.Name).Str("reader", name).Msg("virtual.Plugin.Unregister")
	return nil
}

func (p *Plugin) closeSession(sessionID string, cause error) {
	if c, ok := p.node.(sessionCloser); ok {
		if err := c.Close(sessionID); err != nil {
			log.Debug().Str("session_id", sessionID).Err(err).Msg("virtual.Plugin channel close")
		}
	}
	p.sessions.Close(sessionID, cause)
}

func (p *Plugin) Reader(name string) (*Reader, error) {
	r, ok := p.lookup(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrReaderNotFound, name)
	}
	return r, nil
}

func (p *Plugin) ReaderNames() []string {
	names := p.readers.Keys()
	sort.Strings(names)
	return names
}

// Close unregisters every reader. The plugin rejects further registrations.
func (p *Plugin) Close(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errs []error
	for _, name := range p.ReaderNames() {
		if err := p.Unregister(ctx, name); err != nil && !errors.Is(err, ErrReaderNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handler processes messages the server pushes unprompted.
func (p *Plugin) Handler() node.Handler {
	return node.HandlerFunc(func(ctx context.Context, msg protocol.Message) (protocol.Message, bool, error) {
		if msg.Action != protocol.ActionReaderDisconnected {
			log.Debug().Str("action", msg.Action.String()).Msg("virtual.Plugin ignored push")
			return protocol.Message{}, false, nil
		}
		r, ok := p.lookup(msg.TargetReader)
		if !ok || r.sessionID != msg.SessionID {
			return protocol.Message{}, false, nil
		}
		log.Info().Str("reader", r.name).Str("session_id", r.sessionID).Msg("virtual.Plugin remote reader disconnected")
		p.closeSession(r.sessionID, ErrRemoteDisconnected)
		p.drop(r.name, r.sessionID)
		return protocol.Message{}, false, nil
	})
}

// RunKeepAlive sends a keep-alive for every reader each interval until ctx is done.
func (p *Plugin) RunKeepAlive(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if p.closed.Load() {
				return
			}
			p.keepAlive(ctx)
		}
	}
}

func (p *Plugin) keepAlive(ctx context.Context) {
	for item := range p.readers.IterBuffered() {
		r, ok := item.Val.(*Reader)
		if !ok {
			continue
		}
		reply, err := p.node.Transmit(ctx, p.message(protocol.ActionKeepAlive, r, nil))
		if err != nil {
			log.Warn().Str("reader", r.name).Err(err).Msg("virtual.Plugin keep-alive failed")
			continue
		}
		if reply.IsError() {
			log.Warn().Str("reader", r.name).Str("code", reply.ErrorCode).Msg("virtual.Plugin keep-alive rejected")
			p.closeSession(r.sessionID, remoteError(reply))
		}
	}
}

// sessionClosed drops the reader bound to a session closed anywhere else and
// releases its channel.
func (p *Plugin) sessionClosed(id string, b registry.Binding, cause error) {
	if b.ClientNodeID != p.cfg.ClientNodeID || b.Plugin != p.cfg.RemotePlugin {
		return
	}
	if c, ok := p.node.(sessionCloser); ok {
		if err := c.Close(id); err != nil {
			log.Debug().Str("session_id", id).Err(err).Msg("virtual.Plugin channel release")
		}
	}
	if p.drop(b.Reader, id) {
		log.Debug().Str("reader", b.Reader).Str("session_id", id).AnErr("cause", cause).Msg("virtual.Plugin reader dropped")
	}
}

// drop removes name only while it still maps to sessionID.
func (p *Plugin) drop(name, sessionID string) bool {
	return p.readers.RemoveCb(name, func(_ string, v interface{}, exists bool) bool {
		r, ok := v.(*Reader)
		return exists && ok && r.sessionID == sessionID
	})
}

func (p *Plugin) lookup(name string) (*Reader, bool) {
	v, ok := p.readers.Get(strings.TrimSpace(name))
	if !ok {
		return nil, false
	}
	r, ok := v.(*Reader)
	return r, ok
}

func (p *Plugin) message(action protocol.Action, r *Reader, body []byte) protocol.Message {
	return protocol.New(action, r.sessionID, p.cfg.ClientNodeID, p.cfg.ServerNodeID, p.cfg.RemotePlugin, r.name, body)
}
