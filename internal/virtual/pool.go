package virtual

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/lithammer/shortuuid/v4"
	"github.com/rs/zerolog/log"
)

var ErrNoReaderAvailable = errors.New("virtual: no reader available in group")

// Allocate asks the server for any free reader of group and registers it
// under the name the server picked. Hand it back with Release.
func (p *Plugin) Allocate(ctx context.Context, group string) (*Reader, error) {
	if p.closed.Load() {
		return nil, ErrPluginClosed
	}
	group = strings.TrimSpace(group)
	if group == "" {
		return nil, fmt.Errorf("%w: empty group reference", ErrReaderNotFound)
	}
	r := &Reader{sessionID: shortuuid.New(), plugin: p}
	sess, err := p.sessions.Create(r.sessionID)
	if err != nil {
		return nil, err
	}
	binding := registry.Binding{
		ClientNodeID: p.cfg.ClientNodeID,
		ServerNodeID: p.cfg.ServerNodeID,
		Plugin:       p.cfg.RemotePlugin,
		Node:         p.node,
	}
	sess.Bind(binding)

	if err := p.allocate(ctx, r, group, binding); err != nil {
		p.closeSession(r.sessionID, err)
		p.drop(r.name, r.sessionID)
		log.Warn().Str("plugin", p.cfg.Name).Str("group", group).Err(err).Msg("virtual.Plugin.Allocate failed")
		return nil, err
	}
	log.Info().
		Str("plugin", p.cfg.Name).
		Str("group", group).
		Str("reader", r.name).
		Str("session_id", r.sessionID).
		Msg("virtual.Plugin.Allocate")
	return r, nil
}

func (p *Plugin) allocate(ctx context.Context, r *Reader, group string, binding registry.Binding) error {
	if o, ok := p.node.(sessionOpener); ok {
		if err := o.Open(ctx, r.sessionID); err != nil {
			return err
		}
	}
	reply, err := p.node.Transmit(ctx, p.message(protocol.ActionOpenSession, r, []byte(group)))
	if err != nil {
		return err
	}
	if reply.IsError() {
		return remoteError(reply)
	}
	name := strings.TrimSpace(reply.TargetReader)
	if name == "" {
		return fmt.Errorf("%w: allocation reply names no reader", protocol.ErrMalformedMessage)
	}

	binding.Reader = name
	if s, err := p.sessions.Lookup(r.sessionID); err == nil {
		s.Bind(binding)
	}
	r.name = name
	if !p.readers.SetIfAbsent(name, r) {
		p.release(ctx, r.sessionID, name)
		return fmt.Errorf("%w: %s", ErrReaderAlreadyRegistered, name)
	}
	if _, err := p.sessions.Open(r.sessionID); err != nil {
		return err
	}
	if cur, ok := p.lookup(name); !ok || cur != r {
		return fmt.Errorf("%w: %s", ErrReaderNotFound, name)
	}
	return nil
}

// release tells the server to free a session the plugin will not keep.
func (p *Plugin) release(ctx context.Context, sessionID, name string) {
	msg := protocol.New(protocol.ActionCloseSession, sessionID, p.cfg.ClientNodeID, p.cfg.ServerNodeID, p.cfg.RemotePlugin, name, nil)
	if _, err := p.node.Transmit(ctx, msg); err != nil {
		log.Debug().Str("session_id", sessionID).Err(err).Msg("virtual.Plugin release not acknowledged")
	}
}

// Release returns an allocated reader to its group.
func (p *Plugin) Release(ctx context.Context, r *Reader) error {
	if r == nil || r.plugin != p {
		return fmt.Errorf("%w: reader not owned by %s", ErrReaderNotFound, p.cfg.Name)
	}
	cur, ok := p.lookup(r.name)
	if !ok || cur != r {
		return fmt.Errorf("%w: %s", ErrReaderNotFound, r.name)
	}
	return p.Unregister(ctx, r.name)
}
