// Package registry tracks reader-link sessions and their lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/readerlink/internal/observability"
	cmap "github.com/orcaman/concurrent-map"
	"github.com/rs/zerolog/log"
)

var (
	ErrUnknownSession   = errors.New("registry: unknown session")
	ErrDuplicateSession = errors.New("registry: duplicate session")
	ErrSessionClosed    = errors.New("registry: session closed")
	ErrIdleTimeout      = errors.New("registry: session idle timeout")
	ErrInvalidSessionID = errors.New("registry: invalid session id")
)

// CloseHook observes every session that reaches CLOSED. b is the binding
// as it was just before close.
type CloseHook func(id string, b Binding, cause error)

type Config struct {
	IdleTimeout  time.Duration
	ReapInterval time.Duration
	// Now overrides the clock; nil uses time.Now.
	Now func() time.Time
}

func DefaultConfig() Config {
	return Config{
		IdleTimeout:  2 * time.Minute,
		ReapInterval: 15 * time.Second,
	}
}

// Registry is safe for concurrent use. Sessions live in a sharded map; create
// and remove run under the id's shard lock, so a replaced id is never dropped
// by a stale close and unrelated ids do not contend.
type Registry struct {
	cfg      Config
	now      func() time.Time
	sessions cmap.ConcurrentMap

	hooksMu sync.RWMutex
	hooks   []CloseHook
}

func New(cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultConfig().IdleTimeout
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = cfg.IdleTimeout / 4
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Registry{
		cfg:      cfg,
		now:      now,
		sessions: cmap.New(),
	}
}

func (r *Registry) Config() Config { return r.cfg }

// Create registers a new OPENING session. An existing CLOSED record is replaced.
func (r *Registry) Create(id string) (*Session, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrInvalidSessionID
	}
	s := newSession(id, r.now)
	var live State = -1
	r.sessions.Upsert(id, s, func(exists bool, cur, fresh interface{}) interface{} {
		if old, ok := cur.(*Session); exists && ok {
			if st := old.State(); st == StateOpening || st == StateOpen {
				live = st
				return cur
			}
		}
		return fresh
	})
	if live >= 0 {
		log.Debug().Str("session_id", id).Str("state", live.String()).Msg("registry.Create duplicate")
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, id)
	}
	observability.SessionOpened()
	log.Debug().Str("session_id", id).Msg("registry.Create")
	return s, nil
}

// Open marks a session OPEN once both sides acknowledged it.
func (r *Registry) Open(id string) (*Session, error) {
	s, err := r.Lookup(id)
	if err != nil {
		return nil, err
	}
	if err := s.markOpen(); err != nil {
		return nil, err
	}
	s.Touch()
	return s, nil
}

// Lookup fails with ErrUnknownSession when id is absent or CLOSED.
func (r *Registry) Lookup(id string) (*Session, error) {
	s, ok := r.get(strings.TrimSpace(id))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	if s.State() == StateClosed {
		return nil, fmt.Errorf("%w: %s is closed", ErrUnknownSession, id)
	}
	return s, nil
}

// Touch resets the idle timer for id. Unknown ids are ignored.
func (r *Registry) Touch(id string) {
	if s, ok := r.get(strings.TrimSpace(id)); ok {
		s.Touch()
	}
}

// Close is idempotent; unknown ids are a no-op. It reports whether this call closed the session.
func (r *Registry) Close(id string, cause error) bool {
	id = strings.TrimSpace(id)
	s, ok := r.get(id)
	if !ok {
		return false
	}
	if cause == nil {
		cause = ErrSessionClosed
	}
	b, closed := s.close(cause)
	if !closed {
		return false
	}

	r.sessions.RemoveCb(id, func(_ string, v interface{}, exists bool) bool {
		cur, ok := v.(*Session)
		return exists && ok && cur == s
	})

	observability.SessionClosed(closeReason(cause))
	log.Debug().Str("session_id", id).Str("reader", b.Reader).AnErr("cause", cause).Msg("registry.Close")

	r.hooksMu.RLock()
	hooks := append([]CloseHook(nil), r.hooks...)
	r.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(id, b, cause)
	}
	return true
}

// CloseAll closes every tracked session with cause.
func (r *Registry) CloseAll(cause error) int {
	n := 0
	for _, id := range r.sessions.Keys() {
		if r.Close(id, cause) {
			n++
		}
	}
	return n
}

func (r *Registry) OnClose(hook CloseHook) {
	if hook == nil {
		return
	}
	r.hooksMu.Lock()
	defer r.hooksMu.Unlock()
	r.hooks = append(r.hooks, hook)
}

// ReapIdle closes sessions idle longer than IdleTimeout with nothing in flight.
func (r *Registry) ReapIdle(now time.Time) []string {
	var reaped []string
	for item := range r.sessions.IterBuffered() {
		s, ok := item.Val.(*Session)
		if !ok || !s.idleFor(now, r.cfg.IdleTimeout) {
			continue
		}
		if r.Close(s.ID(), ErrIdleTimeout) {
			reaped = append(reaped, s.ID())
		}
	}
	sort.Strings(reaped)
	if len(reaped) > 0 {
		log.Info().Int("count", len(reaped)).Strs("sessions", reaped).Msg("registry.ReapIdle")
	}
	return reaped
}

// Run reaps idle sessions on a ticker until ctx is done.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.ReapIdle(r.now())
		}
	}
}

// Sessions bound to plugin/reader that are still live.
func (r *Registry) BoundTo(plugin, reader string) []*Session {
	var out []*Session
	for item := range r.sessions.IterBuffered() {
		s, ok := item.Val.(*Session)
		if !ok || s.State() == StateClosed {
			continue
		}
		b := s.Binding()
		if b.Plugin == plugin && b.Reader == reader {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (r *Registry) Snapshot() []Info {
	out := make([]Info, 0, r.sessions.Count())
	for item := range r.sessions.IterBuffered() {
		if s, ok := item.Val.(*Session); ok {
			out = append(out, s.info())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	return r.sessions.Count()
}

func (r *Registry) get(id string) (*Session, bool) {
	v, ok := r.sessions.Get(id)
	if !ok {
		return nil, false
	}
	s, ok := v.(*Session)
	return s, ok
}

func closeReason(cause error) string {
	switch {
	case errors.Is(cause, ErrIdleTimeout):
		return "idle"
	case errors.Is(cause, ErrSessionClosed):
		return "closed"
	default:
		return "error"
	}
}
