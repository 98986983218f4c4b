package session

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var (
	ErrDuplicatePending = errors.New("session: duplicate pending request")
	ErrPendingAbandoned = errors.New("session: pending request abandoned")
)

// Key identifies one outstanding request on a channel.
type Key struct {
	SessionID string
	Tag       uint64
}

func (k Key) String() string {
	return fmt.Sprintf("%s#%d", k.SessionID, k.Tag)
}

// Delivery is what a waiter receives: a decoded reply or a failure.
type Delivery[T any] struct {
	Value T
	Err   error
}

// PendingInfo is the diagnostic view of one waiter.
type PendingInfo struct {
	Key      Key
	QueuedAt time.Time
}

type pendingEntry[T any] struct {
	ch       chan Delivery[T]
	queuedAt time.Time
}

// Pending correlates replies with their waiters by (session id, request tag).
// Each waiter receives at most one Delivery.
type Pending[T any] struct {
	mu    sync.RWMutex
	items map[Key]pendingEntry[T]
}

func NewPending[T any]() *Pending[T] {
	return &Pending[T]{items: make(map[Key]pendingEntry[T])}
}

// Register adds a waiter for key and returns its delivery channel.
func (p *Pending[T]) Register(key Key, at time.Time) (<-chan Delivery[T], error) {
	key.SessionID = strings.TrimSpace(key.SessionID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.items[key]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePending, key)
	}
	ch := make(chan Delivery[T], 1)
	p.items[key] = pendingEntry[T]{ch: ch, queuedAt: at}
	return ch, nil
}

// Resolve hands v to the waiter for key. It reports false when nobody waits.
func (p *Pending[T]) Resolve(key Key, v T) bool {
	return p.deliver(key, Delivery[T]{Value: v})
}

// Fail hands err to the waiter for key.
func (p *Pending[T]) Fail(key Key, err error) bool {
	return p.deliver(key, Delivery[T]{Err: err})
}

// FailSession fails every waiter of sessionID and returns how many were failed.
func (p *Pending[T]) FailSession(sessionID string, err error) int {
	sessionID = strings.TrimSpace(sessionID)
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for key, entry := range p.items {
		if key.SessionID != sessionID {
			continue
		}
		entry.ch <- Delivery[T]{Err: err}
		delete(p.items, key)
		n++
	}
	return n
}

// Remove drops the waiter for key without delivering.
func (p *Pending[T]) Remove(key Key) {
	key.SessionID = strings.TrimSpace(key.SessionID)
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.items, key)
}

func (p *Pending[T]) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.items)
}

func (p *Pending[T]) List() []PendingInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]PendingInfo, 0, len(p.items))
	for key, entry := range p.items {
		out = append(out, PendingInfo{Key: key, QueuedAt: entry.queuedAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.SessionID != out[j].Key.SessionID {
			return out[i].Key.SessionID < out[j].Key.SessionID
		}
		return out[i].Key.Tag < out[j].Key.Tag
	})
	return out
}

func (p *Pending[T]) deliver(key Key, d Delivery[T]) bool {
	key.SessionID = strings.TrimSpace(key.SessionID)
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.items[key]
	if !ok {
		return false
	}
	delete(p.items, key)
	entry.ch <- d
	return true
}

// Tags hands out monotonically increasing non-zero request tags.
type Tags struct {
	last atomic.Uint64
}

func (t *Tags) Next() uint64 {
	return t.last.Add(1)
}
