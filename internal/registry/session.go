package registry

import (
	"fmt"
	"sync"
	"time"
)

type State int32

const (
	StateOpening State = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "OPENING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("STATE(%d)", int32(s))
	}
}

// NodeRef is the non-owning view of the node bound to a session.
type NodeRef interface {
	NodeID() string
	Kind() string
}

// Binding ties a session to its endpoints and target reader.
type Binding struct {
	ClientNodeID string
	ServerNodeID string
	Plugin       string
	Reader       string
	Node         NodeRef
}

// Session is one logical conversation between a virtual reader and a native reader.
type Session struct {
	id  string
	now func() time.Time

	mu           sync.Mutex
	state        State
	binding      Binding
	lastActivity time.Time
	inFlight     int
	err          error
	done         chan struct{}
}

func newSession(id string, now func() time.Time) *Session {
	return &Session{
		id:           id,
		now:          now,
		state:        StateOpening,
		lastActivity: now(),
		done:         make(chan struct{}),
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Binding() Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

func (s *Session) ClientNodeID() string { return s.Binding().ClientNodeID }
func (s *Session) ServerNodeID() string { return s.Binding().ServerNodeID }
func (s *Session) Plugin() string       { return s.Binding().Plugin }
func (s *Session) Reader() string       { return s.Binding().Reader }

// Node returns the bound node, or nil once the session is closed.
func (s *Session) Node() NodeRef { return s.Binding().Node }

// Bind sets endpoints and node. Closed sessions ignore it.
func (s *Session) Bind(b Binding) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return
	}
	s.binding = b
}

func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Touch records activity. lastActivity never moves backwards.
func (s *Session) Touch() {
	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.After(s.lastActivity) {
		s.lastActivity = now
	}
}

// Begin marks a request in flight; idle reaping skips busy sessions.
func (s *Session) Begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed {
		return fmt.Errorf("%w: %s is %s", ErrUnknownSession, s.id, s.state)
	}
	s.inFlight++
	return nil
}

func (s *Session) End() {
	s.mu.Lock()
	if s.inFlight > 0 {
		s.inFlight--
	}
	s.mu.Unlock()
	s.Touch()
}

func (s *Session) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Done is closed when the session reaches CLOSED.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the close cause, nil while the session is live.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) markOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateOpening:
		s.state = StateOpen
		return nil
	case StateOpen:
		return nil
	default:
		return fmt.Errorf("%w: %s is %s", ErrUnknownSession, s.id, s.state)
	}
}

// close runs OPENING/OPEN -> CLOSING -> CLOSED and reports whether this call did it.
func (s *Session) close(cause error) (Binding, bool) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return Binding{}, false
	}
	s.state = StateClosing
	s.err = cause
	b := s.binding
	s.binding.Node = nil
	s.state = StateClosed
	s.mu.Unlock()
	close(s.done)
	return b, true
}

func (s *Session) idleFor(now time.Time, limit time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateClosing || s.state == StateClosed || s.inFlight > 0 {
		return false
	}
	return now.Sub(s.lastActivity) > limit
}

// Info is a point-in-time copy of a session for diagnostics.
type Info struct {
	ID           string
	State        State
	ClientNodeID string
	ServerNodeID string
	Plugin       string
	Reader       string
	LastActivity time.Time
	InFlight     int
}

func (s *Session) info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		State:        s.state,
		ClientNodeID: s.binding.ClientNodeID,
		ServerNodeID: s.binding.ServerNodeID,
		Plugin:       s.binding.Plugin,
		Reader:       s.binding.Reader,
		LastActivity: s.lastActivity,
		InFlight:     s.inFlight,
	}
}
