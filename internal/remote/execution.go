package remote

import (
	"fmt"
	"sync"
	"time"
)

// ExecutionPhase marks where a transmit request is in its lifecycle.
type ExecutionPhase string

const (
	ExecutionAccepted ExecutionPhase = "accepted"
	ExecutionComplete ExecutionPhase = "complete"
	ExecutionPartial  ExecutionPhase = "partial"
	ExecutionFailed   ExecutionPhase = "failed"
)

const DefaultHistoryLimit = 256

// Execution records one transmit handled by the server.
type Execution struct {
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	RequestTag uint64         `json:"request_tag"`
	Plugin     string         `json:"plugin"`
	Reader     string         `json:"reader"`
	Action     string         `json:"action"`
	Groups     int            `json:"groups"`
	Completed  int            `json:"completed"`
	Phase      ExecutionPhase `json:"phase"`
	Error      string         `json:"error,omitempty"`
	Started    time.Time      `json:"started"`
	Finished   time.Time      `json:"finished,omitzero"`
}

func executionID(sessionID string, tag uint64) string {
	return fmt.Sprintf("exec.%s.%d", sessionID, tag)
}

// history is a bounded log of executions, oldest first.
type history struct {
	mu    sync.Mutex
	limit int
	items []Execution
}

func newHistory(limit int) *history {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	return &history{limit: limit}
}

func (h *history) add(e Execution) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items = append(h.items, e)
	if over := len(h.items) - h.limit; over > 0 {
		h.items = append(h.items[:0:0], h.items[over:]...)
	}
}

// finish updates the most recent record with id.
func (h *history) finish(id string, update func(*Execution)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := len(h.items) - 1; i >= 0; i-- {
		if h.items[i].ID == id {
			update(&h.items[i])
			return
		}
	}
}

// recent returns up to limit of the newest records, oldest first.
func (h *history) recent(limit int) []Execution {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if limit > 0 && len(h.items) > limit {
		start = len(h.items) - limit
	}
	out := make([]Execution, len(h.items)-start)
	copy(out, h.items[start:])
	return out
}
