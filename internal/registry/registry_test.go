package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/readerlink/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestRegistry(idle time.Duration) (*Registry, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	return New(Config{IdleTimeout: idle, ReapInterval: time.Hour, Now: clock.Now}), clock
}

type stubNode struct{ id string }

func (n stubNode) NodeID() string { return n.id }
func (n stubNode) Kind() string   { return "sync" }

func TestCreateOpenLookupClose(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(time.Minute)

	s, err := r.Create("s-1")
	require.NoError(t, err)
	assert.Equal(t, StateOpening, s.State())

	_, err = r.Open("s-1")
	require.NoError(t, err)
	assert.Equal(t, StateOpen, s.State())

	got, err := r.Lookup("s-1")
	require.NoError(t, err)
	assert.Same(t, s, got)

	assert.True(t, r.Close("s-1", nil))
	assert.Equal(t, StateClosed, s.State())
	assert.ErrorIs(t, s.Err(), ErrSessionClosed)
	select {
	case <-s.Done():
	default:
		t.Fatalf("done channel should be closed")
	}

	_, err = r.Lookup("s-1")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestCreateDuplicateWhileLive(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(time.Minute)
	_, err := r.Create("dup")
	require.NoError(t, err)

	_, err = r.Create("dup")
	assert.ErrorIs(t, err, ErrDuplicateSession)

	_, err = r.Open("dup")
	require.NoError(t, err)
	_, err = r.Create("dup")
	assert.ErrorIs(t, err, ErrDuplicateSession)
}

func TestCreateReplacesClosedRecord(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(time.Minute)
	first, err := r.Create("again")
	require.NoError(t, err)
	r.Close("again", nil)

	second, err := r.Create("again")
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Equal(t, StateOpening, second.State())
	assert.Equal(t, StateClosed, first.State())

	got, err := r.Lookup("again")
	require.NoError(t, err)
	assert.Same(t, second, got)
}

func TestCloseIsIdempotentAndUnknownIsNoop(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(time.Minute)
	calls := 0
	r.OnClose(func(id string, b Binding, cause error) { calls++ })

	_, err := r.Create("s")
	require.NoError(t, err)
	assert.True(t, r.Close("s", errors.New("boom")))
	assert.False(t, r.Close("s", nil))
	assert.False(t, r.Close("never-existed", nil))
	assert.Equal(t, 1, calls)
}

func TestCloseReleasesNodeAndReportsBinding(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(time.Minute)
	s, err := r.Create("s")
	require.NoError(t, err)
	s.Bind(Binding{ClientNodeID: "c", ServerNodeID: "v", Plugin: "p", Reader: "R1", Node: stubNode{id: "n1"}})
	require.NotNil(t, s.Node())

	var seen Binding
	r.OnClose(func(id string, b Binding, cause error) { seen = b })
	r.Close("s", nil)

	assert.Nil(t, s.Node())
	assert.Equal(t, "R1", seen.Reader)
	assert.Equal(t, "n1", seen.Node.NodeID())
}

func TestTouchIsMonotonic(t *testing.T) {
	testlog.Start(t)
	clock := &fakeClock{now: time.Unix(1700000000, 0)}
	r := New(Config{IdleTimeout: time.Minute, Now: clock.Now})
	s, err := r.Create("s")
	require.NoError(t, err)

	clock.Advance(5 * time.Second)
	r.Touch("s")
	later := s.LastActivity()

	clock.Advance(-10 * time.Second)
	s.Touch()
	assert.Equal(t, later, s.LastActivity())
}

func TestReapIdleSkipsBusyAndFreshSessions(t *testing.T) {
	testlog.Start(t)
	r, clock := newTestRegistry(30 * time.Second)
	idle, _ := r.Create("idle")
	busy, _ := r.Create("busy")
	fresh, _ := r.Create("fresh")
	require.NoError(t, busy.Begin())

	clock.Advance(31 * time.Second)
	fresh.Touch()

	reaped := r.ReapIdle(clock.Now())
	assert.Equal(t, []string{"idle"}, reaped)
	assert.Equal(t, StateClosed, idle.State())
	assert.ErrorIs(t, idle.Err(), ErrIdleTimeout)
	assert.Equal(t, StateOpening, busy.State())
	assert.Equal(t, StateOpening, fresh.State())

	busy.End()
	clock.Advance(31 * time.Second)
	reaped = r.ReapIdle(clock.Now())
	assert.ElementsMatch(t, []string{"busy", "fresh"}, reaped)
}

func TestBeginOnClosedSessionFails(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(time.Minute)
	s, _ := r.Create("s")
	r.Close("s", nil)
	assert.ErrorIs(t, s.Begin(), ErrUnknownSession)
	_, err := r.Open("s")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestBoundToAndSnapshot(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(time.Minute)
	for _, id := range []string{"b", "a", "c"} {
		s, err := r.Create(id)
		require.NoError(t, err)
		reader := "R1"
		if id == "c" {
			reader = "R2"
		}
		s.Bind(Binding{Plugin: "p", Reader: reader})
	}
	bound := r.BoundTo("p", "R1")
	require.Len(t, bound, 2)
	assert.Equal(t, "a", bound[0].ID())

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, "a", snap[0].ID)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, 3, r.CloseAll(nil))
	assert.Zero(t, r.Len())
}

func TestConcurrentCreateOnlyOneWins(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(time.Minute)
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Create("race"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)
}

func TestConcurrentLifecycleAcrossIDs(t *testing.T) {
	testlog.Start(t)
	r, _ := newTestRegistry(time.Minute)
	var hooked atomic.Int64
	r.OnClose(func(id string, _ Binding, _ error) {
		hooked.Add(1)
		if strings.HasSuffix(id, "-next") {
			return
		}
		// a hook may open and close another session while this close is in progress
		if _, err := r.Create(id + "-next"); err == nil {
			r.Close(id+"-next", nil)
		}
	})

	var wg sync.WaitGroup
	errs := make(chan error, 8*50)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			id := fmt.Sprintf("worker-%d", w)
			for i := 0; i < 50; i++ {
				s, err := r.Create(id)
				if err != nil {
					errs <- err
					return
				}
				got, err := r.Lookup(id)
				if err != nil || got != s {
					errs <- fmt.Errorf("%s: lookup returned another session", id)
					return
				}
				if !r.Close(id, nil) {
					errs <- fmt.Errorf("%s: close reported no-op", id)
					return
				}
			}
		}(w)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Zero(t, r.Len())
	assert.Equal(t, int64(8*50*2), hooked.Load())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	testlog.Start(t)
	r := New(Config{IdleTimeout: time.Millisecond, ReapInterval: time.Millisecond})
	s, _ := r.Create("s")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		r.Run(ctx)
		close(done)
	}()
	select {
	case <-s.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("idle session was not reaped")
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}
