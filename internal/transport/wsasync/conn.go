// Package wsasync carries async-node frames over WebSocket, one connection
// per session. Frames travel as binary messages.
package wsasync

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/danmuck/readerlink/internal/protocol/frame"
	"github.com/danmuck/readerlink/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	Path         = "/v1/ws"
	SessionParam = "session"
)

var (
	ErrNoConnection     = errors.New("wsasync: no connection for session")
	ErrSessionInUse     = errors.New("wsasync: session already connected")
	ErrServerCannotDial = errors.New("wsasync: server side cannot open sessions")
)

// Receiver is driven by the transport. *node.AsyncNode implements it.
type Receiver interface {
	OnOpen(sessionID string)
	OnFrame(sessionID string, raw []byte)
	OnClose(sessionID string)
	OnError(sessionID string, cause error)
}

func maxFrameBytes() int64 {
	limits := frame.DefaultLimits()
	return int64(frame.FixedHeaderLen) + int64(limits.MaxAuthBytes) + int64(limits.MaxPayloadBytes)
}

type conn struct {
	sessionID string
	ws        *websocket.Conn
	cfg       session.Config

	writeMu   sync.Mutex
	local     atomic.Bool
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(sessionID string, ws *websocket.Conn, cfg session.Config) *conn {
	c := &conn{sessionID: sessionID, ws: ws, cfg: cfg, done: make(chan struct{})}
	wait := cfg.HeartbeatInterval + cfg.ReadTimeout
	ws.SetReadLimit(maxFrameBytes())
	_ = ws.SetReadDeadline(time.Now().Add(wait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(wait))
	})
	return c
}

func (c *conn) write(ctx context.Context, raw []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	deadline := time.Now().Add(c.cfg.WriteTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.BinaryMessage, raw)
}

// close sends a normal closure and drops the connection. The read loop of a
// locally closed connection reports nothing.
func (c *conn) close() error {
	var err error
	c.closeOnce.Do(func() {
		c.local.Store(true)
		close(c.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session closed")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline(c.cfg))
		err = c.ws.Close()
	})
	return err
}

// heartbeat pings until the connection closes.
func (c *conn) heartbeat() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// readLoop delivers frames until the connection ends, then reports how it ended.
func (c *conn) readLoop(rx Receiver, release func()) {
	defer release()
	wait := c.cfg.HeartbeatInterval + c.cfg.ReadTimeout
	for {
		typ, data, err := c.ws.ReadMessage()
		if err != nil {
			c.closeOnce.Do(func() {
				close(c.done)
				_ = c.ws.Close()
			})
			if c.local.Load() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug().Str("session_id", c.sessionID).Msg("wsasync peer closed")
				rx.OnClose(c.sessionID)
				return
			}
			log.Debug().Str("session_id", c.sessionID).Err(err).Msg("wsasync read failed")
			rx.OnError(c.sessionID, err)
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(wait))
		if typ != websocket.BinaryMessage {
			continue
		}
		rx.OnFrame(c.sessionID, data)
	}
}

// conns tracks live connections by session id.
type conns struct {
	mu sync.Mutex
	m  map[string]*conn
}

func (cs *conns) add(c *conn) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.m == nil {
		cs.m = make(map[string]*conn)
	}
	if _, ok := cs.m[c.sessionID]; ok {
		return false
	}
	cs.m[c.sessionID] = c
	return true
}

func (cs *conns) get(sessionID string) (*conn, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.m[sessionID]
	return c, ok
}

// remove drops sessionID only while it still maps to c.
func (cs *conns) remove(sessionID string, c *conn) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cur, ok := cs.m[sessionID]
	if !ok || (c != nil && cur != c) {
		return false
	}
	delete(cs.m, sessionID)
	return true
}

func (cs *conns) pop(sessionID string) (*conn, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	c, ok := cs.m[sessionID]
	if ok {
		delete(cs.m, sessionID)
	}
	return c, ok
}

func (cs *conns) drain() []*conn {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*conn, 0, len(cs.m))
	for id, c := range cs.m {
		out = append(out, c)
		delete(cs.m, id)
	}
	return out
}

func (cs *conns) len() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return len(cs.m)
}

func sendTo(ctx context.Context, cs *conns, sessionID string, raw []byte) error {
	c, ok := cs.get(sessionID)
	if !ok {
		return ErrNoConnection
	}
	return c.write(ctx, raw)
}

func closeIn(cs *conns, sessionID string) error {
	c, ok := cs.pop(sessionID)
	if !ok {
		return nil
	}
	return c.close()
}

func deadline(cfg session.Config) time.Time {
	return time.Now().Add(cfg.WriteTimeout)
}
