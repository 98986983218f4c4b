package wsasync

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const DefaultConnectAttempts = 3

type ClientConfig struct {
	// URL is the server base, http(s):// or ws(s)://.
	URL     string
	Session session.Config
	// MaxConnectAttempts bounds dials per Open; <= 0 uses DefaultConnectAttempts.
	MaxConnectAttempts int
}

// Client dials one WebSocket per session and implements node.AsyncTransport
// for the client-side async node.
type Client struct {
	cfg    ClientConfig
	target *url.URL
	dialer *websocket.Dialer

	mu sync.RWMutex
	rx Receiver

	conns conns
	wg    sync.WaitGroup
}

var _ node.AsyncTransport = (*Client)(nil)

func NewClient(cfg ClientConfig) (*Client, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if cfg.MaxConnectAttempts <= 0 {
		cfg.MaxConnectAttempts = DefaultConnectAttempts
	}
	u, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("wsasync: parse url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("wsasync: unsupported scheme %q", u.Scheme)
	}
	if cfg.Session.TLS.Enabled && u.Scheme != "wss" {
		return nil, fmt.Errorf("wsasync: tls enabled for %s url", u.Scheme)
	}
	tlsCfg, err := cfg.Session.ClientTLS(session.URLAddress(u))
	if err != nil {
		return nil, err
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	return &Client{
		cfg:    cfg,
		target: u,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.Session.HandshakeTimeout,
			TLSClientConfig:  tlsCfg,
		},
	}, nil
}

func (c *Client) Attach(rx Receiver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rx = rx
}

func (c *Client) receiver() Receiver {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rx
}

// Open dials the session's connection, retrying with backoff.
func (c *Client) Open(ctx context.Context, sessionID string) error {
	rx := c.receiver()
	if rx == nil {
		return fmt.Errorf("wsasync: no receiver attached")
	}
	if _, busy := c.conns.get(sessionID); busy {
		return fmt.Errorf("%w: %s", ErrSessionInUse, sessionID)
	}

	target := *c.target
	q := target.Query()
	q.Set(SessionParam, sessionID)
	target.RawQuery = q.Encode()

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	var ws *websocket.Conn
	for attempt := 1; ; attempt++ {
		dialCtx, cancel := context.WithTimeout(ctx, c.cfg.Session.ConnectTimeout)
		conn, resp, err := c.dialer.DialContext(dialCtx, target.String(), nil)
		cancel()
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err == nil {
			ws = conn
			break
		}
		log.Warn().Str("session_id", sessionID).Int("attempt", attempt).Err(err).Msg("wsasync.Client dial failed")
		if attempt >= c.cfg.MaxConnectAttempts {
			return fmt.Errorf("wsasync: dial %s: %w", c.target.Host, err)
		}
		if err := session.SleepBackoff(ctx, c.cfg.Session.Backoff, attempt, rng); err != nil {
			return err
		}
	}

	wc := newConn(sessionID, ws, c.cfg.Session)
	if !c.conns.add(wc) {
		_ = wc.close()
		return fmt.Errorf("%w: %s", ErrSessionInUse, sessionID)
	}
	rx.OnOpen(sessionID)
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		wc.heartbeat()
	}()
	go func() {
		defer c.wg.Done()
		wc.readLoop(rx, func() { c.conns.remove(sessionID, wc) })
	}()
	return nil
}

func (c *Client) Send(ctx context.Context, sessionID string, frame []byte) error {
	return sendTo(ctx, &c.conns, sessionID, frame)
}

func (c *Client) Close(sessionID string) error {
	return closeIn(&c.conns, sessionID)
}

func (c *Client) Connections() int {
	return c.conns.len()
}

// Shutdown closes every connection and waits for their goroutines.
func (c *Client) Shutdown() {
	for _, wc := range c.conns.drain() {
		_ = wc.close()
	}
	c.wg.Wait()
}
