// Package client assembles the client side of a reader link: a session
// registry, a sync or async node and the virtual plugin on top of it.
package client

import (
	"context"
	"encoding/hex"
	"errors"
	"strings"
	"sync"

	"github.com/danmuck/readerlink/internal/batch"
	"github.com/danmuck/readerlink/internal/config"
	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/danmuck/readerlink/internal/transport/httpsync"
	"github.com/danmuck/readerlink/internal/transport/wsasync"
	"github.com/danmuck/readerlink/internal/virtual"
	"github.com/rs/zerolog/log"
)

type Client struct {
	cfg      config.ClientConfig
	sessions *registry.Registry
	node     node.Node
	plugin   *virtual.Plugin
	release  func()
	conns    func() int

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// New wires the transport named by cfg.Mode and starts the idle reaper and
// the keep-alive loop. Nothing is dialed until a reader is registered.
func New(cfg config.ClientConfig) (*Client, error) {
	cfg.Session = cfg.Session.WithDefaults()
	if err := cfg.Session.ValidateClientTransport(); err != nil {
		return nil, err
	}
	sessions := registry.New(registry.Config{IdleTimeout: cfg.Session.IdleTimeout})
	opts := node.Options{ID: cfg.ClientID, Session: cfg.Session, Token: cfg.Token}
	vcfg := virtual.Config{
		Name:         cfg.Plugin,
		ClientNodeID: cfg.ClientID,
		ServerNodeID: cfg.ServerID,
		RemotePlugin: cfg.RemotePlugin,
	}

	c := &Client{cfg: cfg, sessions: sessions}
	switch cfg.Mode {
	case config.ModeAsync:
		t, err := wsasync.NewClient(wsasync.ClientConfig{
			URL:                cfg.ServerURL,
			Session:            cfg.Session,
			MaxConnectAttempts: cfg.MaxConnectAttempts,
		})
		if err != nil {
			return nil, err
		}
		n := node.NewAsyncNode(opts, t, sessions, nil)
		t.Attach(n)
		c.node = n
		c.plugin = virtual.NewPlugin(vcfg, n, sessions)
		n.SetHandler(c.plugin.Handler())
		c.release = func() {
			t.Shutdown()
			n.Shutdown()
		}
		c.conns = t.Connections
	default:
		t, err := httpsync.NewClient(cfg.ServerURL, cfg.Session)
		if err != nil {
			return nil, err
		}
		n := node.NewSyncNode(opts, t, sessions)
		c.node = n
		c.plugin = virtual.NewPlugin(vcfg, n, sessions)
		c.release = t.CloseIdle
		c.conns = func() int { return 0 }
	}

	ctx, stop := context.WithCancel(context.Background())
	c.stop = stop
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		sessions.Run(ctx)
	}()
	go func() {
		defer c.wg.Done()
		c.plugin.RunKeepAlive(ctx, cfg.Session.HeartbeatInterval)
	}()

	log.Debug().
		Str("client_id", cfg.ClientID).
		Str("mode", cfg.Mode).
		Str("server_url", cfg.ServerURL).
		Dur("keep_alive", cfg.Session.HeartbeatInterval).
		Msg("client.New")
	return c, nil
}

func (c *Client) Plugin() *virtual.Plugin      { return c.plugin }
func (c *Client) Sessions() *registry.Registry { return c.sessions }
func (c *Client) Node() node.Node              { return c.node }
func (c *Client) Mode() string                 { return c.cfg.Mode }
func (c *Client) Config() config.ClientConfig  { return c.cfg }

// Connections reports open WebSocket channels; always zero in sync mode.
func (c *Client) Connections() int { return c.conns() }

// Close stops the background loops, unregisters every reader and releases the transport.
func (c *Client) Close(ctx context.Context) error {
	c.stop()
	c.wg.Wait()
	err := c.plugin.Close(ctx)
	c.release()
	return err
}

// Exchange registers reader, transmits req once and unregisters again.
func (c *Client) Exchange(ctx context.Context, reader string, req batch.Request) (Report, error) {
	r, err := c.plugin.Register(ctx, reader)
	if err != nil {
		return c.rejected(reader, "", err), err
	}
	defer func() {
		if err := c.plugin.Unregister(context.WithoutCancel(ctx), reader); err != nil && !errors.Is(err, virtual.ErrReaderNotFound) {
			log.Warn().Str("reader", reader).Err(err).Msg("client.Exchange unregister failed")
		}
	}()
	return c.transmit(ctx, r, req)
}

// ExchangeGroup allocates a free reader of group, transmits req once and releases it.
func (c *Client) ExchangeGroup(ctx context.Context, group string, req batch.Request) (Report, error) {
	r, err := c.plugin.Allocate(ctx, group)
	if err != nil {
		return c.rejected("", group, err), err
	}
	defer func() {
		if err := c.plugin.Release(context.WithoutCancel(ctx), r); err != nil && !errors.Is(err, virtual.ErrReaderNotFound) {
			log.Warn().Str("group", group).Str("reader", r.Name()).Err(err).Msg("client.ExchangeGroup release failed")
		}
	}()
	report, err := c.transmit(ctx, r, req)
	report.Group = group
	return report, err
}

func (c *Client) transmit(ctx context.Context, r *virtual.Reader, req batch.Request) (Report, error) {
	var res batch.Result
	var err error
	if req.Single {
		res, err = r.TransmitGroup(ctx, req.Groups[0], req.Channel)
	} else {
		res, err = r.Transmit(ctx, req.Groups, req.Mode, req.Channel)
	}
	return NewReport(r.Name(), r.SessionID(), c.cfg.Mode, res), err
}

func (c *Client) rejected(reader, group string, err error) Report {
	return Report{
		Reader: reader,
		Group:  group,
		Mode:   c.cfg.Mode,
		Kind:   batch.KindRejected.String(),
		Groups: []GroupReport{},
		Error:  err.Error(),
		Code:   remoteCode(err),
	}
}

// Report is the printable form of a batch.Result.
type Report struct {
	Reader    string        `json:"reader"`
	Group     string        `json:"reader_group,omitempty"`
	SessionID string        `json:"session_id,omitempty"`
	Mode      string        `json:"mode"`
	Kind      string        `json:"kind"`
	Groups    []GroupReport `json:"groups"`
	Partial   *GroupReport  `json:"partial,omitempty"`
	Error     string        `json:"error,omitempty"`
	Code      string        `json:"code,omitempty"`
}

type GroupReport struct {
	Matched     bool     `json:"matched"`
	ChannelOpen bool     `json:"channel_open"`
	Responses   []string `json:"responses"`
}

func NewReport(reader, sessionID, mode string, res batch.Result) Report {
	out := Report{
		Reader:    reader,
		SessionID: sessionID,
		Mode:      mode,
		Kind:      res.Kind.String(),
		Groups:    make([]GroupReport, 0, len(res.Groups)),
	}
	for _, g := range res.Groups {
		out.Groups = append(out.Groups, groupReport(g))
	}
	if res.Partial != nil {
		p := groupReport(*res.Partial)
		out.Partial = &p
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
		out.Code = remoteCode(res.Err)
	}
	return out
}

func groupReport(g batch.GroupResponse) GroupReport {
	out := GroupReport{Matched: g.Matched, ChannelOpen: g.ChannelOpen, Responses: make([]string, 0, len(g.Responses))}
	for _, r := range g.Responses {
		out.Responses = append(out.Responses, strings.ToUpper(hex.EncodeToString(r.APDU)))
	}
	return out
}

func remoteCode(err error) string {
	var re *batch.RemoteError
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}
