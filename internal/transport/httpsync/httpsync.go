// Package httpsync carries sync-node round trips over HTTP: one POST per
// request frame, the reply frame in the response body.
package httpsync

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/protocol/frame"
	"github.com/danmuck/readerlink/internal/protocol/session"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
)

const (
	Path        = "/v1/messages"
	ContentType = "application/vnd.readerlink.frame"
)

var ErrStatus = errors.New("httpsync: unexpected status")

// Handler serves the server end of the channel.
type Handler struct {
	responder node.SyncResponder
	maxBody   int64
}

func NewHandler(responder node.SyncResponder) *Handler {
	limits := frame.DefaultLimits()
	return &Handler{
		responder: responder,
		maxBody:   int64(frame.FixedHeaderLen) + int64(limits.MaxAuthBytes) + int64(limits.MaxPayloadBytes),
	}
}

// Register mounts the handler on router.
func (h *Handler) Register(router *mux.Router) {
	router.Handle(Path, h).Methods(http.MethodPost)
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
		return
	}
	reply, err := h.responder.Respond(r.Context(), raw)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, protocol.ErrMalformedMessage) {
			status = http.StatusBadRequest
		}
		log.Debug().Str("remote", r.RemoteAddr).Int("status", status).Err(err).Msg("httpsync.Handler.ServeHTTP")
		http.Error(w, err.Error(), status)
		return
	}
	w.Header().Set("Content-Type", ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(reply)
}

// Client is a node.SyncEndpoint that posts frames to a Handler.
type Client struct {
	endpoint string
	http     *http.Client
}

var _ node.SyncEndpoint = (*Client)(nil)

// NewClient targets baseURL (scheme and host, optionally a path prefix).
// TLS and timeouts come from cfg.
func NewClient(baseURL string, cfg session.Config) (*Client, error) {
	cfg = cfg.WithDefaults()
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return nil, fmt.Errorf("httpsync: parse url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("httpsync: unsupported scheme %q", u.Scheme)
	}
	if cfg.TLS.Enabled && u.Scheme != "https" {
		return nil, fmt.Errorf("httpsync: tls enabled for %s url", u.Scheme)
	}
	tlsCfg, err := cfg.ClientTLS(session.URLAddress(u))
	if err != nil {
		return nil, err
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext,
		TLSClientConfig:     tlsCfg,
		TLSHandshakeTimeout: cfg.HandshakeTimeout,
		IdleConnTimeout:     cfg.IdleTimeout,
		MaxIdleConnsPerHost: 4,
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + Path
	return &Client{
		endpoint: u.String(),
		http:     &http.Client{Transport: transport},
	}, nil
}

func (c *Client) Endpoint() string { return c.endpoint }

func (c *Client) RoundTrip(ctx context.Context, request []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(request))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", ContentType)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: %d: %s", ErrStatus, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// CloseIdle releases pooled connections.
func (c *Client) CloseIdle() {
	c.http.CloseIdleConnections()
}
