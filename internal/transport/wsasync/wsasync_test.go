package wsasync

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danmuck/readerlink/internal/node"
	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/protocol/session"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/danmuck/readerlink/internal/testutil/testlog"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSession() session.Config {
	cfg := session.DefaultConfig()
	cfg.RequestTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.ErrorGracePeriod = 50 * time.Millisecond
	cfg.Backoff = session.BackoffConfig{InitialDelay: 5 * time.Millisecond, Multiplier: 1, MaxDelay: 5 * time.Millisecond}
	return cfg
}

type end struct {
	node *node.AsyncNode
	reg  *registry.Registry
}

type link struct {
	url    string
	server end
	srvT   *Server
	client end
	cliT   *Client
	pushed chan protocol.Message
}

func newLink(t *testing.T) *link {
	t.Helper()
	l := &link{pushed: make(chan protocol.Message, 4)}

	l.srvT = NewServer(testSession())
	l.server.reg = registry.New(registry.DefaultConfig())
	echo := node.HandlerFunc(func(ctx context.Context, msg protocol.Message) (protocol.Message, bool, error) {
		return protocol.NewReply(msg, append([]byte("echo:"), msg.Body...)), true, nil
	})
	l.server.node = node.NewAsyncNode(node.Options{ID: "server-1", Session: testSession()}, l.srvT, l.server.reg, echo)
	l.srvT.Attach(l.server.node)

	router := mux.NewRouter()
	l.srvT.Register(router)
	srv := httptest.NewServer(router)
	l.url = srv.URL

	cliT, err := NewClient(ClientConfig{URL: srv.URL, Session: testSession()})
	require.NoError(t, err)
	l.cliT = cliT
	l.client.reg = registry.New(registry.DefaultConfig())
	push := node.HandlerFunc(func(ctx context.Context, msg protocol.Message) (protocol.Message, bool, error) {
		l.pushed <- msg
		return protocol.Message{}, false, nil
	})
	l.client.node = node.NewAsyncNode(node.Options{ID: "client-1", Session: testSession()}, cliT, l.client.reg, push)
	cliT.Attach(l.client.node)

	t.Cleanup(func() {
		cliT.Shutdown()
		l.srvT.Shutdown()
		srv.Close()
		l.client.node.Shutdown()
		l.server.node.Shutdown()
	})
	return l
}

func openIn(t *testing.T, reg *registry.Registry, id string) *registry.Session {
	t.Helper()
	s, err := reg.Create(id)
	require.NoError(t, err)
	_, err = reg.Open(id)
	require.NoError(t, err)
	return s
}

func request(sid string) protocol.Message {
	return protocol.New(protocol.ActionTransmitBatch, sid, "client-1", "server-1", "stub", "R1", []byte("batch"))
}

func TestTransmitOverWebSocket(t *testing.T) {
	testlog.Start(t)
	l := newLink(t)
	openIn(t, l.client.reg, "s-1")
	require.NoError(t, l.client.node.Open(context.Background(), "s-1"))
	require.Eventually(t, func() bool { return l.srvT.Connections() == 1 }, time.Second, time.Millisecond)

	for i := 0; i < 5; i++ {
		reply, err := l.client.node.Transmit(context.Background(), request("s-1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("echo:batch"), reply.Body)
	}
	assert.Zero(t, l.client.node.PendingCount())
}

func TestHeartbeatKeepsIdleConnection(t *testing.T) {
	testlog.Start(t)
	l := newLink(t)
	openIn(t, l.client.reg, "s-1")
	require.NoError(t, l.client.node.Open(context.Background(), "s-1"))

	// several heartbeat intervals with no traffic
	time.Sleep(300 * time.Millisecond)
	reply, err := l.client.node.Transmit(context.Background(), request("s-1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("echo:batch"), reply.Body)
}

func TestClientCloseClosesServerSession(t *testing.T) {
	testlog.Start(t)
	l := newLink(t)
	cs := openIn(t, l.client.reg, "s-1")
	ss := openIn(t, l.server.reg, "s-1")
	require.NoError(t, l.client.node.Open(context.Background(), "s-1"))
	require.Eventually(t, func() bool { return l.srvT.Connections() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, l.client.node.Close("s-1"))
	assert.ErrorIs(t, cs.Err(), node.ErrSessionClosedLocally)
	select {
	case <-ss.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("server session not closed")
	}
	assert.ErrorIs(t, ss.Err(), node.ErrPeerClosed)
	require.Eventually(t, func() bool { return l.srvT.Connections() == 0 }, time.Second, time.Millisecond)
	assert.Zero(t, l.cliT.Connections())
}

func TestServerCloseClosesClientSession(t *testing.T) {
	testlog.Start(t)
	l := newLink(t)
	cs := openIn(t, l.client.reg, "s-1")
	require.NoError(t, l.client.node.Open(context.Background(), "s-1"))
	require.Eventually(t, func() bool { return l.srvT.Connections() == 1 }, time.Second, time.Millisecond)

	require.NoError(t, l.srvT.Close("s-1"))
	select {
	case <-cs.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("client session not closed")
	}
	assert.ErrorIs(t, cs.Err(), node.ErrPeerClosed)
}

func TestServerPush(t *testing.T) {
	testlog.Start(t)
	l := newLink(t)
	openIn(t, l.client.reg, "s-1")
	require.NoError(t, l.client.node.Open(context.Background(), "s-1"))
	require.Eventually(t, func() bool { return l.srvT.Connections() == 1 }, time.Second, time.Millisecond)

	push := protocol.New(protocol.ActionReaderDisconnected, "s-1", "client-1", "server-1", "stub", "R1", nil)
	require.NoError(t, l.server.node.Send(context.Background(), "s-1", push))
	select {
	case msg := <-l.pushed:
		assert.Equal(t, protocol.ActionReaderDisconnected, msg.Action)
		assert.Equal(t, "R1", msg.TargetReader)
	case <-time.After(2 * time.Second):
		t.Fatalf("push not delivered")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	testlog.Start(t)
	l := newLink(t)
	assert.ErrorIs(t, l.cliT.Send(context.Background(), "nope", []byte{1}), ErrNoConnection)
	assert.ErrorIs(t, l.srvT.Open(context.Background(), "nope"), ErrServerCannotDial)
	assert.NoError(t, l.cliT.Close("nope"))
}

func TestDuplicateSessionConnectionRefused(t *testing.T) {
	testlog.Start(t)
	l := newLink(t)
	openIn(t, l.client.reg, "s-1")
	require.NoError(t, l.client.node.Open(context.Background(), "s-1"))
	require.Eventually(t, func() bool { return l.srvT.Connections() == 1 }, time.Second, time.Millisecond)

	other, err := NewClient(ClientConfig{URL: l.url, Session: testSession(), MaxConnectAttempts: 1})
	require.NoError(t, err)
	other.Attach(l.client.node)
	t.Cleanup(other.Shutdown)
	assert.Error(t, other.Open(context.Background(), "s-1"))
	assert.ErrorIs(t, l.cliT.Open(context.Background(), "s-1"), ErrSessionInUse)
}

func TestDialRetriesThenFails(t *testing.T) {
	testlog.Start(t)
	srv := httptest.NewServer(mux.NewRouter())
	url := srv.URL
	srv.Close()

	c, err := NewClient(ClientConfig{URL: url, Session: testSession(), MaxConnectAttempts: 2})
	require.NoError(t, err)
	c.Attach(node.NewAsyncNode(node.Options{ID: "client-1"}, c, registry.New(registry.DefaultConfig()), nil))
	err = c.Open(context.Background(), "s-1")
	require.Error(t, err)
	assert.Zero(t, c.Connections())
}

func TestNewClientRejectsScheme(t *testing.T) {
	testlog.Start(t)
	_, err := NewClient(ClientConfig{URL: "ftp://example.com"})
	assert.Error(t, err)
	cfg := testSession()
	cfg.TLS.Enabled = true
	cfg.TLS.InsecureSkipVerify = true
	_, err = NewClient(ClientConfig{URL: "ws://example.com", Session: cfg})
	assert.Error(t, err)
}
