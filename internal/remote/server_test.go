package remote

import (
	"context"
	"sync"
	"testing"

	"github.com/danmuck/readerlink/internal/auth"
	"github.com/danmuck/readerlink/internal/batch"
	"github.com/danmuck/readerlink/internal/plugins"
	"github.com/danmuck/readerlink/internal/protocol"
	"github.com/danmuck/readerlink/internal/registry"
	"github.com/danmuck/readerlink/internal/stub"
	"github.com/danmuck/readerlink/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestServer(t *testing.T, validator auth.Validator) (*Server, *stub.Reader) {
	t.Helper()
	native := plugins.NewRegistry()
	np := plugins.NewPlugin("stub")
	require.NoError(t, native.Register(np))
	reader := stub.NewReader("R1")
	reader.Insert(stub.PartialCard())
	require.NoError(t, np.Connect(reader))
	srv := NewServer(Config{NodeID: "server-1", HistoryLimit: 3}, native, registry.New(registry.DefaultConfig()), validator)
	return srv, reader
}

func envelope(action protocol.Action, sid, reader string, body []byte) protocol.Message {
	return protocol.New(action, sid, "client-1", "server-1", "stub", reader, body).WithTag(7)
}

func handle(t *testing.T, srv *Server, msg protocol.Message) protocol.Message {
	t.Helper()
	reply, ok, err := srv.HandleMessage(context.Background(), msg)
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, reply.Reply)
	assert.Equal(t, msg.RequestTag, reply.RequestTag)
	assert.Equal(t, msg.SessionID, reply.SessionID)
	return reply
}

func open(t *testing.T, srv *Server, sid string) {
	t.Helper()
	reply := handle(t, srv, envelope(protocol.ActionOpenSession, sid, "R1", nil))
	require.False(t, reply.IsError(), reply.ErrorMessage)
}

func transmitBody(t *testing.T, req batch.Request) []byte {
	t.Helper()
	body, err := batch.EncodeRequest(req)
	require.NoError(t, err)
	return body
}

func TestOpenSessionBindsReader(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	open(t, srv, "s-1")

	s, err := srv.Sessions().Lookup("s-1")
	require.NoError(t, err)
	assert.Equal(t, registry.StateOpen, s.State())
	assert.Equal(t, "client-1", s.ClientNodeID())
	assert.Equal(t, "server-1", s.ServerNodeID())
	assert.Equal(t, "R1", s.Reader())
	assert.Equal(t, "server", s.Node().Kind())

	dup := handle(t, srv, envelope(protocol.ActionOpenSession, "s-1", "R1", nil))
	assert.Equal(t, protocol.CodeDuplicateSession, dup.ErrorCode)

	missing := handle(t, srv, envelope(protocol.ActionOpenSession, "s-2", "R9", nil))
	assert.Equal(t, protocol.CodeReaderNotFound, missing.ErrorCode)
	assert.Equal(t, 1, srv.Sessions().Len())
}

func TestTransmitOutcomes(t *testing.T) {
	testlog.Start(t)
	srv, reader := newTestServer(t, nil)
	open(t, srv, "s-1")

	body := transmitBody(t, batch.NewRequest(stub.PartialBatch(2, 2, -1, -1), batch.ProcessAll, batch.KeepOpen))
	reply := handle(t, srv, envelope(protocol.ActionTransmitBatch, "s-1", "R1", body))
	res, err := batch.DecodeOutcome(reply.Body)
	require.NoError(t, err)
	assert.Equal(t, batch.KindComplete, res.Kind)
	assert.Len(t, res.Groups, 2)

	body = transmitBody(t, batch.NewRequest(stub.PartialBatch(3, 2, 1, 1), batch.ProcessAll, batch.KeepOpen))
	reply = handle(t, srv, envelope(protocol.ActionTransmitBatch, "s-1", "R1", body))
	res, err = batch.DecodeOutcome(reply.Body)
	require.NoError(t, err)
	assert.Equal(t, batch.KindPartial, res.Kind)
	assert.Len(t, res.Groups, 1)
	assert.Len(t, res.Partial.Responses, 1)

	reader.Remove()
	reply = handle(t, srv, envelope(protocol.ActionTransmitBatch, "s-1", "R1", body))
	assert.Equal(t, protocol.CodeReaderIO, reply.ErrorCode)
	assert.Empty(t, reply.Body)
}

func TestTransmitRejections(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	open(t, srv, "s-1")
	body := transmitBody(t, batch.NewRequest(stub.PartialBatch(1, 1, -1, -1), batch.ProcessAll, batch.KeepOpen))

	reply := handle(t, srv, envelope(protocol.ActionTransmitBatch, "s-404", "R1", body))
	assert.Equal(t, protocol.CodeUnknownSession, reply.ErrorCode)

	other := protocol.New(protocol.ActionTransmitBatch, "s-1", "client-2", "server-1", "stub", "R1", body)
	reply = handle(t, srv, other)
	assert.Equal(t, protocol.CodeUnknownSession, reply.ErrorCode)

	reply = handle(t, srv, envelope(protocol.ActionTransmitBatch, "s-1", "R1", []byte("{not json")))
	assert.Equal(t, protocol.CodeMalformedMessage, reply.ErrorCode)

	// a single transmit must carry a single request
	reply = handle(t, srv, envelope(protocol.ActionTransmitSingle, "s-1", "R1", body))
	assert.Equal(t, protocol.CodeMalformedMessage, reply.ErrorCode)

	reply = handle(t, srv, envelope(protocol.ActionReaderDisconnected, "s-1", "R1", nil))
	assert.Equal(t, protocol.CodeMalformedMessage, reply.ErrorCode)
}

func TestUnauthorized(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, auth.StaticToken{Token: "secret"})
	reply := handle(t, srv, envelope(protocol.ActionOpenSession, "s-1", "R1", nil))
	assert.Equal(t, protocol.CodeUnauthorized, reply.ErrorCode)
	assert.Zero(t, srv.Sessions().Len())

	reply = handle(t, srv, envelope(protocol.ActionOpenSession, "s-1", "R1", nil).WithToken([]byte("secret")))
	assert.False(t, reply.IsError())
}

func TestCloseAndKeepAlive(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	open(t, srv, "s-1")

	reply := handle(t, srv, envelope(protocol.ActionKeepAlive, "s-1", "R1", nil))
	assert.False(t, reply.IsError())

	reply = handle(t, srv, envelope(protocol.ActionCloseSession, "s-1", "R1", nil))
	assert.False(t, reply.IsError())
	assert.Zero(t, srv.Sessions().Len())

	// close is idempotent
	reply = handle(t, srv, envelope(protocol.ActionCloseSession, "s-1", "R1", nil))
	assert.False(t, reply.IsError())

	reply = handle(t, srv, envelope(protocol.ActionKeepAlive, "s-1", "R1", nil))
	assert.Equal(t, protocol.CodeUnknownSession, reply.ErrorCode)
}

func TestRepliesAreNotAnswered(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	_, ok, err := srv.HandleMessage(context.Background(), protocol.NewReply(envelope(protocol.ActionKeepAlive, "s-1", "R1", nil), nil))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestExecutionHistory(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	open(t, srv, "s-1")

	complete := transmitBody(t, batch.NewRequest(stub.PartialBatch(2, 1, -1, -1), batch.ProcessAll, batch.KeepOpen))
	partial := transmitBody(t, batch.NewRequest(stub.PartialBatch(2, 1, 1, 0), batch.ProcessAll, batch.KeepOpen))
	for i, body := range [][]byte{complete, complete, partial, complete} {
		msg := envelope(protocol.ActionTransmitBatch, "s-1", "R1", body).WithTag(uint64(i + 1))
		handle(t, srv, msg)
	}

	all := srv.Executions(0)
	require.Len(t, all, 3, "history is bounded")
	assert.Equal(t, "exec.s-1.2", all[0].ID)
	assert.Equal(t, ExecutionComplete, all[0].Phase)
	assert.Equal(t, ExecutionPartial, all[1].Phase)
	assert.Equal(t, 1, all[1].Completed)
	assert.NotEmpty(t, all[1].Error)
	assert.False(t, all[1].Finished.IsZero())

	last := srv.Executions(1)
	require.Len(t, last, 1)
	assert.Equal(t, uint64(4), last[0].RequestTag)
	assert.Equal(t, "TRANSMIT_BATCH", last[0].Action)
}

type recordingPusher struct {
	mu   sync.Mutex
	sent []protocol.Message
}

func (p *recordingPusher) Send(ctx context.Context, sessionID string, msg protocol.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, msg)
	return nil
}

func TestNotifyReaderDisconnected(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	open(t, srv, "s-1")
	open(t, srv, "s-2")

	pusher := &recordingPusher{}
	assert.Equal(t, 2, srv.NotifyReaderDisconnected(context.Background(), pusher, "stub", "R1"))
	require.Len(t, pusher.sent, 2)
	for _, msg := range pusher.sent {
		assert.Equal(t, protocol.ActionReaderDisconnected, msg.Action)
		assert.Equal(t, "R1", msg.TargetReader)
		assert.False(t, msg.Reply)
		require.NoError(t, msg.Validate())
	}
	assert.Zero(t, srv.Sessions().Len())
	assert.Zero(t, srv.NotifyReaderDisconnected(context.Background(), pusher, "stub", "R1"))
}

func TestAllocateFromGroup(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	np, err := srv.Readers().Plugin("stub")
	require.NoError(t, err)
	require.NoError(t, np.Connect(stub.NewReader("R2")))
	require.NoError(t, np.Assign("R1", "ticketing"))
	require.NoError(t, np.Assign("R2", "ticketing"))

	first := handle(t, srv, envelope(protocol.ActionOpenSession, "s-1", "", []byte("ticketing")))
	require.False(t, first.IsError(), first.ErrorMessage)
	assert.Equal(t, "R1", first.TargetReader)
	second := handle(t, srv, envelope(protocol.ActionOpenSession, "s-2", "", []byte("ticketing")))
	require.False(t, second.IsError(), second.ErrorMessage)
	assert.Equal(t, "R2", second.TargetReader)

	s, err := srv.Sessions().Lookup("s-2")
	require.NoError(t, err)
	assert.Equal(t, "R2", s.Reader())

	exhausted := handle(t, srv, envelope(protocol.ActionOpenSession, "s-3", "", []byte("ticketing")))
	assert.Equal(t, protocol.CodeNoReaderAvailable, exhausted.ErrorCode)
	unknown := handle(t, srv, envelope(protocol.ActionOpenSession, "s-3", "", []byte("parking")))
	assert.Equal(t, protocol.CodeReaderNotFound, unknown.ErrorCode)

	// releasing a session frees its reader for the next allocation
	closed := handle(t, srv, envelope(protocol.ActionCloseSession, "s-1", "R1", nil))
	require.False(t, closed.IsError())
	again := handle(t, srv, envelope(protocol.ActionOpenSession, "s-3", "", []byte("ticketing")))
	require.False(t, again.IsError(), again.ErrorMessage)
	assert.Equal(t, "R1", again.TargetReader)
}

func TestConcurrentAllocationsPickDistinctReaders(t *testing.T) {
	testlog.Start(t)
	srv, _ := newTestServer(t, nil)
	np, err := srv.Readers().Plugin("stub")
	require.NoError(t, err)
	require.NoError(t, np.Assign("R1", "pool"))
	for _, name := range []string{"R2", "R3", "R4"} {
		require.NoError(t, np.Connect(stub.NewReader(name)))
		require.NoError(t, np.Assign(name, "pool"))
	}

	var mu sync.Mutex
	got := map[string]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := envelope(protocol.ActionOpenSession, "s-"+string(rune('a'+i)), "", []byte("pool"))
			reply, _, _ := srv.HandleMessage(context.Background(), msg)
			mu.Lock()
			defer mu.Unlock()
			if reply.IsError() {
				got[reply.ErrorCode]++
				return
			}
			got[reply.TargetReader]++
		}(i)
	}
	wg.Wait()
	for _, name := range []string{"R1", "R2", "R3", "R4"} {
		assert.Equal(t, 1, got[name], name)
	}
	assert.Equal(t, 4, got[protocol.CodeNoReaderAvailable])
}
