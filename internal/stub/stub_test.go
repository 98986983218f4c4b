package stub

import (
	"context"
	"testing"

	"github.com/danmuck/readerlink/internal/batch"
	"github.com/danmuck/readerlink/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecuteCompleteBatch(t *testing.T) {
	testlog.Start(t)
	r := NewReader("R1")
	r.Insert(PartialCard())

	out, err := r.Execute(context.Background(), batch.NewRequest(PartialBatch(2, 3, -1, -1), batch.ProcessAll, batch.KeepOpen))
	require.NoError(t, err)
	require.Len(t, out, 2)
	for _, g := range out {
		assert.True(t, g.Matched)
		assert.True(t, g.ChannelOpen)
		require.Len(t, g.Responses, 3)
		assert.True(t, g.Responses[0].Successful(nil))
	}
	assert.True(t, r.ChannelOpen())
}

func TestExecutePartialFailureCarriesProgress(t *testing.T) {
	testlog.Start(t)
	r := NewReader("R1")
	r.Insert(PartialCard())

	_, err := r.Execute(context.Background(), batch.NewRequest(PartialBatch(4, 4, 1, 2), batch.ProcessAll, batch.KeepOpen))
	require.ErrorIs(t, err, ErrReaderIO)
	pf, ok := batch.AsPartialFailure(err)
	require.True(t, ok)
	require.Len(t, pf.Completed, 1)
	assert.Len(t, pf.Completed[0].Responses, 4)
	assert.Len(t, pf.Partial.Responses, 2)
	assert.False(t, pf.Single)
}

func TestExecuteSinglePartialHasNoCompleted(t *testing.T) {
	testlog.Start(t)
	r := NewReader("R1")
	r.Insert(PartialCard())

	_, err := r.Execute(context.Background(), batch.NewSingleRequest(PartialGroup(4, 0), batch.KeepOpen))
	pf, ok := batch.AsPartialFailure(err)
	require.True(t, ok)
	assert.Empty(t, pf.Completed)
	assert.Empty(t, pf.Partial.Responses)
	assert.True(t, pf.Single)
}

func TestExecuteStopOnFirstMatch(t *testing.T) {
	testlog.Start(t)
	r := NewReader("R1")
	r.Insert(PartialCard())

	other := batch.Group{Selector: []byte{0xA0, 0x00, 0x00, 0x99}, Commands: []batch.Command{RecordCommand(1)}}
	groups := []batch.Group{other, PartialGroup(1, -1), PartialGroup(1, -1)}
	out, err := r.Execute(context.Background(), batch.NewRequest(groups, batch.StopOnFirstMatch, batch.CloseAfter))
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.False(t, out[0].Matched)
	assert.Empty(t, out[0].Responses)
	assert.True(t, out[1].Matched)
	assert.False(t, out[1].ChannelOpen)
	assert.False(t, r.ChannelOpen())
}

func TestExecuteWithoutCard(t *testing.T) {
	testlog.Start(t)
	r := NewReader("R1")
	_, err := r.Execute(context.Background(), batch.NewRequest(PartialBatch(1, 1, -1, -1), batch.ProcessAll, batch.KeepOpen))
	assert.ErrorIs(t, err, ErrNoCard)
	_, ok := batch.AsPartialFailure(err)
	assert.False(t, ok)

	r.Insert(PartialCard())
	assert.True(t, r.CardPresent())
	r.Remove()
	assert.False(t, r.CardPresent())
}

func TestScriptHex(t *testing.T) {
	testlog.Start(t)
	c := NewCard([]byte{0xA0})
	require.NoError(t, c.ScriptHex("00 A4 04 00", "6F00 9000"))
	resp, ok := c.respond([]byte{0x00, 0xA4, 0x04, 0x00})
	require.True(t, ok)
	assert.Equal(t, []byte{0x6F, 0x00, 0x90, 0x00}, resp)

	assert.Error(t, c.ScriptHex("zz", "9000"))
	assert.Error(t, c.ScriptHex("00A40400", "90"))
}
