package batch

import (
	"errors"
	"testing"

	"github.com/danmuck/readerlink/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ok(data ...byte) CommandResponse {
	return CommandResponse{APDU: append(append([]byte{}, data...), 0x90, 0x00)}
}

func TestStatusWordAndSuccess(t *testing.T) {
	testlog.Start(t)
	r := CommandResponse{APDU: []byte{0x01, 0x02, 0x62, 0x83}}
	assert.Equal(t, uint16(0x6283), r.StatusWord())
	assert.Equal(t, []byte{0x01, 0x02}, r.Data())
	assert.False(t, r.Successful(nil))
	assert.True(t, r.Successful([]uint16{0x9000, 0x6283}))
	assert.True(t, ok().Successful(nil))
	assert.Zero(t, CommandResponse{APDU: []byte{0x90}}.StatusWord())
}

func TestRequestValidate(t *testing.T) {
	testlog.Start(t)
	cmd := Command{APDU: []byte{0x00, 0xB2, 0x01, 0x04}}
	require.NoError(t, NewRequest([]Group{{Commands: []Command{cmd}}}, ProcessAll, KeepOpen).Validate())

	cases := map[string]Request{
		"empty":       {Mode: ProcessAll, Channel: KeepOpen},
		"bad mode":    {Groups: []Group{{}}, Mode: "sometimes", Channel: KeepOpen},
		"bad channel": {Groups: []Group{{}}, Mode: ProcessAll, Channel: "ajar"},
		"short apdu":  NewRequest([]Group{{Commands: []Command{{APDU: []byte{0x00}}}}}, ProcessAll, KeepOpen),
		"single two":  {Groups: []Group{{}, {}}, Mode: ProcessAll, Channel: KeepOpen, Single: true},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			assert.ErrorIs(t, req.Validate(), ErrInvalidRequest)
		})
	}
}

func TestRequestCodecPreservesBytes(t *testing.T) {
	testlog.Start(t)
	req := NewSingleRequest(Group{
		Selector: []byte{0xA0, 0x00, 0x00, 0x04, 0x04},
		Commands: []Command{
			{APDU: []byte{0x00, 0xB2, 0x01, 0x04, 0x00}},
			{APDU: []byte{0x00, 0xB2, 0x02, 0x04, 0x00}, AcceptedStatus: []uint16{0x6283}},
		},
	}, CloseAfter)
	b, err := EncodeRequest(req)
	require.NoError(t, err)

	got, err := DecodeRequest(b)
	require.NoError(t, err)
	assert.Equal(t, req, got)
}

func TestDecodeRequestMalformed(t *testing.T) {
	testlog.Start(t)
	_, err := DecodeRequest([]byte("{not json"))
	assert.ErrorIs(t, err, ErrMalformedBody)
	_, err = DecodeRequest([]byte(`{"groups":[],"mode":"process_all","channel":"keep_open"}`))
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestCompleteOutcomeRoundTrip(t *testing.T) {
	testlog.Start(t)
	groups := []GroupResponse{
		{Matched: true, ChannelOpen: true, Responses: []CommandResponse{ok(0x01), ok()}},
		{Matched: false},
	}
	b, err := EncodeComplete(groups)
	require.NoError(t, err)

	res, err := DecodeOutcome(b)
	require.NoError(t, err)
	assert.Equal(t, KindComplete, res.Kind)
	require.Len(t, res.Groups, 2)
	assert.Equal(t, groups[0], res.Groups[0])
	assert.Empty(t, res.Groups[1].Responses)
	assert.Nil(t, res.Partial)
	assert.NoError(t, res.Err)
}

func TestPartialOutcomeRoundTripKeepsExactProgress(t *testing.T) {
	testlog.Start(t)
	pf := &PartialFailure{
		Completed: []GroupResponse{
			{Matched: true, ChannelOpen: true, Responses: []CommandResponse{ok(1), ok(2), ok(3), ok(4)}},
		},
		Partial: GroupResponse{Matched: true, ChannelOpen: true, Responses: []CommandResponse{ok(5), ok(6)}},
		Cause:   "card removed",
	}
	b, err := EncodePartial(pf)
	require.NoError(t, err)

	res, err := DecodeOutcome(b)
	require.NoError(t, err)
	assert.Equal(t, KindPartial, res.Kind)
	assert.Equal(t, pf.Completed, res.Completed())
	require.NotNil(t, res.Partial)
	assert.Equal(t, pf.Partial, *res.Partial)

	got, ok := AsPartialFailure(res.Err)
	require.True(t, ok)
	assert.Equal(t, "card removed", got.Cause)
	assert.ErrorIs(t, res.Err, ErrPartialFailure)
}

func TestPartialOutcomeFirstGroupFailsBeforeAnyCommand(t *testing.T) {
	testlog.Start(t)
	b, err := EncodePartial(&PartialFailure{Partial: GroupResponse{}, Cause: "mute"})
	require.NoError(t, err)

	res, err := DecodeOutcome(b)
	require.NoError(t, err)
	assert.Equal(t, KindPartial, res.Kind)
	assert.Empty(t, res.Completed())
	require.NotNil(t, res.Partial)
	assert.Empty(t, res.Partial.Responses)
}

func TestSinglePartialHasNoCompletedGroups(t *testing.T) {
	testlog.Start(t)
	b, err := EncodePartial(&PartialFailure{
		Completed: []GroupResponse{{Matched: true}},
		Partial:   GroupResponse{Responses: []CommandResponse{ok(), ok()}},
		Single:    true,
	})
	require.NoError(t, err)

	res, err := DecodeOutcome(b)
	require.NoError(t, err)
	assert.Empty(t, res.Completed())
	assert.Len(t, res.Partial.Responses, 2)
}

func TestDecodeOutcomeMalformed(t *testing.T) {
	testlog.Start(t)
	for _, body := range []string{`nope`, `{"status":"maybe"}`, `{"status":"partial"}`} {
		_, err := DecodeOutcome([]byte(body))
		assert.ErrorIs(t, err, ErrMalformedBody, body)
	}
	_, err := EncodePartial(nil)
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestResultFromExecution(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, KindComplete, ResultFromExecution([]GroupResponse{{}}, nil).Kind)

	wrapped := errors.Join(errors.New("reader io"), &PartialFailure{Cause: "x"})
	res := ResultFromExecution(nil, wrapped)
	assert.Equal(t, KindPartial, res.Kind)

	res = ResultFromExecution(nil, errors.New("no card"))
	assert.Equal(t, KindRejected, res.Kind)
	assert.Nil(t, res.Completed())
}

func TestRemoteErrorUnwrapsToSentinels(t *testing.T) {
	testlog.Start(t)
	cause := errors.New("local sentinel")
	err := error(&RemoteError{Code: "ERR_X", Message: "bad", Cause: cause})
	assert.ErrorIs(t, err, ErrRemoteRejected)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "ERR_X")
	assert.Equal(t, "rejected", KindRejected.String())
}

func TestEncodeOutcomeByKind(t *testing.T) {
	testlog.Start(t)

	groups := []GroupResponse{{Matched: true, Responses: []CommandResponse{{APDU: []byte{0x90, 0x00}}}}}
	b, err := EncodeOutcome(Complete(groups))
	require.NoError(t, err)
	res, err := DecodeOutcome(b)
	require.NoError(t, err)
	assert.Equal(t, KindComplete, res.Kind)
	assert.Equal(t, groups, res.Groups)

	pf := &PartialFailure{Completed: groups, Partial: GroupResponse{Matched: true}, Cause: "mute"}
	b, err = EncodeOutcome(Partial(pf))
	require.NoError(t, err)
	res, err = DecodeOutcome(b)
	require.NoError(t, err)
	assert.Equal(t, KindPartial, res.Kind)
	assert.Len(t, res.Groups, 1)

	_, err = EncodeOutcome(Rejected(errors.New("nope")))
	assert.ErrorIs(t, err, ErrMalformedBody)
	_, err = EncodeOutcome(Result{Kind: KindPartial})
	assert.ErrorIs(t, err, ErrMalformedBody)
}
