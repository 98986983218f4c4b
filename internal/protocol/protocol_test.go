package protocol

import (
	"bytes"
	"io"
	"testing"

	"github.com/danmuck/readerlink/internal/protocol/frame"
	"github.com/danmuck/readerlink/internal/protocol/schema"
	"github.com/danmuck/readerlink/internal/protocol/tlv"
	"github.com/danmuck/readerlink/internal/testutil/testlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample(action Action, body []byte) Message {
	return New(action, "sess-1", "client-1", "server-1", "pcsc", "R1", body)
}

func TestRoundTripEveryAction(t *testing.T) {
	testlog.Start(t)
	actions := []Action{
		ActionOpenSession,
		ActionTransmitBatch,
		ActionTransmitSingle,
		ActionCloseSession,
		ActionKeepAlive,
		ActionReaderDisconnected,
	}
	for _, action := range actions {
		t.Run(action.String(), func(t *testing.T) {
			in := sample(action, []byte(`{"groups":[]}`)).WithTag(17)
			b, err := Encode(in)
			require.NoError(t, err)

			out, err := Decode(b)
			require.NoError(t, err)
			assert.Equal(t, in, out)
		})
	}
}

func TestRoundTripEmptyBody(t *testing.T) {
	testlog.Start(t)
	in := sample(ActionKeepAlive, nil)
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.Empty(t, out.Body)

	// empty and nil bodies are the same value
	in2 := sample(ActionKeepAlive, []byte{})
	b2, err := Encode(in2)
	require.NoError(t, err)
	assert.Equal(t, b, b2)
}

func TestRoundTripErrorWithEmptyMessage(t *testing.T) {
	testlog.Start(t)
	req := sample(ActionTransmitBatch, []byte("x")).WithTag(9)
	in := NewError(req, "ERR_UNKNOWN_SESSION", "")
	b, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, in, out)
	assert.True(t, out.IsError())
	assert.True(t, out.Reply)
	assert.Equal(t, uint64(9), out.RequestTag)
	assert.Equal(t, "", out.ErrorMessage)
}

func TestReplyEchoesRequest(t *testing.T) {
	testlog.Start(t)
	req := sample(ActionTransmitSingle, []byte("req")).WithTag(3)
	reply := NewReply(req, []byte("resp"))
	assert.True(t, reply.Reply)
	assert.Equal(t, req.Action, reply.Action)
	assert.Equal(t, req.RequestTag, reply.RequestTag)
	assert.Equal(t, req.SessionID, reply.SessionID)
	assert.Equal(t, []byte("resp"), reply.Body)
}

func TestTokenTravelsInAuthBlock(t *testing.T) {
	testlog.Start(t)
	in := sample(ActionOpenSession, nil).WithToken([]byte("secret"))
	b, err := Encode(in)
	require.NoError(t, err)

	f, err := frame.Unmarshal(b, frame.DefaultLimits())
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), f.Auth)

	out, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), out.Token)
}

func TestConstructorCopiesBody(t *testing.T) {
	testlog.Start(t)
	body := []byte{0x00, 0xA4}
	msg := sample(ActionTransmitSingle, body)
	body[0] = 0xFF
	assert.Equal(t, byte(0x00), msg.Body[0])
}

func TestEncodeRejectsInvalidMessage(t *testing.T) {
	testlog.Start(t)
	_, err := Encode(New(ActionTransmitBatch, "", "c", "s", "", "", nil))
	assert.ErrorIs(t, err, ErrMalformedMessage)

	_, err = Encode(Message{Action: 77, SessionID: "s", ClientNodeID: "c", ServerNodeID: "s"})
	assert.ErrorIs(t, err, ErrMalformedMessage)

	bad := sample(ActionTransmitBatch, nil)
	bad.ErrorCode = "ERR_READER_IO"
	_, err = Encode(bad)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeMalformedInputs(t *testing.T) {
	testlog.Start(t)
	good, err := Encode(sample(ActionTransmitBatch, []byte("body")))
	require.NoError(t, err)

	cases := map[string][]byte{
		"empty":     nil,
		"short":     good[:10],
		"truncated": good[:len(good)-3],
		"trailing":  append(append([]byte{}, good...), 0x01),
	}
	badMagic := append([]byte{}, good...)
	badMagic[0] = 0x00
	cases["magic"] = badMagic

	for name, b := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(b)
			assert.ErrorIs(t, err, ErrMalformedMessage)
		})
	}
}

func TestDecodeUnknownAction(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldSessionID, "s"),
		tlv.String(schema.FieldClientNodeID, "c"),
		tlv.String(schema.FieldServerNodeID, "v"),
	})
	b, err := frame.Marshal(frame.Frame{Header: frame.Header{MessageType: 42}, Payload: payload}, frame.DefaultLimits())
	require.NoError(t, err)

	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestDecodeMissingRequiredField(t *testing.T) {
	testlog.Start(t)
	payload := tlv.EncodeFields([]tlv.Field{
		tlv.String(schema.FieldSessionID, "s"),
		tlv.String(schema.FieldClientNodeID, "c"),
	})
	b, err := frame.Marshal(frame.Frame{
		Header:  frame.Header{MessageType: uint32(ActionKeepAlive)},
		Payload: payload,
	}, frame.DefaultLimits())
	require.NoError(t, err)

	_, err = Decode(b)
	assert.ErrorIs(t, err, ErrMalformedMessage)
}

func TestReadWriteMessageStream(t *testing.T) {
	testlog.Start(t)
	var buf bytes.Buffer
	first := sample(ActionOpenSession, nil).WithTag(1)
	second := sample(ActionTransmitBatch, []byte("apdus")).WithTag(2)
	require.NoError(t, WriteMessage(&buf, first))
	require.NoError(t, WriteMessage(&buf, second))

	got, err := ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, first, got)
	got, err = ReadMessage(&buf)
	require.NoError(t, err)
	assert.Equal(t, second, got)

	_, err = ReadMessage(&buf)
	assert.ErrorIs(t, err, io.EOF)
}

func TestActionString(t *testing.T) {
	testlog.Start(t)
	assert.Equal(t, "TRANSMIT_BATCH", ActionTransmitBatch.String())
	assert.Equal(t, "ACTION(99)", Action(99).String())
	assert.False(t, Action(0).Valid())
}
