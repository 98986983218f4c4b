package protocol

import (
	"errors"
	"fmt"
	"io"

	"github.com/danmuck/readerlink/internal/protocol/frame"
	"github.com/danmuck/readerlink/internal/protocol/schema"
	"github.com/danmuck/readerlink/internal/protocol/tlv"
)

// Encode renders msg as a single frame.
func Encode(msg Message) ([]byte, error) {
	f, err := toFrame(msg)
	if err != nil {
		return nil, err
	}
	return frame.Marshal(f, frame.DefaultLimits())
}

// Decode parses exactly one frame. Every failure wraps ErrMalformedMessage.
func Decode(b []byte) (Message, error) {
	if len(b) == 0 {
		return Message{}, fmt.Errorf("%w: empty input", ErrMalformedMessage)
	}
	f, err := frame.Unmarshal(b, frame.DefaultLimits())
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return fromFrame(f)
}

func WriteMessage(w io.Writer, msg Message) error {
	f, err := toFrame(msg)
	if err != nil {
		return err
	}
	return frame.WriteFrame(w, f, frame.DefaultLimits())
}

// ReadMessage reads one frame from r. Clean EOF before any byte is returned as io.EOF.
func ReadMessage(r io.Reader) (Message, error) {
	f, err := frame.ReadFrame(r, frame.DefaultLimits())
	if err != nil {
		if errors.Is(err, io.EOF) {
			return Message{}, io.EOF
		}
		if errors.Is(err, frame.ErrShortHeader) || errors.Is(err, frame.ErrTruncated) ||
			errors.Is(err, frame.ErrInvalidMagic) || errors.Is(err, frame.ErrUnsupportedVersion) ||
			errors.Is(err, frame.ErrHeaderLenTooSmall) || errors.Is(err, frame.ErrHeaderLenMismatch) ||
			errors.Is(err, frame.ErrPayloadTooLarge) || errors.Is(err, frame.ErrAuthTooLarge) {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return Message{}, err
	}
	return fromFrame(f)
}

func toFrame(msg Message) (frame.Frame, error) {
	if err := msg.Validate(); err != nil {
		return frame.Frame{}, err
	}
	fields := []tlv.Field{
		tlv.String(schema.FieldSessionID, msg.SessionID),
		tlv.String(schema.FieldClientNodeID, msg.ClientNodeID),
		tlv.String(schema.FieldServerNodeID, msg.ServerNodeID),
		tlv.String(schema.FieldTargetPlugin, msg.TargetPlugin),
		tlv.String(schema.FieldTargetReader, msg.TargetReader),
	}
	var flags uint32
	if msg.IsError() {
		flags |= frame.FlagIsError
		fields = append(fields,
			tlv.String(schema.FieldErrorCode, msg.ErrorCode),
			tlv.String(schema.FieldErrorMessage, msg.ErrorMessage),
		)
	} else {
		fields = append(fields, tlv.Bytes(schema.FieldBody, msg.Body))
	}
	if msg.Reply {
		flags |= frame.FlagIsResponse
	}
	return frame.Frame{
		Header: frame.Header{
			MessageID:   msg.RequestTag,
			MessageType: uint32(msg.Action),
			Flags:       flags,
		},
		Auth:    cloneBytes(msg.Token),
		Payload: tlv.EncodeFields(fields),
	}, nil
}

func fromFrame(f frame.Frame) (Message, error) {
	action := Action(f.Header.MessageType)
	if !action.Valid() {
		return Message{}, fmt.Errorf("%w: unknown action %d", ErrMalformedMessage, f.Header.MessageType)
	}
	fields, err := tlv.DecodeFields(f.Payload)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if err := schema.Validate(uint32(action), fields); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if isErr := f.Header.Flags&frame.FlagIsError != 0; isErr != (action == ActionError) {
		return Message{}, fmt.Errorf("%w: error flag disagrees with action %s", ErrMalformedMessage, action)
	}

	msg := Message{
		Action:       action,
		RequestTag:   f.Header.MessageID,
		SessionID:    tlv.StringValue(fields, schema.FieldSessionID),
		ClientNodeID: tlv.StringValue(fields, schema.FieldClientNodeID),
		ServerNodeID: tlv.StringValue(fields, schema.FieldServerNodeID),
		TargetPlugin: tlv.StringValue(fields, schema.FieldTargetPlugin),
		TargetReader: tlv.StringValue(fields, schema.FieldTargetReader),
		Reply:        f.Header.Flags&frame.FlagIsResponse != 0,
		Token:        cloneBytes(f.Auth),
	}
	if action == ActionError {
		msg.ErrorCode = tlv.StringValue(fields, schema.FieldErrorCode)
		msg.ErrorMessage = tlv.StringValue(fields, schema.FieldErrorMessage)
	} else {
		msg.Body = tlv.BytesValue(fields, schema.FieldBody)
	}
	if err := msg.Validate(); err != nil {
		return Message{}, err
	}
	return msg, nil
}
