package schema

import (
	"fmt"

	"github.com/danmuck/readerlink/internal/protocol/tlv"
	"github.com/rs/zerolog/log"
)

// Message type IDs carried in the frame message_type slot.
const (
	MsgOpenSession        uint32 = 1
	MsgTransmitBatch      uint32 = 2
	MsgTransmitSingle     uint32 = 3
	MsgCloseSession       uint32 = 4
	MsgError              uint32 = 5
	MsgKeepAlive          uint32 = 6
	MsgReaderDisconnected uint32 = 7
)

// Field IDs carried in the TLV payload.
const (
	FieldSessionID    uint16 = 1
	FieldClientNodeID uint16 = 2
	FieldServerNodeID uint16 = 3
	FieldTargetPlugin uint16 = 4
	FieldTargetReader uint16 = 5
	FieldBody         uint16 = 6
	FieldErrorCode    uint16 = 7
	FieldErrorMessage uint16 = 8
)

type Requirement struct {
	ID   uint16
	Type uint8
}

type ValidationError struct {
	MessageType uint32
	FieldID     uint16
	Reason      string
}

func (e ValidationError) Error() string {
	if e.FieldID == 0 {
		return fmt.Sprintf("schema: message_type=%d: %s", e.MessageType, e.Reason)
	}
	return fmt.Sprintf("schema: message_type=%d field=%d: %s", e.MessageType, e.FieldID, e.Reason)
}

var envelope = []Requirement{
	{FieldSessionID, tlv.TypeString},
	{FieldClientNodeID, tlv.TypeString},
	{FieldServerNodeID, tlv.TypeString},
}

var requirements = map[uint32][]Requirement{
	MsgOpenSession: withEnvelope(
		Requirement{FieldTargetPlugin, tlv.TypeString},
		Requirement{FieldTargetReader, tlv.TypeString},
		Requirement{FieldBody, tlv.TypeBytes},
	),
	MsgTransmitBatch:  withEnvelope(Requirement{FieldBody, tlv.TypeBytes}),
	MsgTransmitSingle: withEnvelope(Requirement{FieldBody, tlv.TypeBytes}),
	MsgCloseSession:   withEnvelope(Requirement{FieldBody, tlv.TypeBytes}),
	MsgKeepAlive:      withEnvelope(Requirement{FieldBody, tlv.TypeBytes}),
	MsgReaderDisconnected: withEnvelope(
		Requirement{FieldTargetPlugin, tlv.TypeString},
		Requirement{FieldTargetReader, tlv.TypeString},
		Requirement{FieldBody, tlv.TypeBytes},
	),
	MsgError: withEnvelope(
		Requirement{FieldErrorCode, tlv.TypeString},
		Requirement{FieldErrorMessage, tlv.TypeString},
	),
}

func withEnvelope(extra ...Requirement) []Requirement {
	out := make([]Requirement, 0, len(envelope)+len(extra))
	out = append(out, envelope...)
	return append(out, extra...)
}

// Known reports whether messageType has a requirement table.
func Known(messageType uint32) bool {
	_, ok := requirements[messageType]
	return ok
}

// Requirements returns a copy of the required fields for messageType.
func Requirements(messageType uint32) []Requirement {
	reqs := requirements[messageType]
	out := make([]Requirement, len(reqs))
	copy(out, reqs)
	return out
}

// Validate enforces required fields and required field types for a message type.
// Unknown fields are ignored.
func Validate(messageType uint32, fields []tlv.Field) error {
	reqs, ok := requirements[messageType]
	if !ok {
		log.Debug().Uint32("message_type", messageType).Msg("schema.Validate unknown message_type")
		return ValidationError{MessageType: messageType, Reason: "unknown message_type"}
	}
	for _, req := range reqs {
		f, found := tlv.GetField(fields, req.ID)
		if !found {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Msg("schema.Validate missing field")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "missing required field"}
		}
		if f.Type != req.Type {
			log.Debug().
				Uint32("message_type", messageType).
				Uint16("field_id", req.ID).
				Uint8("got", f.Type).
				Uint8("want", req.Type).
				Msg("schema.Validate type mismatch")
			return ValidationError{MessageType: messageType, FieldID: req.ID, Reason: "type mismatch"}
		}
	}
	return nil
}
