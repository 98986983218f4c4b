package protocol

import (
	"errors"
	"fmt"
	"strings"
)

var ErrMalformedMessage = errors.New("protocol: malformed message")

// Message is the unit exchanged between client and server nodes.
// Treat it as immutable once built; constructors copy Body.
type Message struct {
	Action       Action
	RequestTag   uint64
	SessionID    string
	ClientNodeID string
	ServerNodeID string
	TargetPlugin string
	TargetReader string
	Body         []byte
	ErrorCode    string
	ErrorMessage string
	Reply        bool
	Token        []byte
}

func New(action Action, sessionID, clientNodeID, serverNodeID, targetPlugin, targetReader string, body []byte) Message {
	return Message{
		Action:       action,
		SessionID:    sessionID,
		ClientNodeID: clientNodeID,
		ServerNodeID: serverNodeID,
		TargetPlugin: targetPlugin,
		TargetReader: targetReader,
		Body:         cloneBytes(body),
	}
}

// NewReply builds a success reply for req carrying body.
func NewReply(req Message, body []byte) Message {
	out := New(req.Action, req.SessionID, req.ClientNodeID, req.ServerNodeID, req.TargetPlugin, req.TargetReader, body)
	out.RequestTag = req.RequestTag
	out.Reply = true
	return out
}

// NewError builds an error reply for req. The error carries no body.
func NewError(req Message, code, message string) Message {
	return Message{
		Action:       ActionError,
		RequestTag:   req.RequestTag,
		SessionID:    req.SessionID,
		ClientNodeID: req.ClientNodeID,
		ServerNodeID: req.ServerNodeID,
		TargetPlugin: req.TargetPlugin,
		TargetReader: req.TargetReader,
		ErrorCode:    code,
		ErrorMessage: message,
		Reply:        true,
	}
}

func (m Message) IsError() bool {
	return m.Action == ActionError
}

// WithTag returns a copy of m carrying tag.
func (m Message) WithTag(tag uint64) Message {
	m.RequestTag = tag
	return m
}

// WithToken returns a copy of m carrying token in the frame auth block.
func (m Message) WithToken(token []byte) Message {
	m.Token = cloneBytes(token)
	return m
}

func (m Message) Validate() error {
	if !m.Action.Valid() {
		return fmt.Errorf("%w: unknown action %d", ErrMalformedMessage, uint32(m.Action))
	}
	if strings.TrimSpace(m.SessionID) == "" {
		return fmt.Errorf("%w: missing session id", ErrMalformedMessage)
	}
	if strings.TrimSpace(m.ClientNodeID) == "" {
		return fmt.Errorf("%w: missing client node id", ErrMalformedMessage)
	}
	if strings.TrimSpace(m.ServerNodeID) == "" {
		return fmt.Errorf("%w: missing server node id", ErrMalformedMessage)
	}
	if m.IsError() {
		if strings.TrimSpace(m.ErrorCode) == "" {
			return fmt.Errorf("%w: error action without error code", ErrMalformedMessage)
		}
		if len(m.Body) != 0 {
			return fmt.Errorf("%w: error action with body", ErrMalformedMessage)
		}
		return nil
	}
	if m.ErrorCode != "" || m.ErrorMessage != "" {
		return fmt.Errorf("%w: error fields on %s", ErrMalformedMessage, m.Action)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
