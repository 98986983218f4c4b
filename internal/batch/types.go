// Package batch defines command batches and the tagged result of executing them,
// including partial-failure state that must survive the wire unchanged.
package batch

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
)

// StatusSuccess is the ISO 7816 "normal processing" status word.
const StatusSuccess uint16 = 0x9000

var ErrInvalidRequest = errors.New("batch: invalid request")

type Command struct {
	APDU []byte `json:"apdu"`
	// AcceptedStatus lists status words treated as success; empty means 0x9000 only.
	AcceptedStatus []uint16 `json:"accepted_status,omitempty"`
}

type CommandResponse struct {
	APDU []byte `json:"apdu"`
}

// StatusWord returns SW1SW2, or 0 when the response is shorter than two bytes.
func (r CommandResponse) StatusWord() uint16 {
	if len(r.APDU) < 2 {
		return 0
	}
	return binary.BigEndian.Uint16(r.APDU[len(r.APDU)-2:])
}

// Data returns the response without its status word.
func (r CommandResponse) Data() []byte {
	if len(r.APDU) < 2 {
		return nil
	}
	return r.APDU[:len(r.APDU)-2]
}

func (r CommandResponse) Successful(accepted []uint16) bool {
	sw := r.StatusWord()
	if len(accepted) == 0 {
		return sw == StatusSuccess
	}
	for _, a := range accepted {
		if sw == a {
			return true
		}
	}
	return false
}

// Group is an ordered set of commands executed together against one application.
// An empty Selector targets whatever application is currently selected.
type Group struct {
	Selector []byte    `json:"selector,omitempty"`
	Commands []Command `json:"commands"`
}

type GroupResponse struct {
	Matched     bool              `json:"matched"`
	ChannelOpen bool              `json:"channel_open"`
	Responses   []CommandResponse `json:"responses"`
}

type ProcessingMode string

const (
	ProcessAll       ProcessingMode = "process_all"
	StopOnFirstMatch ProcessingMode = "stop_on_first_match"
)

func (m ProcessingMode) Valid() bool {
	return m == ProcessAll || m == StopOnFirstMatch
}

type ChannelControl string

const (
	KeepOpen   ChannelControl = "keep_open"
	CloseAfter ChannelControl = "close_after"
)

func (c ChannelControl) Valid() bool {
	return c == KeepOpen || c == CloseAfter
}

// Request is one batch. Single marks a one-group transmit, whose partial
// failure carries no completed groups.
type Request struct {
	Groups  []Group        `json:"groups"`
	Mode    ProcessingMode `json:"mode"`
	Channel ChannelControl `json:"channel"`
	Single  bool           `json:"single,omitempty"`
}

func NewRequest(groups []Group, mode ProcessingMode, channel ChannelControl) Request {
	return Request{Groups: groups, Mode: mode, Channel: channel}
}

func NewSingleRequest(group Group, channel ChannelControl) Request {
	return Request{Groups: []Group{group}, Mode: ProcessAll, Channel: channel, Single: true}
}

func (r Request) Validate() error {
	if len(r.Groups) == 0 {
		return fmt.Errorf("%w: no command groups", ErrInvalidRequest)
	}
	if r.Single && len(r.Groups) != 1 {
		return fmt.Errorf("%w: single transmit with %d groups", ErrInvalidRequest, len(r.Groups))
	}
	if !r.Mode.Valid() {
		return fmt.Errorf("%w: processing mode %q", ErrInvalidRequest, r.Mode)
	}
	if !r.Channel.Valid() {
		return fmt.Errorf("%w: channel control %q", ErrInvalidRequest, r.Channel)
	}
	for gi, g := range r.Groups {
		for ci, c := range g.Commands {
			if len(c.APDU) < 4 {
				return fmt.Errorf("%w: group %d command %d shorter than an apdu header", ErrInvalidRequest, gi, ci)
			}
		}
	}
	return nil
}

// LocalReader executes batches on a physically attached reader.
// On a card-level failure part-way through, Execute returns an error that is
// or wraps *PartialFailure describing exactly how far execution got.
type LocalReader interface {
	Name() string
	Execute(ctx context.Context, req Request) ([]GroupResponse, error)
}
