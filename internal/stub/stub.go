// Package stub provides a scripted card reader implementing batch.LocalReader.
package stub

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/danmuck/readerlink/internal/batch"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoCard   = errors.New("stub: no card present")
	ErrReaderIO = errors.New("stub: reader io failure")
)

// Card answers scripted APDUs. Unscripted commands make the reader fail.
type Card struct {
	AID       []byte
	responses map[string][]byte
}

func NewCard(aid []byte) *Card {
	return &Card{AID: append([]byte(nil), aid...), responses: make(map[string][]byte)}
}

// Script maps command to response; response must end with a status word.
func (c *Card) Script(command, response []byte) *Card {
	c.responses[key(command)] = append([]byte(nil), response...)
	return c
}

// ScriptHex is Script with hex strings; spaces are ignored.
func (c *Card) ScriptHex(command, response string) error {
	cmd, err := DecodeHex(command)
	if err != nil {
		return err
	}
	resp, err := DecodeHex(response)
	if err != nil {
		return err
	}
	if len(resp) < 2 {
		return fmt.Errorf("stub: response %q has no status word", response)
	}
	c.Script(cmd, resp)
	return nil
}

func (c *Card) respond(command []byte) ([]byte, bool) {
	resp, ok := c.responses[key(command)]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), resp...), true
}

func (c *Card) selects(selector []byte) bool {
	return len(selector) == 0 || bytes.HasPrefix(c.AID, selector)
}

// Reader is a native reader backed by whatever Card is inserted.
type Reader struct {
	name string

	mu          sync.Mutex
	card        *Card
	channelOpen bool
}

func NewReader(name string) *Reader {
	return &Reader{name: name}
}

func (r *Reader) Name() string { return r.name }

func (r *Reader) Insert(card *Card) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = card
	r.channelOpen = false
}

func (r *Reader) Remove() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.card = nil
	r.channelOpen = false
}

func (r *Reader) CardPresent() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.card != nil
}

func (r *Reader) ChannelOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channelOpen
}

// Execute runs req against the inserted card. A command the card does not
// answer stops execution with an error wrapping ErrReaderIO and *batch.PartialFailure.
func (r *Reader) Execute(ctx context.Context, req batch.Request) ([]batch.GroupResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.card == nil {
		return nil, ErrNoCard
	}

	out := make([]batch.GroupResponse, 0, len(req.Groups))
	for gi, group := range req.Groups {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		gr := batch.GroupResponse{}
		if !r.card.selects(group.Selector) {
			r.channelOpen = false
			out = append(out, gr)
			continue
		}
		gr.Matched = true
		r.channelOpen = true

		for ci, cmd := range group.Commands {
			resp, ok := r.card.respond(cmd.APDU)
			if !ok {
				gr.ChannelOpen = r.channelOpen
				pf := &batch.PartialFailure{
					Completed: out,
					Partial:   gr,
					Single:    req.Single,
					Cause:     fmt.Sprintf("%s: no response to command %d of group %d (%X)", r.name, ci, gi, cmd.APDU),
				}
				if req.Single {
					pf.Completed = nil
				}
				log.Debug().
					Str("reader", r.name).
					Int("group", gi).
					Int("command", ci).
					Int("completed", len(out)).
					Msg("stub.Reader.Execute partial failure")
				return nil, fmt.Errorf("%w: %w", ErrReaderIO, pf)
			}
			gr.Responses = append(gr.Responses, batch.CommandResponse{APDU: resp})
		}

		gr.ChannelOpen = r.channelOpen
		out = append(out, gr)
		if req.Mode == batch.StopOnFirstMatch {
			break
		}
	}

	if req.Channel == batch.CloseAfter && len(out) > 0 {
		r.channelOpen = false
		out[len(out)-1].ChannelOpen = false
	}
	return out, nil
}

func key(command []byte) string {
	return hex.EncodeToString(command)
}

// DecodeHex parses a hex string, ignoring spaces and an optional 0x prefix.
func DecodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.ReplaceAll(strings.TrimSpace(s), " ", ""), "0x")
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("stub: invalid hex %q: %w", s, err)
	}
	return b, nil
}
