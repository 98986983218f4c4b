package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/danmuck/readerlink/internal/batch"
	"github.com/danmuck/readerlink/internal/plugins"
	"github.com/danmuck/readerlink/internal/stub"
)

// BuildCard returns the card described by entry, or nil when entry is empty.
func BuildCard(entry CardEntry) (*stub.Card, error) {
	if entry.Empty() {
		return nil, nil
	}
	if entry.Demo {
		card := stub.PartialCard()
		if err := script(card, entry.Script); err != nil {
			return nil, err
		}
		return card, nil
	}
	aid, err := stub.DecodeHex(entry.AID)
	if err != nil {
		return nil, fmt.Errorf("card aid: %w", err)
	}
	card := stub.NewCard(aid)
	if err := script(card, entry.Script); err != nil {
		return nil, err
	}
	return card, nil
}

func script(card *stub.Card, entries []ScriptEntry) error {
	for i, s := range entries {
		if err := card.ScriptHex(s.Command, s.Response); err != nil {
			return fmt.Errorf("card script[%d]: %w", i, err)
		}
	}
	return nil
}

// BuildReaders registers one stub reader per entry, creating plugins on first use.
func BuildReaders(entries []ReaderEntry) (*plugins.Registry, []*stub.Reader, error) {
	reg := plugins.NewRegistry()
	readers := make([]*stub.Reader, 0, len(entries))
	for i, entry := range entries {
		pluginName := strings.TrimSpace(entry.Plugin)
		if _, err := reg.Plugin(pluginName); errors.Is(err, plugins.ErrPluginNotFound) {
			if err := reg.Register(plugins.NewPlugin(pluginName)); err != nil {
				return nil, nil, err
			}
		}
		card, err := BuildCard(entry.Card)
		if err != nil {
			return nil, nil, fmt.Errorf("readers[%d]: %w", i, err)
		}
		r := stub.NewReader(strings.TrimSpace(entry.Name))
		if card != nil {
			r.Insert(card)
		}
		if err := reg.Connect(pluginName, r); err != nil {
			return nil, nil, fmt.Errorf("readers[%d]: %w", i, err)
		}
		if group := strings.TrimSpace(entry.Group); group != "" {
			p, err := reg.Plugin(pluginName)
			if err != nil {
				return nil, nil, err
			}
			if err := p.Assign(r.Name(), group); err != nil {
				return nil, nil, fmt.Errorf("readers[%d]: %w", i, err)
			}
		}
		readers = append(readers, r)
	}
	return reg, readers, nil
}

// Request builds the batch readerctl transmits.
func (c ClientConfig) Request() (batch.Request, error) {
	groups := make([]batch.Group, 0, len(c.Groups))
	for gi, g := range c.Groups {
		group := batch.Group{}
		if strings.TrimSpace(g.Selector) != "" {
			sel, err := stub.DecodeHex(g.Selector)
			if err != nil {
				return batch.Request{}, fmt.Errorf("groups[%d] selector: %w", gi, err)
			}
			group.Selector = sel
		}
		for ci, raw := range g.Commands {
			apdu, err := stub.DecodeHex(raw)
			if err != nil {
				return batch.Request{}, fmt.Errorf("groups[%d] commands[%d]: %w", gi, ci, err)
			}
			group.Commands = append(group.Commands, batch.Command{APDU: apdu})
		}
		groups = append(groups, group)
	}
	req := batch.NewRequest(groups, c.ProcessingMode, c.Channel)
	if c.Single {
		if len(groups) != 1 {
			return batch.Request{}, fmt.Errorf("%w: single transmit needs exactly one group, got %d", batch.ErrInvalidRequest, len(groups))
		}
		req = batch.NewSingleRequest(groups[0], c.Channel)
	}
	if err := req.Validate(); err != nil {
		return batch.Request{}, err
	}
	return req, nil
}
