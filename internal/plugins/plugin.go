// Package plugins holds the native readers a server exposes, grouped by plugin.
package plugins

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/danmuck/readerlink/internal/batch"
)

var (
	ErrPluginExists   = errors.New("plugins: plugin already registered")
	ErrPluginNotFound = errors.New("plugins: plugin not found")
	ErrReaderExists   = errors.New("plugins: reader already connected")
	ErrReaderNotFound = errors.New("plugins: reader not found")
	ErrGroupNotFound  = errors.New("plugins: reader group not found")
)

// Plugin is a named set of native readers. A reader may belong to one
// group; groups back pool allocation.
type Plugin struct {
	name string

	mu      sync.RWMutex
	readers map[string]batch.LocalReader
	groups  map[string]string
}

func NewPlugin(name string) *Plugin {
	return &Plugin{
		name:    strings.TrimSpace(name),
		readers: make(map[string]batch.LocalReader),
		groups:  make(map[string]string),
	}
}

func (p *Plugin) Name() string { return p.name }

// Connect attaches a reader under its own name.
func (p *Plugin) Connect(r batch.LocalReader) error {
	name := strings.TrimSpace(r.Name())
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.readers[name]; ok {
		return fmt.Errorf("%w: %s/%s", ErrReaderExists, p.name, name)
	}
	p.readers[name] = r
	return nil
}

func (p *Plugin) Disconnect(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.readers[name]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrReaderNotFound, p.name, name)
	}
	delete(p.readers, name)
	delete(p.groups, name)
	return nil
}

// Assign puts a connected reader into group. An empty group removes it from its group.
func (p *Plugin) Assign(reader, group string) error {
	group = strings.TrimSpace(group)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.readers[reader]; !ok {
		return fmt.Errorf("%w: %s/%s", ErrReaderNotFound, p.name, reader)
	}
	if group == "" {
		delete(p.groups, reader)
		return nil
	}
	p.groups[reader] = group
	return nil
}

// GroupOf returns the reader's group, or "" when it has none.
func (p *Plugin) GroupOf(reader string) string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.groups[reader]
}

// Group lists the readers of group in name order.
func (p *Plugin) Group(group string) []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for reader, g := range p.groups {
		if g == group {
			out = append(out, reader)
		}
	}
	sort.Strings(out)
	return out
}

func (p *Plugin) GroupReferences() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	seen := make(map[string]struct{})
	out := []string{}
	for _, g := range p.groups {
		if _, ok := seen[g]; ok {
			continue
		}
		seen[g] = struct{}{}
		out = append(out, g)
	}
	sort.Strings(out)
	return out
}

func (p *Plugin) Reader(name string) (batch.LocalReader, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.readers[name]
	return r, ok
}

func (p *Plugin) ReaderNames() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.readers))
	for name := range p.readers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
