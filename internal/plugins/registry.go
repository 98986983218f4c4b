package plugins

import (
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/readerlink/internal/batch"
)

// Registry maps plugin names to plugins. It is owned by whoever builds it;
// there is no process-wide instance.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]*Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: make(map[string]*Plugin)}
}

func (r *Registry) Register(p *Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrPluginExists, p.Name())
	}
	r.plugins[p.Name()] = p
	return nil
}

func (r *Registry) Plugin(name string) (*Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPluginNotFound, name)
	}
	return p, nil
}

// Resolve finds the native reader a virtual reader targets.
func (r *Registry) Resolve(plugin, reader string) (batch.LocalReader, error) {
	p, err := r.Plugin(plugin)
	if err != nil {
		return nil, err
	}
	lr, ok := p.Reader(reader)
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrReaderNotFound, plugin, reader)
	}
	return lr, nil
}

func (r *Registry) Connect(plugin string, reader batch.LocalReader) error {
	p, err := r.Plugin(plugin)
	if err != nil {
		return err
	}
	return p.Connect(reader)
}

func (r *Registry) Disconnect(plugin, reader string) error {
	p, err := r.Plugin(plugin)
	if err != nil {
		return err
	}
	return p.Disconnect(reader)
}

// Group lists the readers of group within plugin.
func (r *Registry) Group(plugin, group string) ([]string, error) {
	p, err := r.Plugin(plugin)
	if err != nil {
		return nil, err
	}
	readers := p.Group(group)
	if len(readers) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrGroupNotFound, plugin, group)
	}
	return readers, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for name := range r.plugins {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
