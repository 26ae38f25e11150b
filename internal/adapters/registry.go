package adapters

import (
	"fmt"
	"sort"
	"sync"

	"github.com/iksnae/session-vault/internal"
)

// Registry holds the configured adapters by name
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
	order    []string
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds a. Names must be unique.
func (r *Registry) Register(a Adapter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := a.Name()
	if name == "" {
		return fmt.Errorf("adapter has no name")
	}
	if _, exists := r.adapters[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	r.adapters[name] = a
	r.order = append(r.order, name)
	return nil
}

// Get returns the adapter registered under name
func (r *Registry) Get(name string) (Adapter, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	return a, ok
}

// SyncAdapter returns name if it supports writes
func (r *Registry) SyncAdapter(name string) (SyncAdapter, error) {
	a, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("unknown source %q (known: %v): %w", name, r.Names(), internal.ErrNotFound)
	}
	sa, ok := a.(SyncAdapter)
	if !ok {
		return nil, fmt.Errorf("source %q: %w", name, internal.ErrReadOnly)
	}
	return sa, nil
}

// All returns adapters in registration order
func (r *Registry) All() []Adapter {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Adapter, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.adapters[name])
	}
	return out
}

// Names returns the registered names sorted
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := append([]string(nil), r.order...)
	sort.Strings(names)
	return names
}
