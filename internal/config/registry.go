package config

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/MrWong99/voxbridge/pkg/provider/ask"
)

// ErrProviderNotRegistered is returned by [Registry.CreateAsk] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// AskFactory builds an ask backend from its configuration block.
type AskFactory func(ProviderEntry) (ask.Provider, error)

// Registry maps ask-provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ask map[string]AskFactory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{ask: make(map[string]AskFactory)}
}

// RegisterAsk registers an ask provider factory under name.
// Subsequent calls with the same name overwrite the previous registration.
func (r *Registry) RegisterAsk(name string, factory AskFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ask[name] = factory
}

// AskNames returns the registered names in sorted order.
func (r *Registry) AskNames() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ask))
	for name := range r.ask {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// CreateAsk instantiates an ask provider using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if there is none.
func (r *Registry) CreateAsk(entry ProviderEntry) (ask.Provider, error) {
	r.mu.RLock()
	factory, ok := r.ask[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: ask/%q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
