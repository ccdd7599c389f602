package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/lectary/live/pkg/liveapi"
)

// ErrProviderNotRegistered is returned by [Registry.Create] when no factory
// has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Factory builds a realtime provider from its configuration entry.
type Factory func(ProviderEntry) (liveapi.Provider, error)

// Registry maps provider names to their constructor functions.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[ProviderName]Factory
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{factories: make(map[ProviderName]Factory)}
}

// Register registers a provider factory under name. Subsequent calls with
// the same name overwrite the previous registration.
func (r *Registry) Register(name ProviderName, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = factory
}

// Create instantiates the provider selected by cfg using its registered
// factory. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) Create(cfg *Config) (liveapi.Provider, error) {
	r.mu.RLock()
	factory, ok := r.factories[cfg.Provider]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, cfg.Provider)
	}
	return factory(cfg.Entry())
}
