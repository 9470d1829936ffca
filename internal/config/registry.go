package config

import (
	"errors"
	"fmt"
	"sync"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
)

// ErrProviderNotRegistered is returned by [Registry.CreateDialer] when no
// factory has been registered under the requested provider name.
var ErrProviderNotRegistered = errors.New("config: provider not registered")

// Registry maps provider names to realtime dialer constructors. It is safe
// for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	dialers map[string]func(ProviderConfig) (realtime.Dialer, error)
}

// NewRegistry returns an empty, ready-to-use [Registry].
func NewRegistry() *Registry {
	return &Registry{
		dialers: make(map[string]func(ProviderConfig) (realtime.Dialer, error)),
	}
}

// RegisterDialer registers a dialer factory under name. Subsequent calls
// with the same name overwrite the previous registration.
func (r *Registry) RegisterDialer(name string, factory func(ProviderConfig) (realtime.Dialer, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dialers[name] = factory
}

// CreateDialer instantiates a dialer using the factory registered under
// entry.Name. Returns [ErrProviderNotRegistered] if no factory has been
// registered for that name.
func (r *Registry) CreateDialer(entry ProviderConfig) (realtime.Dialer, error) {
	r.mu.RLock()
	factory, ok := r.dialers[entry.Name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrProviderNotRegistered, entry.Name)
	}
	return factory(entry)
}
