package circuitbreaker

import (
	"context"
	"sync"
)

// Registry manages circuit breakers per dependency name. It replaces a
// process-wide singleton: construct one registry at startup and pass it to
// the callers that need it.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   Config
}

// NewRegistry creates a registry whose breakers are created on demand with
// the given default configuration.
func NewRegistry(config Config) *Registry {
	return &Registry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config.withDefaults(),
	}
}

// Get returns the circuit breaker for a dependency, creating one with the
// registry's default configuration if it doesn't exist.
func (r *Registry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := r.breakers[name]; exists {
		return cb
	}

	cb = New(name, r.config)
	r.breakers[name] = cb

	log.Debugf("Created circuit breaker for dependency %s", name)
	return cb
}

// GetWithConfig returns the breaker for a dependency, creating it with a
// dedicated configuration if it doesn't exist. An existing breaker keeps
// its original configuration.
func (r *Registry) GetWithConfig(name string, config Config) *CircuitBreaker {
	r.mu.RLock()
	cb, exists := r.breakers[name]
	r.mu.RUnlock()

	if exists {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, exists := r.breakers[name]; exists {
		return cb
	}

	cb = New(name, config)
	r.breakers[name] = cb
	return cb
}

// Lookup returns the breaker for a dependency without creating one.
func (r *Registry) Lookup(name string) (*CircuitBreaker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cb, ok := r.breakers[name]
	return cb, ok
}

// Call executes op through the named dependency's circuit breaker.
func (r *Registry) Call(ctx context.Context, name string, op func(context.Context) error) error {
	return r.Get(name).Call(ctx, op)
}

// States returns the current state of every registered breaker.
func (r *Registry) States() map[string]State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]State, len(r.breakers))
	for name, cb := range r.breakers {
		states[name] = cb.State()
	}
	return states
}

// Statuses returns a snapshot of every registered breaker.
func (r *Registry) Statuses() map[string]Status {
	r.mu.RLock()
	defer r.mu.RUnlock()

	statuses := make(map[string]Status, len(r.breakers))
	for name, cb := range r.breakers {
		statuses[name] = cb.Status()
	}
	return statuses
}
