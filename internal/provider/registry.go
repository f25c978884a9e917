package provider

import (
	"fmt"
	"net/http"
	"sync"
)

// Factory builds an adapter from its descriptor. The shared *http.Client
// lets every adapter reuse one connection pool.
type Factory func(desc Descriptor, client *http.Client) (Provider, error)

// Registry maps adapter types to factories. Adding a backend is one
// Register call.
type Registry struct {
	mu        sync.RWMutex
	factories map[Type]Factory
}

// NewRegistry returns a Registry with every built-in adapter registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[Type]Factory)}
	r.Register(TypeAIEngine, func(d Descriptor, c *http.Client) (Provider, error) {
		return NewEngineProvider(d, c), nil
	})
	r.Register(TypeOpenAI, func(d Descriptor, c *http.Client) (Provider, error) {
		return NewOpenAIProvider(d, c), nil
	})
	r.Register(TypeGroq, func(d Descriptor, c *http.Client) (Provider, error) {
		return NewGroqProvider(d, c), nil
	})
	r.Register(TypeAnthropic, func(d Descriptor, c *http.Client) (Provider, error) {
		return NewAnthropicProvider(d, c), nil
	})
	r.Register(TypeMock, func(d Descriptor, _ *http.Client) (Provider, error) {
		return NewMockProvider(d), nil
	})
	return r
}

// Register adds or replaces the factory for t.
func (r *Registry) Register(t Type, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[t] = f
}

// Build constructs the adapter for desc.
func (r *Registry) Build(desc Descriptor, client *http.Client) (Provider, error) {
	r.mu.RLock()
	f, ok := r.factories[desc.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w: %q", desc.Name, ErrUnknownType, desc.Type)
	}
	p, err := f(desc, client)
	if err != nil {
		return nil, fmt.Errorf("building provider %q: %w", desc.Name, err)
	}
	return p, nil
}

// Types returns the registered adapter types.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	return out
}
