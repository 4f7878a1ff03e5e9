package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Factory builds a provider bound to one model. Factories are registered at
// startup; lookups run concurrently with live traffic.
type Factory func(ctx context.Context, model string) (Provider, error)

// Registry routes provider names to factories. Names are matched
// case-insensitively.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

func (r *Registry) Register(name string, build Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[canonical(name)] = build
}

func (r *Registry) Get(ctx context.Context, name, model string) (Provider, error) {
	r.mu.RLock()
	build, ok := r.factories[canonical(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("no provider registered under %q", name)
	}
	return build(ctx, model)
}

func canonical(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
