package provider

import (
	"fmt"
	"sort"
)

// Registry holds the process-wide set of available backends, keyed by
// name. It is populated once at startup from available credentials and
// read-only thereafter, so lookups need no locking.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider. Call only during startup, before the registry
// is shared.
func (r *Registry) Register(p Provider) {
	r.providers[p.Name()] = p
}

// Get returns the provider registered under name, or an error naming the
// available backends.
func (r *Registry) Get(name string) (Provider, error) {
	p, ok := r.providers[name]
	if !ok {
		available := r.Names()
		if len(available) == 0 {
			return nil, fmt.Errorf("unknown provider %q (none registered)", name)
		}
		return nil, fmt.Errorf("unknown provider %q (available: %v)", name, available)
	}
	return p, nil
}

// Names returns the registered provider names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// All returns the registered providers in name order.
func (r *Registry) All() []Provider {
	all := make([]Provider, 0, len(r.providers))
	for _, name := range r.Names() {
		all = append(all, r.providers[name])
	}
	return all
}
