package strategy

import (
	"fmt"
	"sort"
	"sync"
)

// Registry manages a named collection of strategies that can be looked up
// at runtime. It is safe for concurrent use.
type Registry struct {
	strategies map[string]Strategy
	mu         sync.RWMutex
}

// NewRegistry returns a Registry pre-populated with the built-in
// strategies under their canonical names.
func NewRegistry(params Params) *Registry {
	r := &Registry{strategies: make(map[string]Strategy)}
	r.Register(NewMarkPrice(params))
	r.Register(NewDiscount(params))
	return r
}

// Register adds a strategy under its own name, replacing any previous
// entry with that name.
func (r *Registry) Register(s Strategy) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[s.Name()] = s
}

// Get retrieves a strategy by name. It returns an error when the name is
// not registered.
func (r *Registry) Get(name string) (Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.strategies[name]
	if !ok {
		return nil, fmt.Errorf("strategy %q: not registered", name)
	}
	return s, nil
}

// List returns the names of all registered strategies in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for n := range r.strategies {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
