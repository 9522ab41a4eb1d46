// Package registry maps market names to lazily built exchange adapters.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"marketlink/internal/exchange"
	"marketlink/logger"
)

// ErrNotFound is returned for names nobody registered.
var ErrNotFound = errors.New("market not registered")

// Factory builds the adapter of one market. It runs at most once per
// successful resolve.
type Factory func() (exchange.Adapter, error)

type entry struct {
	name    string
	factory Factory
	adapter exchange.Adapter
}

// Registry holds one adapter per market name for the process lifetime.
// Names are matched case-insensitively.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	log     *logger.Log
}

func New() *Registry {
	return &Registry{
		entries: make(map[string]*entry),
		log:     logger.GetLogger(),
	}
}

// Register binds name to factory. Registering a name that already has a
// built adapter keeps the adapter.
func (r *Registry) Register(name string, factory Factory) {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[key]; ok {
		e.factory = factory
		return
	}
	r.entries[key] = &entry{name: name, factory: factory}
}

// Resolve returns the adapter for name, building it on first use. The
// factory runs under the registry lock, so concurrent first resolves build
// one instance. A failed build is not cached.
func (r *Registry) Resolve(name string) (exchange.Adapter, error) {
	key := strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[key]
	if !ok || e.factory == nil {
		return nil, fmt.Errorf("resolve %q: %w", name, ErrNotFound)
	}
	if e.adapter != nil {
		return e.adapter, nil
	}
	adapter, err := e.factory()
	if err != nil {
		return nil, fmt.Errorf("build %s adapter: %w", e.name, err)
	}
	e.adapter = adapter
	r.log.WithComponent("registry").WithMarket(e.name).Info("adapter created")
	return adapter, nil
}

// Names lists registered market names, sorted.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.entries))
	for _, e := range r.entries {
		names = append(names, e.name)
	}
	sort.Strings(names)
	return names
}

// Adapters returns the adapters built so far, ordered by name.
func (r *Registry) Adapters() []exchange.Adapter {
	r.mu.Lock()
	defer r.mu.Unlock()
	built := make([]*entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.adapter != nil {
			built = append(built, e)
		}
	}
	sort.Slice(built, func(i, j int) bool { return built[i].name < built[j].name })
	out := make([]exchange.Adapter, len(built))
	for i, e := range built {
		out[i] = e.adapter
	}
	return out
}

// Close closes every built adapter.
func (r *Registry) Close() {
	for _, a := range r.Adapters() {
		a.Close()
	}
}
