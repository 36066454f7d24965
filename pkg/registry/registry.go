// Package registry provides the named component registry backing a MAS.
// Registration happens during startup (including init-time expansion such
// as MCP tool discovery and team clones); after Freeze the registry is
// read-only and lookups take no lock contention from writers.
package registry

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is a name-keyed collection. Duplicate names are rejected, never
// silently replaced.
type Registry[T any] struct {
	mu     sync.RWMutex
	items  map[string]T
	frozen bool
}

func New[T any]() *Registry[T] {
	return &Registry[T]{items: make(map[string]T)}
}

// Register adds item under name. It fails on empty names, duplicates, and
// after Freeze.
func (r *Registry[T]) Register(name string, item T) error {
	if name == "" {
		return fmt.Errorf("name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot register '%s'", name)
	}
	if _, exists := r.items[name]; exists {
		return fmt.Errorf("item with name '%s' already registered", name)
	}

	r.items[name] = item
	return nil
}

// Replace swaps an already-registered item under the same name. Startup
// expansion uses it when a leader clone supersedes the original agent; the
// name must exist and the registry must still be open.
func (r *Registry[T]) Replace(name string, item T) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("registry is frozen, cannot replace '%s'", name)
	}
	if _, exists := r.items[name]; !exists {
		return fmt.Errorf("item with name '%s' not registered", name)
	}

	r.items[name] = item
	return nil
}

func (r *Registry[T]) Get(name string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	item, exists := r.items[name]
	return item, exists
}

func (r *Registry[T]) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, exists := r.items[name]
	return exists
}

// List returns all items in name order so callers get deterministic
// iteration (tool catalogues, organisation trees).
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)

	items := make([]T, 0, len(names))
	for _, name := range names {
		items = append(items, r.items[name])
	}
	return items
}

// Names returns all registered names, sorted.
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.items))
	for name := range r.items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry[T]) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.items)
}

// Freeze closes the registry to further registration. New components must
// be added before the first user dispatch; Freeze enforces that.
func (r *Registry[T]) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.frozen = true
}
