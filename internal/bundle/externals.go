// Package bundle packages external dependencies into self-contained
// artifact directories.
package bundle

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrRegistryFrozen is returned when registering after the bundling phase began
var ErrRegistryFrozen = errors.New("externals registry is frozen")

// Registry maps package names to their replacement paths in the output
// tree. Every bundle entry is registered before the bundling phase starts;
// Freeze then makes the set immutable so concurrent jobs read identical
// snapshots.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]string
	frozen  bool
}

// NewRegistry seeds the registry with base externals that resolve to themselves
func NewRegistry(base []string) *Registry {
	r := &Registry{entries: make(map[string]string, len(base))}
	for _, name := range base {
		r.entries[name] = name
	}
	return r
}

// Register adds or replaces a package's replacement path
func (r *Registry) Register(pkg, replacement string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("register %s: %w", pkg, ErrRegistryFrozen)
	}
	r.entries[pkg] = replacement
	return nil
}

// Freeze forbids further registration
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Frozen reports whether Freeze was called
func (r *Registry) Frozen() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frozen
}

// Snapshot returns a copy of the externals excluding self
func (r *Registry) Snapshot(self string) map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]string, len(r.entries))
	for name, replacement := range r.entries {
		if name != self {
			out[name] = replacement
		}
	}
	return out
}

// Replacement returns the replacement path of pkg
func (r *Registry) Replacement(pkg string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[pkg]
	return v, ok
}

// Names returns the sorted registered names
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered externals
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
