package provider

import (
	"fmt"
	"sort"
	"sync"
)

// Registry maps provider ids to factories and lazily instantiates the
// active one. Switching the active id tears down the previous instance
// before the new one is first used, so no provider state leaks across
// switches.
type Registry[T interface{ Close() error }] struct {
	mu        sync.Mutex
	factories map[string]func() (T, error)
	descs     map[string]Descriptor
	activeID  string
	instance  T
	hasInst   bool
}

// NewRegistry builds an empty registry with the given initially-active id.
func NewRegistry[T interface{ Close() error }](activeID string) *Registry[T] {
	return &Registry[T]{
		factories: map[string]func() (T, error){},
		descs:     map[string]Descriptor{},
		activeID:  activeID,
	}
}

// Register adds a backend. Registration happens once at wiring time;
// re-registering an id replaces its factory.
func (r *Registry[T]) Register(desc Descriptor, factory func() (T, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[desc.ID] = factory
	r.descs[desc.ID] = desc
}

// Active resolves the current provider, instantiating it on first use.
func (r *Registry[T]) Active() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var zero T
	if r.hasInst {
		return r.instance, nil
	}
	factory, ok := r.factories[r.activeID]
	if !ok {
		return zero, fmt.Errorf("unknown provider %q", r.activeID)
	}
	inst, err := factory()
	if err != nil {
		return zero, fmt.Errorf("instantiate provider %q: %w", r.activeID, err)
	}
	r.instance = inst
	r.hasInst = true
	return inst, nil
}

// ActiveID returns the currently selected provider id.
func (r *Registry[T]) ActiveID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.activeID
}

// SetActive switches the selected backend, tearing down any existing
// instance so the next Active call starts clean.
func (r *Registry[T]) SetActive(id string) error {
	r.mu.Lock()
	if _, ok := r.factories[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("unknown provider %q", id)
	}
	old, had := r.instance, r.hasInst
	r.activeID = id
	var zero T
	r.instance = zero
	r.hasInst = false
	r.mu.Unlock()

	if had {
		return old.Close()
	}
	return nil
}

// Reset drops the current instance without changing the selection; the
// next Active call re-instantiates with freshly resolved credentials.
func (r *Registry[T]) Reset() error {
	r.mu.Lock()
	old, had := r.instance, r.hasInst
	var zero T
	r.instance = zero
	r.hasInst = false
	r.mu.Unlock()

	if had {
		return old.Close()
	}
	return nil
}

// Descriptor returns metadata for one registered backend.
func (r *Registry[T]) Descriptor(id string) (Descriptor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	desc, ok := r.descs[id]
	return desc, ok
}

// Descriptors lists all registered backends, sorted by id for stable
// settings UI rendering.
func (r *Registry[T]) Descriptors() []Descriptor {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Descriptor, 0, len(r.descs))
	for _, desc := range r.descs {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Shutdown tears down any live instance at process exit.
func (r *Registry[T]) Shutdown() error {
	return r.Reset()
}
