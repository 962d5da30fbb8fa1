package resource

import (
	"sync"
)

// Registry tracks the live connections of a runtime by ID, with observer
// support for lifecycle events. It holds plain references, not holder
// counts: registering does not keep a connection alive.
type Registry struct {
	entries   map[string]any
	mu        sync.RWMutex
	observers []Observer
	obsMu     sync.RWMutex
	closed    bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]any),
	}
}

// Register adds a value under id. Returns false if the id is taken or the
// registry has been closed.
func (r *Registry) Register(id string, value any) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return false
	}
	r.entries[id] = value
	r.mu.Unlock()

	r.notify(Event{
		Type:  EventRegistered,
		ID:    id,
		Value: value,
	})
	return true
}

// Get retrieves a value by id.
func (r *Registry) Get(id string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.entries[id]
	return v, ok
}

// Remove drops an entry and returns (value, true) if found.
func (r *Registry) Remove(id string) (any, bool) {
	r.mu.Lock()
	v, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return nil, false
	}

	r.notify(Event{
		Type:  EventUnregistered,
		ID:    id,
		Value: v,
	})
	return v, true
}

// Each iterates over a snapshot of the current entries. The callback may
// register or remove entries without deadlocking.
func (r *Registry) Each(fn func(id string, value any) bool) {
	r.mu.RLock()
	snapshot := make(map[string]any, len(r.entries))
	for id, v := range r.entries {
		snapshot[id] = v
	}
	r.mu.RUnlock()

	for id, v := range snapshot {
		if !fn(id, v) {
			return
		}
	}
}

// Subscribe adds an observer for lifecycle events.
func (r *Registry) Subscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, o)
}

// Unsubscribe removes an observer.
func (r *Registry) Unsubscribe(o Observer) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	for i, obs := range r.observers {
		if obs == o {
			r.observers = append(r.observers[:i], r.observers[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Close empties the registry and stops accepting registrations.
func (r *Registry) Close() error {
	r.mu.Lock()
	r.closed = true
	r.entries = make(map[string]any)
	r.mu.Unlock()
	return nil
}

func (r *Registry) notify(e Event) {
	r.obsMu.RLock()
	defer r.obsMu.RUnlock()
	for _, o := range r.observers {
		o.OnRegistryEvent(e)
	}
}
