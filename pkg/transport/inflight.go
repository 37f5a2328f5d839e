package transport

import (
	"context"
	"sync"
)

type inflightEntry struct {
	owner  string
	cancel context.CancelCauseFunc
}

// InFlightRegistry tracks in-flight streams for explicit cancellation. It
// maps stream IDs to their owner and cancel function, allowing a DELETE
// request to cancel a stream that is still in progress and shutdown to
// cancel the leftovers.
//
// All methods are safe for concurrent access.
type InFlightRegistry struct {
	mu      sync.Mutex
	entries map[string]inflightEntry
}

// NewInFlightRegistry creates a new empty registry.
func NewInFlightRegistry() *InFlightRegistry {
	return &InFlightRegistry{
		entries: make(map[string]inflightEntry),
	}
}

// Register adds an in-flight stream owned by the given subject.
func (r *InFlightRegistry) Register(id, owner string, cancel context.CancelCauseFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = inflightEntry{owner: owner, cancel: cancel}
}

// Cancel cancels an in-flight stream owned by owner with ErrStreamCancelled
// as the cause. Returns false if the ID is not registered (already completed
// or never existed) or belongs to another subject; the two cases are not
// distinguished so stream IDs of other subjects cannot be probed.
func (r *InFlightRegistry) Cancel(id, owner string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.owner != owner {
		return false
	}
	e.cancel(ErrStreamCancelled)
	delete(r.entries, id)
	return true
}

// Remove removes a stream from the registry without cancelling it.
// Called when a stream completes normally.
func (r *InFlightRegistry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// CancelAll cancels every registered stream with the given cause and
// returns how many there were.
func (r *InFlightRegistry) CancelAll(cause error) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.entries)
	for id, e := range r.entries {
		e.cancel(cause)
		delete(r.entries, id)
	}
	return n
}

// Len returns the number of registered streams.
func (r *InFlightRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
