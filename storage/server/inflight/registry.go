// Package inflight tracks the ids for which an upload is in progress.
package inflight

import (
	"sync"
)

// Registry is the set of ids currently being written in one namespace.
//
// An id is in the set from a successful TryClaim until the matching Release.
// The zero value is not usable, use New.
type Registry struct {
	mu   sync.RWMutex        // Protects keys.
	keys map[string]struct{} // Ids with a claimed, not yet released, write.
}

func New() *Registry {
	return &Registry{keys: map[string]struct{}{}}
}

// TryClaim adds id to the set if it is not there already.
//
// Returns true if the caller now owns the write for id, and must call
// Release once done, whatever the outcome. Returns false if another
// writer holds the claim.
func (r *Registry) TryClaim(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.keys[id]; found {
		return false
	}
	r.keys[id] = struct{}{}
	return true
}

// Release removes id from the set. Releasing an id not in the set is a noop.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.keys, id)
}

// InFlight returns true if a write for id has been claimed and not released.
func (r *Registry) InFlight(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, found := r.keys[id]
	return found
}

// Len returns the number of writes in progress.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.keys)
}
