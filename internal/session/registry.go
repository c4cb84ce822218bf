package session

import (
	"sort"
	"sync"
	"sync/atomic"
)

// StableID identifies a call for the life of the process. Unlike engine
// call ids it is never reused.
type StableID uint64

var lastStableID atomic.Uint64

func nextStableID() StableID {
	return StableID(lastStableID.Add(1))
}

// Registry maps stable ids to live calls. Engine notifications carry the
// stable id as call user data and are resolved here, so a notification for
// a reused engine id can never reach the wrong call.
type Registry struct {
	mu    sync.RWMutex
	calls map[StableID]*Call
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{calls: make(map[StableID]*Call)}
}

// Add records c under its stable id.
func (r *Registry) Add(c *Call) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.calls[c.id]; dup {
		panic("session: duplicate stable call id")
	}
	r.calls[c.id] = c
}

// Lookup returns the live call with id.
func (r *Registry) Lookup(id StableID) (*Call, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.calls[id]
	return c, ok
}

// Remove forgets id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id StableID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, id)
}

// Len returns the number of live calls.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.calls)
}

// Calls returns every live call ordered by stable id.
func (r *Registry) Calls() []*Call {
	r.mu.RLock()
	out := make([]*Call, 0, len(r.calls))
	for _, c := range r.calls {
		out = append(out, c)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
