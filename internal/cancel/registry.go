// Package cancel tracks cancellation requests for running conversions.
package cancel

import "sync"

// Registry is a process-wide table of cancel-requested markers keyed by
// the internal conversion ID. A marker only exists while a conversion's
// background task is alive; absence means "not cancelled". Cancellation
// is cooperative: the worker polls IsRequested at its checkpoints.
type Registry struct {
	mu        sync.Mutex
	requested map[uint]bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{requested: make(map[uint]bool)}
}

// Request marks a conversion for cancellation.
func (r *Registry) Request(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requested[id] = true
}

// IsRequested reports whether cancellation has been requested.
func (r *Registry) IsRequested(id uint) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requested[id]
}

// Clear removes the marker so a resubmission starts from a clean slate.
func (r *Registry) Clear(id uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.requested, id)
}
