package launcher

import (
	"imagerelay/internal/apperrors"
	"sync"
	"time"
)

// entry is the state of one watched correlation id.
type entry struct {
	ref        string // launcher specific handle, e.g. a container id
	finishedAt time.Time
}

func (e *entry) active() bool {
	return e.finishedAt.IsZero()
}

// Registry tracks watched correlation ids so a redelivered start-watching
// signal never starts a second watcher. Finished ids are remembered for the
// retention period.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*entry
	retain  time.Duration
}

// NewRegistry creates a registry that forgets finished ids after retain.
func NewRegistry(retain time.Duration) *Registry {
	if retain <= 0 {
		retain = 15 * time.Minute
	}
	return &Registry{
		entries: make(map[string]*entry),
		retain:  retain,
	}
}

// Reserve claims id. It fails with a Conflict error if id is being watched
// or finished within the retention period.
func (r *Registry) Reserve(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[id]; exists {
		if e.active() {
			return apperrors.Conflict("watcher", id, "already watching")
		}
		if time.Since(e.finishedAt) <= r.retain {
			return apperrors.Conflict("watcher", id, "already watched")
		}
	}
	r.entries[id] = &entry{}
	return nil
}

// Commit records the launcher handle for a reserved id.
func (r *Registry) Commit(id, ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, exists := r.entries[id]; exists {
		e.ref = ref
	}
}

// Finish marks id as done watching.
func (r *Registry) Finish(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, exists := r.entries[id]; exists && e.active() {
		e.finishedAt = time.Now()
	}
}

// Release forgets id entirely, so it can be launched again.
func (r *Registry) Release(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Ref returns the handle committed for id.
func (r *Registry) Ref(id string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, exists := r.entries[id]
	if !exists {
		return "", false
	}
	return e.ref, true
}

// Active returns the ids currently being watched, with their handles.
func (r *Registry) Active() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]string)
	for id, e := range r.entries {
		if e.active() {
			result[id] = e.ref
		}
	}
	return result
}

// Prune forgets finished ids older than the retention period and returns
// how many were removed.
func (r *Registry) Prune() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for id, e := range r.entries {
		if !e.active() && time.Since(e.finishedAt) > r.retain {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}
