package jobs

import (
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

var ErrCancelled = errors.New("jobs: cancelled")

// ID identifies a long running operation (file transfer, analysis) that may be cancelled from
// another goroutine.
type ID string

func NewID() ID {
	return ID(uuid.NewString())
}

// Registry holds job identifiers marked for cancellation. A cancel request adds the identifier;
// the goroutine running the job polls Checkpoint at safe points and calls Done once it returns.
type Registry struct {
	mu        sync.Mutex
	cancelled map[ID]struct{}
	running   map[ID]string
}

func NewRegistry() *Registry {
	return &Registry{
		cancelled: map[ID]struct{}{},
		running:   map[ID]string{},
	}
}

// Begin records a running job with a short description.
func (r *Registry) Begin(id ID, description string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.running[id] = description
}

// Cancel marks the job for cancellation. It returns false if no such job is running.
func (r *Registry) Cancel(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.running[id]; !ok {
		return false
	}
	r.cancelled[id] = struct{}{}
	return true
}

// CancelAll marks every running job for cancellation and returns their identifiers.
func (r *Registry) CancelAll() []ID {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]ID, 0, len(r.running))
	for id := range r.running {
		r.cancelled[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) IsCancelled(id ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.cancelled[id]
	return ok
}

// Checkpoint returns an error wrapping ErrCancelled if the job was marked for cancellation.
func (r *Registry) Checkpoint(id ID) error {
	if r.IsCancelled(id) {
		return fmt.Errorf("jobs: %s: %w", id, ErrCancelled)
	}
	return nil
}

// Done removes the job, honoring any pending cancellation mark.
func (r *Registry) Done(id ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
	delete(r.cancelled, id)
}

// Running returns the running jobs and their descriptions.
func (r *Registry) Running() map[ID]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	running := make(map[ID]string, len(r.running))
	for id, description := range r.running {
		running[id] = description
	}
	return running
}
