package jobstore

import "sync"

// Locks grants at most one execution context the "active" claim on a job.
// The claim is held for the lifetime of one pipeline run and released on
// completion, failure, or cancellation; a second claim attempt fails
// instead of blocking.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocks creates an empty lock registry.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// TryAcquire claims jobID. On success the returned release function gives
// the claim back; releasing twice is harmless.
func (l *Locks) TryAcquire(jobID string) (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[jobID]; taken {
		return nil, false
	}
	l.held[jobID] = struct{}{}

	var once sync.Once
	release := func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.held, jobID)
			l.mu.Unlock()
		})
	}
	return release, true
}

// Held reports whether jobID is currently claimed.
func (l *Locks) Held(jobID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, taken := l.held[jobID]
	return taken
}
