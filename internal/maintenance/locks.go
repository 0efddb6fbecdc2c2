package maintenance

import "sync"

// JobLocks serializes named background jobs within the process. Acquiring a
// held name fails instead of blocking, so a scheduler tick that overlaps a
// slow run is dropped rather than queued.
//
// Safe for concurrent use.
type JobLocks struct {
	mu   sync.Mutex
	held map[string]bool
}

// NewJobLocks creates an empty registry.
func NewJobLocks() *JobLocks {
	return &JobLocks{held: make(map[string]bool)}
}

// TryAcquire takes the named lock, reporting false when already held.
func (l *JobLocks) TryAcquire(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[name] {
		return false
	}
	l.held[name] = true
	return true
}

// Release frees the named lock. Releasing an unheld name is a no-op.
func (l *JobLocks) Release(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, name)
}

// Held reports whether the named lock is currently taken.
func (l *JobLocks) Held(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[name]
}
