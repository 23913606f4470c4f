package worker

import (
	"context"
	"sync"
)

// Tracker maps running job IDs to the cancel functions of their execution
// contexts. The registry calls Cancel when a running job is cancelled.
type Tracker struct {
	mu      sync.Mutex
	running map[string]context.CancelFunc
}

// NewTracker returns an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{running: make(map[string]context.CancelFunc)}
}

// Track registers cancel for jobID. The returned func unregisters it.
func (t *Tracker) Track(jobID string, cancel context.CancelFunc) func() {
	t.mu.Lock()
	t.running[jobID] = cancel
	t.mu.Unlock()
	return func() {
		t.mu.Lock()
		delete(t.running, jobID)
		t.mu.Unlock()
	}
}

// Cancel stops the execution of jobID and reports whether it was running.
func (t *Tracker) Cancel(jobID string) bool {
	t.mu.Lock()
	cancel, ok := t.running[jobID]
	t.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Active returns the number of executions in flight.
func (t *Tracker) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.running)
}
