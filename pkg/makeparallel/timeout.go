package makeparallel

import (
	"sync"
	"time"
)

// timeoutRegistry tracks the companion timer for every task submitted
// with a timeout, so a task that finishes early can stop its timer
// instead of leaking it until it eventually fires.
type timeoutRegistry struct {
	mu     sync.Mutex
	timers map[string]*time.Timer
}

func newTimeoutRegistry() *timeoutRegistry {
	return &timeoutRegistry{timers: make(map[string]*time.Timer)}
}

// start arms a companion timer for h. If h is not yet terminal when the
// timer fires, it marks the timeout flag and flips the cancel token; the
// worker observes this the same way it would observe an explicit Cancel,
// but finalize reports TimedOut instead of Cancelled.
func (tr *timeoutRegistry) start(h *AsyncHandle, d time.Duration) {
	timer := time.AfterFunc(d, func() {
		if !h.IsReady() {
			h.timedOutFlag.Store(true)
			h.Cancel()
		}
		tr.forget(h.taskID)
	})
	tr.mu.Lock()
	tr.timers[h.taskID] = timer
	tr.mu.Unlock()
}

// cancel stops a task's companion timer early, called from finalize so a
// task that completes (or is cancelled) before its timeout elapses does
// not leave the timer goroutine sleeping to no purpose.
func (tr *timeoutRegistry) cancel(taskID string) {
	tr.mu.Lock()
	t, ok := tr.timers[taskID]
	delete(tr.timers, taskID)
	tr.mu.Unlock()
	if ok {
		t.Stop()
	}
}

func (tr *timeoutRegistry) forget(taskID string) {
	tr.mu.Lock()
	delete(tr.timers, taskID)
	tr.mu.Unlock()
}
