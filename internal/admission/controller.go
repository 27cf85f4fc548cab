// Package admission gates task launch on shutdown state, a memory
// ceiling, and a concurrent-task cap, the way a task-execution runtime's
// front door must before it ever spawns a worker.
package admission

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pbnjay/memory"
	"golang.org/x/sync/semaphore"
)

var (
	ErrShutdown           = errors.New("admission: shutdown in progress")
	ErrMemoryLimitExceeded = errors.New("admission: memory limit exceeded")
)

const (
	backoffStart   = 10 * time.Millisecond
	backoffCeiling = time.Second
	waitCeiling    = 5 * time.Minute
)

// Controller enforces the three-stage admission check described by the
// runtime: shutdown, memory, concurrency.
type Controller struct {
	shutdown *atomic.Bool

	mu  sync.RWMutex
	sem *semaphore.Weighted // nil means no concurrency cap

	memPercent atomic.Value // float64; zero value (unset) means no memory gate
}

// New builds a Controller sharing the runtime's shutdown flag.
func New(shutdown *atomic.Bool) *Controller {
	c := &Controller{shutdown: shutdown}
	c.memPercent.Store(float64(0))
	return c
}

// SetMaxConcurrent configures the concurrency cap; n <= 0 clears it.
// Reconfiguring swaps in a fresh semaphore; tasks already admitted
// release the semaphore instance they acquired from, which is harmless
// since each semaphore only tracks its own permits.
func (c *Controller) SetMaxConcurrent(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n <= 0 {
		c.sem = nil
		return
	}
	c.sem = semaphore.NewWeighted(int64(n))
}

// SetMemoryLimitPercent configures the memory gate; p <= 0 clears it.
func (c *Controller) SetMemoryLimitPercent(p float64) {
	c.memPercent.Store(p)
}

// Admit blocks, with the runtime's exponential backoff, until the task
// may launch. On success it returns a release func the caller must
// invoke exactly once when the task finalizes.
func (c *Controller) Admit() (release func(), err error) {
	if c.shutdown.Load() {
		return nil, ErrShutdown
	}

	if limit := c.memPercent.Load().(float64); limit > 0 {
		total := memory.TotalMemory()
		if total > 0 {
			var ms runtime.MemStats
			runtime.ReadMemStats(&ms)
			usedPct := float64(ms.Sys) / float64(total) * 100
			if usedPct > limit {
				return nil, ErrMemoryLimitExceeded
			}
		}
	}

	c.mu.RLock()
	sem := c.sem
	c.mu.RUnlock()
	if sem == nil {
		return func() {}, nil
	}

	backoff := backoffStart
	deadline := time.Now().Add(waitCeiling)
	for {
		if sem.TryAcquire(1) {
			return func() { sem.Release(1) }, nil
		}
		if c.shutdown.Load() {
			return nil, ErrShutdown
		}
		if time.Now().After(deadline) {
			// Return immediately on ceiling with ErrShutdown; the runtime
			// rejects the submission as a shutdown and does not retry.
			return nil, ErrShutdown
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > backoffCeiling {
			backoff = backoffCeiling
		}
	}
}
