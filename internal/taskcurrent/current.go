// Package taskcurrent gives a worker goroutine a way to stamp "this is the
// task I'm running" without plumbing an explicit parameter through host
// callables, and lets report_progress recover it from wherever it's called.
package taskcurrent

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// goroutineID parses the numeric id out of runtime.Stack's header line,
// "goroutine 123 [running]:\n...". There is no supported API for this; it
// is a well known escape hatch for goroutine-local state.
func goroutineID() uint64 {
	buf := make([]byte, 64)
	n := runtime.Stack(buf, false)
	buf = buf[:n]
	buf = bytes.TrimPrefix(buf, []byte("goroutine "))
	idx := bytes.IndexByte(buf, ' ')
	if idx < 0 {
		return 0
	}
	id, err := strconv.ParseUint(string(buf[:idx]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

// Registry maps goroutine id to the task id currently executing on it.
type Registry struct {
	mu sync.RWMutex
	m  map[uint64]string
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[uint64]string)}
}

// Set stamps the calling goroutine with taskID. Call Clear from the same
// goroutine when the task body returns.
func (r *Registry) Set(taskID string) {
	gid := goroutineID()
	r.mu.Lock()
	r.m[gid] = taskID
	r.mu.Unlock()
}

// Clear removes the stamp for the calling goroutine.
func (r *Registry) Clear() {
	gid := goroutineID()
	r.mu.Lock()
	delete(r.m, gid)
	r.mu.Unlock()
}

// Get returns the task id stamped on the calling goroutine, if any.
func (r *Registry) Get() (string, bool) {
	gid := goroutineID()
	r.mu.RLock()
	id, ok := r.m[gid]
	r.mu.RUnlock()
	return id, ok
}
