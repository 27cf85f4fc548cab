package makeparallel

import (
	"sync"
	"time"
)

const (
	depPollInterval = 100 * time.Millisecond
	depWaitCeiling  = 10 * time.Minute
)

// dependencyCounts is the reference-counted cleanup table: one entry per
// upstream task id that still has pending dependents. resolve decrements
// and, at zero, clears the upstream's cached result so memory does not
// grow unbounded for declared dependency chains.
type dependencyCounts struct {
	mu     sync.Mutex
	counts map[string]int
}

func newDependencyCounts() *dependencyCounts {
	return &dependencyCounts{counts: make(map[string]int)}
}

func (d *dependencyCounts) addDependents(ids []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, id := range ids {
		d.counts[id]++
	}
}

// release decrements the reference count for id and reports whether it
// reached zero, meaning the caller may clear the cached result.
func (d *dependencyCounts) release(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	n, ok := d.counts[id]
	if !ok {
		return false
	}
	n--
	if n <= 0 {
		delete(d.counts, id)
		return true
	}
	d.counts[id] = n
	return false
}

// resolveDependencies polls r's result/error maps for every id in deps,
// in submission order (not completion order), per the spec's tie-break
// rule. It returns the cloned values in that order, or the first error
// encountered. Callers must have already registered deps with
// depCounts.addDependents at submission time, before any dependent could
// possibly race another's release/cleanup of the same upstream id.
func (rt *Runtime) resolveDependencies(deps []string) ([]any, error) {
	values := make([]any, 0, len(deps))
	for _, id := range deps {
		v, err := rt.waitForOne(id)
		if err != nil {
			return nil, err
		}
		values = append(values, v)
		if rt.depCounts.release(id) {
			rt.clearResultIfUnreferenced(id)
		}
	}
	return values, nil
}

func (rt *Runtime) waitForOne(id string) (any, error) {
	deadline := time.Now().Add(depWaitCeiling)
	for {
		if errVal, ok := rt.getTaskError(id); ok {
			return nil, &DependencyFailedError{UpstreamID: id, Cause: errVal}
		}
		if v, ok := rt.getTaskResult(id); ok {
			return rt.invoker.CloneValue(v), nil
		}
		if rt.shutdownFlag.Load() {
			return nil, ErrShutdownInProgress
		}
		if time.Now().After(deadline) {
			return nil, ErrTimeout
		}
		time.Sleep(depPollInterval)
	}
}
