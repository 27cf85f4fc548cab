// Package makeparallel is the task-execution runtime: a process-wide
// scheduler that multiplexes host callables onto worker goroutines behind
// four interchangeable launch strategies, with admission control,
// dependency-aware launch, progress/completion callbacks, and metrics.
//
// It assumes a single Runtime per process, matching the source design's
// global mutable state: initialization happens in New, and teardown is
// explicit via Shutdown.
package makeparallel

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/makeparallel/corego/internal/admission"
	"github.com/makeparallel/corego/internal/metrics"
	"github.com/makeparallel/corego/internal/pool"
	"github.com/makeparallel/corego/internal/taskcurrent"
)

var log = slog.Default()

// ThreadPoolInfo answers get_thread_pool_info(). StackSize is advisory
// metadata: Go goroutines have no settable stack size, but the knob is
// preserved for callers that configured it, since the host binding layer
// may still want to report it.
type ThreadPoolInfo struct {
	Configured bool
	NumThreads int
	StackSize  int
}

// Runtime is the process-wide scheduler. Construct one with New and share
// it; the design does not support multiple independent instances.
type Runtime struct {
	invoker HostInvoker

	taskIDCounter atomic.Uint64

	mu                 sync.RWMutex
	activeTasks        map[string]*AsyncHandle
	results            map[string]any
	taskErrors         map[string]error
	progress           map[string]float64
	progressCallbacks  map[string]func(float64)

	shutdownFlag atomic.Bool

	admission *admission.Controller
	depCounts *dependencyCounts
	priority  *prioritySupervisor
	current   *taskcurrent.Registry
	metricsC  *metrics.Collector
	timeouts  *timeoutRegistry

	poolMu          sync.Mutex
	workerPool      *pool.Pool
	poolStarted     bool
	poolWorkerCount int
	poolStackSize   int
}

// New builds a Runtime around the given HostInvoker, which is the only
// external collaborator the core depends on.
func New(invoker HostInvoker) *Runtime {
	rt := &Runtime{
		invoker:           invoker,
		activeTasks:       make(map[string]*AsyncHandle),
		results:           make(map[string]any),
		taskErrors:        make(map[string]error),
		progress:          make(map[string]float64),
		progressCallbacks: make(map[string]func(float64)),
		depCounts:         newDependencyCounts(),
		priority:          newPrioritySupervisor(),
		current:           taskcurrent.NewRegistry(),
		metricsC:          metrics.NewCollector(),
		timeouts:          newTimeoutRegistry(),
	}
	rt.admission = admission.New(&rt.shutdownFlag)
	return rt
}

func (rt *Runtime) nextTaskID() string {
	n := rt.taskIDCounter.Add(1)
	return "task_" + itoa(n)
}

func itoa(n uint64) string {
	if n == 0 {
		return "0"
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	return string(buf[i:])
}

// --- registry accessors -----------------------------------------------

func (rt *Runtime) addActive(h *AsyncHandle) {
	rt.mu.Lock()
	rt.activeTasks[h.taskID] = h
	rt.mu.Unlock()
}

func (rt *Runtime) removeActive(taskID string) {
	rt.mu.Lock()
	delete(rt.activeTasks, taskID)
	rt.mu.Unlock()
}

func (rt *Runtime) ActiveTaskCount() int {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return len(rt.activeTasks)
}

func (rt *Runtime) setTaskResult(id string, v any) {
	rt.mu.Lock()
	rt.results[id] = v
	rt.mu.Unlock()
}

func (rt *Runtime) getTaskResult(id string) (any, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	v, ok := rt.results[id]
	return v, ok
}

func (rt *Runtime) setTaskError(id string, err error) {
	rt.mu.Lock()
	rt.taskErrors[id] = err
	rt.mu.Unlock()
}

func (rt *Runtime) getTaskError(id string) (error, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	e, ok := rt.taskErrors[id]
	return e, ok
}

// clearResultIfUnreferenced drops a result once its declared dependent
// count has reached zero, per the dependency-resolver cleanup policy.
func (rt *Runtime) clearResultIfUnreferenced(id string) {
	rt.mu.Lock()
	delete(rt.results, id)
	delete(rt.taskErrors, id)
	rt.mu.Unlock()
}

func (rt *Runtime) setProgress(id string, v float64) {
	rt.mu.Lock()
	rt.progress[id] = v
	rt.mu.Unlock()
}

func (rt *Runtime) getProgressCallback(id string) (func(float64), bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	cb, ok := rt.progressCallbacks[id]
	return cb, ok
}

func (rt *Runtime) setProgressCallback(id string, cb func(float64)) {
	rt.mu.Lock()
	rt.progressCallbacks[id] = cb
	rt.mu.Unlock()
}

func (rt *Runtime) clearProgress(id string) {
	rt.mu.Lock()
	delete(rt.progress, id)
	delete(rt.progressCallbacks, id)
	rt.mu.Unlock()
}

func (rt *Runtime) GetProgress(id string) (float64, bool) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	v, ok := rt.progress[id]
	return v, ok
}

// --- admission + launch plumbing shared by all four strategies --------

func (rt *Runtime) admitAndRegister(funcName string, timeout time.Duration) (*AsyncHandle, func(), error) {
	if rt.shutdownFlag.Load() {
		return nil, nil, ErrShutdownInProgress
	}
	release, err := rt.admission.Admit()
	if err != nil {
		if errors.Is(err, admission.ErrMemoryLimitExceeded) {
			return nil, nil, ErrMemoryLimitExceeded
		}
		return nil, nil, ErrShutdownInProgress
	}
	taskID := rt.nextTaskID()
	h := newAsyncHandle(taskID, funcName, timeout)
	rt.addActive(h)
	rt.metricsC.RecordStart(funcName)
	if timeout > 0 {
		rt.timeouts.start(h, timeout)
	}
	return h, release, nil
}

// runWorkerBody is the per-task body shared by strategies A, B, C, D: set
// thread-local identity, observe cancellation before the host call, run
// it, then finalize.
func (rt *Runtime) runWorkerBody(h *AsyncHandle, funcName string, call func() (any, error)) {
	rt.current.Set(h.taskID)
	defer rt.current.Clear()
	h.markRunning()

	if h.IsCancelled() {
		rt.finalize(h, funcName, rt.classify(h, nil, ErrCancelled), 0)
		return
	}

	start := time.Now()
	value, err := call()
	elapsed := time.Since(start)
	rt.finalize(h, funcName, rt.classify(h, value, err), elapsed)
}

func (rt *Runtime) classify(h *AsyncHandle, value any, err error) outcome {
	var depErr *DependencyFailedError
	if errors.Is(err, ErrCancelled) && !errors.As(err, &depErr) {
		if h.timedOutFlag.Load() {
			return outcome{timedOut: true}
		}
		return outcome{cancelled: true}
	}
	if err != nil {
		return outcome{err: err}
	}
	return outcome{value: value}
}

// finalize writes results/errors, updates metrics, clears per-task state,
// removes the task from the active set, and signals the handle — in that
// order, matching the "finalize" sequence in the glossary.
func (rt *Runtime) finalize(h *AsyncHandle, funcName string, o outcome, elapsed time.Duration) {
	rt.timeouts.cancel(h.taskID)

	switch {
	case o.err == nil && !o.cancelled && !o.timedOut:
		rt.setTaskResult(h.taskID, o.value)
		rt.metricsC.RecordCompleted(funcName, elapsed.Milliseconds())
	case o.cancelled:
		rt.setTaskError(h.taskID, ErrCancelled)
		rt.metricsC.RecordFailed(funcName)
	case o.timedOut:
		rt.setTaskError(h.taskID, ErrTimeout)
		rt.metricsC.RecordFailed(funcName)
	default:
		var hostErr error = o.err
		var depErr *DependencyFailedError
		if !errors.As(o.err, &depErr) {
			hostErr = &HostError{FuncName: funcName, TaskID: h.taskID, Elapsed: elapsed.Seconds(), Inner: o.err}
			o.err = hostErr
		}
		rt.setTaskError(h.taskID, hostErr)
		rt.metricsC.RecordFailed(funcName)
	}

	rt.clearProgress(h.taskID)
	rt.removeActive(h.taskID)
	h.deliver(o)
}

// --- Strategy A: dedicated goroutine per task --------------------------

func (rt *Runtime) SubmitThread(funcName string, args []any, kwargs map[string]any, timeout time.Duration) (*AsyncHandle, error) {
	h, release, err := rt.admitAndRegister(funcName, timeout)
	if err != nil {
		return nil, err
	}
	go func() {
		defer release()
		rt.runWorkerBody(h, funcName, func() (any, error) {
			return rt.invoker.Call(funcName, args, kwargs)
		})
	}()
	return h, nil
}

// --- Strategy B: work-stealing pool ------------------------------------

func (rt *Runtime) ensurePoolLocked(numThreads, stackSize int) {
	if rt.poolStarted {
		return
	}
	if numThreads <= 0 {
		numThreads = runtime.NumCPU()
	}
	rt.poolWorkerCount = numThreads
	rt.poolStackSize = stackSize
	rt.workerPool = pool.New(numThreads * 4)
	_ = rt.workerPool.Start(numThreads)
	rt.poolStarted = true
	go rt.drainPoolResults(rt.workerPool)
}

// drainPoolResults exists because the underlying pool always produces a
// Result per job; the handle is already delivered from inside the job
// closure, so this loop only prevents the result channel from backing up.
func (rt *Runtime) drainPoolResults(p *pool.Pool) {
	for {
		if _, err := p.ReceiveResult(); err != nil {
			return
		}
	}
}

// ConfigureThreadPool is the one-time pool setup entry point. Calling it
// after the pool has already started (lazily, via SubmitPool, or by an
// earlier call) is a no-op, matching "one-time pool setup".
func (rt *Runtime) ConfigureThreadPool(numThreads, stackSize int) error {
	if numThreads < 0 || stackSize < 0 {
		return ErrInvalidValue
	}
	rt.poolMu.Lock()
	defer rt.poolMu.Unlock()
	rt.ensurePoolLocked(numThreads, stackSize)
	return nil
}

func (rt *Runtime) GetThreadPoolInfo() ThreadPoolInfo {
	rt.poolMu.Lock()
	defer rt.poolMu.Unlock()
	return ThreadPoolInfo{
		Configured: rt.poolStarted,
		NumThreads: rt.poolWorkerCount,
		StackSize:  rt.poolStackSize,
	}
}

func (rt *Runtime) SubmitPool(funcName string, args []any, kwargs map[string]any, timeout time.Duration) (*AsyncHandle, error) {
	rt.poolMu.Lock()
	rt.ensurePoolLocked(0, 0)
	p := rt.workerPool
	rt.poolMu.Unlock()

	h, release, err := rt.admitAndRegister(funcName, timeout)
	if err != nil {
		return nil, err
	}
	return rt.submitPoolJob(p, h, release, funcName, args, kwargs)
}

func (rt *Runtime) submitPoolJob(p *pool.Pool, h *AsyncHandle, release func(), funcName string, args []any, kwargs map[string]any) (*AsyncHandle, error) {
	job := pool.Job{
		ID: h.taskID,
		Run: func(_ context.Context) (any, error) {
			defer release()
			rt.runWorkerBody(h, funcName, func() (any, error) {
				return rt.invoker.Call(funcName, args, kwargs)
			})
			return nil, nil
		},
	}
	if err := p.Submit(job); err != nil {
		release()
		rt.finalize(h, funcName, outcome{err: err}, 0)
		return nil, err
	}
	return h, nil
}

// --- Strategy C: priority queue -----------------------------------------

func (rt *Runtime) SubmitPriority(funcName string, args []any, kwargs map[string]any, priority int64, timeout time.Duration) (*AsyncHandle, error) {
	h, release, err := rt.admitAndRegister(funcName, timeout)
	if err != nil {
		return nil, err
	}
	rt.priority.push(priority, func() {
		defer release()
		rt.runWorkerBody(h, funcName, func() (any, error) {
			return rt.invoker.Call(funcName, args, kwargs)
		})
	})
	return h, nil
}

func (rt *Runtime) StartPriorityWorker() { rt.priority.start() }
func (rt *Runtime) StopPriorityWorker()  { rt.priority.stop() }
func (rt *Runtime) PriorityWorkerRunning() bool { return rt.priority.isRunning() }

// --- Strategy D: dependency-gated ---------------------------------------

func (rt *Runtime) SubmitWithDeps(funcName string, args []any, kwargs map[string]any, deps []string, timeout time.Duration) (*AsyncHandle, error) {
	h, release, err := rt.admitAndRegister(funcName, timeout)
	if err != nil {
		return nil, err
	}
	// Register dependent counts now, at submission, not when the worker
	// starts resolving: two tasks submitted against the same upstream must
	// both be counted before either can race the other's result cleanup.
	if len(deps) > 0 {
		rt.depCounts.addDependents(deps)
	}
	go func() {
		defer release()
		rt.runWorkerBody(h, funcName, func() (any, error) {
			if len(deps) == 0 {
				return rt.invoker.Call(funcName, args, kwargs)
			}
			values, derr := rt.resolveDependencies(deps)
			if derr != nil {
				return nil, derr
			}
			callArgs := append([]any{values}, args...)
			return rt.invoker.Call(funcName, callArgs, kwargs)
		})
	}()
	return h, nil
}

// --- progress & current task identity -----------------------------------

func (rt *Runtime) ReportProgress(value float64, taskID string) error {
	if math.IsNaN(value) || math.IsInf(value, 0) || value < 0 || value > 1 {
		return ErrInvalidValue
	}
	if taskID == "" {
		id, ok := rt.current.Get()
		if !ok {
			return ErrNoTaskContext
		}
		taskID = id
	}
	rt.setProgress(taskID, value)
	if cb, ok := rt.getProgressCallback(taskID); ok {
		safeInvoke(func() { cb(value) })
	}
	return nil
}

func (rt *Runtime) GetCurrentTaskID() (string, bool) { return rt.current.Get() }

// OnProgress registers h's progress callback both on the handle (for
// symmetry with OnComplete/OnError) and in the global map that
// ReportProgress consults, since progress may be reported with an
// explicit task id from outside the handle's own goroutine.
func (rt *Runtime) OnProgress(h *AsyncHandle, cb func(float64)) {
	h.mu.Lock()
	h.onProgress = cb
	h.mu.Unlock()
	rt.setProgressCallback(h.taskID, cb)
}

// --- admission configuration ---------------------------------------------

func (rt *Runtime) SetMaxConcurrentTasks(n int) error {
	if n < 0 {
		return ErrInvalidValue
	}
	rt.admission.SetMaxConcurrent(n)
	return nil
}

func (rt *Runtime) ConfigureMemoryLimit(percent float64) error {
	if math.IsNaN(percent) || math.IsInf(percent, 0) {
		return ErrInvalidValue
	}
	rt.admission.SetMemoryLimitPercent(percent)
	return nil
}

// --- shutdown -------------------------------------------------------------

func (rt *Runtime) Shutdown(timeout time.Duration, cancelPending bool) bool {
	rt.shutdownFlag.Store(true)
	rt.priority.stop()

	if cancelPending {
		rt.mu.RLock()
		handles := make([]*AsyncHandle, 0, len(rt.activeTasks))
		for _, h := range rt.activeTasks {
			handles = append(handles, h)
		}
		rt.mu.RUnlock()
		for _, h := range handles {
			h.Cancel()
		}
	}

	deadline := time.Now().Add(timeout)
	for {
		if rt.ActiveTaskCount() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			return false
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (rt *Runtime) ResetShutdown() { rt.shutdownFlag.Store(false) }

func (rt *Runtime) IsShutdown() bool { return rt.shutdownFlag.Load() }

// --- metrics ---------------------------------------------------------------

func (rt *Runtime) GetMetrics(funcName string) (metrics.Snapshot, bool) { return rt.metricsC.Get(funcName) }
func (rt *Runtime) GetAllMetrics() map[string]metrics.Snapshot          { return rt.metricsC.GetAll() }
func (rt *Runtime) ResetMetrics()                                      { rt.metricsC.Reset() }
func (rt *Runtime) GlobalMetrics() (total, completed, failed int64)    { return rt.metricsC.GlobalCounters() }
