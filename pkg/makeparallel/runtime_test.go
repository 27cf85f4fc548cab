package makeparallel

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeInvoker is a minimal HostInvoker for exercising the runtime without
// any real host binding: functions are registered by name, Call looks them
// up, CloneValue is identity (values here are never mutated concurrently).
type fakeInvoker struct {
	mu    sync.Mutex
	funcs map[string]func(args []any, kwargs map[string]any) (any, error)
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{funcs: make(map[string]func(args []any, kwargs map[string]any) (any, error))}
}

func (f *fakeInvoker) register(name string, fn func(args []any, kwargs map[string]any) (any, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.funcs[name] = fn
}

func (f *fakeInvoker) Call(funcName string, args []any, kwargs map[string]any) (any, error) {
	f.mu.Lock()
	fn, ok := f.funcs[funcName]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("fakeInvoker: unregistered func %q", funcName)
	}
	return fn(args, kwargs)
}

func (f *fakeInvoker) CloneValue(v any) any { return v }

func identityFn(args []any, _ map[string]any) (any, error) {
	if len(args) == 0 {
		return nil, nil
	}
	return args[0], nil
}

func TestSubmitThread_IdentityRoundTrip(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("identity", identityFn)
	rt := New(inv)

	h, err := rt.SubmitThread("identity", []any{"hello"}, nil, 0)
	require.NoError(t, err)
	v, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestSubmitThread_ActiveTaskRemovedOnFinalize(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("identity", identityFn)
	rt := New(inv)

	h, err := rt.SubmitThread("identity", []any{1}, nil, 0)
	require.NoError(t, err)
	_, _ = h.Get()
	assert.Eventually(t, func() bool { return rt.ActiveTaskCount() == 0 }, time.Second, time.Millisecond)
}

func TestSubmitThread_HostErrorWrapped(t *testing.T) {
	inv := newFakeInvoker()
	innerErr := errors.New("boom")
	inv.register("boom", func(args []any, kwargs map[string]any) (any, error) { return nil, innerErr })
	rt := New(inv)

	h, err := rt.SubmitThread("boom", nil, nil, 0)
	require.NoError(t, err)
	_, gerr := h.Get()
	require.Error(t, gerr)
	var hostErr *HostError
	require.True(t, errors.As(gerr, &hostErr))
	assert.Equal(t, "boom", hostErr.FuncName)
	assert.ErrorIs(t, gerr, innerErr)
}

func TestDependencyChain_Scenario(t *testing.T) {
	// step1() -> 10, step2(deps) -> deps[0]*2, step3(deps) -> deps[0]+5
	inv := newFakeInvoker()
	inv.register("step1", func(args []any, _ map[string]any) (any, error) { return 10, nil })
	inv.register("step2", func(args []any, _ map[string]any) (any, error) {
		deps := args[0].([]any)
		return deps[0].(int) * 2, nil
	})
	inv.register("step3", func(args []any, _ map[string]any) (any, error) {
		deps := args[0].([]any)
		return deps[0].(int) + 5, nil
	})
	rt := New(inv)

	h1, err := rt.SubmitThread("step1", nil, nil, 0)
	require.NoError(t, err)
	h2, err := rt.SubmitWithDeps("step2", nil, nil, []string{h1.GetTaskID()}, 0)
	require.NoError(t, err)
	h3, err := rt.SubmitWithDeps("step3", nil, nil, []string{h2.GetTaskID()}, 0)
	require.NoError(t, err)

	v, err := h3.Get()
	require.NoError(t, err)
	assert.Equal(t, 25, v)
}

func TestDependencyFailed_UpstreamError(t *testing.T) {
	inv := newFakeInvoker()
	upstreamErr := errors.New("upstream exploded")
	inv.register("fails", func(args []any, _ map[string]any) (any, error) { return nil, upstreamErr })
	var downstreamCalled bool
	inv.register("downstream", func(args []any, _ map[string]any) (any, error) {
		downstreamCalled = true
		return nil, nil
	})
	rt := New(inv)

	h1, err := rt.SubmitThread("fails", nil, nil, 0)
	require.NoError(t, err)
	h2, err := rt.SubmitWithDeps("downstream", nil, nil, []string{h1.GetTaskID()}, 0)
	require.NoError(t, err)

	_, gerr := h2.Get()
	require.Error(t, gerr)
	var depErr *DependencyFailedError
	require.True(t, errors.As(gerr, &depErr))
	assert.Equal(t, h1.GetTaskID(), depErr.UpstreamID)
	assert.False(t, downstreamCalled, "downstream user function must never execute")
}

func TestPriorityOrdering_Scenario(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("identity", identityFn)
	rt := New(inv)
	rt.priority.stop() // ensure consumer is not running before submission

	type sub struct {
		priority int64
	}
	subs := []sub{{1}, {100}, {10}}
	handles := make([]*AsyncHandle, len(subs))
	for i, s := range subs {
		h, err := rt.SubmitPriority("identity", []any{s.priority}, nil, s.priority, 0)
		require.NoError(t, err)
		handles[i] = h
	}

	rt.StartPriorityWorker()
	defer rt.StopPriorityWorker()

	var completionOrder []int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, h := range handles {
		wg.Add(1)
		go func(h *AsyncHandle) {
			defer wg.Done()
			v, err := h.Get()
			require.NoError(t, err)
			mu.Lock()
			completionOrder = append(completionOrder, v.(int64))
			mu.Unlock()
		}(h)
	}
	wg.Wait()

	assert.Equal(t, []int64{100, 10, 1}, completionOrder)
}

func TestPriorityWorker_StopThenRestart(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("identity", identityFn)
	rt := New(inv)
	rt.priority.stop()

	h, err := rt.SubmitPriority("identity", []any{"queued"}, nil, 1, 0)
	require.NoError(t, err)

	rt.StartPriorityWorker()
	rt.StopPriorityWorker()
	rt.StartPriorityWorker()
	defer rt.StopPriorityWorker()

	v, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, "queued", v)
}

func TestReportProgress_Scenario(t *testing.T) {
	inv := newFakeInvoker()
	rt := New(inv)
	var mu sync.Mutex
	var seen []float64
	gate := make(chan struct{})

	inv.register("progressive", func(args []any, _ map[string]any) (any, error) {
		<-gate // wait until the caller has registered OnProgress
		for i := 1; i <= 10; i++ {
			if err := rt.ReportProgress(float64(i)/10, ""); err != nil {
				return nil, err
			}
		}
		return "ok", nil
	})

	h, err := rt.SubmitThread("progressive", nil, nil, 0)
	require.NoError(t, err)
	rt.OnProgress(h, func(v float64) {
		mu.Lock()
		seen = append(seen, v)
		mu.Unlock()
	})
	close(gate)

	_, err = h.Get()
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0}, seen)
}

func TestReportProgress_InvalidValue(t *testing.T) {
	inv := newFakeInvoker()
	rt := New(inv)
	err := rt.ReportProgress(1.5, "task_x")
	assert.ErrorIs(t, err, ErrInvalidValue)
	_, ok := rt.GetProgress("task_x")
	assert.False(t, ok, "invalid report must not mutate progress map")
}

func TestReportProgress_NoTaskContext(t *testing.T) {
	inv := newFakeInvoker()
	rt := New(inv)
	err := rt.ReportProgress(0.5, "")
	assert.ErrorIs(t, err, ErrNoTaskContext)
}

func TestCancellationWithTimeout_Scenario(t *testing.T) {
	// Cancellation is cooperative only: runWorkerBody checks IsCancelled
	// before the call, never during it, so the host func itself must poll
	// the token at a checkpoint, exactly like internal/hostdemo.Cancellable.
	inv := newFakeInvoker()
	rt := New(inv)
	started := make(chan struct{})
	inv.register("sleepy", func(args []any, _ map[string]any) (any, error) {
		taskID, _ := rt.GetCurrentTaskID()
		rt.mu.RLock()
		h := rt.activeTasks[taskID]
		rt.mu.RUnlock()

		close(started)
		for i := 0; i < 200; i++ {
			if h.IsCancelled() {
				return nil, ErrCancelled
			}
			time.Sleep(10 * time.Millisecond)
		}
		return "done", nil
	})

	h, err := rt.SubmitThread("sleepy", nil, nil, 0)
	require.NoError(t, err)
	<-started
	time.Sleep(50 * time.Millisecond)

	ok := h.CancelWithTimeout(time.Second)
	assert.True(t, ok)
	assert.True(t, h.IsCancelled())
	_, gerr := h.Get()
	assert.ErrorIs(t, gerr, ErrCancelled)
}

func TestTimeout_Scenario(t *testing.T) {
	// Like cancellation, a timeout only flips the cancel token (see
	// timeoutRegistry.start); runWorkerBody never re-checks it after call()
	// returns, so classify only recognizes the timeout through the
	// function's own returned error. The host func must poll the token.
	inv := newFakeInvoker()
	rt := New(inv)
	inv.register("slow", func(args []any, _ map[string]any) (any, error) {
		taskID, _ := rt.GetCurrentTaskID()
		rt.mu.RLock()
		h := rt.activeTasks[taskID]
		rt.mu.RUnlock()

		for i := 0; i < 100; i++ {
			if h.IsCancelled() {
				return nil, ErrCancelled
			}
			time.Sleep(10 * time.Millisecond)
		}
		return "done", nil
	})

	h, err := rt.SubmitThread("slow", nil, nil, 50*time.Millisecond)
	require.NoError(t, err)
	_, gerr := h.Get()
	assert.ErrorIs(t, gerr, ErrTimeout)
	assert.True(t, h.IsCancelled())
}

func TestMaxConcurrent_Boundary(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("work", func(args []any, _ map[string]any) (any, error) {
		time.Sleep(50 * time.Millisecond)
		return nil, nil
	})
	rt := New(inv)
	require.NoError(t, rt.SetMaxConcurrentTasks(1))

	start := time.Now()
	h1, err := rt.SubmitThread("work", nil, nil, 0)
	require.NoError(t, err)
	h2, err := rt.SubmitThread("work", nil, nil, 0)
	require.NoError(t, err)

	_, err = h1.Get()
	require.NoError(t, err)
	_, err = h2.Get()
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
}

func TestMemoryGate_Scenario(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("identity", identityFn)
	rt := New(inv)

	require.NoError(t, rt.ConfigureMemoryLimit(0.0001))
	_, err := rt.SubmitThread("identity", []any{1}, nil, 0)
	assert.ErrorIs(t, err, ErrMemoryLimitExceeded)

	require.NoError(t, rt.ConfigureMemoryLimit(0))
	h, err := rt.SubmitThread("identity", []any{1}, nil, 0)
	require.NoError(t, err)
	_, err = h.Get()
	require.NoError(t, err)
}

func TestShutdown_GracefulCancellation(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("slow", func(args []any, _ map[string]any) (any, error) {
		time.Sleep(200 * time.Millisecond)
		return "done", nil
	})
	rt := New(inv)

	handles := make([]*AsyncHandle, 10)
	for i := range handles {
		h, err := rt.SubmitThread("slow", nil, nil, 0)
		require.NoError(t, err)
		handles[i] = h
	}

	ok := rt.Shutdown(time.Second, true)
	assert.True(t, ok)
	assert.Equal(t, 0, rt.ActiveTaskCount())

	for _, h := range handles {
		_, err := h.Get()
		if err != nil {
			assert.True(t, errors.Is(err, ErrCancelled) || errors.Is(err, ErrTimeout))
		}
	}
}

func TestShutdown_RejectsNewSubmissions(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("identity", identityFn)
	rt := New(inv)
	rt.Shutdown(time.Second, false)

	_, err := rt.SubmitThread("identity", []any{1}, nil, 0)
	assert.ErrorIs(t, err, ErrShutdownInProgress)

	rt.ResetShutdown()
	h, err := rt.SubmitThread("identity", []any{1}, nil, 0)
	require.NoError(t, err)
	_, err = h.Get()
	require.NoError(t, err)
}

func TestMetrics_ResetThenReadZeroed(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("identity", identityFn)
	rt := New(inv)

	h, err := rt.SubmitThread("identity", []any{1}, nil, 0)
	require.NoError(t, err)
	_, err = h.Get()
	require.NoError(t, err)

	snap, ok := rt.GetMetrics("identity")
	require.True(t, ok)
	assert.Equal(t, int64(1), snap.Total)
	assert.Equal(t, int64(1), snap.Completed)

	rt.ResetMetrics()
	_, ok = rt.GetMetrics("identity")
	assert.False(t, ok, "reset must drop previously observed function names")

	total, completed, failed := rt.GlobalMetrics()
	assert.Zero(t, total)
	assert.Zero(t, completed)
	assert.Zero(t, failed)
}

func TestMap_BatchConvenience(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("double", func(args []any, _ map[string]any) (any, error) {
		return args[0].(int) * 2, nil
	})
	rt := New(inv)

	results, err := rt.Map("double", []any{1, 2, 3}, 0)
	require.NoError(t, err)
	assert.Equal(t, []any{2, 4, 6}, results)
}

func TestSubmitPool_FullHandleContract(t *testing.T) {
	inv := newFakeInvoker()
	inv.register("identity", identityFn)
	rt := New(inv)

	h, err := rt.SubmitPool("identity", []any{"pool"}, nil, 0)
	require.NoError(t, err)
	v, err := h.Get()
	require.NoError(t, err)
	assert.Equal(t, "pool", v)
	assert.True(t, h.IsReady())
	assert.Equal(t, StatusCompleted, h.GetStatus())
}
