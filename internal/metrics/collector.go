// Package metrics collects per-function task counters and latency, both
// for external Prometheus scraping and for synchronous read-back through
// the runtime's get_metrics surface.
package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Snapshot mirrors one function name's accumulated counters.
type Snapshot struct {
	FuncName        string
	Total           int64
	Completed       int64
	Failed          int64
	TotalLatencyMs  int64
}

// AverageLatencyMs returns the average completed-task latency, or 0 if
// nothing has completed yet.
func (s Snapshot) AverageLatencyMs() float64 {
	if s.Completed == 0 {
		return 0
	}
	return float64(s.TotalLatencyMs) / float64(s.Completed)
}

type funcCounters struct {
	total          atomic.Int64
	completed      atomic.Int64
	failed         atomic.Int64
	totalLatencyMs atomic.Int64
}

// Collector tracks per-func-name counters plus three global counters, and
// mirrors every update into Prometheus vectors labeled by func name.
type Collector struct {
	mu    sync.RWMutex
	funcs map[string]*funcCounters

	globalTotal     atomic.Int64
	globalCompleted atomic.Int64
	globalFailed    atomic.Int64

	promTotal     *prometheus.CounterVec
	promCompleted *prometheus.CounterVec
	promFailed    *prometheus.CounterVec
	promLatency   *prometheus.HistogramVec
}

// NewCollector builds a Collector and registers its Prometheus vectors
// against the default registry. If vectors with the same names are already
// registered there (an earlier Collector), the existing vectors are reused.
func NewCollector() *Collector {
	c := &Collector{
		funcs: make(map[string]*funcCounters),
		promTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makeparallel_tasks_started_total",
			Help: "Total number of tasks started, labeled by function name.",
		}, []string{"func"}),
		promCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makeparallel_tasks_completed_total",
			Help: "Total number of tasks completed successfully, labeled by function name.",
		}, []string{"func"}),
		promFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "makeparallel_tasks_failed_total",
			Help: "Total number of tasks that failed, labeled by function name.",
		}, []string{"func"}),
		promLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "makeparallel_task_latency_seconds",
			Help:    "Task latency in seconds, labeled by function name.",
			Buckets: prometheus.DefBuckets,
		}, []string{"func"}),
	}
	register := func(col prometheus.Collector) prometheus.Collector {
		if err := prometheus.Register(col); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				return are.ExistingCollector
			}
			panic(err)
		}
		return col
	}
	c.promTotal = register(c.promTotal).(*prometheus.CounterVec)
	c.promCompleted = register(c.promCompleted).(*prometheus.CounterVec)
	c.promFailed = register(c.promFailed).(*prometheus.CounterVec)
	c.promLatency = register(c.promLatency).(*prometheus.HistogramVec)
	return c
}

func (c *Collector) countersFor(funcName string) *funcCounters {
	c.mu.RLock()
	fc, ok := c.funcs[funcName]
	c.mu.RUnlock()
	if ok {
		return fc
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if fc, ok = c.funcs[funcName]; ok {
		return fc
	}
	fc = &funcCounters{}
	c.funcs[funcName] = fc
	return fc
}

// RecordStart records a task launch for funcName.
func (c *Collector) RecordStart(funcName string) {
	c.countersFor(funcName).total.Add(1)
	c.globalTotal.Add(1)
	c.promTotal.WithLabelValues(funcName).Inc()
}

// RecordCompleted records a successful finalize with its latency.
func (c *Collector) RecordCompleted(funcName string, latencyMs int64) {
	fc := c.countersFor(funcName)
	fc.completed.Add(1)
	fc.totalLatencyMs.Add(latencyMs)
	c.globalCompleted.Add(1)
	c.promCompleted.WithLabelValues(funcName).Inc()
	c.promLatency.WithLabelValues(funcName).Observe(float64(latencyMs) / 1000)
}

// RecordFailed records a failed, cancelled, or timed-out finalize.
func (c *Collector) RecordFailed(funcName string) {
	c.countersFor(funcName).failed.Add(1)
	c.globalFailed.Add(1)
	c.promFailed.WithLabelValues(funcName).Inc()
}

// Get returns the snapshot for one function name, if it has ever started.
func (c *Collector) Get(funcName string) (Snapshot, bool) {
	c.mu.RLock()
	fc, ok := c.funcs[funcName]
	c.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return Snapshot{
		FuncName:       funcName,
		Total:          fc.total.Load(),
		Completed:      fc.completed.Load(),
		Failed:         fc.failed.Load(),
		TotalLatencyMs: fc.totalLatencyMs.Load(),
	}, true
}

// GetAll returns a snapshot for every function name observed so far.
func (c *Collector) GetAll() map[string]Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]Snapshot, len(c.funcs))
	for name, fc := range c.funcs {
		out[name] = Snapshot{
			FuncName:       name,
			Total:          fc.total.Load(),
			Completed:      fc.completed.Load(),
			Failed:         fc.failed.Load(),
			TotalLatencyMs: fc.totalLatencyMs.Load(),
		}
	}
	return out
}

// GlobalCounters returns the three process-wide counters.
func (c *Collector) GlobalCounters() (total, completed, failed int64) {
	return c.globalTotal.Load(), c.globalCompleted.Load(), c.globalFailed.Load()
}

// Reset zeros every per-func and global counter. Best-effort: a small
// window of racing updates during the reset is acceptable.
func (c *Collector) Reset() {
	c.mu.Lock()
	c.funcs = make(map[string]*funcCounters)
	c.mu.Unlock()
	c.globalTotal.Store(0)
	c.globalCompleted.Store(0)
	c.globalFailed.Store(0)
}

// StartServer exposes /metrics for Prometheus scraping.
func StartServer(port int) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	addr := fmt.Sprintf(":%d", port)
	return http.ListenAndServe(addr, mux)
}
