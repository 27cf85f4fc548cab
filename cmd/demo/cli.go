package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/makeparallel/corego/internal/hostdemo"
	"github.com/makeparallel/corego/internal/metrics"
	"github.com/makeparallel/corego/pkg/makeparallel"
)

var configFile string

// BuildCLI assembles the demo's command tree: a persistent --config flag
// plus run/submit/status subcommands, mirroring the teacher's BuildCLI
// shape (root command, persistent config flag, RunE subcommands).
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "makeparallel-demo",
		Short: "Demo harness for the makeparallel task-execution runtime",
		Long: `makeparallel-demo exercises the core runtime's four worker
strategies (dedicated thread, pool, priority, dependency-gated) against a
stand-in HostInvoker, with Prometheus metrics and a status endpoint.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file path (optional)")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func loadedConfig() (*Config, error) {
	if configFile == "" {
		return defaultConfig(), nil
	}
	return loadConfig(configFile)
}

// newDemoRuntime wires a Runtime against cfg: admission knobs, the pool,
// and the hostdemo stand-in invoker with a handful of registered demo
// functions exercising every strategy's call shape.
func newDemoRuntime(cfg *Config) *makeparallel.Runtime {
	invoker := hostdemo.New()
	invoker.Register("identity", hostdemo.Identity)
	invoker.Register("work", hostdemo.SimulateWork(10, 60, 0))
	invoker.Register("flaky_work", hostdemo.SimulateWork(10, 60, 0.2))
	invoker.Register("double", func(args []any, _ map[string]any) (any, error) {
		deps, _ := args[0].([]any)
		if len(deps) == 0 {
			return nil, fmt.Errorf("double: no dependency value")
		}
		n, _ := deps[0].(int)
		return n * 2, nil
	})

	rt := makeparallel.New(invoker)
	if cfg.Pool.NumThreads > 0 || cfg.Pool.StackSize > 0 {
		_ = rt.ConfigureThreadPool(cfg.Pool.NumThreads, cfg.Pool.StackSize)
	}
	if cfg.Admission.MaxConcurrent > 0 {
		_ = rt.SetMaxConcurrentTasks(cfg.Admission.MaxConcurrent)
	}
	if cfg.Admission.MemoryLimitPercent > 0 {
		_ = rt.ConfigureMemoryLimit(cfg.Admission.MemoryLimitPercent)
	}
	return rt
}

func buildRunCommand() *cobra.Command {
	var tasks int
	var priorityDemo bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the demo runtime and exercise all four strategies",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			return runDemo(cfg, tasks, priorityDemo)
		},
	}
	cmd.Flags().IntVar(&tasks, "tasks", 20, "number of pool tasks to submit")
	cmd.Flags().BoolVar(&priorityDemo, "priority-demo", true, "also run the priority-ordering scenario")
	return cmd
}

func runDemo(cfg *Config, tasks int, priorityDemo bool) error {
	rt := newDemoRuntime(cfg)
	rt.StartPriorityWorker()
	defer rt.StopPriorityWorker()

	if cfg.Metrics.Enabled {
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Port); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server exited", "error", err)
			}
		}()
	}
	var statusSrv *http.Server
	if cfg.Status.Enabled {
		statusSrv = startStatusServer(rt, cfg.Status.Port)
		defer statusSrv.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		defer close(done)
		driveDemoWorkload(rt, tasks, priorityDemo)
	}()

	select {
	case <-sigCh:
		fmt.Println("\nreceived shutdown signal, draining...")
	case <-done:
		fmt.Println("demo workload finished")
	}

	ok := rt.Shutdown(cfg.shutdownTimeoutOrDefault(), cfg.Shutdown.CancelPending)
	fmt.Printf("shutdown clean=%v active_tasks=%d\n", ok, rt.ActiveTaskCount())
	printMetrics(rt)
	return nil
}

func (c *Config) shutdownTimeoutOrDefault() time.Duration {
	if d := c.shutdownTimeout(); d > 0 {
		return d
	}
	return 5 * time.Second
}

// driveDemoWorkload submits work through all four strategies: a batch of
// pool tasks via Map, a handful of dedicated-thread tasks, a priority
// scenario, and a two-step dependency chain.
func driveDemoWorkload(rt *makeparallel.Runtime, poolTasks int, priorityDemo bool) {
	items := make([]any, poolTasks)
	for i := range items {
		items[i] = i
	}
	if _, err := rt.Map("identity", items, 0); err != nil {
		log.Warn("map batch failed", "error", err)
	}

	for i := 0; i < 3; i++ {
		h, err := rt.SubmitThread("work", nil, nil, 0)
		if err != nil {
			log.Warn("submit_thread failed", "error", err)
			continue
		}
		if _, err := h.Get(); err != nil {
			log.Warn("dedicated task failed", "task_id", h.GetTaskID(), "error", err)
		}
	}

	if priorityDemo {
		runPriorityScenario(rt)
	}
	runDependencyChain(rt)
}

func runPriorityScenario(rt *makeparallel.Runtime) {
	rt.StopPriorityWorker()
	priorities := []int64{1, 100, 10}
	handles := make([]*makeparallel.AsyncHandle, len(priorities))
	for i, p := range priorities {
		h, err := rt.SubmitPriority("identity", []any{p}, nil, p, 0)
		if err != nil {
			log.Warn("submit_priority failed", "error", err)
			continue
		}
		handles[i] = h
	}
	rt.StartPriorityWorker()
	for _, h := range handles {
		if h == nil {
			continue
		}
		v, err := h.Get()
		if err != nil {
			log.Warn("priority task failed", "error", err)
			continue
		}
		fmt.Printf("priority task completed: value=%v\n", v)
	}
}

func runDependencyChain(rt *makeparallel.Runtime) {
	h1, err := rt.SubmitThread("identity", []any{10}, nil, 0)
	if err != nil {
		log.Warn("dependency chain: step1 failed to submit", "error", err)
		return
	}
	h2, err := rt.SubmitWithDeps("double", nil, nil, []string{h1.GetTaskID()}, 0)
	if err != nil {
		log.Warn("dependency chain: step2 failed to submit", "error", err)
		return
	}
	v, err := h2.Get()
	if err != nil {
		log.Warn("dependency chain failed", "error", err)
		return
	}
	fmt.Printf("dependency chain result: %v\n", v)
}

func buildSubmitCommand() *cobra.Command {
	var funcName string
	var arg int
	var priority int64
	var timeoutMs int

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a single ad-hoc task and print its result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			rt := newDemoRuntime(cfg)
			rt.StartPriorityWorker()
			defer rt.StopPriorityWorker()
			defer rt.Shutdown(2*time.Second, true)

			timeout := time.Duration(timeoutMs) * time.Millisecond
			h, err := rt.SubmitPriority(funcName, []any{arg}, nil, priority, timeout)
			if err != nil {
				return fmt.Errorf("submit failed: %w", err)
			}
			v, err := h.Get()
			if err != nil {
				return fmt.Errorf("task failed: %w", err)
			}
			fmt.Printf("task_id=%s result=%v elapsed=%s\n", h.GetTaskID(), v, h.ElapsedTime())
			return nil
		},
	}
	cmd.Flags().StringVar(&funcName, "func", "identity", "registered demo function to invoke")
	cmd.Flags().IntVar(&arg, "arg", 0, "single integer argument")
	cmd.Flags().Int64Var(&priority, "priority", 0, "submission priority")
	cmd.Flags().IntVar(&timeoutMs, "timeout-ms", 0, "optional timeout in milliseconds")
	return cmd
}

func buildStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the resolved configuration this binary would run with",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadedConfig()
			if err != nil {
				return err
			}
			fmt.Println("makeparallel demo configuration:")
			fmt.Printf("  pool.num_threads:          %d\n", cfg.Pool.NumThreads)
			fmt.Printf("  pool.stack_size:           %d\n", cfg.Pool.StackSize)
			fmt.Printf("  admission.max_concurrent:  %d\n", cfg.Admission.MaxConcurrent)
			fmt.Printf("  admission.memory_limit_%%: %v\n", cfg.Admission.MemoryLimitPercent)
			fmt.Printf("  shutdown.timeout_seconds:  %d\n", cfg.Shutdown.TimeoutSeconds)
			fmt.Printf("  metrics.enabled:           %v (port %d)\n", cfg.Metrics.Enabled, cfg.Metrics.Port)
			fmt.Printf("  status.enabled:            %v (port %d)\n", cfg.Status.Enabled, cfg.Status.Port)
			return nil
		},
	}
	return cmd
}

// startStatusServer mirrors the teacher's metrics-server-in-a-goroutine
// pattern, but serves key=value plaintext describing active task count and
// per-function metrics instead of a durability snapshot.
func startStatusServer(rt *makeparallel.Runtime, port int) *http.Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		total, completed, failed := rt.GlobalMetrics()
		fmt.Fprintf(w, "active_tasks=%d global_total=%d global_completed=%d global_failed=%d\n",
			rt.ActiveTaskCount(), total, completed, failed)
		for name, snap := range rt.GetAllMetrics() {
			fmt.Fprintf(w, "  %s: total=%d completed=%d failed=%d avg_latency_ms=%.2f\n",
				name, snap.Total, snap.Completed, snap.Failed, snap.AverageLatencyMs())
		}
	})
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("status server exited", "error", err)
		}
	}()
	return srv
}

func printMetrics(rt *makeparallel.Runtime) {
	total, completed, failed := rt.GlobalMetrics()
	fmt.Printf("global metrics: total=%d completed=%d failed=%d\n", total, completed, failed)
	for name, snap := range rt.GetAllMetrics() {
		fmt.Printf("  %s: total=%d completed=%d failed=%d avg_latency_ms=%.2f\n",
			name, snap.Total, snap.Completed, snap.Failed, snap.AverageLatencyMs())
	}
}
