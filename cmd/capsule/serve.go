package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/rachelpine/capsule/internal/admission"
	"github.com/rachelpine/capsule/internal/config"
	"github.com/rachelpine/capsule/internal/generate"
	"github.com/rachelpine/capsule/internal/metrics"
	"github.com/rachelpine/capsule/internal/pipeline"
	"github.com/rachelpine/capsule/internal/queue"
	"github.com/rachelpine/capsule/internal/sandbox"
	"github.com/rachelpine/capsule/internal/server"
	"github.com/rachelpine/capsule/internal/storage/sqlite"
	"github.com/rachelpine/capsule/internal/store"
)

var (
	portFlag    int
	workersFlag int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the pipeline API server and workers",
	Long: `Start the HTTP API together with the worker loops that drain the
execution queue. Workers share the embedded queue with the API, so both run
in one process; scale by raising --workers.

Examples:
  capsule serve
  capsule serve --port 9090 --workers 8`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntVar(&portFlag, "port", 0, "Port to listen on (overrides config)")
	serveCmd.Flags().IntVar(&workersFlag, "workers", -1, "Worker count (overrides config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// Open the progress store / queue substrate
	st, err := store.Open(cfg.Store.DataDir, cfg.JobTTL())
	if err != nil {
		return fmt.Errorf("opening progress store: %w", err)
	}
	defer st.Close()

	q, err := queue.New(st.DB())
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer q.Close()

	// Open the relational collaborator store
	capsules, err := sqlite.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("opening capsule store: %w", err)
	}
	defer capsules.Close()

	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	runtimes, err := loadRuntimes(cfg)
	if err != nil {
		return err
	}
	executor := sandbox.NewClient(cfg.Sandbox.BaseURL, runtimes, cfg.Sandbox.MaxRequestsPerSecond)

	// Generation engine behind the circuit breaker, when configured
	var breaker *generate.Breaker
	var engine generate.Engine
	var availability admission.Availability
	if cfg.GenerationConfigured() {
		base := generate.NewOpenAIEngine(cfg.Generation.BaseURL, cfg.Generation.APIKey, cfg.Generation.Model)
		breaker = generate.NewBreaker(base, generate.BreakerConfig{
			ConsecutiveFailures: uint32(cfg.Breaker.ConsecutiveFailures),
			OpenTimeout:         time.Duration(cfg.Breaker.OpenTimeoutSeconds) * time.Second,
		}, m.SetBreakerState)
		engine = breaker
		availability = breaker
	} else {
		log.Println("generation: no backend configured, generation jobs will fail")
	}

	ctrl := admission.New(admission.Config{
		MaxInFlight:    int64(cfg.Admission.MaxInflight),
		DailyQuota:     int64(cfg.Admission.DailyQuota),
		IdempotencyTTL: time.Duration(cfg.Admission.IdempotencyTTLMinutes) * time.Minute,
		CacheTTL:       time.Duration(cfg.Admission.CacheTTLHours) * time.Hour,
		SemanticCache:  cfg.Admission.SemanticCache,
	}, st, q, runtimes, availability, m)

	svc := pipeline.New(ctrl, st, q)

	// Worker loops
	workers := cfg.Worker.Count
	if workersFlag >= 0 {
		workers = workersFlag
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	workerCfg := queue.WorkerConfig{
		Limits:   sandboxLimits(cfg),
		CacheTTL: time.Duration(cfg.Admission.CacheTTLHours) * time.Hour,
	}
	for i := 0; i < workers; i++ {
		w := queue.NewWorker(workerCfg, q, st, executor, engine, capsules, admission.CacheKey, m)
		go w.Run(ctx)
	}
	log.Printf("workers: %d started", workers)

	// Depth reconciliation sweep
	go svc.RunDepthSweep(ctx, time.Minute, int64(workers))

	// Determine port
	port := cfg.Server.Port
	if portFlag > 0 {
		port = portFlag
	}

	srv := server.New(svc, capsules, registry)

	// Graceful shutdown on SIGINT/SIGTERM
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
		srv.Shutdown(context.Background())
	}()

	return srv.Start(port)
}

func loadRuntimes(cfg *config.Config) (*sandbox.RuntimeTable, error) {
	if cfg.Sandbox.RuntimesFile == "" {
		return sandbox.NewRuntimeTable(), nil
	}
	runtimes, err := sandbox.LoadRuntimeTable(cfg.Sandbox.RuntimesFile)
	if err != nil {
		return nil, fmt.Errorf("loading runtime table: %w", err)
	}
	return runtimes, nil
}

func sandboxLimits(cfg *config.Config) sandbox.Limits {
	limits := sandbox.DefaultLimits()
	if cfg.Sandbox.CompileTimeoutSeconds > 0 {
		limits.CompileTimeout = time.Duration(cfg.Sandbox.CompileTimeoutSeconds) * time.Second
	}
	if cfg.Sandbox.RunTimeoutSeconds > 0 {
		limits.RunTimeout = time.Duration(cfg.Sandbox.RunTimeoutSeconds) * time.Second
	}
	if cfg.Sandbox.MemoryLimitMB > 0 {
		limits.MemoryBytes = int64(cfg.Sandbox.MemoryLimitMB) * 1024 * 1024
	}
	return limits
}
