// Command conductor runs the agent orchestration engine: it registers the
// configured worker agents, starts the orchestrator's supervision loops, and
// shuts everything down gracefully on SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"conductor/pkg/bus"
	"conductor/pkg/config"
	"conductor/pkg/events"
	"conductor/pkg/knowledge"
	"conductor/pkg/limiter"
	"conductor/pkg/logx"
	"conductor/pkg/metrics"
	"conductor/pkg/orch"
	"conductor/pkg/persistence"
	"conductor/pkg/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	var configPath string
	var autonomy bool
	flag.StringVar(&configPath, "config", "", "path to YAML config file")
	flag.BoolVar(&autonomy, "autonomy", true, "allow autonomous decisions")
	flag.Parse()

	if err := run(configPath, autonomy); err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, autonomy bool) error {
	logger := logx.NewLogger("main")

	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	kb, err := knowledge.Load(cfg.Orchestrator.KnowledgePath, cfg.Orchestrator.HistoryLimit)
	if err != nil {
		return fmt.Errorf("load knowledge base: %w", err)
	}

	var store *persistence.Store
	if cfg.Persistence.Enabled {
		store, err = persistence.Open(cfg.Persistence.Path)
		if err != nil {
			return fmt.Errorf("open archive: %w", err)
		}
		defer func() {
			if cerr := store.Close(); cerr != nil {
				logger.Warn("closing archive: %v", cerr)
			}
		}()
	}

	var recorder *metrics.Recorder
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		recorder = metrics.NewRecorder(prometheus.DefaultRegisterer)
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("metrics listening on %s", cfg.Metrics.Addr)
			if serr := metricsSrv.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
				logger.Error("metrics server: %v", serr)
			}
		}()
	}

	msgBus := bus.New(cfg.Agent.InboxSize)
	emitter := events.NewEmitter(256)

	orchestrator := orch.New(cfg, msgBus, emitter, kb, nil, store, recorder)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	workers := cfg.Workers
	if len(workers) == 0 {
		// No workers configured: run a pair of general-purpose agents so the
		// engine is usable out of the box.
		workers = []config.WorkerSpec{
			{Name: "worker-a", Type: "general", Capabilities: []string{"echo", "sleep", "flaky"}},
			{Name: "worker-b", Type: "general", Capabilities: []string{"echo", "sleep", "flaky"}},
		}
	}

	// All workers share one bucket so the rate limit is engine-wide.
	bucket := limiter.NewBucket(cfg.Limiter.MaxTokens, cfg.Limiter.Window.Std())
	for _, spec := range workers {
		proc := worker.New(spec.Name, bucket, cfg.Retry, cfg.Breaker)
		if _, rerr := orchestrator.RegisterAgent(ctx, spec, proc); rerr != nil {
			return fmt.Errorf("register worker %s: %w", spec.Name, rerr)
		}
	}

	if err := orchestrator.Start(ctx); err != nil {
		return fmt.Errorf("start orchestrator: %w", err)
	}
	orchestrator.SetAutonomy(autonomy)
	logger.Info("conductor running with %d workers (autonomy=%t)", len(workers), autonomy)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := orchestrator.Stop(shutdownCtx); err != nil {
		logger.Warn("orchestrator stop: %v", err)
	}
	if metricsSrv != nil {
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics shutdown: %v", err)
		}
	}
	msgBus.Close()
	emitter.Close()

	logger.Info("conductor stopped")
	return nil
}
