// completion-watcher watches the backend event stream for correlation ids and
// publishes a completion signal when the backend reports no remaining work.
//
// With CORRELATION_ID set it watches that one id and exits. Otherwise it
// consumes the start-watching queue and launches one watcher per id, either
// in-process or as a one-shot container running this binary.
package main

import (
	"context"
	"errors"
	"fmt"
	"imagerelay/internal/bus"
	"imagerelay/internal/config"
	"imagerelay/internal/health"
	"imagerelay/internal/launcher"
	"imagerelay/internal/launcher/docker"
	"imagerelay/internal/observability"
	"imagerelay/internal/watcher"
	"imagerelay/pkg/backoff"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	if err := config.LoadDotEnv(); err != nil {
		slog.Warn("Failed to load .env", "error", err)
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: config.GetLogLevelEnv("LOG_LEVEL", slog.LevelInfo),
	})))

	if err := run(); err != nil {
		slog.Error("Watcher failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	svcCfg := config.LoadWatcherServiceConfig()
	busCfg := bus.LoadConfigFromEnv()
	watchCfg := watcher.LoadConfigFromEnv(busCfg.Queues.Completion)

	// Create context with cancellation
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	broker, err := bus.Open(ctx, busCfg)
	if err != nil {
		return err
	}
	defer broker.Close()
	slog.Info("Connected to signal bus", "driver", busCfg.Driver)

	if svcCfg.CorrelationID != "" {
		return runOnce(ctx, watcher.New(watchCfg, broker, nil), svcCfg.CorrelationID)
	}
	return serve(ctx, svcCfg, busCfg, watchCfg, broker)
}

// runOnce watches a single id; the process exit status reports the outcome.
func runOnce(ctx context.Context, w *watcher.Watcher, correlationID string) error {
	slog.Info("Watching single correlation id", "correlationId", correlationID)
	if err := w.Watch(ctx, correlationID); err != nil {
		return fmt.Errorf("watch %s: %w", correlationID, err)
	}
	return nil
}

func serve(ctx context.Context, svcCfg *config.WatcherServiceConfig, busCfg bus.Config, watchCfg watcher.Config, broker bus.Broker) error {
	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	registry := launcher.NewRegistry(svcCfg.LaunchRetain)

	var l launcher.Launcher
	switch svcCfg.LaunchMode {
	case launcher.ModeDocker:
		dockerCfg := docker.LoadConfigFromEnv()
		dockerCfg.Metrics = metrics
		dl, err := docker.New(ctx, dockerCfg, registry)
		if err != nil {
			return err
		}
		slog.Info("Connected to Docker daemon", "image", dockerCfg.Image)
		l = dl
	case launcher.ModeInProcess, "":
		l = launcher.NewInProcess(watcher.New(watchCfg, broker, metrics), registry, svcCfg.MaxConcurrent, metrics)
	default:
		return fmt.Errorf("unknown WATCHER_LAUNCH_MODE %q", svcCfg.LaunchMode)
	}
	defer l.Close()

	healthChecker := health.NewChecker().
		Add("bus", broker).
		Add("launcher", l)

	// Probes and metrics share one port
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metricsHandler)
	mux.HandleFunc("GET /livez", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !healthChecker.Readiness(r.Context()).IsHealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	consumer := launcher.NewConsumer(broker, busCfg.Queues.StartWatching, l, backoff.Config{
		Initial: 250 * time.Millisecond,
		Max:     5 * time.Second,
	})
	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		consumer.Run(consumerCtx)
	}()
	slog.Info("Completion watcher running", "mode", svcCfg.LaunchMode, "queue", busCfg.Queues.StartWatching)

	select {
	case <-ctx.Done():
		slog.Info("Received shutdown signal")
	case err := <-serverErr:
		stopConsumer()
		<-consumerDone
		return err
	}

	// Phase 1: stop taking new ids; unacked ones go back to the queue
	healthChecker.SetShuttingDown()
	stopConsumer()
	<-consumerDone

	// Phase 2: wait for running watchers; in-process ones are canceled by Close
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Letting running watchers finish", "duration", svcCfg.ShutdownDrainWait)
		drainRunning(registry, svcCfg.ShutdownDrainWait)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Metrics server shutdown error", "error", err)
	}

	slog.Info("Shutdown complete", "stillRunning", len(registry.Active()))
	return nil
}

// drainRunning waits up to d for the active watchers to finish.
func drainRunning(registry *launcher.Registry, d time.Duration) {
	deadline := time.Now().Add(d)
	for len(registry.Active()) > 0 && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}
}
