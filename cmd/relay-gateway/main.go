// relay-gateway is the websocket front door: it relays each inbound image
// through the backend and replies with the first rendered result.
package main

import (
	"context"
	"errors"
	"imagerelay/internal/api"
	"imagerelay/internal/bus"
	"imagerelay/internal/comfy"
	"imagerelay/internal/completion"
	"imagerelay/internal/config"
	"imagerelay/internal/health"
	"imagerelay/internal/observability"
	"imagerelay/internal/relay"
	"imagerelay/internal/storage"
	"imagerelay/pkg/circuitbreaker"
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
		slog.Error("Service failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	// Load configuration
	svcCfg := config.LoadGatewayConfig()
	busCfg := bus.LoadConfigFromEnv()
	storageCfg := storage.LoadConfigFromEnv()
	comfyCfg := comfy.LoadConfigFromEnv()
	waiterCfg := completion.LoadConfigFromEnv(busCfg.Queues.Completion, busCfg.Queues.DeadLetter)

	// Setup metrics
	metrics, metricsHandler, err := observability.NewMetrics(ctx)
	if err != nil {
		return err
	}

	store, err := storage.Open(ctx, storageCfg)
	if err != nil {
		return err
	}
	slog.Info("Storage ready", "driver", storageCfg.Driver)

	broker, err := bus.Open(ctx, busCfg)
	if err != nil {
		return err
	}
	defer broker.Close()
	slog.Info("Connected to signal bus", "driver", busCfg.Driver)

	template, err := comfy.LoadTemplate(comfyCfg.Workflow)
	if err != nil {
		return err
	}
	breakers := circuitbreaker.NewRegistry(comfyCfg.Breaker)
	client := comfy.NewClient(comfyCfg, store, breakers, metrics)

	// Start the completion consumer before accepting relays
	waiter := completion.NewWaiter(broker, waiterCfg, metrics)
	waiterCtx, stopWaiter := context.WithCancel(context.Background())
	waiterDone := make(chan struct{})
	go func() {
		defer close(waiterDone)
		waiter.Run(waiterCtx)
	}()

	relayService := relay.NewService(relay.Config{
		StartQueue:        busCfg.Queues.StartWatching,
		CompletionTimeout: svcCfg.CompletionTimeout,
		MaxConcurrent:     svcCfg.MaxConcurrentRelays,
	}, relay.Deps{
		Store:     store,
		Client:    client,
		Template:  template,
		Waiter:    waiter,
		Publisher: broker,
		Metrics:   metrics,
	})

	// Create health checker
	healthChecker := health.NewChecker().
		Add("bus", broker).
		Add("completion", waiter).
		Add("storage", store).
		Add("backend", client)

	handler := api.NewHandler(relayService, healthChecker, api.HandlerConfig{
		AllowedOrigins:  svcCfg.AllowedOrigins,
		MaxPayloadBytes: svcCfg.MaxPayloadBytes,
	})

	// Create API router
	router := api.NewRouter(api.RouterConfig{
		Handler:        handler,
		Metrics:        metrics,
		APIKey:         svcCfg.APIKey,
		AllowedOrigins: svcCfg.AllowedOrigins,
		StaticDir:      svcCfg.StaticDir,
	})

	if svcCfg.APIKey != "" {
		slog.Info("API authentication enabled")
	} else {
		slog.Warn("API authentication disabled - no API_KEY_FILE configured")
	}

	// No read/write timeouts: websocket connections are long-lived and
	// each relay may wait up to the completion timeout.
	apiServer := &http.Server{
		Addr:              ":" + svcCfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Create metrics server
	metricsMux := http.NewServeMux()
	metricsMux.Handle("GET /metrics", metricsHandler)
	metricsServer := &http.Server{
		Addr:         ":" + svcCfg.MetricsPort,
		Handler:      metricsMux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	// Relays register before they publish, so the consumer must be up first
	connectCtx, cancelConnect := context.WithTimeout(ctx, svcCfg.StartupTimeout)
	err = waiter.WaitConnected(connectCtx)
	cancelConnect()
	if err != nil {
		slog.Error("Completion consumer not established", "timeout", svcCfg.StartupTimeout, "error", err)
		stopWaiter()
		<-waiterDone
		return err
	}
	slog.Info("Completion consumer established", "queue", waiterCfg.Queue)

	// Channel to capture server errors
	serverErr := make(chan error, 1)

	// Start API server
	go func() {
		slog.Info("Starting gateway", "port", svcCfg.Port, "completionTimeout", svcCfg.CompletionTimeout)
		if err := apiServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// Start metrics server
	go func() {
		slog.Info("Starting metrics server", "port", svcCfg.MetricsPort)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	// shutdown closes both servers gracefully
	shutdown := func(timeout time.Duration) {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()

		if err := apiServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("API server shutdown error", "error", err)
		}
		// hijacked websocket connections are not covered by Shutdown
		if err := handler.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Websocket drain incomplete, in-flight relays canceled", "error", err)
		}
		if err := metricsServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Metrics server shutdown error", "error", err)
		}
	}

	// Wait for interrupt signal or server error
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server failed to start", "error", err)
		shutdown(5 * time.Second)
		stopWaiter()
		<-waiterDone
		return err
	}

	// Phase 1: Mark service as unhealthy for load balancer draining
	healthChecker.SetShuttingDown()

	// Wait for load balancers to stop sending traffic
	if svcCfg.ShutdownDrainWait > 0 {
		slog.Info("Waiting for traffic to drain", "duration", svcCfg.ShutdownDrainWait)
		time.Sleep(svcCfg.ShutdownDrainWait)
	}

	// Phase 2: Graceful shutdown - stop accepting connections, let in-flight
	// relays finish within the completion timeout
	slog.Info("Starting graceful shutdown", "activeConnections", handler.ActiveConnections())
	shutdown(svcCfg.CompletionTimeout + 5*time.Second)

	// Phase 3: Stop the completion consumer
	stopWaiter()
	<-waiterDone

	stats := waiter.Stats()
	slog.Info("Completion waiter stats",
		"resolved", stats.Resolved,
		"requeued", stats.Requeued,
		"deadLettered", stats.DeadLettered,
		"failed", stats.Failed,
	)
	if open := breakers.OpenKeys(); len(open) > 0 {
		slog.Warn("Backend circuit open at shutdown", "backends", open)
	}

	slog.Info("Shutdown complete")
	return nil
}
