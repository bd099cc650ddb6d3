// main.go
// Timeclock terminal daemon. Hosts the offline-first attendance engine
// (durable store, employee state cache, action queue, queue drainer,
// sync scheduler) and serves the local kiosk UI over HTTP + WebSocket.

package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"timeclock/api"
	"timeclock/config"
	"timeclock/db"
	"timeclock/events"
	"timeclock/handlers"
	"timeclock/logging"
	"timeclock/metrics"
	"timeclock/middleware"
	"timeclock/queue"
	"timeclock/state"
	"timeclock/syncer"
)

func main() {
	// Load environment variables
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger, err := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	logger.Infow("starting timeclock terminal",
		"environment", cfg.Server.Environment,
		"port", cfg.Server.Port,
		"store", cfg.Store.Path)

	// Durable store, fatal if the collections cannot be opened.
	store, err := db.Open(cfg.Store.Path)
	if err != nil {
		logger.Fatalw("failed to open durable store", "error", err)
	}
	defer store.Close()

	// Metrics registry
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	m := metrics.New(registry)

	// Event hub for UI push updates
	hub := events.NewHub(logger, nil)
	defer hub.Close()

	// Core components
	client := api.NewClient(cfg.API, logger)
	cache := state.NewCache(store, hub, logger)
	actionQueue := queue.New(store, logger)
	service := state.NewService(cache, actionQueue, store, client, cfg.Sync.MaxAttempts, logger)
	drainer := syncer.NewDrainer(actionQueue, cache, client, m, logger)
	scheduler := syncer.NewScheduler(cfg.Sync, drainer, service, client, actionQueue, hub, m, logger)
	actionQueue.SetOnChange(scheduler.QueueChanged)

	// Bring the terminal up cache-first. The queue must be loaded before
	// any drain can run; first run with no connectivity is fatal.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := service.Bootstrap(ctx); err != nil {
		cancel()
		if errors.Is(err, state.ErrFirstRunOffline) {
			logger.Fatalw("first run requires connectivity, cannot continue", "error", err)
		}
		logger.Fatalw("initialization failed", "error", err)
	}
	cancel()

	if err := actionQueue.Load(); err != nil {
		logger.Fatalw("failed to load action queue", "error", err)
	}

	scheduler.Start()
	defer scheduler.Close()
	if time.Since(service.LastSync()) > cfg.Sync.MetadataInterval {
		// Warm start with a stale catalog: refresh names and activities
		// in the background, never blocking kiosk availability.
		scheduler.SyncMetadataNow()
	}

	// Handlers
	kioskHandler := handlers.NewKioskHandler(service, actionQueue, scheduler, logger)
	adminHandler := handlers.NewAdminHandler(service, actionQueue, logger)
	exportHandler := handlers.NewExportHandler(actionQueue, logger)

	// Rate limiter
	rateLimiter := middleware.NewRateLimiter(cfg.RateLimit.Requests, cfg.RateLimit.Window)
	done := make(chan struct{})
	defer close(done)
	rateLimiter.CleanupLoop(done)

	// Router
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	mux.HandleFunc("/api/employees", kioskHandler.Employees)
	mux.HandleFunc("/api/employee", kioskHandler.Employee)
	mux.HandleFunc("/api/activities", kioskHandler.Activities)
	mux.HandleFunc("/api/attendance/start", kioskHandler.StartWork)
	mux.HandleFunc("/api/attendance/stop", kioskHandler.StopWork)
	mux.HandleFunc("/api/sync", kioskHandler.Sync)
	mux.HandleFunc("/api/sync/status", kioskHandler.SyncStatus)
	mux.HandleFunc("/api/events", hub.ServeWS)

	mux.HandleFunc("/api/admin/queue/failed", adminHandler.FailedActions)
	mux.HandleFunc("/api/admin/queue/purge", adminHandler.PurgeQueue)
	mux.HandleFunc("/api/admin/reset", adminHandler.Reset)
	mux.HandleFunc("/api/admin/export", exportHandler.ExportQueue)

	// Global middleware
	handler := middleware.CORSMiddleware(cfg.CORS.AllowedOrigins)(mux)
	handler = middleware.RequestLogging(logger)(handler)
	handler = rateLimiter.Middleware()(handler)

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Infow("server listening", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalw("server failed to start", "error", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Errorw("server forced to shutdown", "error", err)
	}

	logger.Info("server stopped gracefully")
}

// Health check endpoint
func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	fmt.Fprintf(w, `{"status":"healthy","timestamp":%d,"version":"1.0.0"}`, time.Now().Unix())
}
