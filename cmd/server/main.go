package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/confvault/confvault/internal/api"
	"github.com/confvault/confvault/internal/archive"
	"github.com/confvault/confvault/internal/auth"
	"github.com/confvault/confvault/internal/channels"
	"github.com/confvault/confvault/internal/config"
	"github.com/confvault/confvault/internal/connector"
	"github.com/confvault/confvault/internal/database"
	"github.com/confvault/confvault/internal/runner"
	"github.com/confvault/confvault/internal/scheduler"
	"github.com/confvault/confvault/internal/store"
)

func main() {
	// Load configuration
	cfg, err := config.Load("config.yaml")
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logger
	logger := initLogger(cfg.Logging)
	logger.Info("Starting ConfVault Server",
		"version", "1.0.0",
		"host", cfg.Server.Host,
		"port", cfg.Server.Port,
	)

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database connection pool
	pool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("DB init failed: %v", err)
	}
	defer pool.Close()

	// Run embedded migrations (compiled into the binary)
	if err := database.RunMigrations(pool); err != nil {
		log.Fatalf("Migrations failed: %v", err)
	}

	// Initialize authentication service
	authService, err := auth.NewService(
		cfg.Auth.JWTSecret,
		cfg.Auth.EncryptionKey,
		cfg.Auth.AdminUsername,
		cfg.Auth.AdminPassword,
		cfg.Auth.GetJWTExpiry(),
	)
	if err != nil {
		log.Fatalf("Failed to initialize auth service: %v", err)
	}

	// Initialize EventChannels
	events := channels.NewEventChannels(channels.EventChannelsConfig{
		JobRequestBufferSize: cfg.Runner.JobQueueSize,
	})
	defer events.Close()
	logger.Info("EventChannels initialized", "job_queue_size", cfg.Runner.JobQueueSize)

	// Start event consumers
	channels.StartJobStatusLogger(ctx, events, logger)
	channels.StartCredentialAuditLogger(ctx, events, logger)

	// Initialize persistence layer
	st := store.New(pool, cfg.Runner.SuccessRateDecay, logger)

	// Initialize snapshot archive
	gitArchive, err := archive.NewGitArchive(cfg.Archive, logger)
	if err != nil {
		log.Fatalf("Failed to open snapshot archive: %v", err)
	}

	// Wire the job execution engine
	registry := connector.NewRegistry()
	metrics := runner.NewMetrics(st, logger)
	resolver := runner.NewResolver(st, logger)
	executor := runner.NewExecutor(registry, metrics, authService, gitArchive, events, logger)
	dispatcher := runner.NewDispatcher(executor, cfg.Runner.WorkerPoolSize, logger)
	jobRunner := runner.New(
		st, st, resolver, dispatcher, st, events,
		cfg.Runner.GetDefaultCommandTimeout(), logger,
	)

	// Start the runner worker
	go func() {
		if err := jobRunner.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Job runner error", "error", err)
		}
	}()

	// Start the cron scheduler
	sched := scheduler.New(st, events, logger)
	if err := sched.Start(ctx); err != nil {
		log.Fatalf("Failed to start scheduler: %v", err)
	}
	defer sched.Stop()

	// Create API router
	handlers := api.NewHandlers(st, authService, events, sched, logger)
	router := api.NewRouter(handlers, cfg, logger)

	// Create HTTP server
	srv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.GetReadTimeout(),
		WriteTimeout: cfg.Server.GetWriteTimeout(),
	}

	// Start server in goroutine
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	// Cancel the main context to signal all workers to stop
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Server stopped gracefully")
}

func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var handler slog.Handler

	// Set log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	// Set format
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
