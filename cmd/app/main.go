package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"metergate/internal/api/v1/router"
	"metergate/internal/bootstrap"
	"metergate/internal/config"
	"metergate/internal/logger"
)

// @title Metergate API
// @version 1.0
// @description Metered dream interpretation with tiered monthly quotas
// @host localhost:8080
// @BasePath /v1
// @Schemes http https

func main() {
	logger := logger.New()

	// 1. Load configuration
	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// 2. Wire storage and services
	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	app, err := bootstrap.Build(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize: %v", err)
	}
	defer app.Close()

	// 3. Create HTTP server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router.New(app, logger),
		// The completion call plus its summary can take most of the provider timeout.
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.CompletionTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.SchedulerEnabled {
		if cfg.RedisURL == "" {
			logger.Warn().Msg("Scheduler enabled without REDIS_URL; do not also run cmd/orchestrator -mode schedule")
		}
		app.Scheduler.Start()
	}

	// 4. Start server in a goroutine
	go func() {
		logger.Info().Msgf("Server starting on port %s", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Msgf("Listen: %s", err)
		}
	}()

	// 5. Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info().Msg("Shutdown signal received, exiting...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if cfg.SchedulerEnabled {
		if err := app.Scheduler.Stop(ctx); err != nil {
			logger.Error().Err(err).Msg("Scheduler did not stop in time")
		}
	}
	logger.Info().Msg("Server shut down gracefully")
}
