package main

import (
	"context"
	"flag"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"metergate/internal/bootstrap"
	"metergate/internal/config"
	"metergate/internal/logger"
	"metergate/internal/orchestrator"
)

func main() {
	mode := flag.String("mode", "schedule", "Orchestrator mode: schedule|relay")
	runTask := flag.String("run", "", "Run one task by name and exit (rolling-reset|verify-rolling-reset|expiration-sweep)")
	flag.Parse()

	logger := logger.New()

	if err := godotenv.Load(); err != nil {
		logger.Warn().Msg("Warning: no .env file found")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Msgf("Error loading config: %v", err)
	}

	// Set up context with graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Msgf("Failed to initialize: %v", err)
	}
	defer app.Close()

	if *runTask != "" {
		if err := app.Scheduler.RunNow(ctx, *runTask); err != nil {
			logger.Fatal().Err(err).Str("task", *runTask).Msg("task failed")
		}
		logger.Info().Str("task", *runTask).Msg("task completed")
		return
	}

	var runErr error
	switch *mode {
	case "schedule":
		app.Scheduler.Start()
		<-ctx.Done()
		runErr = app.Scheduler.Stop(context.Background())
	case "relay":
		if app.Queue == nil {
			logger.Fatal().Msg("relay mode requires NOTIFY_BACKEND=pgmq")
		}
		sink, err := app.RelaySink(ctx)
		if err != nil {
			logger.Fatal().Msgf("Failed to create relay sink: %v", err)
		}
		runErr = orchestrator.RunRelay(ctx, logger, app.Queue, cfg.PGMQNotifyQueue, sink)
	default:
		logger.Fatal().Msgf("Invalid mode: %s", *mode)
	}

	if runErr != nil {
		logger.Fatal().Msgf("%s orchestrator failed: %v", *mode, runErr)
	}
	logger.Info().Msgf("%s orchestrator stopped gracefully", *mode)
}
