// Package bootstrap builds the storage, services and scheduler shared by the
// HTTP server and the orchestrator.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"metergate/internal/config"
	"metergate/internal/model"
	"metergate/internal/orchestrator"
	"metergate/internal/pgmq"
	"metergate/internal/pubsub"
	"metergate/internal/repository"
	"metergate/internal/scheduler"
	"metergate/internal/service"
)

type App struct {
	Config *config.Config

	Pool   *pgxpool.Pool // nil with the memory ledger
	Queue  *pgmq.Client  // nil unless NOTIFY_BACKEND=pgmq
	Ledger repository.LedgerRepository

	Quota       service.QuotaService
	Metered     service.MeteredService
	Billing     service.BillingSyncService
	Gateway     service.StripeGateway
	Maintenance service.MaintenanceService
	Scheduler   *scheduler.Scheduler

	logger  zerolog.Logger
	closers []func()
}

// Build resolves secrets, opens storage and wires every component.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*App, error) {
	a := &App{Config: cfg, logger: logger}

	if cfg.NeedsSecretManager() {
		resolver, err := service.NewSecretManagerService(ctx, cfg)
		if err != nil {
			return nil, err
		}
		if err := service.LoadSecrets(ctx, cfg, resolver); err != nil {
			return nil, err
		}
		logger.Info().Msg("Secrets loaded from Secret Manager")
	}

	var (
		results repository.InterpretationRepository
		events  repository.BillingEventRepository
	)
	switch cfg.LedgerBackend {
	case "postgres":
		pool, err := openPool(ctx, cfg, logger)
		if err != nil {
			return nil, err
		}
		a.Pool = pool
		a.closers = append(a.closers, pool.Close)
		if err := repository.Migrate(ctx, pool); err != nil {
			a.Close()
			return nil, err
		}
		a.Ledger = repository.NewLedgerRepo(pool)
		results = repository.NewInterpretationRepo(pool)
		events = repository.NewBillingEventRepo(pool)
	default:
		logger.Warn().Msg("Using the in-memory ledger; state is lost on restart")
		a.Ledger = repository.NewMemoryLedger()
		results = repository.NewMemoryInterpretationRepo()
		events = repository.NewMemoryBillingEventRepo()
	}

	notifier, err := a.buildNotifier(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Gateway = service.NewStripeGateway(cfg.StripeSecretKey, cfg.StripeWebhookSecret)
	completer := service.NewCompletionClient(service.NewOpenAIClient(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL), logger)

	a.Quota = service.NewQuotaService(a.Ledger, nil, logger)
	a.Metered = service.NewMeteredService(a.Ledger, results, completer, notifier, service.MeteredOptions{
		UpgradeLink: cfg.UpgradeLink,
		CallTimeout: cfg.CompletionTimeout,
	}, logger)
	a.Billing = service.NewBillingSyncService(a.Ledger, events, a.Gateway, service.BillingOptions{
		Catalog:     service.PriceCatalog{Mid: cfg.StripePriceMid, Top: cfg.StripePriceTop},
		FrontendURL: cfg.FrontendURL,
	}, logger)
	a.Maintenance = service.NewMaintenanceService(a.Ledger, cfg.Location(), nil, logger)

	locker, err := a.buildLocker()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Scheduler = scheduler.New(cfg.Location(), locker, cfg.SchedulerLockTTL, logger)
	if err := orchestrator.RegisterMaintenance(a.Scheduler, cfg, a.Maintenance); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// Close releases connections in reverse order of creation.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// RoleLookup reads the stored role for admin checks.
func (a *App) RoleLookup(ctx context.Context, accountID string) (model.Role, error) {
	rec, err := a.Ledger.Read(ctx, accountID)
	if err != nil {
		return "", err
	}
	return rec.Role, nil
}

// RelaySink is where the orchestrator forwards queued notices: Pub/Sub when a
// project is configured, the log otherwise.
func (a *App) RelaySink(ctx context.Context) (pgmq.Sink, error) {
	if a.Config.GCPProjectID == "" {
		return service.NewLogNotifier(a.logger), nil
	}
	return a.pubsubNotifier(ctx)
}

func (a *App) buildNotifier(ctx context.Context) (service.Notifier, error) {
	switch a.Config.NotifyBackend {
	case "pubsub":
		return a.pubsubNotifier(ctx)
	case "pgmq":
		a.Queue = pgmq.New(a.Pool)
		if err := a.Queue.CreateQueue(ctx, a.Config.PGMQNotifyQueue); err != nil {
			return nil, err
		}
		return pgmq.NewNotifier(a.Queue, a.Config.PGMQNotifyQueue), nil
	default:
		return service.NewLogNotifier(a.logger), nil
	}
}

func (a *App) pubsubNotifier(ctx context.Context) (*pubsub.Notifier, error) {
	publisher, err := pubsub.NewPublisher(ctx, a.Config.GCPProjectID, a.Config.GCPCredentialsFile)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() {
		if err := publisher.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close Pub/Sub client")
		}
	})
	return pubsub.NewNotifier(publisher, a.Config.PubSubNotifyTopic), nil
}

func (a *App) buildLocker() (scheduler.Locker, error) {
	if a.Config.RedisURL == "" {
		return scheduler.NewLocalLocker(), nil
	}
	client, err := scheduler.NewRedisClient(a.Config.RedisURL)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = client.Close() })
	return scheduler.NewRedisLocker(client), nil
}

func openPool(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(prepareDSN(cfg.Environment, cfg.DBConnectionString))
	if err != nil {
		return nil, fmt.Errorf("parse DB_CONNECTION_STRING: %w", err)
	}
	// Transaction poolers such as pgbouncer reject server-side prepared statements.
	if cfg.Environment != "development" {
		poolCfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	}
	poolCfg.MaxConns = 25

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("open DB pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping DB: %w", err)
	}
	logger.Info().Msg("Database connection successful")
	return pool, nil
}

// prepareDSN disables SSL for local development unless the DSN sets sslmode.
func prepareDSN(env, dsn string) string {
	if env != "development" || strings.Contains(dsn, "sslmode") {
		return dsn
	}
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if strings.Contains(dsn, "?") {
			return dsn + "&sslmode=disable"
		}
		return dsn + "?sslmode=disable"
	}
	return dsn + " sslmode=disable"
}
