package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Port               string `envconfig:"PORT" default:"8080"`
	Environment        string `envconfig:"ENV" default:"development"`
	LogLevel           string `envconfig:"LOG_LEVEL" default:"info"`
	DBConnectionString string `envconfig:"DB_CONNECTION_STRING"`
	JWTSecret          string `envconfig:"JWT_SECRET" required:"true"`

	// Ledger storage: "postgres" or "memory"
	LedgerBackend string `envconfig:"LEDGER_BACKEND" default:"postgres"`

	// Completion provider
	OpenAIAPIKey       string        `envconfig:"OPENAI_API_KEY"`
	OpenAIAPIKeySecret string        `envconfig:"OPENAI_API_KEY_SECRET"`
	OpenAIBaseURL      string        `envconfig:"OPENAI_BASE_URL"`
	CompletionTimeout  time.Duration `envconfig:"COMPLETION_TIMEOUT" default:"30s"`

	// Billing provider
	StripeSecretKey       string `envconfig:"STRIPE_SECRET_KEY"`
	StripeSecretKeySecret string `envconfig:"STRIPE_SECRET_KEY_SECRET"`
	StripeWebhookSecret   string `envconfig:"STRIPE_WEBHOOK_SECRET"`
	StripePriceMid        string `envconfig:"STRIPE_PRICE_MID"`
	StripePriceTop        string `envconfig:"STRIPE_PRICE_TOP"`
	FrontendURL           string `envconfig:"FRONTEND_URL" default:"http://localhost:5173"`
	UpgradeLink           string `envconfig:"UPGRADE_LINK"`

	// Quota-exhausted notifications: "pubsub", "pgmq" or "log"
	NotifyBackend      string `envconfig:"NOTIFY_BACKEND" default:"log"`
	GCPProjectID       string `envconfig:"GCP_PROJECT_ID"`
	GCPCredentialsFile string `envconfig:"GCP_CREDENTIALS_FILE"`
	PubSubNotifyTopic  string `envconfig:"PUBSUB_NOTIFY_TOPIC" default:"quota-exhausted"`
	PGMQNotifyQueue    string `envconfig:"PGMQ_NOTIFY_QUEUE" default:"quota_exhausted"`
	PubSubEmulatorHost string `envconfig:"PUBSUB_EMULATOR_HOST"`

	// Scheduler. cmd/orchestrator -mode schedule always runs the sweeps; SCHEDULER_ENABLED
	// also runs them inside cmd/app. More than one runner needs REDIS_URL for the task lock.
	SchedulerEnabled        bool          `envconfig:"SCHEDULER_ENABLED" default:"false"`
	SchedulerTimezone       string        `envconfig:"SCHEDULER_TIMEZONE" default:"America/Los_Angeles"`
	RollingResetSchedule    string        `envconfig:"ROLLING_RESET_SCHEDULE" default:"0 * * * *"`
	VerifyResetSchedule     string        `envconfig:"VERIFY_RESET_SCHEDULE" default:"0 1 * * *"`
	ExpirationSweepSchedule string        `envconfig:"EXPIRATION_SWEEP_SCHEDULE" default:"0 * * * *"`
	SchedulerLockTTL        time.Duration `envconfig:"SCHEDULER_LOCK_TTL" default:"10m"`
	RedisURL                string        `envconfig:"REDIS_URL"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks settings that depend on each other.
func (c *Config) Validate() error {
	var errs []error
	switch c.LedgerBackend {
	case "postgres":
		if c.DBConnectionString == "" {
			errs = append(errs, errors.New("DB_CONNECTION_STRING is required for the postgres ledger"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown LEDGER_BACKEND %q", c.LedgerBackend))
	}

	switch c.NotifyBackend {
	case "pubsub":
		if c.GCPProjectID == "" || c.PubSubNotifyTopic == "" {
			errs = append(errs, errors.New("GCP_PROJECT_ID and PUBSUB_NOTIFY_TOPIC are required for pubsub notifications"))
		}
	case "pgmq":
		if c.LedgerBackend != "postgres" {
			errs = append(errs, errors.New("pgmq notifications require the postgres ledger"))
		}
	case "log":
	default:
		errs = append(errs, fmt.Errorf("unknown NOTIFY_BACKEND %q", c.NotifyBackend))
	}

	if c.CompletionTimeout <= 0 {
		errs = append(errs, errors.New("COMPLETION_TIMEOUT must be positive"))
	}
	if _, err := time.LoadLocation(c.SchedulerTimezone); err != nil {
		errs = append(errs, fmt.Errorf("invalid SCHEDULER_TIMEZONE: %w", err))
	}
	return errors.Join(errs...)
}

// Location returns the scheduler timezone. Validate has already checked it.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.SchedulerTimezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NeedsSecretManager reports whether any credential must be fetched from Secret Manager.
func (c *Config) NeedsSecretManager() bool {
	return c.OpenAIAPIKeySecret != "" || c.StripeSecretKeySecret != ""
}
