package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metergate/internal/config"
	"metergate/internal/model"
	"metergate/internal/orchestrator"
)

func memoryConfig() *config.Config {
	return &config.Config{
		Environment:             "test",
		JWTSecret:               "secret",
		LedgerBackend:           "memory",
		NotifyBackend:           "log",
		CompletionTimeout:       time.Second,
		SchedulerTimezone:       "UTC",
		RollingResetSchedule:    "0 * * * *",
		VerifyResetSchedule:     "0 1 * * *",
		ExpirationSweepSchedule: "0 * * * *",
		SchedulerLockTTL:        time.Minute,
	}
}

func TestBuildMemoryApp(t *testing.T) {
	ctx := context.Background()
	app, err := Build(ctx, memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	assert.Nil(t, app.Pool)
	assert.Nil(t, app.Queue)

	rec, created, err := app.Quota.Register(ctx, "acct-1", "a@example.com")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, model.TierBase, rec.Tier)

	role, err := app.RoleLookup(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, model.RoleStandard, role)

	var names []string
	for _, info := range app.Scheduler.Tasks() {
		names = append(names, info.Name)
	}
	assert.ElementsMatch(t, []string{
		orchestrator.TaskRollingReset,
		orchestrator.TaskVerifyRollingReset,
		orchestrator.TaskExpirationSweep,
	}, names)

	require.NoError(t, app.Scheduler.RunNow(ctx, orchestrator.TaskRollingReset))
}

func TestRelaySinkFallsBackToLog(t *testing.T) {
	app, err := Build(context.Background(), memoryConfig(), zerolog.Nop())
	require.NoError(t, err)
	defer app.Close()

	sink, err := app.RelaySink(context.Background())
	require.NoError(t, err)
	require.NoError(t, sink.NotifyQuotaExhausted(context.Background(), model.QuotaExhaustedNotice{AccountID: "acct-1"}))
}

func TestPrepareDSN(t *testing.T) {
	tests := []struct {
		env, in, want string
	}{
		{"development", "postgres://u:p@localhost:5432/db", "postgres://u:p@localhost:5432/db?sslmode=disable"},
		{"development", "postgres://u:p@localhost/db?pool_max_conns=5", "postgres://u:p@localhost/db?pool_max_conns=5&sslmode=disable"},
		{"development", "host=localhost dbname=db", "host=localhost dbname=db sslmode=disable"},
		{"development", "postgres://localhost/db?sslmode=require", "postgres://localhost/db?sslmode=require"},
		{"production", "postgres://localhost/db", "postgres://localhost/db"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, prepareDSN(tt.env, tt.in))
	}
}
