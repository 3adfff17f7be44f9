package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metergate/internal/model"
	"metergate/internal/repository"
	"metergate/internal/tier"
)

// flakyLedger fails writes for selected accounts.
type flakyLedger struct {
	repository.LedgerRepository
	fail map[string]bool
}

func (f *flakyLedger) ResetQuota(ctx context.Context, id string, quota int, next, now time.Time) (bool, error) {
	if f.fail[id] {
		return false, errors.New("write failed")
	}
	return f.LedgerRepository.ResetQuota(ctx, id, quota, next, now)
}

func (f *flakyLedger) SetTierAndReset(ctx context.Context, id string, change model.TierChange, now time.Time) (*model.QuotaRecord, error) {
	if f.fail[id] {
		return nil, errors.New("write failed")
	}
	return f.LedgerRepository.SetTierAndReset(ctx, id, change, now)
}

func newMaintenance(l repository.LedgerRepository, at time.Time) MaintenanceService {
	return NewMaintenanceService(l, time.UTC, fixedClock(at), zerolog.Nop())
}

func TestRollingResetAdvancesFullAccount(t *testing.T) {
	l := repository.NewMemoryLedger()
	seedAccount(t, l, "acc-1", seedOpts{remaining: 5, active: true, nextReset: now0.Add(-time.Hour)})

	report, err := newMaintenance(l, now0).RollingReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResetReport{Scanned: 1, Reset: 1}, report)

	rec := mustRead(t, l, "acc-1")
	assert.Equal(t, 5, rec.RequestsRemaining)
	assert.Equal(t, now0.Add(tier.Period), rec.NextReset)
}

func TestRollingResetRestoresExactQuota(t *testing.T) {
	l := repository.NewMemoryLedger()
	seedAccount(t, l, "drained", seedOpts{tier: model.TierMid, remaining: 0, active: true, nextReset: now0.Add(-time.Minute)})
	seedAccount(t, l, "overfull", seedOpts{tier: model.TierMid, remaining: 52, active: true, nextReset: now0.Add(-time.Minute)})
	seedAccount(t, l, "admin", seedOpts{role: model.RoleAdmin, remaining: 0, active: true, nextReset: now0.Add(-time.Minute)})
	seedAccount(t, l, "later", seedOpts{remaining: 1, active: true, nextReset: now0.Add(time.Hour)})

	report, err := newMaintenance(l, now0).RollingReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Reset)

	assert.Equal(t, 40, mustRead(t, l, "drained").RequestsRemaining)
	assert.Equal(t, 40, mustRead(t, l, "overfull").RequestsRemaining)
	assert.Equal(t, 0, mustRead(t, l, "admin").RequestsRemaining)
	assert.Equal(t, 1, mustRead(t, l, "later").RequestsRemaining)
}

func TestRollingResetIsReentrant(t *testing.T) {
	l := repository.NewMemoryLedger()
	seedAccount(t, l, "acc-1", seedOpts{remaining: 0, active: true, nextReset: now0.Add(-time.Hour)})
	m := newMaintenance(l, now0)

	_, err := m.RollingReset(context.Background())
	require.NoError(t, err)
	_, _, err = l.DecrementIfPositive(context.Background(), "acc-1", now0, nil)
	require.NoError(t, err)

	report, err := m.RollingReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
	assert.Equal(t, 4, mustRead(t, l, "acc-1").RequestsRemaining)
}

func TestRollingResetSkipsAccountsResetToday(t *testing.T) {
	l := repository.NewMemoryLedger()
	seedAccount(t, l, "acc-1", seedOpts{remaining: 0, active: true, nextReset: now0.Add(-3 * time.Hour)})
	// A reset earlier today that left nextReset behind, e.g. a clock correction.
	applied, err := l.ResetQuota(context.Background(), "acc-1", 2, now0.Add(-30*time.Minute), now0.Add(-2*time.Hour))
	require.NoError(t, err)
	require.True(t, applied)

	report, err := newMaintenance(l, now0).RollingReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResetReport{Scanned: 1, Skipped: 1}, report)
	assert.Equal(t, 2, mustRead(t, l, "acc-1").RequestsRemaining)
}

func TestRollingResetLeavesLapsedPaidAccountsToSweep(t *testing.T) {
	l := repository.NewMemoryLedger()
	seedAccount(t, l, "lapsed", seedOpts{tier: model.TierTop, remaining: 3, active: true, expiresAt: now0.Add(-time.Second), nextReset: now0.Add(-time.Hour)})

	report, err := newMaintenance(l, now0).RollingReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 3, mustRead(t, l, "lapsed").RequestsRemaining)
}

func TestRollingResetIsolatesFailures(t *testing.T) {
	base := repository.NewMemoryLedger()
	for _, id := range []string{"a", "b", "c"} {
		seedAccount(t, base, id, seedOpts{remaining: 0, active: true, nextReset: now0.Add(-time.Hour)})
	}
	l := &flakyLedger{LedgerRepository: base, fail: map[string]bool{"b": true}}

	report, err := newMaintenance(l, now0).RollingReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ResetReport{Scanned: 3, Reset: 2, Failed: 1}, report)
	assert.Equal(t, 5, mustRead(t, base, "a").RequestsRemaining)
	assert.Equal(t, 0, mustRead(t, base, "b").RequestsRemaining)
	assert.Equal(t, 5, mustRead(t, base, "c").RequestsRemaining)
}

func TestVerifyRollingResetReportsWithoutRepair(t *testing.T) {
	l := repository.NewMemoryLedger()
	seedAccount(t, l, "stuck", seedOpts{remaining: 0, active: true, nextReset: now0.Add(-2 * time.Hour)})
	seedAccount(t, l, "fine", seedOpts{remaining: 2, active: true, nextReset: now0.Add(-2 * time.Hour)})
	seedAccount(t, l, "admin", seedOpts{role: model.RoleAdmin, remaining: 0, active: true, nextReset: now0.Add(-2 * time.Hour)})

	report, err := newMaintenance(l, now0).VerifyRollingReset(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"stuck"}, report.Stuck)
	assert.Equal(t, 0, mustRead(t, l, "stuck").RequestsRemaining)
}

func TestSweepExpiredDemotesToBase(t *testing.T) {
	l := repository.NewMemoryLedger()
	seedAccount(t, l, "top", seedOpts{tier: model.TierTop, remaining: 100, active: true, expiresAt: now0.Add(-time.Second)})
	seedAccount(t, l, "canceled", seedOpts{tier: model.TierMid, remaining: 7, active: false, expiresAt: now0.Add(-time.Minute)})
	seedAccount(t, l, "current", seedOpts{tier: model.TierMid, remaining: 7, active: true, expiresAt: now0.Add(time.Hour)})
	seedAccount(t, l, "base", seedOpts{remaining: 2, active: true})

	m := newMaintenance(l, now0)
	report, err := m.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 2, Demoted: 2}, report)

	for _, id := range []string{"top", "canceled"} {
		rec := mustRead(t, l, id)
		assert.Equal(t, model.TierBase, rec.Tier, id)
		assert.False(t, rec.IsActive, id)
		assert.Equal(t, 5, rec.RequestsRemaining, id)
		assert.Equal(t, model.NeverExpires, rec.ExpiresAt, id)
		assert.Equal(t, now0.Add(tier.Period), rec.NextReset, id)
	}
	assert.Equal(t, model.TierMid, mustRead(t, l, "current").Tier)
	assert.Equal(t, 2, mustRead(t, l, "base").RequestsRemaining)

	report, err = m.SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Scanned)
}

func TestSweepExpiredIsolatesFailures(t *testing.T) {
	base := repository.NewMemoryLedger()
	seedAccount(t, base, "a", seedOpts{tier: model.TierTop, remaining: 1, active: true, expiresAt: now0.Add(-time.Second)})
	seedAccount(t, base, "b", seedOpts{tier: model.TierTop, remaining: 1, active: true, expiresAt: now0.Add(-time.Second)})
	l := &flakyLedger{LedgerRepository: base, fail: map[string]bool{"a": true}}

	report, err := newMaintenance(l, now0).SweepExpired(context.Background())
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Scanned: 2, Demoted: 1, Failed: 1}, report)
	assert.Equal(t, model.TierTop, mustRead(t, base, "a").Tier)
	assert.Equal(t, model.TierBase, mustRead(t, base, "b").Tier)
}
