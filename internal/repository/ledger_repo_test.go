package repository

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"metergate/internal/model"
)

// newTestPool connects to TEST_DATABASE_URL or skips.
func newTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, Migrate(ctx, pool))
	return pool
}

func TestLedgerRepoConcurrentDecrement(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	l := NewLedgerRepo(pool)
	id := "test-" + uuid.NewString()

	now := time.Now().UTC().Truncate(time.Microsecond)
	_, created, err := l.EnsureAccount(ctx, model.Account{AccountID: id, Email: "pg@example.com"}, model.TierChange{
		Tier: model.TierBase, Quota: 5, IsActive: true,
		StartedAt: now, ExpiresAt: model.NeverExpires, NextReset: now.Add(time.Hour),
	})
	require.NoError(t, err)
	require.True(t, created)

	var wg sync.WaitGroup
	var mu sync.Mutex
	charged := 0
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := l.DecrementIfPositive(ctx, id, now, nil)
			if err == nil && ok {
				mu.Lock()
				charged++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	rec, err := l.Read(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 0, rec.RequestsRemaining)
	assert.Equal(t, 5, charged)

	rec, err = l.Increment(ctx, id, 1, now)
	require.NoError(t, err)
	assert.Equal(t, 1, rec.RequestsRemaining)
}

func TestLedgerRepoResetAndBillingLink(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	l := NewLedgerRepo(pool)
	id := "test-" + uuid.NewString()
	now := time.Now().UTC().Truncate(time.Microsecond)

	_, _, err := l.EnsureAccount(ctx, model.Account{AccountID: id}, model.TierChange{
		Tier: model.TierBase, Quota: 0, IsActive: true,
		StartedAt: now, ExpiresAt: model.NeverExpires, NextReset: now.Add(-time.Minute),
	})
	require.NoError(t, err)

	applied, err := l.ResetQuota(ctx, id, 5, now.Add(30*24*time.Hour), now)
	require.NoError(t, err)
	assert.True(t, applied)
	applied, err = l.ResetQuota(ctx, id, 5, now.Add(60*24*time.Hour), now)
	require.NoError(t, err)
	assert.False(t, applied)

	ref := "cus_" + uuid.NewString()
	require.NoError(t, l.LinkBillingCustomer(ctx, id, ref))
	rec, err := l.FindByBillingCustomer(ctx, ref)
	require.NoError(t, err)
	assert.Equal(t, id, rec.AccountID)
	assert.Equal(t, 5, rec.RequestsRemaining)

	other := "test-" + uuid.NewString()
	_, _, err = l.EnsureAccount(ctx, model.Account{AccountID: other}, model.TierChange{
		Tier: model.TierBase, Quota: 5, IsActive: true,
		StartedAt: now, ExpiresAt: model.NeverExpires, NextReset: now.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.ErrorIs(t, l.LinkBillingCustomer(ctx, other, ref), ErrCustomerLinkConflict)
}

func TestBillingEventRepoDedup(t *testing.T) {
	pool := newTestPool(t)
	ctx := context.Background()
	r := NewBillingEventRepo(pool)
	ev := &model.BillingEvent{Provider: "stripe", ProviderEventID: "evt_" + uuid.NewString(), EventType: "invoice.paid", Payload: `{}`}

	stored, err := r.Record(ctx, ev)
	require.NoError(t, err)
	assert.True(t, stored.NeedsProcessing())
	require.NoError(t, r.MarkProcessed(ctx, stored.ID, "", time.Now()))

	again, err := r.Record(ctx, ev)
	require.NoError(t, err)
	assert.Equal(t, stored.ID, again.ID)
	assert.False(t, again.NeedsProcessing())
}
