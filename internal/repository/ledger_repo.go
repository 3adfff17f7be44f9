package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"metergate/internal/model"
)

// SQLSTATE for unique_violation.
const uniqueViolation = "23505"

const selectRecord = `
	SELECT a.account_id, a.email, a.role, a.billing_customer_ref,
	       q.tier, q.is_active, q.started_at, q.expires_at, q.next_reset,
	       q.requests_remaining, q.last_request_at, q.last_reset_at, q.updated_at
	FROM quota_ledger q
	JOIN accounts a ON a.account_id = q.account_id
`

type ledgerRepo struct {
	pool *pgxpool.Pool
}

// NewLedgerRepo creates a LedgerRepository on postgres. Per-account serialization
// comes from SELECT ... FOR UPDATE on the ledger row.
func NewLedgerRepo(pool *pgxpool.Pool) LedgerRepository {
	return &ledgerRepo{pool: pool}
}

func scanRecord(row pgx.Row) (*model.QuotaRecord, error) {
	var rec model.QuotaRecord
	var role, tier string
	err := row.Scan(
		&rec.AccountID, &rec.Email, &role, &rec.BillingCustomerRef,
		&tier, &rec.IsActive, &rec.StartedAt, &rec.ExpiresAt, &rec.NextReset,
		&rec.RequestsRemaining, &rec.LastRequestAt, &rec.LastResetAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, err
	}
	rec.Role = model.Role(role)
	rec.Tier = model.Tier(tier)
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]model.QuotaRecord, error) {
	defer rows.Close()
	var out []model.QuotaRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// withLockedRow runs fn inside a transaction holding the row lock for accountID.
func (r *ledgerRepo) withLockedRow(ctx context.Context, accountID string, fn func(tx pgx.Tx, rec *model.QuotaRecord) error) error {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("starting ledger transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	rec, err := scanRecord(tx.QueryRow(ctx, selectRecord+` WHERE q.account_id = $1 FOR UPDATE OF q`, accountID))
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return err
		}
		return fmt.Errorf("locking ledger row for account %s: %w", accountID, err)
	}
	if err := fn(tx, rec); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing ledger transaction for account %s: %w", accountID, err)
	}
	return nil
}

func (r *ledgerRepo) EnsureAccount(ctx context.Context, acct model.Account, initial model.TierChange) (*model.QuotaRecord, bool, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, false, fmt.Errorf("starting account transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	role := acct.Role
	if role == "" {
		role = model.RoleStandard
	}
	tag, err := tx.Exec(ctx, `
		INSERT INTO accounts (account_id, email, role, billing_customer_ref)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (account_id) DO NOTHING`,
		acct.AccountID, acct.Email, string(role), acct.BillingCustomerRef)
	if err != nil {
		return nil, false, fmt.Errorf("inserting account %s: %w", acct.AccountID, err)
	}
	created := tag.RowsAffected() == 1

	_, err = tx.Exec(ctx, `
		INSERT INTO quota_ledger (account_id, tier, is_active, started_at, expires_at, next_reset, requests_remaining, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $4)
		ON CONFLICT (account_id) DO NOTHING`,
		acct.AccountID, string(initial.Tier), initial.IsActive, initial.StartedAt,
		initial.ExpiresAt, initial.NextReset, initial.Quota)
	if err != nil {
		return nil, false, fmt.Errorf("inserting ledger row for %s: %w", acct.AccountID, err)
	}

	rec, err := scanRecord(tx.QueryRow(ctx, selectRecord+` WHERE q.account_id = $1`, acct.AccountID))
	if err != nil {
		return nil, false, fmt.Errorf("reading ledger row for %s: %w", acct.AccountID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, false, fmt.Errorf("committing account %s: %w", acct.AccountID, err)
	}
	return rec, created, nil
}

func (r *ledgerRepo) Read(ctx context.Context, accountID string) (*model.QuotaRecord, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, selectRecord+` WHERE q.account_id = $1`, accountID))
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("reading ledger row for %s: %w", accountID, err)
	}
	return rec, err
}

func (r *ledgerRepo) FindByBillingCustomer(ctx context.Context, customerRef string) (*model.QuotaRecord, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx, selectRecord+` WHERE a.billing_customer_ref = $1`, customerRef))
	if err != nil && !errors.Is(err, ErrAccountNotFound) {
		return nil, fmt.Errorf("finding account for billing customer %s: %w", customerRef, err)
	}
	return rec, err
}

func (r *ledgerRepo) LinkBillingCustomer(ctx context.Context, accountID, customerRef string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE accounts SET billing_customer_ref = $2 WHERE account_id = $1`, accountID, customerRef)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", ErrCustomerLinkConflict, customerRef)
		}
		return fmt.Errorf("linking billing customer %s to %s: %w", customerRef, accountID, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func (r *ledgerRepo) DecrementIfPositive(ctx context.Context, accountID string, now time.Time, policy DebitPolicy) (*model.QuotaRecord, bool, error) {
	var out *model.QuotaRecord
	charged := false
	err := r.withLockedRow(ctx, accountID, func(tx pgx.Tx, rec *model.QuotaRecord) error {
		decision := DebitCharge
		if policy != nil {
			d, err := policy(*rec)
			if err != nil {
				return err
			}
			decision = d
		}
		if decision == DebitSkip {
			out = rec
			return nil
		}
		if rec.RequestsRemaining <= 0 {
			return ErrQuotaDepleted
		}
		_, err := tx.Exec(ctx, `
			UPDATE quota_ledger
			SET requests_remaining = requests_remaining - 1, last_request_at = $2, updated_at = $2
			WHERE account_id = $1`, accountID, now)
		if err != nil {
			return fmt.Errorf("decrementing quota for %s: %w", accountID, err)
		}
		rec.RequestsRemaining--
		rec.LastRequestAt = &now
		rec.UpdatedAt = now
		out = rec
		charged = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, charged, nil
}

func (r *ledgerRepo) Increment(ctx context.Context, accountID string, delta int, now time.Time) (*model.QuotaRecord, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("increment delta must be positive, got %d", delta)
	}
	var out *model.QuotaRecord
	err := r.withLockedRow(ctx, accountID, func(tx pgx.Tx, rec *model.QuotaRecord) error {
		_, err := tx.Exec(ctx, `
			UPDATE quota_ledger
			SET requests_remaining = requests_remaining + $2, updated_at = $3
			WHERE account_id = $1`, accountID, delta, now)
		if err != nil {
			return fmt.Errorf("incrementing quota for %s: %w", accountID, err)
		}
		rec.RequestsRemaining += delta
		rec.UpdatedAt = now
		out = rec
		return nil
	})
	return out, err
}

func (r *ledgerRepo) SetTierAndReset(ctx context.Context, accountID string, change model.TierChange, now time.Time) (*model.QuotaRecord, error) {
	var out *model.QuotaRecord
	err := r.withLockedRow(ctx, accountID, func(tx pgx.Tx, rec *model.QuotaRecord) error {
		_, err := tx.Exec(ctx, `
			UPDATE quota_ledger
			SET tier = $2, requests_remaining = $3, is_active = $4, started_at = $5,
			    expires_at = $6, next_reset = $7, last_reset_at = $8, updated_at = $8
			WHERE account_id = $1`,
			accountID, string(change.Tier), change.Quota, change.IsActive,
			change.StartedAt, change.ExpiresAt, change.NextReset, now)
		if err != nil {
			return fmt.Errorf("setting tier %s for %s: %w", change.Tier, accountID, err)
		}
		rec.Tier = change.Tier
		rec.RequestsRemaining = change.Quota
		rec.IsActive = change.IsActive
		rec.StartedAt = change.StartedAt
		rec.ExpiresAt = change.ExpiresAt
		rec.NextReset = change.NextReset
		rec.LastResetAt = &now
		rec.UpdatedAt = now
		out = rec
		return nil
	})
	return out, err
}

func (r *ledgerRepo) ResetQuota(ctx context.Context, accountID string, quota int, nextReset, now time.Time) (bool, error) {
	applied := false
	err := r.withLockedRow(ctx, accountID, func(tx pgx.Tx, rec *model.QuotaRecord) error {
		if !isDueForReset(*rec, now) {
			return nil
		}
		_, err := tx.Exec(ctx, `
			UPDATE quota_ledger
			SET requests_remaining = $2, next_reset = $3, last_reset_at = $4, updated_at = $4
			WHERE account_id = $1`, accountID, quota, nextReset, now)
		if err != nil {
			return fmt.Errorf("resetting quota for %s: %w", accountID, err)
		}
		applied = true
		return nil
	})
	return applied, err
}

func (r *ledgerRepo) MarkCanceled(ctx context.Context, accountID string, expiresAt, now time.Time) (*model.QuotaRecord, error) {
	var out *model.QuotaRecord
	err := r.withLockedRow(ctx, accountID, func(tx pgx.Tx, rec *model.QuotaRecord) error {
		_, err := tx.Exec(ctx, `
			UPDATE quota_ledger SET is_active = FALSE, expires_at = $2, updated_at = $3
			WHERE account_id = $1`, accountID, expiresAt, now)
		if err != nil {
			return fmt.Errorf("marking %s canceled: %w", accountID, err)
		}
		rec.IsActive = false
		rec.ExpiresAt = expiresAt
		rec.UpdatedAt = now
		out = rec
		return nil
	})
	return out, err
}

func (r *ledgerRepo) ListDueForReset(ctx context.Context, now time.Time) ([]model.QuotaRecord, error) {
	rows, err := r.pool.Query(ctx, selectRecord+`
		WHERE a.role <> 'ADMIN' AND q.next_reset <= $1
		ORDER BY q.next_reset`, now)
	if err != nil {
		return nil, fmt.Errorf("listing accounts due for reset: %w", err)
	}
	return collectRecords(rows)
}

func (r *ledgerRepo) ListExpired(ctx context.Context, now time.Time) ([]model.QuotaRecord, error) {
	rows, err := r.pool.Query(ctx, selectRecord+`
		WHERE q.expires_at <= $1 AND (q.is_active OR q.tier <> 'BASE')
		ORDER BY q.expires_at`, now)
	if err != nil {
		return nil, fmt.Errorf("listing expired accounts: %w", err)
	}
	return collectRecords(rows)
}

func (r *ledgerRepo) ListStuck(ctx context.Context, now time.Time) ([]model.QuotaRecord, error) {
	rows, err := r.pool.Query(ctx, selectRecord+`
		WHERE a.role <> 'ADMIN' AND q.requests_remaining = 0 AND q.next_reset <= $1
		ORDER BY q.next_reset`, now)
	if err != nil {
		return nil, fmt.Errorf("listing stuck accounts: %w", err)
	}
	return collectRecords(rows)
}
