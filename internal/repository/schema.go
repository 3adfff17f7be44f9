package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS accounts (
	account_id           TEXT PRIMARY KEY,
	email                TEXT NOT NULL DEFAULT '',
	role                 TEXT NOT NULL DEFAULT 'STANDARD',
	billing_customer_ref TEXT UNIQUE,
	created_at           TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS quota_ledger (
	account_id         TEXT PRIMARY KEY REFERENCES accounts(account_id) ON DELETE CASCADE,
	tier               TEXT NOT NULL DEFAULT 'BASE',
	is_active          BOOLEAN NOT NULL DEFAULT TRUE,
	started_at         TIMESTAMPTZ NOT NULL,
	expires_at         TIMESTAMPTZ NOT NULL,
	next_reset         TIMESTAMPTZ NOT NULL,
	requests_remaining INTEGER NOT NULL CHECK (requests_remaining >= 0),
	last_request_at    TIMESTAMPTZ,
	last_reset_at      TIMESTAMPTZ,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS quota_ledger_next_reset_idx ON quota_ledger (next_reset);
CREATE INDEX IF NOT EXISTS quota_ledger_expires_at_idx ON quota_ledger (expires_at);

CREATE TABLE IF NOT EXISTS interpretations (
	id                UUID PRIMARY KEY,
	account_id        TEXT NOT NULL REFERENCES accounts(account_id) ON DELETE CASCADE,
	tier              TEXT NOT NULL,
	model             TEXT NOT NULL,
	input             TEXT NOT NULL,
	output            TEXT NOT NULL,
	summary           TEXT NOT NULL DEFAULT '',
	prompt_tokens     INTEGER NOT NULL DEFAULT 0,
	completion_tokens INTEGER NOT NULL DEFAULT 0,
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS interpretations_account_idx ON interpretations (account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS billing_webhook_events (
	id                BIGSERIAL PRIMARY KEY,
	provider          TEXT NOT NULL,
	provider_event_id TEXT NOT NULL,
	event_type        TEXT NOT NULL,
	payload           JSONB NOT NULL,
	processed_at      TIMESTAMPTZ,
	processing_error  TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	UNIQUE (provider, provider_event_id)
);
`

// Migrate creates the tables used by the postgres repositories.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("applying schema: %w", err)
	}
	return nil
}
