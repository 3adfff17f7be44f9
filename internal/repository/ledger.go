package repository

import (
	"context"
	"errors"
	"time"

	"metergate/internal/model"
)

var (
	// ErrAccountNotFound is returned when no ledger row exists for an account.
	ErrAccountNotFound = errors.New("account_not_found")
	// ErrQuotaDepleted is returned when a charge is attempted on a zero counter.
	ErrQuotaDepleted = errors.New("quota_depleted")
	// ErrCustomerLinkConflict is returned when a billing customer already belongs to another account.
	ErrCustomerLinkConflict = errors.New("billing_customer_link_conflict")
)

// DebitDecision is what a DebitPolicy tells DecrementIfPositive to do.
type DebitDecision int

const (
	DebitCharge DebitDecision = iota
	DebitSkip
)

// DebitPolicy runs while the account row is locked and sees its current state.
// Returning an error aborts the debit with no change.
type DebitPolicy func(rec model.QuotaRecord) (DebitDecision, error)

// LedgerRepository is the authoritative per-account quota store. Every mutation
// of a single account is serialized with every other mutation of that account.
type LedgerRepository interface {
	// EnsureAccount creates the account and its ledger row if absent. Existing rows are returned unchanged.
	EnsureAccount(ctx context.Context, acct model.Account, initial model.TierChange) (*model.QuotaRecord, bool, error)
	Read(ctx context.Context, accountID string) (*model.QuotaRecord, error)
	FindByBillingCustomer(ctx context.Context, customerRef string) (*model.QuotaRecord, error)
	LinkBillingCustomer(ctx context.Context, accountID, customerRef string) error
	// DecrementIfPositive evaluates policy under the row lock and, when it says charge,
	// takes one unit and stamps lastRequestAt. The bool reports whether a unit was taken.
	DecrementIfPositive(ctx context.Context, accountID string, now time.Time, policy DebitPolicy) (*model.QuotaRecord, bool, error)
	Increment(ctx context.Context, accountID string, delta int, now time.Time) (*model.QuotaRecord, error)
	SetTierAndReset(ctx context.Context, accountID string, change model.TierChange, now time.Time) (*model.QuotaRecord, error)
	// ResetQuota refills the counter only if the row is still due (nextReset <= now, not admin).
	ResetQuota(ctx context.Context, accountID string, quota int, nextReset, now time.Time) (bool, error)
	// MarkCanceled keeps the tier but flags the account inactive until expiresAt.
	MarkCanceled(ctx context.Context, accountID string, expiresAt, now time.Time) (*model.QuotaRecord, error)
	ListDueForReset(ctx context.Context, now time.Time) ([]model.QuotaRecord, error)
	ListExpired(ctx context.Context, now time.Time) ([]model.QuotaRecord, error)
	ListStuck(ctx context.Context, now time.Time) ([]model.QuotaRecord, error)
}

func isDueForReset(rec model.QuotaRecord, now time.Time) bool {
	return !rec.IsAdmin() && !rec.NextReset.After(now)
}

func isExpired(rec model.QuotaRecord, now time.Time) bool {
	return !rec.ExpiresAt.After(now) && (rec.IsActive || rec.Tier != model.TierBase)
}

func isStuck(rec model.QuotaRecord, now time.Time) bool {
	return isDueForReset(rec, now) && rec.RequestsRemaining == 0
}
