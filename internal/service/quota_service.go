package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"metergate/internal/model"
	"metergate/internal/repository"
	"metergate/internal/tier"
)

// QuotaStatus is the user-facing view of a ledger row. Remaining, MonthlyLimit
// and NextReset are nil for unlimited (admin) accounts.
type QuotaStatus struct {
	AccountID      string
	Tier           model.Tier
	IsActive       bool
	Unlimited      bool
	Remaining      *int
	MonthlyLimit   *int
	NextReset      *time.Time
	DaysUntilReset *int
	ExpiresAt      *time.Time
	LastRequestAt  *time.Time
}

type QuotaService interface {
	// Register creates the account with BASE defaults on first sight.
	Register(ctx context.Context, accountID, email string) (*model.QuotaRecord, bool, error)
	Status(ctx context.Context, accountID string) (*QuotaStatus, error)
	// GrantTier lets an admin caller move targetID to a tier with a fresh window.
	GrantTier(ctx context.Context, callerID, targetID string, t model.Tier) (*model.QuotaRecord, error)
}

type quotaService struct {
	ledger repository.LedgerRepository
	now    func() time.Time
	logger zerolog.Logger
}

func NewQuotaService(ledger repository.LedgerRepository, now func() time.Time, logger zerolog.Logger) QuotaService {
	if now == nil {
		now = time.Now
	}
	return &quotaService{
		ledger: ledger,
		now:    now,
		logger: logger.With().Str("service", "QuotaService").Logger(),
	}
}

// BaseDefaults is the ledger state of a fresh or demoted account.
func BaseDefaults(now time.Time, active bool) model.TierChange {
	return model.TierChange{
		Tier:      model.TierBase,
		Quota:     tier.MonthlyQuota(model.TierBase),
		IsActive:  active,
		StartedAt: now,
		ExpiresAt: model.NeverExpires,
		NextReset: now.Add(tier.Period),
	}
}

func (s *quotaService) Register(ctx context.Context, accountID, email string) (*model.QuotaRecord, bool, error) {
	rec, created, err := s.ledger.EnsureAccount(ctx,
		model.Account{AccountID: accountID, Email: email, Role: model.RoleStandard},
		BaseDefaults(s.now(), true))
	if err != nil {
		return nil, false, fmt.Errorf("registering account %s: %w", accountID, err)
	}
	if created {
		s.logger.Info().Str("account_id", accountID).Msg("account registered")
	}
	return rec, created, nil
}

func (s *quotaService) Status(ctx context.Context, accountID string) (*QuotaStatus, error) {
	rec, err := s.ledger.Read(ctx, accountID)
	if err != nil {
		return nil, err
	}
	st := &QuotaStatus{
		AccountID:     rec.AccountID,
		Tier:          rec.Tier,
		IsActive:      rec.IsActive,
		LastRequestAt: rec.LastRequestAt,
	}
	if !rec.ExpiresAt.Equal(model.NeverExpires) {
		exp := rec.ExpiresAt
		st.ExpiresAt = &exp
	}
	if rec.IsAdmin() {
		st.Unlimited = true
		return st, nil
	}
	remaining := rec.RequestsRemaining
	limit := tier.MonthlyQuota(rec.Tier)
	next := rec.NextReset
	days := daysUntil(rec.NextReset, s.now())
	st.Remaining = &remaining
	st.MonthlyLimit = &limit
	st.NextReset = &next
	st.DaysUntilReset = &days
	return st, nil
}

func (s *quotaService) GrantTier(ctx context.Context, callerID, targetID string, requested model.Tier) (*model.QuotaRecord, error) {
	caller, err := s.ledger.Read(ctx, callerID)
	if err != nil {
		return nil, fmt.Errorf("reading caller %s: %w", callerID, err)
	}
	if !caller.IsAdmin() {
		return nil, ErrForbidden
	}
	t, ok := tier.Parse(string(requested))
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidTier, requested)
	}

	now := s.now()
	change := model.TierChange{
		Tier:      t,
		Quota:     tier.MonthlyQuota(t),
		IsActive:  true,
		StartedAt: now,
		ExpiresAt: now.Add(tier.Period),
		NextReset: now.Add(tier.Period),
	}
	if t == model.TierBase {
		change = BaseDefaults(now, true)
	}
	rec, err := s.ledger.SetTierAndReset(ctx, targetID, change, now)
	if err != nil {
		return nil, err
	}
	s.logger.Info().Str("admin_id", callerID).Str("account_id", targetID).Str("tier", string(t)).Msg("tier granted")
	return rec, nil
}
