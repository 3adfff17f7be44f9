package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"metergate/internal/model"
	"metergate/internal/repository"
	"metergate/internal/tier"
)

type ResetReport struct {
	Scanned int
	Reset   int
	Skipped int
	Failed  int
}

type VerifyReport struct {
	Stuck []string
}

type SweepReport struct {
	Scanned int
	Demoted int
	Failed  int
}

// MaintenanceService holds the scheduled ledger sweeps. Each sweep isolates
// per-account failures and is safe to run twice.
type MaintenanceService interface {
	RollingReset(ctx context.Context) (ResetReport, error)
	// VerifyRollingReset reports accounts left at zero past their reset. It does not repair them.
	VerifyRollingReset(ctx context.Context) (VerifyReport, error)
	SweepExpired(ctx context.Context) (SweepReport, error)
}

type maintenanceService struct {
	ledger repository.LedgerRepository
	loc    *time.Location
	now    func() time.Time
	logger zerolog.Logger
}

// NewMaintenanceService uses loc to decide what "today" means for the reset guard.
func NewMaintenanceService(ledger repository.LedgerRepository, loc *time.Location, now func() time.Time, logger zerolog.Logger) MaintenanceService {
	if loc == nil {
		loc = time.UTC
	}
	if now == nil {
		now = time.Now
	}
	return &maintenanceService{
		ledger: ledger,
		loc:    loc,
		now:    now,
		logger: logger.With().Str("service", "MaintenanceService").Logger(),
	}
}

func (s *maintenanceService) sameDay(a, b time.Time) bool {
	ay, am, ad := a.In(s.loc).Date()
	by, bm, bd := b.In(s.loc).Date()
	return ay == by && am == bm && ad == bd
}

func (s *maintenanceService) RollingReset(ctx context.Context) (ResetReport, error) {
	now := s.now()
	var report ResetReport
	due, err := s.ledger.ListDueForReset(ctx, now)
	if err != nil {
		return report, err
	}
	report.Scanned = len(due)

	for _, rec := range due {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if rec.LastResetAt != nil && s.sameDay(*rec.LastResetAt, now) {
			report.Skipped++
			s.logger.Debug().Str("account_id", rec.AccountID).Msg("already reset today")
			continue
		}
		// Lapsed paid periods are left to the expiration sweep.
		if rec.Tier != model.TierBase && !rec.ExpiresAt.After(now) {
			report.Skipped++
			continue
		}
		applied, err := s.ledger.ResetQuota(ctx, rec.AccountID, tier.MonthlyQuota(rec.Tier), now.Add(tier.Period), now)
		if err != nil {
			report.Failed++
			s.logger.Error().Err(err).Str("account_id", rec.AccountID).Msg("rolling reset failed for account")
			continue
		}
		if !applied {
			report.Skipped++
			continue
		}
		report.Reset++
	}

	s.logger.Info().
		Str("event", "rolling_reset_complete").
		Int("scanned", report.Scanned).
		Int("reset", report.Reset).
		Int("skipped", report.Skipped).
		Int("failed", report.Failed).
		Msg("rolling reset finished")
	return report, nil
}

func (s *maintenanceService) VerifyRollingReset(ctx context.Context) (VerifyReport, error) {
	var report VerifyReport
	stuck, err := s.ledger.ListStuck(ctx, s.now())
	if err != nil {
		return report, err
	}
	for _, rec := range stuck {
		report.Stuck = append(report.Stuck, rec.AccountID)
		s.logger.Warn().
			Str("event", "stuck_account_detected").
			Str("account_id", rec.AccountID).
			Str("tier", string(rec.Tier)).
			Time("next_reset", rec.NextReset).
			Msg("account has no requests left and its reset is overdue")
	}
	s.logger.Info().Int("stuck", len(report.Stuck)).Msg("rolling reset verification finished")
	return report, nil
}

func (s *maintenanceService) SweepExpired(ctx context.Context) (SweepReport, error) {
	now := s.now()
	var report SweepReport
	expired, err := s.ledger.ListExpired(ctx, now)
	if err != nil {
		return report, err
	}
	report.Scanned = len(expired)

	for _, rec := range expired {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		if _, err := s.ledger.SetTierAndReset(ctx, rec.AccountID, BaseDefaults(now, false), now); err != nil {
			report.Failed++
			s.logger.Error().Err(err).Str("account_id", rec.AccountID).Msg("demotion failed for account")
			continue
		}
		report.Demoted++
		s.logger.Info().Str("account_id", rec.AccountID).Str("from_tier", string(rec.Tier)).Msg("paid period ended, demoted to BASE")
	}

	s.logger.Info().
		Str("event", "expiration_sweep_complete").
		Int("demoted", report.Demoted).
		Int("failed", report.Failed).
		Msg("expiration sweep finished")
	return report, nil
}
