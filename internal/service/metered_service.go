package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"metergate/internal/model"
	"metergate/internal/repository"
	"metergate/internal/tier"
)

const (
	refundTimeout = 10 * time.Second
	notifyTimeout = 10 * time.Second
)

// MeteredService wraps the costly external call in the quota protocol.
type MeteredService interface {
	// Interpret spends one unit of quota and runs the completion. A failed call is refunded.
	Interpret(ctx context.Context, accountID, input string) (*model.Interpretation, error)
	History(ctx context.Context, accountID string, limit int) ([]model.Interpretation, error)
}

type MeteredOptions struct {
	UpgradeLink string
	CallTimeout time.Duration
	Now         func() time.Time
}

type meteredService struct {
	ledger    repository.LedgerRepository
	results   repository.InterpretationRepository
	completer CompletionClient
	notifier  Notifier
	opts      MeteredOptions
	logger    zerolog.Logger
}

func NewMeteredService(
	ledger repository.LedgerRepository,
	results repository.InterpretationRepository,
	completer CompletionClient,
	notifier Notifier,
	opts MeteredOptions,
	logger zerolog.Logger,
) MeteredService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = 30 * time.Second
	}
	return &meteredService{
		ledger:    ledger,
		results:   results,
		completer: completer,
		notifier:  notifier,
		opts:      opts,
		logger:    logger.With().Str("service", "MeteredService").Logger(),
	}
}

func (s *meteredService) Interpret(ctx context.Context, accountID, input string) (*model.Interpretation, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, ErrEmptyInput
	}
	now := s.opts.Now()
	length := utf8.RuneCountInString(input)

	var cfg tier.Config
	policy := func(rec model.QuotaRecord) (repository.DebitDecision, error) {
		cfg = tier.Resolve(rec.Tier)
		if rec.IsAdmin() {
			return repository.DebitSkip, nil
		}
		if length > cfg.MaxInputLength {
			return repository.DebitCharge, &InputTooLongError{Length: length, Limit: cfg.MaxInputLength}
		}
		if rec.RequestsRemaining <= 0 {
			return repository.DebitCharge, s.exhausted(rec, now)
		}
		return repository.DebitCharge, nil
	}

	rec, charged, err := s.ledger.DecrementIfPositive(ctx, accountID, now, policy)
	if err != nil {
		if errors.Is(err, repository.ErrQuotaDepleted) {
			return nil, fmt.Errorf("%w: %w", ErrQuotaExhausted, err)
		}
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.opts.CallTimeout)
	defer cancel()
	res, err := s.completer.Interpret(callCtx, cfg, input)
	if err != nil {
		refunded := false
		if charged {
			refunded = s.refund(ctx, accountID)
		}
		s.logger.Warn().Err(err).Str("account_id", accountID).Bool("refunded", refunded).Msg("metered call failed")
		return nil, &ExternalCallError{Cause: err, Refunded: refunded}
	}
	if charged && rec.RequestsRemaining == 0 {
		s.notifyExhausted(ctx, *rec, now)
	}

	it := &model.Interpretation{
		ID:               uuid.NewString(),
		AccountID:        accountID,
		Tier:             cfg.Tier,
		Model:            res.Model,
		Input:            input,
		Output:           res.Output,
		Summary:          res.Summary,
		PromptTokens:     res.PromptTokens,
		CompletionTokens: res.CompletionTokens,
		CreatedAt:        s.opts.Now(),
	}
	if err := s.results.Create(ctx, it); err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Str("interpretation_id", it.ID).Msg("failed to persist interpretation")
		return nil, fmt.Errorf("persisting interpretation: %w", err)
	}
	return it, nil
}

func (s *meteredService) History(ctx context.Context, accountID string, limit int) ([]model.Interpretation, error) {
	if _, err := s.ledger.Read(ctx, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	return s.results.ListByAccount(ctx, accountID, limit)
}

func (s *meteredService) exhausted(rec model.QuotaRecord, now time.Time) *QuotaExhaustedError {
	return &QuotaExhaustedError{
		Tier:           rec.Tier,
		MonthlyLimit:   tier.MonthlyQuota(rec.Tier),
		NextReset:      rec.NextReset,
		DaysUntilReset: daysUntil(rec.NextReset, now),
		UpgradeLink:    s.opts.UpgradeLink,
	}
}

// refund survives cancellation of the request context.
func (s *meteredService) refund(ctx context.Context, accountID string) bool {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refundTimeout)
	defer cancel()
	if _, err := s.ledger.Increment(rctx, accountID, 1, s.opts.Now()); err != nil {
		s.logger.Error().Err(err).Str("account_id", accountID).Msg("refund failed")
		return false
	}
	s.logger.Info().Str("event", "quota_refunded").Str("account_id", accountID).Msg("quota refunded")
	return true
}

func (s *meteredService) notifyExhausted(ctx context.Context, rec model.QuotaRecord, now time.Time) {
	notice := model.QuotaExhaustedNotice{
		AccountID:   rec.AccountID,
		Email:       rec.Email,
		Tier:        rec.Tier,
		NextReset:   rec.NextReset,
		UpgradeLink: s.opts.UpgradeLink,
		OccurredAt:  now,
	}
	nctx := context.WithoutCancel(ctx)
	go func() {
		nctx, cancel := context.WithTimeout(nctx, notifyTimeout)
		defer cancel()
		if err := s.notifier.NotifyQuotaExhausted(nctx, notice); err != nil {
			s.logger.Warn().Err(err).Str("account_id", notice.AccountID).Msg("quota exhausted notification failed")
		}
	}()
}
