package service

import (
	"context"

	"github.com/rs/zerolog"

	"metergate/internal/model"
)

// Notifier delivers quota-exhausted notices. Implementations live in
// internal/pubsub and internal/pgmq.
type Notifier interface {
	NotifyQuotaExhausted(ctx context.Context, notice model.QuotaExhaustedNotice) error
}

type logNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier only writes the notice to the log.
func NewLogNotifier(logger zerolog.Logger) Notifier {
	return &logNotifier{logger: logger.With().Str("service", "LogNotifier").Logger()}
}

func (n *logNotifier) NotifyQuotaExhausted(_ context.Context, notice model.QuotaExhaustedNotice) error {
	n.logger.Info().
		Str("event", "quota_exhausted_notice").
		Str("account_id", notice.AccountID).
		Str("tier", string(notice.Tier)).
		Time("next_reset", notice.NextReset).
		Msg("quota exhausted")
	return nil
}
