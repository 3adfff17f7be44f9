package pgmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"metergate/internal/model"
)

const drainRetryDelay = time.Second

// Queue is the subset of Client used by the outbox.
type Queue interface {
	Send(ctx context.Context, queue string, payload []byte) error
	ReadWithPoll(ctx context.Context, queue string, visibilitySec, maxMessages, timeoutSec int) ([]*Message, error)
	Delete(ctx context.Context, queue string, msgIDs []int64) error
}

// Notifier writes quota-exhausted notices into a pgmq queue.
type Notifier struct {
	queue Queue
	name  string
}

func NewNotifier(queue Queue, name string) *Notifier {
	return &Notifier{queue: queue, name: name}
}

func (n *Notifier) NotifyQuotaExhausted(ctx context.Context, notice model.QuotaExhaustedNotice) error {
	payload, err := json.Marshal(notice)
	if err != nil {
		return fmt.Errorf("marshal quota notice: %w", err)
	}
	return n.queue.Send(ctx, n.name, payload)
}

// Sink receives notices drained from the queue.
type Sink interface {
	NotifyQuotaExhausted(ctx context.Context, notice model.QuotaExhaustedNotice) error
}

// Relay drains the outbox queue into a Sink.
type Relay struct {
	queue  Queue
	name   string
	sink   Sink
	logger zerolog.Logger
}

func NewRelay(queue Queue, name string, sink Sink, logger zerolog.Logger) *Relay {
	return &Relay{queue: queue, name: name, sink: sink, logger: logger.With().Str("component", "pgmq_relay").Logger()}
}

// Drain delivers one batch. Messages that fail delivery stay in the queue and
// reappear after the visibility timeout; undecodable messages are dropped.
func (r *Relay) Drain(ctx context.Context, batch int) (int, error) {
	msgs, err := r.queue.ReadWithPoll(ctx, r.name, 30, batch, 5)
	if err != nil {
		return 0, err
	}
	var done []int64
	for _, m := range msgs {
		var notice model.QuotaExhaustedNotice
		if err := json.Unmarshal(m.Data, &notice); err != nil {
			r.logger.Error().Err(err).Int64("msg_id", m.ID).Msg("dropping undecodable notice")
			done = append(done, m.ID)
			continue
		}
		if err := r.sink.NotifyQuotaExhausted(ctx, notice); err != nil {
			r.logger.Warn().Err(err).Int64("msg_id", m.ID).Str("account_id", notice.AccountID).Msg("notice delivery failed, will retry")
			continue
		}
		done = append(done, m.ID)
	}
	if len(done) > 0 {
		if err := r.queue.Delete(ctx, r.name, done); err != nil {
			return 0, err
		}
	}
	return len(done), nil
}

// Run drains until ctx is canceled.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info().Str("queue", r.name).Msg("relay started")
	for {
		if ctx.Err() != nil {
			r.logger.Info().Msg("relay stopped")
			return
		}
		if _, err := r.Drain(ctx, 10); err != nil && ctx.Err() == nil {
			r.logger.Error().Err(err).Msg("drain failed")
			select {
			case <-ctx.Done():
			case <-time.After(drainRetryDelay):
			}
		}
	}
}
