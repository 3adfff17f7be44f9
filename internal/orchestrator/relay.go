package orchestrator

import (
	"context"

	"github.com/rs/zerolog"

	"metergate/internal/pgmq"
)

// RunRelay drains the quota notice outbox into sink until ctx is cancelled.
func RunRelay(ctx context.Context, logger zerolog.Logger, queue pgmq.Queue, name string, sink pgmq.Sink) error {
	logger.Info().Str("queue", name).Msg("Starting notification relay")
	pgmq.NewRelay(queue, name, sink, logger).Run(ctx)
	logger.Info().Msg("Shutting down notification relay")
	return nil
}
