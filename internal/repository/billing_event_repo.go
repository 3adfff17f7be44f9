package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"metergate/internal/model"
)

// BillingEventRepository records provider events so redeliveries are applied once.
type BillingEventRepository interface {
	// Record stores the event if it is new and returns the stored row.
	// The caller should process the event only when row.NeedsProcessing().
	Record(ctx context.Context, ev *model.BillingEvent) (*model.BillingEvent, error)
	// MarkProcessed stamps the event; a non-empty processingErr leaves it eligible for redelivery.
	MarkProcessed(ctx context.Context, id int64, processingErr string, now time.Time) error
}

type billingEventRepo struct {
	pool *pgxpool.Pool
}

func NewBillingEventRepo(pool *pgxpool.Pool) BillingEventRepository {
	return &billingEventRepo{pool: pool}
}

func (r *billingEventRepo) Record(ctx context.Context, ev *model.BillingEvent) (*model.BillingEvent, error) {
	const insertQ = `
		INSERT INTO billing_webhook_events (provider, provider_event_id, event_type, payload)
		VALUES ($1, $2, $3, $4::jsonb)
		ON CONFLICT (provider, provider_event_id) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, insertQ, ev.Provider, ev.ProviderEventID, ev.EventType, ev.Payload); err != nil {
		return nil, fmt.Errorf("recording billing event %s: %w", ev.ProviderEventID, err)
	}

	const selectQ = `
		SELECT id, provider, provider_event_id, event_type, payload::text,
		       processed_at, processing_error, created_at, updated_at
		FROM billing_webhook_events
		WHERE provider = $1 AND provider_event_id = $2
	`
	var stored model.BillingEvent
	err := r.pool.QueryRow(ctx, selectQ, ev.Provider, ev.ProviderEventID).Scan(
		&stored.ID, &stored.Provider, &stored.ProviderEventID, &stored.EventType, &stored.Payload,
		&stored.ProcessedAt, &stored.ProcessingError, &stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("billing event %s vanished after insert", ev.ProviderEventID)
		}
		return nil, fmt.Errorf("reading billing event %s: %w", ev.ProviderEventID, err)
	}
	return &stored, nil
}

func (r *billingEventRepo) MarkProcessed(ctx context.Context, id int64, processingErr string, now time.Time) error {
	const q = `
		UPDATE billing_webhook_events
		SET processed_at = $2, processing_error = $3, updated_at = $2
		WHERE id = $1
	`
	if _, err := r.pool.Exec(ctx, q, id, now, processingErr); err != nil {
		return fmt.Errorf("marking billing event %d processed: %w", id, err)
	}
	return nil
}

type memoryBillingEventRepo struct {
	mu     sync.Mutex
	nextID int64
	byKey  map[string]*model.BillingEvent
	byID   map[int64]*model.BillingEvent
}

func NewMemoryBillingEventRepo() BillingEventRepository {
	return &memoryBillingEventRepo{
		byKey: make(map[string]*model.BillingEvent),
		byID:  make(map[int64]*model.BillingEvent),
	}
}

func (r *memoryBillingEventRepo) Record(_ context.Context, ev *model.BillingEvent) (*model.BillingEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := ev.Provider + "/" + ev.ProviderEventID
	if stored, ok := r.byKey[key]; ok {
		out := *stored
		return &out, nil
	}
	r.nextID++
	stored := *ev
	stored.ID = r.nextID
	stored.CreatedAt = time.Now()
	stored.UpdatedAt = stored.CreatedAt
	r.byKey[key] = &stored
	r.byID[stored.ID] = &stored
	out := stored
	return &out, nil
}

func (r *memoryBillingEventRepo) MarkProcessed(_ context.Context, id int64, processingErr string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("billing event %d not found", id)
	}
	t := now
	stored.ProcessedAt = &t
	stored.ProcessingError = processingErr
	stored.UpdatedAt = now
	return nil
}
