package model

import "time"

// BillingEvent is a received billing provider event, kept for redelivery dedup.
type BillingEvent struct {
	ID              int64      `db:"id"`
	Provider        string     `db:"provider"`
	ProviderEventID string     `db:"provider_event_id"`
	EventType       string     `db:"event_type"`
	Payload         string     `db:"payload"` // raw JSON
	ProcessedAt     *time.Time `db:"processed_at"`
	ProcessingError string     `db:"processing_error"`
	CreatedAt       time.Time  `db:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at"`
}

// NeedsProcessing reports whether a redelivered event still has to be applied.
func (e BillingEvent) NeedsProcessing() bool {
	return e.ProcessedAt == nil || e.ProcessingError != ""
}
