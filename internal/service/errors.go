package service

import (
	"errors"
	"fmt"
	"math"
	"time"

	"metergate/internal/model"
	"metergate/internal/repository"
)

var (
	ErrQuotaExhausted           = errors.New("quota_exhausted")
	ErrExternalCallFailed       = errors.New("external_call_failed")
	ErrAccountNotFound          = repository.ErrAccountNotFound
	ErrUnrecognizedBillingEvent = errors.New("unrecognized_billing_event")
	ErrInputTooLong             = errors.New("input_too_long")
	ErrEmptyInput               = errors.New("empty_input")
	ErrInvalidTier              = errors.New("invalid_tier")
	ErrForbidden                = errors.New("forbidden")
	ErrNoBillingCustomer        = errors.New("no_billing_customer")
	ErrUnknownTask              = errors.New("unknown_task")
)

// QuotaExhaustedError is returned when an account has no requests left in its window.
type QuotaExhaustedError struct {
	Tier           model.Tier
	MonthlyLimit   int
	NextReset      time.Time
	DaysUntilReset int
	UpgradeLink    string
}

func (e *QuotaExhaustedError) Error() string {
	return fmt.Sprintf("quota exhausted for tier %s, resets %s", e.Tier, e.NextReset.Format(time.RFC3339))
}

func (e *QuotaExhaustedError) Is(target error) bool {
	return target == ErrQuotaExhausted
}

// ExternalCallError reports a failed metered call. Refunded tells whether the unit was returned.
type ExternalCallError struct {
	Cause    error
	Refunded bool
}

func (e *ExternalCallError) Error() string {
	return fmt.Sprintf("external call failed (refunded=%t): %v", e.Refunded, e.Cause)
}

func (e *ExternalCallError) Unwrap() error {
	return e.Cause
}

func (e *ExternalCallError) Is(target error) bool {
	return target == ErrExternalCallFailed
}

type InputTooLongError struct {
	Length int
	Limit  int
}

func (e *InputTooLongError) Error() string {
	return fmt.Sprintf("input is %d characters, limit is %d", e.Length, e.Limit)
}

func (e *InputTooLongError) Is(target error) bool {
	return target == ErrInputTooLong
}

// daysUntil rounds up to whole days and never goes below zero.
func daysUntil(next, now time.Time) int {
	d := next.Sub(now)
	if d <= 0 {
		return 0
	}
	return int(math.Ceil(d.Hours() / 24))
}
