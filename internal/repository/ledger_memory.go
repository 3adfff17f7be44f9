package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"metergate/internal/model"
)

type memoryEntry struct {
	mu  sync.Mutex
	rec model.QuotaRecord
}

// memoryLedger keeps ledger rows in process memory. The map lock only guards
// membership; each row has its own mutex so accounts never wait on each other.
type memoryLedger struct {
	mu        sync.RWMutex
	entries   map[string]*memoryEntry
	customers map[string]string
}

// NewMemoryLedger creates a LedgerRepository backed by process memory.
func NewMemoryLedger() LedgerRepository {
	return &memoryLedger{
		entries:   make(map[string]*memoryEntry),
		customers: make(map[string]string),
	}
}

func (l *memoryLedger) entry(accountID string) (*memoryEntry, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	e, ok := l.entries[accountID]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return e, nil
}

func (l *memoryLedger) withLocked(accountID string, fn func(rec *model.QuotaRecord) error) (*model.QuotaRecord, error) {
	e, err := l.entry(accountID)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	work := e.rec
	if err := fn(&work); err != nil {
		return nil, err
	}
	e.rec = work
	out := e.rec
	return &out, nil
}

func (l *memoryLedger) EnsureAccount(_ context.Context, acct model.Account, initial model.TierChange) (*model.QuotaRecord, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.entries[acct.AccountID]; ok {
		e.mu.Lock()
		out := e.rec
		e.mu.Unlock()
		return &out, false, nil
	}
	role := acct.Role
	if role == "" {
		role = model.RoleStandard
	}
	rec := model.QuotaRecord{
		AccountID:          acct.AccountID,
		Email:              acct.Email,
		Role:               role,
		BillingCustomerRef: acct.BillingCustomerRef,
		Tier:               initial.Tier,
		IsActive:           initial.IsActive,
		StartedAt:          initial.StartedAt,
		ExpiresAt:          initial.ExpiresAt,
		NextReset:          initial.NextReset,
		RequestsRemaining:  initial.Quota,
		UpdatedAt:          initial.StartedAt,
	}
	l.entries[acct.AccountID] = &memoryEntry{rec: rec}
	if acct.BillingCustomerRef != nil {
		l.customers[*acct.BillingCustomerRef] = acct.AccountID
	}
	return &rec, true, nil
}

func (l *memoryLedger) Read(_ context.Context, accountID string) (*model.QuotaRecord, error) {
	return l.withLocked(accountID, func(*model.QuotaRecord) error { return nil })
}

func (l *memoryLedger) FindByBillingCustomer(ctx context.Context, customerRef string) (*model.QuotaRecord, error) {
	l.mu.RLock()
	accountID, ok := l.customers[customerRef]
	l.mu.RUnlock()
	if !ok {
		return nil, ErrAccountNotFound
	}
	return l.Read(ctx, accountID)
}

func (l *memoryLedger) LinkBillingCustomer(_ context.Context, accountID, customerRef string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.entries[accountID]
	if !ok {
		return ErrAccountNotFound
	}
	if owner, taken := l.customers[customerRef]; taken && owner != accountID {
		return fmt.Errorf("%w: %s already linked to account %s", ErrCustomerLinkConflict, customerRef, owner)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.rec.BillingCustomerRef != nil {
		delete(l.customers, *e.rec.BillingCustomerRef)
	}
	ref := customerRef
	e.rec.BillingCustomerRef = &ref
	l.customers[customerRef] = accountID
	return nil
}

func (l *memoryLedger) DecrementIfPositive(_ context.Context, accountID string, now time.Time, policy DebitPolicy) (*model.QuotaRecord, bool, error) {
	charged := false
	rec, err := l.withLocked(accountID, func(rec *model.QuotaRecord) error {
		decision := DebitCharge
		if policy != nil {
			d, err := policy(*rec)
			if err != nil {
				return err
			}
			decision = d
		}
		if decision == DebitSkip {
			return nil
		}
		if rec.RequestsRemaining <= 0 {
			return ErrQuotaDepleted
		}
		rec.RequestsRemaining--
		t := now
		rec.LastRequestAt = &t
		rec.UpdatedAt = now
		charged = true
		return nil
	})
	return rec, charged, err
}

func (l *memoryLedger) Increment(_ context.Context, accountID string, delta int, now time.Time) (*model.QuotaRecord, error) {
	if delta <= 0 {
		return nil, fmt.Errorf("increment delta must be positive, got %d", delta)
	}
	return l.withLocked(accountID, func(rec *model.QuotaRecord) error {
		rec.RequestsRemaining += delta
		rec.UpdatedAt = now
		return nil
	})
}

func (l *memoryLedger) SetTierAndReset(_ context.Context, accountID string, change model.TierChange, now time.Time) (*model.QuotaRecord, error) {
	return l.withLocked(accountID, func(rec *model.QuotaRecord) error {
		rec.Tier = change.Tier
		rec.RequestsRemaining = change.Quota
		rec.IsActive = change.IsActive
		rec.StartedAt = change.StartedAt
		rec.ExpiresAt = change.ExpiresAt
		rec.NextReset = change.NextReset
		t := now
		rec.LastResetAt = &t
		rec.UpdatedAt = now
		return nil
	})
}

func (l *memoryLedger) ResetQuota(_ context.Context, accountID string, quota int, nextReset, now time.Time) (bool, error) {
	applied := false
	_, err := l.withLocked(accountID, func(rec *model.QuotaRecord) error {
		if !isDueForReset(*rec, now) {
			return nil
		}
		rec.RequestsRemaining = quota
		rec.NextReset = nextReset
		t := now
		rec.LastResetAt = &t
		rec.UpdatedAt = now
		applied = true
		return nil
	})
	return applied, err
}

func (l *memoryLedger) MarkCanceled(_ context.Context, accountID string, expiresAt, now time.Time) (*model.QuotaRecord, error) {
	return l.withLocked(accountID, func(rec *model.QuotaRecord) error {
		rec.IsActive = false
		rec.ExpiresAt = expiresAt
		rec.UpdatedAt = now
		return nil
	})
}

func (l *memoryLedger) list(match func(model.QuotaRecord) bool) []model.QuotaRecord {
	l.mu.RLock()
	entries := make([]*memoryEntry, 0, len(l.entries))
	for _, e := range l.entries {
		entries = append(entries, e)
	}
	l.mu.RUnlock()

	var out []model.QuotaRecord
	for _, e := range entries {
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if match(rec) {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountID < out[j].AccountID })
	return out
}

func (l *memoryLedger) ListDueForReset(_ context.Context, now time.Time) ([]model.QuotaRecord, error) {
	return l.list(func(r model.QuotaRecord) bool { return isDueForReset(r, now) }), nil
}

func (l *memoryLedger) ListExpired(_ context.Context, now time.Time) ([]model.QuotaRecord, error) {
	return l.list(func(r model.QuotaRecord) bool { return isExpired(r, now) }), nil
}

func (l *memoryLedger) ListStuck(_ context.Context, now time.Time) ([]model.QuotaRecord, error) {
	return l.list(func(r model.QuotaRecord) bool { return isStuck(r, now) }), nil
}
