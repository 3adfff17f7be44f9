package service

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"metergate/internal/model"
	"metergate/internal/repository"
	"metergate/internal/tier"
)

var now0 = time.Date(2026, time.March, 10, 12, 0, 0, 0, time.UTC)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

type fakeCompleter struct {
	calls atomic.Int32
	fn    func(ctx context.Context, cfg tier.Config, input string) (*Completion, error)
}

func (f *fakeCompleter) Interpret(ctx context.Context, cfg tier.Config, input string) (*Completion, error) {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(ctx, cfg, input)
	}
	return &Completion{Output: "interpretation of " + input, Summary: "summary", Model: cfg.Model, PromptTokens: 10, CompletionTokens: 20}, nil
}

type chanNotifier struct {
	ch chan model.QuotaExhaustedNotice
}

func newChanNotifier() *chanNotifier {
	return &chanNotifier{ch: make(chan model.QuotaExhaustedNotice, 16)}
}

func (n *chanNotifier) NotifyQuotaExhausted(_ context.Context, notice model.QuotaExhaustedNotice) error {
	n.ch <- notice
	return nil
}

type failingResults struct {
	repository.InterpretationRepository
}

func (failingResults) Create(context.Context, *model.Interpretation) error {
	return context.DeadlineExceeded
}

type fakeGateway struct {
	mu           sync.Mutex
	prices       map[string]string
	priceErr     error
	checkouts    []CheckoutRequest
	portalCalls  []string
	lookupsCalls int
}

func (g *fakeGateway) CheckoutPriceID(_ context.Context, sessionID string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookupsCalls++
	if g.priceErr != nil {
		return "", g.priceErr
	}
	return g.prices[sessionID], nil
}

func (g *fakeGateway) CreateCheckoutSession(_ context.Context, req CheckoutRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checkouts = append(g.checkouts, req)
	return "https://checkout.example/" + req.AccountID, nil
}

func (g *fakeGateway) CreatePortalSession(_ context.Context, customerRef, _ string) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.portalCalls = append(g.portalCalls, customerRef)
	return "https://portal.example/" + customerRef, nil
}

type seedOpts struct {
	role      model.Role
	tier      model.Tier
	remaining int
	active    bool
	expiresAt time.Time
	nextReset time.Time
}

func seedAccount(t *testing.T, l repository.LedgerRepository, id string, o seedOpts) {
	t.Helper()
	if o.tier == "" {
		o.tier = model.TierBase
	}
	if o.expiresAt.IsZero() {
		o.expiresAt = model.NeverExpires
	}
	if o.nextReset.IsZero() {
		o.nextReset = now0.Add(tier.Period)
	}
	_, _, err := l.EnsureAccount(context.Background(),
		model.Account{AccountID: id, Email: id + "@example.com", Role: o.role},
		model.TierChange{
			Tier:      o.tier,
			Quota:     o.remaining,
			IsActive:  o.active,
			StartedAt: now0.Add(-24 * time.Hour),
			ExpiresAt: o.expiresAt,
			NextReset: o.nextReset,
		})
	require.NoError(t, err)
}

func mustRead(t *testing.T, l repository.LedgerRepository, id string) *model.QuotaRecord {
	t.Helper()
	rec, err := l.Read(context.Background(), id)
	require.NoError(t, err)
	return rec
}
