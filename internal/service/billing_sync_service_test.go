package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82"

	"metergate/internal/model"
	"metergate/internal/repository"
	"metergate/internal/tier"
)

type billingHarness struct {
	ledger  repository.LedgerRepository
	gateway *fakeGateway
	svc     BillingSyncService
}

func newBillingHarness() *billingHarness {
	h := &billingHarness{
		ledger:  repository.NewMemoryLedger(),
		gateway: &fakeGateway{prices: map[string]string{}},
	}
	h.svc = NewBillingSyncService(h.ledger, repository.NewMemoryBillingEventRepo(), h.gateway, BillingOptions{
		Catalog:     PriceCatalog{Mid: "price_mid", Top: "price_top"},
		FrontendURL: "https://app.example.com/",
		Now:         fixedClock(now0),
	}, zerolog.Nop())
	return h
}

func stripeEvent(id, typ, raw string) stripe.Event {
	return stripe.Event{ID: id, Type: stripe.EventType(typ), Data: &stripe.EventData{Raw: json.RawMessage(raw)}}
}

func (h *billingHarness) link(t *testing.T, accountID, customer string) {
	t.Helper()
	require.NoError(t, h.ledger.LinkBillingCustomer(context.Background(), accountID, customer))
}

func TestPlanChangedToTopResetsQuota(t *testing.T) {
	h := newBillingHarness()
	seedAccount(t, h.ledger, "acc-1", seedOpts{remaining: 2, active: true})
	h.link(t, "acc-1", "cus_1")

	ev := stripeEvent("evt_1", "customer.subscription.updated", `{
		"id": "sub_1", "customer": "cus_1", "status": "active", "cancel_at_period_end": false,
		"items": {"data": [{"id": "si_1", "price": {"id": "price_top"}}]}
	}`)
	require.NoError(t, h.svc.OnBillingEvent(context.Background(), ev))

	rec := mustRead(t, h.ledger, "acc-1")
	assert.Equal(t, model.TierTop, rec.Tier)
	assert.Equal(t, 450, rec.RequestsRemaining)
	assert.True(t, rec.IsActive)
	assert.Equal(t, now0.Add(tier.Period), rec.NextReset)
	assert.Equal(t, now0.Add(tier.Period), rec.ExpiresAt)
}

func TestCheckoutCompletedLinksCustomerAndIsDeduplicated(t *testing.T) {
	ctx := context.Background()
	h := newBillingHarness()
	seedAccount(t, h.ledger, "acc-1", seedOpts{remaining: 1, active: true})

	ev := stripeEvent("evt_cs", "checkout.session.completed", `{
		"id": "cs_1", "customer": "cus_9", "metadata": {"account_id": "acc-1"},
		"line_items": {"data": [{"price": {"id": "price_mid"}}]}
	}`)
	require.NoError(t, h.svc.OnBillingEvent(ctx, ev))

	rec := mustRead(t, h.ledger, "acc-1")
	assert.Equal(t, model.TierMid, rec.Tier)
	assert.Equal(t, 40, rec.RequestsRemaining)
	require.NotNil(t, rec.BillingCustomerRef)
	assert.Equal(t, "cus_9", *rec.BillingCustomerRef)
	assert.Equal(t, 0, h.gateway.lookupsCalls)

	_, _, err := h.ledger.DecrementIfPositive(ctx, "acc-1", now0, nil)
	require.NoError(t, err)
	require.NoError(t, h.svc.OnBillingEvent(ctx, ev))
	assert.Equal(t, 39, mustRead(t, h.ledger, "acc-1").RequestsRemaining, "redelivery is not re-applied")
}

func TestCheckoutCompletedFetchesPriceWhenMissing(t *testing.T) {
	h := newBillingHarness()
	seedAccount(t, h.ledger, "acc-1", seedOpts{remaining: 1, active: true})
	h.gateway.prices["cs_2"] = "price_top"

	ev := stripeEvent("evt_cs2", "checkout.session.completed", `{"id": "cs_2", "client_reference_id": "acc-1"}`)
	require.NoError(t, h.svc.OnBillingEvent(context.Background(), ev))
	assert.Equal(t, 1, h.gateway.lookupsCalls)
	assert.Equal(t, model.TierTop, mustRead(t, h.ledger, "acc-1").Tier)
}

func TestTransientFailureIsRetriedOnRedelivery(t *testing.T) {
	ctx := context.Background()
	h := newBillingHarness()
	seedAccount(t, h.ledger, "acc-1", seedOpts{remaining: 1, active: true})
	h.gateway.priceErr = errors.New("stripe unavailable")
	h.gateway.prices["cs_3"] = "price_mid"

	ev := stripeEvent("evt_cs3", "checkout.session.completed", `{"id": "cs_3", "metadata": {"account_id": "acc-1"}}`)
	require.Error(t, h.svc.OnBillingEvent(ctx, ev))
	assert.Equal(t, model.TierBase, mustRead(t, h.ledger, "acc-1").Tier)

	h.gateway.priceErr = nil
	require.NoError(t, h.svc.OnBillingEvent(ctx, ev))
	assert.Equal(t, model.TierMid, mustRead(t, h.ledger, "acc-1").Tier)
}

func TestUncorrelatableEventsAreDropped(t *testing.T) {
	h := newBillingHarness()
	seedAccount(t, h.ledger, "acc-1", seedOpts{remaining: 3, active: true})

	events := []stripe.Event{
		stripeEvent("evt_a", "checkout.session.completed", `{"id": "cs_x", "line_items": {"data": [{"price": {"id": "price_top"}}]}}`),
		stripeEvent("evt_b", "checkout.session.completed", `{"id": "cs_y", "metadata": {"account_id": "ghost"}, "line_items": {"data": [{"price": {"id": "price_top"}}]}}`),
		stripeEvent("evt_c", "customer.subscription.deleted", `{"id": "sub_x", "customer": "cus_unknown"}`),
		stripeEvent("evt_d", "checkout.session.completed", `{"id": "cs_z", "metadata": {"account_id": "acc-1"}, "line_items": {"data": [{"price": {"id": "price_legacy"}}]}}`),
		stripeEvent("evt_e", "checkout.session.completed", `not json`),
		stripeEvent("evt_f", "invoice.payment_failed", `{"id": "in_1", "customer": "cus_unknown"}`),
		stripeEvent("evt_g", "charge.refunded", `{"id": "ch_1"}`),
	}
	for _, ev := range events {
		assert.NoError(t, h.svc.OnBillingEvent(context.Background(), ev), ev.ID)
	}

	rec := mustRead(t, h.ledger, "acc-1")
	assert.Equal(t, model.TierBase, rec.Tier)
	assert.Equal(t, 3, rec.RequestsRemaining)
}

func TestCustomerOwnedByAnotherAccountIsDropped(t *testing.T) {
	ctx := context.Background()
	h := newBillingHarness()
	seedAccount(t, h.ledger, "acc-1", seedOpts{remaining: 5, active: true})
	seedAccount(t, h.ledger, "acc-2", seedOpts{remaining: 5, active: true})
	h.link(t, "acc-1", "cus_1")

	ev := stripeEvent("evt_dup", "checkout.session.completed", `{
		"id": "cs_dup", "customer": "cus_1", "metadata": {"account_id": "acc-2"},
		"line_items": {"data": [{"price": {"id": "price_top"}}]}
	}`)
	for i := 0; i < 3; i++ {
		require.NoError(t, h.svc.OnBillingEvent(ctx, ev), "delivery %d", i+1)
	}
	assert.Equal(t, model.TierBase, mustRead(t, h.ledger, "acc-2").Tier)

	found, err := h.ledger.FindByBillingCustomer(ctx, "cus_1")
	require.NoError(t, err)
	assert.Equal(t, "acc-1", found.AccountID)
}

func TestSubscriptionDeletedDemotes(t *testing.T) {
	h := newBillingHarness()
	seedAccount(t, h.ledger, "acc-1", seedOpts{tier: model.TierTop, remaining: 300, active: true, expiresAt: now0.Add(5 * 24 * time.Hour)})
	h.link(t, "acc-1", "cus_1")

	ev := stripeEvent("evt_del", "customer.subscription.deleted", `{"id": "sub_1", "customer": "cus_1", "status": "canceled"}`)
	require.NoError(t, h.svc.OnBillingEvent(context.Background(), ev))

	rec := mustRead(t, h.ledger, "acc-1")
	assert.Equal(t, model.TierBase, rec.Tier)
	assert.False(t, rec.IsActive)
	assert.Equal(t, 5, rec.RequestsRemaining)
	assert.Equal(t, model.NeverExpires, rec.ExpiresAt)
}

func TestCancelAtPeriodEndKeepsTierUntilExpiry(t *testing.T) {
	h := newBillingHarness()
	seedAccount(t, h.ledger, "acc-1", seedOpts{tier: model.TierMid, remaining: 12, active: true, expiresAt: now0.Add(20 * 24 * time.Hour)})

	periodEnd := now0.Add(7 * 24 * time.Hour).Unix()
	raw, err := json.Marshal(map[string]any{
		"id":                   "sub_1",
		"customer":             "cus_7",
		"status":               "active",
		"cancel_at_period_end": true,
		"metadata":             map[string]string{"account_id": "acc-1"},
		"items": map[string]any{"data": []any{map[string]any{
			"id": "si_1", "price": map[string]any{"id": "price_mid"}, "current_period_end": periodEnd,
		}}},
	})
	require.NoError(t, err)
	require.NoError(t, h.svc.OnBillingEvent(context.Background(), stripeEvent("evt_cancel", "customer.subscription.updated", string(raw))))

	rec := mustRead(t, h.ledger, "acc-1")
	assert.Equal(t, model.TierMid, rec.Tier)
	assert.Equal(t, 12, rec.RequestsRemaining)
	assert.False(t, rec.IsActive)
	assert.Equal(t, time.Unix(periodEnd, 0).UTC(), rec.ExpiresAt)
	require.NotNil(t, rec.BillingCustomerRef, "metadata fallback links the customer")
	assert.Equal(t, "cus_7", *rec.BillingCustomerRef)
}

func TestCheckoutAndPortalSessions(t *testing.T) {
	ctx := context.Background()
	h := newBillingHarness()
	seedAccount(t, h.ledger, "acc-1", seedOpts{remaining: 5, active: true})

	url, err := h.svc.CreateCheckoutSession(ctx, "acc-1", model.TierTop)
	require.NoError(t, err)
	assert.Equal(t, "https://checkout.example/acc-1", url)
	require.Len(t, h.gateway.checkouts, 1)
	req := h.gateway.checkouts[0]
	assert.Equal(t, "price_top", req.PriceID)
	assert.Equal(t, "acc-1@example.com", req.Email)
	assert.Empty(t, req.CustomerRef)
	assert.Equal(t, "https://app.example.com/billing?status=success", req.SuccessURL)

	_, err = h.svc.CreateCheckoutSession(ctx, "acc-1", model.TierBase)
	assert.ErrorIs(t, err, ErrInvalidTier)

	_, err = h.svc.CreatePortalSession(ctx, "acc-1")
	assert.ErrorIs(t, err, ErrNoBillingCustomer)

	h.link(t, "acc-1", "cus_1")
	url, err = h.svc.CreatePortalSession(ctx, "acc-1")
	require.NoError(t, err)
	assert.Equal(t, "https://portal.example/cus_1", url)

	_, err = h.svc.CreateCheckoutSession(ctx, "acc-1", model.TierMid)
	require.NoError(t, err)
	assert.Equal(t, "cus_1", h.gateway.checkouts[1].CustomerRef)
}
