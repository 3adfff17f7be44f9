package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// EventVerifier checks a webhook signature against the raw body.
type EventVerifier interface {
	Verify(payload []byte, signature string) (stripe.Event, error)
}

type CheckoutRequest struct {
	AccountID   string
	Email       string
	CustomerRef string
	PriceID     string
	SuccessURL  string
	CancelURL   string
}

// BillingGateway is the outbound side of the billing provider.
type BillingGateway interface {
	// CheckoutPriceID fetches the first line item's price for a completed checkout session.
	CheckoutPriceID(ctx context.Context, sessionID string) (string, error)
	CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error)
	CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error)
}

// StripeGateway is both halves of the Stripe integration.
type StripeGateway interface {
	EventVerifier
	BillingGateway
}

type stripeGateway struct {
	api           *client.API
	webhookSecret string
}

// NewStripeGateway builds a Stripe client bound to secretKey instead of the package-level key.
func NewStripeGateway(secretKey, webhookSecret string) StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &stripeGateway{api: api, webhookSecret: webhookSecret}
}

func (g *stripeGateway) Verify(payload []byte, signature string) (stripe.Event, error) {
	if g.webhookSecret == "" {
		return stripe.Event{}, errors.New("webhook secret not configured")
	}
	return webhook.ConstructEventWithOptions(payload, signature, g.webhookSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
}

func (g *stripeGateway) CheckoutPriceID(ctx context.Context, sessionID string) (string, error) {
	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	params.AddExpand("line_items")
	sess, err := g.api.CheckoutSessions.Get(sessionID, params)
	if err != nil {
		return "", fmt.Errorf("fetching checkout session %s: %w", sessionID, err)
	}
	return checkoutPrice(sess), nil
}

func (g *stripeGateway) CreateCheckoutSession(ctx context.Context, req CheckoutRequest) (string, error) {
	meta := map[string]string{"account_id": req.AccountID}
	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{{Price: stripe.String(req.PriceID), Quantity: stripe.Int64(1)}},
		SuccessURL:        stripe.String(req.SuccessURL),
		CancelURL:         stripe.String(req.CancelURL),
		ClientReferenceID: stripe.String(req.AccountID),
		Metadata:          meta,
		SubscriptionData:  &stripe.CheckoutSessionSubscriptionDataParams{Metadata: meta},
	}
	if req.CustomerRef != "" {
		params.Customer = stripe.String(req.CustomerRef)
	} else if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}
	params.Context = ctx
	sess, err := g.api.CheckoutSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	return sess.URL, nil
}

func (g *stripeGateway) CreatePortalSession(ctx context.Context, customerRef, returnURL string) (string, error) {
	params := &stripe.BillingPortalSessionParams{
		Customer:  stripe.String(customerRef),
		ReturnURL: stripe.String(returnURL),
	}
	params.Context = ctx
	sess, err := g.api.BillingPortalSessions.New(params)
	if err != nil {
		return "", fmt.Errorf("create billing portal session: %w", err)
	}
	return sess.URL, nil
}

func checkoutPrice(cs *stripe.CheckoutSession) string {
	if cs == nil || cs.LineItems == nil {
		return ""
	}
	for _, item := range cs.LineItems.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID
		}
	}
	return ""
}

func subscriptionPrice(sub *stripe.Subscription) (string, int64) {
	if sub == nil || sub.Items == nil {
		return "", 0
	}
	for _, item := range sub.Items.Data {
		if item != nil && item.Price != nil && item.Price.ID != "" {
			return item.Price.ID, item.CurrentPeriodEnd
		}
	}
	return "", 0
}
