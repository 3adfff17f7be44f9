package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v82"

	"metergate/internal/model"
	"metergate/internal/repository"
	"metergate/internal/tier"
)

const billingProvider = "stripe"

// PriceCatalog maps Stripe price ids to tiers.
type PriceCatalog struct {
	Mid string
	Top string
}

func (c PriceCatalog) TierFor(priceID string) (model.Tier, bool) {
	switch {
	case priceID == "":
		return "", false
	case priceID == c.Mid:
		return model.TierMid, true
	case priceID == c.Top:
		return model.TierTop, true
	}
	return "", false
}

func (c PriceCatalog) PriceFor(t model.Tier) (string, bool) {
	switch t {
	case model.TierMid:
		return c.Mid, c.Mid != ""
	case model.TierTop:
		return c.Top, c.Top != ""
	}
	return "", false
}

type BillingOptions struct {
	Catalog     PriceCatalog
	FrontendURL string
	Now         func() time.Time
}

// BillingSyncService applies billing provider events to the ledger and opens
// checkout and portal sessions.
type BillingSyncService interface {
	// OnBillingEvent applies a verified event. A nil error means the provider can
	// stop retrying, including for events that were dropped.
	OnBillingEvent(ctx context.Context, event stripe.Event) error
	CreateCheckoutSession(ctx context.Context, accountID string, t model.Tier) (string, error)
	CreatePortalSession(ctx context.Context, accountID string) (string, error)
}

type billingSyncService struct {
	ledger  repository.LedgerRepository
	events  repository.BillingEventRepository
	gateway BillingGateway
	opts    BillingOptions
	logger  zerolog.Logger
}

func NewBillingSyncService(
	ledger repository.LedgerRepository,
	events repository.BillingEventRepository,
	gateway BillingGateway,
	opts BillingOptions,
	logger zerolog.Logger,
) BillingSyncService {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &billingSyncService{
		ledger:  ledger,
		events:  events,
		gateway: gateway,
		opts:    opts,
		logger:  logger.With().Str("service", "BillingSyncService").Logger(),
	}
}

func (s *billingSyncService) OnBillingEvent(ctx context.Context, event stripe.Event) error {
	payload := "{}"
	if event.Data != nil && len(event.Data.Raw) > 0 {
		payload = string(event.Data.Raw)
	}
	stored, err := s.events.Record(ctx, &model.BillingEvent{
		Provider:        billingProvider,
		ProviderEventID: event.ID,
		EventType:       string(event.Type),
		Payload:         payload,
	})
	if err != nil {
		return err
	}
	log := s.logger.With().Str("event_id", event.ID).Str("event_type", string(event.Type)).Logger()
	if !stored.NeedsProcessing() {
		log.Info().Msg("duplicate billing event ignored")
		return nil
	}

	applyErr := s.apply(ctx, event, log)
	note := ""
	switch {
	case applyErr == nil:
		log.Info().Str("event", "billing_event_processed").Msg("billing event applied")
	case errors.Is(applyErr, ErrUnrecognizedBillingEvent):
		log.Warn().Err(applyErr).Msg("billing event dropped")
		applyErr = nil
	default:
		note = applyErr.Error()
		log.Error().Err(applyErr).Msg("billing event failed")
	}
	if err := s.events.MarkProcessed(ctx, stored.ID, note, s.opts.Now()); err != nil {
		log.Error().Err(err).Msg("failed to mark billing event")
		if applyErr == nil {
			return err
		}
	}
	return applyErr
}

func (s *billingSyncService) apply(ctx context.Context, event stripe.Event, log zerolog.Logger) error {
	if event.Data == nil {
		return fmt.Errorf("%w: event has no data", ErrUnrecognizedBillingEvent)
	}
	switch string(event.Type) {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			return fmt.Errorf("%w: decoding checkout session: %v", ErrUnrecognizedBillingEvent, err)
		}
		return s.onCheckoutCompleted(ctx, &cs)
	case "customer.subscription.updated":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: decoding subscription: %v", ErrUnrecognizedBillingEvent, err)
		}
		return s.onSubscriptionUpdated(ctx, &sub, log)
	case "customer.subscription.deleted":
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return fmt.Errorf("%w: decoding subscription: %v", ErrUnrecognizedBillingEvent, err)
		}
		return s.onSubscriptionDeleted(ctx, &sub)
	case "invoice.payment_failed":
		var inv stripe.Invoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
			return fmt.Errorf("%w: decoding invoice: %v", ErrUnrecognizedBillingEvent, err)
		}
		customer := ""
		if inv.Customer != nil {
			customer = inv.Customer.ID
		}
		log.Warn().Str("event", "payment_failed").Str("invoice_id", inv.ID).Str("customer_ref", customer).Msg("invoice payment failed")
		return nil
	default:
		log.Debug().Msg("unhandled billing event type")
		return nil
	}
}

func (s *billingSyncService) onCheckoutCompleted(ctx context.Context, cs *stripe.CheckoutSession) error {
	accountID := cs.Metadata["account_id"]
	if accountID == "" {
		accountID = cs.ClientReferenceID
	}
	if accountID == "" {
		return fmt.Errorf("%w: checkout session %s has no account id", ErrUnrecognizedBillingEvent, cs.ID)
	}

	price := checkoutPrice(cs)
	if price == "" {
		p, err := s.gateway.CheckoutPriceID(ctx, cs.ID)
		if err != nil {
			return err
		}
		price = p
	}
	t, ok := s.opts.Catalog.TierFor(price)
	if !ok {
		return fmt.Errorf("%w: unknown price %q", ErrUnrecognizedBillingEvent, price)
	}

	if cs.Customer != nil && cs.Customer.ID != "" {
		if err := s.ledger.LinkBillingCustomer(ctx, accountID, cs.Customer.ID); err != nil {
			return s.correlationErr(err, accountID)
		}
	}
	return s.applyTier(ctx, accountID, t)
}

func (s *billingSyncService) onSubscriptionUpdated(ctx context.Context, sub *stripe.Subscription, log zerolog.Logger) error {
	accountID, err := s.resolveAccount(ctx, sub)
	if err != nil {
		return err
	}
	if sub.Status == stripe.SubscriptionStatusCanceled {
		return s.demote(ctx, accountID)
	}

	price, periodEnd := subscriptionPrice(sub)
	if sub.CancelAtPeriodEnd {
		now := s.opts.Now()
		expires := now.Add(tier.Period)
		if periodEnd > 0 {
			expires = time.Unix(periodEnd, 0).UTC()
		}
		if _, err := s.ledger.MarkCanceled(ctx, accountID, expires, now); err != nil {
			return s.correlationErr(err, accountID)
		}
		log.Info().Str("account_id", accountID).Time("expires_at", expires).Msg("subscription set to cancel at period end")
		return nil
	}

	t, ok := s.opts.Catalog.TierFor(price)
	if !ok {
		return fmt.Errorf("%w: unknown price %q on subscription %s", ErrUnrecognizedBillingEvent, price, sub.ID)
	}
	return s.applyTier(ctx, accountID, t)
}

func (s *billingSyncService) onSubscriptionDeleted(ctx context.Context, sub *stripe.Subscription) error {
	accountID, err := s.resolveAccount(ctx, sub)
	if err != nil {
		return err
	}
	return s.demote(ctx, accountID)
}

// resolveAccount prefers the linked customer and falls back to subscription metadata.
func (s *billingSyncService) resolveAccount(ctx context.Context, sub *stripe.Subscription) (string, error) {
	customer := ""
	if sub.Customer != nil {
		customer = sub.Customer.ID
	}
	if customer != "" {
		rec, err := s.ledger.FindByBillingCustomer(ctx, customer)
		if err == nil {
			return rec.AccountID, nil
		}
		if !errors.Is(err, repository.ErrAccountNotFound) {
			return "", err
		}
	}

	accountID := sub.Metadata["account_id"]
	if accountID == "" {
		return "", fmt.Errorf("%w: customer %q is not linked to an account", ErrUnrecognizedBillingEvent, customer)
	}
	if _, err := s.ledger.Read(ctx, accountID); err != nil {
		return "", s.correlationErr(err, accountID)
	}
	if customer != "" {
		if err := s.ledger.LinkBillingCustomer(ctx, accountID, customer); err != nil {
			return "", s.correlationErr(err, accountID)
		}
	}
	return accountID, nil
}

func (s *billingSyncService) applyTier(ctx context.Context, accountID string, t model.Tier) error {
	now := s.opts.Now()
	_, err := s.ledger.SetTierAndReset(ctx, accountID, model.TierChange{
		Tier:      t,
		Quota:     tier.MonthlyQuota(t),
		IsActive:  true,
		StartedAt: now,
		ExpiresAt: now.Add(tier.Period),
		NextReset: now.Add(tier.Period),
	}, now)
	if err != nil {
		return s.correlationErr(err, accountID)
	}
	s.logger.Info().Str("account_id", accountID).Str("tier", string(t)).Msg("tier applied from billing")
	return nil
}

func (s *billingSyncService) demote(ctx context.Context, accountID string) error {
	now := s.opts.Now()
	if _, err := s.ledger.SetTierAndReset(ctx, accountID, BaseDefaults(now, false), now); err != nil {
		return s.correlationErr(err, accountID)
	}
	s.logger.Info().Str("account_id", accountID).Msg("subscription ended, demoted to BASE")
	return nil
}

// correlationErr turns a missing account or a customer owned by another account
// into a droppable event; anything else is transient.
func (s *billingSyncService) correlationErr(err error, accountID string) error {
	switch {
	case errors.Is(err, repository.ErrAccountNotFound):
		return fmt.Errorf("%w: account %s not found", ErrUnrecognizedBillingEvent, accountID)
	case errors.Is(err, repository.ErrCustomerLinkConflict):
		return fmt.Errorf("%w: account %s: %w", ErrUnrecognizedBillingEvent, accountID, err)
	}
	return err
}

func (s *billingSyncService) CreateCheckoutSession(ctx context.Context, accountID string, t model.Tier) (string, error) {
	price, ok := s.opts.Catalog.PriceFor(t)
	if !ok {
		return "", fmt.Errorf("%w: no checkout price for %q", ErrInvalidTier, t)
	}
	rec, err := s.ledger.Read(ctx, accountID)
	if err != nil {
		return "", err
	}
	req := CheckoutRequest{
		AccountID:  accountID,
		Email:      rec.Email,
		PriceID:    price,
		SuccessURL: strings.TrimRight(s.opts.FrontendURL, "/") + "/billing?status=success",
		CancelURL:  strings.TrimRight(s.opts.FrontendURL, "/") + "/billing?status=cancel",
	}
	if rec.BillingCustomerRef != nil {
		req.CustomerRef = *rec.BillingCustomerRef
	}
	return s.gateway.CreateCheckoutSession(ctx, req)
}

func (s *billingSyncService) CreatePortalSession(ctx context.Context, accountID string) (string, error) {
	rec, err := s.ledger.Read(ctx, accountID)
	if err != nil {
		return "", err
	}
	if rec.BillingCustomerRef == nil || *rec.BillingCustomerRef == "" {
		return "", ErrNoBillingCustomer
	}
	return s.gateway.CreatePortalSession(ctx, *rec.BillingCustomerRef, strings.TrimRight(s.opts.FrontendURL, "/")+"/billing")
}
