package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"metergate/internal/api/v1/dto"
	"metergate/internal/middleware"
	"metergate/internal/service"
	"metergate/internal/tier"
)

const maxWebhookBody = 1 << 16

type BillingHandler struct {
	billingSvc service.BillingSyncService
	verifier   service.EventVerifier
	validate   *validator.Validate
	logger     zerolog.Logger
}

func NewBillingHandler(billingSvc service.BillingSyncService, verifier service.EventVerifier, v *validator.Validate, logger zerolog.Logger) *BillingHandler {
	return &BillingHandler{billingSvc: billingSvc, verifier: verifier, validate: v, logger: logger}
}

func (h *BillingHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("POST /billing/checkout", authMw(http.HandlerFunc(h.checkout)))
	mux.Handle("GET /billing/portal", authMw(http.HandlerFunc(h.portal)))
	mux.HandleFunc("POST /billing/webhook", h.webhook)
}

// checkout godoc
// @Summary Start a Stripe Checkout session
// @Tags billing
// @Accept json
// @Produce json
// @Param body body dto.CheckoutRequest true "Target tier"
// @Success 200 {object} dto.URLResponse
// @Failure 400 {object} dto.ErrorResponse
// @Router /billing/checkout [post]
func (h *BillingHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req dto.CheckoutRequest
	if !decodeAndValidate(w, r, &req, h.validate) {
		return
	}
	t, _ := tier.Parse(req.Tier)
	url, err := h.billingSvc.CreateCheckoutSession(r.Context(), middleware.AccountID(r.Context()), t)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.URLResponse{URL: url})
}

// portal godoc
// @Summary Create a Stripe Customer Portal session
// @Tags billing
// @Produce json
// @Success 200 {object} dto.URLResponse
// @Failure 409 {object} dto.ErrorResponse "account has no billing customer"
// @Router /billing/portal [get]
func (h *BillingHandler) portal(w http.ResponseWriter, r *http.Request) {
	url, err := h.billingSvc.CreatePortalSession(r.Context(), middleware.AccountID(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.URLResponse{URL: url})
}

// webhook godoc
// @Summary Stripe webhook receiver
// @Description Verifies the signature on the raw body, then applies the event. Uncorrelatable events are acknowledged.
// @Tags billing
// @Accept json
// @Success 200 {string} string "ok"
// @Failure 400 {string} string "signature verification failed"
// @Failure 413 {string} string "payload too large"
// @Failure 500 {string} string "temporary failure, provider should retry"
// @Router /billing/webhook [post]
func (h *BillingHandler) webhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.logger.Warn().Int64("limit", tooLarge.Limit).Msg("Stripe webhook body too large")
			http.Error(w, "payload too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read payload", http.StatusBadRequest)
		return
	}
	event, err := h.verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		h.logger.Warn().Err(err).Msg("signature verification failed for Stripe webhook")
		http.Error(w, "signature verification failed", http.StatusBadRequest)
		return
	}
	if err := h.billingSvc.OnBillingEvent(r.Context(), event); err != nil {
		http.Error(w, "temporary failure", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}
