package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"metergate/internal/api/v1/dto"
	"metergate/internal/service"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeServiceError maps service errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, logger zerolog.Logger, err error) {
	var qe *service.QuotaExhaustedError
	var ce *service.ExternalCallError
	switch {
	case errors.As(err, &qe):
		next := qe.NextReset
		days := qe.DaysUntilReset
		writeJSON(w, http.StatusTooManyRequests, dto.ErrorResponse{
			Error:          "quota_exhausted",
			Message:        "No requests left in this period",
			NextResetDate:  &next,
			DaysUntilReset: &days,
			UpgradeLink:    qe.UpgradeLink,
		})
	case errors.Is(err, service.ErrQuotaExhausted):
		writeJSON(w, http.StatusTooManyRequests, dto.ErrorResponse{Error: "quota_exhausted"})
	case errors.As(err, &ce):
		refunded := ce.Refunded
		writeJSON(w, http.StatusBadGateway, dto.ErrorResponse{
			Error:    "external_call_failed",
			Message:  "The interpretation could not be generated",
			Refunded: &refunded,
		})
	case errors.Is(err, service.ErrAccountNotFound):
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "account_not_found"})
	case errors.Is(err, service.ErrInputTooLong),
		errors.Is(err, service.ErrEmptyInput),
		errors.Is(err, service.ErrInvalidTier):
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, service.ErrNoBillingCustomer):
		writeJSON(w, http.StatusConflict, dto.ErrorResponse{Error: "no_billing_customer"})
	case errors.Is(err, service.ErrForbidden):
		writeJSON(w, http.StatusForbidden, dto.ErrorResponse{Error: "forbidden"})
	default:
		logger.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, dto.ErrorResponse{Error: "internal_error"})
	}
}

func decodeAndValidate(w http.ResponseWriter, r *http.Request, v any, validate interface{ Struct(any) error }) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "invalid_json", Message: err.Error()})
		return false
	}
	if err := validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, dto.ErrorResponse{Error: "validation_failed", Message: err.Error()})
		return false
	}
	return true
}
