package handler

import (
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"metergate/internal/api/v1/dto"
	"metergate/internal/middleware"
	"metergate/internal/service"
)

type AccountHandler struct {
	quotaSvc service.QuotaService
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewAccountHandler(quotaSvc service.QuotaService, v *validator.Validate, logger zerolog.Logger) *AccountHandler {
	return &AccountHandler{quotaSvc: quotaSvc, validate: v, logger: logger}
}

// RegisterRoutes mounts account and quota routes
func (h *AccountHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("POST /accounts/me", authMw(http.HandlerFunc(h.register)))
	mux.Handle("GET /quota", authMw(http.HandlerFunc(h.status)))
}

// register godoc
// @Summary Register the authenticated account
// @Description Creates the account with BASE quota on first sign-in. Repeated calls return the existing account.
// @Tags accounts
// @Accept json
// @Produce json
// @Param account body dto.RegisterAccountRequest false "Optional email"
// @Success 201 {object} dto.AccountResponse
// @Success 200 {object} dto.AccountResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 401 {string} string "unauthorized"
// @Router /accounts/me [post]
func (h *AccountHandler) register(w http.ResponseWriter, r *http.Request) {
	accountID := middleware.AccountID(r.Context())

	var req dto.RegisterAccountRequest
	if r.ContentLength != 0 {
		if !decodeAndValidate(w, r, &req, h.validate) {
			return
		}
	}
	email := req.Email
	if email == "" {
		if c := middleware.ClaimsFrom(r.Context()); c != nil {
			email = c.Email
		}
	}

	rec, created, err := h.quotaSvc.Register(r.Context(), accountID, email)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, dto.AccountResponse{
		AccountID: rec.AccountID,
		Email:     rec.Email,
		Role:      string(rec.Role),
		Tier:      string(rec.Tier),
		Created:   created,
		NextReset: rec.NextReset,
	})
}

// status godoc
// @Summary Get quota status
// @Description Returns tier, remaining requests and next reset. Admin accounts report "unlimited".
// @Tags quota
// @Produce json
// @Success 200 {object} dto.QuotaStatusResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /quota [get]
func (h *AccountHandler) status(w http.ResponseWriter, r *http.Request) {
	st, err := h.quotaSvc.Status(r.Context(), middleware.AccountID(r.Context()))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	resp := dto.QuotaStatusResponse{
		Tier:           string(st.Tier),
		IsActive:       st.IsActive,
		NextResetDate:  st.NextReset,
		DaysUntilReset: st.DaysUntilReset,
		ExpiresAt:      st.ExpiresAt,
		LastRequestAt:  st.LastRequestAt,
	}
	if st.Unlimited {
		resp.RequestsRemaining = "unlimited"
		resp.MonthlyLimit = "unlimited"
	} else {
		resp.RequestsRemaining = *st.Remaining
		resp.MonthlyLimit = *st.MonthlyLimit
	}
	writeJSON(w, http.StatusOK, resp)
}
