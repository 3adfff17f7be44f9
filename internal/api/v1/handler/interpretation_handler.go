package handler

import (
	"net/http"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"metergate/internal/api/v1/dto"
	"metergate/internal/middleware"
	"metergate/internal/model"
	"metergate/internal/service"
)

type InterpretationHandler struct {
	meteredSvc service.MeteredService
	validate   *validator.Validate
	logger     zerolog.Logger
}

func NewInterpretationHandler(meteredSvc service.MeteredService, v *validator.Validate, logger zerolog.Logger) *InterpretationHandler {
	return &InterpretationHandler{meteredSvc: meteredSvc, validate: v, logger: logger}
}

func (h *InterpretationHandler) RegisterRoutes(mux *http.ServeMux, authMw func(http.Handler) http.Handler) {
	mux.Handle("POST /interpretations", authMw(http.HandlerFunc(h.create)))
	mux.Handle("GET /interpretations", authMw(http.HandlerFunc(h.list)))
}

// create godoc
// @Summary Interpret a dream
// @Description Spends one request of the caller's quota. A failed provider call is refunded.
// @Tags interpretations
// @Accept json
// @Produce json
// @Param body body dto.InterpretRequest true "Dream text"
// @Success 201 {object} dto.InterpretationResponse
// @Failure 400 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 429 {object} dto.ErrorResponse "quota exhausted, includes next reset date"
// @Failure 502 {object} dto.ErrorResponse "provider failed, request refunded"
// @Router /interpretations [post]
func (h *InterpretationHandler) create(w http.ResponseWriter, r *http.Request) {
	var req dto.InterpretRequest
	if !decodeAndValidate(w, r, &req, h.validate) {
		return
	}
	it, err := h.meteredSvc.Interpret(r.Context(), middleware.AccountID(r.Context()), req.Input)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, toInterpretationResponse(*it))
}

// list godoc
// @Summary List recent interpretations
// @Tags interpretations
// @Produce json
// @Param limit query int false "Max results (default 20, max 100)"
// @Success 200 {array} dto.InterpretationResponse
// @Router /interpretations [get]
func (h *InterpretationHandler) list(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	items, err := h.meteredSvc.History(r.Context(), middleware.AccountID(r.Context()), limit)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	resp := make([]dto.InterpretationResponse, 0, len(items))
	for _, it := range items {
		resp = append(resp, toInterpretationResponse(it))
	}
	writeJSON(w, http.StatusOK, resp)
}

func toInterpretationResponse(it model.Interpretation) dto.InterpretationResponse {
	return dto.InterpretationResponse{
		ID:        it.ID,
		Tier:      string(it.Tier),
		Model:     it.Model,
		Input:     it.Input,
		Output:    it.Output,
		Summary:   it.Summary,
		CreatedAt: it.CreatedAt,
	}
}
