package handler

import (
	"context"
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"metergate/internal/api/v1/dto"
	"metergate/internal/middleware"
	"metergate/internal/model"
	"metergate/internal/scheduler"
	"metergate/internal/service"
)

// TaskRunner is the part of the scheduler exposed to admins.
type TaskRunner interface {
	RunNow(ctx context.Context, name string) error
	Tasks() []scheduler.TaskInfo
}

type AdminHandler struct {
	quotaSvc service.QuotaService
	tasks    TaskRunner
	validate *validator.Validate
	logger   zerolog.Logger
}

func NewAdminHandler(quotaSvc service.QuotaService, tasks TaskRunner, v *validator.Validate, logger zerolog.Logger) *AdminHandler {
	return &AdminHandler{quotaSvc: quotaSvc, tasks: tasks, validate: v, logger: logger}
}

// RegisterRoutes mounts admin routes behind auth and the stored-role check.
func (h *AdminHandler) RegisterRoutes(mux *http.ServeMux, authMw, adminMw func(http.Handler) http.Handler) {
	wrap := func(f http.HandlerFunc) http.Handler { return authMw(adminMw(f)) }
	mux.Handle("PATCH /admin/grants", wrap(h.grant))
	mux.Handle("GET /admin/tasks", wrap(h.listTasks))
	mux.Handle("POST /admin/tasks/{name}", wrap(h.runTask))
}

// grant godoc
// @Summary Grant a tier to an account
// @Description Sets the tier and starts a fresh 30 day window. Admin only.
// @Tags admin
// @Accept json
// @Produce json
// @Param body body dto.GrantTierRequest true "Target account and tier"
// @Success 200 {object} dto.AccountResponse
// @Failure 403 {object} dto.ErrorResponse
// @Failure 404 {object} dto.ErrorResponse
// @Router /admin/grants [patch]
func (h *AdminHandler) grant(w http.ResponseWriter, r *http.Request) {
	var req dto.GrantTierRequest
	if !decodeAndValidate(w, r, &req, h.validate) {
		return
	}
	rec, err := h.quotaSvc.GrantTier(r.Context(), middleware.AccountID(r.Context()), req.AccountID, model.Tier(req.Tier))
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, dto.AccountResponse{
		AccountID: rec.AccountID,
		Email:     rec.Email,
		Role:      string(rec.Role),
		Tier:      string(rec.Tier),
		NextReset: rec.NextReset,
	})
}

// listTasks godoc
// @Summary List scheduled maintenance tasks
// @Tags admin
// @Produce json
// @Success 200 {array} dto.TaskResponse
// @Router /admin/tasks [get]
func (h *AdminHandler) listTasks(w http.ResponseWriter, r *http.Request) {
	infos := h.tasks.Tasks()
	resp := make([]dto.TaskResponse, 0, len(infos))
	for _, t := range infos {
		resp = append(resp, dto.TaskResponse{Name: t.Name, Schedule: t.Schedule, Next: t.Next})
	}
	writeJSON(w, http.StatusOK, resp)
}

// runTask godoc
// @Summary Run a maintenance task now
// @Tags admin
// @Produce json
// @Param name path string true "Task name"
// @Success 200 {object} dto.TaskResponse
// @Failure 404 {object} dto.ErrorResponse
// @Failure 409 {object} dto.ErrorResponse "task already running"
// @Router /admin/tasks/{name} [post]
func (h *AdminHandler) runTask(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	err := h.tasks.RunNow(r.Context(), name)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, dto.TaskResponse{Name: name, Status: "completed"})
	case errors.Is(err, scheduler.ErrUnknownTask):
		writeJSON(w, http.StatusNotFound, dto.ErrorResponse{Error: "unknown_task", Message: name})
	case errors.Is(err, scheduler.ErrTaskBusy):
		writeJSON(w, http.StatusConflict, dto.ErrorResponse{Error: "task_busy", Message: name})
	default:
		h.logger.Error().Err(err).Str("task", name).Msg("manual task run failed")
		writeJSON(w, http.StatusInternalServerError, dto.ErrorResponse{Error: "task_failed", Message: name})
	}
}
