package fleet

import (
	"encoding/csv"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/fleetops/fleetops/internal/platform/httpx"
	"github.com/fleetops/fleetops/internal/rbac"
	"github.com/fleetops/fleetops/internal/shared"
)

// Handler exposes vehicle and intervention endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	audit     *shared.AuditLogger
	rbac      rbac.Middleware
	validator *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service, audit *shared.AuditLogger, rbac rbac.Middleware) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		audit:     audit,
		rbac:      rbac,
		validator: validator.New(),
	}
}

// MountRoutes registers fleet routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/vehicles", func(r chi.Router) {
		r.With(h.rbac.RequireCrud("vehicles", "view")).Get("/", h.listVehicles)
		r.With(h.rbac.RequireCrud("vehicles", "view")).Get("/{id}", h.getVehicle)
		r.With(h.rbac.RequireCrud("vehicles", "create")).Post("/", h.createVehicle)
		r.With(h.rbac.RequireCrud("vehicles", "edit")).Put("/{id}", h.updateVehicle)
		r.With(h.rbac.RequireCrud("vehicles", "delete")).Delete("/{id}", h.deleteVehicle)
		r.With(h.rbac.RequireCrud("interventions", "view")).Get("/{id}/interventions", h.listVehicleInterventions)
	})
	r.Route("/interventions", func(r chi.Router) {
		r.With(h.rbac.RequireCrud("interventions", "view")).Get("/", h.listInterventions)
		r.With(h.rbac.RequireCrud("interventions", "view")).Get("/{id}", h.getIntervention)
		r.With(h.rbac.RequireCrud("interventions", "create")).Post("/", h.openIntervention)
		r.With(h.rbac.RequireCrud("interventions", "edit")).Put("/{id}", h.updateIntervention)
		r.With(h.rbac.RequireCrud("interventions", "edit")).Post("/{id}/start", h.startIntervention)
		r.With(h.rbac.RequirePermission(shared.PermInterventionsAssign)).Post("/{id}/assign", h.assignIntervention)
		r.With(h.rbac.RequirePermission(shared.PermInterventionsClose)).Post("/{id}/close", h.closeIntervention)
	})
	r.Route("/reports", func(r chi.Router) {
		r.Use(h.rbac.RequireModuleAccess("reports"))
		r.With(h.rbac.RequirePermission(shared.PermReportsExport)).Get("/interventions.csv", h.exportInterventions)
	})
}

type vehicleResponse struct {
	ID           int64     `json:"id"`
	Registration string    `json:"registration"`
	Make         string    `json:"make"`
	Model        string    `json:"model"`
	Year         int       `json:"year"`
	Status       string    `json:"status"`
	Mileage      int64     `json:"mileage"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type vehiclePayload struct {
	Registration string `json:"registration" validate:"required,min=2,max=16"`
	Make         string `json:"make" validate:"required,max=64"`
	Model        string `json:"model" validate:"required,max=64"`
	Year         int    `json:"year" validate:"required,gte=1950,lte=2100"`
	Status       string `json:"status" validate:"omitempty,oneof=active maintenance retired"`
	Mileage      int64  `json:"mileage" validate:"gte=0"`
}

type interventionResponse struct {
	ID           int64      `json:"id"`
	VehicleID    int64      `json:"vehicle_id"`
	Title        string     `json:"title"`
	Description  string     `json:"description"`
	Status       string     `json:"status"`
	Priority     string     `json:"priority"`
	AssigneeID   *int64     `json:"assignee_id"`
	ReportedByID int64      `json:"reported_by_id"`
	OpenedAt     time.Time  `json:"opened_at"`
	ClosedAt     *time.Time `json:"closed_at"`
}

type openInterventionPayload struct {
	VehicleID   int64  `json:"vehicle_id" validate:"required,gt=0"`
	Title       string `json:"title" validate:"required,min=3,max=160"`
	Description string `json:"description" validate:"max=4000"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

type updateInterventionPayload struct {
	Title       string `json:"title" validate:"omitempty,min=3,max=160"`
	Description string `json:"description" validate:"max=4000"`
	Priority    string `json:"priority" validate:"omitempty,oneof=low normal high urgent"`
}

type assignPayload struct {
	TechnicianID int64 `json:"technician_id" validate:"required,gt=0"`
}

func (h *Handler) listVehicles(w http.ResponseWriter, r *http.Request) {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	list, pagination, err := h.service.ListVehicles(r.Context(), page, perPage)
	if err != nil {
		h.fail(w, "list vehicles", err)
		return
	}
	out := make([]vehicleResponse, 0, len(list))
	for _, v := range list {
		out = append(out, toVehicleResponse(v))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"vehicles": out, "pagination": pagination})
}

func (h *Handler) getVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid vehicle id")
		return
	}
	v, err := h.service.GetVehicle(r.Context(), id)
	if err != nil {
		h.fail(w, "get vehicle", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toVehicleResponse(v))
}

func (h *Handler) createVehicle(w http.ResponseWriter, r *http.Request) {
	payload, ok := h.decodeVehicle(w, r)
	if !ok {
		return
	}
	v, err := h.service.CreateVehicle(r.Context(), Vehicle{
		Registration: payload.Registration,
		Make:         payload.Make,
		Model:        payload.Model,
		Year:         payload.Year,
		Status:       payload.Status,
		Mileage:      payload.Mileage,
	})
	if err != nil {
		h.fail(w, "create vehicle", err)
		return
	}
	h.recordChange(r, "vehicle.created", "vehicle", v.ID)
	httpx.JSON(w, http.StatusCreated, toVehicleResponse(v))
}

func (h *Handler) updateVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid vehicle id")
		return
	}
	payload, ok := h.decodeVehicle(w, r)
	if !ok {
		return
	}
	v, err := h.service.UpdateVehicle(r.Context(), Vehicle{
		ID:           id,
		Registration: payload.Registration,
		Make:         payload.Make,
		Model:        payload.Model,
		Year:         payload.Year,
		Status:       payload.Status,
		Mileage:      payload.Mileage,
	})
	if err != nil {
		h.fail(w, "update vehicle", err)
		return
	}
	h.recordChange(r, "vehicle.updated", "vehicle", id)
	httpx.JSON(w, http.StatusOK, toVehicleResponse(v))
}

func (h *Handler) deleteVehicle(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid vehicle id")
		return
	}
	if err := h.service.DeleteVehicle(r.Context(), id); err != nil {
		h.fail(w, "delete vehicle", err)
		return
	}
	h.recordChange(r, "vehicle.deleted", "vehicle", id)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listVehicleInterventions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid vehicle id")
		return
	}
	list, err := h.service.ListInterventions(r.Context(), InterventionFilter{VehicleID: id})
	if err != nil {
		h.fail(w, "list vehicle interventions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInterventionResponses(list))
}

func (h *Handler) listInterventions(w http.ResponseWriter, r *http.Request) {
	assigneeID, _ := strconv.ParseInt(r.URL.Query().Get("assignee_id"), 10, 64)
	list, err := h.service.ListInterventions(r.Context(), InterventionFilter{
		AssigneeID: assigneeID,
		Status:     r.URL.Query().Get("status"),
	})
	if err != nil {
		h.fail(w, "list interventions", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInterventionResponses(list))
}

func (h *Handler) getIntervention(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid intervention id")
		return
	}
	iv, err := h.service.GetIntervention(r.Context(), id)
	if err != nil {
		h.fail(w, "get intervention", err)
		return
	}
	httpx.JSON(w, http.StatusOK, toInterventionResponse(iv))
}

func (h *Handler) openIntervention(w http.ResponseWriter, r *http.Request) {
	var payload openInterventionPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	iv, err := h.service.OpenIntervention(r.Context(), payload.VehicleID, currentUserID(r),
		payload.Title, payload.Description, payload.Priority)
	if err != nil {
		h.fail(w, "open intervention", err)
		return
	}
	h.recordChange(r, "intervention.opened", "intervention", iv.ID)
	httpx.JSON(w, http.StatusCreated, toInterventionResponse(iv))
}

func (h *Handler) updateIntervention(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid intervention id")
		return
	}
	var payload updateInterventionPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	iv, err := h.service.UpdateIntervention(r.Context(), id, payload.Title, payload.Description, payload.Priority)
	if err != nil {
		h.fail(w, "update intervention", err)
		return
	}
	h.recordChange(r, "intervention.updated", "intervention", id)
	httpx.JSON(w, http.StatusOK, toInterventionResponse(iv))
}

func (h *Handler) assignIntervention(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid intervention id")
		return
	}
	var payload assignPayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	iv, err := h.service.Assign(r.Context(), id, payload.TechnicianID)
	if err != nil {
		h.fail(w, "assign intervention", err)
		return
	}
	h.recordChange(r, "intervention.assigned", "intervention", id)
	httpx.JSON(w, http.StatusOK, toInterventionResponse(iv))
}

func (h *Handler) startIntervention(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid intervention id")
		return
	}
	iv, err := h.service.Start(r.Context(), id)
	if err != nil {
		h.fail(w, "start intervention", err)
		return
	}
	h.recordChange(r, "intervention.started", "intervention", id)
	httpx.JSON(w, http.StatusOK, toInterventionResponse(iv))
}

func (h *Handler) closeIntervention(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid intervention id")
		return
	}
	iv, err := h.service.Close(r.Context(), id)
	if err != nil {
		h.fail(w, "close intervention", err)
		return
	}
	h.recordChange(r, "intervention.closed", "intervention", id)
	httpx.JSON(w, http.StatusOK, toInterventionResponse(iv))
}

func (h *Handler) exportInterventions(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListInterventions(r.Context(), InterventionFilter{
		Status: r.URL.Query().Get("status"),
	})
	if err != nil {
		h.fail(w, "export interventions", err)
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="interventions.csv"`)
	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "vehicle_id", "title", "status", "priority", "assignee_id", "opened_at", "closed_at"})
	for _, iv := range list {
		assignee := ""
		if iv.AssigneeID != nil {
			assignee = strconv.FormatInt(*iv.AssigneeID, 10)
		}
		closedAt := ""
		if iv.ClosedAt != nil {
			closedAt = iv.ClosedAt.Format(time.RFC3339)
		}
		_ = cw.Write([]string{
			strconv.FormatInt(iv.ID, 10),
			strconv.FormatInt(iv.VehicleID, 10),
			iv.Title,
			iv.Status,
			iv.Priority,
			assignee,
			iv.OpenedAt.Format(time.RFC3339),
			closedAt,
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("write csv", slog.Any("error", err))
	}
}

func (h *Handler) decodeVehicle(w http.ResponseWriter, r *http.Request) (vehiclePayload, bool) {
	var payload vehiclePayload
	if err := httpx.DecodeJSON(r, &payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "malformed JSON body")
		return payload, false
	}
	if err := h.validator.Struct(payload); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return payload, false
	}
	return payload, true
}

func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		httpx.Problem(w, http.StatusNotFound, "Not Found", "record not found")
	case errors.Is(err, ErrDuplicateRegistration):
		httpx.Problem(w, http.StatusConflict, "Duplicate", "registration already in fleet")
	case errors.Is(err, ErrVehicleInUse):
		httpx.Problem(w, http.StatusConflict, "Conflict", "vehicle has open interventions")
	case errors.Is(err, ErrVehicleRetired):
		httpx.Problem(w, http.StatusConflict, "Conflict", "vehicle is retired")
	case errors.Is(err, ErrInterventionClosed):
		httpx.Problem(w, http.StatusConflict, "Conflict", "intervention already closed")
	case errors.Is(err, ErrInvalidStatus):
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid status")
	default:
		h.logger.Error(op, slog.Any("error", err))
		httpx.Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

func (h *Handler) recordChange(r *http.Request, action, entity string, entityID int64) {
	if h.audit == nil {
		return
	}
	if err := h.audit.Record(r.Context(), shared.AuditLog{
		ActorID:  currentUserID(r),
		Action:   action,
		Entity:   entity,
		EntityID: strconv.FormatInt(entityID, 10),
	}); err != nil {
		h.logger.Warn("audit fleet change", slog.Any("error", err))
	}
}

func currentUserID(r *http.Request) int64 {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0
	}
	id, _ := strconv.ParseInt(sess.User(), 10, 64)
	return id
}

func toVehicleResponse(v Vehicle) vehicleResponse {
	return vehicleResponse{
		ID:           v.ID,
		Registration: v.Registration,
		Make:         v.Make,
		Model:        v.Model,
		Year:         v.Year,
		Status:       v.Status,
		Mileage:      v.Mileage,
		CreatedAt:    v.CreatedAt,
		UpdatedAt:    v.UpdatedAt,
	}
}

func toInterventionResponse(iv Intervention) interventionResponse {
	return interventionResponse{
		ID:           iv.ID,
		VehicleID:    iv.VehicleID,
		Title:        iv.Title,
		Description:  iv.Description,
		Status:       iv.Status,
		Priority:     iv.Priority,
		AssigneeID:   iv.AssigneeID,
		ReportedByID: iv.ReportedByID,
		OpenedAt:     iv.OpenedAt,
		ClosedAt:     iv.ClosedAt,
	}
}

func toInterventionResponses(list []Intervention) []interventionResponse {
	out := make([]interventionResponse, 0, len(list))
	for _, iv := range list {
		out = append(out, toInterventionResponse(iv))
	}
	return out
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
