package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/cardiotriage/backend/internal/http/middleware"
	"github.com/cardiotriage/backend/internal/models"
	"github.com/cardiotriage/backend/internal/patients"
	"github.com/cardiotriage/backend/internal/service"
	"github.com/cardiotriage/backend/internal/session"
)

const ServiceName = "cardiology-triage"

// AppointmentLister backs GET /patient/:id/appointments.
type AppointmentLister interface {
	ListAppointments(ctx context.Context, patientID string) ([]models.AppointmentRequest, error)
}

// Pinger is the optional database health probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handler struct {
	Supervisor   *service.Supervisor
	Escalations  *service.EscalationProtocol
	Sessions     *session.Store
	Patients     patients.Directory
	Appointments AppointmentLister
	DB           Pinger
	Validator    *validator.Validate
	Logger       zerolog.Logger
}

type ChatRequest struct {
	PatientID           string   `json:"patient_id" validate:"required_without=SessionID,max=64"`
	SessionID           string   `json:"session_id" validate:"max=128"`
	Message             string   `json:"message" validate:"required,max=4000"`
	ConversationContext []string `json:"conversation_context" validate:"max=20,dive,max=2000"`
}

type StatusRequest struct {
	Status string `json:"status" validate:"required,oneof=acknowledged closed"`
}

type HealthResponse struct {
	Status   string `json:"status"`
	Service  string `json:"service"`
	Database string `json:"database,omitempty"`
}

type AppointmentsResponse struct {
	PatientID    string                      `json:"patient_id"`
	Appointments []models.AppointmentRequest `json:"appointments"`
	TotalCount   int                         `json:"total_count"`
}

type SessionResponse struct {
	models.Session
	OpenEscalations []string `json:"open_escalations"`
}

// @Summary Health check
// @Tags health
// @Produce json
// @Success 200 {object} HealthResponse
// @Failure 503 {object} HealthResponse
// @Router /health [get]
func (h *Handler) Health(c *gin.Context) {
	resp := HealthResponse{Status: "healthy", Service: ServiceName}
	if h.DB != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
		defer cancel()
		if err := h.DB.Ping(ctx); err != nil {
			h.Logger.Warn().Err(err).Msg("database ping failed")
			resp.Status = "degraded"
			resp.Database = "unavailable"
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
		resp.Database = "ok"
	}
	c.JSON(http.StatusOK, resp)
}

// @Summary Route a patient message
// @Description Classifies the message and dispatches it to triage, appointment, virtual assistant or clinical docs.
// @Tags chat
// @Accept json
// @Produce json
// @Param request body ChatRequest true "Patient message"
// @Success 200 {object} models.ResponseEnvelope
// @Failure 400 {object} map[string]any
// @Failure 502 {object} map[string]any
// @Failure 504 {object} map[string]any
// @Router /chat [post]
func (h *Handler) Chat(c *gin.Context) {
	req, ok := h.bindChat(c)
	if !ok {
		return
	}
	env, err := h.Supervisor.Route(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

// @Summary Triage a message directly
// @Tags chat
// @Accept json
// @Produce json
// @Param request body ChatRequest true "Patient message"
// @Success 200 {object} models.ResponseEnvelope
// @Failure 400 {object} map[string]any
// @Router /triage [post]
func (h *Handler) Triage(c *gin.Context) {
	h.dispatch(c, models.HandlerTriage)
}

// @Summary Request an appointment directly
// @Tags chat
// @Accept json
// @Produce json
// @Param request body ChatRequest true "Patient message"
// @Success 200 {object} models.ResponseEnvelope
// @Failure 400 {object} map[string]any
// @Router /appointment [post]
func (h *Handler) Appointment(c *gin.Context) {
	h.dispatch(c, models.HandlerAppointment)
}

func (h *Handler) dispatch(c *gin.Context, kind models.HandlerKind) {
	req, ok := h.bindChat(c)
	if !ok {
		return
	}
	env, err := h.Supervisor.Dispatch(c.Request.Context(), req, kind)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, env)
}

func (h *Handler) bindChat(c *gin.Context) (service.RouteRequest, bool) {
	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return service.RouteRequest{}, false
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return service.RouteRequest{}, false
	}
	return service.RouteRequest{
		SessionID:     strings.TrimSpace(req.SessionID),
		PatientID:     strings.TrimSpace(req.PatientID),
		Message:       req.Message,
		ClientContext: req.ConversationContext,
	}, true
}

// @Summary Patient record
// @Tags patients
// @Produce json
// @Param id path string true "Patient ID"
// @Success 200 {object} models.Patient
// @Failure 404 {object} map[string]any
// @Router /patient/{id} [get]
func (h *Handler) Patient(c *gin.Context) {
	p, err := h.Patients.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, p)
}

// @Summary Patient appointments
// @Tags patients
// @Produce json
// @Param id path string true "Patient ID"
// @Success 200 {object} AppointmentsResponse
// @Router /patient/{id}/appointments [get]
func (h *Handler) PatientAppointments(c *gin.Context) {
	id := c.Param("id")
	items, err := h.Appointments.ListAppointments(c.Request.Context(), id)
	if err != nil {
		h.Logger.Error().Err(err).Str("patient_id", id).Msg("list appointments failed")
		writeError(c, http.StatusInternalServerError, "DB_ERROR", "Failed to list appointments", nil)
		return
	}
	if items == nil {
		items = []models.AppointmentRequest{}
	}
	c.JSON(http.StatusOK, AppointmentsResponse{PatientID: id, Appointments: items, TotalCount: len(items)})
}

// @Summary Session snapshot
// @Tags sessions
// @Produce json
// @Param id path string true "Session ID"
// @Success 200 {object} SessionResponse
// @Failure 404 {object} map[string]any
// @Router /sessions/{id} [get]
func (h *Handler) Session(c *gin.Context) {
	sess, err := h.Sessions.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, SessionResponse{Session: sess, OpenEscalations: sess.OpenEscalationIDs()})
}

// @Summary List escalations
// @Tags escalations
// @Produce json
// @Param status query string false "raised, acknowledged or closed"
// @Param pending query bool false "only events whose notification is pending"
// @Param session_id query string false "Session ID"
// @Success 200 {object} map[string]any
// @Router /escalations [get]
func (h *Handler) EscalationsList(c *gin.Context) {
	status := models.EscalationStatus(strings.ToLower(strings.TrimSpace(c.Query("status"))))
	if status != "" && !status.Valid() {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "status must be raised, acknowledged or closed", nil)
		return
	}
	pending, _ := strconv.ParseBool(c.DefaultQuery("pending", "false"))
	items := h.Escalations.List(service.EscalationFilter{
		Status:      status,
		SessionID:   c.Query("session_id"),
		PendingOnly: pending,
	})
	c.JSON(http.StatusOK, gin.H{"items": items, "total_count": len(items)})
}

// @Summary Get an escalation
// @Tags escalations
// @Produce json
// @Param id path string true "Escalation ID"
// @Success 200 {object} models.EscalationEvent
// @Failure 404 {object} map[string]any
// @Router /escalations/{id} [get]
func (h *Handler) EscalationGet(c *gin.Context) {
	ev, err := h.Escalations.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// @Summary Acknowledge or close an escalation
// @Tags escalations
// @Accept json
// @Produce json
// @Param id path string true "Escalation ID"
// @Param request body StatusRequest true "New status"
// @Success 200 {object} models.EscalationEvent
// @Failure 400 {object} map[string]any
// @Failure 404 {object} map[string]any
// @Router /escalations/{id}/status [post]
func (h *Handler) EscalationStatus(c *gin.Context) {
	var req StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Invalid payload", err.Error())
		return
	}
	if err := h.Validator.Struct(req); err != nil {
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", "Validation failed", err.Error())
		return
	}
	ev, err := h.Escalations.UpdateStatus(c.Request.Context(), c.Param("id"), models.EscalationStatus(req.Status))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, ev)
}

// @Summary Retry pending escalation notifications
// @Tags escalations
// @Produce json
// @Success 200 {object} service.ReconcileSummary
// @Router /escalations/reconcile [post]
func (h *Handler) EscalationsReconcile(c *gin.Context) {
	c.JSON(http.StatusOK, h.Escalations.ReconcilePending(c.Request.Context()))
}

// fail maps a core error onto the error envelope. Upstream details are
// logged, never echoed.
func (h *Handler) fail(c *gin.Context, err error) {
	log := h.Logger.With().Str("request_id", middleware.GetRequestID(c)).Logger()
	var verr models.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(c, http.StatusBadRequest, "VALIDATION_ERROR", verr.Error(), nil)
	case errors.Is(err, models.ErrSessionNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Session not found", nil)
	case errors.Is(err, models.ErrPatientNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Patient not found", nil)
	case errors.Is(err, models.ErrEscalationNotFound):
		writeError(c, http.StatusNotFound, "NOT_FOUND", "Escalation not found", nil)
	case errors.Is(err, models.ErrUpstreamTimeout):
		log.Warn().Err(err).Msg("upstream timeout")
		writeError(c, http.StatusGatewayTimeout, "UPSTREAM_TIMEOUT", "An upstream service timed out", nil)
	case models.IsUpstream(err):
		log.Warn().Err(err).Msg("upstream error")
		writeError(c, http.StatusBadGateway, "UPSTREAM_ERROR", "An upstream service is unavailable", nil)
	case errors.Is(err, context.DeadlineExceeded):
		log.Warn().Err(err).Msg("request timed out")
		writeError(c, http.StatusGatewayTimeout, "REQUEST_TIMEOUT", "The request timed out", nil)
	default:
		log.Error().Err(err).Msg("request failed")
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal error", nil)
	}
}

func writeError(c *gin.Context, status int, code string, message string, details any) {
	c.JSON(status, gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
			"details": details,
		},
	})
}
