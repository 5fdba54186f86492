package handler

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/response"
	"github.com/stemsi/exproctor-backend/internal/service"
	"github.com/stemsi/exproctor-backend/internal/validator"
)

// ProctorHandler handles proctor endpoints for a single session.
type ProctorHandler struct {
	sessionService *service.ExamSessionService
	proctorService *service.ProctorService
	monitorService *service.MonitorService
	log            zerolog.Logger
}

// NewProctorHandler creates a new ProctorHandler.
func NewProctorHandler(
	sessionService *service.ExamSessionService,
	proctorService *service.ProctorService,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *ProctorHandler {
	return &ProctorHandler{
		sessionService: sessionService,
		proctorService: proctorService,
		monitorService: monitorService,
		log:            log.With().Str("component", "proctor_handler").Logger(),
	}
}

// EvaluateSession godoc
// POST /api/v1/admin/sessions/:id/evaluate
// Re-grades a finished session and replaces its stored evaluation.
func (h *ProctorHandler) EvaluateSession(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	res, err := h.sessionService.Reevaluate(c.Request.Context(), sessionID)
	if err != nil {
		failFromError(c, h.log, err, "Failed to evaluate session")
		return
	}
	response.Success(c, http.StatusOK, res)
}

// GetLedger godoc
// GET /api/v1/admin/sessions/:id/ledger
func (h *ProctorHandler) GetLedger(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	snap, err := h.proctorService.Snapshot(c.Request.Context(), sessionID)
	if err != nil {
		failFromError(c, h.log, err, "Failed to read ledger")
		return
	}
	response.Success(c, http.StatusOK, snap)
}

// ResetLedger godoc
// DELETE /api/v1/admin/sessions/:id/ledger
// Clears violation counters. A block already applied stays in place.
func (h *ProctorHandler) ResetLedger(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	if err := h.proctorService.Reset(c.Request.Context(), sessionID); err != nil {
		failFromError(c, h.log, err, "Failed to reset ledger")
		return
	}
	response.Success(c, http.StatusOK, gin.H{"message": "Ledger berhasil direset"})
}

type logsQuery struct {
	Type  string `form:"type" binding:"omitempty,event_type"`
	Limit string `form:"limit" binding:"omitempty,numeric"`
}

// ListLogs godoc
// GET /api/v1/admin/sessions/:id/logs?type=&limit=
// Returns the session's audit trail, newest first.
func (h *ProctorHandler) ListLogs(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var q logsQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, validator.TranslateErrors(err))
		return
	}
	limit, _ := strconv.Atoi(q.Limit)

	logs, err := h.monitorService.Logs(c.Request.Context(), sessionID, q.Type, limit)
	if err != nil {
		failFromError(c, h.log, err, "Failed to list logs")
		return
	}
	response.Success(c, http.StatusOK, logs)
}
