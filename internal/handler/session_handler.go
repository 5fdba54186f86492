package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/middleware"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/response"
	"github.com/stemsi/exproctor-backend/internal/service"
	"github.com/stemsi/exproctor-backend/internal/validator"
)

// SessionHandler handles student-facing exam session endpoints.
type SessionHandler struct {
	sessionService *service.ExamSessionService
	answerService  *service.AnswerService
	proctorService *service.ProctorService
	log            zerolog.Logger
}

// NewSessionHandler creates a new SessionHandler.
func NewSessionHandler(
	sessionService *service.ExamSessionService,
	answerService *service.AnswerService,
	proctorService *service.ProctorService,
	log zerolog.Logger,
) *SessionHandler {
	return &SessionHandler{
		sessionService: sessionService,
		answerService:  answerService,
		proctorService: proctorService,
		log:            log.With().Str("component", "session_handler").Logger(),
	}
}

// StartSession godoc
// POST /api/v1/student/papers/:paper_id/sessions
// Returns the caller's active session for the paper, creating it if needed.
func (h *SessionHandler) StartSession(c *gin.Context) {
	paperID, ok := parseUUIDParam(c, "paper_id")
	if !ok {
		return
	}

	sess, err := h.sessionService.Start(c.Request.Context(), middleware.StudentID(c), paperID)
	if err != nil {
		failFromError(c, h.log, err, "Failed to start session")
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// GetSession godoc
// GET /api/v1/student/sessions/:id
func (h *SessionHandler) GetSession(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	sess, err := h.sessionService.GetSession(c.Request.Context(), sessionID, middleware.StudentID(c))
	if err != nil {
		failFromError(c, h.log, err, "Failed to get session")
		return
	}
	response.Success(c, http.StatusOK, sess)
}

// RecordAnswer godoc
// PUT /api/v1/student/sessions/:id/answers/:question_id
// Saves the answer. With run_type "run" on a coding question it also spends
// one graded run; the answer stays saved even when the run is refused.
func (h *SessionHandler) RecordAnswer(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	questionID, ok := parseUUIDParam(c, "question_id")
	if !ok {
		return
	}

	var req model.RecordAnswerRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	res, err := h.sessionService.RecordAnswer(c.Request.Context(), sessionID, middleware.StudentID(c), questionID, req)
	if err != nil {
		if res != nil {
			code, status := errorCode(err)
			response.FailWithData(c, status, code, res)
			return
		}
		failFromError(c, h.log, err, "Failed to record answer")
		return
	}
	response.Success(c, http.StatusOK, res)
}

// DebugRun godoc
// POST /api/v1/student/sessions/:id/questions/:question_id/debug-run
// Runs code against caller-supplied stdin. Not graded and not attempt-limited.
func (h *SessionHandler) DebugRun(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	questionID, ok := parseUUIDParam(c, "question_id")
	if !ok {
		return
	}

	var req model.DebugRunRequest
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	result, err := h.answerService.DebugRun(c.Request.Context(), sessionID, middleware.StudentID(c), questionID, req)
	if err != nil {
		failFromError(c, h.log, err, "Debug run failed")
		return
	}
	response.Success(c, http.StatusOK, result)
}

// ListAttempts godoc
// GET /api/v1/student/sessions/:id/questions/:question_id/attempts
func (h *SessionHandler) ListAttempts(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	questionID, ok := parseUUIDParam(c, "question_id")
	if !ok {
		return
	}

	view, err := h.answerService.ListAttempts(c.Request.Context(), sessionID, middleware.StudentID(c), questionID)
	if err != nil {
		failFromError(c, h.log, err, "Failed to list attempts")
		return
	}
	response.Success(c, http.StatusOK, view)
}

// SubmitSession godoc
// POST /api/v1/student/sessions/:id/submit
// Concurrent submits evaluate once. Late callers get 409 with the winning result.
func (h *SessionHandler) SubmitSession(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	res, err := h.sessionService.Submit(c.Request.Context(), sessionID, middleware.StudentID(c))
	if err != nil {
		if errors.Is(err, service.ErrAlreadySubmitted) && res != nil {
			response.FailWithData(c, http.StatusConflict, response.ErrAlreadySubmitted, res)
			return
		}
		failFromError(c, h.log, err, "Failed to submit session")
		return
	}
	response.Success(c, http.StatusOK, res)
}

// GetEvaluation godoc
// GET /api/v1/student/sessions/:id/evaluation
func (h *SessionHandler) GetEvaluation(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	res, err := h.sessionService.GetEvaluation(c.Request.Context(), sessionID, middleware.StudentID(c))
	if err != nil {
		failFromError(c, h.log, err, "Failed to get evaluation")
		return
	}
	response.Success(c, http.StatusOK, res)
}

// RecordAlert godoc
// POST /api/v1/student/sessions/:id/alerts
// Accepts one edge-triggered detector signal.
func (h *SessionHandler) RecordAlert(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req model.AlertSignal
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	out, err := h.proctorService.Record(c.Request.Context(), sessionID, middleware.StudentID(c), req)
	if err != nil {
		failFromError(c, h.log, err, "Failed to record alert")
		return
	}
	response.Success(c, http.StatusOK, out)
}

// ObserveDetector godoc
// POST /api/v1/student/sessions/:id/detector-state
// Accepts a raw per-frame detector reading; the server does the latching.
func (h *SessionHandler) ObserveDetector(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}

	var req model.DetectorState
	if fields := validator.Bind(c, &req); fields != nil {
		response.FailWithFields(c, http.StatusBadRequest, response.ErrValidation, fields)
		return
	}

	out, err := h.proctorService.ObserveState(c.Request.Context(), sessionID, middleware.StudentID(c), req)
	if err != nil {
		failFromError(c, h.log, err, "Failed to record detector state")
		return
	}
	response.Success(c, http.StatusOK, out)
}
