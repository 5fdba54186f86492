package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/middleware"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/response"
	"github.com/stemsi/exproctor-backend/internal/service"
	"github.com/stemsi/exproctor-backend/internal/validator"
	ws "github.com/stemsi/exproctor-backend/internal/websocket"
)

// answerQueueSize bounds the answer frames waiting to be saved. Saves are
// short database writes; graded runs and submit evaluation happen off the queue.
const answerQueueSize = 16

// buildUpgrader creates a WebSocket upgrader with origin validation.
// allowedOrigins comes from config.Config.AllowedOrigins.
// An empty slice permits all origins (development mode).
func buildUpgrader(allowedOrigins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			if len(allowedOrigins) == 0 {
				return true
			}
			origin := r.Header.Get("Origin")
			for _, allowed := range allowedOrigins {
				if strings.EqualFold(allowed, origin) {
					return true
				}
			}
			return false
		},
	}
}

// SessionEventSource subscribes to the live events of one session.
type SessionEventSource interface {
	SubscribeSession(ctx context.Context, sessionID uuid.UUID) (<-chan *redis.Message, func() error)
}

// WSHandler handles the student exam stream.
type WSHandler struct {
	events         SessionEventSource
	sessionService *service.ExamSessionService
	answerService  *service.AnswerService
	proctorService *service.ProctorService
	debugLimiter   *middleware.RateLimiter
	log            zerolog.Logger
	upgrader       websocket.Upgrader
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(
	events SessionEventSource,
	sessionService *service.ExamSessionService,
	answerService *service.AnswerService,
	proctorService *service.ProctorService,
	debugLimiter *middleware.RateLimiter,
	log zerolog.Logger,
	allowedOrigins []string,
) *WSHandler {
	return &WSHandler{
		events:         events,
		sessionService: sessionService,
		answerService:  answerService,
		proctorService: proctorService,
		debugLimiter:   debugLimiter,
		log:            log.With().Str("component", "ws_handler").Logger(),
		upgrader:       buildUpgrader(allowedOrigins),
	}
}

// wsSession is the per-connection state.
type wsSession struct {
	conn      *ws.Conn
	sessionID uuid.UUID
	studentID string
	log       zerolog.Logger
	ctx       context.Context

	// answers carries answer and submit frames to a single goroutine so
	// saves land in the order they were sent and a submit lands after them.
	answers chan ws.RequestEnvelope
	wg      sync.WaitGroup
}

// SessionStream godoc
// WS /ws/v1/student/sessions/:id/stream
// Carries answers, runs, submit and detector signals for one session, and
// pushes session events such as a proctoring auto-submit back to the client.
func (h *WSHandler) SessionStream(c *gin.Context) {
	sessionID, ok := parseUUIDParam(c, "id")
	if !ok {
		return
	}
	studentID := middleware.StudentID(c)

	// Validate ownership and status before upgrading.
	sess, err := h.sessionService.GetSession(c.Request.Context(), sessionID, studentID)
	if err != nil {
		failFromError(c, h.log, err, "Failed to load session for stream")
		return
	}
	if sess.Status != model.SessionStatusInProgress {
		response.Fail(c, http.StatusConflict, response.ErrSessionNotActive)
		return
	}

	raw, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Error().Err(err).Msg("WebSocket upgrade failed")
		return
	}
	conn := ws.Wrap(raw)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := &wsSession{
		conn:      conn,
		sessionID: sessionID,
		studentID: studentID,
		log: h.log.With().
			Str("student_id", studentID).
			Str("session_id", sessionID.String()).
			Logger(),
		ctx:     ctx,
		answers: make(chan ws.RequestEnvelope, answerQueueSize),
	}

	s.log.Info().Msg("Student connected")

	events, unsubscribe := h.events.SubscribeSession(ctx, sessionID)
	defer unsubscribe()

	s.wg.Add(2)
	go h.forwardSessionEvents(s, events)
	go h.answerLoop(s)

	h.readLoop(s)

	close(s.answers)
	cancel()
	s.wg.Wait()
}

func (h *WSHandler) readLoop(s *wsSession) {
	for {
		var msg ws.RequestEnvelope
		if err := s.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.log.Warn().Err(err).Msg("Unexpected close")
			} else {
				s.log.Debug().Msg("Connection closed")
			}
			return
		}

		switch msg.Action {
		case ws.ActionAnswer, ws.ActionSubmit:
			h.enqueue(s, msg)
		case ws.ActionDebugRun:
			h.handleDebugRun(s, msg)
		case ws.ActionAlert:
			h.handleAlert(s, msg)
		case ws.ActionDetectorState:
			h.handleDetectorState(s, msg)
		case ws.ActionPing:
			s.conn.WriteTyped(ws.EventPong, msg.Ref, nil)
		default:
			s.log.Warn().Str("action", string(msg.Action)).Msg("Unknown action")
			s.conn.WriteError(msg.Ref, string(response.ErrInvalidPayload), "unknown action: "+string(msg.Action), nil)
		}
	}
}

// enqueue hands a frame to answerLoop without ever blocking the read loop.
// A full queue rejects the answer; a submit is never dropped and goes
// straight to its own goroutine instead.
func (h *WSHandler) enqueue(s *wsSession, msg ws.RequestEnvelope) {
	select {
	case s.answers <- msg:
	default:
		if msg.Action == ws.ActionSubmit {
			h.goSubmit(s, msg)
			return
		}
		s.log.Warn().Msg("Answer queue full, rejecting frame")
		s.conn.WriteError(msg.Ref, string(response.ErrStreamBusy), response.GetMessage(response.ErrStreamBusy), nil)
	}
}

// answerLoop saves answers one at a time. Graded runs and submits are
// started from here, after every earlier save, but run on their own
// goroutines.
func (h *WSHandler) answerLoop(s *wsSession) {
	defer s.wg.Done()
	for msg := range s.answers {
		switch msg.Action {
		case ws.ActionAnswer:
			h.handleAnswer(s, msg)
		case ws.ActionSubmit:
			h.goSubmit(s, msg)
		}
	}
}

func (h *WSHandler) goSubmit(s *wsSession, msg ws.RequestEnvelope) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		h.handleSubmit(s, msg)
	}()
}

// forwardSessionEvents relays the session channel to the client. The
// client's own answer updates are not echoed back.
func (h *WSHandler) forwardSessionEvents(s *wsSession, ch <-chan *redis.Message) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var peek struct {
				Type string `json:"type"`
			}
			if err := json.Unmarshal([]byte(msg.Payload), &peek); err != nil || peek.Type == model.EventAnswerUpdate {
				continue
			}
			s.conn.WriteTyped(ws.EventSession, "", json.RawMessage(msg.Payload))
		}
	}
}

func (h *WSHandler) handleAnswer(s *wsSession, msg ws.RequestEnvelope) {
	var req ws.AnswerRequest
	if !decodeFrame(s, msg, &req) {
		return
	}
	questionID, _ := uuid.Parse(req.QuestionID)

	res, run, err := h.sessionService.SaveAnswer(s.ctx, s.sessionID, s.studentID, questionID, req.RecordAnswerRequest)
	if err != nil {
		h.writeServiceError(s, msg.Ref, err)
		return
	}
	if run == nil {
		s.conn.WriteTyped(ws.EventSaved, msg.Ref, res)
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		outcome, err := run.Do(s.ctx)
		res.Run = outcome
		if err != nil {
			// Saved, but the run was refused.
			s.conn.WriteTyped(ws.EventSaved, msg.Ref, res)
			h.writeServiceError(s, msg.Ref, err)
			return
		}
		s.conn.WriteTyped(ws.EventRunResult, msg.Ref, res)
	}()
}

func (h *WSHandler) handleSubmit(s *wsSession, msg ws.RequestEnvelope) {
	res, err := h.sessionService.Submit(s.ctx, s.sessionID, s.studentID)
	if err != nil && !(errors.Is(err, service.ErrAlreadySubmitted) && res != nil) {
		h.writeServiceError(s, msg.Ref, err)
		return
	}
	s.conn.WriteTyped(ws.EventSubmitted, msg.Ref, res)
}

// handleDebugRun runs in its own goroutine so a slow judge does not hold up
// detector signals.
func (h *WSHandler) handleDebugRun(s *wsSession, msg ws.RequestEnvelope) {
	var req ws.DebugRunRequest
	if !decodeFrame(s, msg, &req) {
		return
	}
	if h.debugLimiter != nil && !h.debugLimiter.Allow(s.studentID) {
		s.conn.WriteError(msg.Ref, string(response.ErrRateLimitExceeded), response.GetMessage(response.ErrRateLimitExceeded), nil)
		return
	}
	questionID, _ := uuid.Parse(req.QuestionID)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		result, err := h.answerService.DebugRun(s.ctx, s.sessionID, s.studentID, questionID, req.DebugRunRequest)
		if err != nil {
			h.writeServiceError(s, msg.Ref, err)
			return
		}
		s.conn.WriteTyped(ws.EventDebugResult, msg.Ref, result)
	}()
}

func (h *WSHandler) handleAlert(s *wsSession, msg ws.RequestEnvelope) {
	var sig model.AlertSignal
	if !decodeFrame(s, msg, &sig) {
		return
	}
	out, err := h.proctorService.Record(s.ctx, s.sessionID, s.studentID, sig)
	if err != nil {
		h.writeServiceError(s, msg.Ref, err)
		return
	}
	s.conn.WriteTyped(ws.EventAlertAck, msg.Ref, out)
}

func (h *WSHandler) handleDetectorState(s *wsSession, msg ws.RequestEnvelope) {
	var ds model.DetectorState
	if !decodeFrame(s, msg, &ds) {
		return
	}
	out, err := h.proctorService.ObserveState(s.ctx, s.sessionID, s.studentID, ds)
	if err != nil {
		h.writeServiceError(s, msg.Ref, err)
		return
	}
	// Uncounted per-frame readings are not acknowledged.
	if out.Counted {
		s.conn.WriteTyped(ws.EventAlertAck, msg.Ref, out)
	}
}

// decodeFrame unmarshals and validates the frame data, replying with an
// error frame on failure.
func decodeFrame(s *wsSession, msg ws.RequestEnvelope, dst any) bool {
	if len(msg.Data) == 0 {
		s.conn.WriteError(msg.Ref, string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload), nil)
		return false
	}
	if err := json.Unmarshal(msg.Data, dst); err != nil {
		s.conn.WriteError(msg.Ref, string(response.ErrInvalidPayload), response.GetMessage(response.ErrInvalidPayload), nil)
		return false
	}
	if fields := validator.Struct(dst); fields != nil {
		s.conn.WriteError(msg.Ref, string(response.ErrValidation), response.GetMessage(response.ErrValidation), fields)
		return false
	}
	return true
}

func (h *WSHandler) writeServiceError(s *wsSession, ref string, err error) {
	code, status := errorCode(err)
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("Stream request failed")
	}
	s.conn.WriteError(ref, string(code), response.GetMessage(code), nil)
}
