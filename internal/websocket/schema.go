package websocket

import (
	"encoding/json"

	"github.com/stemsi/exproctor-backend/internal/model"
)

// ─── Actions (Client → Server) ──────────────────────────────────────

type Action string

const (
	ActionAnswer        Action = "answer"
	ActionDebugRun      Action = "debug_run"
	ActionSubmit        Action = "submit"
	ActionAlert         Action = "alert"
	ActionDetectorState Action = "detector_state"
	ActionPing          Action = "ping"
)

// RequestEnvelope is used to peek at the action before full parsing.
type RequestEnvelope struct {
	Action Action          `json:"action"`
	Ref    string          `json:"ref,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// AnswerRequest saves one answer; run_type "run" also performs a graded run.
type AnswerRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	model.RecordAnswerRequest
}

// DebugRunRequest runs code against custom stdin without touching the budget.
type DebugRunRequest struct {
	QuestionID string `json:"question_id" binding:"required,uuid"`
	model.DebugRunRequest
}

// ─── Events (Server → Client) ───────────────────────────────────────

type Event string

const (
	EventError       Event = "error"
	EventSaved       Event = "saved"
	EventRunResult   Event = "run_result"
	EventDebugResult Event = "debug_result"
	EventSubmitted   Event = "submitted"
	EventAlertAck    Event = "alert_ack"
	EventSession     Event = "session_event"
	EventPong        Event = "pong"
)

// ResponseEnvelope wraps every server frame. Ref echoes the request ref so
// clients can match replies to concurrent requests.
type ResponseEnvelope struct {
	Event Event  `json:"event"`
	Ref   string `json:"ref,omitempty"`
	Data  any    `json:"data,omitempty"`
}

// ErrorBody is the data of an EventError frame.
type ErrorBody struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Fields  map[string]string `json:"fields,omitempty"`
}
