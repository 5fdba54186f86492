package model

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/google/uuid"
)

// Well-known detector alert types. The aggregator treats alert types as opaque
// strings, so these exist only for clients and tests.
const (
	AlertNoFace          = "eye_off"
	AlertMultipleFaces   = "multiple_faces"
	AlertHandObstruction = "hand_obstruction"
	AlertLoudVoice       = "loud_voice"
	AlertVoiceNoFace     = "voice_no_face"
	AlertTabSwitch       = "tab_switch"
)

// Session lifecycle event types emitted to the signaling channel and audit log.
const (
	EventJoin         = "join"
	EventAnswerUpdate = "answer_update"
	EventSubmitExam   = "submit_exam"
	EventAutoSubmit   = "auto_submit"
	EventEvaluated    = "evaluated"
)

// LifecycleEvents lists the event types that are not detector alerts.
var LifecycleEvents = []string{EventJoin, EventAnswerUpdate, EventSubmitExam, EventAutoSubmit, EventEvaluated}

// IsAlert reports whether eventType is a detector alert rather than a lifecycle event.
func IsAlert(eventType string) bool {
	return !slices.Contains(LifecycleEvents, eventType)
}

// AlertSignal is one detector event as pushed by the client.
type AlertSignal struct {
	AlertType string    `json:"alert_type" binding:"required,alert_type"`
	Issue     string    `json:"issue" binding:"max=500"`
	Timestamp time.Time `json:"timestamp"`
}

// DetectorState is a per-frame detector reading; the server latches it into
// at most one counted alert per violation episode.
type DetectorState struct {
	AlertType string `json:"alert_type" binding:"required,alert_type"`
	Violating bool   `json:"violating"`
	Issue     string `json:"issue" binding:"max=500"`
}

// AlertEntry is one counted alert in the recent-alert log.
type AlertEntry struct {
	Type      string    `json:"type"`
	Issue     string    `json:"issue"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertOutcome reports what the aggregator did with a signal.
type AlertOutcome struct {
	Counted   bool `json:"counted"`
	Count     int  `json:"count"`
	Escalated bool `json:"escalated"`
}

// LedgerSnapshot is a point-in-time copy of a session's violation ledger.
type LedgerSnapshot struct {
	SessionID   uuid.UUID            `json:"session_id"`
	Counts      map[string]int       `json:"counts"`
	LastFiredAt map[string]time.Time `json:"last_fired_at"`
	Recent      []AlertEntry         `json:"recent"`
	Escalated   bool                 `json:"escalated"`
}

// LedgerState is a mirrored ledger as loaded back from storage.
type LedgerState struct {
	Counts      map[string]int
	LastFiredAt map[string]time.Time
	Recent      []AlertEntry
}

// ExamEvent is the payload broadcast on the session channel and persisted to the exam log.
type ExamEvent struct {
	Type      string          `json:"type"`
	SessionID uuid.UUID       `json:"session_id"`
	PaperID   uuid.UUID       `json:"paper_id"`
	StudentID string          `json:"student_id"`
	Details   json.RawMessage `json:"details,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// ExamLog is a persisted ExamEvent.
type ExamLog struct {
	ID         int64           `json:"id"`
	SessionID  uuid.UUID       `json:"session_id"`
	EventType  string          `json:"event_type"`
	Details    json.RawMessage `json:"details"`
	RecordedAt time.Time       `json:"recorded_at"`
}
