package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stemsi/exproctor-backend/internal/judge"
	"github.com/stemsi/exproctor-backend/internal/model"
)

// Storage contracts consumed by the services. Implementations live in
// internal/repository and report failures with the repository sentinels.

// SessionStore persists exam sessions and owns the status compare-and-swap.
type SessionStore interface {
	// FindOrCreate returns the IN_PROGRESS session for the pair, creating it
	// atomically if none exists. created reports which happened.
	FindOrCreate(ctx context.Context, studentID string, paperID uuid.UUID) (sess *model.ExamSession, created bool, err error)
	// BlockedFor reports whether any session for the pair was blocked by proctoring.
	BlockedFor(ctx context.Context, studentID string, paperID uuid.UUID) (blocked bool, reason string, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error)
	// MarkSubmitted moves IN_PROGRESS to SUBMITTED. A non-empty blockReason
	// also sets the permanent blocked flag. Returns false if the session was
	// no longer IN_PROGRESS.
	MarkSubmitted(ctx context.Context, id uuid.UUID, blockReason string, at time.Time) (bool, error)
	// MarkEvaluated mirrors the score and moves a submitted session to
	// EVALUATED, or BLOCKED when the blocked flag is set.
	MarkEvaluated(ctx context.Context, id uuid.UUID, score float64) error
}

// AnswerStore holds the single live answer per (session, question).
type AnswerStore interface {
	// Upsert writes the answer only while the session is IN_PROGRESS.
	Upsert(ctx context.Context, sessionID, questionID uuid.UUID, answer model.Answer, at time.Time) error
	// ListBySession returns the answers keyed by question, attempts included.
	ListBySession(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]model.AnswerRecord, error)
}

// AttemptStore records evaluation-mode code runs.
type AttemptStore interface {
	// Reserve atomically claims the next attempt number if fewer than max exist
	// and the session is IN_PROGRESS.
	Reserve(ctx context.Context, sessionID, questionID uuid.UUID, max int, language, codeHash string) (int, error)
	Complete(ctx context.Context, sessionID, questionID uuid.UUID, attemptNumber int, result model.JudgeResult) error
	List(ctx context.Context, sessionID, questionID uuid.UUID) ([]model.CodeRunAttempt, error)
}

// QuestionStore is the read side of paper authoring.
type QuestionStore interface {
	PaperExists(ctx context.Context, paperID uuid.UUID) (bool, error)
	ListByPaper(ctx context.Context, paperID uuid.UUID) ([]model.Question, error)
	GetByID(ctx context.Context, id uuid.UUID) (*model.Question, error)
}

// EvaluationStore keeps one evaluation per session.
type EvaluationStore interface {
	Upsert(ctx context.Context, result *model.EvaluationResult) error
	GetBySession(ctx context.Context, sessionID uuid.UUID) (*model.EvaluationResult, error)
}

// ExamLogStore reads the persisted audit trail.
type ExamLogStore interface {
	List(ctx context.Context, sessionID uuid.UUID, eventType string, limit int) ([]model.ExamLog, error)
}

// EventEmitter forwards session events to the signaling channel and audit log.
type EventEmitter interface {
	Emit(ctx context.Context, event model.ExamEvent) error
}

// ScoreRetryQueue takes score mirrors that could not be written inline.
type ScoreRetryQueue interface {
	Enqueue(ctx context.Context, sessionID uuid.UUID, score float64) error
}

// Evaluator grades a session's answers.
type Evaluator interface {
	Evaluate(ctx context.Context, sessionID uuid.UUID, questions []model.Question, answers map[uuid.UUID]model.AnswerRecord) model.EvaluationResult
}

// CodeRunner executes code on the judge.
type CodeRunner interface {
	Run(ctx context.Context, sub judge.Submission, stdin string) model.JudgeResult
	RunTests(ctx context.Context, sub judge.Submission, tests []model.TestCase, mode model.CompareMode) model.JudgeResult
}

// LedgerMirror persists violation ledgers outside the process.
type LedgerMirror interface {
	Load(ctx context.Context, sessionID uuid.UUID) (*model.LedgerState, error)
	Record(ctx context.Context, sessionID uuid.UUID, alertType string, count int, firedAt time.Time, entry model.AlertEntry, recentCap int) error
	Expire(ctx context.Context, sessionID uuid.UUID) error
	Delete(ctx context.Context, sessionID uuid.UUID) error
}
