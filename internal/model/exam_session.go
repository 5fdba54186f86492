package model

import (
	"time"

	"github.com/google/uuid"
)

// SessionStatus enumerates exam session states.
type SessionStatus string

const (
	SessionStatusInProgress SessionStatus = "IN_PROGRESS"
	SessionStatusSubmitted  SessionStatus = "SUBMITTED"
	SessionStatusEvaluated  SessionStatus = "EVALUATED"
	SessionStatusBlocked    SessionStatus = "BLOCKED"
)

// Terminal reports whether no further answer mutation is legal.
func (s SessionStatus) Terminal() bool {
	return s != SessionStatusInProgress
}

// ExamSession represents one student's attempt at one paper.
type ExamSession struct {
	ID          uuid.UUID                  `json:"id"`
	StudentID   string                     `json:"student_id"`
	PaperID     uuid.UUID                  `json:"paper_id"`
	Status      SessionStatus              `json:"status"`
	Answers     map[uuid.UUID]AnswerRecord `json:"answers,omitempty"`
	Score       float64                    `json:"score"`
	StartedAt   time.Time                  `json:"started_at"`
	SubmittedAt *time.Time                 `json:"submitted_at,omitempty"`
	Blocked     bool                       `json:"blocked"`
	BlockReason string                     `json:"block_reason,omitempty"`
}

// AnswerRecord is the single live answer a session holds for one question.
type AnswerRecord struct {
	QuestionID  uuid.UUID        `json:"question_id"`
	Answer      Answer           `json:"answer"`
	LastSavedAt time.Time        `json:"last_saved_at"`
	Attempts    []CodeRunAttempt `json:"attempts,omitempty"`
}

// CodeRunAttempt is one graded, attempt-limited run of a coding answer.
type CodeRunAttempt struct {
	AttemptNumber int         `json:"attempt_number"`
	Language      string      `json:"language"`
	CodeHash      string      `json:"code_hash"`
	SubmittedAt   time.Time   `json:"submitted_at"`
	Result        JudgeResult `json:"result"`
}

// StartExamRequest is the payload for starting (or rejoining) a paper.
type StartExamRequest struct {
	PaperID string `json:"paper_id" binding:"omitempty,uuid"`
}

// RecordAnswerRequest is the payload for saving one answer.
// Answer is decoded against the question type at the service boundary.
type RecordAnswerRequest struct {
	Answer  RawAnswer `json:"answer" binding:"required"`
	RunType RunType   `json:"run_type" binding:"omitempty,oneof=save run"`
}

// DebugRunRequest is the payload for an unmetered run against custom stdin.
type DebugRunRequest struct {
	Code     string `json:"code" binding:"required,max=65536"`
	Language string `json:"language" binding:"required,judge_language"`
	Stdin    string `json:"stdin" binding:"max=65536"`
}

// RunType distinguishes a plain save from a save followed by a graded run.
type RunType string

const (
	RunTypeSave RunType = "save"
	RunTypeRun  RunType = "run"
)
