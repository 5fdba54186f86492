package model

import (
	"time"

	"github.com/google/uuid"
)

// JudgeStatus is the outcome class of a judge run.
type JudgeStatus string

const (
	JudgeStatusSuccess JudgeStatus = "success"
	JudgeStatusFailed  JudgeStatus = "failed"
	JudgeStatusDebug   JudgeStatus = "debug"
)

// JudgeSummary counts passed test cases.
type JudgeSummary struct {
	PassedCount int `json:"passed_count"`
	TotalCount  int `json:"total_count"`
}

// TestResult is the judge output for one test case (or the single debug run).
type TestResult struct {
	Index    int     `json:"index"`
	Passed   bool    `json:"passed"`
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	TimeMs   float64 `json:"time_ms"`
	MemoryMB float64 `json:"memory_mb"`
}

// JudgeResult is what the judge client returns. Unreachable is set when the
// judge itself failed (network, timeout, unsupported language, bad response)
// rather than the submitted code.
type JudgeResult struct {
	Status      JudgeStatus  `json:"status"`
	Summary     JudgeSummary `json:"summary"`
	PerTest     []TestResult `json:"per_test"`
	Unreachable bool         `json:"unreachable,omitempty"`
}

// CodingResult is the pass/fail detail attached to coding feedback.
type CodingResult struct {
	PassedCount int          `json:"passed_count"`
	TotalCount  int          `json:"total_count"`
	Language    string       `json:"language,omitempty"`
	Reused      bool         `json:"reused_attempt,omitempty"`
	Details     []TestResult `json:"details"`
}

// QuestionFeedback is the graded outcome of one answered question.
type QuestionFeedback struct {
	QuestionID   uuid.UUID     `json:"question_id"`
	QuestionType QuestionType  `json:"question_type"`
	MarksAwarded float64       `json:"marks_awarded"`
	MaxMarks     float64       `json:"max_marks"`
	Remarks      string        `json:"remarks,omitempty"`
	Similarity   *float64      `json:"similarity,omitempty"`
	CodingResult *CodingResult `json:"coding_result,omitempty"`
}

// EvaluationResult is stored once per session and replaced wholesale on re-evaluation.
type EvaluationResult struct {
	SessionID            uuid.UUID          `json:"session_id"`
	MCQScore             float64            `json:"mcq_score"`
	TotalMCQQuestions    int                `json:"total_mcq_questions"`
	TheoryScore          float64            `json:"theory_score"`
	TotalTheoryQuestions int                `json:"total_theory_questions"`
	CodingScore          float64            `json:"coding_score"`
	TotalCodingQuestions int                `json:"total_coding_questions"`
	TotalScore           float64            `json:"total_score"`
	QuestionFeedback     []QuestionFeedback `json:"question_feedback"`
	EvaluatedAt          time.Time          `json:"evaluated_at"`
}
