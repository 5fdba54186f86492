package model

import (
	"github.com/google/uuid"
)

// QuestionType enumerates the answer kinds a paper can mix.
type QuestionType string

const (
	QuestionTypeMCQ    QuestionType = "MCQ"
	QuestionTypeTheory QuestionType = "THEORY"
	QuestionTypeCoding QuestionType = "CODING"
)

// DefaultMaxRunAttempts is used when a coding question does not declare a budget.
const DefaultMaxRunAttempts = 3

// Question is the read-only view of a paper question used for answering and grading.
type Question struct {
	ID            uuid.UUID     `json:"id"`
	PaperID       uuid.UUID     `json:"paper_id"`
	Type          QuestionType  `json:"type"`
	QuestionText  string        `json:"question_text"`
	Options       []string      `json:"options,omitempty"`
	CorrectAnswer string        `json:"correct_answer,omitempty"`
	TheoryAnswer  string        `json:"theory_answer,omitempty"`
	Coding        *CodingConfig `json:"coding,omitempty"`
	Marks         float64       `json:"marks"`
	OrderNum      int           `json:"order_num"`
}

// CompareMode controls how judge stdout is matched against expected output.
type CompareMode string

const (
	CompareExact      CompareMode = "exact"
	CompareTrimmed    CompareMode = "trimmed"
	CompareIgnoreCase CompareMode = "ignoreCase"
)

// CodingConfig holds the judged-problem part of a coding question.
type CodingConfig struct {
	TimeLimitMs      int         `json:"time_limit_ms,omitempty"`
	MemoryLimitMB    int         `json:"memory_limit_mb,omitempty"`
	AllowedLanguages []string    `json:"allowed_languages,omitempty"`
	DefaultLanguage  string      `json:"default_language,omitempty"`
	TestCases        []TestCase  `json:"test_cases,omitempty"`
	MaxRunAttempts   int         `json:"max_run_attempts,omitempty"`
	CompareMode      CompareMode `json:"compare_mode,omitempty"`
}

// TestCase is one judged input/expected-output pair. Score is optional; when any
// test case declares one the question is scored as a weighted sum.
type TestCase struct {
	Input          string   `json:"input"`
	ExpectedOutput string   `json:"expected_output"`
	IsPublic       bool     `json:"is_public,omitempty"`
	Score          *float64 `json:"score,omitempty"`
}

// RunBudget returns the question's run-attempt budget, falling back to
// defaultMax and then DefaultMaxRunAttempts.
func (q *Question) RunBudget(defaultMax int) int {
	switch {
	case q.Coding != nil && q.Coding.MaxRunAttempts > 0:
		return q.Coding.MaxRunAttempts
	case defaultMax > 0:
		return defaultMax
	}
	return DefaultMaxRunAttempts
}

// Weighted reports whether the test cases declare individual weights.
func (c *CodingConfig) Weighted() bool {
	if c == nil {
		return false
	}
	for _, tc := range c.TestCases {
		if tc.Score != nil {
			return true
		}
	}
	return false
}
