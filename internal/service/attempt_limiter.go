package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/repository"
)

// Reservation is the outcome of TryConsume.
type Reservation struct {
	Allowed       bool `json:"allowed"`
	AttemptNumber int  `json:"attempt_number,omitempty"`
	Remaining     int  `json:"remaining"`
	MaxAttempts   int  `json:"max_attempts"`
}

// AttemptLimiter meters evaluation-mode runs per (session, question).
// Debug runs never reach it.
type AttemptLimiter struct {
	attempts   AttemptStore
	defaultMax int
	log        zerolog.Logger
}

// NewAttemptLimiter creates an AttemptLimiter.
func NewAttemptLimiter(attempts AttemptStore, defaultMax int, log zerolog.Logger) *AttemptLimiter {
	return &AttemptLimiter{
		attempts:   attempts,
		defaultMax: defaultMax,
		log:        log.With().Str("component", "attempt_limiter").Logger(),
	}
}

// Budget returns the run budget for q.
func (l *AttemptLimiter) Budget(q *model.Question) int {
	return q.RunBudget(l.defaultMax)
}

// TryConsume claims one attempt. When the budget is spent it returns
// Allowed=false and a nil error; the caller must not contact the judge.
// A claimed attempt stays consumed whatever the judge later does.
func (l *AttemptLimiter) TryConsume(ctx context.Context, sessionID uuid.UUID, q *model.Question, language, codeHash string) (Reservation, error) {
	max := l.Budget(q)
	n, err := l.attempts.Reserve(ctx, sessionID, q.ID, max, language, codeHash)
	switch {
	case errors.Is(err, repository.ErrNoAttemptsLeft):
		return Reservation{Allowed: false, Remaining: 0, MaxAttempts: max}, nil
	case errors.Is(err, repository.ErrSessionNotActive):
		return Reservation{}, ErrInvalidState
	case err != nil:
		return Reservation{}, fmt.Errorf("reserve attempt: %w", err)
	}

	l.log.Debug().
		Str("session_id", sessionID.String()).
		Str("question_id", q.ID.String()).
		Int("attempt", n).
		Int("max", max).
		Msg("Run attempt reserved")

	return Reservation{
		Allowed:       true,
		AttemptNumber: n,
		Remaining:     max - n,
		MaxAttempts:   max,
	}, nil
}

// Complete stores the judge result on a reserved attempt.
func (l *AttemptLimiter) Complete(ctx context.Context, sessionID, questionID uuid.UUID, attemptNumber int, result model.JudgeResult) error {
	if err := l.attempts.Complete(ctx, sessionID, questionID, attemptNumber, result); err != nil {
		return fmt.Errorf("complete attempt %d: %w", attemptNumber, err)
	}
	return nil
}

// Usage lists recorded attempts and what remains of the budget.
func (l *AttemptLimiter) Usage(ctx context.Context, sessionID uuid.UUID, q *model.Question) ([]model.CodeRunAttempt, int, error) {
	list, err := l.attempts.List(ctx, sessionID, q.ID)
	if err != nil {
		return nil, 0, fmt.Errorf("list attempts: %w", err)
	}
	remaining := l.Budget(q) - len(list)
	if remaining < 0 {
		remaining = 0
	}
	return list, remaining, nil
}
