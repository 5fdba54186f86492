package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exproctor-backend/internal/model"
)

// AttemptRepository persists graded code runs.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository creates a new AttemptRepository.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// Reserve claims the next attempt number when fewer than max exist. The
// session row is locked FOR UPDATE so concurrent reservations of one session
// serialise and the count check cannot be raced past.
func (r *AttemptRepository) Reserve(ctx context.Context, sessionID, questionID uuid.UUID, max int, language, codeHash string) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockActiveSession(ctx, tx, sessionID, "FOR UPDATE"); err != nil {
		return 0, err
	}

	var used int
	err = tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM code_run_attempts WHERE session_id = $1 AND question_id = $2`,
		sessionID, questionID,
	).Scan(&used)
	if err != nil {
		return 0, err
	}
	if used >= max {
		return 0, ErrNoAttemptsLeft
	}

	n := used + 1
	_, err = tx.Exec(ctx,
		`INSERT INTO code_run_attempts (session_id, question_id, attempt_number, language, code_hash)
		 VALUES ($1, $2, $3, $4, $5)`,
		sessionID, questionID, n, language, codeHash,
	)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return n, nil
}

// Complete stores the judge result of a reserved attempt.
func (r *AttemptRepository) Complete(ctx context.Context, sessionID, questionID uuid.UUID, attemptNumber int, result model.JudgeResult) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE code_run_attempts
		 SET result = $4, completed_at = NOW()
		 WHERE session_id = $1 AND question_id = $2 AND attempt_number = $3`,
		sessionID, questionID, attemptNumber, result,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// List returns the attempts of one question in attempt order.
func (r *AttemptRepository) List(ctx context.Context, sessionID, questionID uuid.UUID) ([]model.CodeRunAttempt, error) {
	byQuestion, err := listAttempts(ctx, r.pool,
		`WHERE session_id = $1 AND question_id = $2 ORDER BY attempt_number`, sessionID, questionID)
	if err != nil {
		return nil, err
	}
	return byQuestion[questionID], nil
}

func listAttempts(ctx context.Context, pool *pgxpool.Pool, where string, args ...any) (map[uuid.UUID][]model.CodeRunAttempt, error) {
	rows, err := pool.Query(ctx,
		`SELECT question_id, attempt_number, language, code_hash, submitted_at, result
		 FROM code_run_attempts `+where, args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]model.CodeRunAttempt)
	for rows.Next() {
		var (
			qid uuid.UUID
			a   model.CodeRunAttempt
		)
		if err := rows.Scan(&qid, &a.AttemptNumber, &a.Language, &a.CodeHash, &a.SubmittedAt, &a.Result); err != nil {
			return nil, err
		}
		out[qid] = append(out[qid], a)
	}
	return out, rows.Err()
}
