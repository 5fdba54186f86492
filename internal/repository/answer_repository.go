package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exproctor-backend/internal/model"
)

// AnswerRepository stores the one live answer per (session, question).
type AnswerRepository struct {
	pool *pgxpool.Pool
}

// NewAnswerRepository creates a new AnswerRepository.
func NewAnswerRepository(pool *pgxpool.Pool) *AnswerRepository {
	return &AnswerRepository{pool: pool}
}

// lockActiveSession locks the session row for the rest of tx and fails with
// ErrSessionNotActive unless it is IN_PROGRESS. The submit transition takes a
// conflicting row lock, so no write can land after it.
func lockActiveSession(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID, mode string) error {
	var status model.SessionStatus
	err := tx.QueryRow(ctx,
		`SELECT status FROM exam_sessions WHERE id = $1 `+mode, sessionID,
	).Scan(&status)
	if err != nil {
		return notFound(err)
	}
	if status != model.SessionStatusInProgress {
		return ErrSessionNotActive
	}
	return nil
}

// Upsert replaces the answer of a question. Last write wins.
func (r *AnswerRepository) Upsert(ctx context.Context, sessionID, questionID uuid.UUID, answer model.Answer, at time.Time) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := lockActiveSession(ctx, tx, sessionID, "FOR SHARE"); err != nil {
		return err
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO student_answers (session_id, question_id, answer, last_saved_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (session_id, question_id)
		 DO UPDATE SET answer = EXCLUDED.answer, last_saved_at = EXCLUDED.last_saved_at`,
		sessionID, questionID, answer, at,
	)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// ListBySession returns every answer of the session with its run attempts.
func (r *AnswerRepository) ListBySession(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]model.AnswerRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT question_id, answer, last_saved_at
		 FROM student_answers
		 WHERE session_id = $1`, sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID]model.AnswerRecord)
	for rows.Next() {
		var rec model.AnswerRecord
		if err := rows.Scan(&rec.QuestionID, &rec.Answer, &rec.LastSavedAt); err != nil {
			return nil, err
		}
		out[rec.QuestionID] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	attempts, err := listAttempts(ctx, r.pool,
		`WHERE session_id = $1 ORDER BY question_id, attempt_number`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	for qid, list := range attempts {
		if rec, ok := out[qid]; ok {
			rec.Attempts = list
			out[qid] = rec
		}
	}
	return out, nil
}
