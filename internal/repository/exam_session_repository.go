package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exproctor-backend/internal/model"
)

const sessionColumns = `id, student_id, paper_id, status, score, started_at, submitted_at, blocked, block_reason`

// ExamSessionRepository handles exam session data access. It is the
// authoritative store for session status.
type ExamSessionRepository struct {
	pool *pgxpool.Pool
}

// NewExamSessionRepository creates a new ExamSessionRepository.
func NewExamSessionRepository(pool *pgxpool.Pool) *ExamSessionRepository {
	return &ExamSessionRepository{pool: pool}
}

func scanSession(row pgx.Row) (*model.ExamSession, error) {
	s := &model.ExamSession{}
	err := row.Scan(&s.ID, &s.StudentID, &s.PaperID, &s.Status, &s.Score, &s.StartedAt, &s.SubmittedAt, &s.Blocked, &s.BlockReason)
	if err != nil {
		return nil, notFound(err)
	}
	return s, nil
}

// FindOrCreate returns the IN_PROGRESS session of a (student, paper) pair,
// inserting one when none exists. The partial unique index on active
// sessions makes concurrent calls converge on one row.
func (r *ExamSessionRepository) FindOrCreate(ctx context.Context, studentID string, paperID uuid.UUID) (*model.ExamSession, bool, error) {
	for range 3 {
		s, err := scanSession(r.pool.QueryRow(ctx,
			`INSERT INTO exam_sessions (student_id, paper_id, status)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (student_id, paper_id) WHERE status = 'IN_PROGRESS' DO NOTHING
			 RETURNING `+sessionColumns,
			studentID, paperID, model.SessionStatusInProgress,
		))
		if err == nil {
			return s, true, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}

		s, err = scanSession(r.pool.QueryRow(ctx,
			`SELECT `+sessionColumns+`
			 FROM exam_sessions
			 WHERE student_id = $1 AND paper_id = $2 AND status = 'IN_PROGRESS'`,
			studentID, paperID,
		))
		if err == nil {
			return s, false, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return nil, false, err
		}
		// The conflicting row was submitted between the two statements.
	}
	return nil, false, fmt.Errorf("find or create session for %s: contention", studentID)
}

// BlockedFor reports whether any session of the pair was blocked by proctoring.
func (r *ExamSessionRepository) BlockedFor(ctx context.Context, studentID string, paperID uuid.UUID) (bool, string, error) {
	var reason string
	err := r.pool.QueryRow(ctx,
		`SELECT block_reason
		 FROM exam_sessions
		 WHERE student_id = $1 AND paper_id = $2 AND blocked
		 ORDER BY submitted_at DESC NULLS LAST
		 LIMIT 1`,
		studentID, paperID,
	).Scan(&reason)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return true, reason, nil
}

// GetByID retrieves a session by its ID.
func (r *ExamSessionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.ExamSession, error) {
	return scanSession(r.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM exam_sessions WHERE id = $1`, id,
	))
}

// MarkSubmitted moves a session from IN_PROGRESS to SUBMITTED. It reports
// false when another caller already did. A non-empty blockReason also blocks
// the pair from starting again.
func (r *ExamSessionRepository) MarkSubmitted(ctx context.Context, id uuid.UUID, blockReason string, at time.Time) (bool, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET status = $2, submitted_at = $3, blocked = $4::text <> '', block_reason = $4
		 WHERE id = $1 AND status = $5`,
		id, model.SessionStatusSubmitted, at, blockReason, model.SessionStatusInProgress,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// MarkEvaluated stores the total score and the terminal status.
func (r *ExamSessionRepository) MarkEvaluated(ctx context.Context, id uuid.UUID, score float64) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions
		 SET score = $2,
		     status = CASE WHEN blocked THEN 'BLOCKED' ELSE 'EVALUATED' END
		 WHERE id = $1 AND status <> 'IN_PROGRESS'`,
		id, score,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkEvaluatedBatch applies many score mirrors in one statement.
func (r *ExamSessionRepository) MarkEvaluatedBatch(ctx context.Context, ids []uuid.UUID, scores []float64) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE exam_sessions AS s
		 SET score = t.score,
		     status = CASE WHEN s.blocked THEN 'BLOCKED' ELSE 'EVALUATED' END
		 FROM (
			SELECT u.id, u.score
			FROM UNNEST($1::uuid[], $2::float8[]) AS u (id, score)
		 ) AS t
		 WHERE s.id = t.id
		   AND s.status <> 'IN_PROGRESS'`,
		ids, scores,
	)
	return err
}
