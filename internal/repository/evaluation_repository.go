package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exproctor-backend/internal/model"
)

// EvaluationRepository stores one evaluation per session.
type EvaluationRepository struct {
	pool *pgxpool.Pool
}

// NewEvaluationRepository creates a new EvaluationRepository.
func NewEvaluationRepository(pool *pgxpool.Pool) *EvaluationRepository {
	return &EvaluationRepository{pool: pool}
}

// Upsert inserts the evaluation or replaces the previous one wholesale.
func (r *EvaluationRepository) Upsert(ctx context.Context, e *model.EvaluationResult) error {
	feedback := e.QuestionFeedback
	if feedback == nil {
		feedback = []model.QuestionFeedback{}
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO evaluation_results (
			session_id, mcq_score, total_mcq_questions, theory_score, total_theory_questions,
			coding_score, total_coding_questions, total_score, question_feedback, evaluated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (session_id) DO UPDATE SET
			mcq_score = EXCLUDED.mcq_score,
			total_mcq_questions = EXCLUDED.total_mcq_questions,
			theory_score = EXCLUDED.theory_score,
			total_theory_questions = EXCLUDED.total_theory_questions,
			coding_score = EXCLUDED.coding_score,
			total_coding_questions = EXCLUDED.total_coding_questions,
			total_score = EXCLUDED.total_score,
			question_feedback = EXCLUDED.question_feedback,
			evaluated_at = EXCLUDED.evaluated_at`,
		e.SessionID, e.MCQScore, e.TotalMCQQuestions, e.TheoryScore, e.TotalTheoryQuestions,
		e.CodingScore, e.TotalCodingQuestions, e.TotalScore, feedback, e.EvaluatedAt,
	)
	return err
}

// GetBySession retrieves the evaluation of a session.
func (r *EvaluationRepository) GetBySession(ctx context.Context, sessionID uuid.UUID) (*model.EvaluationResult, error) {
	e := &model.EvaluationResult{}
	err := r.pool.QueryRow(ctx,
		`SELECT session_id, mcq_score, total_mcq_questions, theory_score, total_theory_questions,
		        coding_score, total_coding_questions, total_score, question_feedback, evaluated_at
		 FROM evaluation_results
		 WHERE session_id = $1`, sessionID,
	).Scan(&e.SessionID, &e.MCQScore, &e.TotalMCQQuestions, &e.TheoryScore, &e.TotalTheoryQuestions,
		&e.CodingScore, &e.TotalCodingQuestions, &e.TotalScore, &e.QuestionFeedback, &e.EvaluatedAt)
	if err != nil {
		return nil, notFound(err)
	}
	return e, nil
}
