package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exproctor-backend/internal/model"
)

const questionColumns = `id, paper_id, type, question_text, options, correct_answer, theory_answer, coding, marks, order_num`

// QuestionRepository handles read access to paper questions.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// PaperExists reports whether the paper is known.
func (r *QuestionRepository) PaperExists(ctx context.Context, paperID uuid.UUID) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM papers WHERE id = $1)`, paperID,
	).Scan(&exists)
	return exists, err
}

// ListByPaper retrieves all questions of a paper, ordered by order_num.
func (r *QuestionRepository) ListByPaper(ctx context.Context, paperID uuid.UUID) ([]model.Question, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+questionColumns+`
		 FROM questions WHERE paper_id = $1
		 ORDER BY order_num`, paperID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var questions []model.Question
	for rows.Next() {
		var q model.Question
		if err := rows.Scan(&q.ID, &q.PaperID, &q.Type, &q.QuestionText, &q.Options, &q.CorrectAnswer, &q.TheoryAnswer, &q.Coding, &q.Marks, &q.OrderNum); err != nil {
			return nil, err
		}
		questions = append(questions, q)
	}
	return questions, rows.Err()
}

// GetByID retrieves one question.
func (r *QuestionRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Question, error) {
	var q model.Question
	err := r.pool.QueryRow(ctx,
		`SELECT `+questionColumns+` FROM questions WHERE id = $1`, id,
	).Scan(&q.ID, &q.PaperID, &q.Type, &q.QuestionText, &q.Options, &q.CorrectAnswer, &q.TheoryAnswer, &q.Coding, &q.Marks, &q.OrderNum)
	if err != nil {
		return nil, notFound(err)
	}
	return &q, nil
}

// CountByPaper returns the number of questions on a paper.
func (r *QuestionRepository) CountByPaper(ctx context.Context, paperID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM questions WHERE paper_id = $1`, paperID,
	).Scan(&n)
	return n, err
}
