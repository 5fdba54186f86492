package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exproctor-backend/internal/model"
)

// SessionProgress is one row of the live paper monitor.
type SessionProgress struct {
	SessionID     uuid.UUID           `json:"session_id"`
	StudentID     string              `json:"student_id"`
	Status        model.SessionStatus `json:"status"`
	Score         float64             `json:"score"`
	Blocked       bool                `json:"blocked"`
	StartedAt     time.Time           `json:"started_at"`
	AnsweredCount int64               `json:"answered_count"`
	AlertCount    int64               `json:"alert_count"`
}

// MonitorRepository provides data access for the live paper monitor.
type MonitorRepository struct {
	pool *pgxpool.Pool
}

// NewMonitorRepository creates a new MonitorRepository.
func NewMonitorRepository(pool *pgxpool.Pool) *MonitorRepository {
	return &MonitorRepository{pool: pool}
}

// ListSessions returns every session of a paper with its answered count.
func (r *MonitorRepository) ListSessions(ctx context.Context, paperID uuid.UUID) ([]SessionProgress, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT es.id, es.student_id, es.status, es.score, es.blocked, es.started_at,
		        COUNT(sa.question_id)
		 FROM exam_sessions es
		 LEFT JOIN student_answers sa ON sa.session_id = es.id
		 WHERE es.paper_id = $1
		 GROUP BY es.id
		 ORDER BY es.started_at`,
		paperID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SessionProgress
	for rows.Next() {
		var p SessionProgress
		if err := rows.Scan(&p.SessionID, &p.StudentID, &p.Status, &p.Score, &p.Blocked, &p.StartedAt, &p.AnsweredCount); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AnsweredCounts returns the answered-question count of every IN_PROGRESS
// session of the paper.
func (r *MonitorRepository) AnsweredCounts(ctx context.Context, paperID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT sa.session_id, COUNT(*)
		 FROM student_answers sa
		 JOIN exam_sessions es ON es.id = sa.session_id
		 WHERE es.paper_id = $1 AND es.status = 'IN_PROGRESS'
		 GROUP BY sa.session_id`,
		paperID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[uuid.UUID]int64)
	for rows.Next() {
		var sid uuid.UUID
		var n int64
		if err := rows.Scan(&sid, &n); err != nil {
			return nil, err
		}
		counts[sid] = n
	}
	return counts, rows.Err()
}
