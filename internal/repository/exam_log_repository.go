package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/exproctor-backend/internal/model"
)

const (
	DefaultLogLimit = 100
	MaxLogLimit     = 100
)

// ExamLogRepository reads and writes the persisted session audit trail.
type ExamLogRepository struct {
	pool *pgxpool.Pool
}

// NewExamLogRepository creates a new ExamLogRepository.
func NewExamLogRepository(pool *pgxpool.Pool) *ExamLogRepository {
	return &ExamLogRepository{pool: pool}
}

var examLogColumns = []string{"session_id", "paper_id", "student_id", "event_type", "details", "recorded_at"}

// CopyEvents bulk-inserts events with the COPY protocol.
func (r *ExamLogRepository) CopyEvents(ctx context.Context, events []model.ExamEvent) error {
	rows := make([][]any, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []any{ev.SessionID, ev.PaperID, ev.StudentID, ev.Type, detailsOrEmpty(ev.Details), ev.Timestamp})
	}
	_, err := r.pool.CopyFrom(ctx, pgx.Identifier{"exam_logs"}, examLogColumns, pgx.CopyFromRows(rows))
	return err
}

// InsertEvent inserts one event.
func (r *ExamLogRepository) InsertEvent(ctx context.Context, ev model.ExamEvent) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO exam_logs (session_id, paper_id, student_id, event_type, details, recorded_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6)`,
		ev.SessionID, ev.PaperID, ev.StudentID, ev.Type, string(detailsOrEmpty(ev.Details)), ev.Timestamp,
	)
	return err
}

// List returns a session's events, most recent first. An empty eventType
// matches every type; limit is clamped to 1..MaxLogLimit.
func (r *ExamLogRepository) List(ctx context.Context, sessionID uuid.UUID, eventType string, limit int) ([]model.ExamLog, error) {
	limit = ClampLogLimit(limit)

	query := `SELECT id, session_id, event_type, details, recorded_at
		 FROM exam_logs
		 WHERE session_id = $1`
	args := []any{sessionID}
	if eventType != "" {
		args = append(args, eventType)
		query += fmt.Sprintf(" AND event_type = $%d", len(args))
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY recorded_at DESC, id DESC LIMIT $%d", len(args))

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	logs := make([]model.ExamLog, 0)
	for rows.Next() {
		var l model.ExamLog
		var details []byte
		if err := rows.Scan(&l.ID, &l.SessionID, &l.EventType, &details, &l.RecordedAt); err != nil {
			return nil, err
		}
		l.Details = details
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// AlertCounts returns, per session of the paper, how many alert events were
// logged. Lifecycle events are excluded.
func (r *ExamLogRepository) AlertCounts(ctx context.Context, paperID uuid.UUID) (map[uuid.UUID]int64, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, COUNT(*)
		 FROM exam_logs
		 WHERE paper_id = $1 AND NOT (event_type = ANY($2))
		 GROUP BY session_id`,
		paperID, model.LifecycleEvents,
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

// ClampLogLimit applies the default and bounds of a log listing.
func ClampLogLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultLogLimit
	case limit > MaxLogLimit:
		return MaxLogLimit
	}
	return limit
}

func detailsOrEmpty(d []byte) []byte {
	if len(d) == 0 {
		return []byte("{}")
	}
	return d
}
