package service

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/repository"
)

// MonitorStore is the read model behind the live paper monitor.
type MonitorStore interface {
	ListSessions(ctx context.Context, paperID uuid.UUID) ([]repository.SessionProgress, error)
	AnsweredCounts(ctx context.Context, paperID uuid.UUID) (map[uuid.UUID]int64, error)
}

// AlertCounter counts logged alerts per session of a paper.
type AlertCounter interface {
	AlertCounts(ctx context.Context, paperID uuid.UUID) (map[uuid.UUID]int64, error)
}

// PaperReader answers paper-level questions for the monitor.
type PaperReader interface {
	PaperExists(ctx context.Context, paperID uuid.UUID) (bool, error)
	CountByPaper(ctx context.Context, paperID uuid.UUID) (int, error)
}

// MonitorService orchestrates live paper monitoring and audit log reads.
type MonitorService struct {
	monitor   MonitorStore
	alerts    AlertCounter
	questions PaperReader
	sessions  SessionStore
	logs      ExamLogStore
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(monitor MonitorStore, alerts AlertCounter, questions PaperReader, sessions SessionStore, logs ExamLogStore) *MonitorService {
	return &MonitorService{
		monitor:   monitor,
		alerts:    alerts,
		questions: questions,
		sessions:  sessions,
		logs:      logs,
	}
}

// PaperStats aggregates session statuses for one paper.
type PaperStats struct {
	TotalJoined     int   `json:"total_joined"`
	TotalInProgress int   `json:"total_in_progress"`
	TotalFinished   int   `json:"total_finished"`
	TotalBlocked    int   `json:"total_blocked"`
	TotalAlerts     int64 `json:"total_alerts"`
}

// PaperSnapshot is the first event a monitor receives.
type PaperSnapshot struct {
	PaperID        uuid.UUID                    `json:"paper_id"`
	TotalQuestions int                          `json:"total_questions"`
	Stats          PaperStats                   `json:"stats"`
	Sessions       []repository.SessionProgress `json:"sessions"`
}

// ProgressSnapshot holds the answered and alert counts of a paper's sessions.
type ProgressSnapshot struct {
	AnsweredCounts map[uuid.UUID]int64
	AlertCounts    map[uuid.UUID]int64
	TotalAlerts    int64
}

// GetPaperSnapshot lists every session of the paper with its progress.
func (s *MonitorService) GetPaperSnapshot(ctx context.Context, paperID uuid.UUID) (*PaperSnapshot, error) {
	total, err := s.questions.CountByPaper(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("count questions: %w", err)
	}

	var (
		sessions  []repository.SessionProgress
		alerts    map[uuid.UUID]int64
		listErr   error
		alertsErr error
		wg        sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		sessions, listErr = s.monitor.ListSessions(ctx, paperID)
	}()
	go func() {
		defer wg.Done()
		alerts, alertsErr = s.alerts.AlertCounts(ctx, paperID)
	}()
	wg.Wait()

	if listErr != nil {
		return nil, fmt.Errorf("list sessions: %w", listErr)
	}

	snap := &PaperSnapshot{
		PaperID:        paperID,
		TotalQuestions: total,
		Sessions:       make([]repository.SessionProgress, 0, len(sessions)),
	}
	for _, p := range sessions {
		// Alert counts are best-effort
		if alertsErr == nil {
			p.AlertCount = alerts[p.SessionID]
			snap.Stats.TotalAlerts += p.AlertCount
		}
		snap.Stats.TotalJoined++
		switch {
		case p.Status == model.SessionStatusInProgress:
			snap.Stats.TotalInProgress++
		case p.Blocked:
			snap.Stats.TotalBlocked++
		default:
			snap.Stats.TotalFinished++
		}
		snap.Sessions = append(snap.Sessions, p)
	}
	return snap, nil
}

// GetProgress returns answered counts and alert counts concurrently.
func (s *MonitorService) GetProgress(ctx context.Context, paperID uuid.UUID) (*ProgressSnapshot, error) {
	snapshot := &ProgressSnapshot{
		AnsweredCounts: make(map[uuid.UUID]int64),
		AlertCounts:    make(map[uuid.UUID]int64),
	}

	var (
		answered    map[uuid.UUID]int64
		alerts      map[uuid.UUID]int64
		answeredErr error
		alertsErr   error
		wg          sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		answered, answeredErr = s.monitor.AnsweredCounts(ctx, paperID)
	}()
	go func() {
		defer wg.Done()
		alerts, alertsErr = s.alerts.AlertCounts(ctx, paperID)
	}()
	wg.Wait()

	if answeredErr != nil {
		return nil, answeredErr
	}
	if answered != nil {
		snapshot.AnsweredCounts = answered
	}
	if alertsErr == nil && alerts != nil {
		snapshot.AlertCounts = alerts
		for _, n := range alerts {
			snapshot.TotalAlerts += n
		}
	}
	return snapshot, nil
}

// PaperExists reports whether the paper can be monitored.
func (s *MonitorService) PaperExists(ctx context.Context, paperID uuid.UUID) (bool, error) {
	return s.questions.PaperExists(ctx, paperID)
}

// Logs returns a session's audit trail, newest first, optionally filtered
// by event type.
func (s *MonitorService) Logs(ctx context.Context, sessionID uuid.UUID, eventType string, limit int) ([]model.ExamLog, error) {
	if _, err := loadSession(ctx, s.sessions, sessionID, ""); err != nil {
		return nil, err
	}
	logs, err := s.logs.List(ctx, sessionID, eventType, repository.ClampLogLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	if logs == nil {
		logs = []model.ExamLog{}
	}
	return logs, nil
}
