package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/model"
)

// Escalator force-terminates a session. ExamSessionService implements it.
type Escalator interface {
	Escalate(ctx context.Context, sessionID uuid.UUID, reason string) (bool, error)
}

// ProctorConfig tunes the aggregator.
type ProctorConfig struct {
	Cooldown      time.Duration
	MaxSameAlerts int
	RecentCap     int
}

// ProctorService aggregates detector signals into a per-session violation
// ledger: a cooldown-gated counter per alert type that escalates the session
// once any type reaches MaxSameAlerts. Alert types are opaque strings.
type ProctorService struct {
	cfg       ProctorConfig
	sessions  SessionStore
	escalator Escalator
	events    EventEmitter
	mirror    LedgerMirror
	log       zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	ledgers map[uuid.UUID]*ledger
}

type ledger struct {
	sessionID uuid.UUID
	paperID   uuid.UUID
	studentID string
	escalated atomic.Bool

	mu     sync.Mutex // guards types and recent
	types  map[string]*typeState
	recent []model.AlertEntry
}

// typeState is the per-(session, type) counter. Its mutex is the only lock
// held while gating a signal.
type typeState struct {
	mu        sync.Mutex
	count     int
	lastFired time.Time
	latched   bool
}

// NewProctorService creates a new ProctorService.
func NewProctorService(cfg ProctorConfig, sessions SessionStore, escalator Escalator, events EventEmitter, mirror LedgerMirror, log zerolog.Logger) *ProctorService {
	if cfg.MaxSameAlerts <= 0 {
		cfg.MaxSameAlerts = 5
	}
	if cfg.RecentCap <= 0 {
		cfg.RecentCap = 10
	}
	return &ProctorService{
		cfg:       cfg,
		sessions:  sessions,
		escalator: escalator,
		events:    events,
		mirror:    mirror,
		log:       log.With().Str("component", "proctor_service").Logger(),
		now:       time.Now,
		ledgers:   make(map[uuid.UUID]*ledger),
	}
}

// Record processes one detector signal that the client has already
// edge-triggered.
func (s *ProctorService) Record(ctx context.Context, sessionID uuid.UUID, studentID string, sig model.AlertSignal) (model.AlertOutcome, error) {
	if !model.IsAlert(sig.AlertType) {
		return model.AlertOutcome{}, ErrReservedAlertType
	}
	led, err := s.ledgerFor(ctx, sessionID, studentID)
	if err != nil {
		return model.AlertOutcome{}, err
	}

	at := s.now()
	st := led.state(sig.AlertType)

	st.mu.Lock()
	if !s.passesCooldown(st, at) {
		count := st.count
		st.mu.Unlock()
		return model.AlertOutcome{Count: count}, nil
	}
	st.count++
	st.lastFired = at
	count := st.count
	st.mu.Unlock()

	return s.counted(ctx, led, sig, count, at), nil
}

// ObserveState processes a per-frame detector reading. A sustained violation
// counts at most once until the reading clears; the latch is set only by a
// counted alert, so a violation first seen inside the cooldown window can
// still count once the window ends.
func (s *ProctorService) ObserveState(ctx context.Context, sessionID uuid.UUID, studentID string, ds model.DetectorState) (model.AlertOutcome, error) {
	if !model.IsAlert(ds.AlertType) {
		return model.AlertOutcome{}, ErrReservedAlertType
	}
	led, err := s.ledgerFor(ctx, sessionID, studentID)
	if err != nil {
		return model.AlertOutcome{}, err
	}

	at := s.now()
	st := led.state(ds.AlertType)

	st.mu.Lock()
	if !ds.Violating {
		st.latched = false
		count := st.count
		st.mu.Unlock()
		return model.AlertOutcome{Count: count}, nil
	}
	if st.latched || !s.passesCooldown(st, at) {
		count := st.count
		st.mu.Unlock()
		return model.AlertOutcome{Count: count}, nil
	}
	st.count++
	st.lastFired = at
	st.latched = true
	count := st.count
	st.mu.Unlock()

	sig := model.AlertSignal{AlertType: ds.AlertType, Issue: ds.Issue, Timestamp: at}
	return s.counted(ctx, led, sig, count, at), nil
}

func (s *ProctorService) passesCooldown(st *typeState, at time.Time) bool {
	return st.lastFired.IsZero() || at.Sub(st.lastFired) >= s.cfg.Cooldown
}

// counted runs the side effects of a signal that passed the gates.
func (s *ProctorService) counted(ctx context.Context, led *ledger, sig model.AlertSignal, count int, at time.Time) model.AlertOutcome {
	entry := model.AlertEntry{Type: sig.AlertType, Issue: sig.Issue, Timestamp: at.UTC()}
	led.pushRecent(entry, s.cfg.RecentCap)

	log := s.log.With().
		Str("session_id", led.sessionID.String()).
		Str("alert_type", sig.AlertType).
		Int("count", count).
		Logger()

	if s.mirror != nil {
		if err := s.mirror.Record(ctx, led.sessionID, sig.AlertType, count, at, entry, s.cfg.RecentCap); err != nil {
			log.Warn().Err(err).Msg("Ledger mirror write failed")
		}
	}

	details, _ := json.Marshal(map[string]any{"issue": sig.Issue, "count": count})
	if err := s.events.Emit(ctx, model.ExamEvent{
		Type:      sig.AlertType,
		SessionID: led.sessionID,
		PaperID:   led.paperID,
		StudentID: led.studentID,
		Details:   details,
		Timestamp: at.UTC(),
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to emit alert event")
	}

	out := model.AlertOutcome{Counted: true, Count: count}
	if count < s.cfg.MaxSameAlerts || !led.escalated.CompareAndSwap(false, true) {
		return out
	}

	log.Warn().Msg("Violation threshold reached, escalating session")
	blocked, err := s.escalator.Escalate(context.WithoutCancel(ctx), led.sessionID, sig.AlertType)
	if err != nil {
		log.Error().Err(err).Bool("blocked", blocked).Msg("Escalation failed")
		if !blocked {
			// Let the next counted signal try again; Escalate is idempotent.
			led.escalated.Store(false)
		}
	}
	out.Escalated = blocked
	return out
}

// ledgerFor returns the live ledger, creating it on first use from the
// mirrored copy. Only IN_PROGRESS sessions get a ledger.
func (s *ProctorService) ledgerFor(ctx context.Context, sessionID uuid.UUID, studentID string) (*ledger, error) {
	s.mu.Lock()
	led, ok := s.ledgers[sessionID]
	s.mu.Unlock()
	if ok {
		if studentID != "" && led.studentID != studentID {
			return nil, ErrForbidden
		}
		return led, nil
	}

	sess, err := loadSession(ctx, s.sessions, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusInProgress {
		return nil, ErrInvalidState
	}

	fresh := &ledger{
		sessionID: sess.ID,
		paperID:   sess.PaperID,
		studentID: sess.StudentID,
		types:     make(map[string]*typeState),
	}
	if s.mirror != nil {
		state, err := s.mirror.Load(ctx, sessionID)
		if err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Ledger mirror unavailable, starting empty")
		} else if state != nil {
			fresh.restore(state)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.ledgers[sessionID]; ok {
		return existing, nil
	}
	s.ledgers[sessionID] = fresh
	return fresh, nil
}

// Snapshot returns a copy of the session's ledger, from memory when live and
// from the mirror otherwise.
func (s *ProctorService) Snapshot(ctx context.Context, sessionID uuid.UUID) (model.LedgerSnapshot, error) {
	s.mu.Lock()
	led, ok := s.ledgers[sessionID]
	s.mu.Unlock()
	if ok {
		return led.snapshot(s.cfg.MaxSameAlerts), nil
	}

	if _, err := loadSession(ctx, s.sessions, sessionID, ""); err != nil {
		return model.LedgerSnapshot{}, err
	}
	snap := model.LedgerSnapshot{
		SessionID:   sessionID,
		Counts:      map[string]int{},
		LastFiredAt: map[string]time.Time{},
		Recent:      []model.AlertEntry{},
	}
	if s.mirror == nil {
		return snap, nil
	}
	state, err := s.mirror.Load(ctx, sessionID)
	if err != nil {
		return model.LedgerSnapshot{}, fmt.Errorf("load ledger mirror: %w", err)
	}
	if state == nil {
		return snap, nil
	}
	restored := &ledger{sessionID: sessionID, types: make(map[string]*typeState)}
	restored.restore(state)
	return restored.snapshot(s.cfg.MaxSameAlerts), nil
}

// Reset clears the counters of a closed session for diagnostics. A live
// session is refused with ErrInvalidState so its counts keep escalating.
// It never lifts a block.
func (s *ProctorService) Reset(ctx context.Context, sessionID uuid.UUID) error {
	sess, err := loadSession(ctx, s.sessions, sessionID, "")
	if err != nil {
		return err
	}
	if sess.Status == model.SessionStatusInProgress {
		return fmt.Errorf("reset ledger of live session %s: %w", sessionID, ErrInvalidState)
	}

	s.mu.Lock()
	led, ok := s.ledgers[sessionID]
	s.mu.Unlock()
	if ok {
		led.mu.Lock()
		led.types = make(map[string]*typeState)
		led.recent = nil
		led.mu.Unlock()
	}

	if s.mirror != nil {
		if err := s.mirror.Delete(ctx, sessionID); err != nil {
			return fmt.Errorf("delete ledger mirror: %w", err)
		}
	}
	s.log.Info().Str("session_id", sessionID.String()).Msg("Ledger reset")
	return nil
}

// Discard drops the in-memory ledger of a closed session. The mirror is
// kept, with an expiry, for proctor review.
func (s *ProctorService) Discard(sessionID uuid.UUID) {
	s.mu.Lock()
	delete(s.ledgers, sessionID)
	s.mu.Unlock()

	if s.mirror != nil {
		if err := s.mirror.Expire(context.Background(), sessionID); err != nil {
			s.log.Warn().Err(err).Str("session_id", sessionID.String()).Msg("Failed to expire ledger mirror")
		}
	}
}

func (l *ledger) state(alertType string) *typeState {
	l.mu.Lock()
	defer l.mu.Unlock()
	st, ok := l.types[alertType]
	if !ok {
		st = &typeState{}
		l.types[alertType] = st
	}
	return st
}

func (l *ledger) pushRecent(e model.AlertEntry, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.recent = append([]model.AlertEntry{e}, l.recent...)
	if len(l.recent) > limit {
		l.recent = l.recent[:limit]
	}
}

func (l *ledger) restore(state *model.LedgerState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for t, c := range state.Counts {
		l.types[t] = &typeState{count: c, lastFired: state.LastFiredAt[t]}
	}
	l.recent = append([]model.AlertEntry(nil), state.Recent...)
}

func (l *ledger) snapshot(maxSame int) model.LedgerSnapshot {
	l.mu.Lock()
	types := make(map[string]*typeState, len(l.types))
	for t, st := range l.types {
		types[t] = st
	}
	recent := append([]model.AlertEntry{}, l.recent...)
	l.mu.Unlock()

	snap := model.LedgerSnapshot{
		SessionID:   l.sessionID,
		Counts:      make(map[string]int, len(types)),
		LastFiredAt: make(map[string]time.Time, len(types)),
		Recent:      recent,
		Escalated:   l.escalated.Load(),
	}
	for t, st := range types {
		st.mu.Lock()
		snap.Counts[t] = st.count
		if !st.lastFired.IsZero() {
			snap.LastFiredAt[t] = st.lastFired.UTC()
		}
		if st.count >= maxSame {
			snap.Escalated = true
		}
		st.mu.Unlock()
	}
	return snap
}
