package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/repository"
	"golang.org/x/sync/singleflight"
)

const (
	defaultResultWait = 90 * time.Second
	resultPollEvery   = 250 * time.Millisecond
)

// SubmitResult is what every submit caller receives.
type SubmitResult struct {
	Session          *model.ExamSession      `json:"session"`
	Evaluation       *model.EvaluationResult `json:"evaluation,omitempty"`
	AlreadySubmitted bool                    `json:"already_submitted"`
}

// RecordAnswerResult reports a save and, for coding runs, the run outcome.
type RecordAnswerResult struct {
	QuestionID  uuid.UUID    `json:"question_id"`
	Answer      model.Answer `json:"answer"`
	LastSavedAt time.Time    `json:"last_saved_at"`
	Run         *RunOutcome  `json:"run,omitempty"`
}

// ExamSessionService owns session status transitions:
// IN_PROGRESS → SUBMITTED → EVALUATED, or IN_PROGRESS → SUBMITTED → BLOCKED.
type ExamSessionService struct {
	sessions    SessionStore
	questions   QuestionStore
	answers     AnswerStore
	evaluations EvaluationStore
	answerSvc   *AnswerService
	engine      Evaluator
	events      EventEmitter
	scoreRetry  ScoreRetryQueue
	log         zerolog.Logger

	flight     singleflight.Group
	resultWait time.Duration
	now        func() time.Time

	hooksMu  sync.RWMutex
	onClosed []func(sessionID uuid.UUID)
}

// NewExamSessionService creates a new ExamSessionService.
func NewExamSessionService(
	sessions SessionStore,
	questions QuestionStore,
	answers AnswerStore,
	evaluations EvaluationStore,
	answerSvc *AnswerService,
	engine Evaluator,
	events EventEmitter,
	scoreRetry ScoreRetryQueue,
	log zerolog.Logger,
) *ExamSessionService {
	return &ExamSessionService{
		sessions:    sessions,
		questions:   questions,
		answers:     answers,
		evaluations: evaluations,
		answerSvc:   answerSvc,
		engine:      engine,
		events:      events,
		scoreRetry:  scoreRetry,
		log:         log.With().Str("component", "session_service").Logger(),
		resultWait:  defaultResultWait,
		now:         time.Now,
	}
}

// OnClosed registers fn to run after a session reaches a terminal status.
func (s *ExamSessionService) OnClosed(fn func(sessionID uuid.UUID)) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	s.onClosed = append(s.onClosed, fn)
}

// Start returns the student's IN_PROGRESS session for the paper, creating it
// if needed. A pair that was ever blocked by proctoring cannot start again.
func (s *ExamSessionService) Start(ctx context.Context, studentID string, paperID uuid.UUID) (*model.ExamSession, error) {
	exists, err := s.questions.PaperExists(ctx, paperID)
	if err != nil {
		return nil, fmt.Errorf("check paper: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("paper %s: %w", paperID, ErrNotFound)
	}

	blocked, reason, err := s.sessions.BlockedFor(ctx, studentID, paperID)
	if err != nil {
		return nil, fmt.Errorf("check block: %w", err)
	}
	if blocked {
		return nil, fmt.Errorf("%w: %s", ErrSessionBlocked, reason)
	}

	sess, created, err := s.sessions.FindOrCreate(ctx, studentID, paperID)
	if err != nil {
		return nil, fmt.Errorf("find or create session: %w", err)
	}

	if !created {
		answers, err := s.answers.ListBySession(ctx, sess.ID)
		if err != nil {
			return nil, fmt.Errorf("load answers: %w", err)
		}
		sess.Answers = answers
	}

	s.emit(ctx, sess, model.EventJoin, map[string]any{"rejoin": !created})

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("student_id", studentID).
		Bool("created", created).
		Msg("Student joined paper")

	return sess, nil
}

// GetSession returns the caller's session with its answers.
func (s *ExamSessionService) GetSession(ctx context.Context, sessionID uuid.UUID, studentID string) (*model.ExamSession, error) {
	sess, err := loadSession(ctx, s.sessions, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	answers, err := s.answers.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}
	sess.Answers = answers
	return sess, nil
}

// PendingRun is the graded run that follows a saved coding answer. It holds
// no locks, so callers may run it off their ordered save path.
type PendingRun struct {
	answers *AnswerService
	sess    *model.ExamSession
	q       *model.Question
	code    model.CodingAnswer
}

// Do performs the metered run.
func (p *PendingRun) Do(ctx context.Context) (*RunOutcome, error) {
	return p.answers.Run(ctx, p.sess, p.q, p.code)
}

// RecordAnswer saves an answer and, for a coding answer with run type "run",
// performs a graded run after the save.
func (s *ExamSessionService) RecordAnswer(ctx context.Context, sessionID uuid.UUID, studentID string, questionID uuid.UUID, req model.RecordAnswerRequest) (*RecordAnswerResult, error) {
	out, run, err := s.SaveAnswer(ctx, sessionID, studentID, questionID, req)
	if err != nil || run == nil {
		return out, err
	}
	out.Run, err = run.Do(ctx)
	return out, err
}

// SaveAnswer is the save half of RecordAnswer. The returned PendingRun is
// non-nil only when the request asked for a graded run of a coding answer.
func (s *ExamSessionService) SaveAnswer(ctx context.Context, sessionID uuid.UUID, studentID string, questionID uuid.UUID, req model.RecordAnswerRequest) (*RecordAnswerResult, *PendingRun, error) {
	sess, q, err := s.answerSvc.resolve(ctx, sessionID, studentID, questionID)
	if err != nil {
		return nil, nil, err
	}
	if sess.Status != model.SessionStatusInProgress {
		return nil, nil, ErrInvalidState
	}

	ans, at, err := s.answerSvc.Save(ctx, sess, q, req.Answer)
	if err != nil {
		return nil, nil, err
	}
	out := &RecordAnswerResult{QuestionID: q.ID, Answer: ans, LastSavedAt: at}

	s.emit(ctx, sess, model.EventAnswerUpdate, map[string]any{
		"question_id":   q.ID,
		"question_type": q.Type,
		"run_type":      req.RunType,
	})

	if req.RunType != model.RunTypeRun || ans.Coding == nil {
		return out, nil, nil
	}
	return out, &PendingRun{answers: s.answerSvc, sess: sess, q: q, code: *ans.Coding}, nil
}

// Submit finalizes the caller's session and evaluates it. Concurrent submits
// evaluate once; every loser gets ErrAlreadySubmitted with the winner's result.
func (s *ExamSessionService) Submit(ctx context.Context, sessionID uuid.UUID, studentID string) (*SubmitResult, error) {
	sess, err := loadSession(ctx, s.sessions, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if sess.Status != model.SessionStatusInProgress {
		return s.awaitResult(ctx, sess)
	}
	return s.finalize(ctx, sess, "")
}

// Escalate force-submits the session on behalf of proctoring and blocks the
// student from starting the paper again. It reports false when the session
// had already left IN_PROGRESS.
func (s *ExamSessionService) Escalate(ctx context.Context, sessionID uuid.UUID, reason string) (bool, error) {
	sess, err := loadSession(ctx, s.sessions, sessionID, "")
	if err != nil {
		return false, err
	}
	if sess.Status != model.SessionStatusInProgress {
		return false, nil
	}
	if reason == "" {
		reason = "proctoring violation"
	}

	res, err := s.finalize(ctx, sess, reason)
	if errors.Is(err, ErrAlreadySubmitted) {
		return false, nil
	}
	blocked := res != nil && res.Session != nil && res.Session.Blocked
	return blocked, err
}

type flightResult struct {
	owner  *struct{}
	result *SubmitResult
}

// finalize runs the SUBMITTED transition at most once per session in this
// process; the status compare-and-swap makes it once across processes.
func (s *ExamSessionService) finalize(ctx context.Context, sess *model.ExamSession, blockReason string) (*SubmitResult, error) {
	token := &struct{}{}
	v, err, _ := s.flight.Do(sess.ID.String(), func() (any, error) {
		res, err := s.transition(context.WithoutCancel(ctx), sess, blockReason)
		return flightResult{owner: token, result: res}, err
	})
	fr, _ := v.(flightResult)
	if err != nil {
		return fr.result, err
	}
	if fr.owner != token {
		loser := *fr.result
		loser.AlreadySubmitted = true
		return &loser, ErrAlreadySubmitted
	}
	return fr.result, nil
}

func (s *ExamSessionService) transition(ctx context.Context, sess *model.ExamSession, blockReason string) (*SubmitResult, error) {
	at := s.now().UTC()
	won, err := s.sessions.MarkSubmitted(ctx, sess.ID, blockReason, at)
	if err != nil {
		return nil, fmt.Errorf("mark submitted: %w", err)
	}
	if !won {
		return s.awaitResult(ctx, sess)
	}

	sess.Status = model.SessionStatusSubmitted
	sess.SubmittedAt = &at
	if blockReason != "" {
		sess.Blocked = true
		sess.BlockReason = blockReason
	}

	event := model.EventSubmitExam
	details := map[string]any{}
	if blockReason != "" {
		event = model.EventAutoSubmit
		details["reason"] = blockReason
	}
	s.emit(ctx, sess, event, details)
	s.closed(sess.ID)

	result, err := s.evaluate(ctx, sess)
	if err != nil {
		return &SubmitResult{Session: sess}, err
	}

	s.log.Info().
		Str("session_id", sess.ID.String()).
		Str("status", string(sess.Status)).
		Float64("total_score", result.TotalScore).
		Bool("blocked", sess.Blocked).
		Msg("Session finalized")

	return &SubmitResult{Session: sess, Evaluation: result}, nil
}

// Reevaluate grades a submitted session again and replaces its evaluation.
func (s *ExamSessionService) Reevaluate(ctx context.Context, sessionID uuid.UUID) (*model.EvaluationResult, error) {
	sess, err := loadSession(ctx, s.sessions, sessionID, "")
	if err != nil {
		return nil, err
	}
	if sess.Status == model.SessionStatusInProgress {
		return nil, ErrInvalidState
	}

	v, err, _ := s.flight.Do("reevaluate:"+sess.ID.String(), func() (any, error) {
		return s.evaluate(context.WithoutCancel(ctx), sess)
	})
	if err != nil {
		return nil, err
	}
	return v.(*model.EvaluationResult), nil
}

// GetEvaluation returns the stored evaluation of the caller's session.
func (s *ExamSessionService) GetEvaluation(ctx context.Context, sessionID uuid.UUID, studentID string) (*model.EvaluationResult, error) {
	sess, err := loadSession(ctx, s.sessions, sessionID, studentID)
	if err != nil {
		return nil, err
	}
	if sess.Status == model.SessionStatusInProgress {
		return nil, ErrInvalidState
	}
	res, err := s.evaluations.GetBySession(ctx, sess.ID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("evaluation for %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("get evaluation: %w", err)
	}
	return res, nil
}

// evaluate grades the session, upserts the evaluation and mirrors the score
// onto the session. The mirror is best-effort and retried asynchronously.
func (s *ExamSessionService) evaluate(ctx context.Context, sess *model.ExamSession) (*model.EvaluationResult, error) {
	questions, err := s.questions.ListByPaper(ctx, sess.PaperID)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	answers, err := s.answers.ListBySession(ctx, sess.ID)
	if err != nil {
		return nil, fmt.Errorf("load answers: %w", err)
	}

	result := s.engine.Evaluate(ctx, sess.ID, questions, answers)
	if err := s.evaluations.Upsert(ctx, &result); err != nil {
		return nil, fmt.Errorf("store evaluation: %w", err)
	}

	sess.Answers = answers
	sess.Score = result.TotalScore
	if err := s.sessions.MarkEvaluated(ctx, sess.ID, result.TotalScore); err != nil {
		s.log.Warn().Err(err).Str("session_id", sess.ID.String()).Msg("Score mirror failed, queueing retry")
		if qerr := s.scoreRetry.Enqueue(ctx, sess.ID, result.TotalScore); qerr != nil {
			s.log.Error().Err(qerr).Str("session_id", sess.ID.String()).Msg("Failed to queue score mirror")
		}
	} else if sess.Blocked {
		sess.Status = model.SessionStatusBlocked
	} else {
		sess.Status = model.SessionStatusEvaluated
	}

	s.emit(ctx, sess, model.EventEvaluated, map[string]any{"total_score": result.TotalScore})
	return &result, nil
}

// awaitResult returns the evaluation of a session someone else submitted,
// waiting for an in-flight evaluation to land.
func (s *ExamSessionService) awaitResult(ctx context.Context, sess *model.ExamSession) (*SubmitResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.resultWait)
	defer cancel()

	ticker := time.NewTicker(resultPollEvery)
	defer ticker.Stop()

	for {
		res, err := s.evaluations.GetBySession(ctx, sess.ID)
		if err == nil {
			latest, lerr := s.sessions.GetByID(ctx, sess.ID)
			if lerr != nil {
				latest = sess
			}
			return &SubmitResult{Session: latest, Evaluation: res, AlreadySubmitted: true}, ErrAlreadySubmitted
		}
		if !errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("get evaluation: %w", err)
		}

		select {
		case <-ctx.Done():
			return &SubmitResult{Session: sess, AlreadySubmitted: true}, ErrAlreadySubmitted
		case <-ticker.C:
		}
	}
}

func (s *ExamSessionService) closed(sessionID uuid.UUID) {
	s.hooksMu.RLock()
	hooks := append([]func(uuid.UUID){}, s.onClosed...)
	s.hooksMu.RUnlock()
	for _, fn := range hooks {
		fn(sessionID)
	}
}

// emit forwards a lifecycle event. Failures are logged and never block the
// state transition that produced them.
func (s *ExamSessionService) emit(ctx context.Context, sess *model.ExamSession, eventType string, details map[string]any) {
	raw, err := json.Marshal(details)
	if err != nil {
		raw = nil
	}
	ev := model.ExamEvent{
		Type:      eventType,
		SessionID: sess.ID,
		PaperID:   sess.PaperID,
		StudentID: sess.StudentID,
		Details:   raw,
		Timestamp: s.now().UTC(),
	}
	if err := s.events.Emit(ctx, ev); err != nil {
		s.log.Warn().Err(err).
			Str("session_id", sess.ID.String()).
			Str("event", eventType).
			Msg("Failed to emit session event")
	}
}
