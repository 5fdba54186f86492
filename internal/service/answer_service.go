package service

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/evaluation"
	"github.com/stemsi/exproctor-backend/internal/judge"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/repository"
)

// RunOutcome is the result of an evaluation-mode run as shown to the student.
type RunOutcome struct {
	Reservation
	Result model.JudgeResult `json:"result"`
}

// AttemptsView lists a question's graded runs.
type AttemptsView struct {
	Attempts    []model.CodeRunAttempt `json:"attempts"`
	Remaining   int                    `json:"remaining"`
	MaxAttempts int                    `json:"max_attempts"`
}

// AnswerService is the only writer of answers. It saves first and runs
// second, so a failed or rejected run never loses the saved code.
type AnswerService struct {
	sessions  SessionStore
	questions QuestionStore
	answers   AnswerStore
	limiter   *AttemptLimiter
	runner    CodeRunner
	log       zerolog.Logger
	now       func() time.Time
}

// NewAnswerService creates a new AnswerService.
func NewAnswerService(
	sessions SessionStore,
	questions QuestionStore,
	answers AnswerStore,
	limiter *AttemptLimiter,
	runner CodeRunner,
	log zerolog.Logger,
) *AnswerService {
	return &AnswerService{
		sessions:  sessions,
		questions: questions,
		answers:   answers,
		limiter:   limiter,
		runner:    runner,
		log:       log.With().Str("component", "answer_service").Logger(),
		now:       time.Now,
	}
}

// resolve loads the caller's session and a question on its paper.
func (s *AnswerService) resolve(ctx context.Context, sessionID uuid.UUID, studentID string, questionID uuid.UUID) (*model.ExamSession, *model.Question, error) {
	sess, err := loadSession(ctx, s.sessions, sessionID, studentID)
	if err != nil {
		return nil, nil, err
	}
	q, err := s.questions.GetByID(ctx, questionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, nil, fmt.Errorf("question %s: %w", questionID, ErrNotFound)
		}
		return nil, nil, fmt.Errorf("get question: %w", err)
	}
	if q.PaperID != sess.PaperID {
		return nil, nil, fmt.Errorf("question %s: %w", questionID, ErrNotFound)
	}
	return sess, q, nil
}

// Save decodes raw against the question type and upserts it. The write is
// refused once the session has left IN_PROGRESS.
func (s *AnswerService) Save(ctx context.Context, sess *model.ExamSession, q *model.Question, raw model.RawAnswer) (model.Answer, time.Time, error) {
	if sess.Status != model.SessionStatusInProgress {
		return model.Answer{}, time.Time{}, ErrInvalidState
	}

	ans, err := model.DecodeAnswer(q.Type, raw)
	if err != nil {
		return model.Answer{}, time.Time{}, err
	}
	if ans.Coding != nil {
		ans.Coding.Language = evaluation.ResolveLanguage(ans.Coding.Language, q.Coding)
	}

	at := s.now().UTC()
	if err := s.answers.Upsert(ctx, sess.ID, q.ID, ans, at); err != nil {
		if errors.Is(err, repository.ErrSessionNotActive) {
			return model.Answer{}, time.Time{}, ErrInvalidState
		}
		return model.Answer{}, time.Time{}, fmt.Errorf("upsert answer: %w", err)
	}
	return ans, at, nil
}

// Run performs one metered, graded run of a saved coding answer.
func (s *AnswerService) Run(ctx context.Context, sess *model.ExamSession, q *model.Question, ans model.CodingAnswer) (*RunOutcome, error) {
	if q.Type != model.QuestionTypeCoding || q.Coding == nil {
		return nil, ErrNotCodingQuestion
	}
	lang, err := checkLanguage(ans.Language, q.Coding)
	if err != nil {
		return nil, err
	}

	res, err := s.limiter.TryConsume(ctx, sess.ID, q, lang, model.CodingAnswer{Language: lang, Code: ans.Code}.Hash())
	if err != nil {
		return nil, err
	}
	if !res.Allowed {
		return &RunOutcome{Reservation: res}, ErrAttemptsExhausted
	}

	// The attempt is spent; finish it even if the caller goes away.
	runCtx := context.WithoutCancel(ctx)
	result := s.runner.RunTests(runCtx, judge.Submission{
		Language:      lang,
		Code:          ans.Code,
		TimeLimitMs:   q.Coding.TimeLimitMs,
		MemoryLimitMB: q.Coding.MemoryLimitMB,
	}, q.Coding.TestCases, q.Coding.CompareMode)

	if err := s.limiter.Complete(runCtx, sess.ID, q.ID, res.AttemptNumber, result); err != nil {
		s.log.Error().Err(err).
			Str("session_id", sess.ID.String()).
			Str("question_id", q.ID.String()).
			Msg("Failed to store run result")
	}

	return &RunOutcome{Reservation: res, Result: publicView(q.Coding, result)}, nil
}

// DebugRun executes code against student stdin. It is never metered, graded
// or persisted.
func (s *AnswerService) DebugRun(ctx context.Context, sessionID uuid.UUID, studentID string, questionID uuid.UUID, req model.DebugRunRequest) (model.JudgeResult, error) {
	sess, q, err := s.resolve(ctx, sessionID, studentID, questionID)
	if err != nil {
		return model.JudgeResult{}, err
	}
	if sess.Status != model.SessionStatusInProgress {
		return model.JudgeResult{}, ErrInvalidState
	}
	if q.Type != model.QuestionTypeCoding || q.Coding == nil {
		return model.JudgeResult{}, ErrNotCodingQuestion
	}
	lang, err := checkLanguage(req.Language, q.Coding)
	if err != nil {
		return model.JudgeResult{}, err
	}

	return s.runner.Run(ctx, judge.Submission{
		Language:      lang,
		Code:          req.Code,
		TimeLimitMs:   q.Coding.TimeLimitMs,
		MemoryLimitMB: q.Coding.MemoryLimitMB,
	}, req.Stdin), nil
}

// ListAttempts returns the graded runs for a coding question.
func (s *AnswerService) ListAttempts(ctx context.Context, sessionID uuid.UUID, studentID string, questionID uuid.UUID) (*AttemptsView, error) {
	sess, q, err := s.resolve(ctx, sessionID, studentID, questionID)
	if err != nil {
		return nil, err
	}
	if q.Type != model.QuestionTypeCoding {
		return nil, ErrNotCodingQuestion
	}
	list, remaining, err := s.limiter.Usage(ctx, sess.ID, q)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Result = publicView(q.Coding, list[i].Result)
	}
	return &AttemptsView{Attempts: list, Remaining: remaining, MaxAttempts: s.limiter.Budget(q)}, nil
}

func checkLanguage(lang string, cfg *model.CodingConfig) (string, error) {
	resolved := evaluation.ResolveLanguage(lang, cfg)
	if !judge.IsSupported(resolved) {
		return "", fmt.Errorf("%w: %q", ErrUnsupportedLanguage, lang)
	}
	if len(cfg.AllowedLanguages) > 0 {
		allowed := slices.ContainsFunc(cfg.AllowedLanguages, func(a string) bool {
			c, ok := judge.NormalizeLanguage(a)
			return ok && c == resolved
		})
		if !allowed {
			return "", fmt.Errorf("%w: %q not allowed for this question", ErrUnsupportedLanguage, lang)
		}
	}
	return resolved, nil
}

// publicView hides the output of non-public test cases.
func publicView(cfg *model.CodingConfig, result model.JudgeResult) model.JudgeResult {
	if cfg == nil {
		return result
	}
	out := result
	out.PerTest = make([]model.TestResult, len(result.PerTest))
	for i, r := range result.PerTest {
		if r.Index >= 0 && r.Index < len(cfg.TestCases) && !cfg.TestCases[r.Index].IsPublic && !result.Unreachable {
			r.Stdout = ""
			r.Stderr = ""
		}
		out.PerTest[i] = r
	}
	return out
}

// loadSession fetches a session and checks it belongs to studentID.
// An empty studentID skips the ownership check (proctor access).
func loadSession(ctx context.Context, sessions SessionStore, sessionID uuid.UUID, studentID string) (*model.ExamSession, error) {
	sess, err := sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("get session: %w", err)
	}
	if studentID != "" && sess.StudentID != studentID {
		return nil, ErrForbidden
	}
	return sess, nil
}
