package service

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/judge"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/repository"
)

// fakeSessionStore keeps sessions in memory. Its mutex stands in for the row
// lock the SQL store takes, so answer and attempt writes check status under it.
type fakeSessionStore struct {
	mu        sync.Mutex
	sessions  map[uuid.UUID]*model.ExamSession
	markErr   error
	markCalls atomic.Int32
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{sessions: make(map[uuid.UUID]*model.ExamSession)}
}

func (f *fakeSessionStore) FindOrCreate(_ context.Context, studentID string, paperID uuid.UUID) (*model.ExamSession, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.StudentID == studentID && s.PaperID == paperID && s.Status == model.SessionStatusInProgress {
			c := *s
			return &c, false, nil
		}
	}
	s := &model.ExamSession{
		ID:        uuid.New(),
		StudentID: studentID,
		PaperID:   paperID,
		Status:    model.SessionStatusInProgress,
		StartedAt: time.Now(),
	}
	f.sessions[s.ID] = s
	c := *s
	return &c, true, nil
}

func (f *fakeSessionStore) BlockedFor(_ context.Context, studentID string, paperID uuid.UUID) (bool, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, s := range f.sessions {
		if s.StudentID == studentID && s.PaperID == paperID && s.Blocked {
			return true, s.BlockReason, nil
		}
	}
	return false, "", nil
}

func (f *fakeSessionStore) GetByID(_ context.Context, id uuid.UUID) (*model.ExamSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	c := *s
	return &c, nil
}

func (f *fakeSessionStore) MarkSubmitted(_ context.Context, id uuid.UUID, blockReason string, at time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok || s.Status != model.SessionStatusInProgress {
		return false, nil
	}
	s.Status = model.SessionStatusSubmitted
	s.SubmittedAt = &at
	if blockReason != "" {
		s.Blocked = true
		s.BlockReason = blockReason
	}
	return true, nil
}

func (f *fakeSessionStore) MarkEvaluated(_ context.Context, id uuid.UUID, score float64) error {
	f.markCalls.Add(1)
	if f.markErr != nil {
		return f.markErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return repository.ErrNotFound
	}
	s.Score = score
	if s.Blocked {
		s.Status = model.SessionStatusBlocked
	} else {
		s.Status = model.SessionStatusEvaluated
	}
	return nil
}

func (f *fakeSessionStore) status(id uuid.UUID) model.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[id].Status
}

func (f *fakeSessionStore) inProgress(id uuid.UUID) bool {
	s, ok := f.sessions[id]
	return ok && s.Status == model.SessionStatusInProgress
}

type attemptKey struct {
	session  uuid.UUID
	question uuid.UUID
}

type fakeAttemptStore struct {
	sessions *fakeSessionStore
	mu       sync.Mutex
	attempts map[attemptKey][]model.CodeRunAttempt
}

func (f *fakeAttemptStore) Reserve(_ context.Context, sessionID, questionID uuid.UUID, max int, language, codeHash string) (int, error) {
	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	if !f.sessions.inProgress(sessionID) {
		return 0, repository.ErrSessionNotActive
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	k := attemptKey{sessionID, questionID}
	if len(f.attempts[k]) >= max {
		return 0, repository.ErrNoAttemptsLeft
	}
	n := len(f.attempts[k]) + 1
	f.attempts[k] = append(f.attempts[k], model.CodeRunAttempt{
		AttemptNumber: n,
		Language:      language,
		CodeHash:      codeHash,
		SubmittedAt:   time.Now(),
	})
	return n, nil
}

func (f *fakeAttemptStore) Complete(_ context.Context, sessionID, questionID uuid.UUID, attemptNumber int, result model.JudgeResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	list := f.attempts[attemptKey{sessionID, questionID}]
	if attemptNumber < 1 || attemptNumber > len(list) {
		return repository.ErrNotFound
	}
	list[attemptNumber-1].Result = result
	return nil
}

func (f *fakeAttemptStore) List(_ context.Context, sessionID, questionID uuid.UUID) ([]model.CodeRunAttempt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.CodeRunAttempt(nil), f.attempts[attemptKey{sessionID, questionID}]...), nil
}

type fakeAnswerStore struct {
	sessions *fakeSessionStore
	attempts *fakeAttemptStore
	mu       sync.Mutex
	answers  map[uuid.UUID]map[uuid.UUID]model.AnswerRecord
}

func (f *fakeAnswerStore) Upsert(_ context.Context, sessionID, questionID uuid.UUID, answer model.Answer, at time.Time) error {
	f.sessions.mu.Lock()
	defer f.sessions.mu.Unlock()
	if !f.sessions.inProgress(sessionID) {
		return repository.ErrSessionNotActive
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.answers[sessionID] == nil {
		f.answers[sessionID] = make(map[uuid.UUID]model.AnswerRecord)
	}
	f.answers[sessionID][questionID] = model.AnswerRecord{QuestionID: questionID, Answer: answer, LastSavedAt: at}
	return nil
}

func (f *fakeAnswerStore) ListBySession(ctx context.Context, sessionID uuid.UUID) (map[uuid.UUID]model.AnswerRecord, error) {
	f.mu.Lock()
	out := make(map[uuid.UUID]model.AnswerRecord, len(f.answers[sessionID]))
	for k, v := range f.answers[sessionID] {
		out[k] = v
	}
	f.mu.Unlock()
	for qid, rec := range out {
		rec.Attempts, _ = f.attempts.List(ctx, sessionID, qid)
		out[qid] = rec
	}
	return out, nil
}

type fakeQuestionStore struct {
	questions map[uuid.UUID]model.Question
}

func (f *fakeQuestionStore) PaperExists(_ context.Context, paperID uuid.UUID) (bool, error) {
	for _, q := range f.questions {
		if q.PaperID == paperID {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeQuestionStore) ListByPaper(_ context.Context, paperID uuid.UUID) ([]model.Question, error) {
	var out []model.Question
	for _, q := range f.questions {
		if q.PaperID == paperID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (f *fakeQuestionStore) GetByID(_ context.Context, id uuid.UUID) (*model.Question, error) {
	q, ok := f.questions[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &q, nil
}

type fakeEvaluationStore struct {
	mu      sync.Mutex
	results map[uuid.UUID]model.EvaluationResult
	upserts atomic.Int32
}

func (f *fakeEvaluationStore) Upsert(_ context.Context, r *model.EvaluationResult) error {
	f.upserts.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results[r.SessionID] = *r
	return nil
}

func (f *fakeEvaluationStore) GetBySession(_ context.Context, id uuid.UUID) (*model.EvaluationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.results[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &r, nil
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []model.ExamEvent
	err    error
}

func (f *fakeEmitter) Emit(_ context.Context, ev model.ExamEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return f.err
}

func (f *fakeEmitter) count(eventType string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, ev := range f.events {
		if ev.Type == eventType {
			n++
		}
	}
	return n
}

type fakeScoreQueue struct {
	mu     sync.Mutex
	queued map[uuid.UUID]float64
}

func (f *fakeScoreQueue) Enqueue(_ context.Context, id uuid.UUID, score float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queued[id] = score
	return nil
}

// fakeRunner passes the first `pass` test cases, or reports the judge
// unreachable when unreachable is set.
type fakeRunner struct {
	pass        int
	unreachable bool
	delay       time.Duration
	runs        atomic.Int32
	testRuns    atomic.Int32
}

func (f *fakeRunner) Run(_ context.Context, _ judge.Submission, stdin string) model.JudgeResult {
	f.runs.Add(1)
	return model.JudgeResult{
		Status:  model.JudgeStatusDebug,
		Summary: model.JudgeSummary{TotalCount: 1},
		PerTest: []model.TestResult{{Stdout: stdin}},
	}
}

func (f *fakeRunner) RunTests(_ context.Context, _ judge.Submission, tests []model.TestCase, _ model.CompareMode) model.JudgeResult {
	f.testRuns.Add(1)
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	per := make([]model.TestResult, len(tests))
	passed := 0
	for i := range tests {
		per[i] = model.TestResult{Index: i, Passed: !f.unreachable && i < f.pass, Stdout: "out"}
		if per[i].Passed {
			passed++
		}
		if f.unreachable {
			per[i].Stderr = "judge request failed: connection refused"
		}
	}
	status := model.JudgeStatusFailed
	if passed == len(tests) {
		status = model.JudgeStatusSuccess
	}
	return model.JudgeResult{
		Status:      status,
		Summary:     model.JudgeSummary{PassedCount: passed, TotalCount: len(tests)},
		PerTest:     per,
		Unreachable: f.unreachable,
	}
}

// countingEvaluator sums full marks of answered questions and counts calls.
type countingEvaluator struct {
	calls atomic.Int32
	delay time.Duration
	score atomic.Value
}

func (e *countingEvaluator) Evaluate(_ context.Context, sessionID uuid.UUID, questions []model.Question, answers map[uuid.UUID]model.AnswerRecord) model.EvaluationResult {
	e.calls.Add(1)
	if e.delay > 0 {
		time.Sleep(e.delay)
	}
	res := model.EvaluationResult{SessionID: sessionID, EvaluatedAt: time.Now()}
	for _, q := range questions {
		if _, ok := answers[q.ID]; ok {
			res.QuestionFeedback = append(res.QuestionFeedback, model.QuestionFeedback{QuestionID: q.ID, MarksAwarded: q.Marks, MaxMarks: q.Marks})
			res.TotalScore += q.Marks
		}
	}
	if v, ok := e.score.Load().(float64); ok {
		res.TotalScore = v
	}
	return res
}

type fakeMirror struct {
	mu      sync.Mutex
	states  map[uuid.UUID]*model.LedgerState
	expired map[uuid.UUID]bool
}

func newFakeMirror() *fakeMirror {
	return &fakeMirror{states: make(map[uuid.UUID]*model.LedgerState), expired: make(map[uuid.UUID]bool)}
}

func (f *fakeMirror) Load(_ context.Context, id uuid.UUID) (*model.LedgerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		return nil, nil
	}
	c := &model.LedgerState{
		Counts:      map[string]int{},
		LastFiredAt: map[string]time.Time{},
		Recent:      append([]model.AlertEntry(nil), st.Recent...),
	}
	for k, v := range st.Counts {
		c.Counts[k] = v
	}
	for k, v := range st.LastFiredAt {
		c.LastFiredAt[k] = v
	}
	return c, nil
}

func (f *fakeMirror) Record(_ context.Context, id uuid.UUID, alertType string, count int, firedAt time.Time, entry model.AlertEntry, recentCap int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.states[id]
	if !ok {
		st = &model.LedgerState{Counts: map[string]int{}, LastFiredAt: map[string]time.Time{}}
		f.states[id] = st
	}
	st.Counts[alertType] = count
	st.LastFiredAt[alertType] = firedAt
	st.Recent = append([]model.AlertEntry{entry}, st.Recent...)
	if len(st.Recent) > recentCap {
		st.Recent = st.Recent[:recentCap]
	}
	return nil
}

func (f *fakeMirror) Expire(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expired[id] = true
	return nil
}

func (f *fakeMirror) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, id)
	return nil
}

// harness wires the services over the fakes.
type harness struct {
	paperID   uuid.UUID
	mcq       model.Question
	coding    model.Question
	sessions  *fakeSessionStore
	attempts  *fakeAttemptStore
	answers   *fakeAnswerStore
	questions *fakeQuestionStore
	evals     *fakeEvaluationStore
	events    *fakeEmitter
	scores    *fakeScoreQueue
	runner    *fakeRunner
	mirror    *fakeMirror
	limiter   *AttemptLimiter
	answerSvc *AnswerService
	svc       *ExamSessionService
}

func newHarness(evaluator Evaluator) *harness {
	h := &harness{paperID: uuid.New()}
	h.mcq = model.Question{
		ID:            uuid.New(),
		PaperID:       h.paperID,
		Type:          model.QuestionTypeMCQ,
		Options:       []string{"3", "4", "5", "6"},
		CorrectAnswer: "B",
		Marks:         2,
		OrderNum:      1,
	}
	h.coding = model.Question{
		ID:       uuid.New(),
		PaperID:  h.paperID,
		Type:     model.QuestionTypeCoding,
		Marks:    9,
		OrderNum: 2,
		Coding: &model.CodingConfig{
			DefaultLanguage: "python",
			MaxRunAttempts:  3,
			TestCases: []model.TestCase{
				{Input: "1", ExpectedOutput: "2", IsPublic: true},
				{Input: "2", ExpectedOutput: "4"},
				{Input: "3", ExpectedOutput: "6"},
			},
		},
	}

	h.sessions = newFakeSessionStore()
	h.attempts = &fakeAttemptStore{sessions: h.sessions, attempts: make(map[attemptKey][]model.CodeRunAttempt)}
	h.answers = &fakeAnswerStore{sessions: h.sessions, attempts: h.attempts, answers: make(map[uuid.UUID]map[uuid.UUID]model.AnswerRecord)}
	h.questions = &fakeQuestionStore{questions: map[uuid.UUID]model.Question{h.mcq.ID: h.mcq, h.coding.ID: h.coding}}
	h.evals = &fakeEvaluationStore{results: make(map[uuid.UUID]model.EvaluationResult)}
	h.events = &fakeEmitter{}
	h.scores = &fakeScoreQueue{queued: make(map[uuid.UUID]float64)}
	h.runner = &fakeRunner{pass: 3}
	h.mirror = newFakeMirror()

	log := zerolog.Nop()
	h.limiter = NewAttemptLimiter(h.attempts, 3, log)
	h.answerSvc = NewAnswerService(h.sessions, h.questions, h.answers, h.limiter, h.runner, log)
	h.svc = NewExamSessionService(h.sessions, h.questions, h.answers, h.evals, h.answerSvc, evaluator, h.events, h.scores, log)
	h.svc.resultWait = 2 * time.Second
	return h
}

var errBoom = errors.New("boom")
