package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/evaluation"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/similarity"
)

type noScorer struct{}

func (noScorer) Score(context.Context, string, string, float64) (similarity.Score, error) {
	return similarity.Score{}, similarity.ErrNotConfigured
}

func answerReq(v any, runType model.RunType) model.RecordAnswerRequest {
	raw, _ := json.Marshal(v)
	return model.RecordAnswerRequest{Answer: raw, RunType: runType}
}

func TestStartIsIdempotent(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()

	first, err := h.svc.Start(ctx, "stu-1", h.paperID)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	second, err := h.svc.Start(ctx, "stu-1", h.paperID)
	if err != nil {
		t.Fatalf("second Start: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("Start created a second session: %s vs %s", first.ID, second.ID)
	}
	if h.events.count(model.EventJoin) != 2 {
		t.Errorf("join events = %d, want 2", h.events.count(model.EventJoin))
	}
}

func TestConcurrentStartCreatesOneSession(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()

	const n = 16
	ids := make([]uuid.UUID, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			sess, err := h.svc.Start(ctx, "stu-1", h.paperID)
			if err != nil {
				t.Errorf("Start: %v", err)
				return
			}
			ids[i] = sess.ID
		}(i)
	}
	wg.Wait()

	for _, id := range ids[1:] {
		if id != ids[0] {
			t.Fatalf("concurrent starts returned different sessions")
		}
	}
}

func TestStartUnknownPaper(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	if _, err := h.svc.Start(context.Background(), "stu-1", uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestRecordAnswerAfterSubmitFails(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	if _, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.mcq.ID, answerReq("B", "")); err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	if _, err := h.svc.Submit(ctx, sess.ID, "stu-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.mcq.ID, answerReq("C", ""))
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}

	// A stale session snapshot must not slip a write past the status check.
	stale := *sess
	stale.Status = model.SessionStatusInProgress
	if _, _, err := h.answerSvc.Save(ctx, &stale, &h.mcq, model.RawAnswer(`"C"`)); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("stale save err = %v, want ErrInvalidState", err)
	}
}

func TestRecordAnswerLastWriteWins(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	for _, v := range []string{"A", "C", "B"} {
		if _, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.mcq.ID, answerReq(v, "")); err != nil {
			t.Fatalf("RecordAnswer(%s): %v", v, err)
		}
	}
	got, err := h.svc.GetSession(ctx, sess.ID, "stu-1")
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if len(got.Answers) != 1 || got.Answers[h.mcq.ID].Answer.Selection != "B" {
		t.Fatalf("answers = %+v, want single answer B", got.Answers)
	}
}

func TestRecordAnswerOtherStudentForbidden(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	if _, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-2", h.mcq.ID, answerReq("B", "")); !errors.Is(err, ErrForbidden) {
		t.Fatalf("err = %v, want ErrForbidden", err)
	}
}

func TestConcurrentSubmitEvaluatesOnce(t *testing.T) {
	ev := &countingEvaluator{delay: 50 * time.Millisecond}
	h := newHarness(ev)
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	_, _ = h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.mcq.ID, answerReq("B", ""))

	const n = 20
	scores := make([]float64, n)
	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			res, err := h.svc.Submit(ctx, sess.ID, "stu-1")
			switch {
			case err == nil:
				mu.Lock()
				winners++
				mu.Unlock()
			case errors.Is(err, ErrAlreadySubmitted):
			default:
				t.Errorf("Submit: %v", err)
				return
			}
			if res == nil || res.Evaluation == nil {
				t.Errorf("caller %d got no evaluation", i)
				return
			}
			scores[i] = res.Evaluation.TotalScore
		}(i)
	}
	wg.Wait()

	if ev.calls.Load() != 1 {
		t.Fatalf("evaluations = %d, want 1", ev.calls.Load())
	}
	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
	for i, s := range scores {
		if s != scores[0] {
			t.Fatalf("caller %d score %v differs from %v", i, s, scores[0])
		}
	}
	if got := h.sessions.status(sess.ID); got != model.SessionStatusEvaluated {
		t.Errorf("status = %s, want EVALUATED", got)
	}
	if h.events.count(model.EventSubmitExam) != 1 {
		t.Errorf("submit events = %d, want 1", h.events.count(model.EventSubmitExam))
	}
}

func TestSubmitAfterEvaluatedReturnsResult(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	_, _ = h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.mcq.ID, answerReq("B", ""))
	first, err := h.svc.Submit(ctx, sess.ID, "stu-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	again, err := h.svc.Submit(ctx, sess.ID, "stu-1")
	if !errors.Is(err, ErrAlreadySubmitted) || !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrAlreadySubmitted", err)
	}
	if !again.AlreadySubmitted || again.Evaluation.TotalScore != first.Evaluation.TotalScore {
		t.Errorf("second submit = %+v", again)
	}
}

func TestReevaluateOverwrites(t *testing.T) {
	ev := &countingEvaluator{}
	h := newHarness(ev)
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	_, _ = h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.mcq.ID, answerReq("B", ""))
	if _, err := h.svc.Submit(ctx, sess.ID, "stu-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	ev.score.Store(1.5)
	res, err := h.svc.Reevaluate(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Reevaluate: %v", err)
	}
	if res.TotalScore != 1.5 {
		t.Errorf("total = %v, want 1.5", res.TotalScore)
	}

	stored, _ := h.evals.GetBySession(ctx, sess.ID)
	if len(stored.QuestionFeedback) != 1 || stored.TotalScore != 1.5 {
		t.Errorf("stored evaluation = %+v, want one feedback entry and new score", stored)
	}
	if h.sessions.status(sess.ID) != model.SessionStatusEvaluated {
		t.Errorf("status = %s, want EVALUATED", h.sessions.status(sess.ID))
	}
}

func TestReevaluateInProgressRejected(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	sess, _ := h.svc.Start(context.Background(), "stu-1", h.paperID)
	if _, err := h.svc.Reevaluate(context.Background(), sess.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestJudgeUnreachableStillEvaluates(t *testing.T) {
	h := newHarness(nil)
	h.runner.unreachable = true
	engine := evaluation.NewEngine(h.runner, noScorer{}, zerolog.Nop())
	h.svc.engine = engine
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	_, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.coding.ID, answerReq(map[string]string{"code": "print(1)", "language": "py"}, ""))
	if err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}

	res, err := h.svc.Submit(ctx, sess.ID, "stu-1")
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fb := res.Evaluation.QuestionFeedback[0]
	if fb.MarksAwarded != 0 || fb.Remarks == "" {
		t.Errorf("feedback = %+v, want 0 marks with remarks", fb)
	}
	if res.Session.Status != model.SessionStatusEvaluated {
		t.Errorf("status = %s, want EVALUATED", res.Session.Status)
	}
}

func TestScoreMirrorFailureQueuesRetry(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	h.sessions.markErr = errBoom
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	_, _ = h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.mcq.ID, answerReq("B", ""))

	res, err := h.svc.Submit(ctx, sess.ID, "stu-1")
	if err != nil {
		t.Fatalf("Submit must succeed when only the mirror fails: %v", err)
	}
	if res.Evaluation == nil {
		t.Fatalf("missing evaluation")
	}
	if got, ok := h.scores.queued[sess.ID]; !ok || got != res.Evaluation.TotalScore {
		t.Errorf("queued score = %v (present %v), want %v", got, ok, res.Evaluation.TotalScore)
	}
	if h.evals.upserts.Load() != 1 {
		t.Errorf("evaluation upserts = %d, want 1", h.evals.upserts.Load())
	}
}

func TestEscalateBlocksAndPreventsRestart(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	blocked, err := h.svc.Escalate(ctx, sess.ID, model.AlertNoFace)
	if err != nil || !blocked {
		t.Fatalf("Escalate = %v, %v", blocked, err)
	}
	if got := h.sessions.status(sess.ID); got != model.SessionStatusBlocked {
		t.Fatalf("status = %s, want BLOCKED", got)
	}
	if h.events.count(model.EventAutoSubmit) != 1 {
		t.Errorf("auto_submit events = %d, want 1", h.events.count(model.EventAutoSubmit))
	}
	if _, err := h.svc.Start(ctx, "stu-1", h.paperID); !errors.Is(err, ErrSessionBlocked) {
		t.Fatalf("restart err = %v, want ErrSessionBlocked", err)
	}
}

func TestEscalateAfterSubmitIsNoop(t *testing.T) {
	ev := &countingEvaluator{}
	h := newHarness(ev)
	ctx := context.Background()

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	_, _ = h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.mcq.ID, answerReq("B", ""))
	if _, err := h.svc.Submit(ctx, sess.ID, "stu-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	blocked, err := h.svc.Escalate(ctx, sess.ID, model.AlertTabSwitch)
	if err != nil || blocked {
		t.Fatalf("Escalate = %v, %v, want no-op", blocked, err)
	}
	if got := h.sessions.status(sess.ID); got != model.SessionStatusEvaluated {
		t.Errorf("status = %s, want EVALUATED", got)
	}
	if ev.calls.Load() != 1 {
		t.Errorf("evaluations = %d, want 1", ev.calls.Load())
	}
}

func TestSubmitRacingEscalateTransitionsOnce(t *testing.T) {
	ev := &countingEvaluator{delay: 20 * time.Millisecond}
	h := newHarness(ev)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := h.svc.Submit(ctx, sess.ID, "stu-1"); err != nil && !errors.Is(err, ErrAlreadySubmitted) {
			t.Errorf("Submit: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := h.svc.Escalate(ctx, sess.ID, model.AlertMultipleFaces); err != nil {
			t.Errorf("Escalate: %v", err)
		}
	}()
	wg.Wait()

	if ev.calls.Load() != 1 {
		t.Fatalf("evaluations = %d, want 1", ev.calls.Load())
	}
	got := h.sessions.status(sess.ID)
	if got != model.SessionStatusEvaluated && got != model.SessionStatusBlocked {
		t.Errorf("status = %s, want a single terminal status", got)
	}
}

func TestClosedHookRunsOnSubmit(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()

	var closed []uuid.UUID
	h.svc.OnClosed(func(id uuid.UUID) { closed = append(closed, id) })

	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	if _, err := h.svc.Submit(ctx, sess.ID, "stu-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(closed) != 1 || closed[0] != sess.ID {
		t.Errorf("closed hooks = %v", closed)
	}
}
