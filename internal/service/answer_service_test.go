package service

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stemsi/exproctor-backend/internal/model"
)

func codingReq(code, lang string) model.RecordAnswerRequest {
	return answerReq(map[string]string{"code": code, "language": lang}, model.RunTypeRun)
}

func TestAttemptsExhaustedWithoutJudgeCall(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	debug := model.DebugRunRequest{Code: "print(input())", Language: "python", Stdin: "hi"}

	for i := 1; i <= 3; i++ {
		// Debug runs interleaved with graded runs never touch the budget.
		if _, err := h.answerSvc.DebugRun(ctx, sess.ID, "stu-1", h.coding.ID, debug); err != nil {
			t.Fatalf("DebugRun: %v", err)
		}
		res, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.coding.ID, codingReq("print(2)", "py"))
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if res.Run.AttemptNumber != i || res.Run.Remaining != 3-i {
			t.Fatalf("run %d reservation = %+v", i, res.Run.Reservation)
		}
	}

	before := h.runner.testRuns.Load()
	res, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.coding.ID, codingReq("print(3)", "py"))
	if !errors.Is(err, ErrAttemptsExhausted) {
		t.Fatalf("err = %v, want ErrAttemptsExhausted", err)
	}
	if h.runner.testRuns.Load() != before {
		t.Fatalf("judge contacted after budget was spent")
	}
	if res == nil || res.Answer.Coding.Code != "print(3)" {
		t.Fatalf("answer must be saved even when the run is rejected, got %+v", res)
	}
	if h.runner.runs.Load() != 3 {
		t.Errorf("debug runs = %d, want 3", h.runner.runs.Load())
	}

	view, err := h.answerSvc.ListAttempts(ctx, sess.ID, "stu-1", h.coding.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if len(view.Attempts) != 3 || view.Remaining != 0 || view.MaxAttempts != 3 {
		t.Errorf("attempts view = %+v", view)
	}
}

func TestRunHidesPrivateTestOutput(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	h.runner.pass = 1
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	res, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.coding.ID, codingReq("x", "python"))
	if err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	if res.Run.Result.Summary.PassedCount != 1 || res.Run.Result.Summary.TotalCount != 3 {
		t.Errorf("summary = %+v", res.Run.Result.Summary)
	}
	per := res.Run.Result.PerTest
	if per[0].Stdout != "out" {
		t.Errorf("public test output hidden: %q", per[0].Stdout)
	}
	if per[1].Stdout != "" || per[2].Stdout != "" {
		t.Errorf("private test output leaked: %+v", per)
	}

	// The stored attempt keeps the full result.
	stored, _ := h.attempts.List(ctx, sess.ID, h.coding.ID)
	if len(stored) != 1 || stored[0].Result.PerTest[1].Stdout != "out" {
		t.Fatalf("stored attempts = %+v", stored)
	}

	view, err := h.answerSvc.ListAttempts(ctx, sess.ID, "stu-1", h.coding.ID)
	if err != nil {
		t.Fatalf("ListAttempts: %v", err)
	}
	if view.Attempts[0].Result.PerTest[2].Stdout != "" {
		t.Errorf("attempt history leaked private output")
	}
}

func TestUnsupportedLanguageConsumesNoAttempt(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	_, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.coding.ID, codingReq("x", "cobol"))
	if !errors.Is(err, ErrUnsupportedLanguage) {
		t.Fatalf("err = %v, want ErrUnsupportedLanguage", err)
	}
	if n, _ := h.attempts.List(ctx, sess.ID, h.coding.ID); len(n) != 0 {
		t.Errorf("attempts = %d, want 0", len(n))
	}
	if h.runner.testRuns.Load() != 0 {
		t.Errorf("judge contacted for unsupported language")
	}
}

func TestRunOnNonCodingQuestionIsSaveOnly(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	res, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.mcq.ID, answerReq("B", model.RunTypeRun))
	if err != nil {
		t.Fatalf("RecordAnswer: %v", err)
	}
	if res.Run != nil || h.runner.testRuns.Load() != 0 {
		t.Errorf("MCQ answer triggered a run")
	}
}

func TestDebugRunAfterSubmitRejected(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	if _, err := h.svc.Submit(ctx, sess.ID, "stu-1"); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err := h.answerSvc.DebugRun(ctx, sess.ID, "stu-1", h.coding.ID, model.DebugRunRequest{Code: "x", Language: "python"})
	if !errors.Is(err, ErrInvalidState) {
		t.Fatalf("err = %v, want ErrInvalidState", err)
	}
}

func TestMalformedAnswerRejected(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	_, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", h.coding.ID, model.RecordAnswerRequest{Answer: model.RawAnswer(`"just a string"`)})
	if !errors.Is(err, model.ErrMalformedAnswer) {
		t.Fatalf("err = %v, want ErrMalformedAnswer", err)
	}
}

func TestQuestionFromOtherPaperNotFound(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	other := h.mcq
	other.ID = uuid.New()
	other.PaperID = uuid.New()
	h.questions.questions[other.ID] = other

	if _, err := h.svc.RecordAnswer(ctx, sess.ID, "stu-1", other.ID, answerReq("B", "")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
