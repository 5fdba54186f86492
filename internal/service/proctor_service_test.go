package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/model"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newProctor(h *harness) (*ProctorService, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	p := NewProctorService(ProctorConfig{Cooldown: 8 * time.Second, MaxSameAlerts: 5, RecentCap: 10}, h.sessions, h.svc, h.events, h.mirror, zerolog.Nop())
	p.now = clk.Now
	h.svc.OnClosed(p.Discard)
	return p, clk
}

func alert(t string) model.AlertSignal {
	return model.AlertSignal{AlertType: t, Issue: "detector"}
}

func TestFiveSpacedAlertsBlockSession(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, clk := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	var last model.AlertOutcome
	for i := 1; i <= 5; i++ {
		out, err := p.Record(ctx, sess.ID, "stu-1", alert(model.AlertNoFace))
		if err != nil {
			t.Fatalf("alert %d: %v", i, err)
		}
		if !out.Counted || out.Count != i {
			t.Fatalf("alert %d outcome = %+v", i, out)
		}
		last = out
		clk.Advance(9 * time.Second)
	}

	if !last.Escalated {
		t.Fatalf("fifth alert did not escalate")
	}
	if got := h.sessions.status(sess.ID); got != model.SessionStatusBlocked {
		t.Fatalf("status = %s, want BLOCKED", got)
	}
	if h.events.count(model.EventAutoSubmit) != 1 {
		t.Errorf("auto_submit events = %d, want 1", h.events.count(model.EventAutoSubmit))
	}
	if !h.mirror.expired[sess.ID] {
		t.Errorf("ledger mirror not expired after close")
	}

	if _, err := p.Record(ctx, sess.ID, "stu-1", alert(model.AlertNoFace)); !errors.Is(err, ErrInvalidState) {
		t.Errorf("alert after close err = %v, want ErrInvalidState", err)
	}
	if _, err := h.svc.Start(ctx, "stu-1", h.paperID); !errors.Is(err, ErrSessionBlocked) {
		t.Errorf("restart err = %v, want ErrSessionBlocked", err)
	}
}

func TestCooldownCollapsesBurst(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, clk := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	for i := 0; i < 50; i++ {
		if _, err := p.Record(ctx, sess.ID, "stu-1", alert(model.AlertMultipleFaces)); err != nil {
			t.Fatalf("Record: %v", err)
		}
		clk.Advance(100 * time.Millisecond)
	}

	snap, err := p.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap.Counts[model.AlertMultipleFaces] != 1 {
		t.Errorf("count = %d, want 1", snap.Counts[model.AlertMultipleFaces])
	}
	if len(snap.Recent) != 1 {
		t.Errorf("recent = %d, want 1", len(snap.Recent))
	}
}

func TestCooldownIsPerType(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, _ := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	a, _ := p.Record(ctx, sess.ID, "stu-1", alert(model.AlertNoFace))
	b, _ := p.Record(ctx, sess.ID, "stu-1", alert(model.AlertLoudVoice))
	if !a.Counted || !b.Counted {
		t.Fatalf("different types must not share a cooldown: %+v %+v", a, b)
	}
}

func TestConcurrentThresholdEscalatesOnce(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, clk := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	past := clk.Now().Add(-time.Minute)
	h.mirror.states[sess.ID] = &model.LedgerState{
		Counts:      map[string]int{model.AlertNoFace: 4, model.AlertTabSwitch: 4},
		LastFiredAt: map[string]time.Time{model.AlertNoFace: past, model.AlertTabSwitch: past},
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		escalated int
	)
	for _, typ := range []string{model.AlertNoFace, model.AlertTabSwitch} {
		for i := 0; i < 4; i++ {
			wg.Add(1)
			go func(typ string) {
				defer wg.Done()
				out, err := p.Record(ctx, sess.ID, "stu-1", alert(typ))
				if err != nil && !errors.Is(err, ErrInvalidState) {
					t.Errorf("Record: %v", err)
				}
				if out.Escalated {
					mu.Lock()
					escalated++
					mu.Unlock()
				}
			}(typ)
		}
	}
	wg.Wait()

	if escalated != 1 {
		t.Errorf("escalations = %d, want 1", escalated)
	}
	if h.sessions.markCalls.Load() != 1 {
		t.Errorf("MarkEvaluated calls = %d, want 1", h.sessions.markCalls.Load())
	}
	if h.events.count(model.EventAutoSubmit) != 1 {
		t.Errorf("auto_submit events = %d, want 1", h.events.count(model.EventAutoSubmit))
	}
}

func TestDetectorStateLatch(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, clk := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	on := model.DetectorState{AlertType: model.AlertHandObstruction, Violating: true}
	off := model.DetectorState{AlertType: model.AlertHandObstruction}

	for i := 0; i < 30; i++ {
		if _, err := p.ObserveState(ctx, sess.ID, "stu-1", on); err != nil {
			t.Fatalf("ObserveState: %v", err)
		}
		clk.Advance(time.Second)
	}
	out, _ := p.ObserveState(ctx, sess.ID, "stu-1", on)
	if out.Count != 1 {
		t.Fatalf("sustained violation counted %d times, want 1", out.Count)
	}

	p.ObserveState(ctx, sess.ID, "stu-1", off)
	out, _ = p.ObserveState(ctx, sess.ID, "stu-1", on)
	if !out.Counted || out.Count != 2 {
		t.Fatalf("new episode outcome = %+v, want second count", out)
	}
}

func TestDetectorStateInsideCooldownCountsLater(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, clk := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	if out, _ := p.Record(ctx, sess.ID, "stu-1", alert(model.AlertNoFace)); !out.Counted {
		t.Fatalf("first alert not counted")
	}

	on := model.DetectorState{AlertType: model.AlertNoFace, Violating: true}
	clk.Advance(2 * time.Second)
	if out, _ := p.ObserveState(ctx, sess.ID, "stu-1", on); out.Counted {
		t.Fatalf("reading inside cooldown was counted")
	}
	clk.Advance(7 * time.Second)
	if out, _ := p.ObserveState(ctx, sess.ID, "stu-1", on); !out.Counted || out.Count != 2 {
		t.Fatalf("reading after cooldown outcome = %+v", out)
	}
}

func TestRecentLogIsCapped(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, clk := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	types := make([]string, 12)
	for i := range types {
		types[i] = "custom_" + string(rune('a'+i))
		if _, err := p.Record(ctx, sess.ID, "stu-1", alert(types[i])); err != nil {
			t.Fatalf("Record: %v", err)
		}
		clk.Advance(time.Second)
	}

	snap, _ := p.Snapshot(ctx, sess.ID)
	if len(snap.Recent) != 10 {
		t.Fatalf("recent = %d, want 10", len(snap.Recent))
	}
	if snap.Recent[0].Type != types[11] || snap.Recent[9].Type != types[2] {
		t.Errorf("recent not newest first: first=%s last=%s", snap.Recent[0].Type, snap.Recent[9].Type)
	}
	if len(h.mirror.states[sess.ID].Recent) != 10 {
		t.Errorf("mirror recent = %d, want 10", len(h.mirror.states[sess.ID].Recent))
	}
}

func TestLedgerRehydratesFromMirror(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	// A fresh aggregator stands in for a restarted process.
	p, clk := newProctor(h)
	h.mirror.states[sess.ID] = &model.LedgerState{
		Counts:      map[string]int{model.AlertNoFace: 4},
		LastFiredAt: map[string]time.Time{model.AlertNoFace: clk.Now().Add(-3 * time.Second)},
		Recent:      []model.AlertEntry{{Type: model.AlertNoFace}},
	}

	out, _ := p.Record(ctx, sess.ID, "stu-1", alert(model.AlertNoFace))
	if out.Counted {
		t.Fatalf("restored cooldown ignored: %+v", out)
	}
	clk.Advance(6 * time.Second)
	out, err := p.Record(ctx, sess.ID, "stu-1", alert(model.AlertNoFace))
	if err != nil {
		t.Fatalf("Record: %v", err)
	}
	if out.Count != 5 || !out.Escalated {
		t.Fatalf("outcome = %+v, want count 5 and escalation", out)
	}
}

func TestResetKeepsBlock(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, clk := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	for i := 0; i < 5; i++ {
		p.Record(ctx, sess.ID, "stu-1", alert(model.AlertVoiceNoFace))
		clk.Advance(10 * time.Second)
	}
	if err := p.Reset(ctx, sess.ID); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	snap, err := p.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Counts) != 0 {
		t.Errorf("counts after reset = %v", snap.Counts)
	}
	if got := h.sessions.status(sess.ID); got != model.SessionStatusBlocked {
		t.Errorf("status = %s, want BLOCKED", got)
	}
	if _, err := h.svc.Start(ctx, "stu-1", h.paperID); !errors.Is(err, ErrSessionBlocked) {
		t.Errorf("restart err = %v, want ErrSessionBlocked", err)
	}
}

func TestResetRefusedWhileLive(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, clk := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	for i := 0; i < 3; i++ {
		p.Record(ctx, sess.ID, "stu-1", alert(model.AlertNoFace))
		clk.Advance(10 * time.Second)
	}
	if err := p.Reset(ctx, sess.ID); !errors.Is(err, ErrInvalidState) {
		t.Fatalf("Reset err = %v, want ErrInvalidState", err)
	}

	var last model.AlertOutcome
	for i := 0; i < 2; i++ {
		last, _ = p.Record(ctx, sess.ID, "stu-1", alert(model.AlertNoFace))
		clk.Advance(10 * time.Second)
	}
	if last.Count != 5 || !last.Escalated {
		t.Errorf("after refused reset: count = %d escalated = %v, want 5 true", last.Count, last.Escalated)
	}
	if got := h.sessions.status(sess.ID); got != model.SessionStatusBlocked {
		t.Errorf("status = %s, want BLOCKED", got)
	}
}

func TestSessionEventNamesAreNotAlerts(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, _ := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	for _, name := range model.LifecycleEvents {
		if _, err := p.Record(ctx, sess.ID, "stu-1", alert(name)); !errors.Is(err, ErrReservedAlertType) {
			t.Errorf("Record(%s) err = %v, want ErrReservedAlertType", name, err)
		}
		ds := model.DetectorState{AlertType: name, Violating: true}
		if _, err := p.ObserveState(ctx, sess.ID, "stu-1", ds); !errors.Is(err, ErrReservedAlertType) {
			t.Errorf("ObserveState(%s) err = %v, want ErrReservedAlertType", name, err)
		}
	}
	snap, err := p.Snapshot(ctx, sess.ID)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.Counts) != 0 {
		t.Errorf("counts = %v, want none", snap.Counts)
	}
}

func TestEmitFailureDoesNotBlockEscalation(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, clk := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)
	h.events.err = errBoom

	var last model.AlertOutcome
	for i := 0; i < 5; i++ {
		out, err := p.Record(ctx, sess.ID, "stu-1", alert(model.AlertNoFace))
		if err != nil {
			t.Fatalf("Record: %v", err)
		}
		last = out
		clk.Advance(9 * time.Second)
	}
	if !last.Escalated {
		t.Fatalf("escalation skipped when event emit fails")
	}
	if got := h.sessions.status(sess.ID); got != model.SessionStatusBlocked {
		t.Errorf("status = %s, want BLOCKED", got)
	}
}

func TestAlertFromOtherStudentForbidden(t *testing.T) {
	h := newHarness(&countingEvaluator{})
	p, _ := newProctor(h)
	ctx := context.Background()
	sess, _ := h.svc.Start(ctx, "stu-1", h.paperID)

	if _, err := p.Record(ctx, sess.ID, "stu-2", alert(model.AlertNoFace)); !errors.Is(err, ErrForbidden) {
		t.Errorf("err = %v, want ErrForbidden", err)
	}
	if _, err := p.Record(ctx, uuid.New(), "stu-1", alert(model.AlertNoFace)); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
