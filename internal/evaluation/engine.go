package evaluation

import (
	"context"
	"errors"
	"math"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/judge"
	"github.com/stemsi/exproctor-backend/internal/model"
	"github.com/stemsi/exproctor-backend/internal/similarity"
)

const (
	remarkNoRunner        = "No runner available; coding answer scored 0."
	remarkSomeTestsFailed = "Some test cases failed. Check output and constraints."
	remarkNoTests         = "Question has no test cases."
	remarkLanguage        = "Language not allowed for this question."
	remarkTheoryZero      = "Answer did not match model or was partially incorrect."
	remarkNoScorer        = "Theory scorer unavailable; answer scored 0."
)

// Judge runs coding answers against test cases.
type Judge interface {
	RunTests(ctx context.Context, sub judge.Submission, tests []model.TestCase, mode model.CompareMode) model.JudgeResult
}

// TheoryScorer grades free-text answers against a model answer.
type TheoryScorer interface {
	Score(ctx context.Context, studentAnswer, modelAnswer string, maxMarks float64) (similarity.Score, error)
}

// Engine scores a session's answers. It never fails: collaborator outages
// degrade to zero marks with remarks.
type Engine struct {
	judge  Judge
	scorer TheoryScorer
	log    zerolog.Logger
	now    func() time.Time
}

// NewEngine creates an evaluation engine.
func NewEngine(j Judge, scorer TheoryScorer, log zerolog.Logger) *Engine {
	return &Engine{
		judge:  j,
		scorer: scorer,
		log:    log.With().Str("component", "evaluation_engine").Logger(),
		now:    time.Now,
	}
}

// Evaluate grades every answered question of the session. Questions without
// an answer, and answers whose question is not on the paper, are skipped.
func (e *Engine) Evaluate(ctx context.Context, sessionID uuid.UUID, questions []model.Question, answers map[uuid.UUID]model.AnswerRecord) model.EvaluationResult {
	ordered := slices.Clone(questions)
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].OrderNum < ordered[j].OrderNum })

	res := model.EvaluationResult{
		SessionID:        sessionID,
		QuestionFeedback: make([]model.QuestionFeedback, 0, len(answers)),
	}

	for i := range ordered {
		q := &ordered[i]
		rec, ok := answers[q.ID]
		if !ok {
			continue
		}

		var fb model.QuestionFeedback
		switch q.Type {
		case model.QuestionTypeMCQ:
			fb = e.gradeMCQ(q, rec.Answer)
			res.TotalMCQQuestions++
			res.MCQScore += fb.MarksAwarded
		case model.QuestionTypeTheory:
			fb = e.gradeTheory(ctx, q, rec.Answer)
			res.TotalTheoryQuestions++
			res.TheoryScore += fb.MarksAwarded
		case model.QuestionTypeCoding:
			fb = e.gradeCoding(ctx, q, rec)
			res.TotalCodingQuestions++
			res.CodingScore += fb.MarksAwarded
		default:
			continue
		}
		res.QuestionFeedback = append(res.QuestionFeedback, fb)
	}

	res.MCQScore = round2(res.MCQScore)
	res.TheoryScore = round2(res.TheoryScore)
	res.CodingScore = round2(res.CodingScore)
	res.TotalScore = round2(res.MCQScore + res.TheoryScore + res.CodingScore)
	res.EvaluatedAt = e.now().UTC()

	e.log.Info().
		Str("session_id", sessionID.String()).
		Float64("total_score", res.TotalScore).
		Int("graded", len(res.QuestionFeedback)).
		Msg("Session evaluated")

	return res
}

func (e *Engine) gradeMCQ(q *model.Question, ans model.Answer) model.QuestionFeedback {
	fb := feedbackFor(q)
	want := NormalizeOption(model.UnwrapSelection(q.CorrectAnswer), q.Options)
	got := NormalizeOption(ans.Selection, q.Options)
	if want != "" && want == got {
		fb.MarksAwarded = q.Marks
	}
	return fb
}

func (e *Engine) gradeTheory(ctx context.Context, q *model.Question, ans model.Answer) model.QuestionFeedback {
	fb := feedbackFor(q)
	if ans.Text == "" {
		fb.Remarks = remarkTheoryZero
		return fb
	}

	score, err := e.scorer.Score(ctx, ans.Text, q.TheoryAnswer, q.Marks)
	if err != nil {
		if !errors.Is(err, similarity.ErrNotConfigured) {
			e.log.Warn().Err(err).Str("question_id", q.ID.String()).Msg("Theory scorer failed, awarding 0")
		}
		fb.Remarks = remarkNoScorer
		return fb
	}

	fb.MarksAwarded = round2(clamp(score.Marks, 0, q.Marks))
	fb.Similarity = score.Similarity
	if fb.MarksAwarded == 0 {
		fb.Remarks = remarkTheoryZero
	}
	return fb
}

func (e *Engine) gradeCoding(ctx context.Context, q *model.Question, rec model.AnswerRecord) model.QuestionFeedback {
	fb := feedbackFor(q)
	cfg := q.Coding
	if cfg == nil {
		cfg = &model.CodingConfig{}
	}
	tests := cfg.TestCases

	var ans model.CodingAnswer
	if rec.Answer.Coding != nil {
		ans = *rec.Answer.Coding
	}
	lang := ResolveLanguage(ans.Language, cfg)
	cr := &model.CodingResult{TotalCount: len(tests), Language: lang, Details: []model.TestResult{}}
	fb.CodingResult = cr

	if len(tests) == 0 {
		fb.Remarks = remarkNoTests
		return fb
	}
	if len(cfg.AllowedLanguages) > 0 && !languageAllowed(lang, cfg.AllowedLanguages) {
		fb.Remarks = remarkLanguage
		return fb
	}

	result, reused := e.reusableAttempt(rec.Attempts, lang, ans.Code, len(tests))
	if !reused {
		result = e.judge.RunTests(ctx, judge.Submission{
			Language:      lang,
			Code:          ans.Code,
			TimeLimitMs:   cfg.TimeLimitMs,
			MemoryLimitMB: cfg.MemoryLimitMB,
		}, tests, cfg.CompareMode)
	}
	cr.Reused = reused
	cr.Details = result.PerTest

	if result.Unreachable {
		fb.Remarks = remarkNoRunner
		return fb
	}

	cr.PassedCount = result.Summary.PassedCount
	fb.MarksAwarded = round2(clamp(codingMarks(q.Marks, cfg, result), 0, q.Marks))
	if fb.MarksAwarded < q.Marks {
		fb.Remarks = remarkSomeTestsFailed
	}
	return fb
}

// reusableAttempt returns the latest graded run of exactly this source, if any.
func (e *Engine) reusableAttempt(attempts []model.CodeRunAttempt, lang, code string, total int) (model.JudgeResult, bool) {
	hash := model.CodingAnswer{Language: lang, Code: code}.Hash()
	for i := len(attempts) - 1; i >= 0; i-- {
		a := attempts[i]
		if a.CodeHash != hash || a.Result.Unreachable || a.Result.Summary.TotalCount != total {
			continue
		}
		if a.Result.Status != model.JudgeStatusSuccess && a.Result.Status != model.JudgeStatusFailed {
			continue
		}
		return a.Result, true
	}
	return model.JudgeResult{}, false
}

// codingMarks is the weighted sum of passed test scores when any test declares
// a score (undeclared scores count 1), otherwise maxMarks scaled by the pass ratio.
func codingMarks(maxMarks float64, cfg *model.CodingConfig, result model.JudgeResult) float64 {
	total := len(cfg.TestCases)
	if total == 0 {
		return 0
	}
	if !cfg.Weighted() {
		return maxMarks * float64(result.Summary.PassedCount) / float64(total)
	}
	var marks float64
	for _, r := range result.PerTest {
		if !r.Passed || r.Index < 0 || r.Index >= total {
			continue
		}
		if s := cfg.TestCases[r.Index].Score; s != nil {
			marks += *s
		} else {
			marks++
		}
	}
	return marks
}

// ResolveLanguage picks the answer's language, falling back to the question's
// default and then its first allowed language. The result is normalized when
// the judge knows the language.
func ResolveLanguage(lang string, cfg *model.CodingConfig) string {
	if lang == "" && cfg != nil {
		lang = cfg.DefaultLanguage
		if lang == "" && len(cfg.AllowedLanguages) > 0 {
			lang = cfg.AllowedLanguages[0]
		}
	}
	if canonical, ok := judge.NormalizeLanguage(lang); ok {
		return canonical
	}
	return lang
}

func languageAllowed(lang string, allowed []string) bool {
	for _, a := range allowed {
		if canonical, ok := judge.NormalizeLanguage(a); ok && canonical == lang {
			return true
		}
	}
	return false
}

func feedbackFor(q *model.Question) model.QuestionFeedback {
	return model.QuestionFeedback{
		QuestionID:   q.ID,
		QuestionType: q.Type,
		MaxMarks:     q.Marks,
	}
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
