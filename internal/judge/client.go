package judge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exproctor-backend/internal/model"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const (
	defaultTimeout     = 30 * time.Second
	runtimesTTL        = 10 * time.Minute
	maxResponseBytes   = 1 << 20
	maxStoredOutput    = 16 << 10
	anyVersion         = "*"
	defaultConcurrency = 4
)

// Options configures a Client.
type Options struct {
	BaseURL     string
	Timeout     time.Duration
	Concurrency int
	HTTPClient  *http.Client
}

// Submission is one unit of code to execute.
type Submission struct {
	Language      string
	Code          string
	TimeLimitMs   int
	MemoryLimitMB int
	// Timeout bounds the whole call. Zero uses the client default.
	Timeout time.Duration
}

// Client talks to a Piston-compatible code execution service.
// It never returns errors: every judge-side failure is folded into a failed
// JudgeResult with Unreachable set and a diagnostic in stderr.
type Client struct {
	baseURL     string
	timeout     time.Duration
	concurrency int
	http        *http.Client
	log         zerolog.Logger

	mu          sync.Mutex
	runtimes    map[string]string
	runtimesAge time.Time
	refresh     singleflight.Group
}

// NewClient creates a judge client.
func NewClient(opts Options, log zerolog.Logger) *Client {
	c := &Client{
		baseURL:     strings.TrimRight(opts.BaseURL, "/"),
		timeout:     opts.Timeout,
		concurrency: opts.Concurrency,
		http:        opts.HTTPClient,
		log:         log.With().Str("component", "judge_client").Logger(),
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.concurrency <= 0 {
		c.concurrency = defaultConcurrency
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

type executeFile struct {
	Content string `json:"content"`
}

type executeRequest struct {
	Language       string        `json:"language"`
	Version        string        `json:"version"`
	Files          []executeFile `json:"files"`
	Stdin          string        `json:"stdin"`
	RunTimeout     int           `json:"run_timeout,omitempty"`
	RunMemoryLimit int64         `json:"run_memory_limit,omitempty"`
}

type stageResult struct {
	Stdout   string  `json:"stdout"`
	Stderr   string  `json:"stderr"`
	Code     *int    `json:"code"`
	Signal   *string `json:"signal"`
	Time     float64 `json:"time"`
	WallTime float64 `json:"wall_time"`
	Memory   float64 `json:"memory"`
}

type executeResponse struct {
	Run     *stageResult `json:"run"`
	Compile *stageResult `json:"compile"`
	Message string       `json:"message"`
}

type runtimeEntry struct {
	Language string   `json:"language"`
	Version  string   `json:"version"`
	Aliases  []string `json:"aliases"`
}

// Run executes code once against stdin. Used for debug runs; the result is
// never graded.
func (c *Client) Run(ctx context.Context, sub Submission, stdin string) model.JudgeResult {
	lang, ok := NormalizeLanguage(sub.Language)
	if !ok {
		return failedResult(1, fmt.Sprintf("unsupported language %q", sub.Language))
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout(sub))
	defer cancel()

	version := c.version(ctx, lang)
	out, err := c.execute(ctx, lang, version, sub, stdin)
	if err != nil {
		c.log.Warn().Err(err).Str("language", lang).Msg("Debug run failed")
		return failedResult(1, err.Error())
	}

	tr := toTestResult(0, out)
	return model.JudgeResult{
		Status:  model.JudgeStatusDebug,
		Summary: model.JudgeSummary{PassedCount: 0, TotalCount: 1},
		PerTest: []model.TestResult{tr},
	}
}

// RunTests executes code against every test case, in parallel up to the
// configured concurrency, and compares each stdout under mode.
func (c *Client) RunTests(ctx context.Context, sub Submission, tests []model.TestCase, mode model.CompareMode) model.JudgeResult {
	total := len(tests)
	lang, ok := NormalizeLanguage(sub.Language)
	if !ok {
		return failedResult(total, fmt.Sprintf("unsupported language %q", sub.Language))
	}
	if total == 0 {
		return model.JudgeResult{Status: model.JudgeStatusSuccess, PerTest: []model.TestResult{}}
	}

	ctx, cancel := context.WithTimeout(ctx, c.callTimeout(sub))
	defer cancel()

	version := c.version(ctx, lang)

	results := make([]model.TestResult, total)
	errs := make([]error, total)

	var g errgroup.Group
	g.SetLimit(c.concurrency)
	for i, tc := range tests {
		g.Go(func() error {
			out, err := c.execute(ctx, lang, version, sub, tc.Input)
			if err != nil {
				errs[i] = err
				return nil
			}
			tr := toTestResult(i, out)
			tr.Passed = out.compiled() && OutputMatches(mode, out.Run.Stdout, tc.ExpectedOutput)
			results[i] = tr
			return nil
		})
	}
	_ = g.Wait()

	for i, err := range errs {
		if err != nil {
			c.log.Warn().Err(err).
				Str("language", lang).
				Int("test_index", i).
				Msg("Judge unavailable, discarding partial results")
			return failedResult(total, err.Error())
		}
	}

	passed := 0
	for _, r := range results {
		if r.Passed {
			passed++
		}
	}
	status := model.JudgeStatusFailed
	if passed == total {
		status = model.JudgeStatusSuccess
	}
	return model.JudgeResult{
		Status:  status,
		Summary: model.JudgeSummary{PassedCount: passed, TotalCount: total},
		PerTest: results,
	}
}

func (c *Client) callTimeout(sub Submission) time.Duration {
	if sub.Timeout > 0 && sub.Timeout < c.timeout {
		return sub.Timeout
	}
	return c.timeout
}

func (c *Client) execute(ctx context.Context, lang, version string, sub Submission, stdin string) (*executeResponse, error) {
	payload := executeRequest{
		Language:   lang,
		Version:    version,
		Files:      []executeFile{{Content: sub.Code}},
		Stdin:      stdin,
		RunTimeout: sub.TimeLimitMs,
	}
	if sub.MemoryLimitMB > 0 {
		payload.RunMemoryLimit = int64(sub.MemoryLimitMB) << 20
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("judge timed out: %w", ctx.Err())
		}
		return nil, fmt.Errorf("judge request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read judge response: %w", err)
	}

	var out executeResponse
	if resp.StatusCode != http.StatusOK {
		_ = json.Unmarshal(raw, &out)
		if out.Message != "" {
			return nil, fmt.Errorf("judge returned status %d: %s", resp.StatusCode, out.Message)
		}
		return nil, fmt.Errorf("judge returned status %d", resp.StatusCode)
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode judge response: %w", err)
	}
	if out.Run == nil && out.Compile == nil {
		return nil, fmt.Errorf("judge response has no run section")
	}
	return &out, nil
}

// version resolves the runtime version for lang from the judge's runtime
// table, refreshed at most every runtimesTTL. Concurrent refreshes share one
// fetch, and a caller whose ctx ends first uses what is cached. Any failure
// falls back to "*".
func (c *Client) version(ctx context.Context, lang string) string {
	c.mu.Lock()
	table := c.runtimes
	stale := table == nil || time.Since(c.runtimesAge) > runtimesTTL
	c.mu.Unlock()

	if stale {
		ch := c.refresh.DoChan("runtimes", func() (any, error) {
			fresh, err := c.fetchRuntimes(context.WithoutCancel(ctx))
			if err != nil {
				return nil, err
			}
			c.mu.Lock()
			c.runtimes = fresh
			c.runtimesAge = time.Now()
			c.mu.Unlock()
			return fresh, nil
		})
		select {
		case res := <-ch:
			if res.Err != nil {
				c.log.Debug().Err(res.Err).Msg("Runtime table unavailable, using wildcard version")
			} else {
				table = res.Val.(map[string]string)
			}
		case <-ctx.Done():
		}
	}
	if v, ok := table[lang]; ok {
		return v
	}
	return anyVersion
}

func (c *Client) fetchRuntimes(ctx context.Context) (map[string]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/runtimes", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("runtimes returned status %d", resp.StatusCode)
	}

	var entries []runtimeEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&entries); err != nil {
		return nil, fmt.Errorf("decode runtimes: %w", err)
	}

	table := make(map[string]string, len(entries))
	for _, e := range entries {
		if canonical, ok := NormalizeLanguage(e.Language); ok {
			if _, seen := table[canonical]; !seen {
				table[canonical] = e.Version
			}
		}
	}
	return table, nil
}

func (r *executeResponse) compiled() bool {
	return r.Compile == nil || r.Compile.Code == nil || *r.Compile.Code == 0
}

func toTestResult(index int, out *executeResponse) model.TestResult {
	if !out.compiled() {
		return model.TestResult{
			Index:  index,
			Stdout: truncate(out.Compile.Stdout),
			Stderr: truncate(out.Compile.Stderr),
		}
	}
	run := out.Run
	if run == nil {
		run = &stageResult{}
	}
	stderr := run.Stderr
	if run.Signal != nil && *run.Signal != "" && stderr == "" {
		stderr = "process terminated by " + *run.Signal
	}
	elapsed := run.Time
	if elapsed == 0 {
		elapsed = run.WallTime
	}
	return model.TestResult{
		Index:    index,
		Stdout:   truncate(run.Stdout),
		Stderr:   truncate(stderr),
		TimeMs:   elapsed,
		MemoryMB: run.Memory / (1 << 20),
	}
}

// failedResult is the normalized outcome of a judge-side failure.
func failedResult(total int, diagnostic string) model.JudgeResult {
	per := make([]model.TestResult, total)
	for i := range per {
		per[i] = model.TestResult{Index: i, Stderr: diagnostic}
	}
	return model.JudgeResult{
		Status:      model.JudgeStatusFailed,
		Summary:     model.JudgeSummary{PassedCount: 0, TotalCount: total},
		PerTest:     per,
		Unreachable: true,
	}
}

func truncate(s string) string {
	if len(s) <= maxStoredOutput {
		return s
	}
	return s[:maxStoredOutput]
}
