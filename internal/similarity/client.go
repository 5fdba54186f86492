package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// ErrNotConfigured is returned when no scorer URL is set.
var ErrNotConfigured = errors.New("theory scorer not configured")

const defaultTimeout = 30 * time.Second

// Options configures a Client.
type Options struct {
	URL        string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Score is the scorer's verdict for one theory answer. Marks is unclamped.
type Score struct {
	Marks      float64
	Similarity *float64
}

// Client calls an external similarity-based scorer for free-text answers.
type Client struct {
	url     string
	timeout time.Duration
	http    *http.Client
	log     zerolog.Logger
}

// NewClient creates a scorer client. An empty URL yields a client that
// always reports ErrNotConfigured.
func NewClient(opts Options, log zerolog.Logger) *Client {
	c := &Client{
		url:     opts.URL,
		timeout: opts.Timeout,
		http:    opts.HTTPClient,
		log:     log.With().Str("component", "theory_scorer").Logger(),
	}
	if c.timeout <= 0 {
		c.timeout = defaultTimeout
	}
	if c.http == nil {
		c.http = &http.Client{}
	}
	return c
}

type scoreRequest struct {
	StudentAnswer string  `json:"studentAnswer"`
	ModelAnswer   string  `json:"modelAnswer"`
	MaxMarks      float64 `json:"maxMarks"`
}

type scoreResponse struct {
	Marks      *float64 `json:"marks"`
	Score      *float64 `json:"score"`
	Similarity *float64 `json:"similarity"`
}

// Score asks the scorer to grade studentAnswer against modelAnswer.
func (c *Client) Score(ctx context.Context, studentAnswer, modelAnswer string, maxMarks float64) (Score, error) {
	if c.url == "" {
		return Score{}, ErrNotConfigured
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(scoreRequest{
		StudentAnswer: studentAnswer,
		ModelAnswer:   modelAnswer,
		MaxMarks:      maxMarks,
	})
	if err != nil {
		return Score{}, fmt.Errorf("encode score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return Score{}, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Score{}, fmt.Errorf("score request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Debug().Int("status", resp.StatusCode).Str("url", c.url).Msg("Theory scorer rejected request")
		return Score{}, fmt.Errorf("scorer returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return Score{}, fmt.Errorf("read score response: %w", err)
	}
	return parseScore(raw)
}

// parseScore accepts {marks, similarity}, {score} or a bare number.
func parseScore(raw []byte) (Score, error) {
	var bare float64
	if err := json.Unmarshal(raw, &bare); err == nil {
		return Score{Marks: bare}, nil
	}

	var out scoreResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return Score{}, fmt.Errorf("decode score response: %w", err)
	}
	switch {
	case out.Marks != nil:
		return Score{Marks: *out.Marks, Similarity: out.Similarity}, nil
	case out.Score != nil:
		return Score{Marks: *out.Score, Similarity: out.Similarity}, nil
	}
	return Score{}, errors.New("score response has no marks")
}
