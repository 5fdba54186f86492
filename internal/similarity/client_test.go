package similarity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

type roundTripperFunc func(*http.Request) (*http.Response, error)

func (f roundTripperFunc) RoundTrip(r *http.Request) (*http.Response, error) {
	return f(r)
}

func stubClient(status int, body string, seen *scoreRequest) *Client {
	return NewClient(Options{
		URL:     "http://scorer.test/score",
		Timeout: time.Second,
		HTTPClient: &http.Client{Transport: roundTripperFunc(func(r *http.Request) (*http.Response, error) {
			if seen != nil {
				_ = json.NewDecoder(r.Body).Decode(seen)
			}
			return &http.Response{
				StatusCode: status,
				Body:       io.NopCloser(bytes.NewReader([]byte(body))),
				Header:     make(http.Header),
			}, nil
		})},
	}, zerolog.Nop())
}

func TestScoreResponseShapes(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		marks   float64
		withSim bool
	}{
		{"marks and similarity", `{"marks":3.5,"similarity":0.82}`, 3.5, true},
		{"score only", `{"score":2}`, 2, false},
		{"bare number", `4.25`, 4.25, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := stubClient(http.StatusOK, tt.body, nil).Score(context.Background(), "a", "b", 5)
			if err != nil {
				t.Fatalf("Score returned error: %v", err)
			}
			if got.Marks != tt.marks {
				t.Errorf("marks = %v, want %v", got.Marks, tt.marks)
			}
			if (got.Similarity != nil) != tt.withSim {
				t.Errorf("similarity presence = %v, want %v", got.Similarity != nil, tt.withSim)
			}
		})
	}
}

func TestScoreSendsContract(t *testing.T) {
	var seen scoreRequest
	if _, err := stubClient(http.StatusOK, `{"score":1}`, &seen).Score(context.Background(), "student", "model", 5); err != nil {
		t.Fatalf("Score returned error: %v", err)
	}
	if seen.StudentAnswer != "student" || seen.ModelAnswer != "model" || seen.MaxMarks != 5 {
		t.Errorf("unexpected request %+v", seen)
	}
}

func TestScoreFailures(t *testing.T) {
	if _, err := stubClient(http.StatusInternalServerError, ``, nil).Score(context.Background(), "a", "b", 5); err == nil {
		t.Errorf("expected error for non-200 status")
	}
	if _, err := stubClient(http.StatusOK, `{"verdict":"good"}`, nil).Score(context.Background(), "a", "b", 5); err == nil {
		t.Errorf("expected error for response without marks")
	}
	if _, err := stubClient(http.StatusOK, `not-json`, nil).Score(context.Background(), "a", "b", 5); err == nil {
		t.Errorf("expected decode error")
	}
}

func TestUnconfiguredScorer(t *testing.T) {
	c := NewClient(Options{}, zerolog.Nop())
	if _, err := c.Score(context.Background(), "a", "b", 5); !errors.Is(err, ErrNotConfigured) {
		t.Fatalf("err = %v, want ErrNotConfigured", err)
	}
}
