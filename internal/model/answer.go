package model

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrMalformedAnswer is returned when a submitted answer cannot be decoded
// into the shape its question type requires.
var ErrMalformedAnswer = errors.New("malformed answer")

// RawAnswer is the answer exactly as it arrived on the wire.
type RawAnswer = json.RawMessage

// AnswerKind tags which variant of Answer is populated.
type AnswerKind string

const (
	AnswerKindMCQ    AnswerKind = "mcq"
	AnswerKindTheory AnswerKind = "theory"
	AnswerKindCoding AnswerKind = "coding"
)

// Answer is a tagged union over the three answer shapes. Exactly one of
// Selection, Text or Coding is meaningful, selected by Kind.
type Answer struct {
	Kind      AnswerKind    `json:"kind"`
	Selection string        `json:"selection,omitempty"`
	Text      string        `json:"text,omitempty"`
	Coding    *CodingAnswer `json:"coding,omitempty"`
}

// CodingAnswer is the saved source of a coding question.
type CodingAnswer struct {
	Code     string `json:"code"`
	Language string `json:"language"`
	Stdin    string `json:"stdin,omitempty"`
}

// selectionKeys are the object keys an MCQ answer may be wrapped in, in lookup order.
var selectionKeys = []string{"answer", "value", "selected", "option", "choice"}

const maxUnwrapDepth = 8

// DecodeAnswer converts a wire answer into the variant required by qType.
// This is the only place that inspects the arrival shape; everything
// downstream works on the typed Answer.
func DecodeAnswer(qType QuestionType, raw RawAnswer) (Answer, error) {
	switch qType {
	case QuestionTypeMCQ:
		var v any
		if err := decodeLoose(raw, &v); err != nil {
			return Answer{}, fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
		}
		return Answer{Kind: AnswerKindMCQ, Selection: unwrapSelection(v, 0)}, nil

	case QuestionTypeTheory:
		var v any
		if err := decodeLoose(raw, &v); err != nil {
			return Answer{}, fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
		}
		switch t := v.(type) {
		case string:
			return Answer{Kind: AnswerKindTheory, Text: t}, nil
		case nil:
			return Answer{Kind: AnswerKindTheory}, nil
		case map[string]any:
			for _, k := range []string{"text", "answer"} {
				if s, ok := t[k].(string); ok {
					return Answer{Kind: AnswerKindTheory, Text: s}, nil
				}
			}
		}
		return Answer{}, fmt.Errorf("%w: theory answer must be text", ErrMalformedAnswer)

	case QuestionTypeCoding:
		var ca CodingAnswer
		if err := json.Unmarshal(raw, &ca); err != nil {
			return Answer{}, fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
		}
		return Answer{Kind: AnswerKindCoding, Coding: &ca}, nil
	}
	return Answer{}, fmt.Errorf("%w: unknown question type %q", ErrMalformedAnswer, qType)
}

func decodeLoose(raw []byte, v *any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		*v = nil
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	return dec.Decode(v)
}

// UnwrapSelection flattens a stored selection such as an answer key that
// was saved as `{"answer":"B"}`. Plain strings come back trimmed.
func UnwrapSelection(s string) string {
	return unwrapSelection(s, 0)
}

// unwrapSelection flattens string, number or nested-object selections into a string.
// Unusable shapes collapse to "" and grade as incorrect.
func unwrapSelection(v any, depth int) string {
	if depth > maxUnwrapDepth {
		return ""
	}
	switch t := v.(type) {
	case string:
		s := strings.TrimSpace(t)
		if strings.HasPrefix(s, "{") {
			var inner any
			if err := decodeLoose([]byte(s), &inner); err == nil {
				return unwrapSelection(inner, depth+1)
			}
		}
		return s
	case json.Number:
		if n, err := t.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return t.String()
	case map[string]any:
		for _, k := range selectionKeys {
			if inner, ok := t[k]; ok && inner != nil {
				return unwrapSelection(inner, depth+1)
			}
		}
	case []any:
		if len(t) == 1 {
			return unwrapSelection(t[0], depth+1)
		}
	}
	return ""
}

// Hash identifies the exact source submitted for a language, so a judged
// attempt can be matched to the answer that is finally graded.
func (c CodingAnswer) Hash() string {
	sum := sha256.Sum256([]byte(c.Language + "\x00" + c.Code))
	return hex.EncodeToString(sum[:])
}
