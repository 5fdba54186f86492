package evaluation

import (
	"strconv"
	"strings"
)

// NormalizeOption maps an MCQ answer to its canonical option letter ("A", "B", ...).
// It accepts a letter (any case, optionally written "b)", "(b)" or "b."), the
// full option text, or a numeric index. A number n is read as zero-based when
// 0 <= n < len(options) and as one-based when n == len(options). Anything else
// normalizes to "", which never matches.
func NormalizeOption(raw string, options []string) string {
	s := strings.TrimSpace(raw)
	if s == "" {
		return ""
	}

	if letter, ok := asLetter(s, len(options)); ok {
		return letter
	}

	for i, opt := range options {
		if strings.EqualFold(strings.TrimSpace(opt), s) {
			return letterAt(i)
		}
	}

	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case len(options) == 0 && n >= 0 && n < 26:
			return letterAt(n)
		case n >= 0 && n < len(options):
			return letterAt(n)
		case n > 0 && n == len(options):
			return letterAt(n - 1)
		}
	}
	return ""
}

func asLetter(s string, optionCount int) (string, bool) {
	s = strings.TrimPrefix(s, "(")
	s = strings.TrimRight(s, ").")
	s = strings.TrimSpace(s)
	if len(s) != 1 {
		return "", false
	}
	c := s[0]
	if c >= 'a' && c <= 'z' {
		c -= 'a' - 'A'
	}
	if c < 'A' || c > 'Z' {
		return "", false
	}
	if optionCount > 0 && int(c-'A') >= optionCount {
		return "", false
	}
	return string(c), true
}

func letterAt(i int) string {
	return string(rune('A' + i))
}
