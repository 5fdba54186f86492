package judge

import (
	"strings"

	"github.com/stemsi/exproctor-backend/internal/model"
)

// OutputMatches compares program output against the expected output under mode.
// An empty mode compares trimmed output.
func OutputMatches(mode model.CompareMode, got, want string) bool {
	switch mode {
	case model.CompareExact:
		return got == want
	case model.CompareIgnoreCase:
		return strings.EqualFold(normalizeOutput(got), normalizeOutput(want))
	default:
		return normalizeOutput(got) == normalizeOutput(want)
	}
}

func normalizeOutput(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\r\n", "\n"))
}
