package judge

import (
	"strings"
)

// aliases maps accepted spellings to the judge's canonical language name.
var aliases = map[string]string{
	"js":         "javascript",
	"javascript": "javascript",
	"node":       "javascript",
	"nodejs":     "javascript",
	"ts":         "typescript",
	"typescript": "typescript",
	"py":         "python",
	"py3":        "python",
	"python":     "python",
	"python3":    "python",
	"c":          "c",
	"c++":        "cpp",
	"cpp":        "cpp",
	"cxx":        "cpp",
	"java":       "java",
	"go":         "go",
	"golang":     "go",
	"rs":         "rust",
	"rust":       "rust",
	"cs":         "csharp",
	"c#":         "csharp",
	"csharp":     "csharp",
	"kt":         "kotlin",
	"kotlin":     "kotlin",
	"rb":         "ruby",
	"ruby":       "ruby",
	"php":        "php",
	"swift":      "swift",
	"sh":         "bash",
	"bash":       "bash",
}

// NormalizeLanguage returns the canonical judge language for lang.
// The lookup is case-insensitive and ignores surrounding whitespace.
func NormalizeLanguage(lang string) (string, bool) {
	canonical, ok := aliases[strings.ToLower(strings.TrimSpace(lang))]
	return canonical, ok
}

// IsSupported reports whether lang normalizes to a known judge language.
func IsSupported(lang string) bool {
	_, ok := NormalizeLanguage(lang)
	return ok
}
