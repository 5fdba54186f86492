package evaluation

import "testing"

func TestNormalizeOption(t *testing.T) {
	options := []string{"Paris", "London", "Berlin", "Rome"}

	tests := []struct {
		name string
		raw  string
		want string
	}{
		{"upper letter", "B", "B"},
		{"lower letter", "b", "B"},
		{"letter with paren", "b)", "B"},
		{"wrapped letter", "(c)", "C"},
		{"letter with dot", "D.", "D"},
		{"zero-based index", "1", "B"},
		{"zero index", "0", "A"},
		{"one-based last index", "4", "D"},
		{"option text", "london", "B"},
		{"option text with spaces", "  Berlin ", "C"},
		{"letter out of range", "E", ""},
		{"index out of range", "7", ""},
		{"negative index", "-1", ""},
		{"empty", "", ""},
		{"garbage", "Madrid", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeOption(tt.raw, options); got != tt.want {
				t.Errorf("NormalizeOption(%q) = %q, want %q", tt.raw, got, tt.want)
			}
		})
	}
}

func TestNormalizeOptionWithoutOptions(t *testing.T) {
	if got := NormalizeOption("c", nil); got != "C" {
		t.Errorf("letter without options = %q, want C", got)
	}
	if got := NormalizeOption("2", nil); got != "C" {
		t.Errorf("index without options = %q, want C", got)
	}
}
