package wiki

import (
	"strings"
	"testing"
)

func TestSlugify(t *testing.T) {
	tests := []struct {
		name  string
		title string
		want  string
	}{
		{"simple", "Hello World", "hello-world"},
		{"already lowercase", "hello", "hello"},
		{"punctuation collapses", "Go 1.22: What's New?", "go-1-22-what-s-new"},
		{"leading and trailing symbols", "  ---Hello---  ", "hello"},
		{"unicode stripped", "Café résumé", "caf-r-sum"},
		{"empty", "", "untitled"},
		{"only symbols", "!!!???", "untitled"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Slugify(tt.title); got != tt.want {
				t.Errorf("Slugify(%q) = %q, want %q", tt.title, got, tt.want)
			}
		})
	}
}

func TestSlugify_LengthCap(t *testing.T) {
	long := strings.Repeat("word ", 50)
	got := Slugify(long)
	if len(got) > maxSlugLength {
		t.Errorf("slug length %d exceeds cap %d", len(got), maxSlugLength)
	}
	if strings.HasSuffix(got, "-") || strings.HasPrefix(got, "-") {
		t.Errorf("truncated slug has dangling hyphen: %q", got)
	}
}
