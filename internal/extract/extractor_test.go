package extract

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/entropywiki/entropy/internal/log"
)

func newTestExtractor(t *testing.T) *Extractor {
	t.Helper()
	return New(Options{
		Timeout:    2 * time.Second,
		RatePerSec: 100, // don't slow tests down
	}, log.NewNop())
}

func TestExtract_TextSource(t *testing.T) {
	x := newTestExtractor(t)

	got := x.Extract(context.Background(), "text", "", "# Notes\n\nSome notes.")
	if got.Kind != KindText {
		t.Errorf("Kind = %q, want %q", got.Kind, KindText)
	}
	if got.Title != "Notes" {
		t.Errorf("Title = %q", got.Title)
	}
}

func TestExtract_FileSourceUsesTextPath(t *testing.T) {
	x := newTestExtractor(t)

	got := x.Extract(context.Background(), "file", "", "plain file content here.")
	if got.Kind != KindText {
		t.Errorf("Kind = %q, want %q", got.Kind, KindText)
	}
	if got.Failed() {
		t.Error("expected usable extraction for non-empty file content")
	}
}

func TestExtract_BlockedURLFailsClosed(t *testing.T) {
	x := newTestExtractor(t)

	got := x.Extract(context.Background(), "url", "http://169.254.169.254/latest/meta-data/", "")
	if !got.Failed() {
		t.Fatalf("expected failed extraction for metadata endpoint, got confidence %f", got.Confidence)
	}
	if got.Entities["error"] == "" {
		t.Error("expected error recorded in entities")
	}
}

func TestExtract_InvalidSchemeFailsClosed(t *testing.T) {
	x := newTestExtractor(t)

	got := x.Extract(context.Background(), "url", "file:///etc/passwd", "")
	if !got.Failed() {
		t.Fatalf("expected failed extraction for file scheme, got confidence %f", got.Confidence)
	}
}

func TestSplitGitHubPath(t *testing.T) {
	segs, err := splitGitHubPath("https://github.com/golang/go/blob/master/src/net/http/server.go")
	if err != nil {
		t.Fatalf("splitGitHubPath failed: %v", err)
	}
	if segs[0] != "golang" || segs[1] != "go" || segs[2] != "blob" {
		t.Errorf("unexpected segments: %v", segs)
	}

	if _, err := splitGitHubPath("https://github.com/onlyowner"); err == nil {
		t.Error("expected error for URL without repo segment")
	}
}

func TestFileContent(t *testing.T) {
	tests := []struct {
		name        string
		path        string
		body        string
		wantContent string
		wantTopic   string
	}{
		{"markdown kept raw", "docs/guide.md", "# Guide", "# Guide", "md"},
		{"long markdown ext", "notes.markdown", "notes", "notes", "markdown"},
		{"source file fenced", "src/main.go", "package main", "```go\npackage main\n```", "go"},
		{"no extension fenced", "Makefile", "all:", "```\nall:\n```", "file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content, topics := fileContent(tt.path, tt.body)
			if content != tt.wantContent {
				t.Errorf("content = %q, want %q", content, tt.wantContent)
			}
			if len(topics) != 1 || topics[0] != tt.wantTopic {
				t.Errorf("topics = %v, want [%s]", topics, tt.wantTopic)
			}
		})
	}
}

func TestStripTags(t *testing.T) {
	got := stripTags(`<blockquote><p>Hello <a href="#">world</a></p></blockquote>`)
	for _, want := range []string{"Hello", "world"} {
		if !strings.Contains(got, want) {
			t.Errorf("stripTags output %q missing %q", got, want)
		}
	}
	if strings.Contains(got, "<") {
		t.Errorf("stripTags left markup in %q", got)
	}
}
