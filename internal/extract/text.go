package extract

import (
	"errors"
	"strings"
	"unicode/utf8"
)

var errEmptyText = errors.New("empty text content")

// FromText extracts structure from raw submitted text. A markdown heading
// or a short period-free first line becomes the title (confidence 0.7);
// without one the text is kept as-is at confidence 0.5. The summary is the
// first paragraph, capped at 200 characters.
func FromText(content string) Extraction {
	content = strings.TrimSpace(content)
	if content == "" {
		return failure(KindText, "", errEmptyText)
	}

	title := ""
	body := content

	firstLine, rest, _ := strings.Cut(content, "\n")
	firstLine = strings.TrimSpace(firstLine)

	switch {
	case strings.HasPrefix(firstLine, "#"):
		title = strings.TrimSpace(strings.TrimLeft(firstLine, "# "))
		body = strings.TrimSpace(rest)
	case len(firstLine) <= 80 && !strings.Contains(firstLine, ".") && rest != "":
		title = firstLine
		body = strings.TrimSpace(rest)
	}

	if body == "" {
		body = content
	}

	confidence := 0.5
	if title != "" {
		confidence = 0.7
	}

	return Extraction{
		Title:      title,
		Summary:    firstParagraph(body, 200),
		Content:    body,
		Kind:       KindText,
		Confidence: confidence,
	}
}

// firstParagraph returns the first paragraph of text, capped at maxLen
// bytes. The cap lands on a rune boundary so multibyte text stays valid
// UTF-8 all the way to the database.
func firstParagraph(text string, maxLen int) string {
	text = strings.TrimSpace(text)
	if para, _, found := strings.Cut(text, "\n\n"); found {
		text = para
	}
	text = strings.TrimSpace(strings.ReplaceAll(text, "\n", " "))
	if len(text) > maxLen {
		cut := maxLen
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut]
	}
	return text
}
