package router

import (
	"fmt"
	"strings"

	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/similarity"
)

// buildPrompt renders the routing prompt: the extracted content plus the
// candidate pages, with a strict JSON-only response contract.
func buildPrompt(ext extract.Extraction, candidates []similarity.Match) string {
	var b strings.Builder

	b.WriteString("You route extracted content into a wiki. Decide whether this content should become a new page, be merged into an existing page, or be skipped.\n\n")

	b.WriteString("CONTENT TO ROUTE:\n")
	fmt.Fprintf(&b, "Title: %s\n", ext.Title)
	if ext.SourceURL != "" {
		fmt.Fprintf(&b, "Source: %s\n", ext.SourceURL)
	}
	if len(ext.Topics) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(ext.Topics, ", "))
	}
	fmt.Fprintf(&b, "Summary: %s\n", ext.Summary)

	preview := ext.Content
	if len(preview) > contentPreviewChars {
		preview = preview[:contentPreviewChars] + "..."
	}
	fmt.Fprintf(&b, "Content preview:\n%s\n\n", preview)

	if len(candidates) == 0 {
		b.WriteString("EXISTING PAGES: none are similar to this content.\n\n")
	} else {
		b.WriteString("EXISTING SIMILAR PAGES:\n")
		for i, c := range candidates {
			chunk := c.Chunk
			if len(chunk) > chunkPreviewChars {
				chunk = chunk[:chunkPreviewChars] + "..."
			}
			fmt.Fprintf(&b, "%d. %q (id: %s, slug: %s, similarity: %.0f%%)\n   %s\n",
				i+1, c.Title, c.PageID, c.Slug, c.Similarity*100, chunk)
		}
		b.WriteString("\n")
	}

	b.WriteString(`Respond with ONLY a JSON object, no prose, no code fences:
{
  "decision": "new_page" | "update_page" | "append_section" | "merge" | "skip",
  "target_page_id": "<id of an existing page, required unless new_page or skip>",
  "target_section": "<optional section heading to extend>",
  "suggested_title": "<optional better title for a new page>",
  "suggested_slug": "<optional url slug for a new page>",
  "confidence": <0.0-1.0>,
  "reasoning": "<one sentence>"
}

Rules:
- "skip" if the content adds nothing over the existing pages.
- "update_page", "append_section" or "merge" only with a target_page_id from the list above.
- "new_page" if the content covers a topic no existing page does.`)

	return b.String()
}
