package integrate

import (
	"fmt"
	"strings"

	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/router"
)

const fallbackSectionHeading = "## Additional Information"

// buildComposePrompt asks the model to turn a raw extraction into a clean
// wiki page body for the given title.
func buildComposePrompt(title string, ext extract.Extraction) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Rewrite the extracted content below as a wiki page titled %q.\n\n", title)
	b.WriteString("## Extracted content\n\n")
	b.WriteString(formatExtraction(ext))
	b.WriteString("\n\nRules:\n")
	b.WriteString("- Respond with ONLY the page body in markdown, no code fences.\n")
	b.WriteString("- Organize the content into sections where that helps; do not pad it.\n")
	b.WriteString("- Do not invent facts that are not in the extracted content.\n")
	b.WriteString("- End the page with the source attribution line if one is present.\n")

	return b.String()
}

// buildMergePrompt instructs the model to produce the complete merged
// document, not a diff, so the response can replace the page wholesale.
func buildMergePrompt(existing string, ext extract.Extraction, d router.Decision) string {
	var b strings.Builder

	b.WriteString("You are maintaining a wiki page. Merge the new content below into the existing page.\n\n")

	switch d.Action {
	case router.ActionAppendSection:
		if d.TargetSection != "" {
			fmt.Fprintf(&b, "Add the new content under the %q section, creating it if it does not exist.\n\n", d.TargetSection)
		} else {
			b.WriteString("Add the new content as a new section in the most fitting place.\n\n")
		}
	case router.ActionMerge:
		b.WriteString("Weave the new content into the existing sections where it belongs. Restructure sections if that improves the page.\n\n")
	default:
		b.WriteString("Update the page so it reflects the new content. Prefer editing existing sections over adding new ones.\n\n")
	}

	b.WriteString("## Existing page\n\n")
	b.WriteString(existing)
	b.WriteString("\n\n## New content\n\n")
	b.WriteString(formatExtraction(ext))

	b.WriteString("\n\nRules:\n")
	b.WriteString("- Respond with the COMPLETE merged page in markdown, nothing else.\n")
	b.WriteString("- Do not wrap the response in code fences.\n")
	b.WriteString("- Keep all information from the existing page unless the new content supersedes it.\n")
	b.WriteString("- Do not invent facts that appear in neither source.\n")
	b.WriteString("- Keep source attribution lines intact.\n")

	return b.String()
}

// formatExtraction renders an extraction as a self-contained markdown
// fragment: summary, body, topics, and source attribution.
func formatExtraction(ext extract.Extraction) string {
	var parts []string

	if s := strings.TrimSpace(ext.Summary); s != "" {
		parts = append(parts, s)
	}
	if c := strings.TrimSpace(ext.Content); c != "" {
		parts = append(parts, c)
	}
	if len(ext.Topics) > 0 {
		parts = append(parts, "**Topics:** "+strings.Join(ext.Topics, ", "))
	}
	if ext.SourceURL != "" {
		label := strings.TrimSpace(ext.Title)
		if label == "" {
			label = ext.SourceURL
		}
		parts = append(parts, fmt.Sprintf("*Source: [%s](%s)*", label, ext.SourceURL))
	}

	return strings.Join(parts, "\n\n")
}

// appendFallback attaches the extraction to the end of the page under a
// separator. Deterministic, loses nothing, reads acceptably.
func appendFallback(existing string, ext extract.Extraction) string {
	return strings.TrimRight(existing, "\n") +
		"\n\n---\n\n" + fallbackSectionHeading + "\n\n" +
		formatExtraction(ext)
}
