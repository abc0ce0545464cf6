package router

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/entropywiki/entropy/internal/genai"
	"github.com/entropywiki/entropy/internal/similarity"
)

// rawDecision mirrors the JSON contract with loose types, so one malformed
// field does not sink the whole response.
type rawDecision struct {
	Decision       string          `json:"decision"`
	TargetPageID   string          `json:"target_page_id"`
	TargetSection  string          `json:"target_section"`
	SuggestedSlug  string          `json:"suggested_slug"`
	SuggestedTitle string          `json:"suggested_title"`
	Confidence     json.RawMessage `json:"confidence"`
	Reasoning      string          `json:"reasoning"`
}

// parseDecision turns model output into a valid Decision. Malformed output
// never produces an error: unparseable JSON takes the same similarity
// fallback as a model outage, unknown actions become new_page, and a
// missing target for a target-requiring action resolves to the top
// candidate (or new_page when there are no candidates).
func (r *Router) parseDecision(raw string, candidates []similarity.Match) Decision {
	text := genai.StripCodeFences(raw)

	var rd rawDecision
	if err := json.Unmarshal([]byte(text), &rd); err != nil {
		r.logger.Warn("unparseable routing response", "error", err, "response", truncate(text, 200))
		return fallbackDecision(candidates, fmt.Errorf("routing response was not valid JSON: %w", err))
	}

	d := Decision{
		Action:         rd.Decision,
		TargetSection:  rd.TargetSection,
		SuggestedSlug:  rd.SuggestedSlug,
		SuggestedTitle: rd.SuggestedTitle,
		Confidence:     parseConfidence(rd.Confidence),
		Reasoning:      rd.Reasoning,
	}

	switch d.Action {
	case ActionNewPage, ActionUpdatePage, ActionAppendSection, ActionMerge, ActionSkip:
	default:
		r.logger.Warn("unknown routing action, defaulting to new_page", "action", d.Action)
		d.Action = ActionNewPage
		d.TargetSection = ""
	}

	if id, err := uuid.Parse(rd.TargetPageID); err == nil {
		// Only accept targets we actually offered
		for _, c := range candidates {
			if c.PageID == id {
				d.TargetPageID = &id
				break
			}
		}
	}

	if d.NeedsTarget() && d.TargetPageID == nil {
		if len(candidates) == 0 {
			d.Action = ActionNewPage
			d.TargetSection = ""
			d.Reasoning = appendNote(d.Reasoning, "no valid target page, creating new page")
		} else {
			top := candidates[0]
			d.TargetPageID = &top.PageID
			d.Reasoning = appendNote(d.Reasoning, fmt.Sprintf("target resolved to top candidate %q", top.Title))
		}
	}

	return d
}

// parseConfidence extracts a confidence in [0, 1], defaulting when the
// field is absent or not a number.
func parseConfidence(raw json.RawMessage) float64 {
	if len(raw) == 0 {
		return defaultConfidence
	}
	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return defaultConfidence
	}
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func appendNote(reasoning, note string) string {
	if reasoning == "" {
		return note
	}
	return reasoning + " (" + note + ")"
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return clipRunes(s, n) + "..."
}

// clipRunes cuts s to at most n bytes without splitting a multibyte rune.
func clipRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
