// Package router decides what to do with extracted content: create a new
// page, fold it into an existing one, or skip it.
//
// Routing is two-staged. Stage one is deterministic: empty extractions are
// skipped outright, and near-identical similarity matches short-circuit as
// duplicates. Stage two asks the model to choose among vector-search
// candidates. Every model response is parsed defensively; any failure
// degrades to a deterministic decision instead of an error, because a
// routing verdict must always come out.
package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/similarity"
)

// Routing actions.
const (
	ActionNewPage       = "new_page"
	ActionUpdatePage    = "update_page"
	ActionAppendSection = "append_section"
	ActionMerge         = "merge"
	ActionSkip          = "skip"
)

// duplicateThreshold short-circuits routing: above this similarity the
// content is treated as already present.
const duplicateThreshold = 0.95

// fallbackUpdateThreshold picks update-over-create when the model is
// unavailable and a strong candidate exists.
const fallbackUpdateThreshold = 0.8

// contentPreviewChars bounds how much extracted content the routing prompt
// carries.
const contentPreviewChars = 1000

// searchPreviewChars bounds how much content feeds the similarity query.
const searchPreviewChars = 2000

// chunkPreviewChars bounds the per-candidate chunk preview in the prompt.
const chunkPreviewChars = 150

// defaultConfidence is assumed when the model omits or mangles the
// confidence field.
const defaultConfidence = 0.7

// Decision is the routing verdict for one extracted item.
type Decision struct {
	Action         string     `json:"decision"`
	TargetPageID   *uuid.UUID `json:"target_page_id,omitempty"`
	TargetSection  string     `json:"target_section,omitempty"`
	SuggestedSlug  string     `json:"suggested_slug,omitempty"`
	SuggestedTitle string     `json:"suggested_title,omitempty"`
	Confidence     float64    `json:"confidence"`
	Reasoning      string     `json:"reasoning,omitempty"`
}

// NeedsTarget reports whether the action requires an existing page.
func (d Decision) NeedsTarget() bool {
	switch d.Action {
	case ActionUpdatePage, ActionAppendSection, ActionMerge:
		return true
	}
	return false
}

// Generator produces a text completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// CandidateFinder returns similar published pages for a routing query.
type CandidateFinder interface {
	CandidatesForRouting(ctx context.Context, query string) ([]similarity.Match, error)
}

// Router produces routing decisions.
type Router struct {
	gen    Generator
	finder CandidateFinder
	logger log.Logger
}

// New creates a Router.
func New(gen Generator, finder CandidateFinder, logger log.Logger) *Router {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Router{gen: gen, finder: finder, logger: logger}
}

// Route decides how the extraction is integrated. The returned candidates
// are the similarity matches considered, for audit storage alongside the
// decision. Route never fails: candidate-search and model failures both
// degrade to deterministic decisions.
func (r *Router) Route(ctx context.Context, ext extract.Extraction) (Decision, []similarity.Match) {
	// Stage one: nothing to integrate
	if strings.TrimSpace(ext.Content) == "" && strings.TrimSpace(ext.Summary) == "" {
		return Decision{
			Action:     ActionSkip,
			Confidence: 1.0,
			Reasoning:  "extraction produced no content or summary",
		}, nil
	}

	candidates, err := r.finder.CandidatesForRouting(ctx, routingQuery(ext))
	if err != nil {
		// Routing can proceed without candidates; the model just sees an
		// empty list and the fallbacks lean toward new_page.
		r.logger.Warn("candidate search failed, routing without candidates", "error", err)
		candidates = nil
	}

	// Stage one: near-identical match means duplicate content
	if len(candidates) > 0 && candidates[0].Similarity > duplicateThreshold {
		top := candidates[0]
		return Decision{
			Action:       ActionSkip,
			TargetPageID: &top.PageID,
			Confidence:   0.9,
			Reasoning:    fmt.Sprintf("near-duplicate of %q (similarity %.2f)", top.Title, top.Similarity),
		}, candidates
	}

	// Stage two: ask the model
	raw, err := r.gen.Generate(ctx, buildPrompt(ext, candidates))
	if err != nil {
		r.logger.Warn("routing model unavailable, using similarity fallback", "error", err)
		return fallbackDecision(candidates, err), candidates
	}

	decision := r.parseDecision(raw, candidates)
	r.logger.Debug("routing decided",
		"action", decision.Action,
		"confidence", decision.Confidence,
		"candidates", len(candidates))
	return decision, candidates
}

// routingQuery builds the similarity-search query from an extraction.
func routingQuery(ext extract.Extraction) string {
	preview := clipRunes(ext.Content, searchPreviewChars)
	return strings.TrimSpace(ext.Title + "\n" + ext.Summary + "\n" + preview)
}

// fallbackDecision routes deterministically when no usable model verdict
// exists, whether the call failed or the response could not be parsed:
// strong candidate -> update it, otherwise -> new page.
func fallbackDecision(candidates []similarity.Match, cause error) Decision {
	if len(candidates) > 0 && candidates[0].Similarity > fallbackUpdateThreshold {
		top := candidates[0]
		return Decision{
			Action:       ActionUpdatePage,
			TargetPageID: &top.PageID,
			Confidence:   0.6,
			Reasoning:    fmt.Sprintf("deterministic fallback (%v); strong similarity match %q", cause, top.Title),
		}
	}
	return Decision{
		Action:     ActionNewPage,
		Confidence: 0.4,
		Reasoning:  fmt.Sprintf("deterministic fallback (%v); no strong similarity match", cause),
	}
}
