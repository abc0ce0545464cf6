// Package integrate applies routing decisions to the wiki: it creates new
// pages or folds extracted content into existing ones.
//
// Integration must always leave the wiki consistent. Model-assisted merges
// fall back to a deterministic append when the model fails, and embedding
// updates are best-effort so an unavailable embedder never loses content.
package integrate

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/genai"
	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/router"
	"github.com/entropywiki/entropy/internal/wiki"
)

// PageStore is the subset of wiki operations integration needs.
type PageStore interface {
	UniqueSlug(ctx context.Context, title string) (string, error)
	Create(ctx context.Context, params wiki.CreateParams) (wiki.Page, wiki.Revision, error)
	AddRevision(ctx context.Context, pageID uuid.UUID, contentMD, authorType string, publish bool) (wiki.Revision, error)
	Content(ctx context.Context, pageID uuid.UUID) (string, error)
	GetByID(ctx context.Context, id uuid.UUID) (wiki.Page, error)
}

// Indexer updates the similarity index after content changes.
type Indexer interface {
	IndexRevision(ctx context.Context, pageID, revisionID uuid.UUID, content string) error
}

// Generator produces a text completion for a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Result records what integration did with one item.
type Result struct {
	Action     string     `json:"action"`
	PageID     *uuid.UUID `json:"page_id,omitempty"`
	Slug       string     `json:"slug,omitempty"`
	RevisionID *uuid.UUID `json:"revision_id,omitempty"`
	Published  bool       `json:"published"`
}

// Integrator writes extracted content into the wiki.
type Integrator struct {
	store  PageStore
	index  Indexer
	gen    Generator
	logger log.Logger
}

// New creates an Integrator. index may be nil when embeddings are disabled.
func New(store PageStore, index Indexer, gen Generator, logger log.Logger) *Integrator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Integrator{store: store, index: index, gen: gen, logger: logger}
}

// Apply executes a routing decision. publish controls whether the resulting
// revision is published immediately or left as a draft for review.
func (in *Integrator) Apply(ctx context.Context, ext extract.Extraction, d router.Decision, publish bool) (Result, error) {
	switch d.Action {
	case router.ActionSkip:
		return Result{Action: router.ActionSkip, PageID: d.TargetPageID}, nil

	case router.ActionNewPage:
		return in.createPage(ctx, ext, d, publish)

	case router.ActionUpdatePage, router.ActionAppendSection, router.ActionMerge:
		if d.TargetPageID == nil {
			// Routing guarantees a target for these actions, but a stored
			// decision can outlive its validation.
			return in.createPage(ctx, ext, d, publish)
		}
		return in.enhancePage(ctx, ext, d, publish)

	default:
		return Result{}, fmt.Errorf("unknown integration action %q", d.Action)
	}
}

// createPage writes the extraction as a brand-new page. The routing decision
// may carry a better title or slug than the extraction did.
func (in *Integrator) createPage(ctx context.Context, ext extract.Extraction, d router.Decision, publish bool) (Result, error) {
	title := strings.TrimSpace(d.SuggestedTitle)
	if title == "" {
		title = strings.TrimSpace(ext.Title)
	}
	if title == "" {
		title = "Untitled"
	}

	slugSource := strings.TrimSpace(d.SuggestedSlug)
	if slugSource == "" {
		slugSource = title
	}
	slug, err := in.store.UniqueSlug(ctx, slugSource)
	if err != nil {
		return Result{}, fmt.Errorf("deriving slug for %q: %w", title, err)
	}

	page, rev, err := in.store.Create(ctx, wiki.CreateParams{
		Slug:       slug,
		Title:      title,
		ContentMD:  in.composeNewPage(ctx, title, ext),
		AuthorType: wiki.AuthorAI,
		Publish:    publish,
	})
	if err != nil {
		return Result{}, fmt.Errorf("creating page %q: %w", slug, err)
	}

	in.reindex(ctx, page.ID, rev.ID, rev.ContentMD)
	in.logger.Info("page created from ingestion",
		"page_id", page.ID, "slug", slug, "published", publish)

	return Result{
		Action:     router.ActionNewPage,
		PageID:     &page.ID,
		Slug:       slug,
		RevisionID: &rev.ID,
		Published:  publish,
	}, nil
}

// enhancePage merges the extraction into an existing page. The merge is
// model-assisted; when the model fails the content is appended verbatim
// under a dedicated section so nothing is lost.
func (in *Integrator) enhancePage(ctx context.Context, ext extract.Extraction, d router.Decision, publish bool) (Result, error) {
	target := *d.TargetPageID

	existing, err := in.store.Content(ctx, target)
	if errors.Is(err, wiki.ErrPageNotFound) {
		// The target can disappear between routing and integration, e.g.
		// a page deleted while an item waited for review approval.
		in.logger.Warn("integration target gone, creating new page", "page_id", target)
		return in.createPage(ctx, ext, d, publish)
	}
	if err != nil {
		return Result{}, fmt.Errorf("loading content of page %s: %w", target, err)
	}

	merged := in.mergeContent(ctx, existing, ext, d)

	rev, err := in.store.AddRevision(ctx, target, merged, wiki.AuthorAI, publish)
	if err != nil {
		return Result{}, fmt.Errorf("adding revision to page %s: %w", target, err)
	}

	in.reindex(ctx, target, rev.ID, merged)

	result := Result{
		Action:     d.Action,
		PageID:     &target,
		RevisionID: &rev.ID,
		Published:  publish,
	}
	if page, err := in.store.GetByID(ctx, target); err == nil {
		result.Slug = page.Slug
	}

	in.logger.Info("page enhanced",
		"page_id", target, "action", d.Action, "published", publish)
	return result, nil
}

// composeNewPage asks the model to rewrite the extraction as a clean wiki
// page. A failure or unusable response falls back to the deterministic
// formatting, so page creation never depends on the model.
func (in *Integrator) composeNewPage(ctx context.Context, title string, ext extract.Extraction) string {
	raw, err := in.gen.Generate(ctx, buildComposePrompt(title, ext))
	if err != nil {
		in.logger.Warn("compose model unavailable, using raw formatting", "error", err)
		return formatExtraction(ext)
	}

	composed := strings.TrimSpace(genai.StripCodeFences(raw))
	if composed == "" {
		return formatExtraction(ext)
	}
	return composed
}

// mergeContent asks the model to weave the extraction into the existing
// markdown. Any model failure or unusable response degrades to a
// deterministic append.
func (in *Integrator) mergeContent(ctx context.Context, existing string, ext extract.Extraction, d router.Decision) string {
	raw, err := in.gen.Generate(ctx, buildMergePrompt(existing, ext, d))
	if err != nil {
		in.logger.Warn("merge model unavailable, appending content", "error", err)
		return appendFallback(existing, ext)
	}

	merged := strings.TrimSpace(genai.StripCodeFences(raw))
	if merged == "" {
		in.logger.Warn("merge model returned empty document, appending content")
		return appendFallback(existing, ext)
	}
	return merged
}

// reindex refreshes embeddings for a revision. Failures are logged and
// swallowed; the page content is already durable.
func (in *Integrator) reindex(ctx context.Context, pageID, revisionID uuid.UUID, content string) {
	if in.index == nil {
		return
	}
	if err := in.index.IndexRevision(ctx, pageID, revisionID, content); err != nil {
		in.logger.Warn("embedding update failed",
			"page_id", pageID, "revision_id", revisionID, "error", err)
	}
}
