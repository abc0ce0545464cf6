package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/wiki"
)

// PageStore is the slice of wiki.Store the page endpoints depend on.
// Reads serve the public API; Delete backs the admin surface.
type PageStore interface {
	List(ctx context.Context, status string, limit, offset int) ([]wiki.Page, error)
	GetBySlug(ctx context.Context, slug string) (wiki.Page, error)
	PublishedContent(ctx context.Context, pageID uuid.UUID) (string, error)
	Delete(ctx context.Context, pageID uuid.UUID) error
}

// pagesHandler serves the page endpoints. The public routes expose only
// published pages and published revisions; delete is admin-only.
type pagesHandler struct {
	store  PageStore
	index  EmbeddingIndex
	logger log.Logger
}

type pageSummary struct {
	ID        uuid.UUID `json:"id"`
	Slug      string    `json:"slug"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

type pageResponse struct {
	pageSummary
	Content string `json:"content"`
}

const defaultPageListLimit = 50

func (h *pagesHandler) list(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	if limit <= 0 || limit > 100 {
		limit = defaultPageListLimit
	}
	offset, _ := strconv.Atoi(q.Get("offset"))
	if offset < 0 {
		offset = 0
	}

	pages, err := h.store.List(r.Context(), wiki.StatusPublished, limit, offset)
	if err != nil {
		h.logger.Error("listing pages", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}

	summaries := make([]pageSummary, 0, len(pages))
	for _, p := range pages {
		summaries = append(summaries, pageSummary{
			ID:        p.ID,
			Slug:      p.Slug,
			Title:     p.Title,
			UpdatedAt: p.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"pages": summaries}, h.logger)
}

func (h *pagesHandler) get(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	page, err := h.store.GetBySlug(r.Context(), slug)
	if err != nil {
		h.writePageError(w, err)
		return
	}
	if page.Status != wiki.StatusPublished {
		writeError(w, http.StatusNotFound, "not_found", "page not found", h.logger)
		return
	}

	content, err := h.store.PublishedContent(r.Context(), page.ID)
	if err != nil {
		h.writePageError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, pageResponse{
		pageSummary: pageSummary{
			ID:        page.ID,
			Slug:      page.Slug,
			Title:     page.Title,
			UpdatedAt: page.UpdatedAt,
		},
		Content: content,
	}, h.logger)
}

// delete removes a page along with its embedding rows. Embeddings go
// first; if the page delete then fails they are re-creatable via backfill.
func (h *pagesHandler) delete(w http.ResponseWriter, r *http.Request) {
	slug := r.PathValue("slug")

	page, err := h.store.GetBySlug(r.Context(), slug)
	if err != nil {
		h.writePageError(w, err)
		return
	}

	if err := h.index.DeletePage(r.Context(), page.ID); err != nil {
		h.logger.Error("deleting page embeddings", "error", err, "page_id", page.ID)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
		return
	}
	if err := h.store.Delete(r.Context(), page.ID); err != nil {
		h.writePageError(w, err)
		return
	}

	h.logger.Info("page deleted", "page_id", page.ID, "slug", slug)
	w.WriteHeader(http.StatusNoContent)
}

func (h *pagesHandler) writePageError(w http.ResponseWriter, err error) {
	if errors.Is(err, wiki.ErrPageNotFound) || errors.Is(err, wiki.ErrNoContent) {
		writeError(w, http.StatusNotFound, "not_found", "page not found", h.logger)
		return
	}
	h.logger.Error("page request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
}
