package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/entropywiki/entropy/internal/ingest"
	"github.com/entropywiki/entropy/internal/log"
)

// IngestService is the slice of ingest.Service the admin API depends on.
type IngestService interface {
	SubmitBatch(ctx context.Context, req ingest.SubmitRequest) (ingest.Job, error)
	Jobs(ctx context.Context, status string, page, limit int) (ingest.JobPage, error)
	Job(ctx context.Context, id uuid.UUID, withItems bool) (ingest.JobDetail, error)
	Items(ctx context.Context, jobID uuid.UUID, status string, page, limit int) (ingest.ItemPage, error)
	Retry(ctx context.Context, jobID uuid.UUID) (ingest.Job, error)
	Approve(ctx context.Context, itemID uuid.UUID, override *ingest.ApproveOverride) (ingest.Item, error)
	Delete(ctx context.Context, jobID uuid.UUID, force bool) error
}

// EmbeddingIndex is the slice of similarity.Index the admin API depends
// on: backfilling pages that are missing embeddings and scrubbing rows on
// page deletion.
type EmbeddingIndex interface {
	Backfill(ctx context.Context) (int, error)
	DeletePage(ctx context.Context, pageID uuid.UUID) error
}

// ingestHandler serves the admin ingestion endpoints.
type ingestHandler struct {
	service IngestService
	index   EmbeddingIndex
	logger  log.Logger
}

func (h *ingestHandler) submit(w http.ResponseWriter, r *http.Request) {
	var req ingest.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON", h.logger)
		return
	}

	job, err := h.service.SubmitBatch(r.Context(), req)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, job, h.logger)
}

func (h *ingestHandler) listJobs(w http.ResponseWriter, r *http.Request) {
	page, limit := queryPagination(r)
	jobs, err := h.service.Jobs(r.Context(), r.URL.Query().Get("status"), page, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs, h.logger)
}

func (h *ingestHandler) getJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}
	withItems := r.URL.Query().Get("items") != "false"

	detail, err := h.service.Job(r.Context(), id, withItems)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail, h.logger)
}

func (h *ingestHandler) listItems(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}
	page, limit := queryPagination(r)

	items, err := h.service.Items(r.Context(), id, r.URL.Query().Get("status"), page, limit)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, items, h.logger)
}

func (h *ingestHandler) retryJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}

	job, err := h.service.Retry(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, job, h.logger)
}

func (h *ingestHandler) approveItem(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "itemID", h.logger)
	if !ok {
		return
	}

	// An empty body approves the stored decision as-is.
	var override *ingest.ApproveOverride
	if r.ContentLength != 0 {
		override = &ingest.ApproveOverride{}
		if err := json.NewDecoder(r.Body).Decode(override); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_json", "request body must be valid JSON", h.logger)
			return
		}
	}

	item, err := h.service.Approve(r.Context(), id, override)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item, h.logger)
}

func (h *ingestHandler) deleteJob(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id", h.logger)
	if !ok {
		return
	}
	force := r.URL.Query().Get("force") == "true"

	if err := h.service.Delete(r.Context(), id, force); err != nil {
		h.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ingestHandler) backfillEmbeddings(w http.ResponseWriter, r *http.Request) {
	indexed, err := h.index.Backfill(r.Context())
	if err != nil {
		h.logger.Error("embedding backfill failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "backfill failed", h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"indexed": indexed}, h.logger)
}

// writeServiceError maps ingest service errors onto HTTP status codes.
func (h *ingestHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ingest.ErrInvalidSubmission):
		writeError(w, http.StatusBadRequest, "invalid_submission", err.Error(), h.logger)
	case ingest.IsNotFound(err):
		writeError(w, http.StatusNotFound, "not_found", err.Error(), h.logger)
	case errors.Is(err, ingest.ErrJobProcessing):
		writeError(w, http.StatusConflict, "job_processing", err.Error(), h.logger)
	case errors.Is(err, ingest.ErrNotAwaitingReview):
		writeError(w, http.StatusConflict, "not_awaiting_review", err.Error(), h.logger)
	default:
		h.logger.Error("ingest request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "internal server error", h.logger)
	}
}

// pathUUID parses a UUID path segment, writing a 400 on failure.
func pathUUID(w http.ResponseWriter, r *http.Request, name string, logger log.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue(name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id", "invalid UUID in path", logger)
		return uuid.Nil, false
	}
	return id, true
}

// queryPagination reads 1-based ?page= and ?limit= parameters. Out-of-range
// values are clamped by the service layer.
func queryPagination(r *http.Request) (page, limit int) {
	q := r.URL.Query()
	page, _ = strconv.Atoi(q.Get("page"))
	limit, _ = strconv.Atoi(q.Get("limit"))
	return page, limit
}
