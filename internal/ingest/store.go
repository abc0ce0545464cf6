package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/integrate"
	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/router"
)

// Store persists ingestion jobs and items.
//
// Store is safe for concurrent use by multiple goroutines.
type Store struct {
	pool   *pgxpool.Pool
	logger log.Logger
}

// NewStore creates an ingestion store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool, logger log.Logger) *Store {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Store{pool: pool, logger: logger}
}

const jobColumns = `id, status, mode, total_items, processed_items, failed_items,
	COALESCE(error_message, ''), metadata, created_at, started_at, completed_at, updated_at`

func scanJob(row pgx.Row) (Job, error) {
	var j Job
	err := row.Scan(&j.ID, &j.Status, &j.Mode, &j.TotalItems, &j.ProcessedItems,
		&j.FailedItems, &j.ErrorMessage, &j.Metadata,
		&j.CreatedAt, &j.StartedAt, &j.CompletedAt, &j.UpdatedAt)
	return j, err
}

const itemColumns = `id, job_id, source_type, COALESCE(source_url, ''),
	COALESCE(source_content, ''), status,
	COALESCE(extracted_title, ''), COALESCE(extracted_summary, ''),
	COALESCE(extracted_content, ''), extracted_topics,
	COALESCE(extracted_entities, '{}'::jsonb), COALESCE(extracted_confidence, 0),
	COALESCE(routing_decision, ''), target_page_id, COALESCE(target_section, ''),
	COALESCE(routing_reasoning, ''), COALESCE(routing_confidence, 0),
	COALESCE(error_message, ''), metadata, not_before,
	created_at, processed_at, updated_at`

func scanItem(row pgx.Row) (Item, error) {
	var it Item
	err := row.Scan(&it.ID, &it.JobID, &it.SourceType, &it.SourceURL,
		&it.SourceContent, &it.Status,
		&it.ExtractedTitle, &it.ExtractedSummary,
		&it.ExtractedContent, &it.ExtractedTopics,
		&it.ExtractedEntities, &it.ExtractedConfidence,
		&it.RoutingDecision, &it.TargetPageID, &it.TargetSection,
		&it.RoutingReasoning, &it.RoutingConfidence,
		&it.ErrorMessage, &it.Metadata, &it.NotBefore,
		&it.CreatedAt, &it.ProcessedAt, &it.UpdatedAt)
	return it, err
}

// NewItem is one source in a batch submission.
type NewItem struct {
	SourceType    string
	SourceURL     string
	SourceContent string
	ContentType   string
}

// CreateJob inserts a job and its items atomically. Items start pending in
// submission order.
func (s *Store) CreateJob(ctx context.Context, mode string, meta JobMetadata, items []NewItem) (Job, error) {
	if mode == "" {
		mode = ModeAPI
	}

	var job Job
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		j, err := scanJob(tx.QueryRow(ctx,
			`INSERT INTO ingest_jobs (mode, total_items, metadata)
			 VALUES ($1, $2, $3)
			 RETURNING `+jobColumns, mode, len(items), meta))
		if err != nil {
			return fmt.Errorf("inserting job: %w", err)
		}

		for _, item := range items {
			itemMeta := ItemMetadata{ContentType: item.ContentType}
			_, err := tx.Exec(ctx,
				`INSERT INTO ingest_items (job_id, source_type, source_url, source_content, metadata)
				 VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5)`,
				j.ID, item.SourceType, item.SourceURL, item.SourceContent, itemMeta)
			if err != nil {
				return fmt.Errorf("inserting item: %w", err)
			}
		}

		job = j
		return nil
	})
	if err != nil {
		return Job{}, err
	}

	s.logger.Info("ingestion job created",
		"job_id", job.ID, "mode", mode, "items", len(items), "review_mode", meta.ReviewMode)
	return job, nil
}

// GetJob returns the job with the given ID.
func (s *Store) GetJob(ctx context.Context, id uuid.UUID) (Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM ingest_jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: id %s", ErrJobNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("getting job %s: %w", id, err)
	}
	return j, nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *Store) ListJobs(ctx context.Context, status string, limit, offset int) ([]Job, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT ` + jobColumns + ` FROM ingest_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// CountJobs returns the number of jobs, optionally filtered by status.
func (s *Store) CountJobs(ctx context.Context, status string) (int, error) {
	query := `SELECT count(*) FROM ingest_jobs`
	args := []any{}
	if status != "" {
		query += ` WHERE status = $1`
		args = append(args, status)
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting jobs: %w", err)
	}
	return n, nil
}

// GetItem returns the item with the given ID.
func (s *Store) GetItem(ctx context.Context, id uuid.UUID) (Item, error) {
	it, err := scanItem(s.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM ingest_items WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return Item{}, fmt.Errorf("%w: id %s", ErrItemNotFound, id)
	}
	if err != nil {
		return Item{}, fmt.Errorf("getting item %s: %w", id, err)
	}
	return it, nil
}

// ListItems returns a job's items in submission order, optionally filtered
// by status.
func (s *Store) ListItems(ctx context.Context, jobID uuid.UUID, status string, limit, offset int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + itemColumns + ` FROM ingest_items WHERE job_id = $1`
	args := []any{jobID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY created_at LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	return items, nil
}

// CountItems returns the number of a job's items, optionally filtered by
// status.
func (s *Store) CountItems(ctx context.Context, jobID uuid.UUID, status string) (int, error) {
	query := `SELECT count(*) FROM ingest_items WHERE job_id = $1`
	args := []any{jobID}
	if status != "" {
		query += ` AND status = $2`
		args = append(args, status)
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting items: %w", err)
	}
	return n, nil
}

// ClaimNextJob atomically claims the oldest runnable job and marks it
// processing. A job is runnable when it is pending, or when it is already
// processing and has a pending item whose retry gate has passed (a job
// waiting out retry backoff stays processing, so it must be re-claimable).
// Returns ErrNoPendingJob when the queue is empty. SKIP LOCKED keeps
// concurrent claimers from blocking on each other.
func (s *Store) ClaimNextJob(ctx context.Context) (Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE ingest_jobs
		 SET status = $1, started_at = COALESCE(started_at, now()), updated_at = now()
		 WHERE id = (
		     SELECT j.id FROM ingest_jobs j
		     WHERE j.status = $2
		        OR (j.status = $1 AND EXISTS (
		            SELECT 1 FROM ingest_items i
		            WHERE i.job_id = j.id AND i.status = $3
		              AND (i.not_before IS NULL OR i.not_before <= now())
		        ))
		     ORDER BY j.created_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+jobColumns, JobProcessing, JobPending, ItemPending))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, ErrNoPendingJob
	}
	if err != nil {
		return Job{}, fmt.Errorf("claiming job: %w", err)
	}
	return j, nil
}

// RecoverStalledItems returns items stranded mid-stage by a crashed
// processor to pending so they run again from extraction. Called once at
// processor startup, before polling begins.
func (s *Store) RecoverStalledItems(ctx context.Context) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_items
		 SET status = $1, updated_at = now()
		 WHERE status IN ($2, $3)`,
		ItemPending, ItemExtracting, ItemIntegrating)
	if err != nil {
		return 0, fmt.Errorf("recovering stalled items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RunnableItems returns the job's pending items whose retry gate has
// passed, in submission order.
func (s *Store) RunnableItems(ctx context.Context, jobID uuid.UUID) ([]Item, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+itemColumns+` FROM ingest_items
		 WHERE job_id = $1 AND status = $2
		   AND (not_before IS NULL OR not_before <= now())
		 ORDER BY created_at`, jobID, ItemPending)
	if err != nil {
		return nil, fmt.Errorf("listing runnable items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("listing runnable items: %w", err)
	}
	return items, nil
}

// MarkItemStatus updates only the item's status.
func (s *Store) MarkItemStatus(ctx context.Context, id uuid.UUID, status string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_items SET status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("updating item %s status: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s", ErrItemNotFound, id)
	}
	return nil
}

// SaveExtraction persists extraction results and advances the item to
// routing.
func (s *Store) SaveExtraction(ctx context.Context, id uuid.UUID, ext extract.Extraction) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_items
		 SET status = $2,
		     extracted_title = NULLIF($3, ''),
		     extracted_summary = NULLIF($4, ''),
		     extracted_content = NULLIF($5, ''),
		     extracted_topics = $6,
		     extracted_entities = $7,
		     extracted_confidence = $8,
		     updated_at = now()
		 WHERE id = $1`,
		id, ItemRouting, ext.Title, ext.Summary, ext.Content,
		ext.Topics, ext.Entities, ext.Confidence)
	if err != nil {
		return fmt.Errorf("saving extraction for item %s: %w", id, err)
	}
	return nil
}

// SaveRouting persists the routing decision and sets the item's next
// status: integrating in automatic mode, routing when the item pauses for
// review.
func (s *Store) SaveRouting(ctx context.Context, id uuid.UUID, d router.Decision, nextStatus string) error {
	patch, err := metadataPatch(map[string]any{
		"suggested_slug":  d.SuggestedSlug,
		"suggested_title": d.SuggestedTitle,
	})
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE ingest_items
		 SET status = $2,
		     routing_decision = $3,
		     target_page_id = $4,
		     target_section = NULLIF($5, ''),
		     routing_reasoning = NULLIF($6, ''),
		     routing_confidence = $7,
		     metadata = metadata || $8::jsonb,
		     updated_at = now()
		 WHERE id = $1`,
		id, nextStatus, d.Action, d.TargetPageID, d.TargetSection,
		d.Reasoning, d.Confidence, patch)
	if err != nil {
		return fmt.Errorf("saving routing for item %s: %w", id, err)
	}
	return nil
}

// CompleteItem marks the item terminal-successful (completed or skipped)
// and records the integration result.
func (s *Store) CompleteItem(ctx context.Context, id uuid.UUID, status string, result integrate.Result) error {
	patch, err := metadataPatch(map[string]any{"result": result})
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE ingest_items
		 SET status = $2,
		     metadata = metadata || $3::jsonb,
		     error_message = NULL,
		     processed_at = now(),
		     updated_at = now()
		 WHERE id = $1`, id, status, patch)
	if err != nil {
		return fmt.Errorf("completing item %s: %w", id, err)
	}
	return nil
}

// ScheduleRetry returns the item to pending with a raised retry counter and
// a not-before gate.
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, retryCount int, errMsg string, notBefore time.Time) error {
	patch, err := metadataPatch(map[string]any{"retry_count": retryCount})
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx,
		`UPDATE ingest_items
		 SET status = $2,
		     metadata = metadata || $3::jsonb,
		     error_message = $4,
		     not_before = $5,
		     updated_at = now()
		 WHERE id = $1`, id, ItemPending, patch, errMsg, notBefore)
	if err != nil {
		return fmt.Errorf("scheduling retry for item %s: %w", id, err)
	}
	return nil
}

// FailItem marks the item terminally failed.
func (s *Store) FailItem(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_items
		 SET status = $2,
		     error_message = $3,
		     processed_at = now(),
		     updated_at = now()
		 WHERE id = $1`, id, ItemFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failing item %s: %w", id, err)
	}
	return nil
}

// ResetFailedItems returns a job's failed items to pending with their error
// and retry bookkeeping cleared. Returns how many items were reset.
func (s *Store) ResetFailedItems(ctx context.Context, jobID uuid.UUID) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_items
		 SET status = $3,
		     error_message = NULL,
		     not_before = NULL,
		     processed_at = NULL,
		     metadata = metadata - 'retry_count',
		     updated_at = now()
		 WHERE job_id = $1 AND status = $2`, jobID, ItemFailed, ItemPending)
	if err != nil {
		return 0, fmt.Errorf("resetting failed items of job %s: %w", jobID, err)
	}
	return int(tag.RowsAffected()), nil
}

// MarkJobPending returns a job to the queue, clearing its error and
// completion timestamp.
func (s *Store) MarkJobPending(ctx context.Context, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs
		 SET status = $2, error_message = NULL, completed_at = NULL, updated_at = now()
		 WHERE id = $1`, jobID, JobPending)
	if err != nil {
		return fmt.Errorf("marking job %s pending: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s", ErrJobNotFound, jobID)
	}
	return nil
}

// FailJob marks a job terminally failed with the given error.
func (s *Store) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE ingest_jobs
		 SET status = $2, error_message = $3, completed_at = now(), updated_at = now()
		 WHERE id = $1`, jobID, JobFailed, errMsg)
	if err != nil {
		return fmt.Errorf("failing job %s: %w", jobID, err)
	}
	return nil
}

// DeleteJob removes a job and, via cascading constraints, its items.
func (s *Store) DeleteJob(ctx context.Context, jobID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ingest_jobs WHERE id = $1`, jobID)
	if err != nil {
		return fmt.Errorf("deleting job %s: %w", jobID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: id %s", ErrJobNotFound, jobID)
	}
	return nil
}

// SyncJobStatus recomputes the job's status and counters from its items:
// any active item keeps the job processing, a job where every item failed
// is failed, anything else is completed. Review-paused items count as
// active, so a job stays processing until its items are approved.
func (s *Store) SyncJobStatus(ctx context.Context, jobID uuid.UUID) (Job, error) {
	var active, failed, succeeded, total int
	err := s.pool.QueryRow(ctx,
		`SELECT
		     count(*) FILTER (WHERE status IN ($2, $3, $4, $5)),
		     count(*) FILTER (WHERE status = $6),
		     count(*) FILTER (WHERE status IN ($7, $8)),
		     count(*)
		 FROM ingest_items WHERE job_id = $1`,
		jobID, ItemPending, ItemExtracting, ItemRouting, ItemIntegrating,
		ItemFailed, ItemCompleted, ItemSkipped).
		Scan(&active, &failed, &succeeded, &total)
	if err != nil {
		return Job{}, fmt.Errorf("aggregating items of job %s: %w", jobID, err)
	}

	status := JobCompleted
	errMsg := ""
	switch {
	case active > 0:
		status = JobProcessing
	case total > 0 && failed == total:
		status = JobFailed
		errMsg = "all items failed"
	}

	j, err := scanJob(s.pool.QueryRow(ctx,
		`UPDATE ingest_jobs
		 SET status = $2,
		     processed_items = $3,
		     failed_items = $4,
		     error_message = NULLIF($5, ''),
		     completed_at = CASE WHEN $2 IN ($6, $7) THEN now() ELSE NULL END,
		     updated_at = now()
		 WHERE id = $1
		 RETURNING `+jobColumns,
		jobID, status, succeeded+failed, failed, errMsg, JobCompleted, JobFailed))
	if errors.Is(err, pgx.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: id %s", ErrJobNotFound, jobID)
	}
	if err != nil {
		return Job{}, fmt.Errorf("syncing job %s: %w", jobID, err)
	}
	return j, nil
}

// metadataPatch builds a jsonb merge payload, dropping empty values so the
// patch never overwrites existing keys with blanks.
func metadataPatch(fields map[string]any) ([]byte, error) {
	for k, v := range fields {
		if s, ok := v.(string); ok && s == "" {
			delete(fields, k)
		}
	}
	patch, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata patch: %w", err)
	}
	return patch, nil
}
