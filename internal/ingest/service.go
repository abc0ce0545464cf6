package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/integrate"
	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/router"
)

// maxPageSize caps list pagination.
const maxPageSize = 100

// Integrator applies a routing decision to the wiki.
type Integrator interface {
	Apply(ctx context.Context, ext extract.Extraction, d router.Decision, publish bool) (integrate.Result, error)
}

// Service is the management surface of the pipeline: batch submission, job
// inspection, and the manual operations (retry, approve, delete).
type Service struct {
	store         *Store
	integrator    Integrator
	defaultReview bool
	logger        log.Logger
}

// NewService creates a Service. defaultReview is applied to submissions
// that do not set review_mode themselves.
func NewService(store *Store, integrator Integrator, defaultReview bool, logger log.Logger) *Service {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Service{
		store:         store,
		integrator:    integrator,
		defaultReview: defaultReview,
		logger:        logger,
	}
}

// SubmitItem is one source in a batch submission.
type SubmitItem struct {
	SourceType  string `json:"source_type"`
	URL         string `json:"url,omitempty"`
	Content     string `json:"content,omitempty"`
	ContentType string `json:"content_type,omitempty"`
}

// SubmitRequest is a batch submission.
type SubmitRequest struct {
	Items      []SubmitItem `json:"items"`
	Mode       string       `json:"mode,omitempty"`
	ReviewMode *bool        `json:"review_mode,omitempty"`
}

// SubmitBatch validates and persists a batch. Validation is all-or-nothing:
// a single invalid item rejects the whole batch before anything is stored.
func (s *Service) SubmitBatch(ctx context.Context, req SubmitRequest) (Job, error) {
	if err := validateSubmission(req); err != nil {
		return Job{}, err
	}

	items := make([]NewItem, len(req.Items))
	for i, item := range req.Items {
		items[i] = NewItem{
			SourceType:    item.SourceType,
			SourceURL:     strings.TrimSpace(item.URL),
			SourceContent: item.Content,
			ContentType:   item.ContentType,
		}
	}

	review := s.defaultReview
	if req.ReviewMode != nil {
		review = *req.ReviewMode
	}

	return s.store.CreateJob(ctx, req.Mode, JobMetadata{ReviewMode: review}, items)
}

func validateSubmission(req SubmitRequest) error {
	if len(req.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInvalidSubmission)
	}

	switch req.Mode {
	case "", ModeManual, ModeScheduled, ModeAPI:
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidSubmission, req.Mode)
	}

	for i, item := range req.Items {
		switch item.SourceType {
		case SourceURL:
			if strings.TrimSpace(item.URL) == "" {
				return fmt.Errorf("%w: item %d has source_type url but no url", ErrInvalidSubmission, i)
			}
		case SourceText, SourceFile, SourceAPI:
			if strings.TrimSpace(item.Content) == "" {
				return fmt.Errorf("%w: item %d has source_type %s but no content", ErrInvalidSubmission, i, item.SourceType)
			}
		default:
			return fmt.Errorf("%w: item %d has unknown source_type %q", ErrInvalidSubmission, i, item.SourceType)
		}
	}
	return nil
}

// JobPage is one page of a job listing.
type JobPage struct {
	Jobs  []Job `json:"jobs"`
	Total int   `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
}

// Jobs lists jobs newest first with 1-based pagination.
func (s *Service) Jobs(ctx context.Context, status string, page, limit int) (JobPage, error) {
	page, limit = clampPage(page, limit)

	jobs, err := s.store.ListJobs(ctx, status, limit, (page-1)*limit)
	if err != nil {
		return JobPage{}, err
	}
	total, err := s.store.CountJobs(ctx, status)
	if err != nil {
		return JobPage{}, err
	}
	return JobPage{Jobs: jobs, Total: total, Page: page, Limit: limit}, nil
}

// JobDetail is a job with, optionally, all of its items.
type JobDetail struct {
	Job   Job    `json:"job"`
	Items []Item `json:"items,omitempty"`
}

// Job returns one job, including its items unless withItems is false.
func (s *Service) Job(ctx context.Context, id uuid.UUID, withItems bool) (JobDetail, error) {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return JobDetail{}, err
	}

	detail := JobDetail{Job: job}
	if withItems {
		detail.Items, err = s.store.ListItems(ctx, id, "", maxPageSize, 0)
		if err != nil {
			return JobDetail{}, err
		}
	}
	return detail, nil
}

// ItemPage is one page of a job's item listing.
type ItemPage struct {
	Items []Item `json:"items"`
	Total int    `json:"total"`
	Page  int    `json:"page"`
	Limit int    `json:"limit"`
}

// Items lists a job's items in submission order with 1-based pagination.
func (s *Service) Items(ctx context.Context, jobID uuid.UUID, status string, page, limit int) (ItemPage, error) {
	if _, err := s.store.GetJob(ctx, jobID); err != nil {
		return ItemPage{}, err
	}
	page, limit = clampPage(page, limit)

	items, err := s.store.ListItems(ctx, jobID, status, limit, (page-1)*limit)
	if err != nil {
		return ItemPage{}, err
	}
	total, err := s.store.CountItems(ctx, jobID, status)
	if err != nil {
		return ItemPage{}, err
	}
	return ItemPage{Items: items, Total: total, Page: page, Limit: limit}, nil
}

// Retry requeues a settled job: failed items return to pending with their
// retry bookkeeping cleared and the job goes back on the queue. A job that
// is currently processing cannot be retried.
func (s *Service) Retry(ctx context.Context, jobID uuid.UUID) (Job, error) {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if job.Status == JobProcessing {
		return Job{}, fmt.Errorf("%w: id %s", ErrJobProcessing, jobID)
	}

	reset, err := s.store.ResetFailedItems(ctx, jobID)
	if err != nil {
		return Job{}, err
	}
	if err := s.store.MarkJobPending(ctx, jobID); err != nil {
		return Job{}, err
	}

	s.logger.Info("job requeued", "job_id", jobID, "items_reset", reset)
	return s.store.GetJob(ctx, jobID)
}

// ApproveOverride optionally replaces parts of the stored routing decision
// at approval time.
type ApproveOverride struct {
	Decision      string     `json:"decision,omitempty"`
	TargetPageID  *uuid.UUID `json:"target_page_id,omitempty"`
	TargetSection string     `json:"target_section,omitempty"`
}

// Approve resumes a review-paused item: the stored routing decision (with
// any override applied) is integrated and the item becomes terminal. Only
// items paused in routing status can be approved.
func (s *Service) Approve(ctx context.Context, itemID uuid.UUID, override *ApproveOverride) (Item, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return Item{}, err
	}
	if item.Status != ItemRouting {
		return Item{}, fmt.Errorf("%w: item %s is %s", ErrNotAwaitingReview, itemID, item.Status)
	}

	decision := item.Decision()
	if override != nil {
		if override.Decision != "" {
			switch override.Decision {
			case router.ActionNewPage, router.ActionUpdatePage,
				router.ActionAppendSection, router.ActionMerge, router.ActionSkip:
				decision.Action = override.Decision
			default:
				return Item{}, fmt.Errorf("%w: unknown decision %q", ErrInvalidSubmission, override.Decision)
			}
		}
		if override.TargetPageID != nil {
			decision.TargetPageID = override.TargetPageID
		}
		if override.TargetSection != "" {
			decision.TargetSection = override.TargetSection
		}
	}

	if err := s.store.MarkItemStatus(ctx, itemID, ItemIntegrating); err != nil {
		return Item{}, err
	}

	result, err := s.integrator.Apply(ctx, item.Extraction(), decision, true)
	if err != nil {
		msg := fmt.Sprintf("integration failed: %v", err)
		if failErr := s.store.FailItem(ctx, itemID, msg); failErr != nil {
			s.logger.Error("recording approval failure", "item_id", itemID, "error", failErr)
		}
		if _, syncErr := s.store.SyncJobStatus(ctx, item.JobID); syncErr != nil {
			s.logger.Error("syncing job after approval failure", "job_id", item.JobID, "error", syncErr)
		}
		return Item{}, fmt.Errorf("approving item %s: %w", itemID, err)
	}

	status := ItemCompleted
	if result.Action == router.ActionSkip {
		status = ItemSkipped
	}
	if err := s.store.CompleteItem(ctx, itemID, status, result); err != nil {
		return Item{}, err
	}
	if _, err := s.store.SyncJobStatus(ctx, item.JobID); err != nil {
		return Item{}, err
	}

	s.logger.Info("item approved",
		"item_id", itemID, "action", result.Action, "page_id", result.PageID)
	return s.store.GetItem(ctx, itemID)
}

// Delete removes a job and its items. A processing job is only deleted when
// force is set.
func (s *Service) Delete(ctx context.Context, jobID uuid.UUID, force bool) error {
	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status == JobProcessing && !force {
		return fmt.Errorf("%w: id %s (use force to delete anyway)", ErrJobProcessing, jobID)
	}
	if err := s.store.DeleteJob(ctx, jobID); err != nil {
		return err
	}

	s.logger.Info("job deleted", "job_id", jobID, "forced", force)
	return nil
}

// IsNotFound reports whether err is one of the package's not-found
// sentinels.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrJobNotFound) || errors.Is(err, ErrItemNotFound)
}

func clampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 20
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	return page, limit
}
