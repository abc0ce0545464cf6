// Package ingest runs the content-ingestion pipeline: batches of submitted
// sources become jobs, each job's items move through extract, route, and
// integrate, and a polling processor drives the whole state machine.
//
// All pipeline state lives in PostgreSQL. Each stage persists its results
// before the next begins, so a crashed or restarted processor resumes items
// where they stopped instead of repeating work.
package ingest

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/integrate"
	"github.com/entropywiki/entropy/internal/router"
)

// Job statuses.
const (
	JobPending    = "pending"
	JobProcessing = "processing"
	JobCompleted  = "completed"
	JobFailed     = "failed"
	JobCancelled  = "cancelled"
)

// Job modes record where a batch came from.
const (
	ModeManual    = "manual"
	ModeScheduled = "scheduled"
	ModeAPI       = "api"
)

// Item statuses. The first four are active; completed, failed, and skipped
// are terminal.
const (
	ItemPending     = "pending"
	ItemExtracting  = "extracting"
	ItemRouting     = "routing"
	ItemIntegrating = "integrating"
	ItemCompleted   = "completed"
	ItemFailed      = "failed"
	ItemSkipped     = "skipped"
)

// Item source types.
const (
	SourceURL  = "url"
	SourceText = "text"
	SourceFile = "file"
	SourceAPI  = "api"
)

var (
	// ErrJobNotFound indicates no job matches the given ID.
	ErrJobNotFound = errors.New("job not found")

	// ErrItemNotFound indicates no item matches the given ID.
	ErrItemNotFound = errors.New("item not found")

	// ErrNoPendingJob indicates the queue has no claimable job.
	ErrNoPendingJob = errors.New("no pending job")

	// ErrJobProcessing indicates an operation that requires a settled job
	// hit one that is currently being processed.
	ErrJobProcessing = errors.New("job is processing")

	// ErrInvalidSubmission indicates a batch failed validation; nothing
	// was persisted.
	ErrInvalidSubmission = errors.New("invalid submission")

	// ErrNotAwaitingReview indicates approval was requested for an item
	// that is not paused at the review gate.
	ErrNotAwaitingReview = errors.New("item is not awaiting review")
)

// JobMetadata is the submission options stored on a job.
type JobMetadata struct {
	// ReviewMode pauses each item after routing until approved.
	ReviewMode bool `json:"review_mode,omitempty"`
}

// Job is one batch of submitted sources.
type Job struct {
	ID             uuid.UUID   `json:"id"`
	Status         string      `json:"status"`
	Mode           string      `json:"mode"`
	TotalItems     int         `json:"total_items"`
	ProcessedItems int         `json:"processed_items"`
	FailedItems    int         `json:"failed_items"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	Metadata       JobMetadata `json:"metadata"`
	CreatedAt      time.Time   `json:"created_at"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	CompletedAt    *time.Time  `json:"completed_at,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// Terminal reports whether the job has finished processing.
func (j Job) Terminal() bool {
	switch j.Status {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// ItemMetadata is the item bookkeeping that does not warrant a column:
// retry state, submission hints, and the integration result.
type ItemMetadata struct {
	RetryCount     int               `json:"retry_count,omitempty"`
	ContentType    string            `json:"content_type,omitempty"`
	SuggestedSlug  string            `json:"suggested_slug,omitempty"`
	SuggestedTitle string            `json:"suggested_title,omitempty"`
	Result         *integrate.Result `json:"result,omitempty"`
}

// Item is one submitted source moving through the pipeline.
type Item struct {
	ID            uuid.UUID `json:"id"`
	JobID         uuid.UUID `json:"job_id"`
	SourceType    string    `json:"source_type"`
	SourceURL     string    `json:"source_url,omitempty"`
	SourceContent string    `json:"source_content,omitempty"`
	Status        string    `json:"status"`

	ExtractedTitle      string            `json:"extracted_title,omitempty"`
	ExtractedSummary    string            `json:"extracted_summary,omitempty"`
	ExtractedContent    string            `json:"extracted_content,omitempty"`
	ExtractedTopics     []string          `json:"extracted_topics,omitempty"`
	ExtractedEntities   map[string]string `json:"extracted_entities,omitempty"`
	ExtractedConfidence float64           `json:"extracted_confidence,omitempty"`

	RoutingDecision   string     `json:"routing_decision,omitempty"`
	TargetPageID      *uuid.UUID `json:"target_page_id,omitempty"`
	TargetSection     string     `json:"target_section,omitempty"`
	RoutingReasoning  string     `json:"routing_reasoning,omitempty"`
	RoutingConfidence float64    `json:"routing_confidence,omitempty"`

	ErrorMessage string       `json:"error_message,omitempty"`
	Metadata     ItemMetadata `json:"metadata"`
	NotBefore    *time.Time   `json:"not_before,omitempty"`
	CreatedAt    time.Time    `json:"created_at"`
	ProcessedAt  *time.Time   `json:"processed_at,omitempty"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

// Terminal reports whether the item has finished the pipeline.
func (it Item) Terminal() bool {
	switch it.Status {
	case ItemCompleted, ItemFailed, ItemSkipped:
		return true
	}
	return false
}

// Extraction rebuilds the extraction result persisted on the item.
func (it Item) Extraction() extract.Extraction {
	return extract.Extraction{
		Title:      it.ExtractedTitle,
		Summary:    it.ExtractedSummary,
		Content:    it.ExtractedContent,
		Topics:     it.ExtractedTopics,
		Entities:   it.ExtractedEntities,
		Confidence: it.ExtractedConfidence,
		SourceURL:  it.SourceURL,
	}
}

// Decision rebuilds the routing decision persisted on the item.
func (it Item) Decision() router.Decision {
	return router.Decision{
		Action:         it.RoutingDecision,
		TargetPageID:   it.TargetPageID,
		TargetSection:  it.TargetSection,
		SuggestedSlug:  it.Metadata.SuggestedSlug,
		SuggestedTitle: it.Metadata.SuggestedTitle,
		Confidence:     it.RoutingConfidence,
		Reasoning:      it.RoutingReasoning,
	}
}
