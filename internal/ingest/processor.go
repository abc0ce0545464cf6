package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/router"
	"github.com/entropywiki/entropy/internal/similarity"
)

// retryDelays is the backoff schedule for failed items, indexed by how many
// retries the item has already had.
var retryDelays = []time.Duration{5 * time.Second, 30 * time.Second, 120 * time.Second}

// ErrLockHeld indicates another processor instance holds the lease.
var ErrLockHeld = errors.New("processor lock held by another instance")

// Extractor turns a submitted source into structured content.
type Extractor interface {
	Extract(ctx context.Context, sourceType, rawURL, content string) extract.Extraction
}

// Decider produces a routing decision for an extraction.
type Decider interface {
	Route(ctx context.Context, ext extract.Extraction) (router.Decision, []similarity.Match)
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	// PollInterval is the queue polling period. Default: 5s.
	PollInterval time.Duration

	// MaxRetries bounds retries per item beyond the first attempt.
	// Zero means the default of 3; negative disables retries.
	MaxRetries int

	// LockPath is the lease file that keeps polling single-instance.
	// Empty disables the lease.
	LockPath string
}

// Processor drives the pipeline: it polls for claimable jobs and moves each
// of their items through extract, route, and integrate.
//
// Polling is single-flight: a tick that arrives while a cycle is still
// running is dropped, and a file lease keeps a second process from polling
// the same queue.
type Processor struct {
	store      *Store
	extractor  Extractor
	decider    Decider
	integrator Integrator
	opts       ProcessorOptions
	busy       atomic.Bool
	tracer     trace.Tracer
	logger     log.Logger
}

// NewProcessor creates a Processor.
func NewProcessor(store *Store, extractor Extractor, decider Decider, integrator Integrator, opts ProcessorOptions, logger log.Logger) *Processor {
	if logger == nil {
		logger = log.NewNop()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 5 * time.Second
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	} else if opts.MaxRetries == 0 {
		opts.MaxRetries = 3
	}
	return &Processor{
		store:      store,
		extractor:  extractor,
		decider:    decider,
		integrator: integrator,
		opts:       opts,
		tracer:     otel.Tracer("github.com/entropywiki/entropy/internal/ingest"),
		logger:     logger,
	}
}

// Run polls the queue until ctx is canceled. The first cycle runs
// immediately; later cycles follow the poll interval. Returns ErrLockHeld
// without polling when another instance holds the lease.
func (p *Processor) Run(ctx context.Context) error {
	if p.opts.LockPath != "" {
		lock := flock.New(p.opts.LockPath)
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("acquiring processor lock %s: %w", p.opts.LockPath, err)
		}
		if !locked {
			return ErrLockHeld
		}
		defer func() {
			if err := lock.Unlock(); err != nil {
				p.logger.Warn("releasing processor lock", "error", err)
			}
		}()
	}

	if n, err := p.store.RecoverStalledItems(ctx); err != nil {
		p.logger.Warn("recovering stalled items", "error", err)
	} else if n > 0 {
		p.logger.Info("recovered stalled items", "count", n)
	}

	p.logger.Info("processor started", "poll_interval", p.opts.PollInterval)

	ticker := time.NewTicker(p.opts.PollInterval)
	defer ticker.Stop()

	p.cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("processor stopped")
			return nil
		case <-ticker.C:
			p.cycle(ctx)
		}
	}
}

// cycle drains the queue once. Overlapping ticks are dropped.
func (p *Processor) cycle(ctx context.Context) {
	if !p.busy.CompareAndSwap(false, true) {
		return
	}
	defer p.busy.Store(false)

	for ctx.Err() == nil {
		job, err := p.store.ClaimNextJob(ctx)
		if errors.Is(err, ErrNoPendingJob) {
			return
		}
		if err != nil {
			p.logger.Error("claiming job", "error", err)
			return
		}
		p.processJob(ctx, job)
	}
}

// processJob runs every runnable item of the job and re-derives the job's
// status afterwards.
func (p *Processor) processJob(ctx context.Context, job Job) {
	ctx, span := p.tracer.Start(ctx, "ingest.job",
		trace.WithAttributes(attribute.String("job.id", job.ID.String())))
	defer span.End()

	p.logger.Info("processing job", "job_id", job.ID, "review_mode", job.Metadata.ReviewMode)

	items, err := p.store.RunnableItems(ctx, job.ID)
	if err != nil {
		p.logger.Error("listing job items", "job_id", job.ID, "error", err)
		if failErr := p.store.FailJob(ctx, job.ID, fmt.Sprintf("listing items: %v", err)); failErr != nil {
			p.logger.Error("failing job", "job_id", job.ID, "error", failErr)
		}
		return
	}

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}
		p.processItem(ctx, job, item)
	}

	if _, err := p.store.SyncJobStatus(ctx, job.ID); err != nil {
		p.logger.Error("syncing job status", "job_id", job.ID, "error", err)
	}
}

// processItem moves one item through the pipeline; stage failures go
// through the retry schedule.
func (p *Processor) processItem(ctx context.Context, job Job, item Item) {
	ctx, span := p.tracer.Start(ctx, "ingest.item",
		trace.WithAttributes(
			attribute.String("item.id", item.ID.String()),
			attribute.String("item.source_type", item.SourceType)))
	defer span.End()

	if err := p.runStages(ctx, job, item); err != nil {
		p.handleFailure(ctx, item, err)
	}
}

func (p *Processor) runStages(ctx context.Context, job Job, item Item) error {
	// Extract
	ctx, extractSpan := p.tracer.Start(ctx, "ingest.extract")
	if err := p.store.MarkItemStatus(ctx, item.ID, ItemExtracting); err != nil {
		extractSpan.End()
		return err
	}
	ext := p.extractor.Extract(ctx, item.SourceType, item.SourceURL, item.SourceContent)
	if err := p.store.SaveExtraction(ctx, item.ID, ext); err != nil {
		extractSpan.End()
		return err
	}
	extractSpan.End()

	if strings.TrimSpace(ext.Content) == "" && strings.TrimSpace(ext.Summary) == "" {
		if reason, ok := ext.Entities["error"]; ok {
			return fmt.Errorf("extraction failed: %s", reason)
		}
		return errors.New("extraction produced no content")
	}

	// Route
	ctx, routeSpan := p.tracer.Start(ctx, "ingest.route")
	decision, _ := p.decider.Route(ctx, ext)
	routeSpan.End()

	if job.Metadata.ReviewMode {
		// Pause at the review gate. The item keeps status routing until
		// approved; the stored decision is what approval will apply.
		if err := p.store.SaveRouting(ctx, item.ID, decision, ItemRouting); err != nil {
			return err
		}
		p.logger.Info("item awaiting review",
			"item_id", item.ID, "action", decision.Action, "confidence", decision.Confidence)
		return nil
	}
	if err := p.store.SaveRouting(ctx, item.ID, decision, ItemIntegrating); err != nil {
		return err
	}

	// Integrate
	ctx, integrateSpan := p.tracer.Start(ctx, "ingest.integrate")
	result, err := p.integrator.Apply(ctx, ext, decision, true)
	integrateSpan.End()
	if err != nil {
		return fmt.Errorf("integration: %w", err)
	}

	status := ItemCompleted
	if result.Action == router.ActionSkip {
		status = ItemSkipped
	}
	if err := p.store.CompleteItem(ctx, item.ID, status, result); err != nil {
		return err
	}

	p.logger.Info("item processed",
		"item_id", item.ID, "action", result.Action, "page_id", result.PageID)
	return nil
}

// handleFailure applies the retry schedule: under the retry budget the item
// goes back to pending behind a not-before gate, otherwise it fails
// terminally.
func (p *Processor) handleFailure(ctx context.Context, item Item, cause error) {
	retries := item.Metadata.RetryCount
	if retries < p.opts.MaxRetries {
		delay := retryDelays[min(retries, len(retryDelays)-1)]
		p.logger.Warn("item failed, scheduling retry",
			"item_id", item.ID, "attempt", retries+1, "delay", delay, "error", cause)
		if err := p.store.ScheduleRetry(ctx, item.ID, retries+1, cause.Error(), time.Now().Add(delay)); err != nil {
			p.logger.Error("scheduling retry", "item_id", item.ID, "error", err)
		}
		return
	}

	p.logger.Error("item failed terminally", "item_id", item.ID, "error", cause)
	if err := p.store.FailItem(ctx, item.ID, fmt.Sprintf("Max retries exceeded: %v", cause)); err != nil {
		p.logger.Error("failing item", "item_id", item.ID, "error", err)
	}
}
