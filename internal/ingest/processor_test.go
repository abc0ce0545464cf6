package ingest_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"go.uber.org/goleak"

	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/ingest"
	"github.com/entropywiki/entropy/internal/integrate"
	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/router"
	"github.com/entropywiki/entropy/internal/similarity"
)

// stubExtractor returns a canned extraction, or a zero-confidence failure
// for the first failUntil calls.
type stubExtractor struct {
	mu        sync.Mutex
	calls     int
	failUntil int
}

func (s *stubExtractor) Extract(_ context.Context, sourceType, rawURL, content string) extract.Extraction {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failUntil {
		return extract.Extraction{Entities: map[string]string{"error": "connection refused"}}
	}
	return extract.Extraction{
		Title:      "Stub Title",
		Summary:    "Stub summary",
		Content:    "Stub content from " + sourceType,
		SourceURL:  rawURL,
		Confidence: 0.8,
	}
}

type stubDecider struct {
	decision router.Decision
}

func (s *stubDecider) Route(_ context.Context, _ extract.Extraction) (router.Decision, []similarity.Match) {
	return s.decision, nil
}

type stubIntegrator struct {
	mu     sync.Mutex
	calls  int
	result integrate.Result
}

func (s *stubIntegrator) Apply(_ context.Context, _ extract.Extraction, d router.Decision, publish bool) (integrate.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	res := s.result
	if res.Action == "" {
		res.Action = d.Action
	}
	res.Published = publish
	return res, nil
}

func (s *stubIntegrator) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// runProcessor starts p.Run in the background and returns a stop function
// that cancels it and waits for the loop to exit.
func runProcessor(t *testing.T, p *ingest.Processor) func() {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := p.Run(ctx); err != nil {
			t.Errorf("Run() failed: %v", err)
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// waitFor polls until cond returns true or the deadline passes.
func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not reached before deadline")
}

func TestProcessor_CompletesJob(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	pageID := uuid.New()
	integrator := &stubIntegrator{result: integrate.Result{
		Action: router.ActionNewPage, PageID: &pageID, Slug: "stub-title",
	}}
	p := ingest.NewProcessor(store, &stubExtractor{},
		&stubDecider{decision: router.Decision{Action: router.ActionNewPage, Confidence: 0.9}},
		integrator,
		ingest.ProcessorOptions{PollInterval: 20 * time.Millisecond}, log.NewNop())

	job := submitJob(t, store, ingest.JobMetadata{},
		ingest.NewItem{SourceType: ingest.SourceURL, SourceURL: "https://example.com/post"},
		ingest.NewItem{SourceType: ingest.SourceText, SourceContent: "raw notes"},
	)

	stop := runProcessor(t, p)
	defer stop()

	waitFor(t, 10*time.Second, func() bool {
		j, err := store.GetJob(ctx, job.ID)
		return err == nil && j.Terminal()
	})

	final, err := store.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob() failed: %v", err)
	}
	if final.Status != ingest.JobCompleted {
		t.Fatalf("Status = %q, want completed (error: %s)", final.Status, final.ErrorMessage)
	}
	if final.ProcessedItems != 2 || final.FailedItems != 0 {
		t.Errorf("counts = %d/%d, want 2/0", final.ProcessedItems, final.FailedItems)
	}

	items, _ := store.ListItems(ctx, job.ID, "", 10, 0)
	for _, it := range items {
		if it.Status != ingest.ItemCompleted {
			t.Errorf("item %s status = %q, want completed", it.ID, it.Status)
		}
		if it.Metadata.Result == nil || it.Metadata.Result.Slug != "stub-title" {
			t.Errorf("item %s result not recorded: %+v", it.ID, it.Metadata)
		}
		if it.ExtractedTitle != "Stub Title" {
			t.Errorf("item %s extraction not persisted", it.ID)
		}
	}
	if integrator.callCount() != 2 {
		t.Errorf("integrator called %d times, want 2", integrator.callCount())
	}
}

func TestProcessor_SkipDecisionSkipsItem(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	p := ingest.NewProcessor(store, &stubExtractor{},
		&stubDecider{decision: router.Decision{Action: router.ActionSkip, Confidence: 0.9}},
		&stubIntegrator{},
		ingest.ProcessorOptions{PollInterval: 20 * time.Millisecond}, log.NewNop())

	job := submitJob(t, store, ingest.JobMetadata{})

	stop := runProcessor(t, p)
	defer stop()

	waitFor(t, 10*time.Second, func() bool {
		j, err := store.GetJob(ctx, job.ID)
		return err == nil && j.Terminal()
	})

	items, _ := store.ListItems(ctx, job.ID, "", 10, 0)
	if items[0].Status != ingest.ItemSkipped {
		t.Errorf("item status = %q, want skipped", items[0].Status)
	}

	final, _ := store.GetJob(ctx, job.ID)
	if final.Status != ingest.JobCompleted {
		t.Errorf("Status = %q, want completed", final.Status)
	}
}

func TestProcessor_ExtractionFailureSchedulesRetry(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	p := ingest.NewProcessor(store, &stubExtractor{failUntil: 100},
		&stubDecider{decision: router.Decision{Action: router.ActionNewPage}},
		&stubIntegrator{},
		ingest.ProcessorOptions{PollInterval: 20 * time.Millisecond}, log.NewNop())

	job := submitJob(t, store, ingest.JobMetadata{})
	itemsBefore, _ := store.ListItems(ctx, job.ID, "", 10, 0)

	stop := runProcessor(t, p)
	defer stop()

	waitFor(t, 10*time.Second, func() bool {
		it, err := store.GetItem(ctx, itemsBefore[0].ID)
		return err == nil && it.Metadata.RetryCount == 1
	})

	it, _ := store.GetItem(ctx, itemsBefore[0].ID)
	if it.Status != ingest.ItemPending {
		t.Errorf("Status = %q, want pending behind retry gate", it.Status)
	}
	if it.NotBefore == nil || !it.NotBefore.After(time.Now()) {
		t.Error("NotBefore gate not set in the future")
	}
	if it.ErrorMessage == "" {
		t.Error("failure reason not recorded")
	}

	// The gated item keeps the job processing, not failed.
	j, _ := store.GetJob(ctx, job.ID)
	if j.Status != ingest.JobProcessing {
		t.Errorf("job status = %q, want processing", j.Status)
	}
}

func TestProcessor_RetriesExhaustedFailsItem(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	// Negative MaxRetries disables the retry budget entirely.
	p := ingest.NewProcessor(store, &stubExtractor{failUntil: 100},
		&stubDecider{decision: router.Decision{Action: router.ActionNewPage}},
		&stubIntegrator{},
		ingest.ProcessorOptions{PollInterval: 20 * time.Millisecond, MaxRetries: -1}, log.NewNop())

	job := submitJob(t, store, ingest.JobMetadata{})

	stop := runProcessor(t, p)
	defer stop()

	waitFor(t, 10*time.Second, func() bool {
		j, err := store.GetJob(ctx, job.ID)
		return err == nil && j.Terminal()
	})

	final, _ := store.GetJob(ctx, job.ID)
	if final.Status != ingest.JobFailed {
		t.Fatalf("Status = %q, want failed", final.Status)
	}

	items, _ := store.ListItems(ctx, job.ID, "", 10, 0)
	if items[0].Status != ingest.ItemFailed {
		t.Errorf("item status = %q, want failed", items[0].Status)
	}
	if got := items[0].ErrorMessage; !strings.HasPrefix(got, "Max retries exceeded: ") {
		t.Errorf("ErrorMessage = %q, want max-retries message", got)
	}
}

func TestProcessor_ReviewModePausesAndApprovalResumes(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	pageID := uuid.New()
	integrator := &stubIntegrator{result: integrate.Result{
		Action: router.ActionNewPage, PageID: &pageID, Slug: "stub-title",
	}}
	p := ingest.NewProcessor(store, &stubExtractor{},
		&stubDecider{decision: router.Decision{Action: router.ActionNewPage, Confidence: 0.9}},
		integrator,
		ingest.ProcessorOptions{PollInterval: 20 * time.Millisecond}, log.NewNop())
	svc := ingest.NewService(store, integrator, false, log.NewNop())

	job := submitJob(t, store, ingest.JobMetadata{ReviewMode: true})

	stop := runProcessor(t, p)
	defer stop()

	var paused ingest.Item
	waitFor(t, 10*time.Second, func() bool {
		items, err := store.ListItems(ctx, job.ID, ingest.ItemRouting, 10, 0)
		if err != nil || len(items) == 0 {
			return false
		}
		paused = items[0]
		return true
	})

	if paused.RoutingDecision != router.ActionNewPage {
		t.Errorf("paused item decision = %q", paused.RoutingDecision)
	}
	if integrator.callCount() != 0 {
		t.Fatal("review mode must not integrate before approval")
	}

	// The job must stay processing while an item awaits review.
	j, _ := store.GetJob(ctx, job.ID)
	if j.Status != ingest.JobProcessing {
		t.Errorf("job status = %q, want processing", j.Status)
	}

	approved, err := svc.Approve(ctx, paused.ID, nil)
	if err != nil {
		t.Fatalf("Approve() failed: %v", err)
	}
	if approved.Status != ingest.ItemCompleted {
		t.Errorf("approved item status = %q, want completed", approved.Status)
	}
	if integrator.callCount() != 1 {
		t.Errorf("integrator called %d times, want 1", integrator.callCount())
	}

	j, _ = store.GetJob(ctx, job.ID)
	if j.Status != ingest.JobCompleted {
		t.Errorf("job status = %q, want completed after approval", j.Status)
	}

	// Approving the same item again must be rejected.
	if _, err := svc.Approve(ctx, paused.ID, nil); err == nil {
		t.Error("second approval must fail")
	}
}

func TestProcessor_LockKeepsSecondInstanceOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	lockPath := filepath.Join(t.TempDir(), "processor.lock")
	held := flock.New(lockPath)
	locked, err := held.TryLock()
	if err != nil || !locked {
		t.Fatalf("acquiring test lock: locked=%v err=%v", locked, err)
	}
	defer held.Unlock()

	p := ingest.NewProcessor(ingest.NewStore(nil, log.NewNop()),
		&stubExtractor{}, &stubDecider{}, &stubIntegrator{},
		ingest.ProcessorOptions{PollInterval: 20 * time.Millisecond, LockPath: lockPath},
		log.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := p.Run(ctx); !errors.Is(err, ingest.ErrLockHeld) {
		t.Fatalf("Run() = %v, want ErrLockHeld", err)
	}
}

func TestProcessor_RetryBudgetNeverExceeded(t *testing.T) {
	store, cleanup := setupStore(t)
	defer cleanup()
	ctx := context.Background()

	p := ingest.NewProcessor(store, &stubExtractor{failUntil: 100},
		&stubDecider{decision: router.Decision{Action: router.ActionNewPage}},
		&stubIntegrator{},
		ingest.ProcessorOptions{PollInterval: 20 * time.Millisecond}, log.NewNop())

	job := submitJob(t, store, ingest.JobMetadata{})
	items, _ := store.ListItems(ctx, job.ID, "", 10, 0)

	// Simulate an item that has already burned its full retry budget; the
	// next failure must be terminal, not a fourth retry.
	err := store.ScheduleRetry(ctx, items[0].ID, 3, "transient", time.Now().Add(-time.Second))
	if err != nil {
		t.Fatalf("ScheduleRetry() failed: %v", err)
	}

	stop := runProcessor(t, p)
	defer stop()

	waitFor(t, 10*time.Second, func() bool {
		j, err := store.GetJob(ctx, job.ID)
		return err == nil && j.Terminal()
	})

	final, _ := store.GetItem(ctx, items[0].ID)
	if final.Status != ingest.ItemFailed {
		t.Fatalf("item status = %q, want failed", final.Status)
	}
	if final.Metadata.RetryCount != 3 {
		t.Errorf("RetryCount = %d, want 3 (no further retries scheduled)", final.Metadata.RetryCount)
	}
	if !strings.HasPrefix(final.ErrorMessage, "Max retries exceeded: ") {
		t.Errorf("ErrorMessage = %q, want max-retries message", final.ErrorMessage)
	}
}
