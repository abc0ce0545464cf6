package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/entropywiki/entropy/internal/ingest"
	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/wiki"
)

const testAdminToken = "test-admin-token"

// stubIngest implements IngestService with overridable function fields.
// Unset fields return zero values.
type stubIngest struct {
	submitFn  func(req ingest.SubmitRequest) (ingest.Job, error)
	jobsFn    func(status string, page, limit int) (ingest.JobPage, error)
	jobFn     func(id uuid.UUID, withItems bool) (ingest.JobDetail, error)
	itemsFn   func(jobID uuid.UUID, status string, page, limit int) (ingest.ItemPage, error)
	retryFn   func(jobID uuid.UUID) (ingest.Job, error)
	approveFn func(itemID uuid.UUID, override *ingest.ApproveOverride) (ingest.Item, error)
	deleteFn  func(jobID uuid.UUID, force bool) error
}

func (s *stubIngest) SubmitBatch(_ context.Context, req ingest.SubmitRequest) (ingest.Job, error) {
	if s.submitFn == nil {
		return ingest.Job{}, nil
	}
	return s.submitFn(req)
}

func (s *stubIngest) Jobs(_ context.Context, status string, page, limit int) (ingest.JobPage, error) {
	if s.jobsFn == nil {
		return ingest.JobPage{}, nil
	}
	return s.jobsFn(status, page, limit)
}

func (s *stubIngest) Job(_ context.Context, id uuid.UUID, withItems bool) (ingest.JobDetail, error) {
	if s.jobFn == nil {
		return ingest.JobDetail{}, nil
	}
	return s.jobFn(id, withItems)
}

func (s *stubIngest) Items(_ context.Context, jobID uuid.UUID, status string, page, limit int) (ingest.ItemPage, error) {
	if s.itemsFn == nil {
		return ingest.ItemPage{}, nil
	}
	return s.itemsFn(jobID, status, page, limit)
}

func (s *stubIngest) Retry(_ context.Context, jobID uuid.UUID) (ingest.Job, error) {
	if s.retryFn == nil {
		return ingest.Job{}, nil
	}
	return s.retryFn(jobID)
}

func (s *stubIngest) Approve(_ context.Context, itemID uuid.UUID, override *ingest.ApproveOverride) (ingest.Item, error) {
	if s.approveFn == nil {
		return ingest.Item{}, nil
	}
	return s.approveFn(itemID, override)
}

func (s *stubIngest) Delete(_ context.Context, jobID uuid.UUID, force bool) error {
	if s.deleteFn == nil {
		return nil
	}
	return s.deleteFn(jobID, force)
}

type stubPages struct {
	pages   []wiki.Page
	content map[uuid.UUID]string
	deleted []uuid.UUID
}

func (s *stubPages) List(_ context.Context, status string, limit, offset int) ([]wiki.Page, error) {
	var out []wiki.Page
	for _, p := range s.pages {
		if p.Status == status {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *stubPages) GetBySlug(_ context.Context, slug string) (wiki.Page, error) {
	for _, p := range s.pages {
		if p.Slug == slug {
			return p, nil
		}
	}
	return wiki.Page{}, fmt.Errorf("%w: slug %s", wiki.ErrPageNotFound, slug)
}

func (s *stubPages) PublishedContent(_ context.Context, pageID uuid.UUID) (string, error) {
	content, ok := s.content[pageID]
	if !ok {
		return "", wiki.ErrNoContent
	}
	return content, nil
}

func (s *stubPages) Delete(_ context.Context, pageID uuid.UUID) error {
	for i, p := range s.pages {
		if p.ID == pageID {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			s.deleted = append(s.deleted, pageID)
			return nil
		}
	}
	return fmt.Errorf("%w: id %s", wiki.ErrPageNotFound, pageID)
}

type stubIndex struct {
	indexed  int
	err      error
	scrubbed []uuid.UUID
}

func (s *stubIndex) Backfill(context.Context) (int, error) {
	return s.indexed, s.err
}

func (s *stubIndex) DeletePage(_ context.Context, pageID uuid.UUID) error {
	s.scrubbed = append(s.scrubbed, pageID)
	return s.err
}

type stubPinger struct {
	err error
}

func (s *stubPinger) Ping(context.Context) error { return s.err }

type testDeps struct {
	ingest *stubIngest
	pages  *stubPages
	index  *stubIndex
	db     *stubPinger
}

func newTestServer(t *testing.T, deps testDeps) *Server {
	t.Helper()

	if deps.ingest == nil {
		deps.ingest = &stubIngest{}
	}
	if deps.pages == nil {
		deps.pages = &stubPages{}
	}
	if deps.index == nil {
		deps.index = &stubIndex{}
	}
	if deps.db == nil {
		deps.db = &stubPinger{}
	}

	srv, err := NewServer(ServerConfig{
		Logger:     log.NewNop(),
		Ingest:     deps.ingest,
		Pages:      deps.pages,
		Index:      deps.index,
		DB:         deps.db,
		AdminToken: testAdminToken,
		RateBurst:  1000,
	})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	return srv
}

func doRequest(t *testing.T, srv *Server, method, path, body string, authed bool) *httptest.ResponseRecorder {
	t.Helper()

	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, path, nil)
	} else {
		r = httptest.NewRequest(method, path, strings.NewReader(body))
		r.Header.Set("Content-Type", "application/json")
	}
	if authed {
		r.Header.Set("Authorization", "Bearer "+testAdminToken)
	}

	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorResponse {
	t.Helper()

	var resp errorResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error response: %v", err)
	}
	return resp
}

func TestNewServer_MissingDependencies(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	if err == nil {
		t.Fatal("NewServer(empty config) expected error, got nil")
	}
}

func TestHealthProbes(t *testing.T) {
	srv := newTestServer(t, testDeps{})

	w := doRequest(t, srv, http.MethodGet, "/health", "", false)
	if w.Code != http.StatusOK {
		t.Errorf("GET /health status = %d, want %d", w.Code, http.StatusOK)
	}

	w = doRequest(t, srv, http.MethodGet, "/ready", "", false)
	if w.Code != http.StatusOK {
		t.Errorf("GET /ready status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestReadyProbe_DatabaseDown(t *testing.T) {
	srv := newTestServer(t, testDeps{db: &stubPinger{err: errors.New("connection refused")}})

	w := doRequest(t, srv, http.MethodGet, "/ready", "", false)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("GET /ready status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if resp := decodeError(t, w); resp.Error != "not_ready" {
		t.Errorf("error code = %q, want %q", resp.Error, "not_ready")
	}
}

func TestAdminAuth(t *testing.T) {
	srv := newTestServer(t, testDeps{})

	// No token
	w := doRequest(t, srv, http.MethodGet, "/admin/ingest/jobs", "", false)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("unauthenticated status = %d, want %d", w.Code, http.StatusUnauthorized)
	}

	// Wrong token
	r := httptest.NewRequest(http.MethodGet, "/admin/ingest/jobs", nil)
	r.Header.Set("Authorization", "Bearer wrong-token")
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, r)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}

	// Valid token
	w = doRequest(t, srv, http.MethodGet, "/admin/ingest/jobs", "", true)
	if w.Code != http.StatusOK {
		t.Errorf("authenticated status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestAdminAuth_NoTokenConfigured(t *testing.T) {
	srv, err := NewServer(ServerConfig{
		Logger: log.NewNop(),
		Ingest: &stubIngest{},
		Pages:  &stubPages{},
		Index:  &stubIndex{},
		DB:     &stubPinger{},
	})
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}

	r := httptest.NewRequest(http.MethodGet, "/admin/ingest/jobs", nil)
	r.Header.Set("Authorization", "Bearer anything")
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, r)

	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusForbidden)
	}
}

func TestSubmit(t *testing.T) {
	jobID := uuid.New()
	svc := &stubIngest{
		submitFn: func(req ingest.SubmitRequest) (ingest.Job, error) {
			if len(req.Items) != 1 || req.Items[0].URL != "https://example.com/article" {
				return ingest.Job{}, fmt.Errorf("unexpected request: %+v", req)
			}
			return ingest.Job{ID: jobID, Status: ingest.JobPending, TotalItems: 1}, nil
		},
	}
	srv := newTestServer(t, testDeps{ingest: svc})

	body := `{"items":[{"source_type":"url","url":"https://example.com/article"}]}`
	w := doRequest(t, srv, http.MethodPost, "/admin/ingest", body, true)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusCreated, w.Body.String())
	}

	var job ingest.Job
	if err := json.NewDecoder(w.Body).Decode(&job); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if job.ID != jobID {
		t.Errorf("job ID = %s, want %s", job.ID, jobID)
	}
}

func TestSubmit_InvalidJSON(t *testing.T) {
	srv := newTestServer(t, testDeps{})

	w := doRequest(t, srv, http.MethodPost, "/admin/ingest", "{not json", true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if resp := decodeError(t, w); resp.Error != "invalid_json" {
		t.Errorf("error code = %q, want %q", resp.Error, "invalid_json")
	}
}

func TestSubmit_ValidationError(t *testing.T) {
	svc := &stubIngest{
		submitFn: func(ingest.SubmitRequest) (ingest.Job, error) {
			return ingest.Job{}, fmt.Errorf("%w: item 0: unknown source type", ingest.ErrInvalidSubmission)
		},
	}
	srv := newTestServer(t, testDeps{ingest: svc})

	w := doRequest(t, srv, http.MethodPost, "/admin/ingest", `{"items":[{"source_type":"bogus"}]}`, true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if resp := decodeError(t, w); resp.Error != "invalid_submission" {
		t.Errorf("error code = %q, want %q", resp.Error, "invalid_submission")
	}
}

func TestGetJob_NotFound(t *testing.T) {
	svc := &stubIngest{
		jobFn: func(id uuid.UUID, _ bool) (ingest.JobDetail, error) {
			return ingest.JobDetail{}, fmt.Errorf("%w: id %s", ingest.ErrJobNotFound, id)
		},
	}
	srv := newTestServer(t, testDeps{ingest: svc})

	w := doRequest(t, srv, http.MethodGet, "/admin/ingest/jobs/"+uuid.NewString(), "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGetJob_InvalidID(t *testing.T) {
	srv := newTestServer(t, testDeps{})

	w := doRequest(t, srv, http.MethodGet, "/admin/ingest/jobs/not-a-uuid", "", true)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
	if resp := decodeError(t, w); resp.Error != "invalid_id" {
		t.Errorf("error code = %q, want %q", resp.Error, "invalid_id")
	}
}

func TestGetJob_ItemsFlag(t *testing.T) {
	var gotWithItems bool
	svc := &stubIngest{
		jobFn: func(_ uuid.UUID, withItems bool) (ingest.JobDetail, error) {
			gotWithItems = withItems
			return ingest.JobDetail{}, nil
		},
	}
	srv := newTestServer(t, testDeps{ingest: svc})

	doRequest(t, srv, http.MethodGet, "/admin/ingest/jobs/"+uuid.NewString(), "", true)
	if !gotWithItems {
		t.Error("items should default to true")
	}

	doRequest(t, srv, http.MethodGet, "/admin/ingest/jobs/"+uuid.NewString()+"?items=false", "", true)
	if gotWithItems {
		t.Error("items=false should be honored")
	}
}

func TestRetry_Conflict(t *testing.T) {
	svc := &stubIngest{
		retryFn: func(jobID uuid.UUID) (ingest.Job, error) {
			return ingest.Job{}, fmt.Errorf("%w: job %s", ingest.ErrJobProcessing, jobID)
		},
	}
	srv := newTestServer(t, testDeps{ingest: svc})

	w := doRequest(t, srv, http.MethodPost, "/admin/ingest/jobs/"+uuid.NewString()+"/retry", "", true)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if resp := decodeError(t, w); resp.Error != "job_processing" {
		t.Errorf("error code = %q, want %q", resp.Error, "job_processing")
	}
}

func TestApprove(t *testing.T) {
	itemID := uuid.New()
	var gotOverride *ingest.ApproveOverride
	svc := &stubIngest{
		approveFn: func(id uuid.UUID, override *ingest.ApproveOverride) (ingest.Item, error) {
			gotOverride = override
			return ingest.Item{ID: id, Status: ingest.ItemCompleted}, nil
		},
	}
	srv := newTestServer(t, testDeps{ingest: svc})

	// Empty body: approve the stored decision unchanged
	w := doRequest(t, srv, http.MethodPost, "/admin/ingest/items/"+itemID.String()+"/approve", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}
	if gotOverride != nil {
		t.Errorf("override = %+v, want nil for empty body", gotOverride)
	}

	// Override body
	body := `{"decision":"new_page"}`
	w = doRequest(t, srv, http.MethodPost, "/admin/ingest/items/"+itemID.String()+"/approve", body, true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}
	if gotOverride == nil || gotOverride.Decision != "new_page" {
		t.Errorf("override = %+v, want decision new_page", gotOverride)
	}
}

func TestApprove_NotAwaitingReview(t *testing.T) {
	svc := &stubIngest{
		approveFn: func(id uuid.UUID, _ *ingest.ApproveOverride) (ingest.Item, error) {
			return ingest.Item{}, fmt.Errorf("%w: item %s is completed", ingest.ErrNotAwaitingReview, id)
		},
	}
	srv := newTestServer(t, testDeps{ingest: svc})

	w := doRequest(t, srv, http.MethodPost, "/admin/ingest/items/"+uuid.NewString()+"/approve", "", true)
	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusConflict)
	}
	if resp := decodeError(t, w); resp.Error != "not_awaiting_review" {
		t.Errorf("error code = %q, want %q", resp.Error, "not_awaiting_review")
	}
}

func TestDeleteJob(t *testing.T) {
	var gotForce bool
	svc := &stubIngest{
		deleteFn: func(_ uuid.UUID, force bool) error {
			gotForce = force
			return nil
		},
	}
	srv := newTestServer(t, testDeps{ingest: svc})

	w := doRequest(t, srv, http.MethodDelete, "/admin/ingest/jobs/"+uuid.NewString()+"?force=true", "", true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNoContent)
	}
	if !gotForce {
		t.Error("force=true should be passed through")
	}
}

func TestBackfillEmbeddings(t *testing.T) {
	srv := newTestServer(t, testDeps{index: &stubIndex{indexed: 7}})

	w := doRequest(t, srv, http.MethodPost, "/admin/ingest/embeddings/backfill", "", true)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp map[string]int
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp["indexed"] != 7 {
		t.Errorf("indexed = %d, want 7", resp["indexed"])
	}
}

func TestListPages_PublishedOnly(t *testing.T) {
	published := wiki.Page{ID: uuid.New(), Slug: "go-concurrency", Title: "Go Concurrency", Status: wiki.StatusPublished}
	draft := wiki.Page{ID: uuid.New(), Slug: "wip", Title: "WIP", Status: wiki.StatusDraft}
	srv := newTestServer(t, testDeps{pages: &stubPages{pages: []wiki.Page{published, draft}}})

	w := doRequest(t, srv, http.MethodGet, "/pages", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
	}

	var resp struct {
		Pages []pageSummary `json:"pages"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(resp.Pages) != 1 || resp.Pages[0].Slug != "go-concurrency" {
		t.Errorf("pages = %+v, want only the published page", resp.Pages)
	}
}

func TestGetPage(t *testing.T) {
	page := wiki.Page{ID: uuid.New(), Slug: "go-concurrency", Title: "Go Concurrency", Status: wiki.StatusPublished}
	srv := newTestServer(t, testDeps{pages: &stubPages{
		pages:   []wiki.Page{page},
		content: map[uuid.UUID]string{page.ID: "# Go Concurrency\n\nGoroutines are cheap."},
	}})

	w := doRequest(t, srv, http.MethodGet, "/pages/go-concurrency", "", false)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusOK, w.Body.String())
	}

	var resp pageResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if resp.Slug != "go-concurrency" || !strings.Contains(resp.Content, "Goroutines") {
		t.Errorf("response = %+v, want slug and content", resp)
	}
}

func TestGetPage_DraftHidden(t *testing.T) {
	page := wiki.Page{ID: uuid.New(), Slug: "wip", Title: "WIP", Status: wiki.StatusDraft}
	srv := newTestServer(t, testDeps{pages: &stubPages{pages: []wiki.Page{page}}})

	w := doRequest(t, srv, http.MethodGet, "/pages/wip", "", false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestDeletePage(t *testing.T) {
	page := wiki.Page{ID: uuid.New(), Slug: "stale-page", Title: "Stale", Status: wiki.StatusPublished}
	pages := &stubPages{pages: []wiki.Page{page}}
	index := &stubIndex{}
	srv := newTestServer(t, testDeps{pages: pages, index: index})

	w := doRequest(t, srv, http.MethodDelete, "/admin/pages/stale-page", "", true)
	if w.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want %d: %s", w.Code, http.StatusNoContent, w.Body.String())
	}
	if len(pages.deleted) != 1 || pages.deleted[0] != page.ID {
		t.Errorf("deleted pages = %v, want [%s]", pages.deleted, page.ID)
	}
	if len(index.scrubbed) != 1 || index.scrubbed[0] != page.ID {
		t.Errorf("scrubbed embeddings = %v, want [%s]", index.scrubbed, page.ID)
	}
}

func TestDeletePage_RequiresAuth(t *testing.T) {
	page := wiki.Page{ID: uuid.New(), Slug: "stale-page", Status: wiki.StatusPublished}
	pages := &stubPages{pages: []wiki.Page{page}}
	srv := newTestServer(t, testDeps{pages: pages})

	w := doRequest(t, srv, http.MethodDelete, "/admin/pages/stale-page", "", false)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if len(pages.deleted) != 0 {
		t.Error("unauthenticated delete must not reach the store")
	}
}

func TestDeletePage_NotFound(t *testing.T) {
	srv := newTestServer(t, testDeps{})

	w := doRequest(t, srv, http.MethodDelete, "/admin/pages/missing", "", true)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}

func TestGetPage_NotFound(t *testing.T) {
	srv := newTestServer(t, testDeps{})

	w := doRequest(t, srv, http.MethodGet, "/pages/missing", "", false)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
