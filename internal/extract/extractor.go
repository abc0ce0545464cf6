package extract

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/entropywiki/entropy/internal/log"
)

// userAgent identifies our fetches to origin servers.
const userAgent = "EntropyWiki/1.0 (content extraction)"

// maxBodyBytes caps fetched response bodies.
const maxBodyBytes = 10 << 20 // 10 MiB

// Options configures an Extractor.
type Options struct {
	// Timeout bounds a single fetch. Default: 30s.
	Timeout time.Duration

	// RatePerSec limits outbound fetches across all sources. Default: 2.
	RatePerSec float64

	// GitHubToken, when set, raises GitHub API rate limits.
	GitHubToken string
}

// Extractor fetches and extracts structured content from sources.
//
// All outbound requests go through the SSRF validator and a shared rate
// limiter. Extractor is safe for concurrent use.
type Extractor struct {
	validator   *URLValidator
	client      *http.Client
	limiter     *rate.Limiter
	githubToken string
	timeout     time.Duration
	logger      log.Logger
}

// New creates an Extractor.
func New(opts Options, logger log.Logger) *Extractor {
	if logger == nil {
		logger = log.NewNop()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 2
	}

	validator := NewURLValidator()
	return &Extractor{
		validator: validator,
		client: &http.Client{
			Transport:     validator.SafeTransport(),
			CheckRedirect: validator.ValidateRedirect,
			Timeout:       opts.Timeout,
		},
		limiter:     rate.NewLimiter(rate.Limit(opts.RatePerSec), 2),
		githubToken: opts.GitHubToken,
		timeout:     opts.Timeout,
		logger:      logger,
	}
}

// Extract produces structured content for one source. URL sources are
// classified and dispatched to a per-kind strategy; non-URL sources go
// through raw text extraction. A fetch or parse failure yields a
// zero-confidence Extraction instead of an error so the caller can record
// it and move on.
func (x *Extractor) Extract(ctx context.Context, sourceType, rawURL, content string) Extraction {
	if sourceType != "url" {
		return FromText(content)
	}

	kind := ClassifyURL(rawURL)
	x.logger.Debug("extracting source", "kind", kind, "url", rawURL)

	var result Extraction
	switch kind {
	case KindIssue:
		result = x.extractIssue(ctx, rawURL)
	case KindFile:
		result = x.extractFile(ctx, rawURL)
	case KindRepo:
		result = x.extractRepo(ctx, rawURL)
	case KindSocial:
		result = x.extractSocial(ctx, rawURL)
	default:
		result = x.extractArticle(ctx, rawURL)
	}

	if result.Failed() {
		x.logger.Warn("extraction failed",
			"kind", kind, "url", rawURL, "error", result.Entities["error"])
	}
	return result
}

// get fetches a URL through the rate limiter and SSRF-safe client.
// Extra headers are applied on top of the default User-Agent.
func (x *Extractor) get(ctx context.Context, rawURL string, headers map[string]string) ([]byte, error) {
	if err := x.validator.Validate(rawURL); err != nil {
		return nil, err
	}
	if err := x.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := x.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: HTTP %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading body of %s: %w", rawURL, err)
	}
	return body, nil
}
