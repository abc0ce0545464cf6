// Package api exposes the HTTP surface: a public read-only page API, a
// bearer-token admin API for the ingestion pipeline, and health probes.
package api

import (
	"errors"
	"net/http"

	"github.com/entropywiki/entropy/internal/log"
)

// ServerConfig contains configuration for creating the API server.
type ServerConfig struct {
	Logger      log.Logger
	Ingest      IngestService  // Required
	Pages       PageStore      // Required
	Index       EmbeddingIndex // Required
	DB          Pinger         // Required: backs the /ready probe
	AdminToken  string         // Bearer token for /admin routes; empty locks them out
	CORSOrigins []string       // Allowed origins for CORS
	TrustProxy  bool           // Trust X-Real-IP/X-Forwarded-For headers (behind reverse proxy)
	RateBurst   int            // Rate limiter burst size per IP (0 = default 60)
}

// Server is the JSON API HTTP server.
type Server struct {
	mux *http.ServeMux
}

// NewServer creates the API server with all routes configured.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.Ingest == nil {
		return nil, errors.New("ingest service is required")
	}
	if cfg.Pages == nil {
		return nil, errors.New("page store is required")
	}
	if cfg.Index == nil {
		return nil, errors.New("similarity index is required")
	}
	if cfg.DB == nil {
		return nil, errors.New("database handle is required")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = log.NewNop()
	}

	mux := http.NewServeMux()

	// Public read-only pages
	ph := &pagesHandler{store: cfg.Pages, index: cfg.Index, logger: logger}
	mux.HandleFunc("GET /pages", ph.list)
	mux.HandleFunc("GET /pages/{slug}", ph.get)

	// Admin ingestion API behind bearer-token auth
	ih := &ingestHandler{service: cfg.Ingest, index: cfg.Index, logger: logger}
	adminMux := http.NewServeMux()
	adminMux.HandleFunc("DELETE /admin/pages/{slug}", ph.delete)
	adminMux.HandleFunc("POST /admin/ingest", ih.submit)
	adminMux.HandleFunc("GET /admin/ingest/jobs", ih.listJobs)
	adminMux.HandleFunc("GET /admin/ingest/jobs/{id}", ih.getJob)
	adminMux.HandleFunc("GET /admin/ingest/jobs/{id}/items", ih.listItems)
	adminMux.HandleFunc("POST /admin/ingest/jobs/{id}/retry", ih.retryJob)
	adminMux.HandleFunc("POST /admin/ingest/items/{itemID}/approve", ih.approveItem)
	adminMux.HandleFunc("DELETE /admin/ingest/jobs/{id}", ih.deleteJob)
	adminMux.HandleFunc("POST /admin/ingest/embeddings/backfill", ih.backfillEmbeddings)
	mux.Handle("/admin/", authMiddleware(cfg.AdminToken, logger)(adminMux))

	// Rate limiter: per-IP token bucket (1 token/sec refill)
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 60
	}
	rl := newRateLimiter(1.0, burst)

	// Build middleware stack (outermost first):
	//   Recovery → RequestID → Logging → CORS → RateLimit → Routes
	// RequestID must be before Logging so request_id is available in log attributes.
	// CORS must be before RateLimit so preflight OPTIONS gets proper CORS headers.
	var handler http.Handler = mux
	handler = rateLimitMiddleware(rl, cfg.TrustProxy, logger)(handler)
	handler = corsMiddleware(cfg.CORSOrigins)(handler)
	handler = loggingMiddleware(logger)(handler)
	handler = requestIDMiddleware()(handler)
	handler = recoveryMiddleware(logger)(handler)

	// Health probes bypass the middleware stack so load balancers never get
	// rate limited or logged per poll.
	topMux := http.NewServeMux()
	topMux.HandleFunc("GET /health", handleHealth(logger))
	topMux.HandleFunc("GET /ready", handleReady(cfg.DB, logger))
	topMux.Handle("/", handler)

	return &Server{mux: topMux}, nil
}

// Handler returns the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}
