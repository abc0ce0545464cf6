package api

import (
	"context"
	"net/http"
	"time"

	"github.com/entropywiki/entropy/internal/log"
)

// Pinger reports whether the backing database is reachable.
// *pgxpool.Pool satisfies this.
type Pinger interface {
	Ping(ctx context.Context) error
}

// handleHealth is the liveness probe: the process is up and serving.
func handleHealth(logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, logger)
	}
}

// handleReady is the readiness probe: the process can reach its database.
func handleReady(db Pinger, logger log.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := db.Ping(ctx); err != nil {
			logger.Warn("readiness check failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "not_ready", "database unreachable", logger)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"}, logger)
	}
}
