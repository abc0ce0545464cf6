// Package app provides application initialization and dependency wiring.
//
// Setup builds the full object graph in dependency order: tracing, database
// pool (with migrations), Genkit, and the wiki/similarity/ingestion layers,
// finishing with the HTTP server. App owns the resources and releases them
// in Close.
package app

import (
	"github.com/firebase/genkit/go/genkit"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entropywiki/entropy/internal/api"
	"github.com/entropywiki/entropy/internal/config"
	"github.com/entropywiki/entropy/internal/ingest"
	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/similarity"
	"github.com/entropywiki/entropy/internal/wiki"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger log.Logger

	Genkit *genkit.Genkit
	Pool   *pgxpool.Pool

	Wiki      *wiki.Store
	Index     *similarity.Index
	Ingest    *ingest.Service
	Processor *ingest.Processor
	Server    *api.Server

	otelCleanup func()
}

// Close gracefully releases all resources. Safe to call on a partially
// initialized App.
func (a *App) Close() error {
	if a.Logger != nil {
		a.Logger.Info("shutting down application")
	}

	// Flush pending spans before the pool goes away
	if a.otelCleanup != nil {
		a.otelCleanup()
	}

	if a.Pool != nil {
		a.Pool.Close()
	}

	return nil
}
