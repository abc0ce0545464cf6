package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/entropywiki/entropy/db"
	"github.com/entropywiki/entropy/internal/api"
	"github.com/entropywiki/entropy/internal/config"
	"github.com/entropywiki/entropy/internal/extract"
	"github.com/entropywiki/entropy/internal/genai"
	"github.com/entropywiki/entropy/internal/ingest"
	"github.com/entropywiki/entropy/internal/integrate"
	"github.com/entropywiki/entropy/internal/log"
	"github.com/entropywiki/entropy/internal/observability"
	"github.com/entropywiki/entropy/internal/router"
	"github.com/entropywiki/entropy/internal/similarity"
	"github.com/entropywiki/entropy/internal/wiki"
)

// Setup creates and initializes the application.
// Returns an App with embedded cleanup — call Close() to release.
func Setup(ctx context.Context, cfg *config.Config, logger log.Logger) (_ *App, retErr error) {
	a := &App{Config: cfg, Logger: logger}

	// On error, clean up everything already initialized
	defer func() {
		if retErr != nil {
			if err := a.Close(); err != nil {
				logger.Warn("cleanup during setup failure", "error", err)
			}
		}
	}()

	a.otelCleanup = provideOtelShutdown(ctx, cfg, logger)

	pool, err := provideDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	a.Pool = pool

	g, err := genai.Init(ctx)
	if err != nil {
		return nil, fmt.Errorf("initializing genkit: %w", err)
	}
	a.Genkit = g

	embedder := genai.NewEmbedder(g, cfg.EmbedderModel)
	generator := genai.NewGenerator(g, cfg.ModelName, logger)

	a.Wiki = wiki.NewStore(pool, logger)
	a.Index = similarity.NewIndex(pool, embedder, logger)

	extractor := extract.New(extract.Options{
		Timeout:     cfg.FetchTimeout(),
		RatePerSec:  cfg.FetchRatePerSec,
		GitHubToken: cfg.GitHubToken,
	}, logger)

	rt := router.New(generator, a.Index, logger)
	integrator := integrate.New(a.Wiki, a.Index, generator, logger)

	store := ingest.NewStore(pool, logger)
	a.Ingest = ingest.NewService(store, integrator, cfg.ProcessingMode == config.ModeReview, logger)
	a.Processor = ingest.NewProcessor(store, extractor, rt, integrator, ingest.ProcessorOptions{
		PollInterval: cfg.PollInterval(),
		MaxRetries:   cfg.MaxRetries,
		LockPath:     lockPath(),
	}, logger)

	server, err := api.NewServer(api.ServerConfig{
		Logger:      logger,
		Ingest:      a.Ingest,
		Pages:       a.Wiki,
		Index:       a.Index,
		DB:          pool,
		AdminToken:  cfg.AdminToken,
		CORSOrigins: cfg.CORSOrigins,
		TrustProxy:  cfg.TrustProxy,
	})
	if err != nil {
		return nil, fmt.Errorf("creating API server: %w", err)
	}
	a.Server = server

	return a, nil
}

// provideOtelShutdown sets up trace export and returns a cleanup that
// flushes pending spans with a bounded timeout.
func provideOtelShutdown(ctx context.Context, cfg *config.Config, logger log.Logger) func() {
	shutdown, err := observability.Setup(ctx, cfg.Tracing, logger)
	if err != nil {
		logger.Warn("setting up tracing", "error", err)
		return func() {}
	}

	//nolint:contextcheck // Independent context: shutdown runs during teardown when parent is canceled
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down tracer provider", "error", err)
		}
	}
}

// provideDBPool runs migrations and creates a PostgreSQL connection pool.
func provideDBPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection config: %w", err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute
	poolCfg.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return pool, nil
}

// lockPath is the flock file keeping concurrent pipeline instances from
// claiming the same jobs.
func lockPath() string {
	return filepath.Join(os.TempDir(), "entropy-ingest.lock")
}
