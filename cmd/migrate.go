package cmd

import (
	"fmt"

	"github.com/entropywiki/entropy/db"
	"github.com/entropywiki/entropy/internal/config"
)

// runMigrate applies pending database migrations and exits. Useful for
// deploys where migrations run as a separate step before the server starts.
func runMigrate() error {
	logger := initLogger()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	if err := db.Migrate(cfg.PostgresURL()); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	logger.Info("migrations applied")
	return nil
}
