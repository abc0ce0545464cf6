package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	// 0. Check for nil config (defensive programming)
	if c == nil {
		return ErrConfigNil
	}

	// 1. API Key validation (required for routing and embeddings)
	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	// 2. Model configuration validation
	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	// 3. Pipeline configuration validation
	// Sub-second polling hammers the database; >5 minutes makes ingestion
	// appear stuck to operators.
	if c.PollIntervalMS < 1000 || c.PollIntervalMS > 300000 {
		return fmt.Errorf("%w: must be between 1,000 and 300,000 ms, got %d", ErrInvalidPollInterval, c.PollIntervalMS)
	}

	if c.MaxRetries < 0 || c.MaxRetries > 10 {
		return fmt.Errorf("%w: must be between 0 and 10, got %d", ErrInvalidMaxRetries, c.MaxRetries)
	}

	if c.ProcessingMode != ModeAutomatic && c.ProcessingMode != ModeReview {
		return fmt.Errorf("%w: %q is not valid, must be %q or %q",
			ErrInvalidProcessingMode, c.ProcessingMode, ModeAutomatic, ModeReview)
	}

	// 4. PostgreSQL configuration validation
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set in config.yaml",
			ErrInvalidPostgresPassword)
	}

	// CRITICAL: Warn if using default dev password (but don't block - user might be in dev)
	if c.PostgresPassword == "entropy_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}

	// Validate password strength (minimum 8 characters)
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// 5. PostgreSQL SSL mode validation
	// DO NOT mutate config in Validate() - just validate
	// Modern SSL modes only - exclude deprecated allow/prefer (MITM vulnerable)
	// Reference: https://www.postgresql.org/docs/current/libpq-ssl.html
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if c.PostgresSSLMode == "" {
		return fmt.Errorf("%w: postgres_ssl_mode is empty (should have default from setDefaults)",
			ErrInvalidPostgresSSLMode)
	}

	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v\n"+
			"Note: 'allow' and 'prefer' modes are deprecated (vulnerable to MITM attacks)",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	// 6. Admin token validation
	if c.AdminToken == "" {
		return fmt.Errorf("%w: set ENTROPY_ADMIN_TOKEN or admin_token in config.yaml",
			ErrMissingAdminToken)
	}

	if len(c.AdminToken) < 16 {
		return fmt.Errorf("%w: admin_token must be at least 16 characters (got %d)",
			ErrInvalidAdminToken, len(c.AdminToken))
	}

	return nil
}

// NormalizeMode normalizes a per-job processing mode override.
// Empty input falls back to the configured default mode.
func (c *Config) NormalizeMode(mode string) (string, error) {
	if mode == "" {
		return c.ProcessingMode, nil
	}
	if mode != ModeAutomatic && mode != ModeReview {
		return "", fmt.Errorf("%w: %q", ErrInvalidProcessingMode, mode)
	}
	return mode, nil
}
