// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (~/.entropy/config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - AI: Routing model, embedder model
//   - Storage: PostgreSQL connection (see storage.go)
//   - Pipeline: Poll interval, retry limits, processing mode
//   - Extract: Fetch timeouts and rate limits for source extraction
//   - Server: HTTP listen address, admin token, CORS origins
//   - Observability: OTLP trace exporter (see observability.go)
//
// Security: Sensitive data (passwords, tokens) are never logged; config directory
// uses 0750 permissions.
//
// Error Handling:
//   - Uses sentinel errors for Go-idiomatic error checking with errors.Is()
//   - Wrap with context using fmt.Errorf("%w: details", ErrXxx)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidPollInterval indicates the pipeline poll interval is out of range.
	ErrInvalidPollInterval = errors.New("invalid poll interval")

	// ErrInvalidMaxRetries indicates the retry limit is out of range.
	ErrInvalidMaxRetries = errors.New("invalid max retries")

	// ErrInvalidProcessingMode indicates the processing mode is not supported.
	ErrInvalidProcessingMode = errors.New("invalid processing mode")

	// ErrMissingAdminToken indicates the admin API token is not set.
	ErrMissingAdminToken = errors.New("missing admin token")

	// ErrInvalidAdminToken indicates the admin API token is too short.
	ErrInvalidAdminToken = errors.New("invalid admin token")
)

const (
	// DefaultGeminiEmbedderModel is the default Gemini embedder model.
	// gemini-embedding-001 outputs 3072 dimensions by default, but supports
	// truncation to 768 via OutputDimensionality (Matryoshka Representation Learning).
	// Our pgvector schema uses 768 dimensions; see similarity.VectorDimension.
	DefaultGeminiEmbedderModel = "gemini-embedding-001"

	// DefaultRoutingModel is the default model used for routing and merge decisions.
	DefaultRoutingModel = "gemini-2.5-flash"
)

// Processing modes accepted in Config.ProcessingMode and per-job overrides.
const (
	ModeAutomatic = "automatic"
	ModeReview    = "review"
)

// Config stores application configuration.
// SECURITY: Sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields (passwords, API keys, tokens), update MarshalJSON.
type Config struct {
	// AI model configuration
	ModelName     string `mapstructure:"model_name" json:"model_name"` // routing/merge model (e.g. "gemini-2.5-flash")
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// Pipeline configuration
	PollIntervalMS int    `mapstructure:"poll_interval_ms" json:"poll_interval_ms"`
	MaxRetries     int    `mapstructure:"max_retries" json:"max_retries"`
	ProcessingMode string `mapstructure:"processing_mode" json:"processing_mode"` // "automatic" (default) or "review"

	// Extraction configuration
	FetchTimeoutMS  int     `mapstructure:"fetch_timeout_ms" json:"fetch_timeout_ms"`
	FetchRatePerSec float64 `mapstructure:"fetch_rate_per_sec" json:"fetch_rate_per_sec"`
	GitHubToken     string  `mapstructure:"github_token" json:"github_token"` // SENSITIVE: masked in MarshalJSON

	// Storage configuration (see storage.go for documentation)
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	// Server configuration
	Host        string   `mapstructure:"host" json:"host"`
	Port        int      `mapstructure:"port" json:"port"`
	AdminToken  string   `mapstructure:"admin_token" json:"admin_token"` // SENSITIVE: masked in MarshalJSON
	CORSOrigins []string `mapstructure:"cors_origins" json:"cors_origins"`
	TrustProxy  bool     `mapstructure:"trust_proxy" json:"trust_proxy"` // Trust X-Real-IP/X-Forwarded-For headers (set true behind reverse proxy)

	// Observability configuration (see observability.go for type definition)
	Tracing TracingConfig `mapstructure:"tracing" json:"tracing"`
}

// PollInterval returns the pipeline poll interval as a Duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// FetchTimeout returns the extraction fetch timeout as a Duration.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutMS) * time.Millisecond
}

// Load loads configuration.
// Priority: Environment variables > Configuration file > Default values
func Load() (*Config, error) {
	// Configuration directory: ~/.entropy/
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".entropy")

	// Ensure directory exists (use 0750 permission for better security)
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	// Configure Viper
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".") // Also support current directory

	// Set default values
	setDefaults()

	// Bind environment variables
	bindEnvVariables()

	// Read configuration file (if exists)
	if err := viper.ReadInConfig(); err != nil {
		// Configuration file not found is not an error, use default values
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."},
			"config_name", "config.yaml")
	}

	// Use Unmarshal to automatically map to struct (type-safe)
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// Parse DATABASE_URL if set (highest priority for PostgreSQL config)
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	// CRITICAL: Validate immediately (fail-fast)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	// AI defaults
	viper.SetDefault("model_name", DefaultRoutingModel)
	viper.SetDefault("embedder_model", DefaultGeminiEmbedderModel)

	// Pipeline defaults
	viper.SetDefault("poll_interval_ms", 5000)
	viper.SetDefault("max_retries", 3)
	viper.SetDefault("processing_mode", ModeAutomatic)

	// Extraction defaults
	viper.SetDefault("fetch_timeout_ms", 30000)
	viper.SetDefault("fetch_rate_per_sec", 2.0)

	// PostgreSQL defaults (matching docker-compose.yml)
	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "entropy")
	viper.SetDefault("postgres_password", "entropy_dev_password")
	viper.SetDefault("postgres_db_name", "entropy")
	viper.SetDefault("postgres_ssl_mode", "disable")

	// Server defaults
	viper.SetDefault("host", "127.0.0.1")
	viper.SetDefault("port", 8080)
	viper.SetDefault("cors_origins", []string{"http://localhost:3000"})

	// Proxy trust (default: false — safe for direct exposure; set true behind reverse proxy)
	viper.SetDefault("trust_proxy", false)

	// Tracing defaults
	viper.SetDefault("tracing.endpoint", "localhost:4318")
	viper.SetDefault("tracing.environment", "dev")
	viper.SetDefault("tracing.service_name", "entropy")
}

// bindEnvVariables binds sensitive environment variables explicitly.
// Secrets arrive via environment only:
//  1. GEMINI_API_KEY - Read directly by Genkit (not via Viper), validated in cfg.Validate()
//  2. ENTROPY_ADMIN_TOKEN - Bearer token for the admin API
//  3. GITHUB_TOKEN - Optional, raises GitHub API rate limits during extraction
func bindEnvVariables() {
	// Helper to panic on unexpected bind errors (hardcoded strings can't fail)
	// If this panics, it's a BUG in our code, not a runtime error
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	// Admin API token
	mustBind("admin_token", "ENTROPY_ADMIN_TOKEN")

	// GitHub API token (optional, for extraction rate limits)
	mustBind("github_token", "GITHUB_TOKEN")

	// CORS origins (comma-separated list)
	mustBind("cors_origins", "ENTROPY_CORS_ORIGINS")

	// Proxy trust (behind reverse proxy)
	mustBind("trust_proxy", "ENTROPY_TRUST_PROXY")

	// Model overrides
	mustBind("model_name", "ENTROPY_MODEL_NAME")
	mustBind("embedder_model", "ENTROPY_EMBEDDER_MODEL")

	// Pipeline overrides
	mustBind("poll_interval_ms", "ENTROPY_POLL_INTERVAL_MS")
	mustBind("processing_mode", "ENTROPY_PROCESSING_MODE")

	// Tracing exporter endpoint
	mustBind("tracing.endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	// NOTE: GEMINI_API_KEY is read directly by Genkit, not via Viper.
	// Validation checks its presence in cfg.Validate().
}

// maskedValue is the placeholder for masked sensitive data.
// Using ████████ (full-width blocks U+2588) to avoid substring matching
// Previous attempts:
// - "****" failed: passwords with "*" leaked
// - "[REDACTED]" failed: passwords with "A", "D", "E", etc. leaked
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Shows first 2 and last 2 characters, masks the rest.
// SECURITY: For secrets <=8 chars, fully masks to prevent substring attacks.
// For longer secrets, shows partial chars with unique separator.
//
// THREAT MODEL: This defends against accidental logging of real secrets.
// It is NOT cryptographically secure - if logs are compromised, rotate secrets.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	// Fully mask short secrets to prevent substring matching attacks
	// Example attack: input "00***" → output "00******" contains "00***"
	if len(s) <= 8 {
		return maskedValue
	}
	// For longer secrets, show first/last 2 chars for debug utility
	// Example: "my_long_secret_key_123" → "my<████████>23"
	prefix := make([]byte, 2)
	suffix := make([]byte, 2)
	copy(prefix, s[:2])
	copy(suffix, s[len(s)-2:])
	return string(prefix) + "<" + maskedValue + ">" + string(suffix)
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - AdminToken
//   - GitHubToken
//
// When adding new sensitive fields, update this method.
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	a.AdminToken = maskSecret(a.AdminToken)
	a.GitHubToken = maskSecret(a.GitHubToken)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// FullModelName returns the provider-qualified model name for Genkit.
// Example: "googleai/gemini-2.5-flash".
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	return "googleai/" + c.ModelName
}

// ListenAddr returns the host:port pair for the HTTP server.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
