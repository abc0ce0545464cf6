package config

// TracingConfig holds OTLP trace exporter configuration.
//
// Spans are exported over OTLP/HTTP to a local collector.
// See internal/observability/tracing.go for detailed setup instructions.
type TracingConfig struct {
	// Enabled turns span export on (default: false, spans are dropped)
	Enabled bool `mapstructure:"enabled"`
	// Endpoint is the OTLP/HTTP collector endpoint (default: localhost:4318)
	Endpoint string `mapstructure:"endpoint"`
	// Environment is the deployment environment tag (default: dev)
	Environment string `mapstructure:"environment"`
	// ServiceName is the service name attached to exported spans (default: entropy)
	ServiceName string `mapstructure:"service_name"`
}
