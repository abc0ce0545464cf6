// Package observability wires OpenTelemetry trace export for the ingestion
// pipeline. Spans are exported over OTLP/HTTP to a local collector or agent,
// which handles authentication and forwarding to whatever backend is in use.
package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	"github.com/entropywiki/entropy/internal/config"
	"github.com/entropywiki/entropy/internal/log"
)

// DefaultEndpoint is the default OTLP HTTP collector endpoint.
const DefaultEndpoint = "localhost:4318"

// noopShutdown is returned when tracing is disabled or could not start.
func noopShutdown(context.Context) error { return nil }

// Setup installs a global tracer provider exporting to the configured OTLP
// endpoint and returns a shutdown function that flushes pending spans.
//
// Tracing failures are never fatal: when the exporter cannot be created the
// pipeline runs without tracing and the error is only logged.
func Setup(ctx context.Context, cfg config.TracingConfig, logger log.Logger) (shutdown func(context.Context) error, err error) {
	if !cfg.Enabled {
		return noopShutdown, nil
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	// Local collector, no TLS
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(endpoint),
		otlptracehttp.WithInsecure(),
	)
	if err != nil {
		logger.Warn("creating OTLP exporter failed, tracing disabled", "error", err)
		return noopShutdown, nil
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(cfg.ServiceName),
		semconv.DeploymentEnvironment(cfg.Environment),
	))
	if err != nil {
		logger.Warn("building trace resource failed, tracing disabled", "error", err)
		return noopShutdown, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Debug("tracing enabled",
		"endpoint", endpoint,
		"service", cfg.ServiceName,
		"environment", cfg.Environment,
	)

	return tp.Shutdown, nil
}
