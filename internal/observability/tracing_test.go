package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entropywiki/entropy/internal/config"
	"github.com/entropywiki/entropy/internal/log"
)

func TestSetup_Disabled(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	shutdown, err := Setup(ctx, config.TracingConfig{Enabled: false}, log.NewNop())

	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(ctx))
}

func TestSetup_DefaultEndpoint(t *testing.T) {
	t.Parallel()

	cfg := config.TracingConfig{
		Enabled:     true,
		Endpoint:    "", // empty should use the default
		Environment: "test",
		ServiceName: "test-service",
	}

	ctx := context.Background()
	shutdown, err := Setup(ctx, cfg, log.NewNop())

	// Exporter construction is lazy; no collector needs to be running.
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	// Shutdown flushes; with no spans recorded this should not error even
	// without a reachable collector.
	cancelCtx, cancel := context.WithCancel(ctx)
	cancel()
	_ = shutdown(cancelCtx)
}
