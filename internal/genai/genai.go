// Package genai wraps Genkit model access for the rest of the service:
// initialization, text generation with retry, and embedder construction.
package genai

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/entropywiki/entropy/internal/log"
)

// Init initializes Genkit with the Google AI plugin.
// GEMINI_API_KEY must be set in the environment; config validation enforces
// this before Init is reached.
func Init(ctx context.Context) (*genkit.Genkit, error) {
	g := genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))
	if g == nil {
		return nil, errors.New("initializing genkit with googleai plugin")
	}
	return g, nil
}

// NewEmbedder returns the Google AI embedder for the given model.
func NewEmbedder(g *genkit.Genkit, model string) ai.Embedder {
	return googlegenai.GoogleAIEmbedder(g, model)
}

// Generator produces text completions with bounded retry on transient
// errors. It is the single place model calls go through, so rate limiting
// and retry policy live here rather than in each caller.
type Generator struct {
	g      *genkit.Genkit
	model  string // provider-qualified, e.g. "googleai/gemini-2.5-flash"
	retry  RetryConfig
	logger log.Logger
}

// NewGenerator creates a Generator for the given provider-qualified model.
func NewGenerator(g *genkit.Genkit, model string, logger log.Logger) *Generator {
	if logger == nil {
		logger = log.NewNop()
	}
	return &Generator{
		g:      g,
		model:  model,
		retry:  DefaultRetryConfig(),
		logger: logger,
	}
}

// Generate runs the prompt and returns the model's text response.
// Transient errors (rate limits, 5xx, network resets) are retried with
// exponential backoff; other errors fail immediately.
func (gen *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	var lastErr error
	delay := gen.retry.InitialInterval
	start := time.Now()

	for attempt := 0; attempt <= gen.retry.MaxRetries; attempt++ {
		resp, err := genkit.Generate(ctx, gen.g,
			ai.WithModelName(gen.model),
			ai.WithPrompt(prompt),
		)
		if err == nil {
			gen.logger.Debug("generation completed",
				"attempts", attempt+1,
				"elapsed", time.Since(start),
			)
			return resp.Text(), nil
		}

		lastErr = err

		// Non-retryable error - fail immediately
		if !retryableError(err) {
			return "", fmt.Errorf("generate: %w", err)
		}

		if attempt == gen.retry.MaxRetries {
			break
		}

		gen.logger.Debug("retrying after transient error",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, gen.retry.MaxInterval)
		}
	}

	return "", fmt.Errorf("generate after %d retries (elapsed: %v): %w",
		gen.retry.MaxRetries, time.Since(start), lastErr)
}

// StripCodeFences removes ```json ... ``` wrapping from model output.
// Models frequently fence JSON responses even when told not to.
func StripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		// Remove opening fence (with optional language tag).
		if idx := strings.Index(s, "\n"); idx != -1 {
			s = s[idx+1:]
		}
		// Remove closing fence.
		if idx := strings.LastIndex(s, "```"); idx != -1 {
			s = s[:idx]
		}
		s = strings.TrimSpace(s)
	}
	return s
}
