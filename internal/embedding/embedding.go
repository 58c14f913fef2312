// Package embedding talks to an OpenAI-compatible embeddings endpoint and
// returns dense vectors for free text.
package embedding

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"cv-match-go/internal/config"
	"cv-match-go/internal/tracing"
)

var embeddingTracer = otel.Tracer("cv-match-go/embedding")

// Embedder produces an embedding vector for one text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// Model returns the provider model identifier, recorded on candidates
	// for provenance.
	Model() string
}

// HTTPEmbedder is an Embedder backed by an OpenAI-compatible HTTP API.
type HTTPEmbedder struct {
	client  *resty.Client
	cfg     config.EmbeddingConfig
	observe func(time.Duration)
}

// Option configures an HTTPEmbedder.
type Option func(*HTTPEmbedder)

// WithObserver installs a latency callback, typically a metrics histogram.
func WithObserver(observe func(time.Duration)) Option {
	return func(e *HTTPEmbedder) {
		e.observe = observe
	}
}

// NewHTTPEmbedder builds the client. The base URL and model are required;
// the API key may be empty for unauthenticated local providers.
func NewHTTPEmbedder(cfg config.EmbeddingConfig, opts ...Option) (*HTTPEmbedder, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("embedding base URL is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("embedding model is required")
	}

	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(500*time.Millisecond).
		SetHeader("Content-Type", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}

	e := &HTTPEmbedder{client: client, cfg: cfg}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Model returns the configured model identifier.
func (e *HTTPEmbedder) Model() string {
	return e.cfg.Model
}

// Embed requests one embedding vector. Empty input returns an empty vector
// without a network round trip.
func (e *HTTPEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, nil
	}

	ctx, span := embeddingTracer.Start(ctx, "Embedder.Embed",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("embedding.model", e.cfg.Model),
			attribute.Int("embedding.input_chars", len(text)),
		))
	defer span.End()

	body := map[string]interface{}{
		"model": e.cfg.Model,
		"input": text,
	}
	if e.cfg.Dimensions > 0 {
		body["dimensions"] = e.cfg.Dimensions
	}

	start := time.Now()
	resp, err := e.client.R().
		SetContext(ctx).
		SetBody(body).
		Post("/embeddings")
	elapsed := time.Since(start)
	if e.observe != nil {
		e.observe(elapsed)
	}

	if err != nil {
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, fmt.Errorf("embedding request failed: %w", err)
	}
	if resp.IsError() {
		err := fmt.Errorf("embedding provider returned %d: %s",
			resp.StatusCode(), tracing.Truncate(resp.String(), 200))
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}

	raw := gjson.GetBytes(resp.Body(), "data.0.embedding")
	if !raw.Exists() || !raw.IsArray() {
		err := fmt.Errorf("embedding response missing data[0].embedding")
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}

	values := raw.Array()
	vector := make([]float32, len(values))
	for i, v := range values {
		vector[i] = float32(v.Float())
	}
	if len(vector) == 0 {
		err := fmt.Errorf("embedding provider returned an empty vector")
		tracing.RecordError(span, err, tracing.ErrorTypeEmbedding)
		return nil, err
	}

	span.SetAttributes(attribute.Int("embedding.dimensions", len(vector)))
	span.SetStatus(codes.Ok, "")
	return vector, nil
}
