// Package embedder defines the external encoder/generator contracts
// (spec.md §6) and a retrying wrapper around them, grounded on the
// teacher's Embedder interface and BaseEmbedder goroutine-fanout batch
// implementation (pkg/sqvect/embedder.go).
package embedder

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tieredmem/tieredmem/internal/validate"
	"github.com/tieredmem/tieredmem/pkg/tmerr"
)

// Encoder converts text to dense vectors. Implementations are supplied by
// the caller; tests substitute an in-memory fake (spec.md §9).
type Encoder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	Dim() int
}

// GenerateOptions configures a single Generator.Generate call.
type GenerateOptions struct {
	Temperature float64
	MaxTokens   int
}

// Generator produces short natural-language text, used only during
// consolidation to summarize a cluster's member texts.
type Generator interface {
	Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error)
}

// RetryConfig is the timeout/backoff policy applied to every external call
// (spec.md §5): a 30s per-attempt timeout, up to 3 retries, exponential
// backoff starting at 1s.
type RetryConfig struct {
	Timeout     time.Duration
	MaxRetries  int
	BaseBackoff time.Duration
}

// DefaultRetryConfig matches spec.md §5 exactly.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Timeout: 30 * time.Second, MaxRetries: 3, BaseBackoff: time.Second}
}

// RetryingEncoder wraps an Encoder with the standard timeout/retry policy
// and bounds batch fan-out to chunks of at most maxBatchFanout (spec.md
// §4.5: "batch writes share embedding generation in chunks ≤ 5").
type RetryingEncoder struct {
	inner         Encoder
	cfg           RetryConfig
	maxBatchFanout int
}

// NewRetryingEncoder wraps inner with cfg's retry policy.
func NewRetryingEncoder(inner Encoder, cfg RetryConfig) *RetryingEncoder {
	return &RetryingEncoder{inner: inner, cfg: cfg, maxBatchFanout: 5}
}

// Dim returns the wrapped encoder's vector dimension.
func (r *RetryingEncoder) Dim() int {
	return r.inner.Dim()
}

// Embed calls the wrapped encoder with retry/backoff/timeout applied.
func (r *RetryingEncoder) Embed(ctx context.Context, text string) ([]float32, error) {
	var vec []float32
	err := withRetry(ctx, r.cfg, func(ctx context.Context) error {
		v, err := r.inner.Embed(ctx, text)
		if err != nil {
			return err
		}
		if verr := validate.Vector(v); verr != nil {
			return verr
		}
		vec = v
		return nil
	})
	if err != nil {
		return nil, tmerr.Wrap("embedder.embed", fmt.Errorf("%w: %v", tmerr.ErrEncoderFailure, err))
	}
	return vec, nil
}

// EmbedBatch embeds texts in chunks of at most 5 concurrent calls, using
// errgroup for bounded fan-out, matching spec.md §4.5's batch write rule.
func (r *RetryingEncoder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))

	for start := 0; start < len(texts); start += r.maxBatchFanout {
		end := start + r.maxBatchFanout
		if end > len(texts) {
			end = len(texts)
		}

		g, gctx := errgroup.WithContext(ctx)
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				v, err := r.Embed(gctx, texts[i])
				if err != nil {
					return err
				}
				out[i] = v
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, err
		}
	}

	return out, nil
}

// RetryingGenerator wraps a Generator with the standard retry policy.
type RetryingGenerator struct {
	inner Generator
	cfg   RetryConfig
}

// NewRetryingGenerator wraps inner with cfg's retry policy.
func NewRetryingGenerator(inner Generator, cfg RetryConfig) *RetryingGenerator {
	return &RetryingGenerator{inner: inner, cfg: cfg}
}

// Generate calls the wrapped generator with retry/backoff/timeout applied.
func (r *RetryingGenerator) Generate(ctx context.Context, prompt string, opts GenerateOptions) (string, error) {
	var text string
	err := withRetry(ctx, r.cfg, func(ctx context.Context) error {
		t, err := r.inner.Generate(ctx, prompt, opts)
		if err != nil {
			return err
		}
		text = t
		return nil
	})
	if err != nil {
		return "", tmerr.Wrap("embedder.generate", fmt.Errorf("%w: %v", tmerr.ErrEncoderFailure, err))
	}
	return text, nil
}

func withRetry(ctx context.Context, cfg RetryConfig, fn func(context.Context) error) error {
	backoff := cfg.BaseBackoff
	var lastErr error

	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
		err := fn(callCtx)
		cancel()

		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == cfg.MaxRetries {
			break
		}

		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}

	return lastErr
}
