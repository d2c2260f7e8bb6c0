package embedder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// ClientConfig configures the resilient embedding client
type ClientConfig struct {
	Dimension      int           // Expected vector dimension D
	MaxTextLength  int           // Maximum input length in characters
	AttemptTimeout time.Duration // Bound on a single provider call
	CacheTTL       time.Duration // Lifetime of cached vectors
	Retry          RetryConfig
}

// DefaultClientConfig returns defaults for a 1024-dimension model
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Dimension:      1024,
		MaxTextLength:  2000,
		AttemptTimeout: DefaultTimeout,
		CacheTTL:       time.Hour,
		Retry:          DefaultRetryConfig(),
	}
}

// errWrongDimension marks a provider response whose vector length is not D
type errWrongDimension struct {
	got, want int
}

func (e *errWrongDimension) Error() string {
	return fmt.Sprintf("provider returned %d dimensions, expected %d", e.got, e.want)
}

// Client turns text into vectors of a fixed dimension. It adds input
// validation, a read-through cache, retry with backoff and dimension checks
// on top of a single-call Embedder.
type Client struct {
	provider Embedder
	cache    cache.Store // nil disables caching
	cfg      ClientConfig
	logger   *slog.Logger
}

// NewClient creates an embedding client. store may be nil.
func NewClient(provider Embedder, store cache.Store, cfg ClientConfig, logger *slog.Logger) *Client {
	if cfg.Dimension <= 0 {
		cfg.Dimension = provider.Dimension()
	}
	if cfg.MaxTextLength <= 0 {
		cfg.MaxTextLength = DefaultClientConfig().MaxTextLength
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = DefaultTimeout
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = DefaultRetryConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		provider: provider,
		cache:    store,
		cfg:      cfg,
		logger:   logger.With("component", "embedder", "provider", provider.Provider()),
	}
}

// Dimension returns the vector dimension the client enforces
func (c *Client) Dimension() int {
	return c.cfg.Dimension
}

// Provider returns the underlying provider name
func (c *Client) Provider() string {
	return c.provider.Provider()
}

// Model returns the underlying model name
func (c *Client) Model() string {
	return c.provider.Model()
}

// Close releases the provider
func (c *Client) Close() error {
	return c.provider.Close()
}

// Validate checks text without calling the provider
func (c *Client) Validate(text string) error {
	if text == "" {
		return ErrEmptyText
	}
	if n := utf8.RuneCountInString(text); n > c.cfg.MaxTextLength {
		return fmt.Errorf("%w (%d > %d characters)", ErrTextTooLong, n, c.cfg.MaxTextLength)
	}
	return nil
}

// Embed returns the vector for text.
//
// Errors: ErrInvalidInput for empty or oversized text, ErrDimensionMismatch when
// the final attempt returned the wrong dimension, ErrTimeout when ctx ends, and
// ErrEmbeddingUnavailable once the retry budget is spent. Failures are never cached.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := c.Validate(text); err != nil {
		return nil, err
	}

	key := c.cacheKey(text)
	if vec, ok := c.cacheGet(ctx, key); ok {
		return vec, nil
	}

	retry := c.cfg.Retry
	retry.OnRetry = func(attempt int, err error, delay time.Duration) {
		c.logger.Debug("embedding attempt failed, retrying",
			"attempt", attempt, "delay", delay, "error", err)
	}

	vec, err := retryWithBackoff(ctx, retry, func(attempt int) ([]float32, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
		defer cancel()

		emb, err := c.provider.GenerateEmbedding(attemptCtx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, err
		}
		if len(emb.Vector) != c.cfg.Dimension {
			return nil, &errWrongDimension{got: len(emb.Vector), want: c.cfg.Dimension}
		}
		return emb.Vector, nil
	})
	if err != nil {
		return nil, c.classify(ctx, err)
	}

	c.cachePut(ctx, key, vec)
	return vec, nil
}

// EmbedBatch embeds texts through the provider's batch endpoint with the same
// retry and dimension policy as Embed. Cached vectors are reused.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var pending []int
	for i, text := range texts {
		if err := c.Validate(text); err != nil {
			return nil, fmt.Errorf("text %d: %w", i, err)
		}
		if vec, ok := c.cacheGet(ctx, c.cacheKey(text)); ok {
			out[i] = vec
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += DefaultBatchSize {
		end := min(start+DefaultBatchSize, len(pending))
		batch := make([]string, 0, end-start)
		for _, idx := range pending[start:end] {
			batch = append(batch, texts[idx])
		}

		vectors, err := retryWithBackoff(ctx, c.cfg.Retry, func(int) ([][]float32, error) {
			attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.AttemptTimeout)
			defer cancel()

			resp, err := c.provider.GenerateBatch(attemptCtx, BatchEmbeddingRequest{Texts: batch})
			if err != nil {
				return nil, err
			}
			vecs := make([][]float32, len(resp.Embeddings))
			for i, emb := range resp.Embeddings {
				if len(emb.Vector) != c.cfg.Dimension {
					return nil, &errWrongDimension{got: len(emb.Vector), want: c.cfg.Dimension}
				}
				vecs[i] = emb.Vector
			}
			return vecs, nil
		})
		if err != nil {
			return nil, c.classify(ctx, err)
		}

		for j, idx := range pending[start:end] {
			out[idx] = vectors[j]
			c.cachePut(ctx, c.cacheKey(texts[idx]), vectors[j])
		}
	}

	return out, nil
}

// classify maps the last retry error onto the engine's error taxonomy
func (c *Client) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w: embedding: %v", types.ErrTimeout, ctxErr)
	}
	var dimErr *errWrongDimension
	if errors.As(err, &dimErr) {
		c.logger.Error("embedding dimension mismatch",
			"got", dimErr.got, "want", dimErr.want, "model", c.provider.Model())
		return fmt.Errorf("%w: %v", types.ErrDimensionMismatch, dimErr)
	}
	if errors.Is(err, types.ErrInvalidInput) {
		return err
	}
	c.logger.Warn("embedding service unavailable", "error", err)
	return fmt.Errorf("%w: %v", types.ErrEmbeddingUnavailable, err)
}

// cacheKey is scoped by provider and model so switching models never serves stale vectors
func (c *Client) cacheKey(text string) string {
	return c.provider.Provider() + ":" + c.provider.Model() + ":" + ComputeHash(text)
}

func (c *Client) cacheGet(ctx context.Context, key string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	blob, err := c.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.logger.Warn("embedding cache degraded, treating as miss", "error", err)
		}
		return nil, false
	}
	vec, err := types.DecodeVector(blob)
	if err != nil || len(vec) != c.cfg.Dimension {
		return nil, false
	}
	return vec, true
}

func (c *Client) cachePut(ctx context.Context, key string, vec []float32) {
	if c.cache == nil {
		return
	}
	if err := c.cache.Set(ctx, key, types.EncodeVector(vec), c.cfg.CacheTTL); err != nil {
		c.logger.Warn("embedding cache degraded, skipping write", "error", err)
	}
}
