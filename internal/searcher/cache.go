package searcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/internal/query"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// ResultNamespace is the cache namespace for ranked result sets
const ResultNamespace = "results"

// keyVersion changes whenever the cached payload or key layout changes
const keyVersion = "v1"

// ResultCache stores final ranked result sets. Backend failures degrade to
// a miss and are never returned.
type ResultCache struct {
	store  cache.Store
	ttl    time.Duration
	logger *slog.Logger
}

// NewResultCache wraps store under its own namespace. A nil store disables caching.
func NewResultCache(store cache.Store, ttl time.Duration, logger *slog.Logger) *ResultCache {
	if logger == nil {
		logger = slog.Default()
	}
	rc := &ResultCache{ttl: ttl, logger: logger}
	if store != nil {
		rc.store = cache.Namespace(store, ResultNamespace)
	}
	return rc
}

// CacheKey holds everything that determines a result set.
type CacheKey struct {
	Query              string
	Filter             query.Filter
	Weights            query.Weights
	EffectiveClearance int
	Limit              int
	Caller             types.CallerContext
}

// Key derives a stable hash over the sorted-key JSON form of k. The requested
// clearance ceiling is replaced by the effective one, and the caller's
// department and campus only count when their bonus weight is non-zero.
func (k CacheKey) Key() (string, error) {
	filter := k.Filter.Canonical()
	delete(filter, query.KeyMaxClearanceLevel)

	doc := map[string]any{
		"query":     k.Query,
		"filter":    filter,
		"weights":   k.Weights.Canonical(),
		"clearance": k.EffectiveClearance,
		"limit":     k.Limit,
	}
	if k.Weights.Department != 0 && k.Caller.Department != "" {
		doc["department"] = k.Caller.Department
	}
	if k.Weights.Campus != 0 && k.Caller.Campus != "" {
		doc["campus"] = k.Caller.Campus
	}

	// encoding/json writes map keys in sorted order
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode cache key: %w", err)
	}
	sum := sha256.Sum256(raw)
	return keyVersion + ":" + hex.EncodeToString(sum[:]), nil
}

// Get returns the cached results for key
func (c *ResultCache) Get(ctx context.Context, key string) ([]types.SearchResult, bool) {
	if c.store == nil {
		return nil, false
	}
	raw, err := c.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.degraded(ctx, "get", err)
		}
		return nil, false
	}

	var results []types.SearchResult
	if err := json.Unmarshal(raw, &results); err != nil {
		c.logger.WarnContext(ctx, "discarding undecodable result cache entry", "error", err)
		return nil, false
	}
	if results == nil {
		results = []types.SearchResult{}
	}
	return results, true
}

// Put stores results under key for the configured TTL
func (c *ResultCache) Put(ctx context.Context, key string, results []types.SearchResult) {
	if c.store == nil {
		return
	}
	raw, err := json.Marshal(results)
	if err != nil {
		c.logger.WarnContext(ctx, "failed to encode results for cache", "error", err)
		return
	}
	if err := c.store.Set(ctx, key, raw, c.ttl); err != nil {
		c.degraded(ctx, "set", err)
	}
}

// Invalidate drops every cached result set
func (c *ResultCache) Invalidate(ctx context.Context) (int, error) {
	if c.store == nil {
		return 0, nil
	}
	n, err := c.store.DeletePrefix(ctx, "")
	if err != nil {
		return n, fmt.Errorf("%w: invalidate: %v", types.ErrCacheDegraded, err)
	}
	return n, nil
}

func (c *ResultCache) degraded(ctx context.Context, op string, err error) {
	c.logger.WarnContext(ctx, "result cache degraded, continuing uncached",
		"op", op, "error", fmt.Errorf("%w: %v", types.ErrCacheDegraded, err))
}
