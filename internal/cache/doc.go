// Package cache provides the TTL key/value port used by the embedding cache and
// the result cache.
//
// Two backends implement Store: MemoryStore, a bounded LRU with per-entry
// expiry for single-process deployments, and RedisStore for deployments where
// several engine instances share one cache. Namespace wraps a Store so the
// embedding and result caches never collide:
//
//	store, _ := cache.NewMemoryStore(10000)
//	embeddings := cache.Namespace(store, "embeddings")
//	results := cache.Namespace(store, "results")
//
// Callers treat every error other than ErrMiss as a degraded cache and carry
// on without it.
package cache
