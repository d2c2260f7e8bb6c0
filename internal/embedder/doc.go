// Package embedder converts text into fixed-dimension vectors.
//
// Providers implement the single-call Embedder interface:
//
//   - Jina AI (jina-embeddings-v3, 1024 dimensions)
//   - OpenAI and any OpenAI-compatible /v1/embeddings endpoint
//   - Ollama, a local model server (/api/embeddings)
//   - Local, deterministic hash-derived vectors for offline use and tests
//
// Client wraps a provider with the behavior the search engine relies on:
//
//	provider, err := embedder.New(embedder.Config{Provider: "ollama"})
//	if err != nil {
//	    return err
//	}
//	client := embedder.NewClient(provider, cache.Namespace(store, "emb"),
//	    embedder.DefaultClientConfig(), logger)
//
//	vec, err := client.Embed(ctx, "password reset instructions")
//
// # Retry
//
// Transient failures (timeouts, connection errors, 5xx and 429 responses,
// malformed bodies, wrong dimensions) are retried up to three attempts with a
// linear backoff of 0.5s × attempt. Other 4xx responses stop immediately.
// When the budget is spent Embed returns types.ErrEmbeddingUnavailable, or
// types.ErrDimensionMismatch if the last response had the wrong length.
// Vectors are never truncated or padded.
//
// # Caching
//
// Successful vectors are cached for an hour under a key derived from the
// provider, the model and the SHA-256 of the exact text. Failures are not
// cached, and cache errors degrade to a miss.
package embedder
