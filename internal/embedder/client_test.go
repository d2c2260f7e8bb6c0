package embedder

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

const testDim = 8

// scriptedEmbedder returns vectors or errors from generateFunc and counts calls
type scriptedEmbedder struct {
	calls        atomic.Int32
	generateFunc func(call int, text string) ([]float32, error)
}

func (s *scriptedEmbedder) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	call := int(s.calls.Add(1))
	vec, err := s.generateFunc(call, req.Text)
	if err != nil {
		return nil, err
	}
	return &Embedding{Vector: vec, Dimension: len(vec), Provider: "scripted", Model: "test"}, nil
}

func (s *scriptedEmbedder) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	resp := &BatchEmbeddingResponse{Provider: "scripted", Model: "test"}
	for _, text := range req.Texts {
		emb, err := s.GenerateEmbedding(ctx, EmbeddingRequest{Text: text})
		if err != nil {
			return nil, err
		}
		resp.Embeddings = append(resp.Embeddings, emb)
	}
	return resp, nil
}

func (s *scriptedEmbedder) Dimension() int   { return testDim }
func (s *scriptedEmbedder) Provider() string { return "scripted" }
func (s *scriptedEmbedder) Model() string    { return "test" }
func (s *scriptedEmbedder) Close() error     { return nil }

func okVector(_ int, text string) ([]float32, error) {
	return HashVector(text, testDim), nil
}

func testClientConfig() ClientConfig {
	cfg := DefaultClientConfig()
	cfg.Dimension = testDim
	cfg.AttemptTimeout = time.Second
	cfg.Retry = fastRetry(3)
	return cfg
}

func newTestClient(t *testing.T, provider Embedder, store cache.Store) *Client {
	t.Helper()
	return NewClient(provider, store, testClientConfig(), nil)
}

func newMemoryStore(t *testing.T) *cache.MemoryStore {
	t.Helper()
	store, err := cache.NewMemoryStore(100)
	require.NoError(t, err)
	return store
}

func TestClientEmbedValidation(t *testing.T) {
	provider := &scriptedEmbedder{generateFunc: okVector}
	client := newTestClient(t, provider, nil)

	_, err := client.Embed(context.Background(), "")
	assert.ErrorIs(t, err, types.ErrInvalidInput)

	_, err = client.Embed(context.Background(), strings.Repeat("a", 2001))
	assert.ErrorIs(t, err, ErrTextTooLong)
	assert.Equal(t, types.KindInvalidInput, types.KindOf(err))

	// Exactly at the limit is accepted; multi-byte runes count once
	_, err = client.Embed(context.Background(), strings.Repeat("é", 2000))
	assert.NoError(t, err)

	assert.Equal(t, int32(1), provider.calls.Load(), "invalid input never reaches the provider")
}

func TestClientEmbedCacheHit(t *testing.T) {
	provider := &scriptedEmbedder{generateFunc: okVector}
	client := newTestClient(t, provider, newMemoryStore(t))
	ctx := context.Background()

	first, err := client.Embed(ctx, "password reset")
	require.NoError(t, err)
	second, err := client.Embed(ctx, "password reset")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), provider.calls.Load())

	_, err = client.Embed(ctx, "Password reset")
	require.NoError(t, err)
	assert.Equal(t, int32(2), provider.calls.Load(), "cache is keyed by exact text")
}

func TestClientEmbedRetryTransparency(t *testing.T) {
	provider := &scriptedEmbedder{generateFunc: func(call int, text string) ([]float32, error) {
		if call < 3 {
			return nil, errors.New("connection refused")
		}
		return HashVector(text, testDim), nil
	}}
	client := newTestClient(t, provider, nil)

	vec, err := client.Embed(context.Background(), "vpn setup")
	require.NoError(t, err)
	assert.Len(t, vec, testDim)
	assert.Equal(t, int32(3), provider.calls.Load())
}

func TestClientEmbedExhaustion(t *testing.T) {
	store := newMemoryStore(t)
	provider := &scriptedEmbedder{generateFunc: func(int, string) ([]float32, error) {
		return nil, errors.New("timeout")
	}}
	client := newTestClient(t, provider, store)

	_, err := client.Embed(context.Background(), "vpn setup")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)
	assert.Equal(t, int32(3), provider.calls.Load())
	assert.Equal(t, 0, store.Len(), "failures are not cached")
}

func TestClientEmbedPermanentFailure(t *testing.T) {
	provider := &scriptedEmbedder{generateFunc: func(int, string) ([]float32, error) {
		return nil, &APIError{Provider: "scripted", StatusCode: 401, Body: "bad key"}
	}}
	client := newTestClient(t, provider, nil)

	_, err := client.Embed(context.Background(), "vpn setup")
	assert.ErrorIs(t, err, types.ErrEmbeddingUnavailable)
	assert.Equal(t, int32(1), provider.calls.Load())
}

func TestClientEmbedDimensionMismatch(t *testing.T) {
	provider := &scriptedEmbedder{generateFunc: func(int, string) ([]float32, error) {
		return make([]float32, testDim/2), nil
	}}
	client := newTestClient(t, provider, newMemoryStore(t))

	_, err := client.Embed(context.Background(), "vpn setup")
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	assert.NotErrorIs(t, err, types.ErrEmbeddingUnavailable)
	assert.Equal(t, int32(3), provider.calls.Load(), "wrong dimension is retried")
}

func TestClientEmbedRecoversFromWrongDimension(t *testing.T) {
	provider := &scriptedEmbedder{generateFunc: func(call int, text string) ([]float32, error) {
		if call == 1 {
			return make([]float32, 3), nil
		}
		return HashVector(text, testDim), nil
	}}
	client := newTestClient(t, provider, nil)

	vec, err := client.Embed(context.Background(), "vpn setup")
	require.NoError(t, err)
	assert.Len(t, vec, testDim)
}

func TestClientEmbedContextDeadline(t *testing.T) {
	provider := &scriptedEmbedder{generateFunc: func(int, string) ([]float32, error) {
		return nil, errors.New("unreachable")
	}}
	cfg := testClientConfig()
	cfg.Retry = RetryConfig{MaxAttempts: 3, BaseDelay: time.Second}
	client := NewClient(provider, nil, cfg, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := client.Embed(ctx, "vpn setup")
	assert.ErrorIs(t, err, types.ErrTimeout)
	assert.Equal(t, types.KindTimeout, types.KindOf(err))
}

func TestClientEmbedAttemptTimeout(t *testing.T) {
	provider := &scriptedEmbedder{}
	provider.generateFunc = func(call int, text string) ([]float32, error) {
		return HashVector(text, testDim), nil
	}
	slow := &slowEmbedder{scriptedEmbedder: provider, delay: 200 * time.Millisecond, slowCalls: 1}

	cfg := testClientConfig()
	cfg.AttemptTimeout = 20 * time.Millisecond
	client := NewClient(slow, nil, cfg, nil)

	vec, err := client.Embed(context.Background(), "vpn setup")
	require.NoError(t, err, "a hung attempt times out and the next attempt succeeds")
	assert.Len(t, vec, testDim)
}

// slowEmbedder blocks the first slowCalls requests until ctx is done
type slowEmbedder struct {
	*scriptedEmbedder
	delay     time.Duration
	slowCalls int32
	seen      atomic.Int32
}

func (s *slowEmbedder) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if s.seen.Add(1) <= s.slowCalls {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(s.delay):
		}
	}
	return s.scriptedEmbedder.GenerateEmbedding(ctx, req)
}

// failingStore simulates an unreachable cache backend
type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) {
	return nil, errors.New("connection refused")
}
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("connection refused")
}
func (failingStore) DeletePrefix(context.Context, string) (int, error) {
	return 0, errors.New("connection refused")
}
func (failingStore) Close() error { return nil }

func TestClientEmbedDegradedCache(t *testing.T) {
	provider := &scriptedEmbedder{generateFunc: okVector}
	client := newTestClient(t, provider, failingStore{})

	vec, err := client.Embed(context.Background(), "vpn setup")
	require.NoError(t, err)
	assert.Len(t, vec, testDim)
}

func TestClientEmbedBatch(t *testing.T) {
	provider := &scriptedEmbedder{generateFunc: okVector}
	client := newTestClient(t, provider, newMemoryStore(t))
	ctx := context.Background()

	_, err := client.Embed(ctx, "b")
	require.NoError(t, err)

	vecs, err := client.EmbedBatch(ctx, []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, HashVector("a", testDim), vecs[0])
	assert.Equal(t, HashVector("b", testDim), vecs[1])
	assert.Equal(t, int32(3), provider.calls.Load(), "cached text is not re-embedded")

	_, err = client.EmbedBatch(ctx, []string{"ok", ""})
	assert.ErrorIs(t, err, types.ErrInvalidInput)
}
