package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/internal/embedder"
	"github.com/dshills/kbsearch-mcp/internal/observability"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// fakeService records the last request and returns scripted responses
type fakeService struct {
	searchFunc func(req searcher.SearchRequest) (*searcher.SearchResponse, error)
	statusFunc func() (*storage.Status, error)
	last       searcher.SearchRequest
}

func (f *fakeService) Search(_ context.Context, req searcher.SearchRequest) (*searcher.SearchResponse, error) {
	f.last = req
	if f.searchFunc != nil {
		return f.searchFunc(req)
	}
	return &searcher.SearchResponse{RequestID: req.RequestID, Query: req.Query, Results: []types.SearchResult{}}, nil
}

func (f *fakeService) Status(context.Context) (*storage.Status, error) {
	if f.statusFunc != nil {
		return f.statusFunc()
	}
	return &storage.Status{Backend: "memory", Health: storage.HealthStatus{DatabaseAccessible: true}}, nil
}

func newTestServer(svc SearchService, cfg Config) *Server {
	return NewServer(svc, cfg, observability.NopLogger())
}

func doSearch(t *testing.T, h http.Handler, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/v1/search", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func callerHeaders() map[string]string {
	return map[string]string{
		HeaderCallerID:         "u-17",
		HeaderCallerClearance:  "2",
		HeaderCallerDepartment: "IT",
		HeaderCallerCampus:     "North",
	}
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorBody {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Error
}

func TestSearchPassesDecodedRequest(t *testing.T) {
	svc := &fakeService{}
	srv := newTestServer(svc, Config{})

	body := `{"query":"hand hygiene","limit":7,
		"filters":{"department":["Nursing","ICU"],"min_priority":3,"since_date":"2024-01-01","mystery":1},
		"weights":{"similarity_weight":0.8,"recency_weight":0.2}}`
	rec := doSearch(t, srv, body, callerHeaders())
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	req := svc.last
	assert.Equal(t, "hand hygiene", req.Query)
	assert.Equal(t, 7, req.Limit)
	assert.Equal(t, types.CallerContext{ID: "u-17", ClearanceLevel: 2, Department: "IT", Campus: "North"}, req.Caller)
	assert.Equal(t, []string{"ICU", "Nursing"}, req.Filter.Department)
	require.NotNil(t, req.Filter.MinPriority)
	assert.Equal(t, 3, *req.Filter.MinPriority)
	require.NotNil(t, req.Filter.SinceDate)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *req.Filter.SinceDate)
	require.NotNil(t, req.Weights)
	assert.Equal(t, 0.8, req.Weights.Similarity)
	assert.Zero(t, req.Weights.Priority, "a supplied weights object starts from zero")
	assert.NotEmpty(t, req.RequestID)
	assert.Equal(t, req.RequestID, rec.Header().Get(HeaderRequestID))

	var resp searchResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Warnings, 1)
	assert.Contains(t, resp.Warnings[0], "mystery")
}

func TestSearchWithoutWeightsUsesDefaults(t *testing.T) {
	svc := &fakeService{}
	rec := doSearch(t, newTestServer(svc, Config{}), `{"query":"badge"}`, callerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Nil(t, svc.last.Weights)
}

func TestSearchResponseShape(t *testing.T) {
	svc := &fakeService{searchFunc: func(req searcher.SearchRequest) (*searcher.SearchResponse, error) {
		return &searcher.SearchResponse{
			RequestID: req.RequestID, Query: "badge", PermissionBounded: true, EffectiveClearance: 2, CacheHit: true,
			Results: []types.SearchResult{{
				ChunkID: "k1", Rank: 1, Similarity: 0.9, CombinedScore: 0.74,
				Breakdown: types.ScoreBreakdown{Similarity: 0.54, Priority: 0.2},
				Text:      strings.Repeat("é", 50), DocumentTitle: "Security", PageNumber: 4,
				Metadata: types.Metadata{"department": "Security"},
			}},
		}, nil
	}}
	rec := doSearch(t, newTestServer(svc, Config{PreviewLength: 10}), `{"query":"badge"}`, callerHeaders())
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var raw map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &raw))
	assert.Equal(t, float64(1), raw["count"])
	assert.Equal(t, "badge", raw["query"])
	assert.Equal(t, true, raw["permission_bounded"])
	assert.Equal(t, true, raw["cache_hit"])

	results := raw["results"].([]any)
	require.Len(t, results, 1)
	first := results[0].(map[string]any)
	assert.Equal(t, "k1", first["chunk_id"])
	assert.Equal(t, 0.74, first["combined_score"])
	assert.Equal(t, 0.9, first["similarity"])
	assert.Equal(t, types.Preview(strings.Repeat("é", 50), 10), first["text_preview"])
	assert.Contains(t, first, "score_breakdown")
	assert.Contains(t, first, "metadata")
}

func TestCallerHeadersRequired(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
	}{
		{"no headers", map[string]string{}},
		{"missing clearance", map[string]string{HeaderCallerID: "u1"}},
		{"missing id", map[string]string{HeaderCallerClearance: "1"}},
		{"non-numeric clearance", map[string]string{HeaderCallerID: "u1", HeaderCallerClearance: "high"}},
		{"negative clearance", map[string]string{HeaderCallerID: "u1", HeaderCallerClearance: "-1"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{searchFunc: func(searcher.SearchRequest) (*searcher.SearchResponse, error) {
				t.Fatal("search must not run without a caller")
				return nil, nil
			}}
			rec := doSearch(t, newTestServer(svc, Config{}), `{"query":"badge"}`, tt.headers)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, KindUnauthenticated, decodeError(t, rec).Kind)
		})
	}
}

func TestInvalidBodies(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"malformed", `{"query":`},
		{"unknown top-level field", `{"query":"badge","sort":"asc"}`},
		{"wrong type", `{"query":42}`},
		{"fractional limit", `{"query":"badge","limit":2.5}`},
		{"two objects", `{"query":"a"}{"query":"b"}`},
		{"bad filter type", `{"query":"badge","filters":{"min_priority":"high"}}`},
		{"negative weight", `{"query":"badge","weights":{"similarity_weight":-1}}`},
		{"oversized", `{"query":"` + strings.Repeat("x", 2048) + `"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			rec := doSearch(t, newTestServer(svc, Config{MaxBodyBytes: 1024}), tt.body, callerHeaders())
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			body := decodeError(t, rec)
			assert.Equal(t, types.KindInvalidInput, body.Kind)
			assert.NotEmpty(t, body.RequestID)
			assert.Empty(t, svc.last.Query, "search must not run")
		})
	}
}

func TestSearchErrorMapping(t *testing.T) {
	tests := []struct {
		err        error
		status     int
		kind       types.ErrorKind
		retryAfter string
	}{
		{fmt.Errorf("%w: query too short", types.ErrInvalidInput), http.StatusBadRequest, types.KindInvalidInput, ""},
		{fmt.Errorf("%w: dial tcp 10.0.0.4:11434: connection refused", types.ErrEmbeddingUnavailable), http.StatusServiceUnavailable, types.KindEmbeddingUnavailable, "5"},
		{fmt.Errorf("%w: pq: canceling statement", types.ErrSearchTimeout), http.StatusGatewayTimeout, types.KindSearchTimeout, "1"},
		{fmt.Errorf("%w: context deadline exceeded", types.ErrTimeout), http.StatusGatewayTimeout, types.KindTimeout, "1"},
		{fmt.Errorf("%w: vector has 512 dimensions", types.ErrDimensionMismatch), http.StatusInternalServerError, types.KindDimensionMismatch, ""},
		{errors.New("SELECT * FROM chunks failed: disk I/O error"), http.StatusInternalServerError, types.KindInternal, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			svc := &fakeService{searchFunc: func(searcher.SearchRequest) (*searcher.SearchResponse, error) {
				return nil, tt.err
			}}
			rec := doSearch(t, newTestServer(svc, Config{}), `{"query":"badge"}`, callerHeaders())
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))

			body := decodeError(t, rec)
			assert.Equal(t, tt.kind, body.Kind)
			assert.Equal(t, types.PublicMessage(tt.err), body.Message)
			assert.NotContains(t, rec.Body.String(), "SELECT")
			assert.NotContains(t, rec.Body.String(), "10.0.0.4")
		})
	}
}

func TestRateLimitPerCaller(t *testing.T) {
	srv := newTestServer(&fakeService{}, Config{RateLimit: 1, RateBurst: 2})
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	srv.now = func() time.Time { return now }

	for i := 0; i < 2; i++ {
		rec := doSearch(t, srv, `{"query":"badge"}`, callerHeaders())
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := doSearch(t, srv, `{"query":"badge"}`, callerHeaders())
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, KindRateLimited, decodeError(t, rec).Kind)

	other := callerHeaders()
	other[HeaderCallerID] = "someone-else"
	rec = doSearch(t, srv, `{"query":"badge"}`, other)
	assert.Equal(t, http.StatusOK, rec.Code, "buckets are per caller")

	now = now.Add(time.Second)
	rec = doSearch(t, srv, `{"query":"badge"}`, callerHeaders())
	assert.Equal(t, http.StatusOK, rec.Code, "bucket refills")
}

func TestRateLimiterDisabled(t *testing.T) {
	assert.Nil(t, NewRateLimiter(0, 10))
	var l *RateLimiter
	ok, wait := l.Allow("anyone", time.Now())
	assert.True(t, ok)
	assert.Zero(t, wait)
}

func TestRoutes(t *testing.T) {
	srv := newTestServer(&fakeService{}, Config{})

	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/search", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set(HeaderRequestID, "trace-me")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "trace-me", rec.Header().Get(HeaderRequestID))
}

func TestHealthUnhealthy(t *testing.T) {
	svc := &fakeService{statusFunc: func() (*storage.Status, error) {
		return &storage.Status{}, errors.New("database is locked")
	}}
	rec := httptest.NewRecorder()
	newTestServer(svc, Config{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.NotContains(t, rec.Body.String(), "locked")
}

func TestSearchEndToEnd(t *testing.T) {
	ctx := context.Background()
	const dim = 16

	store := storage.NewMemoryStorage(dim)
	chunks := []*types.Chunk{
		{ID: "pub", Text: "password reset instructions", Embedding: embedder.HashVector("password reset instructions", dim),
			Metadata: types.Metadata{types.MetaClearanceLevel: 0}},
		{ID: "secret", Text: "password reset instructions", Embedding: embedder.HashVector("password reset instructions", dim),
			Metadata: types.Metadata{types.MetaClearanceLevel: 4}},
	}
	require.NoError(t, store.UpsertChunks(ctx, chunks))

	client := embedder.NewClient(embedder.NewLocalProvider(dim), nil,
		embedder.ClientConfig{Dimension: dim}, observability.NopLogger())
	s := searcher.NewSearcher(store, client, searcher.WithLogger(observability.NopLogger()))
	srv := httptest.NewServer(newTestServer(s, Config{}))
	defer srv.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/v1/search",
		strings.NewReader(`{"query":"password reset instructions","filters":{"max_clearance_level":5,"similarity_threshold":0.4}}`))
	require.NoError(t, err)
	req.Header.Set(HeaderCallerID, "u1")
	req.Header.Set(HeaderCallerClearance, "1")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out searchResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Equal(t, 1, out.Count)
	assert.Equal(t, "pub", out.Results[0].ChunkID)
	assert.InDelta(t, 1.0, out.Results[0].Similarity, 1e-6)
	assert.True(t, out.PermissionBounded)
	assert.Equal(t, 1, out.EffectiveClearance)
}
