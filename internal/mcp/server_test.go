package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/internal/embedder"
	"github.com/dshills/kbsearch-mcp/internal/observability"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

type fakeService struct {
	searchFunc func(req searcher.SearchRequest) (*searcher.SearchResponse, error)
	statusFunc func() (*storage.Status, error)
	last       searcher.SearchRequest
	calls      int
}

func (f *fakeService) Search(_ context.Context, req searcher.SearchRequest) (*searcher.SearchResponse, error) {
	f.last = req
	f.calls++
	if f.searchFunc != nil {
		return f.searchFunc(req)
	}
	return &searcher.SearchResponse{RequestID: "req-1", Query: req.Query, Results: []types.SearchResult{}}, nil
}

func (f *fakeService) Status(context.Context) (*storage.Status, error) {
	if f.statusFunc != nil {
		return f.statusFunc()
	}
	return &storage.Status{Backend: "memory", Dimension: 3, Health: storage.HealthStatus{DatabaseAccessible: true}}, nil
}

var testCaller = types.CallerContext{ID: "assistant", ClearanceLevel: 2, Department: "Nursing"}

func newTestServer(svc SearchService) *Server {
	return NewServer(svc, Config{Version: "test", Caller: testCaller}, observability.NopLogger())
}

func callRequest(name string, args interface{}) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

// decodeResult unmarshals the text content of a tool result
func decodeResult(t *testing.T, result *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	require.NotNil(t, result)
	require.Len(t, result.Content, 1)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", result.Content[0])

	var out map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func requireMCPError(t *testing.T, err error, code int) *MCPError {
	t.Helper()
	var mcpErr *MCPError
	require.True(t, errors.As(err, &mcpErr), "expected *MCPError, got %v", err)
	assert.Equal(t, code, mcpErr.Code)
	return mcpErr
}

func TestSearchKnowledgeBaseDecodesArguments(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	// Values arrive as JSON numbers over stdio
	_, err := s.handleSearchKnowledgeBase(context.Background(), callRequest("search_knowledge_base", map[string]interface{}{
		"query": "hand hygiene",
		"limit": float64(5),
		"filters": map[string]interface{}{
			"department":          "Nursing",
			"tags_any":            []interface{}{"hipaa", "safety"},
			"min_priority":        float64(3),
			"max_clearance_level": float64(1),
		},
		"weights": map[string]interface{}{"similarity_weight": 0.8, "recency_weight": 0.2},
	}))
	require.NoError(t, err)

	got := svc.last
	assert.Equal(t, "hand hygiene", got.Query)
	assert.Equal(t, 5, got.Limit)
	assert.Equal(t, testCaller, got.Caller, "stdio calls search as the configured caller")
	assert.Equal(t, []string{"Nursing"}, got.Filter.Department)
	assert.ElementsMatch(t, []string{"hipaa", "safety"}, got.Filter.TagsAny)
	require.NotNil(t, got.Filter.MinPriority)
	assert.Equal(t, 3, *got.Filter.MinPriority)
	require.NotNil(t, got.Filter.MaxClearanceLevel)
	assert.Equal(t, 1, *got.Filter.MaxClearanceLevel)
	require.NotNil(t, got.Weights)
	assert.InDelta(t, 0.8, got.Weights.Similarity, 1e-9)
	assert.InDelta(t, 0.2, got.Weights.Recency, 1e-9)
	assert.Zero(t, got.Weights.Priority, "a supplied weights object starts from zero")
}

func TestSearchKnowledgeBaseDefaults(t *testing.T) {
	svc := &fakeService{}
	s := newTestServer(svc)

	_, err := s.handleSearchKnowledgeBase(context.Background(), callRequest("search_knowledge_base", map[string]interface{}{
		"query": "parking permits",
	}))
	require.NoError(t, err)
	assert.Nil(t, svc.last.Weights, "omitted weights use the searcher defaults")
	assert.Zero(t, svc.last.Limit)
}

func TestSearchKnowledgeBaseResponse(t *testing.T) {
	svc := &fakeService{searchFunc: func(req searcher.SearchRequest) (*searcher.SearchResponse, error) {
		return &searcher.SearchResponse{
			RequestID:          "req-9",
			Query:              req.Query,
			PermissionBounded:  true,
			EffectiveClearance: 2,
			Duration:           12 * time.Millisecond,
			Results: []types.SearchResult{{
				ChunkID:       "doc-1#0",
				Rank:          1,
				Similarity:    0.9,
				CombinedScore: 0.75,
				Breakdown:     types.ScoreBreakdown{Similarity: 0.54, Priority: 0.21},
				Text:          "Staff must perform hand hygiene before and after every patient contact.",
				DocumentTitle: "Infection Control",
				PageNumber:    4,
				Metadata:      types.Metadata{types.MetaDepartment: "Nursing"},
			}},
		}, nil
	}}
	s := NewServer(svc, Config{Caller: testCaller, PreviewLength: 10}, observability.NopLogger())

	result, err := s.handleSearchKnowledgeBase(context.Background(), callRequest("search_knowledge_base", map[string]interface{}{
		"query":   "hand hygiene",
		"filters": map[string]interface{}{"unknown_key": "x"},
	}))
	require.NoError(t, err)

	out := decodeResult(t, result)
	assert.Equal(t, float64(1), out["count"])
	assert.Equal(t, "req-9", out["request_id"])
	assert.Equal(t, true, out["permission_bounded"])
	assert.Equal(t, float64(2), out["effective_clearance"])
	assert.Equal(t, float64(12), out["duration_ms"])
	assert.NotEmpty(t, out["warnings"], "unknown filter keys are reported")

	results := out["results"].([]interface{})
	require.Len(t, results, 1)
	first := results[0].(map[string]interface{})
	assert.Equal(t, "doc-1#0", first["chunk_id"])
	assert.Equal(t, "Infection Control", first["document_title"])
	assert.Equal(t, float64(4), first["page_number"])
	assert.NotContains(t, first, "section_title")
	assert.LessOrEqual(t, len([]rune(first["text_preview"].(string))), 13)
	assert.Contains(t, first, "score_breakdown")
}

func TestSearchKnowledgeBaseInvalidArguments(t *testing.T) {
	tests := []struct {
		name string
		args interface{}
		code int
	}{
		{"arguments not an object", "query", ErrorCodeInvalidParams},
		{"missing query", map[string]interface{}{}, ErrorCodeEmptyQuery},
		{"blank query", map[string]interface{}{"query": "   "}, ErrorCodeEmptyQuery},
		{"filters not an object", map[string]interface{}{"query": "ok", "filters": "Nursing"}, ErrorCodeInvalidParams},
		{"weights not an object", map[string]interface{}{"query": "ok", "weights": []interface{}{0.5}}, ErrorCodeInvalidParams},
		{"negative weight", map[string]interface{}{"query": "ok", "weights": map[string]interface{}{"similarity_weight": -1.0}}, ErrorCodeInvalidParams},
		{"priority out of range", map[string]interface{}{"query": "ok", "filters": map[string]interface{}{"min_priority": float64(9)}}, ErrorCodeInvalidParams},
		{"negative limit", map[string]interface{}{"query": "ok", "limit": float64(-1)}, ErrorCodeInvalidParams},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &fakeService{}
			s := newTestServer(svc)

			_, err := s.handleSearchKnowledgeBase(context.Background(), callRequest("search_knowledge_base", tt.args))
			requireMCPError(t, err, tt.code)
			assert.Zero(t, svc.calls, "invalid requests never reach the searcher")
		})
	}
}

func TestSearchErrorMapping(t *testing.T) {
	tests := []struct {
		err       error
		code      int
		kind      types.ErrorKind
		retryable bool
	}{
		{fmt.Errorf("%w: query too short", types.ErrInvalidInput), ErrorCodeInvalidParams, types.KindInvalidInput, false},
		{fmt.Errorf("%w: provider returned 503", types.ErrEmbeddingUnavailable), ErrorCodeEmbeddingUnavailable, types.KindEmbeddingUnavailable, true},
		{fmt.Errorf("%w: statement timeout", types.ErrSearchTimeout), ErrorCodeSearchTimeout, types.KindSearchTimeout, true},
		{types.ErrTimeout, ErrorCodeSearchTimeout, types.KindTimeout, true},
		{fmt.Errorf("%w: query has 3, index has 4", types.ErrDimensionMismatch), ErrorCodeDimensionMismatch, types.KindDimensionMismatch, false},
		{errors.New("pq: connection refused at 10.0.0.5"), ErrorCodeInternalError, types.KindInternal, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			svc := &fakeService{searchFunc: func(searcher.SearchRequest) (*searcher.SearchResponse, error) {
				return nil, tt.err
			}}
			s := newTestServer(svc)

			_, err := s.handleSearchKnowledgeBase(context.Background(), callRequest("search_knowledge_base", map[string]interface{}{
				"query": "anything",
			}))
			mcpErr := requireMCPError(t, err, tt.code)
			assert.Equal(t, string(tt.kind), mcpErr.Data["kind"])
			assert.Equal(t, tt.retryable, mcpErr.Data["retryable"])
			assert.Equal(t, types.PublicMessage(tt.err), mcpErr.Message)
			assert.NotContains(t, mcpErr.Message, "10.0.0.5")
		})
	}
}

func TestGetStatus(t *testing.T) {
	updated := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	svc := &fakeService{statusFunc: func() (*storage.Status, error) {
		return &storage.Status{
			Backend: "sqlite", ChunkCount: 10, EmbeddedCount: 8, Dimension: 1024,
			SchemaVersion: "1.1.0", LastUpdatedAt: updated,
			Health: storage.HealthStatus{DatabaseAccessible: true},
		}, nil
	}}
	s := newTestServer(svc)

	result, err := s.handleGetStatus(context.Background(), callRequest("get_status", map[string]interface{}{}))
	require.NoError(t, err)

	out := decodeResult(t, result)
	assert.Equal(t, "sqlite", out["backend"])
	assert.Equal(t, float64(10), out["chunk_count"])
	assert.Equal(t, float64(8), out["embedded_count"])
	assert.Equal(t, float64(1024), out["dimension"])
	assert.Equal(t, "1.1.0", out["schema_version"])
	assert.Equal(t, "2024-05-01T12:00:00Z", out["last_updated"])
	assert.Equal(t, true, out["health"].(map[string]interface{})["database_accessible"])
	assert.NotContains(t, out, "error")
}

func TestGetStatusPartialFailure(t *testing.T) {
	svc := &fakeService{statusFunc: func() (*storage.Status, error) {
		return &storage.Status{Backend: "postgres"}, errors.New("connection reset")
	}}
	s := newTestServer(svc)

	result, err := s.handleGetStatus(context.Background(), callRequest("get_status", nil))
	require.NoError(t, err)
	out := decodeResult(t, result)
	assert.Equal(t, false, out["health"].(map[string]interface{})["database_accessible"])
	assert.Equal(t, "connection reset", out["error"])

	svc.statusFunc = func() (*storage.Status, error) { return nil, errors.New("closed") }
	_, err = s.handleGetStatus(context.Background(), callRequest("get_status", nil))
	requireMCPError(t, err, ErrorCodeInternalError)
}

func TestToolSchemas(t *testing.T) {
	search := searchKnowledgeBaseTool()
	assert.Equal(t, "search_knowledge_base", search.Name)
	assert.Equal(t, []string{"query"}, search.InputSchema.Required)
	for _, key := range []string{"query", "limit", "filters", "weights"} {
		assert.Contains(t, search.InputSchema.Properties, key)
	}

	filters := search.InputSchema.Properties["filters"].(map[string]interface{})["properties"].(map[string]interface{})
	assert.Contains(t, filters, "max_clearance_level")
	assert.Contains(t, filters, "similarity_threshold")

	status := getStatusTool()
	assert.Equal(t, "get_status", status.Name)
	assert.Empty(t, status.InputSchema.Required)
}

func TestSearchKnowledgeBaseEndToEnd(t *testing.T) {
	ctx := context.Background()
	const dim = 16
	text := "visitor badge policy for the north campus"

	store := storage.NewMemoryStorage(dim)
	require.NoError(t, store.UpsertChunks(ctx, []*types.Chunk{
		{ID: "open", Text: text, Embedding: embedder.HashVector(text, dim),
			Metadata: types.Metadata{types.MetaClearanceLevel: 1}},
		{ID: "restricted", Text: text, Embedding: embedder.HashVector(text, dim),
			Metadata: types.Metadata{types.MetaClearanceLevel: 3}},
	}))

	client := embedder.NewClient(embedder.NewLocalProvider(dim), nil,
		embedder.ClientConfig{Dimension: dim}, observability.NopLogger())
	s := newTestServer(searcher.NewSearcher(store, client, searcher.WithLogger(observability.NopLogger())))

	result, err := s.handleSearchKnowledgeBase(ctx, callRequest("search_knowledge_base", map[string]interface{}{
		"query":   text,
		"filters": map[string]interface{}{"max_clearance_level": float64(5)},
	}))
	require.NoError(t, err)

	out := decodeResult(t, result)
	assert.Equal(t, true, out["permission_bounded"])
	assert.Equal(t, float64(2), out["effective_clearance"])
	results := out["results"].([]interface{})
	require.Len(t, results, 1)
	assert.Equal(t, "open", results[0].(map[string]interface{})["chunk_id"])
}
