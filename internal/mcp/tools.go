package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dshills/kbsearch-mcp/internal/query"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// MCP error codes
const (
	ErrorCodeInvalidParams        = -32602 // Invalid method parameters
	ErrorCodeInternalError        = -32603 // Internal JSON-RPC error
	ErrorCodeEmbeddingUnavailable = -32001 // Embedding provider failed after retries
	ErrorCodeSearchTimeout        = -32002 // Store or request deadline expired
	ErrorCodeDimensionMismatch    = -32003 // Index and embedder disagree on vector length
	ErrorCodeEmptyQuery           = -32004 // Query parameter is empty
)

// handleSearchKnowledgeBase handles the search_knowledge_base tool invocation
func (s *Server) handleSearchKnowledgeBase(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, "invalid arguments", nil)
	}

	q, ok := args["query"].(string)
	if !ok || strings.TrimSpace(q) == "" {
		return nil, newMCPError(ErrorCodeEmptyQuery, "query parameter is required and cannot be empty", map[string]interface{}{
			"param":  "query",
			"reason": "missing or empty",
		})
	}

	rawFilters, err := getObject(args, "filters")
	if err != nil {
		return nil, err
	}
	rawWeights, err := getObject(args, "weights")
	if err != nil {
		return nil, err
	}

	filter, warnings, err := query.DecodeFilter(rawFilters)
	if err != nil {
		return nil, searchError(err)
	}
	var weights *query.Weights
	if rawWeights != nil {
		decoded, weightWarnings, err := query.DecodeWeights(rawWeights)
		if err != nil {
			return nil, searchError(err)
		}
		weights = &decoded
		warnings = append(warnings, weightWarnings...)
	}

	limit := getIntDefault(args, "limit", 0)
	if limit < 0 {
		return nil, newMCPError(ErrorCodeInvalidParams, "limit must be positive", map[string]interface{}{
			"param": "limit",
			"value": limit,
		})
	}

	resp, err := s.search.Search(ctx, searcher.SearchRequest{
		Query:   q,
		Filter:  filter,
		Weights: weights,
		Limit:   limit,
		Caller:  s.caller,
	})
	if err != nil {
		kind := types.KindOf(err)
		if kind == types.KindInternal || kind == types.KindDimensionMismatch {
			s.logger.Error("search failed", "error", err, "kind", kind)
		} else {
			s.logger.Warn("search failed", "error", err, "kind", kind)
		}
		return nil, searchError(err)
	}

	results := make([]map[string]interface{}, 0, len(resp.Results))
	for _, r := range resp.Results {
		result := map[string]interface{}{
			"rank":            r.Rank,
			"chunk_id":        r.ChunkID,
			"text_preview":    types.Preview(r.Text, s.previewLength),
			"similarity":      r.Similarity,
			"combined_score":  r.CombinedScore,
			"score_breakdown": r.Breakdown,
			"metadata":        r.Metadata,
		}
		if r.DocumentTitle != "" {
			result["document_title"] = r.DocumentTitle
		}
		if r.PageNumber > 0 {
			result["page_number"] = r.PageNumber
		}
		if r.SectionTitle != "" {
			result["section_title"] = r.SectionTitle
		}
		results = append(results, result)
	}

	response := map[string]interface{}{
		"results":             results,
		"count":               len(results),
		"query":               resp.Query,
		"request_id":          resp.RequestID,
		"permission_bounded":  resp.PermissionBounded,
		"effective_clearance": resp.EffectiveClearance,
		"cache_hit":           resp.CacheHit,
		"duration_ms":         resp.Duration.Milliseconds(),
	}
	if len(warnings) > 0 {
		response["warnings"] = warnings
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// handleGetStatus handles the get_status tool invocation
func (s *Server) handleGetStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	status, err := s.search.Status(ctx)
	if status == nil {
		data := map[string]interface{}{}
		if err != nil {
			data["error"] = err.Error()
		}
		return nil, newMCPError(ErrorCodeInternalError, "failed to get index status", data)
	}

	response := map[string]interface{}{
		"backend":        status.Backend,
		"chunk_count":    status.ChunkCount,
		"embedded_count": status.EmbeddedCount,
		"dimension":      status.Dimension,
		"schema_version": status.SchemaVersion,
		"health": map[string]interface{}{
			"database_accessible": status.Health.DatabaseAccessible,
			"vector_extension":    status.Health.VectorExtension,
		},
	}
	if !status.LastUpdatedAt.IsZero() {
		response["last_updated"] = status.LastUpdatedAt
	}
	if err != nil {
		response["error"] = err.Error()
	}

	return mcp.NewToolResultText(formatJSON(response)), nil
}

// searchError converts a search failure into an MCP error with a stable
// code and a message safe to show the client.
func searchError(err error) *MCPError {
	kind := types.KindOf(err)

	code := ErrorCodeInternalError
	switch kind {
	case types.KindInvalidInput:
		code = ErrorCodeInvalidParams
	case types.KindEmbeddingUnavailable:
		code = ErrorCodeEmbeddingUnavailable
	case types.KindSearchTimeout, types.KindTimeout:
		code = ErrorCodeSearchTimeout
	case types.KindDimensionMismatch:
		code = ErrorCodeDimensionMismatch
	}

	return newMCPError(code, types.PublicMessage(err), map[string]interface{}{
		"kind":      string(kind),
		"retryable": kind.Retryable(),
	})
}

// MCPError represents an MCP protocol error
type MCPError struct {
	Code    int                    `json:"code"`
	Message string                 `json:"message"`
	Data    map[string]interface{} `json:"data,omitempty"`
}

func (e *MCPError) Error() string {
	return fmt.Sprintf("MCP error %d: %s", e.Code, e.Message)
}

// newMCPError creates a new MCP error
func newMCPError(code int, message string, data map[string]interface{}) *MCPError {
	return &MCPError{
		Code:    code,
		Message: message,
		Data:    data,
	}
}

// formatJSON formats a value as pretty-printed JSON
func formatJSON(v interface{}) string {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// getIntDefault gets an integer value from args with a default
func getIntDefault(args map[string]interface{}, key string, defaultValue int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return defaultValue
}

// getObject returns the nested object at key, nil when absent
func getObject(args map[string]interface{}, key string) (map[string]interface{}, error) {
	raw, present := args[key]
	if !present || raw == nil {
		return nil, nil
	}
	obj, ok := raw.(map[string]interface{})
	if !ok {
		return nil, newMCPError(ErrorCodeInvalidParams, key+" must be an object", map[string]interface{}{
			"param":  key,
			"reason": fmt.Sprintf("got %T", raw),
		})
	}
	return obj, nil
}
