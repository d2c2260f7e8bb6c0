package mcp

import (
	"github.com/mark3labs/mcp-go/mcp"
)

// searchKnowledgeBaseTool returns the tool definition for search_knowledge_base
func searchKnowledgeBaseTool() mcp.Tool {
	stringOrList := func(description string) map[string]interface{} {
		return map[string]interface{}{
			"description": description,
			"oneOf": []interface{}{
				map[string]interface{}{"type": "string"},
				map[string]interface{}{"type": "array", "items": map[string]interface{}{"type": "string"}},
			},
		}
	}
	weight := func(description string) map[string]interface{} {
		return map[string]interface{}{"type": "number", "minimum": 0.0, "description": description}
	}

	return mcp.Tool{
		Name:        "search_knowledge_base",
		Description: "Search the document knowledge base with a natural language query, structured metadata filters and tunable ranking weights",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Natural language query (2-500 characters)",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of results to return (capped by the server)",
					"default":     10,
					"minimum":     1,
				},
				"filters": map[string]interface{}{
					"type":        "object",
					"description": "Optional filters; all supplied conditions must hold",
					"properties": map[string]interface{}{
						"department": stringOrList("Department name(s) to match"),
						"campus":     stringOrList("Campus name(s) to match"),
						"doc_type":   stringOrList("Document type(s) to match"),
						"status":     stringOrList("Document status, e.g. active"),
						"tags_any":   stringOrList("Match chunks carrying at least one of these tags"),
						"tags_all":   stringOrList("Match chunks carrying all of these tags"),
						"min_priority": map[string]interface{}{
							"type": "integer", "minimum": 1, "maximum": 5,
							"description": "Minimum document priority",
						},
						"max_clearance_level": map[string]interface{}{
							"type": "integer", "minimum": 0,
							"description": "Clearance ceiling; never exceeds the server's configured caller level",
						},
						"since_date": map[string]interface{}{
							"type": "string", "description": "Reviewed on or after (RFC 3339 or YYYY-MM-DD)",
						},
						"until_date": map[string]interface{}{
							"type": "string", "description": "Reviewed on or before (RFC 3339 or YYYY-MM-DD)",
						},
						"min_views": map[string]interface{}{
							"type": "integer", "minimum": 0, "description": "Minimum view count",
						},
						"similarity_threshold": map[string]interface{}{
							"type": "number", "minimum": 0.0, "maximum": 1.0,
							"description": "Drop chunks whose similarity is below this value",
						},
					},
				},
				"weights": map[string]interface{}{
					"type":        "object",
					"description": "Ranking weights; omitted weights are 0 when the object is supplied",
					"properties": map[string]interface{}{
						"similarity_weight": weight("Weight of vector similarity"),
						"priority_weight":   weight("Weight of document priority"),
						"popularity_weight": weight("Weight of view count"),
						"department_weight": weight("Bonus when the chunk department matches the caller"),
						"campus_weight":     weight("Bonus when the chunk campus matches the caller"),
						"recency_weight":    weight("Bonus when the chunk was reviewed in the last 90 days"),
					},
				},
			},
			Required: []string{"query"},
		},
	}
}

// getStatusTool returns the tool definition for get_status
func getStatusTool() mcp.Tool {
	return mcp.Tool{
		Name:        "get_status",
		Description: "Report knowledge base size, embedding dimension and store health",
		InputSchema: mcp.ToolInputSchema{
			Type:       "object",
			Properties: map[string]interface{}{},
		},
	}
}
