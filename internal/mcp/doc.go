// Package mcp implements the Model Context Protocol (MCP) server for the
// knowledge base search engine.
//
// The server exposes two tools to AI assistants:
//   - search_knowledge_base: hybrid search with filters and ranking weights
//   - get_status: index size, dimension and store health
//
// # Protocol Overview
//
// MCP is a JSON-RPC 2.0 protocol over stdio transport:
//
//	Client → Server: {"method": "tools/call", "params": {...}}
//	Server → Client: {"result": {...}}
//
// Start it with:
//
//	kbsearch mcp
//
// Logs go to stderr; stdout is reserved for protocol messages.
//
// # Caller Identity
//
// Stdio has no per-request authentication, so every tool call searches as
// the caller configured under mcp.caller (id, clearance_level, department,
// campus). A max_clearance_level filter can lower that ceiling but never
// raise it; responses report permission_bounded when it was asked to.
//
// # Tool: search_knowledge_base
//
//	Request:
//	{
//	  "name": "search_knowledge_base",
//	  "arguments": {
//	    "query": "hand hygiene before patient contact",
//	    "limit": 5,
//	    "filters": {"department": "Nursing", "status": "active", "tags_any": ["hipaa"]},
//	    "weights": {"similarity_weight": 0.8, "recency_weight": 0.2}
//	  }
//	}
//
//	Response:
//	{
//	  "results": [
//	    {
//	      "rank": 1,
//	      "chunk_id": "policy-12#3",
//	      "text_preview": "Staff must perform hand hygiene ...",
//	      "similarity": 0.91,
//	      "combined_score": 0.93,
//	      "score_breakdown": {"similarity": 0.73, "recency": 0.2},
//	      "document_title": "Infection Control",
//	      "page_number": 4
//	    }
//	  ],
//	  "count": 1,
//	  "permission_bounded": false,
//	  "cache_hit": false
//	}
//
// # Error Handling
//
// Failures are JSON-RPC errors whose data carries the stable error kind and
// whether a retry may succeed:
//
//	{"code": -32001, "message": "embedding service is temporarily unavailable, retry later",
//	 "data": {"kind": "embedding_unavailable", "retryable": true}}
//
// Error codes:
//   - -32602: invalid params (bad filter, weight or limit)
//   - -32603: internal error
//   - -32001: embedding unavailable
//   - -32002: search timeout
//   - -32003: dimension mismatch
//   - -32004: empty query
package mcp
