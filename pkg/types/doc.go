// Package types provides shared type definitions for the kbsearch knowledge base.
//
// This package defines the domain types used across the search engine's
// components: chunks and their metadata, caller identity, ranked search
// results and the error taxonomy surfaced to callers.
//
// # Chunks
//
// Chunk is the atomic retrievable unit. Its Metadata is an open mapping; the
// engine reads the well-known keys (department, campus, doc_type, status,
// priority, tags, clearance_level, view_count, last_reviewed) through typed
// accessors and ignores everything else:
//
//	level := chunk.Metadata.ClearanceLevel() // 0 when absent
//	tags := chunk.Metadata.Tags()
//
// # Callers
//
// CallerContext is supplied by an external auth layer. The engine never
// authenticates callers; it only uses the clearance ceiling to bound results
// and the department/campus for scoring bonuses.
//
// # Errors
//
// Every error returned by the engine maps to a stable ErrorKind through
// KindOf. Surfaces (HTTP, MCP) report the kind and PublicMessage, never the
// raw error text:
//
//	if types.KindOf(err) == types.KindEmbeddingUnavailable {
//	    // retry later
//	}
package types
