// Package searcher implements the hybrid knowledge base search engine.
//
// A search combines vector similarity against stored chunk embeddings,
// structured metadata filters and a weighted multi-factor score:
//
//	s := searcher.NewSearcher(store, embedClient,
//	    searcher.WithCache(cacheStore),
//	    searcher.WithAuditLogger(audit),
//	)
//
//	resp, err := s.Search(ctx, searcher.SearchRequest{
//	    Query:  "password reset instructions",
//	    Filter: query.Filter{Department: []string{"IT"}},
//	    Limit:  5,
//	    Caller: types.CallerContext{ID: "u-17", ClearanceLevel: 2},
//	})
//
// # Request Lifecycle
//
// Each call runs the same steps in order:
//
//  1. Validate and sanitize the query, limit, caller, filter and weights.
//     Nothing leaves the process until this succeeds.
//  2. Compile the filter against the caller. The clearance ceiling is always
//     min(caller clearance, requested clearance).
//  3. Look up the result cache. A hit returns immediately.
//  4. Embed the query (retried and cached inside the embedding client).
//  5. Run the compiled query against storage under its own timeout. A
//     storage timeout is retried once while the caller's deadline is open.
//  6. Write the result set to the cache.
//
// # Permission Bounding
//
// Asking for a clearance ceiling above your own is not an error. The ceiling
// is lowered to the caller's level and the response has PermissionBounded set,
// so callers can tell "no results" from "no permitted results".
//
// # Caching
//
// Result sets are keyed by a SHA-256 over the sorted-key JSON form of the
// sanitized query, non-default filter fields, non-zero weights, effective
// clearance and limit. Entries expire after Config.ResultTTL and are not
// invalidated on chunk updates, except through InvalidateCache after an
// import. A failing cache backend degrades to uncached search.
//
// # Auditing
//
// Every attempt emits one search.attempt audit event with the caller id,
// sanitized query, result count and outcome. Result text and vectors are
// never logged.
package searcher
