// Package indexer imports pre-chunked documents into the knowledge base.
//
// Chunking and document parsing happen upstream. The indexer reads one JSON
// record per line, embeds the records that arrive without a vector, and
// upserts them into storage in batches.
//
// # Basic Usage
//
//	idx := indexer.New(store, embedClient,
//	    indexer.WithCacheInvalidator(searcher),
//	    indexer.WithAuditLogger(audit),
//	)
//
//	stats, err := idx.ImportFile(ctx, "chunks.jsonl", &indexer.Config{Workers: 4, BatchSize: 50})
//	fmt.Printf("Imported %d chunks, %d failed in %v\n", stats.Imported, stats.Failed, stats.Duration)
//
// # Record Format
//
//	{"id": "policy-12#3", "text": "Staff must perform hand hygiene ...",
//	 "document_title": "Infection Control", "page_number": 4, "section_title": "Scope",
//	 "metadata": {"department": "Nursing", "clearance_level": 0, "priority": 4,
//	              "tags": ["safety"], "last_reviewed": "2024-03-01"}}
//
// An "embedding" array may be supplied to skip the embedding call; its length
// must match the index dimension.
//
// # Pipeline
//
//  1. Decode: one goroutine scans lines, validates records and groups them
//  2. Embed: workers call the provider's batch endpoint; if a batch is
//     rejected for invalid input, its records are embedded one at a time
//  3. Store: each batch is upserted in one transaction; a failed batch is
//     retried record by record so one bad chunk does not sink its neighbours
//  4. Invalidate: cached search results are dropped once anything was stored
//
// Record-level failures are counted in Statistics and never abort the run.
// Reader errors and cancellation do, and the statistics returned alongside
// the error describe what was stored before it.
//
// # Concurrency
//
// Only one import runs per Indexer at a time; a concurrent call returns
// ErrImportInProgress immediately. Upserts are idempotent by chunk id, so an
// aborted import can simply be re-run.
package indexer
