package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/dshills/kbsearch-mcp/internal/query"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// searchVector runs a SQLite search, in SQL when sqlite-vec is loaded
func searchVector(ctx context.Context, db *sql.DB, q SearchQuery, dimension int) ([]types.SearchResult, error) {
	// Use optimized SQL-based search when sqlite-vec is available
	if VectorExtensionAvailable {
		return searchVectorOptimized(ctx, db, q)
	}
	// Fall back to Go-based computation for purego builds
	return searchVectorFallback(ctx, db, q, dimension)
}

// searchVectorOptimized computes distance, threshold, score, order and limit in one statement
func searchVectorOptimized(ctx context.Context, db *sql.DB, q SearchQuery) ([]types.SearchResult, error) {
	stmt, args, err := buildSearchSQL(DialectSQLite, q, types.EncodeVector(q.Vector))
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to execute vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	results := make([]types.SearchResult, 0, q.Limit)
	for rows.Next() {
		var (
			c        candidate
			meta     string
			combined float64
		)
		if err := rows.Scan(&c.result.ChunkID, &c.result.Text, &c.result.DocumentTitle, &c.result.PageNumber,
			&c.result.SectionTitle, &meta, &c.distance, &combined); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if c.result.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
			return nil, err
		}
		c.score(q.Scoring)
		c.result.CombinedScore = combined
		results = append(results, c.result)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	assignRanks(results)
	return results, nil
}

// searchVectorFallback filters in SQL and scores in Go.
// This is used when sqlite-vec extension is not available (purego builds)
func searchVectorFallback(ctx context.Context, db *sql.DB, q SearchQuery, dimension int) ([]types.SearchResult, error) {
	stmt, args, err := buildCandidateSQL(DialectSQLite, q.Filter)
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query embeddings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	candidates := make([]candidate, 0, 256)
	for rows.Next() {
		var (
			c    candidate
			meta string
			blob []byte
		)
		if err := rows.Scan(&c.result.ChunkID, &c.result.Text, &c.result.DocumentTitle, &c.result.PageNumber,
			&c.result.SectionTitle, &meta, &blob); err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}

		vector, err := types.DecodeVector(blob)
		if err != nil {
			return nil, fmt.Errorf("chunk %q: %w", c.result.ChunkID, err)
		}
		if len(vector) != dimension {
			return nil, fmt.Errorf("chunk %q: %w", c.result.ChunkID, dimensionError(len(vector), dimension))
		}

		c.distance = types.CosineDistance(q.Vector, vector)
		if !passesThreshold(c.distance, q.Filter.SimilarityThreshold) {
			continue
		}
		if c.result.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
			return nil, err
		}
		c.score(q.Scoring)
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortCandidates(candidates)
	return buildResults(candidates, q.Limit), nil
}

// candidate is a chunk with its distance to the query, before ranking
type candidate struct {
	result   types.SearchResult
	distance float64
}

// score fills similarity, breakdown and combined score from the distance
func (c *candidate) score(expr query.Expression) {
	c.result.Similarity = 1 - c.distance
	c.result.Breakdown = expr.Evaluate(c.distance, c.result.Metadata)
	c.result.CombinedScore = c.result.Breakdown.Total()
}

func passesThreshold(distance float64, threshold *float64) bool {
	return threshold == nil || 1-distance >= *threshold
}

// sortCandidates orders by combined score descending, then chunk ID ascending
func sortCandidates(candidates []candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i].result, candidates[j].result
		if a.CombinedScore != b.CombinedScore {
			return a.CombinedScore > b.CombinedScore
		}
		return a.ChunkID < b.ChunkID
	})
}

// buildResults truncates sorted candidates to limit and assigns ranks
func buildResults(candidates []candidate, limit int) []types.SearchResult {
	if limit > len(candidates) {
		limit = len(candidates)
	}
	results := make([]types.SearchResult, limit)
	for i := 0; i < limit; i++ {
		results[i] = candidates[i].result
	}
	assignRanks(results)
	return results
}

func assignRanks(results []types.SearchResult) {
	for i := range results {
		results[i].Rank = i + 1
	}
}
