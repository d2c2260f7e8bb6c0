package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dshills/kbsearch-mcp/internal/query"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

var (
	// ErrNotFound is returned when a requested chunk doesn't exist
	ErrNotFound = types.ErrNotFound
	// ErrNoDimension is returned when writing an embedding before the index dimension is known
	ErrNoDimension = errors.New("index dimension not configured")
)

// Storage defines the interface for persisting and querying knowledge base chunks
type Storage interface {
	// Chunk operations
	UpsertChunk(ctx context.Context, chunk *types.Chunk) error
	UpsertChunks(ctx context.Context, chunks []*types.Chunk) error
	GetChunk(ctx context.Context, id string) (*types.Chunk, error)
	DeleteChunk(ctx context.Context, id string) error

	// SearchChunks runs one filtered, scored vector search. Results are
	// ordered by combined score descending, then chunk ID ascending.
	SearchChunks(ctx context.Context, q SearchQuery) ([]types.SearchResult, error)

	// Status operations
	GetStatus(ctx context.Context) (*Status, error)

	// Dimension is the embedding length every stored vector shares; 0 until known.
	Dimension() int

	Close() error
}

// SearchQuery is a fully compiled search request
type SearchQuery struct {
	Vector  []float32
	Filter  query.CompiledFilter
	Scoring query.Expression
	Limit   int
}

// Status reports index statistics and health
type Status struct {
	Backend       string
	ChunkCount    int64
	EmbeddedCount int64
	Dimension     int
	SchemaVersion string
	LastUpdatedAt time.Time
	Health        HealthStatus
}

// HealthStatus represents the health of the storage backend
type HealthStatus struct {
	DatabaseAccessible bool
	VectorExtension    bool
}

// checkQuery validates the parts of q a backend cannot recover from.
// An index that has never stored an embedding has no dimension and matches nothing.
func checkQuery(q SearchQuery, dimension int) (empty bool, err error) {
	if q.Limit <= 0 {
		return true, nil
	}
	if dimension == 0 {
		return true, nil
	}
	if len(q.Vector) != dimension {
		return false, dimensionError(len(q.Vector), dimension)
	}
	return false, nil
}
