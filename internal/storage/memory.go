package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// MemoryStorage is an in-memory implementation of Storage for tests and
// small, ephemeral indexes. Filtering and scoring run the reference Go
// implementations directly.
type MemoryStorage struct {
	mu        sync.RWMutex
	chunks    map[string]*types.Chunk
	updated   time.Time
	dimension int
}

// NewMemoryStorage creates an empty in-memory index.
// dimension 0 adopts the length of the first embedding written.
func NewMemoryStorage(dimension int) *MemoryStorage {
	return &MemoryStorage{
		chunks:    make(map[string]*types.Chunk),
		dimension: dimension,
	}
}

func cloneChunk(c *types.Chunk) *types.Chunk {
	cpy := *c
	cpy.Metadata = c.Metadata.Clone()
	if c.Embedding != nil {
		cpy.Embedding = append([]float32(nil), c.Embedding...)
	}
	return &cpy
}

// UpsertChunk inserts or replaces a chunk.
func (s *MemoryStorage) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	return s.UpsertChunks(ctx, []*types.Chunk{chunk})
}

// UpsertChunks writes all chunks or none.
func (s *MemoryStorage) UpsertChunks(_ context.Context, chunks []*types.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dimension := s.dimension
	for _, chunk := range chunks {
		if chunk == nil {
			return fmt.Errorf("%w: nil chunk", types.ErrInvalidInput)
		}
		if err := chunk.Validate(); err != nil {
			return fmt.Errorf("chunk %q: %w", chunk.ID, err)
		}
		if !chunk.IsIndexed() {
			continue
		}
		if dimension == 0 {
			dimension = len(chunk.Embedding)
		}
		if len(chunk.Embedding) != dimension {
			return fmt.Errorf("chunk %q: %w", chunk.ID, dimensionError(len(chunk.Embedding), dimension))
		}
	}

	s.dimension = dimension
	for _, chunk := range chunks {
		s.chunks[chunk.ID] = cloneChunk(chunk)
	}
	if len(chunks) > 0 {
		s.updated = time.Now().UTC()
	}
	return nil
}

// GetChunk retrieves a copy of a chunk by ID.
func (s *MemoryStorage) GetChunk(_ context.Context, id string) (*types.Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	chunk, ok := s.chunks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneChunk(chunk), nil
}

// DeleteChunk removes a chunk by ID.
func (s *MemoryStorage) DeleteChunk(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.chunks[id]; !ok {
		return ErrNotFound
	}
	delete(s.chunks, id)
	s.updated = time.Now().UTC()
	return nil
}

// SearchChunks scans every indexed chunk.
func (s *MemoryStorage) SearchChunks(ctx context.Context, q SearchQuery) ([]types.SearchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	empty, err := checkQuery(q, s.dimension)
	if err != nil {
		return nil, err
	}
	if empty {
		return []types.SearchResult{}, nil
	}

	candidates := make([]candidate, 0, len(s.chunks))
	for _, chunk := range s.chunks {
		if err := ctx.Err(); err != nil {
			return nil, classifySearchError(ctx, err)
		}
		if !chunk.IsIndexed() || !q.Filter.Match(chunk.Metadata) {
			continue
		}

		c := candidate{distance: types.CosineDistance(q.Vector, chunk.Embedding)}
		if !passesThreshold(c.distance, q.Filter.SimilarityThreshold) {
			continue
		}
		c.result = types.SearchResult{
			ChunkID:       chunk.ID,
			Text:          chunk.Text,
			DocumentTitle: chunk.DocumentTitle,
			PageNumber:    chunk.PageNumber,
			SectionTitle:  chunk.SectionTitle,
			Metadata:      chunk.Metadata.Clone(),
		}
		c.score(q.Scoring)
		candidates = append(candidates, c)
	}

	sortCandidates(candidates)
	return buildResults(candidates, q.Limit), nil
}

// GetStatus returns index statistics.
func (s *MemoryStorage) GetStatus(_ context.Context) (*Status, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	status := &Status{
		Backend:       "memory",
		ChunkCount:    int64(len(s.chunks)),
		Dimension:     s.dimension,
		SchemaVersion: CurrentSchemaVersion,
		LastUpdatedAt: s.updated,
		Health: HealthStatus{
			DatabaseAccessible: true,
		},
	}
	for _, chunk := range s.chunks {
		if chunk.IsIndexed() {
			status.EmbeddedCount++
		}
	}
	return status, nil
}

// Dimension returns the index embedding dimension, 0 until known.
func (s *MemoryStorage) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Close is a no-op.
func (s *MemoryStorage) Close() error {
	return nil
}
