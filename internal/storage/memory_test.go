package storage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

func TestMemoryStorageCopiesOnReadAndWrite(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage(2)

	chunk := &types.Chunk{ID: "a", Text: "x", Embedding: []float32{1, 0}, Metadata: types.Metadata{"k": "v"}}
	require.NoError(t, s.UpsertChunk(ctx, chunk))

	chunk.Embedding[0] = 9
	chunk.Metadata["k"] = "changed"

	got, err := s.GetChunk(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, got.Embedding)
	assert.Equal(t, "v", got.Metadata["k"])

	got.Metadata["k"] = "mutated"
	again, err := s.GetChunk(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "v", again.Metadata["k"])
}

func TestMemoryStorageRejectsMixedDimensionsInBatch(t *testing.T) {
	s := NewMemoryStorage(0)
	err := s.UpsertChunks(context.Background(), []*types.Chunk{
		{ID: "a", Text: "x", Embedding: []float32{1, 0}},
		{ID: "b", Text: "y", Embedding: []float32{1, 0, 0}},
	})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
	assert.Equal(t, 0, s.Dimension())
}
