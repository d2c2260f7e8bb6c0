package storage

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

func setupTestDB(t *testing.T) *SQLiteStorage {
	// Use in-memory database for testing
	storage, err := NewSQLiteStorage(":memory:", 0)
	require.NoError(t, err)
	require.NotNil(t, storage)
	return storage
}

func TestNewSQLiteStorage(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()

	assert.NotNil(t, storage.db)
	assert.Equal(t, 0, storage.Dimension())
}

func TestNewSQLiteStorageRejectsNegativeDimension(t *testing.T) {
	_, err := NewSQLiteStorage(":memory:", -1)
	assert.Error(t, err)
}

func TestDimensionPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kb.db")

	s, err := NewSQLiteStorage(path, 0)
	require.NoError(t, err)
	require.NoError(t, s.UpsertChunk(context.Background(), &types.Chunk{ID: "a", Text: "x", Embedding: []float32{1, 2, 3, 4}}))
	require.NoError(t, s.Close())

	reopened, err := NewSQLiteStorage(path, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, reopened.Dimension())
	require.NoError(t, reopened.Close())

	same, err := NewSQLiteStorage(path, 4)
	require.NoError(t, err)
	require.NoError(t, same.Close())

	_, err = NewSQLiteStorage(path, 8)
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestConfiguredDimensionRecordedUpFront(t *testing.T) {
	s, err := NewSQLiteStorage(":memory:", 3)
	require.NoError(t, err)
	defer s.Close()

	err = s.UpsertChunk(context.Background(), &types.Chunk{ID: "a", Text: "x", Embedding: []float32{1, 2}})
	assert.ErrorIs(t, err, types.ErrDimensionMismatch)
}

func TestApplyMigrationsIdempotent(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, ApplyMigrations(ctx, storage.db))

	var count int
	require.NoError(t, storage.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_version").Scan(&count))
	assert.Equal(t, len(AllMigrations), count)

	version, err := schemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version.String())
}

func TestRollbackMigration(t *testing.T) {
	storage := setupTestDB(t)
	defer storage.Close()
	ctx := context.Background()

	require.NoError(t, RollbackMigration(ctx, storage.db))
	version, err := schemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, "1.0.0", version.String())

	require.NoError(t, RollbackMigration(ctx, storage.db))
	version, err = schemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0", version.String())

	assert.Error(t, RollbackMigration(ctx, storage.db))

	// Re-applying restores the full schema
	require.NoError(t, ApplyMigrations(ctx, storage.db))
	version, err = schemaVersion(ctx, storage.db)
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version.String())
}

func TestMaxVersionIgnoresInsertionOrder(t *testing.T) {
	v, err := maxVersion([]string{"1.1.0", "1.0.0"})
	require.NoError(t, err)
	assert.Equal(t, "1.1.0", v.String())

	_, err = maxVersion([]string{"not-a-version"})
	assert.Error(t, err)
}

func TestAttrsNormalizeWellKnownKeys(t *testing.T) {
	attrs := buildAttrs(types.Metadata{
		types.MetaPriority:     float64(4),
		types.MetaTags:         []any{"b", "a", "b"},
		types.MetaLastReviewed: "2024-03-01",
		types.MetaDepartment:   7,
		"custom":               "ignored",
	})

	assert.Equal(t, int64(4), attrs[types.MetaPriority])
	assert.Equal(t, []string{"a", "b"}, attrs[types.MetaTags])
	assert.Equal(t, "2024-03-01T00:00:00.000000000Z", attrs[types.MetaLastReviewed])
	assert.Equal(t, int64(0), attrs[types.MetaClearanceLevel])
	assert.Equal(t, int64(0), attrs[types.MetaViewCount])
	assert.NotContains(t, attrs, types.MetaDepartment, "non-string department cannot match")
	assert.NotContains(t, attrs, "custom")
}
