package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

const metaKeyDimension = "dimension"

// SQLiteStorage implements the Storage interface using SQLite
type SQLiteStorage struct {
	db *sql.DB

	mu        sync.RWMutex
	dimension int
}

// openDatabase opens a SQLite database with appropriate settings
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	return db, nil
}

// NewSQLiteStorage opens (or creates) a SQLite index at dbPath.
// dimension is the configured embedding length; 0 adopts whatever the index
// already records, or the length of the first embedding written.
func NewSQLiteStorage(dbPath string, dimension int) (*SQLiteStorage, error) {
	if dimension < 0 {
		return nil, fmt.Errorf("dimension cannot be negative: %d", dimension)
	}

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	ctx := context.Background()
	if err := ApplyMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}

	s := &SQLiteStorage{db: db}
	if err := s.loadDimension(ctx, dimension); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// loadDimension reconciles the configured dimension with the stored one.
// The stored value wins; a different configured value is a hard error.
func (s *SQLiteStorage) loadDimension(ctx context.Context, configured int) error {
	var raw string
	err := s.db.QueryRowContext(ctx, "SELECT value FROM kb_meta WHERE key = ?", metaKeyDimension).Scan(&raw)
	switch {
	case err == sql.ErrNoRows:
		if configured > 0 {
			return s.adoptDimension(ctx, configured)
		}
		return nil
	case err != nil:
		return fmt.Errorf("failed to read index dimension: %w", err)
	}

	stored, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid stored dimension %q: %w", raw, err)
	}
	if configured > 0 && configured != stored {
		return fmt.Errorf("configured dimension: %w", dimensionError(configured, stored))
	}
	s.dimension = stored
	return nil
}

// adoptDimension records n as the index dimension when none is set yet.
// Must not be called while a transaction holds the only connection.
func (s *SQLiteStorage) adoptDimension(ctx context.Context, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dimension != 0 {
		if s.dimension != n {
			return dimensionError(n, s.dimension)
		}
		return nil
	}
	if _, err := s.db.ExecContext(ctx, "INSERT OR IGNORE INTO kb_meta (key, value) VALUES (?, ?)",
		metaKeyDimension, strconv.Itoa(n)); err != nil {
		return fmt.Errorf("failed to record index dimension: %w", err)
	}
	s.dimension = n
	return nil
}

// Dimension returns the index embedding dimension, 0 until known
func (s *SQLiteStorage) Dimension() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.dimension
}

// Close closes the database connection
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// prepareChunks validates chunks and settles the index dimension before any write
func (s *SQLiteStorage) prepareChunks(ctx context.Context, chunks []*types.Chunk) error {
	for _, chunk := range chunks {
		if chunk == nil {
			return fmt.Errorf("%w: nil chunk", types.ErrInvalidInput)
		}
		if err := chunk.Validate(); err != nil {
			return fmt.Errorf("chunk %q: %w", chunk.ID, err)
		}
	}
	for _, chunk := range chunks {
		if chunk.IsIndexed() {
			if err := s.adoptDimension(ctx, len(chunk.Embedding)); err != nil {
				return fmt.Errorf("chunk %q: %w", chunk.ID, err)
			}
		}
	}
	return nil
}

func (s *SQLiteStorage) upsertChunkWithQuerier(ctx context.Context, q querier, chunk *types.Chunk) error {
	meta, attrs, err := encodeMetadata(chunk.Metadata)
	if err != nil {
		return err
	}

	var embedding, dimension any
	if chunk.IsIndexed() {
		embedding = types.EncodeVector(chunk.Embedding)
		dimension = len(chunk.Embedding)
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
		INSERT INTO chunks (id, text, document_title, page_number, section_title, metadata, attrs, embedding, dimension, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			text = excluded.text,
			document_title = excluded.document_title,
			page_number = excluded.page_number,
			section_title = excluded.section_title,
			metadata = excluded.metadata,
			attrs = excluded.attrs,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			updated_at = excluded.updated_at
	`
	_, err = q.ExecContext(ctx, query,
		chunk.ID, chunk.Text, chunk.DocumentTitle, chunk.PageNumber, chunk.SectionTitle,
		string(meta), string(attrs), embedding, dimension, now, now,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert chunk %q: %w", chunk.ID, err)
	}
	return nil
}

// UpsertChunk inserts or replaces a chunk
func (s *SQLiteStorage) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	if err := s.prepareChunks(ctx, []*types.Chunk{chunk}); err != nil {
		return err
	}
	return s.upsertChunkWithQuerier(ctx, s.db, chunk)
}

// UpsertChunks writes a batch of chunks in a single transaction
func (s *SQLiteStorage) UpsertChunks(ctx context.Context, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := s.prepareChunks(ctx, chunks); err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, chunk := range chunks {
		if err := s.upsertChunkWithQuerier(ctx, tx, chunk); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// GetChunk retrieves a chunk by ID
func (s *SQLiteStorage) GetChunk(ctx context.Context, id string) (*types.Chunk, error) {
	query := "SELECT " + chunkColumns + ", embedding FROM chunks WHERE id = ?"

	var (
		chunk     types.Chunk
		meta      string
		embedding []byte
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&chunk.ID, &chunk.Text, &chunk.DocumentTitle, &chunk.PageNumber, &chunk.SectionTitle, &meta, &embedding,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %q: %w", id, err)
	}

	if chunk.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
		return nil, err
	}
	if len(embedding) > 0 {
		if chunk.Embedding, err = types.DecodeVector(embedding); err != nil {
			return nil, fmt.Errorf("chunk %q: %w", id, err)
		}
	}
	return &chunk, nil
}

// DeleteChunk removes a chunk by ID
func (s *SQLiteStorage) DeleteChunk(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM chunks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete chunk %q: %w", id, err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchChunks runs a filtered, scored vector search
func (s *SQLiteStorage) SearchChunks(ctx context.Context, q SearchQuery) ([]types.SearchResult, error) {
	dimension := s.Dimension()
	empty, err := checkQuery(q, dimension)
	if err != nil {
		return nil, err
	}
	if empty {
		return []types.SearchResult{}, nil
	}

	results, err := searchVector(ctx, s.db, q, dimension)
	if err != nil {
		return nil, classifySearchError(ctx, err)
	}
	return results, nil
}

// GetStatus returns index statistics
func (s *SQLiteStorage) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{
		Backend:   "sqlite",
		Dimension: s.Dimension(),
		Health: HealthStatus{
			VectorExtension: VectorExtensionAvailable,
		},
	}

	var lastUpdated sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COUNT(embedding), MAX(updated_at) FROM chunks
	`).Scan(&status.ChunkCount, &status.EmbeddedCount, &lastUpdated)
	if err != nil {
		return status, fmt.Errorf("failed to get index stats: %w", err)
	}
	status.Health.DatabaseAccessible = true

	if lastUpdated.Valid {
		if t, err := time.Parse(time.RFC3339Nano, lastUpdated.String); err == nil {
			status.LastUpdatedAt = t
		}
	}

	version, err := schemaVersion(ctx, s.db)
	if err != nil {
		return status, err
	}
	status.SchemaVersion = version.String()

	return status, nil
}

// classifySearchError maps deadline expiry to ErrSearchTimeout. Drivers
// report interruption in their own terms, so the context is checked too.
func classifySearchError(ctx context.Context, err error) error {
	if errors.Is(err, types.ErrDimensionMismatch) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", types.ErrSearchTimeout, err)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	return err
}
