package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// pgQueryCanceled is the SQLSTATE for statement_timeout and cancel requests
const pgQueryCanceled = "57014"

// PostgresStorage implements the Storage interface on PostgreSQL with pgvector
type PostgresStorage struct {
	pool      *pgxpool.Pool
	dimension int
}

// postgresMigrations are rendered with the index dimension, which pgvector
// needs in the column type.
func postgresMigrations(dimension int) []Migration {
	return []Migration{
		{
			Version: "1.0.0",
			Up: fmt.Sprintf(`
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMPTZ DEFAULT now()
);

CREATE TABLE IF NOT EXISTS kb_meta (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS chunks (
    id TEXT PRIMARY KEY,
    text TEXT NOT NULL,
    document_title TEXT NOT NULL DEFAULT '',
    page_number INTEGER NOT NULL DEFAULT 0,
    section_title TEXT NOT NULL DEFAULT '',
    metadata JSONB NOT NULL DEFAULT '{}',
    attrs JSONB NOT NULL DEFAULT '{}',
    embedding vector(%d),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`, dimension),
			Down: `
DROP TABLE IF EXISTS chunks;
DROP TABLE IF EXISTS kb_meta;
DROP TABLE IF EXISTS schema_version;
`,
		},
		{
			Version: "1.1.0",
			Up: `
CREATE INDEX IF NOT EXISTS idx_chunks_attrs ON chunks USING gin (attrs);
CREATE INDEX IF NOT EXISTS idx_chunks_clearance ON chunks (((attrs->>'clearance_level')::bigint));
CREATE INDEX IF NOT EXISTS idx_chunks_updated ON chunks (updated_at);
`,
			Down: `
DROP INDEX IF EXISTS idx_chunks_updated;
DROP INDEX IF EXISTS idx_chunks_clearance;
DROP INDEX IF EXISTS idx_chunks_attrs;
`,
		},
	}
}

// NewPostgresStorage connects to dsn, applies migrations and checks the
// index dimension. Unlike SQLite the dimension must be known up front.
func NewPostgresStorage(ctx context.Context, dsn string, dimension int) (*PostgresStorage, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("%w: postgres storage requires a dimension", ErrNoDimension)
	}

	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	s := &PostgresStorage{pool: pool, dimension: dimension}
	if err := s.applyMigrations(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to apply migrations: %w", err)
	}
	if err := s.checkDimension(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStorage) schemaVersion(ctx context.Context) (*semver.Version, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx, "SELECT to_regclass('schema_version') IS NOT NULL").Scan(&exists); err != nil {
		return nil, fmt.Errorf("failed to check schema_version table: %w", err)
	}
	if !exists {
		return semver.MustParse("0.0.0"), nil
	}

	rows, err := s.pool.Query(ctx, "SELECT version FROM schema_version")
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	versions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("failed to read schema_version: %w", err)
	}
	return maxVersion(versions)
}

func (s *PostgresStorage) applyMigrations(ctx context.Context) error {
	current, err := s.schemaVersion(ctx)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(current, postgresMigrations(s.dimension))
	if err != nil {
		return err
	}

	for _, migration := range pending {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, migration.Up); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}
		if _, err := tx.Exec(ctx, "INSERT INTO schema_version (version) VALUES ($1)", migration.Version); err != nil {
			_ = tx.Rollback(ctx)
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (s *PostgresStorage) checkDimension(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "INSERT INTO kb_meta (key, value) VALUES ($1, $2) ON CONFLICT (key) DO NOTHING",
		metaKeyDimension, strconv.Itoa(s.dimension))
	if err != nil {
		return fmt.Errorf("failed to record index dimension: %w", err)
	}

	var raw string
	if err := s.pool.QueryRow(ctx, "SELECT value FROM kb_meta WHERE key = $1", metaKeyDimension).Scan(&raw); err != nil {
		return fmt.Errorf("failed to read index dimension: %w", err)
	}
	stored, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid stored dimension %q: %w", raw, err)
	}
	if stored != s.dimension {
		return fmt.Errorf("configured dimension: %w", dimensionError(s.dimension, stored))
	}
	return nil
}

// Dimension returns the index embedding dimension
func (s *PostgresStorage) Dimension() int {
	return s.dimension
}

// Close closes the connection pool
func (s *PostgresStorage) Close() error {
	s.pool.Close()
	return nil
}

const pgUpsertChunk = `
	INSERT INTO chunks (id, text, document_title, page_number, section_title, metadata, attrs, embedding, updated_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8::vector, now())
	ON CONFLICT (id) DO UPDATE SET
		text = EXCLUDED.text,
		document_title = EXCLUDED.document_title,
		page_number = EXCLUDED.page_number,
		section_title = EXCLUDED.section_title,
		metadata = EXCLUDED.metadata,
		attrs = EXCLUDED.attrs,
		embedding = EXCLUDED.embedding,
		updated_at = now()
`

func (s *PostgresStorage) upsertArgs(chunk *types.Chunk) ([]any, error) {
	if chunk == nil {
		return nil, fmt.Errorf("%w: nil chunk", types.ErrInvalidInput)
	}
	if err := chunk.Validate(); err != nil {
		return nil, fmt.Errorf("chunk %q: %w", chunk.ID, err)
	}

	var embedding any
	if chunk.IsIndexed() {
		if len(chunk.Embedding) != s.dimension {
			return nil, fmt.Errorf("chunk %q: %w", chunk.ID, dimensionError(len(chunk.Embedding), s.dimension))
		}
		embedding = pgvector.NewVector(chunk.Embedding)
	}

	meta, attrs, err := encodeMetadata(chunk.Metadata)
	if err != nil {
		return nil, err
	}
	return []any{chunk.ID, chunk.Text, chunk.DocumentTitle, chunk.PageNumber, chunk.SectionTitle,
		string(meta), string(attrs), embedding}, nil
}

// UpsertChunk inserts or replaces a chunk
func (s *PostgresStorage) UpsertChunk(ctx context.Context, chunk *types.Chunk) error {
	args, err := s.upsertArgs(chunk)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, pgUpsertChunk, args...); err != nil {
		return fmt.Errorf("failed to upsert chunk %q: %w", chunk.ID, err)
	}
	return nil
}

// UpsertChunks writes a batch of chunks in one transaction using a pipelined batch
func (s *PostgresStorage) UpsertChunks(ctx context.Context, chunks []*types.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, chunk := range chunks {
		args, err := s.upsertArgs(chunk)
		if err != nil {
			return err
		}
		batch.Queue(pgUpsertChunk, args...)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	br := tx.SendBatch(ctx, batch)
	for _, chunk := range chunks {
		if _, err := br.Exec(); err != nil {
			_ = br.Close()
			return fmt.Errorf("failed to upsert chunk %q: %w", chunk.ID, err)
		}
	}
	if err := br.Close(); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// GetChunk retrieves a chunk by ID
func (s *PostgresStorage) GetChunk(ctx context.Context, id string) (*types.Chunk, error) {
	var (
		chunk     types.Chunk
		meta      []byte
		embedding *pgvector.Vector
	)
	err := s.pool.QueryRow(ctx, "SELECT "+chunkColumns+", embedding FROM chunks WHERE id = $1", id).Scan(
		&chunk.ID, &chunk.Text, &chunk.DocumentTitle, &chunk.PageNumber, &chunk.SectionTitle, &meta, &embedding,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk %q: %w", id, err)
	}

	if chunk.Metadata, err = decodeMetadata(meta); err != nil {
		return nil, err
	}
	if embedding != nil {
		chunk.Embedding = embedding.Slice()
	}
	return &chunk, nil
}

// DeleteChunk removes a chunk by ID
func (s *PostgresStorage) DeleteChunk(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM chunks WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("failed to delete chunk %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// SearchChunks runs the filtered, scored search in a single statement
func (s *PostgresStorage) SearchChunks(ctx context.Context, q SearchQuery) ([]types.SearchResult, error) {
	empty, err := checkQuery(q, s.dimension)
	if err != nil {
		return nil, err
	}
	if empty {
		return []types.SearchResult{}, nil
	}

	stmt, args, err := buildSearchSQL(DialectPostgres, q, pgvector.NewVector(q.Vector))
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, stmt, args...)
	if err != nil {
		return nil, classifyPostgresError(ctx, err)
	}
	defer rows.Close()

	results := make([]types.SearchResult, 0, q.Limit)
	for rows.Next() {
		var (
			c        candidate
			meta     []byte
			combined float64
		)
		if err := rows.Scan(&c.result.ChunkID, &c.result.Text, &c.result.DocumentTitle, &c.result.PageNumber,
			&c.result.SectionTitle, &meta, &c.distance, &combined); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		if c.result.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, err
		}
		c.score(q.Scoring)
		c.result.CombinedScore = combined
		results = append(results, c.result)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPostgresError(ctx, err)
	}

	assignRanks(results)
	return results, nil
}

// GetStatus returns index statistics
func (s *PostgresStorage) GetStatus(ctx context.Context) (*Status, error) {
	status := &Status{
		Backend:   "postgres",
		Dimension: s.dimension,
		Health: HealthStatus{
			VectorExtension: true,
		},
	}

	var lastUpdated *time.Time
	err := s.pool.QueryRow(ctx, "SELECT COUNT(*), COUNT(embedding), MAX(updated_at) FROM chunks").
		Scan(&status.ChunkCount, &status.EmbeddedCount, &lastUpdated)
	if err != nil {
		return status, fmt.Errorf("failed to get index stats: %w", err)
	}
	status.Health.DatabaseAccessible = true
	if lastUpdated != nil {
		status.LastUpdatedAt = lastUpdated.UTC()
	}

	version, err := s.schemaVersion(ctx)
	if err != nil {
		return status, err
	}
	status.SchemaVersion = version.String()
	return status, nil
}

// classifyPostgresError also treats a server-side statement timeout as a search timeout
func classifyPostgresError(ctx context.Context, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgQueryCanceled {
		return fmt.Errorf("%w: %v", types.ErrSearchTimeout, err)
	}
	return classifySearchError(ctx, err)
}
