// Package storage persists knowledge base chunks and runs filtered,
// scored vector searches over them.
//
// Three backends implement Storage:
//   - SQLiteStorage: single-file index, the default
//   - PostgresStorage: PostgreSQL with the pgvector extension
//   - MemoryStorage: in-process, for tests and ephemeral indexes
//
// # Database Schema
//
// Tables:
//   - schema_version: applied migrations
//   - kb_meta: index settings; records the embedding dimension
//   - chunks: text, provenance, metadata and embedding per chunk
//
// Each chunk row carries two JSON documents. metadata is returned to
// callers unchanged. attrs holds the well-known keys (department, campus,
// clearance_level, tags, ...) normalized to the values pkg/types reads, and
// is the only column predicates and scoring touch.
//
// # Query Generation
//
// Filters and weights arrive compiled (see internal/query). Builder renders
// them for a Dialect and binds every value through Bind, which appends one
// argument and returns its placeholder (?N for SQLite, $N for PostgreSQL).
// The query vector is bound once and referenced by number wherever the
// statement needs it.
//
//	b := storage.NewBuilder(storage.DialectSQLite)
//	where, err := b.Where(compiled, "c.attrs")
//	rows, err := db.QueryContext(ctx, "SELECT ... WHERE 1=1"+where, b.Args()...)
//
// # Dimension
//
// The first embedding written, or the dimension configured at open, fixes
// the index dimension. Writes and queries with any other length fail with
// types.ErrDimensionMismatch.
//
// # Build Tags
//
// CGO build (sqlite_vec tag): github.com/mattn/go-sqlite3 with sqlite-vec;
// the whole search is one SQL statement.
//
//	CGO_ENABLED=1 go build -tags "sqlite_vec"
//
// Pure Go build (default): modernc.org/sqlite; predicates run in SQL and
// distance plus scoring run in Go.
//
//	CGO_ENABLED=0 go build
package storage
