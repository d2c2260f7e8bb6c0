package indexer

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/dshills/kbsearch-mcp/internal/observability"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

const (
	defaultBatchSize = 50
	maxLineBytes     = 16 << 20
	maxErrorMessages = 100
)

// ErrImportInProgress is returned when another import holds the indexer
var ErrImportInProgress = errors.New("import already in progress")

// Record is one line of a JSONL import file. Chunking happens upstream, so
// each record is stored as a single chunk.
type Record struct {
	ID            string         `json:"id"`
	Text          string         `json:"text"`
	DocumentTitle string         `json:"document_title,omitempty"`
	PageNumber    int            `json:"page_number,omitempty"`
	SectionTitle  string         `json:"section_title,omitempty"`
	Metadata      types.Metadata `json:"metadata,omitempty"`
	// Embedding is optional; records without one are embedded during import
	Embedding []float32 `json:"embedding,omitempty"`
}

// Chunk converts the record to a storable chunk
func (r *Record) Chunk() *types.Chunk {
	return &types.Chunk{
		ID:            r.ID,
		Text:          r.Text,
		Embedding:     r.Embedding,
		DocumentTitle: r.DocumentTitle,
		PageNumber:    r.PageNumber,
		SectionTitle:  r.SectionTitle,
		Metadata:      r.Metadata,
	}
}

// Embedder produces document vectors. *embedder.Client implements it.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// CacheInvalidator drops cached search results. *searcher.Searcher implements it.
type CacheInvalidator interface {
	InvalidateCache(ctx context.Context) error
}

// Indexer coordinates the import pipeline: decode -> embed -> store
type Indexer struct {
	storage     storage.Storage
	embedder    Embedder
	invalidator CacheInvalidator
	audit       *observability.AuditLogger
	logger      *slog.Logger

	lock IndexLock
}

// Option configures an Indexer
type Option func(*Indexer)

// WithCacheInvalidator invalidates cached results after each import that stored chunks
func WithCacheInvalidator(inv CacheInvalidator) Option {
	return func(idx *Indexer) { idx.invalidator = inv }
}

// WithLogger sets the operational logger
func WithLogger(logger *slog.Logger) Option {
	return func(idx *Indexer) { idx.logger = logger }
}

// WithAuditLogger records one audit event per import run
func WithAuditLogger(audit *observability.AuditLogger) Option {
	return func(idx *Indexer) { idx.audit = audit }
}

// Config contains configuration for an import run
type Config struct {
	Workers   int    // Number of concurrent embed/store workers (default: runtime.NumCPU())
	BatchSize int    // Records embedded and committed together (default: 50)
	Source    string // Name recorded in the audit log
}

// Statistics contains statistics about the import operation
type Statistics struct {
	Imported      int
	Failed        int
	Duration      time.Duration
	ErrorMessages []string // first failures, capped
}

// New creates a new Indexer instance
func New(store storage.Storage, emb Embedder, opts ...Option) *Indexer {
	idx := &Indexer{
		storage:  store,
		embedder: emb,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(idx)
	}
	return idx
}

// ImportFile imports the JSONL file at path
func (idx *Indexer) ImportFile(ctx context.Context, path string, config *Config) (*Statistics, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open import file: %w", err)
	}
	defer func() { _ = f.Close() }()

	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.Source == "" {
		cfg.Source = path
	}
	return idx.Import(ctx, f, &cfg)
}

// Import reads JSONL records from r, embeds those without a vector, and
// upserts them in batches. Malformed or rejected records are counted and
// skipped; reader failures and cancellation abort the run.
func (idx *Indexer) Import(ctx context.Context, r io.Reader, config *Config) (*Statistics, error) {
	if !idx.lock.TryAcquire() {
		return nil, ErrImportInProgress
	}
	defer idx.lock.Release()

	cfg := Config{}
	if config != nil {
		cfg = *config
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.Source == "" {
		cfg.Source = "stream"
	}

	start := time.Now()
	run := &importRun{idx: idx}

	g, gctx := errgroup.WithContext(ctx)
	batches := make(chan []*types.Chunk, cfg.Workers)

	g.Go(func() error {
		defer close(batches)
		return run.readBatches(gctx, r, cfg.BatchSize, batches)
	})
	for i := 0; i < cfg.Workers; i++ {
		g.Go(func() error {
			for batch := range batches {
				if err := run.storeBatch(gctx, batch); err != nil {
					return err
				}
			}
			return nil
		})
	}
	err := g.Wait()

	stats := &Statistics{
		Imported:      int(run.imported.Load()),
		Failed:        int(run.failed.Load()),
		Duration:      time.Since(start),
		ErrorMessages: run.errors,
	}

	// Chunks written before a failure are visible, so cached results are stale either way
	if stats.Imported > 0 && idx.invalidator != nil {
		if invErr := idx.invalidator.InvalidateCache(context.WithoutCancel(ctx)); invErr != nil {
			idx.logger.Warn("failed to invalidate result cache after import", "error", invErr)
		}
	}

	idx.audit.LogImport(ctx, observability.ImportAuditEvent{
		Source:   cfg.Source,
		Imported: stats.Imported,
		Failed:   stats.Failed,
		Duration: stats.Duration,
	})
	idx.logger.Info("import finished",
		"source", cfg.Source,
		"imported", stats.Imported,
		"failed", stats.Failed,
		"duration_ms", stats.Duration.Milliseconds(),
	)

	if err != nil {
		return stats, fmt.Errorf("import aborted: %w", err)
	}
	return stats, nil
}

// importRun holds the counters shared by the reader and workers of one import
type importRun struct {
	idx      *Indexer
	imported atomic.Int32
	failed   atomic.Int32

	mu     sync.Mutex
	errors []string
}

func (run *importRun) fail(n int, format string, args ...any) {
	run.failed.Add(int32(n))
	run.mu.Lock()
	defer run.mu.Unlock()
	if len(run.errors) < maxErrorMessages {
		run.errors = append(run.errors, fmt.Sprintf(format, args...))
	}
}

// readBatches decodes records and sends them to out in groups of size
func (run *importRun) readBatches(ctx context.Context, r io.Reader, size int, out chan<- []*types.Chunk) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	send := func(batch []*types.Chunk) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- batch:
			return nil
		}
	}

	batch := make([]*types.Chunk, 0, size)
	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			run.fail(1, "line %d: invalid JSON: %v", line, err)
			continue
		}
		chunk := rec.Chunk()
		if err := chunk.Validate(); err != nil {
			run.fail(1, "line %d (%s): %v", line, rec.ID, err)
			continue
		}

		batch = append(batch, chunk)
		if len(batch) == size {
			if err := send(batch); err != nil {
				return err
			}
			batch = make([]*types.Chunk, 0, size)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read records at line %d: %w", line+1, err)
	}
	if len(batch) > 0 {
		return send(batch)
	}
	return nil
}

// storeBatch embeds and upserts one batch. Only cancellation is returned as
// an error; record-level failures are counted.
func (run *importRun) storeBatch(ctx context.Context, batch []*types.Chunk) error {
	ready := run.embed(ctx, batch)
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}

	err := run.idx.storage.UpsertChunks(ctx, ready)
	if err == nil {
		run.imported.Add(int32(len(ready)))
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	// The batch is one transaction; retry chunk by chunk to isolate the bad ones
	for _, chunk := range ready {
		if err := run.idx.storage.UpsertChunk(ctx, chunk); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			run.fail(1, "%s: %v", chunk.ID, err)
			continue
		}
		run.imported.Add(1)
	}
	return nil
}

// embed fills in missing vectors and returns the chunks that can be stored
func (run *importRun) embed(ctx context.Context, batch []*types.Chunk) []*types.Chunk {
	var pending []*types.Chunk
	for _, chunk := range batch {
		if !chunk.IsIndexed() {
			pending = append(pending, chunk)
		}
	}
	if len(pending) == 0 {
		return batch
	}

	texts := make([]string, len(pending))
	for i, chunk := range pending {
		texts[i] = chunk.Text
	}

	vectors, err := run.idx.embedder.EmbedBatch(ctx, texts)
	switch {
	case err == nil:
		for i, chunk := range pending {
			chunk.Embedding = vectors[i]
		}
		return batch
	case types.KindOf(err) == types.KindInvalidInput:
		// One bad text rejects the whole request; embed individually instead
		return run.embedEach(ctx, batch)
	default:
		if ctx.Err() == nil {
			run.fail(len(pending), "embedding batch of %d (first %s): %v", len(pending), pending[0].ID, err)
		}
		ready := batch[:0:0]
		for _, chunk := range batch {
			if chunk.IsIndexed() {
				ready = append(ready, chunk)
			}
		}
		return ready
	}
}

func (run *importRun) embedEach(ctx context.Context, batch []*types.Chunk) []*types.Chunk {
	ready := make([]*types.Chunk, 0, len(batch))
	for _, chunk := range batch {
		if chunk.IsIndexed() {
			ready = append(ready, chunk)
			continue
		}
		vec, err := run.idx.embedder.Embed(ctx, chunk.Text)
		if err != nil {
			if ctx.Err() != nil {
				return ready
			}
			run.fail(1, "%s: %v", chunk.ID, err)
			continue
		}
		chunk.Embedding = vec
		ready = append(ready, chunk)
	}
	return ready
}
