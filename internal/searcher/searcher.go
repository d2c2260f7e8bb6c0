package searcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/internal/observability"
	"github.com/dshills/kbsearch-mcp/internal/query"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// QueryEmbedder turns query text into a vector. *embedder.Client implements it.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Provider() string
	Model() string
}

// Config bounds requests and sets cache and storage timings
type Config struct {
	DefaultLimit   int
	MaxLimit       int // system ceiling, applied to every request
	MinQueryLength int
	MaxQueryLength int
	ResultTTL      time.Duration
	StorageTimeout time.Duration
}

// DefaultConfig returns the standard request bounds
func DefaultConfig() Config {
	return Config{
		DefaultLimit:   10,
		MaxLimit:       50,
		MinQueryLength: 2,
		MaxQueryLength: 500,
		ResultTTL:      15 * time.Minute,
		StorageTimeout: 60 * time.Second,
	}
}

// SearchRequest contains parameters for a search operation
type SearchRequest struct {
	RequestID string // generated when empty
	Query     string
	Filter    query.Filter
	Weights   *query.Weights // nil uses query.DefaultWeights
	Limit     int            // 0 uses the default; capped at the system ceiling
	Caller    types.CallerContext
}

// SearchResponse contains search results and metadata
type SearchResponse struct {
	RequestID string
	Query     string // sanitized query that was searched
	Results   []types.SearchResult

	// PermissionBounded is set when the request asked for a clearance ceiling
	// above the caller's own, so the result set may be narrower than requested.
	PermissionBounded  bool
	EffectiveClearance int

	CacheHit bool
	Duration time.Duration
}

// Option configures a Searcher
type Option func(*Searcher)

// WithCache enables result caching on store
func WithCache(store cache.Store) Option {
	return func(s *Searcher) { s.cacheStore = store }
}

// WithLogger sets the debug/operational logger
func WithLogger(logger *slog.Logger) Option {
	return func(s *Searcher) { s.logger = logger }
}

// WithAuditLogger sets the audit sink for search attempts
func WithAuditLogger(audit *observability.AuditLogger) Option {
	return func(s *Searcher) { s.audit = audit }
}

// WithClock overrides time.Now, used for recency scoring and durations
func WithClock(now func() time.Time) Option {
	return func(s *Searcher) { s.now = now }
}

// WithConfig replaces DefaultConfig
func WithConfig(cfg Config) Option {
	return func(s *Searcher) { s.cfg = cfg }
}

// Searcher is the hybrid search engine façade. It holds no request state and
// is safe for concurrent use.
type Searcher struct {
	storage  storage.Storage
	embedder QueryEmbedder

	cfg        Config
	cacheStore cache.Store
	cache      *ResultCache
	logger     *slog.Logger
	audit      *observability.AuditLogger
	now        func() time.Time
}

// NewSearcher creates a new Searcher instance
func NewSearcher(store storage.Storage, emb QueryEmbedder, opts ...Option) *Searcher {
	s := &Searcher{
		storage:  store,
		embedder: emb,
		cfg:      DefaultConfig(),
		logger:   slog.Default(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}

	defaults := DefaultConfig()
	if s.cfg.MaxLimit <= 0 {
		s.cfg.MaxLimit = defaults.MaxLimit
	}
	if s.cfg.DefaultLimit <= 0 {
		s.cfg.DefaultLimit = defaults.DefaultLimit
	}
	s.cfg.DefaultLimit = min(s.cfg.DefaultLimit, s.cfg.MaxLimit)
	if s.cfg.MinQueryLength <= 0 {
		s.cfg.MinQueryLength = defaults.MinQueryLength
	}
	if s.cfg.MaxQueryLength <= 0 {
		s.cfg.MaxQueryLength = defaults.MaxQueryLength
	}
	if s.cfg.StorageTimeout <= 0 {
		s.cfg.StorageTimeout = defaults.StorageTimeout
	}

	s.logger = s.logger.With("component", "searcher")
	s.cache = NewResultCache(s.cacheStore, s.cfg.ResultTTL, s.logger)
	return s
}

// plan is a validated, compiled request
type plan struct {
	query    string
	limit    int
	filter   query.CompiledFilter
	scoring  query.Expression
	cacheKey string
}

// Search validates the request, bounds it by the caller's clearance and
// returns ranked results, from the result cache when possible.
//
// Every attempt, successful or not, produces one audit event.
func (s *Searcher) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	start := s.now()
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	ctx, span := observability.StartSearchSpan(ctx, req.RequestID, req.Caller.ID)
	defer span.End()

	resp, p, err := s.search(ctx, req)
	duration := s.now().Sub(start)

	ev := observability.SearchAuditEvent{
		RequestID: req.RequestID,
		CallerID:  req.Caller.ID,
		Query:     s.auditQuery(req.Query),
		Duration:  duration,
	}
	if p != nil {
		ev.EffectiveClearance = p.filter.EffectiveClearance
		ev.PermissionBounded = p.filter.Bounded
	}

	if err != nil {
		ev.Outcome = string(types.KindOf(err))
		s.audit.LogSearch(ctx, ev)
		observability.RecordError(span, err)
		return nil, err
	}

	resp.Duration = duration
	ev.ResultCount = len(resp.Results)
	ev.Outcome = observability.OutcomeSuccess
	if resp.CacheHit {
		ev.Outcome = observability.OutcomeCacheHit
	}
	s.audit.LogSearch(ctx, ev)
	observability.RecordSearchResult(span, len(resp.Results), resp.CacheHit, resp.PermissionBounded)
	return resp, nil
}

// auditQuery is the sanitized query cut to MaxQueryLength runes. Raw input is
// cut to the pre-check bound first so oversized requests stay cheap to audit.
func (s *Searcher) auditQuery(q string) string {
	if limit := s.rawQueryLimit(); len(q) > limit {
		q = q[:limit]
	}
	return truncateRunes(SanitizeQuery(q), s.cfg.MaxQueryLength)
}

// rawQueryLimit is the byte length above which a query is rejected unsanitized
func (s *Searcher) rawQueryLimit() int {
	return 4*s.cfg.MaxQueryLength + 64
}

func (s *Searcher) search(ctx context.Context, req SearchRequest) (*SearchResponse, *plan, error) {
	p, err := s.prepare(req)
	if err != nil {
		return nil, nil, err
	}

	resp := &SearchResponse{
		RequestID:          req.RequestID,
		Query:              p.query,
		PermissionBounded:  p.filter.Bounded,
		EffectiveClearance: p.filter.EffectiveClearance,
	}
	if p.filter.Bounded {
		s.logger.InfoContext(ctx, "clearance ceiling bounded to caller level",
			"request_id", req.RequestID, "caller_id", req.Caller.ID,
			"effective_clearance", p.filter.EffectiveClearance)
	}

	if cached, ok := s.cache.Get(ctx, p.cacheKey); ok {
		resp.Results = cached
		resp.CacheHit = true
		return resp, p, nil
	}

	vector, err := s.embed(ctx, p.query)
	if err != nil {
		return nil, p, err
	}

	results, err := s.execute(ctx, storage.SearchQuery{
		Vector:  vector,
		Filter:  p.filter,
		Scoring: p.scoring,
		Limit:   p.limit,
	})
	if err != nil {
		return nil, p, err
	}

	s.cache.Put(ctx, p.cacheKey, results)
	resp.Results = results
	return resp, p, nil
}

// prepare validates and compiles a request without any I/O
func (s *Searcher) prepare(req SearchRequest) (*plan, error) {
	if err := s.validateRequest(&req); err != nil {
		return nil, err
	}

	p := &plan{
		query: SanitizeQuery(req.Query),
		limit: req.Limit,
	}
	if n := utf8.RuneCountInString(p.query); n < s.cfg.MinQueryLength || n > s.cfg.MaxQueryLength {
		return nil, fmt.Errorf("%w: query must be %d-%d characters after sanitization, got %d",
			types.ErrInvalidInput, s.cfg.MinQueryLength, s.cfg.MaxQueryLength, n)
	}

	weights := query.DefaultWeights()
	if req.Weights != nil {
		weights = *req.Weights
	}

	// Both compilers are pure functions of their inputs
	var g errgroup.Group
	g.Go(func() error {
		var err error
		p.filter, err = query.CompileFilter(req.Filter, req.Caller)
		return err
	})
	g.Go(func() error {
		var err error
		p.scoring, err = query.CompileScoring(weights, req.Caller, s.now())
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	key, err := CacheKey{
		Query:              p.query,
		Filter:             req.Filter,
		Weights:            weights,
		EffectiveClearance: p.filter.EffectiveClearance,
		Limit:              p.limit,
		Caller:             req.Caller,
	}.Key()
	if err != nil {
		return nil, err
	}
	p.cacheKey = key
	return p, nil
}

// validateRequest checks the request shape and applies the limit defaults
func (s *Searcher) validateRequest(req *SearchRequest) error {
	if s.storage == nil || s.embedder == nil {
		return fmt.Errorf("searcher not initialized")
	}
	if err := req.Caller.Validate(); err != nil {
		return err
	}
	if req.Query == "" {
		return fmt.Errorf("%w: query cannot be empty", types.ErrInvalidInput)
	}
	// Oversized raw input is rejected before the sanitizer walks it
	if len(req.Query) > s.rawQueryLimit() {
		return fmt.Errorf("%w: query exceeds %d characters", types.ErrInvalidInput, s.cfg.MaxQueryLength)
	}

	switch {
	case req.Limit < 0:
		return fmt.Errorf("%w: limit must be >= 0, got %d", types.ErrInvalidInput, req.Limit)
	case req.Limit == 0:
		req.Limit = s.cfg.DefaultLimit
	case req.Limit > s.cfg.MaxLimit:
		req.Limit = s.cfg.MaxLimit
	}
	return nil
}

func (s *Searcher) embed(ctx context.Context, text string) ([]float32, error) {
	ctx, span := observability.StartEmbedSpan(ctx, s.embedder.Provider(), s.embedder.Model())
	defer span.End()

	vector, err := s.embedder.Embed(ctx, text)
	if err != nil {
		observability.RecordError(span, err)
		return nil, err
	}
	return vector, nil
}

// execute runs the storage query under its own timeout. A SearchTimeout is
// retried once while the caller's deadline is still open.
func (s *Searcher) execute(ctx context.Context, q storage.SearchQuery) ([]types.SearchResult, error) {
	ctx, span := observability.StartExecuteSpan(ctx, len(q.Filter.Predicates), len(q.Scoring.Terms), q.Limit)
	defer span.End()

	results, err := s.executeOnce(ctx, q)
	if errors.Is(err, types.ErrSearchTimeout) && ctx.Err() == nil {
		s.logger.WarnContext(ctx, "search backend timed out, retrying once", "error", err)
		results, err = s.executeOnce(ctx, q)
	}

	if err != nil {
		observability.RecordError(span, err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%w: search: %v", types.ErrTimeout, ctxErr)
		}
		if errors.Is(err, types.ErrDimensionMismatch) {
			s.logger.ErrorContext(ctx, "query embedding does not match the index", "error", err)
		}
		return nil, err
	}
	return results, nil
}

func (s *Searcher) executeOnce(ctx context.Context, q storage.SearchQuery) ([]types.SearchResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.StorageTimeout)
	defer cancel()
	return s.storage.SearchChunks(ctx, q)
}

// InvalidateCache drops every cached result set. Used after imports.
func (s *Searcher) InvalidateCache(ctx context.Context) error {
	n, err := s.cache.Invalidate(ctx)
	if err != nil {
		s.logger.WarnContext(ctx, "result cache invalidation failed", "error", err)
		return err
	}
	s.logger.DebugContext(ctx, "result cache invalidated", "entries", n)
	return nil
}

// Status reports the underlying store's status
func (s *Searcher) Status(ctx context.Context) (*storage.Status, error) {
	return s.storage.GetStatus(ctx)
}
