// Package api serves the knowledge base search over HTTP+JSON.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dshills/kbsearch-mcp/internal/query"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Caller headers set by the authenticating proxy in front of the service
const (
	HeaderRequestID        = "X-Request-ID"
	HeaderCallerID         = "X-Caller-ID"
	HeaderCallerClearance  = "X-Caller-Clearance"
	HeaderCallerDepartment = "X-Caller-Department"
	HeaderCallerCampus     = "X-Caller-Campus"
)

const (
	defaultMaxBodyBytes  = 64 << 10
	defaultPreviewLength = 200
)

// SearchService is the part of the search engine the API needs.
// *searcher.Searcher implements it.
type SearchService interface {
	Search(ctx context.Context, req searcher.SearchRequest) (*searcher.SearchResponse, error)
	Status(ctx context.Context) (*storage.Status, error)
}

// Config holds HTTP-layer settings
type Config struct {
	MaxBodyBytes  int64
	PreviewLength int     // runes of chunk text returned per result
	RateLimit     float64 // requests per second per caller; 0 disables
	RateBurst     int
}

// Server handles HTTP requests.
type Server struct {
	search        SearchService
	limiter       *RateLimiter
	logger        *slog.Logger
	maxBodyBytes  int64
	previewLength int
	now           func() time.Time
	mux           *http.ServeMux
}

// NewServer creates a new HTTP server.
func NewServer(search SearchService, cfg Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = defaultPreviewLength
	}
	s := &Server{
		search:        search,
		limiter:       NewRateLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:        logger.With("component", "api"),
		maxBodyBytes:  cfg.MaxBodyBytes,
		previewLength: cfg.PreviewLength,
		now:           time.Now,
		mux:           http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("POST /v1/search", s.handleSearch)
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
}

type requestIDKey struct{}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := r.Header.Get(HeaderRequestID)
	if requestID == "" || len(requestID) > 128 {
		requestID = uuid.NewString()
	}
	w.Header().Set(HeaderRequestID, requestID)
	r = r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID))

	start := s.now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	s.logger.Info("request",
		"method", r.Method, "path", r.URL.Path, "status", rec.status,
		"bytes", rec.bytes, "duration", s.now().Sub(start), "request_id", requestID)
}

// searchRequest is the POST /v1/search body
type searchRequest struct {
	Query   string         `json:"query"`
	Filters map[string]any `json:"filters"`
	Weights map[string]any `json:"weights"`
	Limit   int            `json:"limit"`
}

type searchResult struct {
	Rank           int                  `json:"rank"`
	ChunkID        string               `json:"chunk_id"`
	TextPreview    string               `json:"text_preview"`
	Similarity     float64              `json:"similarity"`
	CombinedScore  float64              `json:"combined_score"`
	ScoreBreakdown types.ScoreBreakdown `json:"score_breakdown"`
	Metadata       types.Metadata       `json:"metadata"`
	DocumentTitle  string               `json:"document_title,omitempty"`
	PageNumber     int                  `json:"page_number,omitempty"`
	SectionTitle   string               `json:"section_title,omitempty"`
}

type searchResponse struct {
	Results            []searchResult `json:"results"`
	Count              int            `json:"count"`
	Query              string         `json:"query"`
	PermissionBounded  bool           `json:"permission_bounded"`
	EffectiveClearance int            `json:"effective_clearance"`
	CacheHit           bool           `json:"cache_hit"`
	RequestID          string         `json:"request_id"`
	Warnings           []string       `json:"warnings,omitempty"`
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	requestID := requestIDFrom(r.Context())

	caller, err := callerFromHeaders(r.Header)
	if err != nil {
		writeError(w, KindUnauthenticated, err.Error(), requestID, 0)
		return
	}

	if ok, wait := s.limiter.Allow(caller.ID, s.now()); !ok {
		writeError(w, KindRateLimited, "rate limit exceeded", requestID, wait)
		return
	}

	var body searchRequest
	if err := decodeJSON(w, r, &body, s.maxBodyBytes); err != nil {
		writeError(w, types.KindInvalidInput, err.Error(), requestID, 0)
		return
	}

	filter, filterWarnings, err := query.DecodeFilter(body.Filters)
	if err != nil {
		writeSearchError(w, err, requestID)
		return
	}
	var weights *query.Weights
	var weightWarnings []string
	if body.Weights != nil {
		decoded, warn, err := query.DecodeWeights(body.Weights)
		if err != nil {
			writeSearchError(w, err, requestID)
			return
		}
		weights, weightWarnings = &decoded, warn
	}
	warnings := append(filterWarnings, weightWarnings...)
	for _, warning := range warnings {
		s.logger.Warn("ignoring request field", "request_id", requestID, "warning", warning)
	}

	resp, err := s.search.Search(r.Context(), searcher.SearchRequest{
		RequestID: requestID,
		Query:     body.Query,
		Filter:    filter,
		Weights:   weights,
		Limit:     body.Limit,
		Caller:    caller,
	})
	if err != nil {
		s.logSearchError(r.Context(), err, requestID)
		writeSearchError(w, err, requestID)
		return
	}

	out := searchResponse{
		Results:            make([]searchResult, 0, len(resp.Results)),
		Count:              len(resp.Results),
		Query:              resp.Query,
		PermissionBounded:  resp.PermissionBounded,
		EffectiveClearance: resp.EffectiveClearance,
		CacheHit:           resp.CacheHit,
		RequestID:          requestID,
		Warnings:           warnings,
	}
	for _, res := range resp.Results {
		out.Results = append(out.Results, searchResult{
			Rank:           res.Rank,
			ChunkID:        res.ChunkID,
			TextPreview:    types.Preview(res.Text, s.previewLength),
			Similarity:     res.Similarity,
			CombinedScore:  res.CombinedScore,
			ScoreBreakdown: res.Breakdown,
			Metadata:       res.Metadata,
			DocumentTitle:  res.DocumentTitle,
			PageNumber:     res.PageNumber,
			SectionTitle:   res.SectionTitle,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) logSearchError(ctx context.Context, err error, requestID string) {
	kind := types.KindOf(err)
	level := slog.LevelWarn
	switch kind {
	case types.KindInvalidInput:
		level = slog.LevelDebug
	case types.KindInternal, types.KindDimensionMismatch:
		level = slog.LevelError
	}
	s.logger.Log(ctx, level, "search failed", "request_id", requestID, "kind", kind, "error", err)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status, err := s.search.Status(r.Context())
	if err != nil || status == nil || !status.Health.DatabaseAccessible {
		s.logger.Error("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "healthy",
		"backend":          status.Backend,
		"chunks":           status.ChunkCount,
		"embedded_chunks":  status.EmbeddedCount,
		"dimension":        status.Dimension,
		"schema_version":   status.SchemaVersion,
		"vector_extension": status.Health.VectorExtension,
	})
}

// callerFromHeaders reads the caller context injected by the auth layer
func callerFromHeaders(h http.Header) (types.CallerContext, error) {
	id := strings.TrimSpace(h.Get(HeaderCallerID))
	if id == "" {
		return types.CallerContext{}, errors.New("missing " + HeaderCallerID + " header")
	}
	raw := strings.TrimSpace(h.Get(HeaderCallerClearance))
	if raw == "" {
		return types.CallerContext{}, errors.New("missing " + HeaderCallerClearance + " header")
	}
	level, err := strconv.Atoi(raw)
	if err != nil || level < 0 {
		return types.CallerContext{}, fmt.Errorf("invalid %s header", HeaderCallerClearance)
	}
	return types.CallerContext{
		ID:             id,
		ClearanceLevel: level,
		Department:     strings.TrimSpace(h.Get(HeaderCallerDepartment)),
		Campus:         strings.TrimSpace(h.Get(HeaderCallerCampus)),
	}, nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	n, err := r.ResponseWriter.Write(p)
	r.bytes += n
	return n, err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeJSON reads a single JSON object body. Numbers keep their literal form
// so integer filters can be told apart from fractional ones.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var syntaxError *json.SyntaxError
		var typeError *json.UnmarshalTypeError
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &syntaxError):
			return fmt.Errorf("%w: malformed JSON", types.ErrInvalidInput)
		case errors.As(err, &typeError):
			return fmt.Errorf("%w: field %q has the wrong type", types.ErrInvalidInput, typeError.Field)
		case errors.As(err, &tooLarge):
			return fmt.Errorf("%w: request body exceeds %d bytes", types.ErrInvalidInput, maxBytes)
		case strings.HasPrefix(err.Error(), "json: unknown field"):
			return fmt.Errorf("%w: %s", types.ErrInvalidInput, strings.TrimPrefix(err.Error(), "json: "))
		default:
			return fmt.Errorf("%w: invalid request body", types.ErrInvalidInput)
		}
	}
	if dec.More() {
		return fmt.Errorf("%w: request body must be a single JSON object", types.ErrInvalidInput)
	}
	return nil
}
