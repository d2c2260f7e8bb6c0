package observability

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"
)

// AuditEventType categorizes audit events.
type AuditEventType string

const (
	AuditEventSearch AuditEventType = "search.attempt"
	AuditEventImport AuditEventType = "import.complete"
)

// Search outcomes that are not error kinds
const (
	OutcomeSuccess  = "success"
	OutcomeCacheHit = "cache_hit"
)

// SearchAuditEvent is recorded once per search call.
// It deliberately has no field for vectors or result text.
type SearchAuditEvent struct {
	RequestID          string
	CallerID           string
	Query              string // sanitized
	ResultCount        int
	Outcome            string // success, cache_hit, or an error kind
	EffectiveClearance int
	PermissionBounded  bool
	Duration           time.Duration
}

// ImportAuditEvent is recorded once per import run.
type ImportAuditEvent struct {
	Source   string
	Imported int
	Failed   int
	Duration time.Duration
}

// AuditConfig configures the audit logger.
type AuditConfig struct {
	Enabled    bool
	OutputPath string // File path or "stdout"/"stderr"
}

// DefaultAuditConfig returns default audit configuration.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		Enabled:    true,
		OutputPath: "stderr",
	}
}

// AuditLogger writes audit events as JSON lines, separate from operational logs.
type AuditLogger struct {
	mu      sync.Mutex
	logger  *slog.Logger
	closer  io.Closer
	enabled bool
}

// NewAuditLogger creates a new audit logger.
func NewAuditLogger(config *AuditConfig) (*AuditLogger, error) {
	if config == nil {
		config = DefaultAuditConfig()
	}
	if !config.Enabled {
		return &AuditLogger{}, nil
	}

	var (
		writer io.Writer
		closer io.Closer
	)
	switch config.OutputPath {
	case "stderr", "":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		f, err := os.OpenFile(config.OutputPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open audit log: %w", err)
		}
		writer, closer = f, f
	}

	l := NewAuditLoggerWriter(writer)
	l.closer = closer
	return l, nil
}

// NewAuditLoggerWriter creates an enabled audit logger writing to w.
func NewAuditLoggerWriter(w io.Writer) *AuditLogger {
	return &AuditLogger{
		logger:  slog.New(slog.NewJSONHandler(w, nil)).With(slog.Bool("audit", true)),
		enabled: true,
	}
}

// LogSearch records a search attempt.
func (l *AuditLogger) LogSearch(ctx context.Context, ev SearchAuditEvent) {
	if l == nil || !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.LogAttrs(ctx, slog.LevelInfo, string(AuditEventSearch),
		slog.String("request_id", ev.RequestID),
		slog.String("caller_id", ev.CallerID),
		slog.String("query", ev.Query),
		slog.Int("result_count", ev.ResultCount),
		slog.String("outcome", ev.Outcome),
		slog.Int("effective_clearance", ev.EffectiveClearance),
		slog.Bool("permission_bounded", ev.PermissionBounded),
		slog.Int64("duration_ms", ev.Duration.Milliseconds()),
	)
}

// LogImport records a finished import.
func (l *AuditLogger) LogImport(ctx context.Context, ev ImportAuditEvent) {
	if l == nil || !l.enabled {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	l.logger.LogAttrs(ctx, slog.LevelInfo, string(AuditEventImport),
		slog.String("source", ev.Source),
		slog.Int("imported", ev.Imported),
		slog.Int("failed", ev.Failed),
		slog.Int64("duration_ms", ev.Duration.Milliseconds()),
	)
}

// Close closes the audit file, if any.
func (l *AuditLogger) Close() error {
	if l == nil || l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
