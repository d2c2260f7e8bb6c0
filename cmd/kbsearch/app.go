package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/dshills/kbsearch-mcp/internal/cache"
	"github.com/dshills/kbsearch-mcp/internal/config"
	"github.com/dshills/kbsearch-mcp/internal/embedder"
	"github.com/dshills/kbsearch-mcp/internal/indexer"
	"github.com/dshills/kbsearch-mcp/internal/observability"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/internal/storage"
)

// embeddingNamespace keeps cached query vectors apart from cached result sets
const embeddingNamespace = "embeddings"

// app holds the wired components shared by every subcommand
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	audit  *observability.AuditLogger
	tracer *observability.TracerProvider

	store    storage.Storage
	cache    cache.Store // nil when caching is disabled
	client   *embedder.Client
	searcher *searcher.Searcher
}

// newApp loads configuration and builds the engine. Callers must Close it.
func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return newAppWithConfig(ctx, cfg)
}

func newAppWithConfig(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	logger, err := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	}, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	// a is not the named result, so the cleanup below still sees it after a
	// failing return
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	a.audit, err = observability.NewAuditLogger(&observability.AuditConfig{
		Enabled:    cfg.Audit.Enabled,
		OutputPath: cfg.Audit.Path,
	})
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}

	tracingCfg := observability.DefaultTracingConfig()
	tracingCfg.ServiceVersion = version
	tracingCfg.OTLPEndpoint = cfg.Tracing.Endpoint
	tracingCfg.Insecure = cfg.Tracing.Insecure
	tracingCfg.SampleRate = cfg.Tracing.SampleRate
	if cfg.Tracing.Environment != "" {
		tracingCfg.Environment = cfg.Tracing.Environment
	}
	if a.tracer, err = observability.InitTracing(ctx, tracingCfg); err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	store, err := openStorage(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}
	a.store = store
	cacheStore, err := openCache(ctx, cfg.Cache)
	if err != nil {
		return nil, err
	}
	a.cache = cacheStore

	provider, err := embedder.New(embedder.Config{
		Provider:  cfg.Embedding.Provider,
		APIKey:    cfg.Embedding.APIKey,
		BaseURL:   cfg.Embedding.BaseURL,
		Model:     cfg.Embedding.Model,
		Dimension: cfg.Storage.Dimension,
		Timeout:   cfg.Embedding.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding provider: %w", err)
	}

	var embedCache cache.Store
	if a.cache != nil {
		embedCache = cache.Namespace(a.cache, embeddingNamespace)
	}
	a.client = embedder.NewClient(provider, embedCache, embedder.ClientConfig{
		Dimension:      cfg.Storage.Dimension,
		MaxTextLength:  cfg.Embedding.MaxTextLength,
		AttemptTimeout: cfg.Embedding.Timeout,
		CacheTTL:       cfg.Embedding.CacheTTL,
		Retry: embedder.RetryConfig{
			MaxAttempts: max(cfg.Embedding.MaxAttempts, 1),
			BaseDelay:   cfg.Embedding.Backoff,
			MaxDelay:    embedder.MaxBackoff,
			Strategy:    embedder.BackoffLinear,
		},
	}, logger)

	opts := []searcher.Option{
		searcher.WithLogger(logger),
		searcher.WithAuditLogger(a.audit),
		searcher.WithConfig(searcher.Config{
			DefaultLimit:   cfg.Search.DefaultLimit,
			MaxLimit:       cfg.Search.MaxLimit,
			MinQueryLength: cfg.Search.MinQueryLength,
			MaxQueryLength: cfg.Search.MaxQueryLength,
			ResultTTL:      cfg.Cache.ResultTTL,
			StorageTimeout: cfg.Storage.Timeout,
		}),
	}
	if a.cache != nil {
		opts = append(opts, searcher.WithCache(a.cache))
	}
	a.searcher = searcher.NewSearcher(a.store, a.client, opts...)

	logger.Debug("engine ready",
		"storage", cfg.Storage.Backend,
		"cache", cfg.Cache.Backend,
		"provider", a.client.Provider(),
		"model", a.client.Model(),
		"dimension", a.client.Dimension(),
	)
	return a, nil
}

func openStorage(ctx context.Context, cfg config.StorageConfig) (storage.Storage, error) {
	switch cfg.Backend {
	case "sqlite":
		s, err := storage.NewSQLiteStorage(cfg.Path, cfg.Dimension)
		if err != nil {
			return nil, fmt.Errorf("open sqlite index %s: %w", cfg.Path, err)
		}
		return s, nil
	case "postgres":
		s, err := storage.NewPostgresStorage(ctx, cfg.DSN, cfg.Dimension)
		if err != nil {
			return nil, fmt.Errorf("open postgres index: %w", err)
		}
		return s, nil
	case "memory":
		return storage.NewMemoryStorage(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func openCache(ctx context.Context, cfg config.CacheConfig) (cache.Store, error) {
	switch cfg.Backend {
	case "memory":
		m, err := cache.NewMemoryStore(cfg.Size)
		if err != nil {
			return nil, err
		}
		return m, nil
	case "redis":
		r, err := cache.NewRedisStore(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return r, nil
	case "none":
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// newIndexer returns an importer that invalidates this app's result cache
func (a *app) newIndexer() *indexer.Indexer {
	return indexer.New(a.store, a.client,
		indexer.WithCacheInvalidator(a.searcher),
		indexer.WithAuditLogger(a.audit),
		indexer.WithLogger(a.logger),
	)
}

// Close releases every component, in reverse order of construction
func (a *app) Close() error {
	var errs []error
	if a.client != nil {
		errs = append(errs, a.client.Close())
	}
	if a.cache != nil {
		errs = append(errs, a.cache.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.tracer != nil {
		errs = append(errs, a.tracer.Shutdown(context.Background()))
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	return errors.Join(errs...)
}
