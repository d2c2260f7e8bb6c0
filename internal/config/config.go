// Package config loads kbsearch configuration from a file and KBSEARCH_
// environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Storage   StorageConfig   `mapstructure:"storage"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Search    SearchConfig    `mapstructure:"search"`
	Server    ServerConfig    `mapstructure:"server"`
	MCP       MCPConfig       `mapstructure:"mcp"`
	Indexer   IndexerConfig   `mapstructure:"indexer"`
	Log       LogConfig       `mapstructure:"log"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Tracing   TracingConfig   `mapstructure:"tracing"`
}

type StorageConfig struct {
	Backend   string        `mapstructure:"backend"` // sqlite, postgres, memory
	Path      string        `mapstructure:"path"`
	DSN       string        `mapstructure:"dsn"`
	Dimension int           `mapstructure:"dimension"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type EmbeddingConfig struct {
	Provider      string        `mapstructure:"provider"` // jina, openai, ollama, local; empty detects
	APIKey        string        `mapstructure:"api_key"`
	BaseURL       string        `mapstructure:"base_url"`
	Model         string        `mapstructure:"model"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxAttempts   int           `mapstructure:"max_attempts"`
	Backoff       time.Duration `mapstructure:"backoff"`
	CacheTTL      time.Duration `mapstructure:"cache_ttl"`
	MaxTextLength int           `mapstructure:"max_text_length"`
}

type CacheConfig struct {
	Backend   string        `mapstructure:"backend"` // memory or redis
	Size      int           `mapstructure:"size"`
	ResultTTL time.Duration `mapstructure:"result_ttl"`
	Redis     RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type SearchConfig struct {
	DefaultLimit   int `mapstructure:"default_limit"`
	MaxLimit       int `mapstructure:"max_limit"`
	MinQueryLength int `mapstructure:"min_query_length"`
	MaxQueryLength int `mapstructure:"max_query_length"`
	PreviewLength  int `mapstructure:"preview_length"`
}

type ServerConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	RateLimit    float64       `mapstructure:"rate_limit"` // requests per second per caller; 0 disables
	RateBurst    int           `mapstructure:"rate_burst"`
}

type MCPConfig struct {
	Caller CallerConfig `mapstructure:"caller"`
}

// CallerConfig is the fixed identity the MCP surface searches as
type CallerConfig struct {
	ID             string `mapstructure:"id"`
	ClearanceLevel int    `mapstructure:"clearance_level"`
	Department     string `mapstructure:"department"`
	Campus         string `mapstructure:"campus"`
}

type IndexerConfig struct {
	Workers   int `mapstructure:"workers"`
	BatchSize int `mapstructure:"batch_size"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type AuditConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

type TracingConfig struct {
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRate  float64 `mapstructure:"sample_rate"`
	Environment string  `mapstructure:"environment"`
}

// setDefaults registers every key, which also makes each one overridable
// from the environment.
func setDefaults(v *viper.Viper) {
	v.SetDefault("storage.backend", "sqlite")
	v.SetDefault("storage.path", "kbsearch.db")
	v.SetDefault("storage.dsn", "")
	v.SetDefault("storage.dimension", 1024)
	v.SetDefault("storage.timeout", 60*time.Second)

	v.SetDefault("embedding.provider", "")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.base_url", "")
	v.SetDefault("embedding.model", "")
	v.SetDefault("embedding.timeout", 30*time.Second)
	v.SetDefault("embedding.max_attempts", 3)
	v.SetDefault("embedding.backoff", 500*time.Millisecond)
	v.SetDefault("embedding.cache_ttl", time.Hour)
	v.SetDefault("embedding.max_text_length", 2000)

	v.SetDefault("cache.backend", "memory")
	v.SetDefault("cache.size", 10000)
	v.SetDefault("cache.result_ttl", 15*time.Minute)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.username", "")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)

	v.SetDefault("search.default_limit", 10)
	v.SetDefault("search.max_limit", 50)
	v.SetDefault("search.min_query_length", 2)
	v.SetDefault("search.max_query_length", 500)
	v.SetDefault("search.preview_length", 200)

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 120*time.Second)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_burst", 10)

	v.SetDefault("mcp.caller.id", "mcp")
	v.SetDefault("mcp.caller.clearance_level", 0)
	v.SetDefault("mcp.caller.department", "")
	v.SetDefault("mcp.caller.campus", "")

	v.SetDefault("indexer.workers", 4)
	v.SetDefault("indexer.batch_size", 50)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")

	v.SetDefault("audit.enabled", true)
	v.SetDefault("audit.path", "stderr")

	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.insecure", false)
	v.SetDefault("tracing.sample_rate", 1.0)
	v.SetDefault("tracing.environment", "development")
}

// Default returns the configuration used when no file or environment overrides exist.
func Default() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	// Defaults are static and always decode
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Check reports configuration that cannot work.
func (c *Config) Check() error {
	switch c.Storage.Backend {
	case "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the sqlite backend")
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required for the postgres backend")
		}
		if c.Storage.Dimension <= 0 {
			return fmt.Errorf("storage.dimension is required for the postgres backend")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage.backend %q", c.Storage.Backend)
	}

	switch c.Cache.Backend {
	case "memory", "redis", "none":
	default:
		return fmt.Errorf("unknown cache.backend %q", c.Cache.Backend)
	}

	if c.Storage.Dimension < 0 {
		return fmt.Errorf("storage.dimension cannot be negative")
	}
	if c.Search.MaxLimit <= 0 || c.Search.DefaultLimit <= 0 {
		return fmt.Errorf("search limits must be positive")
	}
	if c.Search.MinQueryLength < 1 || c.Search.MaxQueryLength < c.Search.MinQueryLength {
		return fmt.Errorf("search query length bounds are invalid: %d..%d", c.Search.MinQueryLength, c.Search.MaxQueryLength)
	}
	if c.MCP.Caller.ClearanceLevel < 0 {
		return fmt.Errorf("mcp.caller.clearance_level cannot be negative")
	}
	return nil
}

// Validate checks configuration for issues and returns warnings.
func (c *Config) Validate() []string {
	var warnings []string

	if (c.Embedding.Provider == "jina" || c.Embedding.Provider == "openai") && c.Embedding.APIKey == "" {
		warnings = append(warnings, fmt.Sprintf("embedding provider '%s' is configured but api_key is empty; falling back to the provider's environment variable", c.Embedding.Provider))
	}
	if c.Embedding.Provider == "local" {
		warnings = append(warnings, "embedding provider 'local' produces hash vectors with no semantic meaning")
	}
	if c.Search.DefaultLimit > c.Search.MaxLimit {
		warnings = append(warnings, fmt.Sprintf("search.default_limit %d exceeds search.max_limit %d and will be capped", c.Search.DefaultLimit, c.Search.MaxLimit))
	}
	if c.Embedding.MaxAttempts < 1 {
		warnings = append(warnings, fmt.Sprintf("embedding.max_attempts %d is below 1; using 1", c.Embedding.MaxAttempts))
	}
	if c.Server.RateLimit <= 0 {
		warnings = append(warnings, "server.rate_limit is disabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		warnings = append(warnings, fmt.Sprintf("tracing.sample_rate %.2f is outside [0.0, 1.0]", c.Tracing.SampleRate))
	}

	return warnings
}

// Load reads configuration from path (optional) and the environment.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("KBSEARCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Check(); err != nil {
		return nil, err
	}

	// Validate configuration and print warnings
	if warnings := cfg.Validate(); len(warnings) > 0 {
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "Warning: %s\n", warning)
		}
	}

	return &cfg, nil
}
