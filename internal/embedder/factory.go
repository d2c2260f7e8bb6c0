package embedder

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds embedder configuration
type Config struct {
	Provider  string // jina, openai, ollama, local, or "" / "auto" to detect
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int
	Timeout   time.Duration
}

// New creates a provider from explicit configuration
func New(cfg Config) (Embedder, error) {
	pcfg := ProviderConfig{
		APIKey:    cfg.APIKey,
		BaseURL:   cfg.BaseURL,
		Model:     cfg.Model,
		Dimension: cfg.Dimension,
		Timeout:   cfg.Timeout,
	}

	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" || provider == "auto" {
		provider = DetectProvider(cfg.APIKey)
	}

	switch provider {
	case ProviderJina:
		return NewJinaProvider(pcfg)
	case ProviderOpenAI:
		return NewOpenAIProvider(pcfg)
	case ProviderOllama:
		return NewOllamaProvider(pcfg), nil
	case ProviderLocal:
		return NewLocalProvider(cfg.Dimension), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %s", ErrUnsupportedModel, cfg.Provider)
	}
}

// DetectProvider picks a provider from the available API keys.
// An explicit key without a provider is assumed to be a Jina key.
// Without any key the local Ollama server is used.
func DetectProvider(apiKey string) string {
	if apiKey != "" || os.Getenv(EnvJinaAPIKey) != "" {
		return ProviderJina
	}
	if os.Getenv(EnvOpenAIAPIKey) != "" {
		return ProviderOpenAI
	}
	return ProviderOllama
}
