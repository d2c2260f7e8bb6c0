package embedder

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// Provider configuration
const (
	ProviderJina   = "jina"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
	ProviderLocal  = "local"

	// Environment fallbacks for API keys
	EnvJinaAPIKey   = "JINA_API_KEY"
	EnvOpenAIAPIKey = "OPENAI_API_KEY"

	// Default endpoints
	DefaultJinaURL   = "https://api.jina.ai"
	DefaultOpenAIURL = "https://api.openai.com"
	DefaultOllamaURL = "http://localhost:11434"

	// Default models
	DefaultJinaModel   = "jina-embeddings-v3"
	DefaultOpenAIModel = "text-embedding-3-small"
	DefaultOllamaModel = "mxbai-embed-large"
	DefaultLocalModel  = "local-embeddings"

	// Dimensions
	JinaDimension   = 1024
	OpenAIDimension = 1536
	OllamaDimension = 1024
	LocalDimension  = 1024

	// Batch limits
	DefaultBatchSize = 50
	MaxBatchSize     = 100

	// Retry configuration
	MaxAttempts    = 3
	DefaultBackoff = 500 * time.Millisecond
	MaxBackoff     = 5 * time.Second

	// DefaultTimeout bounds a single embedding call
	DefaultTimeout = 30 * time.Second

	// errorBodyLimit caps how much of an error response is kept
	errorBodyLimit = 512
)

// ProviderConfig configures an HTTP embedding provider
type ProviderConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	Dimension int           // Expected dimension; sent as "dimensions" where supported
	Timeout   time.Duration // Per-call HTTP timeout
}

func (c ProviderConfig) withDefaults(baseURL, model string, dimension int) ProviderConfig {
	if c.BaseURL == "" {
		c.BaseURL = baseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	if c.Model == "" {
		c.Model = model
	}
	if c.Dimension <= 0 {
		c.Dimension = dimension
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	return c
}

// APIProvider implements Embedder for services speaking the OpenAI
// /v1/embeddings format (OpenAI itself, Jina AI and compatible gateways).
type APIProvider struct {
	name       string
	cfg        ProviderConfig
	sendDims   bool
	httpClient *http.Client
}

// NewJinaProvider creates a new Jina AI embedder
func NewJinaProvider(cfg ProviderConfig) (*APIProvider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(EnvJinaAPIKey)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvJinaAPIKey)
	}
	cfg = cfg.withDefaults(DefaultJinaURL, DefaultJinaModel, JinaDimension)
	return newAPIProvider(ProviderJina, cfg, true), nil
}

// NewOpenAIProvider creates an embedder for OpenAI or any compatible endpoint
func NewOpenAIProvider(cfg ProviderConfig) (*APIProvider, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv(EnvOpenAIAPIKey)
	}
	// Self-hosted compatible gateways often run without a key
	if cfg.APIKey == "" && (cfg.BaseURL == "" || cfg.BaseURL == DefaultOpenAIURL) {
		return nil, fmt.Errorf("%w: %s not set", ErrNoProviderEnabled, EnvOpenAIAPIKey)
	}
	cfg = cfg.withDefaults(DefaultOpenAIURL, DefaultOpenAIModel, OpenAIDimension)
	sendDims := strings.HasPrefix(cfg.Model, "text-embedding-3")
	return newAPIProvider(ProviderOpenAI, cfg, sendDims), nil
}

func newAPIProvider(name string, cfg ProviderConfig, sendDims bool) *APIProvider {
	return &APIProvider{
		name:     name,
		cfg:      cfg,
		sendDims: sendDims,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (p *APIProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	// Use batch API for consistency
	resp, err := p.GenerateBatch(ctx, BatchEmbeddingRequest{
		Texts: []string{req.Text},
		Model: req.Model,
	})
	if err != nil {
		return nil, err
	}

	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("%w: no embeddings returned", ErrProviderFailed)
	}

	return resp.Embeddings[0], nil
}

func (p *APIProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = p.cfg.Model
	}

	embeddings, err := p.callAPI(ctx, req.Texts, model)
	if err != nil {
		return nil, err
	}
	if len(embeddings) != len(req.Texts) {
		return nil, fmt.Errorf("%w: expected %d embeddings, got %d", ErrProviderFailed, len(req.Texts), len(embeddings))
	}

	for i, emb := range embeddings {
		emb.Hash = ComputeHash(req.Texts[i])
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   p.name,
		Model:      model,
	}, nil
}

func (p *APIProvider) callAPI(ctx context.Context, texts []string, model string) ([]*Embedding, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": model,
	}
	if p.sendDims {
		reqBody["dimensions"] = p.cfg.Dimension
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if p.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.cfg.APIKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(p.name, resp)
	}

	var apiResp struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
		Model string `json:"model"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	embeddings := make([]*Embedding, len(apiResp.Data))
	for i, data := range apiResp.Data {
		idx := data.Index
		if idx < 0 || idx >= len(embeddings) || embeddings[idx] != nil {
			idx = i
		}
		embeddings[idx] = &Embedding{
			Vector:    data.Embedding,
			Dimension: len(data.Embedding),
			Provider:  p.name,
			Model:     apiResp.Model,
		}
	}
	for i, emb := range embeddings {
		if emb == nil {
			return nil, fmt.Errorf("%w: missing embedding at index %d", ErrProviderFailed, i)
		}
	}

	return embeddings, nil
}

func (p *APIProvider) Dimension() int {
	return p.cfg.Dimension
}

func (p *APIProvider) Provider() string {
	return p.name
}

func (p *APIProvider) Model() string {
	return p.cfg.Model
}

func (p *APIProvider) Close() error {
	p.httpClient.CloseIdleConnections()
	return nil
}

// OllamaProvider implements Embedder using a local Ollama model server
type OllamaProvider struct {
	cfg        ProviderConfig
	httpClient *http.Client
}

// NewOllamaProvider creates an embedder backed by Ollama's /api/embeddings endpoint
func NewOllamaProvider(cfg ProviderConfig) *OllamaProvider {
	cfg = cfg.withDefaults(DefaultOllamaURL, DefaultOllamaModel, OllamaDimension)
	return &OllamaProvider{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

func (o *OllamaProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}

	model := req.Model
	if model == "" {
		model = o.cfg.Model
	}

	body, err := json.Marshal(map[string]string{
		"model":  model,
		"prompt": req.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.BaseURL+"/api/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("api call: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(ProviderOllama, resp)
	}

	var apiResp struct {
		Embedding []float32 `json:"embedding"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(apiResp.Embedding) == 0 {
		return nil, fmt.Errorf("%w: empty embedding", ErrProviderFailed)
	}

	return &Embedding{
		Vector:    apiResp.Embedding,
		Dimension: len(apiResp.Embedding),
		Provider:  ProviderOllama,
		Model:     model,
		Hash:      ComputeHash(req.Text),
	}, nil
}

// GenerateBatch embeds texts one at a time; the endpoint takes a single prompt
func (o *OllamaProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := o.GenerateEmbedding(ctx, EmbeddingRequest{Text: text, Model: req.Model})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	model := req.Model
	if model == "" {
		model = o.cfg.Model
	}
	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderOllama,
		Model:      model,
	}, nil
}

func (o *OllamaProvider) Dimension() int {
	return o.cfg.Dimension
}

func (o *OllamaProvider) Provider() string {
	return ProviderOllama
}

func (o *OllamaProvider) Model() string {
	return o.cfg.Model
}

func (o *OllamaProvider) Close() error {
	o.httpClient.CloseIdleConnections()
	return nil
}

// LocalProvider derives deterministic pseudo-embeddings from a SHA-256 stream.
// Useful offline and in tests; the vectors carry no semantic meaning.
type LocalProvider struct {
	model     string
	dimension int
}

// NewLocalProvider creates a new local embedder producing vectors of the given dimension
func NewLocalProvider(dimension int) *LocalProvider {
	if dimension <= 0 {
		dimension = LocalDimension
	}
	return &LocalProvider{
		model:     DefaultLocalModel,
		dimension: dimension,
	}
}

func (l *LocalProvider) GenerateEmbedding(ctx context.Context, req EmbeddingRequest) (*Embedding, error) {
	if err := ValidateRequest(req); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	return &Embedding{
		Vector:    HashVector(req.Text, l.dimension),
		Dimension: l.dimension,
		Provider:  ProviderLocal,
		Model:     l.model,
		Hash:      ComputeHash(req.Text),
	}, nil
}

func (l *LocalProvider) GenerateBatch(ctx context.Context, req BatchEmbeddingRequest) (*BatchEmbeddingResponse, error) {
	if err := ValidateBatchRequest(req); err != nil {
		return nil, err
	}

	embeddings := make([]*Embedding, len(req.Texts))
	for i, text := range req.Texts {
		emb, err := l.GenerateEmbedding(ctx, EmbeddingRequest{Text: text, Model: req.Model})
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		embeddings[i] = emb
	}

	return &BatchEmbeddingResponse{
		Embeddings: embeddings,
		Provider:   ProviderLocal,
		Model:      l.model,
	}, nil
}

func (l *LocalProvider) Dimension() int {
	return l.dimension
}

func (l *LocalProvider) Provider() string {
	return ProviderLocal
}

func (l *LocalProvider) Model() string {
	return l.model
}

func (l *LocalProvider) Close() error {
	return nil
}

// HashVector expands sha256(text || counter) into a unit vector of length dim.
func HashVector(text string, dim int) []float32 {
	vector := make([]float32, dim)
	var counter [4]byte
	for block := 0; block*8 < dim; block++ {
		binary.LittleEndian.PutUint32(counter[:], uint32(block))
		sum := sha256.Sum256(append([]byte(text), counter[:]...))
		for j := 0; j < 8 && block*8+j < dim; j++ {
			bits := binary.LittleEndian.Uint32(sum[j*4:])
			vector[block*8+j] = float32(bits)/math.MaxUint32*2 - 1
		}
	}
	return types.NormalizeVector(vector)
}

func readAPIError(provider string, resp *http.Response) error {
	bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyLimit))
	return &APIError{
		Provider:   provider,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(bodyBytes)),
	}
}
