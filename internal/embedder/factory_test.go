package embedder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDetectProvider(t *testing.T) {
	tests := []struct {
		name      string
		apiKey    string
		jinaKey   string
		openaiKey string
		want      string
	}{
		{"explicit key", "k", "", "", ProviderJina},
		{"jina env", "", "jk", "", ProviderJina},
		{"openai env", "", "", "ok", ProviderOpenAI},
		{"jina wins over openai", "", "jk", "ok", ProviderJina},
		{"nothing configured", "", "", "", ProviderOllama},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvJinaAPIKey, tt.jinaKey)
			t.Setenv(EnvOpenAIAPIKey, tt.openaiKey)
			assert.Equal(t, tt.want, DetectProvider(tt.apiKey))
		})
	}
}

func TestNew(t *testing.T) {
	t.Setenv(EnvJinaAPIKey, "")
	t.Setenv(EnvOpenAIAPIKey, "")

	tests := []struct {
		name    string
		cfg     Config
		want    string
		wantDim int
		wantErr bool
	}{
		{"local", Config{Provider: "local", Dimension: 256}, ProviderLocal, 256, false},
		{"ollama", Config{Provider: "OLLAMA"}, ProviderOllama, OllamaDimension, false},
		{"auto falls back to ollama", Config{Provider: "auto"}, ProviderOllama, OllamaDimension, false},
		{"jina with key", Config{Provider: "jina", APIKey: "k"}, ProviderJina, JinaDimension, false},
		{"jina without key", Config{Provider: "jina"}, "", 0, true},
		{"unknown", Config{Provider: "word2vec"}, "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			emb, err := New(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			defer emb.Close()
			assert.Equal(t, tt.want, emb.Provider())
			assert.Equal(t, tt.wantDim, emb.Dimension())
		})
	}
}
