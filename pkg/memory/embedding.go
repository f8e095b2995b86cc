package memory

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// EmbeddingProvider generates vector embeddings from text
type EmbeddingProvider interface {
	GenerateEmbedding(ctx context.Context, text string) ([]float32, error)
	GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// EmbeddingConfig selects an OpenAI-compatible /embeddings endpoint.
type EmbeddingConfig struct {
	Provider  string // openai, ollama, none
	Model     string
	BaseURL   string
	APIKey    string
	Dimension int
}

// NewEmbeddingProvider returns nil when embeddings are disabled.
func NewEmbeddingProvider(cfg EmbeddingConfig, ollamaHost string) (EmbeddingProvider, error) {
	baseURL := cfg.BaseURL
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "openai":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("openai embeddings require an API key")
		}
		if baseURL == "" {
			baseURL = "https://api.openai.com/v1"
		}
	case "ollama":
		if baseURL == "" {
			baseURL = strings.TrimRight(ollamaHost, "/") + "/v1"
		}
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
	return NewOpenAIProvider(baseURL, cfg.APIKey, cfg.Model, cfg.Dimension), nil
}

// OpenAIProvider implements EmbeddingProvider for any endpoint speaking the
// OpenAI embeddings protocol, Ollama included.
type OpenAIProvider struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	httpClient *http.Client
}

// NewOpenAIProvider creates a new embedding provider. A zero dimension is
// inferred from well-known model names.
func NewOpenAIProvider(baseURL, apiKey, model string, dimension int) *OpenAIProvider {
	if dimension <= 0 {
		switch model {
		case "text-embedding-3-large":
			dimension = 3072
		case "nomic-embed-text":
			dimension = 768
		default:
			dimension = 1536
		}
	}

	return &OpenAIProvider{
		baseURL:   strings.TrimRight(baseURL, "/"),
		apiKey:    apiKey,
		model:     model,
		dimension: dimension,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

func (p *OpenAIProvider) Dimension() int {
	return p.dimension
}

func (p *OpenAIProvider) GenerateEmbedding(ctx context.Context, text string) ([]float32, error) {
	embeddings, err := p.GenerateEmbeddings(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

func (p *OpenAIProvider) GenerateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	reqBody := map[string]interface{}{
		"input": texts,
		"model": p.model,
	}

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/embeddings", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call embeddings API: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("embeddings API error (status %d): %s", resp.StatusCode, string(body))
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
			Index     int       `json:"index"`
		} `json:"data"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if len(result.Data) != len(texts) {
		return nil, fmt.Errorf("embeddings API returned %d vectors for %d inputs", len(result.Data), len(texts))
	}

	embeddings := make([][]float32, len(texts))
	for i, data := range result.Data {
		idx := data.Index
		if idx < 0 || idx >= len(texts) {
			idx = i
		}
		if len(data.Embedding) != p.dimension {
			return nil, fmt.Errorf("embedding dimension %d does not match configured %d", len(data.Embedding), p.dimension)
		}
		embeddings[idx] = data.Embedding
	}

	return embeddings, nil
}
