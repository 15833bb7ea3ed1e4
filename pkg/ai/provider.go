package ai

import (
	"context"
	"fmt"
	"strings"
)

// ProviderConfig selects and configures the model backends.
type ProviderConfig struct {
	// Provider is "gemini", "ollama" or "openai".
	Provider        string
	APIKey          string
	BaseURL         string
	GenerationModel string
	EmbeddingModel  string
	EmbeddingDim    int
}

// Provider bundles the embedder and chat model of one backend.
type Provider struct {
	Embedder Embedder
	Chat     ChatModel
}

// NewProvider builds the embedder and chat model for cfg.Provider.
func NewProvider(ctx context.Context, cfg ProviderConfig) (Provider, error) {
	if strings.TrimSpace(cfg.GenerationModel) == "" {
		return Provider{}, fmt.Errorf("generation model required")
	}
	if strings.TrimSpace(cfg.EmbeddingModel) == "" {
		return Provider{}, fmt.Errorf("embedding model required")
	}
	name := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if name == "" {
		name = "gemini"
	}
	switch name {
	case "gemini":
		client, err := NewGeminiClient(ctx, cfg.APIKey)
		if err != nil {
			return Provider{}, err
		}
		return Provider{
			Embedder: NewGeminiEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDim),
			Chat:     NewGeminiGenerator(client, cfg.GenerationModel),
		}, nil
	case "ollama":
		if cfg.EmbeddingDim <= 0 {
			return Provider{}, fmt.Errorf("embedding dim required for ollama")
		}
		client := NewOllamaClient(cfg.BaseURL)
		return Provider{
			Embedder: NewOllamaEmbedder(client, cfg.EmbeddingModel, cfg.EmbeddingDim),
			Chat:     NewOllamaGenerator(client, cfg.GenerationModel),
		}, nil
	case "openai":
		if strings.TrimSpace(cfg.BaseURL) == "" {
			return Provider{}, fmt.Errorf("base URL required for openai provider")
		}
		return Provider{
			Embedder: NewOpenAICompatEmbedder(cfg.BaseURL, cfg.APIKey, cfg.EmbeddingModel, cfg.EmbeddingDim),
			Chat:     NewOpenAICompatGenerator(cfg.BaseURL, cfg.APIKey, cfg.GenerationModel),
		}, nil
	default:
		return Provider{}, fmt.Errorf("unknown model provider: %s", name)
	}
}
