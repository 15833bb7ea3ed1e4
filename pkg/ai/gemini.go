package ai

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

// GeminiClient calls the Gemini API through the genai SDK.
type GeminiClient struct {
	client *genai.Client
}

// NewGeminiClient constructs a client with the provided API key.
func NewGeminiClient(ctx context.Context, apiKey string) (*GeminiClient, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiClient{client: client}, nil
}

// EmbedTexts embeds every text in one request.
func (c *GeminiClient) EmbedTexts(ctx context.Context, model string, texts []string, taskType string, dimensions int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	contents := make([]*genai.Content, 0, len(texts))
	for _, text := range texts {
		contents = append(contents, genai.NewContentFromText(text, genai.RoleUser))
	}
	cfg := &genai.EmbedContentConfig{TaskType: taskType}
	if dimensions > 0 {
		cfg.OutputDimensionality = genai.Ptr(int32(dimensions))
	}
	resp, err := c.client.Models.EmbedContent(ctx, normalizeModel(model), contents, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("gemini embed: got %d embeddings for %d texts", len(resp.Embeddings), len(texts))
	}
	out := make([][]float32, 0, len(resp.Embeddings))
	for _, emb := range resp.Embeddings {
		out = append(out, emb.Values)
	}
	return out, nil
}

// GenerateText returns the generated response for a prompt.
func (c *GeminiClient) GenerateText(ctx context.Context, model, systemPrompt, userPrompt string) (string, error) {
	resp, err := c.client.Models.GenerateContent(ctx, normalizeModel(model), userContents(userPrompt), generateConfig(systemPrompt))
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("empty response from gemini")
	}
	return text, nil
}

// StreamText streams generated text deltas to onChunk.
func (c *GeminiClient) StreamText(ctx context.Context, model, systemPrompt, userPrompt string, onChunk func(string) error) error {
	stream := c.client.Models.GenerateContentStream(ctx, normalizeModel(model), userContents(userPrompt), generateConfig(systemPrompt))
	for resp, err := range stream {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		if text := resp.Text(); text != "" {
			if err := onChunk(text); err != nil {
				return err
			}
		}
	}
	return nil
}

func userContents(prompt string) []*genai.Content {
	return []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
}

func generateConfig(systemPrompt string) *genai.GenerateContentConfig {
	cfg := &genai.GenerateContentConfig{}
	if strings.TrimSpace(systemPrompt) != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}
	return cfg
}

func normalizeModel(model string) string {
	model = strings.TrimSpace(model)
	model = strings.TrimPrefix(model, "models/")
	return model
}
