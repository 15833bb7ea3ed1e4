package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

// Task types passed to embedders. Providers that do not distinguish between
// document and query embeddings ignore them.
const (
	TaskRetrievalDocument = "RETRIEVAL_DOCUMENT"
	TaskRetrievalQuery    = "RETRIEVAL_QUERY"
)

// Embedder provides embeddings for text.
type Embedder interface {
	EmbedText(ctx context.Context, text, taskType string) ([]float32, error)
}

// BatchEmbedder optionally supports embedding multiple texts at once.
type BatchEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// OllamaEmbedder wraps Ollama embedding calls with a fixed model and dimension.
type OllamaEmbedder struct {
	client     *OllamaClient
	model      string
	dimensions int
}

// NewOllamaEmbedder builds an Ollama-based embedder.
func NewOllamaEmbedder(client *OllamaClient, model string, dimensions int) *OllamaEmbedder {
	return &OllamaEmbedder{client: client, model: model, dimensions: dimensions}
}

// EmbedText returns embeddings for text using Ollama.
func (e *OllamaEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	return e.client.EmbedText(ctx, e.model, text, e.dimensions)
}

// EmbedTexts returns embeddings for multiple texts using Ollama.
func (e *OllamaEmbedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	return e.client.EmbedTexts(ctx, e.model, texts, e.dimensions)
}

// GeminiEmbedder wraps Gemini embedding calls with a fixed model and dimension.
type GeminiEmbedder struct {
	client     *GeminiClient
	model      string
	dimensions int
}

// NewGeminiEmbedder builds a Gemini-based embedder.
func NewGeminiEmbedder(client *GeminiClient, model string, dimensions int) *GeminiEmbedder {
	return &GeminiEmbedder{client: client, model: model, dimensions: dimensions}
}

func (e *GeminiEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	out, err := e.client.EmbedTexts(ctx, e.model, []string{text}, taskType, e.dimensions)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	return e.client.EmbedTexts(ctx, e.model, texts, taskType, e.dimensions)
}

// OpenAICompatEmbedder calls an OpenAI-compatible /v1/embeddings endpoint.
type OpenAICompatEmbedder struct {
	baseURL    string
	apiKey     string
	model      string
	dimensions int
	httpClient *http.Client
}

// NewOpenAICompatEmbedder builds an embedder; baseURL includes the /v1 prefix.
func NewOpenAICompatEmbedder(baseURL, apiKey, model string, dimensions int) *OpenAICompatEmbedder {
	return &OpenAICompatEmbedder{
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		dimensions: dimensions,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}
}

func (e *OpenAICompatEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	out, err := e.EmbedTexts(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return out[0], nil
}

func (e *OpenAICompatEmbedder) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	if e.model == "" {
		return nil, fmt.Errorf("openai-compat embedding model required")
	}
	if len(texts) == 0 {
		return nil, nil
	}
	reqBody := oaiEmbedRequest{Model: e.model, Input: texts}
	if e.dimensions > 0 {
		reqBody.Dimensions = e.dimensions
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}
	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openai-compat embed request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, oaiStatusError(resp)
	}
	var parsed oaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("openai-compat embed decode: %w", err)
	}
	if len(parsed.Data) != len(texts) {
		return nil, fmt.Errorf("openai-compat embed: got %d embeddings for %d texts", len(parsed.Data), len(texts))
	}
	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, 0, len(parsed.Data))
	for _, item := range parsed.Data {
		out = append(out, item.Embedding)
	}
	return out, nil
}

type oaiEmbedRequest struct {
	Model      string   `json:"model"`
	Input      []string `json:"input"`
	Dimensions int      `json:"dimensions,omitempty"`
}

type oaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}
