package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// OllamaGenerator wraps OllamaClient with a fixed model for text generation
// using the Ollama /api/chat endpoint.
type OllamaGenerator struct {
	client *OllamaClient
	model  string
}

// NewOllamaGenerator builds an Ollama-based ChatModel.
func NewOllamaGenerator(client *OllamaClient, model string) *OllamaGenerator {
	return &OllamaGenerator{client: client, model: model}
}

// GenerateText implements TextGenerator using Ollama /api/chat.
func (g *OllamaGenerator) GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	reqBody, err := g.request(systemPrompt, userPrompt, false)
	if err != nil {
		return "", err
	}
	var resp ollamaChatResponse
	if _, err := g.client.doJSON(ctx, "/api/chat", reqBody, &resp); err != nil {
		return "", fmt.Errorf("ollama generate: %w", err)
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return "", fmt.Errorf("empty response from ollama")
	}
	return resp.Message.Content, nil
}

var errStreamDone = errors.New("ollama stream done")

// StreamText implements StreamGenerator. Ollama streams one JSON object per
// line and marks the last one with done=true.
func (g *OllamaGenerator) StreamText(ctx context.Context, systemPrompt, userPrompt string, onChunk func(string) error) error {
	reqBody, err := g.request(systemPrompt, userPrompt, true)
	if err != nil {
		return err
	}
	err = g.client.streamLines(ctx, "/api/chat", reqBody, func(line []byte) error {
		var chunk ollamaChatResponse
		if err := json.Unmarshal(line, &chunk); err != nil {
			return fmt.Errorf("ollama stream decode: %w", err)
		}
		if chunk.Error != "" {
			return fmt.Errorf("ollama api error: %s", chunk.Error)
		}
		if chunk.Message.Content != "" {
			if err := onChunk(chunk.Message.Content); err != nil {
				return err
			}
		}
		if chunk.Done {
			return errStreamDone
		}
		return nil
	})
	switch {
	case errors.Is(err, errStreamDone):
		return nil
	case err == nil:
		return errors.New("ollama stream ended before done")
	}
	return err
}

func (g *OllamaGenerator) request(systemPrompt, userPrompt string, stream bool) (ollamaChatRequest, error) {
	model := strings.TrimSpace(g.model)
	if model == "" {
		return ollamaChatRequest{}, fmt.Errorf("ollama generation model required")
	}
	messages := make([]ollamaChatMessage, 0, 2)
	if strings.TrimSpace(systemPrompt) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, ollamaChatMessage{Role: "user", Content: userPrompt})
	return ollamaChatRequest{Model: model, Messages: messages, Stream: stream}, nil
}

// Ollama /api/chat request/response types.

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
}

type ollamaChatResponse struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}
