package ai

import "context"

// TextGenerator generates text from a system prompt and user prompt.
// All LLM providers (Gemini, Ollama, OpenAI-compatible) implement this interface.
type TextGenerator interface {
	GenerateText(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// StreamGenerator generates text incrementally. onChunk is called for every
// non-empty delta in order; returning an error from it aborts the stream and
// that error is returned.
type StreamGenerator interface {
	StreamText(ctx context.Context, systemPrompt, userPrompt string, onChunk func(string) error) error
}

// ChatModel is a provider that supports both batch and streamed generation.
type ChatModel interface {
	TextGenerator
	StreamGenerator
}
