// Package answer produces retrieval-grounded answers and strips
// meta-commentary from model output.
package answer

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"docqa/pkg/ai"
	"docqa/pkg/domain"
)

const systemPrompt = "You are a helpful assistant. Use only the supplied context to answer. " +
	"If the information is not in the context, say that you do not know.\n\n" +
	"STRICT RULES:\n" +
	"- Reply DIRECTLY with the final answer\n" +
	"- NEVER include a 'thinking', 'reasoning', 'analysis' or 'reflection' section\n" +
	"- Do not open with 'Let me think', 'First', or similar\n" +
	"- If you need to analyse, do it silently and give only the result"

const defaultTopK = 4

var errConsumerGone = errors.New("stream consumer stopped")

// Retriever finds the chunks of a named index relevant to a question.
type Retriever interface {
	Retrieve(ctx context.Context, indexName, question string, k int) ([]domain.Chunk, error)
}

type Config struct {
	TopK int
	// Timeout bounds each model call, retrieval included. Zero disables it.
	Timeout time.Duration
}

// Generator answers questions against a document index.
type Generator struct {
	retriever Retriever
	model     ai.ChatModel
	topK      int
	timeout   time.Duration
}

func NewGenerator(retriever Retriever, model ai.ChatModel, cfg Config) *Generator {
	topK := cfg.TopK
	if topK <= 0 {
		topK = defaultTopK
	}
	return &Generator{retriever: retriever, model: model, topK: topK, timeout: cfg.Timeout}
}

// ErrorText renders err as the inline message shown in place of an answer.
func ErrorText(err error) string {
	return "Error: " + err.Error()
}

// Answer returns the cleaned answer. The returned text is always
// displayable: on failure it is the inline error message and err is set.
func (g *Generator) Answer(ctx context.Context, indexName, question string) (string, error) {
	ctx, cancel := g.withTimeout(ctx)
	defer cancel()
	prompt, err := g.prompt(ctx, indexName, question)
	if err != nil {
		return ErrorText(err), err
	}
	text, err := g.model.GenerateText(ctx, systemPrompt, prompt)
	if err != nil {
		err = fmt.Errorf("generate answer: %w", err)
		return ErrorText(err), err
	}
	return Clean(text), nil
}

// Stream yields cleaned answer fragments as the model produces them. On
// failure it yields a single ("", err) pair and stops. Breaking out of the
// range loop cancels the model call.
func (g *Generator) Stream(ctx context.Context, indexName, question string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		ctx, cancel := g.withTimeout(ctx)
		defer cancel()
		prompt, err := g.prompt(ctx, indexName, question)
		if err != nil {
			yield("", err)
			return
		}
		var cleaner StreamCleaner
		err = g.model.StreamText(ctx, systemPrompt, prompt, func(delta string) error {
			if out := cleaner.Push(delta); out != "" && !yield(out, nil) {
				return errConsumerGone
			}
			return nil
		})
		switch {
		case errors.Is(err, errConsumerGone):
			return
		case err != nil:
			yield("", fmt.Errorf("generate answer: %w", err))
			return
		}
		if out := cleaner.Flush(); out != "" {
			yield(out, nil)
		}
	}
}

func (g *Generator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.timeout)
}

func (g *Generator) prompt(ctx context.Context, indexName, question string) (string, error) {
	chunks, err := g.retriever.Retrieve(ctx, indexName, question, g.topK)
	if err != nil {
		return "", fmt.Errorf("retrieve context: %w", err)
	}
	return fmt.Sprintf("Context:\n%s\nQuestion: %s", buildContext(chunks), question), nil
}

func buildContext(chunks []domain.Chunk) string {
	var sb strings.Builder
	for i, chunk := range chunks {
		fmt.Fprintf(&sb, "[%d] %s\n\n", i+1, chunk.Content)
	}
	return sb.String()
}
