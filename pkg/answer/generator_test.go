package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"docqa/pkg/domain"
)

type fakeRetriever struct {
	chunks map[string][]domain.Chunk
	err    error
}

func (f *fakeRetriever) Retrieve(_ context.Context, indexName, _ string, k int) ([]domain.Chunk, error) {
	if f.err != nil {
		return nil, f.err
	}
	chunks := f.chunks[indexName]
	return chunks[:min(k, len(chunks))], nil
}

// fakeModel answers with a fixed text, or, when reply is set, with a text
// derived from the prompt. Streams are split into fragments of fragSize
// runes.
type fakeModel struct {
	text      string
	reply     func(prompt string) string
	err       error
	streamErr error
	fragSize  int
	sent      atomic.Int32
	prompts   []string
	mu        sync.Mutex
}

func (f *fakeModel) output(prompt string) string {
	f.mu.Lock()
	f.prompts = append(f.prompts, prompt)
	f.mu.Unlock()
	if f.reply != nil {
		return f.reply(prompt)
	}
	return f.text
}

func (f *fakeModel) GenerateText(_ context.Context, _, prompt string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return f.output(prompt), nil
}

func (f *fakeModel) StreamText(ctx context.Context, _, prompt string, onChunk func(string) error) error {
	if f.err != nil {
		return f.err
	}
	text := []rune(f.output(prompt))
	size := max(f.fragSize, 1)
	for i := 0; i < len(text); i += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		f.sent.Add(1)
		if err := onChunk(string(text[i:min(i+size, len(text))])); err != nil {
			return err
		}
	}
	return f.streamErr
}

func collect(g *Generator, indexName, question string) (string, []error) {
	var (
		sb   strings.Builder
		errs []error
	)
	for frag, err := range g.Stream(context.Background(), indexName, question) {
		if err != nil {
			if frag != "" {
				err = fmt.Errorf("error pair carried content %q: %w", frag, err)
			}
			errs = append(errs, err)
			continue
		}
		sb.WriteString(frag)
	}
	return sb.String(), errs
}

func TestAnswerCleansOutputAndUsesContext(t *testing.T) {
	retriever := &fakeRetriever{chunks: map[string][]domain.Chunk{
		"idx": {{Content: "Paris is the capital."}, {Content: "France is in Europe."}},
	}}
	model := &fakeModel{text: "Thinking: the context says Paris\nAnswer: Paris"}
	g := NewGenerator(retriever, model, Config{})

	got, err := g.Answer(context.Background(), "idx", "What is the capital?")
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if got != "Paris" {
		t.Fatalf("expected cleaned answer, got %q", got)
	}
	prompt := model.prompts[0]
	for _, want := range []string{"[1] Paris is the capital.", "[2] France is in Europe.", "Question: What is the capital?"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q:\n%s", want, prompt)
		}
	}
}

func TestAnswerReturnsInlineErrorText(t *testing.T) {
	g := NewGenerator(&fakeRetriever{}, &fakeModel{err: errors.New("quota exceeded")}, Config{})
	got, err := g.Answer(context.Background(), "idx", "q")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !strings.HasPrefix(got, "Error: ") || !strings.Contains(got, "quota exceeded") {
		t.Fatalf("unexpected inline error text %q", got)
	}
}

func TestAnswerRetrievalFailure(t *testing.T) {
	g := NewGenerator(&fakeRetriever{err: errors.New("index offline")}, &fakeModel{text: "x"}, Config{})
	got, err := g.Answer(context.Background(), "idx", "q")
	if err == nil || !strings.Contains(got, "index offline") {
		t.Fatalf("expected retrieval failure, got %q, %v", got, err)
	}
}

func TestStreamMatchesBlockingAnswer(t *testing.T) {
	text := "Reasoning: look at [1]\nRéponse: Le document parle de Go."
	for size := 1; size <= 7; size++ {
		model := &fakeModel{text: text, fragSize: size}
		g := NewGenerator(&fakeRetriever{}, model, Config{})
		got, errs := collect(g, "idx", "q")
		if len(errs) != 0 {
			t.Fatalf("unexpected errors: %v", errs)
		}
		if got != "Le document parle de Go." {
			t.Fatalf("fragment size %d: got %q", size, got)
		}
	}
}

func TestStreamYieldsSingleErrorAndStops(t *testing.T) {
	model := &fakeModel{text: "partial output", fragSize: 3, streamErr: errors.New("connection reset")}
	g := NewGenerator(&fakeRetriever{}, model, Config{})

	got, errs := collect(g, "idx", "q")
	if len(errs) != 1 {
		t.Fatalf("expected exactly one error, got %v", errs)
	}
	if !strings.Contains(errs[0].Error(), "connection reset") {
		t.Fatalf("unexpected error %v", errs[0])
	}
	if !strings.HasPrefix("partial output", got) {
		t.Fatalf("unexpected content before error %q", got)
	}
}

func TestStreamRetrievalErrorYieldsOnce(t *testing.T) {
	model := &fakeModel{text: "never sent"}
	g := NewGenerator(&fakeRetriever{err: errors.New("no index")}, model, Config{})
	got, errs := collect(g, "idx", "q")
	if got != "" || len(errs) != 1 {
		t.Fatalf("expected a single error and no content, got %q %v", got, errs)
	}
	if model.sent.Load() != 0 {
		t.Fatalf("model should not be called")
	}
}

func TestStreamStopsWhenConsumerBreaks(t *testing.T) {
	model := &fakeModel{text: strings.Repeat("word ", 200), fragSize: 5}
	g := NewGenerator(&fakeRetriever{}, model, Config{})

	received := 0
	for frag, err := range g.Stream(context.Background(), "idx", "q") {
		if err != nil {
			t.Fatalf("unexpected error %v", err)
		}
		if frag != "" {
			received++
		}
		if received == 3 {
			break
		}
	}
	if sent := model.sent.Load(); sent > 5 {
		t.Fatalf("model kept producing after consumer stopped: %d fragments", sent)
	}
}

func TestConcurrentStreamsAreIndependent(t *testing.T) {
	retriever := &fakeRetriever{chunks: map[string][]domain.Chunk{}}
	for i := range 8 {
		name := fmt.Sprintf("idx%d", i)
		retriever.chunks[name] = []domain.Chunk{{Content: "topic-" + name}}
	}
	model := &fakeModel{fragSize: 2, reply: func(prompt string) string {
		start := strings.Index(prompt, "topic-")
		end := start + strings.IndexByte(prompt[start:], '\n')
		return "Answer: about " + prompt[start:end]
	}}
	g := NewGenerator(retriever, model, Config{})

	var wg sync.WaitGroup
	results := make([]string, 8)
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], _ = collect(g, fmt.Sprintf("idx%d", i), "q")
		}()
	}
	wg.Wait()
	for i, got := range results {
		if want := fmt.Sprintf("about topic-idx%d", i); got != want {
			t.Fatalf("stream %d: got %q, want %q", i, got, want)
		}
	}
}
