package index

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
)

// letterEmbedder maps text to letter frequencies of a, b and c plus a bias
// so no vector is zero.
type letterEmbedder struct {
	calls atomic.Int32
	fail  error
}

func (e *letterEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	e.calls.Add(1)
	if e.fail != nil {
		return nil, e.fail
	}
	vec := []float32{0, 0, 0, 0.1}
	for _, r := range strings.ToLower(text) {
		switch r {
		case 'a':
			vec[0]++
		case 'b':
			vec[1]++
		case 'c':
			vec[2]++
		}
	}
	return vec, nil
}

func newTestIndex(t *testing.T) *ChromemIndex {
	t.Helper()
	idx, err := NewChromemIndex("")
	if err != nil {
		t.Fatalf("new chromem index: %v", err)
	}
	return idx
}

func TestBuildIsIdempotent(t *testing.T) {
	idx := newTestIndex(t)
	b := NewBuilder(idx, &letterEmbedder{}, BuilderConfig{ChunkSize: 10, ChunkOverlap: 2, BatchSize: 2, Concurrency: 3})
	text := strings.Repeat("aaaa bbbb cccc ", 5)
	ctx := context.Background()

	first, err := b.Build(ctx, text, "index_user1_doc1")
	if err != nil {
		t.Fatalf("first build: %v", err)
	}
	second, err := b.Build(ctx, text, "index_user1_doc1")
	if err != nil {
		t.Fatalf("second build: %v", err)
	}
	if first != second {
		t.Fatalf("expected same chunk count, got %d and %d", first, second)
	}
	if got := idx.Count("index_user1_doc1"); got != first {
		t.Fatalf("expected %d chunks after rebuild, got %d", first, got)
	}
}

func TestRetrieveReturnsClosestChunk(t *testing.T) {
	idx := newTestIndex(t)
	emb := &letterEmbedder{}
	b := NewBuilder(idx, emb, BuilderConfig{ChunkSize: 8, ChunkOverlap: 0})
	ctx := context.Background()
	if _, err := b.Build(ctx, "aaaaaaa bbbbbbb ccccccc", "idx"); err != nil {
		t.Fatalf("build: %v", err)
	}
	chunks, err := NewRetriever(idx, emb).Retrieve(ctx, "idx", "bbb", 10)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(chunks) != 3 {
		t.Fatalf("expected k to be capped at the 3 stored chunks, got %d", len(chunks))
	}
	if chunks[0].Content != "bbbbbbb" {
		t.Fatalf("expected the b chunk first, got %q", chunks[0].Content)
	}
}

func TestBuildRejectsEmptyText(t *testing.T) {
	b := NewBuilder(newTestIndex(t), &letterEmbedder{}, BuilderConfig{})
	if _, err := b.Build(context.Background(), "  \n ", "idx"); !errors.Is(err, ErrEmptyText) {
		t.Fatalf("expected ErrEmptyText, got %v", err)
	}
}

func TestBuildEmbeddingFailureKeepsPreviousIndex(t *testing.T) {
	idx := newTestIndex(t)
	emb := &letterEmbedder{}
	b := NewBuilder(idx, emb, BuilderConfig{ChunkSize: 5, ChunkOverlap: 0})
	ctx := context.Background()
	n, err := b.Build(ctx, "aaaaabbbbb", "idx")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	emb.fail = errors.New("quota exceeded")
	if _, err := b.Build(ctx, "cccccccccccccccccccc", "idx"); err == nil {
		t.Fatalf("expected embedding failure")
	}
	if got := idx.Count("idx"); got != n {
		t.Fatalf("expected previous %d chunks to survive, got %d", n, got)
	}
}

func TestBuildRejectsWrongDimension(t *testing.T) {
	b := NewBuilder(newTestIndex(t), &letterEmbedder{}, BuilderConfig{EmbeddingDim: 3})
	if _, err := b.Build(context.Background(), "abc", "idx"); err == nil {
		t.Fatalf("expected dimension mismatch")
	}
}

func TestSearchAndDropMissingIndex(t *testing.T) {
	idx := newTestIndex(t)
	ctx := context.Background()
	if _, err := idx.Search(ctx, "missing", []float32{1, 0, 0, 0}, 3); !errors.Is(err, ErrIndexNotFound) {
		t.Fatalf("expected ErrIndexNotFound, got %v", err)
	}
	if err := idx.Drop(ctx, "missing"); err != nil {
		t.Fatalf("dropping a missing index should succeed, got %v", err)
	}
}
