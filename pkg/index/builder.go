package index

import (
	"context"
	"fmt"
	"strconv"

	"golang.org/x/sync/errgroup"

	"docqa/pkg/ai"
	"docqa/pkg/chunker"
	"docqa/pkg/domain"
)

// BuilderConfig tunes chunking and embedding.
type BuilderConfig struct {
	ChunkSize    int
	ChunkOverlap int
	BatchSize    int
	Concurrency  int
	// EmbeddingDim, when positive, rejects vectors of any other length.
	EmbeddingDim int
}

// Builder splits text into chunks, embeds them and writes them into an Index.
type Builder struct {
	index    Index
	embedder ai.Embedder
	cfg      BuilderConfig
}

// NewBuilder fills unset config values with defaults.
func NewBuilder(idx Index, embedder ai.Embedder, cfg BuilderConfig) *Builder {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = chunker.DefaultSize
	}
	if cfg.ChunkOverlap < 0 || cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = min(chunker.DefaultOverlap, cfg.ChunkSize/5)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 16
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 2
	}
	return &Builder{index: idx, embedder: embedder, cfg: cfg}
}

// Build (re)creates the named index from text and returns the chunk count.
func (b *Builder) Build(ctx context.Context, text, indexName string) (int, error) {
	parts := chunker.Split(text, b.cfg.ChunkSize, b.cfg.ChunkOverlap)
	if len(parts) == 0 {
		return 0, ErrEmptyText
	}
	chunks := make([]domain.Chunk, len(parts))
	for i, part := range parts {
		chunks[i] = domain.Chunk{
			ID:        indexName + "-" + strconv.Itoa(i),
			IndexName: indexName,
			Ordinal:   i,
			Content:   part,
			Metadata:  map[string]string{"chunk": strconv.Itoa(i)},
		}
	}
	if err := b.embed(ctx, chunks); err != nil {
		return 0, fmt.Errorf("embed chunks: %w", err)
	}
	if err := b.index.Replace(ctx, indexName, chunks); err != nil {
		return 0, fmt.Errorf("write index %s: %w", indexName, err)
	}
	return len(chunks), nil
}

func (b *Builder) embed(ctx context.Context, chunks []domain.Chunk) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.cfg.Concurrency)
	for start := 0; start < len(chunks); start += b.cfg.BatchSize {
		batch := chunks[start:min(start+b.cfg.BatchSize, len(chunks))]
		g.Go(func() error {
			return b.embedBatch(gctx, batch)
		})
	}
	return g.Wait()
}

// embedBatch writes embeddings into batch in place; batches never overlap.
func (b *Builder) embedBatch(ctx context.Context, batch []domain.Chunk) error {
	texts := make([]string, 0, len(batch))
	for _, chunk := range batch {
		texts = append(texts, chunk.Content)
	}
	var embeddings [][]float32
	if embedder, ok := b.embedder.(ai.BatchEmbedder); ok && len(texts) > 1 {
		out, err := embedder.EmbedTexts(ctx, texts, ai.TaskRetrievalDocument)
		if err != nil {
			return err
		}
		embeddings = out
	} else {
		embeddings = make([][]float32, 0, len(texts))
		for _, text := range texts {
			embedding, err := b.embedder.EmbedText(ctx, text, ai.TaskRetrievalDocument)
			if err != nil {
				return err
			}
			embeddings = append(embeddings, embedding)
		}
	}
	if len(embeddings) != len(batch) {
		return fmt.Errorf("embedding count mismatch: got %d, want %d", len(embeddings), len(batch))
	}
	for i, embedding := range embeddings {
		if b.cfg.EmbeddingDim > 0 && len(embedding) != b.cfg.EmbeddingDim {
			return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), b.cfg.EmbeddingDim)
		}
		batch[i].Embedding = embedding
	}
	return nil
}

// Retriever answers similarity queries against a named index.
type Retriever struct {
	index    Index
	embedder ai.Embedder
}

func NewRetriever(idx Index, embedder ai.Embedder) *Retriever {
	return &Retriever{index: idx, embedder: embedder}
}

// Retrieve embeds question and returns the k closest chunks of indexName.
func (r *Retriever) Retrieve(ctx context.Context, indexName, question string, k int) ([]domain.Chunk, error) {
	embedding, err := r.embedder.EmbedText(ctx, question, ai.TaskRetrievalQuery)
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	return r.index.Search(ctx, indexName, embedding, k)
}
