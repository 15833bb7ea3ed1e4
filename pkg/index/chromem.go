package index

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strconv"
	"sync"

	"github.com/philippgille/chromem-go"

	"docqa/pkg/domain"
)

// errNoEmbedding guards against chromem computing embeddings itself; the
// Builder always supplies them.
var errNoEmbedding = errors.New("chromem: chunks must carry precomputed embeddings")

func noEmbedding(context.Context, string) ([]float32, error) {
	return nil, errNoEmbedding
}

// ChromemIndex keeps one chromem collection per index name.
type ChromemIndex struct {
	// mu serializes Replace/Drop so a rebuild is never observed half-written
	// by another rebuild of the same name.
	mu sync.Mutex
	db *chromem.DB
}

// NewChromemIndex opens a persistent DB under dir, or an in-memory DB when
// dir is empty.
func NewChromemIndex(dir string) (*ChromemIndex, error) {
	if dir == "" {
		return &ChromemIndex{db: chromem.NewDB()}, nil
	}
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open vector db: %w", err)
	}
	return &ChromemIndex{db: db}, nil
}

func (c *ChromemIndex) Replace(ctx context.Context, name string, chunks []domain.Chunk) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("clear collection: %w", err)
	}
	col, err := c.db.GetOrCreateCollection(name, nil, noEmbedding)
	if err != nil {
		return fmt.Errorf("create collection: %w", err)
	}
	if len(chunks) == 0 {
		return nil
	}
	docs := make([]chromem.Document, 0, len(chunks))
	for _, chunk := range chunks {
		metadata := map[string]string{"ordinal": strconv.Itoa(chunk.Ordinal)}
		for k, v := range chunk.Metadata {
			metadata[k] = v
		}
		docs = append(docs, chromem.Document{
			ID:        chunk.ID,
			Metadata:  metadata,
			Embedding: chunk.Embedding,
			Content:   chunk.Content,
		})
	}
	if err := col.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

func (c *ChromemIndex) Search(ctx context.Context, name string, embedding []float32, k int) ([]domain.Chunk, error) {
	col := c.db.GetCollection(name, noEmbedding)
	if col == nil {
		return nil, fmt.Errorf("%w: %s", ErrIndexNotFound, name)
	}
	k = min(k, col.Count())
	if k <= 0 {
		return []domain.Chunk{}, nil
	}
	results, err := col.QueryEmbedding(ctx, embedding, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	chunks := make([]domain.Chunk, 0, len(results))
	for _, r := range results {
		ordinal, _ := strconv.Atoi(r.Metadata["ordinal"])
		chunks = append(chunks, domain.Chunk{
			ID:        r.ID,
			IndexName: name,
			Ordinal:   ordinal,
			Content:   r.Content,
			Metadata:  r.Metadata,
			Score:     r.Similarity,
		})
	}
	return chunks, nil
}

func (c *ChromemIndex) Drop(_ context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.db.DeleteCollection(name); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	return nil
}

// Count reports how many chunks the named index holds.
func (c *ChromemIndex) Count(name string) int {
	col := c.db.GetCollection(name, noEmbedding)
	if col == nil {
		return 0
	}
	return col.Count()
}
