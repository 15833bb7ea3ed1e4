// Package index builds and queries named vector indexes, one per document.
package index

import (
	"context"
	"errors"

	"docqa/pkg/domain"
)

// ErrIndexNotFound is returned when searching an index that was never built.
var ErrIndexNotFound = errors.New("index not found")

// ErrEmptyText is returned when a document produced no chunks to index.
var ErrEmptyText = errors.New("no text to index")

// Index stores embedded chunks under an index name.
type Index interface {
	// Replace clears the named index and writes chunks into it, so rebuilding
	// the same name never duplicates chunks.
	Replace(ctx context.Context, name string, chunks []domain.Chunk) error
	// Search returns up to k chunks closest to embedding, best match first.
	Search(ctx context.Context, name string, embedding []float32, k int) ([]domain.Chunk, error)
	// Drop removes the named index. Dropping a missing index is not an error.
	Drop(ctx context.Context, name string) error
}
