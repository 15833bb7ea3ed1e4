package index

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"docqa/pkg/domain"
)

const defaultEmbeddingDim = 768

// ChunkModel is one embedded chunk row. IndexName groups the rows of one
// document's index.
type ChunkModel struct {
	ID        string           `gorm:"primaryKey"`
	IndexName string           `gorm:"not null;index"`
	Ordinal   int              `gorm:"not null"`
	Content   string           `gorm:"type:text;not null"`
	Metadata  datatypes.JSON   `gorm:"type:jsonb"`
	Embedding *pgvector.Vector `gorm:"type:vector(768)"`
	CreatedAt time.Time        `gorm:"not null"`
}

func (ChunkModel) TableName() string { return "index_chunks" }

// PGVectorIndex stores chunks in PostgreSQL with the pgvector extension and
// ranks them by cosine distance.
type PGVectorIndex struct {
	db           *gorm.DB
	embeddingDim int
}

// NewPGVectorIndex migrates the chunk table on db. dim fixes the vector
// column width.
func NewPGVectorIndex(db *gorm.DB, dim int) (*PGVectorIndex, error) {
	if dim <= 0 {
		dim = defaultEmbeddingDim
	}
	if err := db.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
		return nil, fmt.Errorf("create pgvector extension: %w", err)
	}
	if err := db.AutoMigrate(&ChunkModel{}); err != nil {
		return nil, fmt.Errorf("auto migrate chunks: %w", err)
	}
	if err := db.Exec(fmt.Sprintf("ALTER TABLE index_chunks ALTER COLUMN embedding TYPE vector(%d)", dim)).Error; err != nil {
		return nil, fmt.Errorf("alter chunk embedding type: %w", err)
	}
	return &PGVectorIndex{db: db, embeddingDim: dim}, nil
}

// Replace deletes the index's rows and inserts chunks in one transaction.
func (p *PGVectorIndex) Replace(ctx context.Context, name string, chunks []domain.Chunk) error {
	models := make([]ChunkModel, 0, len(chunks))
	for _, chunk := range chunks {
		if err := p.validateEmbeddingDim(chunk.Embedding); err != nil {
			return err
		}
		model, err := chunkToModel(name, chunk)
		if err != nil {
			return err
		}
		models = append(models, model)
	}
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "index_name = ?", name).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// Search finds similar chunks by cosine distance.
func (p *PGVectorIndex) Search(ctx context.Context, name string, embedding []float32, k int) ([]domain.Chunk, error) {
	if k <= 0 {
		return []domain.Chunk{}, nil
	}
	if err := p.validateEmbeddingDim(embedding); err != nil {
		return nil, err
	}
	var models []ChunkModel
	if err := p.db.WithContext(ctx).Model(&ChunkModel{}).
		Where("index_name = ? AND embedding IS NOT NULL", name).
		Order(clause.Expr{SQL: "embedding <=> ?", Vars: []any{pgvector.NewVector(embedding)}}).
		Limit(k).
		Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

func (p *PGVectorIndex) Drop(ctx context.Context, name string) error {
	return p.db.WithContext(ctx).Delete(&ChunkModel{}, "index_name = ?", name).Error
}

func (p *PGVectorIndex) validateEmbeddingDim(embedding []float32) error {
	if len(embedding) == 0 {
		return fmt.Errorf("embedding vector is empty")
	}
	if p.embeddingDim > 0 && len(embedding) != p.embeddingDim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(embedding), p.embeddingDim)
	}
	return nil
}

func chunkToModel(indexName string, c domain.Chunk) (ChunkModel, error) {
	var metadata datatypes.JSON
	if len(c.Metadata) > 0 {
		raw, err := json.Marshal(c.Metadata)
		if err != nil {
			return ChunkModel{}, fmt.Errorf("encode chunk metadata: %w", err)
		}
		metadata = datatypes.JSON(raw)
	}
	vec := pgvector.NewVector(c.Embedding)
	return ChunkModel{
		ID:        c.ID,
		IndexName: indexName,
		Ordinal:   c.Ordinal,
		Content:   c.Content,
		Metadata:  metadata,
		Embedding: &vec,
		CreatedAt: time.Now().UTC(),
	}, nil
}

func chunkFromModel(m ChunkModel) domain.Chunk {
	var metadata map[string]string
	if len(m.Metadata) > 0 {
		_ = json.Unmarshal(m.Metadata, &metadata)
	}
	chunk := domain.Chunk{
		ID:        m.ID,
		IndexName: m.IndexName,
		Ordinal:   m.Ordinal,
		Content:   m.Content,
		Metadata:  metadata,
	}
	if m.Embedding != nil {
		chunk.Embedding = m.Embedding.Slice()
	}
	return chunk
}
