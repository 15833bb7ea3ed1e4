package domain

import "time"

type DocumentStatus string

const (
	StatusIndexing DocumentStatus = "indexing"
	StatusIndexed  DocumentStatus = "indexed"
	StatusFailed   DocumentStatus = "failed"
)

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Document is partitioned by UserID; ID is unique within the partition.
type Document struct {
	ID           string         `json:"id"`
	UserID       string         `json:"userId"`
	FileName     string         `json:"fileName"`
	BlobURL      string         `json:"blobUrl"`
	IndexName    string         `json:"indexName"`
	UploadDate   time.Time      `json:"uploadDate"`
	Status       DocumentStatus `json:"status"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	// FileSize is zero when unknown.
	FileSize  int64     `json:"fileSize,omitempty"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Question is one recorded question/answer exchange. A zero AskedAt means the
// timestamp is missing.
type Question struct {
	ID       string    `json:"id"`
	UserID   string    `json:"userId"`
	FileName string    `json:"fileName"`
	Question string    `json:"question"`
	Answer   string    `json:"answer"`
	AskedAt  time.Time `json:"askedAt"`
}

// Chunk is one retrieval unit stored in a named vector index.
type Chunk struct {
	ID        string            `json:"id"`
	IndexName string            `json:"indexName"`
	Ordinal   int               `json:"ordinal"`
	Content   string            `json:"content"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Embedding []float32         `json:"-"`
	Score     float32           `json:"score,omitempty"`
}

type Usage struct {
	TotalDocuments  int        `json:"totalDocuments"`
	TotalQuestions  int        `json:"totalQuestions"`
	UsedBytes       int64      `json:"usedBytes"`
	UsedKB          float64    `json:"usedKb"`
	RecentDocuments []Document `json:"recentDocuments"`
	RecentQuestions []Question `json:"recentQuestions"`
}
