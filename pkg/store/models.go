package store

import (
	"time"
)

// GORM models used for persistence.
type UserModel struct {
	ID           string    `gorm:"primaryKey;size:64"`
	Email        string    `gorm:"uniqueIndex;size:320;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time `gorm:"not null"`
}

func (UserModel) TableName() string { return "users" }

type DocumentModel struct {
	UserID       string    `gorm:"primaryKey;size:64;uniqueIndex:idx_documents_user_file,priority:1"`
	ID           string    `gorm:"primaryKey;size:32"`
	FileName     string    `gorm:"size:255;not null;uniqueIndex:idx_documents_user_file,priority:2"`
	BlobURL      string    `gorm:"size:1024"`
	IndexName    string    `gorm:"size:255;not null"`
	UploadDate   time.Time `gorm:"not null"`
	Status       string    `gorm:"size:16;not null;index"`
	ErrorMessage string    `gorm:"size:1024"`
	FileSize     int64
	UpdatedAt    time.Time `gorm:"not null"`
}

func (DocumentModel) TableName() string { return "documents" }

type QuestionModel struct {
	UserID   string `gorm:"primaryKey;size:64"`
	ID       string `gorm:"primaryKey;size:32"`
	FileName string `gorm:"size:255;not null"`
	Question string `gorm:"type:text;not null"`
	Answer   string `gorm:"type:text"`
	AskedAt  *time.Time
}

func (QuestionModel) TableName() string { return "questions" }
