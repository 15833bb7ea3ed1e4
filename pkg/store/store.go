package store

import (
	"context"
	"errors"
	"time"

	"docqa/pkg/domain"
)

// ErrConflict is returned when a write violates a uniqueness constraint.
var ErrConflict = errors.New("store: conflict")

// Store persists users, documents and question history. Documents and
// questions are addressed by (user ID, row ID).
type Store interface {
	// users
	CreateUser(ctx context.Context, u domain.User) error
	GetUserByEmail(ctx context.Context, email string) (domain.User, bool, error)
	GetUserByID(ctx context.Context, id string) (domain.User, bool, error)

	// documents
	// CreateDocument inserts a new row; a file name the user already has
	// yields ErrConflict.
	CreateDocument(ctx context.Context, d domain.Document) error
	SaveDocument(ctx context.Context, d domain.Document) error
	GetDocument(ctx context.Context, userID, id string) (domain.Document, bool, error)
	FindDocumentByFileName(ctx context.Context, userID, fileName string) (domain.Document, bool, error)
	ListDocuments(ctx context.Context, userID string) ([]domain.Document, error)
	ListStaleDocuments(ctx context.Context, status domain.DocumentStatus, updatedBefore time.Time) ([]domain.Document, error)
	SetDocumentStatus(ctx context.Context, userID, id string, status domain.DocumentStatus, errMsg string) error
	SetDocumentSize(ctx context.Context, userID, id string, size int64) error
	DeleteDocument(ctx context.Context, userID, id string) (bool, error)

	// questions
	SaveQuestion(ctx context.Context, q domain.Question) error
	GetQuestion(ctx context.Context, userID, id string) (domain.Question, bool, error)
	ListQuestions(ctx context.Context, userID string) ([]domain.Question, error)
	DeleteQuestion(ctx context.Context, userID, id string) (bool, error)
}

// SessionStore issues and validates session tokens.
type SessionStore interface {
	NewSession(userID string) (string, error)
	GetUserIDByToken(ctx context.Context, token string) (string, bool, error)
	DeleteSession(ctx context.Context, token string) error
}
