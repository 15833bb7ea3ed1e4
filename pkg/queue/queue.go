// Package queue carries document reindex jobs between the API and the
// reindex worker.
package queue

import (
	"context"
	"errors"
	"strings"
	"time"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

// Job asks the worker to rebuild the index of one document.
type Job struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	DocumentID   string    `json:"documentId"`
	Status       string    `json:"status"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
	Attempts     int       `json:"attempts"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Handler processes one job. A nil return acknowledges it; an error schedules
// a retry until the queue's retry budget runs out.
type Handler func(ctx context.Context, job Job) error

type JobQueue interface {
	Enqueue(ctx context.Context, userID, documentID string) (Job, error)
	Start(ctx context.Context, concurrency int, handler Handler) error
	Close() error
}

func validateTarget(userID, documentID string) (string, string, error) {
	userID = strings.TrimSpace(userID)
	documentID = strings.TrimSpace(documentID)
	if userID == "" || documentID == "" {
		return "", "", errors.New("userId and documentId required")
	}
	return userID, documentID, nil
}
