// Package app holds the document lifecycle, question answering, question
// history and account logic of the docqa service.
package app

import (
	"context"
	"errors"
	"iter"
	"time"

	"docqa/pkg/domain"
	"docqa/pkg/pdftext"
	"docqa/pkg/queue"
	"docqa/pkg/storage"
	"docqa/pkg/store"
)

// IndexBuilder (re)builds the named index from document text.
type IndexBuilder interface {
	Build(ctx context.Context, text, indexName string) (int, error)
}

// IndexDropper removes a named index.
type IndexDropper interface {
	Drop(ctx context.Context, name string) error
}

// Answerer produces answers against a document index.
type Answerer interface {
	Answer(ctx context.Context, indexName, question string) (string, error)
	Stream(ctx context.Context, indexName, question string) iter.Seq2[string, error]
}

// Enqueuer schedules a document for reindexing.
type Enqueuer interface {
	Enqueue(ctx context.Context, userID, documentID string) (queue.Job, error)
}

// Config wires the application to its backends. Queue and Extract are
// optional.
type Config struct {
	Store    store.Store
	Sessions store.SessionStore
	Blobs    storage.ObjectStore
	Builder  IndexBuilder
	Indexes  IndexDropper
	Answerer Answerer
	Queue    Enqueuer
	Extract  func([]byte) (string, error)
}

// App is the core application service wiring together storage and domain logic.
type App struct {
	store    store.Store
	sessions store.SessionStore
	blobs    storage.ObjectStore
	builder  IndexBuilder
	indexes  IndexDropper
	answerer Answerer
	queue    Enqueuer
	extract  func([]byte) (string, error)
	now      func() time.Time
}

func New(cfg Config) (*App, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("app: store required")
	case cfg.Sessions == nil:
		return nil, errors.New("app: session store required")
	case cfg.Blobs == nil:
		return nil, errors.New("app: blob store required")
	case cfg.Builder == nil || cfg.Indexes == nil:
		return nil, errors.New("app: index builder and index required")
	case cfg.Answerer == nil:
		return nil, errors.New("app: answerer required")
	}
	extract := cfg.Extract
	if extract == nil {
		extract = pdftext.Extract
	}
	return &App{
		store:    cfg.Store,
		sessions: cfg.Sessions,
		blobs:    cfg.Blobs,
		builder:  cfg.Builder,
		indexes:  cfg.Indexes,
		answerer: cfg.Answerer,
		queue:    cfg.Queue,
		extract:  extract,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// RecentLimit caps the recent documents and questions on the dashboard.
const RecentLimit = 5

// Usage summarizes a user's documents and questions.
func (a *App) Usage(ctx context.Context, user domain.User) (domain.Usage, error) {
	docs, err := a.ListDocuments(ctx, user)
	if err != nil {
		return domain.Usage{}, err
	}
	questions, err := a.History(ctx, user)
	if err != nil {
		return domain.Usage{}, err
	}
	var used int64
	for i := range docs {
		if docs[i].FileSize == 0 && docs[i].BlobURL != "" {
			a.backfillSize(ctx, &docs[i])
		}
		used += docs[i].FileSize
	}
	return domain.Usage{
		TotalDocuments:  len(docs),
		TotalQuestions:  len(questions),
		UsedBytes:       used,
		UsedKB:          float64(used) / 1024,
		RecentDocuments: docs[:min(RecentLimit, len(docs))],
		RecentQuestions: questions[:min(RecentLimit, len(questions))],
	}, nil
}
