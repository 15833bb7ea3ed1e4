package app

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"docqa/pkg/answer"
	"docqa/pkg/domain"
	"docqa/pkg/index"
	"docqa/pkg/pdftext"
	"docqa/pkg/queue"
	"docqa/pkg/storage"
	"docqa/pkg/store"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// vowelEmbedder maps text to vowel counts plus a bias so no vector is zero.
type vowelEmbedder struct {
	fail atomic.Bool
}

func (e *vowelEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	if e.fail.Load() {
		return nil, errors.New("embedding service unavailable")
	}
	vec := make([]float32, 6)
	vec[5] = 0.1
	for _, r := range strings.ToLower(text) {
		if i := strings.IndexRune("aeiou", r); i >= 0 {
			vec[i]++
		}
	}
	return vec, nil
}

// countingBuilder counts builds per index name.
type countingBuilder struct {
	inner *index.Builder
	mu    sync.Mutex
	count map[string]int
}

func (b *countingBuilder) Build(ctx context.Context, text, indexName string) (int, error) {
	b.mu.Lock()
	b.count[indexName]++
	b.mu.Unlock()
	return b.inner.Build(ctx, text, indexName)
}

func (b *countingBuilder) builds(indexName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count[indexName]
}

// echoModel answers with the first line of retrieved context.
type echoModel struct {
	err error
}

func (m *echoModel) reply(prompt string) string {
	line := strings.SplitN(strings.TrimPrefix(prompt, "Context:\n"), "\n", 2)[0]
	return "Thinking: let me look\nAnswer: " + line
}

func (m *echoModel) GenerateText(_ context.Context, _, prompt string) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	return m.reply(prompt), nil
}

func (m *echoModel) StreamText(ctx context.Context, _, prompt string, onChunk func(string) error) error {
	if m.err != nil {
		return m.err
	}
	for _, word := range strings.SplitAfter(m.reply(prompt), " ") {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(word); err != nil {
			return err
		}
	}
	return nil
}

type recordingQueue struct {
	mu   sync.Mutex
	jobs []queue.Job
}

func (q *recordingQueue) Enqueue(_ context.Context, userID, documentID string) (queue.Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	job := queue.Job{ID: "job", UserID: userID, DocumentID: documentID, Status: queue.StatusQueued}
	q.jobs = append(q.jobs, job)
	return job, nil
}

// fakeExtract accepts inputs starting with %PDF and returns the rest.
func fakeExtract(data []byte) (string, error) {
	rest, ok := bytes.CutPrefix(data, []byte("%PDF"))
	if !ok {
		return "", pdftext.ErrMalformedDocument
	}
	return string(rest), nil
}

type testEnv struct {
	app      *App
	store    *store.MemoryStore
	blobs    *storage.FileStore
	index    *index.ChromemIndex
	builder  *countingBuilder
	embedder *vowelEmbedder
	model    *echoModel
	queue    *recordingQueue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	blobs, err := storage.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	idx, err := index.NewChromemIndex("")
	if err != nil {
		t.Fatalf("new chromem index: %v", err)
	}
	sessions, err := store.NewJWTSessionStore(testJWTSecret, time.Hour, store.NewMemoryTokenRevoker(), store.JWTOptions{})
	if err != nil {
		t.Fatalf("new session store: %v", err)
	}
	env := &testEnv{
		store:    store.NewMemoryStore(),
		blobs:    blobs,
		index:    idx,
		embedder: &vowelEmbedder{},
		model:    &echoModel{},
		queue:    &recordingQueue{},
	}
	env.builder = &countingBuilder{
		inner: index.NewBuilder(idx, env.embedder, index.BuilderConfig{ChunkSize: 40, ChunkOverlap: 8}),
		count: make(map[string]int),
	}
	env.app, err = New(Config{
		Store:    env.store,
		Sessions: sessions,
		Blobs:    blobs,
		Builder:  env.builder,
		Indexes:  idx,
		Answerer: answer.NewGenerator(index.NewRetriever(idx, env.embedder), env.model, answer.Config{TopK: 1}),
		Queue:    env.queue,
		Extract:  fakeExtract,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return env
}

func (e *testEnv) register(t *testing.T, email string) domain.User {
	t.Helper()
	user, err := e.app.Register(context.Background(), email, "Str0ng!Passw0rd")
	if err != nil {
		t.Fatalf("register %s: %v", email, err)
	}
	return user
}

func (e *testEnv) upload(t *testing.T, user domain.User, fileName, text string) UploadResult {
	t.Helper()
	res, err := e.app.Upload(context.Background(), user, fileName, []byte("%PDF"+text))
	if err != nil {
		t.Fatalf("upload %s: %v", fileName, err)
	}
	return res
}
