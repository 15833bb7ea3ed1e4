package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"docqa/pkg/answer"
	"docqa/pkg/index"
	"docqa/pkg/storage"
	"docqa/pkg/store"
	"docqa/services/docqa/internal/app"
)

const testJWTSecret = "0123456789abcdef0123456789abcdef"

// letterEmbedder maps text to letter frequencies of a few common letters.
type letterEmbedder struct{}

func (letterEmbedder) EmbedText(_ context.Context, text, _ string) ([]float32, error) {
	vec := make([]float32, 5)
	vec[4] = 0.1
	for _, r := range strings.ToLower(text) {
		if i := strings.IndexRune("etao", r); i >= 0 {
			vec[i]++
		}
	}
	return vec, nil
}

// scriptedModel replies with a fixed reasoning-prefixed answer. When failAfter
// is positive the stream fails after that many words.
type scriptedModel struct {
	answer    string
	failAfter atomic.Int32
}

func (m *scriptedModel) text() string {
	return "Reasoning: check the context\nAnswer: " + m.answer
}

func (m *scriptedModel) GenerateText(context.Context, string, string) (string, error) {
	if m.failAfter.Load() > 0 {
		return "", errors.New("model overloaded")
	}
	return m.text(), nil
}

func (m *scriptedModel) StreamText(ctx context.Context, _, _ string, onChunk func(string) error) error {
	failAfter := int(m.failAfter.Load())
	for i, word := range strings.SplitAfter(m.text(), " ") {
		if failAfter > 0 && i == failAfter {
			return errors.New("model overloaded")
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := onChunk(word); err != nil {
			return err
		}
	}
	return nil
}

func plainExtract(data []byte) (string, error) {
	rest, ok := bytes.CutPrefix(data, []byte("%PDF"))
	if !ok {
		return "", app.ErrMalformedDocument
	}
	return string(rest), nil
}

type testServer struct {
	*httptest.Server
	redis *miniredis.Miniredis
	model *scriptedModel
}

type serverOption func(*Config)

func newTestApp(t *testing.T) (*app.App, *scriptedModel) {
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
	model := &scriptedModel{answer: "channels carry values between goroutines"}
	embedder := letterEmbedder{}
	core, err := app.New(app.Config{
		Store:    store.NewMemoryStore(),
		Sessions: sessions,
		Blobs:    blobs,
		Builder:  index.NewBuilder(idx, embedder, index.BuilderConfig{ChunkSize: 60, ChunkOverlap: 10}),
		Indexes:  idx,
		Answerer: answer.NewGenerator(index.NewRetriever(idx, embedder), model, answer.Config{TopK: 2}),
		Extract:  plainExtract,
	})
	if err != nil {
		t.Fatalf("new app: %v", err)
	}
	return core, model
}

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	core, model := newTestApp(t)
	redis := miniredis.RunT(t)
	cfg := Config{
		App:                        core,
		RedisAddr:                  redis.Addr(),
		SignupRateLimitPerMinute:   100,
		LoginRateLimitPerMinute:    100,
		UploadRateLimitPerMinute:   100,
		QuestionRateLimitPerMinute: 100,
		AllowedOrigins:             []string{"*"},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	srv, err := New(cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(func() {
		ts.Close()
		_ = srv.Close()
	})
	return &testServer{Server: ts, redis: redis, model: model}
}

func (ts *testServer) do(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var r io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		r = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, ts.URL+path, r)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func expectStatus(t *testing.T, resp *http.Response, want int) {
	t.Helper()
	if resp.StatusCode != want {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("%s %s: status %d, want %d (body %s)", resp.Request.Method, resp.Request.URL.Path, resp.StatusCode, want, body)
	}
}

// signIn registers email and returns a session token.
func (ts *testServer) signIn(t *testing.T, email string) string {
	t.Helper()
	creds := map[string]string{"email": email, "password": "Str0ng!Passw0rd"}
	resp := ts.do(t, http.MethodPost, "/api/auth/register", "", creds)
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = ts.do(t, http.MethodPost, "/api/auth/login", "", creds)
	expectStatus(t, resp, http.StatusOK)
	var out authResponse
	decodeBody(t, resp, &out)
	if out.Token == "" {
		t.Fatalf("login returned empty token")
	}
	return out.Token
}

func (ts *testServer) upload(t *testing.T, token, fileName string, data []byte) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", fileName)
	if err != nil {
		t.Fatalf("create form file: %v", err)
	}
	if _, err := part.Write(data); err != nil {
		t.Fatalf("write form file: %v", err)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("close multipart: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/documents", &buf)
	if err != nil {
		t.Fatalf("new upload request: %v", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload: %v", err)
	}
	return resp
}

// readEvents parses a server-sent event body into its JSON events.
func readEvents(t *testing.T, body io.Reader) []streamEvent {
	t.Helper()
	events, err := parseEvents(body)
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	return events
}

// parseEvents requires every frame to be a single data line followed by a
// blank line.
func parseEvents(body io.Reader) ([]streamEvent, error) {
	var (
		events  []streamEvent
		pending []string
	)
	scanner := bufio.NewScanner(body)
	for scanner.Scan() {
		line := scanner.Text()
		if line != "" {
			pending = append(pending, line)
			continue
		}
		if len(pending) != 1 || !strings.HasPrefix(pending[0], "data: ") {
			return nil, fmt.Errorf("malformed event frame %q", pending)
		}
		var ev streamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(pending[0], "data: ")), &ev); err != nil {
			return nil, fmt.Errorf("decode event %q: %w", pending[0], err)
		}
		events = append(events, ev)
		pending = nil
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(pending) != 0 {
		return nil, fmt.Errorf("unterminated event frame %q", pending)
	}
	return events, nil
}

// streamedAnswer checks the start/chunk/end shape and joins the chunks.
func streamedAnswer(events []streamEvent) (string, error) {
	if len(events) < 2 || events[0].Type != eventStart || events[len(events)-1].Type != eventEnd {
		return "", fmt.Errorf("unexpected event sequence %+v", events)
	}
	var sb strings.Builder
	for _, ev := range events[1 : len(events)-1] {
		if ev.Type != eventChunk || ev.Content == "" {
			return "", fmt.Errorf("unexpected event %+v between start and end", ev)
		}
		sb.WriteString(ev.Content)
	}
	return sb.String(), nil
}
