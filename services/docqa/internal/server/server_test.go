package server

import (
	"net/http"
	"strings"
	"sync"
	"testing"

	"docqa/pkg/domain"
)

const notesText = "%PDF Go channels carry values between goroutines. A select statement waits on several channel operations."

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, resp, http.StatusOK)
	if got := resp.Header.Get("X-Content-Type-Options"); got != "nosniff" {
		t.Fatalf("expected security headers, got X-Content-Type-Options=%q", got)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Fatalf("expected generated request id")
	}
	resp.Body.Close()
}

func TestServerRequiresRedisRateLimiter(t *testing.T) {
	core, _ := newTestApp(t)
	if _, err := New(Config{App: core}); err == nil {
		t.Fatalf("expected redis-backed limiter initialization to fail without redis addr")
	}
	if _, err := New(Config{RedisAddr: "127.0.0.1:6379"}); err == nil {
		t.Fatalf("expected error without app")
	}
}

func TestAuthenticatedRoutesRequireValidSession(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodGet, "/api/documents", "", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/documents", "not-a-jwt", nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	token := ts.signIn(t, "reader@example.com")
	resp = ts.do(t, http.MethodGet, "/api/documents", token, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/auth/logout", token, nil)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/documents", token, nil)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestRegisterAndLoginErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.signIn(t, "dup@example.com")

	resp := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "dup@example.com", "password": "Str0ng!Passw0rd"})
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "not an email", "password": "Str0ng!Passw0rd"})
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "dup@example.com", "password": "wrong-password"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/auth/login", "", map[string]string{"email": "nobody@example.com", "password": "Str0ng!Passw0rd"})
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()
}

func TestLoginRateLimit(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.LoginRateLimitPerMinute = 1 })
	body := map[string]string{"email": "u@example.com", "password": "pass"}

	resp := ts.do(t, http.MethodPost, "/api/auth/login", "", body)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/auth/login", "", body)
	expectStatus(t, resp, http.StatusTooManyRequests)
	if resp.Header.Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After header, got %q", resp.Header.Get("Retry-After"))
	}
	resp.Body.Close()
}

func TestRateLimiterFailsClosedWhenRedisDown(t *testing.T) {
	ts := newTestServer(t)
	ts.redis.Close()

	resp := ts.do(t, http.MethodPost, "/api/auth/register", "", map[string]string{"email": "u@example.com", "password": "Str0ng!Passw0rd"})
	expectStatus(t, resp, http.StatusTooManyRequests)
	resp.Body.Close()
}

func TestUploadAndAsk(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "reader@example.com")

	resp := ts.upload(t, token, "notes.pdf", []byte(notesText))
	expectStatus(t, resp, http.StatusCreated)
	var up uploadResponse
	decodeBody(t, resp, &up)
	if up.Document.Status != domain.StatusIndexed || up.Chunks == 0 {
		t.Fatalf("unexpected upload result %+v", up)
	}

	resp = ts.upload(t, token, "notes.pdf", []byte(notesText))
	expectStatus(t, resp, http.StatusOK)
	decodeBody(t, resp, &up)
	if !up.AlreadyIndexed {
		t.Fatalf("expected second upload to be a no-op")
	}

	resp = ts.upload(t, token, "notes.txt", []byte("plain text"))
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = ts.upload(t, token, "broken.pdf", []byte("not a pdf"))
	expectStatus(t, resp, http.StatusUnprocessableEntity)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/questions", token, questionRequest{Document: "notes.pdf", Question: "How do channels work?"})
	expectStatus(t, resp, http.StatusOK)
	var q domain.Question
	decodeBody(t, resp, &q)
	if q.Answer != ts.model.answer {
		t.Fatalf("answer = %q, want %q", q.Answer, ts.model.answer)
	}
	if q.ID == "" || q.FileName != "notes.pdf" {
		t.Fatalf("expected recorded question, got %+v", q)
	}

	cases := []struct {
		req  questionRequest
		want int
	}{
		{questionRequest{Document: "broken.pdf", Question: "anything?"}, http.StatusConflict},
		{questionRequest{Document: "missing.pdf", Question: "anything?"}, http.StatusNotFound},
		{questionRequest{Document: "notes.pdf", Question: "   "}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		resp = ts.do(t, http.MethodPost, "/api/questions", token, tc.req)
		expectStatus(t, resp, tc.want)
		resp.Body.Close()
	}

	resp = ts.do(t, http.MethodGet, "/api/questions", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var history struct {
		Items []domain.Question `json:"items"`
		Count int               `json:"count"`
	}
	decodeBody(t, resp, &history)
	if history.Count != 1 || history.Items[0].ID != q.ID {
		t.Fatalf("unexpected history %+v", history)
	}
}

func TestUploadRejectsOversizedBody(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.MaxUploadBytes = 1024 })
	token := ts.signIn(t, "reader@example.com")

	resp := ts.upload(t, token, "big.pdf", []byte("%PDF"+strings.Repeat("x", 4096)))
	expectStatus(t, resp, http.StatusRequestEntityTooLarge)
	resp.Body.Close()
}

func TestAskStreamFramesEvents(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "reader@example.com")
	resp := ts.upload(t, token, "notes.pdf", []byte(notesText))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	resp = ts.do(t, http.MethodPost, "/api/questions/stream", token, questionRequest{Document: "notes.pdf", Question: "How do channels work?"})
	expectStatus(t, resp, http.StatusOK)
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	events := readEvents(t, resp.Body)
	resp.Body.Close()
	got, err := streamedAnswer(events)
	if err != nil {
		t.Fatal(err)
	}
	if got != ts.model.answer {
		t.Fatalf("streamed answer = %q, want %q", got, ts.model.answer)
	}
	if len(events) < 4 {
		t.Fatalf("expected the answer in several chunks, got %d events", len(events))
	}

	resp = ts.do(t, http.MethodGet, "/api/questions", token, nil)
	var history struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &history)
	if history.Count != 1 {
		t.Fatalf("expected streamed exchange to be recorded, count=%d", history.Count)
	}
}

func TestAskStreamRejectsBeforeStreaming(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "reader@example.com")

	resp := ts.do(t, http.MethodPost, "/api/questions/stream", token, questionRequest{Document: "missing.pdf", Question: "anything?"})
	expectStatus(t, resp, http.StatusNotFound)
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected JSON error before streaming, got %q", ct)
	}
	resp.Body.Close()
}

func TestAskStreamModelFailureEndsWithError(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "reader@example.com")
	resp := ts.upload(t, token, "notes.pdf", []byte(notesText))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	ts.model.failAfter.Store(3)

	resp = ts.do(t, http.MethodPost, "/api/questions/stream", token, questionRequest{Document: "notes.pdf", Question: "How do channels work?"})
	expectStatus(t, resp, http.StatusOK)
	events := readEvents(t, resp.Body)
	resp.Body.Close()
	if len(events) < 2 || events[0].Type != eventStart {
		t.Fatalf("unexpected events %+v", events)
	}
	last := events[len(events)-1]
	if last.Type != eventError || !strings.HasPrefix(last.Message, "Error: ") || !strings.Contains(last.Message, "model overloaded") {
		t.Fatalf("expected terminal error event, got %+v", last)
	}
	for _, ev := range events {
		if ev.Type == eventEnd {
			t.Fatalf("failed stream must not emit end: %+v", events)
		}
	}

	resp = ts.do(t, http.MethodGet, "/api/questions", token, nil)
	var history struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &history)
	if history.Count != 0 {
		t.Fatalf("failed stream must not be recorded, count=%d", history.Count)
	}
}

func TestConcurrentStreamsStayIndependent(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "reader@example.com")
	resp := ts.upload(t, token, "notes.pdf", []byte(notesText))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()

	const streams = 8
	var wg sync.WaitGroup
	errs := make(chan error, streams)
	answers := make(chan string, streams)
	for range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodPost, ts.URL+"/api/questions/stream",
				strings.NewReader(`{"document":"notes.pdf","question":"What does select do?"}`))
			if err != nil {
				errs <- err
				return
			}
			req.Header.Set("Authorization", "Bearer "+token)
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				errs <- err
				return
			}
			defer resp.Body.Close()
			events, err := parseEvents(resp.Body)
			if err != nil {
				errs <- err
				return
			}
			got, err := streamedAnswer(events)
			if err != nil {
				errs <- err
				return
			}
			answers <- got
		}()
	}
	wg.Wait()
	close(errs)
	close(answers)
	for err := range errs {
		t.Fatalf("stream failed: %v", err)
	}
	n := 0
	for got := range answers {
		n++
		if got != ts.model.answer {
			t.Fatalf("stream answer = %q, want %q", got, ts.model.answer)
		}
	}
	if n != streams {
		t.Fatalf("completed %d streams, want %d", n, streams)
	}
}

func TestDeleteDocumentAndQuestions(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "reader@example.com")
	resp := ts.upload(t, token, "notes.pdf", []byte(notesText))
	expectStatus(t, resp, http.StatusCreated)
	var up uploadResponse
	decodeBody(t, resp, &up)

	var ids []string
	for _, question := range []string{"first?", "second?", "third?"} {
		resp = ts.do(t, http.MethodPost, "/api/questions", token, questionRequest{Document: "notes.pdf", Question: question})
		expectStatus(t, resp, http.StatusOK)
		var q domain.Question
		decodeBody(t, resp, &q)
		ids = append(ids, q.ID)
	}

	resp = ts.do(t, http.MethodDelete, "/api/questions/"+ids[0]+"?partition=someone-else", token, nil)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, "/api/questions/"+ids[0]+"?partition="+up.Document.UserID, token, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, "/api/questions/"+ids[0], token, nil)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = ts.do(t, http.MethodDelete, "/api/questions", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var deleted map[string]int
	decodeBody(t, resp, &deleted)
	if deleted["deleted"] != 2 {
		t.Fatalf("deleted = %d, want 2", deleted["deleted"])
	}

	resp = ts.do(t, http.MethodDelete, "/api/documents/"+up.Document.ID, token, nil)
	expectStatus(t, resp, http.StatusOK)
	var status map[string]string
	decodeBody(t, resp, &status)
	if status["status"] != "deleted" {
		t.Fatalf("status = %q, want deleted", status["status"])
	}

	resp = ts.do(t, http.MethodDelete, "/api/documents/"+up.Document.ID, token, nil)
	expectStatus(t, resp, http.StatusOK)
	status = nil
	decodeBody(t, resp, &status)
	if status["status"] != "already deleted" {
		t.Fatalf("status = %q, want already deleted", status["status"])
	}

	resp = ts.do(t, http.MethodPost, "/api/questions", token, questionRequest{Document: "notes.pdf", Question: "still there?"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestDashboardReportsUsage(t *testing.T) {
	ts := newTestServer(t)
	token := ts.signIn(t, "reader@example.com")
	resp := ts.upload(t, token, "notes.pdf", []byte(notesText))
	expectStatus(t, resp, http.StatusCreated)
	resp.Body.Close()
	resp = ts.do(t, http.MethodPost, "/api/questions", token, questionRequest{Document: "notes.pdf", Question: "How do channels work?"})
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = ts.do(t, http.MethodGet, "/api/dashboard", token, nil)
	expectStatus(t, resp, http.StatusOK)
	var usage domain.Usage
	decodeBody(t, resp, &usage)
	if usage.TotalDocuments != 1 || usage.TotalQuestions != 1 {
		t.Fatalf("unexpected usage %+v", usage)
	}
	if usage.UsedBytes != int64(len(notesText)) {
		t.Fatalf("usedBytes = %d, want %d", usage.UsedBytes, len(notesText))
	}
	if len(usage.RecentDocuments) != 1 || len(usage.RecentQuestions) != 1 {
		t.Fatalf("unexpected recent items %+v", usage)
	}
}

func TestDocumentsAreScopedToOwner(t *testing.T) {
	ts := newTestServer(t)
	alice := ts.signIn(t, "alice@example.com")
	bob := ts.signIn(t, "bob@example.com")
	resp := ts.upload(t, alice, "notes.pdf", []byte(notesText))
	expectStatus(t, resp, http.StatusCreated)
	var up uploadResponse
	decodeBody(t, resp, &up)

	resp = ts.do(t, http.MethodGet, "/api/documents", bob, nil)
	expectStatus(t, resp, http.StatusOK)
	var list struct {
		Count int `json:"count"`
	}
	decodeBody(t, resp, &list)
	if list.Count != 0 {
		t.Fatalf("bob sees %d documents, want 0", list.Count)
	}

	// bob's partition has no such row; alice's document is untouched
	resp = ts.do(t, http.MethodDelete, "/api/documents/"+up.Document.ID, bob, nil)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = ts.do(t, http.MethodGet, "/api/documents", alice, nil)
	expectStatus(t, resp, http.StatusOK)
	list.Count = 0
	decodeBody(t, resp, &list)
	if list.Count != 1 {
		t.Fatalf("alice sees %d documents after bob's delete, want 1", list.Count)
	}

	resp = ts.do(t, http.MethodPost, "/api/questions", bob, questionRequest{Document: "notes.pdf", Question: "mine?"})
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestCORSPreflight(t *testing.T) {
	ts := newTestServer(t, func(cfg *Config) { cfg.AllowedOrigins = []string{"https://app.example.com"} })
	req, err := http.NewRequest(http.MethodOptions, ts.URL+"/api/documents", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("preflight status %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allow origin = %q", got)
	}
}
