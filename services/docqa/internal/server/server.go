package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"docqa/internal/ratelimit"
	"docqa/internal/util"
	"docqa/pkg/domain"
	"docqa/services/docqa/internal/app"
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App                        *app.App
	RedisAddr                  string
	RedisPassword              string
	SignupRateLimitPerMinute   int
	LoginRateLimitPerMinute    int
	UploadRateLimitPerMinute   int
	QuestionRateLimitPerMinute int
	MaxUploadBytes             int64
	AllowedOrigins             []string
	TrustedProxies             *util.TrustedProxies
}

// Server exposes the docqa HTTP API.
type Server struct {
	app             *app.App
	mux             *http.ServeMux
	maxUploadBytes  int64
	allowedOrigins  []string
	trustedProxies  *util.TrustedProxies
	signupLimiter   ratelimit.Limiter
	loginLimiter    ratelimit.Limiter
	uploadLimiter   ratelimit.Limiter
	questionLimiter ratelimit.Limiter
	closers         []io.Closer
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("server: app required")
	}
	s := &Server{
		app:            cfg.App,
		mux:            http.NewServeMux(),
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		allowedOrigins: cfg.AllowedOrigins,
		trustedProxies: cfg.TrustedProxies,
	}
	rateWindow := time.Minute
	newLimiter := func(name string, limit, fallback int) (ratelimit.Limiter, error) {
		if limit <= 0 {
			limit = fallback
		}
		prefix := "docqa:ratelimit:" + name
		limiter, err := ratelimit.NewRedisFixedWindowLimiter(cfg.RedisAddr, cfg.RedisPassword, prefix, limit, rateWindow)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("init %s limiter: %w", name, err)
		}
		s.closers = append(s.closers, limiter)
		return limiter, nil
	}
	var err error
	if s.signupLimiter, err = newLimiter("signup", cfg.SignupRateLimitPerMinute, 5); err != nil {
		return nil, err
	}
	if s.loginLimiter, err = newLimiter("login", cfg.LoginRateLimitPerMinute, 10); err != nil {
		return nil, err
	}
	if s.uploadLimiter, err = newLimiter("upload", cfg.UploadRateLimitPerMinute, 10); err != nil {
		return nil, err
	}
	if s.questionLimiter, err = newLimiter("question", cfg.QuestionRateLimitPerMinute, 30); err != nil {
		return nil, err
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithSecurityHeaders(
		util.WithCORS(s.allowedOrigins,
			util.WithRequestID(
				util.WithRequestLog(s.mux))))
}

// Close releases the rate limiter connections.
func (s *Server) Close() error {
	var errs []error
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	s.closers = nil
	return errors.Join(errs...)
}

type route struct {
	pattern string
	handler http.Handler
}

func (s *Server) routeTable() []route {
	return []route{
		{"GET /healthz", http.HandlerFunc(s.handleHealth)},

		// auth
		{"POST /api/auth/register", http.HandlerFunc(s.handleRegister)},
		{"POST /api/auth/login", http.HandlerFunc(s.handleLogin)},
		{"POST /api/auth/logout", http.HandlerFunc(s.handleLogout)},

		// dashboard, documents & questions (auth required)
		{"GET /api/dashboard", s.authenticated(s.handleDashboard)},
		{"GET /api/documents", s.authenticated(s.handleListDocuments)},
		{"POST /api/documents", s.authenticated(s.handleUpload)},
		{"POST /api/documents/cleanup", s.authenticated(s.handleCleanup)},
		{"DELETE /api/documents/{id}", s.authenticated(s.handleDeleteDocument)},
		{"GET /api/questions", s.authenticated(s.handleHistory)},
		{"POST /api/questions", s.authenticated(s.handleAsk)},
		{"POST /api/questions/stream", s.authenticated(s.handleAskStream)},
		{"DELETE /api/questions", s.authenticated(s.handleDeleteAllQuestions)},
		{"DELETE /api/questions/{id}", s.authenticated(s.handleDeleteQuestion)},
	}
}

func (s *Server) routes() {
	for _, r := range s.routeTable() {
		s.mux.Handle(r.pattern, r.handler)
	}
}

// Routes lists the served "METHOD /path" patterns.
func Routes() []string {
	table := (&Server{}).routeTable()
	out := make([]string, 0, len(table))
	for _, r := range table {
		out = append(out, r.pattern)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// auth wrappers
type authHandler func(http.ResponseWriter, *http.Request, domain.User)

func (s *Server) authenticated(next authHandler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			s.audit(r, "docqa.authorize", "fail", "reason", "missing_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		user, err := s.app.Authenticate(r.Context(), token)
		if err != nil {
			s.audit(r, "docqa.authorize", "fail", "reason", "invalid_token")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		ctx := util.ContextWithLogger(r.Context(), util.LoggerFromContext(r.Context()).With("user_id", user.ID))
		next(w, r.WithContext(ctx), user)
	})
}

// auth handlers
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.signupLimiter, "too many signup attempts") {
		s.audit(r, "docqa.register", "rate_limited")
		return
	}
	var req authRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "docqa.register", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, err := s.app.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "docqa.register", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "docqa.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "docqa.login", "rate_limited")
		return
	}
	var req authRequest
	if err := decodeJSON(r, &req); err != nil {
		s.audit(r, "docqa.login", "fail", "reason", "invalid_json")
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	user, token, err := s.app.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "docqa.login", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "docqa.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	token, ok := bearerToken(r)
	if !ok {
		s.audit(r, "docqa.logout", "fail", "reason", "missing_token")
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := s.app.Logout(r.Context(), token); err != nil {
		s.audit(r, "docqa.logout", "fail", "reason", err.Error())
		s.writeAppError(w, r, err)
		return
	}
	s.audit(r, "docqa.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request, user domain.User) {
	usage, err := s.app.Usage(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}

// documents
func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request, user domain.User) {
	if removed, err := s.app.CleanupOrphans(r.Context(), user); err != nil {
		util.LoggerFromContext(r.Context()).Warn("orphan cleanup failed", "err", err)
	} else if removed > 0 {
		util.LoggerFromContext(r.Context()).Info("orphan documents removed", "count", removed)
	}
	docs, err := s.app.ListDocuments(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": docs,
		"count": len(docs),
	})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.uploadLimiter, "too many uploads") {
		s.audit(r, "docqa.upload", "rate_limited", "user_id", user.ID)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read file")
		return
	}
	res, err := s.app.Upload(r.Context(), user, header.Filename, data)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	status := http.StatusCreated
	if res.AlreadyIndexed {
		status = http.StatusOK
	}
	writeJSON(w, status, uploadResponse{
		Document:       res.Document,
		AlreadyIndexed: res.AlreadyIndexed,
		Chunks:         res.Chunks,
	})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request, user domain.User) {
	removed, err := s.app.CleanupOrphans(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request, user domain.User) {
	err := s.app.Delete(r.Context(), user, r.PathValue("id"))
	switch {
	case errors.Is(err, app.ErrNotFound):
		writeJSON(w, http.StatusOK, map[string]string{"status": "already deleted"})
	case err != nil:
		s.writeAppError(w, r, err)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

// questions
func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.questionLimiter, "too many questions") {
		return
	}
	var req questionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	q, err := s.app.Ask(r.Context(), user, req.Document, req.Question)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleAskStream(w http.ResponseWriter, r *http.Request, user domain.User) {
	if !s.allowRate(w, r, s.questionLimiter, "too many questions") {
		return
	}
	var req questionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	stream, err := s.app.AskStream(r.Context(), user, req.Document, req.Question)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	sse := newEventWriter(w)
	if err := sse.send(streamEvent{Type: eventStart}); err != nil {
		return
	}
	for fragment, err := range stream {
		if err != nil {
			util.LoggerFromContext(r.Context()).Warn("answer stream failed", "err", err)
			_ = sse.send(streamEvent{Type: eventError, Message: app.ErrorText(err)})
			return
		}
		if fragment == "" {
			continue
		}
		if err := sse.send(streamEvent{Type: eventChunk, Content: fragment}); err != nil {
			// client went away; stopping the range cancels the stream
			return
		}
	}
	_ = sse.send(streamEvent{Type: eventEnd})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request, user domain.User) {
	questions, err := s.app.History(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items": questions,
		"count": len(questions),
	})
}

func (s *Server) handleDeleteAllQuestions(w http.ResponseWriter, r *http.Request, user domain.User) {
	deleted, err := s.app.DeleteAllQuestions(r.Context(), user)
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}

// DELETE /api/questions/{id}; ?partition= addresses the entry by store key.
func (s *Server) handleDeleteQuestion(w http.ResponseWriter, r *http.Request, user domain.User) {
	id := r.PathValue("id")
	var (
		ok  bool
		err error
	)
	if partition := r.URL.Query().Get("partition"); partition != "" {
		ok, err = s.app.DeleteQuestionByKey(r.Context(), user, partition, id)
		if errors.Is(err, app.ErrForbidden) {
			s.audit(r, "docqa.question.delete", "fail", "user_id", user.ID, "reason", "foreign_partition")
		}
	} else {
		ok, err = s.app.DeleteQuestion(r.Context(), user, id)
	}
	if err != nil {
		s.writeAppError(w, r, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "question not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type authRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type authResponse struct {
	Token string      `json:"token"`
	User  domain.User `json:"user"`
}

type uploadResponse struct {
	Document       domain.Document `json:"document"`
	AlreadyIndexed bool            `json:"alreadyIndexed"`
	Chunks         int             `json:"chunks"`
}

// questionRequest names the target document by file name.
type questionRequest struct {
	Document string `json:"document"`
	Question string `json:"question"`
}

func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst)
}

func bearerToken(r *http.Request) (string, bool) {
	authHeader := r.Header.Get("Authorization")
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", false
	}
	token := strings.TrimSpace(strings.TrimPrefix(authHeader, "Bearer "))
	if token == "" {
		return "", false
	}
	return token, true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeAppError maps application errors to status codes. Unclassified
// errors are logged and reported without detail.
func (s *Server) writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, app.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrEmailAlreadyExists):
		writeError(w, http.StatusConflict, "email already exists")
	case errors.Is(err, app.ErrDocumentNotReady):
		writeError(w, http.StatusConflict, "document is not indexed yet")
	case errors.Is(err, app.ErrMalformedDocument):
		writeError(w, http.StatusUnprocessableEntity, "document could not be read")
	case errors.Is(err, app.ErrExternalService):
		util.LoggerFromContext(r.Context()).Error("external service failure", "err", err)
		writeError(w, http.StatusBadGateway, "upstream service unavailable")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 50 * 1024 * 1024
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trustedProxies),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter ratelimit.Limiter, msg string) bool {
	key := r.URL.Path + "|" + util.ClientIP(r, s.trustedProxies)
	if limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
