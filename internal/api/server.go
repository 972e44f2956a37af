// Package api exposes session, credential and processing operations over
// HTTP under /api.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"chatbridge/internal/domain"
	"chatbridge/internal/orchestrator"
	"chatbridge/internal/session"

	"github.com/golang-jwt/jwt/v5"
)

const maxBodySize = 8 << 20 // media may be inlined

// Accounts is the account and credential storage the API manages.
type Accounts interface {
	CreateAccount(ctx context.Context, acc domain.Account) error
	GetAccount(ctx context.Context, id string) (*domain.Account, error)
	PutCredential(ctx context.Context, rec domain.CredentialRecord) error
	GetCredential(ctx context.Context, accountID string) (*domain.CredentialRecord, error)
	DeleteCredential(ctx context.Context, accountID string) error
}

// Processor runs a bundle through the AI pipeline.
type Processor interface {
	Process(ctx context.Context, accountID string, bundle domain.Bundle, prefix string) orchestrator.Result
}

type Config struct {
	Addr      string
	Sessions  map[domain.Channel]*session.Registry
	Accounts  Accounts
	Processor Processor
	// JWTSecret enables HS256 bearer auth on /api/ routes when set.
	JWTSecret string
	DevRoutes bool
	// Metrics is served at MetricsPath when non-nil.
	Metrics     http.Handler
	MetricsPath string
	Logger      *slog.Logger
}

type Server struct {
	addr      string
	sessions  map[domain.Channel]*session.Registry
	accounts  Accounts
	processor Processor
	secret    []byte
	logger    *slog.Logger
	handler   http.Handler
	server    *http.Server
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		addr:      cfg.Addr,
		sessions:  cfg.Sessions,
		accounts:  cfg.Accounts,
		processor: cfg.Processor,
		logger:    cfg.Logger.With("component", "api"),
	}
	if cfg.JWTSecret != "" {
		s.secret = []byte(cfg.JWTSecret)
	}

	api := http.NewServeMux()
	// Channel names are literal segments so they never overlap the
	// /api/accounts routes.
	for _, ch := range domain.Channels {
		base := "/api/" + string(ch) + "/sessions"
		api.HandleFunc("GET "+base, s.channel(ch, s.handleListSessions))
		api.HandleFunc("POST "+base, s.channel(ch, s.handleCreateSession))
		api.HandleFunc("POST "+base+"/{id}/verify", s.channel(ch, s.handleVerify))
		api.HandleFunc("POST "+base+"/{id}/send", s.channel(ch, s.handleSend))
		api.HandleFunc("POST "+base+"/{id}/delete", s.channel(ch, s.handleDeleteSession))
		api.HandleFunc("DELETE "+base+"/{id}", s.channel(ch, s.handleDeleteSession))
	}
	api.HandleFunc("GET /api/accounts/{accountId}/credential", s.handleGetCredential)
	api.HandleFunc("POST /api/accounts/{accountId}/credential", s.handlePutCredential)
	api.HandleFunc("DELETE /api/accounts/{accountId}/credential", s.handleDeleteCredential)
	api.HandleFunc("GET /api/accounts/{accountId}/credential/status", s.handleCredentialStatus)
	api.HandleFunc("POST /api/ai/process", s.handleProcess)
	if cfg.DevRoutes {
		api.HandleFunc("POST /api/dev/accounts", s.handleCreateAccount)
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", s.requireAuth(api))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	if cfg.Metrics != nil {
		path := cfg.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		mux.Handle("GET "+path, cfg.Metrics)
	}
	s.handler = s.logRequests(mux)
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.handler }

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      150 * time.Second, // AI processing can be slow
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("API server started", "addr", s.addr)
	if err := s.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// requireAuth checks an HS256 bearer token with a non-empty sub claim.
func (s *Server) requireAuth(next http.Handler) http.Handler {
	if s.secret == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
			return s.secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil || !token.Valid {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		if sub, _ := token.Claims.GetSubject(); sub == "" {
			writeError(w, http.StatusUnauthorized, "token missing subject")
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type channelHandler func(w http.ResponseWriter, r *http.Request, reg *session.Registry)

// channel binds a handler to the registry of ch.
func (s *Server) channel(ch domain.Channel, h channelHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reg, ok := s.sessions[ch]
		if !ok {
			writeError(w, http.StatusNotFound, fmt.Sprintf("channel %s is not enabled", ch))
			return
		}
		h(w, r, reg)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad request")
		return false
	}
	if len(body) == 0 {
		return true
	}
	if err := json.Unmarshal(body, v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}

// statusFor maps error kinds onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, domain.ErrVerificationFailed):
		// A rejected code is a plain failure for the caller, not a bad gateway.
		return http.StatusInternalServerError
	case errors.Is(err, domain.ErrExternal):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error(op+" failed", "error", err)
	}
	writeError(w, status, domain.ErrMessage(err))
}
