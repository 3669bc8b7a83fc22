package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driving"
)

type ctxKey int

const (
	authContextKey ctxKey = iota
	requestIDKey
)

const requestIDHeader = "X-Request-ID"

// AuthMiddleware resolves bearer tokens to the calling service client.
type AuthMiddleware struct {
	auth driving.AuthService
}

func NewAuthMiddleware(auth driving.AuthService) *AuthMiddleware {
	return &AuthMiddleware{auth: auth}
}

// Authenticate rejects requests without a valid token and stores the
// client's AuthContext on the request context.
func (m *AuthMiddleware) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		client, err := m.auth.ValidateToken(r.Context(), token)
		switch {
		case errors.Is(err, domain.ErrTokenExpired):
			writeError(w, http.StatusUnauthorized, "token expired")
		case err != nil:
			writeError(w, http.StatusUnauthorized, "invalid token")
		default:
			if rec, ok := w.(*statusRecorder); ok {
				rec.client = client
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), authContextKey, client)))
		}
	})
}

// RequireScope must run inside Authenticate. Admin clients pass every scope.
func (m *AuthMiddleware) RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := GetAuthContext(r.Context())
			switch {
			case client == nil:
				writeError(w, http.StatusUnauthorized, "unauthorized")
			case !client.HasScope(scope):
				writeError(w, http.StatusForbidden, "missing scope "+scope)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// GetAuthContext returns the authenticated client, or nil outside
// Authenticate.
func GetAuthContext(ctx context.Context) *domain.AuthContext {
	client, _ := ctx.Value(authContextKey).(*domain.AuthContext)
	return client
}

// RequestID returns the request's correlation id, or "".
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

func extractBearerToken(r *http.Request) string {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// WithRequestID keeps an incoming X-Request-ID or assigns a fresh one, and
// echoes it on the response.
func WithRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		w.Header().Set(requestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

// LoggingMiddleware writes one line per request; 5xx responses log at error
// level.
type LoggingMiddleware struct {
	logger *slog.Logger
}

func NewLoggingMiddleware(logger *slog.Logger) *LoggingMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingMiddleware{logger: logger}
}

func (m *LoggingMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(rec, r)

		level := slog.LevelInfo
		if rec.status() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		attrs := []slog.Attr{
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.Int("status", rec.status()),
			slog.Duration("elapsed", time.Since(start)),
		}
		if id := RequestID(r.Context()); id != "" {
			attrs = append(attrs, slog.String("request_id", id))
		}
		if client := rec.client; client != nil {
			attrs = append(attrs, slog.String("client_id", client.ClientID))
		}
		m.logger.LogAttrs(r.Context(), level, "http request", attrs...)
	})
}

// statusRecorder captures the response code. The request context seen by the
// logger never carries the client, so Authenticate records it here.
type statusRecorder struct {
	http.ResponseWriter
	code   int
	client *domain.AuthContext
}

func (s *statusRecorder) WriteHeader(code int) {
	if s.code == 0 {
		s.code = code
	}
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.code == 0 {
		s.code = http.StatusOK
	}
	return s.ResponseWriter.Write(b)
}

func (s *statusRecorder) status() int {
	if s.code == 0 {
		return http.StatusOK
	}
	return s.code
}

// RecoveryMiddleware answers 500 when a handler panics.
type RecoveryMiddleware struct {
	logger *slog.Logger
}

func NewRecoveryMiddleware(logger *slog.Logger) *RecoveryMiddleware {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryMiddleware{logger: logger}
}

func (m *RecoveryMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if v := recover(); v != nil {
				m.logger.Error("handler panic", "path", r.URL.Path, "request_id", RequestID(r.Context()), "panic", v)
				writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// CORSMiddleware allows browser calls from the listed origins; "*" allows
// any origin.
type CORSMiddleware struct {
	origins []string
}

func NewCORSMiddleware(origins []string) *CORSMiddleware {
	return &CORSMiddleware{origins: origins}
}

func (m *CORSMiddleware) allowed(origin string) bool {
	return origin != "" && (slices.Contains(m.origins, "*") || slices.Contains(m.origins, origin))
}

func (m *CORSMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); m.allowed(origin) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+requestIDHeader)
			h.Set("Access-Control-Expose-Headers", requestIDHeader)
			h.Set("Access-Control-Max-Age", "86400")
			h.Add("Vary", "Origin")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
