package http

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected string
	}{
		{"valid bearer token", "Bearer abc123", "abc123"},
		{"bearer with extra spaces", "Bearer   token-with-spaces   ", "token-with-spaces"},
		{"lowercase bearer", "bearer token123", "token123"},
		{"empty header", "", ""},
		{"no bearer prefix", "token123", ""},
		{"basic auth", "Basic dXNlcjpwYXNz", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			if result := extractBearerToken(req); result != tt.expected {
				t.Errorf("expected %q, got %q", tt.expected, result)
			}
		})
	}
}

func TestGetAuthContext(t *testing.T) {
	if GetAuthContext(context.Background()) != nil {
		t.Error("expected nil for context without auth")
	}

	authCtx := &domain.AuthContext{ClientID: "ingest-bridge", Scopes: []string{domain.ScopeIngest}}
	ctx := context.WithValue(context.Background(), authContextKey, authCtx)
	result := GetAuthContext(ctx)
	if result == nil {
		t.Fatal("expected auth context to be returned")
	}
	if result.ClientID != "ingest-bridge" {
		t.Errorf("expected client ingest-bridge, got %s", result.ClientID)
	}
}

func TestAuthMiddleware_Authenticate(t *testing.T) {
	auth := &mockAuthService{
		validateTokenFn: func(ctx context.Context, token string) (*domain.AuthContext, error) {
			switch token {
			case "good":
				return &domain.AuthContext{ClientID: "c1", Scopes: []string{domain.ScopeIngest}}, nil
			case "old":
				return nil, domain.ErrTokenExpired
			}
			return nil, domain.ErrTokenInvalid
		},
	}
	m := NewAuthMiddleware(auth)

	var seen *domain.AuthContext
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetAuthContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name     string
		header   string
		wantCode int
		wantBody string
	}{
		{"valid", "Bearer good", http.StatusNoContent, ""},
		{"missing", "", http.StatusUnauthorized, "missing authorization token"},
		{"expired", "Bearer old", http.StatusUnauthorized, "token expired"},
		{"invalid", "Bearer nope", http.StatusUnauthorized, "invalid token"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			req := httptest.NewRequest("GET", "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rr := httptest.NewRecorder()
			m.Authenticate(next).ServeHTTP(rr, req)

			if rr.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rr.Code)
			}
			if tt.wantBody != "" && !strings.Contains(rr.Body.String(), tt.wantBody) {
				t.Errorf("body %q does not contain %q", rr.Body.String(), tt.wantBody)
			}
			if tt.wantCode == http.StatusNoContent && (seen == nil || seen.ClientID != "c1") {
				t.Error("expected auth context in handler")
			}
		})
	}
}

func TestAuthMiddleware_RequireScope(t *testing.T) {
	m := NewAuthMiddleware(&mockAuthService{})
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	tests := []struct {
		name     string
		authCtx  *domain.AuthContext
		scope    string
		wantCode int
	}{
		{"no context", nil, domain.ScopeIngest, http.StatusUnauthorized},
		{"granted", &domain.AuthContext{Scopes: []string{domain.ScopeIngest}}, domain.ScopeIngest, http.StatusOK},
		{"admin implies ingest", &domain.AuthContext{Scopes: []string{domain.ScopeAdmin}}, domain.ScopeIngest, http.StatusOK},
		{"ingest is not admin", &domain.AuthContext{Scopes: []string{domain.ScopeIngest}}, domain.ScopeAdmin, http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			if tt.authCtx != nil {
				req = req.WithContext(context.WithValue(req.Context(), authContextKey, tt.authCtx))
			}
			rr := httptest.NewRecorder()
			m.RequireScope(tt.scope)(next).ServeHTTP(rr, req)
			if rr.Code != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, rr.Code)
			}
		})
	}
}

func TestLoggingMiddleware(t *testing.T) {
	var buf bytes.Buffer
	middleware := NewLoggingMiddleware(slog.New(slog.NewTextHandler(&buf, nil)))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rr := httptest.NewRecorder()
	middleware.Handler(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("expected status 418, got %d", rr.Code)
	}
	out := buf.String()
	if !strings.Contains(out, "path=/test") || !strings.Contains(out, "status=418") {
		t.Errorf("unexpected log line: %s", out)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	middleware := NewRecoveryMiddleware(slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)))

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("test panic")
	})

	rr := httptest.NewRecorder()
	middleware.Handler(handler).ServeHTTP(rr, httptest.NewRequest("GET", "/test", nil))

	if rr.Code != http.StatusInternalServerError {
		t.Errorf("expected status 500, got %d", rr.Code)
	}
}

func TestCORSMiddleware(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("allowed origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "https://office.example")
		rr := httptest.NewRecorder()
		NewCORSMiddleware([]string{"https://office.example"}).Handler(next).ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://office.example" {
			t.Errorf("expected origin header, got %q", got)
		}
	})

	t.Run("other origin", func(t *testing.T) {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("Origin", "https://evil.example")
		rr := httptest.NewRecorder()
		NewCORSMiddleware([]string{"https://office.example"}).Handler(next).ServeHTTP(rr, req)

		if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
			t.Errorf("expected no origin header, got %q", got)
		}
	})

	t.Run("preflight", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodOptions, "/", nil)
		req.Header.Set("Origin", "https://office.example")
		rr := httptest.NewRecorder()
		NewCORSMiddleware([]string{"*"}).Handler(next).ServeHTTP(rr, req)

		if rr.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rr.Code)
		}
	})
}

func TestWithRequestID(t *testing.T) {
	var seen string
	handler := WithRequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if seen == "" || rr.Header().Get("X-Request-ID") != seen {
		t.Errorf("expected a generated id echoed on the response, got %q / %q", seen, rr.Header().Get("X-Request-ID"))
	}

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("X-Request-ID", "mail-bridge-42")
	rr = httptest.NewRecorder()
	handler.ServeHTTP(rr, req)
	if seen != "mail-bridge-42" {
		t.Errorf("expected incoming id to be kept, got %q", seen)
	}
}

func TestLoggingMiddleware_RecordsClientAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	auth := &mockAuthService{
		validateTokenFn: func(ctx context.Context, token string) (*domain.AuthContext, error) {
			return &domain.AuthContext{ClientID: "bridge", Scopes: []string{domain.ScopeIngest}}, nil
		},
	}
	m := NewAuthMiddleware(auth)
	inner := m.Authenticate(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	handler := WithRequestID(NewLoggingMiddleware(slog.New(slog.NewTextHandler(&buf, nil))).Handler(inner))

	req := httptest.NewRequest("POST", "/api/v1/submissions", nil)
	req.Header.Set("Authorization", "Bearer ingest")
	req.Header.Set("X-Request-ID", "req-7")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	out := buf.String()
	for _, want := range []string{"status=202", "client_id=bridge", "request_id=req-7"} {
		if !strings.Contains(out, want) {
			t.Errorf("log line %q missing %s", out, want)
		}
	}
}
