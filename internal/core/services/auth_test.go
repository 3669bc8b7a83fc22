package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven/mocks"
)

func newTestAuthService() (*mocks.MockAuthAdapter, *authService) {
	authAdapter := mocks.NewMockAuthAdapter()
	clients := []domain.APIClient{
		{ID: "ingest-bridge", SecretHash: "bridge-secret", Scopes: []string{domain.ScopeIngest}},
		{ID: "ops", SecretHash: "ops-secret", Scopes: []string{domain.ScopeAdmin}},
	}
	svc := NewAuthService(clients, authAdapter, 0).(*authService)
	return authAdapter, svc
}

func TestAuthService_IssueToken(t *testing.T) {
	_, svc := newTestAuthService()

	tests := []struct {
		name    string
		req     domain.TokenRequest
		wantErr error
	}{
		{
			name:    "valid credentials",
			req:     domain.TokenRequest{ClientID: "ingest-bridge", ClientSecret: "bridge-secret"},
			wantErr: nil,
		},
		{
			name:    "empty client id",
			req:     domain.TokenRequest{ClientSecret: "bridge-secret"},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "empty secret",
			req:     domain.TokenRequest{ClientID: "ingest-bridge"},
			wantErr: domain.ErrInvalidInput,
		},
		{
			name:    "wrong secret",
			req:     domain.TokenRequest{ClientID: "ingest-bridge", ClientSecret: "ops-secret"},
			wantErr: domain.ErrInvalidCredentials,
		},
		{
			name:    "unknown client",
			req:     domain.TokenRequest{ClientID: "stranger", ClientSecret: "bridge-secret"},
			wantErr: domain.ErrInvalidCredentials,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := svc.IssueToken(context.Background(), tt.req)

			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("expected error %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if resp.Token == "" {
				t.Error("expected token")
			}
			if time.Until(resp.ExpiresAt) > DefaultTokenTTL || time.Until(resp.ExpiresAt) < DefaultTokenTTL-time.Minute {
				t.Errorf("unexpected expiry %v", resp.ExpiresAt)
			}
		})
	}
}

func TestAuthService_IssueToken_GenerateError(t *testing.T) {
	adapter, svc := newTestAuthService()
	adapter.GenerateErr = errors.New("signing key missing")

	_, err := svc.IssueToken(context.Background(), domain.TokenRequest{ClientID: "ops", ClientSecret: "ops-secret"})
	if err == nil {
		t.Error("expected error")
	}
}

func TestAuthService_ValidateToken(t *testing.T) {
	_, svc := newTestAuthService()

	resp, err := svc.IssueToken(context.Background(), domain.TokenRequest{ClientID: "ingest-bridge", ClientSecret: "bridge-secret"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}

	authCtx, err := svc.ValidateToken(context.Background(), resp.Token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if authCtx.ClientID != "ingest-bridge" {
		t.Errorf("expected ingest-bridge, got %s", authCtx.ClientID)
	}
	if !authCtx.HasScope(domain.ScopeIngest) {
		t.Error("expected ingest scope")
	}
	if authCtx.HasScope(domain.ScopeAdmin) {
		t.Error("expected no admin scope")
	}
}

func TestAuthService_ValidateToken_Errors(t *testing.T) {
	adapter, svc := newTestAuthService()

	expired, _ := adapter.GenerateToken(&domain.TokenClaims{
		ClientID:  "ops",
		IssuedAt:  time.Now().Add(-2 * time.Hour).Unix(),
		ExpiresAt: time.Now().Add(-time.Hour).Unix(),
	})
	revoked, _ := adapter.GenerateToken(&domain.TokenClaims{
		ClientID:  "removed-client",
		ExpiresAt: time.Now().Add(time.Hour).Unix(),
	})

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"empty", "", domain.ErrTokenInvalid},
		{"garbage", "not-a-token!", domain.ErrTokenInvalid},
		{"expired", expired, domain.ErrTokenExpired},
		{"unknown client", revoked, domain.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.ValidateToken(context.Background(), tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestAuthContext_AdminHasEveryScope(t *testing.T) {
	_, svc := newTestAuthService()

	resp, err := svc.IssueToken(context.Background(), domain.TokenRequest{ClientID: "ops", ClientSecret: "ops-secret"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	authCtx, err := svc.ValidateToken(context.Background(), resp.Token)
	if err != nil {
		t.Fatalf("validate failed: %v", err)
	}
	if !authCtx.HasScope(domain.ScopeIngest) {
		t.Error("expected admin to pass ingest scope checks")
	}
}

func TestAuthService_ValidateToken_Revoked(t *testing.T) {
	adapter, svc := newTestAuthService()

	resp, err := svc.IssueToken(context.Background(), domain.TokenRequest{ClientID: "ops", ClientSecret: "ops-secret"})
	if err != nil {
		t.Fatalf("issue failed: %v", err)
	}
	adapter.Revoke(resp.Token)

	if _, err := svc.ValidateToken(context.Background(), resp.Token); !errors.Is(err, domain.ErrTokenInvalid) {
		t.Errorf("expected ErrTokenInvalid, got %v", err)
	}
}
