package services

import (
	"context"
	"errors"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/core/ports/driving"
)

// Ensure authService implements AuthService
var _ driving.AuthService = (*authService)(nil)

// DefaultTokenTTL is the lifetime of issued bearer tokens.
const DefaultTokenTTL = time.Hour

// authService authenticates the configured API clients (the ingestion
// bridge and operator tooling) and issues short-lived bearer tokens.
type authService struct {
	clients     map[string]domain.APIClient
	authAdapter driven.AuthAdapter
	tokenTTL    time.Duration
}

// NewAuthService creates a new AuthService. Clients carry bcrypt hashes of
// their secrets; a zero ttl uses DefaultTokenTTL.
func NewAuthService(clients []domain.APIClient, authAdapter driven.AuthAdapter, ttl time.Duration) driving.AuthService {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	byID := make(map[string]domain.APIClient, len(clients))
	for _, c := range clients {
		byID[c.ID] = c
	}
	return &authService{
		clients:     byID,
		authAdapter: authAdapter,
		tokenTTL:    ttl,
	}
}

// IssueToken validates client credentials and returns a bearer token
func (s *authService) IssueToken(ctx context.Context, req domain.TokenRequest) (*domain.TokenResponse, error) {
	if req.ClientID == "" || req.ClientSecret == "" {
		return nil, domain.ErrInvalidInput
	}

	client, ok := s.clients[req.ClientID]
	if !ok {
		return nil, domain.ErrInvalidCredentials
	}
	if !s.authAdapter.VerifySecret(req.ClientSecret, client.SecretHash) {
		return nil, domain.ErrInvalidCredentials
	}

	now := time.Now()
	expiresAt := now.Add(s.tokenTTL)
	claims := &domain.TokenClaims{
		ClientID:  client.ID,
		Scopes:    client.Scopes,
		IssuedAt:  now.Unix(),
		ExpiresAt: expiresAt.Unix(),
	}

	token, err := s.authAdapter.GenerateToken(claims)
	if err != nil {
		return nil, err
	}

	return &domain.TokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
	}, nil
}

// ValidateToken validates a JWT token and returns the auth context.
// Tokens of clients removed from configuration stop working immediately.
func (s *authService) ValidateToken(ctx context.Context, token string) (*domain.AuthContext, error) {
	if token == "" {
		return nil, domain.ErrTokenInvalid
	}

	claims, err := s.authAdapter.ParseToken(token)
	if errors.Is(err, domain.ErrTokenExpired) {
		return nil, domain.ErrTokenExpired
	}
	if err != nil {
		return nil, domain.ErrTokenInvalid
	}

	if time.Now().Unix() > claims.ExpiresAt {
		return nil, domain.ErrTokenExpired
	}

	client, ok := s.clients[claims.ClientID]
	if !ok {
		return nil, domain.ErrUnauthorized
	}

	return &domain.AuthContext{
		ClientID: client.ID,
		Scopes:   client.Scopes,
	}, nil
}
