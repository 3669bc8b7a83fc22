package driving

import (
	"context"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// AuthService authenticates API clients
type AuthService interface {
	// IssueToken validates client credentials and returns a bearer token
	IssueToken(ctx context.Context, req domain.TokenRequest) (*domain.TokenResponse, error)

	// ValidateToken validates a JWT token and returns the auth context
	ValidateToken(ctx context.Context, token string) (*domain.AuthContext, error)
}
