package driven

import "github.com/custodia-labs/permitflow/internal/core/domain"

// AuthAdapter holds the cryptography behind service client credentials:
// bcrypt secret hashes from API_CLIENTS and HS256 bearer tokens.
type AuthAdapter interface {
	HashSecret(secret string) (string, error)
	VerifySecret(secret, hash string) bool

	GenerateToken(claims *domain.TokenClaims) (string, error)
	// ParseToken rejects bad signatures and expired tokens with
	// domain.ErrTokenInvalid / domain.ErrTokenExpired.
	ParseToken(token string) (*domain.TokenClaims, error)
}
