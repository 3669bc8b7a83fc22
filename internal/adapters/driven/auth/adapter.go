package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Ensure Adapter implements AuthAdapter
var _ driven.AuthAdapter = (*Adapter)(nil)

// Issuer is the iss claim of service tokens.
const Issuer = "permitflow"

// serviceClaims is the JWT form of domain.TokenClaims. The client ID is the subject.
type serviceClaims struct {
	Scopes []string `json:"scopes"`
	jwt.RegisteredClaims
}

// Adapter hashes client secrets with bcrypt and signs HS256 service tokens.
type Adapter struct {
	signingKey []byte
	bcryptCost int
}

// NewAdapter creates a new auth adapter with the given signing key
func NewAdapter(signingKey string) *Adapter {
	return NewAdapterWithCost(signingKey, bcrypt.DefaultCost)
}

// NewAdapterWithCost creates a new auth adapter with custom bcrypt cost
func NewAdapterWithCost(signingKey string, bcryptCost int) *Adapter {
	return &Adapter{
		signingKey: []byte(signingKey),
		bcryptCost: bcryptCost,
	}
}

// HashSecret generates a bcrypt hash of a client secret
func (a *Adapter) HashSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), a.bcryptCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hash), nil
}

// VerifySecret checks a client secret against its bcrypt hash
func (a *Adapter) VerifySecret(secret, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// GenerateToken signs claims as an HS256 JWT
func (a *Adapter) GenerateToken(claims *domain.TokenClaims) (string, error) {
	if claims.ClientID == "" {
		return "", fmt.Errorf("%w: client id is required", domain.ErrInvalidInput)
	}
	sc := serviceClaims{
		Scopes: claims.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   claims.ClientID,
			IssuedAt:  jwt.NewNumericDate(unix(claims.IssuedAt)),
			ExpiresAt: jwt.NewNumericDate(unix(claims.ExpiresAt)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, sc).SignedString(a.signingKey)
}

// ParseToken verifies signature, issuer and expiry and returns the claims
func (a *Adapter) ParseToken(tokenString string) (*domain.TokenClaims, error) {
	var sc serviceClaims
	_, err := jwt.ParseWithClaims(tokenString, &sc,
		func(token *jwt.Token) (any, error) { return a.signingKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(Issuer),
		jwt.WithExpirationRequired(),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return nil, domain.ErrTokenExpired
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrTokenInvalid, err)
	}
	if sc.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", domain.ErrTokenInvalid)
	}

	claims := &domain.TokenClaims{
		ClientID:  sc.Subject,
		Scopes:    sc.Scopes,
		ExpiresAt: sc.ExpiresAt.Unix(),
	}
	if sc.IssuedAt != nil {
		claims.IssuedAt = sc.IssuedAt.Unix()
	}
	return claims, nil
}

func unix(sec int64) time.Time {
	return time.Unix(sec, 0)
}
