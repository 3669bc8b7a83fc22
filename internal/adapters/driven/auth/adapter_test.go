package auth

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

const testKey = "test-signing-key"

func newTestAdapter() *Adapter {
	return NewAdapterWithCost(testKey, bcrypt.MinCost)
}

func validClaims() *domain.TokenClaims {
	now := time.Now()
	return &domain.TokenClaims{
		ClientID:  "ingest-bridge",
		Scopes:    []string{domain.ScopeIngest},
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(time.Hour).Unix(),
	}
}

func TestNewAdapter(t *testing.T) {
	a := NewAdapter(testKey)
	if a.bcryptCost != bcrypt.DefaultCost {
		t.Errorf("bcryptCost = %d, want %d", a.bcryptCost, bcrypt.DefaultCost)
	}
	if string(a.signingKey) != testKey {
		t.Error("signing key not stored")
	}
}

func TestAdapter_Secrets(t *testing.T) {
	a := newTestAdapter()

	hash, err := a.HashSecret("s3cret")
	if err != nil {
		t.Fatalf("HashSecret: %v", err)
	}
	if hash == "s3cret" || !strings.HasPrefix(hash, "$2") {
		t.Errorf("unexpected hash %q", hash)
	}

	tests := []struct {
		secret string
		hash   string
		want   bool
	}{
		{"s3cret", hash, true},
		{"S3cret", hash, false},
		{"", hash, false},
		{"s3cret", "not-a-bcrypt-hash", false},
	}
	for _, tt := range tests {
		if got := a.VerifySecret(tt.secret, tt.hash); got != tt.want {
			t.Errorf("VerifySecret(%q, %q) = %v, want %v", tt.secret, tt.hash, got, tt.want)
		}
	}
}

func TestAdapter_TokenRoundTrip(t *testing.T) {
	a := newTestAdapter()
	claims := validClaims()

	token, err := a.GenerateToken(claims)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}
	got, err := a.ParseToken(token)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if got.ClientID != claims.ClientID {
		t.Errorf("ClientID = %q, want %q", got.ClientID, claims.ClientID)
	}
	if len(got.Scopes) != 1 || got.Scopes[0] != domain.ScopeIngest {
		t.Errorf("Scopes = %v", got.Scopes)
	}
	if got.IssuedAt != claims.IssuedAt || got.ExpiresAt != claims.ExpiresAt {
		t.Errorf("times = %d/%d, want %d/%d", got.IssuedAt, got.ExpiresAt, claims.IssuedAt, claims.ExpiresAt)
	}
}

func TestAdapter_GenerateToken_RequiresClient(t *testing.T) {
	_, err := newTestAdapter().GenerateToken(&domain.TokenClaims{ExpiresAt: time.Now().Add(time.Hour).Unix()})
	if !errors.Is(err, domain.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestAdapter_ParseToken_Rejects(t *testing.T) {
	a := newTestAdapter()

	expired := validClaims()
	expired.IssuedAt = time.Now().Add(-2 * time.Hour).Unix()
	expired.ExpiresAt = time.Now().Add(-time.Hour).Unix()
	expiredToken, err := a.GenerateToken(expired)
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	otherKey, err := NewAdapter("another-key").GenerateToken(validClaims())
	if err != nil {
		t.Fatalf("GenerateToken: %v", err)
	}

	foreignIssuer, err := jwt.NewWithClaims(jwt.SigningMethodHS256, serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   "ingest-bridge",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte(testKey))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	noExpiry, err := jwt.NewWithClaims(jwt.SigningMethodHS256, serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{Issuer: Issuer, Subject: "ingest-bridge"},
	}).SignedString([]byte(testKey))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, serviceClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   "ingest-bridge",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	tests := []struct {
		name    string
		token   string
		wantErr error
	}{
		{"expired", expiredToken, domain.ErrTokenExpired},
		{"wrong key", otherKey, domain.ErrTokenInvalid},
		{"wrong issuer", foreignIssuer, domain.ErrTokenInvalid},
		{"no expiry", noExpiry, domain.ErrTokenInvalid},
		{"alg none", noneAlg, domain.ErrTokenInvalid},
		{"garbage", "not.a.jwt", domain.ErrTokenInvalid},
		{"empty", "", domain.ErrTokenInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.ParseToken(tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
