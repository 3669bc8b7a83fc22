package mocks

import (
	"fmt"
	"sync"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

var _ driven.AuthAdapter = (*MockAuthAdapter)(nil)

// MockAuthAdapter stores secrets unhashed and hands out opaque tokens that
// map to the claims they were issued with. Expiry is left to the caller,
// as with a token whose signature checks out.
type MockAuthAdapter struct {
	// GenerateErr, when set, fails every GenerateToken call.
	GenerateErr error

	mu     sync.Mutex
	issued map[string]domain.TokenClaims
}

func NewMockAuthAdapter() *MockAuthAdapter {
	return &MockAuthAdapter{issued: make(map[string]domain.TokenClaims)}
}

func (m *MockAuthAdapter) HashSecret(secret string) (string, error) { return secret, nil }

func (m *MockAuthAdapter) VerifySecret(secret, hash string) bool { return secret == hash }

func (m *MockAuthAdapter) GenerateToken(claims *domain.TokenClaims) (string, error) {
	if m.GenerateErr != nil {
		return "", m.GenerateErr
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	token := fmt.Sprintf("test-token-%d", len(m.issued)+1)
	m.issued[token] = *claims
	return token, nil
}

func (m *MockAuthAdapter) ParseToken(token string) (*domain.TokenClaims, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	claims, ok := m.issued[token]
	if !ok {
		return nil, domain.ErrTokenInvalid
	}
	return &claims, nil
}

// Revoke forgets a token so later parses fail as invalid.
func (m *MockAuthAdapter) Revoke(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.issued, token)
}
