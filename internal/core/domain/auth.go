package domain

import "time"

// Scopes granted to API clients.
const (
	ScopeIngest = "ingest"
	ScopeAdmin  = "admin"
)

// AuthContext contains the authenticated API client for request context
type AuthContext struct {
	ClientID string   `json:"client_id"`
	Scopes   []string `json:"scopes"`
}

// HasScope checks if the client was granted a scope
func (a *AuthContext) HasScope(scope string) bool {
	for _, s := range a.Scopes {
		if s == scope || s == ScopeAdmin {
			return true
		}
	}
	return false
}

// APIClient is a configured machine client (ingestion bridge, operator tooling).
type APIClient struct {
	ID         string   `json:"id"`
	SecretHash string   `json:"-"`
	Scopes     []string `json:"scopes"`
}

// TokenRequest exchanges client credentials for a bearer token
type TokenRequest struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret"`
}

// TokenResponse is returned after successful authentication
type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// TokenClaims represents the JWT token payload
type TokenClaims struct {
	ClientID  string   `json:"client_id"`
	Scopes    []string `json:"scopes"`
	IssuedAt  int64    `json:"iat"`
	ExpiresAt int64    `json:"exp"`
}
