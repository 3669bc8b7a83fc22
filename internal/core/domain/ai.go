package domain

import "errors"

// ErrInvalidProvider indicates an unknown AI provider was configured
var ErrInvalidProvider = errors.New("invalid provider")

// AIProvider identifies an AI backend.
type AIProvider string

const (
	AIProviderOpenAI AIProvider = "openai"
	AIProviderVertex AIProvider = "vertex"
)

// EmbeddingSettings configures the embedding service.
type EmbeddingSettings struct {
	Provider AIProvider
	Model    string
	APIKey   string
	BaseURL  string
}

// IsConfigured reports whether enough is set to build a client.
func (s *EmbeddingSettings) IsConfigured() bool {
	return s.Provider != "" && s.Model != "" && (s.APIKey != "" || s.BaseURL != "")
}

// ReasoningSettings configures the reasoning (LLM) service.
type ReasoningSettings struct {
	Provider AIProvider
	Model    string

	// Vertex AI
	ProjectID       string
	Location        string
	CredentialsFile string

	// OpenAI-compatible chat completions
	APIKey  string
	BaseURL string
}

// IsConfigured reports whether enough is set to build a client.
func (s *ReasoningSettings) IsConfigured() bool {
	if s.Provider == "" || s.Model == "" {
		return false
	}
	switch s.Provider {
	case AIProviderVertex:
		return s.ProjectID != "" && s.Location != ""
	case AIProviderOpenAI:
		return s.APIKey != "" || s.BaseURL != ""
	}
	return true
}
