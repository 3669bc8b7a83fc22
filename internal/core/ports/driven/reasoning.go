package driven

import (
	"context"
)

// ReasoningRequest is one self-contained call to the reasoning service.
type ReasoningRequest struct {
	// System is the instruction prompt
	System string

	// Prompt is the user content
	Prompt string

	// Temperature is fixed per caller so repeated calls are reasonably stable
	Temperature float32

	// JSON asks the model for a JSON document
	JSON bool

	// Schema is an optional JSON schema for the response (providers that support it)
	Schema []byte
}

// ReasoningService is the external LLM used for classification and evaluation.
// Implementations wrap network failures with domain.ErrServiceUnavailable and
// deadline expiry with domain.ErrTimeout.
type ReasoningService interface {
	// Generate returns the raw text of the first candidate
	Generate(ctx context.Context, req ReasoningRequest) (string, error)

	// Model returns the model name being used
	Model() string

	// Ping verifies the service is available
	Ping(ctx context.Context) error

	// Close releases resources held by the service
	Close() error
}
