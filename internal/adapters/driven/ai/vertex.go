package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/api/option"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

var _ driven.ReasoningService = (*VertexReasoning)(nil)

// VertexReasoning implements ReasoningService with Gemini on Vertex AI.
type VertexReasoning struct {
	client *genai.Client
	model  string
}

// NewVertexReasoning creates a Gemini client. credentialsFile may be empty
// to use application default credentials.
func NewVertexReasoning(ctx context.Context, projectID, location, model, credentialsFile string) (*VertexReasoning, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}

	client, err := genai.NewClient(ctx, projectID, location, opts...)
	if err != nil {
		return nil, fmt.Errorf("genai.NewClient: %w", err)
	}
	return &VertexReasoning{client: client, model: model}, nil
}

// Generate sends one prompt. JSON requests set the JSON response MIME type.
func (v *VertexReasoning) Generate(ctx context.Context, req driven.ReasoningRequest) (string, error) {
	m := v.client.GenerativeModel(v.model)
	if req.System != "" {
		m.SystemInstruction = &genai.Content{
			Parts: []genai.Part{genai.Text(req.System)},
		}
	}
	m.GenerationConfig = genai.GenerationConfig{
		Temperature: genai.Ptr(req.Temperature),
	}
	if req.JSON {
		m.GenerationConfig.ResponseMIMEType = "application/json"
	}

	resp, err := m.GenerateContent(ctx, genai.Text(req.Prompt))
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: gemini generate: %v", domain.ErrServiceUnavailable, err)
	}
	return candidateText(resp), nil
}

// candidateText concatenates the text parts of the first candidate.
func candidateText(resp *genai.GenerateContentResponse) string {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return ""
	}
	var b strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if txt, ok := part.(genai.Text); ok {
			b.WriteString(string(txt))
		}
	}
	return strings.TrimSpace(b.String())
}

// Model returns the model name being used
func (v *VertexReasoning) Model() string {
	return v.model
}

// Ping is a no-op: a generation would spend quota.
func (v *VertexReasoning) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases the client.
func (v *VertexReasoning) Close() error {
	if v.client != nil {
		return v.client.Close()
	}
	return nil
}
