package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

var _ driven.ReasoningService = (*OpenAIReasoning)(nil)

// OpenAIReasoning implements ReasoningService with chat completions.
type OpenAIReasoning struct {
	client *openAIClient
	model  string
}

// NewOpenAIReasoning creates a chat completions client.
func NewOpenAIReasoning(apiKey, model, baseURL string) (*OpenAIReasoning, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		return nil, fmt.Errorf("reasoning model is required")
	}
	return &OpenAIReasoning{
		// Callers bound each call with their own deadline.
		client: newOpenAIClient(apiKey, baseURL, 5*time.Minute),
		model:  model,
	}, nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float32         `json:"temperature"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message      chatMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
}

// Generate returns the content of the first choice. An empty answer is not
// an error here; the caller decides whether it is a valid response.
func (r *OpenAIReasoning) Generate(ctx context.Context, req driven.ReasoningRequest) (string, error) {
	body := chatRequest{
		Model:       r.model,
		Temperature: req.Temperature,
	}
	if req.System != "" {
		body.Messages = append(body.Messages, chatMessage{Role: "system", Content: req.System})
	}
	body.Messages = append(body.Messages, chatMessage{Role: "user", Content: req.Prompt})
	if req.JSON {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}

	var resp chatResponse
	if err := r.client.post(ctx, "/chat/completions", body, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Model returns the model name being used
func (r *OpenAIReasoning) Model() string {
	return r.model
}

// Ping is a no-op: a completion would spend quota.
func (r *OpenAIReasoning) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close releases idle connections.
func (r *OpenAIReasoning) Close() error {
	r.client.close()
	return nil
}
