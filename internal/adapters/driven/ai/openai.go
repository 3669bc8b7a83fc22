package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

const defaultOpenAIBaseURL = "https://api.openai.com/v1"

// openAIClient speaks the OpenAI-compatible JSON API shared by the
// embedding and chat adapters.
type openAIClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

func newOpenAIClient(apiKey, baseURL string, timeout time.Duration) *openAIClient {
	if baseURL == "" {
		baseURL = defaultOpenAIBaseURL
	}
	return &openAIClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// apiError is the error envelope of the API.
type apiError struct {
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error,omitempty"`
}

// post sends body to path and decodes the response into out. Network
// failures, throttling and 5xx responses wrap domain.ErrServiceUnavailable;
// an expired context wraps domain.ErrTimeout.
func (c *openAIClient) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: request failed: %v", domain.ErrServiceUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", domain.ErrServiceUnavailable, err)
	}

	if resp.StatusCode != http.StatusOK {
		msg := fmt.Sprintf("API returned status %d", resp.StatusCode)
		var envelope apiError
		if json.Unmarshal(respBody, &envelope) == nil && envelope.Error != nil {
			msg = fmt.Sprintf("%s: %s (type: %s)", msg, envelope.Error.Message, envelope.Error.Type)
		}
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			return fmt.Errorf("%w: %s", domain.ErrServiceUnavailable, msg)
		}
		return errors.New(msg)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func (c *openAIClient) close() {
	c.http.CloseIdleConnections()
}
