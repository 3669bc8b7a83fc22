package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

func TestNewOpenAIReasoning(t *testing.T) {
	_, err := NewOpenAIReasoning("", "gpt-4o-mini", "")
	assert.Error(t, err)

	_, err = NewOpenAIReasoning("sk-test", "", "")
	assert.Error(t, err)

	r, err := NewOpenAIReasoning("sk-test", "gpt-4o-mini", "")
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini", r.Model())
	assert.NoError(t, r.Ping(context.Background()))
	assert.NoError(t, r.Close())
}

func TestOpenAIReasoning_Generate(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"{\"category\":\"work-permit\"}"},"finish_reason":"stop"}]}`))
	}))
	defer server.Close()

	r, err := NewOpenAIReasoning("sk-test", "gpt-4o-mini", server.URL)
	require.NoError(t, err)

	out, err := r.Generate(context.Background(), driven.ReasoningRequest{
		System:      "classify",
		Prompt:      "text",
		Temperature: 0.3,
		JSON:        true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"category":"work-permit"}`, out)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.InDelta(t, 0.3, got.Temperature, 1e-6)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	require.NotNil(t, got.ResponseFormat)
	assert.Equal(t, "json_object", got.ResponseFormat.Type)
}

func TestOpenAIReasoning_NoChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	r, _ := NewOpenAIReasoning("sk-test", "gpt-4o-mini", server.URL)
	out, err := r.Generate(context.Background(), driven.ReasoningRequest{Prompt: "x"})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestOpenAIReasoning_Timeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	r, _ := NewOpenAIReasoning("sk-test", "gpt-4o-mini", server.URL)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := r.Generate(ctx, driven.ReasoningRequest{Prompt: "x"})
	assert.True(t, errors.Is(err, domain.ErrTimeout), "got %v", err)
}

func TestOpenAIReasoning_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	r, _ := NewOpenAIReasoning("sk-test", "gpt-4o-mini", server.URL)
	_, err := r.Generate(context.Background(), driven.ReasoningRequest{Prompt: "x"})
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}
