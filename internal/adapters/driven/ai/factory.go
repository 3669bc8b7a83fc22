package ai

import (
	"context"
	"fmt"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

var _ driven.AIServiceFactory = (*Factory)(nil)

type (
	embeddingBuilder func(context.Context, *domain.EmbeddingSettings) (driven.EmbeddingService, error)
	reasoningBuilder func(context.Context, *domain.ReasoningSettings) (driven.ReasoningService, error)
)

// Factory builds the embedding and reasoning clients named by settings.
// Vertex serves reasoning only; guideline passages are embedded through an
// OpenAI-compatible endpoint.
type Factory struct {
	embedders map[domain.AIProvider]embeddingBuilder
	reasoners map[domain.AIProvider]reasoningBuilder
}

func NewFactory() *Factory {
	return &Factory{
		embedders: map[domain.AIProvider]embeddingBuilder{
			domain.AIProviderOpenAI: openAIEmbedder,
		},
		reasoners: map[domain.AIProvider]reasoningBuilder{
			domain.AIProviderOpenAI: openAIReasoner,
			domain.AIProviderVertex: vertexReasoner,
		},
	}
}

// CreateEmbeddingService returns nil, nil for absent or incomplete settings
// so callers can run without retrieval.
func (f *Factory) CreateEmbeddingService(ctx context.Context, settings *domain.EmbeddingSettings) (driven.EmbeddingService, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}
	build, ok := f.embedders[settings.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s embeddings", domain.ErrInvalidProvider, settings.Provider)
	}
	return build(ctx, settings)
}

// CreateReasoningService returns nil, nil for absent or incomplete settings.
func (f *Factory) CreateReasoningService(ctx context.Context, settings *domain.ReasoningSettings) (driven.ReasoningService, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}
	build, ok := f.reasoners[settings.Provider]
	if !ok {
		return nil, fmt.Errorf("%w: %s reasoning", domain.ErrInvalidProvider, settings.Provider)
	}
	return build(ctx, settings)
}

// The builders return untyped nil on error so a failed constructor never
// yields a non-nil interface holding a nil pointer.

func openAIEmbedder(_ context.Context, s *domain.EmbeddingSettings) (driven.EmbeddingService, error) {
	svc, err := NewOpenAIEmbedding(s.APIKey, s.Model, s.BaseURL)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func openAIReasoner(_ context.Context, s *domain.ReasoningSettings) (driven.ReasoningService, error) {
	svc, err := NewOpenAIReasoning(s.APIKey, s.Model, s.BaseURL)
	if err != nil {
		return nil, err
	}
	return svc, nil
}

func vertexReasoner(ctx context.Context, s *domain.ReasoningSettings) (driven.ReasoningService, error) {
	svc, err := NewVertexReasoning(ctx, s.ProjectID, s.Location, s.Model, s.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("vertex reasoning: %w", err)
	}
	return svc, nil
}
