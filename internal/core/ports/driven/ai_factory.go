package driven

import (
	"context"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// AIServiceFactory builds the classifier/evaluator model client and the
// guideline embedder from their settings. Both return (nil, nil) when the
// settings leave the service unconfigured.
type AIServiceFactory interface {
	CreateEmbeddingService(ctx context.Context, settings *domain.EmbeddingSettings) (EmbeddingService, error)
	CreateReasoningService(ctx context.Context, settings *domain.ReasoningSettings) (ReasoningService, error)
}
