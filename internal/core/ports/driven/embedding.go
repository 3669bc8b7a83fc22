package driven

import "context"

// EmbeddingService turns guideline passages and evaluation queries into
// vectors for the guideline index.
type EmbeddingService interface {
	// Embed vectorizes guideline passages at load time, one vector per text
	// in input order.
	Embed(ctx context.Context, texts []string) ([][]float32, error)

	// EmbedQuery vectorizes the retrieval query built from a classification.
	EmbedQuery(ctx context.Context, query string) ([]float32, error)

	// Dimensions is the vector size, or 0 until the model reports it.
	Dimensions() int
	Model() string

	HealthCheck(ctx context.Context) error
	Close() error
}
