package driving

import (
	"context"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// GuidelineService manages the guideline corpus and answers retrieval queries.
type GuidelineService interface {
	// Load reads, chunks and embeds the corpus and swaps it into the index
	Load(ctx context.Context) (*domain.CorpusStats, error)

	// Query returns the k passages of a category most similar to text
	Query(ctx context.Context, category domain.Category, text string, k int) ([]domain.ScoredPassage, error)

	// Stats describes the loaded corpus
	Stats(ctx context.Context) (*domain.CorpusStats, error)
}
