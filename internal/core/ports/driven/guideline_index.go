package driven

import (
	"context"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// GuidelineIndex answers similarity queries over embedded guideline passages.
// Results are ordered by descending similarity, ties by insertion order, and
// hold at most k entries. A category with no passages yields an empty result.
type GuidelineIndex interface {
	// Search returns the k most similar passages of a category to the vector.
	Search(ctx context.Context, category domain.Category, vector []float32, k int) ([]domain.ScoredPassage, error)

	// Replace swaps the whole corpus. Queries see either the old or the new corpus.
	Replace(ctx context.Context, passages []*domain.GuidelinePassage) error

	// Stats describes the loaded corpus.
	Stats(ctx context.Context) (*domain.CorpusStats, error)
}

// GuidelineSource reads the raw guideline corpus.
type GuidelineSource interface {
	// Load returns the corpus documents in a stable order.
	Load(ctx context.Context) ([]GuidelineDocument, error)
}

// GuidelineDocument is one guideline file before chunking.
type GuidelineDocument struct {
	Name     string
	Title    string
	Category domain.Category
	MimeType string
	Content  string
}
