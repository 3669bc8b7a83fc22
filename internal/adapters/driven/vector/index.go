// Package vector provides an in-memory cosine-similarity guideline index.
package vector

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync/atomic"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.GuidelineIndex = (*Index)(nil)

type corpus struct {
	byCategory map[domain.Category][]*entry
	stats      domain.CorpusStats
}

type entry struct {
	passage *domain.GuidelinePassage
	norm    float64
}

// Index holds the loaded corpus behind an atomic pointer. Replace swaps the
// whole corpus, so searches never observe a partially loaded index.
type Index struct {
	current atomic.Pointer[corpus]
}

// New creates an empty index.
func New() *Index {
	return &Index{}
}

// Replace installs a new corpus. Every passage must carry an embedding of
// the same dimension.
func (i *Index) Replace(ctx context.Context, passages []*domain.GuidelinePassage) error {
	c := &corpus{
		byCategory: make(map[domain.Category][]*entry),
		stats:      domain.CorpusStats{Categories: make(map[domain.Category]int)},
	}
	docs := make(map[string]struct{})
	ids := make(map[string]struct{}, len(passages))

	for _, p := range passages {
		if len(p.Embedding) == 0 {
			return fmt.Errorf("%w: passage %s has no embedding", domain.ErrInvalidInput, p.ID)
		}
		if _, dup := ids[p.ID]; dup {
			return fmt.Errorf("%w: duplicate passage id %s", domain.ErrInvalidInput, p.ID)
		}
		ids[p.ID] = struct{}{}
		if c.stats.Dimensions == 0 {
			c.stats.Dimensions = len(p.Embedding)
		} else if len(p.Embedding) != c.stats.Dimensions {
			return fmt.Errorf("%w: passage %s has dimension %d, want %d",
				domain.ErrInvalidInput, p.ID, len(p.Embedding), c.stats.Dimensions)
		}
		c.byCategory[p.Category] = append(c.byCategory[p.Category], &entry{passage: p, norm: norm(p.Embedding)})
		c.stats.Categories[p.Category]++
		docs[p.Document] = struct{}{}
	}
	c.stats.Passages = len(passages)
	c.stats.Documents = len(docs)

	i.current.Store(c)
	return nil
}

// Search returns the k passages of category most similar to vector, by
// descending score with ties broken by corpus position.
func (i *Index) Search(ctx context.Context, category domain.Category, vector []float32, k int) ([]domain.ScoredPassage, error) {
	c := i.current.Load()
	if c == nil {
		return nil, domain.ErrIndexNotLoaded
	}
	if k <= 0 {
		return nil, nil
	}
	if len(vector) != c.stats.Dimensions && c.stats.Passages > 0 {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d",
			domain.ErrInvalidInput, len(vector), c.stats.Dimensions)
	}

	entries := c.byCategory[category]
	if len(entries) == 0 {
		return []domain.ScoredPassage{}, nil
	}

	qn := norm(vector)
	hits := make([]domain.ScoredPassage, 0, len(entries))
	for _, e := range entries {
		hits = append(hits, domain.ScoredPassage{
			Passage: e.passage,
			Score:   cosine(vector, qn, e.passage.Embedding, e.norm),
		})
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].Passage.Position < hits[b].Passage.Position
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Stats describes the loaded corpus.
func (i *Index) Stats(ctx context.Context) (*domain.CorpusStats, error) {
	c := i.current.Load()
	if c == nil {
		return nil, domain.ErrIndexNotLoaded
	}
	stats := c.stats
	stats.Categories = make(map[domain.Category]int, len(c.stats.Categories))
	for k, v := range c.stats.Categories {
		stats.Categories[k] = v
	}
	return &stats, nil
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
