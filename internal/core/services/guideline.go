package services

import (
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/core/ports/driving"
	"github.com/custodia-labs/permitflow/internal/runtime"
)

// Ensure guidelineService implements GuidelineService
var _ driving.GuidelineService = (*guidelineService)(nil)

// guidelineService loads the guideline corpus into the index and answers
// retrieval queries. Passages are embedded once at load time.
type guidelineService struct {
	source    driven.GuidelineSource
	index     driven.GuidelineIndex
	pipeline  driven.PostProcessorPipeline
	services  *runtime.Services
	batchSize int
	logger    *slog.Logger

	loadMu sync.Mutex
}

// GuidelineServiceConfig holds dependencies for the guideline service.
type GuidelineServiceConfig struct {
	Source    driven.GuidelineSource
	Index     driven.GuidelineIndex
	Pipeline  driven.PostProcessorPipeline
	Services  *runtime.Services
	BatchSize int
	Logger    *slog.Logger
}

// NewGuidelineService creates a new GuidelineService
func NewGuidelineService(cfg GuidelineServiceConfig) driving.GuidelineService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 64
	}
	return &guidelineService{
		source:    cfg.Source,
		index:     cfg.Index,
		pipeline:  cfg.Pipeline,
		services:  cfg.Services,
		batchSize: batch,
		logger:    logger,
	}
}

// Load reads, chunks and embeds the whole corpus, then swaps it into the index.
// A failed load leaves the previous corpus in place.
func (s *guidelineService) Load(ctx context.Context) (*domain.CorpusStats, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	startTime := time.Now()

	embedder := s.services.EmbeddingService()
	if embedder == nil {
		return nil, fmt.Errorf("embedding service: %w", domain.ErrServiceUnavailable)
	}

	docs, err := s.source.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load guideline documents: %w", err)
	}

	var passages []*domain.GuidelinePassage
	owners := make(map[string]string, len(docs))
	for _, doc := range docs {
		slug := documentSlug(doc.Name)
		if other, taken := owners[slug]; taken {
			return nil, fmt.Errorf("%w: guideline files %s and %s both yield passage ids %s#n",
				domain.ErrInvalidInput, other, doc.Name, slug)
		}
		owners[slug] = doc.Name
		passages = append(passages, s.passagesOf(doc, slug, len(passages))...)
	}

	for start := 0; start < len(passages); start += s.batchSize {
		end := min(start+s.batchSize, len(passages))
		texts := make([]string, 0, end-start)
		for _, p := range passages[start:end] {
			texts = append(texts, p.Text)
		}
		vectors, err := embedder.Embed(ctx, texts)
		if err != nil {
			return nil, fmt.Errorf("embed passages: %w", err)
		}
		if len(vectors) != len(texts) {
			return nil, fmt.Errorf("embed passages: got %d vectors for %d texts", len(vectors), len(texts))
		}
		for i, v := range vectors {
			passages[start+i].Embedding = v
		}
	}

	if err := s.index.Replace(ctx, passages); err != nil {
		return nil, fmt.Errorf("replace index: %w", err)
	}
	s.services.Config().SetIndexLoaded(true)

	stats, err := s.index.Stats(ctx)
	if err != nil {
		return nil, err
	}

	if len(passages) == 0 {
		s.logger.Warn("guideline corpus is empty; every evaluation will be non-compliant")
	}
	s.logger.Info("guideline corpus loaded",
		"documents", len(docs),
		"passages", len(passages),
		"duration_seconds", time.Since(startTime).Seconds(),
	)
	return stats, nil
}

func (s *guidelineService) passagesOf(doc driven.GuidelineDocument, slug string, offset int) []*domain.GuidelinePassage {
	chunks := s.pipeline.Process(doc.Content)
	title := doc.Title
	if title == "" {
		title = doc.Name
	}

	passages := make([]*domain.GuidelinePassage, 0, len(chunks))
	for _, c := range chunks {
		text := strings.TrimSpace(c.Content)
		if text == "" {
			continue
		}
		passages = append(passages, &domain.GuidelinePassage{
			ID:       fmt.Sprintf("%s#%d", slug, len(passages)+1),
			Category: doc.Category,
			Document: title,
			Section:  c.Metadata[driven.ChunkMetadataSection],
			Text:     text,
			Position: offset + len(passages),
		})
	}
	return passages
}

// documentSlug turns the corpus-relative "Student Visa/Financial FAQ.md" into
// "student-visa/financial-faq". Every directory is kept so equal file names
// in different directories stay distinct.
func documentSlug(name string) string {
	name = strings.TrimSuffix(path.Clean(name), path.Ext(name))
	var parts []string
	for _, segment := range strings.Split(name, "/") {
		if s := slugSegment(segment); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, "/")
}

func slugSegment(segment string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(segment) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Query embeds text and returns the k most similar passages of category.
func (s *guidelineService) Query(ctx context.Context, category domain.Category, text string, k int) ([]domain.ScoredPassage, error) {
	embedder := s.services.EmbeddingService()
	if embedder == nil {
		return nil, fmt.Errorf("embedding service: %w", domain.ErrServiceUnavailable)
	}
	if !s.services.Config().IndexLoaded() {
		return nil, domain.ErrIndexNotLoaded
	}

	vector, err := embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	return s.index.Search(ctx, category, vector, k)
}

// Stats describes the loaded corpus.
func (s *guidelineService) Stats(ctx context.Context) (*domain.CorpusStats, error) {
	return s.index.Stats(ctx)
}
