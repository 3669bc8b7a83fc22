// Package milvus stores the guideline corpus in a Milvus collection.
//
// Each Replace writes a fresh collection named <prefix>_<unix-nanos> and only
// then switches searches over to it, so queries see either the old or the
// new corpus. Superseded collections are dropped afterwards.
package milvus

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/milvus-io/milvus/client/v2/column"
	"github.com/milvus-io/milvus/client/v2/entity"
	"github.com/milvus-io/milvus/client/v2/index"
	"github.com/milvus-io/milvus/client/v2/milvusclient"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.GuidelineIndex = (*GuidelineIndex)(nil)

const (
	fieldID         = "id"
	fieldEmbedding  = "embedding"
	fieldPassageID  = "passage_id"
	fieldCategory   = "category"
	fieldDocument   = "document"
	fieldSection    = "section"
	fieldText       = "text"
	fieldPosition   = "position"
	maxTextLength   = 65535
	insertBatchSize = 512

	// Passage ids carry the corpus-relative path of their file.
	maxPassageIDLength = 256
)

var outputFields = []string{fieldPassageID, fieldCategory, fieldDocument, fieldSection, fieldText, fieldPosition}

// Config holds Milvus connection settings.
type Config struct {
	Address  string
	Username string
	Password string
	Database string
	// Prefix names the corpus collections. Defaults to "guidelines".
	Prefix  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// GuidelineIndex implements driven.GuidelineIndex on Milvus.
type GuidelineIndex struct {
	client  *milvusclient.Client
	prefix  string
	logger  *slog.Logger
	mu      sync.RWMutex
	active  string
	stats   *domain.CorpusStats
	replace sync.Mutex
}

// New connects to Milvus and picks up the newest existing corpus collection.
func New(ctx context.Context, cfg Config) (*GuidelineIndex, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("milvus address is required")
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "guidelines"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	connectCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	client, err := milvusclient.New(connectCtx, &milvusclient.ClientConfig{
		Address:  cfg.Address,
		Username: cfg.Username,
		Password: cfg.Password,
		DBName:   cfg.Database,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to milvus: %v", domain.ErrServiceUnavailable, err)
	}

	idx := &GuidelineIndex{client: client, prefix: cfg.Prefix, logger: logger}
	if err := idx.discover(connectCtx); err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	return idx, nil
}

// discover adopts the newest collection left by a previous process.
func (g *GuidelineIndex) discover(ctx context.Context) error {
	names, err := g.client.ListCollections(ctx, milvusclient.NewListCollectionOption())
	if err != nil {
		return fmt.Errorf("failed to list collections: %w", err)
	}
	latest := latestCollection(names, g.prefix)
	if latest == "" {
		return nil
	}

	rows, err := g.rowCount(ctx, latest)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.active = latest
	g.stats = &domain.CorpusStats{Passages: int(rows), Categories: map[domain.Category]int{}}
	g.mu.Unlock()

	g.logger.Info("adopted guideline collection", "collection", latest, "passages", rows)
	return nil
}

// Replace writes passages to a new collection, then makes it active.
func (g *GuidelineIndex) Replace(ctx context.Context, passages []*domain.GuidelinePassage) error {
	stats, err := summarize(passages)
	if err != nil {
		return err
	}

	g.replace.Lock()
	defer g.replace.Unlock()

	name := collectionName(g.prefix, time.Now())
	if err := g.createCollection(ctx, name, stats.Dimensions); err != nil {
		return err
	}
	for start := 0; start < len(passages); start += insertBatchSize {
		end := min(start+insertBatchSize, len(passages))
		if err := g.insert(ctx, name, passages[start:end]); err != nil {
			g.drop(ctx, name)
			return err
		}
	}
	if len(passages) > 0 {
		flush, err := g.client.Flush(ctx, milvusclient.NewFlushOption(name))
		if err != nil {
			g.drop(ctx, name)
			return fmt.Errorf("failed to flush collection: %w", err)
		}
		if err := flush.Await(ctx); err != nil {
			g.drop(ctx, name)
			return fmt.Errorf("failed to wait for flush: %w", err)
		}
	}

	g.mu.Lock()
	previous := g.active
	g.active = name
	g.stats = stats
	g.mu.Unlock()

	g.logger.Info("guideline collection replaced",
		"collection", name,
		"passages", stats.Passages,
		"documents", stats.Documents)

	if previous != "" {
		g.drop(ctx, previous)
	}
	return nil
}

func (g *GuidelineIndex) createCollection(ctx context.Context, name string, dim int) error {
	if dim == 0 {
		// An empty corpus still needs a valid vector field.
		dim = 1
	}

	schema := entity.NewSchema().
		WithName(name).
		WithDescription("guideline passages").
		WithAutoID(true).
		WithField(entity.NewField().WithName(fieldID).WithDataType(entity.FieldTypeInt64).WithIsPrimaryKey(true).WithIsAutoID(true)).
		WithField(entity.NewField().WithName(fieldEmbedding).WithDataType(entity.FieldTypeFloatVector).WithDim(int64(dim))).
		WithField(entity.NewField().WithName(fieldPassageID).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxPassageIDLength)).
		WithField(entity.NewField().WithName(fieldCategory).WithDataType(entity.FieldTypeVarChar).WithMaxLength(64)).
		WithField(entity.NewField().WithName(fieldDocument).WithDataType(entity.FieldTypeVarChar).WithMaxLength(512)).
		WithField(entity.NewField().WithName(fieldSection).WithDataType(entity.FieldTypeVarChar).WithMaxLength(512)).
		WithField(entity.NewField().WithName(fieldText).WithDataType(entity.FieldTypeVarChar).WithMaxLength(maxTextLength)).
		WithField(entity.NewField().WithName(fieldPosition).WithDataType(entity.FieldTypeInt64))

	if err := g.client.CreateCollection(ctx, milvusclient.NewCreateCollectionOption(name, schema)); err != nil {
		return fmt.Errorf("failed to create collection: %w", err)
	}

	idx := index.NewIvfFlatIndex(entity.COSINE, 128)
	createIdx, err := g.client.CreateIndex(ctx, milvusclient.NewCreateIndexOption(name, fieldEmbedding, idx))
	if err != nil {
		g.drop(ctx, name)
		return fmt.Errorf("failed to create index: %w", err)
	}
	if err := createIdx.Await(ctx); err != nil {
		g.drop(ctx, name)
		return fmt.Errorf("failed to wait for index creation: %w", err)
	}

	load, err := g.client.LoadCollection(ctx, milvusclient.NewLoadCollectionOption(name))
	if err != nil {
		g.drop(ctx, name)
		return fmt.Errorf("failed to load collection: %w", err)
	}
	if err := load.Await(ctx); err != nil {
		g.drop(ctx, name)
		return fmt.Errorf("failed to wait for collection loading: %w", err)
	}
	return nil
}

func (g *GuidelineIndex) insert(ctx context.Context, name string, passages []*domain.GuidelinePassage) error {
	if _, err := g.client.Insert(ctx, milvusclient.NewColumnBasedInsertOption(name, passageColumns(passages)...)); err != nil {
		return fmt.Errorf("failed to insert passages: %w", err)
	}
	return nil
}

func (g *GuidelineIndex) drop(ctx context.Context, name string) {
	if err := g.client.DropCollection(context.WithoutCancel(ctx), milvusclient.NewDropCollectionOption(name)); err != nil {
		g.logger.Warn("failed to drop guideline collection", "collection", name, "error", err)
	}
}

// Search returns the k passages of category nearest to vector.
func (g *GuidelineIndex) Search(ctx context.Context, category domain.Category, vector []float32, k int) ([]domain.ScoredPassage, error) {
	g.mu.RLock()
	name, stats := g.active, g.stats
	g.mu.RUnlock()

	if name == "" {
		return nil, domain.ErrIndexNotLoaded
	}
	if k <= 0 {
		return nil, nil
	}
	if stats.Dimensions > 0 && len(vector) != stats.Dimensions {
		return nil, fmt.Errorf("%w: query dimension %d, index dimension %d",
			domain.ErrInvalidInput, len(vector), stats.Dimensions)
	}

	results, err := g.client.Search(ctx, milvusclient.NewSearchOption(name, k, []entity.Vector{entity.FloatVector(vector)}).
		WithANNSField(fieldEmbedding).
		WithSearchParam("nprobe", "16").
		WithFilter(categoryFilter(category)).
		WithOutputFields(outputFields...))
	if err != nil {
		return nil, fmt.Errorf("%w: milvus search: %v", domain.ErrServiceUnavailable, err)
	}
	if len(results) == 0 {
		return []domain.ScoredPassage{}, nil
	}
	return scoredPassages(results[0].ResultCount, results[0].Scores, results[0].Fields), nil
}

// Stats describes the active corpus.
func (g *GuidelineIndex) Stats(ctx context.Context) (*domain.CorpusStats, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.active == "" {
		return nil, domain.ErrIndexNotLoaded
	}
	stats := *g.stats
	stats.Categories = make(map[domain.Category]int, len(g.stats.Categories))
	for k, v := range g.stats.Categories {
		stats.Categories[k] = v
	}
	return &stats, nil
}

// Ping checks the connection by listing collections.
func (g *GuidelineIndex) Ping(ctx context.Context) error {
	if _, err := g.client.ListCollections(ctx, milvusclient.NewListCollectionOption()); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrServiceUnavailable, err)
	}
	return nil
}

// Close closes the client connection.
func (g *GuidelineIndex) Close(ctx context.Context) error {
	return g.client.Close(ctx)
}

func (g *GuidelineIndex) rowCount(ctx context.Context, name string) (int64, error) {
	stats, err := g.client.GetCollectionStats(ctx, milvusclient.NewGetCollectionStatsOption(name))
	if err != nil {
		return 0, fmt.Errorf("failed to get collection stats: %w", err)
	}
	if val, ok := stats["row_count"]; ok {
		return strconv.ParseInt(val, 10, 64)
	}
	return 0, nil
}

// summarize validates embeddings and computes corpus statistics.
func summarize(passages []*domain.GuidelinePassage) (*domain.CorpusStats, error) {
	stats := &domain.CorpusStats{Categories: make(map[domain.Category]int)}
	docs := make(map[string]struct{})
	ids := make(map[string]struct{}, len(passages))
	for _, p := range passages {
		if len(p.Embedding) == 0 {
			return nil, fmt.Errorf("%w: passage %s has no embedding", domain.ErrInvalidInput, p.ID)
		}
		if len(p.ID) > maxPassageIDLength {
			return nil, fmt.Errorf("%w: passage id %s exceeds %d bytes", domain.ErrInvalidInput, p.ID, maxPassageIDLength)
		}
		if _, dup := ids[p.ID]; dup {
			return nil, fmt.Errorf("%w: duplicate passage id %s", domain.ErrInvalidInput, p.ID)
		}
		ids[p.ID] = struct{}{}
		if stats.Dimensions == 0 {
			stats.Dimensions = len(p.Embedding)
		} else if len(p.Embedding) != stats.Dimensions {
			return nil, fmt.Errorf("%w: passage %s has dimension %d, want %d",
				domain.ErrInvalidInput, p.ID, len(p.Embedding), stats.Dimensions)
		}
		stats.Categories[p.Category]++
		docs[p.Document] = struct{}{}
	}
	stats.Passages = len(passages)
	stats.Documents = len(docs)
	return stats, nil
}

func passageColumns(passages []*domain.GuidelinePassage) []column.Column {
	n := len(passages)
	vectors := make([][]float32, n)
	ids := make([]string, n)
	categories := make([]string, n)
	documents := make([]string, n)
	sections := make([]string, n)
	texts := make([]string, n)
	positions := make([]int64, n)

	for i, p := range passages {
		vectors[i] = p.Embedding
		ids[i] = p.ID
		categories[i] = string(p.Category)
		documents[i] = p.Document
		sections[i] = p.Section
		texts[i] = truncate(p.Text, maxTextLength)
		positions[i] = int64(p.Position)
	}

	dim := 0
	if n > 0 {
		dim = len(vectors[0])
	}
	return []column.Column{
		column.NewColumnFloatVector(fieldEmbedding, dim, vectors),
		column.NewColumnVarChar(fieldPassageID, ids),
		column.NewColumnVarChar(fieldCategory, categories),
		column.NewColumnVarChar(fieldDocument, documents),
		column.NewColumnVarChar(fieldSection, sections),
		column.NewColumnVarChar(fieldText, texts),
		column.NewColumnInt64(fieldPosition, positions),
	}
}

// scoredPassages turns one result set into passages ordered by descending
// score, ties by corpus position.
func scoredPassages(count int, scores []float32, fields []column.Column) []domain.ScoredPassage {
	hits := make([]domain.ScoredPassage, count)
	for i := range hits {
		hits[i] = domain.ScoredPassage{Passage: &domain.GuidelinePassage{}}
		if i < len(scores) {
			hits[i].Score = float64(scores[i])
		}
	}

	for _, field := range fields {
		switch col := field.(type) {
		case *column.ColumnVarChar:
			data := col.Data()
			for i := 0; i < count && i < len(data); i++ {
				p := hits[i].Passage
				switch col.Name() {
				case fieldPassageID:
					p.ID = data[i]
				case fieldCategory:
					p.Category = domain.Category(data[i])
				case fieldDocument:
					p.Document = data[i]
				case fieldSection:
					p.Section = data[i]
				case fieldText:
					p.Text = data[i]
				}
			}
		case *column.ColumnInt64:
			if col.Name() != fieldPosition {
				continue
			}
			data := col.Data()
			for i := 0; i < count && i < len(data); i++ {
				hits[i].Passage.Position = int(data[i])
			}
		}
	}

	sort.SliceStable(hits, func(a, b int) bool {
		if hits[a].Score != hits[b].Score {
			return hits[a].Score > hits[b].Score
		}
		return hits[a].Passage.Position < hits[b].Passage.Position
	})
	return hits
}

func categoryFilter(category domain.Category) string {
	return fieldCategory + " == " + strconv.Quote(string(category))
}

func collectionName(prefix string, at time.Time) string {
	return prefix + "_" + strconv.FormatInt(at.UnixNano(), 10)
}

// latestCollection returns the newest prefix_<nanos> name, or "".
func latestCollection(names []string, prefix string) string {
	var (
		latest  string
		version int64 = -1
	)
	for _, name := range names {
		suffix, ok := strings.CutPrefix(name, prefix+"_")
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			continue
		}
		if v > version {
			latest, version = name, v
		}
	}
	return latest
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	for limit > 0 && !utf8.RuneStart(s[limit]) {
		limit--
	}
	return s[:limit]
}
