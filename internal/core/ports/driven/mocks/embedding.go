package mocks

import (
	"context"
	"hash/fnv"
	"sync"
)

// MockEmbeddingService embeds guideline passages and retrieval queries as
// deterministic 8-dimension vectors seeded from an FNV hash of the text.
// SetVector pins the vector for one text so a test can decide which passages
// rank closest to a query.
type MockEmbeddingService struct {
	mu         sync.Mutex
	dimensions int
	model      string
	failNext   error
	pinned     map[string][]float32
	queries    []string
}

func NewMockEmbeddingService() *MockEmbeddingService {
	return &MockEmbeddingService{
		dimensions: 8,
		model:      "mock-embedding-model",
		pinned:     make(map[string][]float32),
	}
}

func (m *MockEmbeddingService) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}

	result := make([][]float32, len(texts))
	for i, text := range texts {
		result[i] = m.vector(text)
	}
	return result, nil
}

func (m *MockEmbeddingService) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.takeFailure(); err != nil {
		return nil, err
	}
	m.queries = append(m.queries, query)
	return m.vector(query), nil
}

func (m *MockEmbeddingService) Dimensions() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dimensions
}

func (m *MockEmbeddingService) Model() string {
	return m.model
}

func (m *MockEmbeddingService) HealthCheck(ctx context.Context) error {
	return nil
}

func (m *MockEmbeddingService) Close() error {
	return nil
}

func (m *MockEmbeddingService) takeFailure() error {
	err := m.failNext
	m.failNext = nil
	return err
}

func (m *MockEmbeddingService) vector(text string) []float32 {
	if v, ok := m.pinned[text]; ok {
		return append([]float32(nil), v...)
	}

	h := fnv.New32a()
	h.Write([]byte(text))
	seed := h.Sum32()

	embedding := make([]float32, m.dimensions)
	for i := range embedding {
		seed = seed*1103515245 + 12345
		embedding[i] = float32(seed%1000) / 1000.0
	}
	return embedding
}

// SetFailNext makes the next Embed or EmbedQuery call return err.
func (m *MockEmbeddingService) SetFailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

// SetVector pins the vector returned for text.
func (m *MockEmbeddingService) SetVector(text string, vec []float32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned[text] = vec
}

// Queries returns every text passed to EmbedQuery.
func (m *MockEmbeddingService) Queries() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.queries...)
}
