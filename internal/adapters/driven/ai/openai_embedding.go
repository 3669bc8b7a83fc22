package ai

import (
	"context"
	"fmt"
	"time"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Ensure OpenAIEmbedding implements EmbeddingService
var _ driven.EmbeddingService = (*OpenAIEmbedding)(nil)

// maxEmbeddingBatch caps inputs per request; the corpus loader may send
// hundreds of passages at once.
const maxEmbeddingBatch = 64

// OpenAIEmbedding implements EmbeddingService against any OpenAI-compatible
// /embeddings endpoint.
type OpenAIEmbedding struct {
	client     *openAIClient
	model      string
	dimensions int
}

// Model dimensions for OpenAI embedding models
var openAIModelDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// NewOpenAIEmbedding creates an embedding service. The API key may be empty
// only for a self-hosted endpoint given by baseURL.
func NewOpenAIEmbedding(apiKey, model, baseURL string) (*OpenAIEmbedding, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}

	dimensions, ok := openAIModelDimensions[model]
	if !ok {
		dimensions = 1536
	}

	return &OpenAIEmbedding{
		client:     newOpenAIClient(apiKey, baseURL, 60*time.Second),
		model:      model,
		dimensions: dimensions,
	}, nil
}

type embeddingRequest struct {
	Input          []string `json:"input"`
	Model          string   `json:"model"`
	EncodingFormat string   `json:"encoding_format,omitempty"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Model string `json:"model"`
}

// Embed generates embeddings for texts, in input order.
func (e *OpenAIEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += maxEmbeddingBatch {
		end := min(start+maxEmbeddingBatch, len(texts))
		batch, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, batch...)
	}
	return out, nil
}

func (e *OpenAIEmbedding) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	var resp embeddingResponse
	err := e.client.post(ctx, "/embeddings", embeddingRequest{
		Input:          texts,
		Model:          e.model,
		EncodingFormat: "float",
	}, &resp)
	if err != nil {
		return nil, err
	}

	embeddings := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index >= 0 && d.Index < len(embeddings) {
			embeddings[d.Index] = d.Embedding
		}
	}
	for i, v := range embeddings {
		if len(v) == 0 {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}

	// The first answer fixes the dimension for unknown models.
	if _, known := openAIModelDimensions[e.model]; !known {
		e.dimensions = len(embeddings[0])
	}
	return embeddings, nil
}

// EmbedQuery generates an embedding for one query text.
func (e *OpenAIEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	embeddings, err := e.Embed(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// Dimensions returns the embedding dimension size
func (e *OpenAIEmbedding) Dimensions() int {
	return e.dimensions
}

// Model returns the model name being used
func (e *OpenAIEmbedding) Model() string {
	return e.model
}

// HealthCheck makes a one-word embedding request.
func (e *OpenAIEmbedding) HealthCheck(ctx context.Context) error {
	_, err := e.EmbedQuery(ctx, "health check")
	return err
}

// Close releases idle connections.
func (e *OpenAIEmbedding) Close() error {
	e.client.close()
	return nil
}
