package services

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonschema"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/runtime"
)

// Classifier assigns a request category to submission text.
// It keeps no state between calls and never retries; failures are typed.
type Classifier struct {
	services      *runtime.Services
	schema        *jsonschema.Schema
	temperature   float32
	timeout       time.Duration
	maxInputChars int
	logger        *slog.Logger
}

// ClassifierConfig holds dependencies for Classifier.
type ClassifierConfig struct {
	Services      *runtime.Services
	Temperature   float32
	Timeout       time.Duration
	MaxInputChars int
	Logger        *slog.Logger
}

// NewClassifier creates a classifier.
func NewClassifier(cfg ClassifierConfig) (*Classifier, error) {
	schema, err := compileSchema(classificationSchema)
	if err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	maxChars := cfg.MaxInputChars
	if maxChars <= 0 {
		maxChars = 12000
	}

	return &Classifier{
		services:      cfg.Services,
		schema:        schema,
		temperature:   cfg.Temperature,
		timeout:       timeout,
		maxInputChars: maxChars,
		logger:        logger,
	}, nil
}

type classificationResponse struct {
	Category    domain.Category `json:"category"`
	Confidence  float64         `json:"confidence"`
	Explanation string          `json:"explanation"`
	KeyInfo     map[string]any  `json:"key_info"`
}

// Classify maps text to a Classification. Empty text fails with EmptyInput
// without calling the reasoning service.
func (c *Classifier) Classify(ctx context.Context, submissionID, text string) (*domain.Classification, error) {
	normalized := domain.NormalizeWhitespace(text)
	if normalized == "" {
		return nil, domain.NewPermanentFailure(fmt.Errorf("classify: %w", domain.ErrEmptyInput))
	}

	svc := c.services.ReasoningService()
	raw, err := generate(ctx, svc, driven.ReasoningRequest{
		System:      classifierSystemPrompt,
		Prompt:      classificationPrompt(truncate(text, c.maxInputChars)),
		Temperature: c.temperature,
		JSON:        true,
		Schema:      classificationSchema,
	}, c.timeout)
	if err != nil {
		return nil, err
	}

	var resp classificationResponse
	if err := decodeResponse(raw, c.schema, &resp); err != nil {
		c.logger.Warn("invalid classification response", "submission_id", submissionID, "error", err)
		return nil, err
	}

	cls := &domain.Classification{
		ID:           uuid.NewString(),
		SubmissionID: submissionID,
		Category:     resp.Category,
		Confidence:   resp.Confidence,
		Explanation:  resp.Explanation,
		KeyInfo:      flattenKeyInfo(resp.KeyInfo),
		Model:        svc.Model(),
		CreatedAt:    time.Now(),
	}

	c.logger.Debug("classified submission",
		"submission_id", submissionID,
		"category", cls.Category,
		"confidence", cls.Confidence,
	)
	return cls, nil
}

func flattenKeyInfo(in map[string]any) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			if val != "" {
				out[k] = val
			}
		default:
			out[k] = fmt.Sprint(val)
		}
	}
	return out
}
