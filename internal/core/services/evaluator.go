package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
	"github.com/kaptinlin/jsonschema"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/runtime"
)

// DefaultTopK is how many guideline passages back an evaluation.
const DefaultTopK = 3

// Retriever answers guideline similarity queries.
type Retriever interface {
	Query(ctx context.Context, category domain.Category, text string, k int) ([]domain.ScoredPassage, error)
}

// ComplianceEvaluator decides compliance by retrieval-augmented reasoning.
// Every verdict records the passages and prompt context it was derived from.
type ComplianceEvaluator struct {
	services      *runtime.Services
	retriever     Retriever
	schema        *jsonschema.Schema
	topK          int
	temperature   float32
	timeout       time.Duration
	retrieval     time.Duration
	maxInputChars int
	logger        *slog.Logger
}

// ComplianceEvaluatorConfig holds dependencies for ComplianceEvaluator.
type ComplianceEvaluatorConfig struct {
	Services      *runtime.Services
	Retriever     Retriever
	TopK          int
	Temperature   float32
	Timeout       time.Duration // per reasoning call
	MaxInputChars int
	Logger        *slog.Logger

	// RetrievalTimeout bounds the guideline query (embedding and search).
	RetrievalTimeout time.Duration
}

// NewComplianceEvaluator creates an evaluator.
func NewComplianceEvaluator(cfg ComplianceEvaluatorConfig) (*ComplianceEvaluator, error) {
	schema, err := compileSchema(verdictSchema)
	if err != nil {
		return nil, err
	}

	e := &ComplianceEvaluator{
		services:      cfg.Services,
		retriever:     cfg.Retriever,
		schema:        schema,
		topK:          cfg.TopK,
		temperature:   cfg.Temperature,
		timeout:       cfg.Timeout,
		retrieval:     cfg.RetrievalTimeout,
		maxInputChars: cfg.MaxInputChars,
		logger:        cfg.Logger,
	}
	if e.topK <= 0 {
		e.topK = DefaultTopK
	}
	if e.timeout <= 0 {
		e.timeout = DefaultCallTimeout
	}
	if e.retrieval <= 0 {
		e.retrieval = DefaultRetrievalTimeout
	}
	if e.maxInputChars <= 0 {
		e.maxInputChars = 12000
	}
	if e.logger == nil {
		e.logger = slog.Default()
	}
	return e, nil
}

type verdictResponse struct {
	IsCompliant       bool     `json:"is_compliant"`
	ComplianceScore   float64  `json:"compliance_score"`
	CitedPassages     []string `json:"cited_passages"`
	Rationale         string   `json:"rationale"`
	PresentDocuments  []string `json:"present_documents"`
	MissingDocuments  []string `json:"missing_documents"`
	RequiredDocuments []string `json:"required_documents"`
	Issues            []string `json:"issues"`
}

// Evaluate produces a verdict for the submission under its active classification.
// When retrieval finds nothing the verdict is non-compliant and no reasoning
// call is made.
func (e *ComplianceEvaluator) Evaluate(
	ctx context.Context,
	sub *domain.Submission,
	docs []*domain.ExtractedDocument,
	cls *domain.Classification,
) (*domain.ComplianceVerdict, error) {
	text := truncate(domain.CombinedText(sub.Body, docs), e.maxInputChars)
	logger := e.logger.With("submission_id", sub.ID, "category", cls.Category)

	hits, err := e.retrieve(ctx, cls.Category, text)
	if err != nil {
		return nil, err
	}

	verdict := &domain.ComplianceVerdict{
		ID:                uuid.NewString(),
		SubmissionID:      sub.ID,
		ClassificationID:  cls.ID,
		CitedPassages:     []string{},
		RetrievedPassages: make([]string, 0, len(hits)),
		CreatedAt:         time.Now(),
	}
	retrieved := make(map[string]struct{}, len(hits))
	for _, h := range hits {
		verdict.RetrievedPassages = append(verdict.RetrievedPassages, h.Passage.ID)
		retrieved[h.Passage.ID] = struct{}{}
	}

	if len(hits) == 0 {
		logger.Info("no guideline passages for category")
		verdict.Compliant = false
		verdict.Rationale = domain.NoGuidelineRationale
		return verdict, nil
	}

	svc := e.services.ReasoningService()
	promptContext := passageContext(hits)
	req := driven.ReasoningRequest{
		System:      evaluatorSystemPrompt,
		Prompt:      evaluationPrompt(cls, text, promptContext),
		Temperature: e.temperature,
		JSON:        true,
		Schema:      verdictSchema,
	}

	raw, err := generate(ctx, svc, req, e.timeout)
	if err != nil {
		return nil, err
	}

	var resp verdictResponse
	if err := decodeResponse(raw, e.schema, &resp); err != nil {
		logger.Warn("invalid evaluation response", "error", err)
		return nil, err
	}

	cited, err := checkCitations(resp, retrieved)
	if err != nil {
		logger.Warn("rejected evaluation response", "error", err)
		return nil, err
	}

	digest, err := promptDigest(svc.Model(), req, verdict.RetrievedPassages)
	if err != nil {
		return nil, err
	}

	verdict.Compliant = resp.IsCompliant
	verdict.Score = int(math.Round(resp.ComplianceScore))
	verdict.CitedPassages = cited
	verdict.Rationale = strings.TrimSpace(resp.Rationale)
	verdict.PresentDocuments = resp.PresentDocuments
	verdict.MissingDocuments = resp.MissingDocuments
	verdict.RequiredDocuments = resp.RequiredDocuments
	verdict.Issues = resp.Issues
	verdict.PromptContext = promptContext
	verdict.PromptDigest = digest
	verdict.Model = svc.Model()

	logger.Info("evaluated submission",
		"compliant", verdict.Compliant,
		"score", verdict.Score,
		"cited", len(cited),
	)
	return verdict, nil
}

func (e *ComplianceEvaluator) retrieve(ctx context.Context, category domain.Category, text string) ([]domain.ScoredPassage, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.retrieval)
	defer cancel()

	hits, err := e.retriever.Query(callCtx, category, text, e.topK)
	if err != nil {
		return nil, callFailure(ctx, callCtx, fmt.Errorf("retrieve guidelines: %w", err))
	}
	return hits, nil
}

// checkCitations keeps the cited ids in order without duplicates. Citing a
// passage that was not retrieved, or claiming compliance without any
// citation, is an invalid response.
func checkCitations(resp verdictResponse, retrieved map[string]struct{}) ([]string, error) {
	cited := make([]string, 0, len(resp.CitedPassages))
	seen := make(map[string]struct{}, len(resp.CitedPassages))
	for _, id := range resp.CitedPassages {
		id = strings.Trim(strings.TrimSpace(id), "[]")
		if _, ok := retrieved[id]; !ok {
			return nil, domain.NewInvalidResponse("cited passage %q was not retrieved", id)
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		cited = append(cited, id)
	}
	if resp.IsCompliant && len(cited) == 0 {
		return nil, domain.NewInvalidResponse("compliant verdict cites no guideline passage")
	}
	return cited, nil
}

// promptDigest is the sha256 of the canonical JSON of everything the model saw.
func promptDigest(model string, req driven.ReasoningRequest, passages []string) (string, error) {
	raw, err := json.Marshal(map[string]any{
		"model":       model,
		"system":      req.System,
		"prompt":      req.Prompt,
		"temperature": req.Temperature,
		"passages":    passages,
	})
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize prompt: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}
