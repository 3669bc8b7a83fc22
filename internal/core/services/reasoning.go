package services

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

//go:embed schemas/classification.schema.json
var classificationSchema []byte

//go:embed schemas/verdict.schema.json
var verdictSchema []byte

// DefaultTemperature keeps classifier and evaluator output stable across calls.
const DefaultTemperature float32 = 0.3

// Bounds for single collaborator calls. Each call gets its own deadline so a
// hung backend fails the stage instead of holding the submission.
const (
	DefaultCallTimeout      = 60 * time.Second // reasoning
	DefaultRetrievalTimeout = 30 * time.Second // embedding plus index search
	DefaultBlobTimeout      = 60 * time.Second // one attachment read
	DefaultReserveTimeout   = 15 * time.Second // one slot reservation

	// DefaultReevaluateLockTTL outlives one classification plus one
	// evaluation at the default timeouts.
	DefaultReevaluateLockTTL = 5 * time.Minute
)

func compileSchema(raw []byte) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	schema, err := compiler.Compile(raw)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// generate runs one reasoning call under its own timeout. Errors come back
// as transient failures, except when the caller's context is done.
func generate(ctx context.Context, svc driven.ReasoningService, req driven.ReasoningRequest, timeout time.Duration) (string, error) {
	if svc == nil {
		return "", domain.NewTransientFailure(fmt.Errorf("reasoning service: %w", domain.ErrServiceUnavailable))
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	out, err := svc.Generate(callCtx, req)
	if err != nil {
		return "", callFailure(ctx, callCtx, err)
	}
	return out, nil
}

// callFailure types the error of a collaborator call made under callCtx, a
// deadline derived from ctx. Running out of callCtx's time is a transient
// timeout; the caller's own cancellation is passed through untyped.
func callFailure(ctx, callCtx context.Context, err error) error {
	if _, ok := domain.AsFailure(err); ok {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return domain.NewTransientFailure(err)
}

// decodeResponse validates raw model output against schema and decodes it.
func decodeResponse(raw string, schema *jsonschema.Schema, out any) error {
	text := stripFences(raw)
	if text == "" {
		return domain.NewInvalidResponse("empty response")
	}
	data := []byte(text)
	if !json.Valid(data) {
		return domain.NewInvalidResponse("response is not JSON: %.80q", text)
	}
	if result := schema.ValidateJSON(data); !result.IsValid() {
		return domain.NewInvalidResponse("response does not match schema: %v", result.Errors)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return domain.NewInvalidResponse("decode response: %v", err)
	}
	return nil
}

// stripFences removes a Markdown code fence around a JSON payload.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl != -1 {
		s = s[nl+1:]
	} else {
		s = ""
	}
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// truncate cuts s to at most n bytes on a rune boundary.
func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	for n > 0 && !isRuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
