// Package extraction turns attachment bytes into text. PDFs go through
// pdfcpu first and a raw content-stream scan second; text attachments are
// cleaned by the normaliser registry.
package extraction

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
	"github.com/custodia-labs/permitflow/internal/normalisers"
)

const mimePDF = "application/pdf"

// Verify interface compliance
var _ driven.Extractor = (*Extractor)(nil)

// Extractor implements driven.Extractor.
type Extractor struct {
	registry *normalisers.Registry
	logger   *slog.Logger
}

// Config configures an Extractor.
type Config struct {
	// Registry normalises text attachments. Defaults to normalisers.DefaultRegistry().
	Registry *normalisers.Registry
	Logger   *slog.Logger
}

// New creates an Extractor.
func New(cfg Config) *Extractor {
	// pdfcpu would otherwise write a config directory under the user's home.
	api.DisableConfigDir()

	registry := cfg.Registry
	if registry == nil {
		registry = normalisers.DefaultRegistry()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{registry: registry, logger: logger}
}

// Supports reports whether the MIME type can be extracted.
func (e *Extractor) Supports(mimeType string) bool {
	base := normalisers.BaseType(mimeType)
	return base == mimePDF || e.registry.Supports(base)
}

// Extract returns the text of one attachment. The declared content type is
// trusted when present; otherwise the bytes are sniffed.
func (e *Extractor) Extract(ctx context.Context, ref domain.AttachmentRef, content []byte) (*domain.ExtractedDocument, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mimeType := normalisers.BaseType(ref.ContentType)
	if mimeType == "" || mimeType == "application/octet-stream" {
		mimeType = normalisers.BaseType(http.DetectContentType(content))
	}
	if !e.Supports(mimeType) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, mimeType)
	}

	doc := &domain.ExtractedDocument{
		Attachment: ref.Checksum,
		Filename:   ref.Filename,
		CreatedAt:  time.Now(),
	}

	if mimeType == mimePDF {
		text, meta, err := e.extractPDF(content, ref.Filename)
		if err != nil {
			return nil, err
		}
		doc.Text = text
		doc.Metadata = meta
		doc.Metadata.MimeType = mimePDF
		return doc, nil
	}

	raw := string(content)
	if !utf8.ValidString(raw) {
		raw = strings.ToValidUTF8(raw, "�")
	}
	text, _ := e.registry.Normalise(raw, mimeType)
	doc.Text = text
	doc.Metadata = domain.DocumentMetadata{
		PageCount: 1,
		MimeType:  mimeType,
		Method:    domain.ExtractionText,
	}
	return doc, nil
}

// extractPDF runs the primary method and falls back to the raw scan when it
// fails or finds no text layer.
func (e *Extractor) extractPDF(content []byte, filename string) (string, domain.DocumentMetadata, error) {
	logger := e.logger.With("filename", filename)

	text, meta, primaryErr := primaryText(content)
	if primaryErr == nil && strings.TrimSpace(text) != "" {
		meta.Method = domain.ExtractionPrimary
		return e.clean(text), meta, nil
	}
	if primaryErr != nil {
		logger.Warn("primary pdf extraction failed, trying fallback", "error", primaryErr)
	}

	fallback, pages, fallbackErr := fallbackText(content)
	if fallbackErr != nil {
		if primaryErr == nil {
			// Valid document without a text layer.
			meta.Method = domain.ExtractionPrimary
			return "", meta, nil
		}
		return "", domain.DocumentMetadata{}, fmt.Errorf("pdf extraction failed: primary: %v; fallback: %w", primaryErr, fallbackErr)
	}

	if primaryErr != nil {
		meta = domain.DocumentMetadata{PageCount: pages}
	}
	meta.Method = domain.ExtractionFallback
	return e.clean(fallback), meta, nil
}

func (e *Extractor) clean(text string) string {
	out, ok := e.registry.Normalise(text, "text/plain")
	if !ok {
		return strings.TrimSpace(text)
	}
	return out
}
