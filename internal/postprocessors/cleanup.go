package postprocessors

import (
	"crypto/sha256"
	"strings"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// WhitespaceNormalizer collapses runs of spaces and tabs, trims every line,
// keeps at most one blank line in a row and drops chunks left empty.
type WhitespaceNormalizer struct{}

var _ driven.PostProcessor = (*WhitespaceNormalizer)(nil)

func NewWhitespaceNormalizer() *WhitespaceNormalizer {
	return &WhitespaceNormalizer{}
}

func (w *WhitespaceNormalizer) Name() string { return "whitespace-normalizer" }
func (w *WhitespaceNormalizer) Order() int   { return 5 }

func (w *WhitespaceNormalizer) Process(chunks []driven.Chunk) []driven.Chunk {
	out := make([]driven.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if text := tidy(chunk.Content); text != "" {
			chunk.Content = text
			out = append(out, chunk)
		}
	}
	return out
}

func tidy(content string) string {
	content = strings.NewReplacer("\r\n", "\n", "\r", "\n").Replace(content)

	var b strings.Builder
	blank := 0
	for _, line := range strings.Split(content, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line == "" {
			blank++
			continue
		}
		if b.Len() > 0 {
			if blank > 0 {
				b.WriteString("\n\n")
			} else {
				b.WriteByte('\n')
			}
		}
		blank = 0
		b.WriteString(line)
	}
	return b.String()
}

// DeduplicatorConfig configures the deduplicator.
type DeduplicatorConfig struct {
	// MinDuplicateLength exempts short chunks such as list items, which
	// legitimately repeat across sections.
	MinDuplicateLength int
}

func DefaultDeduplicatorConfig() DeduplicatorConfig {
	return DeduplicatorConfig{MinDuplicateLength: 50}
}

// Deduplicator drops a chunk whose text, ignoring case and whitespace, was
// already emitted. Guideline sets repeat the same disclaimers and footers in
// every document.
type Deduplicator struct {
	config DeduplicatorConfig
}

var _ driven.PostProcessor = (*Deduplicator)(nil)

func NewDeduplicator(config DeduplicatorConfig) *Deduplicator {
	return &Deduplicator{config: config}
}

func (d *Deduplicator) Name() string { return "deduplicator" }
func (d *Deduplicator) Order() int   { return 10 }

func (d *Deduplicator) Process(chunks []driven.Chunk) []driven.Chunk {
	seen := make(map[[sha256.Size]byte]struct{}, len(chunks))
	out := make([]driven.Chunk, 0, len(chunks))
	for _, chunk := range chunks {
		if len(chunk.Content) >= d.config.MinDuplicateLength {
			key := sha256.Sum256([]byte(fingerprint(chunk.Content)))
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
		}
		out = append(out, chunk)
	}
	return out
}

func fingerprint(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}
