package postprocessors

import (
	"strings"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// MetadataSection is the chunk metadata key holding the enclosing heading.
const MetadataSection = driven.ChunkMetadataSection

// SectionSplitter cuts content at Markdown headings ("#", "##", ...) and
// numbered headings ("3.", "3.1") so that no passage spans two sections.
// Each chunk records its heading under MetadataSection.
type SectionSplitter struct{}

var _ driven.PostProcessor = (*SectionSplitter)(nil)

func NewSectionSplitter() *SectionSplitter {
	return &SectionSplitter{}
}

func (s *SectionSplitter) Process(chunks []driven.Chunk) []driven.Chunk {
	var result []driven.Chunk
	for _, chunk := range chunks {
		result = append(result, splitSections(chunk)...)
	}
	for i := range result {
		result[i].Position = i
	}
	return result
}

func (s *SectionSplitter) Name() string {
	return "section-splitter"
}

// Order returns -10: sections are cut before the chunker runs.
func (s *SectionSplitter) Order() int {
	return -10
}

func splitSections(chunk driven.Chunk) []driven.Chunk {
	var out []driven.Chunk
	section := chunk.Metadata[MetadataSection]
	start := 0
	offset := 0

	flush := func(end int) {
		if strings.TrimSpace(chunk.Content[start:end]) == "" {
			return
		}
		meta := copyMetadata(chunk.Metadata)
		if meta == nil {
			meta = make(map[string]string)
		}
		if section != "" {
			meta[MetadataSection] = section
		}
		out = append(out, driven.Chunk{
			Content:     chunk.Content[start:end],
			StartOffset: chunk.StartOffset + start,
			EndOffset:   chunk.StartOffset + end,
			Metadata:    meta,
		})
	}

	for _, line := range strings.SplitAfter(chunk.Content, "\n") {
		if heading, ok := headingOf(line); ok {
			flush(offset)
			start = offset
			section = heading
		}
		offset += len(line)
	}
	flush(len(chunk.Content))
	return out
}

// headingOf recognises "## Title" and "3.1 Title" lines.
func headingOf(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if strings.HasPrefix(line, "#") {
		title := strings.TrimSpace(strings.TrimLeft(line, "#"))
		return title, title != ""
	}

	fields := strings.Fields(line)
	if len(fields) < 2 || len(line) > 80 {
		return "", false
	}
	number := strings.TrimSuffix(fields[0], ".")
	if number == "" {
		return "", false
	}
	for _, part := range strings.Split(number, ".") {
		if part == "" || strings.Trim(part, "0123456789") != "" {
			return "", false
		}
	}
	if strings.HasSuffix(line, ".") {
		return "", false
	}
	return line, true
}
