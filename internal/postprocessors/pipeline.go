// Package postprocessors turns a normalised guideline document into the
// passages that are embedded and indexed for retrieval.
package postprocessors

import (
	"sort"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

var _ driven.PostProcessorPipeline = (*Pipeline)(nil)

// Pipeline runs its stages in Order() sequence. The stage list is fixed at
// construction, so a Pipeline is safe for concurrent use.
type Pipeline struct {
	stages []driven.PostProcessor
}

// NewPipeline orders stages by Order(); equal orders keep argument order.
func NewPipeline(stages ...driven.PostProcessor) *Pipeline {
	sorted := append([]driven.PostProcessor(nil), stages...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Order() < sorted[j].Order()
	})
	return &Pipeline{stages: sorted}
}

// Process feeds the whole document to the first stage as one chunk and
// renumbers the surviving chunks 0..n-1.
func (p *Pipeline) Process(content string) []driven.Chunk {
	chunks := []driven.Chunk{{Content: content, EndOffset: len(content)}}
	for _, stage := range p.stages {
		chunks = stage.Process(chunks)
	}
	for i := range chunks {
		chunks[i].Position = i
	}
	return chunks
}

// Stages returns the stage names in execution order.
func (p *Pipeline) Stages() []string {
	names := make([]string, len(p.stages))
	for i, stage := range p.stages {
		names[i] = stage.Name()
	}
	return names
}

// GuidelinePipeline splits a guideline document at headings, cuts each
// section into passages, tidies whitespace and drops repeated boilerplate.
func GuidelinePipeline(config ChunkConfig) *Pipeline {
	return NewPipeline(
		NewSectionSplitter(),
		NewChunker(config),
		NewWhitespaceNormalizer(),
		NewDeduplicator(DefaultDeduplicatorConfig()),
	)
}

// GuidelineChunkConfig sizes passages for retrieval prompts.
func GuidelineChunkConfig() ChunkConfig {
	return ChunkConfig{
		MaxChunkSize:       800,
		Overlap:            100,
		PreserveSentences:  true,
		PreserveParagraphs: true,
	}
}
