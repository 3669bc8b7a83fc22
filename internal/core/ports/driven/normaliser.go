package driven

// Normaliser cleans text of one family of MIME types before it is
// classified, evaluated or chunked into guideline passages.
type Normaliser interface {
	Normalise(content string, mimeType string) string

	// SupportedTypes lists exact types ("text/html") or wildcards ("text/*").
	SupportedTypes() []string

	// Priority breaks ties when several normalisers match; higher wins.
	// Format-specific normalisers use 50, generic text 10.
	Priority() int
}

// NormaliserRegistry picks the normaliser for an attachment or guideline
// file. A type no normaliser matches is an unsupported attachment.
type NormaliserRegistry interface {
	// Get returns the highest priority match, or nil.
	Get(mimeType string) Normaliser
	Supports(mimeType string) bool

	// Normalise runs the best match. ok is false when nothing matches.
	Normalise(content, mimeType string) (text string, ok bool)
}

// PostProcessor is one stage of the guideline passage pipeline.
type PostProcessor interface {
	Process(chunks []Chunk) []Chunk
	Name() string

	// Order places the stage; lower runs first. The chunker is 0.
	Order() int
}

// ChunkMetadataSection is the Chunk.Metadata key holding the heading a chunk
// was found under.
const ChunkMetadataSection = "section"

// Chunk is a slice of a guideline document. Offsets are byte offsets into
// the document the pipeline was given.
type Chunk struct {
	Content     string
	Position    int
	StartOffset int
	EndOffset   int
	Metadata    map[string]string
}

// PostProcessorPipeline turns one normalised document into passages.
type PostProcessorPipeline interface {
	Process(content string) []Chunk
	Stages() []string
}
