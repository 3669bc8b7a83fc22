package postprocessors

import (
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// ChunkConfig sizes passages. Sizes are in bytes.
type ChunkConfig struct {
	MaxChunkSize int
	Overlap      int

	// PreserveParagraphs prefers cutting after a blank line.
	PreserveParagraphs bool
	// PreserveSentences prefers cutting after ". ", "? " or "! ".
	PreserveSentences bool
}

// lookback bounds how far before the size limit a natural cut is searched.
const lookback = 100

var sentenceEnds = []string{". ", "! ", "? ", ".\n", "!\n", "?\n"}

// Chunker cuts each chunk into windows of at most MaxChunkSize bytes,
// overlapping by Overlap, without ever splitting a UTF-8 sequence.
type Chunker struct {
	config ChunkConfig
}

var _ driven.PostProcessor = (*Chunker)(nil)

func NewChunker(config ChunkConfig) *Chunker {
	if config.MaxChunkSize <= 0 {
		config.MaxChunkSize = GuidelineChunkConfig().MaxChunkSize
	}
	if config.Overlap < 0 || config.Overlap >= config.MaxChunkSize {
		config.Overlap = 0
	}
	return &Chunker{config: config}
}

func (c *Chunker) Name() string { return "chunker" }
func (c *Chunker) Order() int   { return 0 }

func (c *Chunker) Process(chunks []driven.Chunk) []driven.Chunk {
	var out []driven.Chunk
	for _, chunk := range chunks {
		for _, w := range c.windows(chunk.Content) {
			out = append(out, driven.Chunk{
				Content:     chunk.Content[w.start:w.end],
				Position:    len(out),
				StartOffset: chunk.StartOffset + w.start,
				EndOffset:   chunk.StartOffset + w.end,
				Metadata:    copyMetadata(chunk.Metadata),
			})
		}
	}
	return out
}

type window struct{ start, end int }

func (c *Chunker) windows(text string) []window {
	if len(text) <= c.config.MaxChunkSize {
		return []window{{0, len(text)}}
	}

	var out []window
	for start := 0; ; {
		end := start + c.config.MaxChunkSize
		if end >= len(text) {
			return append(out, window{start, len(text)})
		}
		if cut := c.naturalCut(text[start:end]); cut > 0 {
			end = start + cut
		}
		end = alignBack(text, end, start)
		out = append(out, window{start, end})

		next := end - c.config.Overlap
		if next <= start {
			next = start + 1
		}
		start = alignForward(text, next)
	}
}

// naturalCut returns the offset just after the best boundary near the end of
// segment, or 0 when there is none.
func (c *Chunker) naturalCut(segment string) int {
	from := max(len(segment)-lookback, 0)
	tail := segment[from:]

	if c.config.PreserveParagraphs {
		if i := strings.LastIndex(tail, "\n\n"); i >= 0 {
			return from + i + 2
		}
	}
	if c.config.PreserveSentences {
		best := -1
		for _, end := range sentenceEnds {
			if i := strings.LastIndex(tail, end); i >= 0 {
				best = max(best, i+len(end))
			}
		}
		if best > 0 {
			return from + best
		}
	}
	if i := strings.LastIndexByte(tail, ' '); i >= 0 {
		return from + i + 1
	}
	return 0
}

// alignBack moves i back to a rune start after floor. When no such start
// exists the first whole rune after floor is taken instead.
func alignBack(text string, i, floor int) int {
	for j := i; j > floor; j-- {
		if utf8.RuneStart(text[j]) {
			return j
		}
	}
	_, size := utf8.DecodeRuneInString(text[floor:])
	return floor + size
}

func alignForward(text string, i int) int {
	for i < len(text) && !utf8.RuneStart(text[i]) {
		i++
	}
	return i
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
