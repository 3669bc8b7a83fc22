// Package normalisers cleans up text attachments and guideline sources before
// they are classified, evaluated or chunked.
package normalisers

import (
	"html"
	"slices"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

var _ driven.NormaliserRegistry = (*Registry)(nil)

// Registry keeps normalisers sorted by descending priority, so the first
// match is the best one. Registration order breaks priority ties.
type Registry struct {
	mu          sync.RWMutex
	normalisers []driven.Normaliser
}

func NewRegistry() *Registry {
	return &Registry{}
}

func (r *Registry) Register(n driven.Normaliser) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := sort.Search(len(r.normalisers), func(i int) bool {
		return r.normalisers[i].Priority() < n.Priority()
	})
	r.normalisers = slices.Insert(r.normalisers, i, n)
}

// Get returns the highest priority normaliser for mimeType, or nil.
func (r *Registry) Get(mimeType string) driven.Normaliser {
	base := BaseType(mimeType)
	if base == "" {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, n := range r.normalisers {
		if matchesMIMEType(n.SupportedTypes(), base) {
			return n
		}
	}
	return nil
}

// Supports reports whether some normaliser handles the MIME type.
func (r *Registry) Supports(mimeType string) bool {
	return r.Get(mimeType) != nil
}

// Normalise runs the best normaliser for mimeType. ok is false when none matches.
func (r *Registry) Normalise(content, mimeType string) (string, bool) {
	n := r.Get(mimeType)
	if n == nil {
		return "", false
	}
	return n.Normalise(content, BaseType(mimeType)), true
}

// BaseType lowercases a MIME type and strips its parameters.
func BaseType(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if idx := strings.Index(mimeType, ";"); idx != -1 {
		mimeType = strings.TrimSpace(mimeType[:idx])
	}
	return mimeType
}

// matchesMIMEType supports exact and "type/*" wildcard matches against an
// already normalised base type.
func matchesMIMEType(supportedTypes []string, mimeType string) bool {
	for _, supported := range supportedTypes {
		supported = strings.ToLower(strings.TrimSpace(supported))
		if supported == mimeType {
			return true
		}
		if strings.HasSuffix(supported, "/*") && strings.HasPrefix(mimeType, supported[:len(supported)-1]) {
			return true
		}
	}
	return false
}

// DefaultRegistry creates a registry with the text attachment normalisers.
// There is no catch-all: unknown types are unsupported attachments.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(&PlaintextNormaliser{})
	r.Register(&MarkdownNormaliser{})
	r.Register(&HTMLNormaliser{})
	return r
}

// PlaintextNormaliser handles plain text, including text recovered from PDFs.
type PlaintextNormaliser struct{}

func (n *PlaintextNormaliser) Normalise(content string, mimeType string) string {
	content = normaliseLineEndings(content)
	content = stripControl(content)
	return strings.TrimSpace(collapseBlankLines(content))
}

func (n *PlaintextNormaliser) SupportedTypes() []string {
	return []string{"text/plain", "text/csv"}
}

func (n *PlaintextNormaliser) Priority() int {
	return 10
}

// MarkdownNormaliser handles Markdown content. Headings are kept: the
// guideline chunker uses them as section names.
type MarkdownNormaliser struct{}

func (n *MarkdownNormaliser) Normalise(content string, mimeType string) string {
	content = normaliseLineEndings(content)
	return strings.TrimSpace(collapseBlankLines(content))
}

func (n *MarkdownNormaliser) SupportedTypes() []string {
	return []string{"text/markdown", "text/x-markdown"}
}

func (n *MarkdownNormaliser) Priority() int {
	return 50
}

// HTMLNormaliser handles HTML mail bodies and HTML attachments.
type HTMLNormaliser struct{}

func (n *HTMLNormaliser) Normalise(content string, mimeType string) string {
	content = removeHTMLBlocks(content, "script")
	content = removeHTMLBlocks(content, "style")
	content = stripHTMLTags(content)
	content = html.UnescapeString(content)
	content = normaliseLineEndings(content)

	lines := strings.Split(content, "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	return strings.TrimSpace(collapseBlankLines(strings.Join(lines, "\n")))
}

func (n *HTMLNormaliser) SupportedTypes() []string {
	return []string{"text/html", "application/xhtml+xml"}
}

func (n *HTMLNormaliser) Priority() int {
	return 50
}

func normaliseLineEndings(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.ReplaceAll(content, "\r", "\n")
}

func collapseBlankLines(content string) string {
	for strings.Contains(content, "\n\n\n") {
		content = strings.ReplaceAll(content, "\n\n\n", "\n\n")
	}
	return content
}

// stripControl drops control characters other than newline and tab.
func stripControl(content string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) || r == unicode.ReplacementChar {
			return -1
		}
		return r
	}, content)
}

func removeHTMLBlocks(content, tagName string) string {
	startTag := "<" + strings.ToLower(tagName)
	endTag := "</" + strings.ToLower(tagName) + ">"
	result := content

	for {
		lower := strings.ToLower(result)
		startIdx := strings.Index(lower, startTag)
		if startIdx == -1 {
			break
		}
		endIdx := strings.Index(lower[startIdx:], endTag)
		if endIdx == -1 {
			break
		}
		result = result[:startIdx] + result[startIdx+endIdx+len(endTag):]
	}
	return result
}

// stripHTMLTags replaces tags with a space, and block-level closers with a newline.
func stripHTMLTags(content string) string {
	var result strings.Builder
	var tag strings.Builder
	inTag := false

	for _, r := range content {
		switch {
		case r == '<':
			inTag = true
			tag.Reset()
		case r == '>' && inTag:
			inTag = false
			if isBlockTag(tag.String()) {
				result.WriteRune('\n')
			} else {
				result.WriteRune(' ')
			}
		case inTag:
			tag.WriteRune(r)
		default:
			result.WriteRune(r)
		}
	}
	return result.String()
}

func isBlockTag(tag string) bool {
	fields := strings.Fields(tag)
	if len(fields) == 0 {
		return false
	}
	name := strings.Trim(strings.ToLower(fields[0]), "/")
	switch name {
	case "p", "div", "br", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "table", "ul", "ol":
		return true
	}
	return false
}
