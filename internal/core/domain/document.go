package domain

import (
	"strings"
	"time"
)

// Extraction methods recorded on an ExtractedDocument.
const (
	ExtractionPrimary  = "primary"
	ExtractionFallback = "fallback"
	ExtractionText     = "text"
)

// DocumentMetadata holds structural metadata of an extracted attachment.
type DocumentMetadata struct {
	PageCount int    `json:"page_count"`
	Title     string `json:"title,omitempty"`
	Author    string `json:"author,omitempty"`
	Subject   string `json:"subject,omitempty"`
	MimeType  string `json:"mime_type"`
	Method    string `json:"method"`
}

// ExtractedDocument is the text of one attachment.
// Records are append-only: a retried extraction writes a new Version.
type ExtractedDocument struct {
	ID           string           `json:"id"`
	SubmissionID string           `json:"submission_id"`
	Attachment   string           `json:"attachment"` // attachment checksum
	Filename     string           `json:"filename"`
	Version      int              `json:"version"`
	Text         string           `json:"text"`
	Metadata     DocumentMetadata `json:"metadata"`
	CreatedAt    time.Time        `json:"created_at"`
}

// CombinedText joins the email body and the active extracted documents in
// attachment order.
func CombinedText(body string, docs []*ExtractedDocument) string {
	var b strings.Builder
	if strings.TrimSpace(body) != "" {
		b.WriteString(strings.TrimSpace(body))
	}
	for _, d := range docs {
		text := strings.TrimSpace(d.Text)
		if text == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		if d.Filename != "" {
			b.WriteString("--- ")
			b.WriteString(d.Filename)
			b.WriteString(" ---\n")
		}
		b.WriteString(text)
	}
	return b.String()
}

// NormalizeWhitespace collapses runs of whitespace into single spaces.
func NormalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
