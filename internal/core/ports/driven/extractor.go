package driven

import (
	"context"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// Extractor turns attachment bytes into text. It performs no network calls.
// Unsupported types fail with domain.ErrUnsupportedFormat; any other failure
// means both the primary and the fallback method failed.
type Extractor interface {
	Extract(ctx context.Context, ref domain.AttachmentRef, content []byte) (*domain.ExtractedDocument, error)

	// Supports reports whether the MIME type can be extracted.
	Supports(mimeType string) bool
}

// BlobStore reads raw attachment bytes.
type BlobStore interface {
	// Read returns the bytes behind uri. Returns domain.ErrNotFound if absent.
	Read(ctx context.Context, uri string) ([]byte, error)

	// Ping checks the backend is reachable.
	Ping(ctx context.Context) error
}

// BlobWriter stores uploaded attachment bytes.
type BlobWriter interface {
	// Write stores content under name and returns the URI to put in an
	// AttachmentRef. Writing an existing name is not an error.
	Write(ctx context.Context, name string, content []byte) (string, error)
}
