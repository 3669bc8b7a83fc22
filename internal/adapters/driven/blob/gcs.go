package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.BlobStore  = (*GCSStore)(nil)
	_ driven.BlobWriter = (*GCSStore)(nil)
)

// GCSStore reads gs:// attachments. Writes go to one configured bucket.
type GCSStore struct {
	client *storage.Client
	bucket string
}

// NewGCSStore wraps a storage client. bucket may be empty for a read-only store.
func NewGCSStore(client *storage.Client, bucket string) *GCSStore {
	return &GCSStore{client: client, bucket: bucket}
}

// ParseGSURI splits gs://bucket/object.
func ParseGSURI(uri string) (bucket, object string, err error) {
	rest, ok := strings.CutPrefix(uri, "gs://")
	if !ok {
		return "", "", fmt.Errorf("%w: %q is not a gs:// uri", domain.ErrInvalidInput, uri)
	}
	bucket, object, ok = strings.Cut(rest, "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("%w: %q has no object name", domain.ErrInvalidInput, uri)
	}
	return bucket, object, nil
}

// Read downloads the object behind uri.
func (s *GCSStore) Read(ctx context.Context, uri string) ([]byte, error) {
	bucket, object, err := ParseGSURI(uri)
	if err != nil {
		return nil, fmt.Errorf("%v: %w", err, domain.ErrNotFound)
	}

	r, err := s.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) || errors.Is(err, storage.ErrBucketNotExist) {
			return nil, fmt.Errorf("%s: %w", uri, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get GCS object reader for %s: %w", uri, err)
	}
	defer r.Close()

	b, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read GCS object %s: %w", uri, err)
	}
	return b, nil
}

// Write stores content only if the object does not already exist.
func (s *GCSStore) Write(ctx context.Context, name string, content []byte) (string, error) {
	if s.bucket == "" {
		return "", fmt.Errorf("%w: no upload bucket configured", domain.ErrServiceUnavailable)
	}
	uri := "gs://" + s.bucket + "/" + name

	w := s.client.Bucket(s.bucket).Object(name).If(storage.Conditions{DoesNotExist: true}).NewWriter(ctx)
	if _, err := w.Write(content); err != nil {
		_ = w.Close()
		if isPreconditionFailed(err) {
			return uri, nil
		}
		return "", fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		if isPreconditionFailed(err) {
			return uri, nil
		}
		return "", fmt.Errorf("failed to finalize GCS write: %w", err)
	}
	return uri, nil
}

func isPreconditionFailed(err error) bool {
	var gerr *googleapi.Error
	return errors.As(err, &gerr) && gerr.Code == http.StatusPreconditionFailed
}

// Ping checks the upload bucket is reachable. A read-only store always passes.
func (s *GCSStore) Ping(ctx context.Context) error {
	if s.bucket == "" {
		return nil
	}
	if _, err := s.client.Bucket(s.bucket).Attrs(ctx); err != nil {
		return fmt.Errorf("gcs bucket %s: %w", s.bucket, err)
	}
	return nil
}

// Close releases the client.
func (s *GCSStore) Close() error {
	return s.client.Close()
}
