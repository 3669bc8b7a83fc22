package blob

import (
	"context"
	"fmt"
	"strings"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.BlobStore  = (*Router)(nil)
	_ driven.BlobWriter = (*Router)(nil)
)

// Router dispatches reads by URI scheme: gs:// goes to the cloud store,
// anything else to the local one. Uploads go to the configured target.
type Router struct {
	local  driven.BlobStore
	cloud  driven.BlobStore
	target driven.BlobWriter
}

// NewRouter creates a router. cloud may be nil; target defaults to local
// when local can write.
func NewRouter(local, cloud driven.BlobStore, target driven.BlobWriter) *Router {
	if target == nil {
		if w, ok := local.(driven.BlobWriter); ok {
			target = w
		}
	}
	return &Router{local: local, cloud: cloud, target: target}
}

// Read returns the bytes behind uri.
func (r *Router) Read(ctx context.Context, uri string) ([]byte, error) {
	if strings.HasPrefix(uri, "gs://") {
		if r.cloud == nil {
			return nil, fmt.Errorf("%w: no cloud storage configured for %s", domain.ErrServiceUnavailable, uri)
		}
		return r.cloud.Read(ctx, uri)
	}
	if r.local == nil {
		return nil, fmt.Errorf("%w: no upload directory configured for %s", domain.ErrServiceUnavailable, uri)
	}
	return r.local.Read(ctx, uri)
}

// Write stores an upload on the target store.
func (r *Router) Write(ctx context.Context, name string, content []byte) (string, error) {
	if r.target == nil {
		return "", fmt.Errorf("%w: uploads are not configured", domain.ErrServiceUnavailable)
	}
	return r.target.Write(ctx, name, content)
}

// Ping checks every configured store.
func (r *Router) Ping(ctx context.Context) error {
	if r.local != nil {
		if err := r.local.Ping(ctx); err != nil {
			return fmt.Errorf("local blob store: %w", err)
		}
	}
	if r.cloud != nil {
		if err := r.cloud.Ping(ctx); err != nil {
			return fmt.Errorf("cloud blob store: %w", err)
		}
	}
	return nil
}
