// Package blob reads and stores raw attachment bytes on the local upload
// directory or in Google Cloud Storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// Verify interface compliance
var (
	_ driven.BlobStore  = (*FSStore)(nil)
	_ driven.BlobWriter = (*FSStore)(nil)
)

// FSStore serves attachments from a directory. URIs are either paths
// relative to the directory or file:// URLs inside it.
type FSStore struct {
	root string
}

// NewFSStore creates a store rooted at dir, creating it if needed.
func NewFSStore(dir string) (*FSStore, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve upload dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	return &FSStore{root: abs}, nil
}

// Root returns the absolute upload directory.
func (s *FSStore) Root() string {
	return s.root
}

// resolve maps a URI to a path inside root. Paths escaping root are
// reported as not found.
func (s *FSStore) resolve(uri string) (string, error) {
	p := strings.TrimPrefix(uri, "file://")
	if !filepath.IsAbs(p) {
		p = filepath.Join(s.root, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(s.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%s is outside the upload directory: %w", uri, domain.ErrNotFound)
	}
	return p, nil
}

// Read returns the bytes behind uri.
func (s *FSStore) Read(ctx context.Context, uri string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := s.resolve(uri)
	if err != nil {
		return nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s: %w", uri, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return b, nil
}

// Write stores content under name unless it already exists.
func (s *FSStore) Write(ctx context.Context, name string, content []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	p, err := s.resolve(name)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return "", fmt.Errorf("create dir for %s: %w", name, err)
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return name, nil
		}
		return "", fmt.Errorf("create %s: %w", name, err)
	}
	if _, err := f.Write(content); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close %s: %w", name, err)
	}
	return name, nil
}

// Ping checks the directory is still there.
func (s *FSStore) Ping(ctx context.Context) error {
	info, err := os.Stat(s.root)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", s.root)
	}
	return nil
}
