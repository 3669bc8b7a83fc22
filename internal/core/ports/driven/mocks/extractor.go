package mocks

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/custodia-labs/permitflow/internal/core/domain"
)

// MockExtractor treats attachment bytes as plain text unless ExtractFn is set.
type MockExtractor struct {
	mu    sync.Mutex
	calls int

	ExtractFn  func(ref domain.AttachmentRef, content []byte) (*domain.ExtractedDocument, error)
	SupportsFn func(mimeType string) bool
}

func NewMockExtractor() *MockExtractor {
	return &MockExtractor{}
}

func (m *MockExtractor) Extract(ctx context.Context, ref domain.AttachmentRef, content []byte) (*domain.ExtractedDocument, error) {
	m.mu.Lock()
	m.calls++
	m.mu.Unlock()

	if m.ExtractFn != nil {
		return m.ExtractFn(ref, content)
	}
	if !m.Supports(ref.ContentType) {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnsupportedFormat, ref.ContentType)
	}
	return &domain.ExtractedDocument{
		ID:         uuid.NewString(),
		Attachment: ref.Checksum,
		Filename:   ref.Filename,
		Text:       string(content),
		Metadata: domain.DocumentMetadata{
			PageCount: 1,
			MimeType:  ref.ContentType,
			Method:    domain.ExtractionText,
		},
		CreatedAt: time.Now(),
	}, nil
}

func (m *MockExtractor) Supports(mimeType string) bool {
	if m.SupportsFn != nil {
		return m.SupportsFn(mimeType)
	}
	switch mimeType {
	case "application/pdf", "text/plain", "text/markdown", "text/html":
		return true
	}
	return false
}

// Calls returns how many times Extract was invoked.
func (m *MockExtractor) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockBlobStore serves attachment bytes from memory.
type MockBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte

	ReadFn func(ctx context.Context, uri string) ([]byte, error)
}

func NewMockBlobStore() *MockBlobStore {
	return &MockBlobStore{blobs: make(map[string][]byte)}
}

func (m *MockBlobStore) Read(ctx context.Context, uri string) ([]byte, error) {
	if m.ReadFn != nil {
		return m.ReadFn(ctx, uri)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.blobs[uri]
	if !ok {
		return nil, fmt.Errorf("%s: %w", uri, domain.ErrNotFound)
	}
	return b, nil
}

func (m *MockBlobStore) Ping(ctx context.Context) error {
	return nil
}

// Put stores content under uri.
func (m *MockBlobStore) Put(uri string, content []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blobs[uri] = content
}

// Write implements driven.BlobWriter; the URI is the name itself.
func (m *MockBlobStore) Write(ctx context.Context, name string, content []byte) (string, error) {
	m.Put(name, content)
	return name, nil
}
