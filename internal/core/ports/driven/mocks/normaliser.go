package mocks

import (
	"strings"

	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

var _ driven.Normaliser = (*MockNormaliser)(nil)

// MockNormaliser trims content and claims text/plain at priority 50 unless
// a hook says otherwise.
type MockNormaliser struct {
	NormaliseFn      func(content, mimeType string) string
	SupportedTypesFn func() []string
	PriorityFn       func() int
}

func NewMockNormaliser() *MockNormaliser {
	return &MockNormaliser{}
}

func (m *MockNormaliser) Normalise(content string, mimeType string) string {
	if m.NormaliseFn != nil {
		return m.NormaliseFn(content, mimeType)
	}
	return strings.TrimSpace(content)
}

func (m *MockNormaliser) SupportedTypes() []string {
	if m.SupportedTypesFn != nil {
		return m.SupportedTypesFn()
	}
	return []string{"text/plain"}
}

func (m *MockNormaliser) Priority() int {
	if m.PriorityFn != nil {
		return m.PriorityFn()
	}
	return 50
}
