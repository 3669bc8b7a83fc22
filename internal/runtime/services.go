// Package runtime holds the model clients the classifier, evaluator and
// guideline loader share. Clients can be missing at boot and replaced while
// the service runs.
package runtime

import (
	"context"
	"fmt"
	"sync"

	"github.com/custodia-labs/permitflow/internal/core/domain"
	"github.com/custodia-labs/permitflow/internal/core/ports/driven"
)

// swappable holds one client. Replacing it closes the previous client, so a
// stage that already fetched the old one must not keep it across calls.
type swappable[T interface{ Close() error }] struct {
	mu      sync.RWMutex
	current T
	set     bool
}

func (s *swappable[T]) get() (T, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.set
}

// replace installs next (set=false clears the slot) and closes the old
// client unless it is the same value.
func (s *swappable[T]) replace(next T, set bool) {
	s.mu.Lock()
	old, had := s.current, s.set
	s.current, s.set = next, set
	s.mu.Unlock()

	if had && (!set || any(old) != any(next)) {
		_ = old.Close()
	}
}

// Services is the registry of model clients plus the runtime flags that
// health and readiness report.
type Services struct {
	config    *domain.RuntimeConfig
	embedding swappable[driven.EmbeddingService]
	reasoning swappable[driven.ReasoningService]
}

func NewServices(config *domain.RuntimeConfig) *Services {
	return &Services{config: config}
}

func (s *Services) Config() *domain.RuntimeConfig {
	return s.config
}

// EmbeddingService returns the guideline embedder, or nil.
func (s *Services) EmbeddingService() driven.EmbeddingService {
	svc, _ := s.embedding.get()
	return svc
}

// ReasoningService returns the classifier/evaluator model client, or nil.
func (s *Services) ReasoningService() driven.ReasoningService {
	svc, _ := s.reasoning.get()
	return svc
}

// SetEmbeddingService installs svc; nil removes the embedder.
func (s *Services) SetEmbeddingService(svc driven.EmbeddingService) {
	s.embedding.replace(svc, svc != nil)
	s.config.SetEmbeddingAvailable(svc != nil)
}

// SetReasoningService installs svc; nil removes the model client.
func (s *Services) SetReasoningService(svc driven.ReasoningService) {
	s.reasoning.replace(svc, svc != nil)
	s.config.SetLLMAvailable(svc != nil)
}

// ValidateAndSetEmbedding installs svc only after its health check passes.
// A failing svc is closed and the current embedder is kept.
func (s *Services) ValidateAndSetEmbedding(ctx context.Context, svc driven.EmbeddingService) error {
	if svc != nil {
		if err := svc.HealthCheck(ctx); err != nil {
			_ = svc.Close()
			return fmt.Errorf("embedding health check: %w", err)
		}
	}
	s.SetEmbeddingService(svc)
	return nil
}

// ValidateAndSetReasoning installs svc only after it answers a ping.
func (s *Services) ValidateAndSetReasoning(ctx context.Context, svc driven.ReasoningService) error {
	if svc != nil {
		if err := svc.Ping(ctx); err != nil {
			_ = svc.Close()
			return fmt.Errorf("reasoning ping: %w", err)
		}
	}
	s.SetReasoningService(svc)
	return nil
}

// Close releases both clients.
func (s *Services) Close() error {
	s.SetEmbeddingService(nil)
	s.SetReasoningService(nil)
	return nil
}
