package domain

import (
	"sync"
	"testing"
)

func TestNewRuntimeConfig(t *testing.T) {
	config := NewRuntimeConfig("redis", "postgres")

	if config.QueueBackend != "redis" {
		t.Errorf("expected redis queue backend, got %s", config.QueueBackend)
	}
	if config.LockBackend != "postgres" {
		t.Errorf("expected postgres lock backend, got %s", config.LockBackend)
	}
	if config.EmbeddingAvailable() || config.LLMAvailable() || config.IndexLoaded() {
		t.Error("expected all capabilities to be unavailable initially")
	}
}

func TestRuntimeConfig_CanEvaluate(t *testing.T) {
	config := NewRuntimeConfig("postgres", "postgres")

	config.SetEmbeddingAvailable(true)
	config.SetLLMAvailable(true)
	if config.CanEvaluate() {
		t.Error("expected evaluation to need a loaded index")
	}

	config.SetIndexLoaded(true)
	if !config.CanEvaluate() {
		t.Error("expected evaluation to be possible")
	}

	config.SetLLMAvailable(false)
	if config.CanEvaluate() {
		t.Error("expected evaluation to need the reasoning service")
	}
}

func TestRuntimeConfig_ConcurrentAccess(t *testing.T) {
	config := NewRuntimeConfig("redis", "redis")

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(v bool) {
			defer wg.Done()
			config.SetIndexLoaded(v)
		}(i%2 == 0)
		go func() {
			defer wg.Done()
			_ = config.CanEvaluate()
		}()
	}
	wg.Wait()
}

func TestRuntimeConfig_Missing(t *testing.T) {
	config := NewRuntimeConfig("postgres", "postgres")
	if got := config.String(); got != "missing embedding, reasoning, guideline index" {
		t.Errorf("unexpected summary %q", got)
	}

	config.SetEmbeddingAvailable(true)
	config.SetIndexLoaded(true)
	if got := config.Missing(); len(got) != 1 || got[0] != "reasoning" {
		t.Errorf("expected only reasoning missing, got %v", got)
	}

	config.SetLLMAvailable(true)
	if config.Missing() != nil || config.String() != "ready" {
		t.Errorf("expected ready, got %s", config)
	}
}
