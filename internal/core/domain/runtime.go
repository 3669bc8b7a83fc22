package domain

import (
	"strings"
	"sync/atomic"
)

type capability uint32

const (
	capEmbedding capability = 1 << iota
	capReasoning
	capIndex

	capEvaluate = capEmbedding | capReasoning | capIndex
)

var capabilityNames = []struct {
	c    capability
	name string
}{
	{capEmbedding, "embedding"},
	{capReasoning, "reasoning"},
	{capIndex, "guideline index"},
}

// RuntimeConfig records the queue and lock backends chosen at startup and
// which evaluation collaborators are currently usable. The flags flip as AI
// services are swapped and the guideline corpus is loaded, from any
// goroutine.
type RuntimeConfig struct {
	QueueBackend string // "redis" or "postgres"
	LockBackend  string // "redis" or "postgres"

	caps atomic.Uint32
}

func NewRuntimeConfig(queueBackend, lockBackend string) *RuntimeConfig {
	return &RuntimeConfig{QueueBackend: queueBackend, LockBackend: lockBackend}
}

func (c *RuntimeConfig) has(want capability) bool {
	return capability(c.caps.Load())&want == want
}

func (c *RuntimeConfig) set(flag capability, on bool) {
	for {
		old := c.caps.Load()
		next := old &^ uint32(flag)
		if on {
			next |= uint32(flag)
		}
		if c.caps.CompareAndSwap(old, next) {
			return
		}
	}
}

func (c *RuntimeConfig) EmbeddingAvailable() bool { return c.has(capEmbedding) }
func (c *RuntimeConfig) LLMAvailable() bool       { return c.has(capReasoning) }
func (c *RuntimeConfig) IndexLoaded() bool        { return c.has(capIndex) }

func (c *RuntimeConfig) SetEmbeddingAvailable(on bool) { c.set(capEmbedding, on) }
func (c *RuntimeConfig) SetLLMAvailable(on bool)       { c.set(capReasoning, on) }
func (c *RuntimeConfig) SetIndexLoaded(on bool)        { c.set(capIndex, on) }

// CanEvaluate reports whether the evaluation stage has everything it needs.
func (c *RuntimeConfig) CanEvaluate() bool { return c.has(capEvaluate) }

// Missing names the evaluation collaborators that are not ready yet.
func (c *RuntimeConfig) Missing() []string {
	var out []string
	for _, cn := range capabilityNames {
		if !c.has(cn.c) {
			out = append(out, cn.name)
		}
	}
	return out
}

// String lists the missing collaborators, or "ready".
func (c *RuntimeConfig) String() string {
	if missing := c.Missing(); len(missing) > 0 {
		return "missing " + strings.Join(missing, ", ")
	}
	return "ready"
}
