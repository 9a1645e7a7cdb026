package resilience

import (
	"context"

	"github.com/MrWong99/asterivox/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with automatic failover across
// multiple generation backends. Each backend has its own circuit breaker;
// when the primary fails or its breaker is open, the next healthy fallback
// is tried. The caller-facing canned apology stays in the pipeline — this
// wrapper only widens the set of backends asked before giving up.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

// Compile-time interface assertion.
var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred
// backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional generation backend as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// Generate asks the first healthy backend for a reply. The profile's prompt
// and sampling overrides in opts reach whichever backend answers unchanged.
func (f *LLMFallback) Generate(ctx context.Context, callID, transcript string, opts llm.Options) (string, error) {
	return ExecuteWithResult(f.group, func(p llm.Provider) (string, error) {
		return p.Generate(ctx, callID, transcript, opts)
	})
}

// Release drops per-call state on every backend that keeps any. A call may
// have been answered by different chain members over its lifetime, so
// cleanup fans out instead of stopping at the first healthy entry.
func (f *LLMFallback) Release(callID string) error {
	return releaseAll(f.group, callID)
}

// Status reports the chain members and their breaker states.
func (f *LLMFallback) Status() []EntryStatus {
	return f.group.Status()
}
