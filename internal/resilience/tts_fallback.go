package resilience

import (
	"context"

	"github.com/MrWong99/asterivox/pkg/provider/tts"
)

// TTSFallback implements [tts.Provider] with automatic failover across
// multiple synthesis backends. Each backend has its own circuit breaker.
// Only stream setup is covered by failover; once chunks are flowing, a
// mid-stream stall is the consumer's to handle.
type TTSFallback struct {
	group *FallbackGroup[tts.Provider]
}

// Compile-time interface assertion.
var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred
// backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{
		group: NewFallbackGroup(primary, primaryName, cfg),
	}
}

// AddFallback registers an additional synthesis backend as a fallback.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, provider)
}

// Synthesize renders text on the first healthy backend and returns its
// playback chunk stream.
func (f *TTSFallback) Synthesize(ctx context.Context, callID, text string, opts tts.Options) (<-chan []byte, error) {
	return ExecuteWithResult(f.group, func(p tts.Provider) (<-chan []byte, error) {
		return p.Synthesize(ctx, callID, text, opts)
	})
}

// Release drops per-call state on every backend that keeps any, mirroring
// the fan-out on the generation chain.
func (f *TTSFallback) Release(callID string) error {
	return releaseAll(f.group, callID)
}

// Status reports the chain members and their breaker states.
func (f *TTSFallback) Status() []EntryStatus {
	return f.group.Status()
}
