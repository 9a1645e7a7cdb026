// Package mock provides a test double for the tts.Provider interface.
//
// Use Provider to feed controlled playback chunks to consumers and to verify
// the text each turn hands to the synthesiser. ChunkDelay paces emission so
// tests can interrupt a stream mid-flight.
//
// Example:
//
//	p := &mock.Provider{Chunks: [][]byte{mulaw40ms, mulaw40ms}}
//	stream, _ := p.Synthesize(ctx, "call-1", "hello", tts.Options{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/asterivox/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Ctx is the context passed to Synthesize.
	Ctx context.Context
	// CallID is the call identifier passed to Synthesize.
	CallID string
	// Text is the reply text passed to Synthesize.
	Text string
	// Opts is the Options value passed to Synthesize.
	Opts tts.Options
}

// Provider is a mock implementation of tts.Provider.
// Zero value streams nothing and returns nil errors.
type Provider struct {
	mu sync.Mutex

	// Chunks is the sequence of playback chunks emitted on the channel
	// returned by every Synthesize call.
	Chunks [][]byte

	// Err, if non-nil, is returned by every Synthesize call.
	Err error

	// ChunkDelay, if positive, is the pause before each chunk. Emission
	// stops early when ctx ends, mirroring a truncated stream.
	ChunkDelay time.Duration

	// SynthesizeFunc, if non-nil, replaces the canned behaviour entirely.
	// The call is still recorded.
	SynthesizeFunc func(ctx context.Context, callID, text string, opts tts.Options) (<-chan []byte, error)

	// SynthesizeCalls records every invocation of Synthesize in order.
	SynthesizeCalls []SynthesizeCall

	// ReleaseCalls records every call ID passed to Release.
	ReleaseCalls []string
}

// Synthesize records the call and streams the configured chunks. Empty text
// still yields a (closed, empty) channel, matching the contract.
func (p *Provider) Synthesize(ctx context.Context, callID, text string, opts tts.Options) (<-chan []byte, error) {
	p.mu.Lock()
	p.SynthesizeCalls = append(p.SynthesizeCalls, SynthesizeCall{Ctx: ctx, CallID: callID, Text: text, Opts: opts})
	fn := p.SynthesizeFunc
	err := p.Err
	delay := p.ChunkDelay
	chunks := make([][]byte, len(p.Chunks))
	copy(chunks, p.Chunks)
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, callID, text, opts)
	}
	if err != nil {
		return nil, err
	}

	out := make(chan []byte, len(chunks))
	go func() {
		defer close(out)
		if text == "" {
			return
		}
		for _, chunk := range chunks {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Release records the call and returns nil. It satisfies the optional
// per-call release hook implemented by channel-backed providers.
func (p *Provider) Release(callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReleaseCalls = append(p.ReleaseCalls, callID)
	return nil
}

// SynthesizeCallCount returns the number of Synthesize calls. Thread-safe.
func (p *Provider) SynthesizeCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.SynthesizeCalls)
}

// LastText returns the text of the most recent Synthesize call, or "" when
// none happened. Thread-safe.
func (p *Provider) LastText() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.SynthesizeCalls) == 0 {
		return ""
	}
	return p.SynthesizeCalls[len(p.SynthesizeCalls)-1].Text
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.SynthesizeCalls = nil
	p.ReleaseCalls = nil
}

// Ensure Provider implements tts.Provider at compile time.
var _ tts.Provider = (*Provider)(nil)
