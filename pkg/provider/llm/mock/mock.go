// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify the orchestrator's request shaping
// and to feed controlled replies without a live model. All configuration
// fields must be set before first use; the recorded calls are safe to read
// concurrently.
//
// Example:
//
//	p := &mock.Provider{Reply: "Hello!"}
//	text, err := p.Generate(ctx, "call-1", "hi", llm.Options{})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/asterivox/pkg/provider/llm"
)

// GenerateCall records a single invocation of Generate.
type GenerateCall struct {
	// Ctx is the context passed to Generate.
	Ctx context.Context
	// CallID is the call identifier passed to Generate.
	CallID string
	// Transcript is the caller turn passed to Generate.
	Transcript string
	// Opts is the Options value passed to Generate.
	Opts llm.Options
}

// Provider is a mock implementation of llm.Provider.
// Zero value returns empty replies with nil errors.
type Provider struct {
	mu sync.Mutex

	// Reply is returned by Generate when Replies is exhausted or empty.
	Reply string

	// Replies, when non-empty, is consumed front to back: the n-th Generate
	// returns the n-th entry.
	Replies []string

	// Err, if non-nil, is returned by every Generate call.
	Err error

	// Delay, if positive, makes Generate sleep before returning unless ctx
	// ends first. Use it to hold a reply in flight for barge-in tests.
	Delay time.Duration

	// GenerateFunc, if non-nil, replaces the canned behaviour entirely. The
	// call is still recorded.
	GenerateFunc func(ctx context.Context, callID, transcript string, opts llm.Options) (string, error)

	// GenerateCalls records every invocation of Generate in order.
	GenerateCalls []GenerateCall

	// ReleaseCalls records every call ID passed to Release.
	ReleaseCalls []string
}

// Generate records the call and returns the configured reply.
func (p *Provider) Generate(ctx context.Context, callID, transcript string, opts llm.Options) (string, error) {
	p.mu.Lock()
	p.GenerateCalls = append(p.GenerateCalls, GenerateCall{Ctx: ctx, CallID: callID, Transcript: transcript, Opts: opts})
	fn := p.GenerateFunc
	delay := p.Delay
	err := p.Err
	reply := p.Reply
	if len(p.Replies) > 0 {
		reply = p.Replies[0]
		p.Replies = p.Replies[1:]
	}
	p.mu.Unlock()

	if fn != nil {
		return fn(ctx, callID, transcript, opts)
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	return reply, nil
}

// Release records the call and returns nil. It satisfies the optional
// per-call release hook implemented by channel-backed providers.
func (p *Provider) Release(callID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ReleaseCalls = append(p.ReleaseCalls, callID)
	return nil
}

// GenerateCallCount returns the number of Generate calls. Thread-safe.
func (p *Provider) GenerateCallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.GenerateCalls)
}

// LastTranscript returns the transcript of the most recent Generate call, or
// "" when none happened. Thread-safe.
func (p *Provider) LastTranscript() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.GenerateCalls) == 0 {
		return ""
	}
	return p.GenerateCalls[len(p.GenerateCalls)-1].Transcript
}

// Reset clears all recorded calls. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.GenerateCalls = nil
	p.ReleaseCalls = nil
}

// Ensure Provider implements llm.Provider at compile time.
var _ llm.Provider = (*Provider)(nil)
