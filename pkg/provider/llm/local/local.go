// Package local implements llm.Provider on top of the shared back-end
// channel. Each call gets one lazily-opened llm-mode sub-session that lives
// until Release. Conversation memory, the prompt template, the token budget,
// and the inference timeout with its fallback replies are all server-side;
// this adapter only ships the transcript and correlates the reply.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/asterivox/pkg/backend"
	"github.com/MrWong99/asterivox/pkg/provider/llm"
	"github.com/MrWong99/asterivox/pkg/wire"
	"github.com/google/uuid"
)

// defaultResponseTimeout caps one generate round-trip. It sits above the
// back-end's own inference timeout so the server-side fallback reply wins
// whenever the model is merely slow.
const defaultResponseTimeout = 30 * time.Second

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// WithResponseTimeout overrides the per-request deadline.
func WithResponseTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.responseTimeout = d
		}
	}
}

// callSub pairs a sub-session with an in-flight lock so overlapping Generate
// calls for the same call serialise instead of racing the event queue.
type callSub struct {
	mu  sync.Mutex
	sub *backend.SubSession
}

// Provider implements llm.Provider over a backend.Client.
type Provider struct {
	channel         *backend.Client
	log             *slog.Logger
	responseTimeout time.Duration

	mu   sync.Mutex
	subs map[string]*callSub
}

// New creates a Provider that opens llm-mode sub-sessions on channel.
func New(channel *backend.Client, opts ...Option) *Provider {
	p := &Provider{
		channel:         channel,
		log:             slog.Default(),
		responseTimeout: defaultResponseTimeout,
		subs:            make(map[string]*callSub),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ llm.Provider = (*Provider)(nil)

// Generate ships the transcript and blocks for the reply. The back-end
// resolves timeouts into canned replies itself, so an error here means the
// channel failed or the caller's context ended.
func (p *Provider) Generate(ctx context.Context, callID, transcript string, opts llm.Options) (string, error) {
	if strings.TrimSpace(transcript) == "" {
		return "", fmt.Errorf("llm/local: empty transcript for call %s", callID)
	}

	entry, err := p.subFor(ctx, callID)
	if err != nil {
		return "", err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, p.responseTimeout)
	defer cancel()

	reqID := uuid.NewString()
	env := wire.LLMRequest{
		Header:  wire.Header{Type: wire.KindLLMRequest, CallID: callID, Mode: wire.ModeLLM, RequestID: reqID},
		Text:    transcript,
		Context: opts.SystemPrompt,
	}
	start := time.Now()
	if err := entry.sub.Send(ctx, env); err != nil {
		return "", fmt.Errorf("llm/local: send request: %w", err)
	}

	for {
		select {
		case ev, ok := <-entry.sub.Events():
			if !ok {
				p.forget(callID, entry)
				return "", fmt.Errorf("llm/local: generate: %w", backend.ErrChannelClosed)
			}
			switch ev.Kind {
			case backend.EventLLMText:
				if ev.RequestID != "" && ev.RequestID != reqID {
					p.log.Debug("llm reply for superseded request dropped",
						"call_id", callID, "request_id", ev.RequestID)
					continue
				}
				p.log.Debug("llm reply",
					"call_id", callID,
					"elapsed_ms", time.Since(start).Milliseconds(),
					"chars", len(ev.Text),
				)
				return ev.Text, nil
			case backend.EventError:
				p.forget(callID, entry)
				return "", fmt.Errorf("llm/local: generate: %w", ev.Err)
			default:
				// Stray events of other kinds are not ours to interpret.
				continue
			}
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return "", fmt.Errorf("llm/local: call %s: %w", callID, llm.ErrTimeout)
			}
			return "", fmt.Errorf("llm/local: generate: %w", ctx.Err())
		}
	}
}

// Release closes the call's sub-session and drops it from the arena. Safe to
// call for unknown calls and more than once.
func (p *Provider) Release(callID string) error {
	p.mu.Lock()
	entry, ok := p.subs[callID]
	delete(p.subs, callID)
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return entry.sub.Close()
}

// subFor returns the call's sub-session, opening it on first use.
func (p *Provider) subFor(ctx context.Context, callID string) (*callSub, error) {
	p.mu.Lock()
	if e, ok := p.subs[callID]; ok {
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	sub, err := p.channel.OpenSubSession(ctx, callID, wire.ModeLLM)
	if err != nil {
		if errors.Is(err, backend.ErrInvariantViolation) {
			// Lost an open race; the winner's entry is in the map now.
			p.mu.Lock()
			e, ok := p.subs[callID]
			p.mu.Unlock()
			if ok {
				return e, nil
			}
		}
		return nil, fmt.Errorf("llm/local: open sub-session: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if e, ok := p.subs[callID]; ok {
		go func() { _ = sub.Close() }()
		return e, nil
	}
	e := &callSub{sub: sub}
	p.subs[callID] = e
	return e, nil
}

// forget removes a dead sub-session entry so the next Generate reopens.
func (p *Provider) forget(callID string, entry *callSub) {
	p.mu.Lock()
	if p.subs[callID] == entry {
		delete(p.subs, callID)
	}
	p.mu.Unlock()
}
