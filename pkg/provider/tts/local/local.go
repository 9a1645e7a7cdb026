// Package local implements tts.Provider on top of the shared back-end
// channel. Each call gets one lazily-opened tts-mode sub-session. The
// back-end answers a tts_request either with a tts_audio metadata envelope
// followed by one binary frame, or with an inline base64 tts_response; both
// arrive here as events and leave as sample-aligned μ-law playback chunks.
package local

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/asterivox/pkg/audio"
	"github.com/MrWong99/asterivox/pkg/backend"
	"github.com/MrWong99/asterivox/pkg/provider/tts"
	"github.com/MrWong99/asterivox/pkg/wire"
	"github.com/google/uuid"
)

// telephonyRate is the sample rate of every emitted chunk.
const telephonyRate = 8000

// defaultSynthTimeout caps one synthesis round-trip. On expiry the stream
// ends empty; the orchestrator speaks nothing rather than stalling the call.
const defaultSynthTimeout = 10 * time.Second

// Option is a functional option for configuring the Provider.
type Option func(*Provider)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(p *Provider) {
		p.log = log
	}
}

// WithSynthTimeout overrides the per-request deadline.
func WithSynthTimeout(d time.Duration) Option {
	return func(p *Provider) {
		if d > 0 {
			p.synthTimeout = d
		}
	}
}

// callSub pairs a sub-session with an in-flight lock so overlapping
// Synthesize calls for the same call serialise instead of racing the event
// queue.
type callSub struct {
	mu  sync.Mutex
	sub *backend.SubSession
}

// Provider implements tts.Provider over a backend.Client.
type Provider struct {
	channel      *backend.Client
	log          *slog.Logger
	synthTimeout time.Duration

	mu   sync.Mutex
	subs map[string]*callSub
}

// New creates a Provider that opens tts-mode sub-sessions on channel.
func New(channel *backend.Client, opts ...Option) *Provider {
	p := &Provider{
		channel:      channel,
		log:          slog.Default(),
		synthTimeout: defaultSynthTimeout,
		subs:         make(map[string]*callSub),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

var _ tts.Provider = (*Provider)(nil)

// Synthesize ships the text and streams back playback chunks. Empty text
// short-circuits to a closed channel.
func (p *Provider) Synthesize(ctx context.Context, callID, text string, opts tts.Options) (<-chan []byte, error) {
	out := make(chan []byte, 4)
	if strings.TrimSpace(text) == "" {
		close(out)
		return out, nil
	}

	entry, err := p.subFor(ctx, callID)
	if err != nil {
		return nil, err
	}

	chunkMs := opts.ChunkMs
	if chunkMs <= 0 {
		chunkMs = tts.DefaultChunkMs
	}

	entry.mu.Lock()
	reqID := uuid.NewString()
	entry.sub.TrackRequest(reqID)
	env := wire.TTSRequest{
		Header: wire.Header{Type: wire.KindTTSRequest, CallID: callID, Mode: wire.ModeTTS, RequestID: reqID},
		Text:   text,
	}
	if err := entry.sub.Send(ctx, env); err != nil {
		entry.mu.Unlock()
		return nil, fmt.Errorf("tts/local: send request: %w", err)
	}

	go p.collect(ctx, callID, reqID, entry, chunkMs, out)
	return out, nil
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

// collect drains events for one request and emits playback chunks. It owns
// entry.mu from the moment Synthesize locked it and releases on exit.
func (p *Provider) collect(ctx context.Context, callID, reqID string, entry *callSub, chunkMs int, out chan<- []byte) {
	defer entry.mu.Unlock()
	defer close(out)

	deadline := time.NewTimer(p.synthTimeout)
	defer deadline.Stop()

	var meta *wire.TTSAudio
	for {
		select {
		case ev, ok := <-entry.sub.Events():
			if !ok {
				p.forget(callID, entry)
				p.log.Warn("tts stream ended early", "call_id", callID, "err", backend.ErrChannelClosed)
				return
			}
			switch ev.Kind {
			case backend.EventTTSMeta:
				if ev.RequestID != "" && ev.RequestID != reqID {
					continue
				}
				meta = ev.Meta
				if meta != nil && meta.ByteLength == 0 {
					// Announced empty segment: nothing to play.
					return
				}
			case backend.EventTTSAudio:
				if ev.RequestID != "" && ev.RequestID != reqID {
					continue
				}
				if ev.Meta != nil {
					meta = ev.Meta
				}
				mulaw, err := toTelephony(ev.Audio, meta)
				if err != nil {
					p.log.Error("tts segment unplayable", "call_id", callID, "err", err)
					return
				}
				for _, chunk := range audio.Chunk(mulaw, audio.EncodingMulaw, telephonyRate, chunkMs) {
					select {
					case out <- chunk:
					case <-ctx.Done():
						return
					}
				}
				return
			case backend.EventError:
				p.forget(callID, entry)
				p.log.Warn("tts stream failed", "call_id", callID, "err", ev.Err)
				return
			}
		case <-deadline.C:
			p.log.Warn("tts synthesis timed out", "call_id", callID, "timeout", p.synthTimeout)
			return
		case <-ctx.Done():
			return
		}
	}
}

// toTelephony converts one synthesised segment to μ-law 8 kHz. Segments
// without metadata are trusted to already be telephony encoded.
func toTelephony(data []byte, meta *wire.TTSAudio) ([]byte, error) {
	if meta == nil || meta.Encoding == wire.EncodingMulaw {
		if meta != nil && meta.SampleRateHz != 0 && meta.SampleRateHz != telephonyRate {
			return nil, fmt.Errorf("tts/local: μ-law at %d Hz: %w", meta.SampleRateHz, audio.ErrInvalidEncoding)
		}
		return data, nil
	}
	if meta.Encoding != wire.FormatPCM16LE && meta.Encoding != string(audio.EncodingPCM16) {
		return nil, fmt.Errorf("tts/local: segment encoding %q: %w", meta.Encoding, audio.ErrInvalidEncoding)
	}
	mulaw, err := audio.ToTelephony(data, meta.SampleRateHz)
	if err != nil {
		return nil, fmt.Errorf("tts/local: transcode segment: %w", err)
	}
	return mulaw, nil
}

// subFor returns the call's sub-session, opening it on first use.
func (p *Provider) subFor(ctx context.Context, callID string) (*callSub, error) {
	p.mu.Lock()
	if e, ok := p.subs[callID]; ok {
		p.mu.Unlock()
		return e, nil
	}
	p.mu.Unlock()

	sub, err := p.channel.OpenSubSession(ctx, callID, wire.ModeTTS)
	if err != nil {
		if errors.Is(err, backend.ErrInvariantViolation) {
			p.mu.Lock()
			e, ok := p.subs[callID]
			p.mu.Unlock()
			if ok {
				return e, nil
			}
		}
		return nil, fmt.Errorf("tts/local: open sub-session: %w", err)
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

// forget removes a dead sub-session entry so the next Synthesize reopens.
func (p *Provider) forget(callID string, entry *callSub) {
	p.mu.Lock()
	if p.subs[callID] == entry {
		delete(p.subs, callID)
	}
	p.mu.Unlock()
}
