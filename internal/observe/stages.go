package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/asterivox/pkg/provider/llm"
	"github.com/MrWong99/asterivox/pkg/provider/stt"
	"github.com/MrWong99/asterivox/pkg/provider/tts"
)

// This file holds the stage-provider middleware: wrappers that add request
// counters and latency histograms around the STT, LLM, and TTS providers
// without the providers themselves knowing about metrics. The lifecycle
// layer applies them when assembling a call's pipeline.

// InstrumentSTT wraps p so every StartStream is timed and counted under the
// given provider name. A nil m uses DefaultMetrics.
func InstrumentSTT(p stt.Provider, name string, m *Metrics) stt.Provider {
	if m == nil {
		m = DefaultMetrics()
	}
	return &sttProvider{next: p, name: name, m: m}
}

// InstrumentLLM wraps p so every Generate is timed and counted under the
// given provider name. A nil m uses DefaultMetrics.
func InstrumentLLM(p llm.Provider, name string, m *Metrics) llm.Provider {
	if m == nil {
		m = DefaultMetrics()
	}
	return &llmProvider{next: p, name: name, m: m}
}

// InstrumentTTS wraps p so every Synthesize is counted and its latency to
// first audio chunk is recorded under the given provider name. A nil m uses
// DefaultMetrics.
func InstrumentTTS(p tts.Provider, name string, m *Metrics) tts.Provider {
	if m == nil {
		m = DefaultMetrics()
	}
	return &ttsProvider{next: p, name: name, m: m}
}

type sttProvider struct {
	next stt.Provider
	name string
	m    *Metrics
}

var _ stt.Provider = (*sttProvider)(nil)

func (p *sttProvider) StartStream(ctx context.Context, callID string, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	start := time.Now()
	h, err := p.next.StartStream(ctx, callID, cfg)
	p.m.STTDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", p.name)))
	if err != nil {
		p.m.RecordProviderRequest(ctx, p.name, "stt", "error")
		p.m.RecordProviderError(ctx, p.name, "stt")
		return nil, err
	}
	p.m.RecordProviderRequest(ctx, p.name, "stt", "ok")
	return h, nil
}

type llmProvider struct {
	next llm.Provider
	name string
	m    *Metrics
}

var _ llm.Provider = (*llmProvider)(nil)

func (p *llmProvider) Generate(ctx context.Context, callID, transcript string, opts llm.Options) (string, error) {
	start := time.Now()
	reply, err := p.next.Generate(ctx, callID, transcript, opts)
	p.m.LLMDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("provider", p.name)))
	if err != nil {
		p.m.RecordProviderRequest(ctx, p.name, "llm", "error")
		p.m.RecordProviderError(ctx, p.name, "llm")
		return "", err
	}
	p.m.RecordProviderRequest(ctx, p.name, "llm", "ok")
	return reply, nil
}

type ttsProvider struct {
	next tts.Provider
	name string
	m    *Metrics
}

var _ tts.Provider = (*ttsProvider)(nil)

func (p *ttsProvider) Synthesize(ctx context.Context, callID, text string, opts tts.Options) (<-chan []byte, error) {
	start := time.Now()
	inner, err := p.next.Synthesize(ctx, callID, text, opts)
	if err != nil {
		p.m.RecordProviderRequest(ctx, p.name, "tts", "error")
		p.m.RecordProviderError(ctx, p.name, "tts")
		return nil, err
	}
	p.m.RecordProviderRequest(ctx, p.name, "tts", "ok")

	// Re-chunk through a pump so the latency to first audio can be
	// observed. The pump honours abandonment the same way the provider
	// does: ctx cancellation releases it.
	out := make(chan []byte)
	go func() {
		defer close(out)
		seen := false
		for {
			select {
			case chunk, ok := <-inner:
				if !ok {
					return
				}
				if !seen {
					seen = true
					p.m.TTSDuration.Record(ctx, time.Since(start).Seconds(),
						metric.WithAttributes(attribute.String("provider", p.name)))
				}
				select {
				case out <- chunk:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// Release passes through to the wrapped provider when it holds per-call
// state, keeping the lifecycle layer's release path intact.
func (p *ttsProvider) Release(callID string) error {
	if r, ok := p.next.(interface{ Release(string) error }); ok {
		return r.Release(callID)
	}
	return nil
}

// Release passes through to the wrapped provider when it holds per-call
// state.
func (p *llmProvider) Release(callID string) error {
	if r, ok := p.next.(interface{ Release(string) error }); ok {
		return r.Release(callID)
	}
	return nil
}
