// Package observe provides application-wide observability primitives for
// Asterivox: OpenTelemetry metrics, distributed tracing, structured logging,
// and the middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Asterivox metrics.
const meterName = "github.com/MrWong99/asterivox"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTDuration tracks how long opening a transcription stream takes.
	STTDuration metric.Float64Histogram

	// LLMDuration tracks reply-generation latency.
	LLMDuration metric.Float64Histogram

	// TTSDuration tracks synthesis latency to first audio chunk.
	TTSDuration metric.Float64Histogram

	// TurnDuration tracks end-to-end turn latency: final transcript in to
	// playback handed off.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// Finals counts actionable final transcripts by profile.
	Finals metric.Int64Counter

	// SuppressedFinals counts finals dropped as stale because they raced a
	// reply without a barge-in.
	SuppressedFinals metric.Int64Counter

	// BargeIns counts caller interruptions that truncated playback.
	BargeIns metric.Int64Counter

	// FallbackReplies counts turns answered with the canned fallback line.
	FallbackReplies metric.Int64Counter

	// Reconnects counts recovered stream or channel drops. Use with
	// attribute: attribute.String("kind", ...)
	Reconnects metric.Int64Counter

	// Transfers counts call transfer attempts by resolution method and
	// outcome.
	Transfers metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of live calls.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.STTDuration, err = m.Float64Histogram("asterivox.stt.duration",
		metric.WithDescription("Latency of opening a transcription stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("asterivox.llm.duration",
		metric.WithDescription("Latency of reply generation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSDuration, err = m.Float64Histogram("asterivox.tts.duration",
		metric.WithDescription("Latency of speech synthesis to first chunk."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("asterivox.turn.duration",
		metric.WithDescription("End-to-end latency of one conversation turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("asterivox.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.Finals, err = m.Int64Counter("asterivox.stt.finals",
		metric.WithDescription("Total actionable final transcripts by profile."),
	); err != nil {
		return nil, err
	}
	if met.SuppressedFinals, err = m.Int64Counter("asterivox.stt.suppressed_finals",
		metric.WithDescription("Total finals dropped as stale while the agent was speaking."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("asterivox.barge_ins",
		metric.WithDescription("Total caller interruptions that truncated playback."),
	); err != nil {
		return nil, err
	}
	if met.FallbackReplies, err = m.Int64Counter("asterivox.llm.fallback_replies",
		metric.WithDescription("Total turns answered with the canned fallback line."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("asterivox.reconnects",
		metric.WithDescription("Total recovered stream or channel drops by kind."),
	); err != nil {
		return nil, err
	}
	if met.Transfers, err = m.Int64Counter("asterivox.transfers",
		metric.WithDescription("Total call transfer attempts by method and status."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("asterivox.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("asterivox.active_calls",
		metric.WithDescription("Number of live calls."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("asterivox.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordProviderRequest is a convenience method that records a provider
// request counter increment with the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError is a convenience method that records a provider error
// counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordFinal records one actionable final transcript.
func (m *Metrics) RecordFinal(ctx context.Context, profile string) {
	m.Finals.Add(ctx, 1,
		metric.WithAttributes(attribute.String("profile", profile)),
	)
}

// RecordSuppressedFinal records one final dropped as stale.
func (m *Metrics) RecordSuppressedFinal(ctx context.Context, profile string) {
	m.SuppressedFinals.Add(ctx, 1,
		metric.WithAttributes(attribute.String("profile", profile)),
	)
}

// RecordBargeIn records one caller interruption.
func (m *Metrics) RecordBargeIn(ctx context.Context, profile string) {
	m.BargeIns.Add(ctx, 1,
		metric.WithAttributes(attribute.String("profile", profile)),
	)
}

// RecordFallbackReply records one turn answered with the fallback line.
func (m *Metrics) RecordFallbackReply(ctx context.Context, profile string) {
	m.FallbackReplies.Add(ctx, 1,
		metric.WithAttributes(attribute.String("profile", profile)),
	)
}

// RecordReconnect records one recovered drop of the named kind
// ("backend_channel", "stt_stream").
func (m *Metrics) RecordReconnect(ctx context.Context, kind string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordTransfer records one transfer attempt by resolution method and
// outcome.
func (m *Metrics) RecordTransfer(ctx context.Context, method, status string) {
	m.Transfers.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("method", method),
			attribute.String("status", status),
		),
	)
}

// RecordTurn records one completed conversation turn's end-to-end latency.
func (m *Metrics) RecordTurn(ctx context.Context, profile string, d time.Duration) {
	m.TurnDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("profile", profile)),
	)
}
