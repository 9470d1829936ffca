// Package observe provides application-wide observability primitives for the
// voice agent: OpenTelemetry metrics, distributed tracing, structured
// logging, and HTTP middleware that ties them together.
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

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all agent metrics.
const meterName = "github.com/Moasy1/LIA-Sales-Agent"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use since the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// --- Duration histograms ---

	// SessionDuration tracks wall-clock length of completed voice sessions.
	SessionDuration metric.Float64Histogram

	// ArchiveDuration tracks archive handoff latency.
	ArchiveDuration metric.Float64Histogram

	// --- Counters ---

	// MicFrames counts frames captured from the microphone.
	MicFrames metric.Int64Counter

	// PlaybackChunks counts model audio chunks handed to the playback
	// scheduler.
	PlaybackChunks metric.Int64Counter

	// Interruptions counts barge-in events that voided queued playback.
	Interruptions metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// TranscriptEntries counts finalized transcript entries. Use with
	// attribute: attribute.String("direction", ...)
	TranscriptEntries metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts realtime channel errors. Use with attribute:
	//   attribute.String("provider", ...)
	ProviderErrors metric.Int64Counter

	// ArchiveErrors counts failed archive handoffs.
	ArchiveErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// sessionBuckets defines histogram bucket boundaries (in seconds) sized for
// conversation-length durations.
var sessionBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800,
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// request-scale latencies such as the archive handoff.
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
	if met.SessionDuration, err = m.Float64Histogram("lia.session.duration",
		metric.WithDescription("Wall-clock length of completed voice sessions."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(sessionBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ArchiveDuration, err = m.Float64Histogram("lia.archive.duration",
		metric.WithDescription("Latency of the post-session archive handoff."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.MicFrames, err = m.Int64Counter("lia.audio.mic_frames",
		metric.WithDescription("Total microphone frames captured."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackChunks, err = m.Int64Counter("lia.audio.playback_chunks",
		metric.WithDescription("Total model audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("lia.session.interruptions",
		metric.WithDescription("Total barge-in events that voided queued playback."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("lia.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptEntries, err = m.Int64Counter("lia.transcript.entries",
		metric.WithDescription("Total finalized transcript entries by direction."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("lia.provider.errors",
		metric.WithDescription("Total realtime channel errors by provider."),
	); err != nil {
		return nil, err
	}
	if met.ArchiveErrors, err = m.Int64Counter("lia.archive.errors",
		metric.WithDescription("Total failed archive handoffs."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lia.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lia.http.request.duration",
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

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

// RecordTranscriptEntry records a finalized transcript entry for one
// direction ("user" or "model").
func (m *Metrics) RecordTranscriptEntry(ctx context.Context, direction string) {
	m.TranscriptEntries.Add(ctx, 1,
		metric.WithAttributes(attribute.String("direction", direction)),
	)
}

// RecordProviderError records a realtime channel error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
