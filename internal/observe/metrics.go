// Package observe provides application-wide observability primitives for
// voxline: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
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

// meterName is the instrumentation scope name used for all voxline metrics.
const meterName = "github.com/MrWong99/voxline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks how long opening a remote voice session takes.
	// Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ConnectDuration metric.Float64Histogram

	// PlaybackLag tracks how far behind the device clock the playback cursor
	// was when an inbound frame arrived (an audible gap).
	PlaybackLag metric.Float64Histogram

	// --- Counters ---

	// CallStarts counts call attempts. Use with attribute:
	//   attribute.String("agent", ...)
	CallStarts metric.Int64Counter

	// CallOutcomes counts how calls ended. Use with attributes:
	//   attribute.String("agent", ...), attribute.String("outcome", ...)
	CallOutcomes metric.Int64Counter

	// FramesSent counts outbound capture frames delivered to the session.
	FramesSent metric.Int64Counter

	// FramesReceived counts inbound audio frames scheduled for playback.
	FramesReceived metric.Int64Counter

	// DecodeFailures counts inbound frames dropped because they could not be
	// decoded.
	DecodeFailures metric.Int64Counter

	// Interruptions counts barge-in events.
	Interruptions metric.Int64Counter

	// TranscriptItems counts finished transcript items. Use with attribute:
	//   attribute.String("role", ...)
	TranscriptItems metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveCalls tracks the number of calls between start and teardown.
	ActiveCalls metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks control API latency. Use with attributes:
	//   attribute.String("route", ...), attribute.String("status", ...)
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
	if met.ConnectDuration, err = m.Float64Histogram("voxline.session.connect.duration",
		metric.WithDescription("Latency of opening a remote voice session."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.PlaybackLag, err = m.Float64Histogram("voxline.playback.lag",
		metric.WithDescription("Gap between the playback cursor and the device clock on frame arrival."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.CallStarts, err = m.Int64Counter("voxline.call.starts",
		metric.WithDescription("Total call attempts by agent."),
	); err != nil {
		return nil, err
	}
	if met.CallOutcomes, err = m.Int64Counter("voxline.call.outcomes",
		metric.WithDescription("Total finished calls by agent and outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesSent, err = m.Int64Counter("voxline.audio.frames_sent",
		metric.WithDescription("Outbound capture frames sent to the remote session."),
	); err != nil {
		return nil, err
	}
	if met.FramesReceived, err = m.Int64Counter("voxline.audio.frames_received",
		metric.WithDescription("Inbound audio frames scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.DecodeFailures, err = m.Int64Counter("voxline.audio.decode_failures",
		metric.WithDescription("Inbound audio frames dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("voxline.playback.interruptions",
		metric.WithDescription("Barge-in interruptions that flushed playback."),
	); err != nil {
		return nil, err
	}
	if met.TranscriptItems, err = m.Int64Counter("voxline.transcript.items",
		metric.WithDescription("Finished transcript items by role."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("voxline.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveCalls, err = m.Int64UpDownCounter("voxline.active_calls",
		metric.WithDescription("Number of calls currently connecting or active."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxline.http.request.duration",
		metric.WithDescription("Control API request latency by route and status."),
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

// RecordCallStart records a call attempt for agent.
func (m *Metrics) RecordCallStart(ctx context.Context, agent string) {
	m.CallStarts.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
	m.ActiveCalls.Add(ctx, 1)
}

// RecordCallEnd records how a call for agent ended and decrements the active
// call gauge.
func (m *Metrics) RecordCallEnd(ctx context.Context, agent, outcome string) {
	m.CallOutcomes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("agent", agent),
			attribute.String("outcome", outcome),
		),
	)
	m.ActiveCalls.Add(ctx, -1)
}

// RecordConnect records the latency and result of opening a session.
func (m *Metrics) RecordConnect(ctx context.Context, provider, status string, d time.Duration) {
	m.ConnectDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordTranscriptItem records one finished transcript item.
func (m *Metrics) RecordTranscriptItem(ctx context.Context, role string) {
	m.TranscriptItems.Add(ctx, 1, metric.WithAttributes(attribute.String("role", role)))
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
