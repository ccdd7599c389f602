// Package observe provides application-wide observability primitives for
// Lectary's live session engine: OpenTelemetry metrics, session tracing, and
// the middleware instrumenting the ops endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is wired by [InitTelemetry] so that metrics can be
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

// meterName is the instrumentation scope name used for all Lectary metrics.
const meterName = "github.com/lectary/live"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// SessionDuration tracks wall-clock time from connect to teardown.
	SessionDuration metric.Float64Histogram

	// ConnectDuration tracks session establishment latency (dial + setup).
	ConnectDuration metric.Float64Histogram

	// AudioChunksSent counts microphone chunks uploaded. Use with attribute:
	//   attribute.String("provider", ...)
	AudioChunksSent metric.Int64Counter

	// AudioChunksReceived counts remote audio chunks scheduled for playback.
	AudioChunksReceived metric.Int64Counter

	// CaptureDrops counts microphone blocks dropped by the bounded queue.
	CaptureDrops metric.Int64Counter

	// Interruptions counts times the remote endpoint preempted its own
	// output and the playback backlog was discarded.
	Interruptions metric.Int64Counter

	// PlaybackGap tracks the silence inserted before a late chunk, i.e. how
	// far the playback cursor had drained past the scheduled backlog.
	PlaybackGap metric.Float64Histogram

	// VideoFramesSent counts encoded frames delivered to the provider.
	VideoFramesSent metric.Int64Counter

	// VideoFramesSkipped counts sampling ticks skipped because a frame was
	// still in flight.
	VideoFramesSkipped metric.Int64Counter

	// SessionErrors counts sessions that ended in the error state. Use with
	// attributes:
	//   attribute.String("provider", ...), attribute.String("stage", ...)
	SessionErrors metric.Int64Counter

	// ActiveSessions tracks the number of live sessions.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// durationBuckets defines histogram bucket boundaries (in seconds) covering
// connect latency at the low end and full session lifetimes at the high end.
var durationBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2.5, 5, 15, 60, 300, 1800,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.SessionDuration, err = m.Float64Histogram("lectary.session.duration",
		metric.WithDescription("Session length from connect to teardown."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ConnectDuration, err = m.Float64Histogram("lectary.session.connect.duration",
		metric.WithDescription("Session establishment latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(durationBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunksSent, err = m.Int64Counter("lectary.audio.chunks.sent",
		metric.WithDescription("Microphone chunks uploaded, by provider."),
	); err != nil {
		return nil, err
	}
	if met.AudioChunksReceived, err = m.Int64Counter("lectary.audio.chunks.received",
		metric.WithDescription("Remote audio chunks scheduled for playback."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDrops, err = m.Int64Counter("lectary.audio.capture.drops",
		metric.WithDescription("Microphone blocks dropped by the bounded capture queue."),
	); err != nil {
		return nil, err
	}
	if met.Interruptions, err = m.Int64Counter("lectary.playback.interruptions",
		metric.WithDescription("Remote turn preemptions that flushed the playback backlog."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackGap, err = m.Float64Histogram("lectary.playback.gap",
		metric.WithDescription("Silence inserted before a late playback chunk."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if met.VideoFramesSent, err = m.Int64Counter("lectary.video.frames.sent",
		metric.WithDescription("Encoded video frames delivered to the provider."),
	); err != nil {
		return nil, err
	}
	if met.VideoFramesSkipped, err = m.Int64Counter("lectary.video.frames.skipped",
		metric.WithDescription("Sampling ticks skipped because a frame was still in flight."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("lectary.session.errors",
		metric.WithDescription("Sessions that ended in the error state, by provider and stage."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("lectary.active_sessions",
		metric.WithDescription("Number of live sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("lectary.http.request.duration",
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

// WithProvider builds the standard provider attribute set for counters.
func WithProvider(name string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("provider", name))
}

// RecordSessionEnd records the duration of a finished session and decrements
// the active-session gauge.
func (m *Metrics) RecordSessionEnd(ctx context.Context, provider string, d time.Duration) {
	m.SessionDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("provider", provider)),
	)
	m.ActiveSessions.Add(ctx, -1)
}

// RecordSessionError records a session that ended in the error state.
func (m *Metrics) RecordSessionError(ctx context.Context, provider, stage string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("stage", stage),
		),
	)
}
