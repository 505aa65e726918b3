// Package observe provides application-wide observability primitives for
// echoback: OpenTelemetry metrics, utterance tracing, structured logging, and
// HTTP middleware for the diagnostics listener.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is installed by [InitProvider] so that metrics can be
// scraped via the /metrics endpoint. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all echoback metrics.
const meterName = "github.com/MrWong99/echoback"

// Drop stages used with [Metrics.RecordDropped].
const (
	StageRecord   = "record"
	StagePlayback = "playback"
)

// Recovery outcomes used with [Metrics.RecordRecovery].
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Frame counters ---

	// FramesCaptured counts every frame read from the input device.
	FramesCaptured metric.Int64Counter

	// FramesRecorded counts frames appended to the recording buffer.
	FramesRecorded metric.Int64Counter

	// FramesPlayed counts recorded frames written to the output device.
	FramesPlayed metric.Int64Counter

	// FramesSilence counts idle silence frames written to the output device.
	FramesSilence metric.Int64Counter

	// FramesDropped counts frames discarded because a bounded buffer was
	// full. Use with attribute:
	//   attribute.String("stage", StageRecord|StagePlayback)
	FramesDropped metric.Int64Counter

	// --- Utterances ---

	// Utterances counts completed utterances (one per OFF edge).
	Utterances metric.Int64Counter

	// UtteranceDuration tracks the audio length of flushed utterances.
	UtteranceDuration metric.Float64Histogram

	// InputPeak tracks the per-frame peak input level in dBFS.
	InputPeak metric.Float64Histogram

	// --- Gauges ---

	// PlaybackQueueDepth tracks the number of frames waiting for playback.
	PlaybackQueueDepth metric.Int64UpDownCounter

	// --- Device ---

	// DeviceRecoveries counts recovery attempts after device errors. Use with
	// attributes:
	//   attribute.String("device", ...), attribute.String("status", StatusOK|StatusError)
	DeviceRecoveries metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("route", ...), attribute.Int("status", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// utteranceBuckets defines histogram bucket boundaries (in seconds) for
// spoken utterances, from a single short word to a long monologue.
var utteranceBuckets = []float64{
	0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60,
}

// peakBuckets defines histogram bucket boundaries in dBFS.
var peakBuckets = []float64{
	-90, -80, -70, -60, -50, -40, -30, -20, -12, -6, -3, 0,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Counters.
	if met.FramesCaptured, err = m.Int64Counter("echoback.frames.captured",
		metric.WithDescription("Total frames read from the input device."),
	); err != nil {
		return nil, err
	}
	if met.FramesRecorded, err = m.Int64Counter("echoback.frames.recorded",
		metric.WithDescription("Total frames appended to the recording buffer."),
	); err != nil {
		return nil, err
	}
	if met.FramesPlayed, err = m.Int64Counter("echoback.frames.played",
		metric.WithDescription("Total recorded frames written to the output device."),
	); err != nil {
		return nil, err
	}
	if met.FramesSilence, err = m.Int64Counter("echoback.frames.silence",
		metric.WithDescription("Total idle silence frames written to the output device."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("echoback.frames.dropped",
		metric.WithDescription("Total frames dropped by a full buffer, by stage."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("echoback.utterances",
		metric.WithDescription("Total utterances flushed for playback."),
	); err != nil {
		return nil, err
	}
	if met.DeviceRecoveries, err = m.Int64Counter("echoback.device.recoveries",
		metric.WithDescription("Device recovery attempts by device and status."),
	); err != nil {
		return nil, err
	}

	// Histograms.
	if met.UtteranceDuration, err = m.Float64Histogram("echoback.utterance.duration",
		metric.WithDescription("Audio length of flushed utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.InputPeak, err = m.Float64Histogram("echoback.input.peak",
		metric.WithDescription("Peak input level per frame."),
		metric.WithUnit("dBFS"),
		metric.WithExplicitBucketBoundaries(peakBuckets...),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.PlaybackQueueDepth, err = m.Int64UpDownCounter("echoback.playback.queue_depth",
		metric.WithDescription("Number of frames waiting in the playback queue."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("echoback.http.request.duration",
		metric.WithDescription("HTTP request latency by method, route and status."),
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

// RecordDropped adds n to the dropped-frames counter for stage.
func (m *Metrics) RecordDropped(ctx context.Context, stage string, n int) {
	if n <= 0 {
		return
	}
	m.FramesDropped.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("stage", stage)),
	)
}

// RecordRecovery records the outcome of a device recovery attempt.
func (m *Metrics) RecordRecovery(ctx context.Context, device, status string) {
	m.DeviceRecoveries.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("device", device),
			attribute.String("status", status),
		),
	)
}

// RecordUtterance records a flushed utterance of the given audio length.
func (m *Metrics) RecordUtterance(ctx context.Context, seconds float64) {
	m.Utterances.Add(ctx, 1)
	m.UtteranceDuration.Record(ctx, seconds)
}
