package observe

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// newTestMetrics returns a Metrics instance backed by a ManualReader for
// programmatic metric inspection.
func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// collect gathers all metric data from the reader.
func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

// findMetric searches for a metric by name across all scope metrics.
func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

// sumWith returns the value of the int64 sum data point carrying key=value,
// and whether such a point exists.
func sumWith(t *testing.T, rm metricdata.ResourceMetrics, name, key, value string) (int64, bool) {
	t.Helper()
	met := findMetric(rm, name)
	if met == nil {
		t.Fatalf("metric %q not found", name)
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("metric %q is not a sum", name)
	}
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			return dp.Value, true
		}
	}
	return 0, false
}

func TestNewMetrics_CreatesWithoutError(t *testing.T) {
	m, _ := newTestMetrics(t)
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
}

func TestFrameCounters(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.FramesCaptured.Add(ctx, 10)
	m.FramesRecorded.Add(ctx, 4)
	m.FramesPlayed.Add(ctx, 3)
	m.FramesSilence.Add(ctx, 7)

	rm := collect(t, reader)

	counters := []struct {
		name string
		want int64
	}{
		{"echoback.frames.captured", 10},
		{"echoback.frames.recorded", 4},
		{"echoback.frames.played", 3},
		{"echoback.frames.silence", 7},
	}
	for _, tc := range counters {
		t.Run(tc.name, func(t *testing.T) {
			met := findMetric(rm, tc.name)
			if met == nil {
				t.Fatalf("metric %q not found", tc.name)
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not a sum", tc.name)
			}
			if len(sum.DataPoints) == 0 {
				t.Fatalf("metric %q has no data points", tc.name)
			}
			if got := sum.DataPoints[0].Value; got != tc.want {
				t.Errorf("counter value = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestRecordDropped(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordDropped(ctx, StagePlayback, 3)
	m.RecordDropped(ctx, StagePlayback, 2)
	m.RecordDropped(ctx, StageRecord, 1)
	m.RecordDropped(ctx, StageRecord, 0)

	rm := collect(t, reader)
	if got, ok := sumWith(t, rm, "echoback.frames.dropped", "stage", StagePlayback); !ok || got != 5 {
		t.Errorf("playback drops = %d (found %v), want 5", got, ok)
	}
	if got, ok := sumWith(t, rm, "echoback.frames.dropped", "stage", StageRecord); !ok || got != 1 {
		t.Errorf("record drops = %d (found %v), want 1", got, ok)
	}
}

func TestRecordRecovery(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordRecovery(ctx, "default", StatusOK)
	m.RecordRecovery(ctx, "default", StatusOK)
	m.RecordRecovery(ctx, "default", StatusError)

	rm := collect(t, reader)
	if got, ok := sumWith(t, rm, "echoback.device.recoveries", "status", StatusOK); !ok || got != 2 {
		t.Errorf("ok recoveries = %d (found %v), want 2", got, ok)
	}
	if got, ok := sumWith(t, rm, "echoback.device.recoveries", "status", StatusError); !ok || got != 1 {
		t.Errorf("failed recoveries = %d (found %v), want 1", got, ok)
	}
}

func TestRecordUtterance(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.RecordUtterance(ctx, 0.3)
	m.RecordUtterance(ctx, 1.7)

	rm := collect(t, reader)

	met := findMetric(rm, "echoback.utterances")
	if met == nil {
		t.Fatal("utterance counter not found")
	}
	if got := met.Data.(metricdata.Sum[int64]).DataPoints[0].Value; got != 2 {
		t.Errorf("utterances = %d, want 2", got)
	}

	met = findMetric(rm, "echoback.utterance.duration")
	if met == nil {
		t.Fatal("utterance duration not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
	if got := hist.DataPoints[0].Sum; got != 2.0 {
		t.Errorf("sample sum = %v, want 2.0", got)
	}
}

func TestInputPeakHistogram(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.InputPeak.Record(ctx, -96)
	m.InputPeak.Record(ctx, -12.5)
	m.InputPeak.Record(ctx, 0)

	rm := collect(t, reader)
	met := findMetric(rm, "echoback.input.peak")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if got := hist.DataPoints[0].Count; got != 3 {
		t.Errorf("sample count = %d, want 3", got)
	}
}

func TestPlaybackQueueDepth(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	// UpDownCounters are additive: 5 frames queued, 3 played.
	m.PlaybackQueueDepth.Add(ctx, 5)
	m.PlaybackQueueDepth.Add(ctx, -3)

	rm := collect(t, reader)
	met := findMetric(rm, "echoback.playback.queue_depth")
	if met == nil {
		t.Fatal("metric not found")
	}
	sum, ok := met.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatal("metric is not a sum")
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("queue depth = %d, want 2", got)
	}
}

func TestHTTPRequestDuration(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()

	m.HTTPRequestDuration.Record(ctx, 0.05,
		metric.WithAttributes(
			attribute.String("method", "GET"),
			attribute.String("route", "/healthz"),
		),
	)

	rm := collect(t, reader)
	met := findMetric(rm, "echoback.http.request.duration")
	if met == nil {
		t.Fatal("metric not found")
	}
	hist, ok := met.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatal("metric is not a histogram")
	}
	if len(hist.DataPoints) == 0 {
		t.Fatal("no data points")
	}
	if got := hist.DataPoints[0].Count; got != 1 {
		t.Errorf("sample count = %d, want 1", got)
	}
}

func TestDefaultMetrics_ReturnsSameInstance(t *testing.T) {
	// DefaultMetrics uses the global OTel provider so we just check
	// that repeated calls return the same pointer.
	a := DefaultMetrics()
	b := DefaultMetrics()
	if a != b {
		t.Error("DefaultMetrics returned different pointers")
	}
}
