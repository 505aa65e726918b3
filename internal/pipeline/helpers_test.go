package pipeline_test

import (
	"context"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/echoback/internal/activity"
	"github.com/MrWong99/echoback/internal/observe"
	"github.com/MrWong99/echoback/internal/pipeline"
)

// testMetrics returns Metrics backed by a ManualReader.
func testMetrics(t *testing.T) (*observe.Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

// counter returns the int64 sum for name, restricted to data points carrying
// every attribute in attrs (key, value pairs). Missing metrics read as 0.
func counter(t *testing.T, reader *sdkmetric.ManualReader, name string, attrs ...string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != name {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %q is not an int64 sum", name)
			}
		points:
			for _, dp := range sum.DataPoints {
				for i := 0; i+1 < len(attrs); i += 2 {
					v, ok := dp.Attributes.Value(attribute.Key(attrs[i]))
					if !ok || v.AsString() != attrs[i+1] {
						continue points
					}
				}
				total += dp.Value
			}
		}
	}
	return total
}

// edgeLog collects edges reported by the capture loop.
type edgeLog struct {
	mu    sync.Mutex
	edges []activity.Edge
}

func (l *edgeLog) handler() pipeline.EdgeHandler {
	return func(e activity.Edge) {
		l.mu.Lock()
		defer l.mu.Unlock()
		l.edges = append(l.edges, e)
	}
}

func (l *edgeLog) get() []activity.Edge {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]activity.Edge, len(l.edges))
	copy(out, l.edges)
	return out
}

func equalEdges(a, b []activity.Edge) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func equalSamples(a, b []int16) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
