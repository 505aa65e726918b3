package app_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/echoback/internal/activity"
	"github.com/MrWong99/echoback/internal/app"
	"github.com/MrWong99/echoback/internal/config"
	"github.com/MrWong99/echoback/internal/observe"
	"github.com/MrWong99/echoback/internal/pipeline"
	"github.com/MrWong99/echoback/pkg/audio"
	"github.com/MrWong99/echoback/pkg/audio/mock"
)

// testConfig returns a small-block config for the mock backend.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Audio.Backend = "mock"
	cfg.Audio.RecordDevice = "mic"
	cfg.Audio.PlaybackDevice = "speaker"
	cfg.Audio.SampleRate = 8000
	cfg.Audio.BlockSize = 4
	cfg.Detection.Threshold = 1000
	cfg.Detection.Hysteresis = 2
	cfg.Buffer.LivenessTimeout = 2 * time.Second
	return cfg
}

// testMetrics returns Metrics exported to a fresh Prometheus registry.
func testMetrics(t *testing.T) (*observe.Metrics, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	exp, err := promexporter.New(promexporter.WithRegisterer(reg))
	if err != nil {
		t.Fatalf("prometheus exporter: %v", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exp))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reg
}

// edgeLog collects edges reported by the pipeline.
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
	return append([]activity.Edge(nil), l.edges...)
}

// endless returns an input that produces n quiet blocks, one per millisecond.
func endless(n int) *mock.Input {
	blocks := make([][]int16, n)
	for i := range blocks {
		blocks[i] = mock.Constant(4, 10)
	}
	in := mock.NewInput(blocks...)
	in.Delay = time.Millisecond
	return in
}

// runAsync starts a.Run and returns a function that waits for its result.
func runAsync(t *testing.T, ctx context.Context, a *app.App) func() error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()
	return func() error {
		t.Helper()
		select {
		case err := <-done:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return")
			return nil
		}
	}
}

func TestNew_OpensDevicesWithConfiguredParams(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Audio.SilenceBlockSize = 2
	m, _ := testMetrics(t)
	backend := &mock.Backend{Input: mock.NewInput(), Output: &mock.Output{}}

	a, err := app.New(context.Background(), cfg, nil, app.WithBackend(backend), app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())

	if len(backend.InputCalls) != 1 || len(backend.OutputCalls) != 1 {
		t.Fatalf("open calls = %d/%d, want 1/1", len(backend.InputCalls), len(backend.OutputCalls))
	}
	wantIn := audio.StreamParams{Device: "mic", SampleRate: 8000, BlockSize: 4}
	if got := backend.InputCalls[0].Params; got != wantIn {
		t.Errorf("input params = %+v, want %+v", got, wantIn)
	}
	wantOut := audio.StreamParams{Device: "speaker", SampleRate: 8000, BlockSize: 2}
	if got := backend.OutputCalls[0].Params; got != wantOut {
		t.Errorf("output params = %+v, want %+v", got, wantOut)
	}
	if a.Addr() != nil {
		t.Errorf("Addr() = %v, want nil without listen_addr", a.Addr())
	}
}

func TestNew_DeviceOpenErrors(t *testing.T) {
	t.Parallel()

	t.Run("input", func(t *testing.T) {
		t.Parallel()
		backend := &mock.Backend{OpenInputError: audio.ErrDeviceOpen}
		_, err := app.New(context.Background(), testConfig(), nil, app.WithBackend(backend))
		if !errors.Is(err, audio.ErrDeviceOpen) {
			t.Fatalf("New() error = %v, want ErrDeviceOpen", err)
		}
		if len(backend.OutputCalls) != 0 {
			t.Error("output opened after input failed")
		}
	})

	t.Run("output closes input", func(t *testing.T) {
		t.Parallel()
		in := mock.NewInput()
		backend := &mock.Backend{Input: in, OpenOutputError: audio.ErrDeviceOpen}
		_, err := app.New(context.Background(), testConfig(), nil, app.WithBackend(backend))
		if !errors.Is(err, audio.ErrDeviceOpen) {
			t.Fatalf("New() error = %v, want ErrDeviceOpen", err)
		}
		if in.CallCountClose != 1 {
			t.Errorf("input Close calls = %d, want 1", in.CallCountClose)
		}
	})
}

func TestNew_BackendFromRegistry(t *testing.T) {
	t.Parallel()

	in := mock.NewInput()
	out := &mock.Output{}
	backend := &mock.Backend{Input: in, Output: out}

	reg := config.NewRegistry()
	reg.RegisterBackend("mock", func(ac config.AudioConfig) (audio.Backend, error) {
		if ac.RecordDevice != "mic" {
			t.Errorf("factory got record device %q", ac.RecordDevice)
		}
		return backend, nil
	})

	m, _ := testMetrics(t)
	a, err := app.New(context.Background(), testConfig(), reg, app.WithMetrics(m))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() returned error: %v", err)
	}
	if in.CallCountClose != 1 || out.CallCountClose != 1 {
		t.Errorf("device Close calls = %d/%d, want 1/1", in.CallCountClose, out.CallCountClose)
	}
	if backend.CallCountClose != 1 {
		t.Errorf("backend Close calls = %d, want 1", backend.CallCountClose)
	}

	// A second Shutdown is a no-op.
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown() returned error: %v", err)
	}
	if backend.CallCountClose != 1 {
		t.Errorf("backend closed again: %d", backend.CallCountClose)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	t.Parallel()

	_, err := app.New(context.Background(), testConfig(), config.NewRegistry())
	if !errors.Is(err, config.ErrBackendNotRegistered) {
		t.Fatalf("New() error = %v, want ErrBackendNotRegistered", err)
	}
}

func TestRun_EchoesUtteranceThenStops(t *testing.T) {
	t.Parallel()

	in := mock.NewInput(
		mock.Constant(4, 1500),
		mock.Constant(4, 200),
		mock.Constant(4, 200),
		mock.Constant(4, 200),
	)
	out := &mock.Output{Delay: time.Millisecond}
	m, _ := testMetrics(t)
	var edges edgeLog

	a, err := app.New(context.Background(), testConfig(), nil,
		app.WithBackend(&mock.Backend{Input: in, Output: out}),
		app.WithMetrics(m),
		app.WithEdgeHandler(edges.handler()),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())

	if err := runAsync(t, context.Background(), a)(); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}

	if got := len(out.Audible()); got != 3 {
		t.Errorf("played %d audible frames, want 3", got)
	}
	got := edges.get()
	if len(got) != 2 || got[0] != activity.EdgeOn || got[1] != activity.EdgeOff {
		t.Errorf("edges = %v, want [ON OFF]", got)
	}
}

func TestRun_PlaybackFailureIsFatal(t *testing.T) {
	t.Parallel()

	out := &mock.Output{
		WriteErrors:  []error{errors.New("device unplugged")},
		RecoverError: errors.New("no device"),
	}
	m, _ := testMetrics(t)
	a, err := app.New(context.Background(), testConfig(), nil,
		app.WithBackend(&mock.Backend{Input: endless(1000), Output: out}),
		app.WithMetrics(m),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())

	err = runAsync(t, context.Background(), a)()
	if !errors.Is(err, pipeline.ErrPlayback) {
		t.Fatalf("Run() error = %v, want ErrPlayback", err)
	}
}

func TestRun_DiagnosticsEndpoints(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	m, reg := testMetrics(t)

	a, err := app.New(context.Background(), cfg, nil,
		app.WithBackend(&mock.Backend{Input: endless(5000), Output: &mock.Output{Delay: time.Millisecond}}),
		app.WithMetrics(m),
		app.WithGatherer(reg),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())
	if a.Addr() == nil {
		t.Fatal("Addr() = nil with listen_addr set")
	}
	base := "http://" + a.Addr().String()

	ctx, cancel := context.WithCancel(context.Background())
	wait := runAsync(t, ctx, a)

	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(base + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("/healthz status = %d, want 200", code)
	}

	// The player beats its heartbeat every cycle, so readiness follows quickly.
	deadline := time.Now().Add(2 * time.Second)
	for {
		code, body := get("/readyz")
		if code == http.StatusOK {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("/readyz never became ready: %d %s", code, body)
		}
		time.Sleep(10 * time.Millisecond)
	}

	code, body := get("/metrics")
	if code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", code)
	}
	for _, name := range []string{"echoback_frames_captured", "echoback_frames_silence"} {
		if !strings.Contains(body, name) {
			t.Errorf("/metrics does not expose %s", name)
		}
	}

	cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run() returned error after cancel: %v", err)
	}
}

func TestRun_ReloadChangesLogLevel(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "echoback.yaml")
	write := func(level string, mtime time.Time) {
		t.Helper()
		data := "server:\n  log_level: " + level + "\naudio:\n  backend: pipe\n"
		if err := os.WriteFile(path, []byte(data), 0o600); err != nil {
			t.Fatal(err)
		}
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	start := time.Now().Add(-time.Hour)
	write("info", start)

	var lv slog.LevelVar
	m, _ := testMetrics(t)
	a, err := app.New(context.Background(), testConfig(), nil,
		app.WithBackend(&mock.Backend{Input: endless(5000), Output: &mock.Output{Delay: time.Millisecond}}),
		app.WithMetrics(m),
		app.WithLogLevel(&lv),
		app.WithConfigReload(path, config.Overrides{}, 10*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())

	ctx, cancel := context.WithCancel(context.Background())
	wait := runAsync(t, ctx, a)

	write("debug", start.Add(time.Minute))

	deadline := time.Now().Add(2 * time.Second)
	for lv.Level() != slog.LevelDebug {
		if time.Now().After(deadline) {
			t.Fatalf("log level = %v after reload, want DEBUG", lv.Level())
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run() returned error after cancel: %v", err)
	}
}

func TestRun_AbandonsStuckPipelineAfterGrace(t *testing.T) {
	t.Parallel()

	// Every read blocks far longer than the grace period.
	in := mock.NewInput(mock.Constant(4, 0))
	in.Delay = time.Minute
	m, _ := testMetrics(t)

	a, err := app.New(context.Background(), testConfig(), nil,
		app.WithBackend(&mock.Backend{Input: in, Output: &mock.Output{Delay: time.Millisecond}}),
		app.WithMetrics(m),
		app.WithStopGrace(50*time.Millisecond),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	wait := runAsync(t, ctx, a)
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := wait(); err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
}

func TestRun_HungPlaybackReturnsStall(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Buffer.LivenessTimeout = 30 * time.Millisecond
	out := &mock.Output{Block: make(chan struct{})}
	m, _ := testMetrics(t)

	a, err := app.New(context.Background(), cfg, nil,
		app.WithBackend(&mock.Backend{Input: endless(5000), Output: out}),
		app.WithMetrics(m),
		app.WithStopGrace(time.Hour),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer a.Shutdown(context.Background())

	err = runAsync(t, context.Background(), a)()
	if !errors.Is(err, pipeline.ErrPlaybackStalled) {
		t.Fatalf("Run() error = %v, want ErrPlaybackStalled", err)
	}
	if !out.Closed() {
		t.Error("stalled playback device was not closed to release the player")
	}
}
