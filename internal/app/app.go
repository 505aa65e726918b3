// Package app wires echoback's subsystems into a running application.
//
// The App struct owns the full lifecycle: New opens the audio devices, Run
// executes the record-and-replay pipeline together with the optional
// diagnostics listener and config watcher, and Shutdown releases everything
// in order.
//
// For testing, inject doubles via functional options (WithBackend,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoback/internal/config"
	"github.com/MrWong99/echoback/internal/health"
	"github.com/MrWong99/echoback/internal/observe"
	"github.com/MrWong99/echoback/internal/pipeline"
	"github.com/MrWong99/echoback/pkg/audio"
	"github.com/MrWong99/echoback/pkg/audio/pipe"
)

// DefaultStopGrace bounds how long Run waits for the pipeline after its
// context was cancelled. A capture read that never returns (e.g. on an idle
// stdin) is abandoned after this delay.
const DefaultStopGrace = pipeline.DefaultStopGrace

// httpShutdownTimeout bounds the graceful shutdown of the diagnostics listener.
const httpShutdownTimeout = 5 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg      *config.Config
	registry *config.Registry

	// Subsystems, initialised in New and torn down in Shutdown.
	backend  audio.Backend
	in       audio.InputDevice
	out      audio.OutputDevice
	listener net.Listener
	watcher  *config.Watcher

	metrics  *observe.Metrics
	gatherer prometheus.Gatherer
	onEdge   pipeline.EdgeHandler
	level    *slog.LevelVar

	reloadPath      string
	reloadOverrides config.Overrides
	reloadInterval  time.Duration

	stopGrace time.Duration
	heartbeat *pipeline.Heartbeat

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects an audio backend instead of creating one from the
// registry. The App does not close an injected backend.
func WithBackend(b audio.Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithGatherer sets the Prometheus gatherer served on /metrics. Defaults to
// [prometheus.DefaultGatherer].
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// WithEdgeHandler sets the ON/OFF callback. Defaults to printing one line per
// edge on stdout, or on stderr when stdout carries piped playback audio.
func WithEdgeHandler(h pipeline.EdgeHandler) Option {
	return func(a *App) { a.onEdge = h }
}

// WithLogLevel hands the App the level of the process logger so config
// reloads can change it.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.level = lv }
}

// WithConfigReload watches path for changes. The overrides are re-applied
// to every reloaded file. A zero interval selects
// [config.DefaultWatchInterval].
func WithConfigReload(path string, o config.Overrides, interval time.Duration) Option {
	return func(a *App) {
		a.reloadPath = path
		a.reloadOverrides = o
		a.reloadInterval = interval
	}
}

// WithStopGrace overrides [DefaultStopGrace].
func WithStopGrace(d time.Duration) Option {
	return func(a *App) { a.stopGrace = d }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App: it instantiates the audio backend, opens the capture
// and playback devices and, when configured, binds the diagnostics listener
// and loads the config watcher. Every resource acquired before a failure is
// released again.
func New(ctx context.Context, cfg *config.Config, reg *config.Registry, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		registry:  reg,
		stopGrace: DefaultStopGrace,
		heartbeat: &pipeline.Heartbeat{},
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}
	if a.onEdge == nil {
		a.onEdge = pipeline.ConsoleEdges(edgeOutput(cfg))
	}

	if err := a.init(ctx); err != nil {
		a.runClosers()
		return nil, err
	}
	return a, nil
}

func (a *App) init(ctx context.Context) error {
	// ── 1. Backend ───────────────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		return fmt.Errorf("app: init backend: %w", err)
	}

	// ── 2. Devices ───────────────────────────────────────────────────────
	if err := a.initDevices(ctx); err != nil {
		return fmt.Errorf("app: init devices: %w", err)
	}

	// ── 3. Diagnostics listener ──────────────────────────────────────────
	if err := a.initListener(); err != nil {
		return fmt.Errorf("app: init listener: %w", err)
	}

	// ── 4. Config watcher ────────────────────────────────────────────────
	if err := a.initWatcher(); err != nil {
		return fmt.Errorf("app: init watcher: %w", err)
	}
	return nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBackend() error {
	if a.backend != nil {
		return nil
	}
	if a.registry == nil {
		return errors.New("no backend injected and no registry given")
	}
	b, err := a.registry.CreateBackend(a.cfg.Audio)
	if err != nil {
		return err
	}
	a.backend = b
	a.closers = append(a.closers, b.Close)
	return nil
}

func (a *App) initDevices(ctx context.Context) error {
	ac := a.cfg.Audio

	in, err := a.backend.OpenInput(ctx, audio.StreamParams{
		Device:     ac.RecordDevice,
		SampleRate: ac.SampleRate,
		BlockSize:  ac.BlockSize,
	})
	if err != nil {
		return fmt.Errorf("record device %q: %w", ac.RecordDevice, err)
	}
	a.in = in

	out, err := a.backend.OpenOutput(ctx, audio.StreamParams{
		Device:     ac.PlaybackDevice,
		SampleRate: ac.SampleRate,
		BlockSize:  a.pipelineConfig().SilenceBlockSize,
	})
	if err != nil {
		_ = in.Close()
		return fmt.Errorf("playback device %q: %w", ac.PlaybackDevice, err)
	}
	a.out = out

	// Devices close before the backend that opened them.
	a.closers = append([]func() error{in.Close, out.Close}, a.closers...)
	return nil
}

func (a *App) initListener() error {
	if a.cfg.Server.ListenAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return err
	}
	a.listener = ln
	return nil
}

func (a *App) initWatcher() error {
	if a.reloadPath == "" {
		return nil
	}
	opts := []config.WatcherOption{config.WithOverrides(a.reloadOverrides)}
	if a.reloadInterval > 0 {
		opts = append(opts, config.WithInterval(a.reloadInterval))
	}
	w, err := config.NewWatcher(a.reloadPath, a.applyReload, opts...)
	if err != nil {
		return err
	}
	a.watcher = w
	return nil
}

// edgeOutput is stdout, unless stdout carries the playback stream.
func edgeOutput(cfg *config.Config) *os.File {
	if cfg.Audio.Backend == "pipe" && cfg.Audio.PlaybackDevice == pipe.StdioDevice {
		return os.Stderr
	}
	return os.Stdout
}

// pipelineConfig derives the pipeline parameters from the configuration.
func (a *App) pipelineConfig() pipeline.Config {
	c := a.cfg
	silence := c.Audio.SilenceBlockSize
	if silence <= 0 {
		silence = c.Audio.BlockSize
	}
	return pipeline.Config{
		SampleRate:        c.Audio.SampleRate,
		BlockSize:         c.Audio.BlockSize,
		SilenceBlockSize:  silence,
		Threshold:         int16(c.Detection.Threshold),
		Hysteresis:        c.Detection.Hysteresis,
		MaxRecordFrames:   c.RecordLimit(),
		MaxPlaybackFrames: c.PlaybackLimit(),
		LivenessTimeout:   c.Liveness(),
		PlaybackDevice:    c.Audio.PlaybackDevice,
		StopGrace:         a.stopGrace,
	}
}

// Addr returns the bound address of the diagnostics listener, or nil when
// it is disabled.
func (a *App) Addr() net.Addr {
	if a.listener == nil {
		return nil
	}
	return a.listener.Addr()
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run executes the pipeline until ctx is cancelled, the input stream ends, or
// a fatal device error occurs. The diagnostics listener and config watcher,
// when enabled, run alongside it and stop with it.
//
// Run returns nil on a clean stop and the pipeline's error otherwise.
func (a *App) Run(ctx context.Context) error {
	pcfg := a.pipelineConfig()
	p := pipeline.New(a.in, a.out, pcfg,
		pipeline.WithMetrics(a.metrics),
		pipeline.WithEdgeHandler(a.onEdge),
		pipeline.WithHeartbeat(a.heartbeat),
	)

	slog.Info("pipeline starting",
		"backend", a.cfg.Audio.Backend,
		"record_device", a.cfg.Audio.RecordDevice,
		"playback_device", a.cfg.Audio.PlaybackDevice,
		"format", audio.FormatString(audio.StreamParams{SampleRate: pcfg.SampleRate, BlockSize: pcfg.BlockSize}),
		"threshold", pcfg.Threshold,
		"hysteresis", pcfg.Hysteresis,
		"max_record_frames", pcfg.MaxRecordFrames,
		"max_playback_frames", pcfg.MaxPlaybackFrames,
		"liveness_timeout", pcfg.LivenessTimeout,
	)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	if a.listener != nil {
		srv := a.newServer(p)
		g.Go(func() error {
			err := a.serve(gctx, srv)
			if err != nil {
				cancel()
			}
			return err
		})
	}
	if a.watcher != nil {
		g.Go(func() error { return a.watcher.Run(gctx) })
	}

	// The pipeline bounds its own stop by pcfg.StopGrace.
	err := p.Run(runCtx)
	cancel()
	if errors.Is(err, pipeline.ErrPlaybackStalled) {
		// The player is still blocked in Write; closing the device
		// releases it.
		if cerr := a.out.Close(); cerr != nil {
			slog.Warn("closing stalled playback device", "err", cerr)
		}
	}

	if gerr := g.Wait(); gerr != nil && err == nil {
		err = gerr
	}
	return err
}

// newServer builds the diagnostics HTTP server.
func (a *App) newServer(p *pipeline.Pipeline) *http.Server {
	mux := http.NewServeMux()
	health.New(health.PulseChecker("playback", p.Heartbeat(), p.LivenessTimeout())).Register(mux)
	mux.Handle("GET /metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{}))

	return &http.Server{
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func (a *App) serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("diagnostics listener started", "addr", a.listener.Addr().String())
		errCh <- srv.Serve(a.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: diagnostics listener: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), httpShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("diagnostics listener shutdown error", "err", err)
	}
	return nil
}

// applyReload is the config watcher's change callback.
func (a *App) applyReload(old, new *config.Config) {
	diff := config.Diff(old, new)
	if !diff.Changed() {
		return
	}
	if diff.LogLevelChanged {
		if a.level != nil {
			a.level.Set(diff.NewLogLevel.Level())
		}
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "fields", diff.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown closes the devices, then the backend, then the listener. It
// respects the context deadline: if ctx expires before all closers finish,
// remaining closers are skipped and the context error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "closers", len(a.closers))

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}
		if a.listener != nil {
			_ = a.listener.Close()
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

// runClosers releases what a failed New acquired.
func (a *App) runClosers() {
	for _, closer := range a.closers {
		if err := closer(); err != nil {
			slog.Warn("closer error", "err", err)
		}
	}
	if a.listener != nil {
		_ = a.listener.Close()
	}
}
