// Command echoback listens on an audio input, records every stretch of sound
// that rises above a threshold and plays it back on an output device once it
// has ended.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/MrWong99/echoback/internal/app"
	"github.com/MrWong99/echoback/internal/config"
	"github.com/MrWong99/echoback/internal/observe"
	"github.com/MrWong99/echoback/pkg/audio"
	"github.com/MrWong99/echoback/pkg/audio/pipe"
	"github.com/MrWong99/echoback/pkg/audio/portaudio"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	fs := flag.NewFlagSet("echoback", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to the YAML configuration file (optional)")
	recordDevice := fs.String("R", config.DefaultDevice, "record device")
	playbackDevice := fs.String("P", config.DefaultDevice, "playback device")
	rate := fs.Int("r", config.DefaultSampleRate, "sample rate in Hz")
	threshold := fs.Int("t", config.DefaultThreshold, "activation threshold (0..32767)")
	blockSize := fs.Int("l", config.DefaultBlockSize, "samples per block")
	hysteresis := fs.Int("h", config.DefaultHysteresis, "quiet blocks kept after the last loud one")
	watch := fs.Bool("watch", false, "reload the log level when the config file changes")
	listDevices := fs.Bool("list-devices", false, "list PortAudio devices and exit")
	showVersion := fs.Bool("version", false, "print the version and exit")
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}

	if *showVersion {
		fmt.Println("echoback", version)
		return 0
	}
	if *listDevices {
		return printDevices(os.Stdout)
	}

	// Only flags given explicitly override the file.
	var overrides config.Overrides
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "R":
			overrides.RecordDevice = recordDevice
		case "P":
			overrides.PlaybackDevice = playbackDevice
		case "r":
			overrides.SampleRate = rate
		case "t":
			overrides.Threshold = threshold
		case "l":
			overrides.BlockSize = blockSize
		case "h":
			overrides.Hysteresis = hysteresis
		}
	})

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := loadConfig(*configPath, overrides)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "echoback: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "echoback: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(cfg.Server.LogLevel.Level())
	slog.SetDefault(newLogger(&level))

	slog.Info("echoback starting",
		"version", version,
		"config", *configPath,
		"backend", cfg.Audio.Backend,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceVersion: version,
		Registerer:     promReg,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	// ── Backend registry ──────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinBackends(reg)

	opts := []app.Option{
		app.WithGatherer(promReg),
		app.WithLogLevel(&level),
	}
	if *watch && *configPath != "" {
		opts = append(opts, app.WithConfigReload(*configPath, overrides, 0))
	}

	application, err := app.New(ctx, cfg, reg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		fmt.Fprintf(os.Stderr, "echoback: %v\n", err)
		return 1
	}
	if addr := application.Addr(); addr != nil {
		slog.Info("diagnostics available", "healthz", "http://"+addr.String()+"/healthz", "metrics", "http://"+addr.String()+"/metrics")
	}

	slog.Info("listening; press Ctrl+C to stop")

	runErr := application.Run(ctx)
	if runErr != nil {
		slog.Error("run error", "err", runErr)
		fmt.Fprintf(os.Stderr, "echoback: %v\n", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// loadConfig reads path (or starts from the defaults when path is empty),
// applies the command-line overrides and validates the result.
func loadConfig(path string, o config.Overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return nil, err
		}
	}
	cfg.Apply(o)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ── Backend wiring ────────────────────────────────────────────────────────────

func registerBuiltinBackends(reg *config.Registry) {
	reg.RegisterBackend("portaudio", func(config.AudioConfig) (audio.Backend, error) {
		return portaudio.New()
	})
	reg.RegisterBackend("pipe", func(ac config.AudioConfig) (audio.Backend, error) {
		return pipe.New(ac.Pipe.CaptureCommand, ac.Pipe.PlaybackCommand), nil
	})
}

func printDevices(w io.Writer) int {
	b, err := portaudio.New()
	if err != nil {
		fmt.Fprintf(os.Stderr, "echoback: %v\n", err)
		return 1
	}
	defer b.Close()

	devs, err := b.ListDevices()
	if err != nil {
		fmt.Fprintf(os.Stderr, "echoback: %v\n", err)
		return 1
	}
	for _, d := range devs {
		fmt.Fprintf(w, "%-40s  %-12s  in:%d out:%d  %.0f Hz\n",
			d.Name, d.HostAPI, d.MaxInputChannels, d.MaxOutputChannels, d.DefaultSampleRate)
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level slog.Leveler) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
