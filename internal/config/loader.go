package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"gopkg.in/yaml.v3"
)

// ValidBackendNames lists the audio backends shipped with echoback.
// Used by [Validate] to warn about unrecognised backend names.
var ValidBackendNames = []string{"portaudio", "pipe"}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader] and [Validate].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default] and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Audio
	a := cfg.Audio
	if a.Backend == "" {
		errs = append(errs, errors.New("audio.backend is required"))
	} else if !slices.Contains(ValidBackendNames, a.Backend) {
		slog.Warn("unknown audio backend, it must be registered before startup",
			"backend", a.Backend,
			"known", ValidBackendNames,
		)
	}
	if a.RecordDevice == "" {
		errs = append(errs, errors.New("audio.record_device is required"))
	}
	if a.PlaybackDevice == "" {
		errs = append(errs, errors.New("audio.playback_device is required"))
	}
	if a.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be positive", a.SampleRate))
	}
	if a.BlockSize <= 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must be positive", a.BlockSize))
	}
	if a.SilenceBlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.silence_block_size %d must not be negative", a.SilenceBlockSize))
	}
	if a.Backend == "pipe" {
		if a.Pipe.CaptureCommand != nil && len(a.Pipe.CaptureCommand) == 0 {
			errs = append(errs, errors.New("audio.pipe.capture_command must not be an empty list"))
		}
		if a.Pipe.PlaybackCommand != nil && len(a.Pipe.PlaybackCommand) == 0 {
			errs = append(errs, errors.New("audio.pipe.playback_command must not be an empty list"))
		}
	}

	// Detection
	d := cfg.Detection
	if d.Threshold < 0 || d.Threshold > MaxThreshold {
		errs = append(errs, fmt.Errorf("detection.threshold %d is out of range [0, %d]", d.Threshold, MaxThreshold))
	}
	if d.Hysteresis < 0 {
		errs = append(errs, fmt.Errorf("detection.hysteresis %d must not be negative", d.Hysteresis))
	}

	// Buffer
	b := cfg.Buffer
	if b.MaxRecordFrames < 0 {
		errs = append(errs, fmt.Errorf("buffer.max_record_frames %d must not be negative", b.MaxRecordFrames))
	}
	if b.MaxPlaybackFrames < 0 {
		errs = append(errs, fmt.Errorf("buffer.max_playback_frames %d must not be negative", b.MaxPlaybackFrames))
	}
	if b.LivenessTimeout < 0 {
		errs = append(errs, fmt.Errorf("buffer.liveness_timeout %s must not be negative", b.LivenessTimeout))
	}
	if b.LivenessTimeout > 0 && a.SampleRate > 0 && b.LivenessTimeout <= cfg.BlockDuration() {
		slog.Warn("buffer.liveness_timeout is not longer than one block; playback may be reported as stalled",
			"liveness_timeout", b.LivenessTimeout,
			"block_duration", cfg.BlockDuration(),
		)
	}
	if b.MaxRecordFrames > 0 && b.MaxPlaybackFrames > 0 && b.MaxPlaybackFrames < b.MaxRecordFrames {
		slog.Warn("buffer.max_playback_frames is smaller than buffer.max_record_frames; long utterances will be truncated",
			"max_record_frames", b.MaxRecordFrames,
			"max_playback_frames", b.MaxPlaybackFrames,
		)
	}

	return errors.Join(errs...)
}
