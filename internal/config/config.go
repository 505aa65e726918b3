// Package config provides the configuration schema, loader, reload watcher
// and audio backend registry for echoback.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to the corresponding [slog.Level]. Unknown and empty levels
// map to [slog.LevelInfo].
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Defaults applied by [Default] and therefore to every loaded config.
const (
	DefaultBackend    = "portaudio"
	DefaultDevice     = "default"
	DefaultSampleRate = 48000
	DefaultBlockSize  = 4800
	DefaultThreshold  = 1000
	DefaultHysteresis = 5

	// DefaultBufferSeconds is the amount of audio a derived buffer limit holds.
	DefaultBufferSeconds = 60

	// MinLivenessTimeout is the floor of the derived playback liveness timeout.
	MinLivenessTimeout = 2 * time.Second

	// MaxThreshold is the largest meaningful threshold; a peak can never
	// exceed it.
	MaxThreshold = 32767
)

// Config is the root configuration structure for echoback.
// It is typically loaded from a YAML file using [Load] or [LoadFromReader].
// A Config is not modified after startup apart from the log level, which
// the [Watcher] may reload.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Audio     AudioConfig     `yaml:"audio"`
	Detection DetectionConfig `yaml:"detection"`
	Buffer    BufferConfig    `yaml:"buffer"`
}

// ServerConfig holds the diagnostics listener and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address serving /healthz, /readyz and /metrics
	// (e.g., ":9090"). Empty disables the listener.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// AudioConfig selects the sound system and the two devices.
type AudioConfig struct {
	// Backend selects the registered [audio.Backend] implementation
	// ("portaudio" or "pipe").
	Backend string `yaml:"backend"`

	// RecordDevice is the capture device identifier.
	RecordDevice string `yaml:"record_device"`

	// PlaybackDevice is the playback device identifier.
	PlaybackDevice string `yaml:"playback_device"`

	// SampleRate in Hz, shared by both devices.
	SampleRate int `yaml:"sample_rate"`

	// BlockSize is the number of samples per captured frame.
	BlockSize int `yaml:"block_size"`

	// SilenceBlockSize is the length of the idle silence frame. Zero means
	// BlockSize.
	SilenceBlockSize int `yaml:"silence_block_size"`

	// Pipe configures the "pipe" backend. Ignored by other backends.
	Pipe PipeConfig `yaml:"pipe"`
}

// PipeConfig holds the commands used by the "pipe" backend. Arguments may
// contain the placeholders {device} and {rate}. Empty commands fall back to
// arecord and aplay.
type PipeConfig struct {
	// CaptureCommand writes raw S16_LE mono PCM to stdout.
	CaptureCommand []string `yaml:"capture_command"`

	// PlaybackCommand reads raw S16_LE mono PCM from stdin.
	PlaybackCommand []string `yaml:"playback_command"`
}

// DetectionConfig tunes the activity detector.
type DetectionConfig struct {
	// Threshold is the peak level (0..32767) a frame must exceed to be loud.
	Threshold int `yaml:"threshold"`

	// Hysteresis is the number of quiet frames kept after the last loud one.
	Hysteresis int `yaml:"hysteresis"`
}

// BufferConfig bounds memory use and configures the playback watchdog.
type BufferConfig struct {
	// MaxRecordFrames bounds a single utterance. Zero derives a limit of
	// DefaultBufferSeconds of audio.
	MaxRecordFrames int `yaml:"max_record_frames"`

	// MaxPlaybackFrames bounds the playback queue. Zero derives a limit of
	// DefaultBufferSeconds of audio.
	MaxPlaybackFrames int `yaml:"max_playback_frames"`

	// LivenessTimeout is how long capture tolerates a playback loop that
	// completes no cycle. Zero derives max(MinLivenessTimeout, 4 blocks).
	LivenessTimeout time.Duration `yaml:"liveness_timeout"`
}

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
		Audio: AudioConfig{
			Backend:        DefaultBackend,
			RecordDevice:   DefaultDevice,
			PlaybackDevice: DefaultDevice,
			SampleRate:     DefaultSampleRate,
			BlockSize:      DefaultBlockSize,
		},
		Detection: DetectionConfig{
			Threshold:  DefaultThreshold,
			Hysteresis: DefaultHysteresis,
		},
	}
}

// BlockDuration returns the audio duration of one block.
func (c *Config) BlockDuration() time.Duration {
	if c.Audio.SampleRate <= 0 {
		return 0
	}
	return time.Duration(c.Audio.BlockSize) * time.Second / time.Duration(c.Audio.SampleRate)
}

// RecordLimit returns the effective bound of the recording buffer.
func (c *Config) RecordLimit() int {
	if c.Buffer.MaxRecordFrames > 0 {
		return c.Buffer.MaxRecordFrames
	}
	return c.derivedFrames()
}

// PlaybackLimit returns the effective capacity of the playback queue.
func (c *Config) PlaybackLimit() int {
	if c.Buffer.MaxPlaybackFrames > 0 {
		return c.Buffer.MaxPlaybackFrames
	}
	return c.derivedFrames()
}

// Liveness returns the effective playback liveness timeout.
func (c *Config) Liveness() time.Duration {
	if c.Buffer.LivenessTimeout > 0 {
		return c.Buffer.LivenessTimeout
	}
	return max(MinLivenessTimeout, 4*c.BlockDuration())
}

func (c *Config) derivedFrames() int {
	if c.Audio.BlockSize <= 0 {
		return 1
	}
	return max(DefaultBufferSeconds*c.Audio.SampleRate/c.Audio.BlockSize, 1)
}

// Overrides carries command-line values that take precedence over the file.
// Nil fields are left untouched.
type Overrides struct {
	RecordDevice   *string
	PlaybackDevice *string
	SampleRate     *int
	Threshold      *int
	BlockSize      *int
	Hysteresis     *int
}

// Apply copies every non-nil override into c.
func (c *Config) Apply(o Overrides) {
	if o.RecordDevice != nil {
		c.Audio.RecordDevice = *o.RecordDevice
	}
	if o.PlaybackDevice != nil {
		c.Audio.PlaybackDevice = *o.PlaybackDevice
	}
	if o.SampleRate != nil {
		c.Audio.SampleRate = *o.SampleRate
	}
	if o.Threshold != nil {
		c.Detection.Threshold = *o.Threshold
	}
	if o.BlockSize != nil {
		c.Audio.BlockSize = *o.BlockSize
	}
	if o.Hysteresis != nil {
		c.Detection.Hysteresis = *o.Hysteresis
	}
}
