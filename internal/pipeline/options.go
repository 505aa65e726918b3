package pipeline

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MrWong99/echoback/internal/activity"
	"github.com/MrWong99/echoback/internal/observe"
)

// Config holds the immutable parameters of a pipeline run.
type Config struct {
	// SampleRate of both streams in Hz. Used for durations in logs and metrics.
	SampleRate int

	// BlockSize is the number of samples read per capture cycle.
	BlockSize int

	// SilenceBlockSize is the length of the idle silence frame written when
	// the playback queue is empty. Zero means BlockSize.
	SilenceBlockSize int

	// Threshold is the peak level a frame must exceed to count as loud.
	Threshold int16

	// Hysteresis is the number of quiet frames kept after the last loud one.
	Hysteresis int

	// MaxRecordFrames bounds the recording buffer. Zero means unbounded.
	MaxRecordFrames int

	// MaxPlaybackFrames is the capacity of the playback queue. Values below 1
	// are raised to 1.
	MaxPlaybackFrames int

	// LivenessTimeout is the longest the capture loop tolerates without a
	// completed playback cycle. Zero disables the watchdog.
	LivenessTimeout time.Duration

	// PlaybackDevice names the output device in recovery metrics and logs.
	PlaybackDevice string

	// StopGrace bounds how long Run waits for a loop that does not react to
	// cancellation, such as a read or write stuck in the device. Zero means
	// DefaultStopGrace.
	StopGrace time.Duration
}

// DefaultStopGrace is the default of [Config.StopGrace].
const DefaultStopGrace = 2 * time.Second

func (c Config) stopGrace() time.Duration {
	if c.StopGrace > 0 {
		return c.StopGrace
	}
	return DefaultStopGrace
}

func (c Config) silenceBlockSize() int {
	if c.SilenceBlockSize > 0 {
		return c.SilenceBlockSize
	}
	return c.BlockSize
}

func (c Config) queueCapacity() int {
	return max(c.MaxPlaybackFrames, 1)
}

// EdgeHandler is called by the capture loop once per activity edge. It runs
// on the capture goroutine and must not block.
type EdgeHandler func(activity.Edge)

// ConsoleEdges returns an EdgeHandler that writes one line ("ON" or "OFF")
// per edge to w.
func ConsoleEdges(w io.Writer) EdgeHandler {
	return func(e activity.Edge) {
		if _, err := fmt.Fprintln(w, e.String()); err != nil {
			slog.Warn("pipeline: failed to write edge", "edge", e.String(), "err", err)
		}
	}
}

// Option configures a [Pipeline], [Recorder] or [Player].
type Option func(*options)

type options struct {
	metrics   *observe.Metrics
	onEdge    EdgeHandler
	heartbeat *Heartbeat
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithEdgeHandler sets the callback for ON/OFF edges. Defaults to a no-op.
func WithEdgeHandler(h EdgeHandler) Option {
	return func(o *options) {
		o.onEdge = h
	}
}

// WithHeartbeat shares h between the player that beats it and the watchdog
// that reads it.
func WithHeartbeat(h *Heartbeat) Option {
	return func(o *options) {
		o.heartbeat = h
	}
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.metrics == nil {
		o.metrics = observe.DefaultMetrics()
	}
	if o.onEdge == nil {
		o.onEdge = func(activity.Edge) {}
	}
	if o.heartbeat == nil {
		o.heartbeat = &Heartbeat{}
	}
	return o
}
