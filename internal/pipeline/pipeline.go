// Package pipeline wires an input device, the activity detector and an
// output device into echoback's record-then-replay loop.
//
// A [Pipeline] runs two goroutines under one errgroup: a [Recorder] that
// captures and buffers utterances, and a [Player] that writes them (or
// silence) to the output. They communicate through a bounded playback queue.
// Whichever loop fails first cancels the other.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/echoback/pkg/audio"
)

// Pipeline couples one input and one output device.
type Pipeline struct {
	in   audio.InputDevice
	out  audio.OutputDevice
	cfg  Config
	opts []Option

	heartbeat *Heartbeat
}

// New creates a Pipeline. The devices must already be open; the Pipeline
// does not close them.
func New(in audio.InputDevice, out audio.OutputDevice, cfg Config, opts ...Option) *Pipeline {
	o := buildOptions(opts)
	return &Pipeline{
		in:        in,
		out:       out,
		cfg:       cfg,
		opts:      append(slices.Clip(opts), WithHeartbeat(o.heartbeat)),
		heartbeat: o.heartbeat,
	}
}

// Heartbeat returns the playback heartbeat, for the readiness check.
func (p *Pipeline) Heartbeat() *Heartbeat { return p.heartbeat }

// LivenessTimeout returns the configured playback liveness timeout.
func (p *Pipeline) LivenessTimeout() time.Duration { return p.cfg.LivenessTimeout }

// Run starts both loops and blocks until they have returned. It returns nil
// when ctx is cancelled or the input stream ends and its last utterance has
// been played; otherwise the first fatal error, which wraps [ErrCapture],
// [ErrPlayback] or [ErrPlaybackStalled].
//
// A loop stuck in a device call cannot be interrupted. On a playback stall
// Run returns at once and leaves the player behind; after any other stop it
// waits at most [Config.StopGrace]. Closing the devices releases an
// abandoned loop.
func (p *Pipeline) Run(ctx context.Context) error {
	queue := make(chan audio.Frame, p.cfg.queueCapacity())
	rec := NewRecorder(p.in, queue, p.cfg, p.opts...)
	player := NewPlayer(p.out, queue, p.cfg, p.opts...)

	p.heartbeat.Beat()

	var first firstError
	recDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(recDone)
		return first.keep(rec.Run(gctx))
	})
	g.Go(func() error { return first.keep(player.Run(gctx)) })

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()

	var err error
	select {
	case err = <-done:
	case <-gctx.Done():
		err = p.awaitStop(done, first.get())
	}

	// The queue is closed once the recorder has returned.
	select {
	case <-recDone:
		if n := audio.Drain(queue); n > 0 {
			slog.Info("pipeline: discarded queued frames on shutdown", "frames", n)
			buildOptions(p.opts).metrics.PlaybackQueueDepth.Add(context.WithoutCancel(ctx), -int64(n))
		}
	default:
	}
	return err
}

// awaitStop waits for both loops after the run context ended. cause is the
// error that ended it, if a loop failed.
func (p *Pipeline) awaitStop(done <-chan error, cause error) error {
	if errors.Is(cause, ErrPlaybackStalled) {
		slog.Warn("pipeline: abandoning stalled playback loop")
		return cause
	}
	select {
	case err := <-done:
		return err
	case <-time.After(p.cfg.stopGrace()):
		slog.Warn("pipeline: loop did not stop in time, abandoning it", "grace", p.cfg.stopGrace())
		return cause
	}
}

// firstError records the first non-nil error reported by any loop.
type firstError struct {
	mu  sync.Mutex
	err error
}

func (f *firstError) keep(err error) error {
	if err != nil {
		f.mu.Lock()
		if f.err == nil {
			f.err = err
		}
		f.mu.Unlock()
	}
	return err
}

func (f *firstError) get() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}
