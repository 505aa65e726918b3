package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/MrWong99/echoback/internal/observe"
	"github.com/MrWong99/echoback/pkg/audio"
)

// Player is the playback loop. Every cycle it takes the next queued frame if
// one is ready and otherwise writes a frame of silence, so the output device
// is never starved. Each completed cycle beats the shared [Heartbeat].
type Player struct {
	out     audio.OutputDevice
	queue   <-chan audio.Frame
	cfg     Config
	opts    options
	silence audio.Frame
}

// NewPlayer creates a Player that drains queue into out.
func NewPlayer(out audio.OutputDevice, queue <-chan audio.Frame, cfg Config, opts ...Option) *Player {
	return &Player{
		out:     out,
		queue:   queue,
		cfg:     cfg,
		opts:    buildOptions(opts),
		silence: audio.Silence(cfg.silenceBlockSize()),
	}
}

// Run executes the playback loop until ctx is cancelled, the queue has been
// closed and drained, or a write fails and cannot be recovered. Cancellation
// and a drained queue are not errors.
func (p *Player) Run(ctx context.Context) error {
	m := p.opts.metrics
	for {
		if ctx.Err() != nil {
			return nil
		}

		f, idle := p.silence, true
		select {
		case qf, ok := <-p.queue:
			if !ok {
				slog.Debug("pipeline: playback queue drained")
				return nil
			}
			m.PlaybackQueueDepth.Add(ctx, -1)
			f, idle = qf, false
		default:
		}

		written, err := p.write(ctx, f)
		if err != nil {
			return err
		}
		switch {
		case idle:
			m.FramesSilence.Add(ctx, 1)
		case written:
			m.FramesPlayed.Add(ctx, 1)
		default:
			m.RecordDropped(ctx, observe.StagePlayback, 1)
		}
		p.opts.heartbeat.Beat()
	}
}

// write hands f to the device. On failure it makes exactly one recovery
// attempt; the failed frame is not retried. written reports whether f reached
// the device.
func (p *Player) write(ctx context.Context, f audio.Frame) (written bool, err error) {
	werr := p.out.Write(f.Samples)
	if werr == nil {
		return true, nil
	}
	if ctx.Err() != nil {
		return false, nil
	}

	m := p.opts.metrics
	if rerr := p.out.Recover(werr); rerr != nil {
		m.RecordRecovery(ctx, p.cfg.PlaybackDevice, observe.StatusError)
		return false, fmt.Errorf("%w: write: %w (recover: %v)", ErrPlayback, werr, rerr)
	}
	m.RecordRecovery(ctx, p.cfg.PlaybackDevice, observe.StatusOK)
	slog.Warn("pipeline: playback recovered",
		"device", p.cfg.PlaybackDevice,
		"seq", f.Seq,
		"transient", audio.IsTransient(werr),
		"err", werr,
	)
	return false, nil
}
