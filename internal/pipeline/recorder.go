package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/echoback/internal/activity"
	"github.com/MrWong99/echoback/internal/observe"
	"github.com/MrWong99/echoback/pkg/audio"
)

// Recorder is the capture loop. It reads one block per cycle from an
// [audio.InputDevice], meters it, feeds the level to an [activity.Detector]
// and either buffers the frame or, on an OFF edge, moves the whole buffer to
// the playback queue in capture order.
//
// The Recorder is the only sender on the playback queue and closes it when
// [Recorder.Run] returns.
type Recorder struct {
	in    audio.InputDevice
	queue chan<- audio.Frame
	cfg   Config
	opts  options

	det *activity.Detector
	buf recordBuffer
	seq uint64

	uttCtx  context.Context
	uttSpan trace.Span
}

// NewRecorder creates a Recorder that reads from in and flushes utterances
// into queue.
func NewRecorder(in audio.InputDevice, queue chan<- audio.Frame, cfg Config, opts ...Option) *Recorder {
	return &Recorder{
		in:    in,
		queue: queue,
		cfg:   cfg,
		opts:  buildOptions(opts),
		det:   activity.New(cfg.Threshold, cfg.Hysteresis),
		buf:   recordBuffer{limit: cfg.MaxRecordFrames},
	}
}

// Run executes the capture loop until ctx is cancelled, the input reaches
// end of stream or a fatal error occurs. At end of stream an active
// utterance is flushed as if the source had gone quiet. Cancellation is not
// an error. Run closes the playback queue before returning.
func (r *Recorder) Run(ctx context.Context) error {
	defer close(r.queue)
	defer r.abandonUtterance()

	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := r.checkLiveness(); err != nil {
			return err
		}

		samples := make([]int16, r.cfg.BlockSize)
		n, err := r.in.Read(samples)
		if n > 0 {
			r.seq++
			r.process(ctx, audio.Frame{Samples: samples[:n], Seq: r.seq})
		}
		if err == nil {
			continue
		}

		switch {
		case errors.Is(err, io.EOF):
			slog.Info("pipeline: input exhausted", "frames", r.seq)
			r.endOfStream(ctx)
			return nil
		case ctx.Err() != nil:
			return nil
		default:
			return fmt.Errorf("%w: read: %w", ErrCapture, err)
		}
	}
}

func (r *Recorder) checkLiveness() error {
	if r.cfg.LivenessTimeout <= 0 {
		return nil
	}
	d, ok := r.opts.heartbeat.Since()
	if ok && d > r.cfg.LivenessTimeout {
		return fmt.Errorf("%w: no playback cycle for %s", ErrPlaybackStalled, d.Round(time.Millisecond))
	}
	return nil
}

func (r *Recorder) process(ctx context.Context, f audio.Frame) {
	m := r.opts.metrics
	level := audio.Peak(f.Samples)
	m.FramesCaptured.Add(ctx, 1)
	m.InputPeak.Record(ctx, audio.DBFS(level))

	dec := r.det.Observe(level)

	if dec.Edge == activity.EdgeOn {
		r.uttCtx, r.uttSpan = observe.StartUtterance(ctx, f.Seq)
		r.logger(ctx).Debug("pipeline: activity on", "seq", f.Seq, "level", level)
		r.opts.onEdge(activity.EdgeOn)
	}

	if dec.Record {
		if r.buf.append(f) {
			m.FramesRecorded.Add(ctx, 1)
		} else if r.buf.dropped == 1 {
			r.logger(ctx).Warn("pipeline: recording buffer full, dropping frames",
				"limit", r.buf.limit, "seq", f.Seq)
		}
	}

	if dec.Flush {
		r.opts.onEdge(activity.EdgeOff)
		r.flush(ctx)
	}
}

func (r *Recorder) endOfStream(ctx context.Context) {
	if dec := r.det.End(); dec.Flush {
		r.opts.onEdge(activity.EdgeOff)
		r.flush(ctx)
	}
}

// flush moves the recording buffer into the playback queue without blocking.
// Frames that do not fit are dropped from the tail.
func (r *Recorder) flush(ctx context.Context) {
	m := r.opts.metrics
	frames := r.buf.frames
	recordDropped := r.buf.dropped
	seconds := audio.Duration(r.buf.samples(), r.cfg.SampleRate)

	sent := 0
send:
	for _, f := range frames {
		select {
		case r.queue <- f:
			sent++
		default:
			break send
		}
	}
	queueDropped := len(frames) - sent

	m.PlaybackQueueDepth.Add(ctx, int64(sent))
	m.RecordDropped(ctx, observe.StageRecord, recordDropped)
	m.RecordDropped(ctx, observe.StagePlayback, queueDropped)
	m.RecordUtterance(ctx, seconds)

	log := r.logger(ctx)
	if queueDropped > 0 {
		log.Warn("pipeline: playback queue full, utterance truncated",
			"queued", sent, "dropped", queueDropped)
	}
	log.Info("pipeline: utterance flushed",
		"frames", sent,
		"seconds", seconds,
		"dropped", recordDropped+queueDropped,
	)

	if r.uttSpan != nil {
		observe.EndUtterance(r.uttSpan, sent, recordDropped+queueDropped, seconds)
	}
	r.uttCtx, r.uttSpan = nil, nil
	r.buf.reset()
}

// logger returns a logger carrying the trace of the current utterance, if any.
func (r *Recorder) logger(ctx context.Context) *slog.Logger {
	if r.uttCtx != nil {
		return observe.Logger(r.uttCtx)
	}
	return observe.Logger(ctx)
}

// abandonUtterance ends a span left open by a failed or cancelled run.
func (r *Recorder) abandonUtterance() {
	if r.uttSpan == nil {
		return
	}
	r.uttSpan.End()
	r.uttCtx, r.uttSpan = nil, nil
}
