package pipe

import (
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/echoback/pkg/audio"
)

// Writer encodes sample blocks into a raw S16_LE byte stream.
type Writer struct {
	dst  io.WriteCloser
	buf  []byte
	proc *process // nil unless started by Backend.OpenOutput
	pace *pacer   // nil for sinks that block on their own

	mu     sync.Mutex
	closed bool
}

// NewWriter returns a Writer over dst. Closing the Writer closes dst.
func NewWriter(dst io.WriteCloser) *Writer {
	return &Writer{dst: dst}
}

// NewPacedWriter returns a Writer over dst that writes no faster than
// sampleRate samples per second. Use it for sinks that accept data faster
// than real time.
func NewPacedWriter(dst io.WriteCloser, sampleRate int) *Writer {
	return &Writer{dst: dst, pace: newPacer(sampleRate)}
}

// Write encodes samples and writes them in full. A paced Writer first waits
// until the samples are due.
func (w *Writer) Write(samples []int16) error {
	if w.isClosed() {
		return audio.ErrClosed
	}
	if w.pace != nil {
		w.pace.wait(len(samples))
	}
	w.buf = audio.AppendPCM16LE(w.buf[:0], samples)
	if _, err := w.dst.Write(w.buf); err != nil {
		return fmt.Errorf("pipe: write: %w", err)
	}
	return nil
}

// Recover always fails: a pipe whose reader has gone away cannot be revived.
func (w *Writer) Recover(err error) error {
	return fmt.Errorf("%w: %w", ErrNotRecoverable, err)
}

func (w *Writer) isClosed() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closed
}

// Close closes the stream and waits for the playback command, if any, to
// play out what it has buffered.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	err := w.dst.Close()
	if w.proc != nil {
		if werr := w.proc.wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}
