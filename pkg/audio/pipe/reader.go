package pipe

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/echoback/pkg/audio"
)

// Reader decodes a raw S16_LE byte stream into sample blocks.
type Reader struct {
	src  io.ReadCloser
	raw  []byte
	proc *process // nil unless started by Backend.OpenInput

	mu     sync.Mutex
	closed bool
}

// NewReader returns a Reader over src. Closing the Reader closes src.
func NewReader(src io.ReadCloser) *Reader {
	return &Reader{src: src}
}

// Read fills buf with the next block. A trailing partial block is returned
// with a nil error; the following call reports io.EOF. When the stream came
// from a command that exited with an error, that error is returned instead
// of io.EOF.
func (r *Reader) Read(buf []int16) (int, error) {
	want := len(buf) * audio.BytesPerSample
	if cap(r.raw) < want {
		r.raw = make([]byte, want)
	}
	raw := r.raw[:want]

	n, err := io.ReadFull(r.src, raw)
	samples := audio.DecodePCM16LE(buf, raw[:n-n%audio.BytesPerSample])

	switch {
	case err == nil:
		return samples, nil
	case errors.Is(err, io.ErrUnexpectedEOF):
		return samples, nil
	case errors.Is(err, io.EOF):
		return 0, r.endOfStream()
	default:
		if r.isClosed() {
			return samples, audio.ErrClosed
		}
		return samples, fmt.Errorf("pipe: read: %w", err)
	}
}

func (r *Reader) endOfStream() error {
	if r.proc != nil {
		if err := r.proc.wait(); err != nil && !r.isClosed() {
			return err
		}
	}
	return io.EOF
}

func (r *Reader) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close closes the stream and stops the capture command, if any.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	err := r.src.Close()
	if r.proc != nil {
		if r.proc.cmd.Process != nil {
			_ = r.proc.cmd.Process.Kill()
		}
		_ = r.proc.wait()
	}
	return err
}
