package portaudio

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/echoback/pkg/audio"
)

// inputStream reads one block per call into the buffer bound to the stream.
type inputStream struct {
	stream *pa.Stream
	buf    []int16
	name   string

	overflows int

	mu     sync.Mutex
	closed bool
}

func (s *inputStream) Read(dst []int16) (int, error) {
	if s.isClosed() {
		return 0, audio.ErrClosed
	}
	if err := s.stream.Read(); err != nil {
		// An overflow means samples were lost on the host side, but the
		// buffer still holds a valid block.
		if !errors.Is(err, pa.InputOverflowed) {
			if s.isClosed() {
				return 0, audio.ErrClosed
			}
			return 0, fmt.Errorf("portaudio: read %q: %w", s.name, err)
		}
		s.overflows++
		slog.Warn("portaudio: input overflow", "device", s.name, "count", s.overflows)
	}
	return copy(dst, s.buf), nil
}

func (s *inputStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *inputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return closeStream(s.stream)
}

// outputStream writes samples through the buffer bound to the stream, one
// host buffer at a time. A trailing partial chunk is padded with silence.
type outputStream struct {
	stream *pa.Stream
	buf    []int16
	name   string

	underflows int

	mu     sync.Mutex
	closed bool
}

func (s *outputStream) Write(samples []int16) error {
	if s.isClosed() {
		return audio.ErrClosed
	}
	n, err := writeChunks(s.buf, samples, s.stream.Write)
	if n > 0 {
		s.underflows += n
		slog.Warn("portaudio: output underflow", "device", s.name, "count", s.underflows)
	}
	if err != nil {
		if s.isClosed() {
			return audio.ErrClosed
		}
		return fmt.Errorf("portaudio: write %q: %w", s.name, err)
	}
	return nil
}

// writeChunks copies samples into buf one chunk at a time and calls write
// after each. An underflow means the host ran dry before the chunk arrived;
// the chunk itself was still queued, so writing goes on with the next one.
// It returns the number of underflows seen.
func writeChunks(buf, samples []int16, write func() error) (int, error) {
	underflows := 0
	for len(samples) > 0 {
		n := copy(buf, samples)
		clear(buf[n:])
		samples = samples[n:]
		if err := write(); err != nil {
			if !errors.Is(err, pa.OutputUnderflowed) {
				return underflows, err
			}
			underflows++
		}
	}
	return underflows, nil
}

// Recover restarts the stream once.
func (s *outputStream) Recover(err error) error {
	if s.isClosed() {
		return audio.ErrClosed
	}
	if serr := s.stream.Stop(); serr != nil {
		return fmt.Errorf("portaudio: stop %q: %w: %w", s.name, serr, err)
	}
	if serr := s.stream.Start(); serr != nil {
		return fmt.Errorf("portaudio: restart %q: %w: %w", s.name, serr, err)
	}
	return nil
}

func (s *outputStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *outputStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return closeStream(s.stream)
}

func closeStream(stream *pa.Stream) error {
	stopErr := stream.Stop()
	closeErr := stream.Close()
	return errors.Join(stopErr, closeErr)
}
