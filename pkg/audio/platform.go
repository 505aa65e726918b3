// Package audio defines the frame type, the level meter and the device
// interfaces used by echoback's record-and-replay pipeline.
//
// The three primary abstractions are:
//
//   - [Backend] opens capture and playback streams on a sound system.
//   - [InputDevice] is a blocking source of mono 16-bit PCM blocks.
//   - [OutputDevice] is a blocking sink for mono 16-bit PCM blocks, with a
//     recovery primitive for transient underrun/overrun conditions.
//
// Implementations live in backend-specific packages (audio/portaudio,
// audio/pipe). The interfaces are intentionally narrow so the pipeline does
// not depend on any sound-system details.
package audio

import (
	"context"
	"errors"
)

var (
	// ErrDeviceOpen is wrapped by every error a [Backend] returns when a
	// stream cannot be opened or configured with the requested parameters.
	ErrDeviceOpen = errors.New("audio: device open failed")

	// ErrXrun is wrapped by device errors that describe a transient buffer
	// underrun or overrun. Such errors are candidates for
	// [OutputDevice.Recover].
	ErrXrun = errors.New("audio: buffer underrun/overrun")

	// ErrClosed is returned by device methods called after Close.
	ErrClosed = errors.New("audio: device closed")
)

// IsTransient reports whether err describes a transient device condition
// (underrun or overrun) rather than a hard failure.
func IsTransient(err error) bool {
	return errors.Is(err, ErrXrun)
}

// InputDevice is an open capture stream.
//
// An InputDevice is used by a single goroutine; implementations need not be
// safe for concurrent use apart from Close.
type InputDevice interface {
	// Read blocks until a block of samples is available and copies it into
	// buf, returning the number of samples written. A short count is only
	// returned at the end of a finite stream. Read returns io.EOF once the
	// stream is exhausted; any other error is a device failure.
	Read(buf []int16) (int, error)

	// Close stops the stream and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// OutputDevice is an open playback stream.
//
// An OutputDevice is used by a single goroutine; implementations need not be
// safe for concurrent use apart from Close.
type OutputDevice interface {
	// Write blocks until samples have been handed to the device.
	Write(samples []int16) error

	// Recover attempts to bring the stream back into a runnable state after
	// Write returned err. It returns nil when the stream was recovered and
	// writing may continue, or a non-nil error when err is not recoverable.
	Recover(err error) error

	// Close stops the stream and releases the device. Calling Close more than
	// once is safe and returns nil.
	Close() error
}

// Backend is the entry point for a sound system.
//
// Implementations must be safe for concurrent use.
type Backend interface {
	// OpenInput opens a capture stream. Errors wrap [ErrDeviceOpen].
	OpenInput(ctx context.Context, p StreamParams) (InputDevice, error)

	// OpenOutput opens a playback stream. Errors wrap [ErrDeviceOpen].
	OpenOutput(ctx context.Context, p StreamParams) (OutputDevice, error)

	// Close releases backend-wide resources. Devices must be closed first.
	Close() error
}
