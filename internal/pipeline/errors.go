package pipeline

import "errors"

var (
	// ErrCapture is wrapped by every fatal error from the capture loop.
	ErrCapture = errors.New("pipeline: capture failed")

	// ErrPlayback is wrapped by a playback write error that could not be
	// recovered.
	ErrPlayback = errors.New("pipeline: playback failed")

	// ErrPlaybackStalled is returned when the playback loop has not completed
	// a cycle within the liveness timeout.
	ErrPlaybackStalled = errors.New("pipeline: playback stalled")
)
