package audio

// Frame is a single block of mono, signed 16-bit PCM flowing through the
// pipeline. Frames are the atomic unit of audio transport. They are captured from an
// [InputDevice], buffered while the source is active and finally written to
// an [OutputDevice].
//
// A Frame is immutable once captured. Ownership of Samples moves with the
// frame from queue to queue; stages never copy or modify it.
type Frame struct {
	// Samples holds one block of PCM samples. Its length is the configured
	// block size, except for a short final read from an input stream.
	Samples []int16

	// Seq is the capture sequence number, starting at 1. Silence frames
	// generated by the playback stage carry Seq 0.
	Seq uint64
}

// Len returns the number of samples in the frame.
func (f Frame) Len() int { return len(f.Samples) }

// IsSilent reports whether every sample in the frame is zero.
func (f Frame) IsSilent() bool {
	for _, s := range f.Samples {
		if s != 0 {
			return false
		}
	}
	return true
}

// Silence returns a frame of n zero-valued samples.
func Silence(n int) Frame {
	return Frame{Samples: make([]int16, n)}
}

// StreamParams describes the stream a [Backend] should open. Format is fixed
// to single-channel, signed 16-bit PCM.
type StreamParams struct {
	// Device is the backend-specific device identifier (e.g. "default",
	// "hw:1,0", or a PortAudio device name).
	Device string

	// SampleRate in Hz (e.g. 48000).
	SampleRate int

	// BlockSize is the number of samples transferred per read or write.
	BlockSize int
}
