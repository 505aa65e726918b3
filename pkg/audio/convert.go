package audio

import (
	"encoding/binary"
	"fmt"
)

// BytesPerSample is the width of one signed 16-bit PCM sample on the wire.
const BytesPerSample = 2

// DecodePCM16LE decodes little-endian signed 16-bit PCM from src into dst and
// returns the number of samples written. Decoding stops at whichever of src
// or dst runs out first; a trailing odd byte in src is ignored.
func DecodePCM16LE(dst []int16, src []byte) int {
	n := min(len(dst), len(src)/BytesPerSample)
	for i := range n {
		dst[i] = int16(binary.LittleEndian.Uint16(src[i*BytesPerSample:]))
	}
	return n
}

// AppendPCM16LE appends samples to dst as little-endian signed 16-bit PCM and
// returns the extended buffer.
func AppendPCM16LE(dst []byte, samples []int16) []byte {
	for _, s := range samples {
		dst = binary.LittleEndian.AppendUint16(dst, uint16(s))
	}
	return dst
}

// EncodePCM16LE returns samples as little-endian signed 16-bit PCM.
func EncodePCM16LE(samples []int16) []byte {
	return AppendPCM16LE(make([]byte, 0, len(samples)*BytesPerSample), samples)
}

// Duration returns the playing time of n samples at sampleRate, in seconds.
// It returns 0 for a non-positive sampleRate.
func Duration(n, sampleRate int) float64 {
	if sampleRate <= 0 {
		return 0
	}
	return float64(n) / float64(sampleRate)
}

// FormatString returns a human-readable description of a mono 16-bit stream,
// e.g. "48000Hz mono s16, 4800 samples/block".
func FormatString(p StreamParams) string {
	return fmt.Sprintf("%dHz mono s16, %d samples/block", p.SampleRate, p.BlockSize)
}
