package pipeline

import "github.com/MrWong99/echoback/pkg/audio"

// recordBuffer accumulates the frames of the current utterance. It is owned
// by the capture goroutine. Once limit frames are held, further frames are
// dropped from the tail and counted.
type recordBuffer struct {
	frames  []audio.Frame
	limit   int // 0 = unbounded
	dropped int
}

// append adds f unless the buffer is full. It reports whether f was kept.
func (b *recordBuffer) append(f audio.Frame) bool {
	if b.limit > 0 && len(b.frames) >= b.limit {
		b.dropped++
		return false
	}
	b.frames = append(b.frames, f)
	return true
}

// len returns the number of buffered frames.
func (b *recordBuffer) len() int { return len(b.frames) }

// samples returns the total number of buffered samples.
func (b *recordBuffer) samples() int {
	var n int
	for _, f := range b.frames {
		n += f.Len()
	}
	return n
}

// reset empties the buffer and the drop count, keeping the backing array.
func (b *recordBuffer) reset() {
	clear(b.frames)
	b.frames = b.frames[:0]
	b.dropped = 0
}
