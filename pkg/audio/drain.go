package audio

// Drain reads from ch until the channel is closed, discarding all values, and
// returns how many values were discarded. The pipeline uses it to account for
// frames still queued for playback at shutdown.
func Drain[T any](ch <-chan T) int {
	n := 0
	for range ch {
		n++
	}
	return n
}
