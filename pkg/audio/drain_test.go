package audio_test

import (
	"testing"

	"github.com/MrWong99/echoback/pkg/audio"
)

func TestDrain(t *testing.T) {
	t.Parallel()

	ch := make(chan audio.Frame, 4)
	ch <- audio.Silence(2)
	ch <- audio.Silence(2)
	ch <- audio.Silence(2)
	close(ch)

	if got := audio.Drain(ch); got != 3 {
		t.Errorf("Drain = %d, want 3", got)
	}
	if got := audio.Drain(ch); got != 0 {
		t.Errorf("Drain on empty closed channel = %d, want 0", got)
	}
}
