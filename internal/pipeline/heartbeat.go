package pipeline

import (
	"sync/atomic"
	"time"
)

// Heartbeat records the completion time of the most recent playback cycle.
// It is written by the player and read by the capture watchdog and the
// readiness check. The zero value has never beaten.
type Heartbeat struct {
	last atomic.Int64 // unix nanoseconds
}

// Beat stamps the current time.
func (h *Heartbeat) Beat() {
	h.last.Store(time.Now().UnixNano())
}

// Last returns the time of the most recent beat, or the zero time if Beat has
// never been called.
func (h *Heartbeat) Last() time.Time {
	ns := h.last.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Since returns the time elapsed since the last beat. It reports ok == false
// when Beat has never been called.
func (h *Heartbeat) Since() (d time.Duration, ok bool) {
	ns := h.last.Load()
	if ns == 0 {
		return 0, false
	}
	return time.Since(time.Unix(0, ns)), true
}

// Alive reports whether a beat happened within timeout.
func (h *Heartbeat) Alive(timeout time.Duration) bool {
	d, ok := h.Since()
	return ok && d <= timeout
}
