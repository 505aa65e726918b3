// Package activity implements the loudness-gated state machine that decides
// which captured frames belong to an utterance and when an utterance ends.
//
// A [Detector] is fed one peak level per frame. It turns ON as soon as a level
// exceeds the threshold and stays ON through a grace window of up to
// hysteresis quiet frames, so that short pauses (breaths, gaps between words)
// do not split a single utterance. The first quiet frame after the grace
// window is exhausted turns it OFF and requests a flush; that frame itself is
// not part of the utterance.
package activity

// Edge identifies an activity transition reported by [Detector.Observe].
type Edge int

const (
	// EdgeNone means the activity state did not change on this frame.
	EdgeNone Edge = iota

	// EdgeOn is reported on the frame that turns an inactive detector active.
	EdgeOn

	// EdgeOff is reported on the frame that ends an utterance.
	EdgeOff
)

// String returns the console form of the edge ("ON", "OFF" or "NONE").
func (e Edge) String() string {
	switch e {
	case EdgeOn:
		return "ON"
	case EdgeOff:
		return "OFF"
	default:
		return "NONE"
	}
}

// Decision is the outcome of observing a single frame.
type Decision struct {
	// Edge is the transition caused by this frame, if any.
	Edge Edge

	// Record reports whether the frame belongs to the current utterance and
	// must be appended to the recording buffer.
	Record bool

	// Flush reports whether the recording buffer must be moved, in order, to
	// the playback queue. It is set exactly on EdgeOff frames.
	Flush bool
}

// Detector is the per-stream activity state machine. The zero value is not
// usable; create one with [New]. A Detector is not safe for concurrent use;
// it is owned by the capture goroutine.
type Detector struct {
	threshold  int16
	hysteresis int

	active bool
	grace  int
}

// New returns an inactive Detector. Levels strictly greater than threshold
// count as loud; hysteresis is the number of consecutive quiet frames kept in
// an utterance after the last loud one. A negative hysteresis is treated as 0.
func New(threshold int16, hysteresis int) *Detector {
	return &Detector{
		threshold:  threshold,
		hysteresis: max(hysteresis, 0),
	}
}

// Observe advances the state machine by one frame with the given peak level.
func (d *Detector) Observe(level int16) Decision {
	var dec Decision

	switch {
	case level > d.threshold:
		if !d.active {
			dec.Edge = EdgeOn
		}
		d.active = true
		d.grace = d.hysteresis
	case d.grace == 0:
		if d.active {
			d.active = false
			dec.Edge = EdgeOff
			dec.Flush = true
		}
	default:
		d.grace--
	}

	dec.Record = d.active
	return dec
}

// Active reports whether the source is loud or still inside its grace window.
func (d *Detector) Active() bool { return d.active }

// GraceRemaining returns the number of further quiet frames that will still be
// recorded before the detector turns OFF.
func (d *Detector) GraceRemaining() int { return d.grace }

// Threshold returns the configured loudness threshold.
func (d *Detector) Threshold() int16 { return d.threshold }

// Hysteresis returns the configured grace window length in frames.
func (d *Detector) Hysteresis() int { return d.hysteresis }

// End forces the end of the stream: an active detector turns OFF and the
// returned decision requests a flush, exactly as if the grace window had run
// out. An inactive detector returns the zero Decision.
func (d *Detector) End() Decision {
	if !d.active {
		return Decision{}
	}
	d.active = false
	d.grace = 0
	return Decision{Edge: EdgeOff, Flush: true}
}
