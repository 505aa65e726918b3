package pipe

import "time"

// pacer holds a stream to real time for sinks that never push back, such as
// a file or a fast reader on stdout. Without it the idle-silence loop would
// write as fast as the sink accepts.
type pacer struct {
	rate int

	start time.Time
	sent  int64 // samples since start

	now   func() time.Time
	sleep func(time.Duration)
}

func newPacer(sampleRate int) *pacer {
	return &pacer{rate: sampleRate, now: time.Now, sleep: time.Sleep}
}

// wait blocks until n more samples are due. The first block is due at once,
// so the stream stays at most one block ahead of the wall clock. A stream
// that fell behind (the sink blocked) restarts its schedule instead of
// catching up in a burst.
func (p *pacer) wait(n int) {
	if p.rate <= 0 {
		return
	}
	now := p.now()
	if p.start.IsZero() {
		p.start = now
	}
	due := p.start.Add(time.Duration(p.sent) * time.Second / time.Duration(p.rate))
	switch d := due.Sub(now); {
	case d > 0:
		p.sleep(d)
	case d < 0:
		p.start, p.sent = now, 0
	}
	p.sent += int64(n)
}
