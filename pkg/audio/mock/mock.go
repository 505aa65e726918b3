// Package mock provides in-memory mock implementations of the [audio.Backend],
// [audio.InputDevice] and [audio.OutputDevice] interfaces for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	in := mock.NewInput(mock.Constant(4, 1500), mock.Constant(4, 0))
//	out := &mock.Output{Delay: time.Millisecond}
//	backend := &mock.Backend{Input: in, Output: out}
//	dev, err := backend.OpenInput(ctx, audio.StreamParams{BlockSize: 4})
package mock

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/MrWong99/echoback/pkg/audio"
)

// Compile-time interface assertions.
var (
	_ audio.Backend      = (*Backend)(nil)
	_ audio.InputDevice  = (*Input)(nil)
	_ audio.OutputDevice = (*Output)(nil)
)

// Constant returns a block of n samples all set to v.
func Constant(n int, v int16) []int16 {
	b := make([]int16, n)
	for i := range b {
		b[i] = v
	}
	return b
}

// ─── Input ────────────────────────────────────────────────────────────────────

// Input is a scripted [audio.InputDevice]. Each call to Read returns the next
// block from Blocks; once the script is exhausted Read returns ReadError, or
// io.EOF when ReadError is nil.
type Input struct {
	mu sync.Mutex

	// Blocks is the script of sample blocks returned by successive reads.
	Blocks [][]int16

	// ReadError is returned once Blocks is exhausted. Defaults to io.EOF.
	ReadError error

	// FailAt, when > 0, makes the FailAt-th call to Read (1-based) return
	// FailError instead of a block.
	FailAt    int
	FailError error

	// Delay is slept before every read to emulate a paced device.
	Delay time.Duration

	// CloseError is returned by Close.
	CloseError error

	// CallCountRead records how many times Read was called.
	CallCountRead int

	// CallCountClose records how many times Close was called.
	CallCountClose int

	next int
}

// NewInput returns an Input that replays blocks in order.
func NewInput(blocks ...[]int16) *Input {
	return &Input{Blocks: blocks}
}

// Read implements [audio.InputDevice].
func (in *Input) Read(buf []int16) (int, error) {
	in.mu.Lock()
	delay := in.Delay
	in.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	in.CallCountRead++
	if in.CallCountClose > 0 {
		return 0, audio.ErrClosed
	}
	if in.FailAt > 0 && in.CallCountRead == in.FailAt {
		return 0, in.FailError
	}
	if in.next >= len(in.Blocks) {
		if in.ReadError != nil {
			return 0, in.ReadError
		}
		return 0, io.EOF
	}
	n := copy(buf, in.Blocks[in.next])
	in.next++
	return n, nil
}

// Close implements [audio.InputDevice]. Returns CloseError.
func (in *Input) Close() error {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.CallCountClose++
	return in.CloseError
}

// ─── Output ───────────────────────────────────────────────────────────────────

// Output is a recording [audio.OutputDevice]. Every successful write is
// copied into Writes.
type Output struct {
	mu sync.Mutex

	// Delay is slept before every write to emulate a paced device.
	Delay time.Duration

	// Block, when non-nil, makes every Write wait until Block is closed or
	// the Output is closed, emulating a hung device.
	Block chan struct{}

	// WriteErrors is consumed front to back: while it is non-empty, each call
	// to Write pops the first entry and, if non-nil, returns it without
	// recording the write.
	WriteErrors []error

	// RecoverError is returned by Recover.
	RecoverError error

	// CloseError is returned by Close.
	CloseError error

	// Writes holds a copy of every block written, in order.
	Writes [][]int16

	// RecoverCalls records the errors passed to Recover.
	RecoverCalls []error

	// CallCountClose records how many times Close was called.
	CallCountClose int

	closed chan struct{}
}

// done returns a channel closed by the first Close. Callers hold o.mu.
func (o *Output) done() chan struct{} {
	if o.closed == nil {
		o.closed = make(chan struct{})
	}
	return o.closed
}

// Write implements [audio.OutputDevice].
func (o *Output) Write(samples []int16) error {
	o.mu.Lock()
	delay, block, done := o.Delay, o.Block, o.done()
	o.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	if block != nil {
		select {
		case <-block:
		case <-done:
			return audio.ErrClosed
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.CallCountClose > 0 {
		return audio.ErrClosed
	}
	if len(o.WriteErrors) > 0 {
		err := o.WriteErrors[0]
		o.WriteErrors = o.WriteErrors[1:]
		if err != nil {
			return err
		}
	}
	cp := make([]int16, len(samples))
	copy(cp, samples)
	o.Writes = append(o.Writes, cp)
	return nil
}

// Recover implements [audio.OutputDevice]. Records err and returns RecoverError.
func (o *Output) Recover(err error) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.RecoverCalls = append(o.RecoverCalls, err)
	return o.RecoverError
}

// Close implements [audio.OutputDevice]. It releases blocked writes and
// returns CloseError.
func (o *Output) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.CallCountClose++
	if o.CallCountClose == 1 {
		close(o.done())
	}
	return o.CloseError
}

// Closed reports whether Close has been called.
func (o *Output) Closed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.CallCountClose > 0
}

// Written returns a copy of all recorded writes.
func (o *Output) Written() [][]int16 {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([][]int16, len(o.Writes))
	copy(out, o.Writes)
	return out
}

// Audible returns the recorded writes that contain at least one non-zero
// sample, i.e. everything except idle silence.
func (o *Output) Audible() [][]int16 {
	var out [][]int16
	for _, w := range o.Written() {
		if !(audio.Frame{Samples: w}).IsSilent() {
			out = append(out, w)
		}
	}
	return out
}

// Recovers returns a copy of the errors passed to Recover.
func (o *Output) Recovers() []error {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]error, len(o.RecoverCalls))
	copy(out, o.RecoverCalls)
	return out
}

// ─── Backend ──────────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single OpenInput or OpenOutput call.
type OpenCall struct {
	// Params is the stream description passed to the open call.
	Params audio.StreamParams
}

// Backend is a mock implementation of [audio.Backend].
type Backend struct {
	mu sync.Mutex

	// Input is returned by OpenInput.
	Input audio.InputDevice

	// Output is returned by OpenOutput.
	Output audio.OutputDevice

	// OpenInputError and OpenOutputError are returned by the respective open calls.
	OpenInputError  error
	OpenOutputError error

	// CloseError is returned by Close.
	CloseError error

	// InputCalls and OutputCalls record every open call.
	InputCalls  []OpenCall
	OutputCalls []OpenCall

	// CallCountClose records how many times Close was called.
	CallCountClose int
}

// OpenInput implements [audio.Backend].
func (b *Backend) OpenInput(_ context.Context, p audio.StreamParams) (audio.InputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.InputCalls = append(b.InputCalls, OpenCall{Params: p})
	if b.OpenInputError != nil {
		return nil, b.OpenInputError
	}
	return b.Input, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(_ context.Context, p audio.StreamParams) (audio.OutputDevice, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.OutputCalls = append(b.OutputCalls, OpenCall{Params: p})
	if b.OpenOutputError != nil {
		return nil, b.OpenOutputError
	}
	return b.Output, nil
}

// Close implements [audio.Backend]. Returns CloseError.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CallCountClose++
	return b.CloseError
}
