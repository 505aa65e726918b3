// Package pipe implements [audio.Backend] on top of external commands that
// stream raw little-endian 16-bit mono PCM, by default ALSA's arecord and
// aplay. The device "-" reads from the process's own stdin or writes to its
// stdout, which makes echoback usable in shell pipelines.
//
// Pipes cannot recover from write errors, so [audio.OutputDevice.Recover]
// always fails and any playback error is fatal.
package pipe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/echoback/pkg/audio"
)

// StdioDevice selects the process's own stdin (capture) or stdout (playback).
const StdioDevice = "-"

// Placeholders substituted in command arguments.
const (
	PlaceholderDevice = "{device}"
	PlaceholderRate   = "{rate}"
)

// shutdownGrace is how long a command may take to exit after its stream was
// closed or its context cancelled before it is killed.
const shutdownGrace = 2 * time.Second

var (
	// DefaultCaptureCommand records mono S16_LE PCM from an ALSA device.
	DefaultCaptureCommand = []string{"arecord", "-q", "-D", PlaceholderDevice, "-r", PlaceholderRate, "-f", "S16_LE", "-c", "1", "-t", "raw"}

	// DefaultPlaybackCommand plays mono S16_LE PCM on an ALSA device.
	DefaultPlaybackCommand = []string{"aplay", "-q", "-D", PlaceholderDevice, "-r", PlaceholderRate, "-f", "S16_LE", "-c", "1", "-t", "raw"}
)

// ErrNotRecoverable is returned by Recover: a broken pipe stays broken.
var ErrNotRecoverable = errors.New("pipe: write errors are not recoverable")

// Compile-time interface assertions.
var (
	_ audio.Backend      = (*Backend)(nil)
	_ audio.InputDevice  = (*Reader)(nil)
	_ audio.OutputDevice = (*Writer)(nil)
)

// Backend starts one command per opened device.
type Backend struct {
	capture  []string
	playback []string
}

// New returns a Backend using the given command templates. A nil or empty
// template selects the corresponding default.
func New(capture, playback []string) *Backend {
	if len(capture) == 0 {
		capture = DefaultCaptureCommand
	}
	if len(playback) == 0 {
		playback = DefaultPlaybackCommand
	}
	return &Backend{capture: capture, playback: playback}
}

// OpenInput starts the capture command, or wraps stdin for [StdioDevice].
// The command is stopped when ctx is cancelled.
func (b *Backend) OpenInput(ctx context.Context, p audio.StreamParams) (audio.InputDevice, error) {
	if p.Device == StdioDevice {
		return NewReader(io.NopCloser(os.Stdin)), nil
	}
	args := Expand(b.capture, p)
	cmd := command(ctx, args)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: pipe: capture %q: %w", audio.ErrDeviceOpen, args[0], err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: pipe: start %q: %w", audio.ErrDeviceOpen, args[0], err)
	}
	slog.Info("pipe: capture started", "command", strings.Join(args, " "), "pid", cmd.Process.Pid)

	r := NewReader(stdout)
	r.proc = &process{cmd: cmd, stderr: &stderr}
	return r, nil
}

// OpenOutput starts the playback command, or wraps stdout for [StdioDevice].
// Stdout may be a file, so it is paced to the sample rate; a playback
// command paces the stream itself by blocking.
func (b *Backend) OpenOutput(ctx context.Context, p audio.StreamParams) (audio.OutputDevice, error) {
	if p.Device == StdioDevice {
		return NewPacedWriter(nopWriteCloser{os.Stdout}, p.SampleRate), nil
	}
	args := Expand(b.playback, p)
	cmd := command(ctx, args)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: pipe: playback %q: %w", audio.ErrDeviceOpen, args[0], err)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Start(); err != nil {
		_ = stdin.Close()
		return nil, fmt.Errorf("%w: pipe: start %q: %w", audio.ErrDeviceOpen, args[0], err)
	}
	slog.Info("pipe: playback started", "command", strings.Join(args, " "), "pid", cmd.Process.Pid)

	w := NewWriter(stdin)
	w.proc = &process{cmd: cmd, stderr: &stderr}
	return w, nil
}

// Close implements [audio.Backend]. The pipe backend holds no shared state.
func (b *Backend) Close() error { return nil }

// Expand substitutes the device and sample-rate placeholders in template.
func Expand(template []string, p audio.StreamParams) []string {
	r := strings.NewReplacer(
		PlaceholderDevice, p.Device,
		PlaceholderRate, strconv.Itoa(p.SampleRate),
	)
	out := make([]string, len(template))
	for i, arg := range template {
		out[i] = r.Replace(arg)
	}
	return out
}

func command(ctx context.Context, args []string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = shutdownGrace
	return cmd
}

// process is a started command and its captured stderr.
type process struct {
	cmd    *exec.Cmd
	stderr *bytes.Buffer

	once sync.Once
	err  error
}

// wait reaps the command once and returns its exit error annotated with the
// last line it wrote to stderr.
func (p *process) wait() error {
	p.once.Do(func() {
		if err := p.cmd.Wait(); err != nil {
			if line := lastLine(p.stderr.String()); line != "" {
				err = fmt.Errorf("%w: %s", err, line)
			}
			p.err = fmt.Errorf("pipe: %s: %w", p.cmd.Path, err)
		}
	})
	return p.err
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
