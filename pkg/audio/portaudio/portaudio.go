// Package portaudio implements [audio.Backend] with PortAudio's blocking
// read/write API. Each device is a single-channel int16 stream whose
// host buffer holds exactly one block.
package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/echoback/pkg/audio"
)

// DefaultDevice selects the host's default input or output device.
const DefaultDevice = "default"

// ErrNoDevice is wrapped when no device matches the requested name.
var ErrNoDevice = errors.New("portaudio: no matching device")

// Compile-time interface assertions.
var (
	_ audio.Backend      = (*Backend)(nil)
	_ audio.InputDevice  = (*inputStream)(nil)
	_ audio.OutputDevice = (*outputStream)(nil)
)

// Backend owns the PortAudio library lifetime. Create it with [New] and
// Close it after every device it opened.
type Backend struct {
	mu     sync.Mutex
	closed bool
}

// New initialises PortAudio.
func New() (*Backend, error) {
	if err := pa.Initialize(); err != nil {
		return nil, fmt.Errorf("%w: portaudio: initialize: %w", audio.ErrDeviceOpen, err)
	}
	return &Backend{}, nil
}

// Close terminates PortAudio. It is safe to call more than once.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	return pa.Terminate()
}

// Device describes one PortAudio device.
type Device struct {
	Name              string
	HostAPI           string
	MaxInputChannels  int
	MaxOutputChannels int
	DefaultSampleRate float64
}

// ListDevices returns every device PortAudio knows about.
func (b *Backend) ListDevices() ([]Device, error) {
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	out := make([]Device, 0, len(devs))
	for _, d := range devs {
		dev := Device{
			Name:              d.Name,
			MaxInputChannels:  d.MaxInputChannels,
			MaxOutputChannels: d.MaxOutputChannels,
			DefaultSampleRate: d.DefaultSampleRate,
		}
		if d.HostApi != nil {
			dev.HostAPI = d.HostApi.Name
		}
		out = append(out, dev)
	}
	return out, nil
}

// OpenInput implements [audio.Backend].
func (b *Backend) OpenInput(_ context.Context, p audio.StreamParams) (audio.InputDevice, error) {
	dev, err := b.lookup(p.Device, true)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceOpen, err)
	}

	params := pa.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.SampleRate = float64(p.SampleRate)
	params.FramesPerBuffer = p.BlockSize

	s := &inputStream{buf: make([]int16, p.BlockSize), name: dev.Name}
	if s.stream, err = open(params, s.buf); err != nil {
		return nil, fmt.Errorf("%w: portaudio: input %q (%s): %w", audio.ErrDeviceOpen, dev.Name, audio.FormatString(p), err)
	}
	slog.Info("portaudio: capture started", "device", dev.Name, "format", audio.FormatString(p))
	return s, nil
}

// OpenOutput implements [audio.Backend].
func (b *Backend) OpenOutput(_ context.Context, p audio.StreamParams) (audio.OutputDevice, error) {
	dev, err := b.lookup(p.Device, false)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrDeviceOpen, err)
	}

	params := pa.LowLatencyParameters(nil, dev)
	params.Output.Channels = 1
	params.SampleRate = float64(p.SampleRate)
	params.FramesPerBuffer = p.BlockSize

	s := &outputStream{buf: make([]int16, p.BlockSize), name: dev.Name}
	if s.stream, err = open(params, s.buf); err != nil {
		return nil, fmt.Errorf("%w: portaudio: output %q (%s): %w", audio.ErrDeviceOpen, dev.Name, audio.FormatString(p), err)
	}
	slog.Info("portaudio: playback started", "device", dev.Name, "format", audio.FormatString(p))
	return s, nil
}

func open(params pa.StreamParameters, buf []int16) (*pa.Stream, error) {
	stream, err := pa.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return nil, err
	}
	return stream, nil
}

func (b *Backend) lookup(name string, input bool) (*pa.DeviceInfo, error) {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		return nil, audio.ErrClosed
	}

	if name == "" || name == DefaultDevice {
		if input {
			return pa.DefaultInputDevice()
		}
		return pa.DefaultOutputDevice()
	}
	devs, err := pa.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio: list devices: %w", err)
	}
	return findDevice(devs, name, input)
}

// findDevice returns the device whose name equals name, or failing that the
// first whose name contains it (case-insensitively). Only devices with
// channels in the requested direction are considered.
func findDevice(devs []*pa.DeviceInfo, name string, input bool) (*pa.DeviceInfo, error) {
	usable := func(d *pa.DeviceInfo) bool {
		if input {
			return d.MaxInputChannels > 0
		}
		return d.MaxOutputChannels > 0
	}
	for _, d := range devs {
		if usable(d) && d.Name == name {
			return d, nil
		}
	}
	lower := strings.ToLower(name)
	for _, d := range devs {
		if usable(d) && strings.Contains(strings.ToLower(d.Name), lower) {
			return d, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrNoDevice, name)
}
