// Package audio implements the two system-audio capture backends: PipeWire
// (preferred on modern Linux desktops) and PulseAudio (compatibility
// fallback, also serves PipeWire-via-pulse setups).
package audio

import (
	"context"
	"errors"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("audio")

const (
	MaxFrameSamples = 48000
	MaxChannels     = 8
)

var (
	ErrNoDeviceFound = errors.New("audio: no capture device found")
	ErrNotSupported  = errors.New("audio: backend not supported on this system")
)

// Device describes one capture-capable source (usually a sink monitor).
type Device struct {
	ID          string
	Name        string
	Description string
	IsMonitor   bool
	IsDefault   bool
}

// FrameSink receives captured PCM frames.
type FrameSink func(model.RawAudioFrame)

// Backend is the polymorphic capability set every audio capture variant
// implements: initialize/start/stop, enumerate/select device, measured
// latency, and frame delivery via callback.
type Backend interface {
	Start(ctx context.Context, sink FrameSink) error
	Stop() error
	EnumerateDevices() ([]Device, error)
	SelectDevice(id string) error
	MeasuredLatencyMs() float64
}

// Mode names the source audio capture should draw from.
type Mode string

const (
	ModeSystem Mode = "system" // default sink monitor
	ModeMic    Mode = "mic"    // default source
	ModeMixed  Mode = "mixed"  // system + mic; the pulse backend records one device, no backend mixes
	ModeNone   Mode = "none"
)

// BackendKind names a concrete audio capture variant.
type BackendKind string

const (
	BackendAuto      BackendKind = "auto"
	BackendPipeWire  BackendKind = "pipewire"
	BackendPulseAudio BackendKind = "pulseaudio"
)

// Select implements the backend selection algorithm: explicit choice wins;
// otherwise prefer PipeWire's native API, falling back to the PulseAudio
// compatibility layer that PipeWire itself provides.
func Select(kind BackendKind, cfg model.AudioConfig, mode Mode) (Backend, error) {
	switch kind {
	case BackendPipeWire:
		return newPipeWireBackend(cfg, mode)
	case BackendPulseAudio:
		return newPulseBackend(cfg, mode)
	case BackendAuto, "":
		if b, err := newPipeWireBackend(cfg, mode); err == nil {
			return b, nil
		}
		return newPulseBackend(cfg, mode)
	default:
		return nil, streamerr.New(streamerr.InvalidArgument, "audio.select", "unknown backend kind "+string(kind))
	}
}

// checkFrame enforces the per-frame sample/channel bounds before a frame is
// handed to the encoder.
func checkFrame(samplesPerChannel, channels int) error {
	if samplesPerChannel <= 0 || samplesPerChannel > MaxFrameSamples {
		return streamerr.New(streamerr.InvalidArgument, "audio.checkFrame", "samples per channel out of bounds")
	}
	if channels <= 0 || channels > MaxChannels {
		return streamerr.New(streamerr.InvalidArgument, "audio.checkFrame", "channel count out of bounds")
	}
	return nil
}
