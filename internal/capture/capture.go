// Package capture implements the polymorphic video capture backends: the
// legacy server-based backend (X11 + XShm) and the compositor/portal-based
// backend (xdg-desktop-portal + PipeWire), selected automatically based on
// the running session type.
package capture

import (
	"context"
	"errors"
	"os"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("capture")

// Memory-safety bounds enforced before any shared-memory or portal buffer
// allocation.
const (
	MaxDimension = 16384
	MaxBuffer    = 512 * 1024 * 1024
)

var (
	ErrNotSupported     = errors.New("capture: backend not supported on this system")
	ErrPermissionDenied = errors.New("capture: permission denied")
	ErrDisplayNotFound  = errors.New("capture: display not found")
	ErrNoDisplayServer  = errors.New("capture: no display server found")
)

// FrameSink receives frames pushed by a backend running its own capture
// loop (the push half of the capability set's set_frame_callback).
type FrameSink func(model.RawVideoFrame)

// Backend is the polymorphic capability set every capture variant
// implements: initialize, start, stop, capture_frame (pull),
// set_frame_callback (push), list_monitors, current_resolution,
// measured_fps, update_config.
type Backend interface {
	// Start begins delivering frames to sink at the configured FPS. The
	// backend owns the worker goroutine; Stop or context cancellation ends
	// it within the shutdown budget.
	Start(ctx context.Context, sink FrameSink) error
	// Stop halts the capture loop and releases backend handles.
	Stop() error
	// ListMonitors enumerates the displays currently available.
	ListMonitors() ([]model.Monitor, error)
	// CurrentResolution returns the dimensions of the active capture target.
	CurrentResolution() (width, height int, err error)
	// MeasuredFPS reports the backend's recently observed capture cadence.
	MeasuredFPS() float64
	// UpdateConfig applies a new CaptureConfig without a full restart where
	// possible (e.g. monitor switch); returns streamerr NotSupported if the
	// change requires a restart.
	UpdateConfig(cfg model.CaptureConfig) error
}

// BackendKind names a concrete capture variant.
type BackendKind string

const (
	BackendAuto       BackendKind = "auto"
	BackendServer     BackendKind = "server"
	BackendCompositor BackendKind = "compositor"
)

// Select implements backend selection: explicit choice wins; otherwise the
// session-type and socket environment variables decide; failing both,
// report ErrNoDisplayServer.
func Select(kind BackendKind, cfg model.CaptureConfig) (Backend, error) {
	switch kind {
	case BackendServer:
		return newServerBackend(cfg)
	case BackendCompositor:
		return newCompositorBackend(cfg)
	case BackendAuto, "":
		return selectAuto(cfg)
	default:
		return nil, streamerr.New(streamerr.InvalidArgument, "capture.select", "unknown backend kind "+string(kind))
	}
}

func selectAuto(cfg model.CaptureConfig) (Backend, error) {
	sessionType := os.Getenv("XDG_SESSION_TYPE")
	hasWayland := os.Getenv("WAYLAND_DISPLAY") != ""
	hasX11 := os.Getenv("DISPLAY") != ""

	preferCompositor := sessionType == "wayland" && hasWayland
	preferServer := sessionType == "x11" && hasX11

	switch {
	case preferCompositor:
		return newCompositorBackend(cfg)
	case preferServer:
		return newServerBackend(cfg)
	case hasWayland:
		return newCompositorBackend(cfg)
	case hasX11:
		return newServerBackend(cfg)
	default:
		return nil, streamerr.Wrap(streamerr.BackendUnavailable, "capture.select", ErrNoDisplayServer)
	}
}

// checkDimensions enforces the capture-wide dimension and buffer-size
// bounds before any allocation.
func checkDimensions(width, height int) error {
	if width <= 0 || height <= 0 {
		return streamerr.New(streamerr.InvalidArgument, "capture.checkDimensions", "non-positive dimension")
	}
	if width > MaxDimension || height > MaxDimension {
		return streamerr.New(streamerr.InvalidArgument, "capture.checkDimensions", "dimension exceeds MAX_DIMENSION")
	}
	// int is 64-bit on every platform this backend targets, but the
	// multiplication is written to make the overflow check explicit rather
	// than implicit in word size.
	size := int64(width) * int64(height) * 4
	if size > MaxBuffer {
		return streamerr.New(streamerr.InvalidArgument, "capture.checkDimensions", "buffer size exceeds MAX_BUFFER")
	}
	return nil
}
