// Package encode implements the video and audio encoder pipelines: a
// polymorphic video encoder backed by openh264 (hardware coders registered
// through registerHardwareFactory are tried first; this build registers
// none, so the low-latency software configuration is the one selected),
// and an Opus audio encoder.
package encode

import (
	"fmt"
	"sync"
	"time"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("encode")

// videoBackend is the capability set a concrete video coder implements:
// encode, flush, request keyframe, set bitrate, report stats.
type videoBackend interface {
	Encode(frame model.RawVideoFrame) ([]model.EncodedVideoFrame, error)
	Flush() error
	RequestKeyframe()
	SetBitrate(bps int) error
	Close() error
	Name() string
	IsHardware() bool
}

type backendFactory func(cfg model.VideoConfig) (videoBackend, error)

var (
	hwFactoriesMu sync.Mutex
	hwFactories   []backendFactory
)

// registerHardwareFactory lets a platform-specific file (behind its own
// build tag) add itself to the hardware preference order without this file
// needing to know which platforms exist.
func registerHardwareFactory(f backendFactory) {
	hwFactoriesMu.Lock()
	defer hwFactoriesMu.Unlock()
	hwFactories = append(hwFactories, f)
}

// VideoEncoder is the session-facing handle: thread-safe, reconfigurable at
// runtime, tracking stats across backend swaps (e.g. a SetResolution
// control message triggers a backend re-init).
type VideoEncoder struct {
	mu      sync.Mutex
	cfg     model.VideoConfig
	backend videoBackend
	stats   Stats
}

// NewVideoEncoder selects a concrete coder in preference order: any
// hardware coder registered through registerHardwareFactory first, then a
// software coder tuned for low latency (zero B-frames, fastest preset,
// zero-latency rate control). No hardware coder is registered in this
// build, so HWAccelPreferred fails with BackendUnavailable.
func NewVideoEncoder(cfg model.VideoConfig) (*VideoEncoder, error) {
	if err := validateVideoConfig(cfg); err != nil {
		return nil, err
	}
	if cfg.GOPFrames <= 0 {
		cfg.GOPFrames = cfg.FPS // one keyframe per second by default
		if cfg.GOPFrames <= 0 {
			cfg.GOPFrames = 30
		}
	}

	backend, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	return &VideoEncoder{cfg: cfg, backend: backend}, nil
}

func newBackend(cfg model.VideoConfig) (videoBackend, error) {
	if cfg.HWAccel != model.HWAccelNone {
		hwFactoriesMu.Lock()
		factories := append([]backendFactory(nil), hwFactories...)
		hwFactoriesMu.Unlock()
		for _, f := range factories {
			if b, err := f(cfg); err == nil && b != nil {
				log.Info("selected hardware video encoder", "backend", b.Name())
				return b, nil
			}
		}
		if cfg.HWAccel == model.HWAccelPreferred {
			return nil, streamerr.New(streamerr.BackendUnavailable, "encode.newBackend", "no hardware coder available")
		}
	}
	return newSoftwareVideoEncoder(cfg)
}

func validateVideoConfig(cfg model.VideoConfig) error {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return streamerr.New(streamerr.InvalidArgument, "encode.validateVideoConfig", "non-positive dimension")
	}
	if cfg.FPS <= 0 {
		return streamerr.New(streamerr.InvalidArgument, "encode.validateVideoConfig", "non-positive fps")
	}
	if cfg.BitrateBps <= 0 {
		return streamerr.New(streamerr.InvalidArgument, "encode.validateVideoConfig", "non-positive bitrate")
	}
	switch cfg.Codec {
	case model.CodecH264, model.CodecH265, model.CodecVP8, model.CodecVP9, model.CodecAV1:
	default:
		return streamerr.New(streamerr.InvalidArgument, "encode.validateVideoConfig", "unknown codec")
	}
	return nil
}

// Encode compresses one raw frame. PTS is preserved from the input frame
// into every output frame; the implementation never reorders output (no
// B-frames), so DTS == PTS always.
func (v *VideoEncoder) Encode(frame model.RawVideoFrame) ([]model.EncodedVideoFrame, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return nil, streamerr.New(streamerr.NotInitialized, "encode.Encode", "encoder closed")
	}
	start := time.Now()
	out, err := v.backend.Encode(frame)
	if err != nil {
		v.stats.recordError()
		return nil, streamerr.Wrap(streamerr.EncoderFailure, "encode.Encode", err)
	}
	elapsed := time.Since(start)
	var bytes int
	for i := range out {
		bytes += len(out[i].Payload)
	}
	v.stats.record(len(out), bytes, elapsed)
	return out, nil
}

// RequestKeyframe forces the next encoded output to be a keyframe.
func (v *VideoEncoder) RequestKeyframe() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend != nil {
		v.backend.RequestKeyframe()
	}
}

// SetBitrate applies a live rate-control update. Range validation
// (100_000 <= bps <= 100_000_000) is the caller's responsibility.
func (v *VideoEncoder) SetBitrate(bps int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return streamerr.New(streamerr.NotInitialized, "encode.SetBitrate", "encoder closed")
	}
	if err := v.backend.SetBitrate(bps); err != nil {
		return streamerr.Wrap(streamerr.EncoderFailure, "encode.SetBitrate", err)
	}
	v.cfg.BitrateBps = bps
	return nil
}

// Reinit replaces the backend at new dimensions/codec, used for
// SetResolution control messages. The caller is expected to follow this
// with RequestKeyframe.
func (v *VideoEncoder) Reinit(cfg model.VideoConfig) error {
	if err := validateVideoConfig(cfg); err != nil {
		return err
	}
	backend, err := newBackend(cfg)
	if err != nil {
		return err
	}
	v.mu.Lock()
	old := v.backend
	v.backend = backend
	v.cfg = cfg
	v.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Flush drains any buffered frames and forces the next output to be a
// keyframe.
func (v *VideoEncoder) Flush() error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return nil
	}
	if err := v.backend.Flush(); err != nil {
		return fmt.Errorf("encode: flush: %w", err)
	}
	return nil
}

// Close releases the backend.
func (v *VideoEncoder) Close() error {
	v.mu.Lock()
	backend := v.backend
	v.backend = nil
	v.mu.Unlock()
	if backend == nil {
		return nil
	}
	return backend.Close()
}

// BackendName reports the selected concrete coder, for diagnostics.
func (v *VideoEncoder) BackendName() string {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.backend == nil {
		return ""
	}
	return v.backend.Name()
}

// Stats returns a snapshot of frames-encoded, bytes-out, average encode
// time, and current effective bitrate.
func (v *VideoEncoder) Stats() Snapshot {
	return v.stats.snapshot()
}
