package encode

import (
	"sync"
	"time"

	"github.com/hraban/opus"

	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

// allowedFrameMs are the only legal Opus frame sizes.
var allowedFrameMs = map[float64]bool{2.5: true, 5: true, 10: true, 20: true, 40: true, 60: true}

// AudioEncoder wraps an Opus encoder configured with the AudioConfig's
// sample rate and channel count (48kHz stereo by default), VBR, complexity
// 5, application = audio. Bitrate is adjustable at any time.
type AudioEncoder struct {
	mu      sync.Mutex
	cfg     model.AudioConfig
	enc     *opus.Encoder
	outBuf  []byte
	stats   Stats
}

// NewAudioEncoder constructs an Opus encoder from the given config. Frame
// size is validated against the Opus-legal set.
func NewAudioEncoder(cfg model.AudioConfig) (*AudioEncoder, error) {
	if !allowedFrameMs[cfg.FrameMs] {
		return nil, streamerr.New(streamerr.InvalidArgument, "encode.NewAudioEncoder", "frame size not one of the allowed Opus durations")
	}
	if cfg.SampleRate <= 0 || cfg.Channels <= 0 {
		return nil, streamerr.New(streamerr.InvalidArgument, "encode.NewAudioEncoder", "invalid sample rate or channel count")
	}

	enc, err := opus.NewEncoder(cfg.SampleRate, cfg.Channels, opus.AppAudio)
	if err != nil {
		return nil, streamerr.Wrap(streamerr.EncoderFailure, "encode.NewAudioEncoder", err)
	}
	if err := enc.SetVbr(true); err != nil {
		return nil, streamerr.Wrap(streamerr.EncoderFailure, "encode.NewAudioEncoder", err)
	}
	if err := enc.SetComplexity(5); err != nil {
		return nil, streamerr.Wrap(streamerr.EncoderFailure, "encode.NewAudioEncoder", err)
	}
	if cfg.BitrateBps > 0 {
		if err := enc.SetBitrate(cfg.BitrateBps); err != nil {
			return nil, streamerr.Wrap(streamerr.EncoderFailure, "encode.NewAudioEncoder", err)
		}
	}

	return &AudioEncoder{cfg: cfg, enc: enc, outBuf: make([]byte, 4000)}, nil
}

// Encode compresses one raw PCM frame. PTS is preserved into the output.
func (a *AudioEncoder) Encode(frame model.RawAudioFrame) (model.EncodedAudioFrame, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if len(frame.Samples) != frame.SamplesPerChannel*frame.Channels {
		return model.EncodedAudioFrame{}, streamerr.New(streamerr.InvalidArgument, "encode.AudioEncoder.Encode", "sample buffer length mismatch")
	}

	start := time.Now()
	n, err := a.enc.EncodeFloat32(frame.Samples, a.outBuf)
	if err != nil {
		a.stats.recordError()
		return model.EncodedAudioFrame{}, streamerr.Wrap(streamerr.EncoderFailure, "encode.AudioEncoder.Encode", err)
	}
	elapsed := time.Since(start)

	payload := make([]byte, n)
	copy(payload, a.outBuf[:n])
	a.stats.record(1, n, elapsed)

	durationUs := int64(frame.SamplesPerChannel) * 1_000_000 / int64(frame.SampleRate)
	return model.EncodedAudioFrame{Payload: payload, PTS: frame.PTS, DurationUs: durationUs}, nil
}

// SetBitrate updates the Opus rate control target; may be called at any
// time.
func (a *AudioEncoder) SetBitrate(bps int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.enc.SetBitrate(bps); err != nil {
		return streamerr.Wrap(streamerr.EncoderFailure, "encode.AudioEncoder.SetBitrate", err)
	}
	a.cfg.BitrateBps = bps
	return nil
}

// Stats returns a snapshot of the audio encoder's counters.
func (a *AudioEncoder) Stats() Snapshot {
	return a.stats.snapshot()
}
