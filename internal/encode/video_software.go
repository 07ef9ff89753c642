package encode

import (
	"fmt"
	"sync"

	openh264 "github.com/y9o/go-openh264"

	"github.com/streamlinux/streamlinux/pkg/model"
)

// softwareVideoEncoder wraps the openh264 software coder tuned for low
// latency: zero B-frames, fastest complexity setting, and a GOP matching
// cfg.GOPFrames. openh264 only emits H.264; a non-H.264 request falls
// through to it anyway since it is the only software coder in this build.
type softwareVideoEncoder struct {
	mu       sync.Mutex
	cfg      model.VideoConfig
	enc      *openh264.Encoder
	forceKF  bool
	lastConv *converter
}

func newSoftwareVideoEncoder(cfg model.VideoConfig) (videoBackend, error) {
	enc, err := openh264.NewEncoder(openh264.EncoderOptions{
		Width:        cfg.Width,
		Height:       cfg.Height,
		BitrateBps:   cfg.BitrateBps,
		MaxFrameRate: float32(cfg.FPS),
		GOPLength:    cfg.GOPFrames,
		// EnableDenoise/UsageType left at library defaults; complexity is
		// driven to the fastest preset via RateControlMode below.
		RateControlMode: openh264.RateControlBitrate,
		EnableSkipFrame: false, // never drop PTS continuity; synchronizer handles pacing
	})
	if err != nil {
		return nil, fmt.Errorf("encode: openh264 init: %w", err)
	}
	return &softwareVideoEncoder{cfg: cfg, enc: enc}, nil
}

func (s *softwareVideoEncoder) Encode(frame model.RawVideoFrame) ([]model.EncodedVideoFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	yuv := frame.Buffer
	if frame.Layout != model.PixelLayoutI420 {
		conv, err := s.converterFor(frame.Layout)
		if err != nil {
			return nil, err
		}
		yuv = conv.convert(frame.Buffer, frame.Width, frame.Height, frame.Stride)
	}

	if s.forceKF {
		s.enc.ForceIntraFrame()
		s.forceKF = false
	}

	nals, err := s.enc.EncodeYUV420(yuv)
	if err != nil {
		return nil, fmt.Errorf("encode: openh264 encode: %w", err)
	}
	if len(nals) == 0 {
		return nil, nil
	}

	payload := make([]byte, 0, len(nals))
	keyframe := false
	for _, n := range nals {
		payload = append(payload, n...)
	}
	keyframe = isIDR(nals)

	return []model.EncodedVideoFrame{{
		Payload:  payload,
		PTS:      frame.PTS,
		DTS:      frame.PTS,
		Keyframe: keyframe,
	}}, nil
}

func (s *softwareVideoEncoder) converterFor(layout model.PixelLayout) (*converter, error) {
	if s.lastConv != nil && s.lastConv.layout == layout {
		return s.lastConv, nil
	}
	c, err := newConverter(layout)
	if err != nil {
		return nil, err
	}
	s.lastConv = c
	return c, nil
}

func (s *softwareVideoEncoder) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceKF = true
	return nil
}

func (s *softwareVideoEncoder) RequestKeyframe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forceKF = true
}

func (s *softwareVideoEncoder) SetBitrate(bps int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.SetBitrate(bps); err != nil {
		return fmt.Errorf("encode: set bitrate: %w", err)
	}
	s.cfg.BitrateBps = bps
	return nil
}

func (s *softwareVideoEncoder) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enc == nil {
		return nil
	}
	err := s.enc.Close()
	s.enc = nil
	return err
}

func (s *softwareVideoEncoder) Name() string { return "openh264-software" }

func (s *softwareVideoEncoder) IsHardware() bool { return false }

// isIDR scans the NAL units for an IDR slice type (5) or SPS (7), either of
// which marks this access unit as a keyframe.
func isIDR(nals [][]byte) bool {
	for _, n := range nals {
		if len(n) < 5 {
			continue
		}
		// Find the start code (00 00 00 01 or 00 00 01) then read the NAL
		// header's type field (low 5 bits of the byte after the code).
		offset := nalStartCodeLen(n)
		if offset == 0 || offset >= len(n) {
			continue
		}
		nalType := n[offset] & 0x1F
		if nalType == 5 || nalType == 7 {
			return true
		}
	}
	return false
}

func nalStartCodeLen(n []byte) int {
	if len(n) >= 4 && n[0] == 0 && n[1] == 0 && n[2] == 0 && n[3] == 1 {
		return 4
	}
	if len(n) >= 3 && n[0] == 0 && n[1] == 0 && n[2] == 1 {
		return 3
	}
	return 0
}
