package config

import (
	"fmt"
	"net/url"
	"strings"
)

const (
	// MaxDimension bounds width/height for both config and capture, guarding
	// the shared-memory allocation those dimensions size.
	MaxDimension = 16384
	// MaxChannels bounds audio channel count.
	MaxChannels = 8
	// MinBitrateBps and MaxBitrateBps bound VideoConfig.BitrateBps and the
	// control channel's SetBitrate payload.
	MinBitrateBps = 100_000
	MaxBitrateBps = 100_000_000
)

var validBackends = map[string]bool{"auto": true, "server": true, "compositor": true}
var validAudioModes = map[string]bool{"system": true, "mic": true, "mixed": true, "none": true}
var validCodecs = map[string]bool{"h264": true, "h265": true, "vp8": true, "vp9": true, "av1": true}
var validHWAccel = map[string]bool{"auto": true, "none": true, "preferred": true}
var validLogLevels = map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true}

// Validate checks every TOML numeric field against its explicit range: wrap
// every integer parse in error handling with an explicit range check rather
// than relying on language defaults. The hard security/memory boundaries
// below (dimensions, bitrate, channel count) fail the load outright rather
// than silently clamping.
func (c *Config) Validate() []error {
	var errs []error

	if !validBackends[strings.ToLower(c.Display.Backend)] {
		errs = append(errs, fmt.Errorf("display.backend %q must be one of auto, server, compositor", c.Display.Backend))
	}
	if c.Display.Monitor < 0 {
		errs = append(errs, fmt.Errorf("display.monitor %d must be >= 0", c.Display.Monitor))
	}

	if !validCodecs[strings.ToLower(c.Video.Codec)] {
		errs = append(errs, fmt.Errorf("video.codec %q must be one of h264, h265, vp8, vp9, av1", c.Video.Codec))
	}
	if !validHWAccel[strings.ToLower(c.Video.HWAccel)] {
		errs = append(errs, fmt.Errorf("video.hw_accel %q must be one of auto, none, preferred", c.Video.HWAccel))
	}
	if c.Video.Width < 1 || c.Video.Width > MaxDimension {
		errs = append(errs, fmt.Errorf("video.width %d must be in [1, %d]", c.Video.Width, MaxDimension))
	}
	if c.Video.Height < 1 || c.Video.Height > MaxDimension {
		errs = append(errs, fmt.Errorf("video.height %d must be in [1, %d]", c.Video.Height, MaxDimension))
	}
	if c.Video.FPS < 1 || c.Video.FPS > 60 {
		errs = append(errs, fmt.Errorf("video.fps %d must be in [1, 60]", c.Video.FPS))
	}
	if c.Video.BitrateBps < MinBitrateBps || c.Video.BitrateBps > MaxBitrateBps {
		errs = append(errs, fmt.Errorf("video.bitrate_bps %d must be in [%d, %d]", c.Video.BitrateBps, MinBitrateBps, MaxBitrateBps))
	}
	if c.Video.GOPFrames < 1 {
		errs = append(errs, fmt.Errorf("video.gop_frames %d must be >= 1", c.Video.GOPFrames))
	}

	if !validAudioModes[strings.ToLower(c.Audio.Mode)] {
		errs = append(errs, fmt.Errorf("audio.mode %q must be one of system, mic, mixed, none", c.Audio.Mode))
	}
	if c.Audio.Channels < 1 || c.Audio.Channels > MaxChannels {
		errs = append(errs, fmt.Errorf("audio.channels %d must be in [1, %d]", c.Audio.Channels, MaxChannels))
	}
	if c.Audio.SampleRate < 8000 || c.Audio.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("audio.sample_rate %d must be in [8000, 192000]", c.Audio.SampleRate))
	}
	if !isAllowedOpusFrameMs(c.Audio.FrameMs) {
		errs = append(errs, fmt.Errorf("audio.frame_ms %v must be one of 2.5, 5, 10, 20, 40, 60", c.Audio.FrameMs))
	}

	if c.Network.Port < 1 || c.Network.Port > 65535 {
		errs = append(errs, fmt.Errorf("network.port %d must be in [1, 65535]", c.Network.Port))
	}
	if c.Network.BrokerURL != "" {
		u, err := url.Parse(c.Network.BrokerURL)
		if err != nil {
			errs = append(errs, fmt.Errorf("network.broker_url %q is not a valid URL: %w", c.Network.BrokerURL, err))
		} else if u.Scheme != "ws" && u.Scheme != "wss" {
			errs = append(errs, fmt.Errorf("network.broker_url scheme must be ws or wss, got %q", u.Scheme))
		}
	}
	for _, addr := range append(append([]string{}, c.Network.STUNServers...), c.Network.TURNServers...) {
		if strings.ContainsAny(addr, ";|&$`\n") {
			errs = append(errs, fmt.Errorf("network server address %q contains a disallowed separator character", addr))
		}
	}

	if c.Logging.Level != "" && !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, fmt.Errorf("logging.level %q is not valid (use debug, info, warn, error)", c.Logging.Level))
	}
	if c.Logging.Format != "" && c.Logging.Format != "text" && c.Logging.Format != "json" {
		errs = append(errs, fmt.Errorf("logging.format %q is not valid (use text or json)", c.Logging.Format))
	}

	return errs
}

func isAllowedOpusFrameMs(ms float64) bool {
	for _, allowed := range []float64{2.5, 5, 10, 20, 40, 60} {
		if ms == allowed {
			return true
		}
	}
	return false
}
