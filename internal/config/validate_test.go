package config

import (
	"strings"
	"testing"
)

func TestValidateDefaultConfigHasNoErrors(t *testing.T) {
	cfg := Default()
	if errs := cfg.Validate(); len(errs) != 0 {
		t.Fatalf("default config should validate cleanly, got: %v", errs)
	}
}

func TestValidateBitrateBoundaries(t *testing.T) {
	cases := []struct {
		name    string
		bitrate int
		wantErr bool
	}{
		{"just below minimum", MinBitrateBps - 1, true},
		{"at minimum", MinBitrateBps, false},
		{"at maximum", MaxBitrateBps, false},
		{"just above maximum", MaxBitrateBps + 1, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			cfg.Video.BitrateBps = tc.bitrate
			errs := cfg.Validate()
			hasBitrateErr := false
			for _, e := range errs {
				if strings.Contains(e.Error(), "bitrate_bps") {
					hasBitrateErr = true
				}
			}
			if hasBitrateErr != tc.wantErr {
				t.Fatalf("bitrate=%d: wantErr=%v, errs=%v", tc.bitrate, tc.wantErr, errs)
			}
		})
	}
}

func TestValidateDimensionBoundaries(t *testing.T) {
	cfg := Default()
	cfg.Video.Width = MaxDimension + 1
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("width exceeding MaxDimension should fail validation")
	}

	cfg = Default()
	cfg.Video.Height = MaxDimension + 1
	errs = cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("height exceeding MaxDimension should fail validation")
	}
}

func TestValidateChannelCountBoundary(t *testing.T) {
	cfg := Default()
	cfg.Audio.Channels = MaxChannels + 1
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("channel count exceeding MaxChannels should fail validation")
	}
}

func TestValidateRejectsNonOpusFrameDuration(t *testing.T) {
	cfg := Default()
	cfg.Audio.FrameMs = 15
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("non-Opus frame duration should fail validation")
	}
}

func TestValidateRejectsUnknownCodec(t *testing.T) {
	cfg := Default()
	cfg.Video.Codec = "divx"
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("unknown codec should fail validation")
	}
}

func TestValidateRejectsInjectionSeparatorsInServerAddrs(t *testing.T) {
	cfg := Default()
	cfg.Network.STUNServers = []string{"stun.example.com:3478; rm -rf /"}
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("server address with shell separator should fail validation")
	}
}

func TestValidateRejectsBadBrokerURLScheme(t *testing.T) {
	cfg := Default()
	cfg.Network.BrokerURL = "http://example.com"
	errs := cfg.Validate()
	if len(errs) == 0 {
		t.Fatal("broker_url must be ws or wss")
	}
}
