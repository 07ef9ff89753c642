package audio

import (
	"errors"
	"testing"

	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

func TestCheckFrameBounds(t *testing.T) {
	cases := []struct {
		name              string
		samplesPerChannel int
		channels          int
		wantErr           bool
	}{
		{"typical 20ms stereo", 960, 2, false},
		{"at max samples", MaxFrameSamples, 2, false},
		{"one past max samples", MaxFrameSamples + 1, 2, true},
		{"at max channels", 960, MaxChannels, false},
		{"one past max channels", 960, MaxChannels + 1, true},
		{"zero samples", 0, 2, true},
		{"zero channels", 960, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkFrame(tc.samplesPerChannel, tc.channels)
			if (err != nil) != tc.wantErr {
				t.Fatalf("checkFrame(%d, %d) error = %v, wantErr %v", tc.samplesPerChannel, tc.channels, err, tc.wantErr)
			}
			if err != nil {
				if kind, ok := streamerr.KindOf(err); !ok || kind != streamerr.InvalidArgument {
					t.Fatalf("expected InvalidArgument, got %v", err)
				}
			}
		})
	}
}

func TestSelectRejectsUnknownBackendKind(t *testing.T) {
	_, err := Select(BackendKind("bogus"), model.DefaultAudioConfig(), ModeSystem)
	if err == nil {
		t.Fatal("expected error for unknown backend kind")
	}
	var se *streamerr.Error
	if !errors.As(err, &se) || se.Kind != streamerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}
