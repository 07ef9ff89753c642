package capture

import (
	"testing"

	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

func TestCheckDimensionsBounds(t *testing.T) {
	cases := []struct {
		name    string
		w, h    int
		wantErr bool
	}{
		{"1080p", 1920, 1080, false},
		{"at max per axis", MaxDimension, 8192, false},
		{"width one past max", MaxDimension + 1, 1080, true},
		{"height one past max", 1920, MaxDimension + 1, true},
		{"zero width", 0, 1080, true},
		{"negative height", 1920, -1, true},
		{"exceeds buffer bound", MaxDimension, MaxDimension, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := checkDimensions(tc.w, tc.h)
			if (err != nil) != tc.wantErr {
				t.Fatalf("checkDimensions(%d, %d) error = %v, wantErr %v", tc.w, tc.h, err, tc.wantErr)
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
	_, err := Select(BackendKind("bogus"), model.CaptureConfig{})
	if err == nil {
		t.Fatal("expected error for unknown backend kind")
	}
	if kind, ok := streamerr.KindOf(err); !ok || kind != streamerr.InvalidArgument {
		t.Fatalf("expected InvalidArgument, got %v", err)
	}
}

func TestSelectAutoFailsWithNoDisplayServer(t *testing.T) {
	t.Setenv("XDG_SESSION_TYPE", "")
	t.Setenv("WAYLAND_DISPLAY", "")
	t.Setenv("DISPLAY", "")

	_, err := selectAuto(model.CaptureConfig{})
	if err == nil {
		t.Fatal("expected failure when no display server is announced")
	}
	if kind, ok := streamerr.KindOf(err); !ok || kind != streamerr.BackendUnavailable {
		t.Fatalf("expected BackendUnavailable, got %v", err)
	}
}

func TestFrameDifferSkipsIdenticalBuffers(t *testing.T) {
	d := newFrameDiffer()
	buf := []byte{1, 2, 3, 4}
	if !d.HasChanged(buf) {
		t.Fatal("first frame must always pass")
	}
	if d.HasChanged(buf) {
		t.Fatal("identical frame should be skipped")
	}
	buf[0] = 9
	if !d.HasChanged(buf) {
		t.Fatal("changed frame should pass")
	}
	d.Reset()
	if !d.HasChanged(buf) {
		t.Fatal("frame after reset must pass")
	}
}
