package encode

import (
	"testing"
	"time"
)

func warmup(a *AdaptiveBitrate, rtt time.Duration, loss float64) {
	for i := 0; i < 3; i++ {
		a.Update(rtt, loss)
	}
}

func TestAdaptiveInitialBitrateClamped(t *testing.T) {
	a := NewAdaptiveBitrate(AdaptiveConfig{InitialBitrate: 50_000_000, MinBitrate: 500_000, MaxBitrate: 8_000_000})
	bitrate, _, _ := a.CurrentTarget()
	if bitrate != 8_000_000 {
		t.Fatalf("expected clamp to max, got %d", bitrate)
	}
}

func TestAdaptiveDegradesOnSustainedLoss(t *testing.T) {
	a := NewAdaptiveBitrate(AdaptiveConfig{InitialBitrate: 4_000_000, MinBitrate: 500_000, MaxBitrate: 8_000_000, Cooldown: time.Nanosecond})
	warmup(a, 50*time.Millisecond, 0.1)
	a.Update(50*time.Millisecond, 0.1)
	bitrate, _, _ := a.CurrentTarget()
	if bitrate >= 4_000_000 {
		t.Fatalf("expected bitrate to degrade below initial, got %d", bitrate)
	}
}

func TestAdaptiveUpgradesOnSustainedClean(t *testing.T) {
	a := NewAdaptiveBitrate(AdaptiveConfig{InitialBitrate: 1_000_000, MinBitrate: 500_000, MaxBitrate: 8_000_000, Cooldown: time.Nanosecond})
	for i := 0; i < 6; i++ {
		a.Update(20*time.Millisecond, 0)
	}
	bitrate, _, _ := a.CurrentTarget()
	if bitrate <= 1_000_000 {
		t.Fatalf("expected bitrate to upgrade above initial, got %d", bitrate)
	}
}

func TestQualityPresetsCoverAllTiers(t *testing.T) {
	for _, q := range qualityOrder {
		if _, ok := QualityPresets[q]; !ok {
			t.Fatalf("missing quality preset mapping for %s", q)
		}
	}
}
