package encode

import (
	"sync"
	"time"

	"github.com/streamlinux/streamlinux/pkg/model"
)

// minBitsPerFrame keeps per-frame quality from collapsing as bitrate drops:
// when the budget-per-frame would fall below this, FPS is reduced instead.
const minBitsPerFrame = 40_000

const ewmaAlpha = 0.3

// QualityTriple is the (resolution, bitrate, fps) a quality preset resolves
// to for the SetQuality control message.
type QualityTriple struct {
	Width, Height int
	BitrateBps    int
	FPS           int
}

// QualityPresets maps each named quality preset to its triple.
var QualityPresets = map[model.QualityPreset]QualityTriple{
	model.QualityLow:    {Width: 1280, Height: 720, BitrateBps: 1_500_000, FPS: 30},
	model.QualityMedium: {Width: 1920, Height: 1080, BitrateBps: 4_000_000, FPS: 30},
	model.QualityHigh:   {Width: 1920, Height: 1080, BitrateBps: 8_000_000, FPS: 60},
	model.QualityUltra:  {Width: 2560, Height: 1440, BitrateBps: 20_000_000, FPS: 60},
}

var qualityOrder = []model.QualityPreset{model.QualityLow, model.QualityMedium, model.QualityHigh, model.QualityUltra}

// AdaptiveConfig parameterizes the adaptive controller.
type AdaptiveConfig struct {
	Encoder        *VideoEncoder
	InitialBitrate int
	MinBitrate     int
	MaxBitrate     int
	MaxFPS         int
	Cooldown       time.Duration
	OnFPSChange    func(int)
}

// AdaptiveBitrate is an AIMD controller with EWMA-smoothed RTT/loss
// samples that drives target bitrate, FPS, and the quality-preset label
// together rather than bitrate alone.
type AdaptiveBitrate struct {
	mu sync.Mutex

	encoder    *VideoEncoder
	minBitrate int
	maxBitrate int
	cooldown   time.Duration
	lastAdjust time.Time

	targetBitrate int
	targetQuality model.QualityPreset

	maxFPS      int
	currentFPS  int
	onFPSChange func(int)

	smoothedLoss float64
	smoothedRTT  time.Duration
	samples      int
	stableCount  int
}

// NewAdaptiveBitrate constructs a controller seeded at the encoder's
// current bitrate.
func NewAdaptiveBitrate(cfg AdaptiveConfig) *AdaptiveBitrate {
	minB, maxB := cfg.MinBitrate, cfg.MaxBitrate
	if minB <= 0 {
		minB = 500_000
	}
	if maxB <= 0 {
		maxB = 20_000_000
	}
	cooldown := cfg.Cooldown
	if cooldown == 0 {
		cooldown = 500 * time.Millisecond
	}
	initial := clampInt(cfg.InitialBitrate, minB, maxB)
	if initial == 0 {
		initial = minB
	}
	maxFPS := cfg.MaxFPS
	if maxFPS <= 0 {
		maxFPS = 60
	}

	return &AdaptiveBitrate{
		encoder:       cfg.Encoder,
		minBitrate:    minB,
		maxBitrate:    maxB,
		cooldown:      cooldown,
		targetBitrate: initial,
		targetQuality: model.QualityMedium,
		maxFPS:        maxFPS,
		currentFPS:    clampInt(initial/minBitsPerFrame, 10, maxFPS),
		onFPSChange:   cfg.OnFPSChange,
	}
}

// SetMaxBitrate updates the ceiling the controller ramps toward, called
// when a viewer sends SetBitrate.
func (a *AdaptiveBitrate) SetMaxBitrate(max int) {
	if max <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxBitrate = max
	if a.targetBitrate > max {
		a.targetBitrate = max
		if a.encoder != nil {
			_ = a.encoder.SetBitrate(max)
		}
	}
}

// SetMaxFPS updates the FPS ceiling the controller scales toward.
func (a *AdaptiveBitrate) SetMaxFPS(max int) {
	if max <= 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.maxFPS = max
}

// Update feeds a new RTT/loss sample (from RTCP receiver reports) and
// adjusts bitrate/FPS/quality via AIMD: multiplicative decrease on
// sustained loss, additive increase on sustained clean conditions.
func (a *AdaptiveBitrate) Update(rtt time.Duration, packetLoss float64) {
	if packetLoss < 0 {
		packetLoss = 0
	}
	if packetLoss > 1 {
		packetLoss = 1
	}

	a.mu.Lock()
	now := time.Now()
	if !a.lastAdjust.IsZero() && now.Sub(a.lastAdjust) < a.cooldown {
		a.updateEWMA(rtt, packetLoss)
		a.mu.Unlock()
		return
	}
	a.updateEWMA(rtt, packetLoss)
	if a.samples < 3 {
		a.mu.Unlock()
		return
	}

	loss := a.smoothedLoss
	smoothRTT := a.smoothedRTT
	degrade := loss >= 0.05 || (smoothRTT >= 300*time.Millisecond && loss >= 0.02)
	upgrade := loss <= 0.01

	if degrade {
		a.stableCount = 0
	} else if upgrade {
		a.stableCount++
	} else if a.stableCount > 0 {
		a.stableCount--
	}

	const stableRequired = 2
	newBitrate := a.targetBitrate
	newQuality := a.targetQuality

	switch {
	case degrade:
		newBitrate = clampInt(int(float64(newBitrate)*0.70), a.minBitrate, a.maxBitrate)
		newQuality = stepQuality(newQuality, -1)
	case a.stableCount >= stableRequired && a.targetBitrate < a.maxBitrate:
		step := a.maxBitrate / 20
		if step < 100_000 {
			step = 100_000
		}
		newBitrate = clampInt(newBitrate+step, a.minBitrate, a.maxBitrate)
		newQuality = stepQuality(newQuality, 1)
		a.stableCount = 0
	}

	newFPS := clampInt(newBitrate/minBitsPerFrame, 10, a.maxFPS)

	if newBitrate == a.targetBitrate && newQuality == a.targetQuality && newFPS == a.currentFPS {
		a.mu.Unlock()
		return
	}

	prevFPS := a.currentFPS
	a.targetBitrate = newBitrate
	a.targetQuality = newQuality
	a.currentFPS = newFPS
	a.lastAdjust = now
	encoder := a.encoder
	fpsCB := a.onFPSChange
	a.mu.Unlock()

	log.Info("adaptive bitrate adjustment", "bitrate", newBitrate, "fps", newFPS, "quality", newQuality, "smoothedLoss", loss, "smoothedRTT", smoothRTT)

	if newFPS != prevFPS && fpsCB != nil {
		fpsCB(newFPS)
	}
	if encoder != nil {
		_ = encoder.SetBitrate(newBitrate)
	}
}

func (a *AdaptiveBitrate) updateEWMA(rtt time.Duration, loss float64) {
	a.samples++
	if a.samples == 1 {
		a.smoothedLoss = loss
		a.smoothedRTT = rtt
		return
	}
	a.smoothedLoss = ewmaAlpha*loss + (1-ewmaAlpha)*a.smoothedLoss
	a.smoothedRTT = time.Duration(ewmaAlpha*float64(rtt) + (1-ewmaAlpha)*float64(a.smoothedRTT))
}

// CurrentTarget returns the controller's current (bitrate, fps, quality).
func (a *AdaptiveBitrate) CurrentTarget() (bitrate, fps int, quality model.QualityPreset) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.targetBitrate, a.currentFPS, a.targetQuality
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func stepQuality(current model.QualityPreset, delta int) model.QualityPreset {
	idx := qualityIndex(current)
	if idx < 0 {
		idx = qualityIndex(model.QualityMedium)
	}
	idx += delta
	if idx < 0 {
		idx = 0
	}
	if idx >= len(qualityOrder) {
		idx = len(qualityOrder) - 1
	}
	return qualityOrder[idx]
}

func qualityIndex(q model.QualityPreset) int {
	for i, v := range qualityOrder {
		if v == q {
			return i
		}
	}
	return -1
}
