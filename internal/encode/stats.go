package encode

import (
	"sync"
	"time"
)

// Stats accumulates the counters every encoder exposes: frames encoded,
// bytes out, average encode time, and the current effective bitrate
// measured over the most recent completed window of at least one second.
type Stats struct {
	mu sync.Mutex

	framesEncoded uint64
	framesFailed  uint64
	bytesOut      uint64
	totalEncodeNs int64
	lastBitrate   float64
	windowStart   time.Time
	windowBytes   uint64
}

func (s *Stats) record(framesOut, bytesOut int, elapsed time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.framesEncoded += uint64(framesOut)
	s.bytesOut += uint64(bytesOut)
	s.totalEncodeNs += elapsed.Nanoseconds()
	s.windowBytes += uint64(bytesOut)

	now := time.Now()
	if s.windowStart.IsZero() {
		s.windowStart = now
		return
	}
	if elapsedWindow := now.Sub(s.windowStart); elapsedWindow >= time.Second {
		s.lastBitrate = float64(s.windowBytes*8) / elapsedWindow.Seconds()
		s.windowBytes = 0
		s.windowStart = now
	}
}

func (s *Stats) recordError() {
	s.mu.Lock()
	s.framesFailed++
	s.mu.Unlock()
}

// Snapshot is a point-in-time, concurrency-safe copy of Stats.
type Snapshot struct {
	FramesEncoded    uint64
	FramesFailed     uint64
	BytesOut         uint64
	AvgEncodeTime    time.Duration
	EffectiveBitrate float64 // bits/sec, measured over the last full second
}

func (s *Stats) snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var avg time.Duration
	if s.framesEncoded > 0 {
		avg = time.Duration(s.totalEncodeNs / int64(s.framesEncoded))
	}
	return Snapshot{
		FramesEncoded:    s.framesEncoded,
		FramesFailed:     s.framesFailed,
		BytesOut:         s.bytesOut,
		AvgEncodeTime:    avg,
		EffectiveBitrate: s.lastBitrate,
	}
}
