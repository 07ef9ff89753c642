// Package avsync merges independently-produced encoded video and audio
// streams onto a single presentation timeline: two bounded FIFOs, a shared
// base time, and a drift-corrected synchronization policy between the two
// streams' PTS clocks.
package avsync

import (
	"sync"
	"time"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("avsync")

const (
	// defaultQueueSize is the encoder->synchronizer queue depth.
	defaultQueueSize = 30

	// windowSize is the number of samples kept for each stream's drift
	// regression.
	windowSize = 100

	softSyncThreshold  = 20 * time.Millisecond
	hardSyncThreshold  = 100 * time.Millisecond

	// driftCorrectionStep is the micro-increment emission is delayed by per
	// pull while the streams are drifting apart, never a PTS jump.
	driftCorrectionStep = 200 * time.Microsecond

	// maxPendingCorrection bounds how much accumulated delay a single pull
	// may apply, so a burst of desynced pairs can't stall the sender.
	maxPendingCorrection = 5 * time.Millisecond
)

// Policy controls behavior when |Δ - target| exceeds the hard threshold.
type Policy struct {
	TargetOffset        time.Duration
	AllowFrameDrop      bool
	AllowFrameDuplicate bool
}

// Stats is a snapshot of the synchronizer's counters, safe to read
// concurrently with ongoing pushes; a mixed snapshot is acceptable.
type Stats struct {
	FramesDroppedVideo uint64
	FramesDroppedAudio uint64
	VideoDriftPPM      float64
	AudioDriftPPM      float64
	PairsEmitted       uint64
}

type videoItem struct {
	frame    *model.EncodedVideoFrame
	arrival  time.Time
}

type audioItem struct {
	frame   *model.EncodedAudioFrame
	arrival time.Time
}

type sample struct {
	streamTime int64 // microseconds, PTS space
	localTime  int64 // microseconds, monotonic arrival space
}

// Synchronizer merges an encoded video stream and an encoded audio stream
// into an ordered sequence of SyncedPairs. Not safe for concurrent pushes
// from multiple goroutines per stream; PushVideo/PushAudio/Next may each be
// called from their own single goroutine concurrently with each other.
type Synchronizer struct {
	mu sync.Mutex
	cv *sync.Cond

	policy Policy

	videoQ []videoItem
	audioQ []audioItem
	qSize  int

	baseTime     time.Time
	haveBase     bool
	lastVideoPTS int64
	lastAudioPTS int64

	videoWindow []sample
	audioWindow []sample

	pendingCorrection time.Duration

	framesDroppedVideo uint64
	framesDroppedAudio uint64
	pairsEmitted       uint64
	videoDriftPPM      float64
	audioDriftPPM      float64
}

// New creates a synchronizer with the given policy. A zero-value Policy
// means target offset 0, no drop, no duplicate (pull whichever is alone).
func New(policy Policy) *Synchronizer {
	s := &Synchronizer{policy: policy, qSize: defaultQueueSize}
	s.cv = sync.NewCond(&s.mu)
	return s
}

// PushVideo is non-blocking; it consumes frame (sink semantics). If the
// video FIFO is at capacity the oldest entry is dropped and
// FramesDroppedVideo increments.
func (s *Synchronizer) PushVideo(frame *model.EncodedVideoFrame) {
	if frame == nil {
		return
	}
	s.mu.Lock()
	if len(s.videoQ) >= s.qSize {
		s.videoQ = s.videoQ[1:]
		s.framesDroppedVideo++
	}
	s.videoQ = append(s.videoQ, videoItem{frame: frame, arrival: time.Now()})
	s.mu.Unlock()
	s.cv.Broadcast()
}

// PushAudio is the audio-stream analog of PushVideo.
func (s *Synchronizer) PushAudio(frame *model.EncodedAudioFrame) {
	if frame == nil {
		return
	}
	s.mu.Lock()
	if len(s.audioQ) >= s.qSize {
		s.audioQ = s.audioQ[1:]
		s.framesDroppedAudio++
	}
	s.audioQ = append(s.audioQ, audioItem{frame: frame, arrival: time.Now()})
	s.mu.Unlock()
	s.cv.Broadcast()
}

// Next returns the next SyncedPair or (nil, false) if timeout elapses with
// nothing ready. The first call blocks until at least one frame of each
// stream is available or the timeout elapses, establishing base_time from
// the earlier arrival.
func (s *Synchronizer) Next(timeout time.Duration) (*model.SyncedPair, bool) {
	deadline := time.Now().Add(timeout)

	s.mu.Lock()

	for !s.haveBase {
		if len(s.videoQ) > 0 && len(s.audioQ) > 0 {
			s.establishBaseLocked()
			break
		}
		if !s.waitUntilLocked(deadline) {
			// Timeout: allow a lone stream through once either arrives, but
			// still no base yet means nothing to emit.
			if len(s.videoQ) == 0 && len(s.audioQ) == 0 {
				s.mu.Unlock()
				return nil, false
			}
			s.establishBaseLocked()
			break
		}
	}

	pair, ok := s.pullLocked(deadline)
	correction := s.pendingCorrection
	s.pendingCorrection = 0
	s.mu.Unlock()

	// Drift correction: hold the emission back by the accumulated
	// micro-increments instead of touching PTS.
	if ok && correction > 0 {
		time.Sleep(correction)
	}
	return pair, ok
}

// waitUntilLocked waits on the condition variable until deadline or a push
// occurs; returns false if the deadline was reached with nothing queued.
// Must be called with s.mu held; the cond variable re-acquires it before
// returning.
func (s *Synchronizer) waitUntilLocked(deadline time.Time) bool {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return len(s.videoQ) > 0 || len(s.audioQ) > 0
	}
	timer := time.AfterFunc(remaining, func() {
		s.mu.Lock()
		s.cv.Broadcast()
		s.mu.Unlock()
	})
	defer timer.Stop()
	s.cv.Wait()
	return len(s.videoQ) > 0 || len(s.audioQ) > 0 || time.Now().Before(deadline)
}

func (s *Synchronizer) establishBaseLocked() {
	var earliest time.Time
	if len(s.videoQ) > 0 {
		earliest = s.videoQ[0].arrival
	}
	if len(s.audioQ) > 0 {
		if earliest.IsZero() || s.audioQ[0].arrival.Before(earliest) {
			earliest = s.audioQ[0].arrival
		}
	}
	if earliest.IsZero() {
		earliest = time.Now()
	}
	s.baseTime = earliest
	s.haveBase = true
	log.Debug("base time established", "baseTime", s.baseTime)
}

// pullLocked implements the synchronization policy over whatever is
// currently queued. Must be called with s.mu held.
func (s *Synchronizer) pullLocked(deadline time.Time) (*model.SyncedPair, bool) {
	for {
		hasVideo := len(s.videoQ) > 0
		hasAudio := len(s.audioQ) > 0

		if !hasVideo && !hasAudio {
			if !s.waitUntilLocked(deadline) {
				return nil, false
			}
			continue
		}

		if hasVideo && hasAudio {
			v := s.videoQ[0]
			a := s.audioQ[0]
			delta := time.Duration(a.frame.PTS-v.frame.PTS) * time.Microsecond
			diff := delta - s.policy.TargetOffset
			if diff < 0 {
				diff = -diff
			}

			switch {
			case diff <= softSyncThreshold:
				return s.emitPairLocked(&v, &a), true
			case diff <= hardSyncThreshold:
				s.scheduleDriftCorrection(delta)
				return s.emitPairLocked(&v, &a), true
			default:
				return s.resolveHardDesyncLocked(v, a, delta), true
			}
		}

		if hasVideo {
			v := s.videoQ[0]
			s.videoQ = s.videoQ[1:]
			s.recordSampleLocked(true, v.frame.PTS, v.arrival)
			return s.makePair(&v.frame, nil), true
		}

		a := s.audioQ[0]
		s.audioQ = s.audioQ[1:]
		s.recordSampleLocked(false, a.frame.PTS, a.arrival)
		return s.makePair(nil, &a.frame), true
	}
}

// resolveHardDesyncLocked handles drift beyond the hard threshold: drop the
// lagging (earlier) stream's stale entry first when drops are allowed;
// otherwise, with duplication allowed, pair the lagging stream's frame with
// a copy of the leading stream's queued frame so both tracks advance.
func (s *Synchronizer) resolveHardDesyncLocked(v videoItem, a audioItem, delta time.Duration) *model.SyncedPair {
	videoIsEarlier := delta > 0 // audio ahead of video means video is the earlier/lagging stream

	if s.policy.AllowFrameDrop {
		if videoIsEarlier {
			s.videoQ = s.videoQ[1:]
			s.framesDroppedVideo++
		} else {
			s.audioQ = s.audioQ[1:]
			s.framesDroppedAudio++
		}
		// Re-check on the next Next() call; returning nil here with a true
		// ok would under-report, so emit what's left as a lone frame now.
		if videoIsEarlier && len(s.audioQ) > 0 {
			na := s.audioQ[0]
			s.audioQ = s.audioQ[1:]
			s.recordSampleLocked(false, na.frame.PTS, na.arrival)
			return s.makePair(nil, &na.frame)
		}
		if !videoIsEarlier && len(s.videoQ) > 0 {
			nv := s.videoQ[0]
			s.videoQ = s.videoQ[1:]
			s.recordSampleLocked(true, nv.frame.PTS, nv.arrival)
			return s.makePair(&nv.frame, nil)
		}
		return nil
	}

	if s.policy.AllowFrameDuplicate {
		// Pair the lagging stream's frame with a copy of the leading
		// stream's queued frame retimed to the lagging PTS, consuming only
		// the lagging stream's entry.
		if videoIsEarlier {
			s.videoQ = s.videoQ[1:]
			s.recordSampleLocked(true, v.frame.PTS, v.arrival)
			dup := &model.EncodedAudioFrame{Payload: a.frame.Payload, PTS: v.frame.PTS, DurationUs: a.frame.DurationUs}
			return s.makePair(&v.frame, &dup)
		}
		s.audioQ = s.audioQ[1:]
		s.recordSampleLocked(false, a.frame.PTS, a.arrival)
		dup := &model.EncodedVideoFrame{Payload: v.frame.Payload, PTS: a.frame.PTS, DTS: a.frame.PTS, Keyframe: v.frame.Keyframe}
		return s.makePair(&dup, &a.frame)
	}

	// Neither policy enabled: emit whichever is available alone and continue.
	if videoIsEarlier {
		s.videoQ = s.videoQ[1:]
		s.recordSampleLocked(true, v.frame.PTS, v.arrival)
		return s.makePair(&v.frame, nil)
	}
	s.audioQ = s.audioQ[1:]
	s.recordSampleLocked(false, a.frame.PTS, a.arrival)
	return s.makePair(nil, &a.frame)
}

func (s *Synchronizer) emitPairLocked(v *videoItem, a *audioItem) *model.SyncedPair {
	s.videoQ = s.videoQ[1:]
	s.audioQ = s.audioQ[1:]
	s.recordSampleLocked(true, v.frame.PTS, v.arrival)
	s.recordSampleLocked(false, a.frame.PTS, a.arrival)
	return s.makePair(&v.frame, &a.frame)
}

func (s *Synchronizer) makePair(video **model.EncodedVideoFrame, audio **model.EncodedAudioFrame) *model.SyncedPair {
	pair := &model.SyncedPair{}
	minPTS := int64(0)
	set := false
	if video != nil && *video != nil {
		pair.Video = *video
		minPTS = (*video).PTS
		set = true
		s.lastVideoPTS = (*video).PTS
	}
	if audio != nil && *audio != nil {
		pair.Audio = *audio
		if !set || (*audio).PTS < minPTS {
			minPTS = (*audio).PTS
		}
		s.lastAudioPTS = (*audio).PTS
	}
	pair.PresentationTime = s.baseTime.UnixMicro() + minPTS
	s.pairsEmitted++
	return pair
}

// scheduleDriftCorrection accumulates a small, bounded emission delay that
// the current pull applies once it leaves the lock. The lagging stream's
// queue gets one extra pull period to catch up rather than having its PTS
// jumped. Must be called with s.mu held.
func (s *Synchronizer) scheduleDriftCorrection(delta time.Duration) {
	if delta == 0 {
		return
	}
	s.pendingCorrection += driftCorrectionStep
	if s.pendingCorrection > maxPendingCorrection {
		s.pendingCorrection = maxPendingCorrection
	}
}

func (s *Synchronizer) recordSampleLocked(video bool, streamPTS int64, arrival time.Time) {
	localTime := arrival.Sub(s.baseTime).Microseconds()
	smp := sample{streamTime: streamPTS, localTime: localTime}
	if video {
		s.videoWindow = append(s.videoWindow, smp)
		if len(s.videoWindow) > windowSize {
			s.videoWindow = s.videoWindow[1:]
		}
		if len(s.videoWindow) >= 2 {
			slope := linearRegressionSlope(s.videoWindow)
			s.videoDriftPPM = (slope - 1.0) * 1e6
		}
		return
	}
	s.audioWindow = append(s.audioWindow, smp)
	if len(s.audioWindow) > windowSize {
		s.audioWindow = s.audioWindow[1:]
	}
	if len(s.audioWindow) >= 2 {
		slope := linearRegressionSlope(s.audioWindow)
		s.audioDriftPPM = (slope - 1.0) * 1e6
	}
}

// linearRegressionSlope computes the slope of stream time against local
// arrival time via ordinary least squares.
func linearRegressionSlope(samples []sample) float64 {
	n := float64(len(samples))
	var sumX, sumY, sumXY, sumXX float64
	for _, s := range samples {
		x := float64(s.localTime)
		y := float64(s.streamTime)
		sumX += x
		sumY += y
		sumXY += x * y
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 1.0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// Reset clears all state and forces a fresh base time on the next frame,
// used when the peer transport re-keys or the codec is reinitialized.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoQ = nil
	s.audioQ = nil
	s.haveBase = false
	s.lastVideoPTS = 0
	s.lastAudioPTS = 0
	s.videoWindow = nil
	s.audioWindow = nil
	s.videoDriftPPM = 0
	s.audioDriftPPM = 0
	s.pendingCorrection = 0
}

// Stats returns a point-in-time snapshot of the synchronizer's counters.
func (s *Synchronizer) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		FramesDroppedVideo: s.framesDroppedVideo,
		FramesDroppedAudio: s.framesDroppedAudio,
		VideoDriftPPM:      s.videoDriftPPM,
		AudioDriftPPM:      s.audioDriftPPM,
		PairsEmitted:       s.pairsEmitted,
	}
}
