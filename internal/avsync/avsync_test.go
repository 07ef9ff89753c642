package avsync

import (
	"testing"
	"time"

	"github.com/streamlinux/streamlinux/pkg/model"
)

func TestNextBlocksUntilBothStreamsPresent(t *testing.T) {
	s := New(Policy{})
	done := make(chan *model.SyncedPair, 1)
	go func() {
		pair, ok := s.Next(200 * time.Millisecond)
		if ok {
			done <- pair
		} else {
			done <- nil
		}
	}()

	time.Sleep(10 * time.Millisecond)
	s.PushVideo(&model.EncodedVideoFrame{PTS: 1000, Keyframe: true})
	time.Sleep(5 * time.Millisecond)
	s.PushAudio(&model.EncodedAudioFrame{PTS: 1000})

	select {
	case pair := <-done:
		if pair == nil {
			t.Fatal("expected a pair once both streams had data")
		}
		if pair.Video == nil || pair.Audio == nil {
			t.Fatal("expected both video and audio in pair")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("timed out waiting for Next")
	}
}

func TestNextTimesOutWithNoData(t *testing.T) {
	s := New(Policy{})
	_, ok := s.Next(20 * time.Millisecond)
	if ok {
		t.Fatal("expected timeout with no pushed frames")
	}
}

func TestPushVideoDropsOldestOnOverflow(t *testing.T) {
	s := New(Policy{})
	for i := 0; i < defaultQueueSize+5; i++ {
		s.PushVideo(&model.EncodedVideoFrame{PTS: int64(i * 1000)})
	}
	stats := s.Stats()
	if stats.FramesDroppedVideo != 5 {
		t.Fatalf("expected 5 drops, got %d", stats.FramesDroppedVideo)
	}
}

func TestOrderingNonDecreasingPresentationTime(t *testing.T) {
	s := New(Policy{})
	s.PushVideo(&model.EncodedVideoFrame{PTS: 0})
	s.PushAudio(&model.EncodedAudioFrame{PTS: 0})
	first, ok := s.Next(100 * time.Millisecond)
	if !ok {
		t.Fatal("expected first pair")
	}

	s.PushVideo(&model.EncodedVideoFrame{PTS: 20000})
	s.PushAudio(&model.EncodedAudioFrame{PTS: 20000})
	second, ok := s.Next(100 * time.Millisecond)
	if !ok {
		t.Fatal("expected second pair")
	}

	if second.PresentationTime < first.PresentationTime {
		t.Fatalf("presentation time went backwards: %d < %d", second.PresentationTime, first.PresentationTime)
	}
}

func TestResetClearsState(t *testing.T) {
	s := New(Policy{})
	s.PushVideo(&model.EncodedVideoFrame{PTS: 0})
	s.PushAudio(&model.EncodedAudioFrame{PTS: 0})
	if _, ok := s.Next(100 * time.Millisecond); !ok {
		t.Fatal("expected a pair before reset")
	}
	s.Reset()
	if s.haveBase {
		t.Fatal("expected haveBase to be false after reset")
	}
	stats := s.Stats()
	if stats.VideoDriftPPM != 0 || stats.AudioDriftPPM != 0 {
		t.Fatal("expected drift stats cleared after reset")
	}
}

func TestWithinTargetOffsetEmitsPair(t *testing.T) {
	s := New(Policy{TargetOffset: 0})
	s.PushVideo(&model.EncodedVideoFrame{PTS: 5000})
	s.PushAudio(&model.EncodedAudioFrame{PTS: 5010}) // 10us desync, well within 20ms
	pair, ok := s.Next(100 * time.Millisecond)
	if !ok || pair.Video == nil || pair.Audio == nil {
		t.Fatal("expected both streams paired within soft threshold")
	}
}

func TestHardDesyncWithDropPolicy(t *testing.T) {
	s := New(Policy{AllowFrameDrop: true})
	// audio far ahead of video (> 100ms)
	s.PushVideo(&model.EncodedVideoFrame{PTS: 0})
	s.PushAudio(&model.EncodedAudioFrame{PTS: 200_000})
	pair, ok := s.Next(100 * time.Millisecond)
	if !ok {
		t.Fatal("expected a pair even under hard desync")
	}
	if pair.Video != nil && pair.Audio != nil {
		t.Fatal("drop policy should not emit both frames on a >100ms desync")
	}
}

func TestResetThenIdenticalPushesYieldIdenticalOutputs(t *testing.T) {
	run := func(s *Synchronizer) []int64 {
		s.PushVideo(&model.EncodedVideoFrame{PTS: 1000})
		s.PushAudio(&model.EncodedAudioFrame{PTS: 1000})
		s.PushVideo(&model.EncodedVideoFrame{PTS: 34_333})
		s.PushAudio(&model.EncodedAudioFrame{PTS: 21_000})

		var pts []int64
		for {
			pair, ok := s.Next(20 * time.Millisecond)
			if !ok {
				return pts
			}
			var v, a int64 = -1, -1
			if pair.Video != nil {
				v = pair.Video.PTS
			}
			if pair.Audio != nil {
				a = pair.Audio.PTS
			}
			pts = append(pts, v, a)
		}
	}

	s := New(Policy{})
	first := run(s)
	s.Reset()
	second := run(s)

	if len(first) != len(second) {
		t.Fatalf("output lengths differ after reset: %v vs %v", first, second)
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("output %d differs after reset: %v vs %v", i, first, second)
		}
	}
}

func TestHardDesyncWithDuplicatePolicy(t *testing.T) {
	s := New(Policy{AllowFrameDuplicate: true})
	s.PushVideo(&model.EncodedVideoFrame{PTS: 0, Payload: []byte{1}})
	s.PushAudio(&model.EncodedAudioFrame{PTS: 200_000, Payload: []byte{2}})

	pair, ok := s.Next(100 * time.Millisecond)
	if !ok || pair.Video == nil || pair.Audio == nil {
		t.Fatal("duplicate policy should emit both streams")
	}
	if pair.Audio.PTS != pair.Video.PTS {
		t.Fatalf("duplicated frame should carry the lagging stream's PTS, got video=%d audio=%d", pair.Video.PTS, pair.Audio.PTS)
	}
}

func TestSoftDesyncEmitsPairAndConsumesCorrection(t *testing.T) {
	s := New(Policy{})
	// 50ms apart: between the soft (20ms) and hard (100ms) thresholds.
	s.PushVideo(&model.EncodedVideoFrame{PTS: 0})
	s.PushAudio(&model.EncodedAudioFrame{PTS: 50_000})

	pair, ok := s.Next(100 * time.Millisecond)
	if !ok || pair.Video == nil || pair.Audio == nil {
		t.Fatal("mid-band desync should still emit a pair")
	}
	s.mu.Lock()
	pending := s.pendingCorrection
	s.mu.Unlock()
	if pending != 0 {
		t.Fatalf("correction should be consumed by the pull that scheduled it, have %v", pending)
	}
}
