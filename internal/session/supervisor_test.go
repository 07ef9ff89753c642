package session

import (
	"context"
	"errors"
	"testing"

	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

func newTestSupervisor() *Supervisor {
	return New(Config{}, nil)
}

func TestPauseResumeTogglesIsPaused(t *testing.T) {
	s := newTestSupervisor()
	if s.isPaused() {
		t.Fatal("new supervisor should not start paused")
	}
	s.handlePause()
	if !s.isPaused() {
		t.Fatal("expected isPaused true after handlePause")
	}
	s.handleResume()
	if s.isPaused() {
		t.Fatal("expected isPaused false after handleResume")
	}
}

func TestFailFastOnlyDeliversOnce(t *testing.T) {
	s := newTestSupervisor()
	first := streamerr.New(streamerr.PeerDisconnected, "test", "first failure")
	second := streamerr.New(streamerr.PeerDisconnected, "test", "second failure")

	s.failFast(first)
	s.failFast(second)

	select {
	case err := <-s.fatal:
		if err != first {
			t.Fatalf("expected the first error to win, got %v", err)
		}
	default:
		t.Fatal("expected fatal channel to carry the first error")
	}

	select {
	case err := <-s.fatal:
		t.Fatalf("expected only one error delivered, got a second: %v", err)
	default:
	}
}

func TestNotifyErrorWithoutControlChannelIsNoop(t *testing.T) {
	s := newTestSupervisor()
	// controlCh is nil until initTransport runs; notifyError must tolerate
	// a fatal error raised before negotiation ever started.
	s.notifyError(errors.New("boom"))
}

func TestNoopAudioBackendSatisfiesInterface(t *testing.T) {
	var backend noopAudioBackend
	if err := backend.Start(context.Background(), func(model.RawAudioFrame) {}); err != nil {
		t.Fatalf("unexpected error starting noop backend: %v", err)
	}
	if devices, err := backend.EnumerateDevices(); err != nil || devices != nil {
		t.Fatalf("expected nil devices and no error, got %v, %v", devices, err)
	}
}
