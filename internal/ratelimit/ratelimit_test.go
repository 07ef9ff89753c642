package ratelimit

import (
	"testing"
	"time"
)

func TestLimiterAllow(t *testing.T) {
	rl := New(3, 1*time.Second)

	for i := 0; i < 3; i++ {
		if !rl.Allow("1000") {
			t.Errorf("attempt %d should be allowed", i+1)
		}
	}

	if rl.Allow("1000") {
		t.Error("4th attempt should be rejected")
	}

	if !rl.Allow("2000") {
		t.Error("different key should be allowed")
	}
}

func TestLimiterWindowExpiry(t *testing.T) {
	rl := New(2, 100*time.Millisecond)

	if !rl.Allow("1000") {
		t.Error("first attempt should be allowed")
	}
	if !rl.Allow("1000") {
		t.Error("second attempt should be allowed")
	}
	if rl.Allow("1000") {
		t.Error("third attempt should be rejected")
	}

	time.Sleep(150 * time.Millisecond)

	if !rl.Allow("1000") {
		t.Error("should be allowed after window expires")
	}
}

func TestLimiterReset(t *testing.T) {
	rl := New(1, 1*time.Minute)

	if !rl.Allow("1000") {
		t.Error("first should be allowed")
	}
	if rl.Allow("1000") {
		t.Error("second should be rejected")
	}

	rl.Reset()

	if !rl.Allow("1000") {
		t.Error("should be allowed after reset")
	}
}

func TestLimiterMultipleKeys(t *testing.T) {
	rl := New(2, 1*time.Second)

	for _, key := range []string{"100.64.0.1:5000", "peer-a", "peer-b"} {
		if !rl.Allow(key) {
			t.Errorf("key %s first attempt should be allowed", key)
		}
		if !rl.Allow(key) {
			t.Errorf("key %s second attempt should be allowed", key)
		}
		if rl.Allow(key) {
			t.Errorf("key %s third attempt should be rejected", key)
		}
	}
}
