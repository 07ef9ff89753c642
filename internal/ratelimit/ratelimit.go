// Package ratelimit implements a sliding-window limiter keyed by an
// arbitrary string — a remote address for the broker's connection attempts,
// a peer ID for the control channel's message rate.
package ratelimit

import (
	"sync"
	"time"
)

// cleanupInterval controls how often stale keys are scanned and removed.
const cleanupInterval = 5 * time.Minute

// Limiter tracks attempt timestamps per key within a sliding window.
type Limiter struct {
	maxAttempts int
	window      time.Duration
	mu          sync.Mutex
	attempts    map[string][]time.Time
	lastCleanup time.Time
}

// New creates a limiter allowing maxAttempts per window, per key.
func New(maxAttempts int, window time.Duration) *Limiter {
	return &Limiter{
		maxAttempts: maxAttempts,
		window:      window,
		attempts:    make(map[string][]time.Time),
		lastCleanup: time.Now(),
	}
}

// Allow reports whether key may proceed, recording the attempt if so.
func (r *Limiter) Allow(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-r.window)

	if now.Sub(r.lastCleanup) > cleanupInterval {
		for k, times := range r.attempts {
			allExpired := true
			for _, t := range times {
				if t.After(cutoff) {
					allExpired = false
					break
				}
			}
			if allExpired {
				delete(r.attempts, k)
			}
		}
		r.lastCleanup = now
	}

	existing := r.attempts[key]
	pruned := make([]time.Time, 0, len(existing))
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= r.maxAttempts {
		r.attempts[key] = pruned
		return false
	}

	r.attempts[key] = append(pruned, now)
	return true
}

// Reset clears all limiter state.
func (r *Limiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[string][]time.Time)
}
