// Package secmem holds short-lived secrets (pairing tokens, session
// bearer tokens) with redact-by-default formatting and best-effort memory
// zeroing. Go's GC may copy the backing array, so Zero is defense-in-depth,
// not a guarantee.
package secmem

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/streamlinux/streamlinux/internal/logging"
)

var log = logging.L("secmem")

const redacted = "[REDACTED]"

// SecureString wraps a secret value. Every formatting and marshaling path
// renders "[REDACTED]"; callers that need the plaintext must call Reveal
// explicitly, which is easy to grep for in review.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	warnedOnce atomic.Bool
}

// NewSecureString copies s into a SecureString.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext value, or "" once Zero has been called.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		if !s.warnedOnce.Swap(true) {
			log.Warn("reveal called on a zeroed secure string")
		}
		return ""
	}
	return string(s.data)
}

// IsZeroed reports whether Zero has already been called.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Zero overwrites the backing byte slice with zeros and releases it.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

// String implements fmt.Stringer, always redacted.
func (s *SecureString) String() string { return redacted }

// GoString implements fmt.GoStringer, always redacted.
func (s *SecureString) GoString() string { return redacted }

// Format implements fmt.Formatter so every verb (%s, %v, %+v, %#v, %q)
// renders the redacted placeholder instead of falling through to the
// default reflection-based formatting.
func (s *SecureString) Format(f fmt.State, verb rune) {
	fmt.Fprint(f, redacted)
}

// MarshalJSON always encodes the redacted placeholder.
func (s *SecureString) MarshalJSON() ([]byte, error) {
	return []byte(`"` + redacted + `"`), nil
}

// UnmarshalJSON is rejected outright: a SecureString is never populated
// from untrusted wire data, only via NewSecureString with a value the
// caller already minted or validated.
func (s *SecureString) UnmarshalJSON([]byte) error {
	return fmt.Errorf("secmem: SecureString cannot be unmarshaled from JSON")
}

// MarshalText always encodes the redacted placeholder.
func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte(redacted), nil
}
