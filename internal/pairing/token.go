// Package pairing mints and renders the credentials a viewer needs to
// join a host for the first time: a short-lived bearer token and the
// PairingBundle that carries it, encoded as a 2-D code or a local-network
// service advertisement.
package pairing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"sync"
	"time"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("pairing")

// DefaultExpiry is how long a freshly minted pairing token remains valid
// if the caller does not specify otherwise.
const DefaultExpiry = 60 * time.Second

// TokenStore mints and validates SessionTokens. Safe for concurrent use.
// Validation is constant-time against the stored value and never reveals,
// via timing, whether a presented token is merely unknown versus expired
// versus already consumed.
type TokenStore struct {
	mu     sync.Mutex
	tokens map[string]*model.SessionToken
}

// NewTokenStore creates an empty token store.
func NewTokenStore() *TokenStore {
	return &TokenStore{tokens: make(map[string]*model.SessionToken)}
}

// Mint creates a new 32-byte CSPRNG token, URL-safe base64 encoded, bound
// to room (optional) and valid until now+expiry. A predictable derivation
// (hash of machine ID, timestamp, etc.) would defeat the point of the
// credential, so the only source of entropy is crypto/rand.
func (s *TokenStore) Mint(room string, expiry time.Duration, singleUse bool) (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	value := base64.RawURLEncoding.EncodeToString(buf)

	now := time.Now()
	tok := &model.SessionToken{
		Value:     value,
		CreatedAt: now,
		Expiry:    now.Add(expiry),
		SingleUse: singleUse,
		BoundRoom: room,
	}

	s.mu.Lock()
	s.tokens[value] = tok
	s.mu.Unlock()

	return value, nil
}

// Register adopts an externally minted value into the store, valid until
// now+expiry and reusable until then. The broker uses this to honor a
// host-presented bearer token on first connection so the host's viewers
// can authenticate with the same credential. Registering a value that is
// already present refreshes nothing; the original expiry stands.
func (s *TokenStore) Register(value, room string, expiry time.Duration) {
	if value == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tokens[value]; ok {
		return
	}
	now := time.Now()
	s.tokens[value] = &model.SessionToken{
		Value:     value,
		CreatedAt: now,
		Expiry:    now.Add(expiry),
		BoundRoom: room,
	}
}

// Validate reports whether value is currently valid: known, unexpired,
// and not already consumed if single-use. Does not consume the token;
// callers that intend to use the token exactly once should call Consume.
func (s *TokenStore) Validate(value string) bool {
	if value == "" {
		return false
	}
	s.mu.Lock()
	tok, ok := s.tokens[value]
	s.mu.Unlock()
	if !ok {
		return false
	}
	if subtle.ConstantTimeCompare([]byte(tok.Value), []byte(value)) != 1 {
		return false
	}
	if tok.SingleUse && tok.Consumed {
		return false
	}
	return time.Now().Before(tok.Expiry)
}

// ValidateForRoom is Validate plus a room-binding check: a token minted or
// registered with a bound room only authorizes that room. Tokens with no
// bound room authorize any.
func (s *TokenStore) ValidateForRoom(value, room string) bool {
	if !s.Validate(value) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[value]
	if !ok {
		return false
	}
	return tok.BoundRoom == "" || tok.BoundRoom == room
}

// Consume validates value and, if valid, marks it consumed. Returns false
// without side effects if value is invalid.
func (s *TokenStore) Consume(value string) bool {
	if !s.Validate(value) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tok, ok := s.tokens[value]
	if !ok {
		return false
	}
	tok.Consumed = true
	return true
}

// Sweep removes every expired token and returns how many were removed.
// Callers run this periodically (the broker calls it every 30s).
func (s *TokenStore) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for k, tok := range s.tokens {
		if now.After(tok.Expiry) {
			delete(s.tokens, k)
			removed++
		}
	}
	if removed > 0 {
		log.Debug("swept expired pairing tokens", "count", removed)
	}
	return removed
}
