package pairing

import (
	"testing"
	"time"
)

func TestMintedTokenValidates(t *testing.T) {
	s := NewTokenStore()
	tok, err := s.Mint("room-1", time.Minute, false)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !s.Validate(tok) {
		t.Fatal("freshly minted token should validate")
	}
}

func TestUnknownTokenRejected(t *testing.T) {
	s := NewTokenStore()
	if s.Validate("not-a-real-token") {
		t.Fatal("unknown token should not validate")
	}
}

func TestEmptyTokenRejected(t *testing.T) {
	s := NewTokenStore()
	if s.Validate("") {
		t.Fatal("empty token should never validate")
	}
}

func TestExpiredTokenRejected(t *testing.T) {
	s := NewTokenStore()
	tok, err := s.Mint("", time.Nanosecond, false)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	time.Sleep(time.Millisecond)
	if s.Validate(tok) {
		t.Fatal("expired token should not validate")
	}
}

func TestSingleUseTokenConsumedOnce(t *testing.T) {
	s := NewTokenStore()
	tok, err := s.Mint("", time.Minute, true)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !s.Consume(tok) {
		t.Fatal("first consume should succeed")
	}
	if s.Validate(tok) {
		t.Fatal("single-use token should be invalid after consumption")
	}
	if s.Consume(tok) {
		t.Fatal("second consume should fail")
	}
}

func TestReusableTokenSurvivesConsume(t *testing.T) {
	s := NewTokenStore()
	tok, err := s.Mint("", time.Minute, false)
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	if !s.Consume(tok) {
		t.Fatal("consume should succeed")
	}
	if !s.Validate(tok) {
		t.Fatal("non-single-use token should remain valid after consume")
	}
}

func TestSweepRemovesOnlyExpired(t *testing.T) {
	s := NewTokenStore()
	live, _ := s.Mint("", time.Hour, false)
	dead, _ := s.Mint("", time.Nanosecond, false)
	time.Sleep(time.Millisecond)

	removed := s.Sweep(time.Now())
	if removed != 1 {
		t.Fatalf("expected 1 removed, got %d", removed)
	}
	if !s.Validate(live) {
		t.Fatal("live token should survive sweep")
	}
	if s.Validate(dead) {
		t.Fatal("dead token should not survive sweep")
	}
}

func TestMintProducesDistinctTokens(t *testing.T) {
	s := NewTokenStore()
	a, _ := s.Mint("", time.Minute, false)
	b, _ := s.Mint("", time.Minute, false)
	if a == b {
		t.Fatal("two mints should not collide")
	}
}

func TestRegisterAdoptsExternalToken(t *testing.T) {
	s := NewTokenStore()
	s.Register("host-presented-token", "room-1", time.Minute)
	if !s.Validate("host-presented-token") {
		t.Fatal("registered token should validate")
	}
}

func TestRegisterIgnoresEmptyValue(t *testing.T) {
	s := NewTokenStore()
	s.Register("", "room-1", time.Minute)
	if s.Validate("") {
		t.Fatal("empty value must never become a valid token")
	}
}

func TestRegisterDoesNotExtendExistingExpiry(t *testing.T) {
	s := NewTokenStore()
	s.Register("tok", "", time.Nanosecond)
	time.Sleep(time.Millisecond)
	s.Register("tok", "", time.Hour)
	if s.Validate("tok") {
		t.Fatal("re-registering must not refresh the original expiry")
	}
}

func TestValidateForRoomEnforcesBinding(t *testing.T) {
	s := NewTokenStore()
	s.Register("bound", "room-1", time.Minute)
	s.Register("unbound", "", time.Minute)

	if !s.ValidateForRoom("bound", "room-1") {
		t.Fatal("token should open its bound room")
	}
	if s.ValidateForRoom("bound", "room-2") {
		t.Fatal("token must not open a different room")
	}
	if !s.ValidateForRoom("unbound", "any-room") {
		t.Fatal("token with no bound room should open any")
	}
}
