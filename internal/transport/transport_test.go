package transport

import "testing"

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateNew:          "new",
		StateConnecting:   "connecting",
		StateConnected:    "connected",
		StateDisconnected: "disconnected",
		StateReconnecting: "reconnecting",
		StateClosed:       "closed",
		StateFailed:       "failed",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}

func TestNewTransportStartsInStateNew(t *testing.T) {
	tr := New(Config{})
	if tr.State() != StateNew {
		t.Fatalf("expected fresh transport in StateNew, got %s", tr.State())
	}
}

func TestSendBeforeInitializeFails(t *testing.T) {
	tr := New(Config{})
	if err := tr.SendControl([]byte("hello")); err == nil {
		t.Fatal("expected error sending control before Initialize")
	}
}
