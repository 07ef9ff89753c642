package signaling

import (
	"strings"
	"testing"

	"github.com/streamlinux/streamlinux/pkg/model"
)

func TestBuildWSURLAppendsToken(t *testing.T) {
	c := New(Config{BrokerURL: "wss://broker.example.com/ws", Token: "abc123"}, func(model.SignalMessage) {})
	u, err := c.buildWSURL()
	if err != nil {
		t.Fatalf("buildWSURL: %v", err)
	}
	if !strings.Contains(u, "token=abc123") {
		t.Fatalf("expected token query param, got %s", u)
	}
}

func TestSendAfterStopReturnsError(t *testing.T) {
	c := New(Config{BrokerURL: "wss://broker.example.com/ws"}, func(model.SignalMessage) {})
	close(c.done)
	if err := c.Send(model.SignalMessage{Type: model.SignalPing}); err == nil {
		t.Fatal("expected error sending after stop")
	}
}

func TestSendFillsBufferThenErrors(t *testing.T) {
	c := New(Config{BrokerURL: "wss://broker.example.com/ws"}, func(model.SignalMessage) {})
	var lastErr error
	for i := 0; i < 1000; i++ {
		if err := c.Send(model.SignalMessage{Type: model.SignalPing}); err != nil {
			lastErr = err
			break
		}
	}
	if lastErr == nil {
		t.Fatal("expected send buffer to eventually fill")
	}
}
