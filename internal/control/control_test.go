package control

import (
	"encoding/json"
	"testing"

	"github.com/streamlinux/streamlinux/pkg/model"
)

type fakeSender struct {
	sent [][]byte
}

func (f *fakeSender) SendControl(data []byte) error {
	f.sent = append(f.sent, append([]byte(nil), data...))
	return nil
}

func encodeMsg(t *testing.T, msg model.ControlMessage) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestDropsMessageFromUnboundPeer(t *testing.T) {
	sender := &fakeSender{}
	called := false
	ch := Bind(sender, "peer-a", Handlers{OnPause: func() { called = true }})

	ch.HandleInbound("peer-b", encodeMsg(t, model.ControlMessage{Type: model.CtrlPause}))

	if called {
		t.Fatal("handler should not fire for an unbound peer")
	}
}

func TestDispatchesPauseToHandler(t *testing.T) {
	sender := &fakeSender{}
	called := false
	ch := Bind(sender, "peer-a", Handlers{OnPause: func() { called = true }})

	ch.HandleInbound("peer-a", encodeMsg(t, model.ControlMessage{Type: model.CtrlPause}))

	if !called {
		t.Fatal("expected OnPause to be invoked")
	}
}

func TestSetResolutionRejectsOutOfRangeDimensions(t *testing.T) {
	sender := &fakeSender{}
	called := false
	ch := Bind(sender, "peer-a", Handlers{OnSetResolution: func(w, h int) error {
		called = true
		return nil
	}})

	ch.HandleInbound("peer-a", encodeMsg(t, model.ControlMessage{
		Type:    model.CtrlSetResolution,
		Payload: model.ControlPayload{Width: 99999, Height: 10},
	}))

	if called {
		t.Fatal("handler should not fire for out-of-range resolution")
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected one error response, got %d", len(sender.sent))
	}
}

func TestRateLimitDropsExcessMessages(t *testing.T) {
	sender := &fakeSender{}
	count := 0
	ch := Bind(sender, "peer-a", Handlers{OnRequestKeyframe: func() { count++ }})

	for i := 0; i < maxMessagesPerSecond+5; i++ {
		ch.HandleInbound("peer-a", encodeMsg(t, model.ControlMessage{Type: model.CtrlRequestKeyframe}))
	}

	if count != maxMessagesPerSecond {
		t.Fatalf("expected exactly %d dispatched messages, got %d", maxMessagesPerSecond, count)
	}
}

func TestPingPongUpdatesRTT(t *testing.T) {
	sender := &fakeSender{}
	ch := Bind(sender, "peer-a", Handlers{})

	if err := ch.Ping(); err != nil {
		t.Fatal(err)
	}

	var sentPing model.ControlMessage
	if err := json.Unmarshal(sender.sent[0], &sentPing); err != nil {
		t.Fatal(err)
	}

	ch.HandleInbound("peer-a", encodeMsg(t, model.ControlMessage{
		Type:    model.CtrlPong,
		Payload: model.ControlPayload{EchoSeq: sentPing.Sequence},
	}))

	if ch.RTT() <= 0 {
		t.Fatalf("expected a positive smoothed RTT after the first pong, got %v", ch.RTT())
	}
}

func TestSendStateEmitsCurrentParams(t *testing.T) {
	sender := &fakeSender{}
	ch := Bind(sender, "peer-a", Handlers{})

	if err := ch.SendState(model.CurrentParams{Width: 1920, Height: 1080, FPS: 30, BitrateBps: 4_000_000}); err != nil {
		t.Fatal(err)
	}

	var msg model.ControlMessage
	if err := json.Unmarshal(sender.sent[0], &msg); err != nil {
		t.Fatal(err)
	}
	if msg.Type != model.CtrlState || msg.Payload.CurrentParams == nil || msg.Payload.CurrentParams.Width != 1920 {
		t.Fatalf("unexpected state message: %+v", msg)
	}
}

func TestUnboundChannelDropsEverything(t *testing.T) {
	sender := &fakeSender{}
	called := false
	ch := Bind(sender, "", Handlers{OnPause: func() { called = true }})

	ch.HandleInbound("", encodeMsg(t, model.ControlMessage{Type: model.CtrlPause}))
	ch.HandleInbound("peer-a", encodeMsg(t, model.ControlMessage{Type: model.CtrlPause}))

	if called {
		t.Fatal("no handler should fire before BindPeer runs")
	}
}

func TestBindPeerFirstBindWins(t *testing.T) {
	sender := &fakeSender{}
	called := false
	ch := Bind(sender, "", Handlers{OnPause: func() { called = true }})

	if !ch.BindPeer("peer-a") {
		t.Fatal("first bind should succeed")
	}
	if ch.BindPeer("peer-b") {
		t.Fatal("second peer must not re-bind the channel")
	}
	if !ch.BindPeer("peer-a") {
		t.Fatal("re-binding the same peer is a no-op success")
	}

	ch.HandleInbound("peer-b", encodeMsg(t, model.ControlMessage{Type: model.CtrlPause}))
	if called {
		t.Fatal("message from the losing peer must be dropped")
	}
	ch.HandleInbound("peer-a", encodeMsg(t, model.ControlMessage{Type: model.CtrlPause}))
	if !called {
		t.Fatal("bound peer's message should dispatch")
	}
}
