package broker

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/streamlinux/streamlinux/pkg/model"
)

func testBroker(t *testing.T) *Broker {
	t.Helper()
	b, err := New(Config{
		Host:        "127.0.0.1",
		Port:        0,
		TokenTTL:    time.Hour,
		RoomTimeout: time.Minute,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return b
}

func TestHostTokenRegisteredOnFirstConnect(t *testing.T) {
	b := testBroker(t)

	r := httptest.NewRequest("GET", "/ws?role=host&room=room-1&token=host-tok", nil)
	r.RemoteAddr = "203.0.113.5:50000"
	w := httptest.NewRecorder()

	role, _, roomID, ok := b.authenticateConnect(w, r, r.RemoteAddr)
	if !ok || role != model.RoleHost || roomID != "room-1" {
		t.Fatalf("host connect rejected: ok=%v role=%v room=%q", ok, role, roomID)
	}
	if !b.reg.checkToken("host-tok") {
		t.Fatal("host's token should be registered for later viewer use")
	}
}

func TestViewerWithRegisteredTokenAccepted(t *testing.T) {
	b := testBroker(t)
	b.reg.registerToken("shared-tok", "room-1")

	r := httptest.NewRequest("GET", "/ws?role=viewer&room=room-1&token=shared-tok", nil)
	r.RemoteAddr = "203.0.113.9:50000"
	w := httptest.NewRecorder()

	role, _, _, ok := b.authenticateConnect(w, r, r.RemoteAddr)
	if !ok || role != model.RoleViewer {
		t.Fatalf("viewer with registered token rejected: ok=%v role=%v", ok, role)
	}
}

func TestViewerWithUnknownTokenRejected(t *testing.T) {
	b := testBroker(t)

	r := httptest.NewRequest("GET", "/ws?role=viewer&room=room-1&token=never-registered", nil)
	r.RemoteAddr = "203.0.113.9:50000"
	w := httptest.NewRecorder()

	_, _, _, ok := b.authenticateConnect(w, r, r.RemoteAddr)
	if ok {
		t.Fatal("viewer with unknown token should be rejected")
	}
	if w.Code != 401 {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestViewerTokenBoundToOtherRoomRejected(t *testing.T) {
	b := testBroker(t)
	b.reg.registerToken("tok", "room-1")

	r := httptest.NewRequest("GET", "/ws?role=viewer&room=room-2&token=tok", nil)
	r.RemoteAddr = "203.0.113.9:50000"
	w := httptest.NewRecorder()

	if _, _, _, ok := b.authenticateConnect(w, r, r.RemoteAddr); ok {
		t.Fatal("token bound to room-1 must not open room-2")
	}
}

func TestLoopbackViewerSkipsTokenValidation(t *testing.T) {
	b := testBroker(t)

	r := httptest.NewRequest("GET", "/ws?role=viewer&room=room-1", nil)
	r.RemoteAddr = "127.0.0.1:40000"
	w := httptest.NewRecorder()

	if _, _, _, ok := b.authenticateConnect(w, r, r.RemoteAddr); !ok {
		t.Fatal("loopback peer should connect without a token")
	}
}

func TestJoinRoomRefusesSecondLiveHost(t *testing.T) {
	r := newRegistry(time.Hour)
	first := testConn(model.RoleHost, "room-1")
	if room, _ := r.joinRoom("room-1", first); room == nil {
		t.Fatal("first host should join")
	}

	second := testConn(model.RoleHost, "room-1")
	if room, _ := r.joinRoom("room-1", second); room != nil {
		t.Fatal("second host must be refused while the first is live")
	}

	r.leaveRoom(first.peer.ID)
	if room, _ := r.joinRoom("room-1", second); room == nil {
		t.Fatal("host slot should reopen once the first host leaves")
	}
}
