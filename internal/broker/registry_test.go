package broker

import (
	"testing"
	"time"

	"github.com/streamlinux/streamlinux/pkg/model"
)

func testConn(role model.PeerRole, room string) *peerConn {
	return newPeerConn(nil, role, "tester", room)
}

func TestJoinRoomCreatesRoomOnFirstJoin(t *testing.T) {
	r := newRegistry(time.Hour)
	host := testConn(model.RoleHost, "room-1")

	room, existing := r.joinRoom("room-1", host)
	if room.ID != "room-1" {
		t.Fatalf("room ID = %q, want room-1", room.ID)
	}
	if len(existing) != 0 {
		t.Fatalf("expected no existing members, got %d", len(existing))
	}
	if room.HostID != host.peer.ID {
		t.Fatal("host ID not recorded on room")
	}
}

func TestJoinRoomAnnouncesExistingMembers(t *testing.T) {
	r := newRegistry(time.Hour)
	host := testConn(model.RoleHost, "room-1")
	r.joinRoom("room-1", host)

	viewer := testConn(model.RoleViewer, "room-1")
	_, existing := r.joinRoom("room-1", viewer)

	if len(existing) != 1 || existing[0].peer.ID != host.peer.ID {
		t.Fatalf("expected host in existing members, got %+v", existing)
	}
}

func TestLeaveRoomRemovesEmptyRoom(t *testing.T) {
	r := newRegistry(time.Hour)
	host := testConn(model.RoleHost, "room-1")
	r.joinRoom("room-1", host)

	r.leaveRoom(host.peer.ID)

	if _, ok := r.rooms["room-1"]; ok {
		t.Fatal("room should be removed once empty")
	}
}

func TestLeaveRoomKeepsNonEmptyRoom(t *testing.T) {
	r := newRegistry(time.Hour)
	host := testConn(model.RoleHost, "room-1")
	viewer := testConn(model.RoleViewer, "room-1")
	r.joinRoom("room-1", host)
	r.joinRoom("room-1", viewer)

	r.leaveRoom(host.peer.ID)

	room, ok := r.rooms["room-1"]
	if !ok {
		t.Fatal("room should survive while a viewer remains")
	}
	if room.HostID != "" {
		t.Fatal("host ID should be cleared after the host leaves")
	}
}

func TestOpposingRoleReturnsOnlyOtherRole(t *testing.T) {
	r := newRegistry(time.Hour)
	host := testConn(model.RoleHost, "room-1")
	v1 := testConn(model.RoleViewer, "room-1")
	v2 := testConn(model.RoleViewer, "room-1")
	r.joinRoom("room-1", host)
	r.joinRoom("room-1", v1)
	r.joinRoom("room-1", v2)

	targets := r.opposingRole("room-1", model.RoleViewer)
	if len(targets) != 1 || targets[0].peer.ID != host.peer.ID {
		t.Fatalf("viewer's opposing role should be exactly the host, got %+v", targets)
	}

	targets = r.opposingRole("room-1", model.RoleHost)
	if len(targets) != 2 {
		t.Fatalf("host's opposing role should be both viewers, got %d", len(targets))
	}
}

func TestSweepIdleRoomsRemovesOnlyEmptyAndOld(t *testing.T) {
	r := newRegistry(time.Hour)
	host := testConn(model.RoleHost, "room-1")
	r.joinRoom("room-1", host)
	r.leaveRoom(host.peer.ID)

	r.mu.Lock()
	r.rooms["stale"] = model.NewRoom("stale", time.Now().Add(-time.Hour))
	r.mu.Unlock()

	removed := r.sweepIdleRooms(time.Now(), time.Minute)
	if len(removed) != 1 || removed[0] != "stale" {
		t.Fatalf("expected only the stale room removed, got %v", removed)
	}
}

func TestMintAndCheckTokenRoundTrip(t *testing.T) {
	r := newRegistry(time.Hour)
	tok, err := r.mintToken("room-1")
	if err != nil {
		t.Fatalf("mintToken: %v", err)
	}
	if !r.checkToken(tok) {
		t.Fatal("freshly minted token should check out")
	}
	if r.checkToken("bogus-token") {
		t.Fatal("unknown token should not check out")
	}
}
