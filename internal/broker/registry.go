package broker

import (
	"sync"
	"time"

	"github.com/streamlinux/streamlinux/internal/pairing"
	"github.com/streamlinux/streamlinux/pkg/model"
)

// registry tracks connected peers, the rooms they belong to, and the
// bearer tokens hosts and viewers present on connect. One registry per
// broker process; every method is safe for concurrent use.
type registry struct {
	mu     sync.RWMutex
	rooms  map[string]*model.Room
	peers  map[string]*peerConn
	tokens *pairing.TokenStore

	tokenTTL time.Duration
}

func newRegistry(tokenTTL time.Duration) *registry {
	return &registry{
		rooms:    make(map[string]*model.Room),
		peers:    make(map[string]*peerConn),
		tokens:   pairing.NewTokenStore(),
		tokenTTL: tokenTTL,
	}
}

// mintToken issues a new registration token bound to roomID, reusable
// (not single-use) for the registry's configured TTL.
func (r *registry) mintToken(roomID string) (string, error) {
	return r.tokens.Mint(roomID, r.tokenTTL, false)
}

// registerToken adopts a host-presented bearer token for the registry's
// configured TTL, so viewers joining the same room can present it too.
func (r *registry) registerToken(value, roomID string) {
	r.tokens.Register(value, roomID, r.tokenTTL)
}

// checkToken reports whether value is a currently valid, unexpired token.
func (r *registry) checkToken(value string) bool {
	return r.tokens.Validate(value)
}

// checkTokenForRoom additionally enforces the token's room binding, so a
// viewer's credential only opens the room its host registered it for.
func (r *registry) checkTokenForRoom(value, roomID string) bool {
	return r.tokens.ValidateForRoom(value, roomID)
}

// sweepTokens removes every expired token. Called periodically by the
// broker's background loop.
func (r *registry) sweepTokens(now time.Time) int {
	return r.tokens.Sweep(now)
}

// joinRoom adds conn to roomID, creating the room if it is the first
// member, and registers conn's peer ID for direct lookup. Returns the
// room and the existing members conn should be told about. A second host
// claiming a room that already has a live one is refused (nil room); the
// role claim alone doesn't get to displace the authenticated host.
func (r *registry) joinRoom(roomID string, conn *peerConn) (*model.Room, []*peerConn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	room, ok := r.rooms[roomID]
	if !ok {
		room = model.NewRoom(roomID, now)
		r.rooms[roomID] = room
	}
	room.LastActivity = now

	existing := r.membersLocked(room, conn.peer.ID)

	if conn.peer.Role == model.RoleHost {
		if room.HostID != "" && room.HostID != conn.peer.ID {
			if _, live := r.peers[room.HostID]; live {
				return nil, nil
			}
		}
		room.HostID = conn.peer.ID
	} else {
		room.ViewerIDs[conn.peer.ID] = struct{}{}
	}
	conn.peer.RoomID = roomID
	r.peers[conn.peer.ID] = conn

	return room, existing
}

// membersLocked returns the live connections of every other peer
// currently in room. Caller must hold r.mu.
func (r *registry) membersLocked(room *model.Room, excludeID string) []*peerConn {
	var out []*peerConn
	if room.HostID != "" && room.HostID != excludeID {
		if c, ok := r.peers[room.HostID]; ok {
			out = append(out, c)
		}
	}
	for id := range room.ViewerIDs {
		if id == excludeID {
			continue
		}
		if c, ok := r.peers[id]; ok {
			out = append(out, c)
		}
	}
	return out
}

// leaveRoom removes peerID from its room, deleting the room if it is now
// empty. Returns the remaining members who should be told peerID left.
func (r *registry) leaveRoom(peerID string) []*peerConn {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.peers[peerID]
	delete(r.peers, peerID)
	if !ok {
		return nil
	}

	room, ok := r.rooms[conn.peer.RoomID]
	if !ok {
		return nil
	}

	remaining := r.membersLocked(room, peerID)

	if room.HostID == peerID {
		room.HostID = ""
	}
	delete(room.ViewerIDs, peerID)

	if room.HostID == "" && len(room.ViewerIDs) == 0 {
		delete(r.rooms, room.ID)
	} else {
		room.LastActivity = time.Now()
	}

	return remaining
}

// peerByID looks up a connected peer by ID.
func (r *registry) peerByID(id string) (*peerConn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.peers[id]
	return c, ok
}

// opposingRole returns every live connection in roomID whose role differs
// from role, used for routing messages sent without an explicit "to".
func (r *registry) opposingRole(roomID string, role model.PeerRole) []*peerConn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	room, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	var out []*peerConn
	if role != model.RoleHost && room.HostID != "" {
		if c, ok := r.peers[room.HostID]; ok {
			out = append(out, c)
		}
	}
	if role == model.RoleHost {
		for id := range room.ViewerIDs {
			if c, ok := r.peers[id]; ok {
				out = append(out, c)
			}
		}
	}
	return out
}

// sweepIdleRooms destroys every room whose LastActivity is older than
// idleTimeout and has no connected peers remaining.
func (r *registry) sweepIdleRooms(now time.Time, idleTimeout time.Duration) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var removed []string
	for id, room := range r.rooms {
		empty := room.HostID == "" && len(room.ViewerIDs) == 0
		if empty && now.Sub(room.LastActivity) > idleTimeout {
			delete(r.rooms, id)
			removed = append(removed, id)
		}
	}
	return removed
}

// snapshotRooms returns a point-in-time view for the REST /rooms endpoint.
func (r *registry) snapshotRooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for _, room := range r.rooms {
		out = append(out, RoomInfo{
			ID:          room.ID,
			HasHost:     room.HostID != "",
			NumClients:  len(room.ViewerIDs),
			CreatedAt:   room.CreatedAt,
			LastActive:  room.LastActivity,
		})
	}
	return out
}

// snapshotHosts returns a point-in-time view for the REST /hosts endpoint.
func (r *registry) snapshotHosts(now time.Time) []HostInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]HostInfo, 0)
	for _, conn := range r.peers {
		if conn.peer.Role != model.RoleHost {
			continue
		}
		room := r.rooms[conn.peer.RoomID]
		out = append(out, HostInfo{
			PeerID:            conn.peer.ID,
			Name:              conn.peer.DisplayName,
			Role:              conn.peer.Role.String(),
			Room:              conn.peer.RoomID,
			ActiveTimeSeconds: now.Sub(conn.connectedAt).Seconds(),
			HasClients:        room != nil && len(room.ViewerIDs) > 0,
		})
	}
	return out
}

// RoomInfo is the REST-surface projection of a Room.
type RoomInfo struct {
	ID         string    `json:"id"`
	HasHost    bool      `json:"has_host"`
	NumClients int       `json:"num_clients"`
	CreatedAt  time.Time `json:"created_at"`
	LastActive time.Time `json:"last_active"`
}

// HostInfo is the REST-surface projection of a connected host peer.
type HostInfo struct {
	PeerID            string  `json:"peer_id"`
	Name              string  `json:"name"`
	Role              string  `json:"role"`
	Room              string  `json:"room"`
	ActiveTimeSeconds float64 `json:"active_time_seconds"`
	HasClients        bool    `json:"has_clients"`
}
