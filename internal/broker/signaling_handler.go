package broker

import (
	"net/http"
	"strings"
	"time"

	"github.com/streamlinux/streamlinux/pkg/model"
)

// handleSignaling upgrades the HTTP request to a websocket connection,
// authenticates the peer, and runs its read/write pumps until it
// disconnects. Role, name and room ID come from the query parameters; when
// a room is named there the peer joins it right after the upgrade,
// otherwise it joins on its first "join" message.
func (b *Broker) handleSignaling(w http.ResponseWriter, r *http.Request) {
	remoteAddr := realRemoteAddr(r)
	if !b.limiter.Allow(remoteAddr) {
		http.Error(w, "too many connection attempts", http.StatusTooManyRequests)
		return
	}

	role, name, roomID, ok := b.authenticateConnect(w, r, remoteAddr)
	if !ok {
		return
	}

	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("websocket upgrade failed", "remote", remoteAddr, "error", err)
		return
	}

	peer := newPeerConn(conn, role, name, roomID)
	log.Info("peer connected", "peerId", peer.peer.ID, "role", role.String(), "remote", remoteAddr)

	stop := make(chan struct{})
	go peer.writePump(stop)

	if roomID != "" {
		b.joinAndAnnounce(peer, roomID)
	}

	peer.writeJSON(model.SignalMessage{Type: model.SignalRegistered, PeerID: peer.peer.ID})

	peer.readPump(b.onSignalMessage, func(c *peerConn) {
		close(stop)
		b.onPeerDisconnect(c)
	})
}

// authenticateConnect enforces the host/viewer token contract: a host's
// token is registered on first connection (so the host's viewers can
// present the same credential later), a viewer's token must already be
// known and unexpired. Loopback peers skip validation entirely, matching
// the USB-forward path's needs.
func (b *Broker) authenticateConnect(w http.ResponseWriter, r *http.Request, remoteAddr string) (role model.PeerRole, name, roomID string, ok bool) {
	role = model.RoleViewer
	if strings.EqualFold(r.URL.Query().Get("role"), "host") {
		role = model.RoleHost
	}
	name = r.URL.Query().Get("name")
	roomID = r.URL.Query().Get("room")

	if isLoopbackAddr(remoteAddr) {
		return role, name, roomID, true
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return role, name, roomID, false
	}
	if role == model.RoleHost {
		b.reg.registerToken(token, roomID)
		return role, name, roomID, true
	}
	if !b.reg.checkTokenForRoom(token, roomID) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return role, name, roomID, false
	}
	return role, name, roomID, true
}

func (b *Broker) joinAndAnnounce(conn *peerConn, roomID string) {
	room, existing := b.reg.joinRoom(roomID, conn)
	if room == nil {
		conn.writeJSON(model.SignalMessage{
			Type:    model.SignalError,
			Room:    roomID,
			Message: "room already has a host",
		})
		return
	}
	msg := model.SignalMessage{
		Type:   model.SignalPeerJoined,
		Room:   roomID,
		PeerID: conn.peer.ID,
		Role:   conn.peer.Role.String(),
		Name:   conn.peer.DisplayName,
	}
	for _, other := range existing {
		b.deliver(other, msg)
	}
}

// deliver hands msg to target's send buffer via the fan-out pool, so a
// burst of room joins or negotiation forwards doesn't block the calling
// peer's read pump on a slow target's buffered-channel send. Falls back
// to a direct, still-non-blocking send if the pool's queue is full.
func (b *Broker) deliver(target *peerConn, msg model.SignalMessage) {
	if !b.fanout.Submit(func() { target.writeJSON(msg) }) {
		target.writeJSON(msg)
	}
}

// onSignalMessage routes one inbound message per the broker's protocol:
// join forms/updates room membership; offer/answer/ice-candidate forward
// to the named peer or broadcast to the opposite role; ping gets an
// immediate pong.
func (b *Broker) onSignalMessage(conn *peerConn, msg model.SignalMessage) {
	conn.peer.LastHeartbeat = time.Now()

	switch msg.Type {
	case model.SignalJoin:
		room := msg.Room
		if room == "" {
			room = conn.peer.RoomID
		}
		b.joinAndAnnounce(conn, room)

	case model.SignalOffer, model.SignalAnswer, model.SignalICECandidate:
		b.forward(conn, msg)

	case model.SignalPing:
		conn.writeJSON(model.SignalMessage{Type: model.SignalPong})

	default:
		log.Debug("ignoring unrecognized signal type", "type", msg.Type, "peerId", conn.peer.ID)
	}
}

func (b *Broker) forward(from *peerConn, msg model.SignalMessage) {
	msg.From = from.peer.ID
	msg.Role = from.peer.Role.String()

	if msg.To != "" {
		target, ok := b.reg.peerByID(msg.To)
		if !ok || target.peer.RoomID != from.peer.RoomID {
			return
		}
		b.deliver(target, msg)
		return
	}

	for _, target := range b.reg.opposingRole(from.peer.RoomID, from.peer.Role) {
		b.deliver(target, msg)
	}
}

func (b *Broker) onPeerDisconnect(conn *peerConn) {
	remaining := b.reg.leaveRoom(conn.peer.ID)
	msg := model.SignalMessage{
		Type:   model.SignalPeerLeft,
		Room:   conn.peer.RoomID,
		PeerID: conn.peer.ID,
	}
	for _, other := range remaining {
		b.deliver(other, msg)
	}
	log.Info("peer disconnected", "peerId", conn.peer.ID)
}

// realRemoteAddr prefers the first X-Forwarded-For hop when present (the
// broker may sit behind a reverse proxy), falling back to the direct
// connection's address.
func realRemoteAddr(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if idx := strings.Index(fwd, ","); idx >= 0 {
			return strings.TrimSpace(fwd[:idx])
		}
		return strings.TrimSpace(fwd)
	}
	return r.RemoteAddr
}
