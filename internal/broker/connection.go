package broker

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/streamlinux/streamlinux/pkg/model"
)

const (
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	pingPeriod    = 30 * time.Second
	maxMessageSize = 64 * 1024
)

// peerConn wires a live websocket connection to the registry's view of
// the peer. One read pump and one write pump per connection, matching
// the broker's one-accept-thread-plus-pumps-per-peer concurrency model.
type peerConn struct {
	peer        model.Peer
	conn        *websocket.Conn
	send        chan []byte
	connectedAt time.Time
}

func newPeerConn(conn *websocket.Conn, role model.PeerRole, name, roomID string) *peerConn {
	now := time.Now()
	return &peerConn{
		peer: model.Peer{
			ID:            uuid.NewString(),
			Role:          role,
			DisplayName:   name,
			RoomID:        roomID,
			LastHeartbeat: now,
		},
		conn:        conn,
		send:        make(chan []byte, 32),
		connectedAt: now,
	}
}

// writeJSON enqueues msg for delivery without blocking the caller. Drops
// the message if the connection's outbound buffer is full, which only
// happens when the peer is already unresponsive.
func (c *peerConn) writeJSON(msg model.SignalMessage) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error("failed to marshal outbound signal message", "error", err)
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		log.Warn("dropping message, peer send buffer full", "peerId", c.peer.ID)
		return false
	}
}

// readPump reads frames until the connection errors or closes, decoding
// each into a SignalMessage and handing it to onMessage. Runs on its own
// goroutine; returns when the peer disconnects.
func (c *peerConn) readPump(onMessage func(*peerConn, model.SignalMessage), onClose func(*peerConn)) {
	defer onClose(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		c.peer.LastHeartbeat = time.Now()
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("peer read error", "peerId", c.peer.ID, "error", err)
			}
			return
		}

		var msg model.SignalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn("dropping unparseable message", "peerId", c.peer.ID, "error", err)
			continue
		}
		onMessage(c, msg)
	}
}

// writePump drains send and forwards ping keepalives until stop fires.
func (c *peerConn) writePump(stop <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.conn.Close()

	for {
		select {
		case <-stop:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return

		case data, ok := <-c.send:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("peer write error", "peerId", c.peer.ID, "error", err)
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
