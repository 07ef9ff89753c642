// Package signaling is the host's persistent connection to the signaling
// broker: it carries register/join/offer/answer/ice-candidate traffic and
// reconnects with exponential backoff when the broker drops.
package signaling

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("signaling")

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 64 * 1024 // per-message cap
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2.0
	jitterFactor   = 0.3
)

// Config holds the broker connection parameters.
type Config struct {
	BrokerURL string // ws(s)://host:port/ws
	Token     string
	RoomID    string
	Role      model.PeerRole
	Name      string
}

// Handler processes an inbound SignalMessage.
type Handler func(msg model.SignalMessage)

// Client manages the host's reconnecting connection to the broker.
type Client struct {
	cfg        Config
	handler    Handler
	conn       *websocket.Conn
	connMu     sync.RWMutex
	done       chan struct{}
	sendChan   chan []byte
	stopOnce   sync.Once
	isRunning  bool
	runningMu  sync.RWMutex
}

// New creates a signaling client. Call Start to begin the reconnect loop.
func New(cfg Config, handler Handler) *Client {
	return &Client{
		cfg:      cfg,
		handler:  handler,
		done:     make(chan struct{}),
		sendChan: make(chan []byte, 64),
	}
}

// Start begins the connect/reconnect loop. Blocks until Stop is called or
// the loop decides to give up (it never does on its own; callers run this
// in its own goroutine).
func (c *Client) Start() {
	c.runningMu.Lock()
	if c.isRunning {
		c.runningMu.Unlock()
		return
	}
	c.isRunning = true
	c.runningMu.Unlock()

	c.reconnectLoop()
}

// Stop closes the connection and halts reconnection.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.runningMu.Lock()
		c.isRunning = false
		c.runningMu.Unlock()

		close(c.done)

		c.connMu.Lock()
		if c.conn != nil {
			c.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			c.conn.Close()
			c.conn = nil
		}
		c.connMu.Unlock()

		log.Info("signaling client stopped")
	})
}

// Send enqueues a message for delivery. Non-blocking; returns an error if
// the outbound buffer is full or the client is stopped.
func (c *Client) Send(msg model.SignalMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("signaling: marshal: %w", err)
	}
	select {
	case <-c.done:
		return fmt.Errorf("signaling: client stopped")
	default:
	}
	select {
	case c.sendChan <- data:
		return nil
	case <-c.done:
		return fmt.Errorf("signaling: client stopped")
	default:
		return fmt.Errorf("signaling: send buffer full")
	}
}

func (c *Client) connect() error {
	wsURL, err := c.buildWSURL()
	if err != nil {
		return fmt.Errorf("signaling: build url: %w", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		return fmt.Errorf("signaling: dial: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	conn.SetReadLimit(maxMessageSize)
	log.Info("connected to broker", "broker", c.cfg.BrokerURL)

	return c.Send(model.SignalMessage{
		Type: model.SignalRegister,
		Role: c.cfg.Role.String(),
		Room: c.cfg.RoomID,
		Name: c.cfg.Name,
	})
}

func (c *Client) buildWSURL() (string, error) {
	u, err := url.Parse(c.cfg.BrokerURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	if c.cfg.Token != "" {
		q.Set("token", c.cfg.Token)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) reconnectLoop() {
	backoff := initialBackoff

	for {
		select {
		case <-c.done:
			return
		default:
		}

		if err := c.connect(); err != nil {
			log.Warn("broker connection failed", "error", err)

			jitter := time.Duration(float64(backoff) * jitterFactor * (rand.Float64()*2 - 1))
			sleep := backoff + jitter
			if sleep < 0 {
				sleep = backoff
			}

			log.Info("retrying broker connection", "delay", sleep)
			select {
			case <-c.done:
				return
			case <-time.After(sleep):
			}

			backoff = time.Duration(float64(backoff) * backoffFactor)
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		backoff = initialBackoff

		pumpDone := make(chan struct{})
		go c.writePump(pumpDone)
		c.readPump()
		close(pumpDone)

		c.runningMu.RLock()
		running := c.isRunning
		c.runningMu.RUnlock()
		if !running {
			return
		}
	}
}

func (c *Client) readPump() {
	c.connMu.RLock()
	conn := c.conn
	c.connMu.RUnlock()
	if conn == nil {
		return
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Warn("broker read error", "error", err)
			}
			return
		}

		var msg model.SignalMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			log.Warn("failed to parse broker message", "error", err)
			continue
		}
		c.handler(msg)
	}
}

func (c *Client) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.done:
			return

		case message := <-c.sendChan:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Warn("broker write error", "error", err)
				return
			}

		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
