// Package control implements the control channel: newline-delimited JSON
// messages carrying runtime tuning commands over the peer transport's
// message channel, bound to exactly one authenticated peer and rate
// limited per peer.
package control

import (
	"bufio"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/internal/ratelimit"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("control")

// maxMessagesPerSecond is the per-peer rate limit.
const maxMessagesPerSecond = 10

// Sender abstracts the peer transport's outbound message-channel write, so
// this package does not import transport directly.
type Sender interface {
	SendControl(data []byte) error
}

// Handlers wires control message variants to the session's mutable state.
// Each field is optional; a nil handler means that message type is ignored.
type Handlers struct {
	OnPause           func()
	OnResume          func()
	OnSetResolution   func(width, height int) error
	OnSetBitrate      func(bps int) error
	OnSetQuality      func(preset model.QualityPreset)
	OnSelectMonitor   func(id int) error
	OnRequestKeyframe func()
}

// Channel is the bound control channel for one peer. Construct with Bind
// once the transport's DTLS handshake has completed and the peer ID is
// known.
type Channel struct {
	mu sync.Mutex

	sender   Sender
	peerID   string
	handlers Handlers
	limiter  *ratelimit.Limiter

	sequence uint64

	rttMu        sync.Mutex
	smoothedRTT  time.Duration
	pendingPings map[uint64]time.Time
}

// Bind constructs a channel locked to peerID; inbound messages from any
// other peer ID are dropped and logged. An empty peerID leaves the channel
// unbound — every inbound message is dropped until BindPeer runs, which is
// how the session supervisor defers binding until the viewer that completed
// the handshake is known.
func Bind(sender Sender, peerID string, handlers Handlers) *Channel {
	return &Channel{
		sender:       sender,
		peerID:       peerID,
		handlers:     handlers,
		limiter:      ratelimit.New(maxMessagesPerSecond, time.Second),
		pendingPings: make(map[uint64]time.Time),
	}
}

// BindPeer locks the channel to peerID. Only the first bind wins; a second
// peer cannot re-bind an already-bound channel.
func (c *Channel) BindPeer(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.peerID != "" {
		return c.peerID == peerID
	}
	c.peerID = peerID
	return true
}

// BoundPeer returns the peer ID the channel is locked to, or "".
func (c *Channel) BoundPeer() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peerID
}

// HandleInbound parses one newline-delimited JSON frame received on the
// transport's data channel and, if it passes the peer binding and rate
// limit checks, dispatches it to the appropriate handler. The caller (the
// transport's data-channel callback) already serializes calls per peer, so
// dispatch runs synchronously on that goroutine.
func (c *Channel) HandleInbound(fromPeerID string, raw []byte) {
	bound := c.BoundPeer()
	if bound == "" || fromPeerID == "" || fromPeerID != bound {
		log.Warn("dropping control message from unbound peer", "got", fromPeerID, "want", bound)
		return
	}
	if !c.limiter.Allow(fromPeerID) {
		log.Warn("control message rate limit exceeded", "peer", fromPeerID)
		c.sendError("rate limit exceeded")
		return
	}

	var msg model.ControlMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		log.Warn("malformed control message", "peer", fromPeerID, "error", err)
		c.sendError("malformed message")
		return
	}

	c.dispatch(msg)
}

func (c *Channel) dispatch(msg model.ControlMessage) {
	switch msg.Type {
	case model.CtrlPause:
		if c.handlers.OnPause != nil {
			c.handlers.OnPause()
		}
	case model.CtrlResume:
		if c.handlers.OnResume != nil {
			c.handlers.OnResume()
		}
	case model.CtrlSetResolution:
		w, h := msg.Payload.Width, msg.Payload.Height
		if w < 1 || w > 16384 || h < 1 || h > 16384 {
			c.sendError("resolution out of range")
			return
		}
		if c.handlers.OnSetResolution != nil {
			if err := c.handlers.OnSetResolution(w, h); err != nil {
				c.sendError(err.Error())
			}
		}
	case model.CtrlSetBitrate:
		bps := msg.Payload.BitrateBps
		if bps < 100_000 || bps > 100_000_000 {
			c.sendError("bitrate out of range")
			return
		}
		if c.handlers.OnSetBitrate != nil {
			if err := c.handlers.OnSetBitrate(bps); err != nil {
				c.sendError(err.Error())
			}
		}
	case model.CtrlSetQuality:
		if c.handlers.OnSetQuality != nil {
			c.handlers.OnSetQuality(msg.Payload.Quality)
		}
	case model.CtrlSelectMonitor:
		if c.handlers.OnSelectMonitor != nil {
			if err := c.handlers.OnSelectMonitor(msg.Payload.MonitorID); err != nil {
				c.sendError(err.Error())
			}
		}
	case model.CtrlRequestKeyframe:
		if c.handlers.OnRequestKeyframe != nil {
			c.handlers.OnRequestKeyframe()
		}
	case model.CtrlPing:
		c.sendPong(msg.Sequence)
	case model.CtrlPong:
		c.recordPong(msg.Payload.EchoSeq)
	default:
		log.Warn("unrecognized control message type", "type", msg.Type)
	}
}

func (c *Channel) nextSequence() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sequence++
	return c.sequence
}

func (c *Channel) send(msg model.ControlMessage) error {
	msg.TimestampUs = time.Now().UnixMicro()
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("control: marshal: %w", err)
	}
	data = append(data, '\n')
	return c.sender.SendControl(data)
}

func (c *Channel) sendError(message string) {
	_ = c.SendErrorMessage(message)
}

func (c *Channel) sendPong(echoSeq uint64) {
	_ = c.send(model.ControlMessage{
		Type:     model.CtrlPong,
		Sequence: c.nextSequence(),
		Payload:  model.ControlPayload{EchoSeq: echoSeq},
	})
}

// Ping sends a Ping and records the send time for RTT measurement when the
// matching Pong arrives.
func (c *Channel) Ping() error {
	seq := c.nextSequence()
	c.rttMu.Lock()
	c.pendingPings[seq] = time.Now()
	c.rttMu.Unlock()
	return c.send(model.ControlMessage{Type: model.CtrlPing, Sequence: seq})
}

const rttEwmaAlpha = 0.2

func (c *Channel) recordPong(echoSeq uint64) {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	sent, ok := c.pendingPings[echoSeq]
	if !ok {
		return
	}
	delete(c.pendingPings, echoSeq)
	sample := time.Since(sent)
	if c.smoothedRTT == 0 {
		c.smoothedRTT = sample
		return
	}
	c.smoothedRTT = time.Duration(rttEwmaAlpha*float64(sample) + (1-rttEwmaAlpha)*float64(c.smoothedRTT))
}

// RTT returns the exponentially smoothed round-trip estimate.
func (c *Channel) RTT() time.Duration {
	c.rttMu.Lock()
	defer c.rttMu.Unlock()
	return c.smoothedRTT
}

// SendErrorMessage pushes an unsolicited Error to the peer, e.g. when the
// session supervisor is about to tear the session down after a fatal
// component failure.
func (c *Channel) SendErrorMessage(message string) error {
	return c.send(model.ControlMessage{
		Type:     model.CtrlError,
		Sequence: c.nextSequence(),
		Payload:  model.ControlPayload{Message: message},
	})
}

// SendState pushes an unsolicited state snapshot to the peer, e.g. after an
// encoder reconfiguration.
func (c *Channel) SendState(params model.CurrentParams) error {
	return c.send(model.ControlMessage{
		Type:     model.CtrlState,
		Sequence: c.nextSequence(),
		Payload:  model.ControlPayload{CurrentParams: &params},
	})
}

// SplitFrames splits a buffered byte stream on newlines, for transports
// that deliver raw byte chunks rather than pre-framed messages.
func SplitFrames(r *bufio.Reader) ([]byte, error) {
	line, err := r.ReadBytes('\n')
	if err != nil {
		return nil, err
	}
	if len(line) > 0 && line[len(line)-1] == '\n' {
		line = line[:len(line)-1]
	}
	return line, nil
}
