// Package transport implements the peer transport: offer/answer
// negotiation, trickle ICE, and delivery of one video track, one audio
// track, and one reliable ordered message channel over encrypted
// SRTP/DTLS, via pion/webrtc.
package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("transport")

// playoutDelayURI signals to browser receivers that frames should render
// immediately rather than queue in a jitter buffer sized for video calls.
const playoutDelayURI = "http://www.webrtc.org/experiments/rtp-hdrext/playout-delay"

// State is the peer transport's connection state machine: New ->
// Connecting -> Connected -> (Disconnected <-> Reconnecting) -> Closed,
// plus a terminal Failed reachable from any state.
type State int

const (
	StateNew State = iota
	StateConnecting
	StateConnected
	StateDisconnected
	StateReconnecting
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Config parameterizes the peer transport.
type Config struct {
	ICEServers           []string
	VideoCodec           model.Codec
	OnICECandidate       func(candidate string)
	OnStateChange        func(State)
	OnControlMessage     func(data []byte)
	ReconnectGracePeriod time.Duration
}

// Stats mirrors the transport's observable statistics.
type Stats struct {
	BytesSent       uint64
	BytesReceived   uint64
	PacketsLost     uint32
	CurrentBitrate  float64
	RTT             time.Duration
	Jitter          time.Duration
}

// Transport owns the network sockets and cryptographic state for one peer
// connection. Not reusable across sessions; construct a new one per
// negotiation.
type Transport struct {
	mu    sync.RWMutex
	cfg   Config
	pc    *webrtc.PeerConnection
	state State

	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	controlDC  *webrtc.DataChannel

	dtlsComplete  bool
	stats         Stats
	onKeyframeReq func()
}

// New constructs a transport in state New; call Initialize to begin
// negotiation.
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg, state: StateNew}
}

// Initialize creates the underlying PeerConnection, registers codecs and
// the playout-delay extension, creates the outbound tracks and the control
// data channel, and transitions New->Connecting.
func (t *Transport) Initialize(onKeyframeRequest func()) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != StateNew {
		return streamerr.New(streamerr.InvalidArgument, "transport.Initialize", "already initialized")
	}
	t.onKeyframeReq = onKeyframeRequest

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "transport.Initialize", err)
	}
	_ = mediaEngine.RegisterHeaderExtension(
		webrtc.RTPHeaderExtensionCapability{URI: playoutDelayURI},
		webrtc.RTPCodecTypeVideo,
	)

	var iceServers []webrtc.ICEServer
	for _, url := range t.cfg.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{URLs: []string{url}})
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(mediaEngine))
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "transport.Initialize", err)
	}
	t.pc = pc

	videoTrack, err := webrtc.NewTrackLocalStaticSample(
		codecCapability(t.cfg.VideoCodec),
		"video", "streamlinux",
	)
	if err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "transport.Initialize", err)
	}
	t.videoTrack = videoTrack

	sender, err := pc.AddTrack(videoTrack)
	if err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "transport.Initialize", err)
	}
	go t.drainRTCP(sender)

	audioTrack, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", "streamlinux",
	)
	if err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "transport.Initialize", err)
	}
	t.audioTrack = audioTrack
	if _, err := pc.AddTrack(audioTrack); err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "transport.Initialize", err)
	}

	ordered := true
	controlDC, err := pc.CreateDataChannel("control", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "transport.Initialize", err)
	}
	t.controlDC = controlDC
	controlDC.OnMessage(func(msg webrtc.DataChannelMessage) {
		if t.cfg.OnControlMessage != nil {
			t.cfg.OnControlMessage(msg.Data)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || t.cfg.OnICECandidate == nil {
			return
		}
		t.cfg.OnICECandidate(c.ToJSON().Candidate)
	})

	pc.OnConnectionStateChange(func(pcs webrtc.PeerConnectionState) {
		t.handlePCStateChange(pcs)
	})

	t.setStateLocked(StateConnecting)
	return nil
}

func codecCapability(codec model.Codec) webrtc.RTPCodecCapability {
	switch codec {
	case model.CodecH265:
		return webrtc.RTPCodecCapability{MimeType: "video/H265", ClockRate: 90000}
	case model.CodecVP8:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	case model.CodecVP9:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP9, ClockRate: 90000}
	case model.CodecAV1:
		return webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeAV1, ClockRate: 90000}
	default:
		return webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeH264,
			ClockRate:   90000,
			SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42e01f",
		}
	}
}

func (t *Transport) drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		n, _, err := sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				t.mu.RLock()
				cb := t.onKeyframeReq
				t.mu.RUnlock()
				if cb != nil {
					cb()
				}
			}
		}
	}
}

func (t *Transport) handlePCStateChange(pcs webrtc.PeerConnectionState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch pcs {
	case webrtc.PeerConnectionStateConnected:
		t.dtlsComplete = true
		t.setStateLocked(StateConnected)
	case webrtc.PeerConnectionStateDisconnected:
		if t.state == StateConnected {
			t.setStateLocked(StateDisconnected)
			go t.awaitReconnectOrFail()
		}
	case webrtc.PeerConnectionStateFailed:
		t.setStateLocked(StateFailed)
	case webrtc.PeerConnectionStateClosed:
		t.setStateLocked(StateClosed)
	}
}

func (t *Transport) awaitReconnectOrFail() {
	grace := t.cfg.ReconnectGracePeriod
	if grace <= 0 {
		grace = 10 * time.Second
	}
	t.mu.Lock()
	t.setStateLocked(StateReconnecting)
	t.mu.Unlock()

	deadline := time.After(grace)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			t.mu.Lock()
			if t.state == StateReconnecting || t.state == StateDisconnected {
				t.setStateLocked(StateFailed)
			}
			t.mu.Unlock()
			return
		case <-ticker.C:
			t.mu.RLock()
			s := t.state
			pc := t.pc
			t.mu.RUnlock()
			if s != StateReconnecting && s != StateDisconnected {
				return
			}
			if pc != nil && pc.ConnectionState() == webrtc.PeerConnectionStateConnected {
				t.mu.Lock()
				t.setStateLocked(StateConnected)
				t.mu.Unlock()
				return
			}
		}
	}
}

func (t *Transport) setStateLocked(s State) {
	if t.state == s {
		return
	}
	t.state = s
	cb := t.cfg.OnStateChange
	log.Info("transport state change", "state", s.String())
	if cb != nil {
		go cb(s)
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// CreateOffer creates the SDP offer; the host always initiates. Respects
// ctx for cancellation: a canceled call returns a Timeout error, while the
// SetLocalDescription already started keeps running in the background.
func (t *Transport) CreateOffer(ctx context.Context) (string, error) {
	t.mu.RLock()
	pc := t.pc
	t.mu.RUnlock()
	if pc == nil {
		return "", streamerr.New(streamerr.NotInitialized, "transport.CreateOffer", "call Initialize first")
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", streamerr.Wrap(streamerr.NegotiationFailure, "transport.CreateOffer", err)
	}

	done := make(chan error, 1)
	go func() { done <- pc.SetLocalDescription(offer) }()
	select {
	case err := <-done:
		if err != nil {
			return "", streamerr.Wrap(streamerr.NegotiationFailure, "transport.CreateOffer", err)
		}
	case <-ctx.Done():
		return "", streamerr.Wrap(streamerr.Timeout, "transport.CreateOffer", ctx.Err())
	}

	return offer.SDP, nil
}

// SetRemoteDescription applies the viewer's SDP answer.
func (t *Transport) SetRemoteDescription(sdp string) error {
	t.mu.RLock()
	pc := t.pc
	t.mu.RUnlock()
	if pc == nil {
		return streamerr.New(streamerr.NotInitialized, "transport.SetRemoteDescription", "call Initialize first")
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := pc.SetRemoteDescription(answer); err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "transport.SetRemoteDescription", err)
	}
	return nil
}

// AddICECandidate adds a trickled remote candidate.
func (t *Transport) AddICECandidate(candidate string) error {
	t.mu.RLock()
	pc := t.pc
	t.mu.RUnlock()
	if pc == nil {
		return streamerr.New(streamerr.NotInitialized, "transport.AddICECandidate", "call Initialize first")
	}
	if err := pc.AddICECandidate(webrtc.ICECandidateInit{Candidate: candidate}); err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "transport.AddICECandidate", err)
	}
	return nil
}

// dtlsReady reports whether the DTLS handshake has completed, gating all
// media sends.
func (t *Transport) dtlsReady() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.dtlsComplete
}

// SendVideo writes one encoded video sample to the outbound track.
func (t *Transport) SendVideo(frame model.EncodedVideoFrame, duration time.Duration) error {
	if !t.dtlsReady() {
		return streamerr.New(streamerr.NegotiationFailure, "transport.SendVideo", "handshake not complete")
	}
	t.mu.RLock()
	track := t.videoTrack
	t.mu.RUnlock()
	if track == nil {
		return streamerr.New(streamerr.NotInitialized, "transport.SendVideo", "no video track")
	}
	if err := track.WriteSample(media.Sample{Data: frame.Payload, Duration: duration}); err != nil {
		return streamerr.Wrap(streamerr.PeerDisconnected, "transport.SendVideo", err)
	}
	t.mu.Lock()
	t.stats.BytesSent += uint64(len(frame.Payload))
	t.mu.Unlock()
	return nil
}

// SendAudio writes one encoded audio sample to the outbound track.
func (t *Transport) SendAudio(frame model.EncodedAudioFrame, duration time.Duration) error {
	if !t.dtlsReady() {
		return streamerr.New(streamerr.NegotiationFailure, "transport.SendAudio", "handshake not complete")
	}
	t.mu.RLock()
	track := t.audioTrack
	t.mu.RUnlock()
	if track == nil {
		return streamerr.New(streamerr.NotInitialized, "transport.SendAudio", "no audio track")
	}
	if err := track.WriteSample(media.Sample{Data: frame.Payload, Duration: duration}); err != nil {
		return streamerr.Wrap(streamerr.PeerDisconnected, "transport.SendAudio", err)
	}
	t.mu.Lock()
	t.stats.BytesSent += uint64(len(frame.Payload))
	t.mu.Unlock()
	return nil
}

// SendSynced is the preferred send path: it writes whichever of the
// pair's video/audio members are present, pacing audio to its declared
// duration and video to the reciprocal of the capture FPS (the caller
// supplies it since the pair itself carries no FPS).
func (t *Transport) SendSynced(pair model.SyncedPair, videoFrameDuration time.Duration) error {
	var firstErr error
	if pair.Video != nil {
		if err := t.SendVideo(*pair.Video, videoFrameDuration); err != nil {
			firstErr = err
		}
	}
	if pair.Audio != nil {
		dur := time.Duration(pair.Audio.DurationUs) * time.Microsecond
		if err := t.SendAudio(*pair.Audio, dur); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// SendControl writes a raw newline-delimited JSON control message.
func (t *Transport) SendControl(data []byte) error {
	t.mu.RLock()
	dc := t.controlDC
	t.mu.RUnlock()
	if dc == nil {
		return streamerr.New(streamerr.NotInitialized, "transport.SendControl", "no control channel")
	}
	if dc.ReadyState() != webrtc.DataChannelStateOpen {
		return streamerr.New(streamerr.PeerDisconnected, "transport.SendControl", "control channel not open")
	}
	if err := dc.Send(data); err != nil {
		return streamerr.Wrap(streamerr.PeerDisconnected, "transport.SendControl", err)
	}
	return nil
}

// Stats returns a snapshot of the observable connection statistics,
// refreshed from the last GetStats() report.
func (t *Transport) Stats() Stats {
	t.mu.RLock()
	pc := t.pc
	snapshot := t.stats
	t.mu.RUnlock()

	if pc == nil {
		return snapshot
	}
	report := pc.GetStats()
	if rtt, loss, ok := ExtractRemoteInboundVideoStats(report); ok {
		snapshot.RTT = rtt
		snapshot.PacketsLost = uint32(loss * 1000)
	}
	return snapshot
}

// RemoteQuality reports the viewer-observed RTT and fraction-lost from the
// most recent stats report, for the adaptive rate controller.
func (t *Transport) RemoteQuality() (rtt time.Duration, loss float64, ok bool) {
	t.mu.RLock()
	pc := t.pc
	t.mu.RUnlock()
	if pc == nil {
		return 0, 0, false
	}
	return ExtractRemoteInboundVideoStats(pc.GetStats())
}

// ExtractRemoteInboundVideoStats pulls RTT and fraction-lost off the
// highest-traffic video stream in a GetStats() report.
func ExtractRemoteInboundVideoStats(report webrtc.StatsReport) (rtt time.Duration, loss float64, ok bool) {
	var bestPackets uint32
	for _, s := range report {
		ri, isRI := s.(webrtc.RemoteInboundRTPStreamStats)
		if !isRI || ri.Kind != "video" {
			continue
		}
		if !ok || ri.PacketsReceived >= bestPackets {
			bestPackets = ri.PacketsReceived
			rtt = time.Duration(ri.RoundTripTime * float64(time.Second))
			loss = ri.FractionLost
			ok = true
		}
	}
	return rtt, loss, ok
}

// Close transitions to Closed and releases the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	pc := t.pc
	t.setStateLocked(StateClosed)
	t.mu.Unlock()

	if pc == nil {
		return nil
	}
	if err := pc.Close(); err != nil {
		return fmt.Errorf("transport: close: %w", err)
	}
	return nil
}
