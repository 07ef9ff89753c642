// Package session implements the session supervisor: it resolves the
// capture backend, creates the encoders, wires the synchronizer's output
// into the peer transport, opens the control channel, registers with the
// signaling broker, drives the offer/answer cycle, and owns graceful
// shutdown. It holds back-references to every stage for control but never
// owns their resources directly (see spec's ownership model).
package session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/streamlinux/streamlinux/internal/audio"
	"github.com/streamlinux/streamlinux/internal/avsync"
	"github.com/streamlinux/streamlinux/internal/capture"
	"github.com/streamlinux/streamlinux/internal/control"
	"github.com/streamlinux/streamlinux/internal/encode"
	"github.com/streamlinux/streamlinux/internal/logging"
	"github.com/streamlinux/streamlinux/internal/pairing"
	"github.com/streamlinux/streamlinux/internal/signaling"
	"github.com/streamlinux/streamlinux/internal/streamerr"
	"github.com/streamlinux/streamlinux/internal/transport"
	"github.com/streamlinux/streamlinux/pkg/model"
)

var log = logging.L("session")

// Config collects everything the supervisor needs to stand up one hosting
// session. It is produced from the CLI flags plus the loaded TOML config.
type Config struct {
	CaptureBackend capture.BackendKind
	AudioBackend   audio.BackendKind
	AudioMode      audio.Mode

	Capture model.CaptureConfig
	Video   model.VideoConfig
	Audio   model.AudioConfig

	BrokerURL   string
	Token       string
	RoomID      string
	DisplayName string
	ICEServers  []string

	SyncPolicy     avsync.Policy
	SyncPullTimeout time.Duration

	AdaptiveMinBitrate int
	AdaptiveMaxBitrate int
}

// Supervisor owns the wiring between every stage of one hosting session.
// It is constructed fresh per session; it is not reusable once Run returns.
type Supervisor struct {
	cfg Config

	captureBackend capture.Backend
	audioBackend   audio.Backend
	videoEncoder   *encode.VideoEncoder
	audioEncoder   *encode.AudioEncoder
	sync           *avsync.Synchronizer
	adaptive       *encode.AdaptiveBitrate
	peer           *transport.Transport
	signalClient   *signaling.Client
	controlCh      *control.Channel
	tokenStore     *pairing.TokenStore

	peerID string

	mu       sync.Mutex
	paused   bool
	viewerID string // the authenticated viewer the control channel is bound to

	errOnce sync.Once
	fatal   chan error
}

// New constructs a Supervisor. tokenStore is the pairing token table the
// viewer's bearer token is validated against; it may be shared with the
// broker when the host and broker run in the same process (USB/loopback
// deployments), or nil when the broker validates tokens itself.
func New(cfg Config, tokenStore *pairing.TokenStore) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		tokenStore: tokenStore,
		peerID:     uuid.NewString(),
		fatal:      make(chan error, 1),
	}
}

// Run wires every stage together and blocks until ctx is canceled or a
// fatal component error occurs. On return the stages have been shut down
// by deferred calls in reverse order of startup (signaling client ->
// transport -> video encoder -> audio capture -> video capture); the
// synchronizer has no shutdown step of its own. Run does not attempt a
// partial restart; callers that want to retry construct a new Supervisor.
func (s *Supervisor) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := s.initCapture(); err != nil {
		return err
	}
	defer s.captureBackend.Stop()

	if err := s.initAudio(); err != nil {
		return err
	}
	defer s.audioBackend.Stop()

	if err := s.initEncoders(); err != nil {
		return err
	}
	defer s.videoEncoder.Close()

	s.sync = avsync.New(s.cfg.SyncPolicy)

	if err := s.initTransport(); err != nil {
		return err
	}
	defer s.peer.Close()

	s.initSignaling()
	defer s.signalClient.Stop()

	s.adaptive = encode.NewAdaptiveBitrate(encode.AdaptiveConfig{
		Encoder:        s.videoEncoder,
		InitialBitrate: s.cfg.Video.BitrateBps,
		MinBitrate:     s.cfg.AdaptiveMinBitrate,
		MaxBitrate:     s.cfg.AdaptiveMaxBitrate,
		MaxFPS:         s.cfg.Video.FPS,
		Cooldown:       2 * time.Second,
	})

	if err := s.startCaptureLoops(ctx); err != nil {
		return err
	}

	s.startHostLoadMonitor(ctx)
	go s.senderLoop(ctx)
	go s.qualityFeedbackLoop(ctx)

	go s.signalClient.Start()

	select {
	case <-ctx.Done():
		log.Info("session supervisor shutting down", "reason", ctx.Err())
		return nil
	case err := <-s.fatal:
		log.Error("session supervisor fatal error", "error", err)
		s.notifyError(err)
		return err
	}
}

func (s *Supervisor) initCapture() error {
	backend, err := capture.Select(s.cfg.CaptureBackend, s.cfg.Capture)
	if err != nil {
		return streamerr.Wrap(streamerr.CaptureFailure, "session.initCapture", err)
	}
	s.captureBackend = backend
	return nil
}

func (s *Supervisor) initAudio() error {
	if s.cfg.AudioMode == audio.ModeNone {
		s.audioBackend = noopAudioBackend{}
		return nil
	}
	backend, err := audio.Select(s.cfg.AudioBackend, s.cfg.Audio, s.cfg.AudioMode)
	if err != nil {
		return streamerr.Wrap(streamerr.BackendUnavailable, "session.initAudio", err)
	}
	s.audioBackend = backend
	return nil
}

func (s *Supervisor) initEncoders() error {
	ve, err := encode.NewVideoEncoder(s.cfg.Video)
	if err != nil {
		return streamerr.Wrap(streamerr.EncoderFailure, "session.initEncoders", err)
	}
	s.videoEncoder = ve

	ae, err := encode.NewAudioEncoder(s.cfg.Audio)
	if err != nil {
		ve.Close()
		return streamerr.Wrap(streamerr.EncoderFailure, "session.initEncoders", err)
	}
	s.audioEncoder = ae
	return nil
}

func (s *Supervisor) initTransport() error {
	s.peer = transport.New(transport.Config{
		ICEServers:       s.cfg.ICEServers,
		VideoCodec:       s.cfg.Video.Codec,
		OnICECandidate:   s.onLocalICECandidate,
		OnStateChange:    s.onTransportStateChange,
		OnControlMessage: s.onControlMessage,
	})
	if err := s.peer.Initialize(s.videoEncoder.RequestKeyframe); err != nil {
		return streamerr.Wrap(streamerr.NegotiationFailure, "session.initTransport", err)
	}

	// Unbound until the viewer that completes the handshake is known; an
	// unbound channel drops every inbound message.
	s.controlCh = control.Bind(s.peer, "", control.Handlers{
		OnPause:           s.handlePause,
		OnResume:          s.handleResume,
		OnSetResolution:   s.handleSetResolution,
		OnSetBitrate:      s.handleSetBitrate,
		OnSetQuality:      s.handleSetQuality,
		OnSelectMonitor:   s.handleSelectMonitor,
		OnRequestKeyframe: func() { s.videoEncoder.RequestKeyframe() },
	})
	return nil
}

func (s *Supervisor) initSignaling() {
	s.signalClient = signaling.New(signaling.Config{
		BrokerURL: s.cfg.BrokerURL,
		Token:     s.cfg.Token,
		RoomID:    s.cfg.RoomID,
		Role:      model.RoleHost,
		Name:      s.cfg.DisplayName,
	}, s.onSignalMessage)
}

func (s *Supervisor) startCaptureLoops(ctx context.Context) error {
	if err := s.captureBackend.Start(ctx, s.onRawVideoFrame); err != nil {
		return streamerr.Wrap(streamerr.CaptureFailure, "session.startCaptureLoops", err)
	}
	if err := s.audioBackend.Start(ctx, s.onRawAudioFrame); err != nil {
		s.captureBackend.Stop()
		return streamerr.Wrap(streamerr.CaptureFailure, "session.startCaptureLoops", err)
	}
	return nil
}

func (s *Supervisor) onRawVideoFrame(frame model.RawVideoFrame) {
	if s.isPaused() {
		return
	}
	encoded, err := s.videoEncoder.Encode(frame)
	if err != nil {
		log.Warn("video encode failed, dropping frame", "error", err)
		return
	}
	for i := range encoded {
		f := encoded[i]
		s.sync.PushVideo(&f)
	}
}

func (s *Supervisor) onRawAudioFrame(frame model.RawAudioFrame) {
	if s.isPaused() {
		return
	}
	encoded, err := s.audioEncoder.Encode(frame)
	if err != nil {
		log.Warn("audio encode failed, dropping frame", "error", err)
		return
	}
	s.sync.PushAudio(&encoded)
}

// senderLoop is the synchronizer's pull side: it runs on the transport
// sender, not its own dedicated stage, per spec's concurrency model.
func (s *Supervisor) senderLoop(ctx context.Context) {
	frameDuration := time.Second / time.Duration(s.cfg.Video.FPS)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		pair, ok := s.sync.Next(s.cfg.SyncPullTimeout)
		if !ok {
			continue
		}
		if err := s.peer.SendSynced(*pair, frameDuration); err != nil {
			log.Debug("send synced pair failed", "error", err)
		}
	}
}

// qualityFeedbackLoop feeds the viewer-observed RTT and loss (from the
// remote-inbound RTCP stats) into the adaptive controller once a second.
func (s *Supervisor) qualityFeedbackLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if s.peer.State() != transport.StateConnected {
			continue
		}
		if rtt, loss, ok := s.peer.RemoteQuality(); ok {
			s.adaptive.Update(rtt, loss)
		}
	}
}

func (s *Supervisor) isPaused() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paused
}

func (s *Supervisor) handlePause() {
	s.mu.Lock()
	s.paused = true
	s.mu.Unlock()
}

func (s *Supervisor) handleResume() {
	s.mu.Lock()
	s.paused = false
	s.mu.Unlock()
}

func (s *Supervisor) handleSetResolution(width, height int) error {
	cfg := s.cfg.Video
	cfg.Width, cfg.Height = width, height
	if err := s.videoEncoder.Reinit(cfg); err != nil {
		return err
	}
	s.videoEncoder.RequestKeyframe()
	return nil
}

func (s *Supervisor) handleSetBitrate(bps int) error {
	if err := s.videoEncoder.SetBitrate(bps); err != nil {
		return err
	}
	// The viewer's request also caps what the adaptive controller may ramp
	// back up to, or it would override the request within seconds.
	s.adaptive.SetMaxBitrate(bps)
	return nil
}

func (s *Supervisor) handleSetQuality(preset model.QualityPreset) {
	triple, ok := encode.QualityPresets[preset]
	if !ok {
		return
	}
	cfg := s.cfg.Video
	cfg.Width, cfg.Height, cfg.BitrateBps, cfg.FPS = triple.Width, triple.Height, triple.BitrateBps, triple.FPS
	if err := s.videoEncoder.Reinit(cfg); err != nil {
		log.Warn("quality preset reinit failed", "preset", preset, "error", err)
		return
	}
	s.videoEncoder.RequestKeyframe()
}

func (s *Supervisor) handleSelectMonitor(id int) error {
	cfg := s.cfg.Capture
	cfg.Region = model.Region{MonitorID: id}
	if err := s.captureBackend.UpdateConfig(cfg); err != nil {
		return err
	}
	s.videoEncoder.RequestKeyframe()
	return nil
}

func (s *Supervisor) onTransportStateChange(state transport.State) {
	log.Info("transport state changed", "state", state.String())
	if state == transport.StateFailed {
		s.failFast(streamerr.New(streamerr.PeerDisconnected, "session.transport", "transport entered failed state"))
	}
}

// onControlMessage runs on the transport's data-channel callback. The
// channel belongs to the one peer connection the viewer negotiated, so the
// sender is the viewer that completed the DTLS handshake — the same ID the
// channel was bound to when that viewer joined.
func (s *Supervisor) onControlMessage(data []byte) {
	s.mu.Lock()
	from := s.viewerID
	s.mu.Unlock()
	s.controlCh.HandleInbound(from, data)
}

// onLocalICECandidate trickles a gathered candidate to the viewer through
// the broker.
func (s *Supervisor) onLocalICECandidate(candidate string) {
	if s.signalClient == nil {
		return
	}
	if err := s.signalClient.Send(model.SignalMessage{
		Type:      model.SignalICECandidate,
		Room:      s.cfg.RoomID,
		Candidate: candidate,
	}); err != nil {
		log.Warn("failed to forward ice candidate", "error", err)
	}
}

func (s *Supervisor) onSignalMessage(msg model.SignalMessage) {
	switch msg.Type {
	case model.SignalRoomInfo:
		s.beginNegotiation("")
	case model.SignalPeerJoined:
		if msg.Role == model.RoleHost.String() {
			return
		}
		s.mu.Lock()
		if s.viewerID == "" {
			s.viewerID = msg.PeerID
		}
		bound := s.viewerID
		s.mu.Unlock()
		if !s.controlCh.BindPeer(bound) {
			log.Warn("control channel already bound, ignoring extra viewer", "peerId", msg.PeerID)
		}
		s.beginNegotiation(msg.PeerID)
	case model.SignalAnswer:
		s.mu.Lock()
		bound := s.viewerID
		s.mu.Unlock()
		if bound != "" && msg.From != "" && msg.From != bound {
			log.Warn("dropping answer from unbound peer", "from", msg.From)
			return
		}
		if err := s.peer.SetRemoteDescription(msg.SDP); err != nil {
			log.Warn("set remote description failed", "error", err)
		}
	case model.SignalICECandidate:
		if err := s.peer.AddICECandidate(msg.Candidate); err != nil {
			log.Warn("add ice candidate failed", "error", err)
		}
	case model.SignalError:
		log.Warn("broker reported error", "message", msg.Message)
	}
}

func (s *Supervisor) beginNegotiation(to string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	offer, err := s.peer.CreateOffer(ctx)
	if err != nil {
		s.failFast(streamerr.Wrap(streamerr.NegotiationFailure, "session.beginNegotiation", err))
		return
	}
	if err := s.signalClient.Send(model.SignalMessage{
		Type: model.SignalOffer,
		Room: s.cfg.RoomID,
		To:   to,
		SDP:  offer,
	}); err != nil {
		log.Warn("failed to send offer", "error", err)
	}
}

func (s *Supervisor) notifyError(err error) {
	if s.controlCh == nil {
		return
	}
	if sendErr := s.controlCh.SendErrorMessage(err.Error()); sendErr != nil {
		log.Warn("failed to notify peer of fatal error", "error", sendErr)
	}
}

func (s *Supervisor) failFast(err error) {
	s.errOnce.Do(func() {
		select {
		case s.fatal <- err:
		default:
		}
	})
}

// noopAudioBackend is used when AudioMode is "none": it satisfies the
// Backend interface without opening any device.
type noopAudioBackend struct{}

func (noopAudioBackend) Start(ctx context.Context, sink audio.FrameSink) error { return nil }
func (noopAudioBackend) Stop() error                                          { return nil }
func (noopAudioBackend) EnumerateDevices() ([]audio.Device, error)            { return nil, nil }
func (noopAudioBackend) SelectDevice(id string) error                        { return nil }
func (noopAudioBackend) MeasuredLatencyMs() float64                          { return 0 }
