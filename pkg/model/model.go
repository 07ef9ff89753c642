// Package model holds the data types shared across the capture, encode,
// sync, transport, control, broker, and pairing packages.
package model

import "time"

// PixelLayout identifies a raw frame's channel order.
type PixelLayout int

const (
	PixelLayoutUnknown PixelLayout = iota
	PixelLayoutBGRA
	PixelLayoutRGBA
	PixelLayoutI420
	PixelLayoutNV12
)

func (l PixelLayout) String() string {
	switch l {
	case PixelLayoutBGRA:
		return "bgra"
	case PixelLayoutRGBA:
		return "rgba"
	case PixelLayoutI420:
		return "i420"
	case PixelLayoutNV12:
		return "nv12"
	default:
		return "unknown"
	}
}

// RawVideoFrame is a single uncompressed frame produced by a capture backend.
//
// Invariant: len(Buffer) >= Stride*Height.
type RawVideoFrame struct {
	Buffer    []byte
	Width     int
	Height    int
	Stride    int
	Layout    PixelLayout
	PTS       int64 // monotonic microseconds
	Keyframe  bool  // advisory only; capture backends rarely know
}

// Codec identifies a video compression format.
type Codec int

const (
	CodecH264 Codec = iota
	CodecH265
	CodecVP8
	CodecVP9
	CodecAV1
)

func (c Codec) String() string {
	switch c {
	case CodecH264:
		return "h264"
	case CodecH265:
		return "h265"
	case CodecVP8:
		return "vp8"
	case CodecVP9:
		return "vp9"
	case CodecAV1:
		return "av1"
	default:
		return "unknown"
	}
}

// EncodedVideoFrame is an immutable compressed video payload.
//
// Invariant: DTS <= PTS for any frame that is not reordered. This
// implementation never reorders (no B-frames), so DTS always equals PTS.
type EncodedVideoFrame struct {
	Payload  []byte
	PTS      int64
	DTS      int64
	Keyframe bool
}

// RawAudioFrame is interleaved float32 PCM captured at AudioConfig.SampleRate.
//
// Invariant: len(Samples) == SamplesPerChannel*Channels.
type RawAudioFrame struct {
	Samples          []float32
	SampleRate       int
	Channels         int
	SamplesPerChannel int
	PTS              int64
}

// AllowedOpusFrameDurations are the only legal Opus frame sizes, in
// milliseconds.
var AllowedOpusFrameDurations = []float64{2.5, 5, 10, 20, 40, 60}

// EncodedAudioFrame is an immutable compressed audio payload.
type EncodedAudioFrame struct {
	Payload    []byte
	PTS        int64
	DurationUs int64
}

// Monitor describes one display output enumerated by a capture backend.
type Monitor struct {
	ID      int
	Name    string
	X, Y    int
	Width   int
	Height  int
	Refresh float64
	Primary bool
}

// Region selects either a whole monitor or an absolute rectangle within it.
type Region struct {
	MonitorID int
	X, Y      int
	Width     int
	Height    int
	WholeMonitor bool
}

// CaptureConfig parameterizes a capture backend.
type CaptureConfig struct {
	Region        Region
	TargetFPS     int
	CursorVisible bool
	PreferLayout  PixelLayout
	DisplayIndex  int
}

// HWAccel selects whether the encoder should prefer a hardware coder.
type HWAccel int

const (
	HWAccelAuto HWAccel = iota
	HWAccelNone
	HWAccelPreferred
)

// VideoConfig parameterizes a video encoder.
type VideoConfig struct {
	Width, Height int
	FPS           int
	BitrateBps    int
	Codec         Codec
	HWAccel       HWAccel
	GOPFrames     int // keyframe interval in frames
}

// AudioConfig parameterizes an audio encoder.
type AudioConfig struct {
	SampleRate int
	Channels   int
	BitrateBps int
	FrameMs    float64
}

// DefaultAudioConfig returns the default capture format: 48kHz, stereo,
// 20ms frames.
func DefaultAudioConfig() AudioConfig {
	return AudioConfig{SampleRate: 48000, Channels: 2, BitrateBps: 64000, FrameMs: 20}
}

// SyncedPair is the A/V synchronizer's output unit.
type SyncedPair struct {
	Video           *EncodedVideoFrame
	Audio           *EncodedAudioFrame
	PresentationTime int64 // monotonic microseconds, wall-clock anchored
}

// PeerRole distinguishes the two roles a peer can hold in a room.
type PeerRole int

const (
	RoleHost PeerRole = iota
	RoleViewer
)

func (r PeerRole) String() string {
	if r == RoleHost {
		return "host"
	}
	return "viewer"
}

// Peer is a single participant tracked by the signaling broker.
type Peer struct {
	ID            string // 128-bit, hex or UUID string
	Role          PeerRole
	DisplayName   string
	RoomID        string
	LastHeartbeat time.Time
	TLS           bool
}

// Room groups at most one host with its viewers on the broker.
type Room struct {
	ID           string
	HostID       string // empty if no host yet
	ViewerIDs    map[string]struct{}
	CreatedAt    time.Time
	LastActivity time.Time
}

// NewRoom constructs an empty room with the given ID.
func NewRoom(id string, now time.Time) *Room {
	return &Room{ID: id, ViewerIDs: make(map[string]struct{}), CreatedAt: now, LastActivity: now}
}

// SessionToken is an opaque, single-use-capable bearer credential.
//
// Invariant: validation fails if now > Expiry, or if SingleUse and
// Consumed is already true.
type SessionToken struct {
	Value      string // URL-safe base64 of 32 CSPRNG bytes
	CreatedAt  time.Time
	Expiry     time.Time
	SingleUse  bool
	Consumed   bool
	BoundRoom  string // optional
}

// PairingBundle is what gets rendered as a scannable code.
type PairingBundle struct {
	Host        string `json:"host"`
	Port        int    `json:"port"`
	TLS         bool   `json:"tls"`
	Token       string `json:"token"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// ControlMessageType enumerates the control channel's tagged variants.
type ControlMessageType string

const (
	CtrlPause           ControlMessageType = "pause"
	CtrlResume          ControlMessageType = "resume"
	CtrlSetResolution   ControlMessageType = "set_resolution"
	CtrlSetBitrate      ControlMessageType = "set_bitrate"
	CtrlSetQuality      ControlMessageType = "set_quality"
	CtrlSelectMonitor   ControlMessageType = "select_monitor"
	CtrlRequestKeyframe ControlMessageType = "request_keyframe"
	CtrlPing            ControlMessageType = "ping"
	CtrlPong            ControlMessageType = "pong"
	CtrlState           ControlMessageType = "state"
	CtrlError           ControlMessageType = "error"
)

// QualityPreset maps to a (resolution, bitrate, fps) triple.
type QualityPreset string

const (
	QualityAuto   QualityPreset = "auto"
	QualityLow    QualityPreset = "low"
	QualityMedium QualityPreset = "medium"
	QualityHigh   QualityPreset = "high"
	QualityUltra  QualityPreset = "ultra"
)

// ControlMessage is the wire shape exchanged over the control channel:
// newline-delimited JSON with {type, sequence, timestamp, payload?}.
type ControlMessage struct {
	Type      ControlMessageType `json:"type"`
	Sequence  uint64             `json:"sequence"`
	TimestampUs int64            `json:"timestamp"`
	Payload   ControlPayload     `json:"payload,omitempty"`
}

// ControlPayload carries the union of all variant-specific fields. Only the
// fields relevant to Type are populated; this mirrors the wire JSON's
// optional-field-per-variant shape rather than a Go union type, since the
// wire format is untyped JSON.
type ControlPayload struct {
	Width        int           `json:"w,omitempty"`
	Height       int           `json:"h,omitempty"`
	BitrateBps   int           `json:"bps,omitempty"`
	Quality      QualityPreset `json:"preset,omitempty"`
	MonitorID    int           `json:"id,omitempty"`
	EchoSeq      uint64        `json:"echo_seq,omitempty"`
	Paused       bool          `json:"paused,omitempty"`
	CurrentParams *CurrentParams `json:"current_params,omitempty"`
	Message      string        `json:"message,omitempty"`
}

// CurrentParams is the State message's snapshot of live encoder settings.
type CurrentParams struct {
	Width      int   `json:"width"`
	Height     int   `json:"height"`
	FPS        int   `json:"fps"`
	BitrateBps int   `json:"bitrate_bps"`
}

// SignalType enumerates the broker protocol's recognized message types.
type SignalType string

const (
	SignalRegister    SignalType = "register"
	SignalRegistered  SignalType = "registered"
	SignalPeerJoined  SignalType = "peer-joined"
	SignalPeerLeft    SignalType = "peer-left"
	SignalJoin        SignalType = "join"
	SignalRoomInfo    SignalType = "room_info"
	SignalOffer       SignalType = "offer"
	SignalAnswer      SignalType = "answer"
	SignalICECandidate SignalType = "ice-candidate"
	SignalPing        SignalType = "ping"
	SignalPong        SignalType = "pong"
	SignalError       SignalType = "error"
)

// SignalMessage is the broker's one JSON wire shape. Only the fields
// relevant to Type are populated.
type SignalMessage struct {
	Type          SignalType `json:"type"`
	Room          string     `json:"room,omitempty"`
	From          string     `json:"from,omitempty"`
	To            string     `json:"to,omitempty"`
	Role          string     `json:"role,omitempty"`
	SDP           string     `json:"sdp,omitempty"`
	Candidate     string     `json:"candidate,omitempty"`
	SDPMid        string     `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16    `json:"sdpMLineIndex,omitempty"`
	PeerID        string     `json:"peerId,omitempty"`
	Name          string     `json:"name,omitempty"`
	Message       string     `json:"message,omitempty"`
}
