package protocol

// Payload field names are PascalCase per spec §4.2, except that
// Heartbeat, HeartbeatAck, FecGroupMetadata and FecShard use
// lowerCamelCase field names. Readers must ignore
// unknown fields for forward compatibility; encoding/json already does
// this by default as long as callers use json.Unmarshal into these
// structs rather than a stricter decoder.

// Handshake is sent client->server to open a session (spec §6.3).
type Handshake struct {
	DeviceId     string `json:"DeviceId"`
	DeviceName   string `json:"DeviceName"`
	ClientVersion string `json:"ClientVersion"`
	ScreenWidth  int    `json:"ScreenWidth"`
	ScreenHeight int    `json:"ScreenHeight"`
	PairingCode  string `json:"PairingCode,omitempty"`
}

// HandshakeAck is sent server->client in response to Handshake.
type HandshakeAck struct {
	Accepted     bool   `json:"Accepted"`
	SessionId    string `json:"SessionId"`
	ErrorMessage string `json:"ErrorMessage,omitempty"`
}

// VideoFrame carries one base64-encoded encoded video frame (spec §4.2,
// §6.3). Base64-in-JSON is a known ~33% overhead, accepted per spec §9
// until both peers support the optional binary variant.
type VideoFrame struct {
	Data        string `json:"Data"`
	IsKeyFrame  bool   `json:"IsKeyFrame"`
	Width       int    `json:"Width"`
	Height      int    `json:"Height"`
	Codec       string `json:"Codec,omitempty"`
	FrameNumber uint32 `json:"FrameNumber,omitempty"`
}

// TouchAction enumerates the pointer action kinds carried by TouchEvent.
type TouchAction string

const (
	TouchDown   TouchAction = "Down"
	TouchMove   TouchAction = "Move"
	TouchUp     TouchAction = "Up"
	TouchCancel TouchAction = "Cancel"
)

// TouchEvent is sent client->server for one pointer update.
type TouchEvent struct {
	PointerId int         `json:"PointerId"`
	Action    TouchAction `json:"Action"`
	X         float64     `json:"X"`
	Y         float64     `json:"Y"`
	Pressure  float64     `json:"Pressure,omitempty"`
}

// Heartbeat is sent by either side at HeartbeatIntervalMs.
type Heartbeat struct {
	Timestamp uint64 `json:"timestamp"`
}

// HeartbeatAck answers a Heartbeat; RTT = receive time - OriginalTimestamp.
type HeartbeatAck struct {
	OriginalTimestamp uint64 `json:"originalTimestamp"`
	ResponseTimestamp uint64 `json:"responseTimestamp"`
}

// AudioCodec enumerates the supported audio codecs.
type AudioCodec string

const (
	AudioCodecOpus AudioCodec = "Opus"
	AudioCodecAAC  AudioCodec = "Aac"
)

// AudioConfig describes the audio stream before AudioFrame messages flow.
type AudioConfig struct {
	SampleRate      int        `json:"SampleRate"`
	Channels        int        `json:"Channels"`
	Codec           AudioCodec `json:"Codec"`
	BitrateBps      int        `json:"BitrateBps"`
	FrameDurationMs int        `json:"FrameDurationMs"`
}

// ProtocolFeedback carries receiver-observed network conditions used by
// the ABR Controller (spec §4.6).
type ProtocolFeedback struct {
	RttMs                int `json:"RttMs"`
	ReceivedBytes         int `json:"ReceivedBytes"`
	IntervalMs            int `json:"IntervalMs"`
	MissingSequenceDelta  int `json:"MissingSequenceDelta"`
}

// BitrateControl broadcasts the ABR controller's current target, for
// diagnostic display (spec §4.6).
type BitrateControl struct {
	TargetBps int `json:"TargetBps"`
}

// KeyFrameRequestReason enumerates why a KeyFrameRequest was sent.
type KeyFrameRequestReason string

const (
	ReasonGapDetected    KeyFrameRequestReason = "GapDetected"
	ReasonFecAbandoned   KeyFrameRequestReason = "FecAbandoned"
	ReasonUserRequested  KeyFrameRequestReason = "UserRequested"
)

// KeyFrameRequest asks the peer to emit a key frame.
type KeyFrameRequest struct {
	Reason KeyFrameRequestReason `json:"Reason"`
}

// FecConfig carries the FEC Grouper's data/parity shard configuration.
type FecConfig struct {
	Enabled      bool `json:"Enabled"`
	DataShards   int  `json:"DataShards"`
	ParityShards int  `json:"ParityShards"`
}

// FecGroupMetadata describes one FEC group so the receiver can allocate a
// group buffer before any shard arrives (spec §4.4).
type FecGroupMetadata struct {
	GroupId           uint32 `json:"groupId"`
	FirstFrameSeq     uint32 `json:"firstFrameSeq"`
	DataShards        int    `json:"dataShards"`
	ParityShards      int    `json:"parityShards"`
	ShardLengthBytes  int    `json:"shardLengthBytes"`
	ProtectedSeqStart uint32 `json:"protectedSeqStart"`
	ProtectedSeqEnd   uint32 `json:"protectedSeqEnd"`
}

// FecShard carries one parity (or, in principle, data) shard's bytes,
// base64-encoded inside JSON (spec §4.2, §4.4).
type FecShard struct {
	GroupId    uint32 `json:"groupId"`
	ShardIndex int    `json:"shardIndex"`
	Data       string `json:"data"`
}

// DiscoveryRequest is a UDP broadcast datagram, independent of the 24-byte
// header (spec §4.8, §6.2).
type DiscoveryRequest struct {
	MessageType             string `json:"MessageType"`
	RequestId                string `json:"RequestId"`
	DiscoveryProtocolVersion int    `json:"DiscoveryProtocolVersion"`
	ClientDeviceId           string `json:"ClientDeviceId,omitempty"`
	ClientDeviceName         string `json:"ClientDeviceName,omitempty"`
}

// DiscoveryResponse answers a DiscoveryRequest, addressed to the source.
type DiscoveryResponse struct {
	MessageType              string `json:"MessageType"`
	RequestId                 string `json:"RequestId"`
	DiscoveryProtocolVersion  int    `json:"DiscoveryProtocolVersion"`
	ServerId                  string `json:"ServerId"`
	ServerName                string `json:"ServerName"`
	TcpPort                   int    `json:"TcpPort"`
	WebSocketSupported        bool   `json:"WebSocketSupported"`
	ServerVersion              string `json:"ServerVersion"`
}

// DiscoveryProtocolVersion is the only discovery wire version this
// implementation speaks (spec §3, §4.8).
const DiscoveryProtocolVersion = 1

const (
	DiscoveryMessageTypeRequest  = "DiscoveryRequest"
	DiscoveryMessageTypeResponse = "DiscoveryResponse"
)
