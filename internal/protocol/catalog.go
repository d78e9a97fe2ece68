package protocol

// MessageType enumerates the message kinds carried by the 24-byte header
// (spec §3 message catalog).
type MessageType uint8

const (
	TypeHandshake        MessageType = 0x01
	TypeHandshakeAck     MessageType = 0x02
	TypeVideoFrame       MessageType = 0x03
	TypeTouchEvent       MessageType = 0x04
	TypeHeartbeat        MessageType = 0x05
	TypeHeartbeatAck     MessageType = 0x06
	TypeAudioConfig      MessageType = 0x07
	TypeAudioFrame       MessageType = 0x08
	TypeProtocolFeedback MessageType = 0x09
	TypeBitrateControl   MessageType = 0x0A
	TypeKeyFrameRequest  MessageType = 0x0B
	TypeFecConfig        MessageType = 0x0C
	TypeFecShard         MessageType = 0x0D
	TypeFecGroupMetadata MessageType = 0x0E
)

// Encoding describes how a message type's payload is carried on the wire.
type Encoding int

const (
	EncodingJSON Encoding = iota
	EncodingOpaqueBytes
)

// catalogEntry documents one message type's name and payload encoding,
// so both ends of the connection agree from a single table
// (spec §4.2: "surface the chosen encoding in a single catalog table").
type catalogEntry struct {
	Name     string
	Encoding Encoding
}

var catalog = map[MessageType]catalogEntry{
	TypeHandshake:        {"Handshake", EncodingJSON},
	TypeHandshakeAck:     {"HandshakeAck", EncodingJSON},
	TypeVideoFrame:       {"VideoFrame", EncodingJSON},
	TypeTouchEvent:       {"TouchEvent", EncodingJSON},
	TypeHeartbeat:        {"Heartbeat", EncodingJSON},
	TypeHeartbeatAck:     {"HeartbeatAck", EncodingJSON},
	TypeAudioConfig:      {"AudioConfig", EncodingJSON},
	TypeAudioFrame:       {"AudioFrame", EncodingOpaqueBytes},
	TypeProtocolFeedback: {"ProtocolFeedback", EncodingJSON},
	TypeBitrateControl:   {"BitrateControl", EncodingJSON},
	TypeKeyFrameRequest:  {"KeyFrameRequest", EncodingJSON},
	TypeFecConfig:        {"FecConfig", EncodingJSON},
	TypeFecShard:         {"FecShard", EncodingJSON},
	TypeFecGroupMetadata: {"FecGroupMetadata", EncodingJSON},
}

// Name returns the catalog name for a message type, or "Unknown" for a
// tag neither end recognizes. Per spec §9, unknown tags are logged and
// dropped without killing the session.
func (t MessageType) Name() string {
	if e, ok := catalog[t]; ok {
		return e.Name
	}
	return "Unknown"
}

// EncodingOf returns the wire encoding for a message type and whether the
// type is known at all.
func (t MessageType) EncodingOf() (Encoding, bool) {
	e, ok := catalog[t]
	if !ok {
		return EncodingJSON, false
	}
	return e.Encoding, true
}

// critical classes the control-plane message types that the Send
// Scheduler must drain ahead of any media (spec §4.5).
var criticalTypes = map[MessageType]bool{
	TypeHandshake:        true,
	TypeHandshakeAck:     true,
	TypeHeartbeat:        true,
	TypeHeartbeatAck:     true,
	TypeProtocolFeedback: true,
	TypeBitrateControl:   true,
	TypeKeyFrameRequest:  true,
	TypeFecConfig:        true,
	TypeAudioConfig:      true,
	TypeTouchEvent:       true,
}

// IsCritical reports whether a message type belongs to the scheduler's
// critical class (true) or media class (false).
func (t MessageType) IsCritical() bool {
	return criticalTypes[t]
}

// IsHandshake reports whether t is one of the two handshake variants,
// whose drop from the critical queue is always upgraded to a fatal
// transport error (spec §4.5, §7).
func (t MessageType) IsHandshake() bool {
	return t == TypeHandshake || t == TypeHandshakeAck
}
