// Package protocol implements the 24-byte message header, the message
// catalog, and the frame codec that is the sole framing discipline for
// the TCP byte stream (spec §3, §4.1, §4.2, §6.1).
package protocol

import (
	"encoding/binary"
)

// Magic identifies an expandscreen frame on the wire.
const Magic uint32 = 0x45585053

// Version is the only protocol version this implementation speaks.
// Spec §6.1: implementations MUST reject any version they do not
// explicitly support.
const Version uint8 = 0x01

// HeaderSize is the fixed, big-endian wire size of Header.
const HeaderSize = 24

// DefaultMaxPayloadBytes is the default payload length cap (spec §3).
const DefaultMaxPayloadBytes = 10 * 1024 * 1024

// Header is the fixed 24-byte frame header, big-endian on the wire.
type Header struct {
	Magic          uint32
	Type           MessageType
	Version        uint8
	Reserved       uint16
	TimestampMs    uint64
	PayloadLength  uint32
	SequenceNumber uint32
}

// NewHeader builds a header with Magic and Version already populated.
func NewHeader(msgType MessageType, timestampMs uint64, seq uint32, payloadLen int) Header {
	return Header{
		Magic:          Magic,
		Type:           msgType,
		Version:        Version,
		TimestampMs:    timestampMs,
		PayloadLength:  uint32(payloadLen),
		SequenceNumber: seq,
	}
}

// Marshal writes the header in wire format into buf, which must be at
// least HeaderSize bytes.
func (h Header) Marshal(buf []byte) {
	_ = buf[HeaderSize-1]
	binary.BigEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = byte(h.Type)
	buf[5] = h.Version
	binary.BigEndian.PutUint16(buf[6:8], h.Reserved)
	binary.BigEndian.PutUint64(buf[8:16], h.TimestampMs)
	binary.BigEndian.PutUint32(buf[16:20], h.PayloadLength)
	binary.BigEndian.PutUint32(buf[20:24], h.SequenceNumber)
}

// UnmarshalHeader reads a header from buf, which must be at least HeaderSize bytes.
func UnmarshalHeader(buf []byte) Header {
	_ = buf[HeaderSize-1]
	return Header{
		Magic:          binary.BigEndian.Uint32(buf[0:4]),
		Type:           MessageType(buf[4]),
		Version:        buf[5],
		Reserved:       binary.BigEndian.Uint16(buf[6:8]),
		TimestampMs:    binary.BigEndian.Uint64(buf[8:16]),
		PayloadLength:  binary.BigEndian.Uint32(buf[16:20]),
		SequenceNumber: binary.BigEndian.Uint32(buf[20:24]),
	}
}
