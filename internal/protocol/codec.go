package protocol

import (
	"io"
)

// Writer serializes headers and payloads onto an underlying io.Writer.
// It is not safe for concurrent use; callers (the Send Scheduler's single
// writer goroutine, spec §5) must serialize their own writes.
type Writer struct {
	w       io.Writer
	headBuf [HeaderSize]byte
}

// NewWriter wraps w for frame writing.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// WriteMessage serializes the header big-endian, then the payload
// verbatim, with no padding (spec §4.1). Each call is one flush; no
// implicit batching.
func (fw *Writer) WriteMessage(h Header, payload []byte) error {
	h.PayloadLength = uint32(len(payload))
	h.Marshal(fw.headBuf[:])
	if _, err := fw.w.Write(fw.headBuf[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := fw.w.Write(payload)
	return err
}

// Reader reads framed messages from an underlying io.Reader, validating
// the header and enforcing strictly increasing SequenceNumber per
// spec §4.1. Not safe for concurrent use; exactly one receive task reads
// a given connection (spec §5).
type Reader struct {
	r          io.Reader
	maxPayload int
	lastSeq    uint32
	haveFirst  bool
	headBuf    [HeaderSize]byte
}

// NewReader wraps r for frame reading with the given payload length cap.
// maxPayload <= 0 uses DefaultMaxPayloadBytes.
func NewReader(r io.Reader, maxPayload int) *Reader {
	if maxPayload <= 0 {
		maxPayload = DefaultMaxPayloadBytes
	}
	return &Reader{r: r, maxPayload: maxPayload}
}

// ReadMessage reads exactly one frame: 24 header bytes then PayloadLength
// payload bytes. Any returned error is a *FramingError and fatal to the
// session (spec §4.1).
func (fr *Reader) ReadMessage() (Header, []byte, error) {
	if _, err := io.ReadFull(fr.r, fr.headBuf[:]); err != nil {
		return Header{}, nil, newFramingError(FramingEOF, err)
	}
	h := UnmarshalHeader(fr.headBuf[:])

	if h.Magic != Magic {
		return Header{}, nil, newFramingError(FramingBadMagic, nil)
	}
	if h.Version != Version {
		return Header{}, nil, newFramingError(FramingUnsupportedVersion, nil)
	}
	if int(h.PayloadLength) > fr.maxPayload {
		return Header{}, nil, newFramingError(FramingTooLarge, nil)
	}
	if fr.haveFirst && h.SequenceNumber <= fr.lastSeq {
		return Header{}, nil, newFramingError(FramingOutOfOrder, nil)
	}
	fr.lastSeq = h.SequenceNumber
	fr.haveFirst = true

	if h.PayloadLength == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.PayloadLength)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return Header{}, nil, newFramingError(FramingEOF, err)
	}
	return h, payload, nil
}
