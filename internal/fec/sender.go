package fec

import (
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/fenglingyubing/expandscreen/internal/protocol"
	"github.com/fenglingyubing/expandscreen/internal/rs"
)

// Emitter is how the Sender hands finished FEC messages to the Send
// Scheduler; session wires this to scheduler.Enqueue.
type Emitter interface {
	EmitFecGroupMetadata(protocol.FecGroupMetadata) error
	EmitFecShard(protocol.FecShard) error
}

// Sender implements the sender discipline of spec §4.4: it does not
// emit VideoFrame messages itself (the video pipeline does that, with
// ascending SequenceNumber, independently of grouping) — it only
// observes the same frames to build and emit the parity side-channel.
type Sender struct {
	mu sync.Mutex

	k, m     int
	pendingK int
	pendingM int

	groupID  uint32
	firstSeq uint32
	frames   [][]byte

	emitter Emitter
}

// NewSender builds a Sender from the current FecConfig. cfg.Enabled is
// not consulted: a Sender always groups frames and emits parity, so
// callers that have FEC disabled do not build one (see appwire.WireHost).
func NewSender(cfg Config, emitter Emitter) (*Sender, error) {
	if cfg.DataShards <= 0 {
		return nil, fmt.Errorf("fec: dataShards must be positive, got %d", cfg.DataShards)
	}
	if cfg.ParityShards < 0 {
		return nil, fmt.Errorf("fec: parityShards must be non-negative, got %d", cfg.ParityShards)
	}
	return &Sender{
		k:       cfg.DataShards,
		m:       cfg.ParityShards,
		emitter: emitter,
	}, nil
}

// Reconfigure changes k/m effective at the next group boundary (spec
// §4.4 supplement), so an in-flight group finishes with its original
// shard counts.
func (s *Sender) Reconfigure(k, m int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingK = k
	s.pendingM = m
}

// AddFrame observes one encoded video frame already handed to the
// Scheduler as a VideoFrame message. When k frames have accumulated, it
// computes parity and emits FecGroupMetadata followed by the parity
// FecShard messages (spec §4.4 steps 2-4).
func (s *Sender) AddFrame(seq uint32, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		s.firstSeq = seq
	}
	s.frames = append(s.frames, append([]byte(nil), data...))

	if len(s.frames) < s.k {
		return nil
	}
	return s.flushGroupLocked()
}

func (s *Sender) flushGroupLocked() error {
	maxLen := 0
	for _, f := range s.frames {
		if len(f) > maxLen {
			maxLen = len(f)
		}
	}

	shards := make([][]byte, s.k+s.m)
	for i, f := range s.frames {
		padded := make([]byte, maxLen)
		copy(padded, f)
		shards[i] = padded
	}

	codec, err := rs.NewCodec(s.k, s.m)
	if err != nil {
		return fmt.Errorf("fec: building codec: %w", err)
	}
	if err := codec.EncodeParity(shards); err != nil {
		return fmt.Errorf("fec: encoding parity: %w", err)
	}

	meta := protocol.FecGroupMetadata{
		GroupId:           s.groupID,
		FirstFrameSeq:     s.firstSeq,
		DataShards:        s.k,
		ParityShards:      s.m,
		ShardLengthBytes:  maxLen,
		ProtectedSeqStart: s.firstSeq,
		ProtectedSeqEnd:   s.firstSeq + uint32(s.k) - 1,
	}
	if err := s.emitter.EmitFecGroupMetadata(meta); err != nil {
		return err
	}

	for i := s.k; i < s.k+s.m; i++ {
		shard := protocol.FecShard{
			GroupId:    s.groupID,
			ShardIndex: i,
			Data:       base64.StdEncoding.EncodeToString(shards[i]),
		}
		if err := s.emitter.EmitFecShard(shard); err != nil {
			return err
		}
	}

	s.groupID++
	s.frames = s.frames[:0]

	if s.pendingK > 0 {
		s.k = s.pendingK
		s.m = s.pendingM
		s.pendingK, s.pendingM = 0, 0
	}
	return nil
}
