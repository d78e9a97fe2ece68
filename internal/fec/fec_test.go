package fec

import (
	"bytes"
	"testing"
	"time"

	"github.com/fenglingyubing/expandscreen/internal/protocol"
)

// recordingEmitter captures FEC messages emitted by a Sender for
// inspection and to replay into a Receiver.
type recordingEmitter struct {
	metas  []protocol.FecGroupMetadata
	shards []protocol.FecShard
}

func (e *recordingEmitter) EmitFecGroupMetadata(m protocol.FecGroupMetadata) error {
	e.metas = append(e.metas, m)
	return nil
}

func (e *recordingEmitter) EmitFecShard(s protocol.FecShard) error {
	e.shards = append(e.shards, s)
	return nil
}

func padTo(b []byte, n int) []byte {
	out := make([]byte, n)
	copy(out, b)
	return out
}

// TestFecRecoversLostDataShardScenario exercises spec §8 scenario 3: with
// k=3,m=2,shardLen=100, losing F1 and P1 still reconstructs F1
// bit-exactly from F0,F2,P0 with no KeyFrameRequest. Received frames are
// delivered on arrival and the reconstructed one afterwards, so the
// delivery order is F0,F2,F1.
func TestFecRecoversLostDataShardScenario(t *testing.T) {
	emitter := &recordingEmitter{}
	sender, err := NewSender(Config{DataShards: 3, ParityShards: 2}, emitter)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	f0 := bytes.Repeat([]byte{0x01}, 90)
	f1 := bytes.Repeat([]byte{0x02}, 100)
	f2 := bytes.Repeat([]byte{0x03}, 70)

	if err := sender.AddFrame(100, f0); err != nil {
		t.Fatalf("AddFrame f0: %v", err)
	}
	if err := sender.AddFrame(101, f1); err != nil {
		t.Fatalf("AddFrame f1: %v", err)
	}
	if err := sender.AddFrame(102, f2); err != nil {
		t.Fatalf("AddFrame f2: %v", err)
	}

	if len(emitter.metas) != 1 {
		t.Fatalf("expected 1 FecGroupMetadata emitted, got %d", len(emitter.metas))
	}
	meta := emitter.metas[0]
	if meta.ShardLengthBytes != 100 {
		t.Fatalf("ShardLengthBytes = %d, want 100", meta.ShardLengthBytes)
	}
	if len(emitter.shards) != 2 {
		t.Fatalf("expected 2 parity shards emitted, got %d", len(emitter.shards))
	}

	var delivered []struct {
		seq           uint32
		data          []byte
		reconstructed bool
	}
	var keyFrameRequests []protocol.KeyFrameRequestReason

	receiver := NewReceiver(4,
		func(seq uint32, data []byte, reconstructed bool) {
			delivered = append(delivered, struct {
				seq           uint32
				data          []byte
				reconstructed bool
			}{seq, append([]byte(nil), data...), reconstructed})
		},
		func(reason protocol.KeyFrameRequestReason) {
			keyFrameRequests = append(keyFrameRequests, reason)
		},
		func() time.Duration { return 20 * time.Millisecond },
	)

	// F0 and F2 arrive as ordinary VideoFrame traffic; F1 is lost.
	receiver.OnVideoFrame(100, f0)
	receiver.OnVideoFrame(102, f2)

	// P1 (shard index 4) is lost; only P0 (shard index 3) arrives.
	receiver.OnGroupMetadata(meta)
	if err := receiver.OnFecShard(emitter.shards[0]); err != nil {
		t.Fatalf("OnFecShard: %v", err)
	}

	if len(keyFrameRequests) != 0 {
		t.Fatalf("expected no KeyFrameRequest, got %v", keyFrameRequests)
	}
	if len(delivered) != 3 {
		t.Fatalf("expected 3 frames delivered, got %d: %+v", len(delivered), delivered)
	}

	wantSeqs := []uint32{100, 102, 101}
	for i, want := range wantSeqs {
		if delivered[i].seq != want {
			t.Fatalf("delivered[%d].seq = %d, want %d", i, delivered[i].seq, want)
		}
	}

	// The reconstructed F1 must match the original bytes, once unpadded.
	reconstructedF1 := delivered[2]
	if !reconstructedF1.reconstructed {
		t.Fatalf("expected delivered[2] to be marked reconstructed")
	}
	if !bytes.Equal(reconstructedF1.data[:len(f1)], f1) {
		t.Fatalf("reconstructed F1 = %x, want %x", reconstructedF1.data[:len(f1)], f1)
	}
}

func TestFecGroupAbandonmentOnWindowAdvance(t *testing.T) {
	emitter := &recordingEmitter{}
	sender, err := NewSender(Config{DataShards: 2, ParityShards: 1}, emitter)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}

	for g := 0; g < 10; g++ {
		base := uint32(g * 2)
		if err := sender.AddFrame(base, []byte{byte(g)}); err != nil {
			t.Fatalf("AddFrame: %v", err)
		}
		if err := sender.AddFrame(base+1, []byte{byte(g)}); err != nil {
			t.Fatalf("AddFrame: %v", err)
		}
	}

	var keyFrameRequests []protocol.KeyFrameRequestReason
	receiver := NewReceiver(2,
		func(seq uint32, data []byte, reconstructed bool) {},
		func(reason protocol.KeyFrameRequestReason) { keyFrameRequests = append(keyFrameRequests, reason) },
		func() time.Duration { return 10 * time.Millisecond },
	)

	// Feed metadata for group 0 only (data shards never arrive via
	// OnVideoFrame, simulating total loss), then advance far past the
	// window with later groups' metadata.
	receiver.OnGroupMetadata(emitter.metas[0])
	for g := 1; g <= 5; g++ {
		receiver.OnGroupMetadata(emitter.metas[g])
	}

	if len(keyFrameRequests) == 0 {
		t.Fatalf("expected at least one FecAbandoned KeyFrameRequest once group 0 fell outside the window")
	}
	foundAbandoned := false
	for _, r := range keyFrameRequests {
		if r == protocol.ReasonFecAbandoned {
			foundAbandoned = true
		}
	}
	if !foundAbandoned {
		t.Fatalf("expected a FecAbandoned reason, got %v", keyFrameRequests)
	}
}

func TestFecGroupAbandonmentOnTimeout(t *testing.T) {
	emitter := &recordingEmitter{}
	sender, err := NewSender(Config{DataShards: 2, ParityShards: 1}, emitter)
	if err != nil {
		t.Fatalf("NewSender: %v", err)
	}
	if err := sender.AddFrame(0, []byte{0xAA}); err != nil {
		t.Fatalf("AddFrame: %v", err)
	}
	if err := sender.AddFrame(1, []byte{0xBB}); err != nil {
		t.Fatalf("AddFrame: %v", err)
	}

	var keyFrameRequests []protocol.KeyFrameRequestReason
	receiver := NewReceiver(4,
		func(seq uint32, data []byte, reconstructed bool) {},
		func(reason protocol.KeyFrameRequestReason) { keyFrameRequests = append(keyFrameRequests, reason) },
		func() time.Duration { return 0 },
	)

	// No data shards delivered at all: group has total loss.
	receiver.OnGroupMetadata(emitter.metas[0])

	// The timeout floor is 250ms regardless of RTT=0; simulate time
	// passing by checking well past that floor.
	receiver.CheckTimeouts(time.Now().Add(300 * time.Millisecond))

	if len(keyFrameRequests) != 1 || keyFrameRequests[0] != protocol.ReasonFecAbandoned {
		t.Fatalf("expected exactly one FecAbandoned request, got %v", keyFrameRequests)
	}
}
