package scheduler

import (
	"testing"

	"github.com/fenglingyubing/expandscreen/internal/protocol"
)

func TestDequeueDrainsCriticalBeforeMedia(t *testing.T) {
	s := New(DefaultCriticalLimits(), DefaultMediaLimits())

	if err := s.Enqueue(Outbound{Type: protocol.TypeVideoFrame, Payload: []byte("frame")}); err != nil {
		t.Fatalf("Enqueue media: %v", err)
	}
	if err := s.Enqueue(Outbound{Type: protocol.TypeHeartbeat, Payload: []byte("hb")}); err != nil {
		t.Fatalf("Enqueue critical: %v", err)
	}

	msg, ok := s.Dequeue()
	if !ok || msg.Type != protocol.TypeHeartbeat {
		t.Fatalf("first dequeue = %+v, ok=%v, want Heartbeat", msg, ok)
	}
	msg, ok = s.Dequeue()
	if !ok || msg.Type != protocol.TypeVideoFrame {
		t.Fatalf("second dequeue = %+v, ok=%v, want VideoFrame", msg, ok)
	}
}

func TestEnqueueCriticalDropsOldestUnderByteBudget(t *testing.T) {
	s := New(Limits{MaxMessages: 100, MaxBytes: 64}, DefaultMediaLimits())

	payload := make([]byte, 40)
	if err := s.Enqueue(Outbound{Type: protocol.TypeHeartbeat, Payload: payload}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(Outbound{Type: protocol.TypeProtocolFeedback, Payload: payload}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, ok := s.Dequeue()
	if !ok || msg.Type != protocol.TypeProtocolFeedback {
		t.Fatalf("expected oldest (Heartbeat) to have been dropped, got %+v ok=%v", msg, ok)
	}
	if _, ok := s.Dequeue(); ok {
		t.Fatalf("expected no further messages queued")
	}

	snap := s.Metrics().Snapshot()
	if snap.CriticalDrops != 1 {
		t.Fatalf("CriticalDrops = %d, want 1", snap.CriticalDrops)
	}
}

func TestEnqueueHandshakeNeverSilentlyDropped(t *testing.T) {
	s := New(Limits{MaxMessages: 1, MaxBytes: 1024}, DefaultMediaLimits())

	if err := s.Enqueue(Outbound{Type: protocol.TypeHandshake, Payload: []byte("hs")}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	err := s.Enqueue(Outbound{Type: protocol.TypeHeartbeat, Payload: []byte("hb")})
	if err != ErrHandshakeDropped {
		t.Fatalf("Enqueue = %v, want ErrHandshakeDropped", err)
	}
}

func TestEnqueueMediaDropsOldestUnderByteBudget(t *testing.T) {
	s := New(DefaultCriticalLimits(), Limits{MaxMessages: 100, MaxBytes: 64})

	payload := make([]byte, 40)
	if err := s.Enqueue(Outbound{Type: protocol.TypeAudioFrame, Payload: payload}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := s.Enqueue(Outbound{Type: protocol.TypeAudioFrame, Payload: payload}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1 after drop", s.Len())
	}
	snap := s.Metrics().Snapshot()
	if snap.MediaDrops != 1 {
		t.Fatalf("MediaDrops = %d, want 1", snap.MediaDrops)
	}
}

func TestEnqueueMediaLivenessPreferenceDropsIncomingNonKeyframe(t *testing.T) {
	s := New(DefaultCriticalLimits(), Limits{MaxMessages: 1, MaxBytes: 1024})

	first := Outbound{Type: protocol.TypeVideoFrame, Payload: []byte("frame1"), IsKeyFrame: false}
	if err := s.Enqueue(first); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	second := Outbound{Type: protocol.TypeVideoFrame, Payload: []byte("frame2-longer"), IsKeyFrame: false}
	if err := s.Enqueue(second); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	msg, ok := s.Dequeue()
	if !ok {
		t.Fatalf("expected one queued frame")
	}
	if string(msg.Payload) != "frame1" {
		t.Fatalf("expected original frame1 retained under liveness preference, got %q", msg.Payload)
	}
}

func TestByteBudgetInvariantHoldsUnderTightBudget(t *testing.T) {
	s := New(DefaultCriticalLimits(), Limits{MaxMessages: 1000, MaxBytes: 256})

	for i := 0; i < 50; i++ {
		payload := make([]byte, 30)
		_ = s.Enqueue(Outbound{Type: protocol.TypeVideoFrame, Payload: payload, IsKeyFrame: true})
	}

	snap := s.Metrics().Snapshot()
	if snap.MediaQueuedBytes > 256 {
		t.Fatalf("MediaQueuedBytes = %d, exceeds budget 256", snap.MediaQueuedBytes)
	}
}
