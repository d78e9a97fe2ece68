// Package scheduler implements the two-class Send Scheduler (spec §4.5):
// a bounded priority queue that drains critical control-plane messages
// ahead of media, dropping the oldest entry of the appropriate class
// under memory pressure.
package scheduler

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/protocol"
)

var log = logging.L("scheduler")

// ErrHandshakeDropped is returned when a Handshake/HandshakeAck would
// have been dropped from the critical queue; per spec §4.5/§7 this is
// always fatal to the transport.
var ErrHandshakeDropped = fmt.Errorf("scheduler: handshake message dropped under backpressure")

// Limits bounds one class's queue. Both a message-count cap and a byte
// cap apply; either being exceeded triggers the drop policy.
type Limits struct {
	MaxMessages int
	MaxBytes    int
}

// DefaultCriticalLimits matches spec §4.5's default critical class caps.
func DefaultCriticalLimits() Limits {
	return Limits{MaxMessages: 256, MaxBytes: 1 * 1024 * 1024}
}

// DefaultMediaLimits matches spec §4.5's default media class caps.
func DefaultMediaLimits() Limits {
	return Limits{MaxMessages: 64, MaxBytes: 16 * 1024 * 1024}
}

// Outbound is one queued message: header fields needed to re-derive its
// class plus the already-marshalled payload.
type Outbound struct {
	Type       protocol.MessageType
	TimestampMs uint64
	Payload    []byte
	IsKeyFrame bool
}

func (o Outbound) size() int {
	return protocol.HeaderSize + len(o.Payload)
}

// Scheduler holds the critical and media queues described in spec §4.5.
// All mutation happens under a single mutex with O(1) hold time; no I/O
// runs while the lock is held. A single consumer goroutine calls Dequeue
// in a loop and performs the actual socket write outside the lock.
type Scheduler struct {
	mu sync.Mutex

	criticalLimits Limits
	mediaLimits    Limits

	critical      *list.List // of Outbound
	criticalBytes int

	media      *list.List // of Outbound
	mediaBytes int

	metrics *Metrics

	notify chan struct{}
	closed bool
}

// New builds a Scheduler with the given per-class limits.
func New(criticalLimits, mediaLimits Limits) *Scheduler {
	return &Scheduler{
		criticalLimits: criticalLimits,
		mediaLimits:    mediaLimits,
		critical:       list.New(),
		media:          list.New(),
		metrics:        newMetrics(),
		notify:         make(chan struct{}, 1),
	}
}

// Metrics returns the scheduler's metrics collector.
func (s *Scheduler) Metrics() *Metrics {
	return s.metrics
}

// Notify returns a channel that receives a value whenever a message is
// enqueued (the one-slot channel coalesces wakeups); the send worker
// blocks on this between drains instead of busy-polling.
func (s *Scheduler) Notify() <-chan struct{} {
	return s.notify
}

func (s *Scheduler) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Enqueue admits msg into the appropriate class queue, applying the
// class's drop policy if admitting it would exceed either cap (spec §4.5).
// It returns ErrHandshakeDropped if admitting msg required dropping a
// Handshake/HandshakeAck, which the caller must treat as fatal.
func (s *Scheduler) Enqueue(msg Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Type.IsCritical() {
		return s.enqueueCritical(msg)
	}
	return s.enqueueMedia(msg)
}

func (s *Scheduler) enqueueCritical(msg Outbound) error {
	for s.critical.Len()+1 > s.criticalLimits.MaxMessages || s.criticalBytes+msg.size() > s.criticalLimits.MaxBytes {
		oldest := s.critical.Front()
		if oldest == nil {
			break
		}
		dropped := oldest.Value.(Outbound)
		if dropped.Type.IsHandshake() {
			log.Warn("handshake dropped under backpressure, escalating to fatal", "type", dropped.Type.Name())
			s.metrics.recordCriticalDrop()
			s.setMetricsLocked()
			return ErrHandshakeDropped
		}
		s.critical.Remove(oldest)
		s.criticalBytes -= dropped.size()
		s.metrics.recordCriticalDrop()
		log.Warn("dropped oldest critical message under backpressure", "type", dropped.Type.Name())
	}

	s.critical.PushBack(msg)
	s.criticalBytes += msg.size()
	s.setMetricsLocked()
	s.wake()
	return nil
}

func (s *Scheduler) enqueueMedia(msg Outbound) error {
	overBudget := func() bool {
		return s.media.Len()+1 > s.mediaLimits.MaxMessages || s.mediaBytes+msg.size() > s.mediaLimits.MaxBytes
	}

	// Liveness preference (spec §4.5): when another non-keyframe
	// VideoFrame is already queued, the incoming non-keyframe VideoFrame
	// is dropped instead of evicting the oldest entry.
	if overBudget() && msg.Type == protocol.TypeVideoFrame && !msg.IsKeyFrame {
		for e := s.media.Back(); e != nil; e = e.Prev() {
			existing := e.Value.(Outbound)
			if existing.Type == protocol.TypeVideoFrame && !existing.IsKeyFrame {
				s.metrics.recordMediaDrop()
				s.setMetricsLocked()
				log.Warn("dropped incoming non-keyframe video frame, another non-keyframe already queued")
				return nil
			}
		}
	}

	for overBudget() {
		oldest := s.media.Front()
		if oldest == nil {
			break
		}
		dropped := oldest.Value.(Outbound)
		s.media.Remove(oldest)
		s.mediaBytes -= dropped.size()
		s.metrics.recordMediaDrop()
		log.Warn("dropped oldest media message under backpressure", "type", dropped.Type.Name())
	}

	s.media.PushBack(msg)
	s.mediaBytes += msg.size()
	s.setMetricsLocked()
	s.wake()
	return nil
}

// Dequeue removes and returns the next message to send, draining all
// pending critical messages before any media (spec §4.5). The second
// return value is false when both queues are empty.
func (s *Scheduler) Dequeue() (Outbound, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.critical.Front(); e != nil {
		msg := e.Value.(Outbound)
		s.critical.Remove(e)
		s.criticalBytes -= msg.size()
		s.setMetricsLocked()
		return msg, true
	}
	if e := s.media.Front(); e != nil {
		msg := e.Value.(Outbound)
		s.media.Remove(e)
		s.mediaBytes -= msg.size()
		s.setMetricsLocked()
		return msg, true
	}
	return Outbound{}, false
}

// Len reports the total number of messages currently queued across both
// classes.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.critical.Len() + s.media.Len()
}

func (s *Scheduler) setMetricsLocked() {
	s.metrics.setCritical(s.critical.Len(), s.criticalBytes)
	s.metrics.setMedia(s.media.Len(), s.mediaBytes)
}
