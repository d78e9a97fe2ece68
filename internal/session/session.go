// Package session implements the Session State Machine (spec §4.7): the
// connect/handshake/steady-state/teardown lifecycle, the three
// per-connection goroutines (receive, send, heartbeat/ABR timer), and
// the error taxonomy that drives reconnection.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/fenglingyubing/expandscreen/internal/config"
	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/protocol"
	"github.com/fenglingyubing/expandscreen/internal/scheduler"
)

var log = logging.L("session")

const keyFrameRequestInterval = 500 * time.Millisecond

// Handlers are the caller's dispatch callbacks for inbound messages
// (spec §9: "one handler per variant"). Any nil handler silently drops
// that message type without logging; only unknown message types are
// logged, at debug level.
type Handlers struct {
	OnTouchEvent       func(protocol.TouchEvent)
	OnVideoFrame       func(timestampMs uint64, seq uint32, frame protocol.VideoFrame)
	OnAudioConfig      func(protocol.AudioConfig)
	OnAudioFrame       func(timestampMs uint64, data []byte)
	OnProtocolFeedback func(protocol.ProtocolFeedback)
	OnBitrateControl   func(protocol.BitrateControl)
	OnKeyFrameRequest  func(protocol.KeyFrameRequest)
	OnFecConfig        func(protocol.FecConfig)
	OnFecShard         func(protocol.FecShard)
	OnFecGroupMetadata func(protocol.FecGroupMetadata)
}

// Snapshot is the read-only diagnostic view of a Session (SPEC_FULL.md
// §3 supplement), safe to read from any goroutine.
type Snapshot struct {
	State               State
	SessionID           string
	PeerRole            string
	LocalSequence       uint32
	LastObservedPeerSeq uint32
	LastHeartbeatRxAtMs int64
	CurrentBitrateBps    int
	LastError           string
}

// Session owns one connection's socket, scheduler, and lifecycle (spec
// §3, §5). Reconnection creates a fresh Session; sequence numbers
// restart at 1.
type Session struct {
	mu sync.Mutex

	state        State
	peerRole     string
	sessionID    string
	pairingRequired bool
	tlsEnabled   bool
	fecConfig    protocol.FecConfig
	lastError    error

	localSequence       uint32 // atomic
	lastObservedPeerSeq uint32 // atomic, mirrors the Reader's tracking for diagnostics
	lastHeartbeatRxAtMs int64  // atomic
	lastRttMs           int64  // atomic, measured from the Heartbeat/HeartbeatAck round trip
	currentBitrateBps   int32  // atomic

	conn   io.ReadWriteCloser
	reader *protocol.Reader
	writer *protocol.Writer

	sched *scheduler.Scheduler

	cfg      *config.Config
	handlers Handlers

	// videoFrameSent, if set, observes every VideoFrame's assigned
	// SequenceNumber and payload right after sendLoop writes it to the
	// wire. It exists so the FEC Grouper's Sender sees frames in the
	// order they were actually sent, not enqueue order; appwire.WireHost
	// ignores seq and numbers the frames with its own dense counter. Set
	// only during wiring, before Run.
	videoFrameSent func(seq uint32, payload []byte)

	keyFrameLimiter *rate.Limiter

	errCh  chan error
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Session around an already-connected stream (TCP, or TLS
// wrapping one). peerRole is "client" or "server", used only for
// diagnostics and handshake direction.
func New(conn io.ReadWriteCloser, peerRole string, cfg *config.Config, handlers Handlers) *Session {
	s := &Session{
		state:    StateConnecting,
		peerRole: peerRole,
		conn:     conn,
		reader:   protocol.NewReader(conn, cfg.MaxPayloadBytes),
		writer:   protocol.NewWriter(conn),
		sched: scheduler.New(
			scheduler.Limits{MaxMessages: cfg.SchedulerCriticalCapacity, MaxBytes: cfg.SchedulerCriticalByteBudget},
			scheduler.Limits{MaxMessages: cfg.SchedulerMediaCapacity, MaxBytes: cfg.SchedulerMediaByteBudget},
		),
		cfg:             cfg,
		handlers:        handlers,
		keyFrameLimiter: rate.NewLimiter(rate.Every(keyFrameRequestInterval), 1),
		errCh:           make(chan error, 4),
		stopCh:          make(chan struct{}),
	}
	log.Info("session state transition", "from", StateIdle.String(), "to", s.state.String(), "reason", "transport established")
	return s
}

func (s *Session) setState(next State, reason string) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	s.mu.Unlock()
	log.Info("session state transition", "from", prev.String(), "to", next.String(), "reason", reason)
}

// State returns the session's current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns a diagnostic copy of the session's observable state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	state, sessionID, peerRole := s.state, s.sessionID, s.peerRole
	var lastErrStr string
	if s.lastError != nil {
		lastErrStr = s.lastError.Error()
	}
	s.mu.Unlock()

	return Snapshot{
		State:               state,
		SessionID:           sessionID,
		PeerRole:            peerRole,
		LocalSequence:       atomic.LoadUint32(&s.localSequence),
		LastObservedPeerSeq: atomic.LoadUint32(&s.lastObservedPeerSeq),
		LastHeartbeatRxAtMs: atomic.LoadInt64(&s.lastHeartbeatRxAtMs),
		CurrentBitrateBps:    int(atomic.LoadInt32(&s.currentBitrateBps)),
		LastError:           lastErrStr,
	}
}

// SetBitrateBps updates the diagnostic bitrate snapshot; the ABR
// controller calls this whenever its target changes.
func (s *Session) SetBitrateBps(bps int) {
	atomic.StoreInt32(&s.currentBitrateBps, int32(bps))
}

// SetVideoFrameObserver wires fn to fire after sendLoop assigns a
// VideoFrame its on-wire SequenceNumber and writes it. Callers (the FEC
// Grouper's Sender, wired by internal/appwire.WireHost) must call this
// before Run.
func (s *Session) SetVideoFrameObserver(fn func(seq uint32, payload []byte)) {
	s.videoFrameSent = fn
}

// LastRttMs returns the most recently measured Heartbeat round-trip time,
// in milliseconds, or 0 before the first HeartbeatAck arrives. The FEC
// Receiver's abandonment timeout (spec §4.4: max(250ms, 5*RTT)) reads this
// on the client side, where no ABR Controller exists to supply a figure.
func (s *Session) LastRttMs() int64 {
	return atomic.LoadInt64(&s.lastRttMs)
}

// nextSequence assigns the outbound SequenceNumber at send time (spec
// §5: "assigned at send time ... so on-wire order matches sequence
// order despite out-of-order enqueues"), starting at 1.
func (s *Session) nextSequence() uint32 {
	return atomic.AddUint32(&s.localSequence, 1)
}

func nowMs() uint64 {
	return uint64(time.Now().UnixMilli())
}

// EnqueueJSON marshals v and enqueues it as msgType, to be sent with the
// next available sequence number.
func (s *Session) EnqueueJSON(msgType protocol.MessageType, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("session: marshalling %s: %w", msgType.Name(), err)
	}
	return s.enqueue(scheduler.Outbound{Type: msgType, TimestampMs: nowMs(), Payload: payload})
}

// EnqueueVideoFrame additionally carries the liveness-preference hint
// (spec §4.5) the scheduler needs for non-keyframe drop decisions.
func (s *Session) EnqueueVideoFrame(frame protocol.VideoFrame) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("session: marshalling VideoFrame: %w", err)
	}
	return s.enqueue(scheduler.Outbound{
		Type:        protocol.TypeVideoFrame,
		TimestampMs: nowMs(),
		Payload:     payload,
		IsKeyFrame:  frame.IsKeyFrame,
	})
}

// EnqueueOpaque enqueues an opaque-bytes payload (AudioFrame is the only
// such catalog entry).
func (s *Session) EnqueueOpaque(msgType protocol.MessageType, timestampMs uint64, data []byte) error {
	return s.enqueue(scheduler.Outbound{Type: msgType, TimestampMs: timestampMs, Payload: data})
}

func (s *Session) enqueue(msg scheduler.Outbound) error {
	if err := s.sched.Enqueue(msg); err != nil {
		s.fail(&TransportError{Kind: TransportClosed, Err: err})
		return err
	}
	return nil
}

// RequestKeyFrame enqueues a KeyFrameRequest, rate-limited to at most
// one per 500ms (spec §4.7).
func (s *Session) RequestKeyFrame(reason protocol.KeyFrameRequestReason) {
	if !s.keyFrameLimiter.Allow() {
		return
	}
	if err := s.EnqueueJSON(protocol.TypeKeyFrameRequest, protocol.KeyFrameRequest{Reason: reason}); err != nil {
		log.Warn("failed to enqueue KeyFrameRequest", logging.KeyError, err)
	}
}

// fail records the first observed error and signals teardown (spec §7:
// "the first error observed wins"). Safe to call from any goroutine,
// any number of times.
func (s *Session) fail(err error) {
	select {
	case s.errCh <- err:
	default:
	}
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

// Run starts the receive, send, and heartbeat tasks and blocks until
// the session tears down, returning the first error observed (nil on a
// clean caller-initiated disconnect).
func (s *Session) Run() error {
	s.wg.Add(3)
	go s.receiveLoop()
	go s.sendLoop()
	go s.heartbeatLoop()

	<-s.stopCh
	s.conn.Close()
	s.wg.Wait()

	var firstErr error
	select {
	case firstErr = <-s.errCh:
	default:
	}
	s.mu.Lock()
	s.lastError = firstErr
	s.mu.Unlock()
	s.setState(StateClosed, "teardown complete")
	return firstErr
}

// Disconnect initiates a caller-requested teardown: drain the critical
// queue for up to 500ms, then close (spec §4.7, Connected -> Draining
// -> Closed).
func (s *Session) Disconnect() {
	s.setState(StateDraining, "caller disconnect")
	deadline := time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		snap := s.sched.Metrics().Snapshot()
		if snap.CriticalQueued == 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	s.fail(nil)
}

func (s *Session) receiveLoop() {
	defer s.wg.Done()
	for {
		h, payload, err := s.reader.ReadMessage()
		if err != nil {
			// A *protocol.FramingError (BadMagic, TooLarge, OutOfOrder, Eof)
			// is a distinct spec §7 taxonomy from a plain TransportError and
			// must stay labeled as such, not collapsed into TransportIo —
			// callers (Snapshot().LastError, the reconnect loop) branch on
			// Kind to tell a malformed peer apart from a dead socket.
			var framingErr *protocol.FramingError
			if errors.As(err, &framingErr) {
				s.fail(&TransportError{Kind: TransportFraming, Err: framingErr})
				return
			}
			s.fail(&TransportError{Kind: TransportIo, Err: err})
			return
		}
		atomic.StoreUint32(&s.lastObservedPeerSeq, h.SequenceNumber)
		s.dispatch(h, payload)
	}
}

func (s *Session) dispatch(h protocol.Header, payload []byte) {
	switch h.Type {
	case protocol.TypeHeartbeat:
		atomic.StoreInt64(&s.lastHeartbeatRxAtMs, int64(nowMs()))
		var hb protocol.Heartbeat
		if err := json.Unmarshal(payload, &hb); err == nil {
			_ = s.EnqueueJSON(protocol.TypeHeartbeatAck, protocol.HeartbeatAck{
				OriginalTimestamp: hb.Timestamp,
				ResponseTimestamp: nowMs(),
			})
		}
	case protocol.TypeHeartbeatAck:
		atomic.StoreInt64(&s.lastHeartbeatRxAtMs, int64(nowMs()))
		var ack protocol.HeartbeatAck
		if err := json.Unmarshal(payload, &ack); err == nil && ack.OriginalTimestamp > 0 {
			if rtt := int64(nowMs()) - int64(ack.OriginalTimestamp); rtt >= 0 {
				atomic.StoreInt64(&s.lastRttMs, rtt)
			}
		}
	case protocol.TypeTouchEvent:
		if s.handlers.OnTouchEvent != nil {
			var ev protocol.TouchEvent
			if err := json.Unmarshal(payload, &ev); err == nil {
				s.handlers.OnTouchEvent(ev)
			}
		}
	case protocol.TypeVideoFrame:
		if s.handlers.OnVideoFrame != nil {
			var frame protocol.VideoFrame
			if err := json.Unmarshal(payload, &frame); err == nil {
				s.handlers.OnVideoFrame(h.TimestampMs, h.SequenceNumber, frame)
			}
		}
	case protocol.TypeAudioConfig:
		if s.handlers.OnAudioConfig != nil {
			var ac protocol.AudioConfig
			if err := json.Unmarshal(payload, &ac); err == nil {
				s.handlers.OnAudioConfig(ac)
			}
		}
	case protocol.TypeAudioFrame:
		if s.handlers.OnAudioFrame != nil {
			s.handlers.OnAudioFrame(h.TimestampMs, payload)
		}
	case protocol.TypeProtocolFeedback:
		if s.handlers.OnProtocolFeedback != nil {
			var fb protocol.ProtocolFeedback
			if err := json.Unmarshal(payload, &fb); err == nil {
				s.handlers.OnProtocolFeedback(fb)
			}
		}
	case protocol.TypeBitrateControl:
		if s.handlers.OnBitrateControl != nil {
			var bc protocol.BitrateControl
			if err := json.Unmarshal(payload, &bc); err == nil {
				s.handlers.OnBitrateControl(bc)
			}
		}
	case protocol.TypeKeyFrameRequest:
		if s.handlers.OnKeyFrameRequest != nil {
			var kfr protocol.KeyFrameRequest
			if err := json.Unmarshal(payload, &kfr); err == nil {
				s.handlers.OnKeyFrameRequest(kfr)
			}
		}
	case protocol.TypeFecConfig:
		if s.handlers.OnFecConfig != nil {
			var fc protocol.FecConfig
			if err := json.Unmarshal(payload, &fc); err == nil {
				s.handlers.OnFecConfig(fc)
			}
		}
	case protocol.TypeFecShard:
		if s.handlers.OnFecShard != nil {
			var shard protocol.FecShard
			if err := json.Unmarshal(payload, &shard); err == nil {
				s.handlers.OnFecShard(shard)
			}
		}
	case protocol.TypeFecGroupMetadata:
		if s.handlers.OnFecGroupMetadata != nil {
			var meta protocol.FecGroupMetadata
			if err := json.Unmarshal(payload, &meta); err == nil {
				s.handlers.OnFecGroupMetadata(meta)
			}
		}
	default:
		log.Debug("dropping message of unknown type", "type", h.Type)
	}
}

func (s *Session) sendLoop() {
	defer s.wg.Done()
	notify := s.sched.Notify()
	for {
		msg, ok := s.sched.Dequeue()
		if !ok {
			select {
			case <-notify:
				continue
			case <-s.stopCh:
				return
			}
		}

		seq := s.nextSequence()
		header := protocol.NewHeader(msg.Type, msg.TimestampMs, seq, len(msg.Payload))
		if err := s.writer.WriteMessage(header, msg.Payload); err != nil {
			s.fail(&TransportError{Kind: TransportIo, Err: err})
			return
		}
		if msg.Type == protocol.TypeVideoFrame && s.videoFrameSent != nil {
			s.videoFrameSent(seq, msg.Payload)
		}
	}
}

func (s *Session) heartbeatLoop() {
	defer s.wg.Done()

	interval := time.Duration(s.cfg.HeartbeatIntervalMs) * time.Millisecond
	timeout := time.Duration(s.cfg.HeartbeatTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	atomic.StoreInt64(&s.lastHeartbeatRxAtMs, int64(nowMs()))

	for {
		select {
		case <-ticker.C:
			_ = s.EnqueueJSON(protocol.TypeHeartbeat, protocol.Heartbeat{Timestamp: nowMs()})

			last := atomic.LoadInt64(&s.lastHeartbeatRxAtMs)
			if time.Duration(int64(nowMs())-last)*time.Millisecond > timeout {
				s.fail(&HeartbeatTimeoutError{})
				return
			}
		case <-s.stopCh:
			return
		}
	}
}

// Handshake fields below implement the Handshaking state (spec §4.7);
// they run before Run's three tasks start, directly on the caller's
// goroutine, since no other traffic is expected until they complete.

// ClientHandshake sends Handshake and waits for HandshakeAck within
// handshakeTimeoutMs, transitioning Handshaking -> Connected or
// Handshaking -> Closed (spec §4.7).
func (s *Session) ClientHandshake(hs protocol.Handshake) error {
	s.setState(StateHandshaking, "client sending handshake")

	payload, err := json.Marshal(hs)
	if err != nil {
		return fmt.Errorf("session: marshalling Handshake: %w", err)
	}
	header := protocol.NewHeader(protocol.TypeHandshake, nowMs(), s.nextSequence(), len(payload))
	if err := s.writer.WriteMessage(header, payload); err != nil {
		s.setState(StateClosed, "handshake write failed")
		return &TransportError{Kind: TransportIo, Err: err}
	}

	type result struct {
		ack protocol.HandshakeAck
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		h, payload, err := s.reader.ReadMessage()
		if err != nil {
			resultCh <- result{err: &TransportError{Kind: TransportIo, Err: err}}
			return
		}
		if h.Type != protocol.TypeHandshakeAck {
			resultCh <- result{err: &HandshakeError{Kind: HandshakeMalformedAck, Err: fmt.Errorf("expected HandshakeAck, got %s", h.Type.Name())}}
			return
		}
		var ack protocol.HandshakeAck
		if err := json.Unmarshal(payload, &ack); err != nil {
			resultCh <- result{err: &HandshakeError{Kind: HandshakeMalformedAck, Err: err}}
			return
		}
		resultCh <- result{ack: ack}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			s.setState(StateClosed, r.err.Error())
			return r.err
		}
		if !r.ack.Accepted {
			err := &HandshakeError{Kind: HandshakeRejected, Err: fmt.Errorf("%s", r.ack.ErrorMessage)}
			s.setState(StateClosed, err.Error())
			return err
		}
		s.mu.Lock()
		s.sessionID = r.ack.SessionId
		s.mu.Unlock()
		s.setState(StateConnected, "handshake accepted")
		return nil
	case <-time.After(time.Duration(s.cfg.HandshakeTimeoutMs) * time.Millisecond):
		err := &HandshakeError{Kind: HandshakeTimeout}
		s.setState(StateClosed, err.Error())
		return err
	}
}

// ServerHandshake waits for a client Handshake within
// handshakeTimeoutMs, then replies with HandshakeAck, transitioning
// Handshaking -> Connected (spec §4.7). accept decides whether to admit
// the connection (e.g. pairing code check) and supplies the new
// sessionId.
func (s *Session) ServerHandshake(accept func(protocol.Handshake) (sessionID string, ok bool, errMsg string)) error {
	s.setState(StateHandshaking, "server awaiting handshake")

	type result struct {
		hs  protocol.Handshake
		err error
	}
	resultCh := make(chan result, 1)
	go func() {
		h, payload, err := s.reader.ReadMessage()
		if err != nil {
			resultCh <- result{err: &TransportError{Kind: TransportIo, Err: err}}
			return
		}
		if h.Type != protocol.TypeHandshake {
			resultCh <- result{err: &HandshakeError{Kind: HandshakeMalformedAck, Err: fmt.Errorf("expected Handshake, got %s", h.Type.Name())}}
			return
		}
		var hs protocol.Handshake
		if err := json.Unmarshal(payload, &hs); err != nil {
			resultCh <- result{err: &HandshakeError{Kind: HandshakeMalformedAck, Err: err}}
			return
		}
		resultCh <- result{hs: hs}
	}()

	var hs protocol.Handshake
	select {
	case r := <-resultCh:
		if r.err != nil {
			s.setState(StateClosed, r.err.Error())
			return r.err
		}
		hs = r.hs
	case <-time.After(time.Duration(s.cfg.HandshakeTimeoutMs) * time.Millisecond):
		err := &HandshakeError{Kind: HandshakeTimeout}
		s.setState(StateClosed, err.Error())
		return err
	}

	sessionID, ok, errMsg := accept(hs)
	ack := protocol.HandshakeAck{Accepted: ok, SessionId: sessionID, ErrorMessage: errMsg}
	payload, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("session: marshalling HandshakeAck: %w", err)
	}
	header := protocol.NewHeader(protocol.TypeHandshakeAck, nowMs(), s.nextSequence(), len(payload))
	if err := s.writer.WriteMessage(header, payload); err != nil {
		s.setState(StateClosed, "handshake ack write failed")
		return &TransportError{Kind: TransportIo, Err: err}
	}

	if !ok {
		err := &HandshakeError{Kind: HandshakeRejected, Err: fmt.Errorf("%s", errMsg)}
		s.setState(StateClosed, err.Error())
		return err
	}

	s.mu.Lock()
	s.sessionID = sessionID
	s.mu.Unlock()
	s.setState(StateConnected, "handshake accepted")
	return nil
}
