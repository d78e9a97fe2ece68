// Package appwire assembles one Session together with the ABR Controller
// and FEC Grouper components it needs on each side of the connection
// (SPEC_FULL.md §4.6, §4.4): the host side feeds ProtocolFeedback into an
// ABR Controller and observes its own outbound VideoFrames with a FEC
// Sender; the client side feeds inbound VideoFrame/FecShard/
// FecGroupMetadata messages into a FEC Receiver. Session itself only
// exposes the Handlers seam (spec §9: "one handler per variant") — nothing
// in internal/session constructs an abr.Controller or fec.Sender/Receiver
// on its own, since a session with FEC/ABR disabled is just as valid.
package appwire

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"time"

	"github.com/fenglingyubing/expandscreen/internal/abr"
	"github.com/fenglingyubing/expandscreen/internal/config"
	"github.com/fenglingyubing/expandscreen/internal/fec"
	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/protocol"
	"github.com/fenglingyubing/expandscreen/internal/session"
)

var log = logging.L("appwire")

// sessionFecEmitter adapts a not-yet-constructed *session.Session to
// fec.Emitter: the Sender/Receiver must be built before the Session (their
// callbacks close over it), so this holds a pointer-to-pointer populated
// once New returns.
type sessionFecEmitter struct {
	sess **session.Session
}

func (e sessionFecEmitter) EmitFecGroupMetadata(meta protocol.FecGroupMetadata) error {
	return (*e.sess).EnqueueJSON(protocol.TypeFecGroupMetadata, meta)
}

func (e sessionFecEmitter) EmitFecShard(shard protocol.FecShard) error {
	return (*e.sess).EnqueueJSON(protocol.TypeFecShard, shard)
}

// HostSession bundles the server-role Session with the components it
// drives: the ABR Controller (reacting to client ProtocolFeedback) and,
// when FEC is enabled, the Sender observing outbound VideoFrames.
type HostSession struct {
	Session *session.Session
	ABR     *abr.Controller
	FEC     *fec.Sender
}

// WireHost builds a server-role Session plus its ABR Controller and FEC
// Sender, fully connected through Handlers (spec §4.6 step 5: broadcast
// BitrateControl on target change; spec §4.4: Sender observes outbound
// frames and emits FecGroupMetadata/FecShard through the Scheduler's
// media class, the same class as the VideoFrames they protect).
func WireHost(conn io.ReadWriteCloser, cfg *config.Config, onKeyFrameRequest func(protocol.KeyFrameRequestReason)) (*HostSession, error) {
	var sess *session.Session

	controller := abr.New(abr.Config{
		MinBps:     cfg.AbrMinBps,
		MaxBps:     cfg.AbrMaxBps,
		InitialBps: cfg.AbrMinBps,
	}, func(targetBps int) {
		sess.SetBitrateBps(targetBps)
		if err := sess.EnqueueJSON(protocol.TypeBitrateControl, protocol.BitrateControl{TargetBps: targetBps}); err != nil {
			log.Warn("broadcast BitrateControl", logging.KeyError, err)
		}
	})

	var sender *fec.Sender
	if cfg.FecEnabled {
		var err error
		sender, err = fec.NewSender(fec.Config{
			Enabled:      true,
			DataShards:   cfg.FecDataShards,
			ParityShards: cfg.FecParityShards,
			WindowGroups: uint32(cfg.FecWindowGroups),
		}, sessionFecEmitter{sess: &sess})
		if err != nil {
			return nil, err
		}
	}

	handlers := session.Handlers{
		OnProtocolFeedback: func(fb protocol.ProtocolFeedback) {
			controller.Feed(abr.Feedback{RttMs: fb.RttMs, MissingSequenceDelta: fb.MissingSequenceDelta})
		},
		OnKeyFrameRequest: func(req protocol.KeyFrameRequest) {
			if onKeyFrameRequest != nil {
				onKeyFrameRequest(req.Reason)
			}
		},
	}

	sess = session.New(conn, "server", cfg, handlers)
	if sender != nil {
		// The FEC Grouper needs a dense, gap-free index over the frames it
		// actually transmits (spec §4.4: "k consecutive frames per group").
		// The wire SequenceNumber isn't it — every other message type
		// (Heartbeat, TouchEvent, BitrateControl...) shares the same
		// counter, so consecutive VideoFrames routinely skip several
		// values with no frame loss involved. videoIdx counts only frames
		// this observer actually sees, which only fires after a
		// successful write, so it is exactly as dense as what was sent.
		var videoIdx uint32
		sess.SetVideoFrameObserver(func(_ uint32, payload []byte) {
			// payload is sendLoop's marshaled VideoFrame envelope, not the
			// encoded frame itself. The RS parity in a group must be
			// computed over the same raw bytes the Receiver reconstructs
			// into (spec §4.3/§4.4), so unwrap the envelope and base64
			// back to those bytes before handing them to the Sender.
			var frame protocol.VideoFrame
			if err := json.Unmarshal(payload, &frame); err != nil {
				log.Error("FEC observer: decode VideoFrame envelope", logging.KeyError, err)
				return
			}
			raw, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				log.Error("FEC observer: decode VideoFrame data", logging.KeyError, err)
				return
			}
			idx := videoIdx
			videoIdx++
			if err := sender.AddFrame(idx, raw); err != nil {
				log.Error("FEC AddFrame failed", logging.KeyError, err)
			}
		})
	}

	return &HostSession{Session: sess, ABR: controller, FEC: sender}, nil
}

// ClientSession bundles the client-role Session with its FEC Receiver.
type ClientSession struct {
	Session *session.Session
	FEC     *fec.Receiver
}

// WireClient builds a client-role Session plus its FEC Receiver, wired to
// deliver frames via onFrame and request key frames through the Session's
// own rate-limited RequestKeyFrame (spec §4.4, §4.7).
func WireClient(conn io.ReadWriteCloser, cfg *config.Config, onFrame func(seq uint32, data []byte, reconstructed bool)) *ClientSession {
	var sess *session.Session

	receiver := fec.NewReceiver(
		uint32(cfg.FecWindowGroups),
		func(seq uint32, data []byte, reconstructed bool) {
			if onFrame != nil {
				onFrame(seq, data, reconstructed)
			}
		},
		func(reason protocol.KeyFrameRequestReason) {
			sess.RequestKeyFrame(reason)
		},
		// ABR lives host-side only (spec §4.6: target-bitrate decisions are
		// made from the receiver's feedback, not recomputed locally), so
		// the client has no abr.Controller to ask. Its own measured
		// Heartbeat round trip is the only RTT figure it has.
		func() time.Duration {
			return time.Duration(sess.LastRttMs()) * time.Millisecond
		},
	)

	// See the matching comment in WireHost: the wire SequenceNumber isn't
	// dense across VideoFrames alone, so the Receiver is fed a local
	// counter instead. TCP delivers in order without loss, so the Nth
	// VideoFrame dispatched here is always the Nth one the host's
	// observer counted, keeping both sides' group indices in lockstep.
	var videoIdx uint32
	handlers := session.Handlers{
		OnVideoFrame: func(_ uint64, _ uint32, frame protocol.VideoFrame) {
			// frame.Data is base64 text (spec §9); the Receiver's group
			// buffer holds raw shard bytes, the same representation the
			// Sender fed in and the same representation RS reconstructs,
			// so decode here rather than casting the text straight to bytes.
			raw, err := base64.StdEncoding.DecodeString(frame.Data)
			if err != nil {
				log.Error("decode VideoFrame data", logging.KeyError, err)
				return
			}
			idx := videoIdx
			videoIdx++
			receiver.OnVideoFrame(idx, raw)
		},
		OnFecShard: func(shard protocol.FecShard) {
			if err := receiver.OnFecShard(shard); err != nil {
				log.Error("FEC shard rejected", logging.KeyError, err)
			}
		},
		OnFecGroupMetadata: func(meta protocol.FecGroupMetadata) {
			receiver.OnGroupMetadata(meta)
		},
		OnBitrateControl: func(bc protocol.BitrateControl) {
			log.Debug("host bitrate target", "targetBps", bc.TargetBps)
		},
	}

	sess = session.New(conn, "client", cfg, handlers)
	return &ClientSession{Session: sess, FEC: receiver}
}
