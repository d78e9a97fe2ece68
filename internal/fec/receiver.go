package fec

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/protocol"
	"github.com/fenglingyubing/expandscreen/internal/rs"
)

// DeliverFunc hands one frame upstream (to the video pipeline); data has
// already been RS-decoded if reconstructed is true.
type DeliverFunc func(seq uint32, data []byte, reconstructed bool)

// KeyFrameRequester asks the peer for a key frame (spec §4.7); session
// wires this to its own rate-limited KeyFrameRequest sender.
type KeyFrameRequester func(reason protocol.KeyFrameRequestReason)

// RTTFunc reports the session's current smoothed RTT for the
// abandonment timeout calculation (spec §4.4: max(250ms, 5*RTT)).
type RTTFunc func() time.Duration

// Receiver implements the receiver discipline of spec §4.4.
type Receiver struct {
	mu sync.Mutex

	windowGroups uint32

	groups map[uint32]*group
	// frameCache holds raw frame bytes observed via OnVideoFrame before
	// the corresponding FecGroupMetadata arrives (it is always sent
	// after the k frames it describes — spec §4.4 step 3), keyed by
	// frame sequence number. Entries are pruned once consumed or once
	// they fall behind the oldest pending group.
	frameCache map[uint32][]byte

	lastDeliveredSeq uint32
	haveDelivered    bool

	codecs map[[2]int]*rs.Codec

	deliver      DeliverFunc
	requestKey   KeyFrameRequester
	rtt          RTTFunc
}

// NewReceiver builds a Receiver. deliver, requestKey, and rtt must be
// non-nil.
func NewReceiver(windowGroups uint32, deliver DeliverFunc, requestKey KeyFrameRequester, rtt RTTFunc) *Receiver {
	if windowGroups == 0 {
		windowGroups = 4
	}
	return &Receiver{
		windowGroups: windowGroups,
		groups:       make(map[uint32]*group),
		frameCache:   make(map[uint32][]byte),
		codecs:       make(map[[2]int]*rs.Codec),
		deliver:      deliver,
		requestKey:   requestKey,
		rtt:          rtt,
	}
}

func (r *Receiver) codecFor(k, m int) (*rs.Codec, error) {
	key := [2]int{k, m}
	if c, ok := r.codecs[key]; ok {
		return c, nil
	}
	c, err := rs.NewCodec(k, m)
	if err != nil {
		return nil, err
	}
	r.codecs[key] = c
	return c, nil
}

// OnVideoFrame delivers the frame upstream immediately (spec §4.4 step
// 2) and caches its bytes so a subsequent FecGroupMetadata can place it
// into its group. It also detects the "frame-sequence gap wider than
// the current FEC window" condition that triggers a GapDetected
// KeyFrameRequest (spec §4.7 supplement).
func (r *Receiver) OnVideoFrame(seq uint32, data []byte) {
	r.mu.Lock()

	if r.haveDelivered && seq > r.lastDeliveredSeq+1 {
		gap := seq - r.lastDeliveredSeq - 1
		if widestGroup := r.widestTrackedK(); gap > r.windowGroups*uint32(widestGroup) {
			r.mu.Unlock()
			r.requestKey(protocol.ReasonGapDetected)
			r.mu.Lock()
		}
	}
	r.lastDeliveredSeq = seq
	r.haveDelivered = true

	cached := append([]byte(nil), data...)
	r.frameCache[seq] = cached

	for _, g := range r.groups {
		if seq >= g.firstFrameSeq && seq < g.firstFrameSeq+uint32(g.k) {
			idx := int(seq - g.firstFrameSeq)
			g.place(idx, cached)
			g.delivered[idx] = true
			delete(r.frameCache, seq)
		}
	}

	r.mu.Unlock()
	r.deliver(seq, data, false)
}

// widestTrackedK returns the largest k among currently tracked groups,
// or a conservative default of 1 if none are tracked yet. Caller holds
// r.mu.
func (r *Receiver) widestTrackedK() int {
	best := 1
	for _, g := range r.groups {
		if g.k > best {
			best = g.k
		}
	}
	return best
}

// OnGroupMetadata starts tracking a new group, retroactively placing
// any already-cached frames that fall in its range, then checks window
// abandonment (spec §4.4 steps 1, 5).
func (r *Receiver) OnGroupMetadata(meta protocol.FecGroupMetadata) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := newGroup(meta.GroupId, meta.FirstFrameSeq, meta.DataShards, meta.ParityShards,
		meta.ShardLengthBytes, meta.ProtectedSeqStart, meta.ProtectedSeqEnd, time.Now())
	r.groups[meta.GroupId] = g

	for seq, data := range r.frameCache {
		if seq >= g.firstFrameSeq && seq < g.firstFrameSeq+uint32(g.k) {
			idx := int(seq - g.firstFrameSeq)
			g.place(idx, data)
			g.delivered[idx] = true
			delete(r.frameCache, seq)
		}
	}

	r.tryDecodeLocked(g)
	r.abandonOutsideWindowLocked(meta.GroupId)

	// Drop cached frames that fall behind the oldest pending group: no
	// tracked or later group can claim them any more.
	oldest, haveGroup := uint32(0), false
	for _, pg := range r.groups {
		if !haveGroup || pg.firstFrameSeq < oldest {
			oldest, haveGroup = pg.firstFrameSeq, true
		}
	}
	for seq := range r.frameCache {
		if haveGroup && seq < oldest {
			delete(r.frameCache, seq)
		}
	}
}

// OnFecShard places one parity shard into its group (spec §4.4 step 3).
func (r *Receiver) OnFecShard(msg protocol.FecShard) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[msg.GroupId]
	if !ok {
		return nil // group already abandoned or not yet seen; drop quietly
	}
	data, err := base64.StdEncoding.DecodeString(msg.Data)
	if err != nil {
		return err
	}
	g.place(msg.ShardIndex, data)
	r.tryDecodeLocked(g)
	return nil
}

// tryDecodeLocked runs RS reconstruction once a group has enough
// shards, delivering any newly-recovered data shards in order (spec
// §4.4 step 4). Caller holds r.mu.
func (r *Receiver) tryDecodeLocked(g *group) {
	if !g.needsDecode() {
		return
	}
	codec, err := r.codecFor(g.k, g.m)
	if err != nil {
		log.Error("building codec for decode", logging.KeyError, err)
		return
	}
	if err := g.decode(codec); err != nil {
		log.Error("FEC decode failed", logging.KeyError, err)
		return
	}
	for i := 0; i < g.k; i++ {
		if g.delivered[i] {
			continue
		}
		g.delivered[i] = true
		seq := g.firstFrameSeq + uint32(i)
		r.mu.Unlock()
		r.deliver(seq, g.shards[i], true)
		r.mu.Lock()
	}
}

// abandonOutsideWindowLocked drops any group whose id is more than W
// behind the newest observed group id, requesting a key frame if the
// abandoned group still had unrecovered loss (spec §4.4 step 5).
// Caller holds r.mu.
func (r *Receiver) abandonOutsideWindowLocked(newestGroupID uint32) {
	for id, g := range r.groups {
		if newestGroupID <= id+r.windowGroups {
			continue
		}
		lossy := g.hasUnrecoveredLoss()
		delete(r.groups, id)
		if lossy {
			r.mu.Unlock()
			r.requestKey(protocol.ReasonFecAbandoned)
			r.mu.Lock()
		}
	}
}

// CheckTimeouts abandons any group that has exceeded max(250ms, 5*RTT)
// since it started (spec §4.4 step 5, §9: "fires even if no further
// frames arrive"). The Receiver runs no timer of its own and nothing in
// this module calls CheckTimeouts, so groups are abandoned by timeout only
// when a caller invokes it; otherwise only window abandonment in
// OnGroupMetadata removes them.
func (r *Receiver) CheckTimeouts(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rtt := time.Duration(0)
	if r.rtt != nil {
		rtt = r.rtt()
	}
	for id, g := range r.groups {
		if !g.expired(now, rtt) {
			continue
		}
		lossy := g.hasUnrecoveredLoss()
		delete(r.groups, id)
		if lossy {
			r.mu.Unlock()
			r.requestKey(protocol.ReasonFecAbandoned)
			r.mu.Lock()
		}
	}
}
