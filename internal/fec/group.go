// Package fec implements the FEC Grouper (spec §4.4): the sender and
// receiver disciplines that stripe video frames into Reed-Solomon
// groups ("one frame = one data shard, k consecutive frames per
// group" — the reference choice spec.md's Open Questions name)
// and reconstruct lost frames from the internal/rs codec.
package fec

import (
	"time"

	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/rs"
)

var log = logging.L("fec")

// Config carries the FEC Grouper's shard counts and window, mirroring
// protocol.FecConfig plus the windowGroups supplement (spec §6.4).
type Config struct {
	Enabled      bool
	DataShards   int
	ParityShards int
	WindowGroups uint32
}

// group is the receiver-side FEC Group entity (spec §3): a group buffer
// of k+m shards, tracked until it completes, is abandoned, or times out.
type group struct {
	groupID           uint32
	firstFrameSeq     uint32
	k, m              int
	shardLengthBytes  int
	shards            [][]byte
	present           []bool
	presentCount      int
	delivered         []bool // data shard indices already delivered upstream
	createdAt         time.Time
	protectedSeqStart uint32
	protectedSeqEnd   uint32
}

func newGroup(groupID, firstFrameSeq uint32, k, m, shardLen int, protectedStart, protectedEnd uint32, now time.Time) *group {
	return &group{
		groupID:           groupID,
		firstFrameSeq:     firstFrameSeq,
		k:                 k,
		m:                 m,
		shardLengthBytes:  shardLen,
		shards:            make([][]byte, k+m),
		present:           make([]bool, k+m),
		delivered:         make([]bool, k),
		createdAt:         now,
		protectedSeqStart: protectedStart,
		protectedSeqEnd:   protectedEnd,
	}
}

func (g *group) place(shardIndex int, data []byte) {
	if shardIndex < 0 || shardIndex >= len(g.shards) {
		return
	}
	if g.present[shardIndex] {
		return
	}
	padded := data
	if len(padded) != g.shardLengthBytes {
		padded = make([]byte, g.shardLengthBytes)
		copy(padded, data)
	}
	g.shards[shardIndex] = padded
	g.present[shardIndex] = true
	g.presentCount++
}

// needsDecode reports whether the group has enough shards to attempt
// reconstruction and has at least one missing data shard.
func (g *group) needsDecode() bool {
	if g.presentCount < g.k {
		return false
	}
	for i := 0; i < g.k; i++ {
		if !g.present[i] {
			return true
		}
	}
	return false
}

// decode reconstructs missing data shards using the given codec. Caller
// must have already checked needsDecode.
func (g *group) decode(codec *rs.Codec) error {
	return codec.DecodeMissing(g.shards, g.present)
}

// deadline is the group's abandonment timeout (spec §4.4, §9:
// "fires even if no further frames arrive"): max(250ms, 5*RTT).
func deadline(rtt time.Duration) time.Duration {
	d := 5 * rtt
	if d < 250*time.Millisecond {
		d = 250 * time.Millisecond
	}
	return d
}

func (g *group) expired(now time.Time, rtt time.Duration) bool {
	return now.Sub(g.createdAt) >= deadline(rtt)
}

// hasUnrecoveredLoss reports whether the group, at abandonment time,
// still has missing data shards its receiver could not reconstruct
// (spec §4.4 step 5: "abandoned groups with surviving losses trigger a
// KeyFrameRequest").
func (g *group) hasUnrecoveredLoss() bool {
	for i := 0; i < g.k; i++ {
		if !g.present[i] {
			return true
		}
	}
	return false
}
