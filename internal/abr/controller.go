// Package abr implements the host-side Adaptive Bitrate Controller
// (spec §4.6): an AIMD control loop driven by periodic ProtocolFeedback
// from the peer, broadcasting its decisions as BitrateControl messages.
package abr

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fenglingyubing/expandscreen/internal/logging"
	"github.com/fenglingyubing/expandscreen/internal/protocol"
)

var log = logging.L("abr")

const (
	decreaseFactor       = 0.7
	increaseStepBps      = 250_000
	goodIntervalsNeeded  = 3
	minAdjustInterval    = 200 * time.Millisecond
	smoothingAlpha       = 0.8
	rttHistoryCapacity   = 30
	baselinePercentile   = 0.30
)

// Config bounds and seeds a Controller.
type Config struct {
	MinBps     int
	MaxBps     int
	InitialBps int
}

// Feedback mirrors protocol.ProtocolFeedback's fields used by the
// control loop.
type Feedback struct {
	RttMs                int
	MissingSequenceDelta  int
}

// Controller runs the AIMD loop described in spec §4.6. It is safe for
// concurrent use: feedback normally arrives from the session's receive
// goroutine while Snapshot is read from elsewhere (e.g. diagnostics).
type Controller struct {
	mu sync.Mutex

	minBps int
	maxBps int

	targetBps                int
	smoothedRttMs             float64
	consecutiveGoodIntervals  int

	rttHistory   [rttHistoryCapacity]float64
	rttCount     int
	rttNext      int

	limiter *rate.Limiter

	onTarget func(int)
}

// New builds a Controller. onTarget, if non-nil, is invoked whenever
// the target changes, outside the controller's lock, so the caller can
// broadcast BitrateControl and notify the external encoder (spec §4.6
// step 5) without risking a deadlock against Feed.
func New(cfg Config, onTarget func(int)) *Controller {
	initial := cfg.InitialBps
	if initial <= 0 {
		initial = cfg.MinBps
	}
	if initial < cfg.MinBps {
		initial = cfg.MinBps
	}
	if initial > cfg.MaxBps {
		initial = cfg.MaxBps
	}

	return &Controller{
		minBps:    cfg.MinBps,
		maxBps:    cfg.MaxBps,
		targetBps: initial,
		// burst 1: the limiter gates "minimum 200ms between adjustments",
		// not a leaky-bucket traffic shaper.
		limiter:  rate.NewLimiter(rate.Every(minAdjustInterval), 1),
		onTarget: onTarget,
	}
}

// TargetBps returns the controller's current target, in bits per second.
func (c *Controller) TargetBps() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetBps
}

// Feed applies one ProtocolFeedback sample to the AIMD loop (spec §4.6).
// Samples arriving inside the 200ms minimum-adjustment window still
// update smoothedRttMs and the RTT history (so no data is lost) but do
// not otherwise move targetBps.
func (c *Controller) Feed(fb Feedback) {
	c.mu.Lock()

	c.smoothedRttMs = smoothingAlpha*c.smoothedRttMs + (1-smoothingAlpha)*float64(fb.RttMs)
	c.pushRTT(float64(fb.RttMs))

	if !c.limiter.Allow() {
		c.mu.Unlock()
		return
	}

	baseline := c.baselineRttMs()
	prev := c.targetBps

	if fb.MissingSequenceDelta > 0 || c.smoothedRttMs > 2*baseline {
		c.targetBps = int(float64(c.targetBps) * decreaseFactor)
		if c.targetBps < c.minBps {
			c.targetBps = c.minBps
		}
		c.consecutiveGoodIntervals = 0
	} else {
		c.consecutiveGoodIntervals++
		if c.consecutiveGoodIntervals >= goodIntervalsNeeded {
			c.targetBps += increaseStepBps
			if c.targetBps > c.maxBps {
				c.targetBps = c.maxBps
			}
			c.consecutiveGoodIntervals = 0
		}
	}

	if c.targetBps < c.minBps {
		c.targetBps = c.minBps
	}
	if c.targetBps > c.maxBps {
		c.targetBps = c.maxBps
	}

	changed := c.targetBps != prev
	newTarget := c.targetBps
	callback := c.onTarget
	c.mu.Unlock()

	if changed {
		log.Info("bitrate adjusted", "from", prev, "to", newTarget, "smoothedRttMs", c.smoothedRttMs)
		if callback != nil {
			callback(newTarget)
		}
	}
}

// pushRTT records an RTT sample into the ring buffer. Caller holds c.mu.
func (c *Controller) pushRTT(rttMs float64) {
	c.rttHistory[c.rttNext] = rttMs
	c.rttNext = (c.rttNext + 1) % rttHistoryCapacity
	if c.rttCount < rttHistoryCapacity {
		c.rttCount++
	}
}

// baselineRttMs is the 30th-percentile RTT over the last 30 samples
// (spec §4.6), or the minimum seen if there is insufficient history.
// Caller holds c.mu.
func (c *Controller) baselineRttMs() float64 {
	if c.rttCount == 0 {
		return 0
	}
	samples := make([]float64, c.rttCount)
	copy(samples, c.rttHistory[:c.rttCount])
	sort.Float64s(samples)

	idx := int(baselinePercentile * float64(len(samples)))
	if idx >= len(samples) {
		idx = len(samples) - 1
	}
	return samples[idx]
}

// BuildBitrateControl wraps the current target for transmission.
func (c *Controller) BuildBitrateControl() protocol.BitrateControl {
	return protocol.BitrateControl{TargetBps: c.TargetBps()}
}

// SmoothedRttMs returns the current EWMA-smoothed RTT, in milliseconds.
// The FEC Receiver's abandonment timeout does not read it: the Receiver
// runs client-side and its RTTFunc is fed from Session.LastRttMs (see
// appwire.WireClient).
func (c *Controller) SmoothedRttMs() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.smoothedRttMs
}
