// Package congestion implements the BBR-inspired bandwidth/min-RTT
// estimator, pacing gain cycling, and congestion window that spec §4.F
// describes: BtlBw and RTprop windowed filters, a Startup/Drain/ProbeBW/
// ProbeRTT state machine, a pacing token bucket, and ACK-gap/retransmit-
// timer loss detection. No library in the example corpus implements
// congestion control (the pack's transports are either raw datagram
// sockets or rely on the kernel/QUIC stack for it), so this is built
// directly on stdlib time and sync primitives, matching the teacher's
// plain-structs-plus-mutex style elsewhere in the session layer.
package congestion

import (
	"sync"
	"time"
)

// Phase is the BBR state machine's current mode.
type Phase int

const (
	PhaseStartup Phase = iota
	PhaseDrain
	PhaseProbeBW
	PhaseProbeRTT
)

func (p Phase) String() string {
	switch p {
	case PhaseStartup:
		return "startup"
	case PhaseDrain:
		return "drain"
	case PhaseProbeBW:
		return "probe_bw"
	case PhaseProbeRTT:
		return "probe_rtt"
	default:
		return "unknown"
	}
}

// probeBWGainCycle is the pacing gain cycle ProbeBW rotates through,
// advancing once per RTprop (spec §4.F).
var probeBWGainCycle = []float64{1.25, 0.75, 1, 1, 1, 1, 1, 1}

const (
	startupPacingGain = 2.89
	startupCwndGain   = 2.0
	drainPacingGain   = 1 / startupPacingGain

	btlBwWindowRounds = 10
	rtPropWindow      = 10 * time.Second

	// startupGrowthThreshold is BtlBw's minimum fractional growth over
	// startupRounds rounds to keep probing for more bandwidth; below it,
	// the pipe is judged full and Startup exits to Drain.
	startupGrowthThreshold = 0.25
	startupRounds          = 3

	probeRTTInterval   = 10 * time.Second
	probeRTTDuration   = 200 * time.Millisecond
	probeRTTMaxInFlight = 4

	minPacingRate = 1 // bytes/sec floor so pacing never stalls entirely
	initialCwnd   = 14 * 1472
	minCwnd       = 4 * 1472

	reorderThreshold = 3 // sequence numbers of ACK-gap tolerance before a loss is inferred
	minRTOFloor       = 200 * time.Millisecond
)

// inFlightPacket tracks one unacknowledged frame for RTT sampling and
// loss detection by sequence gap.
type inFlightPacket struct {
	sequence uint64
	sentAt   time.Time
	size     int
}

// Controller is one session's BBR-style congestion state. It's driven by
// two inputs from the session layer: OnSend (a frame was transmitted) and
// OnACK (a frame was acknowledged), and exposes CanSend/NextSendDelay for
// internal/session.Write to consult before emitting each DATA frame.
type Controller struct {
	mu sync.Mutex

	phase Phase
	round uint64

	btlBw  *windowedMax // bytes/sec
	rtProp *windowedMin // seconds

	cwnd        float64
	pacingGain  float64
	cwndGain    float64
	cycleIndex  int
	cycleStart  time.Time

	startupRoundsAtPlateau int
	lastBtlBwForGrowth     float64

	probeRTTLastAt    time.Time
	probeRTTDeadline  time.Time
	inProbeRTT        bool

	inFlight       []inFlightPacket
	bytesInFlight  int64
	deliveredBytes uint64
	deliveredAt    time.Time

	pacingBucket     float64
	pacingLastRefill time.Time

	highestAcked uint64
}

// New creates a Controller in Startup phase with the conservative initial
// congestion window spec §4.F implies before any RTT sample exists.
func New() *Controller {
	now := time.Now()
	return &Controller{
		phase:            PhaseStartup,
		btlBw:            newWindowedMax(btlBwWindowRounds),
		rtProp:           newWindowedMin(rtPropWindow),
		cwnd:             initialCwnd,
		pacingGain:       startupPacingGain,
		cwndGain:         startupCwndGain,
		cycleStart:       now,
		deliveredAt:      now,
		pacingLastRefill: now,
		probeRTTLastAt:   now,
	}
}

// Reset restores Startup-phase defaults, called after a connection
// migration (spec scenario 4: "Alice... resets BBR state").
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.phase, c.round = PhaseStartup, 0
	c.btlBw, c.rtProp = newWindowedMax(btlBwWindowRounds), newWindowedMin(rtPropWindow)
	c.cwnd, c.pacingGain, c.cwndGain = initialCwnd, startupPacingGain, startupCwndGain
	c.cycleIndex, c.cycleStart = 0, now
	c.startupRoundsAtPlateau, c.lastBtlBwForGrowth = 0, 0
	c.probeRTTLastAt, c.probeRTTDeadline, c.inProbeRTT = now, time.Time{}, false
	c.inFlight, c.bytesInFlight = nil, 0
	c.deliveredBytes, c.deliveredAt = 0, now
	c.pacingBucket, c.pacingLastRefill = 0, now
	c.highestAcked = 0
}

// Phase reports the controller's current BBR state.
func (c *Controller) Phase() Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.phase
}

// BtlBwEstimate returns the current bottleneck bandwidth estimate in
// bytes/sec.
func (c *Controller) BtlBwEstimate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.btlBw.Get()
}

// RTpropEstimate returns the current minimum-RTT estimate, or 0 if no
// sample has landed yet.
func (c *Controller) RTpropEstimate() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.rtProp.Get()
	if !ok {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// BDP returns BtlBw × RTprop, the target in-flight byte count.
func (c *Controller) BDP() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	rtt, ok := c.rtProp.Get()
	if !ok {
		return int64(c.cwnd)
	}
	return int64(c.btlBw.Get() * rtt)
}

// CanSend reports whether size more bytes may be placed in flight without
// exceeding the current congestion window.
func (c *Controller) CanSend(size int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	target := c.cwnd * c.cwndGain / startupCwndGain
	if target < minCwnd {
		target = minCwnd
	}
	return float64(c.bytesInFlight+int64(size)) <= target
}

// OnSend records that a frame of size bytes carrying sequence has just
// been transmitted, starting its RTT clock and reserving pacing-bucket
// capacity.
func (c *Controller) OnSend(sequence uint64, size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	c.refillPacingLocked(now)
	c.inFlight = append(c.inFlight, inFlightPacket{sequence: sequence, sentAt: now, size: size})
	c.bytesInFlight += int64(size)
	c.pacingBucket -= float64(size)
}

// OnACK records that sequence was acknowledged at receipt time now,
// updating the BtlBw and RTprop filters, advancing the ProbeBW gain
// cycle, and running loss detection over anything older than sequence by
// more than reorderThreshold.
func (c *Controller) OnACK(sequence uint64, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, p := range c.inFlight {
		if p.sequence == sequence {
			idx = i
			break
		}
	}
	if idx == -1 {
		return // duplicate or already-lost ACK
	}
	pkt := c.inFlight[idx]
	rtt := now.Sub(pkt.sentAt)
	c.rtProp.Update(rtt.Seconds(), now)

	interval := now.Sub(c.deliveredAt).Seconds()
	if interval > 0 {
		c.deliveredBytes += uint64(pkt.size)
		rate := float64(pkt.size) / interval
		c.btlBw.Update(rate, c.round)
	}
	c.deliveredAt = now

	if sequence > c.highestAcked {
		c.highestAcked = sequence
	}

	c.bytesInFlight -= int64(pkt.size)
	c.removeInFlightLocked(idx)
	c.detectLossLocked(now)
	c.advancePhaseLocked(now)
	c.round++
}

// detectLossLocked treats any in-flight packet more than reorderThreshold
// sequence numbers behind the highest ACKed sequence, or past its
// retransmit timeout, as lost and drops it from in-flight accounting.
// Per spec §4.F, BBR does not cut cwnd on ordinary loss; only ProbeRTT
// drains the pipe.
func (c *Controller) detectLossLocked(now time.Time) {
	rto := c.retransmitTimeoutLocked()
	kept := c.inFlight[:0]
	for _, p := range c.inFlight {
		lostByGap := c.highestAcked > p.sequence && c.highestAcked-p.sequence > reorderThreshold
		lostByTimer := now.Sub(p.sentAt) > rto
		if lostByGap || lostByTimer {
			c.bytesInFlight -= int64(p.size)
			continue
		}
		kept = append(kept, p)
	}
	c.inFlight = kept
}

// retransmitTimeoutLocked computes RTprop + 4×RTT_variance with a 200 ms
// floor (spec §4.F). There is no dedicated variance estimator: RTT variance
// is approximated as half of the current RTprop. The floor is returned
// whenever no RTT sample exists yet.
func (c *Controller) retransmitTimeoutLocked() time.Duration {
	rttSeconds, ok := c.rtProp.Get()
	if !ok {
		return minRTOFloor
	}
	variance := rttSeconds * 0.5 // conservative proxy in the absence of a named estimator
	rto := time.Duration((rttSeconds + 4*variance) * float64(time.Second))
	if rto < minRTOFloor {
		return minRTOFloor
	}
	return rto
}

func (c *Controller) removeInFlightLocked(idx int) {
	c.inFlight = append(c.inFlight[:idx], c.inFlight[idx+1:]...)
}

// advancePhaseLocked runs the Startup→Drain→ProbeBW→ProbeRTT state
// machine described in spec §4.F.
func (c *Controller) advancePhaseLocked(now time.Time) {
	btlBw := c.btlBw.Get()

	switch c.phase {
	case PhaseStartup:
		if c.lastBtlBwForGrowth > 0 {
			growth := (btlBw - c.lastBtlBwForGrowth) / c.lastBtlBwForGrowth
			if growth < startupGrowthThreshold {
				c.startupRoundsAtPlateau++
			} else {
				c.startupRoundsAtPlateau = 0
			}
		}
		c.lastBtlBwForGrowth = btlBw
		if c.startupRoundsAtPlateau >= startupRounds {
			c.phase = PhaseDrain
			c.pacingGain = drainPacingGain
			c.cwndGain = startupCwndGain
		}

	case PhaseDrain:
		target := c.BDPLocked()
		if c.bytesInFlight <= target {
			c.phase = PhaseProbeBW
			c.cycleIndex = 0
			c.cycleStart = now
			c.pacingGain = probeBWGainCycle[0]
			c.cwndGain = 2.0
		}

	case PhaseProbeBW:
		rtProp, ok := c.rtProp.Get()
		cycleLen := time.Duration(rtProp * float64(time.Second))
		if !ok || cycleLen <= 0 {
			cycleLen = 100 * time.Millisecond
		}
		if now.Sub(c.cycleStart) >= cycleLen {
			c.cycleIndex = (c.cycleIndex + 1) % len(probeBWGainCycle)
			c.cycleStart = now
			c.pacingGain = probeBWGainCycle[c.cycleIndex]
		}
		if now.Sub(c.probeRTTLastAt) >= probeRTTInterval {
			c.phase = PhaseProbeRTT
			c.inProbeRTT = true
			c.probeRTTDeadline = now.Add(probeRTTDuration)
			c.pacingGain = 1.0
			c.cwndGain = 1.0
		}

	case PhaseProbeRTT:
		if now.After(c.probeRTTDeadline) {
			c.inProbeRTT = false
			c.probeRTTLastAt = now
			c.phase = PhaseProbeBW
			c.cycleIndex = 0
			c.cycleStart = now
			c.pacingGain = probeBWGainCycle[0]
			c.cwndGain = 2.0
		}
	}

	c.updateCwndLocked()
}

// BDPLocked is BDP's body, for call sites that already hold c.mu.
func (c *Controller) BDPLocked() int64 {
	rtt, ok := c.rtProp.Get()
	if !ok {
		return int64(c.cwnd)
	}
	return int64(c.btlBw.Get() * rtt)
}

func (c *Controller) updateCwndLocked() {
	if c.phase == PhaseProbeRTT {
		c.cwnd = float64(probeRTTMaxInFlight * 1472)
		return
	}
	bdp := c.BDPLocked()
	target := float64(bdp) * c.cwndGain
	if target < minCwnd {
		target = minCwnd
	}
	c.cwnd = target
}

// refillPacingLocked tops up the pacing token bucket at pacing_gain ×
// BtlBw bytes/sec (spec §4.F), capping it at one BDP's worth so a long
// idle period doesn't let a burst through uncontrolled.
func (c *Controller) refillPacingLocked(now time.Time) {
	elapsed := now.Sub(c.pacingLastRefill).Seconds()
	c.pacingLastRefill = now
	if elapsed <= 0 {
		return
	}
	rate := c.pacingGain * c.btlBw.Get()
	if rate < minPacingRate {
		rate = minPacingRate
	}
	c.pacingBucket += rate * elapsed
	capBytes := float64(c.BDPLocked())
	if capBytes < initialCwnd {
		capBytes = initialCwnd
	}
	if c.pacingBucket > capBytes {
		c.pacingBucket = capBytes
	}
}

// NextSendDelay reports how long the caller should wait before its next
// send given the pacing token bucket's current balance and the
// configured pacing rate, implementing the "outgoing frames are released
// at pacing_gain × BtlBw bytes/sec" pacing rule.
func (c *Controller) NextSendDelay(size int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.btlBw.Get() == 0 {
		// No delivery-rate sample exists yet: pacing has nothing to pace
		// by, so let Startup's cwnd gate (CanSend) do the work instead of
		// throttling to the minPacingRate floor, matching BBR's own
		// unpaced-until-first-sample bootstrap.
		return 0
	}
	now := time.Now()
	c.refillPacingLocked(now)
	if c.pacingBucket >= float64(size) {
		return 0
	}
	rate := c.pacingGain * c.btlBw.Get()
	if rate < minPacingRate {
		rate = minPacingRate
	}
	deficit := float64(size) - c.pacingBucket
	return time.Duration(deficit / rate * float64(time.Second))
}

// InFlight returns the current count of unacknowledged bytes.
func (c *Controller) InFlight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bytesInFlight
}
