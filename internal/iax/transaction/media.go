package transaction

import (
	"sync"
	"time"

	"github.com/flowpbx/iaxd/internal/iax/frame"
)

// reconstructTimestamp recovers a full 32-bit timestamp from a truncated
// rangeBits-wide wire value, given the last reconstructed timestamp. audio
// mini frames carry 16 bits, video meta frames carry 15 bits (§4.1, §4.2
// "media timestamp reconstruction").
//
// A worked example in the spec's own testable properties (mini timestamps
// 0xFFE0, 0xFFF0, 0x0010, 0x0030 reconstructing to ..., 0x10010, 0x10030)
// pins down the otherwise ambiguous wrap condition: a naive candidate that
// falls behind the last timestamp by at least half the range has actually
// wrapped forward past 2^rangeBits, not jittered backward.
func reconstructTimestamp(last uint32, truncated uint32, rangeBits uint) uint32 {
	rangeSize := uint32(1) << rangeBits
	highWord := last &^ (rangeSize - 1)
	candidate := highWord | truncated
	if candidate < last && last-candidate >= rangeSize/2 {
		candidate += rangeSize
	}
	return candidate
}

// outAdjustThresholdMs bounds how far an outbound media timestamp may drift
// from wall-clock elapsed time before the bucket corrects its own clock
// (§4.2 outbound media path: "ts exceeds/lags transaction wall-time by more
// than an adjust threshold").
const outAdjustThresholdMs = 1000

// outOverrunStepMs and outUnderrunStepMs are how far outStartTrans moves
// each time an overrun or underrun correction fires.
const (
	outOverrunStepMs  = 20
	outUnderrunStepMs = 20
)

// mediaBucket tracks one media type's (audio or video) independent
// timestamp, ordering, and counters for a transaction (§3 "Data bucket").
// Inbound and outbound state use separate mutexes per the lock hierarchy
// (§5): a caller never needs both at once, since inbound processing and
// outbound sending run on different worker pools.
type mediaBucket struct {
	rangeBits uint

	outMu            sync.Mutex
	outStarted       bool
	outStartWall     time.Time
	outFirstSrc      uint32
	outStartTrans    uint32
	lastOutTimestamp uint32
	format           frame.Format
	sentFrames       uint64
	sentBytes        uint64
	droppedOutFrames uint64
	droppedOutBytes  uint64

	inMu             sync.Mutex
	inStarted        bool
	lastInTimestamp  uint32
	recvFrames       uint64
	recvBytes        uint64
	oooFrames        uint64
	oooBytes         uint64

	// receivedMiniBeforeFull counts mini/meta-video frames received before
	// any full voice/video frame established a format for this bucket
	// (supplemented feature 5: tracked per media type, not transaction-wide,
	// so audio and video VNAK cadence are independent).
	beforeFullMu        sync.Mutex
	receivedMiniBeforeFull int
	beforeFullVNAKsSent    int

	// trunk inbound bookkeeping: these fields are not read or written
	// anywhere; inbound trunk timestamps are handled per peer by
	// trunkframe.Deaggregator (§4.4 "Trunk frame").
	trunkAnchorSet  bool
	trunkAnchorWall time.Time
	trunkAnchorTs   uint32
}

func newMediaBucket(rangeBits uint) *mediaBucket {
	return &mediaBucket{rangeBits: rangeBits}
}

// nextOutTimestamp computes the transaction-relative timestamp for a media
// frame whose producer stamped it srcTs, sent "now", per §4.2's outbound
// timestamping rule:
//
//	ts = outStartTrans + (srcTs - outFirstSrc) / multiplier
//
// If ts has run ahead of wall-clock elapsed time by more than the adjust
// threshold the frame is dropped as overrun and outStartTrans is pulled
// back by a step; if it lags wall-clock by more than the threshold,
// outStartTrans is pushed forward by a step and the frame still goes out.
// drop reports the overrun case; the caller must not send the frame then.
func (b *mediaBucket) nextOutTimestamp(srcTs uint32, now time.Time, multiplier uint32) (ts uint32, drop bool) {
	if multiplier == 0 {
		multiplier = 1
	}
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if !b.outStarted {
		b.outStarted = true
		b.outStartWall = now
		b.outFirstSrc = srcTs
		b.outStartTrans = 0
		b.lastOutTimestamp = 0
		return 0, false
	}

	wall := uint32(now.Sub(b.outStartWall) / time.Millisecond)
	compute := func() uint32 { return b.outStartTrans + (srcTs-b.outFirstSrc)/multiplier }

	ts = compute()
	switch {
	case ts > wall+outAdjustThresholdMs:
		b.outStartTrans -= outOverrunStepMs
		return 0, true
	case wall > ts+outAdjustThresholdMs:
		b.outStartTrans += outUnderrunStepMs
		ts = compute()
	}
	if ts <= b.lastOutTimestamp {
		ts = b.lastOutTimestamp + 1 // never emit a non-increasing timestamp
	}
	b.lastOutTimestamp = ts
	return ts, false
}

// noteMiniBeforeFull records one more mini/meta-video frame arriving before
// any full frame established this bucket's format, and reports whether the
// peer should be nudged with a VNAK now: every third such arrival, up to a
// cap of 15 total, in case the peer never saw the format-establishing full
// frame and needs a hint to resend it.
func (b *mediaBucket) noteMiniBeforeFull() bool {
	b.beforeFullMu.Lock()
	defer b.beforeFullMu.Unlock()
	b.receivedMiniBeforeFull++
	if b.receivedMiniBeforeFull%3 != 0 || b.beforeFullVNAKsSent >= 15 {
		return false
	}
	b.beforeFullVNAKsSent++
	return true
}

func (b *mediaBucket) recordSent(n int) {
	b.outMu.Lock()
	b.sentFrames++
	b.sentBytes += uint64(n)
	b.outMu.Unlock()
}

func (b *mediaBucket) recordDroppedOut(n int) {
	b.outMu.Lock()
	b.droppedOutFrames++
	b.droppedOutBytes += uint64(n)
	b.outMu.Unlock()
}

// reconstructInbound reconstructs a truncated inbound timestamp and reports
// whether the frame arrived out of order relative to the last one accepted.
func (b *mediaBucket) reconstructInbound(truncated uint32, n int) (ts uint32, outOfOrder bool) {
	b.inMu.Lock()
	defer b.inMu.Unlock()
	if !b.inStarted {
		b.inStarted = true
		b.lastInTimestamp = truncated
		b.recvFrames++
		b.recvBytes += uint64(n)
		return truncated, false
	}
	full := reconstructTimestamp(b.lastInTimestamp, truncated, b.rangeBits)
	if full < b.lastInTimestamp {
		b.oooFrames++
		b.oooBytes += uint64(n)
		return full, true
	}
	b.lastInTimestamp = full
	b.recvFrames++
	b.recvBytes += uint64(n)
	return full, false
}
