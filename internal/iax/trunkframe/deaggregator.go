package trunkframe

import (
	"sync"

	"github.com/flowpbx/iaxd/internal/iax/frame"
)

// ResolvedEntry is one call's media payload split back out of an inbound
// meta-trunk frame, with a timestamp ready for that call's own media
// bucket.
type ResolvedEntry struct {
	CallNumber uint16
	Timestamp  uint32
	Payload    []byte
}

// Deaggregator splits inbound meta-trunk frames from one remote peer back
// into per-call entries (§4.4). Two inbound modes exist:
//
//   - "timestamps" mode (MetaTrunkFrame.HasTimestamps): each entry already
//     carries its own truncated per-call timestamp, identical in meaning to
//     a mini frame's — the receiving call's own media bucket reconstructs
//     the full value exactly as it would for a direct mini frame.
//   - "wall clock" mode: entries share the frame's own trunk timestamp.
//     Since that counter is the peer's own monotonic ms-since-open clock,
//     a large backward jump means the peer restarted its trunk and the
//     counter must be rebased so timestamps handed to calls stay
//     monotonic.
type Deaggregator struct {
	mu               sync.Mutex
	haveLast         bool
	lastRaw          uint32
	offset           uint32
	restartThreshold uint32
}

// NewDeaggregator creates a de-aggregator for one remote peer.
// restartThreshold bounds how far backward the trunk timestamp may jump
// before it is treated as peer-restart rather than ordinary jitter.
func NewDeaggregator(restartThreshold uint32) *Deaggregator {
	return &Deaggregator{restartThreshold: restartThreshold}
}

// Process splits one inbound meta-trunk frame into its per-call entries.
func (d *Deaggregator) Process(mf *frame.MetaTrunkFrame) []ResolvedEntry {
	base := d.rebase(mf.Timestamp)

	out := make([]ResolvedEntry, 0, len(mf.Entries))
	for _, e := range mf.Entries {
		ts := base
		if mf.HasTimestamps {
			ts = uint32(e.Timestamp)
		}
		out = append(out, ResolvedEntry{CallNumber: e.CallNumber, Timestamp: ts, Payload: e.Payload})
	}
	return out
}

func (d *Deaggregator) rebase(raw uint32) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.haveLast {
		d.haveLast = true
		d.lastRaw = raw
		return raw + d.offset
	}
	if raw+d.restartThreshold < d.lastRaw {
		d.offset += d.lastRaw + d.restartThreshold
	}
	d.lastRaw = raw
	return raw + d.offset
}
