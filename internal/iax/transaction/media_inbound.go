package transaction

import (
	"github.com/flowpbx/iaxd/internal/iax/frame"
	"github.com/flowpbx/iaxd/internal/iax/hostiface"
)

// ProcessMini handles an inbound audio mini frame: reconstructs its full
// timestamp and hands the payload to the owner's MediaConsumer, if any
// (§4.2 "media", supplemented feature 5: the before-full-voice counter
// lives on the bucket itself).
func (t *Transaction) ProcessMini(m *frame.MiniFrame) {
	t.processMedia(t.audio, uint32(m.Timestamp), m.Payload, false)
}

// ProcessMetaVideo handles an inbound meta-video frame the same way, using
// the 15-bit video timestamp range.
func (t *Transaction) ProcessMetaVideo(v *frame.MetaVideoFrame) {
	t.processMedia(t.video, uint32(v.Timestamp), v.Payload, true)
}

func (t *Transaction) processMedia(bucket *mediaBucket, truncated uint32, payload []byte, isVideo bool) {
	t.mu.Lock()
	state := t.state
	hasFormat := (isVideo && t.formatVideo != 0) || (!isVideo && t.format != 0)
	t.mu.Unlock()
	if state == StateTerminated {
		return
	}
	if !hasFormat {
		// No full frame has established a codec yet: there is nothing to
		// decode this payload as, so it is counted (supplemented feature 5)
		// but not delivered. A VNAK every third one nudges a peer that may
		// never have gotten the format-establishing full frame through.
		if bucket.noteMiniBeforeFull() {
			t.sendVNAK()
		}
		return
	}

	ts, ooo := bucket.reconstructInbound(truncated, len(payload))
	if ooo {
		return
	}

	t.mu.Lock()
	format := t.format
	if isVideo {
		format = t.formatVideo
	}
	hasOwner := t.hasOwner
	owner := t.owner
	t.mu.Unlock()
	if !hasOwner {
		return
	}
	iface, ok := owner.Get()
	if !ok {
		return
	}
	if consumer, ok := iface.(hostiface.MediaConsumer); ok {
		consumer.ConsumeMedia(format, ts, payload)
	}
}
