package transaction

import (
	"time"

	"github.com/flowpbx/iaxd/internal/iax/frame"
)

// ProcessFull handles one inbound full frame: sequence acceptance or
// buffering, implicit/explicit ack, VNAK, and dispatch of its content
// (§4.2 "inbound frame processing").
func (t *Transaction) ProcessFull(f *frame.FullFrame) {
	t.mu.Lock()
	if t.state == StateTerminated {
		t.mu.Unlock()
		return
	}
	t.lastActivity = time.Now()

	// Implicit ack: the peer's ISeq acknowledges every one of our frames
	// with a sequence number below it.
	t.ackThrough(f.ISeq)

	if f.Type == frame.TypeIAXControl && frame.IAXControlSubclass(f.Subclass) == frame.VNAK {
		t.retransmitFrom(f.ISeq)
		t.mu.Unlock()
		return
	}

	if f.Type == frame.TypeIAXControl && frame.IAXControlSubclass(f.Subclass) == frame.Ack {
		// Ack carries no further content; implicit ack above already did
		// the work.
		t.mu.Unlock()
		return
	}

	// INVAL means the peer has no record of this transaction at all (most
	// often because it restarted); its sequence numbers aren't meaningful,
	// so it terminates the transaction immediately instead of going through
	// the oseq-ordering switch below.
	if f.Type == frame.TypeIAXControl && frame.IAXControlSubclass(f.Subclass) == frame.Inval {
		t.mu.Unlock()
		t.terminal(EventTimeout, nil)
		return
	}

	if t.state == StateTerminating {
		// A terminal event already fired; anything else arriving now is a
		// stray duplicate (the peer hasn't seen our ack yet). Ack it so the
		// peer stops retransmitting, but don't re-dispatch its content.
		t.mu.Unlock()
		_ = t.sendAck(f.OSeq)
		return
	}

	switch {
	case f.OSeq == t.iseq:
		t.iseq++
		t.mu.Unlock()
		t.dispatchFull(f)
		t.drainPending()
		_ = t.sendAck(f.OSeq)
	case seqLess(f.OSeq, t.iseq):
		// Duplicate of an already-accepted frame (peer didn't see our ack).
		t.mu.Unlock()
		_ = t.sendAck(f.OSeq)
	default:
		// Gap: buffer and ask the peer to resend from our expected point.
		if len(t.inboundPending) < t.cfg.InboundQueueCap {
			t.inboundPending[f.OSeq] = f
			if f.Type == frame.TypeIAXControl && frame.IAXControlSubclass(f.Subclass) == frame.Accept {
				t.inboundAcceptBuffered = true
			}
		}
		t.mu.Unlock()
		t.sendVNAK()
	}
}

// drainPending dispatches any buffered frames that are now contiguous with
// t.iseq, in order. Caller must not hold t.mu.
func (t *Transaction) drainPending() {
	for {
		t.mu.Lock()
		f, ok := t.inboundPending[t.iseq]
		if !ok {
			t.mu.Unlock()
			return
		}
		delete(t.inboundPending, t.iseq)
		t.iseq++
		t.mu.Unlock()
		t.dispatchFull(f)
	}
}

// peekInboundAccept reports whether an Accept frame is sitting in the
// out-of-order buffer, without removing it (supplemented feature 4:
// findInFrameTimestamp/findInFrameAck in the original). No code path in
// this package calls it; voice frames arriving before an Accept are not
// checked against it.
func (t *Transaction) peekInboundAccept() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.inboundAcceptBuffered
}

// ackThrough removes outbound frames the peer has acknowledged (seq < iseq
// wrapped comparison). Caller must hold t.mu.
func (t *Transaction) ackThrough(iseq uint8) {
	kept := t.outQueue[:0]
	for _, out := range t.outQueue {
		if seqLess(out.seq, iseq) {
			continue // acknowledged: iseq is the peer's next-expected sequence
		}
		kept = append(kept, out)
	}
	t.outQueue = kept
}

// retransmitFrom resends every unacked outbound frame from seq onward
// (VNAK recovery, §4.2 "retransmission-from-here").
func (t *Transaction) retransmitFrom(seq uint8) {
	addr := t.remoteAddr
	var toSend []*frame.FullFrame
	for _, out := range t.outQueue {
		if seqLess(out.seq, seq) {
			continue
		}
		out.retries++
		f := *out.raw
		f.Retransmit = true
		toSend = append(toSend, &f)
	}
	for _, f := range toSend {
		_ = t.sender.SendFull(addr, f)
	}
}

func (t *Transaction) sendVNAK() {
	t.mu.Lock()
	addr := t.remoteAddr
	f := &frame.FullFrame{
		SrcCallNumber: t.localCall,
		DstCallNumber: t.remoteCall,
		Timestamp:     t.relativeTimestamp(),
		OSeq:          t.oseq,
		ISeq:          t.iseq,
		Type:          frame.TypeIAXControl,
		Subclass:      uint32(frame.VNAK),
	}
	t.mu.Unlock()
	_ = t.sender.SendFull(addr, f)
}

// dispatchFull interprets one in-sequence full frame's content, advancing
// the state machine and raising owner events as needed.
func (t *Transaction) dispatchFull(f *frame.FullFrame) {
	switch f.Type {
	case frame.TypeIAXControl:
		t.dispatchControl(f)
	case frame.TypeVoice:
		t.dispatchFullMedia(f, false)
	case frame.TypeVideo:
		t.dispatchFullMedia(f, true)
	case frame.TypeDTMF:
		if len(f.Payload) > 0 {
			t.deliverEvent(Event{Kind: EventDTMF, DTMF: f.Payload[0]})
		}
	case frame.TypeText:
		t.deliverEvent(Event{Kind: EventText, Text: string(f.Payload)})
	case frame.TypeNoise:
		t.deliverEvent(Event{Kind: EventNoise})
	default:
		_ = t.sendUnsupport(f.Type, f.Subclass)
	}
}

// dispatchFullMedia handles a full (not mini) voice/video frame: these
// carry a format change and establish the bucket's decoder baseline
// (§4.2 "media").
func (t *Transaction) dispatchFullMedia(f *frame.FullFrame, isVideo bool) {
	bucket := t.audio
	if isVideo {
		bucket = t.video
	}
	ts, ooo := bucket.reconstructInbound(f.Timestamp, len(f.Payload))
	if ooo {
		return
	}
	t.mu.Lock()
	if isVideo {
		t.formatVideo = frame.Format(f.Subclass)
	} else {
		t.format = frame.Format(f.Subclass)
	}
	t.mu.Unlock()
	_ = ts
}

func seqLess(a, b uint8) bool {
	return int8(a-b) < 0
}
