package transaction

import (
	"errors"
	"time"

	"github.com/flowpbx/iaxd/internal/iax/frame"
)

// ErrOutQueueFull is returned when a transaction's unacked outbound queue is
// at MaxOutQueue capacity (supplemented feature 1).
var ErrOutQueueFull = errors.New("transaction: outbound queue full")

// ErrTerminated is returned by send operations on a transaction that has
// already reached StateTerminated.
var ErrTerminated = errors.New("transaction: terminated")

// SendControl sends a reliable full frame (any IAX control subclass) and
// enqueues it for retransmission until the peer's iseq acknowledges it
// (§4.2 "sequence number reliability").
func (t *Transaction) SendControl(typ frame.Type, subclass frame.IAXControlSubclass, ies *frame.IEList) error {
	t.mu.Lock()
	if t.state == StateTerminated {
		t.mu.Unlock()
		return ErrTerminated
	}
	if len(t.outQueue) >= t.cfg.MaxOutQueue {
		t.mu.Unlock()
		return ErrOutQueueFull
	}
	var payload []byte
	if ies != nil {
		payload = frame.EncodeIEList(ies)
	}
	f := &frame.FullFrame{
		SrcCallNumber: t.localCall,
		DstCallNumber: t.remoteCall,
		Timestamp:     t.relativeTimestamp(),
		OSeq:          t.nextOSeq(),
		ISeq:          t.iseq,
		Type:          typ,
		Subclass:      uint32(subclass),
		Payload:       payload,
	}
	out := &outboundFrame{seq: f.OSeq, raw: f, firstSent: time.Now(), lastSent: time.Now()}
	t.outQueue = append(t.outQueue, out)
	addr := t.remoteAddr
	t.mu.Unlock()
	return t.sender.SendFull(addr, f)
}

// relativeTimestamp returns the milliseconds elapsed since the transaction
// was created, used for control-frame timestamps (distinct from the media
// buckets' own relative clocks).
func (t *Transaction) relativeTimestamp() uint32 {
	return uint32(time.Since(t.created) / time.Millisecond)
}

// sendAck replies with an immediate Ack for the given inbound sequence,
// used both for the explicit-ack path and after a VNAK recovery fills a gap.
func (t *Transaction) sendAck(iseq uint8) error {
	t.mu.Lock()
	addr := t.remoteAddr
	f := &frame.FullFrame{
		SrcCallNumber: t.localCall,
		DstCallNumber: t.remoteCall,
		Timestamp:     t.relativeTimestamp(),
		OSeq:          t.oseq,
		ISeq:          iseq,
		Type:          frame.TypeIAXControl,
		Subclass:      uint32(frame.Ack),
	}
	t.mu.Unlock()
	return t.sender.SendFull(addr, f)
}

// sendUnsupport replies to a locally-unrecognized type/subclass pair rather
// than silently dropping it (supplemented feature 7). The reply carries a
// cause-code IE of 0; the offending type and subclass are not included.
func (t *Transaction) sendUnsupport(unsupportedType frame.Type, subclass uint32) error {
	ies := &frame.IEList{}
	ies.AddUint8(frame.TagCauseCode, 0)
	return t.SendControl(frame.TypeIAXControl, frame.Unsupport, ies)
}

// SendMedia sends one media payload (audio or video) for a connected
// transaction: srcTs is the producer's own source timestamp (e.g. an RTP-
// style sample counter), converted to a transaction-relative timestamp via
// the bucket's srcTs formula, then routed through either direct
// mini/meta-video frames or an attached trunk sink (§4.2 "outbound media
// processing", §4.4). mark applies only to video; audio mini frames carry
// no mark bit.
func (t *Transaction) SendMedia(payload []byte, srcTs uint32, format frame.Format, isVideo bool, mark bool) error {
	t.mu.Lock()
	if t.state != StateConnected {
		t.mu.Unlock()
		return ErrTerminated
	}
	bucket := t.audio
	curFormat := t.format
	if isVideo {
		bucket = t.video
		curFormat = t.formatVideo
	}
	localCall := t.localCall
	remoteCall := t.remoteCall
	addr := t.remoteAddr
	trunk := t.trunk
	formatChanged := curFormat != format
	if isVideo {
		t.formatVideo = format
	} else {
		t.format = format
	}
	t.mu.Unlock()

	ts, drop := bucket.nextOutTimestamp(srcTs, time.Now(), uint32(format.SampleMultiplier()))
	if drop {
		bucket.recordDroppedOut(len(payload))
		return nil
	}

	// A format change must be announced on a full voice/video frame so the
	// peer can re-synchronize its decoder; it cannot ride a mini frame.
	if formatChanged {
		full := &frame.FullFrame{
			SrcCallNumber: localCall,
			DstCallNumber: remoteCall,
			Timestamp:     ts,
			Type:          frame.TypeVideo,
			Subclass:      uint32(format),
			Payload:       payload,
		}
		if !isVideo {
			full.Type = frame.TypeVoice
		}
		t.mu.Lock()
		full.OSeq = t.nextOSeq()
		full.ISeq = t.iseq
		t.mu.Unlock()
		if err := t.sender.SendFull(addr, full); err != nil {
			bucket.recordDroppedOut(len(payload))
			return err
		}
		bucket.recordSent(len(payload))
		return nil
	}

	if trunk != nil && trunk.ShouldTrunk(localCall) {
		trunk.AddEntry(localCall, uint16(ts), payload)
		bucket.recordSent(len(payload))
		return nil
	}

	if isVideo {
		ts16 := uint16(ts & 0x7fff)
		f := &frame.MetaVideoFrame{SrcCallNumber: localCall, Mark: mark, Timestamp: ts16, Payload: payload}
		if err := t.sender.SendMetaVideo(addr, f); err != nil {
			bucket.recordDroppedOut(len(payload))
			return err
		}
		bucket.recordSent(len(payload))
		return nil
	}

	f := &frame.MiniFrame{SrcCallNumber: localCall, Timestamp: uint16(ts & 0xffff), Payload: payload}
	if err := t.sender.SendMini(addr, f); err != nil {
		bucket.recordDroppedOut(len(payload))
		return err
	}
	bucket.recordSent(len(payload))
	return nil
}

// Tick drives time-based work: retransmission of unacked full frames and
// give-up-after-budget termination. The engine calls this periodically
// (e.g. once per retrans interval) from its tick loop goroutine.
func (t *Transaction) Tick(now time.Time) {
	t.mu.Lock()
	if t.state == StateTerminated {
		t.mu.Unlock()
		return
	}
	if t.state == StateTerminating {
		// One tick is the whole drain window: whatever duplicate the peer
		// was going to retransmit has had a full retrans interval to arrive
		// and be acked by ProcessFull's Terminating filter.
		t.setState(StateTerminated)
		t.mu.Unlock()
		return
	}
	// Ping-on-idle (§4.2 "Ping"): once nothing has flowed for a full ping
	// interval, send one. needsPing is also gated on our own last Ping so a
	// Tick cadence faster than PingInterval doesn't resend one every call;
	// SendControl's own retransmission queue covers the unacked case.
	needsPing := t.state == StateConnected &&
		now.Sub(t.lastActivity) >= t.cfg.PingInterval &&
		now.Sub(t.lastPingSent) >= t.cfg.PingInterval
	if needsPing {
		t.lastPingSent = now
	}

	var toResend []*frame.FullFrame
	var giveUp bool
	remaining := t.outQueue[:0]
	for _, out := range t.outQueue {
		if now.Sub(out.lastSent) < t.cfg.RetransInterval<<uint(out.retries) {
			remaining = append(remaining, out)
			continue
		}
		if out.retries >= t.cfg.RetransCount {
			giveUp = true
			continue
		}
		out.retries++
		out.lastSent = now
		f := *out.raw
		f.Retransmit = true
		toResend = append(toResend, &f)
		remaining = append(remaining, out)
	}
	t.outQueue = remaining
	addr := t.remoteAddr
	t.mu.Unlock()

	for _, f := range toResend {
		_ = t.sender.SendFull(addr, f)
	}
	if needsPing {
		_ = t.SendControl(frame.TypeIAXControl, frame.Ping, nil)
	}
	if giveUp {
		t.mu.Lock()
		t.setState(StateTerminated)
		t.mu.Unlock()
		t.deliverEvent(Event{Kind: EventTimeout, Final: true})
	}
}
