package transaction

import (
	"github.com/flowpbx/iaxd/internal/iax/frame"
)

// dispatchControl advances the state machine for one accepted IAXControl
// full frame and raises the corresponding owner event (§4.2 state table).
// dispatchControl is reached only for in-sequence frames; INVAL never makes
// it here, since ProcessFull terminates on it before the oseq-ordering
// switch runs (§4.2 rule: INVAL carries no sequence number worth trusting).
func (t *Transaction) dispatchControl(f *frame.FullFrame) {
	sub := frame.IAXControlSubclass(f.Subclass)
	ies, _ := frame.DecodeIEList(f.Payload)

	switch sub {
	case frame.New:
		t.handleNew(f, ies)
	case frame.Ping:
		_ = t.SendControl(frame.TypeIAXControl, frame.Pong, nil)
	case frame.Pong:
		// lag/reachability only; nothing to do beyond the activity bump
		// already recorded by ProcessFull.
	case frame.LagRq:
		_ = t.SendControl(frame.TypeIAXControl, frame.LagRp, nil)
	case frame.LagRp:
	case frame.AuthReq:
		t.handleAuthReq(ies)
	case frame.AuthRep:
		t.handleAuthRep(ies)
	case frame.Accept:
		t.handleAccept(ies)
	case frame.Reject:
		t.terminal(EventReject, ies)
	case frame.Hangup:
		t.terminal(EventHangup, ies)
	case frame.RegAck:
		t.handleRegAck(ies)
	case frame.RegRej:
		t.handleRegRej(ies)
	case frame.RegAuth:
		t.handleAuthReq(ies)
	case frame.Ringing:
		t.deliverEvent(Event{Kind: EventRinging, IEs: ies})
	case frame.Proceeding, frame.Progressing:
		t.deliverEvent(Event{Kind: EventProgressing, IEs: ies})
	case frame.Busy:
		t.terminal(EventBusy, ies)
	case frame.Answer:
		t.mu.Lock()
		t.setState(StateConnected)
		t.mu.Unlock()
		t.deliverEvent(Event{Kind: EventAnswer, IEs: ies})
	case frame.Quelch:
		t.deliverEvent(Event{Kind: EventQuelch, IEs: ies})
	case frame.Unquelch:
		t.deliverEvent(Event{Kind: EventUnquelch, IEs: ies})
	case frame.Hold:
		t.deliverEvent(Event{Kind: EventHold, IEs: ies})
	case frame.Unhold:
		t.deliverEvent(Event{Kind: EventUnhold, IEs: ies})
	default:
		_ = t.sendUnsupport(f.Type, f.Subclass)
	}
}

// terminal delivers a final event and moves the transaction into
// StateTerminating rather than straight to StateTerminated: the peer may
// still retransmit the very frame that triggered this (it hasn't seen our
// ack yet), and a late duplicate must not be re-dispatched as a second
// event. Tick finishes the transition to StateTerminated once that
// drain window has passed.
func (t *Transaction) terminal(kind EventKind, ies *frame.IEList) {
	t.mu.Lock()
	t.setState(StateTerminating)
	t.mu.Unlock()
	t.deliverEvent(Event{Kind: kind, IEs: ies, Final: true})
}

func (t *Transaction) handleNew(f *frame.FullFrame, ies *frame.IEList) {
	t.mu.Lock()
	t.remoteCall = f.SrcCallNumber & 0x7fff
	if username, ok := ies.GetString(frame.TagUsername); ok {
		t.username = username
	}
	if cap32, ok := ies.GetUint32(frame.TagCapability); ok {
		t.capability = frame.Format(cap32)
	}
	t.setState(StateNewRemoteInvite)
	t.mu.Unlock()
	t.deliverEvent(Event{Kind: EventNew, IEs: ies})
}

func (t *Transaction) handleAccept(ies *frame.IEList) {
	t.mu.Lock()
	if f32, ok := ies.GetUint32(frame.TagFormat); ok {
		t.format = frame.Format(f32)
	}
	t.setState(StateConnected)
	t.mu.Unlock()
	t.deliverEvent(Event{Kind: EventAccept, IEs: ies})
}
