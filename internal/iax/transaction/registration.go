package transaction

import "github.com/flowpbx/iaxd/internal/iax/frame"

// handleRegAck completes a registration transaction successfully, reporting
// the peer-granted refresh interval so the owning line can schedule its
// next re-register (§4.2 "registration-via-transaction").
func (t *Transaction) handleRegAck(ies *frame.IEList) {
	refresh := 0
	if r, ok := ies.GetUint16(frame.TagRefresh); ok {
		refresh = int(r)
	} else if r, ok := ies.GetUint16(frame.TagExpire); ok {
		refresh = int(r)
	}
	t.mu.Lock()
	t.setState(StateTerminated)
	t.mu.Unlock()
	t.deliverEvent(Event{Kind: EventRegAck, IEs: ies, Refresh: refresh, Final: true})
}

// handleRegRej reports a registration rejection; the owning line decides
// whether and when to retry.
func (t *Transaction) handleRegRej(ies *frame.IEList) {
	cause, _ := ies.GetString(frame.TagCause)
	t.mu.Lock()
	t.setState(StateTerminated)
	t.mu.Unlock()
	t.deliverEvent(Event{Kind: EventRegRej, IEs: ies, Cause: cause, Final: true})
}

// SendRegReq sends the initial registration request for this transaction,
// which must have been constructed with Type() == TypeRegReq.
func (t *Transaction) SendRegReq(username string, requestedRefresh int) error {
	t.mu.Lock()
	t.username = username
	t.setState(StateNewLocalInvite)
	t.mu.Unlock()

	ies := &frame.IEList{}
	ies.AddString(frame.TagUsername, username)
	if requestedRefresh > 0 {
		ies.AddUint16(frame.TagRefresh, uint16(requestedRefresh))
	}
	return t.SendControl(frame.TypeIAXControl, frame.RegReq, ies)
}

// SendRegRel sends a registration release (logout), replacing any
// outstanding registration for this username.
func (t *Transaction) SendRegRel(username string) error {
	t.mu.Lock()
	t.username = username
	t.setState(StateNewLocalInvite)
	t.mu.Unlock()

	ies := &frame.IEList{}
	ies.AddString(frame.TagUsername, username)
	return t.SendControl(frame.TypeIAXControl, frame.RegRel, ies)
}
