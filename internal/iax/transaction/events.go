package transaction

import "github.com/flowpbx/iaxd/internal/iax/frame"

// EventKind enumerates the call-progress and control notifications a
// transaction raises toward its owner (§6 "CallOwner").
type EventKind int

const (
	EventNew EventKind = iota
	EventAccept
	EventAuthRequested
	EventAuthReply
	EventAnswer
	EventRinging
	EventProgressing
	EventBusy
	EventHold
	EventUnhold
	EventQuelch
	EventUnquelch
	EventDTMF
	EventText
	EventNoise
	EventReject
	EventHangup
	EventTimeout
	EventRegAck
	EventRegRej
	EventTerminated
)

func (k EventKind) String() string {
	names := [...]string{
		"New", "Accept", "AuthRequested", "AuthReply", "Answer", "Ringing",
		"Progressing", "Busy", "Hold", "Unhold", "Quelch", "Unquelch", "DTMF",
		"Text", "Noise", "Reject", "Hangup", "Timeout", "RegAck", "RegRej",
		"Terminated",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "Unknown"
}

// Event is a single notification delivered synchronously to a transaction's
// owner from the worker goroutine that processed the triggering frame.
type Event struct {
	Kind     EventKind
	Subclass frame.IAXControlSubclass
	IEs      *frame.IEList
	DTMF     byte
	Text     string
	Refresh  int  // seconds granted/requested, valid for EventRegAck/EventRegRej
	Cause    string
	Final    bool // true once no further events will follow (Hangup/Reject/Timeout/Terminated)
}
