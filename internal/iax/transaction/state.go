// Package transaction implements the per-call IAX2 protocol state machine:
// sequence-number reliability, authentication, registration, and media
// timestamp adjustment (§4.2 of the spec).
package transaction

// State is one node of the per-call state machine (§3, §4.2).
type State int

const (
	StateUnknown State = iota
	StateNewLocalInvite
	StateNewLocalInviteAuthRecv
	StateNewLocalInviteRepSent
	StateNewRemoteInvite
	StateNewRemoteInviteAuthSent
	StateNewRemoteInviteRepRecv
	StateConnected
	StateTerminating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateNewLocalInvite:
		return "NewLocalInvite"
	case StateNewLocalInviteAuthRecv:
		return "NewLocalInvite_AuthRecv"
	case StateNewLocalInviteRepSent:
		return "NewLocalInvite_RepSent"
	case StateNewRemoteInvite:
		return "NewRemoteInvite"
	case StateNewRemoteInviteAuthSent:
		return "NewRemoteInvite_AuthSent"
	case StateNewRemoteInviteRepRecv:
		return "NewRemoteInvite_RepRecv"
	case StateConnected:
		return "Connected"
	case StateTerminating:
		return "Terminating"
	case StateTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Type distinguishes what kind of exchange a transaction carries — a call
// setup, a registration, or a keepalive poke (§3 "Transaction").
type Type int

const (
	TypeNew Type = iota
	TypeRegReq
	TypeRegRel
	TypePoke
)

func (t Type) String() string {
	switch t {
	case TypeNew:
		return "New"
	case TypeRegReq:
		return "RegReq"
	case TypeRegRel:
		return "RegRel"
	case TypePoke:
		return "Poke"
	default:
		return "Unknown"
	}
}
