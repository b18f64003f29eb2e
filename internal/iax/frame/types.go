// Package frame implements the IAX2 wire codec: full frames, mini frames,
// meta-video frames, meta-trunk frames, and the information-element (IE)
// lists carried in full-frame payloads.
package frame

// Type is the IAX2 full-frame type octet.
type Type uint8

const (
	TypeDTMF Type = iota + 1
	TypeVoice
	TypeVideo
	TypeControl
	TypeNull
	TypeIAXControl
	TypeText
	TypeImage
	TypeHTML
	TypeNoise
)

func (t Type) String() string {
	switch t {
	case TypeDTMF:
		return "DTMF"
	case TypeVoice:
		return "Voice"
	case TypeVideo:
		return "Video"
	case TypeControl:
		return "Control"
	case TypeNull:
		return "Null"
	case TypeIAXControl:
		return "IAXControl"
	case TypeText:
		return "Text"
	case TypeImage:
		return "Image"
	case TypeHTML:
		return "HTML"
	case TypeNoise:
		return "Noise"
	default:
		return "Unknown"
	}
}

// Subclass is the decoded (post power-of-two-exponent) subclass value of a
// full frame. For IAXControl frames it is one of the IAXControlSubclass
// constants below; for Voice/Video frames it is a codec format bitmask.
type Subclass uint32

// IAXControlSubclass enumerates the subclass values carried by TypeIAXControl
// full frames — these are the events that drive the transaction state
// machine in §4.2 of the spec.
const (
	New IAXControlSubclass = iota + 1
	Ping
	Pong
	Ack
	Hangup
	Reject
	Accept
	AuthReq
	AuthRep
	Inval
	LagRq
	LagRp
	RegReq
	RegAuth
	RegAck
	RegRej
	RegRel
	VNAK
	DpReq
	DpRep
	Dial
	TxReq
	TxCnt
	TxAcc
	TxReady
	TxRel
	TxRej
	Quelch
	Unquelch
	Poke
	Unsupport
	Ringing
	Answer
	Busy
	Progressing
	Proceeding
	Hold
	Unhold
	Congestion
	FlashHook
	Option
	KeyRadio
	MWI
)

// IAXControlSubclass is the subclass space for TypeIAXControl frames.
type IAXControlSubclass uint32

func (s IAXControlSubclass) String() string {
	names := map[IAXControlSubclass]string{
		New: "New", Ping: "Ping", Pong: "Pong", Ack: "Ack", Hangup: "Hangup",
		Reject: "Reject", Accept: "Accept", AuthReq: "AuthReq", AuthRep: "AuthRep",
		Inval: "Inval", LagRq: "LagRq", LagRp: "LagRp", RegReq: "RegReq",
		RegAuth: "RegAuth", RegAck: "RegAck", RegRej: "RegRej", RegRel: "RegRel",
		VNAK: "VNAK", DpReq: "DpReq", DpRep: "DpRep", Dial: "Dial",
		TxReq: "TxReq", TxCnt: "TxCnt", TxAcc: "TxAcc", TxReady: "TxReady",
		TxRel: "TxRel", TxRej: "TxRej", Quelch: "Quelch", Unquelch: "Unquelch",
		Poke: "Poke", Unsupport: "Unsupport", Ringing: "Ringing", Answer: "Answer",
		Busy: "Busy", Progressing: "Progressing", Proceeding: "Proceeding",
		Hold: "Hold", Unhold: "Unhold", Congestion: "Congestion",
		FlashHook: "FlashHook", Option: "Option", KeyRadio: "KeyRadio", MWI: "MWI",
	}
	if n, ok := names[s]; ok {
		return n
	}
	return "Unknown"
}

// Format is a codec capability/format bitmask. Audio formats occupy the low
// bits, video formats the high bits (mirroring the original protocol's
// packing of audio and video capability into one 32-bit field).
type Format uint32

// Well-known audio formats. Values are powers of two so they survive the
// subclass exponent encoding in full Voice frames.
const (
	FormatULaw Format = 1 << iota
	FormatALaw
	FormatGSM
	FormatG729
	FormatSpeex
	FormatG722
)

// Well-known video formats, occupying bit 18 upward as the original protocol
// does to keep them out of the audio bit range.
const (
	FormatH261 Format = 1 << (18 + iota)
	FormatH263
	FormatH264
)

// SampleMultiplier returns the per-format timestamp-to-sample-rate divisor
// used when converting a producer's source timestamp into a transaction-
// relative one (§4.2 outbound media path). 8kHz audio formats divide by 8;
// wideband formats divide by 16.
func (f Format) SampleMultiplier() int {
	switch f {
	case FormatG722:
		return 16
	default:
		return 8
	}
}
