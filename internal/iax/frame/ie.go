package frame

import (
	"encoding/binary"
	"fmt"
	"net"
)

// Tag identifies one information-element type carried in a full frame's
// payload. Each tag has a fixed semantic type (string, u8/u16/u32/u64,
// binary, or structured address) but the wire encoding itself is generic
// TLV — decode never needs to know a tag's semantic type to round-trip it.
type Tag uint8

const (
	TagUsername Tag = iota + 1
	TagPassword
	TagCalledNumber
	TagCallingNumber
	TagCallingName
	TagContext
	TagFormat
	TagCapability
	TagCallToken
	TagChallenge
	TagMD5Result
	TagCause
	TagCauseCode
	TagRefresh
	TagApparentAddr
	TagExpire
	TagDateTime
	TagVersion
	TagAuthMethods
	TagDPStatus
	TagCallingPres
	TagLanguage
	TagUsernameLen // sentinel, last known tag + 1
)

func (t Tag) String() string {
	names := [...]string{
		"", "USERNAME", "PASSWORD", "CALLED_NUMBER", "CALLING_NUMBER",
		"CALLING_NAME", "CONTEXT", "FORMAT", "CAPABILITY", "CALLTOKEN",
		"CHALLENGE", "MD5_RESULT", "CAUSE", "CAUSECODE", "REFRESH",
		"APPARENT_ADDR", "EXPIRE", "DATETIME", "VERSION", "AUTHMETHODS",
		"DPSTATUS", "CALLINGPRES", "LANGUAGE",
	}
	if int(t) < len(names) {
		return names[t]
	}
	return fmt.Sprintf("TAG(%d)", t)
}

// IE is one decoded {tag, value} pair. The semantic interpretation of Value
// depends on Tag; typed accessors on IEList decode it on demand so that an
// IE this codec doesn't recognize still round-trips byte-for-byte.
type IE struct {
	Tag   Tag
	Value []byte
}

// IEList is an ordered list of information elements as carried in the
// payload of an IAXControl (or similarly-payloaded) full frame. Order is
// preserved across decode/encode; it is only semantically significant when
// a tag repeats.
type IEList struct {
	Items []IE
}

// Add appends a raw IE.
func (l *IEList) Add(tag Tag, value []byte) {
	l.Items = append(l.Items, IE{Tag: tag, Value: append([]byte(nil), value...)})
}

// AddString appends a string-valued IE.
func (l *IEList) AddString(tag Tag, s string) {
	l.Add(tag, []byte(s))
}

// AddUint8 appends a 1-byte numeric IE.
func (l *IEList) AddUint8(tag Tag, v uint8) {
	l.Add(tag, []byte{v})
}

// AddUint16 appends a 2-byte big-endian numeric IE.
func (l *IEList) AddUint16(tag Tag, v uint16) {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	l.Add(tag, b)
}

// AddUint32 appends a 4-byte big-endian numeric IE.
func (l *IEList) AddUint32(tag Tag, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	l.Add(tag, b)
}

// AddUint64 appends an 8-byte big-endian numeric IE.
func (l *IEList) AddUint64(tag Tag, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	l.Add(tag, b)
}

// AddAddress appends a structured APPARENT_ADDR-style IE: a 2-byte address
// family (always AF_INET here — §1 excludes any transport but UDP/IPv4), the
// 2-byte port, and the 4-byte IPv4 address, matching the sockaddr_in layout
// the original protocol serializes.
func (l *IEList) AddAddress(tag Tag, addr *net.UDPAddr) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint16(b[0:2], 2) // AF_INET
	binary.BigEndian.PutUint16(b[2:4], uint16(addr.Port))
	ip4 := addr.IP.To4()
	if ip4 == nil {
		ip4 = net.IPv4zero.To4()
	}
	copy(b[4:8], ip4)
	l.Add(tag, b)
}

// Get returns the value of the first IE with the given tag.
func (l *IEList) Get(tag Tag) ([]byte, bool) {
	for _, ie := range l.Items {
		if ie.Tag == tag {
			return ie.Value, true
		}
	}
	return nil, false
}

// All returns the values of every IE with the given tag, in order.
func (l *IEList) All(tag Tag) [][]byte {
	var out [][]byte
	for _, ie := range l.Items {
		if ie.Tag == tag {
			out = append(out, ie.Value)
		}
	}
	return out
}

// GetString returns the first IE with the tag, decoded as a string.
func (l *IEList) GetString(tag Tag) (string, bool) {
	v, ok := l.Get(tag)
	if !ok {
		return "", false
	}
	return string(v), true
}

// GetUint8 decodes a 1-byte numeric IE.
func (l *IEList) GetUint8(tag Tag) (uint8, bool) {
	v, ok := l.Get(tag)
	if !ok || len(v) < 1 {
		return 0, false
	}
	return v[0], true
}

// GetUint16 decodes a 2-byte big-endian numeric IE.
func (l *IEList) GetUint16(tag Tag) (uint16, bool) {
	v, ok := l.Get(tag)
	if !ok || len(v) < 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16(v), true
}

// GetUint32 decodes a 4-byte big-endian numeric IE.
func (l *IEList) GetUint32(tag Tag) (uint32, bool) {
	v, ok := l.Get(tag)
	if !ok || len(v) < 4 {
		return 0, false
	}
	return binary.BigEndian.Uint32(v), true
}

// GetAddress decodes an APPARENT_ADDR-style IE.
func (l *IEList) GetAddress(tag Tag) (*net.UDPAddr, bool) {
	v, ok := l.Get(tag)
	if !ok || len(v) < 8 {
		return nil, false
	}
	port := binary.BigEndian.Uint16(v[2:4])
	ip := net.IPv4(v[4], v[5], v[6], v[7])
	return &net.UDPAddr{IP: ip, Port: int(port)}, true
}

// EncodeIEList serializes the list as a sequence of {tag:1, length:1,
// value[length]} entries. An IE whose value is longer than 255 bytes cannot
// be represented and is truncated to fit — callers building CALLER-ID or
// similar long strings are expected to keep them under the limit themselves.
func EncodeIEList(l *IEList) []byte {
	var out []byte
	for _, ie := range l.Items {
		v := ie.Value
		if len(v) > 0xff {
			v = v[:0xff]
		}
		out = append(out, byte(ie.Tag), byte(len(v)))
		out = append(out, v...)
	}
	return out
}

// DecodeIEList parses a payload into an ordered IE list. Unknown tags are
// not an error: they are preserved as opaque {tag, value} pairs so they
// round-trip through encode unchanged.
func DecodeIEList(data []byte) (*IEList, error) {
	l := &IEList{}
	for len(data) > 0 {
		if len(data) < 2 {
			return nil, ErrShortBuffer
		}
		tag := Tag(data[0])
		n := int(data[1])
		data = data[2:]
		if len(data) < n {
			return nil, ErrShortBuffer
		}
		l.Add(tag, data[:n])
		data = data[n:]
	}
	if v, ok := l.GetUint16(TagVersion); ok && v != SupportedVersion {
		return nil, ErrBadVersion
	}
	return l, nil
}
