package frame

import "encoding/binary"

// metaTrunkSecondField is the literal second 16-bit field (\x00\x01) that
// marks a meta-trunk frame, following the shared \x00\x00 first field.
const metaTrunkSecondField = 0x0001

// metaTrunkHeaderLen is the fixed 9-byte header before the entry list:
// marker(2) + \x00\x01 field(2) + flags(1) + trunk timestamp(4).
const metaTrunkHeaderLen = 2 + 2 + 1 + 4

// TrunkTimestampFlag is bit 0 of the meta-trunk flags byte: when set, every
// entry carries its own 16-bit per-mini timestamp; when clear, all entries
// share the frame's trunk timestamp.
const TrunkTimestampFlag = 1 << 0

// TrunkEntry is one call's contribution to an aggregated meta-trunk frame.
type TrunkEntry struct {
	CallNumber uint16
	Timestamp  uint16 // only meaningful when the frame carries per-entry timestamps
	Payload    []byte
}

// MetaTrunkFrame aggregates several calls' media toward one peer in a single
// UDP datagram (§3 "Meta trunk frame", §4.4 "Trunk frame").
type MetaTrunkFrame struct {
	Timestamp      uint32
	HasTimestamps  bool
	Entries        []TrunkEntry
}

// IsMetaTrunk reports whether data begins with the \x00\x00 \x00\x01 marker
// pair that identifies a meta-trunk frame.
func IsMetaTrunk(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	return binary.BigEndian.Uint16(data[0:2]) == metaMarker &&
		binary.BigEndian.Uint16(data[2:4]) == metaTrunkSecondField
}

// EncodeMetaTrunk serializes a meta-trunk frame.
func EncodeMetaTrunk(f *MetaTrunkFrame) []byte {
	size := metaTrunkHeaderLen
	for _, e := range f.Entries {
		size += 2 + 2 + len(e.Payload) // call(2) + length(2) + payload
		if f.HasTimestamps {
			size += 2
		}
	}
	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], metaMarker)
	binary.BigEndian.PutUint16(buf[2:4], metaTrunkSecondField)
	flags := byte(0)
	if f.HasTimestamps {
		flags |= TrunkTimestampFlag
	}
	buf[4] = flags
	binary.BigEndian.PutUint32(buf[5:9], f.Timestamp)

	off := metaTrunkHeaderLen
	for _, e := range f.Entries {
		binary.BigEndian.PutUint16(buf[off:off+2], e.CallNumber&callNumberMask)
		off += 2
		if f.HasTimestamps {
			binary.BigEndian.PutUint16(buf[off:off+2], e.Timestamp)
			off += 2
		}
		binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(e.Payload)))
		off += 2
		copy(buf[off:], e.Payload)
		off += len(e.Payload)
	}
	return buf
}

// DecodeMetaTrunk parses a meta-trunk frame, splitting it into its
// constituent per-call entries.
func DecodeMetaTrunk(data []byte) (*MetaTrunkFrame, error) {
	if len(data) < metaTrunkHeaderLen {
		return nil, ErrShortBuffer
	}
	flags := data[4]
	f := &MetaTrunkFrame{
		Timestamp:     binary.BigEndian.Uint32(data[5:9]),
		HasTimestamps: flags&TrunkTimestampFlag != 0,
	}

	rest := data[metaTrunkHeaderLen:]
	for len(rest) > 0 {
		entryHeaderLen := 4
		if f.HasTimestamps {
			entryHeaderLen = 6
		}
		if len(rest) < entryHeaderLen {
			return nil, ErrShortBuffer
		}
		e := TrunkEntry{CallNumber: binary.BigEndian.Uint16(rest[0:2]) & callNumberMask}
		off := 2
		if f.HasTimestamps {
			e.Timestamp = binary.BigEndian.Uint16(rest[2:4])
			off = 4
		}
		length := int(binary.BigEndian.Uint16(rest[off : off+2]))
		off += 2
		if len(rest) < off+length {
			return nil, ErrShortBuffer
		}
		e.Payload = append([]byte(nil), rest[off:off+length]...)
		f.Entries = append(f.Entries, e)
		rest = rest[off+length:]
	}
	return f, nil
}
