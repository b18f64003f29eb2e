package frame

import "encoding/binary"

// MiniFrameHeaderLen is the fixed 4-byte header size of a mini frame.
const MiniFrameHeaderLen = 4

// MiniFrame is an unreliable audio frame carrying a truncated 16-bit
// timestamp and no sequence numbers (§3 "Mini frame").
type MiniFrame struct {
	SrcCallNumber uint16
	Timestamp     uint16
	Payload       []byte
}

// EncodeMini serializes a mini frame.
func EncodeMini(f *MiniFrame) []byte {
	buf := make([]byte, MiniFrameHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], f.SrcCallNumber&callNumberMask)
	binary.BigEndian.PutUint16(buf[2:4], f.Timestamp)
	copy(buf[MiniFrameHeaderLen:], f.Payload)
	return buf
}

// DecodeMini parses a mini frame. Caller must have already established
// data is not a full frame and not the \x00\x00 meta marker.
func DecodeMini(data []byte) (*MiniFrame, error) {
	if len(data) < MiniFrameHeaderLen {
		return nil, ErrShortBuffer
	}
	f := &MiniFrame{
		SrcCallNumber: binary.BigEndian.Uint16(data[0:2]) & callNumberMask,
		Timestamp:     binary.BigEndian.Uint16(data[2:4]),
	}
	if len(data) > MiniFrameHeaderLen {
		f.Payload = append([]byte(nil), data[MiniFrameHeaderLen:]...)
	}
	return f, nil
}

// metaMarker is the literal \x00\x00 first field shared by meta-video and
// meta-trunk frames, distinguishing them from an ordinary mini frame whose
// source call number happens not to collide — call number 0 is reserved
// (§3), so this bit pattern can never be a legitimate mini frame.
const metaMarker = 0x0000

// MetaVideoHeaderLen is the fixed 6-byte header size of a meta-video frame.
const MetaVideoHeaderLen = 6

// metaVideoBit marks the second 16-bit field of a meta-video frame (as
// opposed to the \x00\x01 second-field marker a meta-trunk frame uses).
const metaVideoBit = 1 << 15

// metaMarkBit is OR'd into the third 16-bit field to carry the mark flag.
const metaMarkBit = 1 << 15
const videoCallMask = 0x7fff
const videoTsMask = 0x7fff

// MetaVideoFrame is a video packet tagged with source call number, a
// truncated 15-bit timestamp, and a mark bit (§3 "Meta video frame").
type MetaVideoFrame struct {
	SrcCallNumber uint16
	Mark          bool
	Timestamp     uint16
	Payload       []byte
}

// IsMetaVideo reports whether data begins with the \x00\x00 meta marker
// followed by a second field with the video bit set, i.e. data is a
// meta-video frame rather than a meta-trunk frame.
func IsMetaVideo(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if binary.BigEndian.Uint16(data[0:2]) != metaMarker {
		return false
	}
	return binary.BigEndian.Uint16(data[2:4])&metaVideoBit != 0
}

// EncodeMetaVideo serializes a meta-video frame.
func EncodeMetaVideo(f *MetaVideoFrame) []byte {
	buf := make([]byte, MetaVideoHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], metaMarker)
	binary.BigEndian.PutUint16(buf[2:4], metaVideoBit|(f.SrcCallNumber&videoCallMask))
	ts := f.Timestamp & videoTsMask
	if f.Mark {
		ts |= metaMarkBit
	}
	binary.BigEndian.PutUint16(buf[4:6], ts)
	copy(buf[MetaVideoHeaderLen:], f.Payload)
	return buf
}

// DecodeMetaVideo parses a meta-video frame.
func DecodeMetaVideo(data []byte) (*MetaVideoFrame, error) {
	if len(data) < MetaVideoHeaderLen {
		return nil, ErrShortBuffer
	}
	field1 := binary.BigEndian.Uint16(data[2:4])
	field2 := binary.BigEndian.Uint16(data[4:6])
	f := &MetaVideoFrame{
		SrcCallNumber: field1 & videoCallMask,
		Mark:          field2&metaMarkBit != 0,
		Timestamp:     field2 & videoTsMask,
	}
	if len(data) > MetaVideoHeaderLen {
		f.Payload = append([]byte(nil), data[MetaVideoHeaderLen:]...)
	}
	return f, nil
}
