package frame

import "encoding/binary"

// FullFrameHeaderLen is the fixed 12-byte header size of a full frame.
const FullFrameHeaderLen = 12

// fullFrameMarker is OR'd into the first 16-bit header field to distinguish
// a full frame from a mini frame on the wire (mini frames have bit15 clear).
const fullFrameMarker = 1 << 15

// retransmitBit is OR'd into the destination-call-number field to mark a
// retransmitted full frame (§4.2 retransmission).
const retransmitBit = 1 << 15

const callNumberMask = 0x7fff

// FullFrame is a decoded reliable IAX2 frame (§3 "Full frame").
type FullFrame struct {
	SrcCallNumber uint16
	DstCallNumber uint16
	Retransmit    bool
	Timestamp     uint32
	OSeq          uint8
	ISeq          uint8
	Type          Type
	Subclass      uint32
	Payload       []byte
}

// EncodeFull serializes a full frame. It fails only if the subclass cannot
// be represented in the single-byte subclass field (§4.1 "Errors").
func EncodeFull(f *FullFrame) ([]byte, error) {
	sc, err := EncodeSubclass(f.Subclass)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, FullFrameHeaderLen+len(f.Payload))
	binary.BigEndian.PutUint16(buf[0:2], fullFrameMarker|(f.SrcCallNumber&callNumberMask))
	dst := f.DstCallNumber & callNumberMask
	if f.Retransmit {
		dst |= retransmitBit
	}
	binary.BigEndian.PutUint16(buf[2:4], dst)
	binary.BigEndian.PutUint32(buf[4:8], f.Timestamp)
	buf[8] = f.OSeq
	buf[9] = f.ISeq
	buf[10] = byte(f.Type)
	buf[11] = sc
	copy(buf[FullFrameHeaderLen:], f.Payload)
	return buf, nil
}

// DecodeFull parses a full frame from data. The caller is expected to have
// already classified data as a full frame (bit15 of the first 16-bit field
// set) via PeekIsFull.
func DecodeFull(data []byte) (*FullFrame, error) {
	if len(data) < FullFrameHeaderLen {
		return nil, ErrShortBuffer
	}
	field0 := binary.BigEndian.Uint16(data[0:2])
	field1 := binary.BigEndian.Uint16(data[2:4])

	f := &FullFrame{
		SrcCallNumber: field0 & callNumberMask,
		DstCallNumber: field1 & callNumberMask,
		Retransmit:    field1&retransmitBit != 0,
		Timestamp:     binary.BigEndian.Uint32(data[4:8]),
		OSeq:          data[8],
		ISeq:          data[9],
		Type:          Type(data[10]),
		Subclass:      DecodeSubclass(data[11]),
	}
	if len(data) > FullFrameHeaderLen {
		f.Payload = append([]byte(nil), data[FullFrameHeaderLen:]...)
	}
	return f, nil
}

// PeekIsFull reports whether the first 16-bit field of data has its high bit
// set, i.e. data is a full frame rather than a mini/meta frame. Used by the
// engine demux (§4.3) before committing to a decode path.
func PeekIsFull(data []byte) bool {
	if len(data) < 2 {
		return false
	}
	return binary.BigEndian.Uint16(data[0:2])&fullFrameMarker != 0
}
