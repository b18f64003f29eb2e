package frame

import "math/bits"

// EncodeSubclass packs v into the 8-bit full-frame subclass octet. Values
// below 128 are encoded literally. Values that are an exact power of two and
// fit within [0, 2^31) are encoded as 0x80 | log2(v) — this is how codec
// formats as large as bit 30 survive a single byte. Any other value (not
// small, not an exact power of two) is rejected: the wire format has no
// lossless encoding for it.
func EncodeSubclass(v uint32) (byte, error) {
	if v < 0x80 {
		return byte(v), nil
	}
	if v != 0 && v&(v-1) == 0 {
		exp := bits.TrailingZeros32(v)
		if exp <= 0x7f {
			return 0x80 | byte(exp), nil
		}
	}
	return 0, ErrInvalidSubclass
}

// DecodeSubclass inverts EncodeSubclass.
func DecodeSubclass(b byte) uint32 {
	if b&0x80 != 0 {
		return 1 << (b & 0x7f)
	}
	return uint32(b & 0x7f)
}
