package frame

import "testing"

func TestSubclassRoundTripSmallValues(t *testing.T) {
	for v := uint32(0); v < 0x80; v++ {
		b, err := EncodeSubclass(v)
		if err != nil {
			t.Fatalf("encode %d: %v", v, err)
		}
		if got := DecodeSubclass(b); got != v {
			t.Fatalf("round trip %d: got %d", v, got)
		}
	}
}

func TestSubclassRoundTripPowersOfTwo(t *testing.T) {
	for exp := 0; exp < 31; exp++ {
		v := uint32(1) << uint(exp)
		b, err := EncodeSubclass(v)
		if err != nil {
			t.Fatalf("encode 1<<%d: %v", exp, err)
		}
		if got := DecodeSubclass(b); got != v {
			t.Fatalf("round trip 1<<%d: got %d want %d", exp, got, v)
		}
	}
}

func TestSubclassRejectsUnencodable(t *testing.T) {
	// Not small (>= 0x80), not an exact power of two.
	for _, v := range []uint32{200, 0xff, 1<<20 + 1, 1000} {
		if _, err := EncodeSubclass(v); err != ErrInvalidSubclass {
			t.Fatalf("EncodeSubclass(%d): expected ErrInvalidSubclass, got %v", v, err)
		}
	}
}
