package transaction

import (
	"testing"
	"time"
)

func TestReconstructTimestampWraps(t *testing.T) {
	// Worked example from the spec's own testable properties: mini
	// timestamps 0xFFE0, 0xFFF0, 0x0010, 0x0030 reconstruct against a
	// 16-bit range to 0xFFE0, 0xFFF0, 0x10010, 0x10030.
	last := uint32(0)
	truncated := []uint32{0xFFE0, 0xFFF0, 0x0010, 0x0030}
	want := []uint32{0xFFE0, 0xFFF0, 0x10010, 0x10030}

	for i, tr := range truncated {
		got := reconstructTimestamp(last, tr, 16)
		if got != want[i] {
			t.Fatalf("step %d: reconstructTimestamp(%#x, %#x, 16) = %#x, want %#x", i, last, tr, got, want[i])
		}
		last = got
	}
}

func TestReconstructTimestampNoWrapOnSmallForwardStep(t *testing.T) {
	got := reconstructTimestamp(1000, 1010, 16)
	if got != 1010 {
		t.Fatalf("got %d, want 1010", got)
	}
}

func TestMediaBucketReconstructInboundDetectsOutOfOrder(t *testing.T) {
	b := newMediaBucket(16)

	ts1, ooo1 := b.reconstructInbound(1000, 160)
	if ooo1 || ts1 != 1000 {
		t.Fatalf("first frame: ts=%d ooo=%v", ts1, ooo1)
	}
	ts2, ooo2 := b.reconstructInbound(1160, 160)
	if ooo2 || ts2 != 1160 {
		t.Fatalf("second frame: ts=%d ooo=%v", ts2, ooo2)
	}
	// A frame stamped earlier than the last accepted one arrives late.
	ts3, ooo3 := b.reconstructInbound(1080, 160)
	if !ooo3 {
		t.Fatalf("expected out-of-order detection, got ts=%d ooo=%v", ts3, ooo3)
	}
	if b.recvFrames != 2 {
		t.Fatalf("out-of-order frame must not be counted as received: recvFrames=%d", b.recvFrames)
	}
}

func TestMediaBucketOutboundTimestampMonotonic(t *testing.T) {
	b := newMediaBucket(16)
	now := time.Now()
	first, drop := b.nextOutTimestamp(0, now, 1)
	if drop || first != 0 {
		t.Fatalf("first outbound timestamp should be 0, got %d drop=%v", first, drop)
	}
	second, drop := b.nextOutTimestamp(0, now, 1) // same instant: must still advance
	if drop || second <= first {
		t.Fatalf("timestamps must be strictly increasing: %d then %d", first, second)
	}
}

// TestMediaBucketOutboundSourceTimestampScenario is the spec's own S3
// scenario: one audio full frame followed by four mini frames at 8kHz
// source-timestamps 0, 160, 320, 480, 640 must reconstruct to the same
// values on the wire side of the srcTs formula. srcTs is expressed in
// samples (8 per ms at 8kHz, frame.FormatULaw.SampleMultiplier()), so the
// wall clock advances in lockstep with the expected millisecond output.
func TestMediaBucketOutboundSourceTimestampScenario(t *testing.T) {
	b := newMediaBucket(16)
	start := time.Now()
	const multiplier = 8 // frame.FormatULaw.SampleMultiplier()

	wantMs := []uint32{0, 160, 320, 480, 640}
	for i, ms := range wantMs {
		srcTs := ms * multiplier
		now := start.Add(time.Duration(ms) * time.Millisecond)
		ts, drop := b.nextOutTimestamp(srcTs, now, multiplier)
		if drop {
			t.Fatalf("step %d: unexpected drop", i)
		}
		if ts != ms {
			t.Fatalf("step %d: nextOutTimestamp(srcTs=%d) = %d, want %d", i, srcTs, ts, ms)
		}
	}
}
