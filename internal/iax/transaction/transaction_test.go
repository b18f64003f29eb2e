package transaction

import (
	"net"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/iaxd/internal/iax/frame"
	"github.com/flowpbx/iaxd/internal/iax/hostiface"
	"github.com/stretchr/testify/require"
)

// fakeSender records every frame sent through it, for assertions, and
// supports simple peer simulation where useful.
type fakeSender struct {
	mu    sync.Mutex
	full  []*frame.FullFrame
	mini  []*frame.MiniFrame
	video []*frame.MetaVideoFrame
}

func (f *fakeSender) SendFull(addr *net.UDPAddr, fr *frame.FullFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *fr
	f.full = append(f.full, &cp)
	return nil
}

func (f *fakeSender) SendMini(addr *net.UDPAddr, fr *frame.MiniFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mini = append(f.mini, fr)
	return nil
}

func (f *fakeSender) SendMetaVideo(addr *net.UDPAddr, fr *frame.MetaVideoFrame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.video = append(f.video, fr)
	return nil
}

func (f *fakeSender) lastFull() *frame.FullFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.full) == 0 {
		return nil
	}
	return f.full[len(f.full)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.full)
}

func testAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("192.0.2.1"), Port: 4569}
}

func TestSendControlAssignsMonotonicSequence(t *testing.T) {
	s := &fakeSender{}
	tx := New(TypeNew, 7, testAddr(), s, DefaultConfig())

	require.NoError(t, tx.SendControl(frame.TypeIAXControl, frame.New, nil))
	require.NoError(t, tx.SendControl(frame.TypeIAXControl, frame.Ping, nil))

	require.Len(t, s.full, 2)
	require.EqualValues(t, 0, s.full[0].OSeq)
	require.EqualValues(t, 1, s.full[1].OSeq)
}

func TestProcessFullImplicitAckDrainsOutQueue(t *testing.T) {
	s := &fakeSender{}
	tx := New(TypeNew, 7, testAddr(), s, DefaultConfig())
	require.NoError(t, tx.SendControl(frame.TypeIAXControl, frame.New, nil))
	require.NoError(t, tx.SendControl(frame.TypeIAXControl, frame.Ping, nil))
	require.Len(t, tx.outQueue, 2)

	// Peer's ISeq=2 implicitly acknowledges both of our frames (seq 0, 1).
	tx.ProcessFull(&frame.FullFrame{
		SrcCallNumber: tx.RemoteCall(),
		DstCallNumber: tx.LocalCall(),
		OSeq:          0,
		ISeq:          2,
		Type:          frame.TypeIAXControl,
		Subclass:      uint32(frame.Accept),
	})

	require.Empty(t, tx.outQueue)
}

func TestProcessFullOutOfOrderTriggersVNAK(t *testing.T) {
	s := &fakeSender{}
	tx := New(TypeNew, 7, testAddr(), s, DefaultConfig())

	// Peer sends OSeq=1 while we expect 0: a gap.
	tx.ProcessFull(&frame.FullFrame{
		OSeq: 1, ISeq: 0, Type: frame.TypeIAXControl, Subclass: uint32(frame.Ringing),
	})

	last := s.lastFull()
	require.NotNil(t, last)
	require.Equal(t, frame.IAXControlSubclass(frame.VNAK), frame.IAXControlSubclass(last.Subclass))
	require.EqualValues(t, 0, tx.iseq, "iseq must not advance on a gap")
}

func TestProcessFullDuplicateIsReAcked(t *testing.T) {
	s := &fakeSender{}
	tx := New(TypeNew, 7, testAddr(), s, DefaultConfig())

	f := &frame.FullFrame{OSeq: 0, ISeq: 0, Type: frame.TypeIAXControl, Subclass: uint32(frame.New)}
	tx.ProcessFull(f)
	require.EqualValues(t, 1, tx.iseq)

	before := s.count()
	tx.ProcessFull(f) // re-delivery of the same frame (peer never saw our ack)
	require.EqualValues(t, 1, tx.iseq, "duplicate must not advance iseq again")
	require.Greater(t, s.count(), before, "duplicate must still be acked")
}

func TestVNAKTriggersRetransmitFromSeq(t *testing.T) {
	s := &fakeSender{}
	tx := New(TypeNew, 7, testAddr(), s, DefaultConfig())
	require.NoError(t, tx.SendControl(frame.TypeIAXControl, frame.New, nil))
	require.NoError(t, tx.SendControl(frame.TypeIAXControl, frame.Ping, nil))
	require.NoError(t, tx.SendControl(frame.TypeIAXControl, frame.LagRq, nil))
	before := s.count()

	tx.ProcessFull(&frame.FullFrame{
		OSeq: 0, ISeq: 1, // peer saw our seq 0, asks us to resend from seq 1
		Type: frame.TypeIAXControl, Subclass: uint32(frame.VNAK),
	})

	after := s.count()
	require.Equal(t, 2, after-before, "expects retransmission of seq 1 and seq 2")
}

func TestTickRetransmitsThenGivesUp(t *testing.T) {
	s := &fakeSender{}
	cfg := DefaultConfig()
	cfg.RetransInterval = time.Millisecond
	cfg.RetransCount = 2
	tx := New(TypeNew, 7, testAddr(), s, cfg)
	require.NoError(t, tx.SendControl(frame.TypeIAXControl, frame.New, nil))

	now := time.Now()
	tx.Tick(now.Add(10 * time.Millisecond))
	require.Equal(t, 2, s.count(), "first retransmission")

	tx.Tick(now.Add(40 * time.Millisecond))
	require.Equal(t, 3, s.count(), "second retransmission")

	tx.Tick(now.Add(400 * time.Millisecond))
	require.Equal(t, StateTerminated, tx.State())
}

func TestSendMediaDropsWhenNotConnected(t *testing.T) {
	s := &fakeSender{}
	tx := New(TypeNew, 7, testAddr(), s, DefaultConfig())
	err := tx.SendMedia([]byte{1, 2, 3}, 0, frame.FormatULaw, false, false)
	require.ErrorIs(t, err, ErrTerminated)
}

func TestSendMediaFormatChangePromotesToFullFrame(t *testing.T) {
	s := &fakeSender{}
	tx := New(TypeNew, 7, testAddr(), s, DefaultConfig())
	tx.mu.Lock()
	tx.setState(StateConnected)
	tx.mu.Unlock()

	require.NoError(t, tx.SendMedia([]byte("hello"), 0, frame.FormatULaw, false, false))
	require.Len(t, s.full, 1, "first frame on a bucket is always a format change")
	require.Empty(t, s.mini)

	require.NoError(t, tx.SendMedia([]byte("world"), 1280, frame.FormatULaw, false, false))
	require.Len(t, s.mini, 1, "same format goes out as a mini frame")
}

// TestSendMediaSoloCallBypassesTrunkUnderEfficientUse covers §4.4's
// efficient-use rule directly through SendMedia: a transaction attached to
// a trunk with no one else sharing it must still emit its own mini frames.
func TestSendMediaSoloCallBypassesTrunkUnderEfficientUse(t *testing.T) {
	s := &fakeSender{}
	tx := New(TypeNew, 7, testAddr(), s, DefaultConfig())
	tx.mu.Lock()
	tx.setState(StateConnected)
	tx.mu.Unlock()

	trunk := &fakeTrunkSink{solo: true}
	tx.EnableTrunking(trunk)

	require.NoError(t, tx.SendMedia([]byte("hello"), 0, frame.FormatULaw, false, false))
	require.NoError(t, tx.SendMedia([]byte("world"), 1280, frame.FormatULaw, false, false))
	require.Len(t, s.mini, 1, "solo call sends its own mini frame rather than waiting on a trunk")
	require.Empty(t, trunk.entries)
}

type fakeTrunkSink struct {
	solo    bool
	entries []uint16
}

func (f *fakeTrunkSink) AddEntry(callNumber uint16, timestamp uint16, payload []byte) {
	f.entries = append(f.entries, callNumber)
}

func (f *fakeTrunkSink) ShouldTrunk(callNumber uint16) bool {
	return !f.solo
}

type recordingOwner struct {
	events []Event
}

func (o *recordingOwner) HandleEvent(ev any) {
	o.events = append(o.events, ev.(Event))
}

func TestNewFrameTransitionsToRemoteInviteAndDeliversEvent(t *testing.T) {
	s := &fakeSender{}
	tx := New(TypeNew, 7, testAddr(), s, DefaultConfig())

	owner := &recordingOwner{}
	var ownerIface hostiface.CallOwner = owner
	tx.SetOwner(&ownerIface)

	ies := &frame.IEList{}
	ies.AddString(frame.TagUsername, "alice")
	tx.ProcessFull(&frame.FullFrame{
		OSeq: 0, ISeq: 0, Type: frame.TypeIAXControl, Subclass: uint32(frame.New),
		Payload: frame.EncodeIEList(ies),
	})

	require.Equal(t, StateNewRemoteInvite, tx.State())
	require.Len(t, owner.events, 1)
	require.Equal(t, EventNew, owner.events[0].Kind)
	runtime.KeepAlive(&ownerIface)
}
