package line

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/flowpbx/iaxd/internal/iax/frame"
	"github.com/flowpbx/iaxd/internal/iax/transaction"
	"github.com/stretchr/testify/require"
)

// fakeSender is a transaction.Sender that records sent frames and lets a
// test simulate server replies by decoding what was sent.
type fakeSender struct {
	mu   sync.Mutex
	full []*frame.FullFrame
}

func (f *fakeSender) SendFull(addr *net.UDPAddr, fr *frame.FullFrame) error {
	f.mu.Lock()
	cp := *fr
	f.full = append(f.full, &cp)
	f.mu.Unlock()
	return nil
}
func (f *fakeSender) SendMini(addr *net.UDPAddr, fr *frame.MiniFrame) error           { return nil }
func (f *fakeSender) SendMetaVideo(addr *net.UDPAddr, fr *frame.MetaVideoFrame) error { return nil }

func (f *fakeSender) last() *frame.FullFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.full[len(f.full)-1]
}

// fakeFactory hands out transactions backed by a single shared fakeSender,
// standing in for engine.Engine in these tests.
type fakeFactory struct {
	mu        sync.Mutex
	sender    *fakeSender
	lastCall  uint16
	datagrams int
}

func (ff *fakeFactory) NewOutboundTransaction(typ transaction.Type, addr *net.UDPAddr) (*transaction.Transaction, error) {
	ff.lastCall++
	return transaction.New(typ, ff.lastCall, addr, ff.sender, transaction.DefaultConfig()), nil
}
func (ff *fakeFactory) Forget(tx *transaction.Transaction) {}

func (ff *fakeFactory) SendDatagram(addr *net.UDPAddr, data []byte) error {
	ff.mu.Lock()
	ff.datagrams++
	ff.mu.Unlock()
	return nil
}

type fakeLineOwner struct {
	mu           sync.Mutex
	registered   []int
	rejected     []string
	unregistered []string
}

func (o *fakeLineOwner) LineRegistered(refresh int) {
	o.mu.Lock()
	o.registered = append(o.registered, refresh)
	o.mu.Unlock()
}
func (o *fakeLineOwner) LineRejected(cause string) {
	o.mu.Lock()
	o.rejected = append(o.rejected, cause)
	o.mu.Unlock()
}
func (o *fakeLineOwner) LineUnregistered(reason string) {
	o.mu.Lock()
	o.unregistered = append(o.unregistered, reason)
	o.mu.Unlock()
}

func serverAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("198.51.100.1"), Port: 4569}
}

func TestLoginSendsRegReqAndRegAckRegistersLine(t *testing.T) {
	sender := &fakeSender{}
	factory := &fakeFactory{sender: sender}
	owner := &fakeLineOwner{}
	l := New("alice", "s3cret", serverAddr(), factory, DefaultConfig(), owner, nil)

	require.NoError(t, l.Login())
	require.Equal(t, StateRegistering, l.State())

	sent := sender.last()
	require.Equal(t, frame.TypeIAXControl, sent.Type)
	require.Equal(t, frame.RegReq, frame.IAXControlSubclass(sent.Subclass))

	l.mu.Lock()
	tx := l.lastTx
	l.mu.Unlock()

	ackIEs := &frame.IEList{}
	ackIEs.AddUint16(frame.TagRefresh, 120)
	tx.ProcessFull(&frame.FullFrame{
		OSeq: 0, ISeq: 1, Type: frame.TypeIAXControl, Subclass: uint32(frame.RegAck),
		Payload: frame.EncodeIEList(ackIEs),
	})

	require.Equal(t, StateRegistered, l.State())
	require.Equal(t, []int{120}, owner.registered)
}

func TestRegRejSchedulesRetryAtQuarterRefresh(t *testing.T) {
	sender := &fakeSender{}
	factory := &fakeFactory{sender: sender}
	owner := &fakeLineOwner{}
	l := New("bob", "hunter2", serverAddr(), factory, DefaultConfig(), owner, nil)
	require.NoError(t, l.Login())

	l.mu.Lock()
	tx := l.lastTx
	l.mu.Unlock()

	tx.ProcessFull(&frame.FullFrame{
		OSeq: 0, ISeq: 1, Type: frame.TypeIAXControl, Subclass: uint32(frame.RegRej),
	})

	require.Equal(t, StateLoggedOut, l.State())
	require.Equal(t, []string{""}, owner.rejected)

	l.mu.Lock()
	timer := l.retryTimer
	l.mu.Unlock()
	require.NotNil(t, timer, "a retry must be scheduled after RegRej")
}

func TestLogoutSendsRegRel(t *testing.T) {
	sender := &fakeSender{}
	factory := &fakeFactory{sender: sender}
	l := New("carol", "pw", serverAddr(), factory, DefaultConfig(), nil, nil)
	require.NoError(t, l.Login())
	require.NoError(t, l.Logout())

	sent := sender.last()
	require.Equal(t, frame.RegRel, frame.IAXControlSubclass(sent.Subclass))
	require.Equal(t, StateUnregistering, l.State())
}

func TestDeleteAbortsInFlightRegistration(t *testing.T) {
	sender := &fakeSender{}
	factory := &fakeFactory{sender: sender}
	l := New("dave", "pw", serverAddr(), factory, DefaultConfig(), nil, nil)
	require.NoError(t, l.Login())

	l.mu.Lock()
	tx := l.lastTx
	l.mu.Unlock()

	l.Delete()
	require.Equal(t, transaction.StateTerminated, tx.State(), "Abort has nothing left to wait on and goes straight to Terminated")
	require.Equal(t, StateLoggedOut, l.State())
}

func TestKeepaliveProbeSentWhileRegistered(t *testing.T) {
	sender := &fakeSender{}
	factory := &fakeFactory{sender: sender}
	cfg := DefaultConfig()
	cfg.KeepaliveSec = 30
	l := New("frank", "pw", serverAddr(), factory, cfg, nil, nil)
	require.NoError(t, l.Login())

	l.mu.Lock()
	l.state = StateRegistered
	l.mu.Unlock()

	l.sendKeepalive()

	l.mu.Lock()
	seq := l.keepaliveSeq
	timer := l.keepaliveTimer
	l.mu.Unlock()

	require.Equal(t, 1, seq)
	require.NotNil(t, timer, "sendKeepalive must reschedule itself")
	if timer != nil {
		timer.Stop()
	}

	factory.mu.Lock()
	require.Equal(t, 1, factory.datagrams)
	factory.mu.Unlock()
}

func TestKeepaliveDisabledByDefault(t *testing.T) {
	sender := &fakeSender{}
	factory := &fakeFactory{sender: sender}
	l := New("grace", "pw", serverAddr(), factory, DefaultConfig(), nil, nil)

	l.mu.Lock()
	l.state = StateRegistered
	l.mu.Unlock()
	l.scheduleKeepalive()

	l.mu.Lock()
	timer := l.keepaliveTimer
	l.mu.Unlock()
	require.Nil(t, timer, "KeepaliveSec=0 must not arm a timer")
}

func TestScheduleReregisterDoesNothingWhileUnregistering(t *testing.T) {
	sender := &fakeSender{}
	factory := &fakeFactory{sender: sender}
	l := New("erin", "pw", serverAddr(), factory, DefaultConfig(), nil, nil)
	l.mu.Lock()
	l.state = StateUnregistering
	l.mu.Unlock()

	l.scheduleReregister(time.Millisecond)
	l.mu.Lock()
	timer := l.retryTimer
	l.mu.Unlock()
	require.Nil(t, timer)
}
