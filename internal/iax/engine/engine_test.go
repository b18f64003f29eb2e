package engine

import (
	"net"
	"testing"

	"github.com/flowpbx/iaxd/internal/iax/frame"
	"github.com/flowpbx/iaxd/internal/iax/transaction"
	"github.com/flowpbx/iaxd/internal/iax/trunkframe"
	"github.com/stretchr/testify/require"
)

func newFrame() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP("192.0.2.50"), Port: 4569}
}

func newFrameIEs() *frame.IEList {
	ies := &frame.IEList{}
	ies.AddString(frame.TagUsername, "alice")
	return ies
}

// TestHandleFullUnmatchedFrameDoesNotAdmitTransaction covers §4.3 demux
// rule 3: a full frame that matches no transaction and isn't a
// New/RegReq/RegRel/Poke must not create one (it gets an INVAL reply,
// which handleFull sends but this test can't observe without a bound
// socket).
func TestHandleFullUnmatchedFrameDoesNotAdmitTransaction(t *testing.T) {
	e := New(DefaultConfig(), nil, nil, nil)
	addr := newFrame()

	f := &frame.FullFrame{
		SrcCallNumber: 99, DstCallNumber: 0,
		Type: frame.TypeIAXControl, Subclass: uint32(frame.Ringing),
	}
	e.handleFull(addr, encodeOrFail(t, f))

	require.Equal(t, 0, e.demux.count())
}

// TestHandleFullAdmitsNewTransaction covers the positive demux-rule-3 path:
// a New with no matching transaction is admitted.
func TestHandleFullAdmitsNewTransaction(t *testing.T) {
	e := New(DefaultConfig(), nil, nil, nil)
	addr := newFrame()

	f := &frame.FullFrame{
		SrcCallNumber: 99, DstCallNumber: 0,
		Type: frame.TypeIAXControl, Subclass: uint32(frame.New),
		Payload: frame.EncodeIEList(newFrameIEs()),
	}
	e.handleFull(addr, encodeOrFail(t, f))

	require.Equal(t, 1, e.demux.count())
}

// TestHandleNewInboundTransactionRefusedWhenExiting covers §4.3's "Exiting
// engines refuse new inbound transactions" rule.
func TestHandleNewInboundTransactionRefusedWhenExiting(t *testing.T) {
	e := New(DefaultConfig(), nil, nil, nil)
	e.setState(StateExiting)
	addr := newFrame()

	f := &frame.FullFrame{
		SrcCallNumber: 99, Type: frame.TypeIAXControl, Subclass: uint32(frame.New),
		Payload: frame.EncodeIEList(newFrameIEs()),
	}
	e.handleNewInboundTransaction(addr, f)

	require.Equal(t, 0, e.demux.count())
}

// TestHandleNewInboundTransactionRequiresCallToken covers §4.3's call-token
// defense: with CallTokenOut set, a New with no CALLTOKEN IE is rejected
// rather than admitted.
func TestHandleNewInboundTransactionRequiresCallToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallTokenOut = true
	cfg.CallTokenKey = []byte("test-secret")
	e := New(cfg, nil, nil, nil)
	addr := newFrame()

	f := &frame.FullFrame{
		SrcCallNumber: 99, Type: frame.TypeIAXControl, Subclass: uint32(frame.New),
		Payload: frame.EncodeIEList(newFrameIEs()),
	}
	e.handleNewInboundTransaction(addr, f)

	require.Equal(t, 0, e.demux.count(), "New without a call token must not be admitted")
}

// TestHandleNewInboundTransactionAdmitsValidCallToken covers the retry path:
// once the peer presents a token this engine issued for its own address,
// the New is admitted.
func TestHandleNewInboundTransactionAdmitsValidCallToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CallTokenOut = true
	cfg.CallTokenKey = []byte("test-secret")
	e := New(cfg, nil, nil, nil)
	addr := newFrame()

	token, err := e.callTokens.Issue(addr.String())
	require.NoError(t, err)

	ies := newFrameIEs()
	ies.AddString(frame.TagCallToken, token)
	f := &frame.FullFrame{
		SrcCallNumber: 99, Type: frame.TypeIAXControl, Subclass: uint32(frame.New),
		Payload: frame.EncodeIEList(ies),
	}
	e.handleNewInboundTransaction(addr, f)

	require.Equal(t, 1, e.demux.count())
}

// TestEngineWiresOutboundTransactionsIntoSharedTrunk covers §4.4's
// efficient-use rule end to end through the engine: two New transactions
// toward the same address must both attach to the one TrunkFrame for that
// destination, so ShouldTrunk only flips true once the second joins.
func TestEngineWiresOutboundTransactionsIntoSharedTrunk(t *testing.T) {
	cfg := DefaultConfig()
	cfg.TrunkPolicy = trunkframe.PolicyEfficientUse
	e := New(cfg, nil, nil, nil)
	addr := newFrame()

	tx1, err := e.NewOutboundTransaction(transaction.TypeNew, addr)
	require.NoError(t, err)
	tf := e.TrunkFor(addr)
	require.False(t, tf.ShouldTrunk(tx1.LocalCall()), "solo call must not trunk yet")

	tx2, err := e.NewOutboundTransaction(transaction.TypeNew, addr)
	require.NoError(t, err)
	require.True(t, tf.ShouldTrunk(tx2.LocalCall()), "a second call sharing the trunk must flip ShouldTrunk true")
}

func encodeOrFail(t *testing.T, f *frame.FullFrame) []byte {
	t.Helper()
	data, err := frame.EncodeFull(f)
	require.NoError(t, err)
	return data
}
