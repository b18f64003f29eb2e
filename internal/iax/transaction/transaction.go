package transaction

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/flowpbx/iaxd/internal/iax/frame"
	"github.com/flowpbx/iaxd/internal/iax/hostiface"
)

// Sender is how a transaction reaches the network. The engine implements
// it over its UDP socket and worker pools (§4.3); tests use a fake.
type Sender interface {
	SendFull(addr *net.UDPAddr, f *frame.FullFrame) error
	SendMini(addr *net.UDPAddr, f *frame.MiniFrame) error
	SendMetaVideo(addr *net.UDPAddr, f *frame.MetaVideoFrame) error
}

// TrunkSink accepts outbound media for aggregation into a shared meta-trunk
// frame toward the same destination (§4.4). A transaction that has not been
// attached to one sends its media directly via Sender instead.
type TrunkSink interface {
	AddEntry(callNumber uint16, timestamp uint16, payload []byte)
	ShouldTrunk(callNumber uint16) bool
}

// outboundFrame is one unacknowledged full frame awaiting retransmission.
type outboundFrame struct {
	seq       uint8
	raw       *frame.FullFrame
	firstSent time.Time
	lastSent  time.Time
	retries   int
}

// Transaction is the state machine for one call, registration, or poke
// exchange with a single remote peer (§3 "Transaction", §4.2).
type Transaction struct {
	mu sync.Mutex

	typ   Type
	state State

	localCall  uint16
	remoteCall uint16
	remoteAddr *net.UDPAddr

	sender Sender
	cfg    Config

	owner    OwnerHandle
	hasOwner bool

	oseq uint8
	iseq uint8

	created      time.Time
	lastActivity time.Time
	lastPingSent time.Time

	outQueue []*outboundFrame

	inboundPending        map[uint8]*frame.FullFrame
	inboundAcceptBuffered bool

	retransmitsSent int

	audio *mediaBucket
	video *mediaBucket
	trunk TrunkSink

	format      frame.Format
	formatVideo frame.Format
	capability  frame.Format

	username      string
	challenge     string
	pendingSecret string

	abortRequested bool
	closed         bool
}

// New creates a transaction in StateUnknown, ready to drive either a local
// invite (outbound New/RegReq/RegRel/Poke) or a remote invite (inbound).
func New(typ Type, localCall uint16, remoteAddr *net.UDPAddr, sender Sender, cfg Config) *Transaction {
	return &Transaction{
		typ:            typ,
		state:          StateUnknown,
		localCall:      localCall,
		remoteAddr:     remoteAddr,
		sender:         sender,
		cfg:            cfg,
		created:        time.Now(),
		lastActivity:   time.Now(),
		lastPingSent:   time.Now(),
		inboundPending: make(map[uint8]*frame.FullFrame),
		audio:          newMediaBucket(16),
		video:          newMediaBucket(15),
	}
}

func (t *Transaction) Type() Type { return t.typ }

func (t *Transaction) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transaction) setState(s State) {
	t.state = s
	t.lastActivity = time.Now()
}

func (t *Transaction) LocalCall() uint16 { return t.localCall }

func (t *Transaction) RemoteCall() uint16 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteCall
}

func (t *Transaction) SetRemoteCall(c uint16) {
	t.mu.Lock()
	t.remoteCall = c & 0x7fff
	t.mu.Unlock()
}

func (t *Transaction) RemoteAddr() *net.UDPAddr {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.remoteAddr
}

// SetOwner attaches a weak back-pointer to the call object that should
// receive this transaction's events (§5). owner must be kept reachable by
// the caller for as long as events should keep being delivered.
func (t *Transaction) SetOwner(owner *hostiface.CallOwner) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.owner = NewOwnerHandle(owner)
	t.hasOwner = true
}

// EnableTrunking attaches an outbound trunk sink; once set, SendMedia
// aggregates through it instead of sending mini/meta-video frames directly
// whenever the sink's ShouldTrunk reports true for this call.
func (t *Transaction) EnableTrunking(sink TrunkSink) {
	t.mu.Lock()
	t.trunk = sink
	t.mu.Unlock()
}

func (t *Transaction) deliverEvent(ev Event) {
	t.mu.Lock()
	hasOwner := t.hasOwner
	owner := t.owner
	t.mu.Unlock()
	if !hasOwner {
		return
	}
	if iface, ok := owner.Get(); ok {
		iface.HandleEvent(ev)
	}
}

// nextOSeq assigns and advances the outbound sequence counter (§4.2
// "sequence number reliability").
func (t *Transaction) nextOSeq() uint8 {
	seq := t.oseq
	t.oseq++
	return seq
}

// Abort tears the transaction down immediately without waiting for a peer
// reply (supplemented feature 2: abortReg — used by Line.Delete when the
// owning line is deleted out from under a pending RegReq). There is no
// reply left to wait on, so it goes straight
// to StateTerminated rather than pausing in StateTerminating.
func (t *Transaction) Abort() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.abortRequested = true
	t.setState(StateTerminated)
}

func (t *Transaction) String() string {
	return fmt.Sprintf("tx[%s local=%d remote=%d state=%s]", t.typ, t.localCall, t.remoteCall, t.state)
}
