// Package engine owns the UDP socket, call-number allocation, demux
// tables, and worker pools that drive a set of transactions (§4.3).
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flowpbx/iaxd/internal/iax/frame"
	"github.com/flowpbx/iaxd/internal/iax/hostiface"
	"github.com/flowpbx/iaxd/internal/iax/transaction"
	"github.com/flowpbx/iaxd/internal/iax/trunkframe"
	"github.com/flowpbx/iaxd/internal/metrics"
)

// State is the engine's own lifecycle, independent of any one transaction's
// state (§4.3 "Listening → Exiting → Removed/BindFailed").
type State int

const (
	StateIdle State = iota
	StateListening
	StateExiting
	StateRemoved
	StateBindFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateListening:
		return "Listening"
	case StateExiting:
		return "Exiting"
	case StateRemoved:
		return "Removed"
	case StateBindFailed:
		return "BindFailed"
	default:
		return "Unknown"
	}
}

// Config collects every engine-level tunable (§6).
type Config struct {
	Addr      string
	Port      int
	ForceBind bool

	ReadThreads  int
	EventThreads int
	TrunkThreads int

	TOS              int
	StreamReadBuffer int

	CallTokenOut bool
	CallTokenKey []byte

	ExpiresMin int
	ExpiresDef int
	ExpiresMax int

	AuthRequired bool

	Transaction transaction.Config

	TrunkPolicy        trunkframe.Policy
	TrunkUseTimestamps bool
}

// DefaultConfig matches the spec's documented server-side defaults (§6):
// 3 read threads, 3 event threads, 1 trunk thread.
func DefaultConfig() Config {
	return Config{
		Addr:         "0.0.0.0",
		Port:         4569,
		ReadThreads:  3,
		EventThreads: 3,
		TrunkThreads: 1,
		ExpiresMin:   60,
		ExpiresDef:   60,
		ExpiresMax:   3600,
		Transaction:  transaction.DefaultConfig(),
		TrunkPolicy:  trunkframe.PolicyEfficientUse,
	}
}

type inboundDatagram struct {
	addr *net.UDPAddr
	data []byte
}

// Engine is a single UDP listener driving every transaction, registration
// line, and outbound trunk toward its peers.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	conn *net.UDPConn

	mu    sync.RWMutex
	state State

	callNumbers *callNumberAllocator
	demux       *demux
	floodGuard  *floodGuard
	callTokens  *callTokenIssuer

	trunksMu sync.Mutex
	trunks   map[string]*trunkframe.TrunkFrame
	deagg    map[string]*trunkframe.Deaggregator

	auth   hostiface.AuthBackend
	router hostiface.Router

	inbound chan inboundDatagram
	stopCh  chan struct{}
	wg      sync.WaitGroup

	framesSent          atomic.Uint64
	framesRetransmitted atomic.Uint64
	framesReceived      atomic.Uint64
}

// New constructs an engine ready to Listen. auth and router may be nil if
// the embedder doesn't need authentication or call routing.
func New(cfg Config, logger *slog.Logger, auth hostiface.AuthBackend, router hostiface.Router) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	fgCfg := defaultFloodGuardConfig()
	e := &Engine{
		cfg:         cfg,
		logger:      logger.With("subsystem", "iax-engine"),
		callNumbers: newCallNumberAllocator(),
		demux:       newDemux(),
		floodGuard:  newFloodGuard(fgCfg),
		trunks:      make(map[string]*trunkframe.TrunkFrame),
		deagg:       make(map[string]*trunkframe.Deaggregator),
		auth:        auth,
		router:      router,
		inbound:     make(chan inboundDatagram, 256),
		stopCh:      make(chan struct{}),
	}
	if len(cfg.CallTokenKey) > 0 {
		e.callTokens = newCallTokenIssuer(cfg.CallTokenKey)
	}
	return e
}

// Listen binds the UDP socket and starts the read and event worker pools.
func (e *Engine) Listen() error {
	addr := &net.UDPAddr{IP: net.ParseIP(e.cfg.Addr), Port: e.cfg.Port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		e.setState(StateBindFailed)
		return fmt.Errorf("iax engine: bind %s: %w", addr, err)
	}
	if e.cfg.StreamReadBuffer > 0 {
		_ = conn.SetReadBuffer(e.cfg.StreamReadBuffer)
	}
	e.conn = conn
	e.setState(StateListening)
	e.logger.Info("listening", "addr", conn.LocalAddr())

	readThreads := e.cfg.ReadThreads
	if readThreads < 1 {
		readThreads = 1
	}
	eventThreads := e.cfg.EventThreads
	if eventThreads < 1 {
		eventThreads = 1
	}
	trunkThreads := e.cfg.TrunkThreads
	if trunkThreads < 1 {
		trunkThreads = 1
	}

	for i := 0; i < readThreads; i++ {
		e.wg.Add(1)
		go e.readLoop()
	}
	for i := 0; i < eventThreads; i++ {
		e.wg.Add(1)
		go e.eventLoop()
	}
	for i := 0; i < trunkThreads; i++ {
		e.wg.Add(1)
		go e.trunkLoop()
	}
	e.wg.Add(1)
	go e.tickLoop()
	return nil
}

// Close begins a graceful shutdown (§4.3 "Engine lifecycle"): the engine
// stops admitting new inbound transactions (replying INVAL, see handleFull)
// and waits for existing transactions to drain on their own — hangup
// retransmits, registration expiry, and so on — up to ctx's deadline,
// before tearing down the socket and worker pools. A central monitor
// outside the engine is expected to bound ctx; the engine itself doesn't
// invent a deadline.
func (e *Engine) Close(ctx context.Context) error {
	e.setState(StateExiting)

	drain := time.NewTicker(50 * time.Millisecond)
	defer drain.Stop()
drainLoop:
	for e.demux.count() > 0 {
		select {
		case <-ctx.Done():
			break drainLoop
		case <-drain.C:
		}
	}

	close(e.stopCh)
	var err error
	if e.conn != nil {
		err = e.conn.Close()
	}
	e.floodGuard.Stop()
	e.wg.Wait()
	e.setState(StateRemoved)
	return err
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) readLoop() {
	defer e.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, addr, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-e.stopCh:
				return
			default:
				e.logger.Warn("read error", "error", err)
				continue
			}
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		select {
		case e.inbound <- inboundDatagram{addr: addr, data: data}:
		case <-e.stopCh:
			return
		default:
			e.logger.Warn("inbound queue full, dropping datagram", "remote", addr)
		}
	}
}

func (e *Engine) eventLoop() {
	defer e.wg.Done()
	for {
		select {
		case dg := <-e.inbound:
			e.handleDatagram(dg.addr, dg.data)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) trunkLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			e.flushTrunks(now)
		case <-e.stopCh:
			return
		}
	}
}

// tickLoop drives every transaction's Tick at the configured retransmission
// cadence — the only thing that actually fires retransmission, ping-on-idle,
// and the Terminating→Terminated drain that Transaction.Tick implements
// (§4.2, §5 "event threads ... run the state machine").
func (e *Engine) tickLoop() {
	defer e.wg.Done()
	interval := e.cfg.Transaction.RetransInterval
	if interval <= 0 {
		interval = transaction.DefaultConfig().RetransInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			for _, tx := range e.demux.all() {
				tx.Tick(now)
				if tx.State() == transaction.StateTerminated {
					e.Forget(tx)
				}
			}
		case <-e.stopCh:
			return
		}
	}
}

func (e *Engine) flushTrunks(now time.Time) {
	e.trunksMu.Lock()
	trunks := make([]*trunkframe.TrunkFrame, 0, len(e.trunks))
	for _, tf := range e.trunks {
		trunks = append(trunks, tf)
	}
	e.trunksMu.Unlock()
	for _, tf := range trunks {
		if err := tf.Flush(now); err != nil {
			e.logger.Warn("trunk flush failed", "error", err)
		}
	}
}

func (e *Engine) handleDatagram(addr *net.UDPAddr, data []byte) {
	e.framesReceived.Add(1)
	switch {
	case frame.PeekIsFull(data):
		e.handleFull(addr, data)
	case frame.IsMetaTrunk(data):
		e.handleMetaTrunk(addr, data)
	case frame.IsMetaVideo(data):
		e.handleMetaVideo(addr, data)
	default:
		e.handleMini(addr, data)
	}
}

func (e *Engine) handleFull(addr *net.UDPAddr, data []byte) {
	f, err := frame.DecodeFull(data)
	if err != nil {
		e.logger.Debug("dropping malformed full frame", "remote", addr, "error", err)
		return
	}
	if f.DstCallNumber != 0 {
		if tx, ok := e.demux.lookupByLocal(f.DstCallNumber); ok {
			tx.ProcessFull(f)
			return
		}
	}
	if tx, ok := e.demux.lookupByRemote(addr.String(), f.SrcCallNumber); ok {
		tx.ProcessFull(f)
		return
	}
	if f.Type == frame.TypeIAXControl {
		switch frame.IAXControlSubclass(f.Subclass) {
		case frame.New, frame.RegReq, frame.RegRel, frame.Poke:
			e.handleNewInboundTransaction(addr, f)
			return
		}
	}
	e.logger.Debug("full frame for unknown transaction replied INVAL", "remote", addr, "dst_call", f.DstCallNumber)
	e.sendInval(addr, f)
}

// handleNewInboundTransaction admits (or rejects) an inbound New/RegReq/
// RegRel/Poke that doesn't match any existing local call number.
func (e *Engine) handleNewInboundTransaction(addr *net.UDPAddr, f *frame.FullFrame) {
	if e.State() == StateExiting {
		e.sendInval(addr, f)
		return
	}
	if !e.floodGuard.Allow(addr.String()) {
		e.logger.Debug("floodguard rejected inbound transaction", "remote", addr)
		return
	}

	typ := transaction.TypeNew
	switch frame.IAXControlSubclass(f.Subclass) {
	case frame.RegReq:
		typ = transaction.TypeRegReq
	case frame.RegRel:
		typ = transaction.TypeRegRel
	case frame.Poke:
		typ = transaction.TypePoke
	}

	if typ == transaction.TypeNew && e.cfg.CallTokenOut && e.callTokens != nil {
		if !e.admitCallToken(addr, f) {
			return
		}
	}

	local, err := e.callNumbers.Allocate()
	if err != nil {
		e.logger.Warn("call numbers exhausted", "error", err)
		return
	}

	tx := transaction.New(typ, local, addr, e, e.cfg.Transaction)
	tx.SetRemoteCall(f.SrcCallNumber)
	e.demux.registerLocal(local, tx)
	e.demux.bindRemote(addr.String(), f.SrcCallNumber, tx)

	if typ == transaction.TypeNew {
		tf := e.TrunkFor(addr)
		tf.Attach(local)
		tx.EnableTrunking(tf)
	}

	tx.ProcessFull(f)
}

// admitCallToken enforces §4.3's call-token defense on an inbound New: a
// peer presenting a previously-issued token gets it verified against the
// address the frame actually arrived from; a peer with no token (or an
// empty CALLTOKEN IE asking for one) is handed a freshly issued token in a
// Reject-by-calltoken reply and must retry the New with it. Either way the
// caller must not proceed to admit a transaction from this datagram.
func (e *Engine) admitCallToken(addr *net.UDPAddr, f *frame.FullFrame) bool {
	ies, err := frame.DecodeIEList(f.Payload)
	if err != nil {
		e.sendReject(addr, f, "malformed call setup")
		return false
	}
	state, token := classifyCallTokenIE(ies)
	if state == callTokenPresent {
		if err := e.callTokens.Verify(token, addr.String()); err != nil {
			e.logger.Debug("rejecting invalid call token", "remote", addr, "error", err)
			e.sendReject(addr, f, "invalid call token")
			return false
		}
		return true
	}

	issued, err := e.callTokens.Issue(addr.String())
	if err != nil {
		e.logger.Warn("failed to issue call token", "error", err)
		e.sendReject(addr, f, "call token required")
		return false
	}
	e.sendRejectCallToken(addr, f, issued)
	return false
}

// sendInval replies to an unmatched full frame per §4.3's demux rule 3: not
// part of any tracked transaction, so the reply is a one-shot datagram
// rather than something queued for retransmission.
func (e *Engine) sendInval(addr *net.UDPAddr, f *frame.FullFrame) {
	reply := &frame.FullFrame{
		DstCallNumber: f.SrcCallNumber,
		ISeq:          f.OSeq + 1,
		Type:          frame.TypeIAXControl,
		Subclass:      uint32(frame.Inval),
	}
	_ = e.SendFull(addr, reply)
}

// sendReject replies Reject with a human-readable cause, used for
// call-token failures that aren't worth a tracked transaction.
func (e *Engine) sendReject(addr *net.UDPAddr, f *frame.FullFrame, cause string) {
	ies := &frame.IEList{}
	ies.AddString(frame.TagCause, cause)
	e.sendRejectIEs(addr, f, ies)
}

// sendRejectCallToken replies Reject carrying a freshly issued CALLTOKEN
// IE, inviting the peer to retry its New with the token attached.
func (e *Engine) sendRejectCallToken(addr *net.UDPAddr, f *frame.FullFrame, token string) {
	ies := &frame.IEList{}
	ies.AddString(frame.TagCallToken, token)
	e.sendRejectIEs(addr, f, ies)
}

func (e *Engine) sendRejectIEs(addr *net.UDPAddr, f *frame.FullFrame, ies *frame.IEList) {
	reply := &frame.FullFrame{
		DstCallNumber: f.SrcCallNumber,
		ISeq:          f.OSeq + 1,
		Type:          frame.TypeIAXControl,
		Subclass:      uint32(frame.Reject),
		Payload:       frame.EncodeIEList(ies),
	}
	_ = e.SendFull(addr, reply)
}

func (e *Engine) handleMini(addr *net.UDPAddr, data []byte) {
	m, err := frame.DecodeMini(data)
	if err != nil {
		return
	}
	tx, ok := e.demux.lookupByLocal(m.SrcCallNumber)
	if !ok {
		return
	}
	tx.ProcessMini(m)
}

func (e *Engine) handleMetaVideo(addr *net.UDPAddr, data []byte) {
	v, err := frame.DecodeMetaVideo(data)
	if err != nil {
		return
	}
	tx, ok := e.demux.lookupByLocal(v.SrcCallNumber)
	if !ok {
		return
	}
	tx.ProcessMetaVideo(v)
}

func (e *Engine) handleMetaTrunk(addr *net.UDPAddr, data []byte) {
	mf, err := frame.DecodeMetaTrunk(data)
	if err != nil {
		return
	}
	e.trunksMu.Lock()
	d, ok := e.deagg[addr.String()]
	if !ok {
		d = trunkframe.NewDeaggregator(60000)
		e.deagg[addr.String()] = d
	}
	e.trunksMu.Unlock()

	for _, entry := range d.Process(mf) {
		if tx, ok := e.demux.lookupByLocal(entry.CallNumber); ok {
			tx.ProcessMini(&frame.MiniFrame{SrcCallNumber: entry.CallNumber, Timestamp: uint16(entry.Timestamp), Payload: entry.Payload})
		}
	}
}

// TrunkFor returns (creating if necessary) the outbound aggregator for
// addr, so a caller can attach a transaction to it via
// Transaction.EnableTrunking.
func (e *Engine) TrunkFor(addr *net.UDPAddr) *trunkframe.TrunkFrame {
	e.trunksMu.Lock()
	defer e.trunksMu.Unlock()
	key := addr.String()
	tf, ok := e.trunks[key]
	if !ok {
		tf = trunkframe.New(addr, e, e.cfg.TrunkPolicy, e.cfg.TrunkUseTimestamps)
		e.trunks[key] = tf
	}
	return tf
}

// NewOutboundTransaction allocates a local call number and creates a
// transaction for an exchange the embedder initiates (a New, RegReq,
// RegRel, or Poke toward addr). The caller drives it by calling one of the
// Transaction's Send* methods.
func (e *Engine) NewOutboundTransaction(typ transaction.Type, addr *net.UDPAddr) (*transaction.Transaction, error) {
	local, err := e.callNumbers.Allocate()
	if err != nil {
		return nil, err
	}
	tx := transaction.New(typ, local, addr, e, e.cfg.Transaction)
	e.demux.registerLocal(local, tx)

	if typ == transaction.TypeNew {
		tf := e.TrunkFor(addr)
		tf.Attach(local)
		tx.EnableTrunking(tf)
	}

	return tx, nil
}

// Forget releases a terminated transaction's call number and removes it
// from the demux tables. Callers should invoke this once a transaction
// reaches StateTerminated.
func (e *Engine) Forget(tx *transaction.Transaction) {
	addr := tx.RemoteAddr()
	addrKey := ""
	if addr != nil {
		addrKey = addr.String()
		e.trunksMu.Lock()
		if tf, ok := e.trunks[addrKey]; ok {
			tf.Detach(tx.LocalCall())
		}
		e.trunksMu.Unlock()
	}
	e.demux.remove(addrKey, tx.RemoteCall(), tx.LocalCall())
	e.callNumbers.Release(tx.LocalCall())
}

// --- metrics.EngineProvider implementation ---

// ActiveTransactionCount reports the number of in-flight transactions this
// engine currently owns.
func (e *Engine) ActiveTransactionCount() int {
	return e.demux.count()
}

// CallNumbersInUse reports the number of local call numbers currently
// allocated.
func (e *Engine) CallNumbersInUse() int {
	return e.callNumbers.InUse()
}

// FloodGuardRejections reports the running total of inbound New/RegReq/Poke
// attempts the flood guard has rejected.
func (e *Engine) FloodGuardRejections() uint64 {
	return e.floodGuard.Rejections()
}

// --- metrics.TransactionStatsProvider implementation ---

// FramesSent reports the running total of full, mini, and meta-video frames
// written to the socket, across every transaction.
func (e *Engine) FramesSent() uint64 {
	return e.framesSent.Load()
}

// FramesRetransmitted reports the running total of full frames re-sent
// after a retransmission timeout or a VNAK.
func (e *Engine) FramesRetransmitted() uint64 {
	return e.framesRetransmitted.Load()
}

// FramesReceived reports the running total of inbound datagrams processed,
// regardless of frame type or whether they matched a live transaction.
func (e *Engine) FramesReceived() uint64 {
	return e.framesReceived.Load()
}

// ActiveTrunks implements metrics.TrunkProvider, reporting every remote
// address currently aggregating calls onto an outbound meta-trunk.
func (e *Engine) ActiveTrunks() []metrics.TrunkStatusEntry {
	e.trunksMu.Lock()
	defer e.trunksMu.Unlock()
	out := make([]metrics.TrunkStatusEntry, 0, len(e.trunks))
	for addr, tf := range e.trunks {
		out = append(out, metrics.TrunkStatusEntry{RemoteAddr: addr, CallCount: tf.CallCount()})
	}
	return out
}

// --- transaction.Sender and trunkframe.DatagramSender implementations ---

func (e *Engine) SendFull(addr *net.UDPAddr, f *frame.FullFrame) error {
	data, err := frame.EncodeFull(f)
	if err != nil {
		return err
	}
	if err := e.writeTo(addr, data); err != nil {
		return err
	}
	e.framesSent.Add(1)
	if f.Retransmit {
		e.framesRetransmitted.Add(1)
	}
	return nil
}

func (e *Engine) SendMini(addr *net.UDPAddr, f *frame.MiniFrame) error {
	if err := e.writeTo(addr, frame.EncodeMini(f)); err != nil {
		return err
	}
	e.framesSent.Add(1)
	return nil
}

func (e *Engine) SendMetaVideo(addr *net.UDPAddr, f *frame.MetaVideoFrame) error {
	if err := e.writeTo(addr, frame.EncodeMetaVideo(f)); err != nil {
		return err
	}
	e.framesSent.Add(1)
	return nil
}

func (e *Engine) SendDatagram(addr *net.UDPAddr, data []byte) error {
	return e.writeTo(addr, data)
}

func (e *Engine) writeTo(addr *net.UDPAddr, data []byte) error {
	if e.conn == nil {
		return errors.New("iax engine: not listening")
	}
	_, err := e.conn.WriteToUDP(data, addr)
	return err
}
