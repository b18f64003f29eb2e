// Package line implements a registration line's lifecycle: login, logout,
// keepalive re-registration, and the backoff schedule that follows a
// RegAck, RegRej, or timeout (§4.5).
package line

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/flowpbx/iaxd/internal/iax/hostiface"
	"github.com/flowpbx/iaxd/internal/iax/transaction"
)

// TransactionFactory is the slice of Engine a Line needs: allocate a
// transaction for an outbound exchange toward the registrar, and put a raw
// datagram on the wire for the NAT keepalive probe.
type TransactionFactory interface {
	NewOutboundTransaction(typ transaction.Type, addr *net.UDPAddr) (*transaction.Transaction, error)
	Forget(tx *transaction.Transaction)
	SendDatagram(addr *net.UDPAddr, data []byte) error
}

// State is where a Line sits in its own lifecycle, independent of any one
// registration transaction's state.
type State int

const (
	StateLoggedOut State = iota
	StateRegistering
	StateRegistered
	StateUnregistering
)

func (s State) String() string {
	switch s {
	case StateLoggedOut:
		return "LoggedOut"
	case StateRegistering:
		return "Registering"
	case StateRegistered:
		return "Registered"
	case StateUnregistering:
		return "Unregistering"
	default:
		return "Unknown"
	}
}

// Config bounds the refresh interval a Line will request and accept
// (§6 "expires_min/def/max"), plus the NAT keepalive cadence (§4.5).
type Config struct {
	ExpiresMin int
	ExpiresDef int
	ExpiresMax int

	// KeepaliveSec is how often, once registered, a zero-length probe is
	// sent to keep a NAT binding open. Zero disables it.
	KeepaliveSec int
}

func DefaultConfig() Config {
	return Config{ExpiresMin: 60, ExpiresDef: 60, ExpiresMax: 3600}
}

// Line drives one username's registration against one server address.
type Line struct {
	mu sync.Mutex

	username string
	secret   string
	server   *net.UDPAddr

	factory TransactionFactory
	cfg     Config
	logger  *slog.Logger
	owner   hostiface.LineOwner

	state          State
	refresh        int
	retryTimer     *time.Timer
	keepaliveTimer *time.Timer
	lastTx         *transaction.Transaction
	keepaliveSeq   int

	// ownerBox is the strong reference Line itself keeps alive for as long
	// as the Line exists, so a transaction's weak OwnerHandle (see
	// transaction.OwnerHandle) into it stays valid (§5 "weak back-pointer").
	ownerBox hostiface.CallOwner
}

// New creates a Line ready to Login.
func New(username, secret string, server *net.UDPAddr, factory TransactionFactory, cfg Config, owner hostiface.LineOwner, logger *slog.Logger) *Line {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Line{
		username: username,
		secret:   secret,
		server:   server,
		factory:  factory,
		cfg:      cfg,
		owner:    owner,
		logger:   logger.With("subsystem", "iax-line", "username", username),
		state:    StateLoggedOut,
	}
	l.ownerBox = l
	return l
}

func (l *Line) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Username returns the registration identity this Line logs in as.
func (l *Line) Username() string {
	return l.username
}

// Login sends the initial RegReq and arms the owner callback for its
// outcome.
func (l *Line) Login() error {
	l.mu.Lock()
	l.state = StateRegistering
	l.mu.Unlock()
	return l.register()
}

func (l *Line) register() error {
	tx, err := l.factory.NewOutboundTransaction(transaction.TypeRegReq, l.server)
	if err != nil {
		l.logger.Warn("failed to create registration transaction", "error", err)
		return err
	}
	tx.SetPendingSecret(l.secret)
	tx.SetOwner(&l.ownerBox)

	l.mu.Lock()
	l.lastTx = tx
	l.mu.Unlock()

	requested := l.cfg.ExpiresDef
	return tx.SendRegReq(l.username, requested)
}

// Logout sends RegRel and transitions to StateLoggedOut once acknowledged.
func (l *Line) Logout() error {
	l.stopKeepalive()
	l.mu.Lock()
	l.state = StateUnregistering
	if l.retryTimer != nil {
		l.retryTimer.Stop()
	}
	l.mu.Unlock()

	tx, err := l.factory.NewOutboundTransaction(transaction.TypeRegRel, l.server)
	if err != nil {
		return err
	}
	tx.SetOwner(&l.ownerBox)
	l.mu.Lock()
	l.lastTx = tx
	l.mu.Unlock()
	return tx.SendRegRel(l.username)
}

// Delete tears down the line immediately without waiting on the network
// (supplemented feature 2: abortReg — used when the line is being removed
// from configuration while a RegReq is still in flight).
func (l *Line) Delete() {
	l.stopKeepalive()
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.retryTimer != nil {
		l.retryTimer.Stop()
	}
	if l.lastTx != nil {
		l.lastTx.Abort()
		l.factory.Forget(l.lastTx)
	}
	l.state = StateLoggedOut
}

// HandleEvent implements hostiface.CallOwner: it receives the registration
// transaction's terminal events and drives the re-register backoff.
func (l *Line) HandleEvent(raw any) {
	ev, ok := raw.(transaction.Event)
	if !ok {
		return
	}
	switch ev.Kind {
	case transaction.EventRegAck:
		l.onRegAck(ev)
	case transaction.EventRegRej:
		l.onRegRej(ev)
	case transaction.EventTimeout:
		l.onTimeout()
	}
}

// onRegAck records the granted refresh and schedules the next
// re-registration at 75% of it (§4.5 "re-register backoff").
func (l *Line) onRegAck(ev transaction.Event) {
	l.mu.Lock()
	if l.state == StateUnregistering {
		// This RegAck answers the RegRel sent by Logout.
		l.state = StateLoggedOut
		l.mu.Unlock()
		return
	}
	l.mu.Unlock()

	refresh := ev.Refresh
	if refresh < l.cfg.ExpiresMin {
		refresh = l.cfg.ExpiresMin
	}
	if refresh > l.cfg.ExpiresMax {
		refresh = l.cfg.ExpiresMax
	}
	l.mu.Lock()
	l.state = StateRegistered
	l.refresh = refresh
	l.mu.Unlock()

	if l.owner != nil {
		l.owner.LineRegistered(refresh)
	}
	l.scheduleReregister(time.Duration(float64(refresh)*0.75) * time.Second)
	l.scheduleKeepalive()
}

// onRegRej retries sooner — at 25% of the last granted refresh, or the
// configured minimum if none was ever granted.
func (l *Line) onRegRej(ev transaction.Event) {
	l.stopKeepalive()
	l.mu.Lock()
	l.state = StateLoggedOut
	refresh := l.refresh
	if refresh == 0 {
		refresh = l.cfg.ExpiresMin
	}
	l.mu.Unlock()

	if l.owner != nil {
		l.owner.LineRejected(ev.Cause)
	}
	l.scheduleReregister(time.Duration(float64(refresh)*0.25) * time.Second)
}

// onTimeout retries at 50% of the last granted refresh after the
// registration transaction gives up without any reply.
func (l *Line) onTimeout() {
	l.stopKeepalive()
	l.mu.Lock()
	l.state = StateLoggedOut
	refresh := l.refresh
	if refresh == 0 {
		refresh = l.cfg.ExpiresMin
	}
	l.mu.Unlock()

	if l.owner != nil {
		l.owner.LineUnregistered("timeout")
	}
	l.scheduleReregister(time.Duration(float64(refresh)*0.5) * time.Second)
}

func (l *Line) scheduleReregister(after time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state == StateUnregistering {
		return
	}
	if l.retryTimer != nil {
		l.retryTimer.Stop()
	}
	l.retryTimer = time.AfterFunc(after, func() {
		_ = l.register()
	})
}

// scheduleKeepalive arms the next zero-length NAT keepalive probe (§4.5
// "once registered, if a keepalive interval is set, transmit a zero-length
// probe periodically"). Its cadence is independent of the re-registration
// clock.
func (l *Line) scheduleKeepalive() {
	if l.cfg.KeepaliveSec <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.keepaliveTimer != nil {
		l.keepaliveTimer.Stop()
	}
	l.keepaliveTimer = time.AfterFunc(time.Duration(l.cfg.KeepaliveSec)*time.Second, l.sendKeepalive)
}

// sendKeepalive transmits one zero-length probe and reschedules itself, as
// long as the line is still registered.
func (l *Line) sendKeepalive() {
	l.mu.Lock()
	if l.state != StateRegistered {
		l.mu.Unlock()
		return
	}
	l.keepaliveSeq++
	server := l.server
	l.mu.Unlock()

	if err := l.factory.SendDatagram(server, nil); err != nil {
		l.logger.Debug("keepalive probe failed", "error", err)
	}
	l.scheduleKeepalive()
}

func (l *Line) stopKeepalive() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.keepaliveTimer != nil {
		l.keepaliveTimer.Stop()
		l.keepaliveTimer = nil
	}
}
