package engine

import (
	"sync"

	"github.com/flowpbx/iaxd/internal/iax/transaction"
)

// demux routes inbound frames to their owning transaction, keyed two ways
// (§4.3 "demux"): by (remote address, remote call number) for frames that
// already carry the peer's own call number, and by local call number alone
// for frames the engine itself originated.
type demux struct {
	mu       sync.RWMutex
	byRemote map[string]map[uint16]*transaction.Transaction
	byLocal  map[uint16]*transaction.Transaction
}

func newDemux() *demux {
	return &demux{
		byRemote: make(map[string]map[uint16]*transaction.Transaction),
		byLocal:  make(map[uint16]*transaction.Transaction),
	}
}

func (d *demux) registerLocal(local uint16, tx *transaction.Transaction) {
	d.mu.Lock()
	d.byLocal[local] = tx
	d.mu.Unlock()
}

// bindRemote associates a transaction with the (addr, remote call) pair
// once the remote call number becomes known (on receipt of New, or once a
// locally-initiated transaction's peer assigns one).
func (d *demux) bindRemote(addr string, remoteCall uint16, tx *transaction.Transaction) {
	d.mu.Lock()
	m, ok := d.byRemote[addr]
	if !ok {
		m = make(map[uint16]*transaction.Transaction)
		d.byRemote[addr] = m
	}
	m[remoteCall] = tx
	d.mu.Unlock()
}

func (d *demux) lookupByRemote(addr string, remoteCall uint16) (*transaction.Transaction, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	m, ok := d.byRemote[addr]
	if !ok {
		return nil, false
	}
	tx, ok := m[remoteCall]
	return tx, ok
}

func (d *demux) lookupByLocal(local uint16) (*transaction.Transaction, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	tx, ok := d.byLocal[local]
	return tx, ok
}

// count returns the number of transactions currently tracked by local call
// number, i.e. the number of in-flight transactions this engine owns.
func (d *demux) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.byLocal)
}

// all returns a snapshot of every transaction this engine currently owns,
// for the engine's tick loop to drive retransmission/ping/Terminating-drain
// work on (§4.2, §5 "event threads drain each transaction's inbound queue,
// run the state machine").
func (d *demux) all() []*transaction.Transaction {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*transaction.Transaction, 0, len(d.byLocal))
	for _, tx := range d.byLocal {
		out = append(out, tx)
	}
	return out
}

func (d *demux) remove(addr string, remoteCall, local uint16) {
	d.mu.Lock()
	delete(d.byLocal, local)
	if m, ok := d.byRemote[addr]; ok {
		delete(m, remoteCall)
		if len(m) == 0 {
			delete(d.byRemote, addr)
		}
	}
	d.mu.Unlock()
}
