// Package trunkframe implements outbound aggregation and inbound
// de-aggregation of IAX2 meta-trunk frames (§4.4): several calls toward the
// same destination share one UDP datagram instead of each sending its own
// mini frame.
package trunkframe

import (
	"net"
	"sync"
	"time"

	"github.com/flowpbx/iaxd/internal/iax/frame"
)

// Policy controls when an outbound TrunkFrame actually puts a datagram on
// the wire (§4.4 "always-send" vs "efficient-use").
type Policy int

const (
	// PolicyAlwaysSend flushes every tick regardless of whether new media
	// arrived, so the peer's trunk timestamp anchor never goes stale.
	PolicyAlwaysSend Policy = iota
	// PolicyEfficientUse flushes only when at least one entry was added
	// since the last flush, trading a slightly stale anchor for fewer
	// packets on an idle trunk.
	PolicyEfficientUse
)

// DatagramSender puts a raw, already-encoded frame on the wire. The engine
// implements this over its UDP socket.
type DatagramSender interface {
	SendDatagram(addr *net.UDPAddr, data []byte) error
}

// TrunkFrame aggregates outbound media for every call toward one remote
// peer into shared meta-trunk datagrams. One instance exists per
// destination address; transactions toward that address attach to it via
// Transaction.EnableTrunking (§4.4 "Trunk frame").
type TrunkFrame struct {
	mu            sync.Mutex
	addr          *net.UDPAddr
	sender        DatagramSender
	policy        Policy
	useTimestamps bool

	entries map[uint16]frame.TrunkEntry
	dirty   bool

	// attached is the set of call numbers currently sharing this
	// destination's trunk, tracked independently of entries (which clear on
	// every flush) so ShouldTrunk can tell a lone call apart from one with
	// company across many flush windows, not just the current one.
	attached map[uint16]struct{}
}

// New creates an outbound trunk aggregator for one destination.
func New(addr *net.UDPAddr, sender DatagramSender, policy Policy, useTimestamps bool) *TrunkFrame {
	return &TrunkFrame{
		addr:          addr,
		sender:        sender,
		policy:        policy,
		useTimestamps: useTimestamps,
		entries:       make(map[uint16]frame.TrunkEntry),
		attached:      make(map[uint16]struct{}),
	}
}

// Attach records callNumber as sharing this trunk, called once when a
// transaction enables trunking toward this destination.
func (tf *TrunkFrame) Attach(callNumber uint16) {
	tf.mu.Lock()
	tf.attached[callNumber] = struct{}{}
	tf.mu.Unlock()
}

// Detach removes callNumber, called when its transaction terminates.
func (tf *TrunkFrame) Detach(callNumber uint16) {
	tf.mu.Lock()
	delete(tf.attached, callNumber)
	delete(tf.entries, callNumber)
	tf.mu.Unlock()
}

// ShouldTrunk reports whether callNumber should stage its media through
// this trunk right now rather than send it directly: under
// PolicyEfficientUse, only while at least two calls are attached. Under
// PolicyAlwaysSend every attached call always trunks, since the
// anchor must keep advancing regardless of how many calls share it.
func (tf *TrunkFrame) ShouldTrunk(callNumber uint16) bool {
	if tf.policy == PolicyAlwaysSend {
		return true
	}
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return len(tf.attached) >= 2
}

// AddEntry stages one call's media payload for the next flush, replacing
// any still-unflushed entry for the same call number (only the latest
// sample per call survives between flushes — trunk frames carry "now", not
// a backlog).
func (tf *TrunkFrame) AddEntry(callNumber uint16, timestamp uint16, payload []byte) {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	tf.entries[callNumber] = frame.TrunkEntry{CallNumber: callNumber, Timestamp: timestamp, Payload: payload}
	tf.dirty = true
}

// Flush sends the currently staged entries as one meta-trunk datagram,
// applying the configured policy, and clears the staged set. It is a no-op
// under PolicyEfficientUse when nothing has been added since the last
// flush.
func (tf *TrunkFrame) Flush(now time.Time) error {
	tf.mu.Lock()
	if tf.policy == PolicyEfficientUse && !tf.dirty {
		tf.mu.Unlock()
		return nil
	}
	entries := make([]frame.TrunkEntry, 0, len(tf.entries))
	for _, e := range tf.entries {
		entries = append(entries, e)
	}
	tf.entries = make(map[uint16]frame.TrunkEntry)
	tf.dirty = false
	addr := tf.addr
	useTimestamps := tf.useTimestamps
	tf.mu.Unlock()

	if len(entries) == 0 && tf.policy == PolicyEfficientUse {
		return nil
	}

	mf := &frame.MetaTrunkFrame{
		Timestamp:     uint32(now.UnixMilli()),
		HasTimestamps: useTimestamps,
		Entries:       entries,
	}
	return tf.sender.SendDatagram(addr, frame.EncodeMetaTrunk(mf))
}

// CallCount reports how many distinct calls currently have staged media,
// for metrics and tests.
func (tf *TrunkFrame) CallCount() int {
	tf.mu.Lock()
	defer tf.mu.Unlock()
	return len(tf.entries)
}
