// Package hostiface defines the interfaces the engine and transaction
// layers use to hand control to the application embedding them — call
// ownership, line ownership, authentication, routing, and media hand-off
// (§6). None of these are implemented here: higher-level concerns like
// Jingle/XMPP bridging, presence, SNMP, or a regex-based dialplan router
// are explicitly out of scope for this core and belong to the embedder.
package hostiface

import (
	"net"

	"github.com/flowpbx/iaxd/internal/iax/frame"
)

// CallOwner receives call-progress notifications for one transaction. The
// engine holds only a weak reference to the owner so an embedder can let a
// call's application object be collected without the transaction keeping it
// alive (§5 "weak back-pointer").
type CallOwner interface {
	// HandleEvent delivers one transaction event. Implementations must not
	// block: long work should be handed off to another goroutine.
	HandleEvent(ev any)
}

// LineOwner is notified of a registration line's lifecycle transitions.
type LineOwner interface {
	LineRegistered(refresh int)
	LineUnregistered(reason string)
	LineRejected(cause string)
}

// AuthBackend resolves credentials for inbound registration and call
// authentication. Secret is compared using the challenge the engine itself
// generated; backends never see or need the peer's plaintext response.
type AuthBackend interface {
	Secret(username string) (secret string, ok error)
}

// Router decides where an inbound New transaction's call should be routed,
// given the dialed number and calling line identity.
type Router interface {
	Route(exten, callerID string) (target string, found bool)
}

// MediaConsumer receives decoded, timestamp-reconstructed media frames for
// a connected call.
type MediaConsumer interface {
	ConsumeMedia(format frame.Format, timestamp uint32, payload []byte)
}

// MediaProducer sources outbound payload for a connected call. Nothing in
// the engine polls it; outbound media enters through Transaction.SendMedia.
type MediaProducer interface {
	ProduceMedia() (payload []byte, ok bool)
}

// PeerAddr is the minimal peer address association the engine demux keys
// need from the transport layer (§4.3 "demux").
type PeerAddr = *net.UDPAddr
