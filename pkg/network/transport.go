// Package network manages the bounded set of neighbor connections: slot
// admission, the per-neighbor lifecycle state machine, and the OGM-derived
// routing view used to pick the best connection toward a destination.
package network

import (
	"context"

	"github.com/google/uuid"

	"github.com/ember-mesh/ember/pkg/packet"
)

// ConnID is the stable per-connection identifier assigned by the transport.
// Table entries are keyed by it, never by NodeID: in dense networks several
// entries may share a peer NodeID.
type ConnID = uuid.UUID

// DisconnectReason classifies a link teardown. Anything that is not a clean
// remote or local close is treated as ambiguous and enters the drain grace
// window instead of terminating the slot outright.
type DisconnectReason int

const (
	DisconnectClean DisconnectReason = iota
	DisconnectError
)

type EventKind int

const (
	EventConnected EventKind = iota
	EventDisconnected
)

// Event is a transport notification. Connected events carry the new link;
// disconnected events carry the id of the link that went away and why.
type Event struct {
	Kind    EventKind
	Conn    Conn
	ConnID  ConnID
	Inbound bool
	Reason  DisconnectReason
}

// Conn is a duplex byte-stream link to one peer, owned by the connection
// table. A link allows only one outstanding write at a time; the table
// serializes callers.
type Conn interface {
	ID() ConnID

	// RemoteAddr is the stable link-layer identity of the peer, used to
	// recognize a draining neighbor that reconnects.
	RemoteAddr() string

	// Handshake confirms the peer speaks this protocol and returns the
	// NodeID it announced, if any. A peer may decline to announce.
	Handshake(ctx context.Context) (node packet.NodeID, announced bool, err error)

	Write(ctx context.Context, data []byte) error
	Close() error
}

// Candidate is a discovered peer eligible for an outbound connection.
type Candidate struct {
	Addr      string
	NodeID    packet.NodeID
	Announced bool
}

// Receiver accepts inbound bytes from the transport: packet writes on a
// connection, and broadcast notifications (the OGM channel).
type Receiver interface {
	HandlePacket(conn ConnID, data []byte) bool
	HandleNotify(conn ConnID, data []byte)
}

// Transport is the external link layer. Discovery, advertising, and
// link-level negotiation live behind it.
type Transport interface {
	Dial(ctx context.Context, addr string) (Conn, error)

	// BroadcastNotify sends a small binary notification to every
	// currently-connected inbound peer.
	BroadcastNotify(data []byte) error

	Events() <-chan Event
	SetReceiver(r Receiver)
	Close() error
}
