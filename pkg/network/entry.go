package network

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ember-mesh/ember/pkg/packet"
)

// State is the lifecycle of one neighbor slot.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDraining
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var ErrNotReady = errors.New("network: connection not ready")

// Entry is one neighbor connection and the routes learned through it. The
// entry outlives a transient link loss: during draining the transport conn
// is gone but the timestamp map and admission permit are retained.
type Entry struct {
	id      ConnID
	inbound bool

	mu         sync.Mutex
	state      State
	conn       Conn
	addr       string
	nodeID     packet.NodeID
	nodeKnown  bool
	lastSeen   map[packet.NodeID]time.Time
	permit     *Permit
	drainTimer *time.Timer

	// writeMu serializes writers: a link allows one outstanding write.
	writeMu sync.Mutex
}

func newEntry(id ConnID, conn Conn, inbound bool, permit *Permit) *Entry {
	return &Entry{
		id:       id,
		inbound:  inbound,
		state:    StateConnecting,
		conn:     conn,
		addr:     conn.RemoteAddr(),
		lastSeen: make(map[packet.NodeID]time.Time),
		permit:   permit,
	}
}

// ID is the stable identifier of this logical neighbor connection. It does
// not change when a draining neighbor reattaches on a fresh link.
func (e *Entry) ID() ConnID { return e.id }

func (e *Entry) Inbound() bool { return e.inbound }

func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// NodeID returns the peer's announced NodeID, if it announced one.
func (e *Entry) NodeID() (packet.NodeID, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.nodeID, e.nodeKnown
}

func (e *Entry) RemoteAddr() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.addr
}

// Write sends data on the link. Callers are serialized; a connection that
// is not Ready fails immediately so the router moves to the next candidate.
func (e *Entry) Write(ctx context.Context, data []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	e.mu.Lock()
	conn, state := e.conn, e.state
	e.mu.Unlock()

	if state != StateReady || conn == nil {
		return ErrNotReady
	}
	return conn.Write(ctx, data)
}

// routeTimestamp returns the last-seen time for node via this neighbor.
func (e *Entry) routeTimestamp(node packet.NodeID) (time.Time, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ts, ok := e.lastSeen[node]
	return ts, ok
}

// Routes returns a copy of the NodeID -> last-seen map.
func (e *Entry) Routes() map[packet.NodeID]time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	routes := make(map[packet.NodeID]time.Time, len(e.lastSeen))
	for n, ts := range e.lastSeen {
		routes[n] = ts
	}
	return routes
}
