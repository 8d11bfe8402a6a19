package network

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ember-mesh/ember/pkg/packet"
)

// Loopback is an in-process hub bridging several transports, the stand-in
// for a radio link layer in tests and demo runs. Delivery is asynchronous,
// like link callbacks, but strictly ordered within one connection.
type Loopback struct {
	mu    sync.RWMutex
	nodes map[string]*LoopbackTransport
}

func NewLoopback() *Loopback {
	return &Loopback{nodes: make(map[string]*LoopbackTransport)}
}

// Transport registers a new endpoint on the hub. announce controls whether
// the node discloses its NodeID during handshakes.
func (l *Loopback) Transport(addr string, node packet.NodeID, announce bool) *LoopbackTransport {
	t := &LoopbackTransport{
		hub:      l,
		addr:     addr,
		node:     node,
		announce: announce,
		events:   make(chan Event, 32),
		inbound:  make(map[ConnID]*loopConn),
	}
	l.mu.Lock()
	l.nodes[addr] = t
	l.mu.Unlock()
	return t
}

func (l *Loopback) lookup(addr string) *LoopbackTransport {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.nodes[addr]
}

// LoopbackTransport is one endpoint on a Loopback hub.
type LoopbackTransport struct {
	hub      *Loopback
	addr     string
	node     packet.NodeID
	announce bool
	events   chan Event

	mu      sync.Mutex
	recv    Receiver
	inbound map[ConnID]*loopConn // handshaken inbound links
	closed  bool
}

func (t *LoopbackTransport) SetReceiver(r Receiver) {
	t.mu.Lock()
	t.recv = r
	t.mu.Unlock()
}

func (t *LoopbackTransport) receiver() Receiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv
}

func (t *LoopbackTransport) Events() <-chan Event { return t.events }

func (t *LoopbackTransport) Addr() string { return t.addr }

// Dial connects to another endpoint on the hub. The remote side sees an
// inbound Connected event; the caller gets the outbound half.
func (t *LoopbackTransport) Dial(ctx context.Context, addr string) (Conn, error) {
	remote := t.hub.lookup(addr)
	if remote == nil {
		return nil, fmt.Errorf("loopback: no endpoint at %s", addr)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	local := newLoopConn(t, false)
	peer := newLoopConn(remote, true)
	local.peer = peer
	peer.peer = local

	remote.emit(Event{Kind: EventConnected, Conn: peer, ConnID: peer.id, Inbound: true})
	return local, nil
}

// BroadcastNotify delivers data to every handshaken inbound peer.
func (t *LoopbackTransport) BroadcastNotify(data []byte) error {
	t.mu.Lock()
	conns := make([]*loopConn, 0, len(t.inbound))
	for _, c := range t.inbound {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.peer.deliver(item{notify: true, data: data})
	}
	return nil
}

func (t *LoopbackTransport) Close() error {
	t.hub.mu.Lock()
	delete(t.hub.nodes, t.addr)
	t.hub.mu.Unlock()
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}

func (t *LoopbackTransport) emit(ev Event) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	select {
	case t.events <- ev:
	default:
		// Event channel backed up; drop rather than block the link layer.
	}
}

func (t *LoopbackTransport) markInbound(c *loopConn) {
	t.mu.Lock()
	t.inbound[c.id] = c
	t.mu.Unlock()
}

func (t *LoopbackTransport) dropInbound(id ConnID) {
	t.mu.Lock()
	delete(t.inbound, id)
	t.mu.Unlock()
}

// Drop severs the identified link abnormally, as a radio error would. Both
// sides observe a non-clean disconnect.
func (t *LoopbackTransport) Drop(id ConnID) {
	t.mu.Lock()
	target := t.inbound[id]
	t.mu.Unlock()
	if target != nil {
		target.teardown(DisconnectError)
	}
}

type item struct {
	notify bool
	data   []byte
}

type loopConn struct {
	id      ConnID
	owner   *LoopbackTransport
	peer    *loopConn
	inbound bool

	// queue keeps delivery asynchronous yet strictly ordered, matching a
	// link that completes one write at a time.
	queue chan item
	done  chan struct{}
	once  sync.Once

	mu     sync.Mutex
	closed bool
}

func newLoopConn(owner *LoopbackTransport, inbound bool) *loopConn {
	c := &loopConn{
		id:      uuid.New(),
		owner:   owner,
		inbound: inbound,
		queue:   make(chan item, 256),
		done:    make(chan struct{}),
	}
	go c.deliverLoop()
	return c
}

func (c *loopConn) deliverLoop() {
	for {
		select {
		case <-c.done:
			return
		case it := <-c.queue:
			r := c.owner.receiver()
			if r == nil {
				continue
			}
			if it.notify {
				r.HandleNotify(c.id, it.data)
			} else {
				r.HandlePacket(c.id, it.data)
			}
		}
	}
}

// deliver enqueues an item for this side's receiver.
func (c *loopConn) deliver(it item) {
	buf := make([]byte, len(it.data))
	copy(buf, it.data)
	it.data = buf
	select {
	case c.queue <- it:
	case <-c.done:
	}
}

func (c *loopConn) ID() ConnID { return c.id }

func (c *loopConn) RemoteAddr() string { return c.peer.owner.addr }

// Handshake models service discovery: it confirms the peer endpoint speaks
// the protocol and returns its announced NodeID. The inbound half becomes
// eligible for broadcast notifications once handshaken.
func (c *loopConn) Handshake(ctx context.Context) (packet.NodeID, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, false, errors.New("loopback: connection closed")
	}
	if c.inbound {
		c.owner.markInbound(c)
	} else {
		c.peer.owner.markInbound(c.peer)
	}
	remote := c.peer.owner
	return remote.node, remote.announce, nil
}

func (c *loopConn) Write(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("loopback: write on closed connection")
	}
	c.peer.deliver(item{data: data})
	return nil
}

func (c *loopConn) Close() error {
	c.teardown(DisconnectClean)
	return nil
}

// teardown closes both halves and emits a Disconnected event on each side.
func (c *loopConn) teardown(reason DisconnectReason) {
	for _, half := range []*loopConn{c, c.peer} {
		half.mu.Lock()
		if half.closed {
			half.mu.Unlock()
			continue
		}
		half.closed = true
		half.mu.Unlock()

		half.once.Do(func() { close(half.done) })
		if half.inbound {
			half.owner.dropInbound(half.id)
		}
		half.owner.emit(Event{
			Kind:    EventDisconnected,
			ConnID:  half.id,
			Inbound: half.inbound,
			Reason:  reason,
		})
	}
}
