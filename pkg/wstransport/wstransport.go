// Package wstransport carries the mesh link layer over websockets for
// development and multi-process testing. One websocket connection stands in
// for one point-to-point link; a leading tag byte multiplexes the hello
// handshake, packet writes, and OGM notifications on it.
package wstransport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/ember-mesh/ember/pkg/network"
	"github.com/ember-mesh/ember/pkg/packet"
)

const (
	frameHello  byte = 0x00
	framePacket byte = 0x01
	frameNotify byte = 0x02

	helloTimeout = 10 * time.Second
	writeTimeout = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

type Config struct {
	// ListenAddr accepts inbound links when non-empty, e.g. ":7733".
	ListenAddr string

	// Self is announced in the hello frame; zero it out by clearing
	// Announce to model a peer that declines to identify.
	Self     packet.NodeID
	Announce bool

	Logger logrus.FieldLogger
}

// Transport implements network.Transport over websockets.
type Transport struct {
	cfg    Config
	log    logrus.FieldLogger
	events chan network.Event

	listener net.Listener
	server   *http.Server

	mu      sync.Mutex
	recv    network.Receiver
	inbound map[network.ConnID]*wsConn
	closed  bool
}

func New(cfg Config) *Transport {
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Transport{
		cfg:     cfg,
		log:     cfg.Logger.WithField("component", "wstransport"),
		events:  make(chan network.Event, 32),
		inbound: make(map[network.ConnID]*wsConn),
	}
}

// Listen starts accepting inbound links. Returns once the socket is bound.
func (t *Transport) Listen() error {
	if t.cfg.ListenAddr == "" {
		return errors.New("wstransport: no listen address configured")
	}
	ln, err := net.Listen("tcp", t.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", t.cfg.ListenAddr, err)
	}
	t.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/mesh", t.handleUpgrade)
	t.server = &http.Server{Handler: mux}

	go func() {
		if err := t.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			t.log.Warnf("server stopped: %v", err)
		}
	}()
	t.log.Infof("listening on %s", ln.Addr())
	return nil
}

// ListenAddr returns the bound address, useful with ":0" listeners.
func (t *Transport) ListenAddr() string {
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		t.log.Debugf("upgrade failed: %v", err)
		return
	}
	c := t.newConn(ws, true)
	t.emit(network.Event{Kind: network.EventConnected, Conn: c, ConnID: c.id, Inbound: true})
	go c.readLoop()
}

func (t *Transport) Dial(ctx context.Context, addr string) (network.Conn, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	c := t.newConn(ws, false)
	go c.readLoop()
	return c, nil
}

func (t *Transport) newConn(ws *websocket.Conn, inbound bool) *wsConn {
	return &wsConn{
		id:      uuid.New(),
		t:       t,
		ws:      ws,
		inbound: inbound,
		hello:   make(chan packet.NodeID, 1),
	}
}

func (t *Transport) SetReceiver(r network.Receiver) {
	t.mu.Lock()
	t.recv = r
	t.mu.Unlock()
}

func (t *Transport) receiver() network.Receiver {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.recv
}

func (t *Transport) Events() <-chan network.Event { return t.events }

// BroadcastNotify fans a notify frame to every handshaken inbound link.
func (t *Transport) BroadcastNotify(data []byte) error {
	t.mu.Lock()
	conns := make([]*wsConn, 0, len(t.inbound))
	for _, c := range t.inbound {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	frame := append([]byte{frameNotify}, data...)
	for _, c := range conns {
		if err := c.writeFrame(frame); err != nil {
			t.log.Debugf("notify to %s failed: %v", c.RemoteAddr(), err)
		}
	}
	return nil
}

func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	conns := make([]*wsConn, 0, len(t.inbound))
	for _, c := range t.inbound {
		conns = append(conns, c)
	}
	t.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if t.server != nil {
		return t.server.Close()
	}
	return nil
}

func (t *Transport) emit(ev network.Event) {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return
	}
	select {
	case t.events <- ev:
	default:
	}
}

func (t *Transport) markInbound(c *wsConn) {
	t.mu.Lock()
	t.inbound[c.id] = c
	t.mu.Unlock()
}

func (t *Transport) dropInbound(id network.ConnID) {
	t.mu.Lock()
	delete(t.inbound, id)
	t.mu.Unlock()
}

type wsConn struct {
	id      network.ConnID
	t       *Transport
	ws      *websocket.Conn
	inbound bool
	hello   chan packet.NodeID

	writeMu sync.Mutex

	mu     sync.Mutex
	closed bool
}

func (c *wsConn) ID() network.ConnID { return c.id }

func (c *wsConn) RemoteAddr() string { return c.ws.RemoteAddr().String() }

// Handshake exchanges hello frames: 4 bytes of announced NodeID, zero when
// the peer declines to identify itself.
func (c *wsConn) Handshake(ctx context.Context) (packet.NodeID, bool, error) {
	var announced [4]byte
	if c.t.cfg.Announce {
		binary.BigEndian.PutUint32(announced[:], uint32(c.t.cfg.Self))
	}
	if err := c.writeFrame(append([]byte{frameHello}, announced[:]...)); err != nil {
		return 0, false, fmt.Errorf("hello write: %w", err)
	}

	deadline := time.After(helloTimeout)
	select {
	case node := <-c.hello:
		if c.inbound {
			c.t.markInbound(c)
		}
		return node, node != 0, nil
	case <-deadline:
		return 0, false, errors.New("wstransport: hello timeout")
	case <-ctx.Done():
		return 0, false, ctx.Err()
	}
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.writeFrame(append([]byte{framePacket}, data...))
}

func (c *wsConn) writeFrame(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.BinaryMessage, frame)
}

func (c *wsConn) readLoop() {
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			clean := websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
			c.teardown(clean)
			return
		}
		if len(msg) == 0 {
			continue
		}
		switch msg[0] {
		case frameHello:
			if len(msg) >= 5 {
				select {
				case c.hello <- packet.NodeID(binary.BigEndian.Uint32(msg[1:5])):
				default:
				}
			}
		case framePacket:
			if r := c.t.receiver(); r != nil {
				r.HandlePacket(c.id, msg[1:])
			}
		case frameNotify:
			if r := c.t.receiver(); r != nil {
				r.HandleNotify(c.id, msg[1:])
			}
		}
	}
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}

func (c *wsConn) teardown(clean bool) {
	c.mu.Lock()
	wasClosed := c.closed
	c.closed = true
	c.mu.Unlock()

	if c.inbound {
		c.t.dropInbound(c.id)
	}
	c.ws.Close()
	if wasClosed {
		// Local close already in flight; the remote sees the close frame
		// and this side reports a clean teardown.
		clean = true
	}
	reason := network.DisconnectError
	if clean {
		reason = network.DisconnectClean
	}
	c.t.emit(network.Event{
		Kind:    network.EventDisconnected,
		ConnID:  c.id,
		Inbound: c.inbound,
		Reason:  reason,
	})
}
