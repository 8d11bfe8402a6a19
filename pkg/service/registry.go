// Package service multiplexes upper-layer consumers over 16-bit service
// numbers and implements timeout-bounded request/reply on top of the
// router's best-effort datagrams.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ember-mesh/ember/pkg/packet"
)

const (
	// BackhaulService is reserved for the trusted bridge role.
	BackhaulService uint16 = 0

	// EphemeralBase starts the range reserved for reply correlation ports,
	// allocated by scanning upward for the first unbound value.
	EphemeralBase uint16 = 32768
)

var (
	ErrServiceBound   = errors.New("service: service number already bound")
	ErrPortsExhausted = errors.New("service: no free ephemeral reply port")
	ErrRejected       = errors.New("service: request rejected by remote node")
)

const defaultCallTimeout = 20 * time.Second

// Handler consumes packets delivered to one bound service number. A non-nil
// return value is sent back as the custom response instead of a bare ack.
type Handler interface {
	OnPacketReceived(p *packet.Packet) *packet.Packet
}

type HandlerFunc func(p *packet.Packet) *packet.Packet

func (f HandlerFunc) OnPacketReceived(p *packet.Packet) *packet.Packet { return f(p) }

// Sender is the slice of the router the registry needs.
type Sender interface {
	Send(ctx context.Context, p *packet.Packet) error
	NewPacket(typ byte, dest packet.NodeID, destService, srcService uint16, seq, seqLen uint16, data []byte) (*packet.Packet, error)
}

type Config struct {
	Sender Sender

	// CallTimeout bounds a whole request/ack exchange. Keep it at least
	// double the sender's transmission timeout: the request may need a
	// multi-hop forward and the reply has to travel back. The default is
	// sized against the router's default transmission timeout; shortening
	// one means shortening both.
	CallTimeout time.Duration

	Logger logrus.FieldLogger
}

// Registry binds service numbers to handlers and correlates outgoing
// requests with their acknowledgment packets. It implements the router's
// Dispatcher.
type Registry struct {
	sender      Sender
	callTimeout time.Duration
	log         logrus.FieldLogger

	mu       sync.Mutex
	handlers map[uint16]Handler
}

func NewRegistry(cfg Config) *Registry {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Registry{
		sender:      cfg.Sender,
		callTimeout: cfg.CallTimeout,
		log:         cfg.Logger.WithField("component", "service"),
		handlers:    make(map[uint16]Handler),
	}
}

// Bind attaches a handler to a service number.
func (g *Registry) Bind(service uint16, h Handler) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, taken := g.handlers[service]; taken {
		return fmt.Errorf("%w: %d", ErrServiceBound, service)
	}
	g.handlers[service] = h
	return nil
}

func (g *Registry) Unbind(service uint16) {
	g.mu.Lock()
	delete(g.handlers, service)
	g.mu.Unlock()
}

// Bound reports whether a service number has a handler.
func (g *Registry) Bound(service uint16) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.handlers[service]
	return ok
}

// Dispatch routes a delivered packet to its bound handler.
func (g *Registry) Dispatch(p *packet.Packet) (*packet.Packet, bool) {
	g.mu.Lock()
	h := g.handlers[p.DestinationService]
	g.mu.Unlock()
	if h == nil {
		return nil, false
	}
	return h.OnPacketReceived(p), true
}

// bindEphemeral allocates the first unbound reply port at or above
// EphemeralBase.
func (g *Registry) bindEphemeral(h Handler) (uint16, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for port := uint32(EphemeralBase); port <= 0xFFFF; port++ {
		if _, taken := g.handlers[uint16(port)]; !taken {
			g.handlers[uint16(port)] = h
			return uint16(port), nil
		}
	}
	return 0, ErrPortsExhausted
}

// Call sends data to the destination service and waits for the correlated
// response: the remote handler's custom reply, a bare ack, or a reject
// (surfaced as ErrRejected). The reply port is bound for the duration of
// this one exchange and always unbound on the way out.
func (g *Registry) Call(ctx context.Context, dest packet.NodeID, service uint16, data []byte) (*packet.Packet, error) {
	replyCh := make(chan *packet.Packet, 1)
	port, err := g.bindEphemeral(HandlerFunc(func(p *packet.Packet) *packet.Packet {
		select {
		case replyCh <- p:
		default:
		}
		return nil
	}))
	if err != nil {
		return nil, err
	}
	defer g.Unbind(port)

	req, err := g.sender.NewPacket(packet.KindData, dest, service, port, 1, 1, data)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
	defer cancel()

	if err := g.sender.Send(callCtx, req); err != nil {
		return nil, fmt.Errorf("request transmission: %w", err)
	}

	select {
	case resp := <-replyCh:
		if resp.IsReject() {
			return resp, ErrRejected
		}
		return resp, nil
	case <-callCtx.Done():
		return nil, callCtx.Err()
	}
}
