// Package router orchestrates the mesh core: it validates, deduplicates,
// and authenticates inbound packets, decides forward-vs-deliver, answers
// with acks and rejects, and drives outbound transmission over the best
// available neighbor.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ember-mesh/ember/pkg/crypto"
	"github.com/ember-mesh/ember/pkg/network"
	"github.com/ember-mesh/ember/pkg/nonce"
	"github.com/ember-mesh/ember/pkg/ogm"
	"github.com/ember-mesh/ember/pkg/packet"
)

var (
	ErrNoRoute = errors.New("router: no route to destination")
	ErrTimeout = errors.New("router: transmission attempt timed out")
)

const (
	defaultTransmitTimeout = 10 * time.Second
	defaultRetryDelay      = 500 * time.Millisecond

	defaultPacketNonceCapacity = 4096
)

// Dispatcher delivers a locally-addressed, authenticated packet to the
// handler bound to its destination service number. The returned packet, if
// any, is the handler's custom response. handled reports whether a handler
// was bound at all.
type Dispatcher interface {
	Dispatch(p *packet.Packet) (resp *packet.Packet, handled bool)
}

// Config for a Router. Zero durations and capacities take defaults.
type Config struct {
	Self      packet.NodeID
	Keys      *crypto.KeyPair
	KeyStore  crypto.KeyStore
	Transport network.Transport

	MaxInbound   int
	MaxOutbound  int
	SetupTimeout time.Duration
	DrainGrace   time.Duration

	SelfAnnounceInterval time.Duration
	OGMServeInterval     time.Duration

	// TransmitTimeout bounds one whole logical transmission attempt;
	// RetryDelay is the pause between candidate-list refreshes within it.
	TransmitTimeout time.Duration
	RetryDelay      time.Duration

	PacketNonceCapacity int

	Logger logrus.FieldLogger
}

// Router is the long-lived mesh engine, constructed once at process start
// with injected collaborators. It owns the connection table and the OGM
// engine and implements network.Receiver for the transport.
type Router struct {
	cfg Config
	log logrus.FieldLogger

	table  *network.Table
	engine *ogm.Engine
	nonces *nonce.Tracker[uint64]

	mu         sync.RWMutex
	dispatcher Dispatcher
	topoSubs   []func()

	topoCh chan struct{}
}

func New(cfg Config) *Router {
	if cfg.TransmitTimeout <= 0 {
		cfg.TransmitTimeout = defaultTransmitTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	if cfg.PacketNonceCapacity <= 0 {
		cfg.PacketNonceCapacity = defaultPacketNonceCapacity
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	r := &Router{
		cfg:    cfg,
		log:    cfg.Logger.WithField("component", "router"),
		nonces: nonce.NewTracker[uint64](cfg.PacketNonceCapacity),
		topoCh: make(chan struct{}, 1),
	}

	r.table = network.NewTable(network.Config{
		Self:         cfg.Self,
		Transport:    cfg.Transport,
		MaxInbound:   cfg.MaxInbound,
		MaxOutbound:  cfg.MaxOutbound,
		SetupTimeout: cfg.SetupTimeout,
		DrainGrace:   cfg.DrainGrace,
		OnEvict: func(conn network.ConnID) {
			if err := r.engine.AnnounceEviction(); err != nil {
				r.log.Warnf("failed to announce eviction: %v", err)
			}
		},
		OnTopologyChanged: r.signalTopologyChanged,
		Logger:            cfg.Logger,
	})

	r.engine = ogm.NewEngine(ogm.Config{
		Self:              cfg.Self,
		Transport:         cfg.Transport,
		Table:             r.table,
		SelfInterval:      cfg.SelfAnnounceInterval,
		ServeInterval:     cfg.OGMServeInterval,
		OnTopologyChanged: r.signalTopologyChanged,
		Logger:            cfg.Logger,
	})

	cfg.Transport.SetReceiver(r)
	return r
}

// Start launches the table event loop, the OGM tickers, and the topology
// fan-out. Everything stops when ctx is cancelled.
func (r *Router) Start(ctx context.Context) {
	go r.table.Run(ctx)
	go r.engine.Run(ctx)
	go r.topologyLoop(ctx)
}

// Table exposes the connection table for status views and neighbor control.
func (r *Router) Table() *network.Table { return r.table }

// OGM exposes the flooding engine.
func (r *Router) OGM() *ogm.Engine { return r.engine }

// Self returns the local NodeID.
func (r *Router) Self() packet.NodeID { return r.cfg.Self }

// SetDispatcher installs the service-number dispatch layer.
func (r *Router) SetDispatcher(d Dispatcher) {
	r.mu.Lock()
	r.dispatcher = d
	r.mu.Unlock()
}

// OnTopologyChanged registers a listener. Listeners run on the router's
// fan-out goroutine, coalesced to at-most-approximately-once per change.
func (r *Router) OnTopologyChanged(fn func()) {
	r.mu.Lock()
	r.topoSubs = append(r.topoSubs, fn)
	r.mu.Unlock()
}

func (r *Router) signalTopologyChanged() {
	select {
	case r.topoCh <- struct{}{}:
	default:
	}
}

func (r *Router) topologyLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-r.topoCh:
			r.mu.RLock()
			subs := make([]func(), len(r.topoSubs))
			copy(subs, r.topoSubs)
			r.mu.RUnlock()
			for _, fn := range subs {
				fn()
			}
		}
	}
}

// NewPacket builds an outbound packet from this node and registers its
// nonce in the replay tracker in the same step, so the node never later
// mistakes its own packet for a fresh one.
func (r *Router) NewPacket(typ byte, dest packet.NodeID, destService, srcService uint16, seq, seqLen uint16, data []byte) (*packet.Packet, error) {
	p, err := packet.New(typ, dest, destService, r.cfg.Self, srcService, seq, seqLen, data)
	if err != nil {
		return nil, err
	}
	r.nonces.Add(p.Nonce)
	return p, nil
}

// HandleNotify feeds the OGM channel. Part of network.Receiver.
func (r *Router) HandleNotify(conn network.ConnID, data []byte) {
	r.engine.HandleNotify(conn, data)
}

// HandlePacket is the inbound pipeline. The boolean is the only feedback
// the previous hop gets: true means this node delivered locally or accepted
// the packet for best-effort forwarding, false means it was dropped.
// Part of network.Receiver.
func (r *Router) HandlePacket(conn network.ConnID, data []byte) bool {
	if len(data) < packet.HeaderSize {
		return false
	}

	var lookup packet.KeyLookup
	if r.cfg.KeyStore != nil {
		lookup = r.cfg.KeyStore.PublicKeysForNode
	}
	p, valid, err := packet.Decode(data, lookup, r.cfg.Self)
	if err != nil {
		return false
	}

	// Replays are the steady state under flooding, not an anomaly.
	if !r.nonces.Add(p.Nonce) {
		return false
	}

	if p.DestinationNode == r.cfg.Self {
		r.deliverLocal(p, valid)
		return true
	}

	if !r.table.IsReachable(p.DestinationNode) {
		r.log.WithFields(logrus.Fields{"dest": p.DestinationNode, "source": p.SourceNode}).Debug("no route, dropping packet")
		return false
	}

	raw := make([]byte, len(data))
	copy(raw, data)
	go r.forward(p.DestinationNode, raw)
	return true
}

// deliverLocal hands an authenticated packet to the bound service handler,
// or answers an unauthenticated one with a signed reject so the sender
// learns its key material is wrong.
func (r *Router) deliverLocal(p *packet.Packet, valid bool) {
	if !valid {
		if p.IsAck() || p.IsReject() {
			// An unverifiable reply gets no counter-reject; two nodes
			// missing each other's keys would storm rejects forever.
			r.log.WithField("source", p.SourceNode).Debug("unverifiable reply, dropping")
			return
		}
		r.log.WithFields(logrus.Fields{"source": p.SourceNode, "service": p.DestinationService}).Warn("signature invalid, sending reject")
		go r.respond(p, packet.FlagReject)
		return
	}

	r.mu.RLock()
	d := r.dispatcher
	r.mu.RUnlock()
	if d == nil {
		r.log.WithField("service", p.DestinationService).Debug("no dispatcher installed, dropping delivery")
		return
	}

	resp, handled := d.Dispatch(p)
	if !handled {
		r.log.WithField("service", p.DestinationService).Debug("no handler bound for service")
		return
	}

	switch {
	case resp != nil:
		go func() {
			if err := r.Send(context.Background(), resp); err != nil {
				r.log.Debugf("response transmission failed: %v", err)
			}
		}()
	case !p.IsAck() && !p.IsReject():
		// Bare ack; replies to acks would ping-pong forever.
		go r.respond(p, packet.FlagAck)
	}
}

func (r *Router) respond(p *packet.Packet, flags byte) {
	resp, err := p.Response(flags, nil)
	if err != nil {
		r.log.Warnf("failed to build response packet: %v", err)
		return
	}
	if err := r.Send(context.Background(), resp); err != nil {
		r.log.Debugf("response transmission failed: %v", err)
	}
}

// forward relays the original signed bytes; a relay must never re-encode or
// re-sign someone else's packet.
func (r *Router) forward(dest packet.NodeID, raw []byte) {
	err := r.withBestConnection(context.Background(), dest, func(e *network.Entry) error {
		return e.Write(context.Background(), raw)
	})
	if err != nil {
		r.log.WithField("dest", dest).Debugf("forwarding failed: %v", err)
	}
}

// Send signs and transmits a locally-built packet toward its destination.
// A self-addressed packet loops straight back into local dispatch; the node
// trusts bytes it produced itself.
func (r *Router) Send(ctx context.Context, p *packet.Packet) error {
	r.nonces.Add(p.Nonce)

	if p.DestinationNode == r.cfg.Self {
		r.deliverLocal(p, true)
		return nil
	}

	raw := packet.Encode(p, r.cfg.Keys.PrivateKey)
	return r.withBestConnection(ctx, p.DestinationNode, func(e *network.Entry) error {
		return e.Write(ctx, raw)
	})
}
