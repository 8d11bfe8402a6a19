package ogm

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ember-mesh/ember/pkg/network"
	"github.com/ember-mesh/ember/pkg/nonce"
	"github.com/ember-mesh/ember/pkg/packet"
)

const (
	// Self announcements run slower than the serve tick so they escape
	// even under load without dominating bandwidth.
	defaultSelfInterval  = 15 * time.Second
	defaultServeInterval = time.Second

	defaultTrackerCapacity = 1024
)

// Broadcaster is the transport primitive OGMs ride on.
type Broadcaster interface {
	BroadcastNotify(data []byte) error
}

// RouteTable is the slice of the connection table the engine feeds.
type RouteTable interface {
	ObserveRoute(conn network.ConnID, node packet.NodeID) bool
	EvictRoutes(conn network.ConnID) bool
}

type Config struct {
	Self      packet.NodeID
	Transport Broadcaster
	Table     RouteTable

	// Tracker dedups OGM nonces. It must never be shared with the packet
	// nonce tracker.
	Tracker *nonce.Tracker[uint32]

	SelfInterval  time.Duration
	ServeInterval time.Duration

	OnTopologyChanged func()

	Logger logrus.FieldLogger
}

// Engine generates, floods, and consumes OGMs. Pending records sit in a
// FIFO queue drained one per serve tick, which caps OGM bandwidth
// deterministically regardless of backlog.
type Engine struct {
	cfg Config
	log logrus.FieldLogger

	mu    sync.Mutex
	queue []OGM
}

func NewEngine(cfg Config) *Engine {
	if cfg.SelfInterval <= 0 {
		cfg.SelfInterval = defaultSelfInterval
	}
	if cfg.ServeInterval <= 0 {
		cfg.ServeInterval = defaultServeInterval
	}
	if cfg.Tracker == nil {
		cfg.Tracker = nonce.NewTracker[uint32](defaultTrackerCapacity)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Engine{
		cfg: cfg,
		log: cfg.Logger.WithField("component", "ogm"),
	}
}

// Run ticks the engine until ctx is cancelled. One immediate self
// announcement goes out so new neighbors learn us without waiting a full
// interval.
func (e *Engine) Run(ctx context.Context) {
	if err := e.AnnounceSelf(); err != nil {
		e.log.Warnf("initial self announcement failed: %v", err)
	}

	selfTicker := time.NewTicker(e.cfg.SelfInterval)
	serveTicker := time.NewTicker(e.cfg.ServeInterval)
	defer selfTicker.Stop()
	defer serveTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-selfTicker.C:
			if err := e.AnnounceSelf(); err != nil {
				e.log.Warnf("self announcement failed: %v", err)
			}
		case <-serveTicker.C:
			e.ServeOne()
		}
	}
}

// AnnounceSelf queues a fresh self announcement. The nonce is registered
// locally before queuing so reflections of our own record read as seen.
func (e *Engine) AnnounceSelf() error {
	o, err := New(e.cfg.Self)
	if err != nil {
		return err
	}
	e.cfg.Tracker.Add(o.Nonce)
	e.enqueue(o)
	return nil
}

// AnnounceEviction queues the eviction sentinel, synthesized when a
// previously-ready neighbor terminates. Downstream nodes cannot observe
// the dead upstream link themselves; this record tells them.
func (e *Engine) AnnounceEviction() error {
	o, err := New(packet.Broadcast)
	if err != nil {
		return err
	}
	e.cfg.Tracker.Add(o.Nonce)
	e.enqueue(o)
	return nil
}

// HandleNotify consumes an OGM received from a neighbor connection.
// Replays are dropped with no state change or re-queue; anything newly
// seen floods onward even when it taught this node nothing.
func (e *Engine) HandleNotify(conn network.ConnID, data []byte) {
	o, err := Parse(data)
	if err != nil {
		e.log.Debugf("dropping malformed ogm from %s: %v", conn, err)
		return
	}

	if !e.cfg.Tracker.Add(o.Nonce) {
		return
	}

	changed := false
	if o.IsEvict() {
		changed = e.cfg.Table.EvictRoutes(conn)
		e.log.WithField("conn", conn).Debug("eviction ogm: cleared neighbor routes")
	} else {
		changed = e.cfg.Table.ObserveRoute(conn, o.NodeID)
	}

	if changed && e.cfg.OnTopologyChanged != nil {
		e.cfg.OnTopologyChanged()
	}

	e.enqueue(o)
}

// ServeOne drains at most one pending OGM to all connected inbound
// listeners. An empty queue is a no-op tick.
func (e *Engine) ServeOne() {
	e.mu.Lock()
	if len(e.queue) == 0 {
		e.mu.Unlock()
		return
	}
	o := e.queue[0]
	e.queue = e.queue[1:]
	e.mu.Unlock()

	if err := e.cfg.Transport.BroadcastNotify(o.Marshal()); err != nil {
		e.log.Debugf("ogm broadcast failed: %v", err)
	}
}

func (e *Engine) enqueue(o OGM) {
	e.mu.Lock()
	e.queue = append(e.queue, o)
	e.mu.Unlock()
}

// QueueDepth reports the pending backlog.
func (e *Engine) QueueDepth() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.queue)
}
