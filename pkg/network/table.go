package network

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ember-mesh/ember/pkg/packet"
)

var ErrNoSlots = errors.New("network: no free connection slots")

// Config for a connection Table. Zero fields take defaults.
type Config struct {
	Self      packet.NodeID
	Transport Transport

	MaxInbound   int
	MaxOutbound  int
	SetupTimeout time.Duration
	DrainGrace   time.Duration

	// OnEvict fires when a neighbor that had reached Ready is finally
	// closed; the router turns it into an eviction OGM for downstream
	// nodes.
	OnEvict func(conn ConnID)

	// OnTopologyChanged fires when the reachable set may have changed.
	OnTopologyChanged func()

	Logger logrus.FieldLogger
}

// Table tracks neighbor connections in separately-bounded inbound and
// outbound pools and answers the routing questions the router asks:
// is a node reachable, and through which neighbors, freshest first.
type Table struct {
	cfg Config
	log logrus.FieldLogger

	inbound  *permits
	outbound *permits

	mu      sync.RWMutex
	entries map[ConnID]*Entry // by Entry.ID()
	byConn  map[ConnID]*Entry // by live transport conn id
}

func NewTable(cfg Config) *Table {
	if cfg.MaxInbound <= 0 {
		cfg.MaxInbound = DefaultMaxInbound
	}
	if cfg.MaxOutbound <= 0 {
		cfg.MaxOutbound = DefaultMaxOutbound
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	if cfg.DrainGrace <= 0 {
		cfg.DrainGrace = defaultDrainGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	return &Table{
		cfg:      cfg,
		log:      cfg.Logger.WithField("component", "table"),
		inbound:  newPermits(cfg.MaxInbound),
		outbound: newPermits(cfg.MaxOutbound),
		entries:  make(map[ConnID]*Entry),
		byConn:   make(map[ConnID]*Entry),
	}
}

// Run consumes transport events until ctx is cancelled. The event loop is a
// single goroutine so transport callbacks are evacuated quickly; handshakes
// run on their own goroutines.
func (t *Table) Run(ctx context.Context) {
	events := t.cfg.Transport.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case EventConnected:
				if ev.Inbound {
					t.admitInbound(ev.Conn)
				}
			case EventDisconnected:
				t.handleDisconnected(ev)
			}
		}
	}
}

// admitInbound applies the inbound admission policy: accept up to capacity,
// refuse immediately beyond it. A full slot table means "try someone else".
func (t *Table) admitInbound(conn Conn) {
	permit, ok := t.inbound.TryAcquire()
	if !ok {
		t.log.WithField("addr", conn.RemoteAddr()).Debug("inbound slots exhausted, refusing connection")
		conn.Close()
		return
	}

	e := newEntry(conn.ID(), conn, true, permit)
	t.register(e, conn)

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), t.cfg.SetupTimeout)
		defer cancel()
		t.completeHandshake(ctx, e, conn)
	}()
}

// ConnectOutbound dials addr, performs the handshake, and installs a Ready
// entry. The admission permit is acquired before dialing and released on
// every failure path, including cancellation.
func (t *Table) ConnectOutbound(ctx context.Context, addr string) (*Entry, error) {
	permit, ok := t.outbound.TryAcquire()
	if !ok {
		t.log.WithField("addr", addr).Debug("outbound slots exhausted")
		return nil, ErrNoSlots
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.cfg.SetupTimeout)
	defer cancel()

	conn, err := t.cfg.Transport.Dial(dialCtx, addr)
	if err != nil {
		permit.Release()
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	e := newEntry(conn.ID(), conn, false, permit)
	t.register(e, conn)

	ready, err := t.completeHandshake(dialCtx, e, conn)
	if err != nil {
		return nil, err
	}
	return ready, nil
}

// completeHandshake moves an entry from Connecting to Ready, or reattaches
// the link to a draining entry for the same neighbor identity. On failure
// the slot is torn down without an eviction: no routes existed through it.
func (t *Table) completeHandshake(ctx context.Context, e *Entry, conn Conn) (*Entry, error) {
	node, announced, err := conn.Handshake(ctx)
	if err != nil {
		t.log.WithFields(logrus.Fields{"conn": e.id, "addr": conn.RemoteAddr()}).Debugf("handshake failed: %v", err)
		t.failSetup(e, conn)
		return nil, fmt.Errorf("handshake: %w", err)
	}

	if prior := t.findDraining(e.inbound, conn.RemoteAddr(), node, announced); prior != nil {
		if t.reattach(prior, e, conn, node, announced) {
			return prior, nil
		}
	}

	e.mu.Lock()
	if e.state != StateConnecting {
		e.mu.Unlock()
		t.failSetup(e, conn)
		return nil, ErrNotReady
	}
	e.state = StateReady
	e.addr = conn.RemoteAddr()
	if announced {
		e.nodeID = node
		e.nodeKnown = true
	}
	e.mu.Unlock()

	t.log.WithFields(logrus.Fields{
		"conn":    e.id,
		"addr":    conn.RemoteAddr(),
		"node":    node,
		"inbound": e.inbound,
	}).Info("neighbor ready")
	t.topologyChanged()
	return e, nil
}

func (t *Table) register(e *Entry, conn Conn) {
	t.mu.Lock()
	t.entries[e.id] = e
	t.byConn[conn.ID()] = e
	t.mu.Unlock()
}

// failSetup tears down an attempt that never reached Ready.
func (t *Table) failSetup(e *Entry, conn Conn) {
	t.mu.Lock()
	delete(t.entries, e.id)
	delete(t.byConn, conn.ID())
	t.mu.Unlock()

	e.mu.Lock()
	e.state = StateClosed
	e.conn = nil
	e.mu.Unlock()

	e.permit.Release()
	conn.Close()
}

// findDraining looks for a draining entry with the same role and neighbor
// identity: the announced NodeID when there is one, otherwise the link
// address, which is what a transient radio error preserves.
func (t *Table) findDraining(inbound bool, addr string, node packet.NodeID, announced bool) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		if e.inbound != inbound {
			continue
		}
		e.mu.Lock()
		match := e.state == StateDraining &&
			((announced && e.nodeKnown && e.nodeID == node) || (addr != "" && e.addr == addr))
		e.mu.Unlock()
		if match {
			return e
		}
	}
	return nil
}

// reattach folds a fresh link into a draining entry: same logical neighbor,
// timestamp map reused, no spurious eviction flood. The provisional entry's
// permit goes back; the draining entry still holds its original slot. Returns
// false if the drain grace expired while the handshake was in flight, in
// which case the caller installs the provisional entry normally.
func (t *Table) reattach(prior *Entry, provisional *Entry, conn Conn, node packet.NodeID, announced bool) bool {
	prior.mu.Lock()
	if prior.state != StateDraining {
		prior.mu.Unlock()
		return false
	}
	if prior.drainTimer != nil {
		prior.drainTimer.Stop()
		prior.drainTimer = nil
	}
	prior.state = StateReady
	prior.conn = conn
	prior.addr = conn.RemoteAddr()
	if announced {
		prior.nodeID = node
		prior.nodeKnown = true
	}
	prior.mu.Unlock()

	t.mu.Lock()
	delete(t.entries, provisional.id)
	t.byConn[conn.ID()] = prior
	t.mu.Unlock()

	provisional.mu.Lock()
	provisional.state = StateClosed
	provisional.conn = nil
	provisional.mu.Unlock()
	provisional.permit.Release()

	t.log.WithFields(logrus.Fields{"conn": prior.id, "addr": conn.RemoteAddr()}).Info("neighbor reattached within drain grace")
	return true
}

func (t *Table) handleDisconnected(ev Event) {
	t.mu.Lock()
	e := t.byConn[ev.ConnID]
	delete(t.byConn, ev.ConnID)
	t.mu.Unlock()
	if e == nil {
		return
	}

	e.mu.Lock()
	switch e.state {
	case StateConnecting:
		e.mu.Unlock()
		t.closeEntry(e, false)
	case StateReady:
		if ev.Reason == DisconnectClean {
			e.mu.Unlock()
			t.closeEntry(e, true)
			return
		}
		// Ambiguous teardown: hold the slot for a reconnect.
		e.state = StateDraining
		e.conn = nil
		e.drainTimer = time.AfterFunc(t.cfg.DrainGrace, func() { t.expireDrain(e) })
		e.mu.Unlock()
		t.log.WithFields(logrus.Fields{"conn": e.id, "addr": e.RemoteAddr()}).Debug("neighbor draining")
	default:
		e.mu.Unlock()
	}
}

func (t *Table) expireDrain(e *Entry) {
	e.mu.Lock()
	expired := e.state == StateDraining
	e.mu.Unlock()
	if expired {
		t.closeEntry(e, true)
	}
}

// Disconnect closes a neighbor explicitly.
func (t *Table) Disconnect(id ConnID) {
	t.mu.RLock()
	e := t.entries[id]
	t.mu.RUnlock()
	if e == nil {
		return
	}
	e.mu.Lock()
	hadRoutes := e.state == StateReady || e.state == StateDraining
	e.mu.Unlock()
	t.closeEntry(e, hadRoutes)
}

// closeEntry is the single terminal path: slot released (idempotent), entry
// removed, and, when routes had been established, the eviction hook fired.
func (t *Table) closeEntry(e *Entry, evict bool) {
	e.mu.Lock()
	if e.state == StateClosed {
		e.mu.Unlock()
		return
	}
	if e.drainTimer != nil {
		e.drainTimer.Stop()
		e.drainTimer = nil
	}
	e.state = StateClosed
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	t.mu.Lock()
	delete(t.entries, e.id)
	if conn != nil {
		delete(t.byConn, conn.ID())
	}
	t.mu.Unlock()

	e.permit.Release()
	if conn != nil {
		conn.Close()
	}

	if evict {
		t.log.WithField("conn", e.id).Debug("neighbor closed, evicting routes")
		if t.cfg.OnEvict != nil {
			t.cfg.OnEvict(e.id)
		}
		t.topologyChanged()
	}
}

// Close tears down every entry without flooding evictions; the process is
// going away with the routes.
func (t *Table) Close() {
	t.mu.RLock()
	entries := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		entries = append(entries, e)
	}
	t.mu.RUnlock()
	for _, e := range entries {
		t.closeEntry(e, false)
	}
}

func (t *Table) topologyChanged() {
	if t.cfg.OnTopologyChanged != nil {
		t.cfg.OnTopologyChanged()
	}
}

// ObserveRoute records that node is reachable via the given connection and
// reports whether that is new information (a route appearing, not a
// timestamp refresh).
func (t *Table) ObserveRoute(conn ConnID, node packet.NodeID) bool {
	e := t.lookupByConn(conn)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateReady {
		return false
	}
	_, existed := e.lastSeen[node]
	e.lastSeen[node] = time.Now()
	return !existed
}

// EvictRoutes clears every route learned through the given connection and
// reports whether any existed.
func (t *Table) EvictRoutes(conn ConnID) bool {
	e := t.lookupByConn(conn)
	if e == nil {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	had := len(e.lastSeen) > 0
	for n := range e.lastSeen {
		delete(e.lastSeen, n)
	}
	return had
}

func (t *Table) lookupByConn(conn ConnID) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byConn[conn]
}

// Entry returns the entry keyed by its stable id.
func (t *Table) Entry(id ConnID) *Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.entries[id]
}

// BestConnectionsFor returns the Ready neighbors believed to reach node,
// freshest route first. A neighbor directly identified as the node itself
// is included even before any OGM arrived through it.
func (t *Table) BestConnectionsFor(node packet.NodeID) []*Entry {
	t.mu.RLock()
	snapshot := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		snapshot = append(snapshot, e)
	}
	t.mu.RUnlock()

	type scored struct {
		e  *Entry
		ts time.Time
	}
	var withRoute []scored
	var directOnly []*Entry
	for _, e := range snapshot {
		if e.State() != StateReady {
			continue
		}
		if ts, ok := e.routeTimestamp(node); ok {
			withRoute = append(withRoute, scored{e, ts})
			continue
		}
		if id, known := e.NodeID(); known && id == node {
			directOnly = append(directOnly, e)
		}
	}

	sort.SliceStable(withRoute, func(i, j int) bool {
		return withRoute[i].ts.After(withRoute[j].ts)
	})

	out := make([]*Entry, 0, len(withRoute)+len(directOnly))
	for _, s := range withRoute {
		out = append(out, s.e)
	}
	return append(out, directOnly...)
}

// IsReachable implements the reachability predicate: self, any route map
// mention, or a directly-identified neighbor.
func (t *Table) IsReachable(node packet.NodeID) bool {
	if node == t.cfg.Self {
		return true
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.entries {
		e.mu.Lock()
		state := e.state
		_, viaRoute := e.lastSeen[node]
		direct := state == StateReady && e.nodeKnown && e.nodeID == node
		e.mu.Unlock()
		if state == StateClosed || state == StateConnecting {
			continue
		}
		if viaRoute || direct {
			return true
		}
	}
	return false
}

// ReachableNodeIDs is the derived view over every entry's route map plus
// the directly-identified neighbors and self.
func (t *Table) ReachableNodeIDs() []packet.NodeID {
	set := map[packet.NodeID]struct{}{t.cfg.Self: {}}
	t.mu.RLock()
	for _, e := range t.entries {
		e.mu.Lock()
		if e.state == StateReady || e.state == StateDraining {
			for n := range e.lastSeen {
				set[n] = struct{}{}
			}
		}
		if e.state == StateReady && e.nodeKnown {
			set[e.nodeID] = struct{}{}
		}
		e.mu.Unlock()
	}
	t.mu.RUnlock()
	return sortedNodeIDs(set)
}

// DirectlyConnectedNodeIDs lists neighbors with a completed handshake and a
// known NodeID, regardless of OGM freshness.
func (t *Table) DirectlyConnectedNodeIDs() []packet.NodeID {
	set := make(map[packet.NodeID]struct{})
	t.mu.RLock()
	for _, e := range t.entries {
		e.mu.Lock()
		if e.state == StateReady && e.nodeKnown {
			set[e.nodeID] = struct{}{}
		}
		e.mu.Unlock()
	}
	t.mu.RUnlock()
	return sortedNodeIDs(set)
}

func sortedNodeIDs(set map[packet.NodeID]struct{}) []packet.NodeID {
	out := make([]packet.NodeID, 0, len(set))
	for n := range set {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SelectCandidate picks which advertiser to spend the next outbound slot
// on: first one that strictly grows reachability, then one that is at least
// not already a direct neighbor, else uniformly at random. Multiple
// advertisers claiming one NodeID are taken first-match.
func (t *Table) SelectCandidate(cands []Candidate) (Candidate, bool) {
	if len(cands) == 0 {
		return Candidate{}, false
	}

	for _, c := range cands {
		if c.Announced && !t.IsReachable(c.NodeID) {
			return c, true
		}
	}

	direct := make(map[packet.NodeID]struct{})
	for _, n := range t.DirectlyConnectedNodeIDs() {
		direct[n] = struct{}{}
	}
	for _, c := range cands {
		if !c.Announced {
			continue
		}
		if _, ok := direct[c.NodeID]; !ok {
			return c, true
		}
	}

	return cands[rand.Intn(len(cands))], true
}

// Entries returns a snapshot of all live entries, for status display.
func (t *Table) Entries() []*Entry {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	return out
}

// SlotsAvailable reports free inbound and outbound admission slots.
func (t *Table) SlotsAvailable() (inbound, outbound int) {
	return t.inbound.available(), t.outbound.available()
}

// Self returns the local NodeID.
func (t *Table) Self() packet.NodeID { return t.cfg.Self }
