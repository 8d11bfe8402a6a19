package ogm

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-mesh/ember/pkg/network"
	"github.com/ember-mesh/ember/pkg/nonce"
	"github.com/ember-mesh/ember/pkg/packet"
)

type stubBroadcaster struct {
	mu    sync.Mutex
	sent  [][]byte
}

func (b *stubBroadcaster) BroadcastNotify(data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sent = append(b.sent, data)
	return nil
}

func (b *stubBroadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.sent)
}

type observation struct {
	conn network.ConnID
	node packet.NodeID
}

type stubTable struct {
	mu             sync.Mutex
	observed       []observation
	evicted        []network.ConnID
	observeChanged bool
	evictHadRoutes bool
}

func (s *stubTable) ObserveRoute(conn network.ConnID, node packet.NodeID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observed = append(s.observed, observation{conn, node})
	return s.observeChanged
}

func (s *stubTable) EvictRoutes(conn network.ConnID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evicted = append(s.evicted, conn)
	return s.evictHadRoutes
}

func newTestEngine(t *testing.T, table *stubTable, onTopo func()) (*Engine, *stubBroadcaster) {
	t.Helper()
	b := &stubBroadcaster{}
	e := NewEngine(Config{
		Self:              0x0000000A,
		Transport:         b,
		Table:             table,
		Tracker:           nonce.NewTracker[uint32](64),
		OnTopologyChanged: onTopo,
	})
	return e, b
}

func TestOGM_WireRoundTrip(t *testing.T) {
	o := OGM{NodeID: 0x01020304, Nonce: 0xAABBCCDD}
	raw := o.Marshal()
	require.Len(t, raw, WireSize)
	assert.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0xAA, 0xBB, 0xCC, 0xDD}, raw)

	parsed, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, o, parsed)
}

func TestOGM_ParseBadLength(t *testing.T) {
	_, err := Parse([]byte{1, 2, 3})
	require.ErrorIs(t, err, ErrBadLength)
	_, err = Parse(make([]byte, 9))
	require.ErrorIs(t, err, ErrBadLength)
}

func TestOGM_EvictSentinel(t *testing.T) {
	o, err := New(packet.Broadcast)
	require.NoError(t, err)
	assert.True(t, o.IsEvict())

	regular, err := New(0x42)
	require.NoError(t, err)
	assert.False(t, regular.IsEvict())
}

func TestEngine_NewOGMUpdatesAndRequeues(t *testing.T) {
	table := &stubTable{observeChanged: true}
	topo := 0
	e, _ := newTestEngine(t, table, func() { topo++ })

	conn := uuid.New()
	o := OGM{NodeID: 0x0B, Nonce: 1}
	e.HandleNotify(conn, o.Marshal())

	require.Len(t, table.observed, 1)
	assert.Equal(t, observation{conn, 0x0B}, table.observed[0])
	assert.Equal(t, 1, topo)
	// Newly-seen OGMs flood onward even if they taught us nothing.
	assert.Equal(t, 1, e.QueueDepth())
}

func TestEngine_UnchangedRouteStillRequeues(t *testing.T) {
	table := &stubTable{observeChanged: false}
	topo := 0
	e, _ := newTestEngine(t, table, func() { topo++ })

	e.HandleNotify(uuid.New(), OGM{NodeID: 0x0B, Nonce: 7}.Marshal())

	assert.Equal(t, 0, topo)
	assert.Equal(t, 1, e.QueueDepth())
}

func TestEngine_ReplayedOGMIgnored(t *testing.T) {
	table := &stubTable{observeChanged: true}
	topo := 0
	e, _ := newTestEngine(t, table, func() { topo++ })

	raw := OGM{NodeID: 0x0B, Nonce: 99}.Marshal()
	connA, connB := uuid.New(), uuid.New()

	e.HandleNotify(connA, raw)
	// Same bytes again, from a different neighbor.
	e.HandleNotify(connB, raw)

	require.Len(t, table.observed, 1, "exactly one timestamp-map update")
	assert.Equal(t, connA, table.observed[0].conn)
	assert.Equal(t, 1, topo, "no second topology signal")
	assert.Equal(t, 1, e.QueueDepth(), "no second re-queue")
}

func TestEngine_EvictionClearsRelayingNeighbor(t *testing.T) {
	table := &stubTable{evictHadRoutes: true}
	topo := 0
	e, _ := newTestEngine(t, table, func() { topo++ })

	conn := uuid.New()
	evict := OGM{NodeID: packet.Broadcast, Nonce: 5}
	e.HandleNotify(conn, evict.Marshal())

	require.Len(t, table.evicted, 1)
	assert.Equal(t, conn, table.evicted[0])
	assert.Empty(t, table.observed)
	assert.Equal(t, 1, topo)
	// Evictions flood too.
	assert.Equal(t, 1, e.QueueDepth())
}

func TestEngine_MalformedOGMDropped(t *testing.T) {
	table := &stubTable{}
	e, _ := newTestEngine(t, table, nil)

	e.HandleNotify(uuid.New(), []byte{1, 2, 3})

	assert.Empty(t, table.observed)
	assert.Equal(t, 0, e.QueueDepth())
}

func TestEngine_SelfAnnouncementRegisteredBeforeQueueing(t *testing.T) {
	table := &stubTable{observeChanged: true}
	e, _ := newTestEngine(t, table, nil)

	require.NoError(t, e.AnnounceSelf())
	require.Equal(t, 1, e.QueueDepth())

	// A reflection of our own announcement must read as already seen.
	e.ServeOne()
	o := lastSent(t, e)
	e.HandleNotify(uuid.New(), o)
	assert.Empty(t, table.observed)
	assert.Equal(t, 0, e.QueueDepth())
}

func lastSent(t *testing.T, e *Engine) []byte {
	t.Helper()
	b, ok := e.cfg.Transport.(*stubBroadcaster)
	require.True(t, ok)
	b.mu.Lock()
	defer b.mu.Unlock()
	require.NotEmpty(t, b.sent)
	return b.sent[len(b.sent)-1]
}

func TestEngine_ServeOnePerTick(t *testing.T) {
	table := &stubTable{}
	e, b := newTestEngine(t, table, nil)

	require.NoError(t, e.AnnounceSelf())
	require.NoError(t, e.AnnounceEviction())
	require.Equal(t, 2, e.QueueDepth())

	e.ServeOne()
	assert.Equal(t, 1, b.count())
	assert.Equal(t, 1, e.QueueDepth())

	e.ServeOne()
	assert.Equal(t, 2, b.count())
	assert.Equal(t, 0, e.QueueDepth())

	// Empty queue tick is a no-op.
	e.ServeOne()
	assert.Equal(t, 2, b.count())
}
