package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-mesh/ember/pkg/packet"
)

// stubSender fabricates packets locally and lets each test script what
// happens to a sent request.
type stubSender struct {
	mu     sync.Mutex
	sent   []*packet.Packet
	onSend func(p *packet.Packet) error
}

func (s *stubSender) NewPacket(typ byte, dest packet.NodeID, destService, srcService uint16, seq, seqLen uint16, data []byte) (*packet.Packet, error) {
	return packet.New(typ, dest, destService, 1, srcService, seq, seqLen, data)
}

func (s *stubSender) Send(ctx context.Context, p *packet.Packet) error {
	s.mu.Lock()
	s.sent = append(s.sent, p)
	fn := s.onSend
	s.mu.Unlock()
	if fn != nil {
		return fn(p)
	}
	return nil
}

func (s *stubSender) lastSent() *packet.Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.sent) == 0 {
		return nil
	}
	return s.sent[len(s.sent)-1]
}

func newTestRegistry(timeout time.Duration) (*Registry, *stubSender) {
	s := &stubSender{}
	return NewRegistry(Config{Sender: s, CallTimeout: timeout}), s
}

func TestRegistry_BindUnbind(t *testing.T) {
	g, _ := newTestRegistry(0)
	h := HandlerFunc(func(*packet.Packet) *packet.Packet { return nil })

	require.NoError(t, g.Bind(100, h))
	assert.True(t, g.Bound(100))

	err := g.Bind(100, h)
	require.ErrorIs(t, err, ErrServiceBound)

	g.Unbind(100)
	assert.False(t, g.Bound(100))
	require.NoError(t, g.Bind(100, h), "freed numbers are reusable")
}

func TestRegistry_DispatchUnboundService(t *testing.T) {
	g, _ := newTestRegistry(0)

	p, err := packet.New(packet.KindData, 1, 555, 2, 1, 1, 1, nil)
	require.NoError(t, err)

	resp, handled := g.Dispatch(p)
	assert.False(t, handled)
	assert.Nil(t, resp)
}

func TestRegistry_DispatchReturnsHandlerResponse(t *testing.T) {
	g, _ := newTestRegistry(0)

	require.NoError(t, g.Bind(100, HandlerFunc(func(p *packet.Packet) *packet.Packet {
		resp, _ := p.Response(packet.FlagAck, []byte("pong"))
		return resp
	})))

	p, err := packet.New(packet.KindData, 1, 100, 2, 9000, 1, 1, []byte("ping"))
	require.NoError(t, err)

	resp, handled := g.Dispatch(p)
	require.True(t, handled)
	require.NotNil(t, resp)
	assert.Equal(t, []byte("pong"), resp.Data)
}

func TestRegistry_EphemeralPortsScanUpward(t *testing.T) {
	g, _ := newTestRegistry(0)
	h := HandlerFunc(func(*packet.Packet) *packet.Packet { return nil })

	// Occupy the first two reply ports; allocation must skip past them.
	require.NoError(t, g.Bind(EphemeralBase, h))
	require.NoError(t, g.Bind(EphemeralBase+1, h))

	port, err := g.bindEphemeral(h)
	require.NoError(t, err)
	assert.Equal(t, EphemeralBase+2, port)

	next, err := g.bindEphemeral(h)
	require.NoError(t, err)
	assert.Equal(t, EphemeralBase+3, next)

	g.Unbind(port)
	reused, err := g.bindEphemeral(h)
	require.NoError(t, err)
	assert.Equal(t, port, reused)
}

func TestRegistry_CallRoundTrip(t *testing.T) {
	g, sender := newTestRegistry(2 * time.Second)
	sender.onSend = func(req *packet.Packet) error {
		// Remote node acks back to the reply port.
		go func() {
			resp, err := req.Response(packet.FlagAck, []byte("done"))
			if err != nil {
				return
			}
			g.Dispatch(resp)
		}()
		return nil
	}

	resp, err := g.Call(context.Background(), 2, 100, []byte("work"))
	require.NoError(t, err)
	assert.True(t, resp.IsAck())
	assert.Equal(t, []byte("done"), resp.Data)

	req := sender.lastSent()
	require.NotNil(t, req)
	assert.Equal(t, packet.NodeID(2), req.DestinationNode)
	assert.Equal(t, uint16(100), req.DestinationService)
	assert.GreaterOrEqual(t, req.SourceService, EphemeralBase, "requests reply to an ephemeral port")
	assert.False(t, g.Bound(req.SourceService), "reply port must be unbound after the exchange")
}

func TestRegistry_CallRejected(t *testing.T) {
	g, sender := newTestRegistry(2 * time.Second)
	sender.onSend = func(req *packet.Packet) error {
		go func() {
			resp, err := req.Response(packet.FlagReject, nil)
			if err != nil {
				return
			}
			g.Dispatch(resp)
		}()
		return nil
	}

	resp, err := g.Call(context.Background(), 2, 100, nil)
	require.ErrorIs(t, err, ErrRejected)
	require.NotNil(t, resp, "the reject packet itself is surfaced alongside the error")
	assert.True(t, resp.IsReject())
}

func TestRegistry_CallTimesOutWithoutReply(t *testing.T) {
	g, _ := newTestRegistry(50 * time.Millisecond)

	_, err := g.Call(context.Background(), 2, 100, []byte("void"))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRegistry_CallSendFailureSurfaces(t *testing.T) {
	g, sender := newTestRegistry(time.Second)
	boom := errors.New("link down")
	sender.onSend = func(*packet.Packet) error { return boom }

	_, err := g.Call(context.Background(), 2, 100, nil)
	require.ErrorIs(t, err, boom)
}

func TestRegistry_ReplyPortFreedOnEveryPath(t *testing.T) {
	g, sender := newTestRegistry(30 * time.Millisecond)

	freePorts := func() int {
		n := 0
		for port := uint32(EphemeralBase); port <= 0xFFFF; port++ {
			if !g.Bound(uint16(port)) {
				n++
			}
		}
		return n
	}
	before := freePorts()

	sender.onSend = func(*packet.Packet) error { return errors.New("nope") }
	g.Call(context.Background(), 2, 100, nil)

	sender.onSend = nil // send succeeds, nobody replies
	g.Call(context.Background(), 2, 100, nil)

	assert.Equal(t, before, freePorts(), "leaked reply ports would eventually exhaust the range")
}
