package packet

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (ed25519.PublicKey, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	return pub, priv
}

func singleKeyLookup(pub ed25519.PublicKey) KeyLookup {
	return func(NodeID) []ed25519.PublicKey {
		return []ed25519.PublicKey{pub}
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	pub, priv := testKeys(t)

	p, err := New(KindData, 0x00000002, 100, 0x00000001, 9000, 1, 1, []byte("hello"))
	require.NoError(t, err)

	raw := Encode(p, priv)
	require.Len(t, raw, HeaderSize+5)

	decoded, valid, err := Decode(raw, singleKeyLookup(pub), 0x00000002)
	require.NoError(t, err)
	require.True(t, valid)
	assert.Equal(t, p.Type, decoded.Type)
	assert.Equal(t, p.Nonce, decoded.Nonce)
	assert.Equal(t, p.SequenceNumber, decoded.SequenceNumber)
	assert.Equal(t, p.SequenceLength, decoded.SequenceLength)
	assert.Equal(t, p.DestinationNode, decoded.DestinationNode)
	assert.Equal(t, p.DestinationService, decoded.DestinationService)
	assert.Equal(t, p.SourceNode, decoded.SourceNode)
	assert.Equal(t, p.SourceService, decoded.SourceService)
	assert.Equal(t, []byte("hello"), decoded.Data)
}

func TestCodec_EmptyPayload(t *testing.T) {
	pub, priv := testKeys(t)

	p, err := New(FlagAck|KindData, 7, 0, 9, 0, 0, 0, nil)
	require.NoError(t, err)

	raw := Encode(p, priv)
	require.Len(t, raw, HeaderSize)

	decoded, valid, err := Decode(raw, singleKeyLookup(pub), 7)
	require.NoError(t, err)
	require.True(t, valid)
	assert.Empty(t, decoded.Data)
	assert.True(t, decoded.IsAck())
}

func TestCodec_Truncated(t *testing.T) {
	_, _, err := Decode(make([]byte, HeaderSize-1), nil, 1)
	require.ErrorIs(t, err, ErrTruncated)
}

func TestCodec_BitFlipInvalidatesSignature(t *testing.T) {
	pub, priv := testKeys(t)

	p, err := New(KindData, 5, 100, 6, 200, 1, 1, []byte{0xAB, 0xCD})
	require.NoError(t, err)
	raw := Encode(p, priv)

	// Flip one bit per byte across the whole signed region.
	for i := SignatureSize; i < len(raw); i++ {
		corrupted := make([]byte, len(raw))
		copy(corrupted, raw)
		corrupted[i] ^= 0x01

		_, valid, err := Decode(corrupted, singleKeyLookup(pub), 5)
		require.NoError(t, err)
		assert.False(t, valid, "bit flip at offset %d went undetected", i)
	}
}

func TestCodec_ForwarderNeverVerifies(t *testing.T) {
	_, priv := testKeys(t)

	p, err := New(KindData, 0x0000BEEF, 1, 2, 3, 1, 1, []byte("relayed"))
	require.NoError(t, err)
	raw := Encode(p, priv)

	lookups := 0
	counting := func(NodeID) []ed25519.PublicKey {
		lookups++
		return nil
	}

	// Local node differs from the destination: forwarding path.
	decoded, valid, err := Decode(raw, counting, 0x00000001)
	require.NoError(t, err)
	assert.False(t, valid)
	assert.Zero(t, lookups, "forwarders must not pay for key lookups")
	assert.Equal(t, NodeID(0x0000BEEF), decoded.DestinationNode)
}

func TestCodec_MultipleCandidateKeys(t *testing.T) {
	pub, priv := testKeys(t)
	otherPub, _ := testKeys(t)

	p, err := New(KindData, 3, 1, 4, 1, 1, 1, []byte("rotated"))
	require.NoError(t, err)
	raw := Encode(p, priv)

	// Wrong key first: rotation means any candidate may match.
	lookup := func(NodeID) []ed25519.PublicKey {
		return []ed25519.PublicKey{otherPub, pub}
	}
	_, valid, err := Decode(raw, lookup, 3)
	require.NoError(t, err)
	assert.True(t, valid)

	// No candidates at all: unknown node, delivery is rejected upstream.
	_, valid, err = Decode(raw, func(NodeID) []ed25519.PublicKey { return nil }, 3)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestCodec_Peek(t *testing.T) {
	_, priv := testKeys(t)

	p, err := New(KindSyn, 0x11223344, 77, 0x55667788, 88, 2, 9, []byte("x"))
	require.NoError(t, err)
	raw := Encode(p, priv)

	dest, err := PeekDestinationNode(raw)
	require.NoError(t, err)
	assert.Equal(t, NodeID(0x11223344), dest)

	src, err := PeekSourceNode(raw)
	require.NoError(t, err)
	assert.Equal(t, NodeID(0x55667788), src)

	nonce, err := PeekNonce(raw)
	require.NoError(t, err)
	assert.Equal(t, p.Nonce, nonce)

	_, err = PeekDestinationNode(raw[:HeaderSize-1])
	assert.ErrorIs(t, err, ErrTruncated)
}

func TestPacket_Response(t *testing.T) {
	p, err := New(KindData, 2, 100, 1, 33000, 4, 8, []byte("req"))
	require.NoError(t, err)

	resp, err := p.Response(FlagAck, nil)
	require.NoError(t, err)
	assert.Equal(t, p.SourceNode, resp.DestinationNode)
	assert.Equal(t, p.SourceService, resp.DestinationService)
	assert.Equal(t, p.DestinationNode, resp.SourceNode)
	assert.Equal(t, p.DestinationService, resp.SourceService)
	assert.Equal(t, p.SequenceNumber, resp.SequenceNumber)
	assert.Equal(t, p.SequenceLength, resp.SequenceLength)
	assert.True(t, resp.IsAck())
	assert.False(t, resp.IsReject())
	assert.Equal(t, KindData, resp.Kind())
	assert.NotEqual(t, p.Nonce, resp.Nonce)
}

func TestPacket_TypeBits(t *testing.T) {
	p := &Packet{Type: KindData | FlagAck | FlagMore}
	assert.True(t, p.IsAck())
	assert.True(t, p.IsMore())
	assert.False(t, p.IsReject())
	assert.Equal(t, KindData, p.Kind())
	assert.False(t, p.IsPing())

	ping := &Packet{Type: 0}
	assert.True(t, ping.IsPing())
}
