// Package ogm implements Originator Message flooding: the periodic
// announcements that build each node's per-neighbor reachability view.
// OGMs are deliberately unsigned; only freshness is enforced, via a nonce
// tracker separate from the packet one.
package ogm

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ember-mesh/ember/pkg/packet"
)

// WireSize is the fixed OGM record size: nodeId u32, nonce u32, big-endian.
const WireSize = 8

var ErrBadLength = errors.New("ogm: record is not 8 bytes")

// OGM is one originator announcement. NodeID equal to the broadcast
// sentinel marks an eviction record: "the neighbor who relayed this no
// longer has confirmed routes".
type OGM struct {
	NodeID packet.NodeID
	Nonce  uint32
}

// New builds an announcement for node with a fresh random nonce.
func New(node packet.NodeID) (OGM, error) {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return OGM{}, fmt.Errorf("failed to generate ogm nonce: %w", err)
	}
	return OGM{NodeID: node, Nonce: binary.BigEndian.Uint32(b[:])}, nil
}

func (o OGM) IsEvict() bool { return o.NodeID == packet.Broadcast }

func (o OGM) Marshal() []byte {
	buf := make([]byte, WireSize)
	binary.BigEndian.PutUint32(buf[0:4], uint32(o.NodeID))
	binary.BigEndian.PutUint32(buf[4:8], o.Nonce)
	return buf
}

func Parse(data []byte) (OGM, error) {
	if len(data) != WireSize {
		return OGM{}, ErrBadLength
	}
	return OGM{
		NodeID: packet.NodeID(binary.BigEndian.Uint32(data[0:4])),
		Nonce:  binary.BigEndian.Uint32(data[4:8]),
	}, nil
}
