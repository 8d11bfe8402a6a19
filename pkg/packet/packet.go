package packet

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
)

// NodeID identifies a mesh participant. It is self-assigned at first run
// and opaque to the protocol.
type NodeID uint32

// Broadcast is reserved and never assigned to a real node. On the OGM
// channel it doubles as the eviction sentinel.
const Broadcast NodeID = 0xFFFFFFFF

func (n NodeID) String() string {
	return fmt.Sprintf("%08x", uint32(n))
}

// Bits of the packetType field. Bits 7/6/4 are flags, bits 5/3/2 select the
// kind. A type with no kind bit set is a ping.
const (
	FlagAck    byte = 1 << 7
	FlagReject byte = 1 << 6
	KindData   byte = 1 << 5
	FlagMore   byte = 1 << 4
	KindSyn    byte = 1 << 3
	KindFin    byte = 1 << 2
)

const kindMask = KindData | KindSyn | KindFin

// Packet is the unit of wire transmission. It is immutable once built: the
// nonce is generated exactly once in New and never rewritten.
type Packet struct {
	Type               byte
	Nonce              uint64
	SequenceNumber     uint16
	SequenceLength     uint16
	DestinationNode    NodeID
	DestinationService uint16
	SourceNode         NodeID
	SourceService      uint16
	Data               []byte
}

// New builds a packet with a fresh random nonce. Callers register the nonce
// in their replay tracker before the packet leaves the node.
func New(typ byte, dest NodeID, destService uint16, src NodeID, srcService uint16, seq, seqLen uint16, data []byte) (*Packet, error) {
	nonce, err := randomNonce()
	if err != nil {
		return nil, fmt.Errorf("failed to generate packet nonce: %w", err)
	}
	return &Packet{
		Type:               typ,
		Nonce:              nonce,
		SequenceNumber:     seq,
		SequenceLength:     seqLen,
		DestinationNode:    dest,
		DestinationService: destService,
		SourceNode:         src,
		SourceService:      srcService,
		Data:               data,
	}, nil
}

// Response builds the reply skeleton for p: addressing swapped, sequence
// fields copied, the given flags merged into p's kind bits, fresh nonce.
func (p *Packet) Response(flags byte, data []byte) (*Packet, error) {
	return New(p.Type&kindMask|flags, p.SourceNode, p.SourceService, p.DestinationNode, p.DestinationService, p.SequenceNumber, p.SequenceLength, data)
}

func (p *Packet) IsAck() bool    { return p.Type&FlagAck != 0 }
func (p *Packet) IsReject() bool { return p.Type&FlagReject != 0 }
func (p *Packet) IsMore() bool   { return p.Type&FlagMore != 0 }

// Kind returns the kind bits of the type with flags masked off.
func (p *Packet) Kind() byte { return p.Type & kindMask }

// IsPing reports whether no kind bit is set.
func (p *Packet) IsPing() bool { return p.Type&kindMask == 0 }

func randomNonce() (uint64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}
