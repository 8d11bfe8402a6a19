package packet

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"errors"
)

// Wire layout, fixed header then payload:
//
//	offset  size  field
//	0       64    signature
//	64      1     packetType
//	65      8     packetNonce
//	73      2     sequenceNumber
//	75      2     sequenceLength
//	77      4     destinationNode
//	81      2     destinationServiceNumber
//	83      4     sourceNode
//	87      2     sourceServiceNumber
//	89      N     data
//
// The signature covers every byte after itself.
const (
	SignatureSize = ed25519.SignatureSize
	HeaderSize    = 89

	offType        = 64
	offNonce       = 65
	offSeqNum      = 73
	offSeqLen      = 75
	offDestNode    = 77
	offDestService = 81
	offSourceNode  = 83
	offSrcService  = 87
)

var ErrTruncated = errors.New("packet: buffer shorter than fixed header")

// KeyLookup returns the candidate public keys for a node. Multiple keys per
// node are allowed (key rotation); an empty result means the node is unknown.
type KeyLookup func(NodeID) []ed25519.PublicKey

// Encode serializes p and signs it with the sender's private key. The
// output is deterministic for a given packet since the nonce is already
// fixed at construction.
func Encode(p *Packet, privateKey ed25519.PrivateKey) []byte {
	buf := make([]byte, HeaderSize+len(p.Data))
	buf[offType] = p.Type
	binary.BigEndian.PutUint64(buf[offNonce:], p.Nonce)
	binary.BigEndian.PutUint16(buf[offSeqNum:], p.SequenceNumber)
	binary.BigEndian.PutUint16(buf[offSeqLen:], p.SequenceLength)
	binary.BigEndian.PutUint32(buf[offDestNode:], uint32(p.DestinationNode))
	binary.BigEndian.PutUint16(buf[offDestService:], p.DestinationService)
	binary.BigEndian.PutUint32(buf[offSourceNode:], uint32(p.SourceNode))
	binary.BigEndian.PutUint16(buf[offSrcService:], p.SourceService)
	copy(buf[HeaderSize:], p.Data)

	digest := sha256.Sum256(buf[SignatureSize:])
	copy(buf[:SignatureSize], ed25519.Sign(privateKey, digest[:]))
	return buf
}

// Decode parses data into a Packet. The signature is verified only when the
// packet is addressed to localNode: forwarders never pay for key lookup or
// verification, and for them signatureValid is unconditionally false.
// An invalid signature on a locally-addressed packet is not a decode error;
// the router answers it with a reject.
func Decode(data []byte, keys KeyLookup, localNode NodeID) (*Packet, bool, error) {
	if len(data) < HeaderSize {
		return nil, false, ErrTruncated
	}

	p := &Packet{
		Type:               data[offType],
		Nonce:              binary.BigEndian.Uint64(data[offNonce:]),
		SequenceNumber:     binary.BigEndian.Uint16(data[offSeqNum:]),
		SequenceLength:     binary.BigEndian.Uint16(data[offSeqLen:]),
		DestinationNode:    NodeID(binary.BigEndian.Uint32(data[offDestNode:])),
		DestinationService: binary.BigEndian.Uint16(data[offDestService:]),
		SourceNode:         NodeID(binary.BigEndian.Uint32(data[offSourceNode:])),
		SourceService:      binary.BigEndian.Uint16(data[offSrcService:]),
	}
	if len(data) > HeaderSize {
		p.Data = make([]byte, len(data)-HeaderSize)
		copy(p.Data, data[HeaderSize:])
	}

	valid := false
	if p.DestinationNode == localNode && keys != nil {
		digest := sha256.Sum256(data[SignatureSize:])
		for _, pub := range keys(p.SourceNode) {
			if len(pub) == ed25519.PublicKeySize && ed25519.Verify(pub, digest[:], data[:SignatureSize]) {
				valid = true
				break
			}
		}
	}

	return p, valid, nil
}

// PeekDestinationNode reads the destination without a full parse.
func PeekDestinationNode(data []byte) (NodeID, error) {
	if len(data) < HeaderSize {
		return 0, ErrTruncated
	}
	return NodeID(binary.BigEndian.Uint32(data[offDestNode:])), nil
}

// PeekSourceNode reads the source without a full parse.
func PeekSourceNode(data []byte) (NodeID, error) {
	if len(data) < HeaderSize {
		return 0, ErrTruncated
	}
	return NodeID(binary.BigEndian.Uint32(data[offSourceNode:])), nil
}

// PeekNonce reads the packet nonce without a full parse.
func PeekNonce(data []byte) (uint64, error) {
	if len(data) < HeaderSize {
		return 0, ErrTruncated
	}
	return binary.BigEndian.Uint64(data[offNonce:]), nil
}
