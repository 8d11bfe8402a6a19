package crypto

import (
	"crypto/ed25519"

	"github.com/ember-mesh/ember/pkg/packet"
)

// KeyStore supplies the public keys of other nodes, keyed by NodeID. A node
// may have several authorized keys at once (rotation); an empty result means
// the node is unknown and its packets cannot be verified.
type KeyStore interface {
	PublicKeysForNode(node packet.NodeID) []ed25519.PublicKey
	RegisterPublicKey(node packet.NodeID, key ed25519.PublicKey)
}
