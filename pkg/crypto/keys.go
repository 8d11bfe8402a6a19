// pkg/crypto/keys.go
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
)

// KeyPair represents a public/private key pair for signing and verification.
// It is bound to a NodeID for the lifetime of the install; the private key
// never leaves the node.
type KeyPair struct {
	PublicKey  ed25519.PublicKey
	PrivateKey ed25519.PrivateKey
}

// GenerateKeyPair creates a new Ed25519 key pair
func GenerateKeyPair() (*KeyPair, error) {
	publicKey, privateKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}

	return &KeyPair{
		PublicKey:  publicKey,
		PrivateKey: privateKey,
	}, nil
}
