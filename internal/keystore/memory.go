// internal/keystore/memory.go
package keystore

import (
	"bytes"
	"crypto/ed25519"
	"sync"

	"github.com/ember-mesh/ember/pkg/packet"
)

// Memory is an in-process public key store. Nodes may hold several
// authorized keys at once to support rotation.
type Memory struct {
	keys map[packet.NodeID][]ed25519.PublicKey
	mu   sync.RWMutex
}

func NewMemory() *Memory {
	return &Memory{
		keys: make(map[packet.NodeID][]ed25519.PublicKey),
	}
}

func (s *Memory) RegisterPublicKey(node packet.NodeID, key ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.keys[node] {
		if bytes.Equal(existing, key) {
			return
		}
	}
	s.keys[node] = append(s.keys[node], key)
}

func (s *Memory) PublicKeysForNode(node packet.NodeID) []ed25519.PublicKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]ed25519.PublicKey, len(s.keys[node]))
	copy(keys, s.keys[node])
	return keys
}
