package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ember-mesh/ember/internal/keystore"
)

func TestInitializeIdentity_PersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()

	first := &emberNode{keyStore: keystore.NewMemory()}
	require.NoError(t, first.initializeIdentity(dir))

	second := &emberNode{keyStore: keystore.NewMemory()}
	require.NoError(t, second.initializeIdentity(dir))

	assert.Equal(t, first.nodeID, second.nodeID, "a restart must not mint a new identity")
	assert.Equal(t, first.keys.PublicKey, second.keys.PublicKey)
	assert.Equal(t, first.keys.PrivateKey, second.keys.PrivateKey)
	assert.Len(t, second.keyStore.PublicKeysForNode(second.nodeID), 1)
}

func TestInitializeIdentity_UnwritableDataDirFails(t *testing.T) {
	// A regular file where the data directory should go makes MkdirAll fail.
	blocked := filepath.Join(t.TempDir(), "occupied")
	require.NoError(t, os.WriteFile(blocked, []byte("x"), 0600))

	n := &emberNode{keyStore: keystore.NewMemory()}
	require.Error(t, n.initializeIdentity(blocked))
}
