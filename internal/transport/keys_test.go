package transport

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadOrGenerateKeyPair_GeneratesAndPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.key")

	kp1, err := LoadOrGenerateKeyPair(path)
	require.NoError(t, err)
	assert.NotEqual(t, [KeySize]byte{}, kp1.Public)

	kp2, err := LoadOrGenerateKeyPair(path)
	require.NoError(t, err)
	assert.Equal(t, kp1.Public, kp2.Public)
	assert.Equal(t, kp1.Private, kp2.Private)
}

func TestSaveAndLoadPublicKey_RoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "peer.pub")

	kp, err := GenerateKeyPair()
	require.NoError(t, err)

	require.NoError(t, SavePublicKey(path, kp.Public))

	loaded, err := LoadPublicKey(path)
	require.NoError(t, err)
	assert.Equal(t, kp.Public, loaded)
}

func TestLoadOrGenerateKeyPair_RejectsMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.key")
	require.NoError(t, os.WriteFile(path, []byte("too-short"), 0o600))

	_, err := LoadOrGenerateKeyPair(path)
	assert.Error(t, err)
}
