package stagechain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHybrid_WrapUnwrapRecoversSameSecret(t *testing.T) {
	recipient, err := GenerateHybridKeyPair()
	require.NoError(t, err)

	encapsulated, sharedSecret, err := HybridWrap(recipient)
	require.NoError(t, err)

	recovered, err := HybridUnwrap(recipient, encapsulated)
	require.NoError(t, err)

	assert.Equal(t, sharedSecret, recovered)
}

func TestHybrid_DifferentWrapsProduceDifferentSecrets(t *testing.T) {
	recipient, err := GenerateHybridKeyPair()
	require.NoError(t, err)

	_, secret1, err := HybridWrap(recipient)
	require.NoError(t, err)
	_, secret2, err := HybridWrap(recipient)
	require.NoError(t, err)

	assert.NotEqual(t, secret1, secret2, "ephemeral encapsulation must not be deterministic across wraps")
}

func TestLoadOrGenerateHybridKeyPair_GeneratesThenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kyber.key")

	first, err := LoadOrGenerateHybridKeyPair(path)
	require.NoError(t, err)

	second, err := LoadOrGenerateHybridKeyPair(path)
	require.NoError(t, err)

	assert.Equal(t, first.Private, second.Private)
	assert.Equal(t, first.Public, second.Public)
}

func TestLoadOrGenerateHybridKeyPair_RejectsWrongLength(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kyber.key")
	require.NoError(t, os.WriteFile(path, []byte("too short"), 0o600))

	_, err := LoadOrGenerateHybridKeyPair(path)
	assert.Error(t, err)
}

func TestMixHybridSecret_ChangesKeyMaterial(t *testing.T) {
	kr, err := NewKeyring(testMasterSecret())
	require.NoError(t, err)
	defer kr.Close()

	kp, err := kr.GetKeyPair(1)
	require.NoError(t, err)
	originalKey1 := kp.Key1

	recipient, err := GenerateHybridKeyPair()
	require.NoError(t, err)
	_, secret, err := HybridWrap(recipient)
	require.NoError(t, err)

	tweak := [16]byte{}
	MixHybridSecret(kp, &tweak, secret)

	assert.NotEqual(t, originalKey1, kp.Key1)
}
