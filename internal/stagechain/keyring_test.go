package stagechain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/space/internal/types"
)

func testMasterSecret() []byte {
	b := make([]byte, 32)
	for i := range b {
		b[i] = byte(i)
	}
	return b
}

func TestNewKeyring_RequiresThirtyTwoBytes(t *testing.T) {
	_, err := NewKeyring(make([]byte, 16))
	assert.Error(t, err)
}

func TestKeyring_DerivationIsDeterministic(t *testing.T) {
	kr, err := NewKeyring(testMasterSecret())
	require.NoError(t, err)
	defer kr.Close()

	a, err := kr.GetKeyPair(1)
	require.NoError(t, err)
	b, err := kr.GetKeyPair(1)
	require.NoError(t, err)

	assert.Equal(t, a, b, "same version must derive the same key pair")
}

func TestKeyring_DifferentVersionsDeriveDifferentKeys(t *testing.T) {
	kr, err := NewKeyring(testMasterSecret())
	require.NoError(t, err)
	defer kr.Close()

	v1, err := kr.GetKeyPair(1)
	require.NoError(t, err)
	v2, err := kr.GetKeyPair(2)
	require.NoError(t, err)

	assert.NotEqual(t, v1.Key1, v2.Key1)
}

func TestKeyring_Rotate(t *testing.T) {
	kr, err := NewKeyring(testMasterSecret())
	require.NoError(t, err)
	defer kr.Close()

	assert.Equal(t, types.KeyVersion(1), kr.CurrentVersion())

	next, err := kr.Rotate()
	require.NoError(t, err)
	assert.Equal(t, types.KeyVersion(2), next)
	assert.Equal(t, types.KeyVersion(2), kr.CurrentVersion())
}

func TestKeyring_CloseZeroizesKeys(t *testing.T) {
	kr, err := NewKeyring(testMasterSecret())
	require.NoError(t, err)

	kp, err := kr.GetKeyPair(1)
	require.NoError(t, err)

	kr.Close()

	var zero [32]byte
	assert.Equal(t, zero, kp.Key1)
	assert.Equal(t, zero, kp.Key2)
}

func TestMasterSecretFromHex(t *testing.T) {
	secret, err := MasterSecretFromHex("0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	assert.Len(t, secret, 32)

	_, err = MasterSecretFromHex("not-hex")
	assert.Error(t, err)

	_, err = MasterSecretFromHex("aabb")
	assert.Error(t, err)
}
