package stagechain

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/space/internal/types"
)

func testKeyPair(t *testing.T) *KeyPair {
	t.Helper()
	kr, err := NewKeyring(testMasterSecret())
	require.NoError(t, err)
	t.Cleanup(kr.Close)
	kp, err := kr.GetKeyPair(1)
	require.NoError(t, err)
	return kp
}

func TestEncryptor_RoundTrip(t *testing.T) {
	var enc Encryptor
	var hasher Hasher

	kp := testKeyPair(t)
	plaintext := bytes.Repeat([]byte("segment payload bytes"), 4)

	hash, err := hasher.Hash(plaintext)
	require.NoError(t, err)

	ciphertext, meta, err := enc.Encrypt(plaintext, hash, 1, kp)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)
	assert.Len(t, ciphertext, len(plaintext))

	decrypted, err := enc.Decrypt(ciphertext, meta, kp)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptor_DeterministicTweakPreservesDedup(t *testing.T) {
	var enc Encryptor
	var hasher Hasher

	kp := testKeyPair(t)
	plaintext := bytes.Repeat([]byte("same content both times"), 4)

	hash, err := hasher.Hash(plaintext)
	require.NoError(t, err)

	ciphertext1, meta1, err := enc.Encrypt(plaintext, hash, 1, kp)
	require.NoError(t, err)
	ciphertext2, meta2, err := enc.Encrypt(plaintext, hash, 1, kp)
	require.NoError(t, err)

	assert.Equal(t, ciphertext1, ciphertext2, "identical plaintext must yield identical ciphertext so dedup still works post-encryption")
	assert.Equal(t, meta1.Tweak, meta2.Tweak)
}

func TestEncryptor_TamperedCiphertextFailsMAC(t *testing.T) {
	var enc Encryptor
	var hasher Hasher

	kp := testKeyPair(t)
	plaintext := bytes.Repeat([]byte("integrity protected data"), 4)

	hash, err := hasher.Hash(plaintext)
	require.NoError(t, err)

	ciphertext, meta, err := enc.Encrypt(plaintext, hash, 1, kp)
	require.NoError(t, err)

	tampered := append([]byte(nil), ciphertext...)
	tampered[0] ^= 0xFF

	_, err = enc.Decrypt(tampered, meta, kp)
	assert.ErrorIs(t, err, types.ErrIntegrityFailure)
}

func TestEncryptor_TamperedMetadataFailsMAC(t *testing.T) {
	var enc Encryptor
	var hasher Hasher

	kp := testKeyPair(t)
	plaintext := bytes.Repeat([]byte("metadata protected too"), 4)

	hash, err := hasher.Hash(plaintext)
	require.NoError(t, err)

	ciphertext, meta, err := enc.Encrypt(plaintext, hash, 1, kp)
	require.NoError(t, err)

	meta.KeyVersion = meta.KeyVersion + 1

	_, err = enc.Decrypt(ciphertext, meta, kp)
	assert.ErrorIs(t, err, types.ErrIntegrityFailure)
}

func TestEncryptor_HybridRoundTrip(t *testing.T) {
	var enc Encryptor
	var hasher Hasher

	kp := testKeyPair(t)
	recipient, err := GenerateHybridKeyPair()
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("hybrid wrapped segment"), 4)
	hash, err := hasher.Hash(plaintext)
	require.NoError(t, err)

	encapsulated, secret, err := HybridWrap(recipient)
	require.NoError(t, err)

	ciphertext, meta, err := enc.EncryptHybrid(plaintext, hash, 1, kp, encapsulated, secret)
	require.NoError(t, err)
	assert.Equal(t, encapsulated, meta.OptionalKyberWrap)

	recoveredSecret, err := HybridUnwrap(recipient, meta.OptionalKyberWrap)
	require.NoError(t, err)
	assert.Equal(t, secret, recoveredSecret)

	decrypted, err := enc.DecryptHybrid(ciphertext, meta, kp, recoveredSecret)
	require.NoError(t, err)
	assert.Equal(t, plaintext, decrypted)
}

func TestEncryptor_HybridWrongSecretFailsMAC(t *testing.T) {
	var enc Encryptor
	var hasher Hasher

	kp := testKeyPair(t)
	recipient, err := GenerateHybridKeyPair()
	require.NoError(t, err)

	plaintext := bytes.Repeat([]byte("hybrid wrapped segment"), 4)
	hash, err := hasher.Hash(plaintext)
	require.NoError(t, err)

	encapsulated, secret, err := HybridWrap(recipient)
	require.NoError(t, err)

	ciphertext, meta, err := enc.EncryptHybrid(plaintext, hash, 1, kp, encapsulated, secret)
	require.NoError(t, err)

	var wrongSecret [32]byte
	_, err = enc.DecryptHybrid(ciphertext, meta, kp, wrongSecret)
	assert.ErrorIs(t, err, types.ErrIntegrityFailure)
}

func TestEncryptor_RejectsUndersizedSegment(t *testing.T) {
	var enc Encryptor
	kp := testKeyPair(t)

	_, _, err := enc.Encrypt([]byte("short"), types.ContentHash{}, 1, kp)
	assert.Error(t, err)
}
