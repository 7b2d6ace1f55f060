package stagechain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"golang.org/x/crypto/hkdf"

	"github.com/i5heu/space/internal/types"
)

// xtsKeySize is the combined size of the two 32-byte XTS subkeys (key1,
// key2 in XTS-AES-256 terms — AES-256 needs a 32-byte key per sub-cipher).
const xtsKeySize = 64

// hkdfInfoContext is the domain-separation info string for XTS key
// derivation, taken verbatim from
// original_source/crates/encryption/src/keymanager.rs's HKDF_INFO_CONTEXT
// so the derivation matches the original implementation's constants where
// spec.md itself is silent on them.
var hkdfInfoContext = []byte("SPACE-XTS-AES-256-KEY-V1")

// KeyPair holds the two 32-byte XTS subkeys for one key version.
type KeyPair struct {
	Key1 [32]byte
	Key2 [32]byte
}

// Zero overwrites both subkeys with zero bytes.
func (kp *KeyPair) Zero() {
	for i := range kp.Key1 {
		kp.Key1[i] = 0
	}
	for i := range kp.Key2 {
		kp.Key2[i] = 0
	}
}

// Keyring derives and caches XTS key pairs from a master secret via HKDF,
// with version-binding context, per spec.md §4.4.3's Keyring contract.
// Key material is never copied out except via GetKeyPair; callers must not
// retain it beyond the operation it serves.
type Keyring struct {
	mu            sync.Mutex
	masterSecret  []byte
	cache         map[types.KeyVersion]*KeyPair
	current       types.KeyVersion
}

// NewKeyring derives version 1 eagerly and returns a Keyring holding
// masterSecret (32 bytes, e.g. from SPACE_MASTER_KEY hex-decoded).
// masterSecret is owned by the Keyring; the caller must not reuse the
// slice.
func NewKeyring(masterSecret []byte) (*Keyring, error) {
	if len(masterSecret) != 32 {
		return nil, types.NewError(types.KindInvalidInput, fmt.Sprintf("master secret must be 32 bytes, got %d", len(masterSecret)), nil)
	}
	kr := &Keyring{
		masterSecret: masterSecret,
		cache:        make(map[types.KeyVersion]*KeyPair),
		current:      1,
	}
	if _, err := kr.GetKeyPair(1); err != nil {
		return nil, err
	}
	return kr, nil
}

// CurrentVersion returns the keyring's active version.
func (kr *Keyring) CurrentVersion() types.KeyVersion {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	return kr.current
}

// GetKeyPair derives (and caches) the key pair for version, deriving it on
// first use via HKDF-SHA256 over the master secret with a version-bound
// info string.
func (kr *Keyring) GetKeyPair(version types.KeyVersion) (*KeyPair, error) {
	kr.mu.Lock()
	defer kr.mu.Unlock()

	if kp, ok := kr.cache[version]; ok {
		return kp, nil
	}

	info := make([]byte, 0, len(hkdfInfoContext)+4)
	info = append(info, hkdfInfoContext...)
	info = append(info, version.Bytes()...)

	reader := hkdf.New(sha256.New, kr.masterSecret, nil, info)
	okm := make([]byte, xtsKeySize)
	if _, err := io.ReadFull(reader, okm); err != nil {
		return nil, types.NewError(types.KindDurabilityFailure, "HKDF key derivation failed", err)
	}

	kp := &KeyPair{}
	copy(kp.Key1[:], okm[:32])
	copy(kp.Key2[:], okm[32:])

	kr.cache[version] = kp
	return kp, nil
}

// Rotate advances the current version and eagerly derives its key pair.
func (kr *Keyring) Rotate() (types.KeyVersion, error) {
	kr.mu.Lock()
	next := kr.current + 1
	kr.mu.Unlock()

	if _, err := kr.GetKeyPair(next); err != nil {
		return 0, err
	}

	kr.mu.Lock()
	kr.current = next
	kr.mu.Unlock()
	return next, nil
}

// Close zeroizes every cached key pair and the master secret.
func (kr *Keyring) Close() {
	kr.mu.Lock()
	defer kr.mu.Unlock()
	for _, kp := range kr.cache {
		kp.Zero()
	}
	for i := range kr.masterSecret {
		kr.masterSecret[i] = 0
	}
}

// MasterSecretFromHex decodes a 64-character hex string (SPACE_MASTER_KEY)
// into a 32-byte secret.
func MasterSecretFromHex(hexStr string) ([]byte, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, types.NewError(types.KindInvalidInput, "SPACE_MASTER_KEY is not valid hex", err)
	}
	if len(b) != 32 {
		return nil, types.NewError(types.KindInvalidInput, fmt.Sprintf("SPACE_MASTER_KEY must decode to 32 bytes, got %d", len(b)), nil)
	}
	return b, nil
}
