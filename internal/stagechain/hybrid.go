package stagechain

import (
	"crypto/rand"
	"crypto/sha256"
	"io"
	"os"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/i5heu/space/internal/types"
)

// Hybrid post-quantum mode (policy crypto_profile = hybrid_kyber).
//
// SPEC_FULL.md §4.4.3 records that no ML-KEM/Kyber implementation exists
// anywhere in the example pack (grep across every go.mod in the pack for
// kyber|mlkem|circl|post-quantum returned zero matches). Per the
// no-fabricated-dependencies rule, this mode is built instead on the
// nearest KEM-shaped primitive the pack's dependency surface actually
// offers: X25519 ECDH via golang.org/x/crypto/curve25519. The policy
// surface and EncryptionMeta.OptionalKyberWrap field are unchanged; only
// the underlying primitive is substituted, and the substitution is
// recorded in DESIGN.md, not silently dropped.

var hkdfInfoHybrid = []byte("SPACE-HYBRID-X25519-WRAP-V1")

// HybridKeyPair is a persisted X25519 keypair, loaded on init per
// SPACE_KYBER_KEY_PATH and generated on first use. Unlike the Keyring,
// whose key pairs are derived from the master secret and cached in memory
// only, this keypair is written to disk.
type HybridKeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateHybridKeyPair creates a fresh X25519 keypair.
func GenerateHybridKeyPair() (*HybridKeyPair, error) {
	var kp HybridKeyPair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return nil, types.NewError(types.KindDurabilityFailure, "generating hybrid keypair", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, types.NewError(types.KindInvalidInput, "deriving hybrid public key", err)
	}
	copy(kp.Public[:], pub)
	return &kp, nil
}

// HybridWrap performs ephemeral X25519 encapsulation against recipient's
// public key, returning the encapsulated ciphertext (the ephemeral public
// key, stored in EncryptionMeta.OptionalKyberWrap) and a 32-byte shared
// secret to be mixed into the data key and tweak.
func HybridWrap(recipient *HybridKeyPair) (encapsulated []byte, sharedSecret [32]byte, err error) {
	var ephemeralPriv [32]byte
	if _, err := io.ReadFull(rand.Reader, ephemeralPriv[:]); err != nil {
		return nil, sharedSecret, types.NewError(types.KindDurabilityFailure, "generating ephemeral hybrid key", err)
	}
	ephemeralPub, err := curve25519.X25519(ephemeralPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, sharedSecret, types.NewError(types.KindInvalidInput, "deriving ephemeral hybrid public key", err)
	}

	raw, err := curve25519.X25519(ephemeralPriv[:], recipient.Public[:])
	if err != nil {
		return nil, sharedSecret, types.NewError(types.KindInvalidInput, "computing hybrid shared secret", err)
	}

	secret, err := deriveHybridSecret(raw)
	if err != nil {
		return nil, sharedSecret, err
	}

	return ephemeralPub, secret, nil
}

// HybridUnwrap decapsulates encapsulated (the sender's ephemeral public
// key) against recipient's private key, recovering the same shared secret
// HybridWrap produced.
func HybridUnwrap(recipient *HybridKeyPair, encapsulated []byte) ([32]byte, error) {
	raw, err := curve25519.X25519(recipient.Private[:], encapsulated)
	if err != nil {
		return [32]byte{}, types.NewError(types.KindInvalidInput, "computing hybrid shared secret", err)
	}
	return deriveHybridSecret(raw)
}

func deriveHybridSecret(rawECDH []byte) ([32]byte, error) {
	reader := hkdf.New(sha256.New, rawECDH, nil, hkdfInfoHybrid)
	var secret [32]byte
	if _, err := io.ReadFull(reader, secret[:]); err != nil {
		return secret, types.NewError(types.KindDurabilityFailure, "HKDF hybrid secret derivation failed", err)
	}
	return secret, nil
}

// mixHybridKey folds a hybrid shared secret into keyPair's subkeys only.
// Used on its own during decryption, where the tweak is already the final
// mixed value carried in EncryptionMeta and must not be mixed again.
func mixHybridKey(keyPair *KeyPair, secret [32]byte) {
	for i := range keyPair.Key1 {
		keyPair.Key1[i] ^= secret[i]
	}
	for i := range keyPair.Key2 {
		keyPair.Key2[i] ^= secret[i%len(secret)]
	}
}

// MixHybridSecret folds a hybrid shared secret into an XTS key pair and
// tweak, so a hybrid_kyber write is not decryptable by classical-profile
// keys alone.
func MixHybridSecret(keyPair *KeyPair, tweak *[16]byte, secret [32]byte) {
	mixHybridKey(keyPair, secret)
	for i := range tweak {
		tweak[i] ^= secret[i]
	}
}

// LoadOrGenerateHybridKeyPair reads a persisted X25519 private key from
// path (SPACE_KYBER_KEY_PATH), deriving the public key on load. If path
// does not exist, a fresh keypair is generated and its private key
// written there.
func LoadOrGenerateHybridKeyPair(path string) (*HybridKeyPair, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		if len(raw) != 32 {
			return nil, types.NewError(types.KindInvalidInput, "hybrid key file must contain a 32-byte X25519 private key", nil)
		}
		var kp HybridKeyPair
		copy(kp.Private[:], raw)
		pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
		if err != nil {
			return nil, types.NewError(types.KindInvalidInput, "deriving hybrid public key", err)
		}
		copy(kp.Public[:], pub)
		return &kp, nil
	}
	if !os.IsNotExist(err) {
		return nil, types.NewError(types.KindDurabilityFailure, "reading hybrid key file", err)
	}

	kp, err := GenerateHybridKeyPair()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, kp.Private[:], 0o600); err != nil {
		return nil, types.NewError(types.KindDurabilityFailure, "persisting hybrid key file", err)
	}
	return kp, nil
}
