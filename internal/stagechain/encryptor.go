package stagechain

import (
	"crypto/aes"
	"crypto/subtle"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/xts"

	"github.com/i5heu/space/internal/types"
)

// minSectorSize is XTS-AES's minimum block size; segments below it are a
// configuration error (moot at the spec's 4 MiB segment size). Taken from
// original_source/crates/encryption/src/xts.rs's MIN_SECTOR_SIZE.
const minSectorSize = 16

// macKeyDomain is the BLAKE3 MAC key's domain-separation string, taken
// verbatim from original_source/crates/encryption/src/mac.rs.
var macKeyDomain = []byte("SPACE-BLAKE3-MAC-KEY-V1")

// macTagSize is the truncated MAC tag length in bytes.
const macTagSize = 16

// Encryptor implements spec.md §4.4.3: length-preserving XTS-AES-256
// encryption with a tweak derived deterministically from the content hash
// (the dedup-preservation mechanism) and a keyed-MAC integrity layer XTS
// itself does not provide.
type Encryptor struct{}

// Encrypt encrypts data (the post-compression bytes) under keyVersion's
// key pair, deriving the tweak from contentHash so that identical
// plaintext always yields identical ciphertext (I5).
func (Encryptor) Encrypt(data []byte, contentHash types.ContentHash, keyVersion types.KeyVersion, keyPair *KeyPair) ([]byte, types.EncryptionMeta, error) {
	return encryptWithTweak(data, deriveTweak(contentHash), keyVersion, keyPair, nil)
}

// EncryptHybrid is Encrypt plus the hybrid_kyber profile's key-agreement
// step (spec.md §4.4.3): hybridSecret (the KEM shared secret HybridWrap
// produced) is folded into a copy of keyPair and the content-hash tweak
// before encryption, and encapsulated (the wrap to carry in
// EncryptionMeta.OptionalKyberWrap so the reader can decapsulate) is
// recorded in the returned metadata. keyPair itself is left untouched.
func (Encryptor) EncryptHybrid(data []byte, contentHash types.ContentHash, keyVersion types.KeyVersion, keyPair *KeyPair, encapsulated []byte, hybridSecret [32]byte) ([]byte, types.EncryptionMeta, error) {
	mixed := *keyPair
	tweak := deriveTweak(contentHash)
	MixHybridSecret(&mixed, &tweak, hybridSecret)
	return encryptWithTweak(data, tweak, keyVersion, &mixed, encapsulated)
}

func encryptWithTweak(data []byte, tweak [16]byte, keyVersion types.KeyVersion, keyPair *KeyPair, kyberWrap []byte) ([]byte, types.EncryptionMeta, error) {
	if len(data) < minSectorSize {
		return nil, types.EncryptionMeta{}, types.NewError(types.KindInvalidInput, "segment below XTS minimum sector size", nil)
	}

	cipher, err := xts.NewCipher(aes.NewCipher, append(append([]byte{}, keyPair.Key1[:]...), keyPair.Key2[:]...))
	if err != nil {
		return nil, types.EncryptionMeta{}, types.NewError(types.KindInvalidInput, "constructing XTS cipher", err)
	}

	sectorNum := sectorNumFromTweak(tweak)

	ciphertext := make([]byte, len(data))
	cipher.Encrypt(ciphertext, data, sectorNum)

	meta := types.EncryptionMeta{
		SchemeVersion:     1,
		KeyVersion:        keyVersion,
		Tweak:             tweak,
		CiphertextLength:  uint64(len(ciphertext)),
		OptionalKyberWrap: kyberWrap,
	}

	mac := computeMAC(ciphertext, meta, keyPair)
	meta.MACTag = mac

	return ciphertext, meta, nil
}

// Decrypt verifies the MAC (constant-time) then decrypts ciphertext.
// Returns IntegrityFailure on any MAC mismatch — there is no fallback to
// raw bytes.
func (Encryptor) Decrypt(ciphertext []byte, meta types.EncryptionMeta, keyPair *KeyPair) ([]byte, error) {
	return decryptWithKeyPair(ciphertext, meta, keyPair)
}

// DecryptHybrid is Decrypt plus the hybrid_kyber profile's key-agreement
// step: hybridSecret (recovered via HybridUnwrap against
// meta.OptionalKyberWrap) is folded into a copy of keyPair before
// verification and decryption. meta.Tweak is already the sender's final
// mixed tweak, so only the key needs remixing here.
func (Encryptor) DecryptHybrid(ciphertext []byte, meta types.EncryptionMeta, keyPair *KeyPair, hybridSecret [32]byte) ([]byte, error) {
	mixed := *keyPair
	mixHybridKey(&mixed, hybridSecret)
	return decryptWithKeyPair(ciphertext, meta, &mixed)
}

func decryptWithKeyPair(ciphertext []byte, meta types.EncryptionMeta, keyPair *KeyPair) ([]byte, error) {
	expectedMAC := computeMAC(ciphertext, withZeroMAC(meta), keyPair)
	if subtle.ConstantTimeCompare(expectedMAC[:], meta.MACTag[:]) != 1 {
		return nil, types.ErrIntegrityFailure
	}

	cipher, err := xts.NewCipher(aes.NewCipher, append(append([]byte{}, keyPair.Key1[:]...), keyPair.Key2[:]...))
	if err != nil {
		return nil, types.NewError(types.KindInvalidInput, "constructing XTS cipher", err)
	}

	sectorNum := sectorNumFromTweak(meta.Tweak)
	plaintext := make([]byte, len(ciphertext))
	cipher.Decrypt(plaintext, ciphertext, sectorNum)
	return plaintext, nil
}

// deriveTweak takes the first 16 bytes of the content hash. Because the
// hash is computed before encryption, two writes of identical plaintext
// under the same codec produce identical content hashes and therefore
// identical tweaks (§4.4.3's dedup-preservation mechanism).
func deriveTweak(hash types.ContentHash) [16]byte {
	var tweak [16]byte
	copy(tweak[:], hash[:16])
	return tweak
}

// sectorNumFromTweak adapts the spec's 16-byte tweak to the
// golang.org/x/crypto/xts API, which parameterizes sectors by a uint64
// index rather than an opaque tweak block. The full 16-byte tweak is still
// carried in EncryptionMeta and is what determinism and dedup depend on;
// this derived uint64 only selects which of the cipher's internal
// per-sector multipliers XTS uses, and is itself a deterministic function
// of the tweak.
func sectorNumFromTweak(tweak [16]byte) uint64 {
	var n uint64
	for i := 0; i < 8; i++ {
		n = n<<8 | uint64(tweak[i])
	}
	return n
}

// macKey derives the MAC key via a BLAKE3 keyed hash over both XTS
// subkeys, domain-separated from every other keyed use of BLAKE3 in this
// module. Grounded on original_source/crates/encryption/src/mac.rs's
// derive_mac_key.
func macKey(keyPair *KeyPair) [32]byte {
	hasher, err := blake3.NewKeyed(padKey(macKeyDomain))
	if err != nil {
		panic("stagechain: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(keyPair.Key1[:])
	hasher.Write(keyPair.Key2[:])
	var key [32]byte
	copy(key[:], hasher.Sum(nil))
	return key
}

// computeMAC covers ciphertext || canonical_serialization(metadata without
// the mac_tag field), per spec.md §4.4.3.
func computeMAC(ciphertext []byte, meta types.EncryptionMeta, keyPair *KeyPair) [16]byte {
	key := macKey(keyPair)
	hasher, err := blake3.NewKeyed(key[:])
	if err != nil {
		panic("stagechain: BLAKE3 keyed hash initialization failed: " + err.Error())
	}
	hasher.Write(ciphertext)
	hasher.Write(serializeMetadataForMAC(withZeroMAC(meta)))

	digest := hasher.Sum(nil)
	var tag [16]byte
	copy(tag[:], digest[:macTagSize])
	return tag
}

// withZeroMAC returns a copy of meta with MACTag zeroed, avoiding
// circularity in computeMAC/verify.
func withZeroMAC(meta types.EncryptionMeta) types.EncryptionMeta {
	meta.MACTag = [16]byte{}
	return meta
}

// serializeMetadataForMAC produces a fixed, canonical byte encoding of
// meta (excluding MACTag) for the MAC computation.
func serializeMetadataForMAC(meta types.EncryptionMeta) []byte {
	buf := make([]byte, 0, 4+4+16+8+len(meta.OptionalKyberWrap))
	buf = appendUint32(buf, meta.SchemeVersion)
	buf = appendUint32(buf, uint32(meta.KeyVersion))
	buf = append(buf, meta.Tweak[:]...)
	buf = appendUint64(buf, meta.CiphertextLength)
	buf = append(buf, meta.OptionalKyberWrap...)
	return buf
}

func appendUint32(buf []byte, v uint32) []byte {
	return append(buf, byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

func appendUint64(buf []byte, v uint64) []byte {
	return append(buf,
		byte(v>>56), byte(v>>48), byte(v>>40), byte(v>>32),
		byte(v>>24), byte(v>>16), byte(v>>8), byte(v))
}

// padKey zero-pads or truncates domain to exactly 32 bytes for BLAKE3
// keyed mode.
func padKey(domain []byte) []byte {
	key := make([]byte, 32)
	copy(key, domain)
	return key
}
