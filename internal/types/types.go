// Package types defines the identifiers and persisted records shared by the
// capsule storage core: capsules, segments, content hashes, and the policy
// attached to a write.
package types

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
)

// CapsuleId is a 128-bit opaque identifier generated by the coordinator at
// write time. It is never reused within the lifetime of a registry.
type CapsuleId [16]byte

// NewCapsuleId generates a fresh, random CapsuleId.
func NewCapsuleId() (CapsuleId, error) {
	var id CapsuleId
	if _, err := rand.Read(id[:]); err != nil {
		return CapsuleId{}, fmt.Errorf("generating capsule id: %w", err)
	}
	return id, nil
}

func (id CapsuleId) String() string {
	return hex.EncodeToString(id[:])
}

// IsZero reports whether id is the zero value.
func (id CapsuleId) IsZero() bool {
	return id == CapsuleId{}
}

// ParseCapsuleId parses a 32-character hex string into a CapsuleId.
func ParseCapsuleId(s string) (CapsuleId, error) {
	var id CapsuleId
	decoded, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("parsing capsule id: %w", err)
	}
	if len(decoded) != len(id) {
		return id, fmt.Errorf("capsule id is %d bytes, want %d", len(decoded), len(id))
	}
	copy(id[:], decoded)
	return id, nil
}

// SegmentId is a monotonically assigned 64-bit integer allocated by the
// Segment Log at append time. It is never reused, even after the segment's
// metadata is deleted.
type SegmentId uint64

func (id SegmentId) String() string {
	return fmt.Sprintf("%d", uint64(id))
}

// ContentHash is the 32-byte digest of the post-compression, pre-encryption
// bytes of a segment. This is the dedup key; its domain never varies with
// encryption state (I2, I5).
type ContentHash [32]byte

func (h ContentHash) String() string {
	return hex.EncodeToString(h[:])
}

func (h ContentHash) Bytes() []byte {
	return h[:]
}

// IsZero reports whether h is the zero value.
func (h ContentHash) IsZero() bool {
	return h == ContentHash{}
}

// ContentHashFromBytes copies exactly 32 bytes into a ContentHash.
func ContentHashFromBytes(b []byte) (ContentHash, error) {
	var h ContentHash
	if len(b) != len(h) {
		return h, fmt.Errorf("content hash is %d bytes, want %d", len(b), len(h))
	}
	copy(h[:], b)
	return h, nil
}

// KeyVersion labels a derived XTS key pair. Allows rotation without
// rewriting existing ciphertext.
type KeyVersion uint32

// Bytes returns the big-endian encoding used as the HKDF version-binding
// suffix.
func (v KeyVersion) Bytes() []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// CompressionCodec identifies which codec, if any, produced a segment's
// stored bytes.
type CompressionCodec string

const (
	CodecNone CompressionCodec = "none"
	CodecLZ4  CompressionCodec = "lz4"
	CodecZstd CompressionCodec = "zstd"
)

// CompressionSkipReason records why compression was skipped, for the
// none-(entropy)/none-(ineffective) tagging spec.md §4.4.1 requires.
type CompressionSkipReason string

const (
	SkipNone        CompressionSkipReason = ""
	SkipHighEntropy CompressionSkipReason = "high-entropy"
	SkipIneffective CompressionSkipReason = "ineffective"
)

// CryptoProfile selects the encryption key-agreement scheme for a policy.
type CryptoProfile string

const (
	CryptoClassical   CryptoProfile = "classical"
	CryptoHybridKyber CryptoProfile = "hybrid_kyber"
)

// EncryptionMode selects whether segments are encrypted at all.
type EncryptionMode string

const (
	EncryptionDisabled  EncryptionMode = "disabled"
	EncryptionXTSAES256 EncryptionMode = "xts_aes_256"
)

// CompressionMode selects the compression codec a policy requests.
type CompressionMode string

const (
	CompressionDisabled CompressionMode = "disabled"
	CompressionLZ4      CompressionMode = "lz4"
	CompressionZstd     CompressionMode = "zstd"
)

// CompressionPolicy configures the Compressor stage.
type CompressionPolicy struct {
	Mode                 CompressionMode
	Level                int
	EntropySkipThreshold float64
	MinUsefulRatio       float64
}

// EncryptionPolicy configures the Encryptor stage.
type EncryptionPolicy struct {
	Mode          EncryptionMode
	PinKeyVersion *KeyVersion
}

// Policy is attached to each write and snapshotted into the resulting
// Capsule record.
type Policy struct {
	Compression      CompressionPolicy
	DedupEnabled     bool
	Encryption       EncryptionPolicy
	CryptoProfile    CryptoProfile
	ReplicationHints map[string]string
}

// DefaultPolicy returns the policy used when a caller does not specify one:
// zstd compression, dedup enabled, encryption disabled.
func DefaultPolicy() Policy {
	return Policy{
		Compression: CompressionPolicy{
			Mode:                 CompressionZstd,
			Level:                3,
			EntropySkipThreshold: 7.5,
			MinUsefulRatio:       0.95,
		},
		DedupEnabled: true,
		Encryption: EncryptionPolicy{
			Mode: EncryptionDisabled,
		},
		CryptoProfile: CryptoClassical,
	}
}

// EncryptionMeta is the persisted record of how a segment was encrypted.
type EncryptionMeta struct {
	SchemeVersion     uint32
	KeyVersion        KeyVersion
	Tweak             [16]byte
	MACTag            [16]byte
	CiphertextLength  uint64
	OptionalKyberWrap []byte // ephemeral X25519 public key when CryptoHybridKyber is set
}

// Segment is the persisted record for one stored byte range.
type Segment struct {
	Id               SegmentId
	OffsetInLog      uint64
	LengthOnDisk     uint64
	Compressed       bool
	CompressionCodec CompressionCodec
	OriginalLength   uint64
	ContentHash      *ContentHash
	Encryption       *EncryptionMeta
	RefCount         uint32
}

// Capsule is the persisted, immutable record of one logical write.
type Capsule struct {
	Id                CapsuleId
	PolicySnapshot    Policy
	SegmentIds        []SegmentId
	LogicalSize       uint64
	DedupedBytesSaved uint64
	CreationTimestamp int64 // unix nanoseconds
}
