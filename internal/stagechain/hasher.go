package stagechain

import (
	"github.com/zeebo/blake3"

	"github.com/i5heu/space/internal/types"
)

// contentHashDomainKey is the fixed 32-byte domain-separation key for the
// content hash, ASCII-encoded and zero-padded, following the domainKey
// convention in bureau-foundation-bureau/lib/artifact/hash.go. Using a
// distinct domain from the MAC key (see encryptor.go) means the same bytes
// hashed for dedup can never collide with a MAC computation.
var contentHashDomainKey = [32]byte{
	's', 'p', 'a', 'c', 'e', '.', 's', 'e', 'g', 'm', 'e', 'n', 't', '.',
	'c', 'o', 'n', 't', 'e', 'n', 't', 'h', 'a', 's', 'h', '.', 'v', '1',
}

// Hasher produces the fixed-domain 32-byte digest spec.md §4.4.2 requires.
// The digest is computed over exactly the bytes handed out by the
// Compressor — it must never vary with encryption state, which is why this
// stage takes no encryption-related input at all.
type Hasher struct{}

// Hash computes the content hash of data.
func (Hasher) Hash(data []byte) (types.ContentHash, error) {
	hasher, err := blake3.NewKeyed(contentHashDomainKey[:])
	if err != nil {
		return types.ContentHash{}, types.NewError(types.KindInvalidInput, "initializing BLAKE3 keyed hasher", err)
	}
	hasher.Write(data)

	digest := hasher.Sum(nil)
	hash, err := types.ContentHashFromBytes(digest)
	if err != nil {
		return types.ContentHash{}, err
	}
	return hash, nil
}
