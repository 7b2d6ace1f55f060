package contentindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/space/internal/types"
)

func testConfig() Config {
	return Config{Capacity: 1000, FPR: 0.01}
}

func hashOf(b byte) types.ContentHash {
	var h types.ContentHash
	h[0] = b
	return h
}

func TestIndex_ProbeMiss(t *testing.T) {
	idx := New(testConfig())
	_, ok := idx.Probe(hashOf(1))
	assert.False(t, ok)
}

func TestIndex_RegisterThenProbe(t *testing.T) {
	idx := New(testConfig())
	hash := hashOf(2)

	idx.Register(hash, types.SegmentId(42))

	id, ok := idx.Probe(hash)
	require.True(t, ok)
	assert.Equal(t, types.SegmentId(42), id)
}

func TestIndex_UnregisterRemovesExactHit(t *testing.T) {
	idx := New(testConfig())
	hash := hashOf(3)

	idx.Register(hash, types.SegmentId(7))
	idx.Unregister(hash)

	_, ok := idx.Probe(hash)
	assert.False(t, ok, "unregistered content must not resolve via the exact map")
}

func TestIndex_SnapshotAndRestore(t *testing.T) {
	idx := New(testConfig())
	idx.Register(hashOf(4), types.SegmentId(1))
	idx.Register(hashOf(5), types.SegmentId(2))

	snap := idx.Snapshot()
	require.Len(t, snap, 2)

	restored := Restore(testConfig(), snap)
	id, ok := restored.Probe(hashOf(4))
	require.True(t, ok)
	assert.Equal(t, types.SegmentId(1), id)

	id, ok = restored.Probe(hashOf(5))
	require.True(t, ok)
	assert.Equal(t, types.SegmentId(2), id)
}

func TestIndex_UnregisterZeroesBucketCountGate(t *testing.T) {
	idx := New(testConfig())
	hash := hashOf(9)

	idx.Register(hash, types.SegmentId(99))
	bucket := bucketFor(hash, len(idx.buckets))
	require.Equal(t, uint16(1), idx.buckets[bucket])

	idx.Unregister(hash)
	assert.Equal(t, uint16(0), idx.buckets[bucket], "bucket count must return to zero once its only occupant is unregistered")

	_, ok := idx.Probe(hash)
	assert.False(t, ok, "a zero bucket count must short-circuit Probe before bbloom or the exact map are consulted")
}

func TestIndex_RegisterIsIdempotentForSameHash(t *testing.T) {
	idx := New(testConfig())
	hash := hashOf(6)

	idx.Register(hash, types.SegmentId(1))
	idx.Register(hash, types.SegmentId(2))

	id, ok := idx.Probe(hash)
	require.True(t, ok)
	assert.Equal(t, types.SegmentId(2), id, "last Register wins for a given hash")
}
