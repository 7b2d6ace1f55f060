package registry

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/space/internal/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRegistry_CreateLookupCapsule(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, testLogger())
	require.NoError(t, err)

	policy := types.DefaultPolicy()
	segIds := []types.SegmentId{1, 2, 3}

	id, err := reg.CreateCapsule(policy, segIds, 1024, 0, 100)
	require.NoError(t, err)

	capsule, err := reg.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, segIds, capsule.SegmentIds)
	assert.Equal(t, uint64(1024), capsule.LogicalSize)
}

func TestRegistry_LookupMissing(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, testLogger())
	require.NoError(t, err)

	_, err = reg.Lookup(types.CapsuleId{})
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestRegistry_RefcountsIncrementPerSegmentReference(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, testLogger())
	require.NoError(t, err)

	// Segment 5 is referenced twice within the same capsule.
	segIds := []types.SegmentId{5, 5, 6}
	_, err = reg.CreateCapsule(types.DefaultPolicy(), segIds, 2048, 0, 1)
	require.NoError(t, err)

	assert.Equal(t, uint32(2), reg.RefCount(5))
	assert.Equal(t, uint32(1), reg.RefCount(6))
}

func TestRegistry_DeleteCapsuleFreesZeroedSegments(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, testLogger())
	require.NoError(t, err)

	idA, err := reg.CreateCapsule(types.DefaultPolicy(), []types.SegmentId{1, 2}, 10, 0, 1)
	require.NoError(t, err)
	_, err = reg.CreateCapsule(types.DefaultPolicy(), []types.SegmentId{2}, 10, 0, 2)
	require.NoError(t, err)

	freed, err := reg.DeleteCapsule(idA)
	require.NoError(t, err)

	// segment 1 was only referenced by capsule A: freed.
	// segment 2 is still referenced by the second capsule: not freed.
	assert.Equal(t, []types.SegmentId{1}, freed)
	assert.Equal(t, uint32(1), reg.RefCount(2))
	assert.Equal(t, uint32(0), reg.RefCount(1))
}

func TestRegistry_SnapshotAndReopen(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, testLogger())
	require.NoError(t, err)

	id, err := reg.CreateCapsule(types.DefaultPolicy(), []types.SegmentId{1}, 10, 0, 1)
	require.NoError(t, err)

	var hash types.ContentHash
	hash[0] = 0xAB
	require.NoError(t, reg.Snapshot(map[types.ContentHash]types.SegmentId{hash: 1}))

	reopened, err := Open(dir, testLogger())
	require.NoError(t, err)

	capsule, err := reopened.Lookup(id)
	require.NoError(t, err)
	assert.Equal(t, []types.SegmentId{1}, capsule.SegmentIds)

	store, err := reopened.ContentStore()
	require.NoError(t, err)
	assert.Equal(t, types.SegmentId(1), store[hash])
}

func TestRegistry_ReconcileRefcountsCorrectsDrift(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(dir, testLogger())
	require.NoError(t, err)

	_, err = reg.CreateCapsule(types.DefaultPolicy(), []types.SegmentId{9}, 10, 0, 1)
	require.NoError(t, err)

	// Simulate drift by tampering with the in-memory refcount directly.
	reg.mu.Lock()
	reg.refcount[9] = 99
	reg.mu.Unlock()

	reg.ReconcileRefcounts()
	assert.Equal(t, uint32(1), reg.RefCount(9))
}
