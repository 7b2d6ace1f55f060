package segmentlog

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

func TestLog_AppendCommitRead(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer log.Close()

	txn := log.Begin()
	id := txn.AppendStaged([]byte("hello"), types.Segment{})
	ids, err := txn.Commit()
	require.NoError(t, err)
	require.Equal(t, []types.SegmentId{id}, ids)

	payload, meta, err := log.Read(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, uint64(len("hello")), meta.LengthOnDisk)
}

func TestLog_RollbackDiscardsStagedAppends(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer log.Close()

	txn := log.Begin()
	id := txn.AppendStaged([]byte("discarded"), types.Segment{})
	txn.Rollback()

	_, _, err = log.Read(id)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLog_MultiSegmentCommitPreservesOrder(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer log.Close()

	txn := log.Begin()
	idA := txn.AppendStaged([]byte("AAAA"), types.Segment{})
	idB := txn.AppendStaged([]byte("BBBBBB"), types.Segment{})
	_, err = txn.Commit()
	require.NoError(t, err)

	payloadA, _, err := log.Read(idA)
	require.NoError(t, err)
	assert.Equal(t, []byte("AAAA"), payloadA)

	payloadB, _, err := log.Read(idB)
	require.NoError(t, err)
	assert.Equal(t, []byte("BBBBBB"), payloadB)
}

func TestLog_DeleteMetadataThenNotFound(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer log.Close()

	txn := log.Begin()
	id := txn.AppendStaged([]byte("gone soon"), types.Segment{})
	_, err = txn.Commit()
	require.NoError(t, err)

	require.NoError(t, log.DeleteMetadata(id))

	_, _, err = log.Read(id)
	assert.ErrorIs(t, err, types.ErrNotFound)

	err = log.DeleteMetadata(id)
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestLog_ReopenRecoversSidecarIndex(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, testLogger())
	require.NoError(t, err)

	txn := log.Begin()
	id := txn.AppendStaged([]byte("persisted"), types.Segment{})
	_, err = txn.Commit()
	require.NoError(t, err)
	require.NoError(t, log.Close())

	reopened, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer reopened.Close()

	payload, _, err := reopened.Read(id)
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted"), payload)
}

func TestLog_List(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, testLogger())
	require.NoError(t, err)
	defer log.Close()

	txn := log.Begin()
	txn.AppendStaged([]byte("x"), types.Segment{})
	txn.AppendStaged([]byte("y"), types.Segment{})
	_, err = txn.Commit()
	require.NoError(t, err)

	assert.Len(t, log.List(), 2)
}
