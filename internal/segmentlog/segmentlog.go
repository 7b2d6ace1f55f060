// Package segmentlog implements the append-only byte store described in
// SPEC_FULL.md §4.1: a raw binary log (space.nvram) of segment payloads
// plus a JSON sidecar index (space.nvram.segments) of
// {segment_id -> (offset, length, metadata)}. Staged transactions let the
// coordinator prepare a batch of appends before committing them with a
// single durability barrier.
//
// The staged-transaction shape follows
// original_source/crates/storage/src/lib.rs's InMemoryTransaction: nothing
// touches shared state until commit, so rollback is always a pure
// in-memory discard.
package segmentlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/space/internal/atomicfile"
	"github.com/i5heu/space/internal/types"
)

const schemaVersion = 1

// sidecarDocument is the on-disk shape of space.nvram.segments.
type sidecarDocument struct {
	SchemaVersion int              `json:"schema_version"`
	NextId        uint64           `json:"next_id"`
	Segments      []types.Segment  `json:"segments"`
}

// Log is the Segment Log component. It owns the log file, the sidecar
// index file, and the in-memory index built from it.
type Log struct {
	log *logrus.Logger

	logPath     string
	sidecarPath string

	mu      sync.RWMutex
	logFile *os.File
	tail    int64 // current end-of-file offset of logFile
	nextId  uint64
	index   map[types.SegmentId]*types.Segment

	// txnMu serializes the whole stage/commit sequence: spec.md §5 says
	// "the Segment Log holds an exclusive lock on its transaction
	// state; appends from different capsule writes must serialize at
	// the transaction boundary."
	txnMu sync.Mutex
}

// Open opens (or creates) the segment log rooted at dir. It replays the
// sidecar index, truncating it to the longest prefix consistent with the
// physical log tail, per spec.md §4.1's startup recovery rule.
func Open(dir string, log *logrus.Logger) (*Log, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	logPath := filepath.Join(dir, "space.nvram")
	sidecarPath := filepath.Join(dir, "space.nvram.segments")

	logFile, err := os.OpenFile(logPath, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, types.NewError(types.KindDurabilityFailure, "opening segment log", err)
	}

	info, err := logFile.Stat()
	if err != nil {
		logFile.Close()
		return nil, types.NewError(types.KindDurabilityFailure, "statting segment log", err)
	}

	l := &Log{
		log:         log,
		logPath:     logPath,
		sidecarPath: sidecarPath,
		logFile:     logFile,
		tail:        info.Size(),
		index:       make(map[types.SegmentId]*types.Segment),
	}

	if err := l.loadSidecar(); err != nil {
		logFile.Close()
		return nil, err
	}

	return l, nil
}

func (l *Log) loadSidecar() error {
	raw, err := os.ReadFile(l.sidecarPath)
	if os.IsNotExist(err) {
		l.nextId = 0
		return nil
	}
	if err != nil {
		return types.NewError(types.KindDurabilityFailure, "reading segment sidecar index", err)
	}

	var doc sidecarDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return types.NewError(types.KindCorruptIndex, "segment sidecar index is not valid JSON", err)
	}
	if doc.SchemaVersion > schemaVersion {
		return types.NewError(types.KindCorruptIndex, fmt.Sprintf("segment sidecar schema_version %d is newer than supported %d", doc.SchemaVersion, schemaVersion), nil)
	}

	l.nextId = doc.NextId

	// Truncate to the longest prefix consistent with the physical log:
	// any indexed segment whose byte range falls outside [0, tail) is
	// dropped, and we warn rather than fail per spec.md §4.1.
	kept := 0
	for i := range doc.Segments {
		seg := doc.Segments[i]
		end := int64(seg.OffsetInLog) + int64(seg.LengthOnDisk)
		if end > l.tail {
			l.log.WithFields(logrus.Fields{
				"segment_id": seg.Id,
				"end_offset": end,
				"log_tail":   l.tail,
			}).Warn("segmentlog: dropping sidecar entry past log tail during recovery")
			continue
		}
		segCopy := seg
		l.index[seg.Id] = &segCopy
		kept++
	}
	if kept != len(doc.Segments) {
		l.log.WithField("dropped", len(doc.Segments)-kept).Warn("segmentlog: sidecar index truncated to consistent prefix")
	}

	return nil
}

// Transaction is a batch of staged appends not yet committed to disk.
type Transaction struct {
	log      *Log
	staged   []stagedAppend
	baseTail int64
	baseNext uint64
}

type stagedAppend struct {
	id      types.SegmentId
	payload []byte
	meta    types.Segment
}

// Begin opens a new transaction and acquires the log's transaction lock.
// The caller must call Commit or Rollback exactly once to release it.
func (l *Log) Begin() *Transaction {
	l.txnMu.Lock()
	l.mu.RLock()
	baseTail := l.tail
	baseNext := l.nextId
	l.mu.RUnlock()
	return &Transaction{log: l, baseTail: baseTail, baseNext: baseNext}
}

// AppendStaged reserves a SegmentId and records payload in the pending
// transaction buffer. It does not touch disk.
func (t *Transaction) AppendStaged(payload []byte, meta types.Segment) types.SegmentId {
	id := types.SegmentId(t.baseNext + uint64(len(t.staged)))
	meta.Id = id
	meta.LengthOnDisk = uint64(len(payload))
	t.staged = append(t.staged, stagedAppend{id: id, payload: payload, meta: meta})
	return id
}

// Rollback discards the pending payloads and releases the transaction
// lock. It never touches disk.
func (t *Transaction) Rollback() {
	t.staged = nil
	t.log.txnMu.Unlock()
}

// Commit atomically writes all pending payloads to the log tail, updates
// the in-memory index, persists the sidecar index, and fsyncs both files.
// On any IO failure the log is truncated back to the pre-commit tail, the
// index additions are discarded, and a DurabilityFailure is returned.
//
// Commit always releases the transaction lock, whether it succeeds or
// fails.
func (t *Transaction) Commit() ([]types.SegmentId, error) {
	defer t.log.txnMu.Unlock()

	l := t.log
	if len(t.staged) == 0 {
		return nil, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	startTail := l.tail
	ids := make([]types.SegmentId, 0, len(t.staged))

	for i := range t.staged {
		offset := l.tail
		n, err := l.logFile.WriteAt(t.staged[i].payload, offset)
		if err != nil || n != len(t.staged[i].payload) {
			_ = l.logFile.Truncate(startTail)
			l.tail = startTail
			return nil, types.NewError(types.KindDurabilityFailure, "writing segment payload", err)
		}
		l.tail += int64(n)
		t.staged[i].meta.OffsetInLog = uint64(offset)
		ids = append(ids, t.staged[i].id)
	}

	if err := l.logFile.Sync(); err != nil {
		_ = l.logFile.Truncate(startTail)
		l.tail = startTail
		return nil, types.NewError(types.KindDurabilityFailure, "fsyncing segment log", err)
	}

	// Stage the in-memory index additions into a scratch copy first so a
	// sidecar write failure can be rolled back cleanly.
	added := make([]*types.Segment, 0, len(t.staged))
	for _, sa := range t.staged {
		segCopy := sa.meta
		added = append(added, &segCopy)
	}

	nextId := t.baseNext + uint64(len(t.staged))
	if err := l.writeSidecarLocked(added, nextId); err != nil {
		_ = l.logFile.Truncate(startTail)
		l.tail = startTail
		return nil, err
	}

	for _, seg := range added {
		l.index[seg.Id] = seg
	}
	l.nextId = nextId

	return ids, nil
}

// writeSidecarLocked rewrites the sidecar index with l.index plus
// pendingAdditions, using write-to-temp-then-rename for atomicity, then
// fsyncs the containing directory. l.mu must be held.
func (l *Log) writeSidecarLocked(pendingAdditions []*types.Segment, nextId uint64) error {
	segments := make([]types.Segment, 0, len(l.index)+len(pendingAdditions))
	for _, seg := range l.index {
		segments = append(segments, *seg)
	}
	for _, seg := range pendingAdditions {
		segments = append(segments, *seg)
	}

	doc := sidecarDocument{
		SchemaVersion: schemaVersion,
		NextId:        nextId,
		Segments:      segments,
	}

	return atomicfile.WriteJSON(l.sidecarPath, doc)
}

// Read performs an O(1) index lookup then a positional read.
func (l *Log) Read(id types.SegmentId) ([]byte, types.Segment, error) {
	l.mu.RLock()
	seg, ok := l.index[id]
	if !ok {
		l.mu.RUnlock()
		return nil, types.Segment{}, types.ErrNotFound
	}
	segCopy := *seg
	l.mu.RUnlock()

	buf := make([]byte, segCopy.LengthOnDisk)
	if _, err := l.logFile.ReadAt(buf, int64(segCopy.OffsetInLog)); err != nil {
		return nil, types.Segment{}, types.NewError(types.KindDurabilityFailure, "reading segment payload", err)
	}
	return buf, segCopy, nil
}

// DeleteMetadata removes id from the in-memory index and persisted
// sidecar. The physical bytes remain in the log file; log compaction is
// out of scope. Subsequent Read of id fails with NotFound.
func (l *Log) DeleteMetadata(id types.SegmentId) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.index[id]; !ok {
		return types.ErrNotFound
	}
	delete(l.index, id)

	if err := l.writeSidecarLocked(nil, l.nextId); err != nil {
		return err
	}
	return nil
}

// List returns a snapshot of every indexed segment, for GC scans and
// registry reconciliation.
func (l *Log) List() []types.Segment {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]types.Segment, 0, len(l.index))
	for _, seg := range l.index {
		out = append(out, *seg)
	}
	return out
}

// Lookup returns the persisted metadata for id without reading its bytes.
func (l *Log) Lookup(id types.SegmentId) (types.Segment, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seg, ok := l.index[id]
	if !ok {
		return types.Segment{}, false
	}
	return *seg, true
}

// Close releases the underlying log file handle.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.logFile.Close()
}
