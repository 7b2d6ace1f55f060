// Package registry implements the Capsule Registry component (SPEC_FULL.md
// §4.3): the authoritative mapping of capsules to their segment sequences
// and segment reference counts, persisted as the space.metadata JSON
// document.
//
// The document shape ({schema_version, capsules, content_store}; the next
// segment id lives in the Segment Log's sidecar instead) and its
// startup-load/reconcile-refcounts/create/lookup/delete_capsule
// operations are grounded directly on
// original_source/crates/capsule-registry/src/lib.rs.
package registry

import (
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/space/internal/atomicfile"
	"github.com/i5heu/space/internal/segmentlog"
	"github.com/i5heu/space/internal/types"
)

const schemaVersion = 1

// document is the on-disk shape of space.metadata.
type document struct {
	SchemaVersion int                            `json:"schema_version"`
	Capsules      map[string]types.Capsule        `json:"capsules"`
	ContentStore  map[string]types.SegmentId      `json:"content_store"`
}

// Registry is the Capsule Registry component.
type Registry struct {
	log  *logrus.Logger
	path string

	mu       sync.RWMutex
	capsules map[types.CapsuleId]types.Capsule
	refcount map[types.SegmentId]uint32
}

// Open loads the registry document at dir/space.metadata, or starts an
// empty one if absent.
func Open(dir string, log *logrus.Logger) (*Registry, error) {
	if log == nil {
		log = logrus.StandardLogger()
	}

	r := &Registry{
		log:      log,
		path:     filepath.Join(dir, "space.metadata"),
		capsules: make(map[types.CapsuleId]types.Capsule),
		refcount: make(map[types.SegmentId]uint32),
	}

	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, types.NewError(types.KindDurabilityFailure, "reading registry document", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, types.NewError(types.KindCorruptIndex, "registry document is not valid JSON", err)
	}
	if doc.SchemaVersion > schemaVersion {
		return nil, types.NewError(types.KindCorruptIndex, "registry schema_version is newer than supported", nil)
	}

	for idHex, capsule := range doc.Capsules {
		id, err := types.ParseCapsuleId(idHex)
		if err != nil {
			return nil, types.NewError(types.KindCorruptIndex, "registry capsule id is malformed", err)
		}
		r.capsules[id] = capsule
	}

	return r, nil
}

// ContentStore returns the persisted content_store map, for the Content
// Index to Restore from at startup.
func (r *Registry) ContentStore() (map[types.ContentHash]types.SegmentId, error) {
	raw, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return map[types.ContentHash]types.SegmentId{}, nil
	}
	if err != nil {
		return nil, types.NewError(types.KindDurabilityFailure, "reading registry document", err)
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, types.NewError(types.KindCorruptIndex, "registry document is not valid JSON", err)
	}

	out := make(map[types.ContentHash]types.SegmentId, len(doc.ContentStore))
	for hexHash, id := range doc.ContentStore {
		hash, err := parseContentHashHex(hexHash)
		if err != nil {
			return nil, types.NewError(types.KindCorruptIndex, "registry content_store key is malformed", err)
		}
		out[hash] = id
	}
	return out, nil
}

// CreateCapsule allocates a capsule id, records the capsule, and
// increments the refcount of each listed segment (duplicates within the
// list each increment refcount, per I3).
func (r *Registry) CreateCapsule(policy types.Policy, segmentIds []types.SegmentId, logicalSize, dedupedBytesSaved uint64, creationTimestamp int64) (types.CapsuleId, error) {
	id, err := types.NewCapsuleId()
	if err != nil {
		return types.CapsuleId{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.capsules[id] = types.Capsule{
		Id:                id,
		PolicySnapshot:    policy,
		SegmentIds:        append([]types.SegmentId(nil), segmentIds...),
		LogicalSize:       logicalSize,
		DedupedBytesSaved: dedupedBytesSaved,
		CreationTimestamp: creationTimestamp,
	}
	for _, segId := range segmentIds {
		r.refcount[segId]++
	}

	return id, nil
}

// Lookup returns the capsule record for id.
func (r *Registry) Lookup(id types.CapsuleId) (types.Capsule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	capsule, ok := r.capsules[id]
	if !ok {
		return types.Capsule{}, types.ErrNotFound
	}
	return capsule, nil
}

// DeleteCapsule removes the capsule record and decrements the refcount of
// each listed segment, returning the segments whose refcount reached zero
// (the "freed" set).
func (r *Registry) DeleteCapsule(id types.CapsuleId) ([]types.SegmentId, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	capsule, ok := r.capsules[id]
	if !ok {
		return nil, types.ErrNotFound
	}
	delete(r.capsules, id)

	var freed []types.SegmentId
	for _, segId := range capsule.SegmentIds {
		if r.refcount[segId] == 0 {
			continue
		}
		r.refcount[segId]--
		if r.refcount[segId] == 0 {
			delete(r.refcount, segId)
			freed = append(freed, segId)
		}
	}
	return freed, nil
}

// RefCount returns the current in-memory refcount for a segment.
func (r *Registry) RefCount(id types.SegmentId) uint32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.refcount[id]
}

// ListCapsules returns a snapshot of every capsule record.
func (r *Registry) ListCapsules() []types.Capsule {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]types.Capsule, 0, len(r.capsules))
	for _, c := range r.capsules {
		out = append(out, c)
	}
	return out
}

// ReconcileRefcounts recomputes every segment's refcount from the
// persisted capsule table and corrects drift, logging a warning on any
// mismatch. Called once at startup; mandatory, non-optional per
// spec.md §4.3.
func (r *Registry) ReconcileRefcounts() {
	r.mu.Lock()
	defer r.mu.Unlock()

	recomputed := make(map[types.SegmentId]uint32)
	for _, capsule := range r.capsules {
		for _, segId := range capsule.SegmentIds {
			recomputed[segId]++
		}
	}

	for segId, want := range recomputed {
		if got := r.refcount[segId]; got != want {
			r.log.WithFields(logrus.Fields{
				"segment_id": segId,
				"had":        got,
				"want":       want,
			}).Warn("registry: refcount drift corrected during reconciliation")
		}
	}
	// Segments that no longer appear in any capsule but still carry a
	// refcount entry are drift too; drop them.
	for segId := range r.refcount {
		if _, stillReferenced := recomputed[segId]; !stillReferenced {
			r.log.WithField("segment_id", segId).Warn("registry: dropping stale refcount for unreferenced segment")
		}
	}

	r.refcount = recomputed
}

// Snapshot persists the registry document (capsules + content store) via
// write-to-temp-and-rename, per spec.md §4.3.
func (r *Registry) Snapshot(contentStore map[types.ContentHash]types.SegmentId) error {
	r.mu.RLock()
	capsules := make(map[string]types.Capsule, len(r.capsules))
	for id, c := range r.capsules {
		capsules[id.String()] = c
	}
	r.mu.RUnlock()

	store := make(map[string]types.SegmentId, len(contentStore))
	for hash, id := range contentStore {
		store[hash.String()] = id
	}

	doc := document{
		SchemaVersion: schemaVersion,
		Capsules:      capsules,
		ContentStore:  store,
	}

	return atomicfile.WriteJSON(r.path, doc)
}

func parseContentHashHex(s string) (types.ContentHash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return types.ContentHash{}, err
	}
	return types.ContentHashFromBytes(b)
}

// GCEligibleSegments scans log's index against the reconciled registry
// refcounts and returns every segment whose refcount is zero.
func (r *Registry) GCEligibleSegments(log *segmentlog.Log) []types.Segment {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var eligible []types.Segment
	for _, seg := range log.List() {
		if r.refcount[seg.Id] == 0 {
			eligible = append(eligible, seg)
		}
	}
	return eligible
}
