// Package contentindex implements the Content Index component (SPEC_FULL.md
// §4.2): an exact map from content hash to segment id, fronted by a
// counting probabilistic pre-filter so most "have I seen this before?"
// probes for genuinely new content never touch the exact map.
//
// The pre-filter wraps github.com/AndreasBriese/bbloom for the bit-array
// membership test (grounded via bitmark-inc-bitmarkd/go.mod). bbloom has no
// removal primitive, so a parallel per-bucket count array is maintained
// here to support Unregister's decrement semantics, following the counting
// bloom filter described in original_source's configure_bloom.
package contentindex

import (
	"os"
	"strconv"
	"sync"

	"github.com/AndreasBriese/bbloom"

	"github.com/i5heu/space/internal/types"
)

const (
	defaultCapacity = 10_000_000
	defaultFPR      = 0.001
)

// Index is the Content Index component.
type Index struct {
	mu      sync.RWMutex
	exact   map[types.ContentHash]types.SegmentId
	filter  bbloom.Bloom
	buckets []uint16
}

// Config controls pre-filter sizing, read from SPACE_BLOOM_CAPACITY and
// SPACE_BLOOM_FPR per spec.md §6.3.
type Config struct {
	Capacity uint64
	FPR      float64
}

// ConfigFromEnv reads SPACE_BLOOM_CAPACITY and SPACE_BLOOM_FPR, defaulting
// to 10,000,000 and 0.001 respectively.
func ConfigFromEnv() Config {
	cfg := Config{Capacity: defaultCapacity, FPR: defaultFPR}
	if raw := os.Getenv("SPACE_BLOOM_CAPACITY"); raw != "" {
		if v, err := strconv.ParseUint(raw, 10, 64); err == nil {
			cfg.Capacity = v
		}
	}
	if raw := os.Getenv("SPACE_BLOOM_FPR"); raw != "" {
		if v, err := strconv.ParseFloat(raw, 64); err == nil && v > 0 && v < 1 {
			cfg.FPR = v
		}
	}
	return cfg
}

// New builds an empty Content Index sized per cfg.
func New(cfg Config) *Index {
	filter := bbloom.New(float64(cfg.Capacity), cfg.FPR)
	return &Index{
		exact:   make(map[types.ContentHash]types.SegmentId),
		filter:  filter,
		buckets: make([]uint16, cfg.Capacity),
	}
}

// Restore rebuilds the Content Index from a persisted exact map (loaded
// from the registry snapshot's content_store field), reconstructing the
// pre-filter from scratch per spec.md §4.2's persistence rule.
func Restore(cfg Config, exact map[types.ContentHash]types.SegmentId) *Index {
	idx := New(cfg)
	for hash, id := range exact {
		idx.Register(hash, id)
	}
	return idx
}

// Probe consults the pre-filter; on a positive, consults the exact map.
// Returns the segment id and true if content is already known.
//
// The bucket-count array is checked first: unlike bbloom's bit array, it
// supports decrement, so a bucket that has dropped to zero proves no
// currently-registered hash maps to it and Probe can return a negative
// without ever touching bbloom or the exact map. A nonzero bucket still
// falls through to bbloom.Has and then the exact map, since a bucket
// collision between two different hashes means a nonzero count does not
// by itself prove hash is present.
func (idx *Index) Probe(hash types.ContentHash) (types.SegmentId, bool) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.buckets) > 0 && idx.buckets[bucketFor(hash, len(idx.buckets))] == 0 {
		return 0, false
	}
	if !idx.filter.Has(hash[:]) {
		return 0, false
	}
	id, ok := idx.exact[hash]
	return id, ok
}

// Register idempotently inserts hash -> id and increments the pre-filter's
// bucket counters.
func (idx *Index) Register(hash types.ContentHash, id types.SegmentId) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.exact[hash]; !exists {
		idx.filter.Add(hash[:])
	}
	idx.exact[hash] = id
	idx.bumpBucket(hash, 1)
}

// Unregister decrements the pre-filter's bucket counters and removes the
// exact mapping. bbloom's own bit array is never cleared, so once a
// hash's bucket count reaches zero, bbloom may still answer Has positive
// for it; Probe treats a zero bucket count as authoritative and short
// circuits before consulting bbloom or the exact map, so removal never
// causes a real hit to be missed and a fully-decremented hash stops
// costing an exact-map lookup.
func (idx *Index) Unregister(hash types.ContentHash) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	delete(idx.exact, hash)
	idx.bumpBucket(hash, -1)
}

// Snapshot returns a copy of the exact map for persistence into the
// registry's content_store document.
func (idx *Index) Snapshot() map[types.ContentHash]types.SegmentId {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	out := make(map[types.ContentHash]types.SegmentId, len(idx.exact))
	for k, v := range idx.exact {
		out[k] = v
	}
	return out
}

// bumpBucket adjusts the count-per-bucket array for hash by delta. idx.mu
// must be held.
func (idx *Index) bumpBucket(hash types.ContentHash, delta int) {
	if len(idx.buckets) == 0 {
		return
	}
	bucket := bucketFor(hash, len(idx.buckets))
	v := int(idx.buckets[bucket]) + delta
	if v < 0 {
		v = 0
	}
	if v > 0xFFFF {
		v = 0xFFFF
	}
	idx.buckets[bucket] = uint16(v)
}

func bucketFor(hash types.ContentHash, n int) int {
	var h uint64
	for _, b := range hash[:8] {
		h = h<<8 | uint64(b)
	}
	return int(h % uint64(n))
}
