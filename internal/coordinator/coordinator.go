// Package coordinator implements the Write/Read Coordinator (SPEC_FULL.md
// §4.5): the orchestrator driving the stage chain with bounded concurrency
// for writes and sequential streaming for reads, performing commit/
// rollback against the Segment Log and Registry.
//
// The bounded-parallelism prepare stage is grounded on the teacher's
// pkg/workerPool Room/AsyncCollector pattern (here internal/workerpool);
// the serial stage/commit/publish sequence and lifecycle logging follow
// ouroboros.go.
package coordinator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/i5heu/space/internal/contentindex"
	"github.com/i5heu/space/internal/registry"
	"github.com/i5heu/space/internal/segmentlog"
	"github.com/i5heu/space/internal/stagechain"
	"github.com/i5heu/space/internal/telemetry"
	"github.com/i5heu/space/internal/types"
	"github.com/i5heu/space/internal/workerpool"
)

// SegmentSize is the fixed segment size spec.md §4.5 mandates: 4 MiB, the
// final chunk may be smaller.
const SegmentSize = 4 << 20

// Mode selects the coordinator's scheduling model (spec.md §5).
type Mode int

const (
	// Sequential drives the stage chain one segment at a time on the
	// calling goroutine.
	Sequential Mode = iota
	// Concurrent runs the prepare stage in parallel up to a bounded
	// worker pool.
	Concurrent
)

// Config controls the coordinator's construction.
type Config struct {
	Mode           Mode
	MaxConcurrency int // only used in Concurrent mode; 0 = half hardware parallelism
	Log            *slog.Logger
	Keyring        *stagechain.Keyring       // nil disables encryption entirely
	HybridKeyPair  *stagechain.HybridKeyPair // nil disables crypto_profile: hybrid_kyber
	Telemetry      *telemetry.Attachment
}

// Coordinator owns the Segment Log, Content Index, and Registry for the
// lifetime of an open store, and drives all write/read/delete/gc
// operations against them.
type Coordinator struct {
	log *slog.Logger

	segLog        *segmentlog.Log
	content       *contentindex.Index
	reg           *registry.Registry
	keyring       *stagechain.Keyring
	hybridKeyPair *stagechain.HybridKeyPair
	compress      stagechain.Compressor
	hasher        stagechain.Hasher
	encrypt       stagechain.Encryptor

	telemetry *telemetry.Attachment

	mode Mode
	pool *workerpool.Pool

	// snapshotMu serializes registry+content-index snapshot writes,
	// since they are persisted together (§5's "Content Index is
	// protected together with the registry").
	snapshotMu sync.Mutex
}

// New constructs a Coordinator over an already-open Segment Log, Content
// Index, and Registry.
func New(cfg Config, segLog *segmentlog.Log, content *contentindex.Index, reg *registry.Registry) *Coordinator {
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	if cfg.Telemetry == nil {
		cfg.Telemetry = &telemetry.Attachment{}
	}

	c := &Coordinator{
		log:           cfg.Log,
		segLog:        segLog,
		content:       content,
		reg:           reg,
		keyring:       cfg.Keyring,
		hybridKeyPair: cfg.HybridKeyPair,
		telemetry:     cfg.Telemetry,
		mode:          cfg.Mode,
	}

	if cfg.Mode == Concurrent {
		c.pool = workerpool.New(workerpool.Config{WorkerCount: cfg.MaxConcurrency})
	}

	return c
}

// preparedSegment is the output of the prepare stage for one input chunk:
// final bytes ready to stage, plus its content hash and (if encryption is
// enabled) its encryption metadata.
type preparedSegment struct {
	finalBytes       []byte
	contentHash      types.ContentHash
	compressed       bool
	codec            types.CompressionCodec
	originalLength   int
	encryptionMeta   *types.EncryptionMeta
}

// WriteCapsule runs the full write protocol: segment, prepare (bounded
// parallel or sequential), stage (strictly serial), commit, post-commit
// publish, telemetry.
func (c *Coordinator) WriteCapsule(payload []byte, policy types.Policy) (types.CapsuleId, error) {
	if len(payload) == 0 {
		return types.CapsuleId{}, types.NewError(types.KindInvalidInput, "payload must not be empty", nil)
	}

	chunks := splitSegments(payload, SegmentSize)

	prepared, err := c.prepare(chunks, policy)
	if err != nil {
		return types.CapsuleId{}, err
	}

	txn := c.segLog.Begin()

	type stageDecision struct {
		segId  types.SegmentId
		reused bool
	}
	decisions := make([]stageDecision, len(prepared))
	dedupedBytes := uint64(0)

	// within-transaction dedup: a content hash staged earlier in this
	// same write is reused rather than appended twice.
	stagedThisTxn := make(map[types.ContentHash]types.SegmentId)

	for i, seg := range prepared {
		if policy.DedupEnabled {
			if existingId, ok := stagedThisTxn[seg.contentHash]; ok {
				decisions[i] = stageDecision{segId: existingId, reused: true}
				dedupedBytes += uint64(len(seg.finalBytes))
				continue
			}
			if existingId, ok := c.content.Probe(seg.contentHash); ok {
				decisions[i] = stageDecision{segId: existingId, reused: true}
				dedupedBytes += uint64(len(seg.finalBytes))
				continue
			}
		}

		meta := types.Segment{
			Compressed:       seg.compressed,
			CompressionCodec: seg.codec,
			OriginalLength:   uint64(seg.originalLength),
			ContentHash:      &seg.contentHash,
			Encryption:       seg.encryptionMeta,
		}
		segId := txn.AppendStaged(seg.finalBytes, meta)
		decisions[i] = stageDecision{segId: segId, reused: false}
		stagedThisTxn[seg.contentHash] = segId
	}

	if _, err := txn.Commit(); err != nil {
		return types.CapsuleId{}, err
	}

	// Post-commit publish: content index registrations, capsule record,
	// refcounts, registry snapshot.
	segmentIds := make([]types.SegmentId, len(decisions))
	for i, d := range decisions {
		segmentIds[i] = d.segId
		if !d.reused {
			c.content.Register(prepared[i].contentHash, d.segId)
		}
	}

	capsuleId, err := c.reg.CreateCapsule(policy, segmentIds, uint64(len(payload)), dedupedBytes, time.Now().UnixNano())
	if err != nil {
		return types.CapsuleId{}, err
	}

	if err := c.snapshot(); err != nil {
		return types.CapsuleId{}, err
	}

	c.telemetry.Emit(telemetry.Event{
		Kind:           telemetry.EventNewCapsule,
		CapsuleId:      capsuleId,
		PolicySnapshot: policy,
		Size:           uint64(len(payload)),
	})

	return capsuleId, nil
}

// prepare runs Compressor -> Hasher -> (conditional Encryptor+MAC) for
// every chunk, in Concurrent mode bounded by the coordinator's worker
// pool, in Sequential mode on the calling goroutine. Results are always
// returned in input order (§5 ordering guarantees).
func (c *Coordinator) prepare(chunks [][]byte, policy types.Policy) ([]preparedSegment, error) {
	if c.mode == Sequential || c.pool == nil {
		out := make([]preparedSegment, len(chunks))
		for i, chunk := range chunks {
			seg, err := c.prepareOne(chunk, policy)
			if err != nil {
				return nil, err
			}
			out[i] = seg
		}
		return out, nil
	}

	room := c.pool.CreateRoom(len(chunks))
	for i, chunk := range chunks {
		chunk := chunk
		room.Submit(i, func() (interface{}, error) {
			return c.prepareOne(chunk, policy)
		})
	}

	results, err := room.Collect(len(chunks))
	if err != nil {
		return nil, err
	}

	out := make([]preparedSegment, len(chunks))
	for i, res := range results {
		if res.Err != nil {
			return nil, res.Err
		}
		out[i] = res.Value.(preparedSegment)
	}
	return out, nil
}

func (c *Coordinator) prepareOne(chunk []byte, policy types.Policy) (preparedSegment, error) {
	compressed, err := c.compress.Compress(chunk, policy.Compression)
	if err != nil {
		return preparedSegment{}, err
	}

	hash, err := c.hasher.Hash(compressed.Bytes)
	if err != nil {
		return preparedSegment{}, err
	}

	seg := preparedSegment{
		finalBytes:     compressed.Bytes,
		contentHash:    hash,
		compressed:     compressed.Compressed,
		codec:          compressed.Codec,
		originalLength: compressed.OriginalLength,
	}

	if policy.Encryption.Mode == types.EncryptionXTSAES256 {
		if c.keyring == nil {
			return preparedSegment{}, types.NewError(types.KindInvalidInput, "encryption requested but no keyring configured", nil)
		}
		version := c.keyring.CurrentVersion()
		if policy.Encryption.PinKeyVersion != nil {
			version = *policy.Encryption.PinKeyVersion
		}
		keyPair, err := c.keyring.GetKeyPair(version)
		if err != nil {
			return preparedSegment{}, types.ErrKeyVersionNotFound
		}

		if policy.CryptoProfile == types.CryptoHybridKyber {
			if c.hybridKeyPair == nil {
				return preparedSegment{}, types.NewError(types.KindInvalidInput, "hybrid_kyber profile requested but no hybrid keypair configured", nil)
			}
			encapsulated, secret, err := stagechain.HybridWrap(c.hybridKeyPair)
			if err != nil {
				return preparedSegment{}, err
			}
			ciphertext, meta, err := c.encrypt.EncryptHybrid(seg.finalBytes, hash, version, keyPair, encapsulated, secret)
			if err != nil {
				return preparedSegment{}, err
			}
			seg.finalBytes = ciphertext
			seg.encryptionMeta = &meta
			return seg, nil
		}

		ciphertext, meta, err := c.encrypt.Encrypt(seg.finalBytes, hash, version, keyPair)
		if err != nil {
			return preparedSegment{}, err
		}
		seg.finalBytes = ciphertext
		seg.encryptionMeta = &meta
	}

	return seg, nil
}

// ReadCapsule runs the read protocol: lookup, then for each segment in
// order, read, verify+decrypt, decompress, append.
func (c *Coordinator) ReadCapsule(id types.CapsuleId) ([]byte, error) {
	capsule, err := c.reg.Lookup(id)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, capsule.LogicalSize)
	for _, segId := range capsule.SegmentIds {
		raw, meta, err := c.segLog.Read(segId)
		if err != nil {
			return nil, err
		}

		plain := raw
		if meta.Encryption != nil {
			if c.keyring == nil {
				return nil, types.NewError(types.KindKeyVersionNotFound, "segment is encrypted but no keyring is configured", nil)
			}
			keyPair, err := c.keyring.GetKeyPair(meta.Encryption.KeyVersion)
			if err != nil {
				return nil, types.ErrKeyVersionNotFound
			}

			if len(meta.Encryption.OptionalKyberWrap) > 0 {
				if c.hybridKeyPair == nil {
					return nil, types.NewError(types.KindKeyVersionNotFound, "segment was wrapped under hybrid_kyber but no hybrid keypair is configured", nil)
				}
				secret, err := stagechain.HybridUnwrap(c.hybridKeyPair, meta.Encryption.OptionalKyberWrap)
				if err != nil {
					return nil, err
				}
				plain, err = c.encrypt.DecryptHybrid(raw, *meta.Encryption, keyPair, secret)
				if err != nil {
					return nil, err
				}
			} else {
				plain, err = c.encrypt.Decrypt(raw, *meta.Encryption, keyPair)
				if err != nil {
					return nil, err
				}
			}
		}

		if meta.Compressed {
			decompressed, err := c.compress.Decompress(plain, meta.CompressionCodec, int(meta.OriginalLength))
			if err != nil {
				return nil, err
			}
			plain = decompressed
		}

		out = append(out, plain...)
	}

	return out, nil
}

// DeleteCapsule runs the delete protocol: registry delete, unregister +
// delete_metadata for every freed segment, snapshot, telemetry.
func (c *Coordinator) DeleteCapsule(id types.CapsuleId) error {
	freed, err := c.reg.DeleteCapsule(id)
	if err != nil {
		return err
	}

	for _, segId := range freed {
		seg, ok := c.segLog.Lookup(segId)
		if ok && seg.ContentHash != nil {
			c.content.Unregister(*seg.ContentHash)
		}
		if err := c.segLog.DeleteMetadata(segId); err != nil && !types.Is(err, types.KindNotFound) {
			return err
		}
	}

	if err := c.snapshot(); err != nil {
		return err
	}

	c.telemetry.Emit(telemetry.Event{Kind: telemetry.EventCapsuleDeleted, CapsuleId: id, FreedSegments: freed})
	return nil
}

// GarbageCollect scans the segment log's index for every segment whose
// refcount (per the reconciled registry) is zero, and performs the
// unregister+delete_metadata sequence for each. Idempotent.
func (c *Coordinator) GarbageCollect() (count uint64, bytesFreed uint64, err error) {
	eligible := c.reg.GCEligibleSegments(c.segLog)
	for _, seg := range eligible {
		if seg.ContentHash != nil {
			c.content.Unregister(*seg.ContentHash)
		}
		if err := c.segLog.DeleteMetadata(seg.Id); err != nil && !types.Is(err, types.KindNotFound) {
			return count, bytesFreed, err
		}
		count++
		bytesFreed += seg.LengthOnDisk
	}

	if count > 0 {
		if err := c.snapshot(); err != nil {
			return count, bytesFreed, err
		}
	}

	c.telemetry.Emit(telemetry.Event{Kind: telemetry.EventSegmentsReclaimed, Count: count, Bytes: bytesFreed})
	return count, bytesFreed, nil
}

// Stats reports aggregate store statistics for spec.md §6.1's stats().
type Stats struct {
	SegmentsTotal  uint64
	SegmentsUnique uint64
	DedupRatio     float64
	BytesSaved     uint64
}

// Stats computes current store statistics.
func (c *Coordinator) Stats() Stats {
	capsules := c.reg.ListCapsules()
	segments := c.segLog.List()

	var bytesSaved uint64
	for _, capsule := range capsules {
		bytesSaved += capsule.DedupedBytesSaved
	}

	return Stats{
		SegmentsTotal:  uint64(len(segments)),
		SegmentsUnique: uint64(len(segments)),
		DedupRatio:     dedupRatio(capsules),
		BytesSaved:     bytesSaved,
	}
}

func dedupRatio(capsules []types.Capsule) float64 {
	var logical, saved uint64
	for _, c := range capsules {
		logical += c.LogicalSize
		saved += c.DedupedBytesSaved
	}
	if logical == 0 {
		return 0
	}
	return float64(saved) / float64(logical)
}

// snapshot persists the registry and content index together, as required
// by §5's "the Content Index is protected together with the registry."
func (c *Coordinator) snapshot() error {
	c.snapshotMu.Lock()
	defer c.snapshotMu.Unlock()
	return c.reg.Snapshot(c.content.Snapshot())
}

// splitSegments splits payload into fixed-size chunks of at most size
// bytes; the final chunk may be smaller.
func splitSegments(payload []byte, size int) [][]byte {
	if size <= 0 {
		size = SegmentSize
	}
	var chunks [][]byte
	for offset := 0; offset < len(payload); offset += size {
		end := offset + size
		if end > len(payload) {
			end = len(payload)
		}
		chunks = append(chunks, payload[offset:end])
	}
	return chunks
}

// ReconcileAndRestore runs the registry's mandatory startup refcount
// reconciliation per spec.md §4.3. The top-level façade calls
// ReconcileRefcounts directly rather than through this wrapper.
func ReconcileAndRestore(reg *registry.Registry) {
	reg.ReconcileRefcounts()
}
