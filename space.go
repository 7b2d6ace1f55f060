// Package space implements the public façade of the SPACE capsule storage
// core (spec.md §6.1): Open/Run/Close lifecycle, write_capsule,
// read_capsule, delete_capsule, list_capsules, stats, garbage_collect, and
// telemetry attach/detach.
//
// Lifecycle (idempotent Start via sync.Once, atomic.Bool started flag,
// errors.Join on Close, structured slog logging) is grounded on
// ouroboros.go.
package space

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/i5heu/space/config"
	"github.com/i5heu/space/internal/contentindex"
	"github.com/i5heu/space/internal/coordinator"
	"github.com/i5heu/space/internal/registry"
	"github.com/i5heu/space/internal/segmentlog"
	"github.com/i5heu/space/internal/stagechain"
	"github.com/i5heu/space/internal/telemetry"
	"github.com/i5heu/space/internal/types"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

var (
	ErrNotStarted = errors.New("space: store not started")
	ErrClosed     = errors.New("space: store closed")
)

// Store is the main handle onto an open capsule storage core.
type Store struct {
	log    *slog.Logger
	config config.Config

	mu          sync.RWMutex
	segLog      *segmentlog.Log
	content     *contentindex.Index
	reg         *registry.Registry
	keyring     *stagechain.Keyring
	coordinator *coordinator.Coordinator
	telemetry   *telemetry.Attachment

	started   atomic.Bool
	startOnce sync.Once
	closeOnce sync.Once
}

// New constructs a Store handle. New does not perform I/O; call Start (or
// use Open, which does both) to initialize subsystems.
func New(conf config.Config) (*Store, error) {
	if conf.Path == "" {
		return nil, types.NewError(types.KindInvalidInput, "config.Path must be set", nil)
	}
	if conf.Logger == nil {
		conf.Logger = config.DefaultLogger()
	}
	conf = config.FromEnv(conf)

	return &Store{
		log:       conf.Logger,
		config:    conf,
		telemetry: &telemetry.Attachment{},
	}, nil
}

// Open constructs and starts a Store in one call.
func Open(ctx context.Context, conf config.Config) (*Store, error) {
	store, err := New(conf)
	if err != nil {
		return nil, err
	}
	if err := store.Start(ctx); err != nil {
		return nil, err
	}
	return store, nil
}

// Start opens the Segment Log, Content Index, and Capsule Registry,
// reconciles refcounts, and marks the store ready. Start is safe to call
// multiple times; only the first call has effect.
func (s *Store) Start(ctx context.Context) error {
	var startErr error
	s.startOnce.Do(func() {
		if err := os.MkdirAll(s.config.Path, 0o700); err != nil {
			startErr = fmt.Errorf("mkdir %s: %w", s.config.Path, err)
			return
		}

		internalLogger := logrus.StandardLogger()

		segLog, err := segmentlog.Open(s.config.Path, internalLogger)
		if err != nil {
			startErr = fmt.Errorf("open segment log: %w", err)
			return
		}

		reg, err := registry.Open(s.config.Path, internalLogger)
		if err != nil {
			startErr = fmt.Errorf("open registry: %w", err)
			return
		}
		reg.ReconcileRefcounts()

		contentStore, err := reg.ContentStore()
		if err != nil {
			startErr = fmt.Errorf("load content store: %w", err)
			return
		}

		bloomCfg := contentindex.Config{Capacity: s.config.BloomCapacity, FPR: s.config.BloomFPR}
		if bloomCfg.Capacity == 0 {
			bloomCfg = contentindex.ConfigFromEnv()
		}
		content := contentindex.Restore(bloomCfg, contentStore)

		var keyring *stagechain.Keyring
		if s.config.MasterKeyHex != "" {
			secret, err := stagechain.MasterSecretFromHex(s.config.MasterKeyHex)
			if err != nil {
				startErr = err
				return
			}
			kr, err := stagechain.NewKeyring(secret)
			if err != nil {
				startErr = err
				return
			}
			keyring = kr
		}

		var hybridKeyPair *stagechain.HybridKeyPair
		if s.config.KyberKeyPath != "" {
			kp, err := stagechain.LoadOrGenerateHybridKeyPair(s.config.KyberKeyPath)
			if err != nil {
				startErr = err
				return
			}
			hybridKeyPair = kp
		}

		coord := coordinator.New(coordinator.Config{
			Mode:           s.config.Mode,
			MaxConcurrency: s.config.MaxConcurrency,
			Log:            s.log,
			Keyring:        keyring,
			HybridKeyPair:  hybridKeyPair,
			Telemetry:      s.telemetry,
		}, segLog, content, reg)

		s.mu.Lock()
		s.segLog = segLog
		s.content = content
		s.reg = reg
		s.keyring = keyring
		s.coordinator = coord
		s.mu.Unlock()

		s.started.Store(true)
		s.log.Info("space store started", "path", s.config.Path)
	})
	return startErr
}

// Run starts the store, then blocks until ctx is canceled, and finally
// performs a bounded graceful shutdown.
func (s *Store) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.Close(shutdownCtx)
}

// Close releases the store's resources. Close is idempotent and safe to
// call multiple times.
func (s *Store) Close(ctx context.Context) error {
	var closeErr error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		segLog := s.segLog
		keyring := s.keyring
		s.segLog = nil
		s.coordinator = nil
		s.mu.Unlock()

		if segLog != nil {
			if err := segLog.Close(); err != nil {
				closeErr = errors.Join(closeErr, fmt.Errorf("close segment log: %w", err))
			}
		}
		if keyring != nil {
			keyring.Close()
		}

		s.log.Info("space store closed")
	})
	return closeErr
}

func (s *Store) handle() (*coordinator.Coordinator, error) {
	if !s.started.Load() {
		return nil, ErrNotStarted
	}
	s.mu.RLock()
	coord := s.coordinator
	s.mu.RUnlock()
	if coord == nil {
		return nil, ErrClosed
	}
	return coord, nil
}

// WriteCapsule writes payload under policy and returns the new capsule's
// id.
func (s *Store) WriteCapsule(ctx context.Context, payload []byte, policy types.Policy) (types.CapsuleId, error) {
	if err := ctx.Err(); err != nil {
		return types.CapsuleId{}, err
	}
	coord, err := s.handle()
	if err != nil {
		return types.CapsuleId{}, err
	}
	if err := s.checkFreeSpace(); err != nil {
		return types.CapsuleId{}, err
	}
	return coord.WriteCapsule(payload, policy)
}

// checkFreeSpace rejects new writes once Path's filesystem falls below
// config.MinimumFreeGB, mirroring the teacher's pre-write disk check.
// A MinimumFreeGB of 0 disables the check.
func (s *Store) checkFreeSpace() error {
	if s.config.MinimumFreeGB == 0 {
		return nil
	}
	usage, err := disk.Usage(s.config.Path)
	if err != nil {
		return fmt.Errorf("check free space: %w", err)
	}
	freeGB := usage.Free / (1 << 30)
	if freeGB < s.config.MinimumFreeGB {
		return types.NewError(types.KindDurabilityFailure, "not enough space available on disk", nil)
	}
	return nil
}

// ReadCapsule returns the bytes originally written for id.
func (s *Store) ReadCapsule(ctx context.Context, id types.CapsuleId) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	coord, err := s.handle()
	if err != nil {
		return nil, err
	}
	return coord.ReadCapsule(id)
}

// DeleteCapsule removes id and its now-unreferenced segments.
func (s *Store) DeleteCapsule(ctx context.Context, id types.CapsuleId) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	coord, err := s.handle()
	if err != nil {
		return err
	}
	return coord.DeleteCapsule(id)
}

// CapsuleSummary is one entry of ListCapsules's output.
type CapsuleSummary struct {
	Id           types.CapsuleId
	Size         uint64
	SegmentCount int
}

// ListCapsules returns a summary of every capsule in the store.
func (s *Store) ListCapsules(ctx context.Context) ([]CapsuleSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	coord, err := s.handle()
	if err != nil {
		return nil, err
	}
	_ = coord // capsule listing is served from the registry directly below
	s.mu.RLock()
	reg := s.reg
	s.mu.RUnlock()

	capsules := reg.ListCapsules()
	out := make([]CapsuleSummary, 0, len(capsules))
	for _, c := range capsules {
		out = append(out, CapsuleSummary{Id: c.Id, Size: c.LogicalSize, SegmentCount: len(c.SegmentIds)})
	}
	return out, nil
}

// Stats reports aggregate store statistics.
func (s *Store) Stats(ctx context.Context) (coordinator.Stats, error) {
	if err := ctx.Err(); err != nil {
		return coordinator.Stats{}, err
	}
	coord, err := s.handle()
	if err != nil {
		return coordinator.Stats{}, err
	}
	return coord.Stats(), nil
}

// GarbageCollect reclaims every segment whose reference count is zero.
func (s *Store) GarbageCollect(ctx context.Context) (segmentsReclaimed uint64, bytesOfMetadataFreed uint64, err error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	coord, err := s.handle()
	if err != nil {
		return 0, 0, err
	}
	return coord.GarbageCollect()
}

// AttachTelemetry installs channel as the store's telemetry sink.
func (s *Store) AttachTelemetry(channel *telemetry.Channel) {
	s.telemetry.Attach(channel)
}

// DetachTelemetry removes the store's telemetry sink.
func (s *Store) DetachTelemetry() {
	s.telemetry.Detach()
}
