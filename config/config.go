// Package config carries the capsule storage core's environment-derived
// settings (spec.md §6.3) and default logger construction, following the
// teacher's own config.go pattern.
package config

import (
	"log/slog"
	"os"
	"strconv"

	"github.com/i5heu/space/internal/coordinator"
)

// Config configures an open store.
type Config struct {
	// Path is the working directory holding space.metadata, space.nvram,
	// and space.nvram.segments.
	Path string
	// Logger is an optional structured logger. If nil, a stderr logger
	// is used.
	Logger *slog.Logger
	// Mode selects Sequential or Concurrent scheduling (spec.md §5).
	Mode coordinator.Mode
	// MaxConcurrency bounds the prepare stage's parallelism in
	// Concurrent mode. 0 = half hardware parallelism.
	MaxConcurrency int

	// MasterKeyHex is SPACE_MASTER_KEY: 64 hex characters enabling
	// encryption when present.
	MasterKeyHex string
	// KyberKeyPath is SPACE_KYBER_KEY_PATH: enables hybrid post-quantum
	// wrapping (realized via X25519, see internal/stagechain/hybrid.go).
	KyberKeyPath string
	// BloomCapacity and BloomFPR size the Content Index's pre-filter.
	BloomCapacity uint64
	BloomFPR      float64
	// DisableModularPipeline mirrors SPACE_DISABLE_MODULAR_PIPELINE.
	DisableModularPipeline bool
	// MinimumFreeGB is a free-space threshold on Path's filesystem. 0
	// disables the check. Mirrors the teacher's Config.MinimumFreeGB.
	MinimumFreeGB uint64
}

// FromEnv reads the spec.md §6.3 environment variables into cfg, leaving
// already-set fields untouched except where the corresponding variable is
// present.
func FromEnv(cfg Config) Config {
	if v := os.Getenv("SPACE_MASTER_KEY"); v != "" {
		cfg.MasterKeyHex = v
	}
	if v := os.Getenv("SPACE_KYBER_KEY_PATH"); v != "" {
		cfg.KyberKeyPath = v
	}
	if v := os.Getenv("SPACE_BLOOM_CAPACITY"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.BloomCapacity = n
		}
	}
	if v := os.Getenv("SPACE_BLOOM_FPR"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 && f < 1 {
			cfg.BloomFPR = f
		}
	}
	if v := os.Getenv("SPACE_DISABLE_MODULAR_PIPELINE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DisableModularPipeline = b
		}
	}
	if v := os.Getenv("SPACE_MINIMUM_FREE_GB"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			cfg.MinimumFreeGB = n
		}
	}
	return cfg
}

// DefaultLogger returns a logger that writes text logs to stderr at Info
// level, matching the teacher's defaultLogger().
func DefaultLogger() *slog.Logger {
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(h)
}
