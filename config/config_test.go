package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromEnv_ReadsMasterKey(t *testing.T) {
	t.Setenv("SPACE_MASTER_KEY", "deadbeef")
	cfg := FromEnv(Config{})
	assert.Equal(t, "deadbeef", cfg.MasterKeyHex)
}

func TestFromEnv_LeavesUnsetFieldsUntouched(t *testing.T) {
	os.Unsetenv("SPACE_MASTER_KEY")
	cfg := FromEnv(Config{MasterKeyHex: "preexisting"})
	assert.Equal(t, "preexisting", cfg.MasterKeyHex)
}

func TestFromEnv_ParsesBloomSettings(t *testing.T) {
	t.Setenv("SPACE_BLOOM_CAPACITY", "500000")
	t.Setenv("SPACE_BLOOM_FPR", "0.02")

	cfg := FromEnv(Config{})
	assert.Equal(t, uint64(500000), cfg.BloomCapacity)
	assert.InDelta(t, 0.02, cfg.BloomFPR, 0.0001)
}

func TestFromEnv_IgnoresInvalidBloomFPR(t *testing.T) {
	t.Setenv("SPACE_BLOOM_FPR", "not-a-float")
	cfg := FromEnv(Config{BloomFPR: 0.001})
	assert.Equal(t, 0.001, cfg.BloomFPR)
}

func TestFromEnv_ParsesDisableModularPipeline(t *testing.T) {
	t.Setenv("SPACE_DISABLE_MODULAR_PIPELINE", "true")
	cfg := FromEnv(Config{})
	assert.True(t, cfg.DisableModularPipeline)
}

func TestDefaultLogger_NotNil(t *testing.T) {
	logger := DefaultLogger()
	require.NotNil(t, logger)
}
