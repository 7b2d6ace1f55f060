// Package stagechain implements the four pluggable stages of SPEC_FULL.md
// §4.4: Compressor, Hasher, Encryptor, and the Keyring the Encryptor
// consults. Each is a narrow, independently testable contract; none of them
// know about capsules or the log — that orchestration lives in
// internal/coordinator.
package stagechain

import (
	"bytes"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/i5heu/space/internal/types"
)

// CompressedSegment is the Compressor's output: either the original bytes
// (borrowed, Compressed=false) or a compressed copy, tagged with the codec
// used and why compression was or wasn't applied.
type CompressedSegment struct {
	Bytes          []byte
	Compressed     bool
	Codec          types.CompressionCodec
	OriginalLength int
	SkipReason     types.CompressionSkipReason
}

// Compressor implements spec.md §4.4.1's decision rules: entropy-based
// skip, codec run, ineffectiveness-based discard, with a hard determinism
// requirement (same input + codec + level -> byte-identical output).
type Compressor struct{}

// entropySampleSize bounds how many leading bytes estimateEntropy samples,
// following original_source/crates/compression/src/lib.rs's
// entropy_skip_reason (only evaluated once len(data) >= 1024).
const entropySampleSize = 1024

// entropyMinDataLen is the minimum payload size the entropy skip applies
// to; below it compression always runs, matching the original source's
// early-out for small inputs.
const entropyMinDataLen = 1024

// Compress applies policy's decision rules to data.
func (Compressor) Compress(data []byte, policy types.CompressionPolicy) (CompressedSegment, error) {
	if policy.Mode == types.CompressionDisabled || len(data) == 0 {
		return CompressedSegment{Bytes: data, Compressed: false, Codec: types.CodecNone, OriginalLength: len(data), SkipReason: types.SkipNone}, nil
	}

	threshold := policy.EntropySkipThreshold
	if threshold <= 0 {
		threshold = 7.5
	}
	if len(data) >= entropyMinDataLen {
		if entropy := estimateEntropy(data[:min(len(data), entropySampleSize)]); entropy >= threshold {
			return CompressedSegment{Bytes: data, Compressed: false, Codec: types.CodecNone, OriginalLength: len(data), SkipReason: types.SkipHighEntropy}, nil
		}
	}

	var (
		compressed []byte
		codec      types.CompressionCodec
		err        error
	)
	switch policy.Mode {
	case types.CompressionLZ4:
		compressed, err = compressLZ4(data, adjustedLZ4Level(policy.Level))
		codec = types.CodecLZ4
	case types.CompressionZstd:
		compressed, err = compressZstd(data, adjustedZstdLevel(policy.Level))
		codec = types.CodecZstd
	default:
		return CompressedSegment{}, types.NewError(types.KindInvalidInput, fmt.Sprintf("unknown compression mode %q", policy.Mode), nil)
	}
	if err != nil {
		return CompressedSegment{}, types.NewError(types.KindCompressionFailed, "codec-internal failure", err)
	}

	ratio := float64(len(compressed)) / float64(len(data))
	minUseful := policy.MinUsefulRatio
	if minUseful <= 0 {
		minUseful = 0.95
	}
	if ratio > minUseful {
		return CompressedSegment{Bytes: data, Compressed: false, Codec: types.CodecNone, OriginalLength: len(data), SkipReason: types.SkipIneffective}, nil
	}

	return CompressedSegment{Bytes: compressed, Compressed: true, Codec: codec, OriginalLength: len(data), SkipReason: types.SkipNone}, nil
}

// Decompress reverses Compress given the codec that was used.
func (Compressor) Decompress(data []byte, codec types.CompressionCodec, originalLength int) ([]byte, error) {
	switch codec {
	case types.CodecNone, "":
		return data, nil
	case types.CodecLZ4:
		out, err := decompressLZ4(data, originalLength)
		if err != nil {
			return nil, types.NewError(types.KindCompressionFailed, "lz4 decompression failed", err)
		}
		return out, nil
	case types.CodecZstd:
		out, err := decompressZstd(data, originalLength)
		if err != nil {
			return nil, types.NewError(types.KindCompressionFailed, "zstd decompression failed", err)
		}
		return out, nil
	default:
		return nil, types.NewError(types.KindInvalidInput, fmt.Sprintf("unknown compression codec %q", codec), nil)
	}
}

// estimateEntropy computes the Shannon entropy (bits/byte) of data via a
// 256-bucket byte histogram. 0.0 means constant data, 8.0 means uniformly
// random. Grounded on original_source/crates/compression/src/lib.rs's
// estimate_entropy.
func estimateEntropy(data []byte) float64 {
	if len(data) == 0 {
		return 0
	}
	var histogram [256]int
	for _, b := range data {
		histogram[b]++
	}
	total := float64(len(data))
	var entropy float64
	for _, count := range histogram {
		if count == 0 {
			continue
		}
		p := float64(count) / total
		entropy -= p * math.Log2(p)
	}
	return entropy
}

// adjustedLZ4Level clamps level into 1..16, following original_source's
// adjusted_level. compressLZ4 maps levels above 9 to lz4's highest level.
func adjustedLZ4Level(level int) int {
	if level < 1 {
		return 1
	}
	if level > 16 {
		return 16
	}
	return level
}

// adjustedZstdLevel clamps level into zstd's usable range.
func adjustedZstdLevel(level int) int {
	if level < -5 {
		return -5
	}
	if level > 22 {
		return 22
	}
	if level == 0 {
		return 3
	}
	return level
}

func compressLZ4(data []byte, level int) ([]byte, error) {
	var buf bytes.Buffer
	w := lz4.NewWriter(&buf)
	// lz4/v4 only accepts its named Level1..Level9 constants, not plain
	// integers.
	levels := [...]lz4.CompressionLevel{lz4.Level1, lz4.Level2, lz4.Level3, lz4.Level4, lz4.Level5, lz4.Level6, lz4.Level7, lz4.Level8, lz4.Level9}
	if err := w.Apply(lz4.CompressionLevelOption(levels[min(level, len(levels))-1])); err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressLZ4(data []byte, originalLength int) ([]byte, error) {
	r := lz4.NewReader(bytes.NewReader(data))
	out := make([]byte, 0, originalLength)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func compressZstd(data []byte, level int) ([]byte, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.EncoderLevelFromZstd(level)))
	if err != nil {
		return nil, err
	}
	defer enc.Close()
	return enc.EncodeAll(data, nil), nil
}

func decompressZstd(data []byte, originalLength int) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, make([]byte, 0, originalLength))
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
