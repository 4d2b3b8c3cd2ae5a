package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
)

// ZstdCompressor handles Zstandard compression
type ZstdCompressor struct {
	workers int
}

// NewZstdCompressor creates a new Zstandard compressor
func NewZstdCompressor() *ZstdCompressor {
	return &ZstdCompressor{
		workers: 4, // Default worker count
	}
}

// encoderLevel maps the 1-9 scale onto zstd's speed presets
func encoderLevel(level int) zstd.EncoderLevel {
	switch {
	case level <= 0:
		return zstd.SpeedFastest
	case level <= 3:
		return zstd.SpeedDefault
	case level <= 7:
		return zstd.SpeedBetterCompression
	default:
		return zstd.SpeedBestCompression
	}
}

// NewWriter creates a streaming zstd encoder
func (c *ZstdCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	encoder, err := zstd.NewWriter(w,
		zstd.WithEncoderLevel(encoderLevel(level)),
		zstd.WithEncoderConcurrency(c.workers))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	return encoder, nil
}

// Extension returns the file extension for Zstandard compression
func (c *ZstdCompressor) Extension() string {
	return ".zst"
}

// DefaultLevel returns the default compression level for Zstandard
func (c *ZstdCompressor) DefaultLevel() int {
	return 3
}
