package compressors

import (
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"
)

// GzipCompressor handles Gzip compression
type GzipCompressor struct{}

// NewGzipCompressor creates a new Gzip compressor
func NewGzipCompressor() *GzipCompressor {
	return &GzipCompressor{}
}

// NewWriter creates a streaming gzip writer
func (c *GzipCompressor) NewWriter(w io.Writer, level int) (io.WriteCloser, error) {
	// Validate and normalize level (1-9, or -1 for default)
	if level < 1 || level > 9 {
		level = gzip.DefaultCompression
	}

	writer, err := gzip.NewWriterLevel(w, level)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	return writer, nil
}

// Extension returns the file extension for Gzip compression
func (c *GzipCompressor) Extension() string {
	return ".gz"
}

// DefaultLevel returns the default compression level for Gzip
func (c *GzipCompressor) DefaultLevel() int {
	return 6
}
