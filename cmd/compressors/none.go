package compressors

import "io"

// NoneCompressor passes data through unchanged
type NoneCompressor struct{}

// NewNoneCompressor creates a new no-op compressor
func NewNoneCompressor() *NoneCompressor {
	return &NoneCompressor{}
}

// NewWriter returns w wrapped with a no-op Close
func (c *NoneCompressor) NewWriter(w io.Writer, _ int) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

// Extension returns an empty string (no compression extension)
func (c *NoneCompressor) Extension() string {
	return ""
}

// DefaultLevel returns 0 (no compression level needed)
func (c *NoneCompressor) DefaultLevel() int {
	return 0
}

type nopWriteCloser struct {
	io.Writer
}

func (nopWriteCloser) Close() error { return nil }
