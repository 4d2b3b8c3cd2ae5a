package formatters

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

// Format type constants
const (
	FormatJSONL   = "jsonl"
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// ErrUnsupportedFormat is returned when an unsupported output format is requested
var ErrUnsupportedFormat = errors.New("unsupported output format")

// Column names one output column and its database type
type Column struct {
	Name     string
	Type     string
	Unsigned bool
}

// Formatter defines the interface for snapshot output formats
type Formatter interface {
	// NewWriter starts a stream of rows with the given columns on w
	NewWriter(w io.Writer, columns []Column) (StreamWriter, error)

	// Extension returns the file extension for this format (e.g., ".jsonl", ".csv", ".parquet")
	Extension() string

	// MIMEType returns the MIME type for this format
	MIMEType() string
}

// StreamWriter writes rows in column order. Close writes any footer but
// does not close the underlying writer.
type StreamWriter interface {
	WriteChunk(rows [][]any) error
	Close() error
}

// GetFormatter returns the formatter for format. Compression only applies
// to formats that compress internally.
func GetFormatter(format, compression string) (Formatter, error) {
	switch strings.ToLower(format) {
	case FormatJSONL, "":
		return NewJSONLFormatter(), nil
	case FormatCSV:
		return NewCSVFormatter(), nil
	case FormatParquet:
		return NewParquetFormatterWithCompression(compression), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
}

// UsesInternalCompression returns true if the format handles compression internally
func UsesInternalCompression(format string) bool {
	return strings.EqualFold(format, FormatParquet)
}

// plainValue converts driver values into JSON and text friendly values
func plainValue(v any) any {
	switch t := v.(type) {
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(time.RFC3339Nano)
	default:
		return v
	}
}
