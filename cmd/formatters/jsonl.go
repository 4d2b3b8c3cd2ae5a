package formatters

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONLFormatter handles JSONL (JSON Lines) format output
type JSONLFormatter struct{}

// NewJSONLFormatter creates a new JSONL formatter
func NewJSONLFormatter() *JSONLFormatter {
	return &JSONLFormatter{}
}

// NewWriter creates a new JSONL stream writer
func (f *JSONLFormatter) NewWriter(w io.Writer, columns []Column) (StreamWriter, error) {
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}
	return &jsonlStreamWriter{encoder: json.NewEncoder(w), columns: names}, nil
}

// Extension returns the file extension for JSONL files
func (f *JSONLFormatter) Extension() string {
	return ".jsonl"
}

// MIMEType returns the MIME type for JSONL
func (f *JSONLFormatter) MIMEType() string {
	return "application/x-ndjson"
}

type jsonlStreamWriter struct {
	encoder *json.Encoder
	columns []string
}

// WriteChunk writes one JSON object per row
func (w *jsonlStreamWriter) WriteChunk(rows [][]any) error {
	for _, row := range rows {
		if len(row) != len(w.columns) {
			return fmt.Errorf("JSONL row has %d values, expected %d", len(row), len(w.columns))
		}
		obj := make(map[string]any, len(row))
		for i, val := range row {
			obj[w.columns[i]] = plainValue(val)
		}
		// Encode appends the newline
		if err := w.encoder.Encode(obj); err != nil {
			return fmt.Errorf("failed to write JSONL record: %w", err)
		}
	}
	return nil
}

// Close is a no-op; JSONL has no footer
func (w *jsonlStreamWriter) Close() error {
	return nil
}
