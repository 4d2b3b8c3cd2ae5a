package formatters

import (
	"encoding/csv"
	"fmt"
	"io"
)

// CSVFormatter writes a header row followed by one record per row
type CSVFormatter struct{}

// NewCSVFormatter creates a new CSV formatter
func NewCSVFormatter() *CSVFormatter {
	return &CSVFormatter{}
}

// NewWriter creates a CSV stream writer and writes the header immediately
func (f *CSVFormatter) NewWriter(w io.Writer, columns []Column) (StreamWriter, error) {
	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}

	csvWriter := csv.NewWriter(w)
	if err := csvWriter.Write(names); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}

	return &csvStreamWriter{writer: csvWriter, width: len(columns)}, nil
}

// Extension returns the file extension for CSV files
func (f *CSVFormatter) Extension() string {
	return ".csv"
}

// MIMEType returns the MIME type for CSV
func (f *CSVFormatter) MIMEType() string {
	return "text/csv"
}

type csvStreamWriter struct {
	writer *csv.Writer
	width  int
}

// WriteChunk writes a chunk of rows; NULL becomes an empty field
func (w *csvStreamWriter) WriteChunk(rows [][]any) error {
	for _, row := range rows {
		if len(row) != w.width {
			return fmt.Errorf("CSV row has %d values, expected %d", len(row), w.width)
		}
		record := make([]string, len(row))
		for i, val := range row {
			if val == nil {
				continue
			}
			record[i] = fmt.Sprintf("%v", plainValue(val))
		}

		if err := w.writer.Write(record); err != nil {
			return fmt.Errorf("failed to write CSV record: %w", err)
		}
	}
	return nil
}

// Close finalizes the CSV output by flushing the writer
func (w *csvStreamWriter) Close() error {
	w.writer.Flush()
	if err := w.writer.Error(); err != nil {
		return fmt.Errorf("CSV writer error: %w", err)
	}
	return nil
}
