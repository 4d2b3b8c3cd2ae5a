package formatters

import (
	"fmt"
	"io"
	"math"
	"strconv"
	"strings"

	"github.com/parquet-go/parquet-go"
)

// ParquetFormatter handles Parquet format output
type ParquetFormatter struct {
	compression string
}

// NewParquetFormatterWithCompression creates a Parquet formatter with specified compression
func NewParquetFormatterWithCompression(compression string) *ParquetFormatter {
	return &ParquetFormatter{
		compression: compression,
	}
}

type parquetKind int

const (
	parquetString parquetKind = iota
	parquetInt64
	parquetDouble
	parquetBoolean
)

// kindForType maps a database column type onto a Parquet leaf kind. Unsigned
// 64-bit integers do not fit an int64 leaf and are kept as decimal text.
func kindForType(sqlType string, unsigned bool) parquetKind {
	base := strings.ToLower(strings.TrimSpace(sqlType))
	if i := strings.IndexAny(base, "( "); i >= 0 {
		base = base[:i]
	}
	switch base {
	case "bigint", "int8":
		if unsigned {
			return parquetString
		}
		return parquetInt64
	case "tinyint", "smallint", "mediumint", "int", "integer",
		"int2", "int4", "serial", "bigserial", "year":
		return parquetInt64
	case "float", "double", "real", "float4", "float8":
		return parquetDouble
	case "bool", "boolean":
		return parquetBoolean
	default:
		return parquetString
	}
}

func (f *ParquetFormatter) codec() parquet.WriterOption {
	switch f.compression {
	case "zstd":
		return parquet.Compression(&parquet.Zstd)
	case "gzip":
		return parquet.Compression(&parquet.Gzip)
	case "lz4":
		return parquet.Compression(&parquet.Lz4Raw)
	case "none":
		return parquet.Compression(&parquet.Uncompressed)
	default:
		// Snappy is the Parquet default
		return parquet.Compression(&parquet.Snappy)
	}
}

// NewWriter creates a Parquet stream writer. Row groups are flushed per
// chunk and the footer is written on Close.
func (f *ParquetFormatter) NewWriter(w io.Writer, columns []Column) (StreamWriter, error) {
	if len(columns) == 0 {
		return nil, fmt.Errorf("parquet output needs at least one column")
	}

	kinds := make([]parquetKind, len(columns))
	fields := make(parquet.Group, len(columns))
	for i, col := range columns {
		kinds[i] = kindForType(col.Type, col.Unsigned)
		var node parquet.Node
		switch kinds[i] {
		case parquetInt64:
			node = parquet.Leaf(parquet.Int64Type)
		case parquetDouble:
			node = parquet.Leaf(parquet.DoubleType)
		case parquetBoolean:
			node = parquet.Leaf(parquet.BooleanType)
		default:
			node = parquet.String()
		}
		fields[col.Name] = parquet.Optional(node)
	}

	schema := parquet.NewSchema("table_snapshot", fields)
	writer := parquet.NewGenericWriter[map[string]any](w, schema, f.codec())

	names := make([]string, len(columns))
	for i, col := range columns {
		names[i] = col.Name
	}
	return &parquetStreamWriter{writer: writer, columns: names, kinds: kinds}, nil
}

// Extension returns the file extension for Parquet files
func (f *ParquetFormatter) Extension() string {
	return ".parquet"
}

// MIMEType returns the MIME type for Parquet
func (f *ParquetFormatter) MIMEType() string {
	return "application/vnd.apache.parquet"
}

type parquetStreamWriter struct {
	writer  *parquet.GenericWriter[map[string]any]
	columns []string
	kinds   []parquetKind
}

func (w *parquetStreamWriter) WriteChunk(rows [][]any) error {
	records := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		if len(row) != len(w.columns) {
			return fmt.Errorf("parquet row has %d values, expected %d", len(row), len(w.columns))
		}
		rec := make(map[string]any, len(row))
		for i, val := range row {
			v, err := coerce(val, w.kinds[i])
			if err != nil {
				return fmt.Errorf("column %s: %w", w.columns[i], err)
			}
			rec[w.columns[i]] = v
		}
		records = append(records, rec)
	}

	if _, err := w.writer.Write(records); err != nil {
		return fmt.Errorf("failed to write parquet rows: %w", err)
	}
	return w.writer.Flush()
}

func (w *parquetStreamWriter) Close() error {
	if err := w.writer.Close(); err != nil {
		return fmt.Errorf("failed to close parquet writer: %w", err)
	}
	return nil
}

// coerce converts a driver value into the Go type of the Parquet leaf
func coerce(val any, kind parquetKind) (any, error) {
	if val == nil {
		return nil, nil
	}
	val = plainValue(val)

	switch kind {
	case parquetInt64:
		switch t := val.(type) {
		case int64:
			return t, nil
		case int:
			return int64(t), nil
		case int32:
			return int64(t), nil
		case uint64:
			if t > math.MaxInt64 {
				return nil, fmt.Errorf("value %d overflows int64", t)
			}
			return int64(t), nil
		case string:
			return strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		}
	case parquetDouble:
		switch t := val.(type) {
		case float64:
			return t, nil
		case float32:
			return float64(t), nil
		case int64:
			return float64(t), nil
		case string:
			return strconv.ParseFloat(strings.TrimSpace(t), 64)
		}
	case parquetBoolean:
		switch t := val.(type) {
		case bool:
			return t, nil
		case int64:
			return t != 0, nil
		case string:
			return strconv.ParseBool(t)
		}
	default:
		if s, ok := val.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", val), nil
	}
	return nil, fmt.Errorf("cannot convert %T to parquet value", val)
}
