package formatters

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"
)

var testColumns = []Column{
	{Name: "id", Type: "bigint"},
	{Name: "customer", Type: "varchar(64)"},
	{Name: "total", Type: "double precision"},
	{Name: "paid", Type: "boolean"},
	{Name: "created_at", Type: "timestamp"},
}

func testRows() [][]any {
	created := time.Date(2020, 6, 1, 12, 0, 0, 0, time.UTC)
	return [][]any{
		{int64(1), []byte("ada"), float64(10.5), true, created},
		{int64(2), "grace, hopper", nil, false, nil},
	}
}

func TestGetFormatter(t *testing.T) {
	tests := []struct {
		format    string
		extension string
		wantErr   bool
	}{
		{"jsonl", ".jsonl", false},
		{"", ".jsonl", false},
		{"CSV", ".csv", false},
		{"parquet", ".parquet", false},
		{"xml", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			f, err := GetFormatter(tt.format, "zstd")
			if tt.wantErr {
				if !errors.Is(err, ErrUnsupportedFormat) {
					t.Fatalf("GetFormatter(%q) error = %v, want ErrUnsupportedFormat", tt.format, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("GetFormatter(%q) unexpected error: %v", tt.format, err)
			}
			if f.Extension() != tt.extension {
				t.Errorf("Extension() = %q, want %q", f.Extension(), tt.extension)
			}
		})
	}

	if !UsesInternalCompression("parquet") || UsesInternalCompression("csv") {
		t.Error("only parquet compresses internally")
	}
}

func TestCSVStream(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewCSVFormatter().NewWriter(&buf, testColumns)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	rows := testRows()
	if err := w.WriteChunk(rows[:1]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.WriteChunk(rows[1:]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	want := "id,customer,total,paid,created_at\n" +
		"1,ada,10.5,true,2020-06-01T12:00:00Z\n" +
		"2,\"grace, hopper\",,false,\n"
	if buf.String() != want {
		t.Errorf("CSV output =\n%s\nwant\n%s", buf.String(), want)
	}
}

func TestJSONLStream(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewJSONLFormatter().NewWriter(&buf, testColumns)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := w.WriteChunk(testRows()); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}

	var first map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if first["customer"] != "ada" {
		t.Errorf("customer = %v, want ada", first["customer"])
	}
	if first["created_at"] != "2020-06-01T12:00:00Z" {
		t.Errorf("created_at = %v", first["created_at"])
	}

	var second map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("invalid JSON line: %v", err)
	}
	if v, ok := second["total"]; !ok || v != nil {
		t.Errorf("total = %v, want explicit null", v)
	}
}

func TestRowWidthMismatch(t *testing.T) {
	for _, name := range []string{"csv", "jsonl", "parquet"} {
		f, _ := GetFormatter(name, "")
		w, err := f.NewWriter(&bytes.Buffer{}, testColumns)
		if err != nil {
			t.Fatalf("%s NewWriter: %v", name, err)
		}
		if err := w.WriteChunk([][]any{{int64(1)}}); err == nil {
			t.Errorf("%s: expected error for short row", name)
		}
	}
}

func TestParquetStream(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewParquetFormatterWithCompression("zstd").NewWriter(&buf, testColumns)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	rows := testRows()
	if err := w.WriteChunk(rows[:1]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.WriteChunk(rows[1:]); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := parquet.OpenFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if file.NumRows() != 2 {
		t.Errorf("NumRows() = %d, want 2", file.NumRows())
	}
	if got := len(file.Schema().Fields()); got != len(testColumns) {
		t.Errorf("schema has %d fields, want %d", got, len(testColumns))
	}
}

func TestKindForType(t *testing.T) {
	tests := map[string]parquetKind{
		"bigint(20)":          parquetInt64,
		"int4":                parquetInt64,
		"double precision":    parquetDouble,
		"float8":              parquetDouble,
		"boolean":             parquetBoolean,
		"numeric(10,2)":       parquetString,
		"jsonb":               parquetString,
	}
	for typ, want := range tests {
		if got := kindForType(typ, false); got != want {
			t.Errorf("kindForType(%q) = %d, want %d", typ, got, want)
		}
	}
}

func TestKindForUnsignedType(t *testing.T) {
	if got := kindForType("bigint(20) unsigned", true); got != parquetString {
		t.Errorf("unsigned bigint kind = %d, want string", got)
	}
	if got := kindForType("int(10) unsigned", true); got != parquetInt64 {
		t.Errorf("unsigned int kind = %d, want int64", got)
	}
}

func TestParquetUnsignedBigint(t *testing.T) {
	columns := []Column{{Name: "id", Type: "bigint(20) unsigned", Unsigned: true}}

	var buf bytes.Buffer
	w, err := GetFormatter(FormatParquet, "")
	if err != nil {
		t.Fatalf("GetFormatter: %v", err)
	}
	sw, err := w.NewWriter(&buf, columns)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	if err := sw.WriteChunk([][]any{{uint64(math.MaxUint64)}}); err != nil {
		t.Fatalf("WriteChunk: %v", err)
	}
	if err := sw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	file, err := parquet.OpenFile(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	if kind := file.Schema().Fields()[0].Type().Kind(); kind != parquet.ByteArray {
		t.Errorf("id leaf kind = %v, want ByteArray", kind)
	}

	rows := file.RowGroups()[0].Rows()
	defer rows.Close()
	read := make([]parquet.Row, 1)
	n, err := rows.ReadRows(read)
	if n != 1 {
		t.Fatalf("ReadRows = %d, %v", n, err)
	}
	if got := string(read[0][0].ByteArray()); got != "18446744073709551615" {
		t.Errorf("id = %q, want 18446744073709551615", got)
	}
}

func TestCoerce(t *testing.T) {
	if v, err := coerce([]byte("42"), parquetInt64); err != nil || v != int64(42) {
		t.Errorf("coerce int from bytes = %v, %v", v, err)
	}
	if v, err := coerce("1.25", parquetDouble); err != nil || v != 1.25 {
		t.Errorf("coerce double from string = %v, %v", v, err)
	}
	if v, err := coerce(int64(1), parquetBoolean); err != nil || v != true {
		t.Errorf("coerce bool from int = %v, %v", v, err)
	}
	if _, err := coerce("abc", parquetInt64); err == nil {
		t.Error("expected error coercing non-numeric text to int64")
	}
	if v, err := coerce(uint64(7), parquetInt64); err != nil || v != int64(7) {
		t.Errorf("coerce small uint64 = %v, %v", v, err)
	}
	if _, err := coerce(uint64(math.MaxInt64)+1, parquetInt64); err == nil {
		t.Error("expected error coercing uint64 above MaxInt64 to int64")
	}
	if v, _ := coerce(nil, parquetString); v != nil {
		t.Errorf("coerce nil = %v, want nil", v)
	}
}
