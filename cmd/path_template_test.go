package cmd

import (
	"testing"
	"time"
)

func TestPathTemplateGenerate(t *testing.T) {
	ts := time.Date(2024, 3, 7, 9, 30, 0, 0, time.UTC)

	tests := []struct {
		template string
		want     string
	}{
		{"archives/{table}/{YYYY}/{MM}/{DD}", "archives/orders/2024/03/07"},
		{"{table}/{YYYY}-{MM}-{DD}T{HH}/", "orders/2024-03-07T09"},
		{"static/{table}", "static/orders"},
	}

	for _, tt := range tests {
		t.Run(tt.template, func(t *testing.T) {
			got := NewPathTemplate(tt.template).Generate("orders", ts)
			if got != tt.want {
				t.Errorf("Generate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestGenerateSnapshotFilename(t *testing.T) {
	tests := []struct {
		name           string
		first, last    any
		formatExt      string
		compressionExt string
		want           string
	}{
		{"integer keys", int64(100), int64(199), ".jsonl", ".zst", "orders-100-199.jsonl.zst"},
		{"no compression", int64(1), int64(1), ".csv", "", "orders-1-1.csv"},
		{"parquet", int64(5), int64(9), ".parquet", "", "orders-5-9.parquet"},
		{"text keys are sanitized", "a/b c", []byte("z:9"), ".jsonl", ".gz", "orders-a_b_c-z_9.jsonl.gz"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := GenerateSnapshotFilename("orders", tt.first, tt.last, tt.formatExt, tt.compressionExt)
			if got != tt.want {
				t.Errorf("GenerateSnapshotFilename() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSnapshotObjectKey(t *testing.T) {
	ts := time.Date(2024, 3, 7, 0, 0, 0, 0, time.UTC)
	got := SnapshotObjectKey(NewPathTemplate("archives/{table}/{YYYY}"), "orders", ts, "orders-1-2.jsonl")
	if got != "archives/orders/2024/orders-1-2.jsonl" {
		t.Errorf("SnapshotObjectKey() = %q", got)
	}
}
