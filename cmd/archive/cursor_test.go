package archive

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/table-archiver/cmd/dialect"
)

var intKey = ColumnDescriptor{Name: "id", Type: "bigint", Primary: true}

func TestCursorWalksWindows(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	schema := &TableSchema{Name: "t", Columns: []ColumnDescriptor{intKey}, Key: intKey}
	c := NewCursor(db, dialect.NewPostgres(""), schema, "", "x = 1", 2)

	mock.ExpectQuery(q(`SELECT MIN("id"), MAX("id") FROM "t" WHERE (x = 1)`)).
		WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(int64(2), int64(5)))
	mock.ExpectQuery(q(`SELECT "id" FROM "t" WHERE (x = 1) AND "id" <= $1 ORDER BY "id" LIMIT 2`)).
		WithArgs(int64(5)).WillReturnRows(keyRows(2, 3))
	mock.ExpectQuery(q(`SELECT "id" FROM "t" WHERE (x = 1) AND "id" > $1 AND "id" <= $2 ORDER BY "id" LIMIT 2`)).
		WithArgs(int64(3), int64(5)).WillReturnRows(keyRows(5))
	mock.ExpectQuery(q(`AND "id" > $1 AND "id" <= $2`)).
		WithArgs(int64(5), int64(5)).WillReturnRows(keyRows())

	ctx := context.Background()
	b, err := c.Boundary(ctx)
	require.NoError(t, err)
	assert.Equal(t, &Boundary{Start: int64(2), End: int64(5)}, b)

	w := c.Window()
	assert.Nil(t, w.Lower)
	assert.Equal(t, int64(5), w.Upper)
	assert.Equal(t, 2, w.Limit)

	keys, err := c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(2), int64(3)}, keys)
	assert.Equal(t, int64(3), c.Window().Lower)

	keys, err = c.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, []any{int64(5)}, keys)

	keys, err = c.Next(ctx)
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, int64(5), c.Window().Lower)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorWithoutMatches(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	schema := &TableSchema{Name: "t", Columns: []ColumnDescriptor{intKey}, Key: intKey}
	c := NewCursor(db, dialect.NewMySQL(), schema, "", "false", 10)

	mock.ExpectQuery(q("SELECT MIN(`id`), MAX(`id`) FROM `t` WHERE (false)")).
		WillReturnRows(sqlmock.NewRows([]string{"min", "max"}).AddRow(nil, nil))

	b, err := c.Boundary(context.Background())
	require.NoError(t, err)
	assert.Nil(t, b)

	keys, err := c.Next(context.Background())
	require.NoError(t, err)
	assert.Empty(t, keys)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCursorQueriesUseIndexHint(t *testing.T) {
	schema := &TableSchema{Name: "t", Columns: []ColumnDescriptor{intKey}, Key: intKey}
	c := NewCursor(nil, dialect.NewMySQL(), schema, "idx_created", "created < NOW()", 500)

	assert.Equal(t, "SELECT COUNT(`id`) FROM `t` FORCE INDEX (`idx_created`) WHERE (created < NOW())", c.countQuery())
	assert.Equal(t,
		"SELECT `id` FROM `t` FORCE INDEX (`idx_created`) WHERE (created < NOW()) AND `id` > ? AND `id` <= ? ORDER BY `id` LIMIT 500",
		c.windowQuery(false))
}

func TestNormalizeKey(t *testing.T) {
	textKey := ColumnDescriptor{Name: "id", Type: "varchar(36)"}
	unsigned := ColumnDescriptor{Name: "id", Type: "bigint unsigned"}

	tests := []struct {
		name string
		in   any
		key  ColumnDescriptor
		want any
	}{
		{"int64 unchanged", int64(7), intKey, int64(7)},
		{"int32 widened", int32(7), intKey, int64(7)},
		{"bytes on integer key", []byte("42"), intKey, int64(42)},
		{"bytes on text key", []byte("abc"), textKey, "abc"},
		{"numeric string stays string on text key", "0042", textKey, "0042"},
		{"small uint64", uint64(9), unsigned, int64(9)},
		{"large uint64", uint64(18446744073709551615), unsigned, uint64(18446744073709551615)},
		{"large unsigned text", []byte("18446744073709551615"), unsigned, uint64(18446744073709551615)},
		{"nil", nil, intKey, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeKey(tt.in, tt.key))
		})
	}
}

func TestMissingAndUnionKeys(t *testing.T) {
	candidates := []any{int64(1), int64(2), int64(3), int64(4)}
	already := []any{int64(3), int64(1)}

	missing := missingKeys(candidates, already)
	assert.Equal(t, []any{int64(2), int64(4)}, missing)

	assert.Equal(t, candidates, unionKeys(candidates, already, missing))
	assert.Equal(t, []any{int64(1), int64(3)}, unionKeys(candidates, already, nil))
	assert.Empty(t, missingKeys(nil, already))
}

func TestStagingTableName(t *testing.T) {
	assert.Equal(t, "archive_keys_0f8fad5bd9cb", stagingTableName("0F8FAD5B-D9CB-469F-A165-70867728950E"))
	assert.Equal(t, "archive_keys_run1", stagingTableName("run-1"))
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeInList, false},
		{"in", ModeInList, false},
		{"IN-LIST", ModeInList, false},
		{"join", ModeTempJoin, false},
		{" temp-join ", ModeTempJoin, false},
		{"bulk", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseMode(tt.in)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrInvalidMode)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTotalsAdd(t *testing.T) {
	var totals Totals
	totals = totals.Add(BatchResult{Candidates: 2, AlreadyArchived: 1, Inserted: 1, Deleted: 2, LastKey: int64(3)})
	totals = totals.Add(BatchResult{Candidates: 1, Inserted: 1, Deleted: 1, Exported: 1, LastKey: int64(5)})

	assert.Equal(t, Totals{
		Batches:         2,
		Scanned:         3,
		AlreadyArchived: 1,
		Archived:        2,
		Deleted:         3,
		Exported:        1,
		LastCursor:      int64(5),
	}, totals)
}
