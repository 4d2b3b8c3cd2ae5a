package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/airframesio/table-archiver/cmd/dialect"
)

// queryer is satisfied by *sql.DB, *sql.Conn and *sql.Tx
type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ColumnDescriptor describes one column of a table
type ColumnDescriptor struct {
	Name      string
	Type      string
	Collation string
	Generated bool
	Primary   bool
}

var integerTypes = map[string]bool{
	"tinyint":   true,
	"smallint":  true,
	"mediumint": true,
	"int":       true,
	"integer":   true,
	"bigint":    true,
	"int2":      true,
	"int4":      true,
	"int8":      true,
	"serial":    true,
	"bigserial": true,
}

// IsInteger reports whether the column stores an integer type
func (c ColumnDescriptor) IsInteger() bool {
	base := strings.ToLower(strings.TrimSpace(c.Type))
	if i := strings.IndexAny(base, "( "); i >= 0 {
		base = base[:i]
	}
	return integerTypes[base]
}

// IsUnsigned reports whether an integer column is unsigned
func (c ColumnDescriptor) IsUnsigned() bool {
	return strings.Contains(strings.ToLower(c.Type), "unsigned")
}

// TableSchema is the inspected shape of one table
type TableSchema struct {
	Name    string
	Columns []ColumnDescriptor
	Key     ColumnDescriptor
	Indexes []string
}

// PhysicalColumns returns the names of stored, non-generated columns in table order
func (s *TableSchema) PhysicalColumns() []string {
	names := make([]string, 0, len(s.Columns))
	for _, col := range s.Columns {
		if !col.Generated {
			names = append(names, col.Name)
		}
	}
	return names
}

// PhysicalDescriptors returns the descriptors of stored, non-generated columns
func (s *TableSchema) PhysicalDescriptors() []ColumnDescriptor {
	cols := make([]ColumnDescriptor, 0, len(s.Columns))
	for _, col := range s.Columns {
		if !col.Generated {
			cols = append(cols, col)
		}
	}
	return cols
}

// HasIndex reports whether the table has an index with the given name
func (s *TableSchema) HasIndex(name string) bool {
	for _, idx := range s.Indexes {
		if strings.EqualFold(idx, name) {
			return true
		}
	}
	return false
}

// Inspector reads table metadata from the catalog
type Inspector struct {
	q       queryer
	dialect dialect.Dialect
}

// NewInspector creates an inspector that runs its catalog queries on q
func NewInspector(q queryer, d dialect.Dialect) *Inspector {
	return &Inspector{q: q, dialect: d}
}

// Inspect returns the columns, key and indexes of a table.
func (i *Inspector) Inspect(ctx context.Context, table string) (*TableSchema, error) {
	rows, err := i.q.QueryContext(ctx, i.dialect.ColumnsQuery(), table)
	if err != nil {
		return nil, fmt.Errorf("failed to query columns for %s: %w", table, err)
	}
	defer rows.Close()

	schema := &TableSchema{Name: table}
	for rows.Next() {
		var name, colType string
		var extra, key, collation sql.NullString
		if err := rows.Scan(&name, &colType, &extra, &key, &collation); err != nil {
			return nil, fmt.Errorf("failed to scan column for %s: %w", table, err)
		}
		schema.Columns = append(schema.Columns, ColumnDescriptor{
			Name:      name,
			Type:      colType,
			Collation: collation.String,
			Generated: isGenerated(extra.String),
			Primary:   strings.EqualFold(key.String, "PRI"),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating columns for %s: %w", table, err)
	}

	if len(schema.Columns) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrTableNotFound, table)
	}

	key, err := resolveKey(schema.Columns)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", err, table)
	}
	schema.Key = key

	schema.Indexes, err = i.indexes(ctx, table)
	if err != nil {
		return nil, err
	}

	return schema, nil
}

func (i *Inspector) indexes(ctx context.Context, table string) ([]string, error) {
	rows, err := i.q.QueryContext(ctx, i.dialect.IndexesQuery(), table)
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes for %s: %w", table, err)
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan index for %s: %w", table, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// isGenerated matches MySQL's "VIRTUAL GENERATED"/"STORED GENERATED" extra
func isGenerated(extra string) bool {
	e := strings.ToUpper(extra)
	return strings.Contains(e, "VIRTUAL") || strings.Contains(e, "STORED")
}

// resolveKey picks the single primary-key column, falling back to a column
// named id. The fallback column must hold unique values. An id that is only
// part of a composite primary key is not unique by itself and is rejected.
func resolveKey(columns []ColumnDescriptor) (ColumnDescriptor, error) {
	var primaries []ColumnDescriptor
	for _, col := range columns {
		if col.Primary {
			primaries = append(primaries, col)
		}
	}
	if len(primaries) == 1 {
		return primaries[0], nil
	}
	for _, col := range primaries {
		if strings.EqualFold(col.Name, "id") {
			return ColumnDescriptor{}, fmt.Errorf("%w: id is part of a composite primary key", ErrUnsupportedKey)
		}
	}

	for _, col := range columns {
		if strings.EqualFold(col.Name, "id") && !col.Generated {
			return col, nil
		}
	}
	return ColumnDescriptor{}, ErrUnsupportedKey
}
