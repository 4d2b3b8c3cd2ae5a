package archive

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/airframesio/table-archiver/cmd/dialect"
)

// Boundary is the key range matching the predicate when the run started
type Boundary struct {
	Start any
	End   any
}

// BatchWindow describes the next keyset page. Lower is nil for the first window.
type BatchWindow struct {
	Lower any
	Upper any
	Limit int
}

// Cursor walks the source key space in ascending windows bounded above by
// the boundary computed at the start of the run.
type Cursor struct {
	q         queryer
	dialect   dialect.Dialect
	table     *TableSchema
	hint      string
	predicate string
	limit     int

	boundary *Boundary
	last     any
}

// NewCursor creates a cursor over table rows matching predicate
func NewCursor(q queryer, d dialect.Dialect, table *TableSchema, hint, predicate string, limit int) *Cursor {
	return &Cursor{
		q:         q,
		dialect:   d,
		table:     table,
		hint:      hint,
		predicate: predicate,
		limit:     limit,
	}
}

// source renders the FROM target with the optional index hint
func (c *Cursor) source() string {
	from := c.dialect.QuoteIdent(c.table.Name)
	if h := c.dialect.IndexHint(c.hint); h != "" {
		from += " " + h
	}
	return from
}

func (c *Cursor) boundaryQuery() string {
	k := c.dialect.QuoteIdent(c.table.Key.Name)
	return fmt.Sprintf("SELECT MIN(%s), MAX(%s) FROM %s WHERE (%s)", k, k, c.source(), c.predicate)
}

func (c *Cursor) countQuery() string {
	return fmt.Sprintf("SELECT COUNT(%s) FROM %s WHERE (%s)",
		c.dialect.QuoteIdent(c.table.Key.Name), c.source(), c.predicate)
}

func (c *Cursor) keyQuery() string {
	return fmt.Sprintf("SELECT %s FROM %s WHERE (%s)",
		c.dialect.QuoteIdent(c.table.Key.Name), c.source(), c.predicate)
}

func (c *Cursor) windowQuery(first bool) string {
	k := c.dialect.QuoteIdent(c.table.Key.Name)
	var bounds string
	if first {
		bounds = fmt.Sprintf("%s <= %s", k, c.dialect.Placeholders(1, 1))
	} else {
		bounds = fmt.Sprintf("%s > %s AND %s <= %s", k, c.dialect.Placeholders(1, 1), k, c.dialect.Placeholders(2, 1))
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE (%s) AND %s ORDER BY %s LIMIT %d",
		k, c.source(), c.predicate, bounds, k, c.limit)
}

// Boundary computes MIN/MAX of the key under the predicate. It returns nil
// when no row matches.
func (c *Cursor) Boundary(ctx context.Context) (*Boundary, error) {
	var start, end any
	if err := c.q.QueryRowContext(ctx, c.boundaryQuery()).Scan(&start, &end); err != nil {
		return nil, fmt.Errorf("failed to compute key boundary for %s: %w", c.table.Name, err)
	}
	if start == nil || end == nil {
		return nil, nil
	}

	c.boundary = &Boundary{
		Start: normalizeKey(start, c.table.Key),
		End:   normalizeKey(end, c.table.Key),
	}
	c.last = nil
	return c.boundary, nil
}

// Count returns the number of rows matching the predicate
func (c *Cursor) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := c.q.QueryRowContext(ctx, c.countQuery()).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count matching rows in %s: %w", c.table.Name, err)
	}
	return n, nil
}

// Window returns the window the next call to Next will read
func (c *Cursor) Window() BatchWindow {
	w := BatchWindow{Lower: c.last, Limit: c.limit}
	if c.boundary != nil {
		w.Upper = c.boundary.End
	}
	return w
}

// Next reads the keys of the current window in ascending order and advances
// the cursor past them. An empty result means the key space is exhausted.
func (c *Cursor) Next(ctx context.Context) ([]any, error) {
	if c.boundary == nil {
		return nil, nil
	}

	first := c.last == nil
	args := []any{c.boundary.End}
	if !first {
		args = []any{c.last, c.boundary.End}
	}

	rows, err := c.q.QueryContext(ctx, c.windowQuery(first), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]any, 0, c.limit)
	for rows.Next() {
		var k any
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, normalizeKey(k, c.table.Key))
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(keys) > 0 {
		c.last = keys[len(keys)-1]
	}
	return keys, nil
}

// normalizeKey converts driver values into comparable Go values so keys read
// from different queries can be matched against each other.
func normalizeKey(v any, key ColumnDescriptor) any {
	switch t := v.(type) {
	case []byte:
		v = string(t)
	case int:
		v = int64(t)
	case int32:
		v = int64(t)
	case int16:
		v = int64(t)
	case int8:
		v = int64(t)
	case uint32:
		v = int64(t)
	case uint64:
		if t <= math.MaxInt64 {
			v = int64(t)
		}
	}

	if s, ok := v.(string); ok && key.IsInteger() {
		s = strings.TrimSpace(s)
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n
		}
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return n
		}
	}
	return v
}

func cursorString(v any) string {
	if v == nil {
		return "none"
	}
	return fmt.Sprint(v)
}
