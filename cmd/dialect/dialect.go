package dialect

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedDriver is returned when no dialect matches the configured driver
var ErrUnsupportedDriver = errors.New("unsupported database driver")

// Driver names accepted by New
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverMySQL    = "mysql"
)

// Plan is the outcome of explaining a candidate-key query.
type Plan struct {
	FullScan bool
	Notes    []string
}

// Dialect renders the engine-specific SQL the archiver needs. Everything that
// differs between MySQL and PostgreSQL lives behind this interface; the
// archive engine itself only composes the pieces.
type Dialect interface {
	// Name returns the dialect name ("mysql" or "postgres")
	Name() string

	// DriverName returns the database/sql driver to open
	DriverName() string

	// DefaultPort returns the server port used when none is configured
	DefaultPort() int

	// QuoteIdent quotes a table, column or index name
	QuoteIdent(name string) string

	// Placeholders renders n bind placeholders starting at position start (1-based)
	Placeholders(start, n int) string

	// ColumnsQuery lists name, type, extra and key flag for one table
	ColumnsQuery() string

	// IndexesQuery lists index names for one table
	IndexesQuery() string

	// Explain wraps a query in the engine's EXPLAIN form
	Explain(query string) string

	// ParsePlan reads the rows returned by an Explain query
	ParsePlan(rows *sql.Rows) (Plan, error)

	// IndexHint renders a table-level index hint, or "" when unsupported
	IndexHint(index string) string

	// PrimaryHint renders the hint used when reading rows by primary key
	PrimaryHint() string

	// StatementTimeout renders a session statement that bounds statement run time
	StatementTimeout(seconds int) string

	// StagingKeyType maps a key column type onto a type usable in the staging
	// table. A non-empty collation is carried over so the staging join compares
	// keys the way the source column does.
	StagingKeyType(columnType, collation string) string

	CreateStaging(table, key, keyType string) string
	ClearStaging(table string) string
	DropStaging(table string) string

	// DeleteUsingStaging deletes source rows whose key is staged and already archived
	DeleteUsingStaging(source, destination, staging, key string) string
}

// New returns the dialect for a database/sql driver name.
func New(driver string) (Dialect, error) {
	switch strings.ToLower(driver) {
	case DriverPostgres, "postgresql":
		return NewPostgres(DriverPostgres), nil
	case DriverPgx:
		return NewPostgres(DriverPgx), nil
	case DriverMySQL:
		return NewMySQL(), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDriver, driver)
	}
}

func joinPlaceholders(start, n int, render func(int) string) string {
	if n <= 0 {
		return ""
	}
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(render(start + i))
	}
	return b.String()
}
