package archive

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
)

// Static errors returned before any row data is touched
var (
	ErrTableNotFound    = errors.New("table not found or has no columns")
	ErrUnsupportedKey   = errors.New("table has no single-column primary key and no id column")
	ErrSchemaMismatch   = errors.New("source and destination columns differ")
	ErrInvalidIndexHint = errors.New("index hint does not name an index on the source table")
	ErrInvalidJob       = errors.New("invalid archive job")
)

// SchemaMismatchError lists the physical columns that differ between the
// source and destination tables. Each slice is sorted.
type SchemaMismatchError struct {
	Source          string
	Destination     string
	Diff            []string
	MissingInDest   []string
	MissingInSource []string
}

func (e *SchemaMismatchError) Error() string {
	return fmt.Sprintf("%s: %s -> %s differ on [%s] (missing in destination: [%s], missing in source: [%s])",
		ErrSchemaMismatch, e.Source, e.Destination,
		strings.Join(e.Diff, ", "),
		strings.Join(e.MissingInDest, ", "),
		strings.Join(e.MissingInSource, ", "))
}

func (e *SchemaMismatchError) Is(target error) bool {
	return target == ErrSchemaMismatch
}

// Batch phases, in execution order
const (
	PhaseSelect = "select"
	PhaseCheck  = "check"
	PhaseInsert = "insert"
	PhaseExport = "export"
	PhaseDelete = "delete"
	PhaseCommit = "commit"
)

// BatchExecutionError reports a batch that was rolled back. LastCursor is the
// highest key of the last committed batch (nil when no batch committed).
type BatchExecutionError struct {
	Table      string
	Batch      int
	Phase      string
	LastCursor any
	Cause      string
	Err        error
}

func (e *BatchExecutionError) Error() string {
	return fmt.Sprintf("batch %d on %s failed during %s (%s, last committed cursor %v): %v",
		e.Batch, e.Table, e.Phase, e.Cause, cursorString(e.LastCursor), e.Err)
}

func (e *BatchExecutionError) Unwrap() error {
	return e.Err
}

// Cause classes reported on BatchExecutionError
const (
	CauseDeadlock      = "deadlock"
	CauseLockTimeout   = "lock timeout"
	CauseSerialization = "serialization failure"
	CauseConstraint    = "constraint violation"
	CauseConnection    = "connection lost"
	CauseExport        = "snapshot export"
	CauseUnknown       = "database error"
)

// Common SQLSTATE codes we care about
const (
	pgErrSerializationFailure = "40001"
	pgErrDeadlockDetected     = "40P01"
	pgErrLockNotAvailable     = "55P03"
	pgErrQueryCanceled        = "57014"
)

// MySQL server error numbers
const (
	myErrLockWaitTimeout = 1205
	myErrDeadlock        = 1213
	myErrDupEntry        = 1062
	myErrNoReferenced    = 1452
	myErrRowIsReferenced = 1451
	myErrBadNull         = 1048
)

// classifyCause maps a driver error onto a cause class for the log line.
func classifyCause(err error) string {
	if err == nil {
		return ""
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code))
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case myErrDeadlock:
			return CauseDeadlock
		case myErrLockWaitTimeout:
			return CauseLockTimeout
		case myErrDupEntry, myErrNoReferenced, myErrRowIsReferenced, myErrBadNull:
			return CauseConstraint
		}
		return CauseUnknown
	}

	if IsConnectionError(err) {
		return CauseConnection
	}

	return CauseUnknown
}

func classifySQLState(code string) string {
	switch {
	case code == pgErrDeadlockDetected:
		return CauseDeadlock
	case code == pgErrLockNotAvailable, code == pgErrQueryCanceled:
		return CauseLockTimeout
	case code == pgErrSerializationFailure:
		return CauseSerialization
	case strings.HasPrefix(code, "23"):
		return CauseConstraint
	case strings.HasPrefix(code, "08"):
		return CauseConnection
	}
	return CauseUnknown
}

// IsConnectionError checks if an error is due to a closed or broken database connection
func IsConnectionError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "bad connection") ||
		strings.Contains(errStr, "connection reset") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "sql: database is closed")
}
