package archive

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/airframesio/table-archiver/cmd/dialect"
)

// stagingChunkSize bounds the number of rows per multi-row VALUES insert
const stagingChunkSize = 1000

// Snapshot carries the rows a batch is about to delete
type Snapshot struct {
	RunID    string
	Table    string
	Batch    int
	Columns  []ColumnDescriptor
	Rows     [][]any
	FirstKey any
	LastKey  any
}

// SnapshotSink stores deleted-row snapshots. A Put error rolls the batch back.
type SnapshotSink interface {
	Put(ctx context.Context, snap Snapshot) error
}

type txBeginner interface {
	BeginTx(ctx context.Context, opts *sql.TxOptions) (*sql.Tx, error)
}

// executor applies one batch of candidate keys inside a single transaction:
// existence check, insert of missing rows, optional snapshot and delete.
type executor struct {
	dialect     dialect.Dialect
	source      *TableSchema
	destination *TableSchema
	mode        Mode
	delete      bool
	staging     string
	snapshot    SnapshotSink
	runID       string
}

func (x *executor) q(name string) string {
	return x.dialect.QuoteIdent(name)
}

func (x *executor) key() string {
	return x.q(x.source.Key.Name)
}

// columnList renders the physical columns, optionally prefixed with a table alias
func (x *executor) columnList(alias string) string {
	cols := x.source.PhysicalColumns()
	quoted := make([]string, len(cols))
	for i, c := range cols {
		if alias != "" {
			quoted[i] = alias + "." + x.q(c)
		} else {
			quoted[i] = x.q(c)
		}
	}
	return strings.Join(quoted, ", ")
}

func (x *executor) execute(ctx context.Context, conn txBeginner, index int, keys []any) (res BatchResult) {
	res = BatchResult{
		Index:      index,
		Candidates: len(keys),
	}
	if len(keys) == 0 {
		return res
	}
	res.FirstKey = keys[0]
	res.LastKey = keys[len(keys)-1]

	phase := PhaseCheck
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		res.Err = err
		res.FailedPhase = phase
		return res
	}
	defer func() {
		if res.Err != nil {
			_ = tx.Rollback()
		}
	}()

	fail := func(err error) BatchResult {
		res.Err = err
		res.FailedPhase = phase
		return res
	}

	start := time.Now()
	already, err := x.existing(ctx, tx, keys)
	res.Timings.Check = time.Since(start)
	if err != nil {
		return fail(err)
	}
	res.AlreadyArchived = len(already)

	phase = PhaseInsert
	start = time.Now()
	toInsert := missingKeys(keys, already)
	inserted, err := x.insertMissing(ctx, tx, toInsert)
	res.Timings.Insert = time.Since(start)
	if err != nil {
		return fail(err)
	}
	res.Inserted = inserted

	if x.delete {
		deleteSet := unionKeys(keys, already, toInsert)

		if x.snapshot != nil {
			phase = PhaseExport
			start = time.Now()
			exported, err := x.export(ctx, tx, index, deleteSet)
			res.Timings.Export = time.Since(start)
			if err != nil {
				return fail(err)
			}
			res.Exported = exported
		}

		phase = PhaseDelete
		start = time.Now()
		deleted, err := x.deleteArchived(ctx, tx, deleteSet)
		res.Timings.Delete = time.Since(start)
		if err != nil {
			return fail(err)
		}
		res.Deleted = deleted
	}

	phase = PhaseCommit
	start = time.Now()
	err = tx.Commit()
	res.Timings.Commit = time.Since(start)
	if err != nil {
		res.Err = err
		res.FailedPhase = phase
	}
	return res
}

// existing returns the candidate keys already present in the destination
func (x *executor) existing(ctx context.Context, tx *sql.Tx, keys []any) ([]any, error) {
	var query string
	var args []any

	switch x.mode {
	case ModeTempJoin:
		if err := x.stageKeys(ctx, tx, keys); err != nil {
			return nil, err
		}
		query = fmt.Sprintf("SELECT t.%s FROM %s t JOIN %s d ON d.%s = t.%s",
			x.key(), x.q(x.staging), x.q(x.destination.Name), x.key(), x.key())
	default:
		query = fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s)",
			x.key(), x.q(x.destination.Name), x.key(), x.dialect.Placeholders(1, len(keys)))
		args = keys
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var found []any
	for rows.Next() {
		var k any
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		found = append(found, normalizeKey(k, x.source.Key))
	}
	return found, rows.Err()
}

// stageKeys replaces the staging table contents with the candidate keys
func (x *executor) stageKeys(ctx context.Context, tx *sql.Tx, keys []any) error {
	if _, err := tx.ExecContext(ctx, x.dialect.ClearStaging(x.staging)); err != nil {
		return fmt.Errorf("failed to clear staging table: %w", err)
	}

	for offset := 0; offset < len(keys); offset += stagingChunkSize {
		end := offset + stagingChunkSize
		if end > len(keys) {
			end = len(keys)
		}
		chunk := keys[offset:end]

		values := make([]string, len(chunk))
		for i := range chunk {
			values[i] = "(" + x.dialect.Placeholders(i+1, 1) + ")"
		}
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES %s",
			x.q(x.staging), x.key(), strings.Join(values, ", "))
		if _, err := tx.ExecContext(ctx, query, chunk...); err != nil {
			return fmt.Errorf("failed to stage keys: %w", err)
		}
	}
	return nil
}

// insertMissing copies rows not yet archived into the destination
func (x *executor) insertMissing(ctx context.Context, tx *sql.Tx, toInsert []any) (int64, error) {
	var query string
	var args []any

	switch x.mode {
	case ModeTempJoin:
		query = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s s JOIN %s t ON s.%s = t.%s LEFT JOIN %s d ON d.%s = s.%s WHERE d.%s IS NULL",
			x.q(x.destination.Name), x.columnList(""), x.columnList("s"),
			x.q(x.source.Name), x.q(x.staging), x.key(), x.key(),
			x.q(x.destination.Name), x.key(), x.key(), x.key())
	default:
		if len(toInsert) == 0 {
			return 0, nil
		}
		from := x.q(x.source.Name)
		if h := x.primaryHint(); h != "" {
			from += " " + h
		}
		query = fmt.Sprintf("INSERT INTO %s (%s) SELECT %s FROM %s WHERE %s IN (%s)",
			x.q(x.destination.Name), x.columnList(""), x.columnList(""),
			from, x.key(), x.dialect.Placeholders(1, len(toInsert)))
		args = toInsert
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// primaryHint forces the primary index on source reads, only when the key
// column is the table's primary key and that index exists
func (x *executor) primaryHint() string {
	if !x.source.Key.Primary || !x.source.HasIndex("PRIMARY") {
		return ""
	}
	return x.dialect.PrimaryHint()
}

// deleteArchived removes source rows in the delete set that exist in the destination
func (x *executor) deleteArchived(ctx context.Context, tx *sql.Tx, deleteSet []any) (int64, error) {
	var query string
	var args []any

	switch x.mode {
	case ModeTempJoin:
		query = x.dialect.DeleteUsingStaging(x.source.Name, x.destination.Name, x.staging, x.source.Key.Name)
	default:
		if len(deleteSet) == 0 {
			return 0, nil
		}
		query = fmt.Sprintf("DELETE FROM %s WHERE %s IN (%s) AND %s",
			x.q(x.source.Name), x.key(), x.dialect.Placeholders(1, len(deleteSet)), x.archivedGuard())
		args = deleteSet
	}

	result, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// archivedGuard restricts a statement on the source table to rows present in the destination
func (x *executor) archivedGuard() string {
	return fmt.Sprintf("EXISTS (SELECT 1 FROM %s d WHERE d.%s = %s.%s)",
		x.q(x.destination.Name), x.key(), x.q(x.source.Name), x.key())
}

// export locks and reads the rows about to be deleted and hands them to the snapshot sink
func (x *executor) export(ctx context.Context, tx *sql.Tx, index int, deleteSet []any) (int, error) {
	var query string
	var args []any

	switch x.mode {
	case ModeTempJoin:
		query = fmt.Sprintf("SELECT %s FROM %s s JOIN %s t ON s.%s = t.%s JOIN %s d ON d.%s = s.%s ORDER BY s.%s FOR UPDATE",
			x.columnList("s"), x.q(x.source.Name), x.q(x.staging), x.key(), x.key(),
			x.q(x.destination.Name), x.key(), x.key(), x.key())
	default:
		if len(deleteSet) == 0 {
			return 0, nil
		}
		query = fmt.Sprintf("SELECT %s FROM %s WHERE %s IN (%s) AND %s ORDER BY %s FOR UPDATE",
			x.columnList(""), x.q(x.source.Name), x.key(),
			x.dialect.Placeholders(1, len(deleteSet)), x.archivedGuard(), x.key())
		args = deleteSet
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	columns := x.source.PhysicalDescriptors()
	var data [][]any
	for rows.Next() {
		values := make([]any, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return 0, err
		}
		data = append(data, values)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(data) == 0 {
		return 0, nil
	}

	snap := Snapshot{
		RunID:    x.runID,
		Table:    x.source.Name,
		Batch:    index,
		Columns:  columns,
		Rows:     data,
		FirstKey: deleteSet[0],
		LastKey:  deleteSet[len(deleteSet)-1],
	}
	if err := x.snapshot.Put(ctx, snap); err != nil {
		return 0, &snapshotError{err: err}
	}
	return len(data), nil
}

type snapshotError struct {
	err error
}

func (e *snapshotError) Error() string { return "snapshot export failed: " + e.err.Error() }
func (e *snapshotError) Unwrap() error { return e.err }

// missingKeys returns the candidates not present in already, preserving order
func missingKeys(candidates, already []any) []any {
	seen := make(map[any]struct{}, len(already))
	for _, k := range already {
		seen[k] = struct{}{}
	}
	missing := make([]any, 0, len(candidates))
	for _, k := range candidates {
		if _, ok := seen[k]; !ok {
			missing = append(missing, k)
		}
	}
	return missing
}

// unionKeys returns already ∪ inserted in candidate order
func unionKeys(candidates, already, inserted []any) []any {
	member := make(map[any]struct{}, len(already)+len(inserted))
	for _, k := range already {
		member[k] = struct{}{}
	}
	for _, k := range inserted {
		member[k] = struct{}{}
	}
	out := make([]any, 0, len(member))
	for _, k := range candidates {
		if _, ok := member[k]; ok {
			out = append(out, k)
		}
	}
	return out
}
