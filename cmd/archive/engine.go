package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/airframesio/table-archiver/cmd/dialect"
	"github.com/google/uuid"
)

// Mode selects how a batch checks which keys are already archived
type Mode string

const (
	ModeInList   Mode = "in-list"
	ModeTempJoin Mode = "temp-join"
)

// ErrInvalidMode is returned by ParseMode for unknown verification modes
var ErrInvalidMode = errors.New("verification mode must be one of: in-list, temp-join")

// ParseMode accepts the mode names and their short aliases "in" and "join"
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in-list", "in", "":
		return ModeInList, nil
	case "temp-join", "join":
		return ModeTempJoin, nil
	default:
		return "", fmt.Errorf("%w: '%s'", ErrInvalidMode, s)
	}
}

// Job describes one source/destination/predicate archive run
type Job struct {
	Source           string
	Destination      string
	Predicate        string
	BatchSize        int
	Mode             Mode
	Delete           bool
	SkipSchemaCheck  bool
	Analyze          bool
	Count            bool
	DryRun           bool
	IndexHint        string
	SlowThreshold    time.Duration
	StatementTimeout int
}

func (j Job) validate() error {
	switch {
	case j.Source == "" || j.Destination == "":
		return fmt.Errorf("%w: source and destination are required", ErrInvalidJob)
	case j.Source == j.Destination:
		return fmt.Errorf("%w: source and destination must differ", ErrInvalidJob)
	case strings.TrimSpace(j.Predicate) == "":
		return fmt.Errorf("%w: predicate must not be empty", ErrInvalidJob)
	case j.BatchSize < 1:
		return fmt.Errorf("%w: batch size must be at least 1, got %d", ErrInvalidJob, j.BatchSize)
	case j.Mode != ModeInList && j.Mode != ModeTempJoin:
		return fmt.Errorf("%w: %v", ErrInvalidJob, ErrInvalidMode)
	}
	return nil
}

// Engine runs archive jobs against one database
type Engine struct {
	db        *sql.DB
	dialect   dialect.Dialect
	logger    *slog.Logger
	observers []Observer
	snapshot  SnapshotSink
	newRunID  func() string
}

// Option configures an Engine
type Option func(*Engine)

// WithObserver registers an observer for run events
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observers = append(e.observers, o)
	}
}

// WithSnapshotSink exports rows before they are deleted
func WithSnapshotSink(s SnapshotSink) Option {
	return func(e *Engine) {
		e.snapshot = s
	}
}

// WithRunIDs overrides run id generation
func WithRunIDs(fn func() string) Option {
	return func(e *Engine) {
		e.newRunID = fn
	}
}

// New creates an engine
func New(db *sql.DB, d dialect.Dialect, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		db:       db,
		dialect:  d,
		logger:   logger,
		newRunID: func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// stagingTableName derives a per-run staging table name from the run id
func stagingTableName(runID string) string {
	id := strings.ReplaceAll(runID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return "archive_keys_" + strings.ToLower(id)
}

// Run archives one table. The loop checks ctx only between batches; a batch
// that has started always resolves to commit or rollback. When ctx is
// cancelled, Run returns the report so far and ctx.Err().
func (e *Engine) Run(ctx context.Context, job Job) (*TableReport, error) {
	if err := job.validate(); err != nil {
		return nil, err
	}

	report := &TableReport{
		RunID:       e.newRunID(),
		Source:      job.Source,
		Destination: job.Destination,
		Mode:        job.Mode,
		DryRun:      job.DryRun,
		StartedAt:   time.Now(),
		Matching:    -1,
	}
	rep := &reporter{logger: e.logger, observers: e.observers, slow: job.SlowThreshold}
	rep.emit(Event{Kind: EventTableStarted, RunID: report.RunID, Source: job.Source, Destination: job.Destination})

	err := e.run(ctx, job, report, rep)
	report.FinishedAt = time.Now()
	rep.finish(report, err)
	return report, err
}

//nolint:gocognit // orchestration of the per-table run
func (e *Engine) run(ctx context.Context, job Job, report *TableReport, rep *reporter) error {
	// Every statement of the run shares one session so the staging table is visible to each batch
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire database connection: %w", err)
	}
	defer conn.Close()

	if stmt := e.dialect.StatementTimeout(job.StatementTimeout); stmt != "" {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to set statement timeout: %w", err)
		}
	}

	inspector := NewInspector(conn, e.dialect)
	source, err := inspector.Inspect(ctx, job.Source)
	if err != nil {
		return err
	}
	destination, err := inspector.Inspect(ctx, job.Destination)
	if err != nil {
		return err
	}
	e.logger.Debug(fmt.Sprintf("Inspected %s: %d columns, key %s (%s)", source.Name, len(source.Columns), source.Key.Name, source.Key.Type))

	if job.SkipSchemaCheck {
		e.logger.Warn(fmt.Sprintf("⚠️  Schema check skipped for %s -> %s", source.Name, destination.Name))
	} else if err := CheckCompatibility(source, destination); err != nil {
		return err
	}

	if job.IndexHint != "" {
		if !source.HasIndex(job.IndexHint) {
			return fmt.Errorf("%w: %s on %s", ErrInvalidIndexHint, job.IndexHint, source.Name)
		}
		if e.dialect.IndexHint(job.IndexHint) == "" {
			e.logger.Debug(fmt.Sprintf("Index hint %s ignored: %s has no index hints", job.IndexHint, e.dialect.Name()))
		}
	}

	cursor := NewCursor(conn, e.dialect, source, job.IndexHint, job.Predicate, job.BatchSize)

	if job.Analyze {
		report.Plan = AnalyzePlan(ctx, conn, e.dialect, cursor, e.logger)
	}

	if job.Count {
		n, err := cursor.Count(ctx)
		if err != nil {
			return err
		}
		report.Matching = n
		e.logger.Info(fmt.Sprintf("🔢 %s: %d rows match the predicate", source.Name, n))
		rep.emit(Event{Kind: EventCounted, RunID: report.RunID, Source: job.Source, Destination: job.Destination, Matching: n})
	}

	if job.DryRun {
		e.logger.Info(fmt.Sprintf("🔍 Dry run: would archive %s -> %s in %s mode (batch %d, delete=%t)",
			source.Name, destination.Name, job.Mode, job.BatchSize, job.Delete))
		return nil
	}

	boundary, err := cursor.Boundary(ctx)
	if err != nil {
		return err
	}
	if boundary == nil {
		e.logger.Info(fmt.Sprintf("✅ %s: no rows match the predicate", source.Name))
		return nil
	}
	report.Boundary = boundary
	e.logger.Info(fmt.Sprintf("🎯 %s: key range %v..%v", source.Name, boundary.Start, boundary.End))

	x := &executor{
		dialect:     e.dialect,
		source:      source,
		destination: destination,
		mode:        job.Mode,
		delete:      job.Delete,
		snapshot:    e.snapshot,
		runID:       report.RunID,
	}

	if job.Mode == ModeTempJoin {
		x.staging = stagingTableName(report.RunID)
		keyType := e.dialect.StagingKeyType(source.Key.Type, source.Key.Collation)
		if _, err := conn.ExecContext(ctx, e.dialect.CreateStaging(x.staging, source.Key.Name, keyType)); err != nil {
			return fmt.Errorf("failed to create staging table: %w", err)
		}
		defer func() {
			if _, err := conn.ExecContext(context.WithoutCancel(ctx), e.dialect.DropStaging(x.staging)); err != nil {
				e.logger.Debug(fmt.Sprintf("Failed to drop staging table %s: %v", x.staging, err))
			}
		}()
	}

	// Batches never observe cancellation once started
	batchCtx := context.WithoutCancel(ctx)
	totals := Totals{}
	for index := 1; ; index++ {
		if err := ctx.Err(); err != nil {
			e.logger.Info(fmt.Sprintf("⚠️  %s: stopping before batch %d, last committed cursor %s",
				source.Name, index, cursorString(totals.LastCursor)))
			return err
		}

		window := cursor.Window()
		start := time.Now()
		keys, err := cursor.Next(batchCtx)
		selectTime := time.Since(start)
		if err != nil {
			return &BatchExecutionError{
				Table:      source.Name,
				Batch:      index,
				Phase:      PhaseSelect,
				LastCursor: totals.LastCursor,
				Cause:      classifyCause(err),
				Err:        err,
			}
		}
		if len(keys) == 0 {
			break
		}
		e.logger.Debug(fmt.Sprintf("%s batch %d: window (%s, %v] limit %d returned %d keys",
			source.Name, index, cursorString(window.Lower), window.Upper, window.Limit, len(keys)))

		res := x.execute(batchCtx, conn, index, keys)
		res.Timings.Select = selectTime
		if res.Err != nil {
			cause := classifyCause(res.Err)
			var snapErr *snapshotError
			if errors.As(res.Err, &snapErr) {
				cause = CauseExport
			}
			return &BatchExecutionError{
				Table:      source.Name,
				Batch:      index,
				Phase:      res.FailedPhase,
				LastCursor: totals.LastCursor,
				Cause:      cause,
				Err:        res.Err,
			}
		}

		totals = totals.Add(res)
		report.Totals = totals
		rep.batch(report, res, totals)
	}

	return nil
}
