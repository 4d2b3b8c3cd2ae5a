package archive

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/airframesio/table-archiver/cmd/dialect"
)

// PhaseTimings holds the elapsed time of each batch phase
type PhaseTimings struct {
	Select time.Duration
	Check  time.Duration
	Insert time.Duration
	Export time.Duration
	Delete time.Duration
	Commit time.Duration
}

// Total returns the sum of all phases
func (p PhaseTimings) Total() time.Duration {
	return p.Select + p.Check + p.Insert + p.Export + p.Delete + p.Commit
}

// BatchResult is the outcome of one batch. Err is set when the batch was
// rolled back; the counts then describe work that did not commit.
type BatchResult struct {
	Index           int
	FirstKey        any
	LastKey         any
	Candidates      int
	AlreadyArchived int
	Inserted        int64
	Deleted         int64
	Exported        int
	Timings         PhaseTimings
	FailedPhase     string
	Err             error
}

// Totals accumulates committed batch counts for one table
type Totals struct {
	Batches         int
	Scanned         int64
	AlreadyArchived int64
	Archived        int64
	Deleted         int64
	Exported        int64
	LastCursor      any
}

// Add folds a committed batch into the totals and returns the new value
func (t Totals) Add(r BatchResult) Totals {
	t.Batches++
	t.Scanned += int64(r.Candidates)
	t.AlreadyArchived += int64(r.AlreadyArchived)
	t.Archived += r.Inserted
	t.Deleted += r.Deleted
	t.Exported += int64(r.Exported)
	t.LastCursor = r.LastKey
	return t
}

// TableReport summarizes one archive run over a single table
type TableReport struct {
	RunID       string
	Source      string
	Destination string
	Mode        Mode
	DryRun      bool
	StartedAt   time.Time
	FinishedAt  time.Time
	Boundary    *Boundary
	Matching    int64
	Plan        *dialect.Plan
	Totals      Totals
}

// Elapsed returns how long the run took
func (r *TableReport) Elapsed() time.Duration {
	if r.FinishedAt.IsZero() {
		return time.Since(r.StartedAt)
	}
	return r.FinishedAt.Sub(r.StartedAt)
}

// EventKind identifies an observer event
type EventKind int

const (
	EventTableStarted EventKind = iota
	EventCounted
	EventBatch
	EventTableFinished
)

// Event is delivered to observers as the run progresses
type Event struct {
	Kind        EventKind
	RunID       string
	Source      string
	Destination string
	Matching    int64
	Batch       *BatchResult
	Totals      Totals
	Report      *TableReport
	Err         error
}

// Observer receives run events. Observers must not block.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to the Observer interface
type ObserverFunc func(Event)

func (f ObserverFunc) Observe(e Event) { f(e) }

// reporter logs batch lines and the run summary, and fans events out to observers.
type reporter struct {
	logger    *slog.Logger
	observers []Observer
	slow      time.Duration
}

func (r *reporter) emit(e Event) {
	for _, o := range r.observers {
		o.Observe(e)
	}
}

func (r *reporter) batch(run *TableReport, res BatchResult, totals Totals) {
	total := res.Timings.Total()
	r.logger.Info(fmt.Sprintf("📦 %s batch %d: keys %v..%v, %d candidates, %d already archived, %d archived, %d deleted (%s)",
		run.Source, res.Index, res.FirstKey, res.LastKey, res.Candidates, res.AlreadyArchived,
		res.Inserted, res.Deleted, total.Round(time.Millisecond)))

	if r.slow > 0 && total >= r.slow {
		t := res.Timings
		r.logger.Warn(fmt.Sprintf("🐢 %s batch %d slow: select=%s check=%s insert=%s export=%s delete=%s commit=%s",
			run.Source, res.Index,
			t.Select.Round(time.Millisecond), t.Check.Round(time.Millisecond), t.Insert.Round(time.Millisecond),
			t.Export.Round(time.Millisecond), t.Delete.Round(time.Millisecond), t.Commit.Round(time.Millisecond)))
	}

	r.emit(Event{
		Kind:        EventBatch,
		RunID:       run.RunID,
		Source:      run.Source,
		Destination: run.Destination,
		Batch:       &res,
		Totals:      totals,
	})
}

func (r *reporter) finish(run *TableReport, err error) {
	t := run.Totals
	switch {
	case err != nil:
		r.logger.Error(fmt.Sprintf("❌ %s -> %s stopped after %d batches: %d archived, %d deleted, last committed cursor %s",
			run.Source, run.Destination, t.Batches, t.Archived, t.Deleted, cursorString(t.LastCursor)))
	case run.DryRun:
		r.logger.Info(fmt.Sprintf("🔍 %s -> %s dry run complete", run.Source, run.Destination))
	default:
		r.logger.Info(fmt.Sprintf("✅ %s -> %s: %d scanned, %d archived, %d deleted in %d batches (%s)",
			run.Source, run.Destination, t.Scanned, t.Archived, t.Deleted, t.Batches,
			run.Elapsed().Round(time.Millisecond)))
	}

	r.emit(Event{
		Kind:        EventTableFinished,
		RunID:       run.RunID,
		Source:      run.Source,
		Destination: run.Destination,
		Totals:      t,
		Report:      run,
		Err:         err,
	})
}
