package archive

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/airframesio/table-archiver/cmd/dialect"
)

// FullScanWarning describes a candidate-key query the planner would answer
// with a full table scan. It is logged, never returned as a failure.
type FullScanWarning struct {
	Table string
	Notes []string
}

func (w *FullScanWarning) Error() string {
	return fmt.Sprintf("query on %s uses a full table scan: %s", w.Table, strings.Join(w.Notes, "; "))
}

// AnalyzePlan explains the candidate-key query and logs a FullScanWarning
// when the planner picks a full scan. Failures to explain are logged and
// reported as a nil plan.
func AnalyzePlan(ctx context.Context, q queryer, d dialect.Dialect, c *Cursor, logger *slog.Logger) *dialect.Plan {
	rows, err := q.QueryContext(ctx, d.Explain(c.keyQuery()))
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Could not explain query on %s: %v", c.table.Name, err))
		return nil
	}
	defer rows.Close()

	plan, err := d.ParsePlan(rows)
	if err != nil {
		logger.Warn(fmt.Sprintf("⚠️  Could not read query plan for %s: %v", c.table.Name, err))
		return nil
	}

	if plan.FullScan {
		warning := &FullScanWarning{Table: c.table.Name, Notes: plan.Notes}
		logger.Warn("⚠️  " + warning.Error())
	} else {
		logger.Info(fmt.Sprintf("✅ Query plan for %s uses an index", c.table.Name))
	}
	return &plan
}
