package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/airframesio/table-archiver/cmd/archive"
)

// maxRunRecords bounds how many past runs are kept per table
const maxRunRecords = 20

// RunRecord is the outcome of one table run, kept for the viewer
type RunRecord struct {
	RunID           string    `json:"run_id"`
	Source          string    `json:"source"`
	Destination     string    `json:"destination"`
	Mode            string    `json:"mode"`
	DryRun          bool      `json:"dry_run"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at"`
	Matching        int64     `json:"matching"`
	Batches         int       `json:"batches"`
	Scanned         int64     `json:"scanned"`
	AlreadyArchived int64     `json:"already_archived"`
	Archived        int64     `json:"archived"`
	Deleted         int64     `json:"deleted"`
	Exported        int64     `json:"exported"`
	LastCursor      string    `json:"last_cursor,omitempty"`
	FullScan        bool      `json:"full_scan,omitempty"`
	Error           string    `json:"error,omitempty"`
}

// RunLog holds the most recent runs of one source table, newest first
type RunLog struct {
	Runs []RunRecord `json:"runs"`
}

func runLogDir() string {
	return filepath.Join(stateDir(), "runs")
}

func getRunLogPath(tableName string) string {
	return filepath.Join(runLogDir(), tableName+".json")
}

// loadRunLog returns the table's run log; a missing or corrupt file yields an empty log
func loadRunLog(tableName string) (*RunLog, error) {
	data, err := os.ReadFile(getRunLogPath(tableName))
	if err != nil {
		if os.IsNotExist(err) {
			return &RunLog{}, nil
		}
		return nil, err
	}

	var log RunLog
	if err := json.Unmarshal(data, &log); err != nil {
		return &RunLog{}, nil
	}
	return &log, nil
}

func (l *RunLog) save(tableName string) error {
	if err := os.MkdirAll(runLogDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create run log directory: %w", err)
	}

	data, err := json.MarshalIndent(l, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(getRunLogPath(tableName), data, 0o600)
}

func (l *RunLog) add(r RunRecord) {
	l.Runs = append([]RunRecord{r}, l.Runs...)
	if len(l.Runs) > maxRunRecords {
		l.Runs = l.Runs[:maxRunRecords]
	}
}

func newRunRecord(report *archive.TableReport, runErr error) RunRecord {
	r := RunRecord{
		RunID:           report.RunID,
		Source:          report.Source,
		Destination:     report.Destination,
		Mode:            string(report.Mode),
		DryRun:          report.DryRun,
		StartedAt:       report.StartedAt,
		FinishedAt:      report.FinishedAt,
		Matching:        report.Matching,
		Batches:         report.Totals.Batches,
		Scanned:         report.Totals.Scanned,
		AlreadyArchived: report.Totals.AlreadyArchived,
		Archived:        report.Totals.Archived,
		Deleted:         report.Totals.Deleted,
		Exported:        report.Totals.Exported,
		FullScan:        report.Plan != nil && report.Plan.FullScan,
	}
	if report.Totals.LastCursor != nil {
		r.LastCursor = fmt.Sprint(report.Totals.LastCursor)
	}
	if runErr != nil {
		r.Error = runErr.Error()
	}
	return r
}

// recordRun appends the finished table run to its run log
func recordRun(report *archive.TableReport, runErr error) error {
	log, err := loadRunLog(report.Source)
	if err != nil {
		return err
	}
	log.add(newRunRecord(report, runErr))
	return log.save(report.Source)
}

// loadAllRunLogs returns every table's run log keyed by source table
func loadAllRunLogs() map[string][]RunRecord {
	result := make(map[string][]RunRecord)

	files, err := os.ReadDir(runLogDir())
	if err != nil {
		return result
	}

	names := make([]string, 0, len(files))
	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".json") {
			continue
		}
		names = append(names, strings.TrimSuffix(file.Name(), ".json"))
	}
	sort.Strings(names)

	for _, table := range names {
		if log, err := loadRunLog(table); err == nil && len(log.Runs) > 0 {
			result[table] = log.Runs
		}
	}
	return result
}
