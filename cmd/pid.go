package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/airframesio/table-archiver/cmd/archive"
)

// ErrAlreadyRunning is returned when another archiver process owns the PID file
var ErrAlreadyRunning = errors.New("another archiver process is already running")

const stateDirName = ".table-archiver"

// TaskInfo represents the current archiving task status. It is written for
// the viewer only; nothing reads it back to resume a run.
type TaskInfo struct {
	PID         int       `json:"pid"`
	StartTime   time.Time `json:"start_time"`
	RunID       string    `json:"run_id,omitempty"`
	Table       string    `json:"table"`
	Destination string    `json:"destination"`
	TableIndex  int       `json:"table_index"`
	TableCount  int       `json:"table_count"`
	CurrentStep string    `json:"current_step,omitempty"`
	Matching    int64     `json:"matching"`
	Batches     int       `json:"batches"`
	Scanned     int64     `json:"scanned"`
	Archived    int64     `json:"archived"`
	Deleted     int64     `json:"deleted"`
	Cursor      string    `json:"cursor,omitempty"`
	Progress    float64   `json:"progress"`
	LastError   string    `json:"last_error,omitempty"`
	LastUpdate  time.Time `json:"last_update"`
}

func stateDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, stateDirName)
}

// GetPIDFilePath returns the path to the PID file
func GetPIDFilePath() string {
	return filepath.Join(stateDir(), "archiver.pid")
}

// GetTaskFilePath returns the path to the task info file
func GetTaskFilePath() string {
	return filepath.Join(stateDir(), "current_task.json")
}

// WritePIDFile writes the current process PID to a file. A PID file left by a
// process that is still alive is an error; a stale one is replaced.
func WritePIDFile() error {
	if pid, err := ReadPIDFile(); err == nil && pid != os.Getpid() && IsProcessRunning(pid) {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, pid)
	}

	pidPath := GetPIDFilePath()
	if err := os.MkdirAll(filepath.Dir(pidPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	return os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0o600)
}

// RemovePIDFile removes the PID file
func RemovePIDFile() error {
	return os.Remove(GetPIDFilePath())
}

// ReadPIDFile reads the PID from file
func ReadPIDFile() (int, error) {
	data, err := os.ReadFile(GetPIDFilePath())
	if err != nil {
		return 0, err
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in file: %w", err)
	}

	return pid, nil
}

// IsProcessRunning checks if a process with given PID is running
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}

	// Signal 0 checks for existence without delivering anything
	return process.Signal(syscall.Signal(0)) == nil
}

// WriteTaskInfo writes current task information to file
func WriteTaskInfo(info *TaskInfo) error {
	taskPath := GetTaskFilePath()
	dir := filepath.Dir(taskPath)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	info.LastUpdate = time.Now()

	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal task info: %w", err)
	}

	// Write then rename so the viewer never reads a half-written file
	tmp := taskPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, taskPath)
}

// ReadTaskInfo reads current task information from file
func ReadTaskInfo() (*TaskInfo, error) {
	data, err := os.ReadFile(GetTaskFilePath())
	if err != nil {
		return nil, err
	}

	var info TaskInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task info: %w", err)
	}

	return &info, nil
}

// RemoveTaskFile removes the task info file
func RemoveTaskFile() error {
	return os.Remove(GetTaskFilePath())
}

// taskTracker mirrors engine events into the task info file
type taskTracker struct {
	mu     sync.Mutex
	info   TaskInfo
	logger *slog.Logger
}

func newTaskTracker(tableCount int, logger *slog.Logger) *taskTracker {
	t := &taskTracker{
		info: TaskInfo{
			PID:         os.Getpid(),
			StartTime:   time.Now(),
			TableCount:  tableCount,
			CurrentStep: "Starting archiver",
		},
		logger: logger,
	}
	t.write()
	return t
}

// Observe implements archive.Observer
func (t *taskTracker) Observe(e archive.Event) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info := &t.info
	switch e.Kind {
	case archive.EventTableStarted:
		info.TableIndex++
		info.RunID = e.RunID
		info.Table = e.Source
		info.Destination = e.Destination
		info.Matching = -1
		info.Batches, info.Scanned, info.Archived, info.Deleted = 0, 0, 0, 0
		info.Cursor = ""
		info.Progress = 0
		info.LastError = ""
		info.CurrentStep = "Inspecting schema"
	case archive.EventCounted:
		info.Matching = e.Matching
		info.CurrentStep = "Archiving"
	case archive.EventBatch:
		info.CurrentStep = fmt.Sprintf("Batch %d", e.Batch.Index)
		t.applyTotals(e.Totals)
	case archive.EventTableFinished:
		t.applyTotals(e.Totals)
		info.CurrentStep = "Finished"
		if e.Err != nil {
			info.CurrentStep = "Failed"
			info.LastError = e.Err.Error()
		}
	}
	t.write()
}

func (t *taskTracker) applyTotals(totals archive.Totals) {
	info := &t.info
	info.Batches = totals.Batches
	info.Scanned = totals.Scanned
	info.Archived = totals.Archived
	info.Deleted = totals.Deleted
	if totals.LastCursor != nil {
		info.Cursor = fmt.Sprint(totals.LastCursor)
	}
	if info.Matching > 0 {
		info.Progress = float64(totals.Scanned) / float64(info.Matching)
		if info.Progress > 1 {
			info.Progress = 1
		}
	}
}

func (t *taskTracker) write() {
	if err := WriteTaskInfo(&t.info); err != nil {
		t.logger.Debug(fmt.Sprintf("Failed to write task file: %v", err))
	}
}
