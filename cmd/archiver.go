package cmd

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" driver
	"github.com/lib/pq"

	"github.com/airframesio/table-archiver/cmd/archive"
	"github.com/airframesio/table-archiver/cmd/dialect"
)


type Archiver struct {
	config  *Config
	db      *sql.DB
	dialect dialect.Dialect
	logger  *slog.Logger
	reports []*archive.TableReport
	failed  map[string]error
}

func NewArchiver(config *Config, logger *slog.Logger) *Archiver {
	return &Archiver{
		config: config,
		logger: logger,
		failed: make(map[string]error),
	}
}

// Run archives every configured table in order. It stops at the first table
// that fails or when ctx is cancelled; committed batches are never undone.
func (a *Archiver) Run(ctx context.Context) error {
	if err := WritePIDFile(); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer func() {
		_ = RemovePIDFile()
	}()

	tracker := newTaskTracker(len(a.config.Tables), a.logger)
	defer func() {
		_ = RemoveTaskFile()
	}()

	if a.config.Viewer {
		viewerCtx, stopViewer := context.WithCancel(ctx)
		defer stopViewer()
		go func() {
			srv := newViewerServer(a.config.ViewerPort, a.logger, logBroadcastChannel())
			if err := srv.run(viewerCtx); err != nil {
				a.logger.Warn(fmt.Sprintf("⚠️  Viewer stopped: %v", err))
			}
		}()
		a.logger.Info(fmt.Sprintf("📊 Viewer running on http://localhost:%d", a.config.ViewerPort))
	}

	a.logger.Debug("Connecting to database...")
	if err := a.connect(ctx); err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer a.db.Close()

	var err error
	if a.config.Debug {
		// In debug mode, skip the TUI and run with simple text output
		a.logger.Info("Running in debug mode - TUI disabled for better log visibility")
		err = a.runTables(ctx, a.logger, tracker)
	} else {
		err = a.runWithProgress(ctx, tracker)
	}

	a.printSummary()
	return err
}

// runWithProgress runs the tables behind the TUI. Engine logs go to the log
// file and viewer only while the TUI owns the terminal.
func (a *Archiver) runWithProgress(ctx context.Context, tracker *taskTracker) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Bubble Tea's own signal handler would swallow the first SIGINT
	program := tea.NewProgram(newProgressModel(a.config, cancel), tea.WithoutSignalHandler())

	engineLogger := backgroundLogger(a.config.Debug, a.config.LogFormat)
	errChan := make(chan error, 1)
	go func() {
		err := a.runTables(ctx, engineLogger, tracker, programObserver{program: program})
		errChan <- err
		program.Send(runDoneMsg{err: err})
	}()

	if _, err := program.Run(); err != nil {
		cancel()
		<-errChan
		return fmt.Errorf("error running progress display: %w", err)
	}

	// The display may have been closed early; the in-flight batch still resolves
	return <-errChan
}

// runTables archives each configured table sequentially
func (a *Archiver) runTables(ctx context.Context, logger *slog.Logger, observers ...archive.Observer) error {
	jobs, err := a.config.Jobs()
	if err != nil {
		return err
	}

	opts := make([]archive.Option, 0, len(observers)+1)
	for _, o := range observers {
		opts = append(opts, archive.WithObserver(o))
	}
	if a.config.Export.Enabled && !a.config.DryRun {
		sink, err := NewS3SnapshotSink(a.config.Export, logger)
		if err != nil {
			return err
		}
		opts = append(opts, archive.WithSnapshotSink(sink))
	}

	engine := archive.New(a.db, a.dialect, logger, opts...)
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return err
		}

		report, err := engine.Run(ctx, job)
		if report != nil {
			a.reports = append(a.reports, report)
			if recErr := recordRun(report, err); recErr != nil {
				logger.Debug(fmt.Sprintf("Failed to record run for %s: %v", job.Source, recErr))
			}
		}
		if err != nil {
			a.failed[job.Source] = err
			if archive.IsConnectionError(err) {
				return fmt.Errorf("%s: database connection lost: %w", job.Source, err)
			}
			return fmt.Errorf("%s: %w", job.Source, err)
		}
	}
	return nil
}

func (a *Archiver) connect(ctx context.Context) error {
	d, err := dialect.New(a.config.Database.Driver)
	if err != nil {
		return err
	}

	dsn, err := dataSourceName(a.config.Database, d)
	if err != nil {
		return err
	}

	db, err := sql.Open(d.DriverName(), dsn)
	if err != nil {
		return err
	}

	// Each table run pins a single connection for its lifetime
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return err
	}

	a.db = db
	a.dialect = d
	a.logger.Debug(fmt.Sprintf("Connected to %s at %s", d.Name(), a.config.Database.Host))
	return nil
}

// dataSourceName renders the connection string for the configured driver
func dataSourceName(cfg DatabaseConfig, d dialect.Dialect) (string, error) {
	port := cfg.Port
	if port == 0 {
		port = d.DefaultPort()
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	switch d.DriverName() {
	case dialect.DriverPostgres:
		params := []string{
			"host=" + pqQuote(cfg.Host),
			"port=" + strconv.Itoa(port),
			"user=" + pqQuote(cfg.User),
			"password=" + pqQuote(cfg.Password),
			"dbname=" + pqQuote(cfg.Name),
			"sslmode=" + sslMode,
		}
		if cfg.Schema != "" {
			// lib/pq passes unknown keys through as run-time parameters
			params = append(params, "search_path="+pq.QuoteIdentifier(cfg.Schema))
		}
		return strings.Join(params, " "), nil

	case dialect.DriverPgx:
		u := url.URL{
			Scheme: "postgres",
			User:   url.UserPassword(cfg.User, cfg.Password),
			Host:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
			Path:   "/" + cfg.Name,
		}
		q := url.Values{}
		q.Set("sslmode", sslMode)
		if cfg.Schema != "" {
			q.Set("search_path", cfg.Schema)
		}
		u.RawQuery = q.Encode()
		return u.String(), nil

	case dialect.DriverMySQL:
		mc := mysql.NewConfig()
		mc.User = cfg.User
		mc.Passwd = cfg.Password
		mc.Net = "tcp"
		mc.Addr = net.JoinHostPort(cfg.Host, strconv.Itoa(port))
		mc.DBName = cfg.Name
		mc.ParseTime = true
		switch sslMode {
		case "require":
			mc.TLSConfig = "skip-verify"
		case "verify-ca", "verify-full":
			mc.TLSConfig = "true"
		default:
			mc.TLSConfig = "false"
		}
		return mc.FormatDSN(), nil
	}

	return "", fmt.Errorf("%w: %s", dialect.ErrUnsupportedDriver, d.DriverName())
}

// pqQuote quotes a key/value connection string value for lib/pq
func pqQuote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func (a *Archiver) printSummary() {
	if len(a.reports) == 0 {
		return
	}

	var archived, deleted, already, exported int64
	for _, r := range a.reports {
		archived += r.Totals.Archived
		deleted += r.Totals.Deleted
		already += r.Totals.AlreadyArchived
		exported += r.Totals.Exported
	}

	a.logger.Info("")
	a.logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	a.logger.Info("📈 Summary")
	for _, r := range a.reports {
		status := "✅"
		if err, ok := a.failed[r.Source]; ok {
			status = "❌"
			if errors.Is(err, context.Canceled) {
				status = "⏸️ "
			}
		}
		matching := "not counted"
		if r.Matching >= 0 {
			matching = strconv.FormatInt(r.Matching, 10)
		}
		a.logger.Info(fmt.Sprintf("%s %s -> %s: %d batches, %d archived, %d already archived, %d deleted (matching %s, %s)",
			status, r.Source, r.Destination, r.Totals.Batches, r.Totals.Archived, r.Totals.AlreadyArchived,
			r.Totals.Deleted, matching, r.Elapsed().Round(time.Millisecond)))
		if r.Plan != nil && r.Plan.FullScan {
			a.logger.Warn(fmt.Sprintf("⚠️  %s: candidate-key query scans the full table: %s", r.Source, strings.Join(r.Plan.Notes, "; ")))
		}
	}

	a.logger.Info(fmt.Sprintf("📦 Archived: %d", archived))
	a.logger.Info(fmt.Sprintf("⏭️  Already archived: %d", already))
	if a.config.Delete {
		a.logger.Info(fmt.Sprintf("🗑️  Deleted: %d", deleted))
	}
	if exported > 0 {
		a.logger.Info(fmt.Sprintf("☁️  Exported: %d", exported))
	}

	for source, err := range a.failed {
		if errors.Is(err, context.Canceled) {
			continue
		}
		a.logger.Error(fmt.Sprintf("❌ %s: %v", source, err))
	}
}
