package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/lipgloss"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	// Version information - set via ldflags during build
	// Example: go build -ldflags "-X github.com/airframesio/table-archiver/cmd.Version=1.2.3"
	Version = "dev"

	// signalContext is set by main() before Cobra initialization
	signalContext context.Context

	cfgFile            string
	debug              bool
	logFormat          string
	logFile            string
	dryRun             bool
	dbDriver           string
	dbHost             string
	dbPort             int
	dbUser             string
	dbPassword         string
	dbName             string
	dbSchema           string
	dbSSLMode          string
	dbStatementTimeout int
	tables             []string
	destinations       []string
	destSuffix         string
	where              string
	batchSize          int
	mode               string
	deleteRows         bool
	skipSchemaCheck    bool
	countRows          bool
	analyze            bool
	slowMS             int
	indexHints         string
	viewer             bool
	viewerPort         int
	export             bool
	s3Endpoint         string
	s3Bucket           string
	s3AccessKey        string
	s3SecretKey        string
	s3Region           string
	pathTemplate       string
	outputFormat       string
	compression        string
	compressionLevel   int

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7D56F4")).
			Bold(true).
			Underline(true)

	infoStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#00D9FF"))

	logger *slog.Logger

	// logFileWriter receives a copy of every log line when --log-file is set
	logFileWriter io.Writer
)

// SetSignalContext stores the signal-aware context created in main()
func SetSignalContext(ctx context.Context) {
	signalContext = ctx
}

// broadcastLogHandler wraps a slog handler and forwards records to viewer clients
type broadcastLogHandler struct {
	handler slog.Handler
}

func newBroadcastLogHandler(handler slog.Handler) *broadcastLogHandler {
	return &broadcastLogHandler{handler: handler}
}

func (h *broadcastLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.handler.Enabled(ctx, level)
}

func (h *broadcastLogHandler) Handle(ctx context.Context, r slog.Record) error {
	// Only set when the viewer is running
	if ch := logBroadcastChannel(); ch != nil {
		logMsg := LogMessage{
			Timestamp: r.Time.Format("2006-01-02 15:04:05"),
			Level:     r.Level.String(),
			Message:   r.Message,
		}
		select {
		case ch <- logMsg:
		default:
			// Channel full, drop rather than block the archiver
		}
	}

	return h.handler.Handle(ctx, r)
}

func (h *broadcastLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithAttrs(attrs)}
}

func (h *broadcastLogHandler) WithGroup(name string) slog.Handler {
	return &broadcastLogHandler{handler: h.handler.WithGroup(name)}
}

// textOnlyHandler is a custom slog handler that outputs human-readable text
// without key=value pairs, suitable for interactive terminal usage
type textOnlyHandler struct {
	opts   slog.HandlerOptions
	writer io.Writer
}

func newTextOnlyHandler(w io.Writer, opts *slog.HandlerOptions) *textOnlyHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &textOnlyHandler{
		opts:   *opts,
		writer: w,
	}
}

func (h *textOnlyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *textOnlyHandler) Handle(_ context.Context, r slog.Record) error {
	// Format: YYYY-MM-DD HH:MM:SS LEVEL message
	timestamp := r.Time.Format("2006-01-02 15:04:05")
	_, err := fmt.Fprintf(h.writer, "%s %s %s\n", timestamp, r.Level.String(), r.Message)
	return err
}

func (h *textOnlyHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return h
}

func (h *textOnlyHandler) WithGroup(_ string) slog.Handler {
	return h
}

// newLogHandler builds the handler for the configured log format
func newLogHandler(w io.Writer, isDebug bool, format string) slog.Handler {
	opts := &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}
	if isDebug {
		opts.Level = slog.LevelDebug
	}

	switch format {
	case "json":
		return slog.NewJSONHandler(w, opts)
	case "logfmt":
		return slog.NewTextHandler(w, opts)
	default: // "text" or anything else
		return newTextOnlyHandler(w, opts)
	}
}

// initLogger initializes the slog logger based on debug flag, log format and
// the optional log file
func initLogger(isDebug bool, format, path string) error {
	var out io.Writer = os.Stdout
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
		logFileWriter = f
		out = io.MultiWriter(os.Stdout, f)
	}

	logger = slog.New(newBroadcastLogHandler(newLogHandler(out, isDebug, format)))
	return nil
}

// backgroundLogger is used while the TUI owns the terminal: it still reaches
// the log file and the viewer, but not stdout
func backgroundLogger(isDebug bool, format string) *slog.Logger {
	w := logFileWriter
	if w == nil {
		w = io.Discard
	}
	return slog.New(newBroadcastLogHandler(newLogHandler(w, isDebug, format)))
}

var rootCmd = &cobra.Command{
	Use:     "table-archiver",
	Version: Version,
	Short:   "📦 Move old rows from a live table into its history table, in batches",
	Long: titleStyle.Render("Table Archiver") + `

A CLI tool that copies rows matching a predicate from a source table into a
history table with the same columns, then optionally deletes them from the
source. Works in keyset-paginated batches against MySQL or PostgreSQL, each
batch in its own transaction, and can be interrupted and re-run at any time.`,
	Run: func(cmd *cobra.Command, _ []string) {
		cmd.Help()
	},
}

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Archive matching rows into the history table",
	Long: `Archive rows matching --where from each --table into its history table.
Rows already present in the history table are skipped, so re-running after an
interruption is safe. With --delete, archived rows are removed from the source.`,
	Run: func(_ *cobra.Command, _ []string) {
		runArchive()
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.AddCommand(archiveCmd)

	// Persistent flags (available to all subcommands)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.table-archiver.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "d", false, "enable debug output (disables the TUI)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, logfmt, json)")
	rootCmd.PersistentFlags().BoolVar(&dryRun, "dry-run", false, "inspect, count and explain without modifying any rows")

	// Database flags
	archiveCmd.Flags().StringVar(&dbDriver, "db-driver", "postgres", "database driver (postgres, pgx, mysql)")
	archiveCmd.Flags().StringVar(&dbHost, "db-host", "localhost", "database host")
	archiveCmd.Flags().IntVar(&dbPort, "db-port", 0, "database port (0 = driver default)")
	archiveCmd.Flags().StringVar(&dbUser, "db-user", "", "database user")
	archiveCmd.Flags().StringVar(&dbPassword, "db-password", "", "database password")
	archiveCmd.Flags().StringVar(&dbName, "db-name", "", "database name")
	archiveCmd.Flags().StringVar(&dbSchema, "db-schema", "", "PostgreSQL schema (search_path)")
	archiveCmd.Flags().StringVar(&dbSSLMode, "db-sslmode", "disable", "SSL mode (disable, require, verify-ca, verify-full)")
	archiveCmd.Flags().IntVar(&dbStatementTimeout, "db-statement-timeout", 0, "per-statement timeout in seconds (0 = server default)")

	// Archive flags
	archiveCmd.Flags().StringSliceVar(&tables, "table", nil, "source table(s) to archive (required, repeatable)")
	archiveCmd.Flags().StringSliceVar(&destinations, "dest", nil, "history table(s), one per --table (default <table><dest-suffix>)")
	archiveCmd.Flags().StringVar(&destSuffix, "dest-suffix", defaultDestSuffix, "suffix used to derive history table names")
	archiveCmd.Flags().StringVar(&where, "where", "", "SQL predicate selecting rows to archive (required)")
	archiveCmd.Flags().IntVar(&batchSize, "batch-size", 1000, "maximum rows per batch")
	archiveCmd.Flags().StringVar(&mode, "mode", "in-list", "key verification mode: in-list, temp-join")
	archiveCmd.Flags().BoolVar(&deleteRows, "delete", false, "delete archived rows from the source table")
	archiveCmd.Flags().BoolVar(&skipSchemaCheck, "skip-schema-check", false, "skip the source/history column compatibility check")
	archiveCmd.Flags().BoolVar(&countRows, "count", false, "count matching rows before archiving (enables progress percentage)")
	archiveCmd.Flags().BoolVar(&analyze, "analyze", false, "explain the candidate-key query and warn on full table scans")
	archiveCmd.Flags().IntVar(&slowMS, "slow-ms", 0, "log phase timings for batches slower than this many milliseconds (0 = off)")
	archiveCmd.Flags().StringVar(&indexHints, "index-hints", "", "MySQL index hints as table=index pairs, comma separated")
	archiveCmd.Flags().StringVar(&logFile, "log-file", "", "also append log output to this file")
	archiveCmd.Flags().BoolVar(&viewer, "viewer", false, "start the embedded status viewer web server")
	archiveCmd.Flags().IntVar(&viewerPort, "viewer-port", 8080, "port for the status viewer web server")

	// Snapshot export flags
	archiveCmd.Flags().BoolVar(&export, "export", false, "upload each batch of deleted rows to S3 before the delete commits")
	archiveCmd.Flags().StringVar(&s3Endpoint, "s3-endpoint", "", "S3-compatible endpoint URL")
	archiveCmd.Flags().StringVar(&s3Bucket, "s3-bucket", "", "S3 bucket name")
	archiveCmd.Flags().StringVar(&s3AccessKey, "s3-access-key", "", "S3 access key")
	archiveCmd.Flags().StringVar(&s3SecretKey, "s3-secret-key", "", "S3 secret key")
	archiveCmd.Flags().StringVar(&s3Region, "s3-region", "auto", "S3 region")
	archiveCmd.Flags().StringVar(&pathTemplate, "path-template", "", "S3 path template with placeholders: {table}, {YYYY}, {MM}, {DD}, {HH}")
	archiveCmd.Flags().StringVar(&outputFormat, "output-format", "jsonl", "snapshot format: jsonl, csv, parquet")
	archiveCmd.Flags().StringVar(&compression, "compression", "zstd", "snapshot compression: zstd, lz4, gzip, none")
	archiveCmd.Flags().IntVar(&compressionLevel, "compression-level", 3, "compression level (zstd: 1-22, lz4/gzip: 1-9, none: 0)")

	// Note: We don't use MarkFlagRequired because it checks before viper loads the config file.
	// Instead, validation happens in config.Validate() which runs after all config sources are loaded.

	// Bind persistent flags
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
	_ = viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	_ = viper.BindPFlag("dry_run", rootCmd.PersistentFlags().Lookup("dry-run"))

	// Bind archive flags
	_ = viper.BindPFlag("db.driver", archiveCmd.Flags().Lookup("db-driver"))
	_ = viper.BindPFlag("db.host", archiveCmd.Flags().Lookup("db-host"))
	_ = viper.BindPFlag("db.port", archiveCmd.Flags().Lookup("db-port"))
	_ = viper.BindPFlag("db.user", archiveCmd.Flags().Lookup("db-user"))
	_ = viper.BindPFlag("db.password", archiveCmd.Flags().Lookup("db-password"))
	_ = viper.BindPFlag("db.name", archiveCmd.Flags().Lookup("db-name"))
	_ = viper.BindPFlag("db.schema", archiveCmd.Flags().Lookup("db-schema"))
	_ = viper.BindPFlag("db.sslmode", archiveCmd.Flags().Lookup("db-sslmode"))
	_ = viper.BindPFlag("db.statement_timeout", archiveCmd.Flags().Lookup("db-statement-timeout"))
	_ = viper.BindPFlag("tables", archiveCmd.Flags().Lookup("table"))
	_ = viper.BindPFlag("destinations", archiveCmd.Flags().Lookup("dest"))
	_ = viper.BindPFlag("dest_suffix", archiveCmd.Flags().Lookup("dest-suffix"))
	_ = viper.BindPFlag("where", archiveCmd.Flags().Lookup("where"))
	_ = viper.BindPFlag("batch_size", archiveCmd.Flags().Lookup("batch-size"))
	_ = viper.BindPFlag("mode", archiveCmd.Flags().Lookup("mode"))
	_ = viper.BindPFlag("delete", archiveCmd.Flags().Lookup("delete"))
	_ = viper.BindPFlag("skip_schema_check", archiveCmd.Flags().Lookup("skip-schema-check"))
	_ = viper.BindPFlag("count", archiveCmd.Flags().Lookup("count"))
	_ = viper.BindPFlag("analyze", archiveCmd.Flags().Lookup("analyze"))
	_ = viper.BindPFlag("slow_ms", archiveCmd.Flags().Lookup("slow-ms"))
	_ = viper.BindPFlag("index_hints", archiveCmd.Flags().Lookup("index-hints"))
	_ = viper.BindPFlag("log_file", archiveCmd.Flags().Lookup("log-file"))
	_ = viper.BindPFlag("viewer", archiveCmd.Flags().Lookup("viewer"))
	_ = viper.BindPFlag("viewer_port", archiveCmd.Flags().Lookup("viewer-port"))
	_ = viper.BindPFlag("export.enabled", archiveCmd.Flags().Lookup("export"))
	_ = viper.BindPFlag("export.s3.endpoint", archiveCmd.Flags().Lookup("s3-endpoint"))
	_ = viper.BindPFlag("export.s3.bucket", archiveCmd.Flags().Lookup("s3-bucket"))
	_ = viper.BindPFlag("export.s3.access_key", archiveCmd.Flags().Lookup("s3-access-key"))
	_ = viper.BindPFlag("export.s3.secret_key", archiveCmd.Flags().Lookup("s3-secret-key"))
	_ = viper.BindPFlag("export.s3.region", archiveCmd.Flags().Lookup("s3-region"))
	_ = viper.BindPFlag("export.s3.path_template", archiveCmd.Flags().Lookup("path-template"))
	_ = viper.BindPFlag("export.format", archiveCmd.Flags().Lookup("output-format"))
	_ = viper.BindPFlag("export.compression", archiveCmd.Flags().Lookup("compression"))
	_ = viper.BindPFlag("export.compression_level", archiveCmd.Flags().Lookup("compression-level"))
}

func initConfig() {
	// A .env in the working directory feeds the ARCHIVE_* environment; real
	// environment variables win
	_ = godotenv.Load()

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.AddConfigPath(home)
		viper.SetConfigType("yaml")
		viper.SetConfigName(".table-archiver")
	}

	viper.SetEnvPrefix("ARCHIVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil && debug {
		if logger == nil {
			_ = initLogger(debug, logFormat, "")
		}
		logger.Debug(fmt.Sprintf("📄 Using config file: %s", viper.ConfigFileUsed()))
	}
}

// loadConfig assembles the archive configuration from flags, environment and config file
func loadConfig() *Config {
	return &Config{
		Debug:      viper.GetBool("debug"),
		LogFormat:  viper.GetString("log_format"),
		LogFile:    viper.GetString("log_file"),
		DryRun:     viper.GetBool("dry_run"),
		Viewer:     viper.GetBool("viewer"),
		ViewerPort: viper.GetInt("viewer_port"),
		Database: DatabaseConfig{
			Driver:           viper.GetString("db.driver"),
			Host:             viper.GetString("db.host"),
			Port:             viper.GetInt("db.port"),
			User:             viper.GetString("db.user"),
			Password:         viper.GetString("db.password"),
			Name:             viper.GetString("db.name"),
			Schema:           viper.GetString("db.schema"),
			SSLMode:          viper.GetString("db.sslmode"),
			StatementTimeout: viper.GetInt("db.statement_timeout"),
		},
		Tables:          viper.GetStringSlice("tables"),
		Destinations:    viper.GetStringSlice("destinations"),
		DestSuffix:      viper.GetString("dest_suffix"),
		Where:           viper.GetString("where"),
		BatchSize:       viper.GetInt("batch_size"),
		Mode:            viper.GetString("mode"),
		Delete:          viper.GetBool("delete"),
		SkipSchemaCheck: viper.GetBool("skip_schema_check"),
		Analyze:         viper.GetBool("analyze"),
		Count:           viper.GetBool("count"),
		SlowMS:          viper.GetInt("slow_ms"),
		IndexHints:      viper.GetString("index_hints"),
		Export: ExportConfig{
			Enabled: viper.GetBool("export.enabled"),
			S3: S3Config{
				Endpoint:     viper.GetString("export.s3.endpoint"),
				Bucket:       viper.GetString("export.s3.bucket"),
				AccessKey:    viper.GetString("export.s3.access_key"),
				SecretKey:    viper.GetString("export.s3.secret_key"),
				Region:       viper.GetString("export.s3.region"),
				PathTemplate: viper.GetString("export.s3.path_template"),
			},
			Format:           viper.GetString("export.format"),
			Compression:      viper.GetString("export.compression"),
			CompressionLevel: viper.GetInt("export.compression_level"),
		},
	}
}

func runArchive() {
	// Add panic recovery to catch any unexpected crashes
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n❌ PANIC: %v\n", r)
			os.Exit(1)
		}
	}()

	config := loadConfig()

	// The viewer's log stream must exist before the logger wraps it
	if config.Viewer {
		enableLogBroadcast()
	}
	if err := initLogger(config.Debug, config.LogFormat, config.LogFile); err != nil {
		fmt.Fprintln(os.Stderr, "❌ "+err.Error())
		os.Exit(1)
	}

	logger.Info("")
	logger.Info(fmt.Sprintf("🚀 Table Archiver v%s", Version))
	logger.Info("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")

	logger.Debug("Validating configuration...")
	if err := config.Validate(); err != nil {
		logger.Error(fmt.Sprintf("❌ Configuration error: %s", err.Error()))
		os.Exit(1)
	}
	logger.Debug("Configuration validated successfully")

	if config.Debug {
		fmt.Fprintln(os.Stderr, "\n"+infoStyle.Render("💡 To stop the archiver after the current batch, press CTRL-C"))
	}

	ctx := signalContext
	if ctx == nil {
		logger.Warn("Signal context not set, creating fallback...")
		var stop context.CancelFunc
		ctx, stop = signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
	}

	logger.Debug("Creating archiver...")
	archiver := NewArchiver(config, logger)
	logger.Debug("Starting archival process...")

	err := archiver.Run(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("")
			logger.Info("⚠️  Archival cancelled by user; committed batches are kept, re-run to continue")
			os.Exit(130)
		}
		logger.Error(fmt.Sprintf("❌ Archive failed: %s", err.Error()))
		os.Exit(1)
	}

	logger.Info("")
	logger.Info("✅ Archive completed successfully!")
}
