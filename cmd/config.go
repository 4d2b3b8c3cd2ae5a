package cmd

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/airframesio/table-archiver/cmd/archive"
	"github.com/airframesio/table-archiver/cmd/dialect"
)

// Static errors for configuration validation
var (
	ErrDatabaseUserRequired    = errors.New("database user is required")
	ErrDatabaseNameRequired    = errors.New("database name is required")
	ErrDatabasePortInvalid     = errors.New("database port must be between 0 (driver default) and 65535")
	ErrDatabaseDriverInvalid   = errors.New("database driver must be one of: postgres, pgx, mysql")
	ErrDatabaseSchemaInvalid   = errors.New("database schema is invalid: must start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrStatementTimeoutInvalid = errors.New("database statement timeout must be >= 0")
	ErrTableNameRequired       = errors.New("at least one table name is required")
	ErrTableNameInvalid        = errors.New("table name is invalid: must be 1-64 characters, start with a letter or underscore, and contain only letters, numbers, and underscores")
	ErrDestinationsMismatch    = errors.New("destination list must have one entry per table")
	ErrDestinationSameAsSource = errors.New("destination table must differ from its source table")
	ErrPredicateRequired       = errors.New("where predicate is required")
	ErrBatchSizeMinimum        = errors.New("batch size must be at least 1")
	ErrBatchSizeMaximum        = errors.New("batch size must not exceed 1000000")
	ErrBatchSizeInList         = errors.New("batch size must not exceed 65000 in in-list mode")
	ErrModeInvalid             = errors.New("mode must be one of: in-list, temp-join")
	ErrIndexHintsInvalid       = errors.New("index hints must be comma separated table=index pairs")
	ErrSlowThresholdInvalid    = errors.New("slow batch threshold must be >= 0")
	ErrS3EndpointRequired      = errors.New("S3 endpoint is required when export is enabled")
	ErrS3BucketRequired        = errors.New("S3 bucket is required when export is enabled")
	ErrS3AccessKeyRequired     = errors.New("S3 access key is required when export is enabled")
	ErrS3SecretKeyRequired     = errors.New("S3 secret key is required when export is enabled")
	ErrS3RegionInvalid         = errors.New("S3 region contains invalid characters or is too long")
	ErrPathTemplateRequired    = errors.New("path template is required when export is enabled")
	ErrPathTemplateInvalid     = errors.New("path template must contain {table} placeholder")
	ErrExportNeedsDelete       = errors.New("export only applies when delete is enabled")
	ErrOutputFormatInvalid     = errors.New("output format must be one of: jsonl, csv, parquet")
	ErrCompressionInvalid      = errors.New("compression must be one of: zstd, lz4, gzip, none")
	ErrCompressionLevelInvalid = errors.New("compression level must be between 1 and 22 (zstd), 1-9 (lz4/gzip)")
	ErrViewerPortInvalid       = errors.New("viewer port must be between 1 and 65535")
)

const (
	regionAuto        = "auto"
	maxBatchSize      = 1000000
	maxInListBatch    = 65000
	defaultDestSuffix = "_history"
)

type Config struct {
	Debug           bool
	LogFormat       string
	LogFile         string
	DryRun          bool
	Viewer          bool
	ViewerPort      int
	Database        DatabaseConfig
	Tables          []string
	Destinations    []string
	DestSuffix      string
	Where           string
	BatchSize       int
	Mode            string
	Delete          bool
	SkipSchemaCheck bool
	Analyze         bool
	Count           bool
	SlowMS          int
	IndexHints      string // table=index pairs, comma separated
	Export          ExportConfig
}

type DatabaseConfig struct {
	Driver           string
	Host             string
	Port             int // 0 uses the driver's default port
	User             string
	Password         string
	Name             string
	Schema           string // PostgreSQL search_path
	SSLMode          string
	StatementTimeout int // Statement timeout in seconds (0 = no timeout)
}

type ExportConfig struct {
	Enabled          bool
	S3               S3Config
	Format           string
	Compression      string
	CompressionLevel int
}

type S3Config struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	PathTemplate string
}

// validIdentifier checks if a string is a plain SQL identifier
// to prevent SQL injection attacks
var validIdentifier = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// isValidTableName validates that a table name is safe to use in SQL queries
func isValidTableName(name string) bool {
	// MySQL allows 64 characters, PostgreSQL 63
	if name == "" || len(name) > 64 {
		return false
	}
	return validIdentifier.MatchString(name)
}

// isValidRegion validates that an S3 region is reasonable
func isValidRegion(region string) bool {
	if region == "" || len(region) > 50 {
		return false
	}

	// Region should only contain alphanumeric, dash, and underscore
	matched, _ := regexp.MatchString(`^[a-zA-Z0-9_-]+$`, region)
	return matched
}

// isValidPathTemplate validates that a path template contains required placeholders
func isValidPathTemplate(template string) bool {
	if template == "" {
		return false
	}
	return strings.Contains(template, "{table}")
}

// isValidOutputFormat validates the output format
func isValidOutputFormat(format string) bool {
	validFormats := map[string]bool{
		"jsonl":   true,
		"csv":     true,
		"parquet": true,
	}
	return validFormats[format]
}

// isValidCompression validates the compression type
func isValidCompression(compression string) bool {
	validCompressions := map[string]bool{
		"zstd": true,
		"lz4":  true,
		"gzip": true,
		"none": true,
	}
	return validCompressions[compression]
}

// isValidCompressionLevel validates compression level based on compression type
func isValidCompressionLevel(compression string, level int) bool {
	switch compression {
	case "zstd":
		return level >= 1 && level <= 22
	case "lz4", "gzip":
		return level >= 1 && level <= 9
	case "none":
		return true // level is ignored without compression
	default:
		return false
	}
}

// parseIndexHints parses "orders=idx_created,events=idx_kind" into a map
func parseIndexHints(raw string) (map[string]string, error) {
	hints := make(map[string]string)
	if strings.TrimSpace(raw) == "" {
		return hints, nil
	}

	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		table, index, ok := strings.Cut(pair, "=")
		table = strings.TrimSpace(table)
		index = strings.TrimSpace(index)
		if !ok || !isValidTableName(table) || !validIdentifier.MatchString(index) {
			return nil, fmt.Errorf("%w: '%s'", ErrIndexHintsInvalid, pair)
		}
		hints[table] = index
	}
	return hints, nil
}

// slowThreshold converts the --slow-ms setting; 0 disables slow batch diagnostics
func slowThreshold(ms int) time.Duration {
	if ms <= 0 {
		return 0
	}
	return time.Duration(ms) * time.Millisecond
}

// DestinationFor returns the history table for the table at position i
func (c *Config) DestinationFor(i int) string {
	if len(c.Destinations) > 0 {
		return c.Destinations[i]
	}
	suffix := c.DestSuffix
	if suffix == "" {
		suffix = defaultDestSuffix
	}
	return c.Tables[i] + suffix
}

// Jobs builds one archive job per configured table. Validate must have succeeded.
func (c *Config) Jobs() ([]archive.Job, error) {
	mode, err := archive.ParseMode(c.Mode)
	if err != nil {
		return nil, err
	}
	hints, err := parseIndexHints(c.IndexHints)
	if err != nil {
		return nil, err
	}

	jobs := make([]archive.Job, 0, len(c.Tables))
	for i, table := range c.Tables {
		jobs = append(jobs, archive.Job{
			Source:           table,
			Destination:      c.DestinationFor(i),
			Predicate:        c.Where,
			BatchSize:        c.BatchSize,
			Mode:             mode,
			Delete:           c.Delete,
			SkipSchemaCheck:  c.SkipSchemaCheck,
			Analyze:          c.Analyze,
			Count:            c.Count,
			DryRun:           c.DryRun,
			IndexHint:        hints[table],
			SlowThreshold:    slowThreshold(c.SlowMS),
			StatementTimeout: c.Database.StatementTimeout,
		})
	}
	return jobs, nil
}

func (c *Config) Validate() error {
	// Validate database configuration
	if _, err := dialect.New(c.Database.Driver); err != nil {
		return fmt.Errorf("%w: '%s'", ErrDatabaseDriverInvalid, c.Database.Driver)
	}
	if c.Database.User == "" {
		return ErrDatabaseUserRequired
	}
	if c.Database.Name == "" {
		return ErrDatabaseNameRequired
	}

	// Port 0 selects the driver default
	if c.Database.Port < 0 || c.Database.Port > 65535 {
		return fmt.Errorf("%w, got %d", ErrDatabasePortInvalid, c.Database.Port)
	}
	if c.Database.Schema != "" && !validIdentifier.MatchString(c.Database.Schema) {
		return fmt.Errorf("%w: '%s'", ErrDatabaseSchemaInvalid, c.Database.Schema)
	}
	if c.Database.StatementTimeout < 0 {
		return fmt.Errorf("%w, got %d", ErrStatementTimeoutInvalid, c.Database.StatementTimeout)
	}

	// Validate and sanitize table names to prevent SQL injection
	if len(c.Tables) == 0 {
		return ErrTableNameRequired
	}
	for _, table := range c.Tables {
		if !isValidTableName(table) {
			return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, table)
		}
	}
	if len(c.Destinations) > 0 && len(c.Destinations) != len(c.Tables) {
		return fmt.Errorf("%w: %d tables, %d destinations", ErrDestinationsMismatch, len(c.Tables), len(c.Destinations))
	}
	if len(c.Destinations) == 0 && c.DestSuffix != "" && !validIdentifier.MatchString("t"+c.DestSuffix) {
		return fmt.Errorf("%w: suffix '%s'", ErrTableNameInvalid, c.DestSuffix)
	}
	for i, table := range c.Tables {
		dest := c.DestinationFor(i)
		if !isValidTableName(dest) {
			return fmt.Errorf("%w: '%s'", ErrTableNameInvalid, dest)
		}
		if dest == table {
			return fmt.Errorf("%w: '%s'", ErrDestinationSameAsSource, table)
		}
	}

	if strings.TrimSpace(c.Where) == "" {
		return ErrPredicateRequired
	}

	mode, err := archive.ParseMode(c.Mode)
	if err != nil {
		return fmt.Errorf("%w: '%s'", ErrModeInvalid, c.Mode)
	}

	// Validate batch size
	if c.BatchSize < 1 {
		return fmt.Errorf("%w, got %d", ErrBatchSizeMinimum, c.BatchSize)
	}
	if c.BatchSize > maxBatchSize {
		return fmt.Errorf("%w, got %d", ErrBatchSizeMaximum, c.BatchSize)
	}
	// Keys are bound as placeholders; both drivers cap a statement at 65535
	if mode == archive.ModeInList && c.BatchSize > maxInListBatch {
		return fmt.Errorf("%w, got %d", ErrBatchSizeInList, c.BatchSize)
	}

	if _, err := parseIndexHints(c.IndexHints); err != nil {
		return err
	}

	if c.SlowMS < 0 {
		return fmt.Errorf("%w, got %d", ErrSlowThresholdInvalid, c.SlowMS)
	}

	if c.Viewer && (c.ViewerPort < 1 || c.ViewerPort > 65535) {
		return fmt.Errorf("%w, got %d", ErrViewerPortInvalid, c.ViewerPort)
	}

	if c.Export.Enabled {
		if err := c.Export.validate(); err != nil {
			return err
		}
		if !c.Delete {
			return ErrExportNeedsDelete
		}
	}

	return nil
}

func (e *ExportConfig) validate() error {
	if e.S3.Endpoint == "" {
		return ErrS3EndpointRequired
	}
	if e.S3.Bucket == "" {
		return ErrS3BucketRequired
	}
	if e.S3.AccessKey == "" {
		return ErrS3AccessKeyRequired
	}
	if e.S3.SecretKey == "" {
		return ErrS3SecretKeyRequired
	}

	// Validate S3 region
	if e.S3.Region != "" && e.S3.Region != regionAuto {
		if !isValidRegion(e.S3.Region) {
			return fmt.Errorf("%w: %s", ErrS3RegionInvalid, e.S3.Region)
		}
	}

	if e.S3.PathTemplate == "" {
		return ErrPathTemplateRequired
	}
	if !isValidPathTemplate(e.S3.PathTemplate) {
		return fmt.Errorf("%w: '%s'", ErrPathTemplateInvalid, e.S3.PathTemplate)
	}

	if !isValidOutputFormat(e.Format) {
		return fmt.Errorf("%w: '%s'", ErrOutputFormatInvalid, e.Format)
	}
	if !isValidCompression(e.Compression) {
		return fmt.Errorf("%w: '%s'", ErrCompressionInvalid, e.Compression)
	}
	if !isValidCompressionLevel(e.Compression, e.CompressionLevel) {
		return fmt.Errorf("%w for compression %s: got %d", ErrCompressionLevelInvalid, e.Compression, e.CompressionLevel)
	}
	return nil
}
