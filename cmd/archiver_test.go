package cmd

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/airframesio/table-archiver/cmd/archive"
	"github.com/airframesio/table-archiver/cmd/dialect"
)

// newTestLogger creates a logger for testing
func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDataSourceName(t *testing.T) {
	tests := []struct {
		name   string
		driver string
		cfg    DatabaseConfig
		want   []string
	}{
		{
			name:   "lib/pq key value with default port",
			driver: "postgres",
			cfg:    DatabaseConfig{Host: "db", User: "archiver", Password: "s3cret", Name: "app"},
			want:   []string{"host=db", "port=5432", "user=archiver", "password=s3cret", "dbname=app", "sslmode=disable"},
		},
		{
			name:   "lib/pq quotes passwords with spaces and sets search_path",
			driver: "postgres",
			cfg:    DatabaseConfig{Host: "db", Port: 6432, User: "archiver", Password: "it's secret", Name: "app", Schema: "billing", SSLMode: "require"},
			want:   []string{"port=6432", `password='it\'s secret'`, `search_path="billing"`, "sslmode=require"},
		},
		{
			name:   "pgx url",
			driver: "pgx",
			cfg:    DatabaseConfig{Host: "db", User: "archiver", Password: "p@ss", Name: "app", Schema: "billing"},
			want:   []string{"postgres://archiver:p%40ss@db:5432/app?", "search_path=billing", "sslmode=disable"},
		},
		{
			name:   "mysql dsn",
			driver: "mysql",
			cfg:    DatabaseConfig{Host: "db", User: "archiver", Password: "secret", Name: "app"},
			want:   []string{"archiver:secret@tcp(db:3306)/app?", "parseTime=true", "tls=false"},
		},
		{
			name:   "mysql tls required",
			driver: "mysql",
			cfg:    DatabaseConfig{Host: "db", Port: 3307, User: "archiver", Name: "app", SSLMode: "require"},
			want:   []string{"tcp(db:3307)", "tls=skip-verify"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := dialect.New(tt.driver)
			require.NoError(t, err)

			dsn, err := dataSourceName(tt.cfg, d)
			require.NoError(t, err)
			for _, want := range tt.want {
				assert.Contains(t, dsn, want)
			}
		})
	}
}

func TestPQQuote(t *testing.T) {
	assert.Equal(t, "plain", pqQuote("plain"))
	assert.Equal(t, "''", pqQuote(""))
	assert.Equal(t, `'a b'`, pqQuote("a b"))
	assert.Equal(t, `'a\\b'`, pqQuote(`a\b`))
}

func TestRunTablesStopsAtFirstFailure(t *testing.T) {
	withTempHome(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	// The first statement of the first table fails; the second table is never touched
	mock.ExpectQuery(".+").WillReturnError(errors.New("permission denied"))

	config := &Config{
		Tables:    []string{"orders", "events"},
		Where:     "created_at < '2024-01-01'",
		BatchSize: 100,
		Mode:      "in-list",
	}
	a := NewArchiver(config, newTestLogger())
	a.db = db
	a.dialect = dialect.NewMySQL()

	err = a.runTables(context.Background(), newTestLogger())
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "orders: "))
	assert.Contains(t, a.failed, "orders")
	assert.NotContains(t, a.failed, "events")
	require.Len(t, a.reports, 1)
	assert.Equal(t, "orders_history", a.reports[0].Destination)
	assert.NoError(t, mock.ExpectationsWereMet())

	// Summary of a failed run must not panic
	a.printSummary()

	runs := loadAllRunLogs()
	require.Len(t, runs["orders"], 1)
	assert.Contains(t, runs["orders"][0].Error, "permission denied")
}

func TestRunTablesHonoursCancelledContext(t *testing.T) {
	withTempHome(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	config := &Config{Tables: []string{"orders"}, Where: "true", BatchSize: 10, Mode: "temp-join"}
	a := NewArchiver(config, newTestLogger())
	a.db = db
	a.dialect = dialect.NewMySQL()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err = a.runTables(ctx, newTestLogger())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, a.reports)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRunTablesObserversReceiveEvents(t *testing.T) {
	withTempHome(t)
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectQuery(".+").WillReturnError(errors.New("boom"))

	config := &Config{Tables: []string{"orders"}, Where: "true", BatchSize: 10, Mode: "in-list"}
	a := NewArchiver(config, newTestLogger())
	a.db = db
	a.dialect = dialect.NewMySQL()

	var kinds []archive.EventKind
	observer := archive.ObserverFunc(func(e archive.Event) { kinds = append(kinds, e.Kind) })

	require.Error(t, a.runTables(context.Background(), newTestLogger(), observer))
	assert.Equal(t, []archive.EventKind{archive.EventTableStarted, archive.EventTableFinished}, kinds)
}
