//go:build integration
// +build integration

package archive

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/airframesio/table-archiver/cmd/dialect"
)

type container struct {
	db   *sql.DB
	stop func()
}

func startContainer(t *testing.T, req tc.ContainerRequest, port string, open func(host, port string) (*sql.DB, error)) container {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)

	c, err := tc.GenericContainer(ctx, tc.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		cancel()
		t.Fatalf("failed to start %s container: %v", req.Image, err)
	}
	stop := func() {
		_ = c.Terminate(context.Background())
		cancel()
	}

	host, err := c.Host(ctx)
	if err != nil {
		stop()
		t.Fatalf("failed to get container host: %v", err)
	}
	mapped, err := c.MappedPort(ctx, nat.Port(port))
	if err != nil {
		stop()
		t.Fatalf("failed to get mapped port: %v", err)
	}

	db, err := open(host, mapped.Port())
	if err != nil {
		stop()
		t.Fatalf("failed to open database: %v", err)
	}

	// the server may still be finishing initialization after the log line
	deadline := time.Now().Add(time.Minute)
	for {
		if err = db.PingContext(ctx); err == nil {
			break
		}
		if time.Now().After(deadline) {
			db.Close()
			stop()
			t.Fatalf("database never became ready: %v", err)
		}
		time.Sleep(time.Second)
	}

	return container{db: db, stop: func() { db.Close(); stop() }}
}

func startPostgres(t *testing.T) container {
	req := tc.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "postgres",
			"POSTGRES_PASSWORD": "postgres",
			"POSTGRES_DB":       "archive",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections"),
		).WithDeadline(2 * time.Minute),
	}
	return startContainer(t, req, "5432/tcp", func(host, port string) (*sql.DB, error) {
		return sql.Open("pgx", fmt.Sprintf("postgres://postgres:postgres@%s:%s/archive?sslmode=disable", host, port))
	})
}

func startMySQL(t *testing.T) container {
	req := tc.ContainerRequest{
		Image:        "mysql:8.0",
		ExposedPorts: []string{"3306/tcp"},
		Env: map[string]string{
			"MYSQL_ROOT_PASSWORD": "mysql",
			"MYSQL_DATABASE":      "archive",
		},
		WaitingFor: wait.ForAll(
			wait.ForListeningPort("3306/tcp"),
			wait.ForLog("ready for connections").WithOccurrence(2),
		).WithDeadline(3 * time.Minute),
	}
	return startContainer(t, req, "3306/tcp", func(host, port string) (*sql.DB, error) {
		cfg := mysql.NewConfig()
		cfg.User = "root"
		cfg.Passwd = "mysql"
		cfg.Net = "tcp"
		cfg.Addr = host + ":" + port
		cfg.DBName = "archive"
		cfg.ParseTime = true
		return sql.Open("mysql", cfg.FormatDSN())
	})
}

func seed(t *testing.T, db *sql.DB, ddl []string, rows int) {
	t.Helper()
	ctx := context.Background()
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("failed to run %q: %v", stmt, err)
		}
	}
	for i := 1; i <= rows; i++ {
		// even ids are old enough to archive
		year := 2025
		if i%2 == 0 {
			year = 2020
		}
		_, err := db.ExecContext(ctx, fmt.Sprintf(
			"INSERT INTO orders (id, customer, total, created_at) VALUES (%d, 'customer-%d', %d.50, '%d-06-01 00:00:00')",
			i, i, i, year))
		if err != nil {
			t.Fatalf("failed to seed row %d: %v", i, err)
		}
	}
}

func countRows(t *testing.T, db *sql.DB, query string) int64 {
	t.Helper()
	var n int64
	if err := db.QueryRowContext(context.Background(), query).Scan(&n); err != nil {
		t.Fatalf("failed to count with %q: %v", query, err)
	}
	return n
}

func runArchiveScenario(t *testing.T, db *sql.DB, d dialect.Dialect, mode Mode) {
	ctx := context.Background()
	engine := New(db, d, newTestLogger())
	job := Job{
		Source:        "orders",
		Destination:   "orders_history",
		Predicate:     "created_at < '2024-01-01'",
		BatchSize:     3,
		Mode:          mode,
		Delete:        true,
		Analyze:       true,
		Count:         true,
		SlowThreshold: time.Minute,
	}

	// pre-archive one row so the first batch sees an already-archived key
	if _, err := db.ExecContext(ctx,
		"INSERT INTO orders_history (id, customer, total, created_at) SELECT id, customer, total, created_at FROM orders WHERE id = 2"); err != nil {
		t.Fatalf("failed to pre-archive: %v", err)
	}

	report, err := engine.Run(ctx, job)
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if report.Matching != 10 {
		t.Errorf("Matching = %d, want 10", report.Matching)
	}
	if report.Totals.Archived != 9 {
		t.Errorf("Archived = %d, want 9", report.Totals.Archived)
	}
	if report.Totals.AlreadyArchived != 1 {
		t.Errorf("AlreadyArchived = %d, want 1", report.Totals.AlreadyArchived)
	}
	if report.Totals.Deleted != 10 {
		t.Errorf("Deleted = %d, want 10", report.Totals.Deleted)
	}
	if report.Totals.Batches != 4 {
		t.Errorf("Batches = %d, want 4", report.Totals.Batches)
	}

	if n := countRows(t, db, "SELECT COUNT(*) FROM orders"); n != 10 {
		t.Errorf("source rows = %d, want 10", n)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM orders_history"); n != 10 {
		t.Errorf("history rows = %d, want 10", n)
	}
	if n := countRows(t, db, "SELECT COUNT(*) FROM orders WHERE created_at < '2024-01-01'"); n != 0 {
		t.Errorf("matching source rows left = %d, want 0", n)
	}

	again, err := engine.Run(ctx, job)
	if err != nil {
		t.Fatalf("second Run() error: %v", err)
	}
	if again.Totals.Archived != 0 || again.Totals.Batches != 0 {
		t.Errorf("second run archived %d rows in %d batches, want nothing", again.Totals.Archived, again.Totals.Batches)
	}
}

var postgresDDL = []string{
	"DROP TABLE IF EXISTS orders, orders_history",
	`CREATE TABLE orders (
		id bigint PRIMARY KEY,
		customer text NOT NULL,
		total numeric(10,2) NOT NULL,
		total_with_tax numeric(10,2) GENERATED ALWAYS AS (total * 1.2) STORED,
		created_at timestamp NOT NULL
	)`,
	`CREATE INDEX idx_orders_created_at ON orders (created_at)`,
	`CREATE TABLE orders_history (
		id bigint PRIMARY KEY,
		customer text NOT NULL,
		total numeric(10,2) NOT NULL,
		created_at timestamp NOT NULL
	)`,
}

var mysqlDDL = []string{
	"DROP TABLE IF EXISTS orders, orders_history",
	`CREATE TABLE orders (
		id bigint NOT NULL PRIMARY KEY,
		customer varchar(64) NOT NULL,
		total decimal(10,2) NOT NULL,
		total_with_tax decimal(10,2) AS (total * 1.2) VIRTUAL,
		created_at datetime NOT NULL,
		KEY idx_orders_created_at (created_at)
	) ENGINE=InnoDB`,
	`CREATE TABLE orders_history (
		id bigint NOT NULL PRIMARY KEY,
		customer varchar(64) NOT NULL,
		total decimal(10,2) NOT NULL,
		created_at datetime NOT NULL
	) ENGINE=InnoDB`,
}

func TestArchivePostgres_Integration(t *testing.T) {
	c := startPostgres(t)
	defer c.stop()

	for _, mode := range []Mode{ModeInList, ModeTempJoin} {
		t.Run(string(mode), func(t *testing.T) {
			seed(t, c.db, postgresDDL, 20)
			runArchiveScenario(t, c.db, dialect.NewPostgres(dialect.DriverPgx), mode)
		})
	}
}

func TestArchiveMySQL_Integration(t *testing.T) {
	c := startMySQL(t)
	defer c.stop()

	for _, mode := range []Mode{ModeInList, ModeTempJoin} {
		t.Run(string(mode), func(t *testing.T) {
			seed(t, c.db, mysqlDDL, 20)
			runArchiveScenario(t, c.db, dialect.NewMySQL(), mode)
		})
	}
}

func TestSchemaMismatchPostgres_Integration(t *testing.T) {
	c := startPostgres(t)
	defer c.stop()

	seed(t, c.db, postgresDDL, 4)
	if _, err := c.db.Exec("ALTER TABLE orders_history DROP COLUMN customer"); err != nil {
		t.Fatalf("failed to alter history table: %v", err)
	}

	_, err := New(c.db, dialect.NewPostgres(dialect.DriverPgx), newTestLogger()).Run(context.Background(), Job{
		Source:      "orders",
		Destination: "orders_history",
		Predicate:   "true",
		BatchSize:   10,
		Mode:        ModeInList,
		Delete:      true,
	})
	if err == nil {
		t.Fatal("expected schema mismatch")
	}
	if n := countRows(t, c.db, "SELECT COUNT(*) FROM orders"); n != 4 {
		t.Errorf("source rows = %d, want 4 untouched", n)
	}
}
