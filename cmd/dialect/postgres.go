package dialect

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/lib/pq"
)

// Postgres renders SQL for PostgreSQL. The same dialect serves the lib/pq
// and pgx drivers; only the driver name differs.
type Postgres struct {
	driver string
}

// NewPostgres creates the PostgreSQL dialect for the given driver name
func NewPostgres(driver string) *Postgres {
	if driver == "" {
		driver = DriverPostgres
	}
	return &Postgres{driver: driver}
}

func (p *Postgres) Name() string       { return DriverPostgres }
func (p *Postgres) DriverName() string { return p.driver }
func (p *Postgres) DefaultPort() int   { return 5432 }

func (p *Postgres) QuoteIdent(name string) string {
	return pq.QuoteIdentifier(name)
}

func (p *Postgres) Placeholders(start, n int) string {
	return joinPlaceholders(start, n, func(i int) string { return "$" + strconv.Itoa(i) })
}

func (p *Postgres) ColumnsQuery() string { return postgresColumnsQuery }
func (p *Postgres) IndexesQuery() string { return postgresIndexesQuery }

func (p *Postgres) Explain(query string) string {
	return "EXPLAIN (FORMAT JSON) " + query
}

type planNode struct {
	NodeType     string     `json:"Node Type"`
	RelationName string     `json:"Relation Name"`
	PlanRows     float64    `json:"Plan Rows"`
	Plans        []planNode `json:"Plans"`
}

// ParsePlan walks the JSON plan and flags every sequential scan.
func (p *Postgres) ParsePlan(rows *sql.Rows) (Plan, error) {
	var plan Plan

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return plan, err
		}

		var doc []struct {
			Plan planNode `json:"Plan"`
		}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return plan, fmt.Errorf("failed to decode plan: %w", err)
		}
		for _, d := range doc {
			walkPlan(d.Plan, &plan)
		}
	}

	return plan, rows.Err()
}

func walkPlan(node planNode, plan *Plan) {
	if node.NodeType == "Seq Scan" {
		plan.FullScan = true
		plan.Notes = append(plan.Notes, fmt.Sprintf("Seq Scan on %s (rows=%.0f)", node.RelationName, node.PlanRows))
	}
	for _, child := range node.Plans {
		walkPlan(child, plan)
	}
}

// IndexHint returns "" because PostgreSQL has no index hints
func (p *Postgres) IndexHint(string) string { return "" }
func (p *Postgres) PrimaryHint() string     { return "" }

func (p *Postgres) StatementTimeout(seconds int) string {
	if seconds <= 0 {
		return ""
	}
	return fmt.Sprintf("SET statement_timeout = '%ds'", seconds)
}

func (p *Postgres) StagingKeyType(columnType, collation string) string {
	keyType := columnType
	if keyType == "" {
		keyType = "text"
	}
	if collation != "" {
		keyType += " COLLATE " + p.QuoteIdent(collation)
	}
	return keyType
}

func (p *Postgres) CreateStaging(table, key, keyType string) string {
	return fmt.Sprintf("CREATE TEMP TABLE IF NOT EXISTS %s (%s %s NOT NULL PRIMARY KEY)",
		p.QuoteIdent(table), p.QuoteIdent(key), keyType)
}

func (p *Postgres) ClearStaging(table string) string {
	return "TRUNCATE " + p.QuoteIdent(table)
}

func (p *Postgres) DropStaging(table string) string {
	return "DROP TABLE IF EXISTS " + p.QuoteIdent(table)
}

func (p *Postgres) DeleteUsingStaging(source, destination, staging, key string) string {
	k := p.QuoteIdent(key)
	return fmt.Sprintf("DELETE FROM %s s USING %s t, %s d WHERE s.%s = t.%s AND d.%s = s.%s",
		p.QuoteIdent(source), p.QuoteIdent(staging), p.QuoteIdent(destination), k, k, k, k)
}
