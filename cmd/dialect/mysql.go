package dialect

import (
	"database/sql"
	"fmt"
	"strings"
)

// MySQL renders SQL for MySQL and MariaDB.
type MySQL struct{}

// NewMySQL creates the MySQL dialect
func NewMySQL() *MySQL {
	return &MySQL{}
}

func (MySQL) Name() string       { return DriverMySQL }
func (MySQL) DriverName() string { return DriverMySQL }
func (MySQL) DefaultPort() int   { return 3306 }

// QuoteIdent backtick-quotes an identifier, doubling embedded backticks
func (MySQL) QuoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func (MySQL) Placeholders(start, n int) string {
	return joinPlaceholders(start, n, func(int) string { return "?" })
}

func (MySQL) ColumnsQuery() string { return mysqlColumnsQuery }
func (MySQL) IndexesQuery() string { return mysqlIndexesQuery }

func (MySQL) Explain(query string) string {
	return "EXPLAIN " + query
}

// ParsePlan flags any plan row that reads a table with an ALL access type
// or without a chosen key.
func (MySQL) ParsePlan(rows *sql.Rows) (Plan, error) {
	var plan Plan

	columns, err := rows.Columns()
	if err != nil {
		return plan, err
	}

	for rows.Next() {
		values := make([]sql.NullString, len(columns))
		dest := make([]any, len(columns))
		for i := range values {
			dest[i] = &values[i]
		}
		if err := rows.Scan(dest...); err != nil {
			return plan, err
		}

		row := make(map[string]string, len(columns))
		for i, col := range columns {
			row[strings.ToLower(col)] = values[i].String
		}

		if row["table"] == "" {
			continue
		}
		if row["type"] == "ALL" || row["key"] == "" {
			plan.FullScan = true
			plan.Notes = append(plan.Notes, fmt.Sprintf("table=%s type=%s key=%s rows=%s",
				row["table"], row["type"], nullMarker(row["key"]), row["rows"]))
		}
	}

	return plan, rows.Err()
}

func (m MySQL) IndexHint(index string) string {
	if index == "" {
		return ""
	}
	return fmt.Sprintf("FORCE INDEX (%s)", m.QuoteIdent(index))
}

func (m MySQL) PrimaryHint() string {
	return m.IndexHint("PRIMARY")
}

// StatementTimeout bounds read-only statements; MySQL has no write equivalent
func (MySQL) StatementTimeout(seconds int) string {
	if seconds <= 0 {
		return ""
	}
	return fmt.Sprintf("SET SESSION max_execution_time = %d", seconds*1000)
}

// StagingKeyType keeps the key type unless the MEMORY engine cannot store it
func (MySQL) StagingKeyType(columnType, collation string) string {
	t := strings.ToLower(strings.TrimSpace(columnType))
	keyType := columnType
	switch {
	case t == "":
		keyType = "varchar(128)"
	case strings.Contains(t, "blob"):
		return "varbinary(255)"
	case strings.Contains(t, "text"):
		keyType = "varchar(255)"
	}

	if collation != "" && isCharacterType(keyType) {
		keyType += " COLLATE " + collation
	}
	return keyType
}

func isCharacterType(t string) bool {
	t = strings.ToLower(t)
	return strings.Contains(t, "char") || strings.Contains(t, "enum") || strings.HasPrefix(t, "set")
}

func (m MySQL) CreateStaging(table, key, keyType string) string {
	return fmt.Sprintf("CREATE TEMPORARY TABLE IF NOT EXISTS %s (%s %s NOT NULL PRIMARY KEY) ENGINE=MEMORY",
		m.QuoteIdent(table), m.QuoteIdent(key), keyType)
}

// ClearStaging uses DELETE because TRUNCATE commits the open transaction
func (m MySQL) ClearStaging(table string) string {
	return "DELETE FROM " + m.QuoteIdent(table)
}

func (m MySQL) DropStaging(table string) string {
	return "DROP TEMPORARY TABLE IF EXISTS " + m.QuoteIdent(table)
}

func (m MySQL) DeleteUsingStaging(source, destination, staging, key string) string {
	k := m.QuoteIdent(key)
	return fmt.Sprintf("DELETE s FROM %s s JOIN %s t ON s.%s = t.%s JOIN %s d ON d.%s = s.%s",
		m.QuoteIdent(source), m.QuoteIdent(staging), k, k, m.QuoteIdent(destination), k, k)
}

func nullMarker(s string) string {
	if s == "" {
		return "NULL"
	}
	return s
}
