package sqlbus

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/getpup/clustercode/bus"
)

// Supported dialects, named after their database/sql driver.
const (
	DialectPostgres = "postgres"
	DialectMySQL    = "mysql"
	DialectSQLite   = "sqlite3"
)

// DefaultTable is the outbox table used when none is configured.
const DefaultTable = "clustercode_bus_outbox"

var tableRegex = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]*(\.[a-zA-Z][a-zA-Z0-9_]*)?$`)

// ValidateTable ensures a (optionally schema qualified) table name is safe to interpolate into SQL.
func ValidateTable(table string) error {
	if !tableRegex.MatchString(table) {
		return fmt.Errorf("table must start with a letter and contain only letters, numbers, underscores and one schema separator (got: %q)", table)
	}
	return nil
}

// SchemaStatements returns the DDL creating the outbox table for dialect.
// Each statement is executed on its own; all of them are idempotent.
func SchemaStatements(dialect, table string) ([]string, error) {
	if err := ValidateTable(table); err != nil {
		return nil, err
	}
	index := "idx_" + strings.ReplaceAll(table, ".", "_") + "_pending"

	switch dialect {
	case DialectPostgres:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    seq BIGSERIAL PRIMARY KEY,
    id UUID NOT NULL UNIQUE,
    queue TEXT NOT NULL,
    payload TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    locked_until BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    delivered_at BIGINT
)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (queue, delivered_at, seq)`, index, table),
		}, nil

	case DialectMySQL:
		// MySQL has no CREATE INDEX IF NOT EXISTS, so the index is declared inline
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    seq BIGINT NOT NULL AUTO_INCREMENT PRIMARY KEY,
    id CHAR(36) NOT NULL UNIQUE,
    queue VARCHAR(255) NOT NULL,
    payload LONGTEXT NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    locked_until BIGINT NOT NULL DEFAULT 0,
    created_at BIGINT NOT NULL,
    delivered_at BIGINT NULL,
    INDEX %s (queue, delivered_at, seq)
) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci`, table, index),
		}, nil

	case DialectSQLite:
		return []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    id TEXT NOT NULL UNIQUE,
    queue TEXT NOT NULL,
    payload TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    locked_until INTEGER NOT NULL DEFAULT 0,
    created_at INTEGER NOT NULL,
    delivered_at INTEGER
)`, table),
			fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (queue, delivered_at, seq)`, index, table),
		}, nil

	default:
		return nil, fmt.Errorf("%w: %q", bus.ErrUnsupportedDialect, dialect)
	}
}

// queries holds the statements of one dialect and table.
type queries struct {
	insert  string
	next    string
	claim   string
	release string
	ack     string
}

func newQueries(dialect, table string) queries {
	q := queries{
		insert:  fmt.Sprintf(`INSERT INTO %s (id, queue, payload, attempts, locked_until, created_at) VALUES (?, ?, ?, 0, 0, ?)`, table),
		next:    fmt.Sprintf(`SELECT seq, payload FROM %s WHERE queue = ? AND delivered_at IS NULL AND locked_until < ? ORDER BY seq LIMIT 1`, table),
		claim:   fmt.Sprintf(`UPDATE %s SET locked_until = ?, attempts = attempts + 1 WHERE seq = ? AND delivered_at IS NULL AND locked_until < ?`, table),
		release: fmt.Sprintf(`UPDATE %s SET locked_until = 0 WHERE seq = ?`, table),
		ack:     fmt.Sprintf(`UPDATE %s SET delivered_at = ? WHERE seq = ?`, table),
	}
	if dialect == DialectPostgres {
		q.insert = rebind(q.insert)
		q.next = rebind(q.next)
		q.claim = rebind(q.claim)
		q.release = rebind(q.release)
		q.ack = rebind(q.ack)
	}
	return q
}

// rebind converts ? placeholders to PostgreSQL's $n form.
func rebind(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
