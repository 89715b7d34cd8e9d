package storage

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"expensesync/internal/domain"
)

// Dialect captures the SQL differences between the supported engines.
type Dialect interface {
	Name() string
	DriverName() string
	Quote(ident string) string
	// Placeholder returns the bind marker for the n-th argument (1-based).
	Placeholder(n int) string
	// TableExistsQuery takes the table name as its only argument.
	TableExistsQuery() string
	// ColumnsQuery takes the table name and yields column names in order.
	ColumnsQuery() string
	// PrimaryKeyQuery yields PK column names, or "" when Upsert does not need them.
	PrimaryKeyQuery() string
	ColumnType(col domain.ColumnDefinition) string
	Upsert(table string, cols, pk []string) string
}

// DialectFor returns the dialect registered under name.
func DialectFor(name string) (Dialect, error) {
	switch strings.ToLower(name) {
	case "", "sqlite", "sqlite3":
		return sqliteDialect{}, nil
	case "mysql":
		return mysqlDialect{}, nil
	case "postgres", "postgresql":
		return postgresDialect{}, nil
	default:
		return nil, errors.Newf("unsupported storage driver: %s", name)
	}
}

func quoteWith(ident, q string) string {
	return q + strings.ReplaceAll(ident, q, q+q) + q
}

func quoteAll(d Dialect, idents []string) []string {
	out := make([]string, len(idents))
	for i, id := range idents {
		out[i] = d.Quote(id)
	}
	return out
}

func placeholders(d Dialect, n int) string {
	ps := make([]string, n)
	for i := range ps {
		ps[i] = d.Placeholder(i + 1)
	}
	return strings.Join(ps, ", ")
}

// ── SQLite ─────────────────────────────────────────────────

type sqliteDialect struct{}

func (sqliteDialect) Name() string             { return "sqlite" }
func (sqliteDialect) DriverName() string       { return "sqlite" }
func (sqliteDialect) Quote(ident string) string { return quoteWith(ident, `"`) }
func (sqliteDialect) Placeholder(int) string   { return "?" }

func (sqliteDialect) TableExistsQuery() string {
	return `SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?`
}

func (sqliteDialect) ColumnsQuery() string {
	return `SELECT name FROM pragma_table_info(?) ORDER BY cid`
}

func (sqliteDialect) PrimaryKeyQuery() string { return "" }

func (sqliteDialect) ColumnType(col domain.ColumnDefinition) string { return string(col.Type) }

func (d sqliteDialect) Upsert(table string, cols, _ []string) string {
	return fmt.Sprintf("INSERT OR REPLACE INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(quoteAll(d, cols), ", "), placeholders(d, len(cols)))
}

// ── MySQL ──────────────────────────────────────────────────

type mysqlDialect struct{}

func (mysqlDialect) Name() string             { return "mysql" }
func (mysqlDialect) DriverName() string       { return "mysql" }
func (mysqlDialect) Quote(ident string) string { return quoteWith(ident, "`") }
func (mysqlDialect) Placeholder(int) string   { return "?" }

func (mysqlDialect) TableExistsQuery() string {
	return `SELECT table_name FROM information_schema.tables WHERE table_schema = DATABASE() AND table_name = ?`
}

func (mysqlDialect) ColumnsQuery() string {
	return `SELECT column_name FROM information_schema.columns
		WHERE table_schema = DATABASE() AND table_name = ? ORDER BY ordinal_position`
}

func (mysqlDialect) PrimaryKeyQuery() string { return "" }

func (mysqlDialect) ColumnType(col domain.ColumnDefinition) string {
	switch col.Type {
	case domain.ColumnText:
		// MySQL cannot index an unbounded TEXT column.
		if col.Has(domain.ConstraintPrimaryKey) {
			return "VARCHAR(255)"
		}
		return "TEXT"
	case domain.ColumnInteger:
		return "BIGINT"
	case domain.ColumnReal:
		return "DOUBLE"
	case domain.ColumnNumeric:
		return "DECIMAL(20,6)"
	case domain.ColumnBlob:
		return "LONGBLOB"
	default:
		return "TEXT"
	}
}

func (d mysqlDialect) Upsert(table string, cols, _ []string) string {
	return fmt.Sprintf("REPLACE INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(quoteAll(d, cols), ", "), placeholders(d, len(cols)))
}

// ── Postgres ───────────────────────────────────────────────

type postgresDialect struct{}

func (postgresDialect) Name() string             { return "postgres" }
func (postgresDialect) DriverName() string       { return "postgres" }
func (postgresDialect) Quote(ident string) string { return quoteWith(ident, `"`) }
func (postgresDialect) Placeholder(n int) string { return "$" + strconv.Itoa(n) }

func (postgresDialect) TableExistsQuery() string {
	return `SELECT table_name FROM information_schema.tables WHERE table_schema = current_schema() AND table_name = $1`
}

func (postgresDialect) ColumnsQuery() string {
	return `SELECT column_name FROM information_schema.columns
		WHERE table_schema = current_schema() AND table_name = $1 ORDER BY ordinal_position`
}

func (postgresDialect) PrimaryKeyQuery() string {
	return `SELECT kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.constraint_type = 'PRIMARY KEY' AND tc.table_schema = current_schema() AND tc.table_name = $1
		ORDER BY kcu.ordinal_position`
}

func (postgresDialect) ColumnType(col domain.ColumnDefinition) string {
	switch col.Type {
	case domain.ColumnInteger:
		return "BIGINT"
	case domain.ColumnReal:
		return "DOUBLE PRECISION"
	case domain.ColumnNumeric:
		return "NUMERIC"
	case domain.ColumnBlob:
		return "BYTEA"
	default:
		return "TEXT"
	}
}

func (d postgresDialect) Upsert(table string, cols, pk []string) string {
	stmt := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		d.Quote(table), strings.Join(quoteAll(d, cols), ", "), placeholders(d, len(cols)))
	if len(pk) == 0 {
		return stmt
	}

	isPK := make(map[string]bool, len(pk))
	for _, k := range pk {
		isPK[k] = true
	}
	var sets []string
	for _, c := range cols {
		if !isPK[c] {
			sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", d.Quote(c), d.Quote(c)))
		}
	}
	conflict := strings.Join(quoteAll(d, pk), ", ")
	if len(sets) == 0 {
		return fmt.Sprintf("%s ON CONFLICT (%s) DO NOTHING", stmt, conflict)
	}
	return fmt.Sprintf("%s ON CONFLICT (%s) DO UPDATE SET %s", stmt, conflict, strings.Join(sets, ", "))
}

// rebind rewrites '?' markers in a caller-supplied clause to the dialect's
// placeholders, numbering from offset+1. Question marks inside string
// literals are not recognised; pass values as arguments instead.
func rebind(d Dialect, clause string, offset int) string {
	if d.Placeholder(1) == "?" {
		return clause
	}
	var b strings.Builder
	n := offset
	for _, r := range clause {
		if r == '?' {
			n++
			b.WriteString(d.Placeholder(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
