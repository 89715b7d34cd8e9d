package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"expensesync/internal/domain"
)

// TableExists reports whether a table is present in the system catalog.
// Catalog errors are logged and reported as false.
func (db *DB) TableExists(ctx context.Context, name string) bool {
	var found string
	err := db.conn.QueryRowContext(ctx, db.dialect.TableExistsQuery(), name).Scan(&found)
	switch {
	case err == sql.ErrNoRows:
		return false
	case err != nil:
		db.log.Warnw("table existence check failed", "table", name, "error", err)
		return false
	}
	return true
}

// CreateTable creates the table described by s. It is a no-op when the table
// already exists: existing tables are never altered.
func (db *DB) CreateTable(ctx context.Context, s domain.TableSchema) error {
	if s.TableName == "" || len(s.Columns) == 0 {
		return wrap("create", s.TableName, errors.New("schema needs a table name and at least one column"))
	}
	if db.TableExists(ctx, s.TableName) {
		return nil
	}

	stmt := db.createTableSQL(s)
	if _, err := db.conn.ExecContext(ctx, stmt); err != nil {
		return wrap("create", s.TableName, err)
	}
	db.log.Infow("created table", "table", s.TableName, "columns", len(s.Columns))
	return nil
}

func (db *DB) createTableSQL(s domain.TableSchema) string {
	defs := make([]string, 0, len(s.Columns))
	for _, c := range s.Columns {
		parts := append([]string{db.dialect.Quote(c.Name), db.dialect.ColumnType(c)}, c.Constraints...)
		defs = append(defs, strings.Join(parts, " "))
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", db.dialect.Quote(s.TableName), strings.Join(defs, ", "))
}

// Columns returns the column names of an existing table in declaration order.
func (db *DB) Columns(ctx context.Context, table string) ([]string, error) {
	cols, err := db.queryStrings(ctx, db.dialect.ColumnsQuery(), table)
	if err != nil {
		return nil, wrap("columns", table, err)
	}
	if len(cols) == 0 {
		return nil, wrap("columns", table, errors.New("table not found"))
	}
	return cols, nil
}

func (db *DB) primaryKey(ctx context.Context, table string) ([]string, error) {
	q := db.dialect.PrimaryKeyQuery()
	if q == "" {
		return nil, nil
	}
	return db.queryStrings(ctx, q, table)
}

func (db *DB) queryStrings(ctx context.Context, query string, args ...any) ([]string, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertData upserts records one row at a time, replacing rows with the same
// primary key. The column list is the union of keys across the batch; a
// record lacking a column stores NULL there. Returns the number of rows
// processed.
func (db *DB) InsertData(ctx context.Context, table string, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	cols := unionKeys(records)
	pk, err := db.primaryKey(ctx, table)
	if err != nil {
		return 0, wrap("insert", table, errors.Wrap(err, "resolve primary key"))
	}

	stmt, err := db.conn.PrepareContext(ctx, db.dialect.Upsert(table, cols, pk))
	if err != nil {
		return 0, wrap("insert", table, err)
	}
	defer stmt.Close()

	written := 0
	args := make([]any, len(cols))
	for i, rec := range records {
		if err := ctx.Err(); err != nil {
			return written, wrap("insert", table, err)
		}
		for j, c := range cols {
			args[j] = rec[c]
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return written, wrap("insert", table, errors.Wrapf(err, "row %d", i))
		}
		written++
	}
	return written, nil
}

// unionKeys collects every key in the batch, ordered by first appearance with
// each record's keys sorted.
func unionKeys(records []domain.Record) []string {
	seen := make(map[string]bool)
	var cols []string
	for _, r := range records {
		keys := make([]string, 0, len(r))
		for k := range r {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				cols = append(cols, k)
			}
		}
	}
	return cols
}

// QueryData selects every column of table, optionally filtered by where
// (without the WHERE keyword) using '?' placeholders bound to args.
func (db *DB) QueryData(ctx context.Context, table, where string, args ...any) ([]domain.Record, error) {
	q := "SELECT * FROM " + db.dialect.Quote(table)
	if strings.TrimSpace(where) != "" {
		q += " WHERE " + rebind(db.dialect, where, 0)
	}

	rows, err := db.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, wrap("query", table, err)
	}
	defer rows.Close()

	records, err := scanRecords(rows)
	if err != nil {
		return nil, wrap("query", table, err)
	}
	return records, nil
}

func scanRecords(rows *sql.Rows) ([]domain.Record, error) {
	types, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}

	var out []domain.Record
	for rows.Next() {
		vals := make([]any, len(types))
		ptrs := make([]any, len(types))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}

		rec := make(domain.Record, len(types))
		for i, ct := range types {
			v := vals[i]
			if b, ok := v.([]byte); ok && !isBinary(ct.DatabaseTypeName()) {
				v = string(b)
			}
			rec[ct.Name()] = v
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func isBinary(typeName string) bool {
	t := strings.ToUpper(typeName)
	return strings.Contains(t, "BLOB") || t == "BYTEA" || strings.Contains(t, "BINARY")
}

// QueryEqual selects rows of table whose column equals value.
func (db *DB) QueryEqual(ctx context.Context, table, column string, value any) ([]domain.Record, error) {
	return db.QueryData(ctx, table, db.dialect.Quote(column)+" = ?", value)
}
