package domain

import "strings"

// ColumnType is the storage type of a local table column.
type ColumnType string

const (
	ColumnText    ColumnType = "TEXT"
	ColumnInteger ColumnType = "INTEGER"
	ColumnReal    ColumnType = "REAL"
	ColumnBlob    ColumnType = "BLOB"
	ColumnNumeric ColumnType = "NUMERIC"
)

// Constraint tokens.
const (
	ConstraintPrimaryKey = "PRIMARY KEY"
	ConstraintNotNull    = "NOT NULL"
)

// Bookkeeping columns appended to every synced table.
const (
	ColumnLastSync   = "LastSync"
	ColumnSyncStatus = "SyncStatus"
)

// ColumnDefinition is one local table column.
type ColumnDefinition struct {
	Name        string     `json:"name"`
	Type        ColumnType `json:"type"`
	Constraints []string   `json:"constraints,omitempty"`
}

// Has reports whether the column carries the given constraint token.
func (c ColumnDefinition) Has(constraint string) bool {
	for _, k := range c.Constraints {
		if strings.EqualFold(k, constraint) {
			return true
		}
	}
	return false
}

// String renders the column as it appears in a CREATE TABLE statement,
// without identifier quoting: `DeptId INTEGER PRIMARY KEY NOT NULL`.
func (c ColumnDefinition) String() string {
	parts := append([]string{c.Name, string(c.Type)}, c.Constraints...)
	return strings.Join(parts, " ")
}

// TableSchema is a local table name plus its ordered columns.
// The column set is fixed once the table exists; there are no migrations.
type TableSchema struct {
	TableName string             `json:"tableName"`
	Columns   []ColumnDefinition `json:"columns"`
}

// ColumnNames returns the ordered column names.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// PrimaryKey returns the names of the columns flagged PRIMARY KEY.
func (s TableSchema) PrimaryKey() []string {
	var pk []string
	for _, c := range s.Columns {
		if c.Has(ConstraintPrimaryKey) {
			pk = append(pk, c.Name)
		}
	}
	return pk
}
