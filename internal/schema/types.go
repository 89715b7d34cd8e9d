package schema

import (
	"strings"

	"expensesync/internal/domain"
)

// MapType converts a remote type token to a storage column type.
// Matching is case-insensitive; unknown tokens map to TEXT.
func MapType(token string) domain.ColumnType {
	switch strings.ToLower(strings.TrimSpace(token)) {
	case "text", "string", "varchar", "char":
		return domain.ColumnText
	case "number", "integer", "int", "bigint":
		return domain.ColumnInteger
	case "float", "real", "double", "decimal":
		return domain.ColumnReal
	case "numeric":
		return domain.ColumnNumeric
	case "date", "datetime", "timestamp":
		return domain.ColumnText
	case "boolean", "bool":
		return domain.ColumnInteger
	case "blob", "binary":
		return domain.ColumnBlob
	default:
		return domain.ColumnText
	}
}

// IsIDLike reports whether a field name looks like an identifier: it contains
// "id" (any case) and is not "userid".
func IsIDLike(name string) bool {
	n := strings.ToLower(name)
	return strings.Contains(n, "id") && n != "userid"
}

// pickPrimaryKey chooses at most one primary key column index. A field named
// exactly "id" wins; otherwise the first id-like field. Returns -1 if none.
func pickPrimaryKey(fields []domain.MetadataField) int {
	first := -1
	for i, f := range fields {
		if strings.EqualFold(f.Name, "id") {
			return i
		}
		if first < 0 && IsIDLike(f.Name) {
			first = i
		}
	}
	return first
}
