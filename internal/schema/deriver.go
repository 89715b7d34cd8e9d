// Package schema derives local table schemas from remote metadata.
package schema

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"expensesync/internal/domain"
)

// Fetcher is the subset of the remote client used to read metadata.
type Fetcher interface {
	Get(ctx context.Context, endpoint string, requiresAuth bool, out any) error
}

// MetadataFetchError means the metadata endpoint could not be read.
type MetadataFetchError struct {
	Source string
	Err    error
}

func (e *MetadataFetchError) Error() string {
	return fmt.Sprintf("fetch metadata for %s: %v", e.Source, e.Err)
}

func (e *MetadataFetchError) Unwrap() error { return e.Err }

// MetadataParseError means the metadata response had no usable field list.
type MetadataParseError struct {
	Source string
	Reason string
}

func (e *MetadataParseError) Error() string {
	return fmt.Sprintf("parse metadata for %s: %s", e.Source, e.Reason)
}

// Deriver turns source metadata into table schemas.
type Deriver struct {
	client Fetcher
	log    *zap.SugaredLogger
}

// NewDeriver creates a Deriver.
func NewDeriver(client Fetcher, log *zap.SugaredLogger) *Deriver {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Deriver{client: client, log: log}
}

// Derive returns the schema for src. It never fails: when metadata cannot be
// fetched or parsed the fallback schema is returned instead.
func (d *Deriver) Derive(ctx context.Context, src domain.SourceDescriptor) domain.TableSchema {
	s, err := d.Fetch(ctx, src)
	if err != nil {
		d.log.Warnw("using fallback schema", "source", src.Name, "table", src.TableName, "error", err)
		return Fallback(src.TableName)
	}
	return s
}

// Fetch reads and parses the metadata of src. Errors are *MetadataFetchError
// or *MetadataParseError.
func (d *Deriver) Fetch(ctx context.Context, src domain.SourceDescriptor) (domain.TableSchema, error) {
	var raw json.RawMessage
	if err := d.client.Get(ctx, src.MetadataEndpoint, false, &raw); err != nil {
		return domain.TableSchema{}, &MetadataFetchError{Source: src.Name, Err: err}
	}

	payload := decodeMetadata(raw)
	if payload.kind == metadataUnrecognized {
		return domain.TableSchema{}, &MetadataParseError{Source: src.Name, Reason: payload.reason}
	}

	s, err := FromMetadata(src.TableName, payload.fields)
	if err != nil {
		return domain.TableSchema{}, &MetadataParseError{Source: src.Name, Reason: err.Error()}
	}
	d.log.Debugw("derived schema", "source", src.Name, "key", payload.kind, "columns", len(s.Columns))
	return s, nil
}

// FromMetadata builds a schema from field descriptions. Duplicate names and
// fields colliding with the bookkeeping columns are dropped.
func FromMetadata(table string, fields []domain.MetadataField) (domain.TableSchema, error) {
	seen := map[string]bool{
		strings.ToLower(domain.ColumnLastSync):   true,
		strings.ToLower(domain.ColumnSyncStatus): true,
	}
	kept := make([]domain.MetadataField, 0, len(fields))
	for _, f := range fields {
		name := strings.TrimSpace(f.Name)
		if name == "" || seen[strings.ToLower(name)] {
			continue
		}
		seen[strings.ToLower(name)] = true
		f.Name = name
		kept = append(kept, f)
	}
	if len(kept) == 0 {
		return domain.TableSchema{}, errors.New("no usable fields")
	}

	pk := pickPrimaryKey(kept)
	cols := make([]domain.ColumnDefinition, 0, len(kept)+2)
	for i, f := range kept {
		col := domain.ColumnDefinition{Name: f.Name, Type: MapType(f.Type)}
		if i == pk {
			col.Constraints = append(col.Constraints, domain.ConstraintPrimaryKey)
		}
		if f.Required {
			col.Constraints = append(col.Constraints, domain.ConstraintNotNull)
		}
		cols = append(cols, col)
	}
	cols = append(cols, bookkeeping()...)

	return domain.TableSchema{TableName: table, Columns: cols}, nil
}

// Fallback is the generic schema used when metadata is unavailable.
func Fallback(table string) domain.TableSchema {
	cols := []domain.ColumnDefinition{
		{Name: FallbackIDColumn, Type: domain.ColumnText, Constraints: []string{domain.ConstraintPrimaryKey}},
		{Name: FallbackDataColumn, Type: domain.ColumnText},
	}
	return domain.TableSchema{TableName: table, Columns: append(cols, bookkeeping()...)}
}

// Fallback schema columns.
const (
	FallbackIDColumn   = "ID"
	FallbackDataColumn = "Data"
)

// IsFallback reports whether a column set has the fallback shape.
func IsFallback(columns []string) bool {
	if len(columns) != 4 {
		return false
	}
	want := map[string]bool{
		strings.ToLower(FallbackIDColumn):        true,
		strings.ToLower(FallbackDataColumn):      true,
		strings.ToLower(domain.ColumnLastSync):   true,
		strings.ToLower(domain.ColumnSyncStatus): true,
	}
	for _, c := range columns {
		if !want[strings.ToLower(c)] {
			return false
		}
	}
	return true
}

func bookkeeping() []domain.ColumnDefinition {
	return []domain.ColumnDefinition{
		{Name: domain.ColumnLastSync, Type: domain.ColumnText},
		{Name: domain.ColumnSyncStatus, Type: domain.ColumnText},
	}
}
