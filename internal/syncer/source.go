package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"expensesync/internal/domain"
	"expensesync/internal/schema"
)

// SyncedStatus is written to the SyncStatus column of every upserted row.
const SyncedStatus = "synced"

// lastSyncLayout is ISO-8601 in UTC with millisecond precision.
const lastSyncLayout = "2006-01-02T15:04:05.000Z"

// syncSource runs one source end to end. Errors never escape; they become a
// failed result carrying the message and elapsed time.
func (o *Orchestrator) syncSource(ctx context.Context, src domain.SourceDescriptor) domain.SyncResult {
	start := time.Now()
	if src.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, src.Timeout)
		defer cancel()
	}

	count, err := o.load(ctx, src)
	elapsed := time.Since(start).Milliseconds()

	res := domain.SyncResult{SourceName: src.Name, DurationMs: &elapsed}
	if err != nil {
		o.log.Warnw("source sync failed", "source", src.Name, "duration_ms", elapsed, "error", err)
		res.Error = err.Error()
		return res
	}
	o.log.Infow("source synced", "source", src.Name, "records", count, "duration_ms", elapsed)
	res.Success = true
	res.RecordCount = &count
	return res
}

func (o *Orchestrator) load(ctx context.Context, src domain.SourceDescriptor) (int, error) {
	if src.TableName == "" || src.DataEndpoint == "" {
		return 0, errors.Newf("source %q is not configured", src.Name)
	}

	if !o.store.TableExists(ctx, src.TableName) {
		s := o.deriver.Derive(ctx, src)
		if err := o.store.CreateTable(ctx, s); err != nil {
			return 0, err
		}
	}

	var raw json.RawMessage
	if err := o.fetcher.Get(ctx, src.DataEndpoint, false, &raw); err != nil {
		return 0, err
	}

	payload := decodeData(raw)
	if payload.kind == dataUnrecognized {
		o.log.Warnw("unrecognized data payload, treating as empty", "source", src.Name)
		return 0, nil
	}
	if payload.skipped > 0 {
		o.log.Warnw("skipped non-object records", "source", src.Name, "count", payload.skipped)
	}
	if len(payload.records) == 0 {
		return 0, nil
	}

	cols, err := o.store.Columns(ctx, src.TableName)
	if err != nil {
		return 0, err
	}
	stamp := o.now().UTC().Format(lastSyncLayout)
	records, err := prepare(payload.records, cols, stamp)
	if err != nil {
		return 0, err
	}
	return o.store.InsertData(ctx, src.TableName, records)
}

// ── Record preparation ─────────────────────────────────────

// prepare shapes fetched records for the existing table: fallback tables get
// the whole record as JSON in Data, other tables keep only known columns.
// Every row carries the same LastSync stamp.
func prepare(records []domain.Record, columns []string, stamp string) ([]domain.Record, error) {
	if schema.IsFallback(columns) {
		return packFallback(records, columns, stamp)
	}

	byLower := make(map[string]string, len(columns))
	for _, c := range columns {
		byLower[strings.ToLower(c)] = c
	}
	lastSync, hasLastSync := byLower[strings.ToLower(domain.ColumnLastSync)]
	status, hasStatus := byLower[strings.ToLower(domain.ColumnSyncStatus)]

	out := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		row := make(domain.Record, len(rec)+2)
		for k, v := range rec {
			if col, ok := byLower[strings.ToLower(k)]; ok {
				row[col] = v
			}
		}
		if hasLastSync {
			row[lastSync] = stamp
		}
		if hasStatus {
			row[status] = SyncedStatus
		}
		out = append(out, row)
	}
	return out, nil
}

func packFallback(records []domain.Record, columns []string, stamp string) ([]domain.Record, error) {
	actual := make(map[string]string, len(columns))
	for _, c := range columns {
		actual[strings.ToLower(c)] = c
	}
	col := func(name string) string { return actual[strings.ToLower(name)] }

	out := make([]domain.Record, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return nil, errors.Wrap(err, "encode record")
		}
		out = append(out, domain.Record{
			col(schema.FallbackIDColumn):   recordID(rec),
			col(schema.FallbackDataColumn): string(data),
			col(domain.ColumnLastSync):     stamp,
			col(domain.ColumnSyncStatus):   SyncedStatus,
		})
	}
	return out, nil
}

// recordID picks the key for a fallback row: a field named "id" first, then
// the first id-like field by name, else a random UUID.
func recordID(rec domain.Record) string {
	keys := make([]string, 0, len(rec))
	for k := range rec {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if strings.EqualFold(k, "id") && rec[k] != nil {
			return fmt.Sprint(rec[k])
		}
	}
	for _, k := range keys {
		if schema.IsIDLike(k) && rec[k] != nil {
			return fmt.Sprint(rec[k])
		}
	}
	return uuid.New().String()
}
