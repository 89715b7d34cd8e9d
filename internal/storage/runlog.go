package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"expensesync/internal/domain"
)

// Run is the persisted history of one sync run.
type Run struct {
	ID         string            `json:"id"`
	Trigger    string            `json:"trigger"` // "manual" | "schedule" | "retry" | "mcp"
	StartedAt  time.Time         `json:"startedAt"`
	FinishedAt time.Time         `json:"finishedAt,omitempty"`
	Status     domain.SyncStatus `json:"status"`
	Total      int               `json:"total"`
	Completed  int               `json:"completed"`
	Failed     int               `json:"failed"`
}

// Fixed-width UTC timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// ── Runs ───────────────────────────────────────────────────

func (db *DB) CreateRun(ctx context.Context, run *Run) error {
	run.ID = uuid.New().String()
	if run.StartedAt.IsZero() {
		run.StartedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = domain.StatusInProgress
	}

	_, err := db.conn.ExecContext(ctx, db.bind(
		`INSERT INTO sync_runs (id, trigger_type, started_at, status, total, completed, failed)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`),
		run.ID, run.Trigger, run.StartedAt.UTC().Format(timeLayout), string(run.Status),
		run.Total, run.Completed, run.Failed,
	)
	return wrap("create run", "sync_runs", err)
}

// FinishRun records the final progress snapshot of a run.
func (db *DB) FinishRun(ctx context.Context, id string, p domain.SyncProgress) error {
	_, err := db.conn.ExecContext(ctx, db.bind(
		`UPDATE sync_runs SET finished_at = ?, status = ?, total = ?, completed = ?, failed = ? WHERE id = ?`),
		time.Now().UTC().Format(timeLayout), string(p.Status), p.Total, p.Completed, p.Failed, id,
	)
	return wrap("finish run", "sync_runs", err)
}

func (db *DB) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.conn.QueryContext(ctx, db.bind(
		`SELECT id, trigger_type, started_at, finished_at, status, total, completed, failed
		 FROM sync_runs ORDER BY started_at DESC LIMIT ?`), limit,
	)
	if err != nil {
		return nil, wrap("list runs", "sync_runs", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var r Run
		var started string
		var finished sql.NullString
		var status string
		if err := rows.Scan(&r.ID, &r.Trigger, &started, &finished, &status, &r.Total, &r.Completed, &r.Failed); err != nil {
			return nil, wrap("list runs", "sync_runs", err)
		}
		r.Status = domain.SyncStatus(status)
		r.StartedAt, _ = time.Parse(timeLayout, started)
		if finished.Valid {
			r.FinishedAt, _ = time.Parse(timeLayout, finished.String)
		}
		runs = append(runs, r)
	}
	return runs, wrap("list runs", "sync_runs", rows.Err())
}

// ── Run results ────────────────────────────────────────────

// AddRunResult appends one source result to a run; seq keeps run order.
func (db *DB) AddRunResult(ctx context.Context, runID string, seq int, r domain.SyncResult) error {
	success := 0
	if r.Success {
		success = 1
	}
	var errMsg sql.NullString
	if r.Error != "" {
		errMsg = sql.NullString{String: r.Error, Valid: true}
	}
	_, err := db.conn.ExecContext(ctx, db.bind(
		`INSERT INTO sync_run_results (id, run_id, seq, source_name, success, record_count, error, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		uuid.New().String(), runID, seq, r.SourceName, success,
		nullInt(r.RecordCount), errMsg, nullInt64(r.DurationMs),
	)
	return wrap("add run result", "sync_run_results", err)
}

func (db *DB) ListRunResults(ctx context.Context, runID string) ([]domain.SyncResult, error) {
	rows, err := db.conn.QueryContext(ctx, db.bind(
		`SELECT source_name, success, record_count, error, duration_ms
		 FROM sync_run_results WHERE run_id = ? ORDER BY seq ASC`), runID,
	)
	if err != nil {
		return nil, wrap("list run results", "sync_run_results", err)
	}
	defer rows.Close()

	var out []domain.SyncResult
	for rows.Next() {
		var r domain.SyncResult
		var success int
		var count, duration sql.NullInt64
		var errMsg sql.NullString
		if err := rows.Scan(&r.SourceName, &success, &count, &errMsg, &duration); err != nil {
			return nil, wrap("list run results", "sync_run_results", err)
		}
		r.Success = success == 1
		r.Error = errMsg.String
		if count.Valid {
			c := int(count.Int64)
			r.RecordCount = &c
		}
		if duration.Valid {
			d := duration.Int64
			r.DurationMs = &d
		}
		out = append(out, r)
	}
	return out, wrap("list run results", "sync_run_results", rows.Err())
}

func (db *DB) bind(q string) string {
	return rebind(db.dialect, q, 0)
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

