package domain

// SyncStatus is the overall state of a sync run.
type SyncStatus string

const (
	StatusIdle       SyncStatus = "idle"
	StatusInProgress SyncStatus = "in_progress"
	StatusCompleted  SyncStatus = "completed"
	StatusFailed     SyncStatus = "failed"
	StatusPaused     SyncStatus = "paused"
)

// SyncProgress is a snapshot of a sync run.
type SyncProgress struct {
	Total         int        `json:"total"`
	Completed     int        `json:"completed"`
	Failed        int        `json:"failed"`
	CurrentSource string     `json:"currentApi,omitempty"`
	Status        SyncStatus `json:"status"`
}

// SyncResult is the outcome of syncing one source. Never mutated after creation.
type SyncResult struct {
	Success     bool   `json:"success"`
	SourceName  string `json:"apiName"`
	RecordCount *int   `json:"dataCount,omitempty"`
	Error       string `json:"error,omitempty"`
	DurationMs  *int64 `json:"duration,omitempty"`
}

// Count returns the record count, or 0 when unset.
func (r SyncResult) Count() int {
	if r.RecordCount == nil {
		return 0
	}
	return *r.RecordCount
}

// FailedResults returns the unsuccessful entries, preserving order.
func FailedResults(results []SyncResult) []SyncResult {
	var failed []SyncResult
	for _, r := range results {
		if !r.Success {
			failed = append(failed, r)
		}
	}
	return failed
}
