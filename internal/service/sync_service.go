package service

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"expensesync/internal/domain"
	"expensesync/internal/storage"
	"expensesync/internal/syncer"
)

// ─────────────────────────────────────────────────────────────
// Sync Service — run history, retries and scheduling around the orchestrator
// ─────────────────────────────────────────────────────────────

// Run triggers.
const (
	TriggerManual   = "manual"
	TriggerSchedule = "schedule"
	TriggerRetry    = "retry"
	TriggerMCP      = "mcp"
)

const runKey = "sync"

// ErrNothingToRetry is returned by Retry when the last run had no failures.
var ErrNothingToRetry = errors.New("no failed sources to retry")

// RunStore persists run history.
type RunStore interface {
	CreateRun(ctx context.Context, run *storage.Run) error
	FinishRun(ctx context.Context, id string, p domain.SyncProgress) error
	AddRunResult(ctx context.Context, runID string, seq int, r domain.SyncResult) error
	ListRuns(ctx context.Context, limit int) ([]storage.Run, error)
	ListRunResults(ctx context.Context, runID string) ([]domain.SyncResult, error)
}

// RunInput selects what a run processes.
type RunInput struct {
	Trigger    string `json:"trigger"`
	ForceSync  bool   `json:"forceSync"`
	SkipFailed bool   `json:"skipFailed"`
}

// RunOutcome is a finished run as reported to callers.
type RunOutcome struct {
	RunID    string              `json:"runId"`
	Results  []domain.SyncResult `json:"results"`
	Progress domain.SyncProgress `json:"progress"`
}

// SyncService wraps the orchestrator with persistence and events. It is the
// single context object shared by the CLI, scheduler and MCP server.
type SyncService struct {
	orch    *syncer.Orchestrator
	runs    RunStore
	emitter EventEmitter
	log     *zap.SugaredLogger
	guard   runGuard

	mu   sync.Mutex
	last []domain.SyncResult

	cronSched *cron.Cron
}

// NewSyncService creates a SyncService. emitter and log may be nil.
func NewSyncService(orch *syncer.Orchestrator, runs RunStore, emitter EventEmitter, log *zap.SugaredLogger) *SyncService {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &SyncService{orch: orch, runs: runs, emitter: emitter, log: log}
}

// ── Run ────────────────────────────────────────────────────

// RunSync performs one run and records it.
func (s *SyncService) RunSync(ctx context.Context, in RunInput) (*RunOutcome, error) {
	return s.execute(ctx, in, func(opts syncer.Options) ([]domain.SyncResult, error) {
		return s.orch.StartSync(ctx, opts)
	})
}

// Retry re-runs the failed sources of the most recent run.
func (s *SyncService) Retry(ctx context.Context, in RunInput) (*RunOutcome, error) {
	failed, err := s.lastFailed(ctx)
	if err != nil {
		return nil, err
	}
	if len(failed) == 0 {
		return nil, ErrNothingToRetry
	}
	return s.retry(ctx, in, failed)
}

func (s *SyncService) retry(ctx context.Context, in RunInput, failed []domain.SyncResult) (*RunOutcome, error) {
	if in.Trigger == "" {
		in.Trigger = TriggerRetry
	}
	return s.execute(ctx, in, func(opts syncer.Options) ([]domain.SyncResult, error) {
		return s.orch.RetryFailed(ctx, failed, opts)
	})
}

func (s *SyncService) execute(ctx context.Context, in RunInput, run func(syncer.Options) ([]domain.SyncResult, error)) (*RunOutcome, error) {
	if !s.guard.TryLock(runKey) {
		return nil, syncer.ErrSyncInProgress
	}
	defer s.guard.Unlock(runKey)

	if in.Trigger == "" {
		in.Trigger = TriggerManual
	}

	rec := &storage.Run{Trigger: in.Trigger}
	if err := s.runs.CreateRun(ctx, rec); err != nil {
		return nil, err
	}
	s.log.Infow("sync run started", "run", rec.ID, "trigger", in.Trigger, "force", in.ForceSync, "skip_failed", in.SkipFailed)

	// History must be written even after ctx is cancelled.
	bookCtx := context.WithoutCancel(ctx)
	seq := 0
	opts := syncer.Options{
		ForceSync:  in.ForceSync,
		SkipFailed: in.SkipFailed,
		OnSourceComplete: func(r domain.SyncResult) {
			if err := s.runs.AddRunResult(bookCtx, rec.ID, seq, r); err != nil {
				s.log.Warnw("failed to record source result", "run", rec.ID, "source", r.SourceName, "error", err)
			}
			seq++
		},
	}

	results, runErr := run(opts)
	progress := s.orch.Progress()
	cancelled := errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded)
	if runErr != nil && !cancelled && !errors.Is(runErr, syncer.ErrSyncInProgress) {
		progress.Status = domain.StatusFailed
	}
	if err := s.runs.FinishRun(bookCtx, rec.ID, progress); err != nil {
		s.log.Warnw("failed to finish run record", "run", rec.ID, "error", err)
	}

	out := &RunOutcome{RunID: rec.ID, Results: results, Progress: progress}
	if runErr == nil || cancelled {
		s.mu.Lock()
		s.last = results
		s.mu.Unlock()
	}
	if s.emitter != nil {
		s.emitter.Emit(bookCtx, syncer.EventFinished, out)
	}
	s.log.Infow("sync run finished", "run", rec.ID, "status", progress.Status,
		"completed", progress.Completed, "failed", progress.Failed)
	return out, runErr
}

// lastFailed returns the failures of the latest run, from memory or history.
func (s *SyncService) lastFailed(ctx context.Context) ([]domain.SyncResult, error) {
	s.mu.Lock()
	last := s.last
	s.mu.Unlock()
	if last != nil {
		return domain.FailedResults(last), nil
	}

	runs, err := s.runs.ListRuns(ctx, 1)
	if err != nil || len(runs) == 0 {
		return nil, err
	}
	results, err := s.runs.ListRunResults(ctx, runs[0].ID)
	if err != nil {
		return nil, err
	}
	return domain.FailedResults(results), nil
}

// ── Accessors ──────────────────────────────────────────────

// Progress returns the orchestrator snapshot.
func (s *SyncService) Progress() domain.SyncProgress {
	return s.orch.Progress()
}

// Running reports whether a service-level run is in flight.
func (s *SyncService) Running() bool {
	return s.guard.Held(runKey)
}

// StopSync pauses the active run after its current source.
func (s *SyncService) StopSync() {
	s.orch.StopSync()
}

// Sources returns the configured descriptors.
func (s *SyncService) Sources() []domain.SourceDescriptor {
	return s.orch.Sources()
}

// SetSources replaces the descriptors used by the next run.
func (s *SyncService) SetSources(sources []domain.SourceDescriptor) {
	s.orch.SetSources(sources)
	s.log.Infow("sources updated", "count", len(sources))
}

// ListRuns returns the most recent runs, newest first.
func (s *SyncService) ListRuns(ctx context.Context, limit int) ([]storage.Run, error) {
	return s.runs.ListRuns(ctx, limit)
}

// RunResults returns the per-source results of a run in order.
func (s *SyncService) RunResults(ctx context.Context, runID string) ([]domain.SyncResult, error) {
	return s.runs.ListRunResults(ctx, runID)
}

// WaitRunning blocks until the active run finishes or ctx is done.
func (s *SyncService) WaitRunning(ctx context.Context) {
	s.guard.WaitAll(ctx)
}
