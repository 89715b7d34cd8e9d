package service

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"expensesync/internal/domain"
	"expensesync/internal/syncer"
)

// ── Scheduling ─────────────────────────────────────────────

// Schedule runs a sync on the cron expression expr, replacing any previous
// schedule. Scheduled runs retry failed sources up to each source's MaxRetries.
func (s *SyncService) Schedule(ctx context.Context, expr string, in RunInput) error {
	s.Stop()
	if expr == "" {
		return nil
	}
	in.Trigger = TriggerSchedule

	c := cron.New()
	if _, err := c.AddFunc(expr, func() { s.RunScheduled(ctx, in) }); err != nil {
		return errors.Wrapf(err, "invalid schedule %q", expr)
	}
	c.Start()

	s.mu.Lock()
	s.cronSched = c
	s.mu.Unlock()
	s.log.Infow("sync scheduled", "schedule", expr)
	return nil
}

// RunScheduled performs a run followed by automatic retries. Each retry round
// covers the failed sources whose MaxRetries exceeds the rounds done so far.
func (s *SyncService) RunScheduled(ctx context.Context, in RunInput) []*RunOutcome {
	out, err := s.RunSync(ctx, in)
	if err != nil {
		s.log.Warnw("scheduled sync failed", "error", err)
		if out == nil {
			return nil
		}
	}
	outcomes := []*RunOutcome{out}

	limits := make(map[string]int)
	for _, src := range s.Sources() {
		limits[src.Name] = src.MaxRetries
	}

	failed := domain.FailedResults(out.Results)
	for attempt := 1; len(failed) > 0; attempt++ {
		var eligible []domain.SyncResult
		for _, r := range failed {
			if limits[r.SourceName] >= attempt {
				eligible = append(eligible, r)
			}
		}
		if len(eligible) == 0 || ctx.Err() != nil {
			break
		}

		s.log.Infow("retrying failed sources", "attempt", attempt, "sources", len(eligible))
		retried, err := s.retry(ctx, RunInput{Trigger: TriggerRetry, SkipFailed: true}, eligible)
		if err != nil {
			if errors.Is(err, syncer.ErrSyncInProgress) {
				break
			}
			s.log.Warnw("scheduled retry failed", "attempt", attempt, "error", err)
			if retried == nil {
				break
			}
		}
		outcomes = append(outcomes, retried)
		failed = domain.FailedResults(retried.Results)
	}
	return outcomes
}

// Stop tears down the scheduler. Safe to call repeatedly.
func (s *SyncService) Stop() {
	s.mu.Lock()
	c := s.cronSched
	s.cronSched = nil
	s.mu.Unlock()
	if c != nil {
		<-c.Stop().Done()
	}
}
