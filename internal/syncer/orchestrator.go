// Package syncer runs sources through fetch, schema and upsert one at a time.
package syncer

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"expensesync/internal/domain"
)

// DefaultDelay is the pause between consecutive sources.
const DefaultDelay = time.Second

// Events published through the Emitter.
const (
	EventProgress       = "sync:progress"
	EventSourceComplete = "sync:source-complete"
	EventFinished       = "sync:finished"
)

// ErrSyncInProgress is returned when a run is requested while one is active.
var ErrSyncInProgress = errors.New("sync already in progress")

// ── Dependencies ───────────────────────────────────────────

// Store is the part of the relational adapter the orchestrator needs.
type Store interface {
	Ready(ctx context.Context) error
	TableExists(ctx context.Context, name string) bool
	CreateTable(ctx context.Context, s domain.TableSchema) error
	Columns(ctx context.Context, table string) ([]string, error)
	InsertData(ctx context.Context, table string, records []domain.Record) (int, error)
}

// Fetcher reads JSON from a remote endpoint.
type Fetcher interface {
	Get(ctx context.Context, endpoint string, requiresAuth bool, out any) error
}

// SchemaDeriver produces the schema for a source whose table is missing.
type SchemaDeriver interface {
	Derive(ctx context.Context, src domain.SourceDescriptor) domain.TableSchema
}

// Emitter receives progress and completion events.
type Emitter interface {
	Emit(ctx context.Context, event string, data any)
}

// Options control a single run.
type Options struct {
	// ForceSync processes every source; otherwise only required ones.
	ForceSync bool
	// SkipFailed keeps going after a failed source.
	SkipFailed bool
	// OnProgress is called synchronously after every progress change.
	OnProgress func(domain.SyncProgress)
	// OnSourceComplete is called once per finished source.
	OnSourceComplete func(domain.SyncResult)
}

// Config tunes the orchestrator.
type Config struct {
	Delay time.Duration
}

// ── Orchestrator ───────────────────────────────────────────

// Orchestrator owns the progress snapshot and the running flag. One run at a
// time; sources within a run are processed strictly in order.
type Orchestrator struct {
	store   Store
	fetcher Fetcher
	deriver SchemaDeriver
	emitter Emitter
	log     *zap.SugaredLogger
	delay   time.Duration
	now     func() time.Time

	mu       sync.Mutex
	sources  []domain.SourceDescriptor
	running  bool
	gen      uint64
	stop     chan struct{}
	progress domain.SyncProgress
}

// New creates an idle Orchestrator. emitter and log may be nil.
func New(
	sources []domain.SourceDescriptor,
	store Store,
	fetcher Fetcher,
	deriver SchemaDeriver,
	emitter Emitter,
	cfg Config,
	log *zap.SugaredLogger,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	delay := cfg.Delay
	if delay < 0 {
		delay = 0
	}
	return &Orchestrator{
		store:    store,
		fetcher:  fetcher,
		deriver:  deriver,
		emitter:  emitter,
		log:      log,
		delay:    delay,
		now:      time.Now,
		sources:  append([]domain.SourceDescriptor(nil), sources...),
		progress: domain.SyncProgress{Status: domain.StatusIdle},
	}
}

// Sources returns a copy of the configured descriptors.
func (o *Orchestrator) Sources() []domain.SourceDescriptor {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]domain.SourceDescriptor(nil), o.sources...)
}

// SetSources replaces the descriptor list. A run in flight keeps its own copy.
func (o *Orchestrator) SetSources(sources []domain.SourceDescriptor) {
	o.mu.Lock()
	o.sources = append([]domain.SourceDescriptor(nil), sources...)
	o.mu.Unlock()
}

// Progress returns a copy of the current snapshot.
func (o *Orchestrator) Progress() domain.SyncProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.progress
}

// Running reports whether a run is active.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

// StopSync marks the run paused. The source in flight finishes; no further
// source is started.
func (o *Orchestrator) StopSync() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.running {
		return
	}
	o.running = false
	o.progress.Status = domain.StatusPaused
	close(o.stop)
}

// StartSync processes the configured sources in order. With ForceSync unset
// only required sources run. A concurrent call returns ErrSyncInProgress and
// no results.
func (o *Orchestrator) StartSync(ctx context.Context, opts Options) ([]domain.SyncResult, error) {
	var selected []domain.SourceDescriptor
	for _, s := range o.Sources() {
		if opts.ForceSync || s.IsRequired {
			selected = append(selected, s)
		}
	}
	return o.run(ctx, selected, opts)
}

// RetryFailed re-runs exactly the sources named by the unsuccessful entries
// of failed, in that order. Names no longer configured yield a failed result.
func (o *Orchestrator) RetryFailed(ctx context.Context, failed []domain.SyncResult, opts Options) ([]domain.SyncResult, error) {
	byName := make(map[string]domain.SourceDescriptor)
	for _, s := range o.Sources() {
		byName[s.Name] = s
	}

	var selected []domain.SourceDescriptor
	for _, r := range domain.FailedResults(failed) {
		src, ok := byName[r.SourceName]
		if !ok {
			// Unknown names still occupy a slot so the caller sees them.
			src = domain.SourceDescriptor{Name: r.SourceName}
		}
		selected = append(selected, src)
	}
	return o.run(ctx, selected, opts)
}

func (o *Orchestrator) run(ctx context.Context, sources []domain.SourceDescriptor, opts Options) ([]domain.SyncResult, error) {
	gen, stop, ok := o.begin(len(sources))
	if !ok {
		return []domain.SyncResult{}, ErrSyncInProgress
	}
	o.publish(ctx, gen, opts)

	if err := o.store.Ready(ctx); err != nil {
		o.finish(ctx, gen, opts, domain.StatusFailed)
		return nil, errors.Wrap(err, "initialize storage")
	}

	results := make([]domain.SyncResult, 0, len(sources))
	for i, src := range sources {
		if !o.active(gen) {
			break
		}
		if ctx.Err() != nil {
			return results, o.abort(ctx, gen, opts)
		}

		o.update(ctx, gen, opts, func(p *domain.SyncProgress) { p.CurrentSource = src.Name })

		res := o.syncSource(ctx, src)
		results = append(results, res)

		o.update(ctx, gen, opts, func(p *domain.SyncProgress) {
			if res.Success {
				p.Completed++
			} else {
				p.Failed++
			}
			p.CurrentSource = ""
		})
		if opts.OnSourceComplete != nil {
			opts.OnSourceComplete(res)
		}
		if o.emitter != nil {
			o.emitter.Emit(ctx, EventSourceComplete, res)
		}

		if ctx.Err() != nil {
			return results, o.abort(ctx, gen, opts)
		}
		if !res.Success && !opts.SkipFailed {
			o.log.Infow("halting run after failure", "source", src.Name, "remaining", len(sources)-i-1)
			break
		}
		if i < len(sources)-1 && !o.wait(ctx, stop) {
			if ctx.Err() != nil {
				return results, o.abort(ctx, gen, opts)
			}
			break
		}
	}

	status := domain.StatusCompleted
	for _, r := range results {
		if !r.Success {
			status = domain.StatusFailed
			break
		}
	}
	o.finish(ctx, gen, opts, status)
	return results, nil
}

// begin claims the running flag and resets the snapshot.
func (o *Orchestrator) begin(total int) (uint64, chan struct{}, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return 0, nil, false
	}
	o.running = true
	o.gen++
	o.stop = make(chan struct{})
	o.progress = domain.SyncProgress{Total: total, Status: domain.StatusInProgress}
	return o.gen, o.stop, true
}

func (o *Orchestrator) active(gen uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running && o.gen == gen
}

// update mutates the snapshot of run gen and reports it. Updates from a run
// that has been superseded are dropped.
func (o *Orchestrator) update(ctx context.Context, gen uint64, opts Options, fn func(*domain.SyncProgress)) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	fn(&o.progress)
	o.mu.Unlock()
	o.publish(ctx, gen, opts)
}

// finish resolves the final status unless the run was paused.
func (o *Orchestrator) finish(ctx context.Context, gen uint64, opts Options, status domain.SyncStatus) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	if o.running {
		o.running = false
		o.progress.Status = status
	}
	o.progress.CurrentSource = ""
	o.mu.Unlock()
	o.publish(ctx, gen, opts)
}

// abort pauses run gen after ctx was cancelled and returns the ctx error.
func (o *Orchestrator) abort(ctx context.Context, gen uint64, opts Options) error {
	o.mu.Lock()
	if o.gen == gen && o.running {
		o.running = false
		o.progress.Status = domain.StatusPaused
		close(o.stop)
	}
	o.mu.Unlock()
	o.log.Infow("run cancelled", "error", ctx.Err())
	o.finish(ctx, gen, opts, domain.StatusPaused)
	return ctx.Err()
}

func (o *Orchestrator) publish(ctx context.Context, gen uint64, opts Options) {
	o.mu.Lock()
	if o.gen != gen {
		o.mu.Unlock()
		return
	}
	p := o.progress
	o.mu.Unlock()

	if opts.OnProgress != nil {
		opts.OnProgress(p)
	}
	if o.emitter != nil {
		o.emitter.Emit(ctx, EventProgress, p)
	}
}

// wait sleeps for the inter-source delay. It returns false if the run was
// stopped or ctx was cancelled first.
func (o *Orchestrator) wait(ctx context.Context, stop <-chan struct{}) bool {
	if o.delay == 0 {
		select {
		case <-stop:
			return false
		default:
			return ctx.Err() == nil
		}
	}
	t := time.NewTimer(o.delay)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-stop:
		return false
	case <-ctx.Done():
		return false
	}
}
