package syncer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"expensesync/internal/domain"
	"expensesync/internal/schema"
)

// ── Fakes ──────────────────────────────────────────────────

type fakeStore struct {
	mu       sync.Mutex
	readyErr error
	tables   map[string][]string
	rows     map[string][]domain.Record
	created  []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{tables: map[string][]string{}, rows: map[string][]domain.Record{}}
}

func (s *fakeStore) Ready(context.Context) error { return s.readyErr }

func (s *fakeStore) TableExists(_ context.Context, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tables[name]
	return ok
}

func (s *fakeStore) CreateTable(_ context.Context, ts domain.TableSchema) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[ts.TableName] = ts.ColumnNames()
	s.created = append(s.created, ts.TableName)
	return nil
}

func (s *fakeStore) Columns(_ context.Context, table string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tables[table], nil
}

func (s *fakeStore) InsertData(_ context.Context, table string, records []domain.Record) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[table] = append(s.rows[table], records...)
	return len(records), nil
}

type fakeFetcher struct {
	mu     sync.Mutex
	bodies map[string]string
	errs   map[string]error
	calls  []string
	block  chan struct{}
	// slow limits block to these endpoints when set.
	slow map[string]bool
}

func (f *fakeFetcher) Get(ctx context.Context, endpoint string, _ bool, out any) error {
	f.mu.Lock()
	f.calls = append(f.calls, endpoint)
	block := f.block
	if f.slow != nil && !f.slow[endpoint] {
		block = nil
	}
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := f.errs[endpoint]; err != nil {
		return err
	}
	body, ok := f.bodies[endpoint]
	if !ok {
		body = `{"data":[]}`
	}
	return json.Unmarshal([]byte(body), out)
}

type fakeDeriver struct{}

func (fakeDeriver) Derive(_ context.Context, src domain.SourceDescriptor) domain.TableSchema {
	s, _ := schema.FromMetadata(src.TableName, []domain.MetadataField{{Name: "id", Type: "integer"}, {Name: "name", Type: "text"}})
	return s
}

func source(name string, required bool) domain.SourceDescriptor {
	return domain.SourceDescriptor{
		Name:         name,
		DataEndpoint: "/" + name,
		TableName:    name,
		IsRequired:   required,
	}
}

func newTestOrchestrator(sources []domain.SourceDescriptor, store *fakeStore, fetcher *fakeFetcher) *Orchestrator {
	return New(sources, store, fetcher, fakeDeriver{}, nil, Config{}, nil)
}

// ── Tests ──────────────────────────────────────────────────

func TestStartSync_OnlyRequiredByDefault(t *testing.T) {
	store := newFakeStore()
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true), source("b", false)}, store, &fakeFetcher{})

	results, err := o.StartSync(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].SourceName)

	results, err = o.StartSync(context.Background(), Options{ForceSync: true})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestStartSync_HaltsOnFirstFailure(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[string]error{"/a": errors.New("connection refused")}}
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true), source("b", true), source("c", true)}, newFakeStore(), fetcher)

	results, err := o.StartSync(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "connection refused")
	assert.NotNil(t, results[0].DurationMs)
	assert.Equal(t, []string{"/a"}, fetcher.calls)

	p := o.Progress()
	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Equal(t, 3, p.Total)
	assert.Equal(t, 1, p.Failed)
}

func TestStartSync_SkipFailedAttemptsEverySource(t *testing.T) {
	fetcher := &fakeFetcher{errs: map[string]error{"/a": errors.New("boom")}}
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true), source("b", true), source("c", true)}, newFakeStore(), fetcher)

	results, err := o.StartSync(context.Background(), Options{SkipFailed: true})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.False(t, results[0].Success)
	assert.True(t, results[1].Success)
	assert.True(t, results[2].Success)

	p := o.Progress()
	assert.Equal(t, domain.StatusFailed, p.Status)
	assert.Equal(t, 2, p.Completed)
	assert.Equal(t, 1, p.Failed)
}

func TestStartSync_AllSucceedCompletes(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{"/a": `{"data":[{"id":1,"name":"x"},{"id":2,"name":"y"}]}`}}
	store := newFakeStore()
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true), source("b", true)}, store, fetcher)

	results, err := o.StartSync(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 2, results[0].Count())
	assert.Equal(t, 0, results[1].Count())
	assert.Equal(t, domain.StatusCompleted, o.Progress().Status)
	assert.Equal(t, []string{"a", "b"}, store.created)
}

func TestStartSync_ProgressIsSequential(t *testing.T) {
	names := []string{"a", "b", "c", "d"}
	var sources []domain.SourceDescriptor
	for _, n := range names {
		sources = append(sources, source(n, true))
	}
	o := newTestOrchestrator(sources, newFakeStore(), &fakeFetcher{})

	var current []string
	var completes []string
	_, err := o.StartSync(context.Background(), Options{
		OnProgress: func(p domain.SyncProgress) {
			if p.CurrentSource != "" {
				current = append(current, p.CurrentSource)
			}
		},
		OnSourceComplete: func(r domain.SyncResult) { completes = append(completes, r.SourceName) },
	})
	require.NoError(t, err)
	assert.Equal(t, names, current)
	assert.Equal(t, names, completes)
}

func TestStartSync_StampsRecords(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{"/a": `{"Response":[{"id":1,"name":"x","extra":"dropped"},{"id":2,"name":{"first":"y"}}]}`}}
	store := newFakeStore()
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true)}, store, fetcher)
	o.now = func() time.Time { return time.Date(2024, 3, 1, 12, 30, 0, 123e6, time.UTC) }

	_, err := o.StartSync(context.Background(), Options{})
	require.NoError(t, err)

	rows := store.rows["a"]
	require.Len(t, rows, 2)
	for _, r := range rows {
		assert.Equal(t, "2024-03-01T12:30:00.123Z", r[domain.ColumnLastSync])
		assert.Equal(t, SyncedStatus, r[domain.ColumnSyncStatus])
		assert.NotContains(t, r, "extra")
	}
	assert.Equal(t, int64(1), rows[0]["id"])
	assert.Equal(t, `{"first":"y"}`, rows[1]["name"])
}

func TestStartSync_UnrecognizedPayloadIsEmptySuccess(t *testing.T) {
	fetcher := &fakeFetcher{bodies: map[string]string{"/a": `{"items":[{"id":1}]}`}}
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true)}, newFakeStore(), fetcher)

	results, err := o.StartSync(context.Background(), Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	require.NotNil(t, results[0].RecordCount)
	assert.Zero(t, *results[0].RecordCount)
}

func TestStartSync_InitializationErrorPropagates(t *testing.T) {
	store := newFakeStore()
	store.readyErr = errors.New("database locked")
	fetcher := &fakeFetcher{}
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true)}, store, fetcher)

	results, err := o.StartSync(context.Background(), Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database locked")
	assert.Empty(t, results)
	assert.Empty(t, fetcher.calls)
	assert.False(t, o.Running())
}

func TestStartSync_RejectsConcurrentRun(t *testing.T) {
	fetcher := &fakeFetcher{block: make(chan struct{})}
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true)}, newFakeStore(), fetcher)

	done := make(chan []domain.SyncResult)
	go func() {
		res, _ := o.StartSync(context.Background(), Options{})
		done <- res
	}()
	require.Eventually(t, o.Running, time.Second, 5*time.Millisecond)

	res, err := o.StartSync(context.Background(), Options{})
	assert.ErrorIs(t, err, ErrSyncInProgress)
	assert.Empty(t, res)

	close(fetcher.block)
	assert.Len(t, <-done, 1)
}

func TestStopSync_PausesBeforeNextSource(t *testing.T) {
	fetcher := &fakeFetcher{}
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true), source("b", true)}, newFakeStore(), fetcher)

	results, err := o.StartSync(context.Background(), Options{
		OnSourceComplete: func(domain.SyncResult) { o.StopSync() },
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
	assert.Equal(t, domain.StatusPaused, o.Progress().Status)
	assert.Equal(t, []string{"/a"}, fetcher.calls)
}

func TestStopSync_InterruptsDelay(t *testing.T) {
	o := New([]domain.SourceDescriptor{source("a", true), source("b", true)}, newFakeStore(), &fakeFetcher{}, fakeDeriver{}, nil, Config{Delay: time.Hour}, nil)

	done := make(chan []domain.SyncResult)
	go func() {
		res, _ := o.StartSync(context.Background(), Options{})
		done <- res
	}()
	require.Eventually(t, func() bool { return o.Progress().Completed == 1 }, time.Second, 5*time.Millisecond)
	o.StopSync()

	select {
	case res := <-done:
		assert.Len(t, res, 1)
	case <-time.After(time.Second):
		t.Fatal("run did not stop during delay")
	}
	assert.Equal(t, domain.StatusPaused, o.Progress().Status)
}

func TestRetryFailed_RerunsOnlyFailedInOrder(t *testing.T) {
	fetcher := &fakeFetcher{}
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true), source("b", true), source("c", true)}, newFakeStore(), fetcher)

	previous := []domain.SyncResult{
		{SourceName: "c", Success: false, Error: "x"},
		{SourceName: "b", Success: true},
		{SourceName: "a", Success: false, Error: "y"},
	}
	results, err := o.RetryFailed(context.Background(), previous, Options{})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "c", results[0].SourceName)
	assert.Equal(t, "a", results[1].SourceName)
	assert.Equal(t, []string{"/c", "/a"}, fetcher.calls)
}

func TestRetryFailed_UnknownSourceFails(t *testing.T) {
	o := newTestOrchestrator(nil, newFakeStore(), &fakeFetcher{})

	results, err := o.RetryFailed(context.Background(), []domain.SyncResult{{SourceName: "gone"}}, Options{})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "not configured")
}

func TestStartSync_EmitsEvents(t *testing.T) {
	em := &recordingEmitter{}
	o := New([]domain.SourceDescriptor{source("a", true)}, newFakeStore(), &fakeFetcher{}, fakeDeriver{}, em, Config{}, nil)

	_, err := o.StartSync(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{EventProgress, EventProgress, EventProgress, EventSourceComplete, EventProgress}, em.events)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []string
}

func (e *recordingEmitter) Emit(_ context.Context, event string, _ any) {
	e.mu.Lock()
	e.events = append(e.events, event)
	e.mu.Unlock()
}

func TestStartSync_CancelDuringSourcePauses(t *testing.T) {
	fetcher := &fakeFetcher{block: make(chan struct{})}
	defer close(fetcher.block)
	o := newTestOrchestrator([]domain.SourceDescriptor{source("a", true), source("b", true)}, newFakeStore(), fetcher)

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		results []domain.SyncResult
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		results, err := o.StartSync(ctx, Options{})
		done <- outcome{results, err}
	}()
	require.Eventually(t, func() bool { return o.Progress().CurrentSource == "a" }, time.Second, 5*time.Millisecond)
	cancel()

	var got outcome
	select {
	case got = <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not return after cancel")
	}
	require.ErrorIs(t, got.err, context.Canceled)
	require.Len(t, got.results, 1)
	assert.False(t, got.results[0].Success)

	p := o.Progress()
	assert.Equal(t, domain.StatusPaused, p.Status)
	assert.Empty(t, p.CurrentSource)
	assert.False(t, o.Running())
	assert.Equal(t, []string{"/a"}, fetcher.calls)
}

func TestStartSync_CancelDuringDelayPauses(t *testing.T) {
	fetcher := &fakeFetcher{}
	sources := []domain.SourceDescriptor{source("a", true), source("b", true)}
	o := New(sources, newFakeStore(), fetcher, fakeDeriver{}, nil, Config{Delay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	var results []domain.SyncResult
	go func() {
		var err error
		results, err = o.StartSync(ctx, Options{OnSourceComplete: func(domain.SyncResult) { cancel() }})
		done <- err
	}()

	select {
	case err := <-done:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("delay was not interrupted by cancel")
	}
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, domain.StatusPaused, o.Progress().Status)
	assert.Equal(t, []string{"/a"}, fetcher.calls)
}

func TestStartSync_SourceTimeoutBoundsSource(t *testing.T) {
	fetcher := &fakeFetcher{block: make(chan struct{}), slow: map[string]bool{"/a": true}}
	defer close(fetcher.block)
	slow := source("a", true)
	slow.Timeout = 50 * time.Millisecond
	o := newTestOrchestrator([]domain.SourceDescriptor{slow, source("b", true)}, newFakeStore(), fetcher)

	results, err := o.StartSync(context.Background(), Options{SkipFailed: true})
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.False(t, results[0].Success)
	assert.Contains(t, results[0].Error, "deadline exceeded")
	require.NotNil(t, results[0].DurationMs)
	assert.GreaterOrEqual(t, *results[0].DurationMs, int64(50))

	assert.True(t, results[1].Success, results[1].Error)
	assert.Equal(t, domain.StatusFailed, o.Progress().Status)
}
