package usecase

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/infrastructure/storage"
	"DiscoveryScanner/internal/ports"
)

var day1 = time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)

type fakeSource struct {
	source  domain.Source
	timeout time.Duration
	fetch   func(ctx context.Context) ([]domain.RawItem, error)
}

func (f *fakeSource) Source() domain.Source  { return f.source }
func (f *fakeSource) Timeout() time.Duration { return f.timeout }

func (f *fakeSource) Fetch(ctx context.Context) ([]domain.RawItem, error) {
	return f.fetch(ctx)
}

func staticSource(src domain.Source, items ...domain.RawItem) *fakeSource {
	return &fakeSource{source: src, timeout: time.Second, fetch: func(context.Context) ([]domain.RawItem, error) {
		return items, nil
	}}
}

func failingSource(src domain.Source, err error) *fakeSource {
	return &fakeSource{source: src, timeout: time.Second, fetch: func(context.Context) ([]domain.RawItem, error) {
		return nil, err
	}}
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type recordingEvents struct {
	mu      sync.Mutex
	runs    []domain.AggregationRun
	created [][]domain.DiscoveryRecord
	err     error
}

func (r *recordingEvents) RunCompleted(_ context.Context, run domain.AggregationRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return r.err
}

func (r *recordingEvents) RecordsCreated(_ context.Context, records []domain.DiscoveryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, records)
	return r.err
}

type brokenStore struct {
	ports.Store
}

func (brokenStore) Upsert(context.Context, domain.DiscoveryRecord) (bool, error) {
	return false, errors.New("disk full")
}

func pop(v float64) *float64 { return &v }

func item(src domain.Source, id, title string, popularity float64, published time.Time) domain.RawItem {
	return domain.RawItem{
		Source:      src,
		NativeID:    id,
		Title:       title,
		Description: title + " description",
		URL:         "https://example.org/" + id,
		Popularity:  pop(popularity),
		PublishedAt: published,
	}
}

func newAggregator(t *testing.T, store ports.Store, clk *clock, sources ...ports.SourceAdapter) *Aggregator {
	t.Helper()
	return NewAggregator(AggregatorDeps{
		Sources:        sources,
		Store:          store,
		Clock:          clk.Now,
		RunOverhead:    time.Second,
		PersistTimeout: 5 * time.Second,
		StaleAfterRuns: 3,
		Interval:       24 * time.Hour,
	})
}

func TestRunNowIsIdempotent(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	clk := &clock{now: day1}
	src := staticSource(domain.SourceGitHub,
		item(domain.SourceGitHub, "octo/llm-kit", "LLM toolkit", 120, day1.Add(-time.Hour)),
		item(domain.SourceGitHub, "octo/vision", "Vision models", 80, day1.Add(-time.Hour)),
	)
	agg := newAggregator(t, store, clk, src)

	first, err := agg.RunNow(context.Background(), domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, first.Status)
	assert.Equal(t, 2, first.PerSourceStatus[domain.SourceGitHub].Created)

	clk.Set(day1.Add(time.Hour))
	second, err := agg.RunNow(context.Background(), domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, second.Status)
	assert.Equal(t, 0, second.Created())
	assert.Equal(t, 2, second.PerSourceStatus[domain.SourceGitHub].Updated)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)

	runs, err := store.Runs(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, second.ID, runs[0].ID)
	assert.Equal(t, domain.RunIdle, agg.State())
}

func TestRunNowReobservationUpdatesMutableFields(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	clk := &clock{now: day1}
	published := time.Date(2024, 4, 18, 0, 0, 0, 0, time.UTC)
	popularity := 12500.0

	src := &fakeSource{source: domain.SourceHuggingFace, timeout: time.Second, fetch: func(context.Context) ([]domain.RawItem, error) {
		return []domain.RawItem{{
			Source:      domain.SourceHuggingFace,
			NativeID:    "meta-llama/Meta-Llama-3-8B",
			Title:       "Meta-Llama-3-8B",
			Description: "text generation model for transformers",
			URL:         "https://huggingface.co/meta-llama/Meta-Llama-3-8B",
			Tags:        []string{"text-generation", "llama"},
			Popularity:  pop(popularity),
			PublishedAt: published.Add(time.Duration(popularity) * time.Second),
		}}, nil
	}}
	agg := newAggregator(t, store, clk, src)

	_, err := agg.RunNow(context.Background(), domain.TriggerSchedule)
	require.NoError(t, err)

	popularity = 13000
	clk.Set(day1.Add(24 * time.Hour))
	run, err := agg.RunNow(context.Background(), domain.TriggerSchedule)
	require.NoError(t, err)
	assert.Equal(t, 1, run.PerSourceStatus[domain.SourceHuggingFace].Updated)

	key := domain.IdentityKey{Source: domain.SourceHuggingFace, NativeID: "meta-llama/Meta-Llama-3-8B"}
	rec, err := store.GetByKey(context.Background(), key)
	require.NoError(t, err)
	require.NotNil(t, rec.Popularity)
	assert.Equal(t, 13000.0, *rec.Popularity)
	assert.Equal(t, published.Add(12500*time.Second), rec.PublishedAt)
	assert.Equal(t, day1.Add(24*time.Hour), rec.FetchedAt)
	assert.Equal(t, domain.RecordID(key), rec.ID)
}

func TestRunNowPartialFailure(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	clk := &clock{now: day1}
	agg := newAggregator(t, store, clk,
		staticSource(domain.SourceGitHub, item(domain.SourceGitHub, "octo/a", "Repo A", 1, day1)),
		staticSource(domain.SourceHuggingFace, item(domain.SourceHuggingFace, "org/model", "Model", 2, day1)),
		failingSource(domain.SourceArxiv, errors.New("503 service unavailable")),
	)

	run, err := agg.RunNow(context.Background(), domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartialFailure, run.Status)
	require.Len(t, run.PerSourceStatus, 3)

	arxiv := run.PerSourceStatus[domain.SourceArxiv]
	assert.False(t, arxiv.OK)
	assert.Contains(t, arxiv.Error, "503")
	assert.True(t, run.PerSourceStatus[domain.SourceGitHub].OK)
	assert.True(t, run.PerSourceStatus[domain.SourceHuggingFace].OK)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 0, stats.BySource[domain.SourceArxiv])

	latest, err := store.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
	assert.Equal(t, domain.RunPartialFailure, latest.Status)
}

func TestRunNowSkipsInvalidAndDuplicateItems(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	clk := &clock{now: day1}
	agg := newAggregator(t, store, clk, staticSource(domain.SourceGitHub,
		item(domain.SourceGitHub, "octo/a", "Repo A", 1, day1),
		item(domain.SourceGitHub, "octo/a", "Repo A again", 5, day1),
		item(domain.SourceGitHub, "octo/b", "", 1, day1),
	))

	run, err := agg.RunNow(context.Background(), domain.TriggerManual)
	require.NoError(t, err)

	st := run.PerSourceStatus[domain.SourceGitHub]
	assert.True(t, st.OK)
	assert.Equal(t, 3, st.ItemCount)
	assert.Equal(t, 1, st.Created)
	assert.Equal(t, 2, st.Skipped)

	rec, err := store.GetByKey(context.Background(), domain.IdentityKey{Source: domain.SourceGitHub, NativeID: "octo/a"})
	require.NoError(t, err)
	assert.Equal(t, "Repo A", rec.Title)
}

func TestRunNowCoalescesConcurrentTriggers(t *testing.T) {
	t.Parallel()

	started := make(chan struct{})
	release := make(chan struct{})
	src := &fakeSource{source: domain.SourceGitHub, timeout: 5 * time.Second, fetch: func(ctx context.Context) ([]domain.RawItem, error) {
		close(started)
		select {
		case <-release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return []domain.RawItem{item(domain.SourceGitHub, "octo/a", "Repo A", 1, day1)}, nil
	}}
	store := storage.NewMemoryStore()
	agg := newAggregator(t, store, &clock{now: day1}, src)

	done := make(chan error, 1)
	go func() {
		_, err := agg.RunNow(context.Background(), domain.TriggerSchedule)
		done <- err
	}()

	<-started
	assert.Equal(t, domain.RunRunning, agg.State())
	current, ok := agg.Current()
	require.True(t, ok)
	assert.Equal(t, domain.TriggerSchedule, current.Trigger)

	_, err := agg.RunNow(context.Background(), domain.TriggerManual)
	assert.ErrorIs(t, err, domain.ErrRunInProgress)

	close(release)
	require.NoError(t, <-done)

	runs, err := store.Runs(context.Background(), 10)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
	_, ok = agg.Current()
	assert.False(t, ok)
}

func TestRunNowAbortsOnCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	src := &fakeSource{source: domain.SourceGitHub, timeout: 5 * time.Second, fetch: func(ctx context.Context) ([]domain.RawItem, error) {
		cancel()
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	store := storage.NewMemoryStore()
	agg := newAggregator(t, store, &clock{now: day1},
		src,
		staticSource(domain.SourceArxiv, item(domain.SourceArxiv, "2501.00001", "Paper", 0, day1)),
	)

	run, err := agg.RunNow(ctx, domain.TriggerManual)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, domain.RunAborted, run.Status)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Total)
	_, err = store.LatestRun(context.Background())
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, domain.RunIdle, agg.State())
}

func TestRunNowSourceTimeoutIsIsolated(t *testing.T) {
	t.Parallel()

	slow := &fakeSource{source: domain.SourceArxiv, timeout: 20 * time.Millisecond, fetch: func(ctx context.Context) ([]domain.RawItem, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	store := storage.NewMemoryStore()
	agg := newAggregator(t, store, &clock{now: day1},
		slow,
		staticSource(domain.SourceGitHub, item(domain.SourceGitHub, "octo/a", "Repo A", 1, day1)),
	)

	run, err := agg.RunNow(context.Background(), domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartialFailure, run.Status)
	assert.False(t, run.PerSourceStatus[domain.SourceArxiv].OK)
	assert.Contains(t, run.PerSourceStatus[domain.SourceArxiv].Error, "deadline")
	assert.Equal(t, 1, run.PerSourceStatus[domain.SourceGitHub].Created)
}

func TestRunNowStoreWriteErrorFailsRun(t *testing.T) {
	t.Parallel()

	mem := storage.NewMemoryStore()
	agg := newAggregator(t, brokenStore{Store: mem}, &clock{now: day1},
		staticSource(domain.SourceGitHub, item(domain.SourceGitHub, "octo/a", "Repo A", 1, day1)),
	)

	run, err := agg.RunNow(context.Background(), domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunPartialFailure, run.Status)
	assert.Contains(t, run.Error, "disk full")
	assert.False(t, run.PerSourceStatus[domain.SourceGitHub].OK)

	latest, err := mem.LatestRun(context.Background())
	require.NoError(t, err)
	assert.Equal(t, run.ID, latest.ID)
}

func TestRunNowMarksUnseenRecordsStale(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	clk := &clock{now: day1}
	listing := []domain.RawItem{
		item(domain.SourceGitHub, "octo/a", "Repo A", 1, day1),
		item(domain.SourceGitHub, "octo/b", "Repo B", 1, day1),
	}
	src := &fakeSource{source: domain.SourceGitHub, timeout: time.Second, fetch: func(context.Context) ([]domain.RawItem, error) {
		return listing, nil
	}}
	agg := NewAggregator(AggregatorDeps{
		Sources:        []ports.SourceAdapter{src},
		Store:          store,
		Clock:          clk.Now,
		StaleAfterRuns: 1,
		Interval:       24 * time.Hour,
	})

	_, err := agg.RunNow(context.Background(), domain.TriggerSchedule)
	require.NoError(t, err)

	listing = listing[:1]
	clk.Set(day1.Add(48 * time.Hour))
	_, err = agg.RunNow(context.Background(), domain.TriggerSchedule)
	require.NoError(t, err)

	a, err := store.GetByKey(context.Background(), domain.IdentityKey{Source: domain.SourceGitHub, NativeID: "octo/a"})
	require.NoError(t, err)
	b, err := store.GetByKey(context.Background(), domain.IdentityKey{Source: domain.SourceGitHub, NativeID: "octo/b"})
	require.NoError(t, err)
	assert.False(t, a.Stale)
	assert.True(t, b.Stale)

	listing = append(listing, item(domain.SourceGitHub, "octo/b", "Repo B", 3, day1))
	clk.Set(day1.Add(72 * time.Hour))
	_, err = agg.RunNow(context.Background(), domain.TriggerSchedule)
	require.NoError(t, err)
	b, err = store.GetByKey(context.Background(), domain.IdentityKey{Source: domain.SourceGitHub, NativeID: "octo/b"})
	require.NoError(t, err)
	assert.False(t, b.Stale)
}

func TestRunNowFailedSourceKeepsRecordsFresh(t *testing.T) {
	t.Parallel()

	store := storage.NewMemoryStore()
	clk := &clock{now: day1}
	var fail bool
	src := &fakeSource{source: domain.SourceArxiv, timeout: time.Second, fetch: func(context.Context) ([]domain.RawItem, error) {
		if fail {
			return nil, errors.New("boom")
		}
		return []domain.RawItem{item(domain.SourceArxiv, "2501.00001", "Paper", 0, day1)}, nil
	}}
	agg := NewAggregator(AggregatorDeps{
		Sources:        []ports.SourceAdapter{src},
		Store:          store,
		Clock:          clk.Now,
		StaleAfterRuns: 1,
		Interval:       24 * time.Hour,
	})

	_, err := agg.RunNow(context.Background(), domain.TriggerSchedule)
	require.NoError(t, err)

	fail = true
	clk.Set(day1.Add(96 * time.Hour))
	_, err = agg.RunNow(context.Background(), domain.TriggerSchedule)
	require.NoError(t, err)

	stats, err := store.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Stale)
}

func TestRunNowPublishesEvents(t *testing.T) {
	t.Parallel()

	events := &recordingEvents{}
	store := storage.NewMemoryStore()
	agg := NewAggregator(AggregatorDeps{
		Sources: []ports.SourceAdapter{staticSource(domain.SourceGitHub,
			item(domain.SourceGitHub, "octo/a", "Repo A", 1, day1),
			item(domain.SourceGitHub, "octo/b", "Repo B", 1, day1),
		)},
		Store:  store,
		Events: events,
		Clock:  (&clock{now: day1}).Now,
	})

	first, err := agg.RunNow(context.Background(), domain.TriggerManual)
	require.NoError(t, err)
	_, err = agg.RunNow(context.Background(), domain.TriggerManual)
	require.NoError(t, err)

	events.mu.Lock()
	defer events.mu.Unlock()
	require.Len(t, events.runs, 2)
	assert.Equal(t, first.ID, events.runs[0].ID)
	require.Len(t, events.created, 1)
	assert.Len(t, events.created[0], 2)
}

func TestRunNowIgnoresPublishFailures(t *testing.T) {
	t.Parallel()

	events := &recordingEvents{err: errors.New("nats: connection closed")}
	agg := NewAggregator(AggregatorDeps{
		Sources: []ports.SourceAdapter{staticSource(domain.SourceGitHub, item(domain.SourceGitHub, "octo/a", "Repo A", 1, day1))},
		Store:   storage.NewMemoryStore(),
		Events:  events,
		Clock:   (&clock{now: day1}).Now,
	})

	run, err := agg.RunNow(context.Background(), domain.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
}

func TestRunCeiling(t *testing.T) {
	t.Parallel()

	agg := NewAggregator(AggregatorDeps{
		Sources: []ports.SourceAdapter{
			&fakeSource{source: domain.SourceGitHub, timeout: 10 * time.Second},
			&fakeSource{source: domain.SourceArxiv, timeout: 45 * time.Second},
		},
		Store:       storage.NewMemoryStore(),
		RunOverhead: 5 * time.Second,
	})
	assert.Equal(t, 50*time.Second, agg.RunCeiling())
}
