package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DiscoveryScanner/internal/config"
	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/ports"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func popularity(v float64) *float64 { return &v }

func record(src domain.Source, id string, published time.Time, category domain.Category, tags ...string) domain.DiscoveryRecord {
	key := domain.IdentityKey{Source: src, NativeID: id}
	return domain.DiscoveryRecord{
		ID:          domain.RecordID(key),
		Source:      src,
		NativeID:    id,
		Title:       "Title " + id,
		Summary:     "summary of " + id,
		URL:         "https://example.org/" + id,
		Category:    category,
		Tags:        tags,
		PublishedAt: published,
		FetchedAt:   base,
	}
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) ports.Store { return NewMemoryStore() })
}

func TestSQLiteStore(t *testing.T) {
	t.Parallel()
	runStoreSuite(t, func(t *testing.T) ports.Store {
		path := filepath.Join(t.TempDir(), "discoveries.db")
		store, err := Open(context.Background(), config.DatabaseConfig{Driver: config.DriverSQLite, DSN: path})
		require.NoError(t, err)
		t.Cleanup(func() { _ = store.Close(context.Background()) })
		return store
	})
}

func TestPostgresStore(t *testing.T) {
	dsn := os.Getenv("DISCOVERY_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("DISCOVERY_TEST_POSTGRES_DSN not set")
	}
	runStoreSuite(t, func(t *testing.T) ports.Store {
		store, err := OpenSQL(context.Background(), Postgres, dsn)
		require.NoError(t, err)
		for _, table := range []string{tagsTable, discoveriesTable, runsTable} {
			_, err := store.db.Exec("DELETE FROM " + table)
			require.NoError(t, err)
		}
		t.Cleanup(func() { _ = store.Close(context.Background()) })
		return store
	})
}

func TestMongoStore(t *testing.T) {
	uri := os.Getenv("DISCOVERY_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("DISCOVERY_TEST_MONGO_URI not set")
	}
	runStoreSuite(t, func(t *testing.T) ports.Store {
		ctx := context.Background()
		name := fmt.Sprintf("discovery_test_%s", uuid.NewString()[:8])
		store, err := OpenMongo(ctx, uri, name)
		require.NoError(t, err)
		t.Cleanup(func() {
			_ = store.client.Database(name).Drop(ctx)
			_ = store.Close(ctx)
		})
		return store
	})
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "cassandra"})
	require.Error(t, err)
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) ports.Store) {
	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := record(domain.SourceArxiv, "2501.00001", base, domain.CategoryLLM, "cs.ai", "llm")
		rec.Popularity = popularity(10)

		created, err := store.Upsert(ctx, rec)
		require.NoError(t, err)
		assert.True(t, created)

		first, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)

		created, err = store.Upsert(ctx, rec)
		require.NoError(t, err)
		assert.False(t, created)

		second, err := store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, first, second)
		assert.Equal(t, []string{"cs.ai", "llm"}, second.Tags)
		assert.Equal(t, 10.0, *second.Popularity)
		assert.True(t, second.PublishedAt.Equal(base))
	})

	t.Run("UpsertMergesMutableFields", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		rec := record(domain.SourceHuggingFace, "meta-llama/Llama-3-8B", base, domain.CategoryLLM, "old")
		rec.Popularity = popularity(12500)
		_, err := store.Upsert(ctx, rec)
		require.NoError(t, err)

		_, err = store.MarkStale(ctx, domain.SourceHuggingFace, base.Add(time.Hour))
		require.NoError(t, err)

		update := rec
		update.ID = ""
		update.Popularity = popularity(13000)
		update.PublishedAt = base.AddDate(0, 1, 0)
		update.FetchedAt = base.Add(24 * time.Hour)
		update.Tags = []string{"new", "text-generation"}
		update.ImageURL = "https://img.example.org/llama.png"

		created, err := store.Upsert(ctx, update)
		require.NoError(t, err)
		assert.False(t, created)

		got, err := store.GetByKey(ctx, rec.Key())
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, 13000.0, *got.Popularity)
		assert.True(t, got.PublishedAt.Equal(base), "publishedAt must keep the first observation")
		assert.True(t, got.FetchedAt.Equal(update.FetchedAt))
		assert.Equal(t, []string{"new", "text-generation"}, got.Tags)
		assert.Equal(t, update.ImageURL, got.ImageURL)
		assert.False(t, got.Stale)

		older := update
		older.FetchedAt = base
		_, err = store.Upsert(ctx, older)
		require.NoError(t, err)
		got, err = store.Get(ctx, rec.ID)
		require.NoError(t, err)
		assert.True(t, got.FetchedAt.Equal(update.FetchedAt), "fetchedAt must not move back")
	})

	t.Run("GetMissing", func(t *testing.T) {
		store := newStore(t)
		_, err := store.Get(context.Background(), "missing")
		assert.ErrorIs(t, err, domain.ErrNotFound)
		_, err = store.GetByKey(context.Background(), domain.IdentityKey{Source: domain.SourceGitHub, NativeID: "x/y"})
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("QueryFiltersAndOrder", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		records := []domain.DiscoveryRecord{
			record(domain.SourceGitHub, "a/vision", base, domain.CategoryComputerVision, "python"),
			record(domain.SourceGitHub, "b/llm", base, domain.CategoryLLM, "python", "llm"),
			record(domain.SourceArxiv, "2501.1", base.Add(-48*time.Hour), domain.CategoryLLM, "cs.cl"),
			record(domain.SourceHuggingFace, "c/whisper", base.Add(24*time.Hour), domain.CategoryAudioAI, "audio"),
		}
		records[2].Summary = "A study of 100% sparse_attention transformers"
		for _, rec := range records {
			_, err := store.Upsert(ctx, rec)
			require.NoError(t, err)
		}

		page, err := store.Query(ctx, domain.Filter{})
		require.NoError(t, err)
		require.Len(t, page.Records, 4)
		assert.Equal(t, 4, page.Total)
		assert.Equal(t, "c/whisper", page.Records[0].NativeID)
		tied := []string{page.Records[1].ID, page.Records[2].ID}
		assert.True(t, tied[0] < tied[1], "ties are ordered by id ascending")
		assert.Equal(t, "2501.1", page.Records[3].NativeID)

		page, err = store.Query(ctx, domain.Filter{Categories: []domain.Category{domain.CategoryLLM}})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)

		page, err = store.Query(ctx, domain.Filter{Sources: []domain.Source{domain.SourceGitHub}, Tags: []string{"LLM", "missing"}})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, "b/llm", page.Records[0].NativeID)
		assert.Equal(t, []string{"python", "llm"}, page.Records[0].Tags)

		page, err = store.Query(ctx, domain.Filter{PublishedFrom: base, PublishedTo: base})
		require.NoError(t, err)
		assert.Equal(t, 2, page.Total)

		page, err = store.Query(ctx, domain.Filter{Text: "100% SPARSE_attention"})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, "2501.1", page.Records[0].NativeID)

		page, err = store.Query(ctx, domain.Filter{Text: "100%x"})
		require.NoError(t, err)
		assert.Empty(t, page.Records)

		page, err = store.Query(ctx, domain.Filter{Limit: 3, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, page.Records, 2)
		assert.Equal(t, 3, page.Limit)
		assert.False(t, page.HasMore)

		page, err = store.Query(ctx, domain.Filter{Limit: 1})
		require.NoError(t, err)
		assert.True(t, page.HasMore)
	})

	t.Run("StatsAndStaleness", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		old := record(domain.SourceGitHub, "old/repo", base, domain.CategoryCode)
		old.FetchedAt = base.Add(-96 * time.Hour)
		fresh := record(domain.SourceGitHub, "fresh/repo", base, domain.CategoryCode)
		paper := record(domain.SourceArxiv, "2501.2", base, domain.CategoryNLP)
		paper.FetchedAt = base.Add(-96 * time.Hour)
		for _, rec := range []domain.DiscoveryRecord{old, fresh, paper} {
			_, err := store.Upsert(ctx, rec)
			require.NoError(t, err)
		}

		marked, err := store.MarkStale(ctx, domain.SourceGitHub, base.Add(-72*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, marked)

		marked, err = store.MarkStale(ctx, domain.SourceGitHub, base.Add(-72*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 0, marked, "already stale records are not counted again")

		stale := true
		page, err := store.Query(ctx, domain.Filter{Stale: &stale})
		require.NoError(t, err)
		require.Len(t, page.Records, 1)
		assert.Equal(t, "old/repo", page.Records[0].NativeID)

		st, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 3, st.Total)
		assert.Equal(t, 1, st.Stale)
		assert.Equal(t, 2, st.ByCategory[domain.CategoryCode])
		assert.Equal(t, 1, st.ByCategory[domain.CategoryNLP])
		assert.Equal(t, 0, st.ByCategory[domain.CategoryRobotics])
		assert.Equal(t, 2, st.BySource[domain.SourceGitHub])
		assert.Equal(t, 0, st.BySource[domain.SourceHuggingFace])
	})

	t.Run("RunHistory", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		_, err := store.LatestRun(ctx)
		assert.ErrorIs(t, err, domain.ErrNotFound)

		for i := 0; i < 3; i++ {
			run := domain.AggregationRun{
				ID:        fmt.Sprintf("run-%d", i),
				Trigger:   domain.TriggerSchedule,
				Status:    domain.RunCompleted,
				StartedAt: base.Add(time.Duration(i) * time.Hour),
				PerSourceStatus: map[domain.Source]domain.SourceStatus{
					domain.SourceGitHub: {OK: true, ItemCount: i, Created: i},
				},
			}
			run.FinishedAt = run.StartedAt.Add(time.Minute)
			require.NoError(t, store.SaveRun(ctx, run))
		}

		latest, err := store.LatestRun(ctx)
		require.NoError(t, err)
		assert.Equal(t, "run-2", latest.ID)
		assert.Equal(t, 2, latest.PerSourceStatus[domain.SourceGitHub].Created)
		assert.True(t, latest.FinishedAt.Equal(base.Add(2*time.Hour+time.Minute)))

		latest.Status = domain.RunPartialFailure
		latest.Error = "store unavailable"
		require.NoError(t, store.SaveRun(ctx, latest))

		runs, err := store.Runs(ctx, 2)
		require.NoError(t, err)
		require.Len(t, runs, 2)
		assert.Equal(t, "run-2", runs[0].ID)
		assert.Equal(t, domain.RunPartialFailure, runs[0].Status)
		assert.Equal(t, "store unavailable", runs[0].Error)
		assert.Equal(t, "run-1", runs[1].ID)

		all, err := store.Runs(ctx, 0)
		require.NoError(t, err)
		assert.Len(t, all, 3)
	})

	t.Run("ConcurrentUpserts", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		var created atomic.Int32
		var wg sync.WaitGroup
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				same := record(domain.SourceGitHub, "same/repo", base, domain.CategoryCode)
				same.Popularity = popularity(float64(i))
				isNew, err := store.Upsert(ctx, same)
				assert.NoError(t, err)
				if isNew {
					created.Add(1)
				}
				other := record(domain.SourceGitHub, fmt.Sprintf("repo/%d", i), base, domain.CategoryCode)
				_, err = store.Upsert(ctx, other)
				assert.NoError(t, err)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), created.Load(), "exactly one writer creates the record")
		st, err := store.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 17, st.Total)
	})
}
