package storage

import (
	"context"
	"hash/fnv"
	"sort"
	"sync"
	"time"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/ports"
)

const memoryShards = 32

type memoryShard struct {
	mu      sync.RWMutex
	records map[string]domain.DiscoveryRecord
}

// MemoryStore keeps records in sharded maps. Writers to different ids
// rarely share a lock; writers to the same id always do.
type MemoryStore struct {
	shards [memoryShards]*memoryShard

	runsMu sync.RWMutex
	runs   []domain.AggregationRun
}

var _ ports.Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty in-process store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{}
	for i := range s.shards {
		s.shards[i] = &memoryShard{records: map[string]domain.DiscoveryRecord{}}
	}
	return s
}

func (s *MemoryStore) shard(id string) *memoryShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(id))
	return s.shards[h.Sum32()%memoryShards]
}

// Upsert merges rec into the stored version under the shard lock.
func (s *MemoryStore) Upsert(ctx context.Context, rec domain.DiscoveryRecord) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, &domain.StoreWriteError{Op: "upsert", Cause: err}
	}
	rec.ID = domain.RecordID(rec.Key())

	sh := s.shard(rec.ID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	existing, found := sh.records[rec.ID]
	if found {
		rec = existing.MergeFrom(rec)
	}
	sh.records[rec.ID] = rec.Clone()
	return !found, nil
}

// GetByKey resolves an identity key.
func (s *MemoryStore) GetByKey(ctx context.Context, key domain.IdentityKey) (domain.DiscoveryRecord, error) {
	return s.Get(ctx, domain.RecordID(key))
}

// Get returns a copy of the record with id.
func (s *MemoryStore) Get(_ context.Context, id string) (domain.DiscoveryRecord, error) {
	sh := s.shard(id)
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	rec, ok := sh.records[id]
	if !ok {
		return domain.DiscoveryRecord{}, domain.ErrNotFound
	}
	return rec.Clone(), nil
}

// Query scans every shard and pages the ordered matches.
func (s *MemoryStore) Query(_ context.Context, filter domain.Filter) (domain.Page, error) {
	var matches []domain.DiscoveryRecord
	s.each(func(rec domain.DiscoveryRecord) {
		if filter.Matches(rec) {
			matches = append(matches, rec.Clone())
		}
	})
	return domain.Paginate(matches, filter), nil
}

// Stats counts records per category and source.
func (s *MemoryStore) Stats(_ context.Context) (domain.Stats, error) {
	st := domain.NewStats()
	s.each(st.Add)
	return st, nil
}

// MarkStale flags records of source whose last observation predates cutoff.
func (s *MemoryStore) MarkStale(_ context.Context, source domain.Source, cutoff time.Time) (int, error) {
	marked := 0
	for _, sh := range s.shards {
		sh.mu.Lock()
		for id, rec := range sh.records {
			if rec.Source == source && !rec.Stale && rec.FetchedAt.Before(cutoff) {
				rec.Stale = true
				sh.records[id] = rec
				marked++
			}
		}
		sh.mu.Unlock()
	}
	return marked, nil
}

// SaveRun appends or replaces the run with the same id.
func (s *MemoryStore) SaveRun(_ context.Context, run domain.AggregationRun) error {
	run = cloneRun(run)

	s.runsMu.Lock()
	defer s.runsMu.Unlock()
	for i := range s.runs {
		if s.runs[i].ID == run.ID {
			s.runs[i] = run
			return nil
		}
	}
	s.runs = append(s.runs, run)
	return nil
}

// LatestRun returns the most recently started run.
func (s *MemoryStore) LatestRun(ctx context.Context) (domain.AggregationRun, error) {
	runs, err := s.Runs(ctx, 1)
	if err != nil {
		return domain.AggregationRun{}, err
	}
	if len(runs) == 0 {
		return domain.AggregationRun{}, domain.ErrNotFound
	}
	return runs[0], nil
}

// Runs lists runs newest first; limit <= 0 returns all of them.
func (s *MemoryStore) Runs(_ context.Context, limit int) ([]domain.AggregationRun, error) {
	s.runsMu.RLock()
	out := make([]domain.AggregationRun, 0, len(s.runs))
	for _, run := range s.runs {
		out = append(out, cloneRun(run))
	}
	s.runsMu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.After(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the memory backend.
func (s *MemoryStore) Close(context.Context) error { return nil }

func (s *MemoryStore) each(fn func(domain.DiscoveryRecord)) {
	for _, sh := range s.shards {
		sh.mu.RLock()
		for _, rec := range sh.records {
			fn(rec)
		}
		sh.mu.RUnlock()
	}
}

func cloneRun(run domain.AggregationRun) domain.AggregationRun {
	if run.PerSourceStatus == nil {
		return run
	}
	statuses := make(map[domain.Source]domain.SourceStatus, len(run.PerSourceStatus))
	for k, v := range run.PerSourceStatus {
		statuses[k] = v
	}
	run.PerSourceStatus = statuses
	return run
}
