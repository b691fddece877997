package ports

import (
	"context"
	"time"

	"DiscoveryScanner/internal/domain"
)

// SourceAdapter pulls one provider's listing within its request budget.
// Failures are reported as *domain.SourceFetchError.
type SourceAdapter interface {
	Source() domain.Source
	Timeout() time.Duration
	Fetch(ctx context.Context) ([]domain.RawItem, error)
}

// RecordLookup resolves identity keys; it is all the deduplicator needs.
type RecordLookup interface {
	GetByKey(ctx context.Context, key domain.IdentityKey) (domain.DiscoveryRecord, error)
}

// RecordStore is the durable keyed collection of discoveries.
type RecordStore interface {
	RecordLookup
	// Upsert writes rec, re-applying the merge policy atomically against
	// any concurrently stored version. It reports whether rec was new.
	Upsert(ctx context.Context, rec domain.DiscoveryRecord) (bool, error)
	Get(ctx context.Context, id string) (domain.DiscoveryRecord, error)
	Query(ctx context.Context, filter domain.Filter) (domain.Page, error)
	Stats(ctx context.Context) (domain.Stats, error)
	// MarkStale flags records of source not observed since cutoff.
	MarkStale(ctx context.Context, source domain.Source, cutoff time.Time) (int, error)
}

// RunHistory is the append-only log of aggregation runs.
type RunHistory interface {
	SaveRun(ctx context.Context, run domain.AggregationRun) error
	LatestRun(ctx context.Context) (domain.AggregationRun, error)
	Runs(ctx context.Context, limit int) ([]domain.AggregationRun, error)
}

// Store bundles records and run history behind one backend.
type Store interface {
	RecordStore
	RunHistory
	Close(ctx context.Context) error
}

// EventPublisher fans pipeline outcomes out to other services.
type EventPublisher interface {
	RunCompleted(ctx context.Context, run domain.AggregationRun) error
	RecordsCreated(ctx context.Context, records []domain.DiscoveryRecord) error
}

// Notifier streams rendered digests to Telegram or other channels.
type Notifier interface {
	PublishDigest(ctx context.Context, digest string) error
}

// Scheduler controls when pipelines execute.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
