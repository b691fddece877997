package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"DiscoveryScanner/internal/dedupe"
	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/metrics"
	"DiscoveryScanner/internal/normalize"
	"DiscoveryScanner/internal/ports"
)

const (
	defaultRunOverhead = 30 * time.Second
	defaultPersistTime = 2 * time.Minute
)

// AggregatorDeps wires all driven adapters into the aggregation run.
type AggregatorDeps struct {
	Sources    []ports.SourceAdapter
	Store      ports.Store
	Normalizer *normalize.Normalizer
	Events     ports.EventPublisher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger
	Clock      func() time.Time

	// RunOverhead is added to the slowest source timeout to bound a run.
	RunOverhead time.Duration
	// PersistTimeout bounds the write phase, which ignores caller cancellation
	// once started so a run is either fully persisted or not at all.
	PersistTimeout time.Duration
	// Records of a source not observed for StaleAfterRuns intervals are flagged stale.
	StaleAfterRuns int
	Interval       time.Duration
}

// Aggregator fans out to every source, then normalizes, deduplicates and
// persists the results. At most one run executes at a time.
type Aggregator struct {
	sources        []ports.SourceAdapter
	store          ports.Store
	normalizer     *normalize.Normalizer
	events         ports.EventPublisher
	metrics        *metrics.Metrics
	logger         *slog.Logger
	clock          func() time.Time
	runOverhead    time.Duration
	persistTimeout time.Duration
	staleAfter     time.Duration

	running atomic.Bool
	current atomic.Pointer[domain.AggregationRun]
}

// NewAggregator constructs the orchestration component.
func NewAggregator(deps AggregatorDeps) *Aggregator {
	a := &Aggregator{
		sources:        deps.Sources,
		store:          deps.Store,
		normalizer:     deps.Normalizer,
		events:         deps.Events,
		metrics:        deps.Metrics,
		logger:         deps.Logger,
		clock:          deps.Clock,
		runOverhead:    deps.RunOverhead,
		persistTimeout: deps.PersistTimeout,
	}
	if a.normalizer == nil {
		a.normalizer = normalize.New(normalize.Options{})
	}
	if a.logger == nil {
		a.logger = slog.New(slog.DiscardHandler)
	}
	if a.clock == nil {
		a.clock = time.Now
	}
	if a.runOverhead <= 0 {
		a.runOverhead = defaultRunOverhead
	}
	if a.persistTimeout <= 0 {
		a.persistTimeout = defaultPersistTime
	}
	if deps.StaleAfterRuns > 0 && deps.Interval > 0 {
		a.staleAfter = time.Duration(deps.StaleAfterRuns) * deps.Interval
	}
	return a
}

// State reports Running while a run executes, Idle otherwise.
func (a *Aggregator) State() domain.RunStatus {
	if a.running.Load() {
		return domain.RunRunning
	}
	return domain.RunIdle
}

// Current returns a snapshot of the executing run, if any.
func (a *Aggregator) Current() (domain.AggregationRun, bool) {
	run := a.current.Load()
	if run == nil {
		return domain.AggregationRun{}, false
	}
	return *run, true
}

// RunCeiling is the wall clock bound of one run.
func (a *Aggregator) RunCeiling() time.Duration {
	var slowest time.Duration
	for _, src := range a.sources {
		if t := src.Timeout(); t > slowest {
			slowest = t
		}
	}
	return slowest + a.runOverhead
}

// PersistTimeout bounds the write phase that follows the fetch ceiling.
func (a *Aggregator) PersistTimeout() time.Duration {
	return a.persistTimeout
}

type fetchResult struct {
	source  domain.Source
	items   []domain.RawItem
	err     error
	elapsed time.Duration
}

// RunNow executes one run. A trigger arriving while another run is in
// progress is coalesced and returns ErrRunInProgress. When ctx is cancelled
// before persistence the run is aborted: nothing is written and the
// returned run has status aborted.
func (a *Aggregator) RunNow(ctx context.Context, trigger domain.Trigger) (domain.AggregationRun, error) {
	if !a.running.CompareAndSwap(false, true) {
		a.metrics.RunCoalesced()
		a.logger.Info("trigger coalesced into running run", "trigger", trigger)
		return domain.AggregationRun{}, domain.ErrRunInProgress
	}
	defer a.running.Store(false)
	defer a.current.Store(nil)

	run := domain.AggregationRun{
		ID:              uuid.NewString(),
		Trigger:         trigger,
		Status:          domain.RunRunning,
		StartedAt:       a.clock().UTC(),
		PerSourceStatus: map[domain.Source]domain.SourceStatus{},
	}
	snapshot := run
	a.current.Store(&snapshot)
	a.metrics.RunStarted()

	logger := a.logger.With("run_id", run.ID, "trigger", trigger)
	logger.Info("run started", "sources", len(a.sources))

	results := a.fetchAll(ctx, logger)

	if err := ctx.Err(); err != nil {
		run.Status = domain.RunAborted
		run.FinishedAt = a.clock().UTC()
		run.Error = err.Error()
		a.metrics.RunFinished(run)
		logger.Warn("run aborted, results discarded", "error", err)
		return run, fmt.Errorf("run %s aborted: %w", run.ID, err)
	}

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.persistTimeout)
	defer cancel()

	fetchedAt := a.clock().UTC()
	created, err := a.persist(persistCtx, &run, results, fetchedAt, logger)
	if err != nil {
		run.Error = err.Error()
		logger.Error("persistence aborted run", "error", err)
	} else {
		a.markStale(persistCtx, &run, logger)
	}

	run.Finalize(a.clock().UTC())
	if err := a.store.SaveRun(persistCtx, run); err != nil {
		a.metrics.RunFinished(run)
		return run, fmt.Errorf("save run %s: %w", run.ID, err)
	}
	a.metrics.RunFinished(run)
	logger.Info("run finished", "status", run.Status, "created", run.Created(),
		"elapsed", run.FinishedAt.Sub(run.StartedAt))

	a.publish(persistCtx, run, created, logger)
	return run, nil
}

// fetchAll invokes every adapter concurrently. Failures stay inside their
// result; nothing here cancels sibling fetches.
func (a *Aggregator) fetchAll(ctx context.Context, logger *slog.Logger) []fetchResult {
	runCtx, cancel := context.WithTimeout(ctx, a.RunCeiling())
	defer cancel()

	results := make([]fetchResult, len(a.sources))
	var g errgroup.Group
	for i, src := range a.sources {
		g.Go(func() error {
			fetchCtx := runCtx
			if t := src.Timeout(); t > 0 {
				var cancelFetch context.CancelFunc
				fetchCtx, cancelFetch = context.WithTimeout(runCtx, t)
				defer cancelFetch()
			}

			started := time.Now()
			items, err := src.Fetch(fetchCtx)
			if err != nil {
				var fetchErr *domain.SourceFetchError
				if !errors.As(err, &fetchErr) {
					err = &domain.SourceFetchError{Source: src.Source(), Cause: err}
				}
				logger.Warn("source failed", "source", src.Source(), "error", err)
			}
			results[i] = fetchResult{source: src.Source(), items: items, err: err, elapsed: time.Since(started)}
			a.metrics.SourceFetched(src.Source(), results[i].elapsed)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// persist writes every successful source concurrently; items of one source
// are applied in listing order. The first StoreWriteError cancels the rest.
func (a *Aggregator) persist(ctx context.Context, run *domain.AggregationRun, results []fetchResult,
	fetchedAt time.Time, logger *slog.Logger) ([]domain.DiscoveryRecord, error) {
	var (
		mu      sync.Mutex
		created []domain.DiscoveryRecord
	)

	for _, res := range results {
		if res.err != nil {
			run.PerSourceStatus[res.source] = domain.SourceStatus{OK: false, Error: res.err.Error()}
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, res := range results {
		if res.err != nil {
			continue
		}
		g.Go(func() error {
			status, newRecords, err := a.persistSource(gctx, res, fetchedAt, logger.With("source", res.source))
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				status.Error = err.Error()
			}
			status.OK = err == nil
			run.PerSourceStatus[res.source] = status
			created = append(created, newRecords...)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return created, err
	}
	return created, nil
}

func (a *Aggregator) persistSource(ctx context.Context, res fetchResult, fetchedAt time.Time,
	logger *slog.Logger) (domain.SourceStatus, []domain.DiscoveryRecord, error) {
	status := domain.SourceStatus{ItemCount: len(res.items)}

	records := make([]domain.DiscoveryRecord, 0, len(res.items))
	for _, item := range res.items {
		rec, err := a.normalizer.Normalize(item, fetchedAt)
		if err != nil {
			status.Skipped++
			logger.Debug("item skipped", "native_id", item.NativeID, "error", err)
			continue
		}
		records = append(records, rec)
	}
	records, dropped := dedupe.Batch(records)
	status.Skipped += dropped

	var created []domain.DiscoveryRecord
	for _, rec := range records {
		resolution, err := dedupe.Resolve(ctx, rec, a.store)
		if err != nil {
			return status, created, asStoreError("lookup", err)
		}
		isNew, err := a.store.Upsert(ctx, resolution.Record)
		if err != nil {
			return status, created, asStoreError("upsert", err)
		}
		if isNew {
			status.Created++
			created = append(created, resolution.Record)
		} else {
			status.Updated++
		}
	}
	logger.Info("source persisted", "count", len(records), "created", status.Created,
		"updated", status.Updated, "skipped", status.Skipped)
	return status, created, nil
}

// markStale flags records of every successful source not observed within
// the staleness window ending at run start.
func (a *Aggregator) markStale(ctx context.Context, run *domain.AggregationRun, logger *slog.Logger) {
	if a.staleAfter <= 0 {
		return
	}
	cutoff := run.StartedAt.Add(-a.staleAfter)
	for src, st := range run.PerSourceStatus {
		if !st.OK {
			continue
		}
		n, err := a.store.MarkStale(ctx, src, cutoff)
		if err != nil {
			logger.Warn("mark stale failed", "source", src, "error", err)
			continue
		}
		a.metrics.MarkedStale(src, n)
		if n > 0 {
			logger.Info("records marked stale", "source", src, "count", n)
		}
	}
}

func (a *Aggregator) publish(ctx context.Context, run domain.AggregationRun, created []domain.DiscoveryRecord, logger *slog.Logger) {
	if a.events == nil {
		return
	}
	if len(created) > 0 {
		if err := a.events.RecordsCreated(ctx, created); err != nil {
			logger.Warn("publish created records failed", "count", len(created), "error", err)
		}
	}
	if err := a.events.RunCompleted(ctx, run); err != nil {
		logger.Warn("publish run completed failed", "error", err)
	}
}

func asStoreError(op string, err error) error {
	var storeErr *domain.StoreWriteError
	if errors.As(err, &storeErr) {
		return err
	}
	return &domain.StoreWriteError{Op: op, Cause: err}
}
