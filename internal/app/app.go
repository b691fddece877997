package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"DiscoveryScanner/internal/config"
	"DiscoveryScanner/internal/digest"
	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/httpapi"
	"DiscoveryScanner/internal/infrastructure/broker"
	"DiscoveryScanner/internal/infrastructure/parser"
	"DiscoveryScanner/internal/infrastructure/scheduler"
	"DiscoveryScanner/internal/infrastructure/storage"
	"DiscoveryScanner/internal/infrastructure/telegram"
	"DiscoveryScanner/internal/logging"
	"DiscoveryScanner/internal/metrics"
	"DiscoveryScanner/internal/normalize"
	"DiscoveryScanner/internal/ports"
	"DiscoveryScanner/internal/query"
	"DiscoveryScanner/internal/scanner"
	"DiscoveryScanner/internal/usecase"
)

const (
	httpClientTimeout = 30 * time.Second
	digestPerSection  = 10
	stopGrace         = 10 * time.Second
)

// Application wires configs to use cases and lifecycle orchestration.
type Application struct {
	cfg        config.Config
	logger     *slog.Logger
	store      ports.Store
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	aggregator *usecase.Aggregator
	query      *query.Service
	digest     *digest.Builder
	notifier   *telegram.Notifier
	nc         *nats.Conn
	subjects   broker.Subjects
}

// New opens the store and builds every component named in cfg.
func New(ctx context.Context, cfg config.Config, baseLogger *slog.Logger) (*Application, error) {
	if baseLogger == nil {
		baseLogger = logging.New(cfg.Logging.Level, cfg.Logging.Format)
	}

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Driver, err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(registry)

	client := &http.Client{Timeout: httpClientTimeout}
	reg := scanner.NewRegistry()
	reg.Register(parser.NewGitHubTrendingScanner(client, baseLogger.With("component", "scanner.github")).
		InLocation(cfg.Scheduler.Location()))
	reg.Register(parser.NewHuggingFaceScanner(client, baseLogger.With("component", "scanner.huggingface")))
	reg.Register(parser.NewArxivScanner(client, baseLogger.With("component", "scanner.arxiv")))

	sources, err := parser.NewSources(reg, cfg.Sources, baseLogger.With("component", "source"))
	if err != nil {
		_ = store.Close(ctx)
		return nil, fmt.Errorf("configure sources: %w", err)
	}

	a := &Application{
		cfg:      cfg,
		logger:   baseLogger,
		store:    store,
		registry: registry,
		metrics:  m,
		subjects: broker.NewSubjects(cfg.NATS.SubjectPrefix),
		notifier: telegram.NewNotifier(cfg.Notifications.Telegram, nil),
	}

	var events ports.EventPublisher
	if cfg.NATS.URL != "" {
		nc, err := broker.Connect(cfg.NATS.URL, baseLogger.With("component", "nats"))
		if err != nil {
			baseLogger.Warn("nats unavailable, events disabled", "error", err)
		} else {
			a.nc = nc
			events = broker.NewPublisher(nc, a.subjects, m, baseLogger.With("component", "events"))
		}
	}

	a.aggregator = usecase.NewAggregator(usecase.AggregatorDeps{
		Sources: sources,
		Store:   store,
		Normalizer: normalize.New(normalize.Options{
			MaxSummaryLength: cfg.Normalizer.MaxSummaryLength,
			MaxTags:          cfg.Normalizer.MaxTags,
		}),
		Events:         events,
		Metrics:        m,
		Logger:         baseLogger.With("component", "aggregator"),
		RunOverhead:    cfg.Scheduler.RunOverhead,
		StaleAfterRuns: cfg.Scheduler.StaleAfterRuns,
		Interval:       cfg.Scheduler.Interval,
	})
	a.query = query.NewService(store)
	a.digest = digest.NewBuilder(a.query, digestPerSection)

	baseLogger.Info("application ready", "store", cfg.Database.Driver, "scanners", reg.Names(), "sources", len(sources),
		"nats", a.nc != nil, "telegram", a.notifier.Configured())
	return a, nil
}

// Query exposes the read side.
func (a *Application) Query() *query.Service {
	return a.query
}

// RunOnce executes a single manual aggregation run.
func (a *Application) RunOnce(ctx context.Context) (domain.AggregationRun, error) {
	return a.aggregator.RunNow(ctx, domain.TriggerManual)
}

// Serve starts the scheduler, the NATS trigger listener and the HTTP API,
// and blocks until ctx is cancelled or the HTTP server fails.
func (a *Application) Serve(ctx context.Context) error {
	driver := scheduler.NewIntervalScheduler(a.cfg.Scheduler.Interval, a.cfg.Scheduler.RunOnStart)
	sched := usecase.NewScheduler(driver, a.aggregator, a.logger.With("component", "scheduler"))
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	a.logger.Info("scheduler started", "interval", driver.Interval(), "run_on_start", a.cfg.Scheduler.RunOnStart,
		"ceiling", a.aggregator.RunCeiling())

	var listener *broker.TriggerListener
	if a.nc != nil {
		listener = broker.NewTriggerListener(a.nc, a.subjects, a.aggregator, a.metrics, a.logger.With("component", "trigger"))
		if err := listener.Start(ctx); err != nil {
			a.logger.Warn("run requests over nats disabled", "error", err)
			listener = nil
		}
	}

	server := httpapi.NewServer(httpapi.Deps{
		Query:       a.query,
		Digest:      a.digest,
		Runner:      a.aggregator,
		Metrics:     a.metrics,
		Gatherer:    a.registry,
		Logger:      a.logger.With("component", "http"),
		CORSOrigins: a.cfg.HTTP.CORSOrigins,
		Location:    a.cfg.Scheduler.Location(),
		BaseContext: ctx,
	})

	err := server.Run(ctx, a.cfg.HTTP.Addr)

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.aggregator.PersistTimeout()+stopGrace)
	defer cancel()
	var stopErrs []error
	if err := sched.Stop(stopCtx); err != nil {
		stopErrs = append(stopErrs, fmt.Errorf("stop scheduler: %w", err))
	}
	if listener != nil {
		if err := listener.Stop(stopCtx); err != nil {
			stopErrs = append(stopErrs, fmt.Errorf("stop trigger listener: %w", err))
		}
	}
	if err := server.WaitRuns(stopCtx); err != nil {
		stopErrs = append(stopErrs, fmt.Errorf("wait for manual runs: %w", err))
	}
	return errors.Join(append([]error{err}, stopErrs...)...)
}

// Digest builds the digest for frequency (the configured one when empty)
// and optionally sends it through Telegram.
func (a *Application) Digest(ctx context.Context, frequency string, send bool) (digest.Digest, bool, error) {
	if frequency == "" {
		frequency = a.cfg.Digest.Frequency
	}
	freq, err := digest.ParseFrequency(frequency)
	if err != nil {
		return digest.Digest{}, false, err
	}

	var categories []domain.Category
	for _, raw := range a.cfg.Digest.Categories {
		c, ok := domain.ParseCategory(raw)
		if !ok {
			a.logger.Warn("unknown digest category ignored", "category", raw)
			continue
		}
		categories = append(categories, c)
	}

	d, err := a.digest.Build(ctx, freq, categories, time.Now().In(a.cfg.Scheduler.Location()))
	if err != nil || !send {
		return d, false, err
	}
	if !a.notifier.Configured() {
		return d, false, telegram.ErrNotConfigured
	}
	sent, err := digest.Publish(ctx, a.notifier, d)
	return d, sent, err
}

// Close releases the NATS connection and the store.
func (a *Application) Close(ctx context.Context) error {
	if a.nc != nil {
		if err := a.nc.Drain(); err != nil {
			a.logger.Warn("nats drain failed", "error", err)
		}
	}
	return a.store.Close(ctx)
}
