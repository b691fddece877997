package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"DiscoveryScanner/internal/domain"
)

const namespace = "discovery"

// Metrics groups every collector the service exports. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// HTTP request metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Aggregation metrics
	RunsTotal          *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	RunInProgress      prometheus.Gauge
	LastRunTime        prometheus.Gauge
	SourceItems        *prometheus.CounterVec
	SourceFailures     *prometheus.CounterVec
	SourceDuration     *prometheus.HistogramVec
	RecordsMarkedStale *prometheus.CounterVec
	RunsCoalesced      prometheus.Counter

	// NATS metrics
	NatsMessagesPublished *prometheus.CounterVec
	NatsMessagesReceived  *prometheus.CounterVec
}

// New registers the collectors with reg (prometheus.DefaultRegisterer when nil).
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Aggregation runs by trigger and final status",
			},
			[]string{"trigger", "status"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall clock duration of aggregation runs",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		RunInProgress: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "run_in_progress",
				Help:      "1 while an aggregation run is executing",
			},
		),
		LastRunTime: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time the last persisted run finished",
			},
		),
		SourceItems: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_items_total",
				Help:      "Items processed per source by outcome (created, updated, skipped)",
			},
			[]string{"source", "outcome"},
		),
		SourceFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "source_failures_total",
				Help:      "Failed source fetches",
			},
			[]string{"source"},
		),
		SourceDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "source_fetch_duration_seconds",
				Help:      "Source adapter fetch latency",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"source"},
		),
		RecordsMarkedStale: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "records_marked_stale_total",
				Help:      "Records flagged stale after a run",
			},
			[]string{"source"},
		),
		RunsCoalesced: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_coalesced_total",
				Help:      "Triggers dropped because a run was already in progress",
			},
		),
		NatsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nats_messages_published_total",
				Help:      "Total number of NATS messages published",
			},
			[]string{"subject", "status"},
		),
		NatsMessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "nats_messages_received_total",
				Help:      "Total number of NATS messages received",
			},
			[]string{"subject", "status"},
		),
	}
}

// ObserveHTTP records one served request.
func (m *Metrics) ObserveHTTP(method, path string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(elapsed.Seconds())
}

// RunStarted flips the in-progress gauge.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.RunInProgress.Set(1)
}

// RunCoalesced counts a dropped trigger.
func (m *Metrics) RunCoalesced() {
	if m == nil {
		return
	}
	m.RunsCoalesced.Inc()
}

// RunFinished records the outcome of a run, persisted or aborted.
func (m *Metrics) RunFinished(run domain.AggregationRun) {
	if m == nil {
		return
	}
	m.RunInProgress.Set(0)
	m.RunsTotal.WithLabelValues(string(run.Trigger), string(run.Status)).Inc()
	if run.FinishedAt.IsZero() {
		return
	}
	m.RunDuration.Observe(run.FinishedAt.Sub(run.StartedAt).Seconds())
	m.LastRunTime.Set(float64(run.FinishedAt.Unix()))
	for src, st := range run.PerSourceStatus {
		if !st.OK {
			m.SourceFailures.WithLabelValues(string(src)).Inc()
			continue
		}
		m.SourceItems.WithLabelValues(string(src), "created").Add(float64(st.Created))
		m.SourceItems.WithLabelValues(string(src), "updated").Add(float64(st.Updated))
		m.SourceItems.WithLabelValues(string(src), "skipped").Add(float64(st.Skipped))
	}
}

// SourceFetched records adapter latency.
func (m *Metrics) SourceFetched(src domain.Source, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.SourceDuration.WithLabelValues(string(src)).Observe(elapsed.Seconds())
}

// MarkedStale counts records flagged stale for src.
func (m *Metrics) MarkedStale(src domain.Source, n int) {
	if m == nil || n == 0 {
		return
	}
	m.RecordsMarkedStale.WithLabelValues(string(src)).Add(float64(n))
}

// NatsPublished counts an outbound message.
func (m *Metrics) NatsPublished(subject string, err error) {
	if m == nil {
		return
	}
	m.NatsMessagesPublished.WithLabelValues(subject, outcome(err)).Inc()
}

// NatsReceived counts an inbound message.
func (m *Metrics) NatsReceived(subject string, err error) {
	if m == nil {
		return
	}
	m.NatsMessagesReceived.WithLabelValues(subject, outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}
