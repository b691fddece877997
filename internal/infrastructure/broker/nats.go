package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/metrics"
	"DiscoveryScanner/internal/ports"
	"DiscoveryScanner/internal/usecase"
)

const (
	serviceName    = "discovery-scanner"
	messageVersion = "1.0"
	defaultPrefix  = "discoveries"
)

// Conn is the subset of *nats.Conn the broker needs.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// Subjects derives every subject from one prefix.
type Subjects struct {
	RunCompleted  string
	RecordCreated string
	RunRequest    string
}

// NewSubjects builds <prefix>.run.completed, <prefix>.record.created
// and <prefix>.run.request.
func NewSubjects(prefix string) Subjects {
	prefix = strings.Trim(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = defaultPrefix
	}
	return Subjects{
		RunCompleted:  prefix + ".run.completed",
		RecordCreated: prefix + ".record.created",
		RunRequest:    prefix + ".run.request",
	}
}

// RunMessage is published once per persisted run.
type RunMessage struct {
	Run       domain.AggregationRun `json:"run"`
	Timestamp time.Time             `json:"timestamp"`
	Source    string                `json:"source"`
	Version   string                `json:"version"`
}

// RecordMessage is published once per newly created record.
type RecordMessage struct {
	Record    domain.DiscoveryRecord `json:"record"`
	RunID     string                 `json:"runId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Version   string                 `json:"version"`
}

// TriggerReply answers a run request once the run is over.
type TriggerReply struct {
	Accepted bool             `json:"accepted"`
	RunID    string           `json:"runId,omitempty"`
	Status   domain.RunStatus `json:"status,omitempty"`
	Error    string           `json:"error,omitempty"`
}

// Connect dials the NATS server with reconnects enabled.
func Connect(url string, logger *slog.Logger) (*nats.Conn, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	nc, err := nats.Connect(url,
		nats.Name(serviceName),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return nc, nil
}

// Publisher emits run outcomes as JSON messages.
type Publisher struct {
	conn     Conn
	subjects Subjects
	metrics  *metrics.Metrics
	logger   *slog.Logger
	clock    func() time.Time
}

var _ ports.EventPublisher = (*Publisher)(nil)

// NewPublisher wires a connection to the subject set.
func NewPublisher(conn Conn, subjects Subjects, m *metrics.Metrics, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Publisher{conn: conn, subjects: subjects, metrics: m, logger: logger, clock: time.Now}
}

// RunCompleted publishes the finished run.
func (p *Publisher) RunCompleted(ctx context.Context, run domain.AggregationRun) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := RunMessage{Run: run, Timestamp: p.clock().UTC(), Source: serviceName, Version: messageVersion}
	return p.publish(p.subjects.RunCompleted, msg)
}

// RecordsCreated publishes one message per record. Individual failures
// are logged and joined into the returned error.
func (p *Publisher) RecordsCreated(ctx context.Context, records []domain.DiscoveryRecord) error {
	var errs []error
	now := p.clock().UTC()
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		msg := RecordMessage{Record: rec, Timestamp: now, Source: serviceName, Version: messageVersion}
		if err := p.publish(p.subjects.RecordCreated, msg); err != nil {
			p.logger.Warn("publish record failed", "record_id", rec.ID, "error", err)
			errs = append(errs, err)
		}
	}
	p.logger.Debug("published created records", "count", len(records)-len(errs))
	return errors.Join(errs...)
}

func (p *Publisher) publish(subject string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", subject, err)
	}
	err = p.conn.Publish(subject, data)
	p.metrics.NatsPublished(subject, err)
	if err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// TriggerListener turns run requests into manual runs.
type TriggerListener struct {
	conn    Conn
	subject string
	runner  usecase.Runner
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
	wg  sync.WaitGroup
}

// NewTriggerListener builds a listener on subjects.RunRequest.
func NewTriggerListener(conn Conn, subjects Subjects, runner usecase.Runner, m *metrics.Metrics, logger *slog.Logger) *TriggerListener {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TriggerListener{conn: conn, subject: subjects.RunRequest, runner: runner, metrics: m, logger: logger}
}

// Start subscribes. Runs started from a message use ctx as parent.
func (l *TriggerListener) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return nil
	}
	sub, err := l.conn.Subscribe(l.subject, func(msg *nats.Msg) {
		l.handle(ctx, msg.Subject, msg.Reply)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", l.subject, err)
	}
	l.sub = sub
	l.logger.Info("listening for run requests", "subject", l.subject)
	return nil
}

// handle runs the aggregation off the subscription goroutine and replies
// when the run is over, if the request carried a reply subject.
func (l *TriggerListener) handle(ctx context.Context, subject, reply string) {
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()

		run, err := l.runner.RunNow(ctx, domain.TriggerManual)
		l.metrics.NatsReceived(subject, err)
		answer := TriggerReply{Accepted: err == nil, RunID: run.ID, Status: run.Status}
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			answer.Error = err.Error()
			l.logger.Info("run request coalesced", "subject", subject)
		case err != nil:
			answer.Error = err.Error()
			l.logger.Warn("requested run failed", "error", err)
		default:
			l.logger.Info("requested run finished", "run_id", run.ID, "status", run.Status)
		}

		if reply == "" {
			return
		}
		data, err := json.Marshal(answer)
		if err != nil {
			l.logger.Error("marshal trigger reply", "error", err)
			return
		}
		if err := l.conn.Publish(reply, data); err != nil {
			l.logger.Warn("trigger reply failed", "reply", reply, "error", err)
		}
	}()
}

// Stop unsubscribes and waits for in-flight runs until ctx expires.
func (l *TriggerListener) Stop(ctx context.Context) error {
	l.mu.Lock()
	sub := l.sub
	l.sub = nil
	l.mu.Unlock()

	if sub != nil {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			l.logger.Warn("unsubscribe failed", "subject", l.subject, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
