package broker

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/metrics"
)

type published struct {
	subject string
	data    []byte
}

type fakeConn struct {
	mu       sync.Mutex
	messages []published
	handlers map[string]nats.MsgHandler
	err      error
	sent     chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{handlers: map[string]nats.MsgHandler{}, sent: make(chan struct{}, 16)}
}

func (c *fakeConn) Publish(subject string, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.messages = append(c.messages, published{subject: subject, data: data})
	c.sent <- struct{}{}
	return nil
}

func (c *fakeConn) Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[subject] = cb
	return nil, nil
}

func (c *fakeConn) snapshot() []published {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]published(nil), c.messages...)
}

type stubRunner struct {
	run domain.AggregationRun
	err error
}

func (r stubRunner) RunNow(context.Context, domain.Trigger) (domain.AggregationRun, error) {
	return r.run, r.err
}

func TestNewSubjects(t *testing.T) {
	t.Parallel()

	s := NewSubjects("ai.")
	assert.Equal(t, "ai.run.completed", s.RunCompleted)
	assert.Equal(t, "ai.record.created", s.RecordCreated)
	assert.Equal(t, "ai.run.request", s.RunRequest)
	assert.Equal(t, "discoveries.run.completed", NewSubjects(" ").RunCompleted)
}

func TestPublisherEncodesMessages(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	m := metrics.New(prometheus.NewRegistry())
	p := NewPublisher(conn, NewSubjects("discoveries"), m, nil)
	fixed := time.Date(2025, 6, 1, 6, 0, 0, 0, time.UTC)
	p.clock = func() time.Time { return fixed }

	run := domain.AggregationRun{ID: "run-1", Trigger: domain.TriggerSchedule, Status: domain.RunCompleted}
	require.NoError(t, p.RunCompleted(context.Background(), run))
	require.NoError(t, p.RecordsCreated(context.Background(), []domain.DiscoveryRecord{
		{ID: "a", Source: domain.SourceGitHub, NativeID: "octo/a", Title: "A"},
		{ID: "b", Source: domain.SourceArxiv, NativeID: "2501.00001", Title: "B"},
	}))

	msgs := conn.snapshot()
	require.Len(t, msgs, 3)
	assert.Equal(t, "discoveries.run.completed", msgs[0].subject)

	var runMsg RunMessage
	require.NoError(t, json.Unmarshal(msgs[0].data, &runMsg))
	assert.Equal(t, "run-1", runMsg.Run.ID)
	assert.Equal(t, fixed, runMsg.Timestamp)
	assert.Equal(t, serviceName, runMsg.Source)

	var recMsg RecordMessage
	require.NoError(t, json.Unmarshal(msgs[2].data, &recMsg))
	assert.Equal(t, "discoveries.record.created", msgs[2].subject)
	assert.Equal(t, "2501.00001", recMsg.Record.NativeID)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.NatsMessagesPublished.WithLabelValues("discoveries.record.created", "success")))
}

func TestPublisherJoinsErrors(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	conn.err = nats.ErrConnectionClosed
	p := NewPublisher(conn, NewSubjects(""), nil, nil)

	err := p.RecordsCreated(context.Background(), []domain.DiscoveryRecord{{ID: "a"}, {ID: "b"}})
	require.Error(t, err)
	assert.ErrorIs(t, err, nats.ErrConnectionClosed)
	assert.ErrorIs(t, p.RunCompleted(context.Background(), domain.AggregationRun{}), nats.ErrConnectionClosed)
}

func TestTriggerListenerReplies(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name     string
		runner   stubRunner
		accepted bool
		errPart  string
	}{
		{
			name:     "run finished",
			runner:   stubRunner{run: domain.AggregationRun{ID: "run-7", Status: domain.RunCompleted}},
			accepted: true,
		},
		{
			name:    "coalesced",
			runner:  stubRunner{err: domain.ErrRunInProgress},
			errPart: "already in progress",
		},
		{
			name:    "failed",
			runner:  stubRunner{err: errors.New("store down")},
			errPart: "store down",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			conn := newFakeConn()
			subjects := NewSubjects("discoveries")
			l := NewTriggerListener(conn, subjects, tc.runner, nil, nil)
			require.NoError(t, l.Start(context.Background()))

			cb := conn.handlers[subjects.RunRequest]
			require.NotNil(t, cb)
			cb(&nats.Msg{Subject: subjects.RunRequest, Reply: "_INBOX.reply"})

			select {
			case <-conn.sent:
			case <-time.After(2 * time.Second):
				t.Fatalf("no reply published")
			}
			require.NoError(t, l.Stop(context.Background()))

			msgs := conn.snapshot()
			require.Len(t, msgs, 1)
			assert.Equal(t, "_INBOX.reply", msgs[0].subject)

			var reply TriggerReply
			require.NoError(t, json.Unmarshal(msgs[0].data, &reply))
			assert.Equal(t, tc.accepted, reply.Accepted)
			if tc.errPart != "" {
				assert.Contains(t, reply.Error, tc.errPart)
			} else {
				assert.Equal(t, "run-7", reply.RunID)
			}
		})
	}
}

func TestTriggerListenerWithoutReply(t *testing.T) {
	t.Parallel()

	conn := newFakeConn()
	subjects := NewSubjects("discoveries")
	l := NewTriggerListener(conn, subjects, stubRunner{}, nil, nil)
	require.NoError(t, l.Start(context.Background()))

	conn.handlers[subjects.RunRequest](&nats.Msg{Subject: subjects.RunRequest})
	require.NoError(t, l.Stop(context.Background()))
	assert.Empty(t, conn.snapshot())
}
