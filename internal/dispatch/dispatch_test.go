package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/internal/queue"
	"github.com/pitabwire/evalflow/internal/workflow"
	"github.com/pitabwire/evalflow/model"
)

// fakeStarter records start requests and returns a scripted result.
type fakeStarter struct {
	mu       sync.Mutex
	requests []workflow.StartRequest
	dup      bool
	err      error
	delay    time.Duration

	active    atomic.Int32
	maxActive atomic.Int32
}

func (f *fakeStarter) Start(ctx context.Context, req workflow.StartRequest) (workflow.StartResult, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		m := f.maxActive.Load()
		if n <= m || f.maxActive.CompareAndSwap(m, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.mu.Unlock()

	if f.err != nil {
		return workflow.StartResult{}, f.err
	}
	return workflow.StartResult{
		Execution:    model.Execution{ID: "ex-" + req.MessageID, Status: model.ExecutionStatusCompleted},
		Deduplicated: f.dup,
	}, nil
}

func (f *fakeStarter) Requests() []workflow.StartRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]workflow.StartRequest(nil), f.requests...)
}

func newTestDispatcher(t *testing.T, starter Starter, cfg config.DispatcherConfig) (*Dispatcher, *queue.MemoryQueue, *observability.Metrics) {
	t.Helper()
	q := queue.NewMemoryQueue(queue.Options{Name: "evaluation-queue", MaxReceiveCount: 2})
	t.Cleanup(func() { _ = q.Close() })
	m := observability.InitMetrics(prometheus.NewRegistry())
	if cfg.WorkflowID == "" {
		cfg.WorkflowID = "evaluation"
	}
	return New(q, starter, cfg, 10*time.Millisecond, nil, m), q, m
}

func receiveOne(t *testing.T, q *queue.MemoryQueue) model.Message {
	t.Helper()
	msgs, err := q.Receive(context.Background(), 1, 100*time.Millisecond)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	return msgs[0]
}

func TestHandleMessage_startsAndAcks(t *testing.T) {
	starter := &fakeStarter{}
	d, q, m := newTestDispatcher(t, starter, config.DispatcherConfig{})
	ctx := context.Background()

	enq, err := q.Enqueue(ctx, []byte(`{"id":"abc","input":42}`))
	require.NoError(t, err)

	require.NoError(t, d.HandleMessage(ctx, receiveOne(t, q)))

	reqs := starter.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "evaluation", reqs[0].WorkflowID)
	assert.Equal(t, enq.ID, reqs[0].MessageID)
	assert.Equal(t, "abc", reqs[0].Input.ID())

	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("evaluation", OutcomeStarted)))
}

func TestHandleMessage_duplicateIsAcked(t *testing.T) {
	d, q, m := newTestDispatcher(t, &fakeStarter{dup: true}, config.DispatcherConfig{})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, []byte(`{"id":"r1"}`))

	require.NoError(t, d.HandleMessage(ctx, receiveOne(t, q)))

	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("evaluation", OutcomeDuplicate)))
}

func TestHandleMessage_startFailureNacks(t *testing.T) {
	d, q, m := newTestDispatcher(t, &fakeStarter{err: errors.New("store unavailable")}, config.DispatcherConfig{})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, []byte(`{"id":"r1"}`))

	err := d.HandleMessage(ctx, receiveOne(t, q))
	require.Error(t, err)
	assert.True(t, model.HasCode(err, model.ErrDispatchFailed), "error = %v", err)

	assert.Equal(t, 1, q.Len(), "message should be visible for redelivery")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("evaluation", OutcomeFailed)))

	// Second delivery reaches the receive limit and is dead-lettered.
	err = d.HandleMessage(ctx, receiveOne(t, q))
	require.Error(t, err)
	assert.Len(t, q.DeadLetters(), 1)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeadLetteredTotal.WithLabelValues("evaluation-queue")))
}

func TestHandleMessage_malformedBodyReachesDeadLetter(t *testing.T) {
	starter := &fakeStarter{}
	d, q, m := newTestDispatcher(t, starter, config.DispatcherConfig{})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, []byte(`{"id":`))

	for i := 0; i < 2; i++ {
		err := d.HandleMessage(ctx, receiveOne(t, q))
		assert.True(t, model.HasCode(err, model.ErrDispatchFailed), "error = %v", err)
	}

	assert.Empty(t, starter.Requests(), "malformed messages must not start executions")
	dead := q.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, `{"id":`, string(dead[0].Body))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.DispatchesTotal.WithLabelValues("evaluation", OutcomeMalformed)))
}

func TestHandleMessage_wrapsNonObjectBody(t *testing.T) {
	starter := &fakeStarter{}
	d, q, _ := newTestDispatcher(t, starter, config.DispatcherConfig{})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, []byte(`"plain text"`))

	require.NoError(t, d.HandleMessage(ctx, receiveOne(t, q)))

	reqs := starter.Requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, model.Document{model.FieldInput: "plain text"}, reqs[0].Input)
	assert.Empty(t, q.DeadLetters())
}

func TestHandleMessage_conflictIsRedelivered(t *testing.T) {
	starter := &fakeStarter{err: model.NewConflictError("execution for this request is still being created")}
	d, q, _ := newTestDispatcher(t, starter, config.DispatcherConfig{})
	ctx := context.Background()
	_, _ = q.Enqueue(ctx, []byte(`{"id":"r1","data":"x"}`))

	err := d.HandleMessage(ctx, receiveOne(t, q))
	require.Error(t, err)

	assert.Equal(t, 1, q.Len(), "message should be visible for redelivery")
	assert.Empty(t, q.DeadLetters())

	starter.err = nil
	starter.dup = true
	require.NoError(t, d.HandleMessage(ctx, receiveOne(t, q)))
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.InFlight())
}

func TestHandleMessage_spanAttributes(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	d, q, _ := newTestDispatcher(t, &fakeStarter{}, config.DispatcherConfig{})
	ctx := context.Background()
	enq, _ := q.Enqueue(ctx, []byte(`{"id":"r1"}`))
	require.NoError(t, d.HandleMessage(ctx, receiveOne(t, q)))

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	attrs := map[attribute.Key]attribute.Value{}
	for _, kv := range spans[0].Attributes {
		attrs[kv.Key] = kv.Value
	}
	assert.Equal(t, enq.ID, attrs[observability.AttrMessageID].AsString())
	assert.Equal(t, "evaluation-queue", attrs[observability.AttrQueue].AsString())
	assert.Equal(t, int64(1), attrs[observability.AttrReceiveCount].AsInt64())
}

func TestRun_processesAllWithBoundedConcurrency(t *testing.T) {
	starter := &fakeStarter{delay: 20 * time.Millisecond}
	d, q, m := newTestDispatcher(t, starter, config.DispatcherConfig{
		Concurrency:  2,
		BatchSize:    10,
		PollInterval: time.Millisecond,
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 6; i++ {
		_, err := q.Enqueue(ctx, []byte(`{}`))
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(starter.Requests()) == 6 && q.InFlight() == 0
	}, 5*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}

	assert.LessOrEqual(t, starter.maxActive.Load(), int32(2))
	assert.Equal(t, 6.0, testutil.ToFloat64(m.MessagesReceivedTotal.WithLabelValues("evaluation-queue")))
}

func TestRun_stopsWhenQueueCloses(t *testing.T) {
	d, q, _ := newTestDispatcher(t, &fakeStarter{}, config.DispatcherConfig{PollInterval: time.Millisecond})

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, q.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop after queue close")
	}
}

func TestNew_rateLimit(t *testing.T) {
	d, _, _ := newTestDispatcher(t, &fakeStarter{}, config.DispatcherConfig{
		RateLimit: config.RateLimitConfig{RPS: 5},
	})
	require.NotNil(t, d.limiter)
	assert.Equal(t, 1, d.limiter.Burst())
	assert.Equal(t, 1, d.concurrency)
	assert.Equal(t, 1, d.batchSize)
}
