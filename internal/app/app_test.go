package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/dispatch"
	"github.com/pitabwire/evalflow/internal/firewall"
	"github.com/pitabwire/evalflow/internal/notify"
	"github.com/pitabwire/evalflow/internal/queue"
	"github.com/pitabwire/evalflow/internal/store"
	"github.com/pitabwire/evalflow/model"
)

// testConfig returns the default configuration tuned for fast tests.
func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.Queue.WaitTime = 10 * time.Millisecond
	cfg.Queue.MaxReceiveCount = 2
	cfg.Dispatcher.PollInterval = 5 * time.Millisecond
	cfg.Workflow.StepTimeout = 2 * time.Second
	cfg.Workflow.ExecutionTimeout = 10 * time.Second
	cfg.Workflow.TimeoutCheckInterval = 50 * time.Millisecond
	cfg.Workflow.Retry.BackoffInitial = time.Millisecond
	cfg.Workflow.Retry.BackoffMax = 5 * time.Millisecond
	return cfg
}

// startApp builds the app, serves its handler and runs the workers until the
// test ends.
func startApp(t *testing.T, cfg *config.Config) (*App, *httptest.Server) {
	t.Helper()
	a, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	srv := httptest.NewServer(a.Handler)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("workers did not stop")
		}
		srv.Close()
		a.Close()
	})
	return a, srv
}

func submit(t *testing.T, srv *httptest.Server, body string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/evaluate", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "evalflow-test/1.0")

	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		MessageID string `json:"message_id"`
	}
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp.StatusCode, out.MessageID
}

func getJSON(t *testing.T, srv *httptest.Server, path string, into any) int {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, srv.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("User-Agent", "evalflow-test/1.0")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if into != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(into))
	}
	return resp.StatusCode
}

func waitForResult(t *testing.T, results store.ResultStore, id string) model.ResultRecord {
	t.Helper()
	var rec model.ResultRecord
	require.Eventually(t, func() bool {
		var err error
		rec, err = results.Get(context.Background(), id)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond, "result %s never stored", id)
	return rec
}

func TestPipeline_endToEnd(t *testing.T) {
	a, srv := startApp(t, testConfig())
	pub := a.Publisher.(*notify.MemoryPublisher)

	status, msgID := submit(t, srv, `{"id":"abc","input":42}`)
	require.Equal(t, http.StatusOK, status)
	require.NotEmpty(t, msgID)

	rec := waitForResult(t, a.Results, "abc")
	assert.Equal(t, "abc", rec.Document.ID())
	assert.Equal(t, "evaluated", rec.Document["status"])
	assert.Equal(t, []string{"abc/input.json"}, rec.Artifacts)

	art, err := a.Artifacts.Get(context.Background(), "abc/input.json")
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"abc","input":42}`, string(art.Data))

	require.Eventually(t, func() bool { return len(pub.Published()) == 1 }, 5*time.Second, 10*time.Millisecond)
	n := pub.Published()[0]
	assert.Equal(t, rec.ExecutionID, n.ExecutionID)
	assert.Equal(t, "abc", n.Body.ID())

	var desc model.ExecutionDescriptor
	require.Eventually(t, func() bool {
		return getJSON(t, srv, "/executions/"+rec.ExecutionID, &desc) == http.StatusOK &&
			desc.Status == model.ExecutionStatusCompleted
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, msgID, desc.MessageID)
	assert.Equal(t, model.StateDone, desc.CurrentState)
	assert.NotEmpty(t, desc.History)
	assert.Contains(t, desc.Document, "publish")

	var got model.ResultRecord
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/results/abc", &got))
	assert.Equal(t, rec.ExecutionID, got.ExecutionID)

	q := a.Queue.(*queue.MemoryQueue)
	assert.Equal(t, 0, q.Len())
	assert.Equal(t, 0, q.InFlight())
}

func TestPipeline_duplicateSubmissionRunsOnce(t *testing.T) {
	a, srv := startApp(t, testConfig())
	pub := a.Publisher.(*notify.MemoryPublisher)

	_, first := submit(t, srv, `{"id":"r1","v":1}`)
	_, second := submit(t, srv, `{"id":"r1","v":1}`)
	assert.NotEqual(t, first, second, "each submission gets its own message id")

	waitForResult(t, a.Results, "r1")
	require.Eventually(t, func() bool {
		dispatched := testutil.ToFloat64(a.Metrics.DispatchesTotal.WithLabelValues("evaluation", dispatch.OutcomeStarted)) +
			testutil.ToFloat64(a.Metrics.DispatchesTotal.WithLabelValues("evaluation", dispatch.OutcomeDuplicate))
		return dispatched == 2
	}, 5*time.Second, 10*time.Millisecond)

	assert.Len(t, pub.Published(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.DispatchesTotal.WithLabelValues("evaluation", dispatch.OutcomeDuplicate)))
}

func TestPipeline_emptyObjectKeyedByExecution(t *testing.T) {
	a, srv := startApp(t, testConfig())
	results := a.Results.(*store.MemoryResultStore)

	status, _ := submit(t, srv, `{}`)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool { return len(results.IDs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	id := results.IDs()[0]
	rec := waitForResult(t, a.Results, id)
	assert.Equal(t, id, rec.ExecutionID, "a document without id is keyed by its execution id")
}

func TestPipeline_nonObjectBodyIsWrapped(t *testing.T) {
	a, srv := startApp(t, testConfig())
	results := a.Results.(*store.MemoryResultStore)

	status, _ := submit(t, srv, `[1,2,3]`)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool { return len(results.IDs()) == 1 }, 5*time.Second, 10*time.Millisecond)
	rec := waitForResult(t, a.Results, results.IDs()[0])
	echoed, err := json.Marshal(rec.Document["input"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"input":[1,2,3]}`, string(echoed), "the evaluator sees the body under the input field")
}

func TestPipeline_rejectsInvalidJSON(t *testing.T) {
	a, srv := startApp(t, testConfig())

	status, _ := submit(t, srv, `{"id":`)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, 0, a.Queue.(*queue.MemoryQueue).Len())
}

func TestPipeline_preflight(t *testing.T) {
	_, srv := startApp(t, testConfig())

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/evaluate", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://console.example.com")
	req.Header.Set("Access-Control-Request-Method", "POST")
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestPipeline_malformedMessageIsDeadLettered(t *testing.T) {
	a, _ := startApp(t, testConfig())
	q := a.Queue.(*queue.MemoryQueue)

	_, err := q.Enqueue(context.Background(), []byte(`not json`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(q.DeadLetters()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, `not json`, string(q.DeadLetters()[0].Body))
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.DeadLetteredTotal.WithLabelValues("evaluation-queue")))
}

func TestPipeline_stepTimeoutFailsExecution(t *testing.T) {
	var calls atomic.Int32
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer slow.Close()

	cfg := testConfig()
	cfg.Evaluator.Driver = "http"
	cfg.Evaluator.URL = slow.URL
	cfg.Evaluator.Timeout = 5 * time.Second
	cfg.Workflow.StepTimeout = 50 * time.Millisecond
	cfg.Workflow.Retry.MaxAttempts = 2
	a, srv := startApp(t, cfg)

	status, _ := submit(t, srv, `{"id":"slow"}`)
	require.Equal(t, http.StatusOK, status)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(a.Metrics.WorkflowCompletionsTotal.WithLabelValues("evaluation", model.ExecutionStatusFailed)) == 1
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Metrics.WorkflowStepRetriesTotal.WithLabelValues("evaluation", model.StateEvaluating)))
	_, err := a.Results.Get(context.Background(), "slow")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Empty(t, a.Publisher.(*notify.MemoryPublisher).Published())
	// The message itself was processed: failures are recorded, not redelivered.
	assert.Empty(t, a.Queue.(*queue.MemoryQueue).DeadLetters())
}

func TestPipeline_firewallModes(t *testing.T) {
	const attack = `{"id":"fw","q":"<script>alert(1)</script>"}`

	t.Run("count", func(t *testing.T) {
		a, srv := startApp(t, testConfig())
		status, _ := submit(t, srv, attack)
		assert.Equal(t, http.StatusOK, status)
		waitForResult(t, a.Results, "fw")
		assert.Equal(t, 1.0, testutil.ToFloat64(
			a.Metrics.FirewallMatchesTotal.WithLabelValues("CommonRuleSet", "CrossSiteScripting_BODY", firewall.ModeCount)))
	})

	t.Run("block", func(t *testing.T) {
		cfg := testConfig()
		cfg.Firewall.Mode = firewall.ModeBlock
		a, srv := startApp(t, cfg)
		status, _ := submit(t, srv, attack)
		assert.Equal(t, http.StatusForbidden, status)
		assert.Equal(t, 0, a.Queue.(*queue.MemoryQueue).Len())
	})
}

func TestPipeline_readiness(t *testing.T) {
	_, srv := startApp(t, testConfig())

	var body struct {
		Status string                    `json:"status"`
		Checks map[string]map[string]any `json:"checks"`
	}
	require.Equal(t, http.StatusOK, getJSON(t, srv, "/readyz", &body))
	assert.Contains(t, body.Checks, "queue")
	assert.Contains(t, body.Checks, "idempotency")
}

func TestPipeline_redisBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Redis.Addr = mr.Addr()
	cfg.Queue.Driver = "redis"
	cfg.Notify.Driver = "redis"
	cfg.Idempotency.Driver = "redis"
	a, srv := startApp(t, cfg)

	status, _ := submit(t, srv, `{"id":"red","input":1}`)
	require.Equal(t, http.StatusOK, status)

	rec := waitForResult(t, a.Results, "red")
	assert.Equal(t, []string{"red/input.json"}, rec.Artifacts)
	_, isRedis := a.Queue.(*queue.RedisQueue)
	assert.True(t, isRedis, "queue = %T", a.Queue)
	assert.Greater(t, len(mr.Keys()), 0, "redis backends were never written")
}

func TestNew_unsupportedDrivers(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"queue", func(c *config.Config) { c.Queue.Driver = "kafka" }, "unsupported queue driver"},
		{"results", func(c *config.Config) { c.Results.Driver = "mongo" }, "unsupported result store driver"},
		{"artifacts", func(c *config.Config) { c.Artifacts.Driver = "gcs" }, "unsupported artifact store driver"},
		{"notify", func(c *config.Config) { c.Notify.Driver = "nats" }, "unsupported notify driver"},
		{"evaluator", func(c *config.Config) { c.Evaluator.Driver = "lambda" }, "unknown evaluator driver"},
		{"postgres without dsn", func(c *config.Config) {
			c.Workflow.Store.Driver = "postgres"
			c.Workflow.Store.DSNEnv = "EVALFLOW_TEST_UNSET_DSN"
		}, "EVALFLOW_TEST_UNSET_DSN"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := New(context.Background(), cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
