package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/internal/queue"
	"github.com/pitabwire/evalflow/internal/store"
	"github.com/pitabwire/evalflow/model"
)

// --- Test helpers ---

// failingQueue rejects every enqueue with err.
type failingQueue struct {
	queue.Queue
	err error
}

func (q *failingQueue) Enqueue(context.Context, []byte) (model.Message, error) {
	return model.Message{}, q.err
}

func (q *failingQueue) Name() string { return "failing-queue" }

// fakeExecutions serves a fixed set of descriptors.
type fakeExecutions map[string]model.ExecutionDescriptor

func (f fakeExecutions) Get(_ context.Context, id string) (model.ExecutionDescriptor, error) {
	desc, ok := f[id]
	if !ok {
		return model.ExecutionDescriptor{}, model.NewNotFoundError("execution " + id + " not found")
	}
	return desc, nil
}

func newMemoryQueue(t *testing.T) *queue.MemoryQueue {
	t.Helper()
	q := queue.NewMemoryQueue(queue.Options{Name: "evaluation-queue", MaxReceiveCount: 3})
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func postEvaluate(h http.Handler, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r := httptest.NewRequest("POST", "/evaluate", strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(w, r)
	return w
}

func gatewayConfig() config.GatewayConfig {
	return config.GatewayConfig{Enabled: true, MaxBodyBytes: 64}
}

// --- POST /evaluate ---

func TestHandleEvaluate_enqueuesRawBody(t *testing.T) {
	q := newMemoryQueue(t)
	m := observability.InitMetrics(prometheus.NewRegistry())
	h := handleEvaluate(q, gatewayConfig(), nil, m)

	body := `{"id":"abc",  "input":42}`
	w := postEvaluate(h, body)

	if w.Code != 200 {
		t.Fatalf("status = %d, want 200; body = %s", w.Code, w.Body.String())
	}
	var resp SubmitResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.MessageID == "" {
		t.Fatal("message_id is empty")
	}

	msgs, err := q.Receive(context.Background(), 10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("Receive: %v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("queued = %d, want 1", len(msgs))
	}
	if msgs[0].ID != resp.MessageID {
		t.Errorf("queued id = %s, response id = %s", msgs[0].ID, resp.MessageID)
	}
	if !bytes.Equal(msgs[0].Body, []byte(body)) {
		t.Errorf("queued body = %q, want verbatim %q", msgs[0].Body, body)
	}
	if got := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues(SubmissionAccepted)); got != 1 {
		t.Errorf("accepted submissions = %v, want 1", got)
	}
}

func TestHandleEvaluate_emptyObjectIsValid(t *testing.T) {
	q := newMemoryQueue(t)
	w := postEvaluate(handleEvaluate(q, gatewayConfig(), nil, nil), `{}`)

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
}

func TestHandleEvaluate_acceptsAnyJSONValue(t *testing.T) {
	for _, body := range []string{`[1,2]`, `"text"`, `42`, `null`, `true`} {
		t.Run(body, func(t *testing.T) {
			q := newMemoryQueue(t)
			w := postEvaluate(handleEvaluate(q, gatewayConfig(), nil, nil), body)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			msgs, err := q.Receive(context.Background(), 1, 0)
			if err != nil || len(msgs) != 1 {
				t.Fatalf("Receive() = %v, %v", msgs, err)
			}
			if string(msgs[0].Body) != body {
				t.Errorf("queued body = %q, want verbatim %q", msgs[0].Body, body)
			}
		})
	}
}

func TestHandleEvaluate_rejectsInvalidJSON(t *testing.T) {
	for _, body := range []string{`{"id":`, ``, `not json`, `{"a":1}{"b":2}`} {
		t.Run(body, func(t *testing.T) {
			q := newMemoryQueue(t)
			w := postEvaluate(handleEvaluate(q, gatewayConfig(), nil, nil), body)

			if w.Code != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", w.Code)
			}
			if ee := decodeError(t, w); ee.Code != model.ErrSubmissionRejected {
				t.Errorf("code = %s, want SUBMISSION_REJECTED", ee.Code)
			}
			if q.Len() != 0 {
				t.Error("rejected body was enqueued")
			}
		})
	}
}

func TestHandleEvaluate_payloadTooLarge(t *testing.T) {
	q := newMemoryQueue(t)
	m := observability.InitMetrics(prometheus.NewRegistry())
	body := `{"blob":"` + strings.Repeat("x", 100) + `"}`

	w := postEvaluate(handleEvaluate(q, gatewayConfig(), nil, m), body)

	if w.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("status = %d, want 413", w.Code)
	}
	if ee := decodeError(t, w); ee.Code != model.ErrPayloadTooLarge {
		t.Errorf("code = %s", ee.Code)
	}
	if q.Len() != 0 {
		t.Error("oversized body was enqueued")
	}
	if got := testutil.ToFloat64(m.SubmissionsTotal.WithLabelValues(SubmissionTooLarge)); got != 1 {
		t.Errorf("too_large submissions = %v, want 1", got)
	}
}

func TestHandleEvaluate_queueThrottled(t *testing.T) {
	q := &failingQueue{err: queue.ErrThrottled}
	w := postEvaluate(handleEvaluate(q, gatewayConfig(), nil, nil), `{"id":"r1"}`)

	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "1" {
		t.Errorf("Retry-After = %q, want 1", w.Header().Get("Retry-After"))
	}
	if ee := decodeError(t, w); ee.Code != model.ErrEnqueueThrottled {
		t.Errorf("code = %s", ee.Code)
	}
}

func TestHandleEvaluate_queueFailure(t *testing.T) {
	q := &failingQueue{err: errors.New("connection reset")}
	w := postEvaluate(handleEvaluate(q, gatewayConfig(), nil, nil), `{"id":"r1"}`)

	if w.Code != http.StatusBadGateway {
		t.Errorf("status = %d, want 502", w.Code)
	}
	ee := decodeError(t, w)
	if ee.Code != model.ErrSubmissionRejected {
		t.Errorf("code = %s", ee.Code)
	}
	if strings.Contains(ee.Message, "connection reset") {
		t.Errorf("backend error leaked to client: %q", ee.Message)
	}
}

func TestHandleEvaluate_gatewayRateLimit(t *testing.T) {
	q := newMemoryQueue(t)
	cfg := gatewayConfig()
	cfg.RateLimit = config.RateLimitConfig{RPS: 0.5, Burst: 1}
	h := handleEvaluate(q, cfg, nil, nil)

	if w := postEvaluate(h, `{}`); w.Code != 200 {
		t.Fatalf("first status = %d, want 200", w.Code)
	}
	w := postEvaluate(h, `{}`)
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("second status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") != "2" {
		t.Errorf("Retry-After = %q, want 2", w.Header().Get("Retry-After"))
	}
	if q.Len() != 1 {
		t.Errorf("queue length = %d, want 1", q.Len())
	}
}

// --- GET /executions/{executionId} ---

func TestHandleGetExecution(t *testing.T) {
	execs := fakeExecutions{
		"ex-1": {
			Execution: model.Execution{ID: "ex-1", Status: model.ExecutionStatusCompleted, CurrentState: model.StateDone},
			History:   []model.ExecutionEvent{{ID: "e1", Event: model.EventStateEntered}},
		},
	}
	r := chi.NewRouter()
	r.Get("/executions/{executionId}", handleGetExecution(execs))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/executions/ex-1", nil))
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got model.ExecutionDescriptor
	json.NewDecoder(w.Body).Decode(&got)
	if got.ID != "ex-1" || len(got.History) != 1 {
		t.Errorf("descriptor = %+v", got)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/executions/missing", nil))
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

// --- GET /results/{id} ---

func TestHandleGetResult(t *testing.T) {
	results := store.NewMemoryResultStore()
	_ = results.Put(context.Background(), model.ResultRecord{
		ID:          "abc",
		ExecutionID: "ex-1",
		Document:    model.Document{"id": "abc", "input": json.Number("42")},
	})
	r := chi.NewRouter()
	r.Get("/results/{id}", handleGetResult(results))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/results/abc", nil))
	if w.Code != 200 {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var rec model.ResultRecord
	json.NewDecoder(w.Body).Decode(&rec)
	if rec.ExecutionID != "ex-1" || rec.Document["id"] != "abc" {
		t.Errorf("record = %+v", rec)
	}

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/results/nope", nil))
	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if ee := decodeError(t, w); ee.Code != model.ErrNotFound {
		t.Errorf("code = %s", ee.Code)
	}
}
