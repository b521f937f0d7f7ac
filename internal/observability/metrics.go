package observability

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	stepDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}
	bodySizeBuckets     = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments for the pipeline. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Gateway metrics
	SubmissionsTotal     *prometheus.CounterVec
	FirewallMatchesTotal *prometheus.CounterVec

	// Queue and dispatch metrics
	MessagesReceivedTotal *prometheus.CounterVec
	DispatchesTotal       *prometheus.CounterVec
	DeadLetteredTotal     *prometheus.CounterVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	WorkflowStepDuration     *prometheus.HistogramVec
	WorkflowStepRetriesTotal *prometheus.CounterVec
	WorkflowTimeoutsTotal    *prometheus.CounterVec

	// Downstream metrics
	EvaluatorRequestsTotal       *prometheus.CounterVec
	EvaluatorCircuitBreakerState *prometheus.GaugeVec
	PublishesTotal               *prometheus.CounterVec
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evalflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evalflow_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evalflow_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_submissions_total",
			Help: "Total number of evaluation submissions by outcome.",
		}, []string{"outcome"}),
		FirewallMatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_firewall_matches_total",
			Help: "Total number of firewall rule matches.",
		}, []string{"rule_set", "rule", "action"}),

		MessagesReceivedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_queue_messages_received_total",
			Help: "Total number of messages received from the work queue.",
		}, []string{"queue"}),
		DispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_dispatches_total",
			Help: "Total number of dispatched messages by outcome.",
		}, []string{"workflow_id", "outcome"}),
		DeadLetteredTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_queue_dead_lettered_total",
			Help: "Total number of messages moved to the dead-letter queue.",
		}, []string{"queue"}),

		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_workflow_starts_total",
			Help: "Total number of workflow executions started.",
		}, []string{"workflow_id"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_workflow_completions_total",
			Help: "Total number of workflow executions reaching a terminal state.",
		}, []string{"workflow_id", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evalflow_workflow_active_instances",
			Help: "Number of running workflow executions.",
		}, []string{"workflow_id"}),
		WorkflowStepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "evalflow_workflow_step_duration_seconds",
			Help:    "Workflow step duration in seconds.",
			Buckets: stepDurationBuckets,
		}, []string{"workflow_id", "state"}),
		WorkflowStepRetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_workflow_step_retries_total",
			Help: "Total number of workflow step retries.",
		}, []string{"workflow_id", "state"}),
		WorkflowTimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_workflow_timeouts_total",
			Help: "Total number of workflow executions failed by timeout.",
		}, []string{"workflow_id"}),

		EvaluatorRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_evaluator_requests_total",
			Help: "Total number of evaluator invocations.",
		}, []string{"evaluator", "status"}),
		EvaluatorCircuitBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "evalflow_evaluator_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"evaluator"}),
		PublishesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "evalflow_notify_publishes_total",
			Help: "Total number of notification publishes.",
		}, []string{"channel", "status"}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		m.SubmissionsTotal,
		m.FirewallMatchesTotal,
		m.MessagesReceivedTotal,
		m.DispatchesTotal,
		m.DeadLetteredTotal,
		m.WorkflowStartsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.WorkflowStepDuration,
		m.WorkflowStepRetriesTotal,
		m.WorkflowTimeoutsTotal,
		m.EvaluatorRequestsTotal,
		m.EvaluatorCircuitBreakerState,
		m.PublishesTotal,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// RecordSubmission records a gateway submission outcome.
func (m *Metrics) RecordSubmission(outcome string) {
	if m == nil {
		return
	}
	m.SubmissionsTotal.WithLabelValues(outcome).Inc()
}

// RecordFirewallMatch records a firewall rule match.
func (m *Metrics) RecordFirewallMatch(ruleSet, rule, action string) {
	if m == nil {
		return
	}
	m.FirewallMatchesTotal.WithLabelValues(ruleSet, rule, action).Inc()
}

// RecordMessagesReceived records a batch received from a queue.
func (m *Metrics) RecordMessagesReceived(queue string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.MessagesReceivedTotal.WithLabelValues(queue).Add(float64(n))
}

// RecordDispatch records the outcome of dispatching one message.
func (m *Metrics) RecordDispatch(workflowID, outcome string) {
	if m == nil {
		return
	}
	m.DispatchesTotal.WithLabelValues(workflowID, outcome).Inc()
}

// RecordDeadLettered records a message moved to the dead-letter queue.
func (m *Metrics) RecordDeadLettered(queue string) {
	if m == nil {
		return
	}
	m.DeadLetteredTotal.WithLabelValues(queue).Inc()
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(workflowID).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Inc()
}

// RecordWorkflowCompletion records a workflow reaching a terminal status.
func (m *Metrics) RecordWorkflowCompletion(workflowID, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(workflowID, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(workflowID).Dec()
}

// RecordWorkflowStepDuration records the duration of a workflow step.
func (m *Metrics) RecordWorkflowStepDuration(workflowID, state string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowStepDuration.WithLabelValues(workflowID, state).Observe(duration.Seconds())
}

// RecordWorkflowStepRetry records a workflow step retry.
func (m *Metrics) RecordWorkflowStepRetry(workflowID, state string) {
	if m == nil {
		return
	}
	m.WorkflowStepRetriesTotal.WithLabelValues(workflowID, state).Inc()
}

// RecordWorkflowTimeout records a workflow execution timeout.
func (m *Metrics) RecordWorkflowTimeout(workflowID string) {
	if m == nil {
		return
	}
	m.WorkflowTimeoutsTotal.WithLabelValues(workflowID).Inc()
}

// RecordEvaluatorRequest records an evaluator invocation.
func (m *Metrics) RecordEvaluatorRequest(evaluator, status string) {
	if m == nil {
		return
	}
	m.EvaluatorRequestsTotal.WithLabelValues(evaluator, status).Inc()
}

// SetEvaluatorCircuitBreakerState sets the circuit breaker state.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetEvaluatorCircuitBreakerState(evaluator string, state float64) {
	if m == nil {
		return
	}
	m.EvaluatorCircuitBreakerState.WithLabelValues(evaluator).Set(state)
}

// RecordPublish records a notification publish.
func (m *Metrics) RecordPublish(channel, status string) {
	if m == nil {
		return
	}
	m.PublishesTotal.WithLabelValues(channel, status).Inc()
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}
		m.RecordHTTPRequest(r.Method, routePattern(r), sw.status, time.Since(start), reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	w.written = true
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}
