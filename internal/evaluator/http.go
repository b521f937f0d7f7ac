package evaluator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/model"
)

// maxResponseBytes bounds the evaluator response body.
const maxResponseBytes = 10 << 20

// HTTP evaluates documents by POSTing them to a remote function. The
// response body, a JSON object, becomes the output document.
//
// 5xx responses, transport errors and an open breaker are transient; 4xx
// responses and non-object bodies wrap ErrPermanent.
type HTTP struct {
	url     string
	client  *http.Client
	breaker *Breaker
	metrics *observability.Metrics
}

// NewHTTP creates an HTTP evaluator from configuration.
func NewHTTP(cfg config.EvaluatorConfig, metrics *observability.Metrics) *HTTP {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cb := cfg.CircuitBreaker
	h := &HTTP{
		url:     cfg.URL,
		metrics: metrics,
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
	h.breaker = NewBreaker(BreakerSettings{
		FailureThreshold:   cb.FailureThreshold,
		SuccessThreshold:   cb.SuccessThreshold,
		Timeout:            cb.Timeout,
		ErrorRateThreshold: cb.ErrorRateThreshold,
		ErrorRateWindow:    cb.ErrorRateWindow,
		OnStateChange: func(s BreakerState) {
			metrics.SetEvaluatorCircuitBreakerState(h.Name(), breakerGauge(s))
		},
	})
	return h
}

// Name returns "http".
func (h *HTTP) Name() string { return "http" }

// Breaker exposes the circuit breaker for diagnostics.
func (h *HTTP) Breaker() *Breaker { return h.breaker }

// Evaluate sends doc to the remote function.
func (h *HTTP) Evaluate(ctx context.Context, doc model.Document) (Evaluation, error) {
	body, err := doc.Bytes()
	if err != nil {
		return Evaluation{}, fmt.Errorf("%w: encode input: %v", ErrPermanent, err)
	}

	var out model.Document
	err = h.breaker.Execute(func() error {
		var callErr error
		out, callErr = h.call(ctx, body)
		return callErr
	}, func(err error) bool { return !errors.Is(err, ErrPermanent) })

	switch {
	case err == nil:
		h.metrics.RecordEvaluatorRequest(h.Name(), "success")
	case errors.Is(err, ErrCircuitOpen):
		h.metrics.RecordEvaluatorRequest(h.Name(), "circuit_open")
	case errors.Is(err, ErrPermanent):
		h.metrics.RecordEvaluatorRequest(h.Name(), "rejected")
	default:
		h.metrics.RecordEvaluatorRequest(h.Name(), "error")
	}
	if err != nil {
		return Evaluation{}, err
	}
	return Evaluation{Document: out}, nil
}

func (h *HTTP) call(ctx context.Context, body []byte) (model.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	observability.InjectTraceHeaders(ctx, req.Header)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("evaluator request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("evaluator read response: %w", err)
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("evaluator returned %d", resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, fmt.Errorf("evaluator throttled (%d)", resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, fmt.Errorf("%w: evaluator returned %d: %s", ErrPermanent, resp.StatusCode, truncate(respBody, 256))
	}

	doc, err := model.DecodeDocument(respBody)
	if err != nil {
		return nil, fmt.Errorf("%w: evaluator response: %v", ErrPermanent, err)
	}
	return doc, nil
}

// breakerGauge maps a state to the gauge value: 0=closed, 1=half-open, 2=open.
func breakerGauge(s BreakerState) float64 {
	switch s {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
