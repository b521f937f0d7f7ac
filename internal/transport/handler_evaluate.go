package transport

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/internal/queue"
	"github.com/pitabwire/evalflow/model"
)

// DefaultMaxBodyBytes bounds a submission body when the gateway config
// leaves it unset.
const DefaultMaxBodyBytes int64 = 256 << 10

// Submission outcomes recorded in metrics.
const (
	SubmissionAccepted  = "accepted"
	SubmissionRejected  = "rejected"
	SubmissionTooLarge  = "too_large"
	SubmissionThrottled = "throttled"
	SubmissionFailed    = "enqueue_failed"
)

// retryAfterThrottled is advertised when the queue itself throttles.
const retryAfterThrottled = time.Second

// SubmitResponse is the body of a successful POST /evaluate.
type SubmitResponse struct {
	MessageID string `json:"message_id"`
}

// handleEvaluate accepts any valid JSON body and enqueues it verbatim.
// Shaping the body into a workflow document is left to the dispatcher.
func handleEvaluate(q queue.Queue, cfg config.GatewayConfig, logger *zap.Logger, metrics *observability.Metrics) http.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	maxBody := cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	var limiter *rate.Limiter
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = int(math.Max(1, math.Ceil(cfg.RateLimit.RPS)))
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}

	return func(w http.ResponseWriter, r *http.Request) {
		log := observability.RequestLogger(r.Context(), logger)

		if limiter != nil {
			if !limiter.Allow() {
				metrics.RecordSubmission(SubmissionThrottled)
				writeThrottled(w, r, time.Duration(float64(time.Second)/cfg.RateLimit.RPS))
				return
			}
		}

		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				metrics.RecordSubmission(SubmissionTooLarge)
				WriteError(w, withTraceID(r, model.NewPayloadTooLargeError(maxBody)))
				return
			}
			metrics.RecordSubmission(SubmissionRejected)
			WriteError(w, withTraceID(r, model.NewSubmissionRejectedError("request body could not be read")))
			return
		}

		if !json.Valid(body) {
			metrics.RecordSubmission(SubmissionRejected)
			WriteError(w, withTraceID(r, model.NewSubmissionRejectedError("request body must be valid JSON")))
			return
		}

		msg, err := q.Enqueue(r.Context(), body)
		if err != nil {
			if errors.Is(err, queue.ErrThrottled) {
				log.Warn("enqueue throttled", zap.String("queue", q.Name()))
				metrics.RecordSubmission(SubmissionThrottled)
				writeThrottled(w, r, retryAfterThrottled)
				return
			}
			log.Error("enqueue failed", zap.String("queue", q.Name()), zap.Error(err))
			metrics.RecordSubmission(SubmissionFailed)
			ee, _ := model.AsEnvelope(withTraceID(r, model.NewSubmissionRejectedError("the work queue rejected the submission")))
			WriteErrorStatus(w, http.StatusBadGateway, ee)
			return
		}

		log.Info("submission accepted",
			zap.String("message_id", msg.ID),
			zap.Int("bytes", len(body)),
		)
		metrics.RecordSubmission(SubmissionAccepted)
		WriteJSON(w, http.StatusOK, SubmitResponse{MessageID: msg.ID})
	}
}

func writeThrottled(w http.ResponseWriter, r *http.Request, after time.Duration) {
	secs := int(math.Ceil(after.Seconds()))
	if secs < 1 {
		secs = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(secs))
	WriteError(w, withTraceID(r, model.NewEnqueueThrottledError()))
}
