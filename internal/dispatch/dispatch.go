// Package dispatch polls the work queue and starts one workflow execution per
// message. Messages that cannot be started are nacked so the queue's
// redelivery and dead-letter policy governs retries; the dispatcher itself
// never retries.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/internal/queue"
	"github.com/pitabwire/evalflow/internal/workflow"
	"github.com/pitabwire/evalflow/model"
)

// Dispatch outcomes recorded in metrics.
const (
	OutcomeStarted   = "started"
	OutcomeDuplicate = "duplicate"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

// Starter starts workflow executions. *workflow.Engine satisfies it.
type Starter interface {
	Start(ctx context.Context, req workflow.StartRequest) (workflow.StartResult, error)
}

// Dispatcher connects a queue to a workflow engine.
type Dispatcher struct {
	queue        queue.Queue
	starter      Starter
	workflowID   string
	concurrency  int
	batchSize    int
	waitTime     time.Duration
	pollInterval time.Duration
	limiter      *rate.Limiter
	logger       *zap.Logger
	metrics      *observability.Metrics
}

// New creates a dispatcher. waitTime is the long-poll duration passed to
// Receive.
func New(q queue.Queue, starter Starter, cfg config.DispatcherConfig, waitTime time.Duration, logger *zap.Logger, metrics *observability.Metrics) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Dispatcher{
		queue:        q,
		starter:      starter,
		workflowID:   cfg.WorkflowID,
		concurrency:  cfg.Concurrency,
		batchSize:    cfg.BatchSize,
		waitTime:     waitTime,
		pollInterval: cfg.PollInterval,
		logger:       logger.With(zap.String("queue", q.Name())),
		metrics:      metrics,
	}
	if d.workflowID == "" {
		d.workflowID = workflow.DefaultWorkflowID
	}
	if d.concurrency <= 0 {
		d.concurrency = 1
	}
	if d.batchSize <= 0 {
		d.batchSize = 1
	}
	if cfg.RateLimit.RPS > 0 {
		burst := cfg.RateLimit.Burst
		if burst <= 0 {
			burst = 1
		}
		d.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit.RPS), burst)
	}
	return d
}

// HandleMessage starts one execution for msg and acks it, or nacks it when
// the execution could not be started. A JSON object body is the input
// document; any other JSON value is wrapped under the "input" field. A body
// that is not valid JSON is nacked so it eventually reaches the dead-letter
// queue.
func (d *Dispatcher) HandleMessage(ctx context.Context, msg model.Message) error {
	ctx, span := observability.StartSpan(ctx, "dispatch.message",
		observability.AttrMessageID.String(msg.ID),
		observability.AttrQueue.String(d.queue.Name()),
		observability.AttrReceiveCount.Int(msg.ReceiveCount),
	)
	logger := d.logger.With(zap.String("message_id", msg.ID), zap.Int("receive_count", msg.ReceiveCount))

	doc, err := model.DecodeInput(msg.Body)
	if err != nil {
		logger.Warn("malformed message body", zap.Error(err))
		d.metrics.RecordDispatch(d.workflowID, OutcomeMalformed)
		err = d.reject(ctx, msg, logger, err)
		observability.EndSpanWithError(span, err)
		return err
	}

	if d.limiter != nil {
		if err := d.limiter.Wait(ctx); err != nil {
			err = d.reject(ctx, msg, logger, fmt.Errorf("dispatch rate limit: %w", err))
			observability.EndSpanWithError(span, err)
			return err
		}
	}

	res, err := d.starter.Start(ctx, workflow.StartRequest{
		WorkflowID: d.workflowID,
		MessageID:  msg.ID,
		Input:      doc,
	})
	if err != nil {
		logger.Error("start execution failed", zap.Error(err))
		d.metrics.RecordDispatch(d.workflowID, OutcomeFailed)
		err = d.reject(ctx, msg, logger, err)
		observability.EndSpanWithError(span, err)
		return err
	}

	outcome := OutcomeStarted
	if res.Deduplicated {
		outcome = OutcomeDuplicate
	}
	d.metrics.RecordDispatch(d.workflowID, outcome)
	logger.Info("message dispatched",
		zap.String("execution_id", res.Execution.ID),
		zap.String("status", res.Execution.Status),
		zap.String("outcome", outcome),
	)

	if err := d.queue.Ack(context.WithoutCancel(ctx), msg); err != nil {
		logger.Warn("ack failed, message will be redelivered", zap.Error(err))
		err = fmt.Errorf("ack message %s: %w", msg.ID, err)
		observability.EndSpanWithError(span, err)
		return err
	}
	observability.EndSpanWithError(span, nil)
	return nil
}

// reject nacks msg and returns a DISPATCH_FAILED error wrapping cause.
func (d *Dispatcher) reject(ctx context.Context, msg model.Message, logger *zap.Logger, cause error) error {
	deadLettered, err := d.queue.Nack(context.WithoutCancel(ctx), msg)
	switch {
	case err != nil:
		logger.Warn("nack failed", zap.Error(err))
	case deadLettered:
		d.metrics.RecordDeadLettered(d.queue.Name())
		logger.Warn("message moved to dead-letter queue")
	}
	return model.NewDispatchFailedError(msg.ID).WithCause(cause)
}

// Run polls the queue until ctx is cancelled or the queue is closed. At most
// the configured number of messages are handled concurrently. In-flight
// executions are allowed to finish after ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	var g errgroup.Group
	g.SetLimit(d.concurrency)
	handlerCtx := context.WithoutCancel(ctx)

	d.logger.Info("dispatcher started",
		zap.Int("concurrency", d.concurrency),
		zap.Int("batch_size", d.batchSize),
		zap.String("workflow_id", d.workflowID),
	)

	for ctx.Err() == nil {
		msgs, err := d.queue.Receive(ctx, d.batchSize, d.waitTime)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) || ctx.Err() != nil {
				break
			}
			d.logger.Warn("receive failed", zap.Error(err))
			d.sleep(ctx)
			continue
		}
		d.metrics.RecordMessagesReceived(d.queue.Name(), len(msgs))

		for _, msg := range msgs {
			g.Go(func() error {
				// Errors are logged and recorded by HandleMessage; one failed
				// message never stops the loop.
				_ = d.HandleMessage(handlerCtx, msg)
				return nil
			})
		}
		if len(msgs) == 0 {
			d.sleep(ctx)
		}
	}

	err := g.Wait()
	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) sleep(ctx context.Context) {
	if d.pollInterval <= 0 {
		return
	}
	t := time.NewTimer(d.pollInterval)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
