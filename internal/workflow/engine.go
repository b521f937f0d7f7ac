// Package workflow runs the evaluation state machine: Evaluating, Persisting,
// Publishing, then Done, with Failed reachable from every step.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/evalflow/internal/config"
	"github.com/pitabwire/evalflow/internal/evaluator"
	"github.com/pitabwire/evalflow/internal/idempotency"
	"github.com/pitabwire/evalflow/internal/notify"
	"github.com/pitabwire/evalflow/internal/observability"
	"github.com/pitabwire/evalflow/internal/store"
	"github.com/pitabwire/evalflow/model"
)

// DefaultWorkflowID is the identifier of the evaluation workflow.
const DefaultWorkflowID = "evaluation"

// errExecutionTimeout is the cancellation cause of an execution that ran past
// its ExpiresAt.
var errExecutionTimeout = errors.New("execution timed out")

// Dependencies holds the collaborators the engine drives.
type Dependencies struct {
	Store       ExecutionStore
	Evaluator   evaluator.Evaluator
	Results     store.ResultStore
	Artifacts   store.ArtifactStore
	Publisher   notify.Publisher
	Idempotency idempotency.Store // nil disables dedupe
	Logger      *zap.Logger
	Metrics     *observability.Metrics
}

// Options tunes the engine.
type Options struct {
	StepTimeout      time.Duration
	ExecutionTimeout time.Duration
	Retry            config.RetryConfig
	IdempotencyTTL   time.Duration
	// ClaimGrace is how long a claim whose execution is not yet recorded is
	// left to its owner before another delivery may take the key.
	ClaimGrace   time.Duration
	RedactFields []string
}

// OptionsFromConfig builds Options from workflow and idempotency settings.
func OptionsFromConfig(wf config.WorkflowConfig, idem config.IdempotencyConfig) Options {
	return Options{
		StepTimeout:      wf.StepTimeout,
		ExecutionTimeout: wf.ExecutionTimeout,
		Retry:            wf.Retry,
		IdempotencyTTL:   idem.TTL,
		ClaimGrace:       idem.ClaimGrace,
		RedactFields:     wf.RedactFields,
	}
}

// StartRequest describes one execution to start.
type StartRequest struct {
	WorkflowID string
	MessageID  string
	Input      model.Document
}

// StartResult is the outcome of Start. Deduplicated is true when the input
// was already claimed by a running or completed execution, in which case
// Execution is that execution and nothing new was started.
type StartResult struct {
	Execution    model.Execution
	Deduplicated bool
}

// Engine manages the lifecycle of evaluation executions.
type Engine struct {
	deps Dependencies
	opts Options
	now  func() time.Time
}

// NewEngine creates a new workflow engine.
func NewEngine(deps Dependencies, opts Options) *Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if opts.StepTimeout <= 0 {
		opts.StepTimeout = 30 * time.Second
	}
	if opts.ExecutionTimeout <= 0 {
		opts.ExecutionTimeout = 5 * time.Minute
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.ClaimGrace <= 0 {
		opts.ClaimGrace = 30 * time.Second
	}
	return &Engine{
		deps: deps,
		opts: opts,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

// Start creates an execution for the input document and runs it to a
// terminal state. A failed execution is not an error: the returned execution
// carries status failed and its StepError. Start returns an error only when
// the execution could not be started or recorded.
func (e *Engine) Start(ctx context.Context, req StartRequest) (StartResult, error) {
	if req.WorkflowID == "" {
		req.WorkflowID = DefaultWorkflowID
	}
	if req.WorkflowID != DefaultWorkflowID {
		return StartResult{}, model.NewNotFoundError(
			fmt.Sprintf("workflow %q not found", req.WorkflowID),
		)
	}
	if req.Input == nil {
		req.Input = model.Document{}
	}

	// 1. Claim the idempotency key, or reuse the execution that owns it.
	executionID := uuid.New().String()
	key := idempotency.Key(req.Input)
	if e.deps.Idempotency != nil {
		existing, dup, err := e.claim(ctx, key, executionID)
		if err != nil {
			return StartResult{}, err
		}
		if dup {
			e.deps.Logger.Info("duplicate request, reusing execution",
				zap.String("execution_id", existing.ID),
				zap.String("message_id", req.MessageID),
				zap.String("status", existing.Status),
			)
			return StartResult{Execution: existing, Deduplicated: true}, nil
		}
	}

	// 2. Create the execution in the initial state.
	now := e.now()
	expiresAt := now.Add(e.opts.ExecutionTimeout)
	exec := model.Execution{
		ID:             executionID,
		WorkflowID:     req.WorkflowID,
		RequestID:      req.Input.ID(),
		IdempotencyKey: key,
		MessageID:      req.MessageID,
		CurrentState:   model.StateEvaluating,
		Status:         model.ExecutionStatusRunning,
		Input:          req.Input.Clone(),
		Document:       req.Input.Clone(),
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
		ExpiresAt:      &expiresAt,
	}
	if err := e.deps.Store.Create(ctx, exec); err != nil {
		e.releaseClaim(ctx, key, executionID)
		return StartResult{}, fmt.Errorf("create execution: %w", err)
	}
	e.deps.Metrics.RecordWorkflowStart(exec.WorkflowID)

	// 3. Run to completion within the execution deadline.
	exec, err := e.run(ctx, exec)
	if err != nil {
		return StartResult{Execution: exec}, err
	}
	return StartResult{Execution: exec}, nil
}

// claim takes the idempotency key for executionID. When another execution
// owns the key and is running or completed, that execution is returned with
// dup set. An owner whose execution is not recorded yet keeps the key for
// ClaimGrace; until then claim returns a CONFLICT so the message is
// redelivered later. A failed owner, or one past the grace period, gives up
// the key and the claim is retried once.
func (e *Engine) claim(ctx context.Context, key, executionID string) (model.Execution, bool, error) {
	for attempt := 0; attempt < 2; attempt++ {
		owner, claimed, err := e.deps.Idempotency.Claim(ctx, key, executionID, e.opts.IdempotencyTTL)
		if err != nil {
			return model.Execution{}, false, fmt.Errorf("claim idempotency key: %w", err)
		}
		if claimed {
			return model.Execution{}, false, nil
		}

		existing, err := e.deps.Store.Get(ctx, owner.ExecutionID)
		switch {
		case err == nil && existing.Status != model.ExecutionStatusFailed:
			return existing, true, nil
		case err != nil && !model.HasCode(err, model.ErrNotFound):
			return model.Execution{}, false, fmt.Errorf("load owning execution: %w", err)
		case err != nil && e.now().Sub(owner.ClaimedAt) < e.opts.ClaimGrace:
			return model.Execution{}, false, model.NewConflictError("execution for this request is still being created")
		}
		if err := e.deps.Idempotency.Release(ctx, key, owner.ExecutionID); err != nil {
			return model.Execution{}, false, fmt.Errorf("release idempotency key: %w", err)
		}
	}
	return model.Execution{}, false, model.NewConflictError("idempotency key is contended")
}

func (e *Engine) releaseClaim(ctx context.Context, key, executionID string) {
	if e.deps.Idempotency == nil || key == "" {
		return
	}
	if err := e.deps.Idempotency.Release(context.WithoutCancel(ctx), key, executionID); err != nil {
		e.deps.Logger.Warn("release idempotency key failed",
			zap.String("execution_id", executionID), zap.Error(err))
	}
}

// Get returns an execution with its event history.
func (e *Engine) Get(ctx context.Context, executionID string) (model.ExecutionDescriptor, error) {
	exec, err := e.deps.Store.Get(ctx, executionID)
	if err != nil {
		return model.ExecutionDescriptor{}, err
	}
	events, err := e.deps.Store.GetEvents(ctx, executionID)
	if err != nil {
		return model.ExecutionDescriptor{}, err
	}
	if events == nil {
		events = []model.ExecutionEvent{}
	}
	return model.ExecutionDescriptor{Execution: exec, History: events}, nil
}

// ProcessTimeouts finds running executions past their deadline and fails
// them. Executions that progress concurrently are skipped.
func (e *Engine) ProcessTimeouts(ctx context.Context) error {
	expired, err := e.deps.Store.FindExpired(ctx, e.now())
	if err != nil {
		return fmt.Errorf("find expired executions: %w", err)
	}

	for _, exec := range expired {
		if err := e.processTimeout(ctx, exec); err != nil {
			// Log and continue processing other executions.
			observability.ExecutionLogger(e.deps.Logger, &exec).Warn("timeout processing failed", zap.Error(err))
			continue
		}
	}
	return nil
}

func (e *Engine) processTimeout(ctx context.Context, exec model.Execution) error {
	e.deps.Metrics.RecordWorkflowTimeout(exec.WorkflowID)
	_, err := e.fail(ctx, exec, exec.CurrentState, model.NewStepTimeoutError(exec.CurrentState).WithCause(errExecutionTimeout), true)
	if model.HasCode(err, model.ErrConflict) {
		return nil
	}
	return err
}

// stepFunc executes one state against the execution and reports the next
// state. It may modify exec.Document.
type stepFunc func(ctx context.Context, exec *model.Execution, scratch *runScratch) (next string, err error)

// runScratch carries step outputs that are not part of the document.
type runScratch struct {
	artifacts []evaluator.NamedArtifact
}

func (e *Engine) step(state string) stepFunc {
	switch state {
	case model.StateEvaluating:
		return e.evaluate
	case model.StatePersisting:
		return e.persist
	case model.StatePublishing:
		return e.publish
	default:
		return nil
	}
}

// run executes steps until a terminal state is reached.
func (e *Engine) run(parent context.Context, exec model.Execution) (model.Execution, error) {
	ctx, cancel := context.WithDeadlineCause(parent, *exec.ExpiresAt, errExecutionTimeout)
	defer cancel()

	ctx, span := observability.StartSpan(ctx, "workflow.execution",
		observability.AttrWorkflowID.String(exec.WorkflowID),
		observability.AttrExecutionID.String(exec.ID),
		observability.AttrRequestID.String(exec.RequestID),
		observability.AttrChannel.String(e.deps.Publisher.Channel()),
	)
	logger := observability.ExecutionLogger(e.deps.Logger, &exec)
	logger.Info("execution started")

	scratch := &runScratch{}
	for !exec.Terminal() {
		state := exec.CurrentState
		fn := e.step(state)
		if fn == nil {
			exec, err := e.fail(ctx, exec, state, model.NewStepFailedError(state).WithCause(fmt.Errorf("unknown state")), false)
			observability.EndSpanWithError(span, err)
			return exec, err
		}

		e.appendEvent(ctx, exec.ID, state, model.EventStateEntered, nil, "")
		start := time.Now()
		next, stepErr := e.retryStep(ctx, &exec, state, fn, scratch)
		e.deps.Metrics.RecordWorkflowStepDuration(exec.WorkflowID, state, time.Since(start))

		if stepErr != nil {
			if parent.Err() != nil {
				// Shutdown or caller cancellation: release the request so a
				// redelivery can start over.
				logger.Warn("execution aborted", zap.String("state", state), zap.Error(stepErr))
				exec, err := e.fail(ctx, exec, state, model.NewStepFailedError(state).WithCause(parent.Err()), false)
				if err == nil {
					err = fmt.Errorf("execution aborted: %w", parent.Err())
				}
				observability.EndSpanWithError(span, err)
				return exec, err
			}
			timedOut := errors.Is(context.Cause(ctx), errExecutionTimeout)
			if timedOut {
				e.deps.Metrics.RecordWorkflowTimeout(exec.WorkflowID)
			}
			exec, err := e.fail(ctx, exec, state, classify(state, stepErr, timedOut), timedOut)
			logger.Warn("execution failed", zap.String("state", state), zap.Error(stepErr))
			observability.EndSpanWithError(span, err)
			return exec, err
		}

		e.appendEvent(ctx, exec.ID, state, model.EventStateCompleted, nil, "")
		exec.CurrentState = next
		if next == model.StateDone {
			exec.Status = model.ExecutionStatusCompleted
			exec.ExpiresAt = nil
		}
		if err := e.save(ctx, &exec); err != nil {
			if model.HasCode(err, model.ErrConflict) {
				// Someone else (the timeout reaper) finished the execution.
				latest, getErr := e.deps.Store.Get(context.WithoutCancel(ctx), exec.ID)
				if getErr == nil {
					exec = latest
					observability.EndSpanWithError(span, nil)
					return exec, nil
				}
			}
			observability.EndSpanWithError(span, err)
			return exec, err
		}
	}

	e.appendEvent(ctx, exec.ID, model.StateDone, model.EventExecutionCompleted, nil, "")
	e.deps.Metrics.RecordWorkflowCompletion(exec.WorkflowID, exec.Status)
	logger.Info("execution completed")
	observability.EndSpanWithError(span, nil)
	return exec, nil
}

// retryStep runs fn with a per-attempt timeout, retrying transient errors with
// exponential backoff. Errors wrapping evaluator.ErrPermanent fail fast.
func (e *Engine) retryStep(ctx context.Context, exec *model.Execution, state string, fn stepFunc, scratch *runScratch) (string, error) {
	ctx, span := observability.StartSpan(ctx, "workflow.step."+state,
		observability.AttrExecutionID.String(exec.ID),
		observability.AttrState.String(state),
	)

	var next string
	attempt := 0
	op := func() error {
		attempt++
		stepCtx, cancel := context.WithTimeout(ctx, e.opts.StepTimeout)
		defer cancel()

		// Each attempt starts from the document the step was entered with.
		working := *exec
		working.Document = exec.Document.Clone()
		n, err := fn(stepCtx, &working, scratch)
		if err == nil {
			exec.Document = working.Document
			next = n
			return nil
		}
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(stepCtx.Err(), context.DeadlineExceeded) {
			err = &stepTimeoutError{state: state, err: err}
		}
		if errors.Is(err, evaluator.ErrPermanent) || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}

	onRetry := func(err error, wait time.Duration) {
		e.deps.Metrics.RecordWorkflowStepRetry(exec.WorkflowID, state)
		e.appendEvent(ctx, exec.ID, state, model.EventStateRetried,
			map[string]any{"attempt": attempt, "error": err.Error(), "backoff": wait.String()}, "")
		observability.ExecutionLogger(e.deps.Logger, exec).Info("retrying step",
			zap.String("state", state),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
	}

	err := backoff.RetryNotify(op, e.newBackOff(ctx), onRetry)
	span.SetAttributes(observability.AttrAttempt.Int(attempt))
	observability.EndSpanWithError(span, err)
	return next, err
}

func (e *Engine) newBackOff(ctx context.Context) backoff.BackOff {
	r := e.opts.Retry
	b := backoff.NewExponentialBackOff()
	if r.BackoffInitial > 0 {
		b.InitialInterval = r.BackoffInitial
	}
	if r.BackoffMultiplier > 0 {
		b.Multiplier = r.BackoffMultiplier
	}
	if r.BackoffMax > 0 {
		b.MaxInterval = r.BackoffMax
	}
	b.MaxElapsedTime = 0
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(r.MaxAttempts-1)), ctx)
}

type stepTimeoutError struct {
	state string
	err   error
}

func (t *stepTimeoutError) Error() string {
	return fmt.Sprintf("state %q exceeded step timeout: %v", t.state, t.err)
}

func (t *stepTimeoutError) Unwrap() error { return t.err }

// classify maps a step error to the envelope recorded on the execution.
func classify(state string, err error, executionTimedOut bool) *model.ErrorEnvelope {
	var st *stepTimeoutError
	if executionTimedOut || errors.As(err, &st) {
		return model.NewStepTimeoutError(state).WithCause(err)
	}
	return model.NewStepFailedError(state).WithCause(err)
}

// evaluate runs the compute step. Its output replaces the document; a
// missing id is carried over from the input.
func (e *Engine) evaluate(ctx context.Context, exec *model.Execution, scratch *runScratch) (string, error) {
	ev, err := e.deps.Evaluator.Evaluate(ctx, exec.Document.Clone())
	if err != nil {
		return "", err
	}
	out := ev.Document
	if out == nil {
		out = model.Document{}
	}
	if _, ok := out[model.FieldID]; !ok {
		if id := exec.Document.ID(); id != "" {
			out[model.FieldID] = id
		}
	}
	exec.Document = out
	scratch.artifacts = ev.Artifacts
	return model.StatePersisting, nil
}

// persist writes artifacts under the record id, then the result record.
func (e *Engine) persist(ctx context.Context, exec *model.Execution, scratch *runScratch) (string, error) {
	recordID := exec.Document.ID()
	if recordID == "" {
		recordID = exec.ID
	}

	keys := make([]string, 0, len(scratch.artifacts))
	for _, a := range scratch.artifacts {
		key := path.Join(recordID, a.Name)
		if err := e.deps.Artifacts.Put(ctx, model.Artifact{Key: key, ContentType: a.ContentType, Data: a.Data}); err != nil {
			return "", fmt.Errorf("put artifact %q: %w", key, err)
		}
		keys = append(keys, key)
	}
	if len(keys) > 0 {
		refs := make([]any, len(keys))
		for i, k := range keys {
			refs[i] = k
		}
		exec.Document[model.FieldArtifacts] = refs
	}

	rec := model.ResultRecord{
		ID:          recordID,
		ExecutionID: exec.ID,
		Document:    exec.Document.Clone(),
		Artifacts:   keys,
	}
	if len(keys) == 0 {
		rec.Artifacts = nil
	}
	if err := e.deps.Results.Put(ctx, rec); err != nil {
		return "", fmt.Errorf("put result %q: %w", recordID, err)
	}
	return model.StatePublishing, nil
}

// publish sends the whole document to the notification channel and records
// the receipt under the publish field.
func (e *Engine) publish(ctx context.Context, exec *model.Execution, _ *runScratch) (string, error) {
	subject := "evaluation " + exec.ID
	if id := exec.Document.ID(); id != "" {
		subject = "evaluation " + id
	}
	receipt, err := e.deps.Publisher.Publish(ctx, model.Notification{
		ExecutionID: exec.ID,
		Subject:     subject,
		Body:        exec.Document.Clone(),
	})
	if err != nil {
		e.deps.Metrics.RecordPublish(e.deps.Publisher.Channel(), "error")
		return "", fmt.Errorf("publish: %w", err)
	}
	e.deps.Metrics.RecordPublish(e.deps.Publisher.Channel(), "success")
	exec.Document[model.FieldPublish] = receipt.AsDocument()
	return model.StateDone, nil
}

// fail moves the execution to Failed, recording the error on the document
// and the execution, and releases its idempotency claim.
func (e *Engine) fail(ctx context.Context, exec model.Execution, state string, env *model.ErrorEnvelope, timedOut bool) (model.Execution, error) {
	ctx = context.WithoutCancel(ctx)

	msg := env.Message
	if cause := errors.Unwrap(env); cause != nil {
		msg = fmt.Sprintf("%s: %v", env.Message, cause)
	}
	stepErr := &model.StepError{State: state, Code: env.Code, Message: msg}

	if exec.Document == nil {
		exec.Document = model.Document{}
	}
	exec.Document[model.FieldStepError] = map[string]any{
		"state":   stepErr.State,
		"code":    stepErr.Code,
		"message": stepErr.Message,
	}
	exec.Error = stepErr
	exec.CurrentState = model.StateFailed
	exec.Status = model.ExecutionStatusFailed
	exec.ExpiresAt = nil

	if err := e.save(ctx, &exec); err != nil {
		return exec, err
	}

	data := map[string]any{"code": stepErr.Code, "message": stepErr.Message}
	e.appendEvent(ctx, exec.ID, state, model.EventStateFailed, data, "")
	final := model.EventExecutionFailed
	if timedOut {
		final = model.EventExecutionTimedOut
	}
	e.appendEvent(ctx, exec.ID, model.StateFailed, final, data, "")

	observability.ExecutionLogger(e.deps.Logger, &exec).Debug("failed execution document",
		zap.String("state", state),
		zap.Any("document", observability.RedactDocument(exec.Document, e.opts.RedactFields)),
	)

	e.releaseClaim(ctx, exec.IdempotencyKey, exec.ID)
	e.deps.Metrics.RecordWorkflowCompletion(exec.WorkflowID, exec.Status)
	return exec, nil
}

// save persists exec with optimistic locking and advances its version.
func (e *Engine) save(ctx context.Context, exec *model.Execution) error {
	exec.UpdatedAt = e.now()
	if err := e.deps.Store.Update(context.WithoutCancel(ctx), *exec); err != nil {
		return err
	}
	exec.Version++
	return nil
}

// appendEvent records an audit event. Failures are logged, not returned: the
// execution state is authoritative.
func (e *Engine) appendEvent(ctx context.Context, executionID, state, event string, data map[string]any, comment string) {
	err := e.deps.Store.AppendEvent(context.WithoutCancel(ctx), model.ExecutionEvent{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		State:       state,
		Event:       event,
		Data:        data,
		Comment:     comment,
		Timestamp:   e.now(),
	})
	if err != nil {
		e.deps.Logger.Warn("append execution event failed",
			zap.String("execution_id", executionID),
			zap.String("event", event),
			zap.Error(err),
		)
	}
}
