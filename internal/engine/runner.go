package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/basket/clawtask/internal/bus"
	"github.com/basket/clawtask/internal/checkpoint"
	"github.com/basket/clawtask/internal/otel"
	"github.com/basket/clawtask/internal/persistence"
	"github.com/basket/clawtask/internal/shared"
	"github.com/basket/clawtask/internal/telemetry"
)

type runKind int

const (
	runDone runKind = iota
	runParked
	runFailed
)

// runResult is how a step loop ended.
type runResult struct {
	kind    runKind
	result  string
	warning string
	parked  persistence.TaskStatus
	err     error
}

func (e *Engine) handleTask(ctx context.Context, workerID string, task *persistence.Task, settings Settings) {
	ctx = shared.WithScope(ctx, shared.Scope{
		TraceID:  shared.NewID(),
		TaskID:   task.ID,
		RunID:    task.RunID,
		WorkerID: workerID,
	})
	logger := telemetry.FromContext(ctx, e.logger).With("agent_id", task.AgentID)

	ctx, span := otel.StartSpan(ctx, e.tracer, "task.execute",
		otel.AttrTaskID.String(task.ID),
		otel.AttrParentID.String(task.ParentID),
		otel.AttrRunID.String(task.RunID),
		otel.AttrAgentID.String(task.AgentID),
		otel.AttrWorkerID.String(workerID),
		otel.AttrAttempt.Int(task.Attempt),
	)
	e.activeTasks.Add(1)
	defer e.activeTasks.Add(-1)
	started := time.Now()
	logger.Info("task claimed", "attempt_no", task.Attempt, "reclaim", task.Reclaimed)

	var res runResult
	func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("task panicked", "panic", r, "stack", string(debug.Stack()))
				res = runResult{kind: runFailed, err: NonRetryable(persistence.ReasonPanic, fmt.Errorf("panic: %v", r))}
			}
		}()
		res = e.runSteps(ctx, workerID, task, settings, logger)
	}()

	outcome := e.finish(ctx, workerID, task, res, settings, logger)
	span.SetAttributes(otel.AttrOutcome.String(outcome))
	otel.EndSpan(span, res.err)
	e.metrics.RecordTask(ctx, task.AgentID, outcome, time.Since(started))
}

// runSteps drives the step loop under an active lease keepalive.
func (e *Engine) runSteps(ctx context.Context, workerID string, task *persistence.Task, settings Settings, logger *slog.Logger) runResult {
	st, err := task.State()
	if err != nil {
		return runResult{kind: runFailed, err: NonRetryable(ReasonCheckpointCorrupt, err)}
	}
	strategy, err := e.strategyFor(task.AgentID)
	if err != nil {
		return runResult{kind: runFailed, err: err}
	}

	maxSteps := task.Payload.MaxSteps
	if maxSteps <= 0 {
		maxSteps = settings.DefaultMaxSteps
	}
	// A task resumed at its step budget still gets one step to use the
	// context it was waiting for.
	if st.Step >= maxSteps {
		maxSteps = st.Step + 1
	}

	stepCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	stop := e.keepalive(stepCtx, cancel, task.ID, workerID, settings.LeaseTTL, logger)
	defer stop()

	for st.Step < maxSteps {
		if stepCtx.Err() != nil {
			return runResult{kind: runFailed, err: context.Cause(stepCtx)}
		}
		stepNo := st.Step + 1
		prompt := BuildPrompt(st, stepNo, maxSteps, settings)

		invokeCtx, cancelInvoke := context.WithTimeout(stepCtx, settings.StepTimeout)
		invokeCtx, span := otel.StartClientSpan(invokeCtx, e.tracer, "step.invoke",
			otel.AttrStepNo.Int(stepNo), otel.AttrStrategy.String(strategy.Name()))
		began := time.Now()
		out, invErr := strategy.Invoke(invokeCtx, prompt)
		elapsed := time.Since(began)
		span.SetAttributes(otel.AttrTokens.Int64(out.TokensUsed))
		otel.EndSpan(span, invErr)
		cancelInvoke()

		// The lease is gone or the worker is shutting down: record nothing.
		if stepCtx.Err() != nil {
			return runResult{kind: runFailed, err: context.Cause(stepCtx)}
		}

		rec := persistence.StepRecord{
			TaskID:         task.ID,
			StepNo:         stepNo,
			StepType:       strategy.Name(),
			Status:         persistence.StepStatusDone,
			IdempotencyKey: persistence.StepIdempotencyKey(task.ID, task.Attempt, stepNo),
			TokensUsed:     int(out.TokensUsed),
			DurationMS:     elapsed.Milliseconds(),
		}
		if invErr != nil {
			rec.Status = persistence.StepStatusFailed
			rec.ErrorCode = ReasonCode(invErr)
		}
		if inserted, err := e.store.InsertStep(ctx, rec); err != nil {
			logger.Warn("step record insert failed", "step", stepNo, "error", err)
		} else if !inserted {
			logger.Debug("step record already present", "idempotency_key", rec.IdempotencyKey)
		}
		e.metrics.RecordStep(ctx, strategy.Name(), elapsed, out.TokensUsed, invErr != nil)

		if invErr != nil {
			logger.Warn("step failed", "step", stepNo, "error", invErr, "retryable", IsRetryable(invErr))
			return runResult{kind: runFailed, err: invErr}
		}

		content := out.Content
		final, isFinal := detectMarker(content, settings.CompletionMarker)
		question, wantsReview := "", false
		if !isFinal {
			question, wantsReview = detectMarker(content, settings.ReviewMarker)
		}

		status, err := e.store.PersistStep(ctx, task.ID, workerID, func(s *checkpoint.State) {
			s.Step = stepNo
			s.PartialResult = content
			s.AppendLog(fmt.Sprintf("step %d: %s", stepNo, content), settings.StepsLogLimit)
			st = s
		})
		if err != nil {
			if errors.Is(err, persistence.ErrLeaseLost) {
				return runResult{kind: runFailed, err: ErrLeaseRevoked}
			}
			return runResult{kind: runFailed, err: Retryable(ReasonStoreError, fmt.Errorf("persist step %d: %w", stepNo, err))}
		}
		e.emitter.Publish(bus.TopicTaskProgress, bus.TaskProgressEvent{
			TaskID:   task.ID,
			RunID:    task.RunID,
			Step:     stepNo,
			MaxSteps: maxSteps,
			Summary:  checkpoint.Truncate(content, checkpoint.StepsLogEntryMaxRunes),
		})
		logger.Info("step persisted", "step", stepNo, "max_steps", maxSteps, "status", status, "final", isFinal)

		// Sub-task submission, review or cancellation during the step parks
		// the task, even if the step also produced a final answer.
		if status != persistence.TaskStatusRunning {
			return runResult{kind: runParked, parked: status}
		}
		if isFinal {
			return runResult{kind: runDone, result: final}
		}
		if wantsReview {
			if _, err := e.store.RequestReview(ctx, task.ID, question); err != nil {
				logger.Warn("review request from step failed", "error", err)
				continue
			}
			e.notifyReview(ctx, task.ID, question, logger)
			return runResult{kind: runParked, parked: persistence.TaskStatusHumanReview}
		}
	}

	return runResult{
		kind:    runDone,
		result:  st.PartialResult,
		warning: fmt.Sprintf("step budget of %d exhausted without %s marker", maxSteps, settings.CompletionMarker),
	}
}

// finish writes the outcome of a run under the worker's lease and returns
// a short outcome label.
func (e *Engine) finish(ctx context.Context, workerID string, task *persistence.Task, res runResult, settings Settings, logger *slog.Logger) string {
	// A computed outcome is written even if shutdown began meanwhile.
	wctx := context.WithoutCancel(ctx)

	switch res.kind {
	case runDone:
		err := e.store.CompleteTask(wctx, task.ID, workerID, res.result, res.warning)
		if errors.Is(err, persistence.ErrLeaseLost) {
			e.leaseLost(ctx, task, workerID, logger)
			return "lease_lost"
		}
		if err != nil {
			e.setLastError(err)
			logger.Error("complete task failed", "error", err)
			return "error"
		}
		logger.Info("task done", "under_completed", res.warning != "")
		if task.ParentID == "" {
			msg := fmt.Sprintf("Task %s finished: %s", task.ID, res.result)
			if res.warning != "" {
				msg += "\n(" + res.warning + ")"
			}
			e.notify(wctx, msg, logger)
		}
		return "done"

	case runParked:
		if _, err := e.store.ReleaseLease(wctx, task.ID, workerID); err != nil {
			logger.Warn("release lease failed", "error", err)
		}
		logger.Info("task parked", "status", res.parked)
		return "parked"
	}

	err := res.err
	if errors.Is(err, ErrLeaseRevoked) || errors.Is(err, persistence.ErrLeaseLost) {
		e.leaseLost(ctx, task, workerID, logger)
		return "lease_lost"
	}
	if ctx.Err() != nil {
		logger.Info("task interrupted by shutdown; lease will expire", "error", err)
		return "interrupted"
	}

	backoff := Backoff{Base: settings.BackoffBase, Cap: settings.BackoffCap, Jitter: e.jitter}
	decision, herr := e.store.HandleTaskFailure(wctx, task.ID, workerID, err.Error(), ReasonCode(err), IsRetryable(err),
		persistence.RetryPolicy{MaxRetries: settings.MaxRetries, Backoff: backoff.Delay})
	if errors.Is(herr, persistence.ErrLeaseLost) {
		e.leaseLost(ctx, task, workerID, logger)
		return "lease_lost"
	}
	if herr != nil {
		e.setLastError(herr)
		logger.Error("failure handling failed", "error", herr, "cause", err)
		return "error"
	}
	e.setLastError(err)

	switch decision.Outcome {
	case persistence.FailureOutcomeRetried:
		e.metrics.RecordRetry(ctx, task.AgentID)
		logger.Warn("task retry scheduled", "attempt_no", decision.Attempt, "schedule_at", decision.ScheduleAt, "error", err)
		return "retried"
	case persistence.FailureOutcomeDeadLetter:
		e.metrics.RecordDeadLetter(ctx, task.AgentID)
		logger.Error("task dead-lettered", "attempt_no", decision.Attempt, "error", err)
	default:
		logger.Error("task failed", "reason_code", decision.ReasonCode, "error", err)
	}
	if task.ParentID == "" {
		e.notify(wctx, fmt.Sprintf("Task %s failed: %s", task.ID, shared.Redact(err.Error())), logger)
	}
	return "failed"
}

func (e *Engine) leaseLost(ctx context.Context, task *persistence.Task, workerID string, logger *slog.Logger) {
	logger.Warn("lease lost; abandoning task without writing")
	e.metrics.RecordLeaseLost(ctx)
	e.emitter.Publish(bus.TopicTaskLeaseLost, bus.TaskLeaseLostEvent{TaskID: task.ID, WorkerID: workerID})
}

func (e *Engine) notify(ctx context.Context, text string, logger *slog.Logger) {
	if err := e.notifier.NotifyUser(ctx, text); err != nil {
		logger.Warn("user notification failed", "error", err)
	}
}

func (e *Engine) notifyReview(ctx context.Context, taskID, question string, logger *slog.Logger) {
	e.notify(ctx, fmt.Sprintf("Task %s needs your review:\n%s\n\nAnswer with respond_to_review.", taskID, question), logger)
}

// keepalive renews the lease every ttl/3 until stop is called. When a
// renewal finds the lease gone it cancels ctx with ErrLeaseRevoked. stop
// joins the goroutine.
func (e *Engine) keepalive(ctx context.Context, cancel context.CancelCauseFunc, taskID, workerID string, ttl time.Duration, logger *slog.Logger) (stop func()) {
	interval := ttl / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case <-ticker.C:
				ok, err := e.store.RenewLease(ctx, taskID, workerID, ttl)
				if err != nil {
					if ctx.Err() != nil {
						return
					}
					e.setLastError(fmt.Errorf("lease keepalive: %w", err))
					logger.Warn("lease keepalive failed", "error", err)
					continue
				}
				if !ok {
					logger.Warn("lease keepalive rejected")
					cancel(ErrLeaseRevoked)
					return
				}
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		wg.Wait()
	}
}
