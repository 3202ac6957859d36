// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package windlass

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/windlass-io/windlass/internal/log"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/store"
	"github.com/windlass-io/windlass/pkg/errors"
	"github.com/windlass-io/windlass/pkg/workflow"
)

// runJobPayload is the wire shape of a dispatch job. Cron fires carry a
// null payload instead and are expanded into runs by the per-workflow
// queue handler before dispatch.
type runJobPayload struct {
	RunID      string          `json:"runId"`
	ResourceID string          `json:"resourceId,omitempty"`
	WorkflowID string          `json:"workflowId"`
	Input      json.RawMessage `json:"input,omitempty"`
	Event      *workflow.Event `json:"event,omitempty"`
}

// handleJob advances one run by one dispatch. Returning an error hands
// the job back to the queue's retry machinery; step-level retries are
// scheduled explicitly and the exhausted job is still failed so the
// queue records it.
func (e *Engine) handleJob(ctx context.Context, job *queue.Job) error {
	var payload runJobPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		e.logger.Error("malformed job payload", log.JobIDKey, job.ID, log.Error(err))
		return fmt.Errorf("malformed payload: %w", err)
	}

	def := e.registry.get(payload.WorkflowID)
	if def == nil {
		// Poison job: the workflow was unregistered or never existed on
		// this instance. Fail it so the queue dead-letters eventually.
		e.logger.Error("job for unregistered workflow",
			log.JobIDKey, job.ID, log.WorkflowKey, payload.WorkflowID)
		return &errors.NotFoundError{Resource: "workflow", ID: payload.WorkflowID}
	}

	run, err := e.store.GetRun(ctx, payload.RunID, "", store.GetOptions{})
	if err != nil {
		if errors.IsNotFound(err) {
			e.logger.Error("job for missing run",
				log.JobIDKey, job.ID, log.RunIDKey, payload.RunID)
		}
		return err
	}

	return e.dispatch(ctx, def, run, payload.Event)
}

// dispatch is one handler execution over the run's persisted state.
func (e *Engine) dispatch(ctx context.Context, def *workflow.Definition, run *workflow.Run, event *workflow.Event) error {
	logger := log.WithRunContext(e.logger, run.ID, run.WorkflowID)

	// Terminal runs acknowledge stray jobs silently; duplicate delivery
	// and post-cancellation events both land here.
	if run.Status.IsTerminal() {
		logger.Debug("dropping dispatch for terminal run", "status", string(run.Status))
		return nil
	}

	ctx, span := e.tracer.Start(ctx, "workflow.dispatch")
	span.SetAttributes(
		attribute.String("workflow.id", run.WorkflowID),
		attribute.String("workflow.run_id", run.ID),
		attribute.Int("workflow.retry_count", run.RetryCount),
	)
	defer span.End()

	if event != nil {
		var err error
		run, err = e.applyEvent(ctx, run, event)
		if err != nil {
			return err
		}
		if run == nil {
			// Event applied to a run that went terminal concurrently.
			return nil
		}
	} else if run.Status == workflow.RunStatusPaused {
		// A paused run advances only on events; a bare dispatch (for
		// example a redelivered job) is acknowledged without replay.
		logger.Debug("dropping bare dispatch for paused run")
		return nil
	}

	firstDispatch := run.RetryCount == 0 && run.ResumedAt == nil && run.CurrentStepID == ""
	if firstDispatch {
		e.metrics.RunStarted(run.WorkflowID)
		if def.Hooks.OnStart != nil {
			e.invokeHook(ctx, "onStart", run, func() error {
				return def.Hooks.OnStart(ctx, run.Clone())
			})
		}
	}

	wfCtx := &workflow.Context{
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		ResourceID: run.ResourceID,
		Input:      append(json.RawMessage(nil), run.Input...),
		Timeline:   run.Timeline.Clone(),
		Step:       &stepper{engine: e, def: def, run: run, logger: logger},
		Logger:     logger,
		Event:      event,
	}
	if run.Cron != "" {
		sched, err := e.buildScheduleContext(ctx, run)
		if err != nil {
			logger.Error("schedule context unavailable", log.Error(err))
		} else {
			wfCtx.Schedule = sched
		}
	}

	// The reached flag distinguishes a middleware suppressing the
	// handler (dispatch acked, run left RUNNING) from a handler that
	// returned early.
	var handlerReached bool
	inner := func(ctx context.Context, wf *workflow.Context) (any, error) {
		handlerReached = true
		return def.Handler(ctx, wf)
	}
	handler := workflow.Chain(inner, e.middlewareChain()...)
	output, err := handler(ctx, wfCtx)

	if err == nil && !handlerReached {
		logger.Debug("dispatch suppressed by middleware")
		return nil
	}
	if errors.Is(err, workflow.ErrSuspended) {
		span.SetAttributes(attribute.Bool("workflow.suspended", true))
		logger.Debug("dispatch suspended", log.StepIDKey, run.CurrentStepID)
		return nil
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return e.handleDispatchFailure(ctx, def, run, err)
	}
	return e.completeRun(ctx, def, run, output)
}

// applyEvent reconciles a delivered event against the run's wait-for
// marker under a row lock and returns the refreshed run. A stale event
// (no marker, or a name mismatch) unpauses without writing an output;
// the replayed handler re-pauses at the same step if it is still
// waiting.
func (e *Engine) applyEvent(ctx context.Context, run *workflow.Run, event *workflow.Event) (*workflow.Run, error) {
	var out *workflow.Run
	resumed := 0
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := tx.GetRun(ctx, run.ID, "", store.GetOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			out = nil
			return nil
		}
		if cur.Status != workflow.RunStatusPaused {
			// Event raced the pause or targets a running run; dispatch
			// proceeds with the event attached and the steps decide.
			out = cur
			return nil
		}

		now := time.Now().UTC()
		running := workflow.RunStatusRunning
		patch := store.Patch{Status: &running, ClearPausedAt: true, ResumedAt: &now}

		marker := waitMarkerFor(cur)
		if marker != nil && marker.EventName == event.Name {
			data := event.Data
			if len(data) == 0 {
				data = json.RawMessage(`{}`)
			}
			timeline := cur.Timeline.Clone()
			if timeline == nil {
				timeline = workflow.Timeline{}
			}
			timeline[cur.CurrentStepID] = workflow.TimelineEntry{Output: data, Timestamp: now}
			patch.Timeline = timeline
			resumed = 1
		}

		out, err = tx.UpdateRun(ctx, cur.ID, "", patch)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out != nil {
		e.metrics.EventReceived(event.Name, resumed)
	}
	return out, nil
}

// waitMarkerFor returns the wait-for marker of the run's current step,
// or nil when the run was paused externally.
func waitMarkerFor(run *workflow.Run) *workflow.WaitForMarker {
	if run.CurrentStepID == "" {
		return nil
	}
	entry, ok := run.Timeline[workflow.WaitKey(run.CurrentStepID)]
	if !ok {
		return nil
	}
	return entry.WaitFor
}

// completeRun finalizes a successful dispatch. A handler that returned
// without reaching the final static step is treated as a defect, not a
// completion.
func (e *Engine) completeRun(ctx context.Context, def *workflow.Definition, run *workflow.Run, output any) error {
	var final *workflow.Run
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := tx.GetRun(ctx, run.ID, "", store.GetOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		if cur.Status.IsTerminal() {
			final = nil
			return nil
		}

		if last := def.LastStepID(); last != "" && cur.CurrentStepID != last {
			return &errors.WorkflowError{
				WorkflowID: cur.WorkflowID,
				RunID:      cur.ID,
				Message: fmt.Sprintf("handler returned at step %q before final step %q",
					cur.CurrentStepID, last),
			}
		}

		raw, err := marshalOutput(output)
		if err != nil {
			return err
		}
		status := workflow.RunStatusCompleted
		now := time.Now().UTC()
		final, err = tx.UpdateRun(ctx, cur.ID, "", store.Patch{
			Status:      &status,
			Output:      raw,
			CompletedAt: &now,
		})
		return err
	})
	if err != nil {
		var wfErr *errors.WorkflowError
		if errors.As(err, &wfErr) {
			return e.handleDispatchFailure(ctx, def, run, err)
		}
		return err
	}
	if final == nil {
		return nil
	}

	logger := log.WithRunContext(e.logger, final.ID, final.WorkflowID)
	logger.Info("run completed", "duration", time.Since(final.CreatedAt).String())
	e.metrics.RunCompleted(final.WorkflowID, string(workflow.RunStatusCompleted), time.Since(final.CreatedAt))

	if def.Hooks.OnSuccess != nil {
		e.invokeHook(ctx, "onSuccess", final, func() error {
			return def.Hooks.OnSuccess(ctx, final.Clone())
		})
	}
	if def.Hooks.OnComplete != nil {
		e.invokeHook(ctx, "onComplete", final, func() error {
			return def.Hooks.OnComplete(ctx, final.Clone(), workflow.CompletionResult{
				OK:     true,
				Output: final.Output,
			})
		})
	}
	return nil
}

// handleDispatchFailure decides between a scheduled retry and terminal
// failure. A retried run is flipped back to RUNNING before re-enqueue
// so FAILED is only ever observed as a terminal status.
func (e *Engine) handleDispatchFailure(ctx context.Context, def *workflow.Definition, run *workflow.Run, cause error) error {
	logger := log.WithRunContext(e.logger, run.ID, run.WorkflowID)

	var final *workflow.Run
	retryDelay := time.Duration(-1)
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := tx.GetRun(ctx, run.ID, "", store.GetOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		// Duplicate deliveries of a failing run's job must not rewrite
		// the terminal row or re-fire terminal hooks.
		if cur.Status.IsTerminal() {
			final = nil
			return nil
		}

		msg := cause.Error()
		if cur.RetryCount < cur.MaxRetries {
			next := cur.RetryCount + 1
			patch := store.Patch{Error: &msg, RetryCount: &next}
			// A concurrent pause wins over the retry flip; the resume
			// replays the incomplete step instead of a scheduled job.
			if cur.Status == workflow.RunStatusRunning {
				retryDelay = def.BackoffPolicy().Delay(next)
				running := workflow.RunStatusRunning
				patch.Status = &running
			}
			final, err = tx.UpdateRun(ctx, cur.ID, "", patch)
			return err
		}

		status := workflow.RunStatusFailed
		now := time.Now().UTC()
		final, err = tx.UpdateRun(ctx, cur.ID, "", store.Patch{
			Status:        &status,
			Error:         &msg,
			CompletedAt:   &now,
			ClearPausedAt: true,
		})
		return err
	})
	if err != nil {
		return err
	}
	if final == nil {
		return nil
	}

	if retryDelay >= 0 {
		logger.Warn("dispatch failed, retry scheduled",
			log.AttemptKey, final.RetryCount, "max_retries", final.MaxRetries,
			"delay", retryDelay.String(), log.Error(cause))
		e.metrics.RunRetried(final.WorkflowID)
		if _, err := e.enqueueDispatch(ctx, def, final, nil, 0, retryDelay); err != nil {
			return err
		}
		return nil
	}
	if final.Status == workflow.RunStatusPaused {
		logger.Warn("dispatch failed on a paused run, retry deferred to resume",
			log.AttemptKey, final.RetryCount, log.Error(cause))
		return nil
	}

	logger.Error("run failed",
		log.AttemptKey, final.RetryCount, "max_retries", final.MaxRetries, log.Error(cause))
	e.metrics.RunCompleted(final.WorkflowID, string(workflow.RunStatusFailed), time.Since(final.CreatedAt))

	if def.Hooks.OnFailure != nil {
		e.invokeHook(ctx, "onFailure", final, func() error {
			return def.Hooks.OnFailure(ctx, final.Clone(), cause)
		})
	}
	if def.Hooks.OnComplete != nil {
		e.invokeHook(ctx, "onComplete", final, func() error {
			return def.Hooks.OnComplete(ctx, final.Clone(), workflow.CompletionResult{
				OK:    false,
				Error: final.Error,
			})
		})
	}

	return &errors.WorkflowError{
		WorkflowID: final.WorkflowID,
		RunID:      final.ID,
		Message:    "run failed after " + fmt.Sprint(final.RetryCount) + " retries",
		Cause:      cause,
	}
}
