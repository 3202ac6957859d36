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
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/windlass-io/windlass/internal/log"
	"github.com/windlass-io/windlass/internal/store"
	"github.com/windlass-io/windlass/pkg/workflow"
)

// stepper is the per-dispatch workflow.Stepper implementation. Each step
// call opens its own short transaction around the state transition; step
// bodies execute outside any transaction so slow work never holds row
// locks.
type stepper struct {
	engine *Engine
	def    *workflow.Definition
	run    *workflow.Run
	logger *slog.Logger
}

var _ workflow.Stepper = (*stepper)(nil)

// beginStep locks the run row, short-circuits suspended runs, and
// serves the cached output when the step already completed. cached is
// nil when the step must execute; the returned run reflects the locked
// row after current_step_id has been advanced.
func (s *stepper) beginStep(ctx context.Context, stepID string) (cached json.RawMessage, err error) {
	err = s.engine.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := tx.GetRun(ctx, s.run.ID, "", store.GetOptions{ForUpdate: true})
		if err != nil {
			return err
		}

		// A run that went PAUSED, CANCELLED, or FAILED under our feet
		// must not advance in this dispatch.
		if cur.Status != workflow.RunStatusRunning {
			return workflow.ErrSuspended
		}

		if entry, ok := cur.Timeline[stepID]; ok && entry.HasOutput() {
			cached = append(json.RawMessage(nil), entry.Output...)
			s.run = cur
			return nil
		}

		if cur.CurrentStepID != stepID {
			cur, err = tx.UpdateRun(ctx, cur.ID, "", store.Patch{CurrentStepID: &stepID})
			if err != nil {
				return err
			}
		}
		s.run = cur
		return nil
	})
	return cached, err
}

// Run executes the step body at most once to success. The body runs
// outside the transaction; a panic is converted into a step failure.
func (s *stepper) Run(ctx context.Context, stepID string, body func(ctx context.Context) (any, error)) (json.RawMessage, error) {
	cached, err := s.beginStep(ctx, stepID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return cached, nil
	}

	logger := log.WithStepContext(s.logger, s.run.ID, stepID)
	logger.Debug("executing step")

	start := time.Now()
	output, err := runStepBody(ctx, body)
	s.engine.metrics.StepExecuted(s.run.WorkflowID, stepID, time.Since(start), err == nil)

	if err != nil {
		logger.Error("step failed", log.Error(err))
		s.failStep(ctx, stepID, err)
		return nil, fmt.Errorf("step %q: %w", stepID, err)
	}

	raw, err := marshalOutput(output)
	if err != nil {
		s.failStep(ctx, stepID, err)
		return nil, err
	}

	err = s.engine.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := tx.GetRun(ctx, s.run.ID, "", store.GetOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		if cur.Status != workflow.RunStatusRunning {
			return workflow.ErrSuspended
		}
		// Write-once: a concurrent dispatch may have cached this step
		// already, in which case its output wins.
		if entry, ok := cur.Timeline[stepID]; ok && entry.HasOutput() {
			raw = append(json.RawMessage(nil), entry.Output...)
			s.run = cur
			return nil
		}
		timeline := cur.Timeline.Clone()
		if timeline == nil {
			timeline = workflow.Timeline{}
		}
		timeline[stepID] = workflow.TimelineEntry{Output: raw, Timestamp: time.Now().UTC()}
		s.run, err = tx.UpdateRun(ctx, cur.ID, "", store.Patch{Timeline: timeline})
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("step completed", "duration", time.Since(start).String())
	return raw, nil
}

// runStepBody isolates the body call so a panic is reported as an error
// with its stack instead of killing the worker.
func runStepBody(ctx context.Context, body func(ctx context.Context) (any, error)) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("step panicked: %v\n%s", r, debug.Stack())
		}
	}()
	return body(ctx)
}

// failStep records the step error on the run. The dispatcher makes the
// retry-or-fail decision when the error propagates out of the handler;
// here we only persist what happened.
func (s *stepper) failStep(ctx context.Context, stepID string, cause error) {
	msg := fmt.Sprintf("step %q: %v", stepID, cause)
	_ = s.engine.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := tx.GetRun(ctx, s.run.ID, "", store.GetOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		if cur.Status != workflow.RunStatusRunning {
			return nil
		}
		s.run, err = tx.UpdateRun(ctx, cur.ID, "", store.Patch{Error: &msg})
		return err
	})
}

// WaitFor pauses the run until the named event arrives.
func (s *stepper) WaitFor(ctx context.Context, stepID string, spec workflow.EventSpec) (json.RawMessage, error) {
	raw, _, err := s.waitFor(ctx, stepID, spec.Event, spec.Timeout)
	return raw, err
}

// waitFor is the shared suspension primitive behind WaitFor, Pause, and
// WaitUntil. justPaused reports whether this call performed the
// RUNNING→PAUSED transition, which WaitUntil uses to arm its timer
// exactly once.
func (s *stepper) waitFor(ctx context.Context, stepID, eventName string, timeout time.Duration) (cached json.RawMessage, justPaused bool, err error) {
	err = s.engine.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		cur, err := tx.GetRun(ctx, s.run.ID, "", store.GetOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		if cur.Status != workflow.RunStatusRunning {
			return workflow.ErrSuspended
		}
		if entry, ok := cur.Timeline[stepID]; ok && entry.HasOutput() {
			cached = append(json.RawMessage(nil), entry.Output...)
			s.run = cur
			return nil
		}

		marker := &workflow.WaitForMarker{EventName: eventName}
		if timeout > 0 {
			marker.Timeout = timeout.Milliseconds()
		}
		timeline := cur.Timeline.Clone()
		if timeline == nil {
			timeline = workflow.Timeline{}
		}
		timeline[workflow.WaitKey(stepID)] = workflow.TimelineEntry{
			WaitFor:   marker,
			Timestamp: time.Now().UTC(),
		}

		paused := workflow.RunStatusPaused
		now := time.Now().UTC()
		s.run, err = tx.UpdateRun(ctx, cur.ID, "", store.Patch{
			Status:        &paused,
			CurrentStepID: &stepID,
			PausedAt:      &now,
			Timeline:      timeline,
		})
		if err != nil {
			return err
		}
		// The pause write must commit; the suspension is signalled only
		// after the transaction closes.
		justPaused = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	if justPaused {
		return nil, true, workflow.ErrSuspended
	}
	return cached, false, nil
}

// Pause pauses the run until it is manually resumed.
func (s *stepper) Pause(ctx context.Context, stepID string) (json.RawMessage, error) {
	raw, _, err := s.waitFor(ctx, stepID, workflow.PauseEventName, 0)
	return raw, err
}

// WaitUntil pauses the run and arms a delayed queue job as the timer.
// The timer event carries the target instant so the replayed handler
// can observe when it was due.
func (s *stepper) WaitUntil(ctx context.Context, stepID string, at time.Time) (json.RawMessage, error) {
	eventName := workflow.WaitUntilEventName(stepID)
	raw, justPaused, err := s.waitFor(ctx, stepID, eventName, 0)
	if justPaused {
		delay := time.Until(at)
		if delay < 0 {
			delay = 0
		}
		data, _ := json.Marshal(map[string]string{"date": at.UTC().Format(time.RFC3339)})
		event := &workflow.Event{Name: eventName, Data: data}
		if _, sendErr := s.engine.enqueueDispatch(ctx, s.def, s.run, event, 0, delay); sendErr != nil {
			s.logger.Error("arming waitUntil timer failed",
				log.StepIDKey, stepID, log.Error(sendErr))
			return nil, sendErr
		}
	}
	return raw, err
}
