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
	"bytes"
	"context"
	"encoding/json"
	"time"

	"github.com/windlass-io/windlass/internal/log"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/store"
	"github.com/windlass-io/windlass/pkg/workflow"
)

// setupWorkflowQueue wires the per-workflow queue for definitions that
// need one: cron workflows (schedule fires land there) and workflows
// with a concurrency limit (queue-level caps need a dedicated queue).
func (e *Engine) setupWorkflowQueue(ctx context.Context, def *workflow.Definition) error {
	if def.Cron == nil && def.Concurrency == nil {
		return nil
	}

	opts := queue.CreateOptions{}
	if def.Concurrency != nil {
		opts.ConcurrencyLimit = def.Concurrency.Limit
	}
	if err := e.queue.Create(ctx, def.ID, opts); err != nil {
		return err
	}
	if err := e.queue.Work(ctx, def.ID, e.workOptions(), e.perWorkflowHandler(def)); err != nil {
		return err
	}
	if def.Cron != nil {
		if err := e.queue.Schedule(ctx, def.ID, def.Cron.Expression, def.Cron.Timezone); err != nil {
			return err
		}
		e.logger.Info("cron schedule registered",
			log.WorkflowKey, def.ID, "expression", def.Cron.Expression)
	}
	return nil
}

// perWorkflowHandler handles a workflow's dedicated queue, which carries
// two shapes: null payloads emitted by the scheduler on each cron fire,
// and ordinary dispatch payloads routed here for concurrency capping.
func (e *Engine) perWorkflowHandler(def *workflow.Definition) queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		if isCronFire(job.Payload) {
			return e.handleCronFire(ctx, def)
		}
		return e.handleJob(ctx, job)
	}
}

func isCronFire(payload json.RawMessage) bool {
	trimmed := bytes.TrimSpace(payload)
	return len(trimmed) == 0 ||
		bytes.Equal(trimmed, []byte("null")) ||
		bytes.Equal(trimmed, []byte("{}"))
}

// handleCronFire creates a run for one schedule fire and dispatches it
// through the normal routing. Cron runs carry empty input and record
// the schedule on the row so the dispatcher can rebuild the schedule
// context on every replay.
func (e *Engine) handleCronFire(ctx context.Context, def *workflow.Definition) error {
	run := &workflow.Run{
		WorkflowID: def.ID,
		Status:     workflow.RunStatusRunning,
		Input:      json.RawMessage(`{}`),
		Timeline:   workflow.Timeline{},
		MaxRetries: def.MaxRetries(),
		Cron:       def.Cron.Expression,
		Timezone:   def.Cron.Timezone,
	}
	if def.Timeout > 0 {
		at := time.Now().UTC().Add(def.Timeout)
		run.TimeoutAt = &at
	}

	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		jobID, sent, err := e.enqueueDispatchTx(ctx, tx, def, run, nil, 0, 0)
		if err != nil {
			return err
		}
		if sent {
			run.JobID = jobID
			_, err = tx.UpdateRun(ctx, run.ID, "", store.Patch{JobID: &jobID})
			return err
		}
		return nil
	})
	if err != nil {
		return err
	}

	if run.JobID == "" {
		jobID, err := e.enqueueDispatch(ctx, def, run, nil, 0, 0)
		if err != nil {
			return err
		}
		run.JobID = jobID
		if _, err := e.store.UpdateRun(ctx, run.ID, "", store.Patch{JobID: &jobID}); err != nil {
			return err
		}
	}

	e.logger.Info("cron run created", log.RunIDKey, run.ID, log.WorkflowKey, def.ID)
	return nil
}

// buildScheduleContext assembles the schedule view for a cron run's
// dispatch: this run's creation instant plus the completion time of the
// workflow's previous COMPLETED run.
func (e *Engine) buildScheduleContext(ctx context.Context, run *workflow.Run) (*workflow.ScheduleContext, error) {
	sched := &workflow.ScheduleContext{
		Timestamp: run.CreatedAt,
		Timezone:  run.Timezone,
	}
	if sched.Timezone == "" {
		sched.Timezone = "UTC"
	}

	last, err := e.store.GetLastCompleted(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	if last != nil && last.ID != run.ID && last.CompletedAt != nil {
		t := *last.CompletedAt
		sched.LastTimestamp = &t
	}
	return sched, nil
}
