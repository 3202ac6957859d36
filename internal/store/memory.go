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

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/windlass-io/windlass/internal/ids"
	"github.com/windlass-io/windlass/pkg/errors"
	"github.com/windlass-io/windlass/pkg/workflow"
)

// Memory keeps runs in a map. Transactions hold the store lock for
// their whole duration and stage writes, so WithTx gives the same
// isolation the Postgres store gets from row locks: serialized
// read-modify-write, rolled back on error.
type Memory struct {
	mu   sync.Mutex
	runs map[string]*workflow.Run
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{runs: make(map[string]*workflow.Run)}
}

func (m *Memory) CreateRun(ctx context.Context, run *workflow.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return createRunLocked(m.runs, run)
}

func (m *Memory) GetRun(ctx context.Context, runID, resourceID string, opts GetOptions) (*workflow.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return getRunLocked(m.runs, runID, resourceID)
}

func (m *Memory) GetLastCompleted(ctx context.Context, workflowID string) (*workflow.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return lastCompletedLocked(m.runs, workflowID), nil
}

func (m *Memory) FindActiveRunByIdempotencyKey(ctx context.Context, workflowID, key string) (*workflow.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return activeByKeyLocked(m.runs, workflowID, key), nil
}

func (m *Memory) UpdateRun(ctx context.Context, runID, resourceID string, patch Patch) (*workflow.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return updateRunLocked(m.runs, runID, resourceID, patch)
}

func (m *Memory) ListRuns(ctx context.Context, filter Filter) ([]*workflow.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return listRunsLocked(m.runs, filter)
}

// WithTx serializes against all other store access and stages fn's
// writes in a shadow map, committing them only when fn succeeds.
func (m *Memory) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	staged := make(map[string]*workflow.Run, len(m.runs))
	for id, run := range m.runs {
		staged[id] = run
	}
	if err := fn(ctx, &memoryTx{runs: staged}); err != nil {
		return err
	}
	m.runs = staged
	return nil
}

// memoryTx is the in-transaction view. The parent lock is already held,
// so it touches the staged map without further locking.
type memoryTx struct {
	runs map[string]*workflow.Run
}

var _ Store = (*memoryTx)(nil)

func (t *memoryTx) CreateRun(ctx context.Context, run *workflow.Run) error {
	return createRunLocked(t.runs, run)
}

func (t *memoryTx) GetRun(ctx context.Context, runID, resourceID string, opts GetOptions) (*workflow.Run, error) {
	return getRunLocked(t.runs, runID, resourceID)
}

func (t *memoryTx) GetLastCompleted(ctx context.Context, workflowID string) (*workflow.Run, error) {
	return lastCompletedLocked(t.runs, workflowID), nil
}

func (t *memoryTx) FindActiveRunByIdempotencyKey(ctx context.Context, workflowID, key string) (*workflow.Run, error) {
	return activeByKeyLocked(t.runs, workflowID, key), nil
}

func (t *memoryTx) UpdateRun(ctx context.Context, runID, resourceID string, patch Patch) (*workflow.Run, error) {
	return updateRunLocked(t.runs, runID, resourceID, patch)
}

func (t *memoryTx) ListRuns(ctx context.Context, filter Filter) ([]*workflow.Run, bool, error) {
	return listRunsLocked(t.runs, filter)
}

func (t *memoryTx) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	return fn(ctx, t)
}

func createRunLocked(runs map[string]*workflow.Run, run *workflow.Run) error {
	if run.IdempotencyKey != "" {
		if dup := activeByKeyLocked(runs, run.WorkflowID, run.IdempotencyKey); dup != nil {
			return fmt.Errorf("%w: workflow %s key %q",
				ErrDuplicateIdempotencyKey, run.WorkflowID, run.IdempotencyKey)
		}
	}
	if run.ID == "" {
		run.ID = ids.NewRunID()
	}
	now := time.Now().UTC()
	run.CreatedAt = now
	run.UpdatedAt = now
	if run.Status == "" {
		run.Status = workflow.RunStatusPending
	}
	if run.Timeline == nil {
		run.Timeline = workflow.Timeline{}
	}
	runs[run.ID] = run.Clone()
	return nil
}

func getRunLocked(runs map[string]*workflow.Run, runID, resourceID string) (*workflow.Run, error) {
	run, ok := runs[runID]
	if !ok || (resourceID != "" && run.ResourceID != resourceID) {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	return run.Clone(), nil
}

func lastCompletedLocked(runs map[string]*workflow.Run, workflowID string) *workflow.Run {
	var last *workflow.Run
	for _, run := range runs {
		if run.WorkflowID != workflowID || run.Status != workflow.RunStatusCompleted || run.CompletedAt == nil {
			continue
		}
		if last == nil || run.CompletedAt.After(*last.CompletedAt) {
			last = run
		}
	}
	if last == nil {
		return nil
	}
	return last.Clone()
}

func activeByKeyLocked(runs map[string]*workflow.Run, workflowID, key string) *workflow.Run {
	for _, run := range runs {
		if run.WorkflowID == workflowID && run.IdempotencyKey == key && !run.Status.IsTerminal() {
			return run.Clone()
		}
	}
	return nil
}

func updateRunLocked(runs map[string]*workflow.Run, runID, resourceID string, patch Patch) (*workflow.Run, error) {
	run, ok := runs[runID]
	if !ok || (resourceID != "" && run.ResourceID != resourceID) {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	updated := run.Clone()
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.Output != nil {
		updated.Output = append([]byte(nil), patch.Output...)
	}
	if patch.Error != nil {
		updated.Error = *patch.Error
	}
	if patch.CurrentStepID != nil {
		updated.CurrentStepID = *patch.CurrentStepID
	}
	if patch.Timeline != nil {
		updated.Timeline = patch.Timeline.Clone()
	}
	if patch.RetryCount != nil {
		updated.RetryCount = *patch.RetryCount
	}
	if patch.JobID != nil {
		updated.JobID = *patch.JobID
	}
	if patch.PausedAt != nil {
		at := *patch.PausedAt
		updated.PausedAt = &at
	} else if patch.ClearPausedAt {
		updated.PausedAt = nil
	}
	if patch.ResumedAt != nil {
		at := *patch.ResumedAt
		updated.ResumedAt = &at
	}
	if patch.CompletedAt != nil {
		at := *patch.CompletedAt
		updated.CompletedAt = &at
	}
	updated.UpdatedAt = time.Now().UTC()
	runs[runID] = updated
	return updated.Clone(), nil
}

func listRunsLocked(runs map[string]*workflow.Run, filter Filter) ([]*workflow.Run, bool, error) {
	limit := filter.ClampedLimit()

	var after, before *workflow.Run
	if filter.StartingAfter != "" {
		after = runs[filter.StartingAfter]
	}
	if filter.EndingBefore != "" {
		before = runs[filter.EndingBefore]
	}

	var matched []*workflow.Run
	for _, run := range runs {
		if filter.ResourceID != "" && run.ResourceID != filter.ResourceID {
			continue
		}
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if len(filter.Statuses) > 0 && !statusIn(run.Status, filter.Statuses) {
			continue
		}
		if after != nil && !olderThan(run, after) {
			continue
		}
		if before != nil && !olderThan(before, run) {
			continue
		}
		matched = append(matched, run)
	}

	// Newest first, id as tiebreaker; run ids are K-sortable so the
	// tiebreaker preserves creation order.
	sort.Slice(matched, func(i, j int) bool {
		return olderThan(matched[j], matched[i])
	})

	hasMore := len(matched) > limit
	if hasMore {
		matched = matched[:limit]
	}
	out := make([]*workflow.Run, len(matched))
	for i, run := range matched {
		out[i] = run.Clone()
	}
	return out, hasMore, nil
}

func olderThan(a, b *workflow.Run) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func statusIn(status workflow.RunStatus, set []workflow.RunStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}
