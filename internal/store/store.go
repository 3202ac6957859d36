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

// Package store persists workflow runs. The Postgres implementation is
// the production substrate; the memory implementation mirrors its
// semantics for engine tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/windlass-io/windlass/pkg/workflow"
)

// Pagination bounds for ListRuns.
const (
	MinListLimit = 1
	MaxListLimit = 100
)

// ErrDuplicateIdempotencyKey is returned by CreateRun when another
// non-terminal run of the same workflow already holds the run's
// idempotency key. Callers that raced a concurrent creation re-fetch
// the winner with FindActiveRunByIdempotencyKey.
var ErrDuplicateIdempotencyKey = errors.New("store: duplicate active idempotency key")

// GetOptions tunes GetRun.
type GetOptions struct {
	// ForUpdate takes a row-level exclusive lock. Only meaningful inside
	// WithTx; the lock is released when the transaction ends.
	ForUpdate bool
}

// Patch is a partial run update. Nil pointer fields are left untouched;
// a non-nil Timeline replaces the stored timeline wholesale (callers
// read-modify-write under a row lock). Every update bumps updated_at.
type Patch struct {
	Status        *workflow.RunStatus
	Output        json.RawMessage
	Error         *string
	CurrentStepID *string
	Timeline      workflow.Timeline
	RetryCount    *int
	JobID         *string
	PausedAt      *time.Time
	ClearPausedAt bool
	ResumedAt     *time.Time
	CompletedAt   *time.Time
}

// Filter selects and pages runs for ListRuns. Results are ordered by
// created_at descending; cursors are run ids resolved to their
// created_at.
type Filter struct {
	ResourceID    string
	WorkflowID    string
	Statuses      []workflow.RunStatus
	Limit         int
	StartingAfter string
	EndingBefore  string
}

// ClampedLimit returns the limit bounded to [MinListLimit, MaxListLimit].
func (f Filter) ClampedLimit() int {
	limit := f.Limit
	if limit < MinListLimit {
		limit = MinListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return limit
}

// Store is the run persistence contract.
//
// GetRun and UpdateRun treat a wrong resource id exactly like an absent
// run: both return *errors.NotFoundError.
type Store interface {
	// CreateRun writes a new run row. A blank run.ID is assigned a fresh
	// K-sortable id; CreatedAt/UpdatedAt are stamped. The run is
	// materialized in place.
	CreateRun(ctx context.Context, run *workflow.Run) error

	// GetRun loads a run, optionally under an exclusive row lock.
	GetRun(ctx context.Context, runID, resourceID string, opts GetOptions) (*workflow.Run, error)

	// GetLastCompleted returns the most recent COMPLETED run of a
	// workflow, or nil when there is none.
	GetLastCompleted(ctx context.Context, workflowID string) (*workflow.Run, error)

	// UpdateRun applies a patch and returns the updated run.
	UpdateRun(ctx context.Context, runID, resourceID string, patch Patch) (*workflow.Run, error)

	// FindActiveRunByIdempotencyKey returns the non-terminal run created
	// with the given idempotency key, or nil when there is none.
	FindActiveRunByIdempotencyKey(ctx context.Context, workflowID, key string) (*workflow.Run, error)

	// ListRuns returns at most the clamped limit of runs plus a hasMore
	// flag computed by over-fetching one row.
	ListRuns(ctx context.Context, filter Filter) ([]*workflow.Run, bool, error)

	// WithTx runs fn inside a transaction; fn's view of the store
	// participates in it. Any error rolls the transaction back.
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
