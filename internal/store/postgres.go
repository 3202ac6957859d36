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
	"encoding/json"
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/windlass-io/windlass/internal/ids"
	"github.com/windlass-io/windlass/pkg/errors"
	"github.com/windlass-io/windlass/pkg/workflow"
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx so the same
// query methods serve pooled and transactional stores.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Postgres stores runs in a workflow_runs table.
type Postgres struct {
	pool *pgxpool.Pool
	db   pgQuerier
}

var _ Store = (*Postgres)(nil)

// NewPostgres wraps an existing connection pool. Call Migrate before
// first use.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool, db: pool}
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS workflow_runs (
		id              TEXT PRIMARY KEY,
		workflow_id     TEXT NOT NULL,
		resource_id     TEXT,
		status          TEXT NOT NULL,
		input           JSONB,
		output          JSONB,
		error           TEXT,
		current_step_id TEXT,
		timeline        JSONB NOT NULL DEFAULT '{}',
		retry_count     INTEGER NOT NULL DEFAULT 0,
		max_retries     INTEGER NOT NULL DEFAULT 0,
		job_id          TEXT,
		cron            TEXT,
		timezone        TEXT,
		idempotency_key TEXT,
		created_at      TIMESTAMPTZ NOT NULL,
		updated_at      TIMESTAMPTZ NOT NULL,
		paused_at       TIMESTAMPTZ,
		resumed_at      TIMESTAMPTZ,
		completed_at    TIMESTAMPTZ,
		timeout_at      TIMESTAMPTZ
	)`,
	`ALTER TABLE workflow_runs ADD COLUMN IF NOT EXISTS cron TEXT`,
	`ALTER TABLE workflow_runs ADD COLUMN IF NOT EXISTS timezone TEXT`,
	`CREATE INDEX IF NOT EXISTS workflow_runs_workflow_idx ON workflow_runs (workflow_id)`,
	`CREATE INDEX IF NOT EXISTS workflow_runs_created_idx ON workflow_runs (created_at)`,
	`CREATE INDEX IF NOT EXISTS workflow_runs_resource_idx ON workflow_runs (resource_id)`,
	`CREATE INDEX IF NOT EXISTS workflow_runs_cron_completed_idx
		ON workflow_runs (workflow_id, completed_at DESC)
		WHERE cron IS NOT NULL AND status = 'completed'`,
	`CREATE UNIQUE INDEX IF NOT EXISTS workflow_runs_idempotency_idx
		ON workflow_runs (workflow_id, idempotency_key)
		WHERE idempotency_key IS NOT NULL AND status IN ('pending', 'running', 'paused')`,
}

// Migrate creates the runs table and indexes. Safe to call on every
// startup; all statements are idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := p.db.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "store: migrate")
		}
	}
	return nil
}

const runColumns = `id, workflow_id, resource_id, status, input, output, error,
	current_step_id, timeline, retry_count, max_retries, job_id, cron, timezone,
	idempotency_key, created_at, updated_at, paused_at, resumed_at, completed_at, timeout_at`

func (p *Postgres) CreateRun(ctx context.Context, run *workflow.Run) error {
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

	timeline, err := marshalTimeline(run.Timeline)
	if err != nil {
		return err
	}
	_, err = p.db.Exec(ctx, `INSERT INTO workflow_runs (`+runColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21)`,
		run.ID, run.WorkflowID, nullString(run.ResourceID), string(run.Status),
		rawOrNil(run.Input), rawOrNil(run.Output), nullString(run.Error),
		nullString(run.CurrentStepID), timeline, run.RetryCount, run.MaxRetries,
		nullString(run.JobID), nullString(run.Cron), nullString(run.Timezone),
		nullString(run.IdempotencyKey), run.CreatedAt, run.UpdatedAt,
		run.PausedAt, run.ResumedAt, run.CompletedAt, run.TimeoutAt)
	if err != nil {
		// 23505 = unique_violation: the partial unique index on
		// (workflow_id, idempotency_key) caught a concurrent creation.
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: workflow %s key %q",
				ErrDuplicateIdempotencyKey, run.WorkflowID, run.IdempotencyKey)
		}
		return errors.Wrapf(err, "store: create run %s", run.ID)
	}
	return nil
}

func (p *Postgres) GetRun(ctx context.Context, runID, resourceID string, opts GetOptions) (*workflow.Run, error) {
	query := `SELECT ` + runColumns + ` FROM workflow_runs
		WHERE id = $1 AND ($2 = '' OR resource_id = $2)`
	if opts.ForUpdate {
		query += ` FOR UPDATE`
	}
	run, err := scanRun(p.db.QueryRow(ctx, query, runID, resourceID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, errors.Wrapf(err, "store: get run %s", runID)
	}
	return run, nil
}

func (p *Postgres) GetLastCompleted(ctx context.Context, workflowID string) (*workflow.Run, error) {
	run, err := scanRun(p.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs
		WHERE workflow_id = $1 AND status = 'completed'
		ORDER BY completed_at DESC LIMIT 1`, workflowID))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "store: last completed run of %s", workflowID)
	}
	return run, nil
}

func (p *Postgres) FindActiveRunByIdempotencyKey(ctx context.Context, workflowID, key string) (*workflow.Run, error) {
	run, err := scanRun(p.db.QueryRow(ctx, `SELECT `+runColumns+` FROM workflow_runs
		WHERE workflow_id = $1 AND idempotency_key = $2
			AND status IN ('pending', 'running', 'paused')
		ORDER BY created_at DESC LIMIT 1`, workflowID, key))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "store: find run by idempotency key")
	}
	return run, nil
}

func (p *Postgres) UpdateRun(ctx context.Context, runID, resourceID string, patch Patch) (*workflow.Run, error) {
	sets := []string{"updated_at = now()"}
	args := []any{runID, resourceID}
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", string(*patch.Status))
	}
	if patch.Output != nil {
		add("output", []byte(patch.Output))
	}
	if patch.Error != nil {
		add("error", nullString(*patch.Error))
	}
	if patch.CurrentStepID != nil {
		add("current_step_id", *patch.CurrentStepID)
	}
	if patch.Timeline != nil {
		timeline, err := marshalTimeline(patch.Timeline)
		if err != nil {
			return nil, err
		}
		add("timeline", timeline)
	}
	if patch.RetryCount != nil {
		add("retry_count", *patch.RetryCount)
	}
	if patch.JobID != nil {
		add("job_id", nullString(*patch.JobID))
	}
	if patch.PausedAt != nil {
		add("paused_at", *patch.PausedAt)
	} else if patch.ClearPausedAt {
		sets = append(sets, "paused_at = NULL")
	}
	if patch.ResumedAt != nil {
		add("resumed_at", *patch.ResumedAt)
	}
	if patch.CompletedAt != nil {
		add("completed_at", *patch.CompletedAt)
	}

	query := `UPDATE workflow_runs SET ` + strings.Join(sets, ", ") + `
		WHERE id = $1 AND ($2 = '' OR resource_id = $2)
		RETURNING ` + runColumns
	run, err := scanRun(p.db.QueryRow(ctx, query, args...))
	if err != nil {
		if stderrors.Is(err, pgx.ErrNoRows) {
			return nil, &errors.NotFoundError{Resource: "run", ID: runID}
		}
		return nil, errors.Wrapf(err, "store: update run %s", runID)
	}
	return run, nil
}

func (p *Postgres) ListRuns(ctx context.Context, filter Filter) ([]*workflow.Run, bool, error) {
	limit := filter.ClampedLimit()
	where := []string{"TRUE"}
	args := []any{}
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filter.ResourceID != "" {
		add("resource_id = $%d", filter.ResourceID)
	}
	if filter.WorkflowID != "" {
		add("workflow_id = $%d", filter.WorkflowID)
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, s := range filter.Statuses {
			statuses[i] = string(s)
		}
		add("status = ANY($%d)", statuses)
	}
	// Cursors page a created_at DESC ordering: startingAfter moves to
	// strictly older rows, endingBefore to strictly newer ones.
	if filter.StartingAfter != "" {
		add("created_at < (SELECT created_at FROM workflow_runs WHERE id = $%d)", filter.StartingAfter)
	}
	if filter.EndingBefore != "" {
		add("created_at > (SELECT created_at FROM workflow_runs WHERE id = $%d)", filter.EndingBefore)
	}

	args = append(args, limit+1)
	query := `SELECT ` + runColumns + ` FROM workflow_runs
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY created_at DESC
		LIMIT $` + fmt.Sprint(len(args))

	rows, err := p.db.Query(ctx, query, args...)
	if err != nil {
		return nil, false, errors.Wrap(err, "store: list runs")
	}
	defer rows.Close()

	var runs []*workflow.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, false, errors.Wrap(err, "store: list runs")
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, false, errors.Wrap(err, "store: list runs")
	}

	hasMore := len(runs) > limit
	if hasMore {
		runs = runs[:limit]
	}
	return runs, hasMore, nil
}

// WithTx begins a transaction and hands fn a store bound to it. The
// transaction commits when fn returns nil and rolls back otherwise.
func (p *Postgres) WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error {
	if p.pool == nil {
		// Already inside a transaction; pgx has no nesting, reuse it.
		return fn(ctx, p)
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "store: begin tx")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(ctx, &Postgres{db: tx}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return errors.Wrap(err, "store: commit tx")
	}
	return nil
}

// Tx exposes the underlying pgx transaction when this store view is
// transactional, for co-transactional work such as enqueueing jobs.
func (p *Postgres) Tx() (pgx.Tx, bool) {
	tx, ok := p.db.(pgx.Tx)
	return tx, ok
}

func marshalTimeline(t workflow.Timeline) ([]byte, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, errors.Wrap(err, "store: marshal timeline")
	}
	return raw, nil
}

func scanRun(row pgx.Row) (*workflow.Run, error) {
	var (
		run      workflow.Run
		resource *string
		errMsg   *string
		stepID   *string
		input    []byte
		output   []byte
		timeline []byte
		jobID    *string
		cron     *string
		timezone *string
		idemKey  *string
	)
	err := row.Scan(&run.ID, &run.WorkflowID, &resource, &run.Status, &input,
		&output, &errMsg, &stepID, &timeline, &run.RetryCount, &run.MaxRetries,
		&jobID, &cron, &timezone, &idemKey, &run.CreatedAt, &run.UpdatedAt,
		&run.PausedAt, &run.ResumedAt, &run.CompletedAt, &run.TimeoutAt)
	if err != nil {
		return nil, err
	}
	run.ResourceID = deref(resource)
	run.Error = deref(errMsg)
	run.CurrentStepID = deref(stepID)
	run.JobID = deref(jobID)
	run.Cron = deref(cron)
	run.Timezone = deref(timezone)
	run.IdempotencyKey = deref(idemKey)
	if input != nil {
		run.Input = json.RawMessage(input)
	}
	if output != nil {
		run.Output = json.RawMessage(output)
	}
	run.Timeline = workflow.Timeline{}
	if len(timeline) > 0 {
		if err := json.Unmarshal(timeline, &run.Timeline); err != nil {
			return nil, errors.Wrap(err, "decode timeline")
		}
	}
	return &run, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func rawOrNil(raw json.RawMessage) []byte {
	if raw == nil {
		return nil
	}
	return []byte(raw)
}
