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

package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/robfig/cron/v3"

	"github.com/windlass-io/windlass/internal/log"
	"github.com/windlass-io/windlass/pkg/errors"
)

const (
	jobStateCreated   = "created"
	jobStateActive    = "active"
	jobStateCompleted = "completed"
	jobStateFailed    = "failed"

	maintenanceInterval = 30 * time.Second
	completedRetention  = time.Hour
)

// Postgres backs queues with three tables: workflow_jobs holds
// deliveries, workflow_queues holds per-queue options, and
// workflow_schedules holds cron registrations. Jobs are claimed with
// FOR UPDATE SKIP LOCKED so any number of processes can poll the same
// queue without double delivery.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	tickOnce sync.Once
	wg       sync.WaitGroup
}

var _ Queue = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{
		pool:   pool,
		logger: log.WithComponent(logger, "queue"),
		stopCh: make(chan struct{}),
	}
}

var queueMigrations = []string{
	`CREATE TABLE IF NOT EXISTS workflow_queues (
		name              TEXT PRIMARY KEY,
		concurrency_limit INTEGER NOT NULL DEFAULT 0,
		retry_limit       INTEGER NOT NULL DEFAULT 2,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS workflow_jobs (
		id                TEXT PRIMARY KEY,
		queue             TEXT NOT NULL,
		payload           JSONB,
		state             TEXT NOT NULL DEFAULT 'created',
		attempt           INTEGER NOT NULL DEFAULT 0,
		available_at      TIMESTAMPTZ NOT NULL,
		expire_in_seconds INTEGER NOT NULL,
		created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		started_at        TIMESTAMPTZ,
		completed_at      TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS workflow_jobs_claim_idx
		ON workflow_jobs (queue, state, available_at)`,
	`CREATE TABLE IF NOT EXISTS workflow_schedules (
		queue      TEXT PRIMARY KEY,
		cron       TEXT NOT NULL,
		timezone   TEXT,
		next_at    TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

// Migrate creates the queue tables. Idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	for _, stmt := range queueMigrations {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return errors.Wrap(err, "queue: migrate")
		}
	}
	return nil
}

func (p *Postgres) Create(ctx context.Context, name string, opts CreateOptions) error {
	retryLimit := opts.RetryLimit
	if retryLimit == 0 {
		retryLimit = DefaultRetryLimit
	}
	_, err := p.pool.Exec(ctx, `INSERT INTO workflow_queues (name, concurrency_limit, retry_limit)
		VALUES ($1, $2, $3)
		ON CONFLICT (name) DO UPDATE
			SET concurrency_limit = EXCLUDED.concurrency_limit,
				retry_limit = EXCLUDED.retry_limit,
				updated_at = now()`,
		name, opts.ConcurrencyLimit, retryLimit)
	if err != nil {
		return &errors.QueueError{Queue: name, Op: "create", Cause: err}
	}
	return nil
}

func (p *Postgres) Send(ctx context.Context, queue string, payload any, opts SendOptions) (string, error) {
	return p.send(ctx, p.pool, queue, payload, opts)
}

// SendTx enqueues inside a caller-owned transaction so a run row and
// its first job commit or roll back together.
func (p *Postgres) SendTx(ctx context.Context, tx pgx.Tx, queue string, payload any, opts SendOptions) (string, error) {
	return p.send(ctx, tx, queue, payload, opts)
}

// pgExec is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgExec interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func (p *Postgres) send(ctx context.Context, db pgExec, queue string, payload any, opts SendOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", &errors.QueueError{Queue: queue, Op: "send", Cause: err}
	}
	expireIn := opts.ExpireIn
	if expireIn <= 0 {
		expireIn = DefaultExpireIn
	}
	id := uuid.NewString()
	_, err = db.Exec(ctx, `INSERT INTO workflow_jobs (id, queue, payload, available_at, expire_in_seconds)
		VALUES ($1, $2, $3, now() + make_interval(secs => $4::float8), $5)`,
		id, queue, raw, opts.StartAfter.Seconds(), int(expireIn.Seconds()))
	if err != nil {
		return "", &errors.QueueError{Queue: queue, Op: "send", Cause: err}
	}
	return id, nil
}

func (p *Postgres) Work(ctx context.Context, queue string, opts WorkOptions, handler Handler) error {
	opts = opts.withDefaults()
	p.tickOnce.Do(func() { p.startBackgroundLoops(ctx) })

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				jobs, err := p.claimBatch(ctx, queue, opts.BatchSize)
				if err != nil {
					if ctx.Err() == nil {
						p.logger.Error("claim failed", log.QueueKey, queue, log.Error(err))
					}
					continue
				}
				for _, job := range jobs {
					p.wg.Add(1)
					go func(job *Job) {
						defer p.wg.Done()
						p.settle(ctx, job, handler(ctx, job))
					}(job)
				}
			}
		}
	}()
	return nil
}

// claimBatch locks up to batch deliverable jobs and flips them to
// active in one transaction. SKIP LOCKED keeps concurrent pollers off
// each other's rows; the concurrency cap is enforced against the
// queue's live active count inside the same transaction.
func (p *Postgres) claimBatch(ctx context.Context, queue string, batch int) ([]*Job, error) {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var limit int
	err = tx.QueryRow(ctx,
		`SELECT concurrency_limit FROM workflow_queues WHERE name = $1`, queue).Scan(&limit)
	if err != nil && err != pgx.ErrNoRows {
		return nil, err
	}
	if limit > 0 {
		var active int
		if err := tx.QueryRow(ctx,
			`SELECT count(*) FROM workflow_jobs WHERE queue = $1 AND state = $2`,
			queue, jobStateActive).Scan(&active); err != nil {
			return nil, err
		}
		if free := limit - active; free < batch {
			batch = free
		}
		if batch <= 0 {
			return nil, tx.Commit(ctx)
		}
	}

	rows, err := tx.Query(ctx, `WITH next AS (
			SELECT id FROM workflow_jobs
			WHERE queue = $1 AND state = $2 AND available_at <= now()
			ORDER BY available_at
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE workflow_jobs j
		SET state = $4, started_at = now(), attempt = j.attempt + 1
		FROM next
		WHERE j.id = next.id
		RETURNING j.id, j.payload, j.attempt, j.created_at`,
		queue, jobStateCreated, batch, jobStateActive)
	if err != nil {
		return nil, err
	}

	var jobs []*Job
	for rows.Next() {
		job := &Job{Queue: queue}
		var payload []byte
		if err := rows.Scan(&job.ID, &payload, &job.Attempt, &job.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		job.Payload = json.RawMessage(payload)
		jobs = append(jobs, job)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return jobs, tx.Commit(ctx)
}

func (p *Postgres) settle(ctx context.Context, job *Job, handlerErr error) {
	if handlerErr == nil {
		_, err := p.pool.Exec(ctx, `UPDATE workflow_jobs
			SET state = $2, completed_at = now() WHERE id = $1`,
			job.ID, jobStateCompleted)
		if err != nil && ctx.Err() == nil {
			p.logger.Error("complete job failed", log.JobIDKey, job.ID, log.Error(err))
		}
		return
	}

	// Redeliver with a fixed delay until the queue's retry limit is
	// spent, then dead-letter the row for inspection.
	_, err := p.pool.Exec(ctx, `UPDATE workflow_jobs j SET
			state = CASE WHEN j.attempt > q.retry_limit THEN $3 ELSE $2 END,
			available_at = now() + make_interval(secs => $4::float8)
		FROM (
			SELECT COALESCE(
				(SELECT retry_limit FROM workflow_queues WHERE name = $5), $6
			) AS retry_limit
		) q
		WHERE j.id = $1`,
		job.ID, jobStateCreated, jobStateFailed,
		DefaultRetryDelay.Seconds(), job.Queue, DefaultRetryLimit)
	if err != nil && ctx.Err() == nil {
		p.logger.Error("requeue job failed", log.JobIDKey, job.ID, log.Error(err))
	}
}

func (p *Postgres) Schedule(ctx context.Context, queue, cronExpr, timezone string) error {
	spec, err := cron.ParseStandard(cronExpr)
	if err != nil {
		return &errors.QueueError{Queue: queue, Op: "schedule", Cause: err}
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return &errors.QueueError{Queue: queue, Op: "schedule", Cause: err}
		}
	}
	next := spec.Next(time.Now().In(loc))
	_, err = p.pool.Exec(ctx, `INSERT INTO workflow_schedules (queue, cron, timezone, next_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (queue) DO UPDATE
			SET cron = EXCLUDED.cron, timezone = EXCLUDED.timezone,
				next_at = EXCLUDED.next_at, updated_at = now()`,
		queue, cronExpr, nullable(timezone), next)
	if err != nil {
		return &errors.QueueError{Queue: queue, Op: "schedule", Cause: err}
	}
	return nil
}

func (p *Postgres) Unschedule(ctx context.Context, queue string) error {
	if _, err := p.pool.Exec(ctx,
		`DELETE FROM workflow_schedules WHERE queue = $1`, queue); err != nil {
		return &errors.QueueError{Queue: queue, Op: "unschedule", Cause: err}
	}
	return nil
}

func (p *Postgres) startBackgroundLoops(ctx context.Context) {
	p.wg.Add(2)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(scheduleTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.fireDueSchedules(ctx); err != nil && ctx.Err() == nil {
					p.logger.Error("schedule tick failed", log.Error(err))
				}
			}
		}
	}()
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(maintenanceInterval)
		defer ticker.Stop()
		for {
			select {
			case <-p.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.maintain(ctx); err != nil && ctx.Err() == nil {
					p.logger.Error("queue maintenance failed", log.Error(err))
				}
			}
		}
	}()
}

// fireDueSchedules claims due schedules with SKIP LOCKED so only one
// process fires each cron tick, sends a null-payload job per schedule,
// and advances next_at.
func (p *Postgres) fireDueSchedules(ctx context.Context) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	rows, err := tx.Query(ctx, `SELECT queue, cron, COALESCE(timezone, '')
		FROM workflow_schedules
		WHERE next_at <= now()
		FOR UPDATE SKIP LOCKED`)
	if err != nil {
		return err
	}
	type due struct{ queue, cron, timezone string }
	var fired []due
	for rows.Next() {
		var d due
		if err := rows.Scan(&d.queue, &d.cron, &d.timezone); err != nil {
			rows.Close()
			return err
		}
		fired = append(fired, d)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return err
	}

	for _, d := range fired {
		spec, err := cron.ParseStandard(d.cron)
		if err != nil {
			p.logger.Error("invalid schedule", log.QueueKey, d.queue, log.Error(err))
			continue
		}
		loc := time.UTC
		if d.timezone != "" {
			if loc, err = time.LoadLocation(d.timezone); err != nil {
				p.logger.Error("invalid schedule timezone", log.QueueKey, d.queue, log.Error(err))
				continue
			}
		}
		if _, err := p.send(ctx, tx, d.queue, nil, SendOptions{}); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `UPDATE workflow_schedules
			SET next_at = $2, updated_at = now() WHERE queue = $1`,
			d.queue, spec.Next(time.Now().In(loc))); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

// maintain requeues jobs whose claim expired (worker crashed or hung)
// and purges old completed rows.
func (p *Postgres) maintain(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `UPDATE workflow_jobs
		SET state = $1, available_at = now()
		WHERE state = $2
			AND started_at + make_interval(secs => expire_in_seconds::float8) < now()`,
		jobStateCreated, jobStateActive); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, `DELETE FROM workflow_jobs
		WHERE state = $1 AND completed_at < now() - make_interval(secs => $2::float8)`,
		jobStateCompleted, completedRetention.Seconds())
	return err
}

func (p *Postgres) Stop(ctx context.Context) error {
	p.stopOnce.Do(func() { close(p.stopCh) })
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "queue: stop")
	}
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
