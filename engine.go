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

// Package windlass is a durable workflow engine backed by Postgres.
//
// Workflows are handler functions that advance through named durable
// steps. The engine persists each step's result in a per-run timeline
// and replays the handler after crashes, retries, and event-driven
// resumptions; cached timeline entries short-circuit so each step body
// executes at most once to success.
package windlass

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/windlass-io/windlass/internal/log"
	"github.com/windlass-io/windlass/internal/metrics"
	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/store"
	"github.com/windlass-io/windlass/pkg/errors"
	"github.com/windlass-io/windlass/pkg/workflow"
)

// Engine orchestrates workflow runs over a run store and a job queue.
// One process may host several engines; several processes may share one
// database — correctness across instances rests on row locks and
// SKIP LOCKED claims, not on coordination between engines.
type Engine struct {
	cfg      Config
	store    store.Store
	queue    queue.Queue
	registry *registry
	logger   *slog.Logger
	metrics  metrics.Collector
	tracer   trace.Tracer

	mwMu        sync.RWMutex
	middlewares []workflow.Middleware

	pool    *pgxpool.Pool
	started atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithLogger injects the logger; the config's log settings are ignored.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithMetrics registers the engine's Prometheus collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metrics = metrics.NewPrometheus(reg) }
}

// WithCollector injects a custom metrics collector.
func WithCollector(c metrics.Collector) Option {
	return func(e *Engine) { e.metrics = c }
}

// New builds an engine over an injected store and queue. Use Open to
// construct both from a database URL.
func New(st store.Store, q queue.Queue, cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()
	e := &Engine{
		cfg:      cfg,
		store:    st,
		queue:    q,
		registry: newRegistry(),
		metrics:  metrics.Nop{},
		tracer:   otel.Tracer("windlass"),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = cfg.buildLogger()
	}
	e.logger = log.WithComponent(e.logger, "engine")
	return e
}

// Open connects to Postgres, runs the idempotent migrations for the run
// store and the queue, and returns an engine over them.
func Open(ctx context.Context, cfg Config, opts ...Option) (*Engine, error) {
	cfg = cfg.withDefaults()
	if cfg.DatabaseURL == "" {
		return nil, &errors.ConfigError{Key: "database_url", Reason: "database URL is required"}
	}
	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, &errors.ConfigError{Key: "database_url", Reason: "cannot connect", Cause: err}
	}

	st := store.NewPostgres(pool)
	if err := st.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	e := New(st, nil, cfg, opts...)
	q := queue.NewPostgres(pool, e.logger)
	if err := q.Migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	e.queue = q
	e.pool = pool
	return e, nil
}

// Start subscribes the dispatcher workers to the shared run queue and
// sets up per-workflow queues and cron schedules for the definitions
// registered so far. Definitions registered after Start are wired as
// they arrive.
func (e *Engine) Start(ctx context.Context) error {
	if !e.started.CompareAndSwap(false, true) {
		return nil
	}
	e.runCtx, e.cancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := e.queue.Create(e.runCtx, workflow.RunQueue, queue.CreateOptions{}); err != nil {
		return err
	}
	for i := 0; i < e.cfg.Workers; i++ {
		if err := e.queue.Work(e.runCtx, workflow.RunQueue, e.workOptions(), e.handleJob); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(e.runCtx)
	for _, def := range e.registry.all() {
		def := def
		g.Go(func() error { return e.setupWorkflowQueue(gctx, def) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	e.logger.Info("engine started", "workers", e.cfg.Workers)
	return nil
}

// Stop removes cron schedules and drains the queue workers. In-flight
// dispatches finish unless ctx expires first.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.started.CompareAndSwap(true, false) {
		return nil
	}
	for _, def := range e.registry.all() {
		if def.Cron != nil {
			if err := e.queue.Unschedule(ctx, def.ID); err != nil {
				e.logger.Error("unschedule failed", log.WorkflowKey, def.ID, log.Error(err))
			}
		}
	}
	err := e.queue.Stop(ctx)
	if e.cancel != nil {
		e.cancel()
	}
	if e.pool != nil {
		e.pool.Close()
	}
	e.logger.Info("engine stopped")
	return err
}

func (e *Engine) workOptions() queue.WorkOptions {
	return queue.WorkOptions{PollInterval: e.cfg.PollInterval, BatchSize: e.cfg.BatchSize}
}

// RegisterWorkflow validates and stores a definition. When the engine
// is already running, the workflow's queue and schedule are set up
// immediately.
func (e *Engine) RegisterWorkflow(def *workflow.Definition) error {
	if err := e.registry.add(def); err != nil {
		return err
	}
	if e.started.Load() {
		if err := e.setupWorkflowQueue(e.runCtx, def); err != nil {
			e.registry.remove(def.ID)
			return err
		}
	}
	return nil
}

// UnregisterWorkflow drops the in-memory definition and its schedule.
// Persisted runs are untouched; in-flight jobs for this workflow become
// poison jobs.
func (e *Engine) UnregisterWorkflow(ctx context.Context, id string) error {
	def, ok := e.registry.remove(id)
	if !ok {
		return &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	if e.started.Load() && def.Cron != nil {
		return e.queue.Unschedule(ctx, id)
	}
	return nil
}

// UnregisterAllWorkflows drops every definition.
func (e *Engine) UnregisterAllWorkflows(ctx context.Context) error {
	for _, def := range e.registry.removeAll() {
		if e.started.Load() && def.Cron != nil {
			if err := e.queue.Unschedule(ctx, def.ID); err != nil {
				e.logger.Error("unschedule failed", log.WorkflowKey, def.ID, log.Error(err))
			}
		}
	}
	return nil
}

// Use appends middleware to the dispatch pipeline. Middleware runs on
// every dispatch, including retries, in registration order on the way
// in and reverse order on the way out.
func (e *Engine) Use(mw ...workflow.Middleware) {
	e.mwMu.Lock()
	defer e.mwMu.Unlock()
	e.middlewares = append(e.middlewares, mw...)
}

func (e *Engine) middlewareChain() []workflow.Middleware {
	e.mwMu.RLock()
	defer e.mwMu.RUnlock()
	return append([]workflow.Middleware(nil), e.middlewares...)
}

// StartOptions parameterizes StartWorkflow.
type StartOptions struct {
	// WorkflowID names the registered definition to run.
	WorkflowID string

	// ResourceID optionally scopes the run to a tenant or entity; all
	// later operations on the run must present the same id.
	ResourceID string

	// Input is the run's input document. Nil means {}.
	Input json.RawMessage

	// IdempotencyKey deduplicates creation: while a non-terminal run
	// with the same (workflow, key) exists, StartWorkflow returns it
	// unchanged.
	IdempotencyKey string

	// Timeout overrides the definition's timeout for this run.
	Timeout time.Duration

	// ExpireIn overrides the engine's job expiration for this run's
	// first dispatch.
	ExpireIn time.Duration
}

// StartWorkflow creates a run and enqueues its first dispatch. With a
// Postgres store and queue the insert and the enqueue commit in one
// transaction.
func (e *Engine) StartWorkflow(ctx context.Context, opts StartOptions) (*workflow.Run, error) {
	def := e.registry.get(opts.WorkflowID)
	if def == nil {
		return nil, &errors.ValidationError{
			Field:      "workflowId",
			Message:    "unknown workflow: " + opts.WorkflowID,
			Suggestion: "register the workflow before starting runs",
		}
	}

	input := opts.Input
	if len(input) == 0 {
		input = json.RawMessage(`{}`)
	}
	if def.Schema != nil {
		if err := def.Schema.Validate(input); err != nil {
			return nil, &errors.ValidationError{Field: "input", Message: err.Error()}
		}
	}

	run := &workflow.Run{
		WorkflowID:     opts.WorkflowID,
		ResourceID:     opts.ResourceID,
		Status:         workflow.RunStatusRunning,
		Input:          input,
		Timeline:       workflow.Timeline{},
		MaxRetries:     def.MaxRetries(),
		IdempotencyKey: opts.IdempotencyKey,
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = def.Timeout
	}
	if timeout > 0 {
		at := time.Now().UTC().Add(timeout)
		run.TimeoutAt = &at
	}

	var existing *workflow.Run
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		if opts.IdempotencyKey != "" {
			found, err := tx.FindActiveRunByIdempotencyKey(ctx, opts.WorkflowID, opts.IdempotencyKey)
			if err != nil {
				return err
			}
			if found != nil {
				existing = found
				return nil
			}
		}
		if err := tx.CreateRun(ctx, run); err != nil {
			return err
		}
		jobID, sent, err := e.enqueueDispatchTx(ctx, tx, def, run, nil, opts.ExpireIn, 0)
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
		// A concurrent StartWorkflow with the same key can slip past
		// the lookup and lose the insert race on the unique index; the
		// winner's run is the caller's run.
		if opts.IdempotencyKey != "" && errors.Is(err, store.ErrDuplicateIdempotencyKey) {
			found, ferr := e.store.FindActiveRunByIdempotencyKey(ctx, opts.WorkflowID, opts.IdempotencyKey)
			if ferr != nil {
				return nil, ferr
			}
			if found != nil {
				return found, nil
			}
		}
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	// The injected queue cannot join the store transaction; enqueue
	// after commit instead. At-least-once delivery covers the gap.
	if run.JobID == "" {
		jobID, err := e.enqueueDispatch(ctx, def, run, nil, opts.ExpireIn, 0)
		if err != nil {
			return nil, err
		}
		run.JobID = jobID
		if _, err := e.store.UpdateRun(ctx, run.ID, "", store.Patch{JobID: &jobID}); err != nil {
			return nil, err
		}
	}

	e.logger.Info("run started",
		log.RunIDKey, run.ID, log.WorkflowKey, run.WorkflowID, log.JobIDKey, run.JobID)
	return run.Clone(), nil
}

// RunRef identifies a run, optionally scoped by resource id.
type RunRef struct {
	RunID      string
	ResourceID string
}

// GetRun returns a run snapshot.
func (e *Engine) GetRun(ctx context.Context, ref RunRef) (*workflow.Run, error) {
	return e.store.GetRun(ctx, ref.RunID, ref.ResourceID, store.GetOptions{})
}

// ListOptions filters and pages GetRuns.
type ListOptions struct {
	ResourceID    string
	WorkflowID    string
	Statuses      []workflow.RunStatus
	Limit         int
	StartingAfter string
	EndingBefore  string
}

// GetRuns lists runs newest first with cursor pagination. hasMore
// reports whether rows beyond the returned page exist.
func (e *Engine) GetRuns(ctx context.Context, opts ListOptions) ([]*workflow.Run, bool, error) {
	return e.store.ListRuns(ctx, store.Filter{
		ResourceID:    opts.ResourceID,
		WorkflowID:    opts.WorkflowID,
		Statuses:      opts.Statuses,
		Limit:         opts.Limit,
		StartingAfter: opts.StartingAfter,
		EndingBefore:  opts.EndingBefore,
	})
}

// CheckProgress reports how far a run has advanced through its
// definition's static step list.
func (e *Engine) CheckProgress(ctx context.Context, ref RunRef) (workflow.Progress, error) {
	run, err := e.store.GetRun(ctx, ref.RunID, ref.ResourceID, store.GetOptions{})
	if err != nil {
		return workflow.Progress{}, err
	}
	def := e.registry.get(run.WorkflowID)
	if def == nil {
		return workflow.Progress{}, &errors.NotFoundError{Resource: "workflow", ID: run.WorkflowID}
	}
	return def.ComputeProgress(run), nil
}

// PauseWorkflow flips a non-terminal run to PAUSED. The in-flight
// dispatch, if any, suspends at its next step boundary.
func (e *Engine) PauseWorkflow(ctx context.Context, ref RunRef) (*workflow.Run, error) {
	var out *workflow.Run
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		run, err := tx.GetRun(ctx, ref.RunID, ref.ResourceID, store.GetOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		if run.Status.IsTerminal() {
			return &errors.ValidationError{
				Field:   "runId",
				Message: fmt.Sprintf("run %s is %s and cannot be paused", run.ID, run.Status),
			}
		}
		if run.Status == workflow.RunStatusPaused {
			out = run
			return nil
		}
		status := workflow.RunStatusPaused
		now := time.Now().UTC()
		out, err = tx.UpdateRun(ctx, run.ID, "", store.Patch{Status: &status, PausedAt: &now})
		return err
	})
	return out, err
}

// ResumeWorkflow resumes a manually paused run. It is observationally
// identical to TriggerEvent with the internal pause event.
func (e *Engine) ResumeWorkflow(ctx context.Context, ref RunRef) (*workflow.Run, error) {
	return e.TriggerEvent(ctx, TriggerOptions{
		RunID:      ref.RunID,
		ResourceID: ref.ResourceID,
		EventName:  workflow.PauseEventName,
	})
}

// CancelWorkflow flips a run to CANCELLED. Cancellation is cooperative:
// an in-flight step body is not interrupted, but the next step boundary
// short-circuits and the dispatcher declines to complete the run.
func (e *Engine) CancelWorkflow(ctx context.Context, ref RunRef) (*workflow.Run, error) {
	var out *workflow.Run
	err := e.store.WithTx(ctx, func(ctx context.Context, tx store.Store) error {
		run, err := tx.GetRun(ctx, ref.RunID, ref.ResourceID, store.GetOptions{ForUpdate: true})
		if err != nil {
			return err
		}
		if run.Status == workflow.RunStatusCancelled {
			out = run
			return nil
		}
		if run.Status.IsTerminal() {
			return &errors.ValidationError{
				Field:   "runId",
				Message: fmt.Sprintf("run %s is %s and cannot be cancelled", run.ID, run.Status),
			}
		}
		status := workflow.RunStatusCancelled
		now := time.Now().UTC()
		out, err = tx.UpdateRun(ctx, run.ID, "", store.Patch{Status: &status, CompletedAt: &now})
		return err
	})
	if err != nil {
		return nil, err
	}

	if def := e.registry.get(out.WorkflowID); def != nil {
		e.invokeHook(ctx, "onCancel", out, func() error {
			if def.Hooks.OnCancel == nil {
				return nil
			}
			return def.Hooks.OnCancel(ctx, out.Clone())
		})
	}
	e.metrics.RunCompleted(out.WorkflowID, string(workflow.RunStatusCancelled), time.Since(out.CreatedAt))
	return out, nil
}

// TriggerOptions parameterizes TriggerEvent.
type TriggerOptions struct {
	RunID      string
	ResourceID string

	// EventName is matched against the wait-for marker of the run's
	// current step; mismatches unpause briefly and re-pause on replay.
	EventName string

	// Data becomes the waiting step's cached output on a match.
	Data json.RawMessage

	// ExpireIn overrides the engine's job expiration for this delivery.
	ExpireIn time.Duration
}

// TriggerEvent enqueues one dispatch carrying the event and returns the
// current run snapshot. Delivery is asynchronous; poll the run to
// observe the resumption.
func (e *Engine) TriggerEvent(ctx context.Context, opts TriggerOptions) (*workflow.Run, error) {
	if opts.EventName == "" {
		return nil, &errors.ValidationError{Field: "eventName", Message: "event name is required"}
	}
	run, err := e.store.GetRun(ctx, opts.RunID, opts.ResourceID, store.GetOptions{})
	if err != nil {
		return nil, err
	}
	def := e.registry.get(run.WorkflowID)
	event := &workflow.Event{Name: opts.EventName, Data: opts.Data}
	if _, err := e.enqueueDispatch(ctx, def, run, event, opts.ExpireIn, 0); err != nil {
		return nil, err
	}
	e.logger.Info("event triggered",
		log.RunIDKey, run.ID, log.EventKey, opts.EventName)
	return run, nil
}

// dispatchQueueName routes a run's dispatches: workflows with a cron or
// a concurrency limit get their own queue so queue-level caps apply to
// retries and resumptions too; everything else shares workflow-run.
func (e *Engine) dispatchQueueName(def *workflow.Definition) string {
	if def != nil && (def.Concurrency != nil || def.Cron != nil) {
		return def.ID
	}
	return workflow.RunQueue
}

func (e *Engine) sendOptions(expireIn, startAfter time.Duration) queue.SendOptions {
	if expireIn <= 0 {
		expireIn = e.cfg.JobExpiration
	}
	return queue.SendOptions{StartAfter: startAfter, ExpireIn: expireIn}
}

func (e *Engine) enqueueDispatch(ctx context.Context, def *workflow.Definition, run *workflow.Run, event *workflow.Event, expireIn, startAfter time.Duration) (string, error) {
	payload := runJobPayload{
		RunID:      run.ID,
		ResourceID: run.ResourceID,
		WorkflowID: run.WorkflowID,
		Input:      run.Input,
		Event:      event,
	}
	return e.queue.Send(ctx, e.dispatchQueueName(def), payload, e.sendOptions(expireIn, startAfter))
}

// enqueueDispatchTx enqueues within the store transaction when both
// sides are Postgres. sent=false means the caller must enqueue after
// commit.
func (e *Engine) enqueueDispatchTx(ctx context.Context, tx store.Store, def *workflow.Definition, run *workflow.Run, event *workflow.Event, expireIn, startAfter time.Duration) (jobID string, sent bool, err error) {
	pgStore, ok := tx.(*store.Postgres)
	if !ok {
		return "", false, nil
	}
	pgQueue, ok := e.queue.(*queue.Postgres)
	if !ok {
		return "", false, nil
	}
	pgxTx, ok := pgStore.Tx()
	if !ok {
		return "", false, nil
	}
	payload := runJobPayload{
		RunID:      run.ID,
		ResourceID: run.ResourceID,
		WorkflowID: run.WorkflowID,
		Input:      run.Input,
		Event:      event,
	}
	jobID, err = pgQueue.SendTx(ctx, pgxTx, e.dispatchQueueName(def), payload, e.sendOptions(expireIn, startAfter))
	return jobID, err == nil, err
}

// invokeHook runs a lifecycle hook, logging and swallowing any error or
// panic. Hook failure never affects the run.
func (e *Engine) invokeHook(ctx context.Context, name string, run *workflow.Run, fn func() error) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("hook panicked",
				"hook", name, log.RunIDKey, run.ID, "panic", fmt.Sprint(r))
		}
	}()
	if err := fn(); err != nil {
		e.logger.Error("hook failed",
			"hook", name, log.RunIDKey, run.ID, log.Error(err))
	}
}

// marshalOutput normalizes a handler or step result to JSON; nil maps
// to {} so "present but empty" and "absent" stay distinguishable.
func marshalOutput(v any) (json.RawMessage, error) {
	if v == nil {
		return json.RawMessage(`{}`), nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal step output: %w", err)
	}
	return raw, nil
}
