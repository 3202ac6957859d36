package workflow

import (
	"context"
	"encoding/json"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/windlass-io/windlass/pkg/errors"
)

// StepType distinguishes the kinds of durable steps a handler may invoke.
type StepType string

const (
	// StepTypeRun performs work and caches its output.
	StepTypeRun StepType = "run"
	// StepTypeWaitFor pauses the run until an external event arrives.
	StepTypeWaitFor StepType = "waitFor"
	// StepTypePause pauses the run until it is manually resumed.
	StepTypePause StepType = "pause"
	// StepTypeWaitUntil pauses the run until a wall-clock instant.
	StepTypeWaitUntil StepType = "waitUntil"
)

// Step describes one entry of a definition's static step list. The list is
// an explicit registration argument; it must mirror the steps the handler
// invokes, in handler control-flow order, and is used for progress
// reporting, duplicate detection, and the completion check.
type Step struct {
	ID   string   `json:"id"`
	Type StepType `json:"type"`

	// Conditional marks a step the handler may skip.
	Conditional bool `json:"conditional,omitempty"`

	// Loop marks a step invoked from a loop body.
	Loop bool `json:"loop,omitempty"`

	// Dynamic marks a step whose id is computed at runtime.
	Dynamic bool `json:"dynamic,omitempty"`
}

// RunStep declares a run-type step for a static step list.
func RunStep(id string) Step { return Step{ID: id, Type: StepTypeRun} }

// WaitForStep declares a waitFor-type step.
func WaitForStep(id string) Step { return Step{ID: id, Type: StepTypeWaitFor} }

// PauseStep declares a pause-type step.
func PauseStep(id string) Step { return Step{ID: id, Type: StepTypePause} }

// WaitUntilStep declares a waitUntil-type step.
func WaitUntilStep(id string) Step { return Step{ID: id, Type: StepTypeWaitUntil} }

// Handler is the user-supplied workflow body. It is re-entered from the
// top on every dispatch; step calls on wf.Step serve cached results on
// replay. A suspension surfaces as ErrSuspended, which the handler
// propagates like any other error.
type Handler func(ctx context.Context, wf *Context) (any, error)

// Schema validates workflow input at run creation. The engine treats it
// as an external collaborator; any validation library can sit behind it.
type Schema interface {
	Validate(input json.RawMessage) error
}

// CronConfig triggers runs on a schedule. Expressions use the standard
// 5-field cron format; Timezone defaults to UTC.
type CronConfig struct {
	Expression string `json:"expression" yaml:"expression"`
	Timezone   string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

// Validate parses the expression and the timezone.
func (c *CronConfig) Validate() error {
	if _, err := cron.ParseStandard(c.Expression); err != nil {
		return &errors.ValidationError{
			Field:      "cron.expression",
			Message:    err.Error(),
			Suggestion: "use a standard 5-field cron expression, e.g. \"*/5 * * * *\"",
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return &errors.ValidationError{
				Field:      "cron.timezone",
				Message:    err.Error(),
				Suggestion: "use an IANA timezone name, e.g. \"Europe/London\"",
			}
		}
	}
	return nil
}

// Location resolves the configured timezone, defaulting to UTC.
func (c *CronConfig) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ConcurrencyConfig caps the number of simultaneously executing handler
// dispatches for one workflow id.
type ConcurrencyConfig struct {
	Limit int `json:"limit" yaml:"limit"`
}

// Hooks are lifecycle callbacks invoked by the dispatcher. A hook that
// returns an error (or panics) is logged and swallowed; hook failure never
// affects the run's status or the retry decision.
type Hooks struct {
	// OnStart fires once per run, on its first dispatch.
	OnStart func(ctx context.Context, run *Run) error

	// OnSuccess fires when the run completes successfully.
	OnSuccess func(ctx context.Context, run *Run) error

	// OnFailure fires when the run fails terminally.
	OnFailure func(ctx context.Context, run *Run, err error) error

	// OnComplete fires exactly once per terminal transition, after
	// OnSuccess or OnFailure.
	OnComplete func(ctx context.Context, run *Run, result CompletionResult) error

	// OnCancel fires when the run is cancelled.
	OnCancel func(ctx context.Context, run *Run) error
}

// Definition describes a registered workflow. Definitions are immutable
// once registered and shared across all dispatcher workers.
type Definition struct {
	// ID uniquely identifies the workflow.
	ID string

	// Handler is the workflow body.
	Handler Handler

	// Steps is the static step list, in handler control-flow order.
	Steps []Step

	// Schema optionally validates run input.
	Schema Schema

	// Timeout, when positive, sets timeout_at on new runs. Enforcement
	// is left to an external sweeper; the field is observable only.
	Timeout time.Duration

	// Retries is the shorthand retry count with default backoff. An
	// explicit Retry config takes precedence.
	Retries int

	// Retry overrides the Retries shorthand with a full policy.
	Retry *RetryConfig

	// Cron triggers runs on a schedule.
	Cron *CronConfig

	// Concurrency caps simultaneous dispatches for this workflow.
	Concurrency *ConcurrencyConfig

	// Hooks are the lifecycle callbacks.
	Hooks Hooks
}

// MaxRetries resolves the configured retry budget.
func (d *Definition) MaxRetries() int {
	if d.Retry != nil {
		return d.Retry.MaxAttempts
	}
	return d.Retries
}

// BackoffPolicy resolves the backoff used between retries.
func (d *Definition) BackoffPolicy() Backoff {
	if d.Retry != nil {
		return d.Retry.Backoff.withDefaults()
	}
	return defaultBackoff()
}

// LastStepID returns the id of the final static step, or "" for an empty
// list. A run completes only when the handler has advanced to this step.
func (d *Definition) LastStepID() string {
	if len(d.Steps) == 0 {
		return ""
	}
	return d.Steps[len(d.Steps)-1].ID
}

// Validate checks the definition at registration time.
func (d *Definition) Validate() error {
	if d.ID == "" {
		return &errors.ValidationError{Field: "id", Message: "workflow id is required"}
	}
	if d.Handler == nil {
		return &errors.ValidationError{Field: "handler", Message: "handler is required"}
	}
	if len(d.Steps) == 0 {
		return &errors.ValidationError{
			Field:      "steps",
			Message:    "static step list is empty",
			Suggestion: "declare every step the handler invokes, in order",
		}
	}

	seen := make(map[string]bool, len(d.Steps))
	for _, s := range d.Steps {
		if s.ID == "" {
			return &errors.ValidationError{Field: "steps", Message: "step id is empty"}
		}
		if seen[s.ID] {
			return &errors.ValidationError{
				Field:   "steps",
				Message: "duplicate step id: " + s.ID,
			}
		}
		seen[s.ID] = true
		switch s.Type {
		case StepTypeRun, StepTypeWaitFor, StepTypePause, StepTypeWaitUntil:
		default:
			return &errors.ValidationError{
				Field:   "steps",
				Message: "unknown step type: " + string(s.Type),
			}
		}
	}

	if d.Concurrency != nil && d.Concurrency.Limit < 1 {
		return &errors.ValidationError{Field: "concurrency.limit", Message: "limit must be at least 1"}
	}

	if d.Cron != nil {
		if err := d.Cron.Validate(); err != nil {
			return err
		}
		// Cron runs always carry empty input.
		if d.Schema != nil {
			if err := d.Schema.Validate(json.RawMessage(`{}`)); err != nil {
				return &errors.ValidationError{
					Field:      "schema",
					Message:    "input schema rejects the empty input that cron runs carry: " + err.Error(),
					Suggestion: "make all schema fields optional for cron workflows",
				}
			}
		}
	}

	if d.Retry != nil && d.Retry.MaxAttempts < 0 {
		return &errors.ValidationError{Field: "retry.maxAttempts", Message: "must not be negative"}
	}
	if d.Retries < 0 {
		return &errors.ValidationError{Field: "retries", Message: "must not be negative"}
	}

	return nil
}

// ComputeProgress derives a run's progress against the definition's
// static step list. Completion percentage is 100 exactly when the run is
// COMPLETED; otherwise it is the share of static steps with cached
// outputs, clamped below 100 so an in-flight final step never reads as
// done.
func (d *Definition) ComputeProgress(run *Run) Progress {
	total := len(d.Steps)
	completed := 0
	for _, s := range d.Steps {
		if entry, ok := run.Timeline[s.ID]; ok && entry.HasOutput() {
			completed++
		}
	}

	p := Progress{
		TotalSteps:     total,
		CompletedSteps: completed,
		CurrentStepID:  run.CurrentStepID,
	}
	switch {
	case run.Status == RunStatusCompleted:
		p.CompletionPercentage = 100
	case total > 0:
		p.CompletionPercentage = completed * 100 / total
		if p.CompletionPercentage >= 100 {
			p.CompletionPercentage = 99
		}
	}
	return p
}
