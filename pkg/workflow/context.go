package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"
)

// ErrSuspended is returned by step calls when the run cannot advance in
// this dispatch: it just entered PAUSED, or the row is already paused,
// cancelled, or failed. Handlers propagate it like any other error; the
// dispatcher interprets it as end-of-dispatch, not as a failure.
var ErrSuspended = errors.New("workflow run suspended")

// EventSpec names the external event a waitFor step blocks on.
type EventSpec struct {
	// Event is the event name to match.
	Event string

	// Timeout is advisory metadata persisted into the wait-for marker.
	// The engine does not enforce it.
	Timeout time.Duration
}

// Stepper is the step facade handed to handlers. The engine provides the
// implementation; each method is a durable suspension point.
//
// All methods return ErrSuspended when the run cannot advance, and the
// cached output on replay.
type Stepper interface {
	// Run executes body at most once to success and caches its result.
	// A nil body result is normalized to {}.
	Run(ctx context.Context, stepID string, body func(ctx context.Context) (any, error)) (json.RawMessage, error)

	// WaitFor pauses the run until the named event arrives; the event's
	// data becomes the step's cached output.
	WaitFor(ctx context.Context, stepID string, spec EventSpec) (json.RawMessage, error)

	// Pause pauses the run until it is manually resumed.
	Pause(ctx context.Context, stepID string) (json.RawMessage, error)

	// WaitUntil pauses the run until the given wall-clock instant, using
	// the queue's delayed delivery as the timer.
	WaitUntil(ctx context.Context, stepID string, at time.Time) (json.RawMessage, error)
}

// ScheduleContext is supplied to cron-triggered runs only; API-initiated
// runs see a nil schedule, which distinguishes the two on the read path.
type ScheduleContext struct {
	// Timestamp is the creation time of this cron run.
	Timestamp time.Time `json:"timestamp"`

	// LastTimestamp is the completion time of the previous COMPLETED run
	// of this workflow, nil on the first trigger.
	LastTimestamp *time.Time `json:"last_timestamp,omitempty"`

	// Timezone is the schedule's timezone, defaulting to UTC.
	Timezone string `json:"timezone"`
}

// Context is the per-dispatch view of a run handed to the handler. It is
// rebuilt for every dispatch; the timeline snapshot reflects the run as
// loaded at dispatch start.
type Context struct {
	// RunID identifies the run being advanced.
	RunID string

	// WorkflowID identifies the definition.
	WorkflowID string

	// ResourceID is the opaque scope the run was created under.
	ResourceID string

	// Input is the run's input document.
	Input json.RawMessage

	// Timeline is a read-only snapshot of the run's timeline at dispatch
	// start. Step calls consult live state; this is for handler
	// introspection only.
	Timeline Timeline

	// Step is the durable step facade.
	Step Stepper

	// Schedule is set only for cron-triggered runs.
	Schedule *ScheduleContext

	// Logger is scoped to this run.
	Logger *slog.Logger

	// Event is the event carried by the job that triggered this
	// dispatch, if any.
	Event *Event
}

// BindInput unmarshals the run input into v.
func (c *Context) BindInput(v any) error {
	if len(c.Input) == 0 {
		return nil
	}
	return json.Unmarshal(c.Input, v)
}
