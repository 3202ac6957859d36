// Package workflow defines the domain types of the engine: workflow
// definitions, runs, timelines, step facades, hooks, and middleware.
//
// A workflow is a handler function that invokes named steps. The engine
// replays the handler against a persisted timeline: step calls either
// return cached results or perform their side effect, so the handler can
// be re-entered after crashes, retries, and event-driven resumptions.
package workflow

import (
	"encoding/json"
	"time"
)

// RunStatus represents the lifecycle status of a workflow run.
// Statuses are persisted as lowercase strings.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusPaused    RunStatus = "paused"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
// FAILED is terminal only once the dispatcher has exhausted retries; a
// mid-retry run is flipped back to RUNNING before re-enqueueing.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusCancelled || s == RunStatusFailed
}

// Protocol constants shared with the queue. These event names are part of
// the wire protocol and must not collide with user event names.
const (
	// PauseEventName is the internal event that resumes a manually
	// paused run.
	PauseEventName = "__internal_pause"

	// WaitUntilEventPrefix prefixes the internal event that fires when a
	// waitUntil deadline arrives; the full name is the prefix followed by
	// the step id.
	WaitUntilEventPrefix = "__wait_until_"

	// RunQueue is the shared queue that transports "advance this run"
	// jobs. Workflows with a cron or a concurrency limit get their own
	// queue named after the workflow id instead.
	RunQueue = "workflow-run"
)

// WaitUntilEventName returns the internal event name for a waitUntil step.
func WaitUntilEventName(stepID string) string {
	return WaitUntilEventPrefix + stepID
}

// WaitForMarker records what a paused run is waiting for.
type WaitForMarker struct {
	// EventName is the event that resumes the run.
	EventName string `json:"eventName"`

	// Timeout is advisory metadata in milliseconds. The engine persists
	// it but does not enforce it; enforcement belongs to an external
	// sweeper.
	Timeout int64 `json:"timeout,omitempty"`
}

// TimelineEntry is one entry in a run's timeline. Exactly one of Output
// and WaitFor is set: step-output entries cache a step's result, wait-for
// markers record a pause under the "<stepID>-wait-for" key.
type TimelineEntry struct {
	Output    json.RawMessage `json:"output,omitempty"`
	WaitFor   *WaitForMarker  `json:"waitFor,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// HasOutput reports whether the entry carries a cached step output.
// Step bodies that return nothing are normalized to {} on write, so
// presence is unambiguous.
func (e TimelineEntry) HasOutput() bool {
	return len(e.Output) > 0
}

// Timeline maps step ids to their cached outputs and wait-for markers.
type Timeline map[string]TimelineEntry

// WaitKey returns the timeline key of a step's wait-for marker.
func WaitKey(stepID string) string {
	return stepID + "-wait-for"
}

// Clone returns a deep copy of the timeline.
func (t Timeline) Clone() Timeline {
	if t == nil {
		return nil
	}
	out := make(Timeline, len(t))
	for k, v := range t {
		if v.Output != nil {
			v.Output = append(json.RawMessage(nil), v.Output...)
		}
		if v.WaitFor != nil {
			m := *v.WaitFor
			v.WaitFor = &m
		}
		out[k] = v
	}
	return out
}

// Run is the persisted record of one workflow execution.
type Run struct {
	ID             string          `json:"id"`
	WorkflowID     string          `json:"workflow_id"`
	ResourceID     string          `json:"resource_id,omitempty"`
	Status         RunStatus       `json:"status"`
	Input          json.RawMessage `json:"input,omitempty"`
	Output         json.RawMessage `json:"output,omitempty"`
	Error          string          `json:"error,omitempty"`
	CurrentStepID  string          `json:"current_step_id,omitempty"`
	Timeline       Timeline        `json:"timeline"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	JobID          string          `json:"job_id,omitempty"`
	Cron           string          `json:"cron,omitempty"`
	Timezone       string          `json:"timezone,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	PausedAt       *time.Time      `json:"paused_at,omitempty"`
	ResumedAt      *time.Time      `json:"resumed_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	TimeoutAt      *time.Time      `json:"timeout_at,omitempty"`
}

// Clone returns a deep copy of the run with no aliasing to mutable state.
func (r *Run) Clone() *Run {
	if r == nil {
		return nil
	}
	out := *r
	out.Input = append(json.RawMessage(nil), r.Input...)
	out.Output = append(json.RawMessage(nil), r.Output...)
	out.Timeline = r.Timeline.Clone()
	out.PausedAt = cloneTime(r.PausedAt)
	out.ResumedAt = cloneTime(r.ResumedAt)
	out.CompletedAt = cloneTime(r.CompletedAt)
	out.TimeoutAt = cloneTime(r.TimeoutAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// Event is an external signal delivered to a paused run.
type Event struct {
	Name string          `json:"name"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Progress reports how far a run has advanced through its static step list.
type Progress struct {
	CompletionPercentage int    `json:"completion_percentage"`
	TotalSteps           int    `json:"total_steps"`
	CompletedSteps       int    `json:"completed_steps"`
	CurrentStepID        string `json:"current_step_id,omitempty"`
}

// CompletionResult is handed to the OnComplete hook on every terminal
// transition.
type CompletionResult struct {
	OK     bool            `json:"ok"`
	Output json.RawMessage `json:"output,omitempty"`
	Error  string          `json:"error,omitempty"`
}
