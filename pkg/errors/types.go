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

package errors

import (
	"fmt"
)

// ValidationError represents user input validation failures.
// Use this for invalid registrations, malformed definitions, or
// constraint violations surfaced synchronously to the caller.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NotFoundError represents a resource not found error.
// Use this when a requested resource does not exist, or when a run is
// scoped to a different resource id than the one supplied. The two cases
// are deliberately indistinguishable to callers.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "run", "workflow")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// WorkflowError represents a workflow run failure surfaced to the caller.
// It carries enough context to correlate the failure with the persisted
// run record.
type WorkflowError struct {
	// WorkflowID is the definition the failing run belongs to
	WorkflowID string

	// RunID is the failing run
	RunID string

	// Message is the human-readable error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *WorkflowError) Error() string {
	msg := fmt.Sprintf("workflow %s run %s failed", e.WorkflowID, e.RunID)
	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}
	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *WorkflowError) Unwrap() error {
	return e.Cause
}

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "database_url", "workers")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// QueueError represents a failure in the underlying job queue transport.
// The queue's own at-least-once semantics handle redelivery; this type
// exists so callers can distinguish transport failures from run failures.
type QueueError struct {
	// Queue is the name of the queue the operation targeted
	Queue string

	// Op describes the operation that failed (e.g., "send", "schedule")
	Op string

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *QueueError) Error() string {
	return fmt.Sprintf("queue %s: %s failed: %v", e.Queue, e.Op, e.Cause)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *QueueError) Unwrap() error {
	return e.Cause
}
