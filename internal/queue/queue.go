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

// Package queue is the job transport behind the workflow engine: named
// queues with delayed delivery, per-queue concurrency caps, redelivery
// on handler failure, and cron schedules. The Postgres implementation
// claims jobs with FOR UPDATE SKIP LOCKED so multiple engine processes
// can share one database.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Default delivery tuning, applied when options are zero.
const (
	DefaultPollInterval  = 500 * time.Millisecond
	DefaultBatchSize     = 1
	DefaultRetryLimit    = 2
	DefaultRetryDelay    = time.Second
	DefaultExpireIn      = 5 * time.Minute
	scheduleTickInterval = time.Second
)

// Job is a single delivery. Payload is the JSON the sender passed in.
type Job struct {
	ID        string
	Queue     string
	Payload   json.RawMessage
	Attempt   int
	CreatedAt time.Time
}

// Handler processes one job. A nil return completes the job; an error
// requeues it until the queue's retry limit is exhausted.
type Handler func(ctx context.Context, job *Job) error

// CreateOptions configures a queue at creation time.
type CreateOptions struct {
	// ConcurrencyLimit caps how many jobs from this queue may be active
	// at once across all workers. Zero means unlimited.
	ConcurrencyLimit int

	// RetryLimit is how many redeliveries a failing job gets before it
	// is dead-lettered. Negative disables redelivery; zero means
	// DefaultRetryLimit.
	RetryLimit int
}

// SendOptions configures a single send.
type SendOptions struct {
	// StartAfter delays delivery.
	StartAfter time.Duration

	// ExpireIn bounds how long a claimed job may stay active before it
	// is considered abandoned and redelivered. Zero means DefaultExpireIn.
	ExpireIn time.Duration
}

// WorkOptions configures a worker subscription.
type WorkOptions struct {
	PollInterval time.Duration
	BatchSize    int
}

func (o WorkOptions) withDefaults() WorkOptions {
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.BatchSize <= 0 {
		o.BatchSize = DefaultBatchSize
	}
	return o
}

// Queue is the transport contract the engine runs on.
type Queue interface {
	// Create declares a queue. Declaring an existing queue updates its
	// options and is otherwise a no-op.
	Create(ctx context.Context, name string, opts CreateOptions) error

	// Send enqueues one job and returns its id. The payload is
	// marshalled to JSON.
	Send(ctx context.Context, queue string, payload any, opts SendOptions) (string, error)

	// Work subscribes a worker to a queue. It returns immediately;
	// deliveries run on background goroutines until Stop.
	Work(ctx context.Context, queue string, opts WorkOptions, handler Handler) error

	// Schedule registers a cron expression for a queue. Each fire sends
	// a job with a null payload. A queue holds at most one schedule;
	// scheduling again replaces it.
	Schedule(ctx context.Context, queue, cronExpr, timezone string) error

	// Unschedule removes the queue's schedule if one exists.
	Unschedule(ctx context.Context, queue string) error

	// Stop halts workers and the schedule ticker, waiting for in-flight
	// handlers to finish or ctx to expire.
	Stop(ctx context.Context) error
}
