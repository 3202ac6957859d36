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
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/windlass-io/windlass/pkg/errors"
)

// Memory is an in-process queue with the same delivery semantics as the
// Postgres implementation: delayed jobs, per-queue concurrency caps,
// redelivery with a fixed delay, and cron schedules. Claimed jobs never
// expire here because a crashed process takes the whole queue with it.
type Memory struct {
	mu        sync.Mutex
	queues    map[string]*memQueue
	schedules map[string]*memSchedule
	stopCh    chan struct{}
	stopOnce  sync.Once
	tickOnce  sync.Once
	wg        sync.WaitGroup
}

type memQueue struct {
	opts   CreateOptions
	jobs   []*memJob
	active int
}

type memJob struct {
	job         Job
	availableAt time.Time
}

type memSchedule struct {
	spec     cron.Schedule
	location *time.Location
	next     time.Time
}

var _ Queue = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		queues:    make(map[string]*memQueue),
		schedules: make(map[string]*memSchedule),
		stopCh:    make(chan struct{}),
	}
}

func (m *Memory) Create(ctx context.Context, name string, opts CreateOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q, ok := m.queues[name]; ok {
		q.opts = opts
		return nil
	}
	m.queues[name] = &memQueue{opts: opts}
	return nil
}

func (m *Memory) Send(ctx context.Context, queue string, payload any, opts SendOptions) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", &errors.QueueError{Queue: queue, Op: "send", Cause: err}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		q = &memQueue{}
		m.queues[queue] = q
	}
	id := uuid.NewString()
	q.jobs = append(q.jobs, &memJob{
		job: Job{
			ID:        id,
			Queue:     queue,
			Payload:   raw,
			CreatedAt: time.Now().UTC(),
		},
		availableAt: time.Now().Add(opts.StartAfter),
	})
	return id, nil
}

func (m *Memory) Work(ctx context.Context, queue string, opts WorkOptions, handler Handler) error {
	opts = opts.withDefaults()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(opts.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, job := range m.claim(queue, opts.BatchSize) {
					m.wg.Add(1)
					go func(job *Job) {
						defer m.wg.Done()
						m.settle(queue, job, handler(ctx, job))
					}(job)
				}
			}
		}
	}()
	return nil
}

// claim pops up to batch deliverable jobs, honoring the queue's
// concurrency cap, oldest available first.
func (m *Memory) claim(queue string, batch int) []*Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return nil
	}
	if limit := q.opts.ConcurrencyLimit; limit > 0 {
		if free := limit - q.active; free < batch {
			batch = free
		}
	}
	if batch <= 0 {
		return nil
	}

	sort.Slice(q.jobs, func(i, j int) bool {
		return q.jobs[i].availableAt.Before(q.jobs[j].availableAt)
	})
	now := time.Now()
	var claimed []*Job
	var remaining []*memJob
	for _, mj := range q.jobs {
		if len(claimed) < batch && !mj.availableAt.After(now) {
			mj.job.Attempt++
			job := mj.job
			claimed = append(claimed, &job)
			q.active++
			continue
		}
		remaining = append(remaining, mj)
	}
	q.jobs = remaining
	return claimed
}

func (m *Memory) settle(queue string, job *Job, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return
	}
	q.active--
	if err == nil {
		return
	}
	retryLimit := q.opts.RetryLimit
	if retryLimit == 0 {
		retryLimit = DefaultRetryLimit
	}
	if job.Attempt > retryLimit {
		// Dead-lettered. The dispatcher owns run-level failure handling,
		// so dropping the delivery is enough here.
		return
	}
	q.jobs = append(q.jobs, &memJob{job: *job, availableAt: time.Now().Add(DefaultRetryDelay)})
}

func (m *Memory) Schedule(ctx context.Context, queue, cronExpr, timezone string) error {
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

	m.mu.Lock()
	m.schedules[queue] = &memSchedule{
		spec:     spec,
		location: loc,
		next:     spec.Next(time.Now().In(loc)),
	}
	m.mu.Unlock()

	m.tickOnce.Do(m.startScheduleTicker)
	return nil
}

func (m *Memory) Unschedule(ctx context.Context, queue string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, queue)
	return nil
}

func (m *Memory) startScheduleTicker() {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(scheduleTickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-m.stopCh:
				return
			case <-ticker.C:
				m.fireDue()
			}
		}
	}()
}

func (m *Memory) fireDue() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	for queue, sched := range m.schedules {
		if sched.next.After(now) {
			continue
		}
		q, ok := m.queues[queue]
		if !ok {
			q = &memQueue{}
			m.queues[queue] = q
		}
		q.jobs = append(q.jobs, &memJob{
			job: Job{
				ID:        uuid.NewString(),
				Queue:     queue,
				Payload:   json.RawMessage("null"),
				CreatedAt: now.UTC(),
			},
			availableAt: now,
		})
		sched.next = sched.spec.Next(now.In(sched.location))
	}
}

func (m *Memory) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "queue: stop")
	}
}
