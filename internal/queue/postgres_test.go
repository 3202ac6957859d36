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
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func testPostgresQueue(t *testing.T) (*Postgres, *pgxpool.Pool) {
	t.Helper()
	url := os.Getenv("WINDLASS_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("WINDLASS_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)

	q := NewPostgres(pool, nil)
	if err := q.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, table := range []string{"workflow_jobs", "workflow_queues", "workflow_schedules"} {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return q, pool
}

func TestPostgresSendAndWork(t *testing.T) {
	q, _ := testPostgresQueue(t)
	ctx := context.Background()
	defer stopQueue(t, q)

	if err := q.Create(ctx, "runs", CreateOptions{}); err != nil {
		t.Fatal(err)
	}

	got := make(chan *Job, 1)
	err := q.Work(ctx, "runs", fastWork(), func(ctx context.Context, job *Job) error {
		got <- job
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	id, err := q.Send(ctx, "runs", map[string]string{"runId": "run_pg"}, SendOptions{})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case job := <-got:
		if job.ID != id || job.Attempt != 1 {
			t.Errorf("job = %+v, want id %s attempt 1", job, id)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("job never delivered")
	}
}

func TestPostgresSendTxRollsBackWithTransaction(t *testing.T) {
	q, pool := testPostgresQueue(t)
	ctx := context.Background()
	defer stopQueue(t, q)

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.SendTx(ctx, tx, "runs", nil, SendOptions{}); err != nil {
		t.Fatal(err)
	}
	if err := tx.Rollback(ctx); err != nil {
		t.Fatal(err)
	}

	var count int
	if err := pool.QueryRow(ctx,
		`SELECT count(*) FROM workflow_jobs WHERE queue = 'runs'`).Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("jobs after rollback = %d, want 0", count)
	}
}

func TestPostgresConcurrencyLimit(t *testing.T) {
	q, _ := testPostgresQueue(t)
	ctx := context.Background()
	defer stopQueue(t, q)

	if err := q.Create(ctx, "limited", CreateOptions{ConcurrencyLimit: 1}); err != nil {
		t.Fatal(err)
	}

	var active, peak atomic.Int32
	done := make(chan struct{}, 3)
	err := q.Work(ctx, "limited", fastWork(), func(ctx context.Context, job *Job) error {
		if now := active.Add(1); now > peak.Load() {
			peak.Store(now)
		}
		time.Sleep(100 * time.Millisecond)
		active.Add(-1)
		done <- struct{}{}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := q.Send(ctx, "limited", nil, SendOptions{}); err != nil {
			t.Fatal(err)
		}
	}
	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Fatal("jobs never drained")
		}
	}
	if peak.Load() != 1 {
		t.Errorf("peak concurrency = %d, want 1", peak.Load())
	}
}
