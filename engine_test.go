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

package windlass

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/windlass-io/windlass/internal/queue"
	"github.com/windlass-io/windlass/internal/store"
	"github.com/windlass-io/windlass/pkg/errors"
	"github.com/windlass-io/windlass/pkg/workflow"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := Config{
		Workers:      2,
		PollInterval: 5 * time.Millisecond,
		BatchSize:    4,
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(store.NewMemory(), queue.NewMemory(), cfg, WithLogger(logger))
}

func startEngine(t *testing.T, e *Engine) {
	t.Helper()
	ctx := context.Background()
	if err := e.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := e.Stop(stopCtx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
}

func waitForStatus(t *testing.T, e *Engine, runID string, want workflow.RunStatus) *workflow.Run {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		run, err := e.GetRun(context.Background(), RunRef{RunID: runID})
		if err != nil {
			t.Fatalf("GetRun: %v", err)
		}
		if run.Status == want {
			return run
		}
		if run.Status.IsTerminal() && !want.IsTerminal() {
			t.Fatalf("run went terminal (%s, error %q) while waiting for %s", run.Status, run.Error, want)
		}
		time.Sleep(10 * time.Millisecond)
	}
	run, _ := e.GetRun(context.Background(), RunRef{RunID: runID})
	t.Fatalf("run %s never reached %s; last status %s, error %q", runID, want, run.Status, run.Error)
	return nil
}

func TestSingleStepRunCompletes(t *testing.T) {
	e := newTestEngine(t)
	def := &workflow.Definition{
		ID: "w1",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return wf.Step.Run(ctx, "a", func(ctx context.Context) (any, error) {
				return map[string]int{"n": 7}, nil
			})
		},
		Steps: []workflow.Step{workflow.RunStep("a")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	run, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "w1"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	if run.Status != workflow.RunStatusRunning {
		t.Errorf("new run status = %s, want running", run.Status)
	}

	final := waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)
	var out map[string]int
	if err := json.Unmarshal(final.Output, &out); err != nil {
		t.Fatalf("unmarshal output: %v", err)
	}
	if out["n"] != 7 {
		t.Errorf("output = %s, want {\"n\":7}", final.Output)
	}
	entry, ok := final.Timeline["a"]
	if !ok || !entry.HasOutput() {
		t.Fatalf("timeline missing step a: %+v", final.Timeline)
	}
	if entry.Timestamp.IsZero() {
		t.Error("timeline entry has zero timestamp")
	}

	progress, err := e.CheckProgress(context.Background(), RunRef{RunID: run.ID})
	if err != nil {
		t.Fatalf("CheckProgress: %v", err)
	}
	if progress.CompletionPercentage != 100 || progress.TotalSteps != 1 || progress.CompletedSteps != 1 {
		t.Errorf("progress = %+v, want 100%% of 1 step", progress)
	}
}

func TestWaitForEventResume(t *testing.T) {
	e := newTestEngine(t)
	def := &workflow.Definition{
		ID: "w-wait",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			if _, err := wf.Step.Run(ctx, "s1", func(ctx context.Context) (any, error) {
				return "r1", nil
			}); err != nil {
				return nil, err
			}
			if _, err := wf.Step.WaitFor(ctx, "s2", workflow.EventSpec{Event: "e", Timeout: 30 * time.Second}); err != nil {
				return nil, err
			}
			return "done", nil
		},
		Steps: []workflow.Step{workflow.RunStep("s1"), workflow.WaitForStep("s2")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	run, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "w-wait"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	paused := waitForStatus(t, e, run.ID, workflow.RunStatusPaused)
	if paused.CurrentStepID != "s2" {
		t.Errorf("paused at %q, want s2", paused.CurrentStepID)
	}
	marker := paused.Timeline[workflow.WaitKey("s2")]
	if marker.WaitFor == nil || marker.WaitFor.EventName != "e" {
		t.Fatalf("wait-for marker = %+v, want event e", marker.WaitFor)
	}
	if marker.WaitFor.Timeout != 30_000 {
		t.Errorf("marker timeout = %d, want 30000 ms", marker.WaitFor.Timeout)
	}
	progress, err := e.CheckProgress(context.Background(), RunRef{RunID: run.ID})
	if err != nil {
		t.Fatalf("CheckProgress: %v", err)
	}
	if progress.CompletionPercentage != 50 {
		t.Errorf("paused progress = %d%%, want 50%%", progress.CompletionPercentage)
	}

	if _, err := e.TriggerEvent(context.Background(), TriggerOptions{
		RunID:     run.ID,
		EventName: "e",
		Data:      json.RawMessage(`{"ok":true}`),
	}); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}

	final := waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)
	if got := string(final.Timeline["s2"].Output); got != `{"ok":true}` {
		t.Errorf("s2 output = %s, want {\"ok\":true}", got)
	}
	var out string
	if err := json.Unmarshal(final.Output, &out); err != nil || out != "done" {
		t.Errorf("output = %s, want \"done\"", final.Output)
	}
	if final.ResumedAt == nil {
		t.Error("resumed run has nil ResumedAt")
	}
	if final.PausedAt != nil {
		t.Error("completed run still has PausedAt set")
	}
}

func TestStaleEventDoesNotResume(t *testing.T) {
	e := newTestEngine(t)
	def := &workflow.Definition{
		ID: "w-stale",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			if _, err := wf.Step.WaitFor(ctx, "gate", workflow.EventSpec{Event: "open"}); err != nil {
				return nil, err
			}
			return nil, nil
		},
		Steps: []workflow.Step{workflow.WaitForStep("gate")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	run, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "w-stale"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitForStatus(t, e, run.ID, workflow.RunStatusPaused)

	// Wrong event: the run unpauses briefly, replays, and re-pauses at
	// the same step without caching an output.
	if _, err := e.TriggerEvent(context.Background(), TriggerOptions{
		RunID:     run.ID,
		EventName: "wrong",
	}); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	cur := waitForStatus(t, e, run.ID, workflow.RunStatusPaused)
	if cur.Timeline["gate"].HasOutput() {
		t.Errorf("stale event cached an output: %s", cur.Timeline["gate"].Output)
	}

	if _, err := e.TriggerEvent(context.Background(), TriggerOptions{
		RunID:     run.ID,
		EventName: "open",
	}); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	final := waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)
	if got := string(final.Timeline["gate"].Output); got != `{}` {
		t.Errorf("gate output = %s, want {} for a data-less event", got)
	}
}

func TestRetrySucceedsAfterFailures(t *testing.T) {
	e := newTestEngine(t)
	var attempts atomic.Int32
	var attemptTimes []time.Time
	var mu sync.Mutex

	def := &workflow.Definition{
		ID: "w-retry",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return wf.Step.Run(ctx, "flaky", func(ctx context.Context) (any, error) {
				mu.Lock()
				attemptTimes = append(attemptTimes, time.Now())
				mu.Unlock()
				if attempts.Add(1) < 3 {
					return nil, errors.New("transient failure")
				}
				return "ok", nil
			})
		},
		Steps:   []workflow.Step{workflow.RunStep("flaky")},
		Retries: 3,
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	run, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "w-retry"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	final := waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)
	if got := attempts.Load(); got != 3 {
		t.Errorf("body invoked %d times, want 3", got)
	}
	var out string
	if err := json.Unmarshal(final.Output, &out); err != nil || out != "ok" {
		t.Errorf("output = %s, want \"ok\"", final.Output)
	}
	if final.RetryCount != 2 {
		t.Errorf("retry count = %d, want 2", final.RetryCount)
	}

	// Default backoff doubles from 500ms; jitter is off for the
	// shorthand policy so the gaps have hard lower bounds.
	mu.Lock()
	defer mu.Unlock()
	if len(attemptTimes) != 3 {
		t.Fatalf("recorded %d attempts, want 3", len(attemptTimes))
	}
	if gap := attemptTimes[1].Sub(attemptTimes[0]); gap < 500*time.Millisecond {
		t.Errorf("first retry gap = %v, want >= 500ms", gap)
	}
	if gap := attemptTimes[2].Sub(attemptTimes[1]); gap < time.Second {
		t.Errorf("second retry gap = %v, want >= 1s", gap)
	}
}

func TestRetryExhaustionFails(t *testing.T) {
	e := newTestEngine(t)
	var attempts atomic.Int32
	var onFailure, onComplete atomic.Int32
	var completeResult workflow.CompletionResult
	var mu sync.Mutex

	def := &workflow.Definition{
		ID: "w-exhaust",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return wf.Step.Run(ctx, "doomed", func(ctx context.Context) (any, error) {
				attempts.Add(1)
				return nil, errors.New("boom")
			})
		},
		Steps: []workflow.Step{workflow.RunStep("doomed")},
		Retry: &workflow.RetryConfig{
			MaxAttempts: 2,
			Backoff:     workflow.Backoff{MinDelay: 20 * time.Millisecond, MaxDelay: 50 * time.Millisecond},
		},
		Hooks: workflow.Hooks{
			OnFailure: func(ctx context.Context, run *workflow.Run, err error) error {
				onFailure.Add(1)
				return nil
			},
			OnComplete: func(ctx context.Context, run *workflow.Run, result workflow.CompletionResult) error {
				onComplete.Add(1)
				mu.Lock()
				completeResult = result
				mu.Unlock()
				return nil
			},
		},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	run, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "w-exhaust"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}

	final := waitForStatus(t, e, run.ID, workflow.RunStatusFailed)
	if got := attempts.Load(); got != 3 {
		t.Errorf("body invoked %d times, want 3 (initial + 2 retries)", got)
	}
	if !strings.Contains(final.Error, "boom") {
		t.Errorf("error = %q, want it to contain the step error", final.Error)
	}
	if final.CompletedAt == nil {
		t.Error("failed run has nil CompletedAt")
	}

	// Hooks are called once each; poll briefly since they fire after
	// the status flip.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && onComplete.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := onFailure.Load(); got != 1 {
		t.Errorf("onFailure called %d times, want 1", got)
	}
	if got := onComplete.Load(); got != 1 {
		t.Errorf("onComplete called %d times, want 1", got)
	}
	mu.Lock()
	defer mu.Unlock()
	if completeResult.OK {
		t.Error("onComplete result.OK = true, want false")
	}
	if !strings.Contains(completeResult.Error, "boom") {
		t.Errorf("onComplete result.Error = %q, want it to contain the step error", completeResult.Error)
	}
}

func TestZeroRetriesFailsOnFirstError(t *testing.T) {
	e := newTestEngine(t)
	var attempts atomic.Int32
	def := &workflow.Definition{
		ID: "w-noretry",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return wf.Step.Run(ctx, "once", func(ctx context.Context) (any, error) {
				attempts.Add(1)
				return nil, errors.New("fatal")
			})
		},
		Steps: []workflow.Step{workflow.RunStep("once")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	run, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "w-noretry"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	final := waitForStatus(t, e, run.ID, workflow.RunStatusFailed)
	if final.RetryCount != 0 {
		t.Errorf("retry count = %d, want 0", final.RetryCount)
	}

	// Extra queue redeliveries must not re-run the body of a failed run.
	time.Sleep(100 * time.Millisecond)
	if got := attempts.Load(); got != 1 {
		t.Errorf("body invoked %d times, want 1", got)
	}
}

func TestIdempotentStart(t *testing.T) {
	e := newTestEngine(t)
	def := &workflow.Definition{
		ID: "w-idem",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			if _, err := wf.Step.WaitFor(ctx, "hold", workflow.EventSpec{Event: "go"}); err != nil {
				return nil, err
			}
			return nil, nil
		},
		Steps: []workflow.Step{workflow.WaitForStep("hold")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	ctx := context.Background()
	first, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-idem", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitForStatus(t, e, first.ID, workflow.RunStatusPaused)

	second, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-idem", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("second StartWorkflow: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("duplicate start created run %s, want existing %s", second.ID, first.ID)
	}

	if _, err := e.CancelWorkflow(ctx, RunRef{RunID: first.ID}); err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}

	third, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-idem", IdempotencyKey: "k"})
	if err != nil {
		t.Fatalf("third StartWorkflow: %v", err)
	}
	if third.ID == first.ID {
		t.Error("terminal run still holds the idempotency key")
	}
}

func TestConcurrencyLimit(t *testing.T) {
	e := newTestEngine(t)
	var active, peak atomic.Int32

	def := &workflow.Definition{
		ID: "w-capped",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return wf.Step.Run(ctx, "slow", func(ctx context.Context) (any, error) {
				n := active.Add(1)
				for {
					p := peak.Load()
					if n <= p || peak.CompareAndSwap(p, n) {
						break
					}
				}
				time.Sleep(300 * time.Millisecond)
				active.Add(-1)
				return nil, nil
			})
		},
		Steps:       []workflow.Step{workflow.RunStep("slow")},
		Concurrency: &workflow.ConcurrencyConfig{Limit: 1},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		run, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-capped"})
		if err != nil {
			t.Fatalf("StartWorkflow: %v", err)
		}
		ids = append(ids, run.ID)
	}
	for _, id := range ids {
		waitForStatus(t, e, id, workflow.RunStatusCompleted)
	}
	if got := peak.Load(); got != 1 {
		t.Errorf("peak concurrent handlers = %d, want 1", got)
	}
}

func TestPauseAndResume(t *testing.T) {
	e := newTestEngine(t)
	release := make(chan struct{})
	var resumed atomic.Bool

	def := &workflow.Definition{
		ID: "w-pause",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			if _, err := wf.Step.Run(ctx, "first", func(ctx context.Context) (any, error) {
				<-release
				return nil, nil
			}); err != nil {
				return nil, err
			}
			if _, err := wf.Step.Run(ctx, "second", func(ctx context.Context) (any, error) {
				resumed.Store(true)
				return nil, nil
			}); err != nil {
				return nil, err
			}
			return nil, nil
		},
		Steps: []workflow.Step{workflow.RunStep("first"), workflow.RunStep("second")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	ctx := context.Background()
	run, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-pause"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitForStatus(t, e, run.ID, workflow.RunStatusRunning)

	paused, err := e.PauseWorkflow(ctx, RunRef{RunID: run.ID})
	if err != nil {
		t.Fatalf("PauseWorkflow: %v", err)
	}
	if paused.Status != workflow.RunStatusPaused || paused.PausedAt == nil {
		t.Fatalf("pause produced status %s, PausedAt %v", paused.Status, paused.PausedAt)
	}
	close(release)

	// The in-flight dispatch suspends at the next step boundary instead
	// of advancing past it.
	time.Sleep(100 * time.Millisecond)
	if resumed.Load() {
		t.Fatal("second step ran while the run was paused")
	}

	if _, err := e.ResumeWorkflow(ctx, RunRef{RunID: run.ID}); err != nil {
		t.Fatalf("ResumeWorkflow: %v", err)
	}
	final := waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)
	if !resumed.Load() {
		t.Error("second step never ran after resume")
	}
	if final.ResumedAt == nil {
		t.Error("resumed run has nil ResumedAt")
	}
}

func TestCancelIsCooperative(t *testing.T) {
	e := newTestEngine(t)
	entered := make(chan struct{})
	release := make(chan struct{})
	var secondRan atomic.Bool
	var onCancel atomic.Int32

	def := &workflow.Definition{
		ID: "w-cancel",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			if _, err := wf.Step.Run(ctx, "long", func(ctx context.Context) (any, error) {
				close(entered)
				<-release
				return "partial", nil
			}); err != nil {
				return nil, err
			}
			if _, err := wf.Step.Run(ctx, "after", func(ctx context.Context) (any, error) {
				secondRan.Store(true)
				return nil, nil
			}); err != nil {
				return nil, err
			}
			return nil, nil
		},
		Steps: []workflow.Step{workflow.RunStep("long"), workflow.RunStep("after")},
		Hooks: workflow.Hooks{
			OnCancel: func(ctx context.Context, run *workflow.Run) error {
				onCancel.Add(1)
				return nil
			},
		},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	ctx := context.Background()
	run, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-cancel"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	<-entered

	cancelled, err := e.CancelWorkflow(ctx, RunRef{RunID: run.ID})
	if err != nil {
		t.Fatalf("CancelWorkflow: %v", err)
	}
	if cancelled.Status != workflow.RunStatusCancelled {
		t.Fatalf("status = %s, want cancelled", cancelled.Status)
	}
	if got := onCancel.Load(); got != 1 {
		t.Errorf("onCancel called %d times, want 1", got)
	}
	close(release)

	time.Sleep(100 * time.Millisecond)
	if secondRan.Load() {
		t.Error("step after cancellation executed")
	}
	final, err := e.GetRun(ctx, RunRef{RunID: run.ID})
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if final.Status != workflow.RunStatusCancelled {
		t.Errorf("final status = %s, want cancelled to stick", final.Status)
	}

	if _, err := e.CancelWorkflow(ctx, RunRef{RunID: run.ID}); err != nil {
		t.Errorf("re-cancel of a cancelled run should be a no-op, got %v", err)
	}
	if _, err := e.PauseWorkflow(ctx, RunRef{RunID: run.ID}); !errors.IsValidation(err) {
		t.Errorf("pausing a cancelled run = %v, want validation error", err)
	}
}

func TestWaitUntilTimer(t *testing.T) {
	e := newTestEngine(t)
	def := &workflow.Definition{
		ID: "w-timer",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			out, err := wf.Step.WaitUntil(ctx, "nap", time.Now().Add(150*time.Millisecond))
			if err != nil {
				return nil, err
			}
			return json.RawMessage(out), nil
		},
		Steps: []workflow.Step{workflow.WaitUntilStep("nap")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	start := time.Now()
	run, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "w-timer"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	final := waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)
	if elapsed := time.Since(start); elapsed < 150*time.Millisecond {
		t.Errorf("completed after %v, want >= 150ms", elapsed)
	}
	var data struct {
		Date string `json:"date"`
	}
	if err := json.Unmarshal(final.Timeline["nap"].Output, &data); err != nil || data.Date == "" {
		t.Errorf("timer output = %s, want a date payload", final.Timeline["nap"].Output)
	}
}

func TestTimelineWriteOnceAcrossReplays(t *testing.T) {
	e := newTestEngine(t)
	var firstRuns atomic.Int32
	def := &workflow.Definition{
		ID: "w-replay",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			if _, err := wf.Step.Run(ctx, "expensive", func(ctx context.Context) (any, error) {
				firstRuns.Add(1)
				return "cached", nil
			}); err != nil {
				return nil, err
			}
			if _, err := wf.Step.WaitFor(ctx, "gate", workflow.EventSpec{Event: "go"}); err != nil {
				return nil, err
			}
			return nil, nil
		},
		Steps: []workflow.Step{workflow.RunStep("expensive"), workflow.WaitForStep("gate")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	ctx := context.Background()
	run, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-replay"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitForStatus(t, e, run.ID, workflow.RunStatusPaused)

	// Stale event forces a full replay; the cached step must not
	// execute again.
	if _, err := e.TriggerEvent(ctx, TriggerOptions{RunID: run.ID, EventName: "nope"}); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	time.Sleep(150 * time.Millisecond)
	if _, err := e.TriggerEvent(ctx, TriggerOptions{RunID: run.ID, EventName: "go"}); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)

	if got := firstRuns.Load(); got != 1 {
		t.Errorf("cached step body executed %d times, want 1", got)
	}
}

func TestMiddlewareRunsOnEveryDispatch(t *testing.T) {
	e := newTestEngine(t)
	var dispatches atomic.Int32
	e.Use(func(ctx context.Context, wf *workflow.Context, next workflow.Next) (any, error) {
		dispatches.Add(1)
		return next(ctx, wf)
	})

	def := &workflow.Definition{
		ID: "w-mw",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			if _, err := wf.Step.WaitFor(ctx, "gate", workflow.EventSpec{Event: "go"}); err != nil {
				return nil, err
			}
			return nil, nil
		},
		Steps: []workflow.Step{workflow.WaitForStep("gate")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	ctx := context.Background()
	run, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-mw"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitForStatus(t, e, run.ID, workflow.RunStatusPaused)
	if _, err := e.TriggerEvent(ctx, TriggerOptions{RunID: run.ID, EventName: "go"}); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)

	if got := dispatches.Load(); got != 2 {
		t.Errorf("middleware saw %d dispatches, want 2 (start + resume)", got)
	}
}

func TestMiddlewareSuppressionLeavesRunRunning(t *testing.T) {
	e := newTestEngine(t)
	var handlerRan atomic.Bool
	e.Use(func(ctx context.Context, wf *workflow.Context, next workflow.Next) (any, error) {
		return nil, nil // do not call next
	})

	def := &workflow.Definition{
		ID: "w-suppressed",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			handlerRan.Store(true)
			return wf.Step.Run(ctx, "a", func(ctx context.Context) (any, error) { return nil, nil })
		},
		Steps: []workflow.Step{workflow.RunStep("a")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	run, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "w-suppressed"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	time.Sleep(200 * time.Millisecond)

	cur, err := e.GetRun(context.Background(), RunRef{RunID: run.ID})
	if err != nil {
		t.Fatalf("GetRun: %v", err)
	}
	if cur.Status != workflow.RunStatusRunning {
		t.Errorf("suppressed run status = %s, want running", cur.Status)
	}
	if handlerRan.Load() {
		t.Error("handler ran despite middleware suppression")
	}
}

func TestHookFailuresAreSwallowed(t *testing.T) {
	e := newTestEngine(t)
	def := &workflow.Definition{
		ID: "w-hooks",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return wf.Step.Run(ctx, "only", func(ctx context.Context) (any, error) {
				return "fine", nil
			})
		},
		Steps: []workflow.Step{workflow.RunStep("only")},
		Hooks: workflow.Hooks{
			OnStart: func(ctx context.Context, run *workflow.Run) error {
				panic("hook gone wrong")
			},
			OnSuccess: func(ctx context.Context, run *workflow.Run) error {
				return errors.New("hook error")
			},
		},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	run, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "w-hooks"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	final := waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)
	if final.Error != "" {
		t.Errorf("hook failure leaked into the run: %q", final.Error)
	}
}

func TestOnStartFiresOncePerRun(t *testing.T) {
	e := newTestEngine(t)
	var onStart atomic.Int32
	def := &workflow.Definition{
		ID: "w-onstart",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			if _, err := wf.Step.Run(ctx, "a", func(ctx context.Context) (any, error) {
				return nil, nil
			}); err != nil {
				return nil, err
			}
			if _, err := wf.Step.WaitFor(ctx, "gate", workflow.EventSpec{Event: "go"}); err != nil {
				return nil, err
			}
			return nil, nil
		},
		Steps: []workflow.Step{workflow.RunStep("a"), workflow.WaitForStep("gate")},
		Hooks: workflow.Hooks{
			OnStart: func(ctx context.Context, run *workflow.Run) error {
				onStart.Add(1)
				return nil
			},
		},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	ctx := context.Background()
	run, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-onstart"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitForStatus(t, e, run.ID, workflow.RunStatusPaused)
	if _, err := e.TriggerEvent(ctx, TriggerOptions{RunID: run.ID, EventName: "go"}); err != nil {
		t.Fatalf("TriggerEvent: %v", err)
	}
	waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)

	if got := onStart.Load(); got != 1 {
		t.Errorf("onStart fired %d times, want 1", got)
	}
}

func TestCronCreatesRuns(t *testing.T) {
	e := newTestEngine(t)
	var fires atomic.Int32
	def := &workflow.Definition{
		ID: "w-cron",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			if wf.Schedule == nil {
				return nil, errors.New("cron run missing schedule context")
			}
			if wf.Schedule.Timezone != "UTC" {
				return nil, errors.New("unexpected timezone " + wf.Schedule.Timezone)
			}
			return wf.Step.Run(ctx, "tick", func(ctx context.Context) (any, error) {
				fires.Add(1)
				return nil, nil
			})
		},
		Steps: []workflow.Step{workflow.RunStep("tick")},
		Cron:  &workflow.CronConfig{Expression: "@every 1s"},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && fires.Load() < 2 {
		time.Sleep(50 * time.Millisecond)
	}
	if got := fires.Load(); got < 2 {
		t.Fatalf("cron fired %d times in 5s, want >= 2", got)
	}

	runs, _, err := e.GetRuns(context.Background(), ListOptions{WorkflowID: "w-cron", Limit: 10})
	if err != nil {
		t.Fatalf("GetRuns: %v", err)
	}
	if len(runs) < 2 {
		t.Fatalf("listed %d cron runs, want >= 2", len(runs))
	}
	for _, run := range runs {
		if run.Cron != "@every 1s" {
			t.Errorf("run %s cron = %q", run.ID, run.Cron)
		}
		if string(run.Input) != `{}` {
			t.Errorf("cron run input = %s, want {}", run.Input)
		}
	}
}

func TestGetRunsFiltersAndPages(t *testing.T) {
	e := newTestEngine(t)
	def := &workflow.Definition{
		ID: "w-list",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return wf.Step.Run(ctx, "a", func(ctx context.Context) (any, error) { return nil, nil })
		},
		Steps: []workflow.Step{workflow.RunStep("a")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		run, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-list", ResourceID: "acct_1"})
		if err != nil {
			t.Fatalf("StartWorkflow: %v", err)
		}
		ids = append(ids, run.ID)
		time.Sleep(5 * time.Millisecond)
	}
	for _, id := range ids {
		waitForStatus(t, e, id, workflow.RunStatusCompleted)
	}

	page, hasMore, err := e.GetRuns(ctx, ListOptions{ResourceID: "acct_1", Limit: 2})
	if err != nil {
		t.Fatalf("GetRuns: %v", err)
	}
	if len(page) != 2 || !hasMore {
		t.Fatalf("page = %d runs, hasMore = %v; want 2 and true", len(page), hasMore)
	}
	if page[0].CreatedAt.Before(page[1].CreatedAt) {
		t.Error("runs not ordered newest first")
	}

	rest, hasMore, err := e.GetRuns(ctx, ListOptions{
		ResourceID:    "acct_1",
		Limit:         2,
		StartingAfter: page[1].ID,
	})
	if err != nil {
		t.Fatalf("GetRuns page 2: %v", err)
	}
	if len(rest) != 1 || hasMore {
		t.Errorf("second page = %d runs, hasMore = %v; want 1 and false", len(rest), hasMore)
	}

	empty, _, err := e.GetRuns(ctx, ListOptions{ResourceID: "acct_2", Limit: 10})
	if err != nil {
		t.Fatalf("GetRuns other resource: %v", err)
	}
	if len(empty) != 0 {
		t.Errorf("resource filter leaked %d runs", len(empty))
	}
}

func TestStartUnknownWorkflow(t *testing.T) {
	e := newTestEngine(t)
	startEngine(t, e)
	_, err := e.StartWorkflow(context.Background(), StartOptions{WorkflowID: "ghost"})
	if !errors.IsValidation(err) {
		t.Errorf("StartWorkflow(ghost) = %v, want validation error", err)
	}
}

func TestResourceScoping(t *testing.T) {
	e := newTestEngine(t)
	def := &workflow.Definition{
		ID: "w-scoped",
		Handler: func(ctx context.Context, wf *workflow.Context) (any, error) {
			return wf.Step.Run(ctx, "a", func(ctx context.Context) (any, error) { return nil, nil })
		},
		Steps: []workflow.Step{workflow.RunStep("a")},
	}
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow: %v", err)
	}
	startEngine(t, e)

	ctx := context.Background()
	run, err := e.StartWorkflow(ctx, StartOptions{WorkflowID: "w-scoped", ResourceID: "acct_1"})
	if err != nil {
		t.Fatalf("StartWorkflow: %v", err)
	}
	waitForStatus(t, e, run.ID, workflow.RunStatusCompleted)

	if _, err := e.GetRun(ctx, RunRef{RunID: run.ID, ResourceID: "acct_2"}); !errors.IsNotFound(err) {
		t.Errorf("cross-resource GetRun = %v, want not found", err)
	}
	if _, err := e.GetRun(ctx, RunRef{RunID: run.ID, ResourceID: "acct_1"}); err != nil {
		t.Errorf("same-resource GetRun = %v, want success", err)
	}
}
