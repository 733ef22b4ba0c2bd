package worker_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/automation"
	"taskpilot/internal/config"
	"taskpilot/internal/events"
	"taskpilot/internal/queue"
	"taskpilot/internal/worker"
)

type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	errs  map[string]error
}

func (f *fakeEngine) EvaluateRulesForEvent(ctx context.Context, name string, payload map[string]any) (automation.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return automation.Result{Event: name}, f.errs[name]
}

func (f *fakeEngine) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type activity struct {
	mu    sync.Mutex
	types []string
}

func (a *activity) Append(ctx context.Context, tx *sql.Tx, evtType, orgID, entityKind, entityID, actorID string, payload events.EventPayload) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.types = append(a.types, evtType)
	return nil
}

func newWorker(t *testing.T, engine *fakeEngine) (*worker.Worker, *queue.Memory, *activity) {
	t.Helper()
	cfg := config.Default()
	cfg.Queue.MaxAttempts = 3
	cfg.Queue.RetryBackoff = config.Duration(time.Second)
	cfg.Queue.RetryMaxDelay = config.Duration(10 * time.Second)
	cfg.Queue.PollInterval = config.Duration(10 * time.Millisecond)
	q := queue.NewMemory(cfg.Queue.MaxAttempts)
	w := worker.New(q, engine, cfg, log.New(io.Discard, "", 0))
	w.ID = "w1"
	act := &activity{}
	w.Activity = act
	return w, q, act
}

func TestProcessBatchCompletesJobs(t *testing.T) {
	engine := &fakeEngine{}
	w, q, _ := newWorker(t, engine)
	ctx := context.Background()
	for _, name := range []string{"A", "B", "C"} {
		if _, err := q.Enqueue(ctx, name, map[string]any{"organizationId": "org1"}); err != nil {
			t.Fatal(err)
		}
	}
	outcomes, err := w.ProcessBatch(ctx)
	if err != nil {
		t.Fatalf("process: %v", err)
	}
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for _, o := range outcomes {
		if !o.Completed {
			t.Fatalf("job %s not completed: %+v", o.JobID, o)
		}
	}
	counts, _ := q.Counts(ctx)
	if counts[queue.StateCompleted] != 3 {
		t.Fatalf("unexpected counts: %v", counts)
	}
}

func TestTransientFailureIsRetriedWithBackoff(t *testing.T) {
	engine := &fakeEngine{errs: map[string]error{"E": errors.New("database is locked")}}
	w, q, act := newWorker(t, engine)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	w.Now = func() time.Time { return now }
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, "E", map[string]any{"organizationId": "org1"})

	outcomes, err := w.ProcessBatch(ctx)
	if err != nil || len(outcomes) != 1 {
		t.Fatalf("process: %v %+v", err, outcomes)
	}
	o := outcomes[0]
	if o.Completed || o.Abandoned {
		t.Fatalf("transient failure settled for good: %+v", o)
	}
	if d := o.RetryAt.Sub(now); d < time.Second || d > time.Second+time.Millisecond {
		t.Fatalf("unexpected first retry delay %s", d)
	}
	got, _ := q.Get(ctx, job.ID)
	if got.State != queue.StateFailed || got.Dead() || got.LastError != "database is locked" {
		t.Fatalf("unexpected job after failure: %+v", got)
	}
	if len(act.types) != 0 {
		t.Fatalf("retryable failure recorded as abandoned: %v", act.types)
	}
}

func TestPermanentFailureIsAbandoned(t *testing.T) {
	engine := &fakeEngine{errs: map[string]error{"E": automation.Permanent(automation.ErrMissingOrganization)}}
	w, q, act := newWorker(t, engine)
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, "E", map[string]any{})

	outcomes, _ := w.ProcessBatch(ctx)
	if len(outcomes) != 1 || !outcomes[0].Abandoned {
		t.Fatalf("expected abandon, got %+v", outcomes)
	}
	got, _ := q.Get(ctx, job.ID)
	if !got.Dead() || got.Attempts != 1 {
		t.Fatalf("expected dead job after one attempt, got %+v", got)
	}
	if len(act.types) != 1 || act.types[0] != events.JobAbandoned {
		t.Fatalf("expected abandon activity, got %v", act.types)
	}
}

func TestAttemptsExhausted(t *testing.T) {
	engine := &fakeEngine{errs: map[string]error{"E": errors.New("boom")}}
	w, q, act := newWorker(t, engine)
	// Retries scheduled against this clock are due immediately.
	w.Now = func() time.Time { return time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	job, _ := q.Enqueue(ctx, "E", map[string]any{"organizationId": "org1"})

	for attempt := 1; attempt <= 3; attempt++ {
		outcomes, err := w.ProcessBatch(ctx)
		if err != nil || len(outcomes) != 1 {
			t.Fatalf("attempt %d: %v %+v", attempt, err, outcomes)
		}
		if abandoned := outcomes[0].Abandoned; abandoned != (attempt == 3) {
			t.Fatalf("attempt %d: abandoned=%v", attempt, abandoned)
		}
	}
	got, _ := q.Get(ctx, job.ID)
	if !got.Dead() || got.Attempts != 3 {
		t.Fatalf("expected dead job after 3 attempts, got %+v", got)
	}
	if engine.count() != 3 || len(act.types) != 1 {
		t.Fatalf("calls=%d activity=%v", engine.count(), act.types)
	}
	if outcomes, _ := w.ProcessBatch(ctx); len(outcomes) != 0 {
		t.Fatalf("dead job leased again")
	}
}

func TestRetryDelayGrowsAndCaps(t *testing.T) {
	w, _, _ := newWorker(t, &fakeEngine{})
	cases := map[int]time.Duration{
		1: time.Second,
		2: 2 * time.Second,
		3: 4 * time.Second,
		4: 8 * time.Second,
		5: 10 * time.Second,
		9: 10 * time.Second,
	}
	for attempts, want := range cases {
		got := w.RetryDelay(attempts)
		if got < want || got > want+time.Millisecond {
			t.Fatalf("RetryDelay(%d) = %s, want %s", attempts, got, want)
		}
	}
}

func TestRunStopsOnCancelAndWakes(t *testing.T) {
	engine := &fakeEngine{}
	w, q, _ := newWorker(t, engine)
	w.Config.Queue.PollInterval = config.Duration(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	if _, err := q.Enqueue(context.Background(), "E", map[string]any{"organizationId": "org1"}); err != nil {
		t.Fatal(err)
	}
	w.Wake()
	deadline := time.After(2 * time.Second)
	for engine.count() == 0 {
		select {
		case <-deadline:
			t.Fatalf("job was not processed after wake")
		case <-time.After(5 * time.Millisecond):
			w.Wake()
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("run did not stop")
	}
}
