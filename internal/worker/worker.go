// Package worker consumes queued domain events and hands them to the rule
// evaluator. Jobs are leased in batches and processed concurrently; failed
// jobs are retried with exponential backoff until their attempt budget is spent.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taskpilot/internal/automation"
	"taskpilot/internal/config"
	"taskpilot/internal/events"
	"taskpilot/internal/queue"
)

// Evaluator runs the rules triggered by one event.
type Evaluator interface {
	EvaluateRulesForEvent(ctx context.Context, name string, payload map[string]any) (automation.Result, error)
}

type Worker struct {
	Queue    queue.Queue
	Engine   Evaluator
	Activity automation.ActivityLog
	Config   *config.Config
	Logger   *log.Logger
	// ID identifies this process as lease owner.
	ID  string
	Now func() time.Time

	once sync.Once
	wake chan struct{}
}

// Outcome summarizes what happened to one job.
type Outcome struct {
	JobID     string
	Event     string
	Completed bool
	Abandoned bool
	RetryAt   time.Time
	Err       error
}

func New(q queue.Queue, engine Evaluator, cfg *config.Config, logger *log.Logger) *Worker {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Worker{Queue: q, Engine: engine, Config: cfg, Logger: logger, ID: defaultID()}
}

func defaultID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func (w *Worker) init() {
	w.once.Do(func() {
		w.wake = make(chan struct{}, 1)
		if w.ID == "" {
			w.ID = defaultID()
		}
		if w.Config == nil {
			w.Config = config.Default()
		}
	})
}

func (w *Worker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func (w *Worker) logf(format string, args ...any) {
	if w.Logger != nil {
		w.Logger.Printf("worker: "+format, args...)
		return
	}
	log.Printf("worker: "+format, args...)
}

// Wake asks a sleeping Run loop to poll immediately. It never blocks.
func (w *Worker) Wake() {
	w.init()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run polls the queue until ctx is canceled. In-flight jobs are allowed to
// finish before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.init()
	interval := w.Config.Queue.PollInterval.Std()
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	w.logf("%s started (concurrency %d, batch %d)", w.ID, w.concurrency(), w.batchSize())
	for {
		if ctx.Err() != nil {
			w.logf("%s stopped", w.ID)
			return nil
		}
		outcomes, err := w.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			w.logf("lease: %v", err)
		}
		if err == nil && len(outcomes) == w.batchSize() {
			continue
		}
		select {
		case <-ctx.Done():
		case <-ticker.C:
		case <-w.wake:
		}
	}
}

// ProcessBatch leases one batch of due jobs and processes it to completion.
func (w *Worker) ProcessBatch(ctx context.Context) ([]Outcome, error) {
	w.init()
	jobs, err := w.Queue.Lease(ctx, w.ID, w.batchSize(), w.leaseTTL())
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	// Shutdown must not cut a job off mid-rule; each job keeps its own timeout.
	jobCtx := context.WithoutCancel(ctx)
	outcomes := make([]Outcome, len(jobs))
	var g errgroup.Group
	g.SetLimit(w.concurrency())
	for i, job := range jobs {
		g.Go(func() error {
			outcomes[i] = w.Process(jobCtx, job)
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

// Process evaluates one leased job and settles it in the queue.
func (w *Worker) Process(ctx context.Context, job queue.Job) Outcome {
	w.init()
	out := Outcome{JobID: job.ID, Event: job.Name}
	ctx, cancel := context.WithTimeout(ctx, w.jobTimeout())
	defer cancel()

	res, err := w.Engine.EvaluateRulesForEvent(ctx, job.Name, job.Data)
	out.Err = err
	if err == nil {
		if err := w.Queue.Complete(context.WithoutCancel(ctx), job.ID, w.ID); err != nil {
			w.logf("complete %s: %v", job.ID, err)
			return out
		}
		out.Completed = true
		w.logf("job %s %s done (%d rules)", job.ID, job.Name, len(res.Rules))
		return out
	}

	settle := context.WithoutCancel(ctx)
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = w.Config.Queue.MaxAttempts
	}
	if automation.IsPermanent(err) || job.Attempts >= maxAttempts {
		if aerr := w.Queue.Abandon(settle, job.ID, w.ID, err.Error()); aerr != nil {
			w.logf("abandon %s: %v", job.ID, aerr)
			return out
		}
		out.Abandoned = true
		w.logf("job %s %s abandoned after %d attempt(s): %v", job.ID, job.Name, job.Attempts, err)
		w.recordAbandoned(settle, job, err)
		return out
	}

	out.RetryAt = w.now().Add(w.RetryDelay(job.Attempts))
	if ferr := w.Queue.Fail(settle, job.ID, w.ID, err.Error(), out.RetryAt); ferr != nil {
		if errors.Is(ferr, queue.ErrNotFound) {
			w.logf("job %s lease lost before retry was recorded", job.ID)
		} else {
			w.logf("fail %s: %v", job.ID, ferr)
		}
		return out
	}
	w.logf("job %s %s attempt %d/%d failed, retry at %s: %v", job.ID, job.Name, job.Attempts, maxAttempts, out.RetryAt.Format(time.RFC3339), err)
	return out
}

// RetryDelay is the wait after the given number of failed attempts.
func (w *Worker) RetryDelay(attempts int) time.Duration {
	w.init()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.Config.Queue.RetryBackoff.Std()
	if b.InitialInterval <= 0 {
		b.InitialInterval = time.Second
	}
	b.MaxInterval = w.Config.Queue.RetryMaxDelay.Std()
	if b.MaxInterval <= 0 {
		b.MaxInterval = 5 * time.Minute
	}
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.Reset()
	delay := b.InitialInterval
	for i := 0; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func (w *Worker) recordAbandoned(ctx context.Context, job queue.Job, cause error) {
	if w.Activity == nil {
		return
	}
	org := events.StringField(job.Data, events.KeyOrganizationID)
	if err := w.Activity.Append(ctx, nil, events.JobAbandoned, org, "job", job.ID, events.SystemActor, events.EventPayload{
		"event":    job.Name,
		"eventId":  events.StringField(job.Data, events.KeyEventID),
		"attempts": job.Attempts,
		"error":    cause.Error(),
	}); err != nil {
		w.logf("record abandon of %s: %v", job.ID, err)
	}
}

func (w *Worker) concurrency() int {
	if w.Config.Queue.Concurrency > 0 {
		return w.Config.Queue.Concurrency
	}
	return 1
}

func (w *Worker) batchSize() int {
	if w.Config.Queue.BatchSize > 0 {
		return w.Config.Queue.BatchSize
	}
	return 10
}

func (w *Worker) leaseTTL() time.Duration {
	if ttl := w.Config.Queue.LeaseTTL.Std(); ttl > 0 {
		return ttl
	}
	return time.Minute
}

func (w *Worker) jobTimeout() time.Duration {
	if d := w.Config.Queue.JobTimeout.Std(); d > 0 {
		return d
	}
	return 30 * time.Second
}
