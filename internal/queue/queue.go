// Package queue hands domain events from producers to the worker process.
//
// Jobs are delivered at least once: a job whose lease expires before it is
// completed becomes visible to other consumers again.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type State string

const (
	StateWaiting   State = "WAITING"
	StateActive    State = "ACTIVE"
	StateCompleted State = "COMPLETED"
	StateFailed    State = "FAILED"
)

// ErrNotFound is returned for unknown jobs and for lease-guarded updates
// by a consumer that no longer holds the lease.
var ErrNotFound = errors.New("job not found")

// Job is the record exchanged between producers and the worker: Name is the
// event name and Data its payload.
type Job struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Data           map[string]any `json:"data"`
	State          State          `json:"state" enum:"WAITING,ACTIVE,COMPLETED,FAILED"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	LastError      string         `json:"last_error,omitempty"`
	LeaseOwner     string         `json:"lease_owner,omitempty"`
	LeaseExpiresAt string         `json:"lease_expires_at,omitempty"`
	AvailableAt    string         `json:"available_at"`
	DeadAt         string         `json:"dead_at,omitempty"`
	CreatedAt      string         `json:"created_at"`
	UpdatedAt      string         `json:"updated_at"`
}

// Dead reports whether the job was abandoned after failing.
func (j Job) Dead() bool { return j.DeadAt != "" }

// Enqueuer accepts new jobs. Enqueue returns once the job is recorded.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, data map[string]any) (Job, error)
}

// Queue is the consumer side used by the worker and the admin surface.
type Queue interface {
	Enqueuer
	// Lease claims up to limit due jobs for consumer until ttl elapses.
	Lease(ctx context.Context, consumer string, limit int, ttl time.Duration) ([]Job, error)
	Complete(ctx context.Context, id, consumer string) error
	// Fail records a failed attempt; the job becomes due again at retryAt.
	Fail(ctx context.Context, id, consumer, lastErr string, retryAt time.Time) error
	// Abandon marks a leased job FAILED for good.
	Abandon(ctx context.Context, id, consumer, lastErr string) error
	// Retry puts an abandoned or failed job back in WAITING with a fresh budget.
	Retry(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (Job, error)
	List(ctx context.Context, f Filter) ([]Job, error)
	Counts(ctx context.Context) (map[State]int, error)
}

type Filter struct {
	State State
	Name  string
	// DeadOnly restricts FAILED jobs to abandoned ones.
	DeadOnly bool
	Limit    int
}

// timeLayout is fixed width so stored timestamps compare lexically.
const timeLayout = "2006-01-02T15:04:05.000Z"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func encodeData(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	b, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("encode job data: %w", err)
	}
	return string(b), nil
}

// decodeData keeps integers exact.
func decodeData(raw string) (map[string]any, error) {
	out := map[string]any{}
	if raw == "" {
		return out, nil
	}
	dec := json.NewDecoder(bytes.NewBufferString(raw))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("decode job data: %w", err)
	}
	return out, nil
}

func validateName(name string) error {
	if name == "" {
		return errors.New("job name required")
	}
	return nil
}
