package queue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is an in-process queue with the same lease semantics as SQLite.
// Job data is stored as JSON so payloads round-trip exactly as they would
// through the durable queue.
type Memory struct {
	MaxAttempts int
	Now         func() time.Time
	OnEnqueue   func(Job)

	mu   sync.Mutex
	seq  int
	jobs map[string]*memJob
}

type memJob struct {
	Job
	raw   string
	order int
}

func NewMemory(maxAttempts int) *Memory {
	return &Memory{MaxAttempts: maxAttempts, Now: time.Now, jobs: map[string]*memJob{}}
}

func (q *Memory) now() time.Time {
	if q.Now == nil {
		return time.Now().UTC()
	}
	return q.Now().UTC()
}

func (q *Memory) snapshot(m *memJob) (Job, error) {
	j := m.Job
	data, err := decodeData(m.raw)
	if err != nil {
		return j, fmt.Errorf("job %s: %w", j.ID, err)
	}
	j.Data = data
	return j, nil
}

func (q *Memory) Enqueue(ctx context.Context, name string, data map[string]any) (Job, error) {
	if err := ctx.Err(); err != nil {
		return Job{}, err
	}
	if err := validateName(name); err != nil {
		return Job{}, err
	}
	raw, err := encodeData(data)
	if err != nil {
		return Job{}, err
	}
	now := formatTime(q.now())
	q.mu.Lock()
	if q.jobs == nil {
		q.jobs = map[string]*memJob{}
	}
	q.seq++
	m := &memJob{
		Job: Job{
			ID:          uuid.NewString(),
			Name:        name,
			State:       StateWaiting,
			MaxAttempts: q.MaxAttempts,
			AvailableAt: now,
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		raw:   raw,
		order: q.seq,
	}
	q.jobs[m.ID] = m
	job, err := q.snapshot(m)
	q.mu.Unlock()
	if err != nil {
		return Job{}, err
	}
	if q.OnEnqueue != nil {
		q.OnEnqueue(job)
	}
	return job, nil
}

func (m *memJob) due(now string) bool {
	switch m.State {
	case StateWaiting, StateFailed:
		return m.DeadAt == "" && m.AvailableAt <= now
	case StateActive:
		return m.LeaseExpiresAt != "" && m.LeaseExpiresAt <= now
	}
	return false
}

func (q *Memory) Lease(ctx context.Context, consumer string, limit int, ttl time.Duration) ([]Job, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	consumer = strings.TrimSpace(consumer)
	if consumer == "" {
		return nil, fmt.Errorf("consumer is required")
	}
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be greater than zero")
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("lease ttl must be greater than zero")
	}
	nowT := q.now()
	now := formatTime(nowT)
	q.mu.Lock()
	defer q.mu.Unlock()
	var due []*memJob
	for _, m := range q.jobs {
		if m.due(now) {
			due = append(due, m)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].AvailableAt != due[j].AvailableAt {
			return due[i].AvailableAt < due[j].AvailableAt
		}
		return due[i].order < due[j].order
	})
	if len(due) > limit {
		due = due[:limit]
	}
	// A payload that fails to decode leases nothing.
	out := make([]Job, 0, len(due))
	for _, m := range due {
		j, err := q.snapshot(m)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	expires := formatTime(nowT.Add(ttl))
	for i, m := range due {
		m.State = StateActive
		m.LeaseOwner = consumer
		m.LeaseExpiresAt = expires
		m.Attempts++
		m.UpdatedAt = now
		out[i].State, out[i].LeaseOwner, out[i].LeaseExpiresAt = m.State, m.LeaseOwner, m.LeaseExpiresAt
		out[i].Attempts, out[i].UpdatedAt = m.Attempts, m.UpdatedAt
	}
	return out, nil
}

// leased applies fn to a job still leased by consumer.
func (q *Memory) leased(id, consumer string, fn func(m *memJob, now string)) error {
	now := formatTime(q.now())
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.jobs[id]
	if !ok || m.State != StateActive || m.LeaseOwner != consumer {
		return ErrNotFound
	}
	fn(m, now)
	m.LeaseOwner = ""
	m.LeaseExpiresAt = ""
	m.UpdatedAt = now
	return nil
}

func (q *Memory) Complete(ctx context.Context, id, consumer string) error {
	return q.leased(id, consumer, func(m *memJob, now string) {
		m.State = StateCompleted
		m.LastError = ""
	})
}

func (q *Memory) Fail(ctx context.Context, id, consumer, lastErr string, retryAt time.Time) error {
	return q.leased(id, consumer, func(m *memJob, now string) {
		m.State = StateFailed
		m.LastError = lastErr
		m.AvailableAt = formatTime(retryAt)
	})
}

func (q *Memory) Abandon(ctx context.Context, id, consumer, lastErr string) error {
	return q.leased(id, consumer, func(m *memJob, now string) {
		m.State = StateFailed
		m.LastError = lastErr
		m.DeadAt = now
	})
}

func (q *Memory) Retry(ctx context.Context, id string) error {
	now := formatTime(q.now())
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.jobs[id]
	if !ok || m.State != StateFailed {
		return ErrNotFound
	}
	m.State = StateWaiting
	m.Attempts = 0
	m.DeadAt = ""
	m.AvailableAt = now
	m.UpdatedAt = now
	return nil
}

func (q *Memory) Get(ctx context.Context, id string) (Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	m, ok := q.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return q.snapshot(m)
}

func (q *Memory) List(ctx context.Context, f Filter) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var matched []*memJob
	for _, m := range q.jobs {
		if f.State != "" && m.State != f.State {
			continue
		}
		if f.Name != "" && m.Name != f.Name {
			continue
		}
		if f.DeadOnly && m.DeadAt == "" {
			continue
		}
		matched = append(matched, m)
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].order > matched[j].order })
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]Job, 0, len(matched))
	for _, m := range matched {
		j, err := q.snapshot(m)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, nil
}

func (q *Memory) Counts(ctx context.Context) (map[State]int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := map[State]int{}
	for _, m := range q.jobs {
		out[m.State]++
	}
	return out, nil
}
