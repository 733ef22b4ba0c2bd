package intercept

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/repo"
)

// EventTaskCreated is emitted for new tasks. Creation is not a field transition.
const EventTaskCreated = "TASK_CREATED"

// ErrInvalidTask wraps task validation failures.
var ErrInvalidTask = errors.New("invalid task")

// TaskStore is the write path for tasks. Updates go through the interceptor
// so that every caller produces the same transition events.
type TaskStore struct {
	Repo        repo.Repo
	Interceptor *Interceptor
	Events      events.Writer
	Now         func() time.Time
}

func (s TaskStore) now() string {
	if s.Now == nil {
		return time.Now().UTC().Format(time.RFC3339)
	}
	return s.Now().UTC().Format(time.RFC3339)
}

func (s TaskStore) Get(ctx context.Context, orgID, id string) (domain.Task, error) {
	return s.Repo.GetTask(ctx, orgID, id)
}

func (s TaskStore) List(ctx context.Context, f repo.TaskFilters) ([]domain.Task, error) {
	return s.Repo.ListTasks(ctx, f)
}

// Create stores a new task and emits TASK_CREATED.
func (s TaskStore) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	if strings.TrimSpace(t.OrganizationID) == "" {
		return domain.Task{}, fmt.Errorf("%w: organization required", ErrInvalidTask)
	}
	if strings.TrimSpace(t.Title) == "" {
		return domain.Task{}, fmt.Errorf("%w: title required", ErrInvalidTask)
	}
	if t.Status == "" {
		t.Status = domain.TaskStatusToDo
	}
	if !domain.ValidTaskStatus(t.Status) {
		return domain.Task{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, t.Status)
	}
	if t.ParentID != nil && *t.ParentID != "" {
		if _, err := s.Repo.GetTask(ctx, t.OrganizationID, *t.ParentID); err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Task{}, fmt.Errorf("%w: parent %s not found", ErrInvalidTask, *t.ParentID)
			}
			return domain.Task{}, err
		}
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	now := s.now()
	t.CreatedAt, t.UpdatedAt = now, now
	if err := s.Repo.InsertTask(ctx, nil, t); err != nil {
		return domain.Task{}, err
	}
	s.record(ctx, events.TaskCreated, t.OrganizationID, t.ID, events.EventPayload{"title": t.Title})
	if s.Interceptor != nil {
		s.Interceptor.Emit(context.WithoutCancel(ctx), EventTaskCreated, map[string]any{
			events.KeyOrganizationID: t.OrganizationID,
			"taskId":                 t.ID,
			"task":                   t.Snapshot(),
		})
	}
	return t, nil
}

// Update applies u to the task and emits one event per monitored field that changed.
func (s TaskStore) Update(ctx context.Context, orgID, id string, u domain.TaskUpdate) (domain.Task, error) {
	if u.Status != nil && !domain.ValidTaskStatus(*u.Status) {
		return domain.Task{}, fmt.Errorf("%w: unknown status %q", ErrInvalidTask, *u.Status)
	}
	if u.Title != nil && strings.TrimSpace(*u.Title) == "" {
		return domain.Task{}, fmt.Errorf("%w: title cannot be empty", ErrInvalidTask)
	}
	fetch := func(ctx context.Context) (domain.Task, error) {
		return s.Repo.GetTask(ctx, orgID, id)
	}
	mutate := func(ctx context.Context) (domain.Task, error) {
		return s.Repo.ApplyTaskUpdate(ctx, orgID, id, u, s.now())
	}
	task, err := Update(ctx, s.Interceptor, u.Fields(), fetch, mutate)
	if err != nil {
		return task, err
	}
	s.record(ctx, events.TaskUpdated, orgID, id, events.EventPayload{"fields": u.Fields()})
	return task, nil
}

func (s TaskStore) record(ctx context.Context, evtType, orgID, taskID string, payload events.EventPayload) {
	if s.Events.DB == nil {
		return
	}
	if err := s.Events.Append(ctx, nil, evtType, orgID, "task", taskID, events.ActorFrom(ctx), payload); err != nil {
		s.logf("record %s %s: %v", evtType, taskID, err)
	}
}

func (s TaskStore) logf(format string, args ...any) {
	if s.Interceptor != nil {
		s.Interceptor.logf(format, args...)
	}
}
