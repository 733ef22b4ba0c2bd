package automation_test

import (
	"context"
	"errors"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"taskpilot/internal/automation"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/intercept"
	"taskpilot/internal/migrate"
	"taskpilot/internal/notify"
	"taskpilot/internal/queue"
	"taskpilot/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

type testEnv struct {
	Engine *automation.Engine
	Repo   repo.Repo
	Tasks  intercept.TaskStore
	Queue  *queue.Memory
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	now := func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	logger := log.New(io.Discard, "", 0)
	cfg := config.Default()
	r := repo.Repo{DB: conn}
	q := queue.NewMemory(cfg.Queue.MaxAttempts)
	writer := events.Writer{DB: conn, Now: now}
	eng := &automation.Engine{
		Rules:    r,
		Queue:    q,
		Ledger:   r,
		Activity: writer,
		Config:   cfg,
		Logger:   logger,
		Now:      now,
	}
	ic := intercept.New(eng, logger)
	ic.RegisterFields(cfg.Automation.MonitoredFields)
	tasks := intercept.TaskStore{Repo: r, Interceptor: ic, Events: writer, Now: now}
	eng.Actions = automation.DefaultRegistry(automation.Deps{
		Tasks:    tasks,
		Members:  r,
		Notifier: notify.Inbox{Repo: r, Now: now, Logger: logger},
	})
	ctx := context.Background()
	for _, m := range []domain.Member{
		{OrganizationID: "org1", UserID: "alice", CreatedAt: ts},
		{OrganizationID: "org1", UserID: "bob", CreatedAt: ts},
	} {
		if err := r.UpsertMember(ctx, nil, m); err != nil {
			t.Fatalf("seed member: %v", err)
		}
	}
	return testEnv{Engine: eng, Repo: r, Tasks: tasks, Queue: q, Ctx: ctx}
}

func (e testEnv) addRule(t *testing.T, id, org, trigger string, enabled bool, cond *domain.Condition, actions ...domain.AutomationAction) {
	t.Helper()
	for i := range actions {
		if actions[i].ID == "" {
			actions[i].ID = id + "-a" + string(rune('0'+i))
		}
		if actions[i].Position == 0 {
			actions[i].Position = i + 1
		}
	}
	rule := domain.AutomationRule{
		ID: id, OrganizationID: org, Name: id, TriggerEvent: trigger, IsEnabled: enabled,
		Conditions: cond, Actions: actions, CreatedAt: ts, UpdatedAt: ts,
	}
	if err := e.Repo.InsertRule(e.Ctx, rule); err != nil {
		t.Fatalf("insert rule %s: %v", id, err)
	}
}

func (e testEnv) createTask(t *testing.T) domain.Task {
	t.Helper()
	task, err := e.Tasks.Create(e.Ctx, domain.Task{OrganizationID: "org1", Title: "Review PR", ProjectID: "p1"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

// recorder is a stub action that logs its calls and can see earlier effects.
type recorder struct {
	typ  domain.ActionType
	mu   *sync.Mutex
	log  *[]string
	fail error
	hook func()
}

func (r recorder) Type() domain.ActionType { return r.typ }

func (r recorder) Execute(ctx context.Context, cfg map[string]any, evt automation.Event) error {
	if r.hook != nil {
		r.hook()
	}
	r.mu.Lock()
	*r.log = append(*r.log, evt.RuleID+":"+evt.ActionID)
	r.mu.Unlock()
	return r.fail
}

func payload(org string) map[string]any {
	return map[string]any{"organizationId": org, "eventId": "evt-1", "taskId": "t-none"}
}

func TestOrganizationScoping(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var calls []string
	env.Engine.Actions.Register(recorder{typ: "RECORD", mu: &mu, log: &calls})
	env.addRule(t, "r1", "org1", "TASK_STATUS_CHANGED", true, nil, domain.AutomationAction{Type: "RECORD"})

	res, err := env.Engine.EvaluateRulesForEvent(env.Ctx, "TASK_STATUS_CHANGED", payload("org2"))
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(calls) != 0 || len(res.Rules) != 0 {
		t.Fatalf("org1 rule fired for org2 event: calls=%v rules=%+v", calls, res.Rules)
	}
	if _, err := env.Engine.EvaluateRulesForEvent(env.Ctx, "TASK_STATUS_CHANGED", payload("org1")); err != nil {
		t.Fatalf("evaluate org1: %v", err)
	}
	if len(calls) != 1 {
		t.Fatalf("expected rule to fire for its own org, calls=%v", calls)
	}
}

func TestActionsRunSequentiallyInPositionOrder(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var calls []string
	effects := map[string]bool{}
	env.Engine.Actions.Register(recorder{typ: "A", mu: &mu, log: &calls, hook: func() { effects["A"] = true }})
	env.Engine.Actions.Register(recorder{typ: "B", mu: &mu, log: &calls, hook: func() {
		if !effects["A"] {
			t.Errorf("B started before A's effect was visible")
		}
		effects["B"] = true
	}})
	env.Engine.Actions.Register(recorder{typ: "C", mu: &mu, log: &calls, hook: func() {
		if !effects["B"] {
			t.Errorf("C started before B's effect was visible")
		}
	}})
	env.addRule(t, "r1", "org1", "E", true, nil,
		domain.AutomationAction{ID: "c", Type: "C", Position: 3},
		domain.AutomationAction{ID: "a", Type: "A", Position: 1},
		domain.AutomationAction{ID: "b", Type: "B", Position: 2},
	)
	if _, err := env.Engine.EvaluateRulesForEvent(env.Ctx, "E", payload("org1")); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(calls) != 3 || calls[0] != "r1:a" || calls[1] != "r1:b" || calls[2] != "r1:c" {
		t.Fatalf("unexpected order: %v", calls)
	}
}

func TestDisabledRuleNeverFires(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var calls []string
	env.Engine.Actions.Register(recorder{typ: "RECORD", mu: &mu, log: &calls})
	env.addRule(t, "off", "org1", "E", false, nil, domain.AutomationAction{Type: "RECORD"})
	res, err := env.Engine.EvaluateRulesForEvent(env.Ctx, "E", payload("org1"))
	if err != nil {
		t.Fatal(err)
	}
	if len(calls) != 0 || len(res.Rules) != 0 {
		t.Fatalf("disabled rule fired: %v", calls)
	}
}

func TestUnknownActionIsSkipped(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var calls []string
	env.Engine.Actions.Register(recorder{typ: "RECORD", mu: &mu, log: &calls})
	env.addRule(t, "r1", "org1", "E", true, nil,
		domain.AutomationAction{ID: "x", Type: "TELEPORT_TASK"},
		domain.AutomationAction{ID: "ok", Type: "RECORD"},
	)
	res, err := env.Engine.EvaluateRulesForEvent(env.Ctx, "E", payload("org1"))
	if err != nil {
		t.Fatalf("unknown action failed the evaluation: %v", err)
	}
	if len(calls) != 1 || calls[0] != "r1:ok" {
		t.Fatalf("recognized action not executed: %v", calls)
	}
	if len(res.Rules) != 1 || len(res.Rules[0].Warnings) != 1 {
		t.Fatalf("expected one warning, got %+v", res.Rules)
	}
}

func TestMissingOrganizationIsPermanent(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.EvaluateRulesForEvent(env.Ctx, "E", map[string]any{"eventId": "e"})
	if !errors.Is(err, automation.ErrMissingOrganization) || !automation.IsPermanent(err) {
		t.Fatalf("expected permanent missing-organization error, got %v", err)
	}
}

func TestRuleFailureIsIsolated(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var calls []string
	env.Engine.Actions.Register(recorder{typ: "BROKEN", mu: &mu, log: &calls, fail: errors.New("collaborator down")})
	env.Engine.Actions.Register(recorder{typ: "RECORD", mu: &mu, log: &calls})
	env.addRule(t, "r1", "org1", "E", true, nil,
		domain.AutomationAction{ID: "broken", Type: "BROKEN"},
		domain.AutomationAction{ID: "after", Type: "RECORD"},
	)
	env.addRule(t, "r2", "org1", "E", true, nil, domain.AutomationAction{ID: "other", Type: "RECORD"})

	res, err := env.Engine.EvaluateRulesForEvent(env.Ctx, "E", payload("org1"))
	if err == nil || automation.IsPermanent(err) {
		t.Fatalf("expected transient error for redelivery, got %v", err)
	}
	if len(calls) != 2 || calls[0] != "r1:broken" || calls[1] != "r2:other" {
		t.Fatalf("expected r1 to stop and r2 to run, got %v", calls)
	}
	if res.Rules[0].Error == "" || res.Rules[1].Error != "" {
		t.Fatalf("unexpected outcomes: %+v", res.Rules)
	}
	failed, err := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.RuleFailed})
	if err != nil || len(failed) != 1 || failed[0].EntityID != "r1" {
		t.Fatalf("expected rule failure in activity log, got %+v (%v)", failed, err)
	}
}

func TestValidationFailureContinuesRule(t *testing.T) {
	env := newTestEnv(t)
	var mu sync.Mutex
	var calls []string
	env.Engine.Actions.Register(recorder{typ: "RECORD", mu: &mu, log: &calls})
	env.addRule(t, "r1", "org1", "E", true, nil,
		domain.AutomationAction{ID: "bad", Type: domain.ActionUpdateTaskStatus, Config: map[string]any{}},
		domain.AutomationAction{ID: "ok", Type: "RECORD"},
	)
	res, err := env.Engine.EvaluateRulesForEvent(env.Ctx, "E", payload("org1"))
	if err != nil {
		t.Fatalf("validation failure must not fail the job: %v", err)
	}
	if len(calls) != 1 || len(res.Rules[0].Warnings) != 1 {
		t.Fatalf("expected warning and continued rule, calls=%v outcome=%+v", calls, res.Rules[0])
	}
}

func TestBuiltInActionsUpdateTask(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	env.addRule(t, "triage", "org1", "TASK_CREATED", true, nil,
		domain.AutomationAction{Type: domain.ActionAssignUser, Config: map[string]any{"userId": "alice"}},
		domain.AutomationAction{Type: domain.ActionSetPriority, Config: map[string]any{"priority": 2}},
		domain.AutomationAction{Type: domain.ActionCreateSubtask, Config: map[string]any{"title": "Test {{task.title}}"}},
		domain.AutomationAction{Type: domain.ActionSendNotification, Config: map[string]any{"recipient": "assignee", "title": "Assigned: {{task.title}}"}},
	)
	jobs, _ := env.Queue.List(env.Ctx, queue.Filter{Name: intercept.EventTaskCreated})
	if len(jobs) != 1 {
		t.Fatalf("expected TASK_CREATED job, got %d", len(jobs))
	}
	res, err := env.Engine.EvaluateRulesForEvent(env.Ctx, jobs[0].Name, jobs[0].Data)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if len(res.Rules) != 1 || len(res.Rules[0].Executed) != 3 || len(res.Rules[0].Warnings) != 1 {
		t.Fatalf("unexpected outcome: %+v", res.Rules)
	}
	got, _ := env.Repo.GetTask(env.Ctx, "org1", task.ID)
	if got.AssigneeID == nil || *got.AssigneeID != "alice" || got.Priority == nil || *got.Priority != 2 {
		t.Fatalf("task not updated by actions: %+v", got)
	}
	subs, _ := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{OrganizationID: "org1", ParentID: task.ID})
	if len(subs) != 1 || subs[0].Title != "Test Review PR" || subs[0].ProjectID != "p1" {
		t.Fatalf("unexpected subtasks: %+v", subs)
	}
}

func TestNotificationToAssignee(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	env.addRule(t, "notify", "org1", "TASK_ASSIGNEE_ID_CHANGED", true, nil,
		domain.AutomationAction{Type: domain.ActionSendNotification, Config: map[string]any{
			"recipient": "assignee", "title": "{{task.title}}", "message": "from {{oldAssigneeId}} to {{newAssigneeId}}",
		}},
	)
	alice := "alice"
	if _, err := env.Tasks.Update(env.Ctx, "org1", task.ID, domain.TaskUpdate{AssigneeID: &alice}); err != nil {
		t.Fatal(err)
	}
	jobs, _ := env.Queue.List(env.Ctx, queue.Filter{Name: "TASK_ASSIGNEE_ID_CHANGED"})
	if len(jobs) != 1 {
		t.Fatalf("expected assignee event, got %d", len(jobs))
	}
	if _, err := env.Engine.EvaluateRulesForEvent(env.Ctx, jobs[0].Name, jobs[0].Data); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	list, _ := env.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{OrganizationID: "org1", UserID: "alice"})
	if len(list) != 1 || list[0].Title != "Review PR" || list[0].Body != "from  to alice" {
		t.Fatalf("unexpected notifications: %+v", list)
	}
}

func TestDuplicateDeliveryDoesNotRepeatSideEffects(t *testing.T) {
	env := newTestEnv(t)
	task := env.createTask(t)
	env.addRule(t, "r1", "org1", "MANUAL_TRIGGER", true, nil,
		domain.AutomationAction{Type: domain.ActionSendNotification, Config: map[string]any{"userId": "bob", "title": "ping"}},
		domain.AutomationAction{Type: domain.ActionCreateSubtask, Config: map[string]any{"title": "follow up"}},
	)
	job, err := env.Engine.EnqueueEvent(env.Ctx, "MANUAL_TRIGGER", map[string]any{"organizationId": "org1", "taskId": task.ID})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := env.Engine.EvaluateRulesForEvent(env.Ctx, job.Name, job.Data); err != nil {
			t.Fatalf("delivery %d: %v", i+1, err)
		}
	}
	notes, _ := env.Repo.ListNotifications(env.Ctx, repo.NotificationFilters{OrganizationID: "org1", UserID: "bob"})
	if len(notes) != 1 {
		t.Fatalf("expected one notification after duplicate delivery, got %d", len(notes))
	}
	subs, _ := env.Repo.ListTasks(env.Ctx, repo.TaskFilters{OrganizationID: "org1", ParentID: task.ID})
	if len(subs) != 1 {
		t.Fatalf("expected one subtask after duplicate delivery, got %d", len(subs))
	}
	execs, _ := env.Repo.ListExecutions(env.Ctx, events.StringField(job.Data, "eventId"))
	if len(execs) != 2 {
		t.Fatalf("expected two ledger entries, got %d", len(execs))
	}
}

func TestEnqueueEventStampsIdentity(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.EnqueueEvent(env.Ctx, "MANUAL_TRIGGER", map[string]any{"organizationId": "org1"})
	if err != nil {
		t.Fatal(err)
	}
	if events.StringField(job.Data, "eventId") == "" || job.Data["occurredAt"] != ts {
		t.Fatalf("missing stamps: %+v", job.Data)
	}
	kept, _ := env.Engine.EnqueueEvent(env.Ctx, "MANUAL_TRIGGER", map[string]any{"organizationId": "org1", "eventId": "mine"})
	if kept.Data["eventId"] != "mine" {
		t.Fatalf("caller event id replaced: %+v", kept.Data)
	}
	if _, err := env.Engine.EnqueueEvent(env.Ctx, " ", nil); err == nil {
		t.Fatalf("expected error for empty name")
	}
}

func TestCascadeIsCapped(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Automation.MaxCascadeDepth = 3
	task := env.createTask(t)
	// Two rules that keep flipping the status back and forth.
	env.addRule(t, "to-progress", "org1", "TASK_STATUS_CHANGED", true,
		&domain.Condition{All: []domain.Clause{{Field: "newStatus", Op: "eq", Value: domain.TaskStatusInReview}}},
		domain.AutomationAction{Type: domain.ActionUpdateTaskStatus, Config: map[string]any{"status": domain.TaskStatusInProgress}},
	)
	env.addRule(t, "to-review", "org1", "TASK_STATUS_CHANGED", true,
		&domain.Condition{All: []domain.Clause{{Field: "newStatus", Op: "eq", Value: domain.TaskStatusInProgress}}},
		domain.AutomationAction{Type: domain.ActionUpdateTaskStatus, Config: map[string]any{"status": domain.TaskStatusInReview}},
	)
	status := domain.TaskStatusInProgress
	if _, err := env.Tasks.Update(env.Ctx, "org1", task.ID, domain.TaskUpdate{Status: &status}); err != nil {
		t.Fatal(err)
	}

	halted := false
	for i := 0; i < 20; i++ {
		jobs, err := env.Queue.Lease(env.Ctx, "test", 10, time.Minute)
		if err != nil {
			t.Fatal(err)
		}
		if len(jobs) == 0 {
			break
		}
		for _, job := range jobs {
			_, err := env.Engine.EvaluateRulesForEvent(env.Ctx, job.Name, job.Data)
			if errors.Is(err, automation.ErrCascadeLimit) {
				halted = true
			} else if err != nil {
				t.Fatalf("evaluate %s: %v", job.Name, err)
			}
			if err := env.Queue.Complete(env.Ctx, job.ID, "test"); err != nil {
				t.Fatal(err)
			}
		}
	}
	if !halted {
		t.Fatalf("cascade never halted")
	}
	remaining, _ := env.Queue.Counts(env.Ctx)
	if remaining[queue.StateWaiting] != 0 {
		t.Fatalf("cascade still producing jobs: %v", remaining)
	}
	alerts, _ := env.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.CascadeHalted})
	if len(alerts) != 1 {
		t.Fatalf("expected one cascade alert, got %d", len(alerts))
	}
}

type blocking struct{}

func (blocking) Type() domain.ActionType { return "BLOCK" }
func (blocking) Execute(ctx context.Context, _ map[string]any, _ automation.Event) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestActionTimeoutFailsRule(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Config.Automation.ActionTimeout = config.Duration(20 * time.Millisecond)
	env.Engine.Actions.Register(blocking{})
	env.addRule(t, "slow", "org1", "E", true, nil, domain.AutomationAction{Type: "BLOCK"})
	_, err := env.Engine.EvaluateRulesForEvent(env.Ctx, "E", payload("org1"))
	if err == nil || automation.IsPermanent(err) {
		t.Fatalf("expected transient timeout error, got %v", err)
	}
}
