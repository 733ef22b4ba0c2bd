package repo_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/migrate"
	"taskpilot/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func rule(id, org, trigger string, enabled bool, actions ...domain.AutomationAction) domain.AutomationRule {
	return domain.AutomationRule{
		ID: id, OrganizationID: org, Name: id, TriggerEvent: trigger, IsEnabled: enabled,
		Actions: actions, CreatedAt: ts, UpdatedAt: ts,
	}
}

func TestFindRulesScopesByOrgAndEnabled(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	for _, rl := range []domain.AutomationRule{
		rule("r1", "org1", "TASK_STATUS_CHANGED", true),
		rule("r2", "org1", "TASK_STATUS_CHANGED", false),
		rule("r3", "org2", "TASK_STATUS_CHANGED", true),
		rule("r4", "org1", "TASK_CREATED", true),
	} {
		if err := r.InsertRule(ctx, rl); err != nil {
			t.Fatalf("insert %s: %v", rl.ID, err)
		}
	}
	got, err := r.FindRules(ctx, "TASK_STATUS_CHANGED", "org1", true)
	if err != nil {
		t.Fatalf("find rules: %v", err)
	}
	if len(got) != 1 || got[0].ID != "r1" {
		t.Fatalf("expected only r1, got %+v", got)
	}
	all, err := r.FindRules(ctx, "TASK_STATUS_CHANGED", "org1", false)
	if err != nil {
		t.Fatalf("find all rules: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected disabled rule when enabledOnly=false, got %d", len(all))
	}
	if _, err := r.FindRules(ctx, "TASK_STATUS_CHANGED", "", true); err == nil {
		t.Fatalf("expected error for missing organization")
	}
}

func TestRuleActionsOrderedAndCascadeDeleted(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	rl := rule("r1", "org1", "TASK_CREATED", true,
		domain.AutomationAction{ID: "a3", Type: domain.ActionSetPriority, Position: 3, Config: map[string]any{"priority": 2}},
		domain.AutomationAction{ID: "a1", Type: domain.ActionAssignUser, Position: 1, Config: map[string]any{"userId": "u1"}},
		domain.AutomationAction{ID: "a2", Type: domain.ActionSendNotification, Position: 2},
	)
	rl.Conditions = &domain.Condition{All: []domain.Clause{{Field: "newStatus", Op: "eq", Value: "DONE"}}}
	if err := r.InsertRule(ctx, rl); err != nil {
		t.Fatalf("insert rule: %v", err)
	}
	got, err := r.GetRule(ctx, "org1", "r1")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if len(got.Actions) != 3 || got.Actions[0].ID != "a1" || got.Actions[1].ID != "a2" || got.Actions[2].ID != "a3" {
		t.Fatalf("actions out of order: %+v", got.Actions)
	}
	if got.Conditions == nil || len(got.Conditions.All) != 1 || got.Conditions.All[0].Value != "DONE" {
		t.Fatalf("conditions not round-tripped: %+v", got.Conditions)
	}
	if n, ok := got.Actions[2].Config["priority"].(json.Number); !ok || n.String() != "2" {
		t.Fatalf("expected exact integer config, got %#v", got.Actions[2].Config["priority"])
	}
	if _, err := r.GetRule(ctx, "org2", "r1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found across orgs, got %v", err)
	}

	if err := r.DeleteRule(ctx, "org1", "r1"); err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	var n int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM automation_actions WHERE rule_id='r1'`).Scan(&n); err != nil {
		t.Fatalf("count actions: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected actions deleted with rule, found %d", n)
	}
}

func TestSetRuleEnabledHidesRule(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if err := r.InsertRule(ctx, rule("r1", "org1", "TASK_CREATED", true)); err != nil {
		t.Fatal(err)
	}
	if err := r.SetRuleEnabled(ctx, "org1", "r1", false, ts); err != nil {
		t.Fatalf("disable: %v", err)
	}
	got, err := r.FindRules(ctx, "TASK_CREATED", "org1", true)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 0 {
		t.Fatalf("disabled rule returned: %+v", got)
	}
	if err := r.SetRuleEnabled(ctx, "org1", "missing", true, ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestApplyTaskUpdate(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	prio := 1
	task := domain.Task{ID: "t1", OrganizationID: "org1", Title: "Ship", Status: domain.TaskStatusToDo, Priority: &prio, CreatedAt: ts, UpdatedAt: ts}
	if err := r.InsertTask(ctx, nil, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	status := domain.TaskStatusInProgress
	assignee := "u1"
	got, err := r.ApplyTaskUpdate(ctx, "org1", "t1", domain.TaskUpdate{Status: &status, AssigneeID: &assignee, ClearPriority: true}, "2024-01-02T00:00:00Z")
	if err != nil {
		t.Fatalf("apply update: %v", err)
	}
	if got.Status != status || got.AssigneeID == nil || *got.AssigneeID != "u1" || got.Priority != nil {
		t.Fatalf("unexpected task after update: %+v", got)
	}
	stored, err := r.GetTask(ctx, "org1", "t1")
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != status || stored.UpdatedAt != "2024-01-02T00:00:00Z" {
		t.Fatalf("update not persisted: %+v", stored)
	}
	if _, err := r.ApplyTaskUpdate(ctx, "org2", "t1", domain.TaskUpdate{Status: &status}, ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found for other org, got %v", err)
	}
}

func TestNotificationDedupe(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	n := domain.Notification{ID: "n1", OrganizationID: "org1", UserID: "u1", Title: "hi", DedupeKey: "evt:r1:a1", CreatedAt: ts}
	inserted, err := r.InsertNotification(ctx, n)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	n.ID = "n2"
	inserted, err = r.InsertNotification(ctx, n)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatalf("duplicate dedupe key inserted twice")
	}
	list, err := r.ListNotifications(ctx, repo.NotificationFilters{OrganizationID: "org1", UserID: "u1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 || list[0].Channel != "inbox" {
		t.Fatalf("unexpected notifications: %+v", list)
	}
	if err := r.MarkNotificationRead(ctx, "org1", "n1", ts); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	unread, err := r.ListNotifications(ctx, repo.NotificationFilters{OrganizationID: "org1", UnreadOnly: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(unread) != 0 {
		t.Fatalf("expected no unread notifications, got %d", len(unread))
	}
}

func TestExecutionLedger(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	e := domain.ActionExecution{EventID: "e1", RuleID: "r1", ActionID: "a1", ExecutedAt: ts}
	if err := r.RecordExecution(ctx, nil, e); err != nil {
		t.Fatal(err)
	}
	if err := r.RecordExecution(ctx, nil, e); err != nil {
		t.Fatalf("second record should be ignored: %v", err)
	}
	ok, err := r.HasExecution(ctx, "e1", "r1", "a1")
	if err != nil || !ok {
		t.Fatalf("expected execution recorded, ok=%v err=%v", ok, err)
	}
	ok, err = r.HasExecution(ctx, "e2", "r1", "a1")
	if err != nil || ok {
		t.Fatalf("unexpected execution for other event, ok=%v err=%v", ok, err)
	}
}
