package app

import (
	"context"
	"testing"

	"taskpilot/internal/config"
	"taskpilot/internal/domain"
	"taskpilot/internal/queue"
	"taskpilot/internal/repo"
)

func openTestApp(t *testing.T) *App {
	t.Helper()
	a, err := Open(Options{Workspace: t.TempDir(), Config: config.Default(), Logger: QuietLogger()})
	if err != nil {
		t.Fatalf("open app: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a
}

func TestBootstrapOnlyOnce(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	created, err := a.Bootstrap(ctx, "org1", "carol")
	if err != nil || !created {
		t.Fatalf("bootstrap: %v created=%v", err, created)
	}
	m, err := a.Repo.GetMember(ctx, "org1", "carol")
	if err != nil || m.Role != "owner" {
		t.Fatalf("owner not created: %v %+v", err, m)
	}
	created, err = a.Bootstrap(ctx, "org1", "dave")
	if err != nil || created {
		t.Fatalf("second bootstrap should be a no-op: %v created=%v", err, created)
	}
}

func TestStatusChangeRunsRuleThroughWorker(t *testing.T) {
	a := openTestApp(t)
	ctx := context.Background()
	if _, err := a.Bootstrap(ctx, "org1", "carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.AddMember(ctx, domain.Member{OrganizationID: "org1", UserID: "alice"}, "carol"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Engine.CreateRule(ctx, domain.AutomationRule{
		OrganizationID: "org1",
		Name:           "Route reviews",
		TriggerEvent:   "TASK_STATUS_CHANGED",
		IsEnabled:      true,
		Conditions:     &domain.Condition{All: []domain.Clause{{Field: "newStatus", Op: "eq", Value: domain.TaskStatusInReview}}},
		Actions: []domain.AutomationAction{
			{Type: domain.ActionAssignUser, Config: map[string]any{"userId": "alice"}},
			{Type: domain.ActionSendNotification, Config: map[string]any{"userId": "alice", "title": "Review {{task.title}}"}},
		},
	}, "carol"); err != nil {
		t.Fatalf("create rule: %v", err)
	}

	task, err := a.Tasks.Create(ctx, domain.Task{OrganizationID: "org1", Title: "Ship it"})
	if err != nil {
		t.Fatal(err)
	}
	status := domain.TaskStatusInReview
	if _, err := a.Tasks.Update(ctx, "org1", task.ID, domain.TaskUpdate{Status: &status}); err != nil {
		t.Fatal(err)
	}

	// First pass handles the creation and status events; the assignment made
	// by the rule cascades into a second pass.
	for i := 0; i < 2; i++ {
		outcomes, err := a.Worker.ProcessBatch(ctx)
		if err != nil {
			t.Fatalf("batch %d: %v", i+1, err)
		}
		for _, o := range outcomes {
			if !o.Completed {
				t.Fatalf("job %s (%s) not completed: %v", o.JobID, o.Event, o.Err)
			}
		}
	}

	got, err := a.Tasks.Get(ctx, "org1", task.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.AssigneeID == nil || *got.AssigneeID != "alice" {
		t.Fatalf("task not assigned: %+v", got)
	}
	notes, err := a.Repo.ListNotifications(ctx, repo.NotificationFilters{OrganizationID: "org1", UserID: "alice"})
	if err != nil {
		t.Fatal(err)
	}
	if len(notes) != 1 || notes[0].Title != "Review Ship it" {
		t.Fatalf("unexpected notifications: %+v", notes)
	}
	counts, err := a.Queue.Counts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if counts[queue.StateCompleted] != 3 || counts[queue.StateWaiting] != 0 {
		t.Fatalf("unexpected queue counts: %+v", counts)
	}
}
