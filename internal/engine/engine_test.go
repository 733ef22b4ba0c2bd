package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"taskpilot/internal/automation"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/engine/auth"
	"taskpilot/internal/events"
	"taskpilot/internal/migrate"
	"taskpilot/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

type noop struct{ typ domain.ActionType }

func (n noop) Type() domain.ActionType { return n.typ }
func (n noop) Execute(context.Context, map[string]any, automation.Event) error {
	return nil
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	actions := automation.NewRegistry(noop{domain.ActionAssignUser}, noop{domain.ActionSendNotification})
	eng := engine.New(conn, config.Default(), actions)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	eng.Events.Now = eng.Now
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func TestCreateRuleAssignsIDsAndPositions(t *testing.T) {
	env := newTestEnv(t)
	rule, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		OrganizationID: "org1",
		Name:           "Auto-assign reviews",
		TriggerEvent:   "TASK_STATUS_CHANGED",
		IsEnabled:      true,
		Conditions:     &domain.Condition{All: []domain.Clause{{Field: "newStatus", Op: "eq", Value: "IN_REVIEW"}}},
		Actions: []domain.AutomationAction{
			{Type: domain.ActionAssignUser, Config: map[string]any{"userId": "alice"}},
			{Type: domain.ActionSendNotification, Config: map[string]any{"recipient": "assignee"}},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	if rule.ID == "" || rule.Actions[0].ID == "" || rule.Actions[0].Position != 1 || rule.Actions[1].Position != 2 {
		t.Fatalf("ids/positions not assigned: %+v", rule)
	}
	stored, err := env.Engine.Repo.GetRule(env.Ctx, "org1", rule.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if len(stored.Actions) != 2 || stored.Actions[0].Type != domain.ActionAssignUser {
		t.Fatalf("unexpected stored rule: %+v", stored)
	}
	evts, _ := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: events.RuleCreated})
	if len(evts) != 1 || evts[0].ActorID != "tester" || evts[0].OrganizationID != "org1" {
		t.Fatalf("expected rule creation in activity log, got %+v", evts)
	}
}

func TestCreateRuleValidation(t *testing.T) {
	env := newTestEnv(t)
	base := domain.AutomationRule{
		OrganizationID: "org1",
		Name:           "r",
		TriggerEvent:   "TASK_CREATED",
		Actions:        []domain.AutomationAction{{Type: domain.ActionAssignUser}},
	}
	cases := map[string]func(r *domain.AutomationRule){
		"missing org":     func(r *domain.AutomationRule) { r.OrganizationID = "" },
		"missing name":    func(r *domain.AutomationRule) { r.Name = " " },
		"unknown trigger": func(r *domain.AutomationRule) { r.TriggerEvent = "SOMETHING_ELSE" },
		"no actions":      func(r *domain.AutomationRule) { r.Actions = nil },
		"unknown action":  func(r *domain.AutomationRule) { r.Actions = []domain.AutomationAction{{Type: "TELEPORT"}} },
		"bad condition": func(r *domain.AutomationRule) {
			r.Conditions = &domain.Condition{All: []domain.Clause{{Field: "x", Op: "like"}}}
		},
		"duplicate action ids": func(r *domain.AutomationRule) {
			r.Actions = []domain.AutomationAction{{ID: "a", Type: domain.ActionAssignUser}, {ID: "a", Type: domain.ActionAssignUser}}
		},
		"duplicate positions": func(r *domain.AutomationRule) {
			r.Actions = []domain.AutomationAction{{Type: domain.ActionAssignUser, Position: 2}, {Type: domain.ActionSendNotification, Position: 2}}
		},
		"negative position": func(r *domain.AutomationRule) {
			r.Actions = []domain.AutomationAction{{Type: domain.ActionAssignUser, Position: -1}}
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			rule := base
			mutate(&rule)
			if _, err := env.Engine.CreateRule(env.Ctx, rule, "tester"); !errors.Is(err, engine.ErrInvalid) {
				t.Fatalf("expected ErrInvalid, got %v", err)
			}
		})
	}
}

func TestCreateRuleRenumbersMixedPositions(t *testing.T) {
	env := newTestEnv(t)
	rule, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		OrganizationID: "org1", Name: "r", TriggerEvent: "TASK_CREATED", IsEnabled: true,
		Actions: []domain.AutomationAction{
			{ID: "explicit", Type: domain.ActionAssignUser, Position: 5},
			{ID: "implicit", Type: domain.ActionSendNotification},
			{ID: "first", Type: domain.ActionSendNotification, Position: 1},
		},
	}, "tester")
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}
	stored, err := env.Engine.Repo.GetRule(env.Ctx, "org1", rule.ID)
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	want := []string{"first", "implicit", "explicit"}
	if len(stored.Actions) != len(want) {
		t.Fatalf("expected %d actions, got %+v", len(want), stored.Actions)
	}
	for i, a := range stored.Actions {
		if a.ID != want[i] || a.Position != i+1 {
			t.Fatalf("action %d: expected %s at position %d, got %s at %d", i, want[i], i+1, a.ID, a.Position)
		}
	}
}

func TestToggleAndDeleteRule(t *testing.T) {
	env := newTestEnv(t)
	rule, err := env.Engine.CreateRule(env.Ctx, domain.AutomationRule{
		OrganizationID: "org1", Name: "r", TriggerEvent: "TASK_CREATED", IsEnabled: true,
		Actions: []domain.AutomationAction{{Type: domain.ActionAssignUser}},
	}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	toggled, err := env.Engine.SetRuleEnabled(env.Ctx, "org1", rule.ID, false, "tester")
	if err != nil || toggled.IsEnabled {
		t.Fatalf("disable: %v %+v", err, toggled)
	}
	if _, err := env.Engine.SetRuleEnabled(env.Ctx, "org2", rule.ID, true, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("toggle from another org should be not found, got %v", err)
	}
	if err := env.Engine.DeleteRule(env.Ctx, "org1", rule.ID, "tester"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := env.Engine.Repo.GetRule(env.Ctx, "org1", rule.ID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("rule still present: %v", err)
	}
	if err := env.Engine.DeleteRule(env.Ctx, "org1", rule.ID, "tester"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestMembersAndPermissions(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.AddMember(env.Ctx, domain.Member{OrganizationID: "org1", UserID: "alice", Role: "admin"}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddMember(env.Ctx, domain.Member{OrganizationID: "org1", UserID: "bob"}, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.AddMember(env.Ctx, domain.Member{OrganizationID: "org1", UserID: "eve", Role: "root"}, "tester"); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid role, got %v", err)
	}
	if err := env.Engine.Auth.Require(env.Ctx, "org1", "alice", auth.PermRuleWrite); err != nil {
		t.Fatalf("admin denied rule.write: %v", err)
	}
	err := env.Engine.Auth.Require(env.Ctx, "org1", "bob", auth.PermRuleWrite)
	var fe auth.ForbiddenError
	if !errors.As(err, &fe) || fe.Permission != auth.PermRuleWrite {
		t.Fatalf("member allowed rule.write: %v", err)
	}
	if err := env.Engine.Auth.Require(env.Ctx, "org1", "bob", auth.PermTaskWrite); err != nil {
		t.Fatalf("member denied task.write: %v", err)
	}
	if err := env.Engine.Auth.Require(env.Ctx, "org2", "alice", auth.PermTaskRead); err == nil {
		t.Fatalf("non-member allowed")
	}
	if err := env.Engine.RemoveMember(env.Ctx, "org1", "bob", "tester"); err != nil {
		t.Fatal(err)
	}
	if ok, _ := env.Engine.Repo.IsMember(env.Ctx, "org1", "bob"); ok {
		t.Fatalf("bob still a member")
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	env := newTestEnv(t)
	key, plain, err := env.Engine.CreateAPIKey(env.Ctx, "org1", "ci", "tester")
	if err != nil {
		t.Fatal(err)
	}
	if plain == "" || key.KeyHash == plain {
		t.Fatalf("plaintext key must be returned and not stored")
	}
	found, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain))
	if err != nil || found.ID != key.ID || found.OrganizationID != "org1" {
		t.Fatalf("lookup by hash: %v %+v", err, found)
	}
	if err := env.Engine.RevokeAPIKey(env.Ctx, "org1", key.ID, "tester"); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, repo.HashAPIKey(plain)); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("revoked key still valid: %v", err)
	}
}
