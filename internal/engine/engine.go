// Package engine holds the administrative operations shared by the API and
// the CLI: rule management, organization membership and API keys. Every
// change is written to the activity log in the same transaction.
package engine

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/automation"
	"taskpilot/internal/config"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine/auth"
	"taskpilot/internal/events"
	"taskpilot/internal/repo"
)

// ErrInvalid wraps input validation failures.
var ErrInvalid = errors.New("invalid input")

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Config  *config.Config
	Auth    auth.Service
	Actions *automation.Registry
	Now     func() time.Time
}

func New(db *sql.DB, cfg *config.Config, actions *automation.Registry) Engine {
	r := repo.Repo{DB: db}
	return Engine{
		DB:      db,
		Repo:    r,
		Events:  events.Writer{DB: db},
		Config:  cfg,
		Auth:    auth.Service{Members: r},
		Actions: actions,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string { return e.now().UTC().Format(time.RFC3339) }

func invalidf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

// ValidateRule checks a rule before it is stored. Action types must be
// registered and conditions well formed.
func (e Engine) ValidateRule(rule domain.AutomationRule) error {
	if strings.TrimSpace(rule.OrganizationID) == "" {
		return invalidf("organization_id is required")
	}
	if strings.TrimSpace(rule.Name) == "" {
		return invalidf("name is required")
	}
	if strings.TrimSpace(rule.TriggerEvent) == "" {
		return invalidf("trigger_event is required")
	}
	if e.Config != nil && len(e.Config.Automation.Events) > 0 && !e.Config.KnownEvent(rule.TriggerEvent) {
		return invalidf("unknown trigger_event %q", rule.TriggerEvent)
	}
	if err := automation.ValidateCondition(rule.Conditions); err != nil {
		return invalidf("conditions: %v", err)
	}
	if len(rule.Actions) == 0 {
		return invalidf("at least one action is required")
	}
	seen := map[string]bool{}
	positions := map[int]bool{}
	for i, a := range rule.Actions {
		if a.Type == "" {
			return invalidf("actions[%d].type is required", i)
		}
		if e.Actions != nil {
			if _, ok := e.Actions.Get(a.Type); !ok {
				return invalidf("actions[%d]: unknown type %q", i, a.Type)
			}
		}
		if a.ID != "" {
			if seen[a.ID] {
				return invalidf("duplicate action id %s", a.ID)
			}
			seen[a.ID] = true
		}
		if a.Position < 0 {
			return invalidf("actions[%d].position must be positive", i)
		}
		if a.Position > 0 {
			if positions[a.Position] {
				return invalidf("duplicate action position %d", a.Position)
			}
			positions[a.Position] = true
		}
	}
	return nil
}

// CreateRule validates and stores a rule. Missing ids are generated and
// missing positions follow the list order; stored positions are always 1..n.
func (e Engine) CreateRule(ctx context.Context, rule domain.AutomationRule, actorID string) (domain.AutomationRule, error) {
	if err := e.ValidateRule(rule); err != nil {
		return domain.AutomationRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	now := e.stamp()
	rule.CreatedAt, rule.UpdatedAt = now, now
	actions := make([]domain.AutomationAction, len(rule.Actions))
	for i, a := range rule.Actions {
		if a.ID == "" {
			a.ID = uuid.NewString()
		}
		if a.Position == 0 {
			a.Position = i + 1
		}
		a.RuleID = rule.ID
		actions[i] = a
	}
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Position < actions[j].Position })
	for i := range actions {
		actions[i].Position = i + 1
	}
	rule.Actions = actions

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRuleTx(ctx, tx, rule); err != nil {
		return domain.AutomationRule{}, fmt.Errorf("insert rule: %w", err)
	}
	if err := e.Events.Append(ctx, tx, events.RuleCreated, rule.OrganizationID, "rule", rule.ID, actorID, events.EventPayload{
		"name":          rule.Name,
		"trigger_event": rule.TriggerEvent,
		"actions":       len(rule.Actions),
		"enabled":       rule.IsEnabled,
	}); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AutomationRule{}, err
	}
	return rule, nil
}

// SetRuleEnabled toggles a rule and returns its new state.
func (e Engine) SetRuleEnabled(ctx context.Context, orgID, id string, enabled bool, actorID string) (domain.AutomationRule, error) {
	if err := e.Repo.SetRuleEnabled(ctx, orgID, id, enabled, e.stamp()); err != nil {
		return domain.AutomationRule{}, err
	}
	if err := e.Events.Append(ctx, nil, events.RuleToggled, orgID, "rule", id, actorID, events.EventPayload{"enabled": enabled}); err != nil {
		return domain.AutomationRule{}, err
	}
	return e.Repo.GetRule(ctx, orgID, id)
}

func (e Engine) DeleteRule(ctx context.Context, orgID, id, actorID string) error {
	rule, err := e.Repo.GetRule(ctx, orgID, id)
	if err != nil {
		return err
	}
	if err := e.Repo.DeleteRule(ctx, orgID, id); err != nil {
		return err
	}
	return e.Events.Append(ctx, nil, events.RuleDeleted, orgID, "rule", id, actorID, events.EventPayload{"name": rule.Name})
}

// AddMember adds or updates an organization member.
func (e Engine) AddMember(ctx context.Context, m domain.Member, actorID string) (domain.Member, error) {
	if strings.TrimSpace(m.OrganizationID) == "" || strings.TrimSpace(m.UserID) == "" {
		return domain.Member{}, invalidf("organization_id and user_id are required")
	}
	if m.Role == "" {
		m.Role = auth.RoleMember
	}
	if !auth.ValidRole(m.Role) {
		return domain.Member{}, invalidf("unknown role %q", m.Role)
	}
	if m.CreatedAt == "" {
		m.CreatedAt = e.stamp()
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Member{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpsertMember(ctx, tx, m); err != nil {
		return domain.Member{}, err
	}
	if err := e.Events.Append(ctx, tx, events.MemberAdded, m.OrganizationID, "member", m.UserID, actorID, events.EventPayload{"role": m.Role}); err != nil {
		return domain.Member{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Member{}, err
	}
	return e.Repo.GetMember(ctx, m.OrganizationID, m.UserID)
}

func (e Engine) RemoveMember(ctx context.Context, orgID, userID, actorID string) error {
	if err := e.Repo.RemoveMember(ctx, orgID, userID); err != nil {
		return err
	}
	return e.Events.Append(ctx, nil, events.MemberRemoved, orgID, "member", userID, actorID, nil)
}

// CreateAPIKey issues a new key for orgID. The plaintext key is returned once.
func (e Engine) CreateAPIKey(ctx context.Context, orgID, name, actorID string) (domain.APIKey, string, error) {
	if strings.TrimSpace(orgID) == "" {
		return domain.APIKey{}, "", invalidf("organization_id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	plain := "tp_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:             uuid.NewString(),
		OrganizationID: orgID,
		Name:           strings.TrimSpace(name),
		KeyHash:        repo.HashAPIKey(plain),
		CreatedAt:      e.stamp(),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Events.Append(ctx, nil, events.APIKeyCreated, orgID, "apikey", key.ID, actorID, events.EventPayload{"name": key.Name}); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, plain, nil
}

func (e Engine) RevokeAPIKey(ctx context.Context, orgID, id, actorID string) error {
	if err := e.Repo.DeleteAPIKey(ctx, orgID, id); err != nil {
		return err
	}
	return e.Events.Append(ctx, nil, events.APIKeyRevoked, orgID, "apikey", id, actorID, nil)
}
