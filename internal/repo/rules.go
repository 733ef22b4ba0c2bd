package repo

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"taskpilot/internal/domain"
)

const ruleColumns = `id,organization_id,name,trigger_event,conditions_json,is_enabled,created_at,updated_at`

// InsertRule stores a rule and its actions atomically.
func (r Repo) InsertRule(ctx context.Context, rule domain.AutomationRule) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.InsertRuleTx(ctx, tx, rule); err != nil {
		return err
	}
	return tx.Commit()
}

func (r Repo) InsertRuleTx(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	if rule.ID == "" || rule.OrganizationID == "" || rule.TriggerEvent == "" {
		return errors.New("rule id, organization_id and trigger_event required")
	}
	var conditions any
	if !rule.Conditions.Empty() {
		data, err := json.Marshal(rule.Conditions)
		if err != nil {
			return fmt.Errorf("marshal conditions: %w", err)
		}
		conditions = string(data)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO automation_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?)`,
		rule.ID, rule.OrganizationID, rule.Name, rule.TriggerEvent, conditions, boolInt(rule.IsEnabled), rule.CreatedAt, rule.UpdatedAt); err != nil {
		return err
	}
	for _, a := range rule.Actions {
		if a.ID == "" {
			return errors.New("action id required")
		}
		var cfg any
		if len(a.Config) > 0 {
			data, err := json.Marshal(a.Config)
			if err != nil {
				return fmt.Errorf("marshal action %s config: %w", a.ID, err)
			}
			cfg = string(data)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO automation_actions(id,rule_id,type,config_json,position) VALUES (?,?,?,?,?)`,
			a.ID, rule.ID, string(a.Type), cfg, a.Position); err != nil {
			return err
		}
	}
	return nil
}

// GetRule loads one rule of an organization with its actions.
func (r Repo) GetRule(ctx context.Context, orgID, id string) (domain.AutomationRule, error) {
	rules, err := r.queryRules(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=? AND organization_id=?`, id, orgID)
	if err != nil {
		return domain.AutomationRule{}, err
	}
	if len(rules) == 0 {
		return domain.AutomationRule{}, ErrNotFound
	}
	return rules[0], nil
}

// ListRules returns every rule of an organization, oldest first.
func (r Repo) ListRules(ctx context.Context, orgID string) ([]domain.AutomationRule, error) {
	return r.queryRules(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE organization_id=? ORDER BY created_at, id`, orgID)
}

// FindRules returns the rules of organizationID triggered by triggerEvent,
// each with its actions ordered by position. Disabled rules are omitted
// when enabledOnly is set.
func (r Repo) FindRules(ctx context.Context, triggerEvent, organizationID string, enabledOnly bool) ([]domain.AutomationRule, error) {
	if strings.TrimSpace(organizationID) == "" {
		return nil, errors.New("organization id required")
	}
	query := `SELECT ` + ruleColumns + ` FROM automation_rules WHERE trigger_event=? AND organization_id=?`
	if enabledOnly {
		query += ` AND is_enabled=1`
	}
	query += ` ORDER BY created_at, id`
	return r.queryRules(ctx, query, triggerEvent, organizationID)
}

func (r Repo) SetRuleEnabled(ctx context.Context, orgID, id string, enabled bool, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automation_rules SET is_enabled=?, updated_at=? WHERE id=? AND organization_id=?`, boolInt(enabled), now, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteRule removes a rule; its actions go with it.
func (r Repo) DeleteRule(ctx context.Context, orgID, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM automation_rules WHERE id=? AND organization_id=?`, id, orgID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) queryRules(ctx context.Context, query string, args ...any) ([]domain.AutomationRule, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var rules []domain.AutomationRule
	for rows.Next() {
		var rule domain.AutomationRule
		var conditions sql.NullString
		var enabled int
		if err := rows.Scan(&rule.ID, &rule.OrganizationID, &rule.Name, &rule.TriggerEvent, &conditions, &enabled, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		rule.IsEnabled = enabled == 1
		if conditions.Valid && conditions.String != "" {
			var c domain.Condition
			if err := decodeJSON(conditions.String, &c); err != nil {
				rows.Close()
				return nil, fmt.Errorf("rule %s conditions: %w", rule.ID, err)
			}
			rule.Conditions = &c
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	// The pool has a single connection; release it before loading actions.
	rows.Close()
	if len(rules) == 0 {
		return rules, nil
	}
	actions, err := r.actionsFor(ctx, rules)
	if err != nil {
		return nil, err
	}
	for i := range rules {
		rules[i].Actions = actions[rules[i].ID]
	}
	return rules, nil
}

func (r Repo) actionsFor(ctx context.Context, rules []domain.AutomationRule) (map[string][]domain.AutomationAction, error) {
	placeholders := make([]string, len(rules))
	args := make([]any, len(rules))
	for i, rule := range rules {
		placeholders[i] = "?"
		args[i] = rule.ID
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,rule_id,type,config_json,position FROM automation_actions WHERE rule_id IN (`+strings.Join(placeholders, ",")+`) ORDER BY rule_id, position, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]domain.AutomationAction{}
	for rows.Next() {
		var a domain.AutomationAction
		var typ string
		var cfg sql.NullString
		if err := rows.Scan(&a.ID, &a.RuleID, &typ, &cfg, &a.Position); err != nil {
			return nil, err
		}
		a.Type = domain.ActionType(typ)
		if cfg.Valid && cfg.String != "" {
			if err := decodeJSON(cfg.String, &a.Config); err != nil {
				return nil, fmt.Errorf("action %s config: %w", a.ID, err)
			}
		}
		out[a.RuleID] = append(out[a.RuleID], a)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for id := range out {
		list := out[id]
		sort.SliceStable(list, func(i, j int) bool { return list[i].Position < list[j].Position })
	}
	return out, nil
}

// decodeJSON keeps integers exact by decoding numbers as json.Number.
func decodeJSON(data string, v any) error {
	dec := json.NewDecoder(bytes.NewBufferString(data))
	dec.UseNumber()
	return dec.Decode(v)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
