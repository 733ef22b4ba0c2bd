// Package automation evaluates organization rules against domain events and
// runs their actions.
package automation

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"taskpilot/internal/config"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/queue"
)

const defaultActionTimeout = 10 * time.Second

type RuleStore interface {
	FindRules(ctx context.Context, triggerEvent, organizationID string, enabledOnly bool) ([]domain.AutomationRule, error)
}

// Ledger remembers which actions already completed for an event.
type Ledger interface {
	HasExecution(ctx context.Context, eventID, ruleID, actionID string) (bool, error)
	RecordExecution(ctx context.Context, tx *sql.Tx, e domain.ActionExecution) error
}

type ActivityLog interface {
	Append(ctx context.Context, tx *sql.Tx, evtType, orgID, entityKind, entityID, actorID string, payload events.EventPayload) error
}

type Engine struct {
	Rules    RuleStore
	Actions  *Registry
	Queue    queue.Enqueuer
	Ledger   Ledger
	Activity ActivityLog
	Config   *config.Config
	Logger   *log.Logger
	Now      func() time.Time
}

func (e *Engine) now() time.Time {
	if e.Now == nil {
		return time.Now().UTC()
	}
	return e.Now().UTC()
}

func (e *Engine) logf(format string, args ...any) {
	if e.Logger != nil {
		e.Logger.Printf("automation: "+format, args...)
		return
	}
	log.Printf("automation: "+format, args...)
}

func (e *Engine) actionTimeout() time.Duration {
	if e.Config != nil && e.Config.Automation.ActionTimeout > 0 {
		return e.Config.Automation.ActionTimeout.Std()
	}
	return defaultActionTimeout
}

// EnqueueEvent submits a domain event for asynchronous evaluation. It stamps
// eventId and occurredAt when absent and returns once the job is recorded.
func (e *Engine) EnqueueEvent(ctx context.Context, name string, payload map[string]any) (queue.Job, error) {
	if strings.TrimSpace(name) == "" {
		return queue.Job{}, errors.New("event name required")
	}
	if e.Queue == nil {
		return queue.Job{}, errors.New("no queue configured")
	}
	data := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		data[k] = v
	}
	if events.StringField(data, events.KeyEventID) == "" {
		data[events.KeyEventID] = uuid.NewString()
	}
	if _, ok := data[events.KeyOccurredAt]; !ok {
		data[events.KeyOccurredAt] = e.now().Format(time.RFC3339)
	}
	return e.Queue.Enqueue(ctx, name, data)
}

// Enqueue lets the engine stand in as a queue.Enqueuer for producers such as the interceptor.
func (e *Engine) Enqueue(ctx context.Context, name string, data map[string]any) (queue.Job, error) {
	return e.EnqueueEvent(ctx, name, data)
}

// RuleOutcome reports what happened to one rule during an evaluation.
type RuleOutcome struct {
	RuleID   string   `json:"rule_id"`
	RuleName string   `json:"rule_name"`
	Matched  bool     `json:"matched"`
	Executed []string `json:"executed,omitempty"`
	// Replayed lists actions skipped because they already ran for this event.
	Replayed []string `json:"replayed,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
	Error    string   `json:"error,omitempty"`
}

type Result struct {
	EventID string        `json:"event_id,omitempty"`
	Event   string        `json:"event"`
	Rules   []RuleOutcome `json:"rules"`
}

// EvaluateRulesForEvent runs every enabled rule of the payload's organization
// that is triggered by name. Rules are isolated from each other; actions of a
// rule run sequentially in position order. The returned error is permanent
// for invalid events and joins the transient failures otherwise, so the
// caller can decide whether to redeliver.
func (e *Engine) EvaluateRulesForEvent(ctx context.Context, name string, payload map[string]any) (Result, error) {
	res := Result{Event: name, EventID: events.StringField(payload, events.KeyEventID)}
	orgID := strings.TrimSpace(events.StringField(payload, events.KeyOrganizationID))
	if orgID == "" {
		e.logf("reject %s: %v", name, ErrMissingOrganization)
		return res, Permanent(fmt.Errorf("%s: %w", name, ErrMissingOrganization))
	}
	depth := events.DepthOf(payload)
	if limit := e.maxDepth(); depth > limit {
		e.logf("halt %s for org %s: cascade depth %d exceeds %d (caused by %s)", name, orgID, depth, limit, events.StringField(payload, events.KeyCausedBy))
		e.record(ctx, events.CascadeHalted, orgID, "event", res.EventID, events.EventPayload{
			"event":    name,
			"depth":    depth,
			"limit":    limit,
			"causedBy": events.StringField(payload, events.KeyCausedBy),
		})
		return res, Permanent(fmt.Errorf("%s at depth %d: %w", name, depth, ErrCascadeLimit))
	}

	rules, err := e.Rules.FindRules(ctx, name, orgID, true)
	if err != nil {
		return res, fmt.Errorf("find rules for %s: %w", name, err)
	}

	actx := events.WithCascade(ctx, events.Cascade{EventID: res.EventID, Depth: depth})
	var failures []error
	for _, rule := range rules {
		if rule.OrganizationID != orgID || !rule.IsEnabled {
			continue
		}
		outcome, err := e.runRule(actx, name, orgID, res.EventID, rule, payload)
		res.Rules = append(res.Rules, outcome)
		if err != nil {
			failures = append(failures, err)
		}
	}
	return res, errors.Join(failures...)
}

func (e *Engine) maxDepth() int {
	if e.Config == nil {
		return 5
	}
	return e.Config.Automation.MaxCascadeDepth
}

func (e *Engine) runRule(ctx context.Context, name, orgID, eventID string, rule domain.AutomationRule, payload map[string]any) (RuleOutcome, error) {
	out := RuleOutcome{RuleID: rule.ID, RuleName: rule.Name}
	matched, err := Match(rule.Conditions, payload)
	if err != nil {
		out.Error = err.Error()
		e.logf("rule %s: bad conditions: %v", rule.ID, err)
		e.record(ctx, events.RuleFailed, orgID, "rule", rule.ID, events.EventPayload{"event": name, "eventId": eventID, "error": err.Error()})
		return out, nil
	}
	if !matched {
		return out, nil
	}
	out.Matched = true

	actions := append([]domain.AutomationAction(nil), rule.Actions...)
	sort.SliceStable(actions, func(i, j int) bool { return actions[i].Position < actions[j].Position })

	for _, action := range actions {
		if eventID != "" && e.Ledger != nil {
			done, err := e.Ledger.HasExecution(ctx, eventID, rule.ID, action.ID)
			if err != nil {
				return e.failRule(ctx, &out, name, orgID, eventID, action, err)
			}
			if done {
				out.Replayed = append(out.Replayed, action.ID)
				continue
			}
		}
		impl, ok := e.Actions.Get(action.Type)
		if !ok {
			msg := fmt.Sprintf("action %s: %v %q", action.ID, ErrUnknownAction, action.Type)
			e.logf("rule %s: %s, skipped", rule.ID, msg)
			out.Warnings = append(out.Warnings, msg)
			continue
		}
		evt := Event{ID: eventID, Name: name, OrganizationID: orgID, RuleID: rule.ID, ActionID: action.ID, Payload: payload}
		if err := e.execute(ctx, impl, action, evt); err != nil {
			if IsPermanent(err) {
				msg := fmt.Sprintf("action %s (%s): %v", action.ID, action.Type, err)
				e.logf("rule %s: %s", rule.ID, msg)
				out.Warnings = append(out.Warnings, msg)
				continue
			}
			return e.failRule(ctx, &out, name, orgID, eventID, action, err)
		}
		out.Executed = append(out.Executed, action.ID)
		if eventID != "" && e.Ledger != nil {
			if err := e.Ledger.RecordExecution(ctx, nil, domain.ActionExecution{
				EventID: eventID, RuleID: rule.ID, ActionID: action.ID, ExecutedAt: e.now().Format(time.RFC3339),
			}); err != nil {
				e.logf("rule %s: record execution of %s: %v", rule.ID, action.ID, err)
			}
		}
	}
	e.record(ctx, events.RuleExecuted, orgID, "rule", rule.ID, events.EventPayload{
		"event":    name,
		"eventId":  eventID,
		"executed": out.Executed,
		"replayed": out.Replayed,
		"warnings": out.Warnings,
	})
	return out, nil
}

// execute runs one action under its own timeout.
func (e *Engine) execute(ctx context.Context, impl Action, action domain.AutomationAction, evt Event) (err error) {
	ctx, cancel := context.WithTimeout(ctx, e.actionTimeout())
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("action %s panicked: %v", action.ID, r)
		}
	}()
	return impl.Execute(ctx, action.Config, evt)
}

func (e *Engine) failRule(ctx context.Context, out *RuleOutcome, name, orgID, eventID string, action domain.AutomationAction, err error) (RuleOutcome, error) {
	out.Error = fmt.Sprintf("action %s (%s): %v", action.ID, action.Type, err)
	e.logf("rule %s failed: %s", out.RuleID, out.Error)
	e.record(ctx, events.RuleFailed, orgID, "rule", out.RuleID, events.EventPayload{
		"event":    name,
		"eventId":  eventID,
		"actionId": action.ID,
		"error":    err.Error(),
	})
	return *out, fmt.Errorf("rule %s: %s", out.RuleID, out.Error)
}

func (e *Engine) record(ctx context.Context, evtType, orgID, kind, entityID string, payload events.EventPayload) {
	if e.Activity == nil {
		return
	}
	if err := e.Activity.Append(context.WithoutCancel(ctx), nil, evtType, orgID, kind, entityID, events.SystemActor, payload); err != nil {
		e.logf("record %s: %v", evtType, err)
	}
}
