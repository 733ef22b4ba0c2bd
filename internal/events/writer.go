package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Activity event types recorded by the engine.
const (
	RuleCreated     = "automation.rule.created"
	RuleDeleted     = "automation.rule.deleted"
	RuleToggled     = "automation.rule.toggled"
	RuleExecuted    = "automation.rule.executed"
	RuleFailed      = "automation.rule.failed"
	CascadeHalted   = "automation.cascade.halted"
	JobAbandoned    = "automation.job.abandoned"
	EventRejected   = "automation.event.rejected"
	TaskCreated     = "task.created"
	TaskUpdated     = "task.updated"
	MemberAdded     = "member.added"
	MemberRemoved   = "member.removed"
	APIKeyCreated   = "apikey.created"
	APIKeyRevoked   = "apikey.revoked"
	WebhookReceived = "webhook.received"
)

// SystemActor is recorded when no user caused the event.
const SystemActor = "system"

// Writer appends rows to the activity log.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one activity event. tx may be nil to use the pool.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, orgID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if actorID == "" {
		actorID = SystemActor
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	const query = `INSERT INTO events(ts,type,organization_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`
	args := []any{ts, evtType, nullable(orgID), entityKind, nullable(entityID), actorID, string(data)}
	if tx != nil {
		_, err = tx.ExecContext(ctx, query, args...)
	} else {
		_, err = w.DB.ExecContext(ctx, query, args...)
	}
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
