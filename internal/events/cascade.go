package events

import (
	"context"
	"encoding/json"
	"strconv"
)

// Payload keys shared by every domain event.
const (
	KeyOrganizationID = "organizationId"
	KeyEventID        = "eventId"
	KeyOccurredAt     = "occurredAt"
	KeyCascadeDepth   = "cascadeDepth"
	KeyCausedBy       = "causedBy"
	KeyActorID        = "actorId"
)

// Cascade identifies the event whose actions are currently running.
type Cascade struct {
	EventID string
	Depth   int
}

type cascadeKey struct{}
type actorKey struct{}

// WithCascade marks ctx as running the actions of the given event.
func WithCascade(ctx context.Context, c Cascade) context.Context {
	return context.WithValue(ctx, cascadeKey{}, c)
}

// CascadeFrom returns the cascade carried by ctx, if any.
func CascadeFrom(ctx context.Context) (Cascade, bool) {
	c, ok := ctx.Value(cascadeKey{}).(Cascade)
	return c, ok
}

// WithActor records who caused the work done under ctx.
func WithActor(ctx context.Context, actorID string) context.Context {
	return context.WithValue(ctx, actorKey{}, actorID)
}

// ActorFrom returns the actor stored by WithActor or SystemActor.
func ActorFrom(ctx context.Context) string {
	if v, ok := ctx.Value(actorKey{}).(string); ok && v != "" {
		return v
	}
	return SystemActor
}

// StampCascade sets cascadeDepth and causedBy on payload when ctx carries a cascade.
// Payloads that already declare a depth are left alone.
func StampCascade(ctx context.Context, payload map[string]any) {
	c, ok := CascadeFrom(ctx)
	if !ok {
		return
	}
	if _, set := payload[KeyCascadeDepth]; set {
		return
	}
	payload[KeyCascadeDepth] = c.Depth + 1
	if c.EventID != "" {
		payload[KeyCausedBy] = c.EventID
	}
}

// DepthOf reads cascadeDepth from a payload. Missing or malformed values count as zero.
func DepthOf(payload map[string]any) int {
	switch v := payload[KeyCascadeDepth].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0
		}
		return int(n)
	case string:
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}

// StringField returns payload[key] when it is a non-empty string.
func StringField(payload map[string]any, key string) string {
	if v, ok := payload[key].(string); ok {
		return v
	}
	return ""
}
