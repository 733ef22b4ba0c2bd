package server

import (
	"encoding/json"

	"taskpilot/internal/domain"
	"taskpilot/internal/queue"
)

// Request payloads

type CreateTaskRequest struct {
	ID          *string `json:"id,omitempty"`
	ProjectID   string  `json:"project_id,omitempty"`
	ParentID    *string `json:"parent_id,omitempty"`
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	Status      string  `json:"status,omitempty" enum:"TO_DO,IN_PROGRESS,IN_REVIEW,DONE,CANCELED"`
	AssigneeID  *string `json:"assignee_id,omitempty"`
	Priority    *int    `json:"priority,omitempty" minimum:"0"`
}

type UpdateTaskRequest struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	Status      *string `json:"status,omitempty" enum:"TO_DO,IN_PROGRESS,IN_REVIEW,DONE,CANCELED"`
	// AssigneeID set to "" unassigns the task.
	AssigneeID    *string `json:"assignee_id,omitempty"`
	Priority      *int    `json:"priority,omitempty" minimum:"0"`
	ClearPriority bool    `json:"clear_priority,omitempty"`
}

func (r UpdateTaskRequest) toUpdate() domain.TaskUpdate {
	return domain.TaskUpdate{
		Title:         r.Title,
		Description:   r.Description,
		Status:        r.Status,
		AssigneeID:    r.AssigneeID,
		Priority:      r.Priority,
		ClearPriority: r.ClearPriority,
	}
}

type RuleActionRequest struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config,omitempty"`
	Position int            `json:"position,omitempty"`
}

type CreateRuleRequest struct {
	ID           string              `json:"id,omitempty"`
	Name         string              `json:"name"`
	TriggerEvent string              `json:"trigger_event"`
	Conditions   *domain.Condition   `json:"conditions,omitempty"`
	IsEnabled    *bool               `json:"is_enabled,omitempty"`
	Actions      []RuleActionRequest `json:"actions"`
}

func (r CreateRuleRequest) toRule(orgID string) domain.AutomationRule {
	rule := domain.AutomationRule{
		ID:             r.ID,
		OrganizationID: orgID,
		Name:           r.Name,
		TriggerEvent:   r.TriggerEvent,
		Conditions:     r.Conditions,
		IsEnabled:      r.IsEnabled == nil || *r.IsEnabled,
	}
	for _, a := range r.Actions {
		rule.Actions = append(rule.Actions, domain.AutomationAction{
			ID:       a.ID,
			Type:     domain.ActionType(a.Type),
			Config:   a.Config,
			Position: a.Position,
		})
	}
	return rule
}

type SetRuleEnabledRequest struct {
	Enabled bool `json:"enabled"`
}

type EnqueueEventRequest struct {
	Name    string         `json:"name"`
	Payload map[string]any `json:"payload,omitempty"`
}

type AddMemberRequest struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	Email       string `json:"email,omitempty"`
	Role        string `json:"role,omitempty" enum:"owner,admin,member"`
}

// Responses

type JobResponse struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	State       string         `json:"state"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"max_attempts"`
	LastError   string         `json:"last_error,omitempty"`
	AvailableAt string         `json:"available_at"`
	DeadAt      string         `json:"dead_at,omitempty"`
	CreatedAt   string         `json:"created_at"`
	Data        map[string]any `json:"data"`
}

func jobResponse(j queue.Job) JobResponse {
	return JobResponse{
		ID:          j.ID,
		Name:        j.Name,
		State:       string(j.State),
		Attempts:    j.Attempts,
		MaxAttempts: j.MaxAttempts,
		LastError:   j.LastError,
		AvailableAt: j.AvailableAt,
		DeadAt:      j.DeadAt,
		CreatedAt:   j.CreatedAt,
		Data:        j.Data,
	}
}

type EnqueueEventResponse struct {
	EventID string      `json:"event_id"`
	Job     JobResponse `json:"job"`
}

type EventResponse struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts"`
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id,omitempty"`
	EntityKind     string         `json:"entity_kind"`
	EntityID       string         `json:"entity_id,omitempty"`
	ActorID        string         `json:"actor_id"`
	Payload        map[string]any `json:"payload"`
}

func eventResponse(e domain.Event) EventResponse {
	payload := map[string]any{}
	if e.Payload != "" {
		_ = json.Unmarshal([]byte(e.Payload), &payload)
	}
	return EventResponse{
		ID:             e.ID,
		TS:             e.TS,
		Type:           e.Type,
		OrganizationID: e.OrganizationID,
		EntityKind:     e.EntityKind,
		EntityID:       e.EntityID,
		ActorID:        e.ActorID,
		Payload:        payload,
	}
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type APIKeyResponse struct {
	domain.APIKey
	// Key is only returned on creation.
	Key string `json:"key,omitempty"`
}
