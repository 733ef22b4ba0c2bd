package domain

// ActionType enumerates the side effects an automation can perform.
type ActionType string

const (
	ActionAssignUser       ActionType = "ASSIGN_USER"
	ActionSendNotification ActionType = "SEND_NOTIFICATION"
	ActionUpdateTaskStatus ActionType = "UPDATE_TASK_STATUS"
	ActionCreateSubtask    ActionType = "CREATE_SUBTASK"
	ActionSetPriority      ActionType = "SET_PRIORITY"
	ActionSendWebhook      ActionType = "SEND_WEBHOOK"
)

// AutomationRule binds a trigger event to an ordered list of actions for one organization.
type AutomationRule struct {
	ID             string             `json:"id" yaml:"id,omitempty"`
	OrganizationID string             `json:"organization_id" yaml:"organization_id,omitempty"`
	Name           string             `json:"name" yaml:"name"`
	TriggerEvent   string             `json:"trigger_event" yaml:"trigger_event"`
	Conditions     *Condition         `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	IsEnabled      bool               `json:"is_enabled" yaml:"is_enabled"`
	Actions        []AutomationAction `json:"actions" yaml:"actions"`
	CreatedAt      string             `json:"created_at,omitempty" format:"date-time" yaml:"-"`
	UpdatedAt      string             `json:"updated_at,omitempty" format:"date-time" yaml:"-"`
}

// AutomationAction is one effect of a rule. Position orders execution.
type AutomationAction struct {
	ID       string         `json:"id" yaml:"id,omitempty"`
	RuleID   string         `json:"rule_id" yaml:"-"`
	Type     ActionType     `json:"type" yaml:"type"`
	Config   map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	Position int            `json:"position" yaml:"position"`
}

// Condition is a structured predicate over an event payload.
// A nil or empty condition always matches.
type Condition struct {
	All  []Clause `json:"all,omitempty" yaml:"all,omitempty"`
	Any  []Clause `json:"any,omitempty" yaml:"any,omitempty"`
	None []Clause `json:"none,omitempty" yaml:"none,omitempty"`
}

// Clause compares the payload value at Field (dotted path) with Value using Op.
type Clause struct {
	Field string `json:"field" yaml:"field"`
	Op    string `json:"op" yaml:"op" enum:"eq,neq,in,not_in,exists,not_exists,contains,gt,gte,lt,lte"`
	Value any    `json:"value,omitempty" yaml:"value,omitempty"`
}

// Empty reports whether the condition has no clauses.
func (c *Condition) Empty() bool {
	return c == nil || (len(c.All) == 0 && len(c.Any) == 0 && len(c.None) == 0)
}

// ActionExecution records an action that completed for a given event.
type ActionExecution struct {
	EventID    string `json:"event_id"`
	RuleID     string `json:"rule_id"`
	ActionID   string `json:"action_id"`
	ExecutedAt string `json:"executed_at" format:"date-time"`
}
