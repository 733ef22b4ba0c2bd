package domain

// Task statuses understood by the engine and the API.
const (
	TaskStatusToDo       = "TO_DO"
	TaskStatusInProgress = "IN_PROGRESS"
	TaskStatusInReview   = "IN_REVIEW"
	TaskStatusDone       = "DONE"
	TaskStatusCanceled   = "CANCELED"
)

// TaskStatuses lists every valid task status.
var TaskStatuses = []string{TaskStatusToDo, TaskStatusInProgress, TaskStatusInReview, TaskStatusDone, TaskStatusCanceled}

// ValidTaskStatus reports whether s is a known task status.
func ValidTaskStatus(s string) bool {
	for _, st := range TaskStatuses {
		if st == s {
			return true
		}
	}
	return false
}

type Member struct {
	OrganizationID string `json:"organization_id"`
	UserID         string `json:"user_id"`
	DisplayName    string `json:"display_name,omitempty"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role" enum:"owner,admin,member"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}

type Task struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organization_id"`
	ProjectID      string  `json:"project_id,omitempty"`
	ParentID       *string `json:"parent_id,omitempty"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status" enum:"TO_DO,IN_PROGRESS,IN_REVIEW,DONE,CANCELED"`
	AssigneeID     *string `json:"assignee_id,omitempty"`
	Priority       *int    `json:"priority,omitempty"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

// EntityKind names the entity for change monitoring.
func (t Task) EntityKind() string { return "task" }

// OrgID returns the owning organization.
func (t Task) OrgID() string { return t.OrganizationID }

// Identity returns the fields that identify the task in event payloads.
func (t Task) Identity() map[string]any {
	return map[string]any{"taskId": t.ID}
}

// FieldValue returns the comparable value of a monitored field.
func (t Task) FieldValue(field string) (any, bool) {
	switch field {
	case "status":
		return t.Status, true
	case "title":
		return t.Title, true
	case "description":
		return t.Description, true
	case "assigneeId":
		return derefString(t.AssigneeID), true
	case "priority":
		if t.Priority == nil {
			return nil, true
		}
		return *t.Priority, true
	case "parentId":
		return derefString(t.ParentID), true
	case "projectId":
		return t.ProjectID, true
	}
	return nil, false
}

// Snapshot renders the task as a plain map for event payloads.
func (t Task) Snapshot() map[string]any {
	out := map[string]any{
		"id":             t.ID,
		"organizationId": t.OrganizationID,
		"projectId":      t.ProjectID,
		"title":          t.Title,
		"status":         t.Status,
		"assigneeId":     derefString(t.AssigneeID),
		"parentId":       derefString(t.ParentID),
	}
	if t.Priority != nil {
		out["priority"] = *t.Priority
	}
	return out
}

// TaskUpdate carries the proposed new field values of a task mutation.
// Nil pointers leave the field untouched.
type TaskUpdate struct {
	Title       *string
	Description *string
	Status      *string
	AssigneeID  *string
	Priority    *int
	// ClearPriority removes the priority when set.
	ClearPriority bool
}

// Fields lists the monitored field names touched by the update.
func (u TaskUpdate) Fields() []string {
	var out []string
	if u.Title != nil {
		out = append(out, "title")
	}
	if u.Description != nil {
		out = append(out, "description")
	}
	if u.Status != nil {
		out = append(out, "status")
	}
	if u.AssigneeID != nil {
		out = append(out, "assigneeId")
	}
	if u.Priority != nil || u.ClearPriority {
		out = append(out, "priority")
	}
	return out
}

// Empty reports whether the update changes nothing.
func (u TaskUpdate) Empty() bool { return len(u.Fields()) == 0 }

type Notification struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organization_id"`
	UserID         string  `json:"user_id"`
	Title          string  `json:"title"`
	Body           string  `json:"body,omitempty"`
	Channel        string  `json:"channel"`
	EventName      string  `json:"event_name,omitempty"`
	DedupeKey      string  `json:"dedupe_key,omitempty"`
	Seq            int64   `json:"seq"`
	ReadAt         *string `json:"read_at,omitempty" format:"date-time"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
}

type Event struct {
	ID             int64  `json:"id"`
	TS             string `json:"ts" format:"date-time"`
	Type           string `json:"type"`
	OrganizationID string `json:"organization_id,omitempty"`
	EntityKind     string `json:"entity_kind"`
	EntityID       string `json:"entity_id,omitempty"`
	ActorID        string `json:"actor_id"`
	Payload        string `json:"payload_json"`
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

// Apply returns a copy of t with the update's fields set.
func (t Task) Apply(u TaskUpdate) Task {
	out := t
	if u.Title != nil {
		out.Title = *u.Title
	}
	if u.Description != nil {
		out.Description = *u.Description
	}
	if u.Status != nil {
		out.Status = *u.Status
	}
	if u.AssigneeID != nil {
		if *u.AssigneeID == "" {
			out.AssigneeID = nil
		} else {
			v := *u.AssigneeID
			out.AssigneeID = &v
		}
	}
	if u.ClearPriority {
		out.Priority = nil
	} else if u.Priority != nil {
		v := *u.Priority
		out.Priority = &v
	}
	return out
}

type APIKey struct {
	ID             string `json:"id"`
	OrganizationID string `json:"organization_id"`
	Name           string `json:"name,omitempty"`
	KeyHash        string `json:"-"`
	CreatedAt      string `json:"created_at" format:"date-time"`
}
