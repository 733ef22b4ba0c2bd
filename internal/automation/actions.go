package automation

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"sync"

	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/notify"
)

// Event is what an action sees of the event that fired its rule.
type Event struct {
	ID             string
	Name           string
	OrganizationID string
	RuleID         string
	ActionID       string
	Payload        map[string]any
}

// Action performs one kind of side effect. Implementations validate their
// inputs and return Permanent errors for problems retrying cannot fix.
type Action interface {
	Type() domain.ActionType
	Execute(ctx context.Context, config map[string]any, evt Event) error
}

// Registry maps action types to implementations.
type Registry struct {
	mu      sync.RWMutex
	actions map[domain.ActionType]Action
}

func NewRegistry(actions ...Action) *Registry {
	r := &Registry{actions: map[domain.ActionType]Action{}}
	for _, a := range actions {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Action) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.actions == nil {
		r.actions = map[domain.ActionType]Action{}
	}
	r.actions[a.Type()] = a
}

func (r *Registry) Get(t domain.ActionType) (Action, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.actions[t]
	return a, ok
}

// Types lists registered action types, sorted.
func (r *Registry) Types() []domain.ActionType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.ActionType, 0, len(r.actions))
	for t := range r.actions {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Collaborators used by the built-in actions.

type TaskWriter interface {
	Get(ctx context.Context, orgID, id string) (domain.Task, error)
	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	Update(ctx context.Context, orgID, id string, u domain.TaskUpdate) (domain.Task, error)
}

type MemberDirectory interface {
	IsMember(ctx context.Context, orgID, userID string) (bool, error)
}

type Notifier interface {
	Notify(ctx context.Context, n domain.Notification) (bool, error)
}

type WebhookPoster interface {
	Post(ctx context.Context, d notify.Delivery) error
}

// Deps wires the built-in actions.
type Deps struct {
	Tasks    TaskWriter
	Members  MemberDirectory
	Notifier Notifier
	Webhooks WebhookPoster
}

// DefaultRegistry registers every built-in action whose collaborators are set.
func DefaultRegistry(d Deps) *Registry {
	r := NewRegistry()
	if d.Tasks != nil {
		r.Register(AssignUser{Tasks: d.Tasks, Members: d.Members})
		r.Register(UpdateTaskStatus{Tasks: d.Tasks})
		r.Register(CreateSubtask{Tasks: d.Tasks, Members: d.Members})
		r.Register(SetPriority{Tasks: d.Tasks})
	}
	if d.Notifier != nil {
		r.Register(SendNotification{Notifier: d.Notifier})
	}
	if d.Webhooks != nil {
		r.Register(SendWebhook{Poster: d.Webhooks})
	}
	return r
}

// taskID finds the task an event is about: payload.task.id, then payload.taskId.
func taskID(payload map[string]any) string {
	if v, ok := Lookup(payload, "task.id"); ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return events.StringField(payload, "taskId")
}

func configString(config map[string]any, key string) string {
	if v, ok := config[key]; ok && v != nil {
		return strings.TrimSpace(fmt.Sprint(v))
	}
	return ""
}

func requireTask(evt Event, kind domain.ActionType) (string, error) {
	id := taskID(evt.Payload)
	if id == "" {
		return "", invalid("%s: payload.task.id is required", kind)
	}
	return id, nil
}

func checkMember(ctx context.Context, dir MemberDirectory, orgID, userID string) error {
	if dir == nil {
		return nil
	}
	ok, err := dir.IsMember(ctx, orgID, userID)
	if err != nil {
		return err
	}
	if !ok {
		return invalid("user %s is not a member of %s", userID, orgID)
	}
	return nil
}

type AssignUser struct {
	Tasks   TaskWriter
	Members MemberDirectory
}

func (AssignUser) Type() domain.ActionType { return domain.ActionAssignUser }

func (a AssignUser) Execute(ctx context.Context, config map[string]any, evt Event) error {
	userID := configString(config, "userId")
	if userID == "" {
		return invalid("ASSIGN_USER: config.userId is required")
	}
	id, err := requireTask(evt, domain.ActionAssignUser)
	if err != nil {
		return err
	}
	if err := checkMember(ctx, a.Members, evt.OrganizationID, userID); err != nil {
		return err
	}
	_, err = a.Tasks.Update(ctx, evt.OrganizationID, id, domain.TaskUpdate{AssigneeID: &userID})
	return classify(err)
}

type UpdateTaskStatus struct {
	Tasks TaskWriter
}

func (UpdateTaskStatus) Type() domain.ActionType { return domain.ActionUpdateTaskStatus }

func (a UpdateTaskStatus) Execute(ctx context.Context, config map[string]any, evt Event) error {
	status := configString(config, "status")
	if status == "" {
		return invalid("UPDATE_TASK_STATUS: config.status is required")
	}
	if !domain.ValidTaskStatus(status) {
		return invalid("UPDATE_TASK_STATUS: unknown status %q", status)
	}
	id, err := requireTask(evt, domain.ActionUpdateTaskStatus)
	if err != nil {
		return err
	}
	_, err = a.Tasks.Update(ctx, evt.OrganizationID, id, domain.TaskUpdate{Status: &status})
	return classify(err)
}

type CreateSubtask struct {
	Tasks   TaskWriter
	Members MemberDirectory
}

func (CreateSubtask) Type() domain.ActionType { return domain.ActionCreateSubtask }

func (a CreateSubtask) Execute(ctx context.Context, config map[string]any, evt Event) error {
	title := Render(configString(config, "title"), evt.Payload)
	if strings.TrimSpace(title) == "" {
		return invalid("CREATE_SUBTASK: config.title is required")
	}
	parentID, err := requireTask(evt, domain.ActionCreateSubtask)
	if err != nil {
		return err
	}
	parent, err := a.Tasks.Get(ctx, evt.OrganizationID, parentID)
	if err != nil {
		return classify(err)
	}
	sub := domain.Task{
		OrganizationID: evt.OrganizationID,
		ProjectID:      parent.ProjectID,
		ParentID:       &parent.ID,
		Title:          title,
		Description:    Render(configString(config, "description"), evt.Payload),
	}
	if assignee := configString(config, "assigneeId"); assignee != "" {
		if err := checkMember(ctx, a.Members, evt.OrganizationID, assignee); err != nil {
			return err
		}
		sub.AssigneeID = &assignee
	}
	_, err = a.Tasks.Create(ctx, sub)
	return classify(err)
}

type SetPriority struct {
	Tasks TaskWriter
}

func (SetPriority) Type() domain.ActionType { return domain.ActionSetPriority }

func (a SetPriority) Execute(ctx context.Context, config map[string]any, evt Event) error {
	raw, ok := config["priority"]
	if !ok {
		return invalid("SET_PRIORITY: config.priority is required")
	}
	prio, ok := toInt(raw)
	if !ok || prio < 0 {
		return invalid("SET_PRIORITY: config.priority must be a non-negative integer")
	}
	id, err := requireTask(evt, domain.ActionSetPriority)
	if err != nil {
		return err
	}
	_, err = a.Tasks.Update(ctx, evt.OrganizationID, id, domain.TaskUpdate{Priority: &prio})
	return classify(err)
}

type SendNotification struct {
	Notifier Notifier
}

func (SendNotification) Type() domain.ActionType { return domain.ActionSendNotification }

// Execute notifies config.userId, or the task assignee when config.recipient is "assignee".
func (a SendNotification) Execute(ctx context.Context, config map[string]any, evt Event) error {
	recipient := configString(config, "userId")
	if recipient == "" && configString(config, "recipient") == "assignee" {
		if v, ok := Lookup(evt.Payload, "task.assigneeId"); ok {
			recipient, _ = v.(string)
		}
	}
	if recipient == "" {
		return invalid("SEND_NOTIFICATION: no recipient (config.userId or recipient: assignee)")
	}
	title := Render(configString(config, "title"), evt.Payload)
	if title == "" {
		title = evt.Name
	}
	n := domain.Notification{
		OrganizationID: evt.OrganizationID,
		UserID:         recipient,
		Title:          title,
		Body:           Render(configString(config, "message"), evt.Payload),
		Channel:        configString(config, "channel"),
		EventName:      evt.Name,
	}
	if evt.ID != "" {
		n.DedupeKey = strings.Join([]string{evt.ID, evt.RuleID, evt.ActionID}, ":")
	}
	_, err := a.Notifier.Notify(ctx, n)
	return err
}

type SendWebhook struct {
	Poster WebhookPoster
}

func (SendWebhook) Type() domain.ActionType { return domain.ActionSendWebhook }

func (a SendWebhook) Execute(ctx context.Context, config map[string]any, evt Event) error {
	target := configString(config, "url")
	u, err := url.Parse(target)
	if target == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return invalid("SEND_WEBHOOK: config.url must be an http(s) URL")
	}
	return a.Poster.Post(ctx, notify.Delivery{
		URL:            target,
		Secret:         configString(config, "secret"),
		Event:          evt.Name,
		ID:             strings.Join([]string{evt.ID, evt.RuleID, evt.ActionID}, ":"),
		OrganizationID: evt.OrganizationID,
		Body: map[string]any{
			"event":          evt.Name,
			"eventId":        evt.ID,
			"organizationId": evt.OrganizationID,
			"ruleId":         evt.RuleID,
			"actionId":       evt.ActionID,
			"payload":        evt.Payload,
		},
	})
}

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.]+)\s*\}\}`)

// Render replaces {{path}} placeholders with payload values. Unknown paths render empty.
func Render(tmpl string, payload map[string]any) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	return placeholder.ReplaceAllStringFunc(tmpl, func(m string) string {
		path := placeholder.FindStringSubmatch(m)[1]
		v, ok := Lookup(payload, path)
		if !ok || v == nil {
			return ""
		}
		return fmt.Sprint(v)
	})
}
