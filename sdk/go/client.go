package taskpilotsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Taskpilot HTTP API client scoped to one organization.
type Client struct {
	BaseURL        string
	OrganizationID string
	APIKey         string
	BearerToken    string
	// ActorID is sent as X-Actor-Id; only honored by servers running without required auth.
	ActorID    string
	BasePath   string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, orgID string) *Client {
	return &Client{
		BaseURL:        baseURL,
		OrganizationID: orgID,
		BasePath:       "/v1",
		Timeout:        10 * time.Second,
	}
}

type Task struct {
	ID             string  `json:"id"`
	OrganizationID string  `json:"organization_id"`
	ProjectID      string  `json:"project_id,omitempty"`
	ParentID       *string `json:"parent_id,omitempty"`
	Title          string  `json:"title"`
	Description    string  `json:"description,omitempty"`
	Status         string  `json:"status"`
	AssigneeID     *string `json:"assignee_id,omitempty"`
	Priority       *int    `json:"priority,omitempty"`
	CreatedAt      string  `json:"created_at"`
	UpdatedAt      string  `json:"updated_at"`
}

// TaskUpdate mirrors the PATCH body; nil fields are left unchanged.
type TaskUpdate struct {
	Title         *string `json:"title,omitempty"`
	Description   *string `json:"description,omitempty"`
	Status        *string `json:"status,omitempty"`
	AssigneeID    *string `json:"assignee_id,omitempty"`
	Priority      *int    `json:"priority,omitempty"`
	ClearPriority bool    `json:"clear_priority,omitempty"`
}

type Clause struct {
	Field string `json:"field"`
	Op    string `json:"op"`
	Value any    `json:"value,omitempty"`
}

type Condition struct {
	All  []Clause `json:"all,omitempty"`
	Any  []Clause `json:"any,omitempty"`
	None []Clause `json:"none,omitempty"`
}

type Action struct {
	ID       string         `json:"id,omitempty"`
	Type     string         `json:"type"`
	Config   map[string]any `json:"config,omitempty"`
	Position int            `json:"position,omitempty"`
}

type Rule struct {
	ID             string     `json:"id,omitempty"`
	OrganizationID string     `json:"organization_id,omitempty"`
	Name           string     `json:"name"`
	TriggerEvent   string     `json:"trigger_event"`
	Conditions     *Condition `json:"conditions,omitempty"`
	IsEnabled      *bool      `json:"is_enabled,omitempty"`
	Actions        []Action   `json:"actions"`
	CreatedAt      string     `json:"created_at,omitempty"`
	UpdatedAt      string     `json:"updated_at,omitempty"`
}

type Job struct {
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

type EnqueuedEvent struct {
	EventID string `json:"event_id"`
	Job     Job    `json:"job"`
}

type Notification struct {
	ID        string  `json:"id"`
	UserID    string  `json:"user_id"`
	Title     string  `json:"title"`
	Body      string  `json:"body,omitempty"`
	Channel   string  `json:"channel"`
	EventName string  `json:"event_name,omitempty"`
	Seq       int64   `json:"seq"`
	ReadAt    *string `json:"read_at,omitempty"`
	CreatedAt string  `json:"created_at"`
}

// Event is an activity log entry.
type Event struct {
	ID             int64          `json:"id"`
	TS             string         `json:"ts"`
	Type           string         `json:"type"`
	OrganizationID string         `json:"organization_id"`
	EntityKind     string         `json:"entity_kind"`
	EntityID       string         `json:"entity_id"`
	ActorID        string         `json:"actor_id"`
	Payload        map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

func (c *Client) CreateTask(ctx context.Context, t Task) (Task, error) {
	body := map[string]any{"title": t.Title}
	if t.ID != "" {
		body["id"] = t.ID
	}
	if t.ProjectID != "" {
		body["project_id"] = t.ProjectID
	}
	if t.Description != "" {
		body["description"] = t.Description
	}
	if t.Status != "" {
		body["status"] = t.Status
	}
	if t.ParentID != nil {
		body["parent_id"] = *t.ParentID
	}
	if t.AssigneeID != nil {
		body["assignee_id"] = *t.AssigneeID
	}
	if t.Priority != nil {
		body["priority"] = *t.Priority
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, c.orgPath("tasks"), body, &resp)
	return resp, err
}

// UpdateTask patches a task. Changes to monitored fields trigger automation.
func (c *Client) UpdateTask(ctx context.Context, id string, u TaskUpdate) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPatch, c.orgPath("tasks/"+url.PathEscape(id)), u, &resp)
	return resp, err
}

func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, c.orgPath("tasks/"+url.PathEscape(id)), nil, &resp)
	return resp, err
}

func (c *Client) CreateRule(ctx context.Context, r Rule) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPost, c.orgPath("rules"), r, &resp)
	return resp, err
}

func (c *Client) ListRules(ctx context.Context) ([]Rule, error) {
	var resp []Rule
	err := c.do(ctx, http.MethodGet, c.orgPath("rules"), nil, &resp)
	return resp, err
}

func (c *Client) SetRuleEnabled(ctx context.Context, id string, enabled bool) (Rule, error) {
	var resp Rule
	err := c.do(ctx, http.MethodPut, c.orgPath("rules/"+url.PathEscape(id)+"/enabled"), map[string]bool{"enabled": enabled}, &resp)
	return resp, err
}

func (c *Client) DeleteRule(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, c.orgPath("rules/"+url.PathEscape(id)), nil, nil)
}

// EnqueueEvent submits a domain event; it is evaluated asynchronously.
func (c *Client) EnqueueEvent(ctx context.Context, name string, payload map[string]any) (EnqueuedEvent, error) {
	var resp EnqueuedEvent
	err := c.do(ctx, http.MethodPost, c.orgPath("events"), map[string]any{"name": name, "payload": payload}, &resp)
	return resp, err
}

// Jobs lists queued jobs; state may be empty.
func (c *Client) Jobs(ctx context.Context, state string, deadOnly bool) ([]Job, error) {
	q := url.Values{}
	if state != "" {
		q.Set("state", state)
	}
	if deadOnly {
		q.Set("dead", "true")
	}
	endpoint := c.path("jobs")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) RetryJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodPost, c.path("jobs/"+url.PathEscape(id)+"/retry"), nil, &resp)
	return resp, err
}

// Notifications lists notifications for a user newer than afterSeq.
func (c *Client) Notifications(ctx context.Context, userID string, afterSeq int64) ([]Notification, error) {
	q := url.Values{}
	if userID != "" {
		q.Set("user_id", userID)
	}
	if afterSeq > 0 {
		q.Set("after", fmt.Sprint(afterSeq))
	}
	endpoint := c.orgPath("notifications")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Notification
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Activity returns a page of the activity log, newest first.
func (c *Client) Activity(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := c.orgPath("activity")
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	if c.ActorID != "" {
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil && resp.StatusCode != http.StatusNoContent {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) path(p string) string {
	base := strings.Trim(c.BasePath, "/")
	if base == "" {
		return strings.TrimLeft(p, "/")
	}
	return base + "/" + strings.TrimLeft(p, "/")
}

func (c *Client) orgPath(p string) string {
	return c.path(fmt.Sprintf("orgs/%s/%s", url.PathEscape(c.OrganizationID), strings.TrimLeft(p, "/")))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
