package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"taskpilot/internal/domain"
	"taskpilot/internal/engine/auth"
	"taskpilot/internal/events"
	"taskpilot/internal/queue"
	"taskpilot/internal/repo"
)

type orgPath struct {
	Org string `path:"org"`
}

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/orgs/{org}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		orgPath
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if strings.TrimSpace(input.Body.Title) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermTaskWrite); err != nil {
			return nil, handleError(err)
		}
		t := domain.Task{
			OrganizationID: input.Org,
			ProjectID:      input.Body.ProjectID,
			ParentID:       input.Body.ParentID,
			Title:          input.Body.Title,
			Status:         input.Body.Status,
			AssigneeID:     input.Body.AssigneeID,
			Priority:       input.Body.Priority,
		}
		if input.Body.ID != nil {
			t.ID = *input.Body.ID
		}
		if input.Body.Description != nil {
			t.Description = *input.Body.Description
		}
		created, err := cfg.Tasks.Create(ctx, t)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		orgPath
		Status     string `query:"status"`
		AssigneeID string `query:"assignee_id"`
		ParentID   string `query:"parent_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Tasks.List(ctx, repo.TaskFilters{
			OrganizationID: input.Org,
			Status:         input.Status,
			AssigneeID:     input.AssigneeID,
			ParentID:       input.ParentID,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		orgPath
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		t, err := cfg.Tasks.Get(ctx, input.Org, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/orgs/{org}/tasks/{id}",
		Summary:     "Update task",
		Description: "Changes to monitored fields enqueue one domain event per changed field.",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		orgPath
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		u := input.Body.toUpdate()
		if u.Empty() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "no fields to update", nil)
		}
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermTaskWrite); err != nil {
			return nil, handleError(err)
		}
		t, err := cfg.Tasks.Update(ctx, input.Org, input.ID, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerRules(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-rule",
		Method:        http.MethodPost,
		Path:          "/orgs/{org}/rules",
		Summary:       "Create automation rule",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		orgPath
		Body CreateRuleRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, err := authorize(ctx, cfg.Engine, input.Org, auth.PermRuleWrite)
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := cfg.Engine.CreateRule(ctx, input.Body.toRule(input.Org), actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-rules",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/rules",
		Summary:     "List automation rules",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		orgPath
		TriggerEvent string `query:"trigger_event"`
	}) (*struct {
		Body []domain.AutomationRule `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermRuleRead); err != nil {
			return nil, handleError(err)
		}
		var (
			rules []domain.AutomationRule
			err   error
		)
		if input.TriggerEvent != "" {
			rules, err = cfg.Engine.Repo.FindRules(ctx, input.TriggerEvent, input.Org, false)
		} else {
			rules, err = cfg.Engine.Repo.ListRules(ctx, input.Org)
		}
		if err != nil {
			return nil, handleError(err)
		}
		if rules == nil {
			rules = []domain.AutomationRule{}
		}
		return &struct {
			Body []domain.AutomationRule `json:"body"`
		}{Body: rules}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-rule",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/rules/{id}",
		Summary:     "Get automation rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		orgPath
		ID string `path:"id"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermRuleRead); err != nil {
			return nil, handleError(err)
		}
		rule, err := cfg.Engine.Repo.GetRule(ctx, input.Org, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-rule-enabled",
		Method:      http.MethodPut,
		Path:        "/orgs/{org}/rules/{id}/enabled",
		Summary:     "Enable or disable a rule",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		orgPath
		ID   string                `path:"id"`
		Body SetRuleEnabledRequest `json:"body"`
	}) (*struct {
		Body domain.AutomationRule `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, cfg.Engine, input.Org, auth.PermRuleWrite)
		if err != nil {
			return nil, handleError(err)
		}
		rule, err := cfg.Engine.SetRuleEnabled(ctx, input.Org, input.ID, input.Body.Enabled, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.AutomationRule `json:"body"`
		}{Body: rule}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "delete-rule",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org}/rules/{id}",
		Summary:       "Delete automation rule",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		orgPath
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, err := authorize(ctx, cfg.Engine, input.Org, auth.PermRuleWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Engine.DeleteRule(ctx, input.Org, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-event",
		Method:        http.MethodPost,
		Path:          "/orgs/{org}/events",
		Summary:       "Enqueue a domain event",
		Description:   "The event is evaluated asynchronously by the worker.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		orgPath
		Body EnqueueEventRequest `json:"body"`
	}) (*struct {
		Body EnqueueEventResponse `json:"body"`
	}, error) {
		name := strings.TrimSpace(input.Body.Name)
		if name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, err := authorize(ctx, cfg.Engine, input.Org, auth.PermEventEnqueue)
		if err != nil {
			return nil, handleError(err)
		}
		if c := cfg.Engine.Config; c != nil && len(c.Automation.Events) > 0 && !c.KnownEvent(name) {
			if err := cfg.Engine.Events.Append(ctx, nil, events.EventRejected, input.Org, "event", "", actorID, events.EventPayload{"event": name, "reason": "unknown event"}); err != nil {
				cfg.logf("record rejected event: %v", err)
			}
			return nil, newAPIError(http.StatusBadRequest, "unknown_event", fmt.Sprintf("unknown event %q", name), map[string]any{"event": name})
		}
		payload := make(map[string]any, len(input.Body.Payload)+2)
		for k, v := range input.Body.Payload {
			payload[k] = v
		}
		payload[events.KeyOrganizationID] = input.Org
		payload[events.KeyActorID] = actorID
		job, err := cfg.Automation.EnqueueEvent(ctx, name, payload)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnqueueEventResponse `json:"body"`
		}{Body: EnqueueEventResponse{
			EventID: events.StringField(job.Data, events.KeyEventID),
			Job:     jobResponse(job),
		}}, nil
	})
}

func registerJobs(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-jobs",
		Method:      http.MethodGet,
		Path:        "/jobs",
		Summary:     "List queued jobs",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		State string `query:"state"`
		Name  string `query:"name"`
		Dead  bool   `query:"dead"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body []JobResponse `json:"body"`
	}, error) {
		orgID, err := authorizeGlobal(ctx, auth.PermJobRead)
		if err != nil {
			return nil, handleError(err)
		}
		jobs, err := cfg.Queue.List(ctx, queue.Filter{
			State:    queue.State(input.State),
			Name:     input.Name,
			DeadOnly: input.Dead,
			Limit:    normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := []JobResponse{}
		for _, j := range jobs {
			if orgID != "" && events.StringField(j.Data, events.KeyOrganizationID) != orgID {
				continue
			}
			out = append(out, jobResponse(j))
		}
		return &struct {
			Body []JobResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-job",
		Method:      http.MethodGet,
		Path:        "/jobs/{id}",
		Summary:     "Get job",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		job, err := visibleJob(ctx, cfg, input.ID, auth.PermJobRead)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "retry-job",
		Method:      http.MethodPost,
		Path:        "/jobs/{id}/retry",
		Summary:     "Retry a failed job",
		Description: "Puts a failed or abandoned job back in the queue with a fresh attempt budget.",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body JobResponse `json:"body"`
	}, error) {
		if _, err := visibleJob(ctx, cfg, input.ID, auth.PermJobRetry); err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Queue.Retry(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		job, err := cfg.Queue.Get(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body JobResponse `json:"body"`
		}{Body: jobResponse(job)}, nil
	})
}

// visibleJob loads a job the principal is allowed to see. Jobs of other
// organizations are reported as missing.
func visibleJob(ctx context.Context, cfg Config, id, perm string) (queue.Job, error) {
	orgID, err := authorizeGlobal(ctx, perm)
	if err != nil {
		return queue.Job{}, err
	}
	job, err := cfg.Queue.Get(ctx, id)
	if err != nil {
		return queue.Job{}, err
	}
	if orgID != "" && events.StringField(job.Data, events.KeyOrganizationID) != orgID {
		return queue.Job{}, queue.ErrNotFound
	}
	return job, nil
}

func registerNotifications(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-notifications",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/notifications",
		Summary:     "List notifications",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		orgPath
		UserID string `query:"user_id"`
		Unread bool   `query:"unread"`
		After  int64  `query:"after"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermNotificationRead); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Engine.Repo.ListNotifications(ctx, repo.NotificationFilters{
			OrganizationID: input.Org,
			UserID:         input.UserID,
			UnreadOnly:     input.Unread,
			AfterSeq:       input.After,
			Limit:          normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Notification{}
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "mark-notification-read",
		Method:        http.MethodPost,
		Path:          "/orgs/{org}/notifications/{id}/read",
		Summary:       "Mark notification read",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		orgPath
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermNotificationRead); err != nil {
			return nil, handleError(err)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		if err := cfg.Engine.Repo.MarkNotificationRead(ctx, input.Org, input.ID, now); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMembers(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-members",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/members",
		Summary:     "List organization members",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body []domain.Member `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		items, err := cfg.Engine.Repo.ListMembers(ctx, input.Org)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Member{}
		}
		return &struct {
			Body []domain.Member `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-member",
		Method:        http.MethodPost,
		Path:          "/orgs/{org}/members",
		Summary:       "Add or update a member",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		orgPath
		Body AddMemberRequest `json:"body"`
	}) (*struct {
		Body domain.Member `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, cfg.Engine, input.Org, auth.PermMemberWrite)
		if err != nil {
			return nil, handleError(err)
		}
		m, err := cfg.Engine.AddMember(ctx, domain.Member{
			OrganizationID: input.Org,
			UserID:         input.Body.UserID,
			DisplayName:    input.Body.DisplayName,
			Email:          input.Body.Email,
			Role:           input.Body.Role,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Member `json:"body"`
		}{Body: m}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "remove-member",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org}/members/{user_id}",
		Summary:       "Remove a member",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		orgPath
		UserID string `path:"user_id"`
	}) (*struct{}, error) {
		actorID, err := authorize(ctx, cfg.Engine, input.Org, auth.PermMemberWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Engine.RemoveMember(ctx, input.Org, input.UserID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/orgs/{org}/api-keys",
		Summary:       "Create an organization API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		orgPath
		Body struct {
			Name string `json:"name,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		actorID, err := authorize(ctx, cfg.Engine, input.Org, auth.PermAPIKeyWrite)
		if err != nil {
			return nil, handleError(err)
		}
		key, plain, err := cfg.Engine.CreateAPIKey(ctx, input.Org, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{APIKey: key, Key: plain}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/api-keys",
		Summary:     "List organization API keys",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *orgPath) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermAPIKeyWrite); err != nil {
			return nil, handleError(err)
		}
		keys, err := cfg.Engine.Repo.ListAPIKeys(ctx, input.Org)
		if err != nil {
			return nil, handleError(err)
		}
		if keys == nil {
			keys = []domain.APIKey{}
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-api-key",
		Method:        http.MethodDelete,
		Path:          "/orgs/{org}/api-keys/{id}",
		Summary:       "Revoke an API key",
		DefaultStatus: http.StatusNoContent,
		Errors:        []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		orgPath
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, err := authorize(ctx, cfg.Engine, input.Org, auth.PermAPIKeyWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := cfg.Engine.RevokeAPIKey(ctx, input.Org, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerActivity(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activity",
		Method:      http.MethodGet,
		Path:        "/orgs/{org}/activity",
		Summary:     "List recent activity",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		orgPath
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := authorize(ctx, cfg.Engine, input.Org, auth.PermTaskRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var before int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			before = parsed
		}
		items, err := cfg.Engine.Repo.LatestEvents(ctx, repo.EventFilters{
			OrganizationID: input.Org,
			Type:           input.Type,
			EntityKind:     input.EntityKind,
			EntityID:       input.EntityID,
			Before:         before,
			Limit:          limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			// Cursor is exclusive, so point it at the last returned item.
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}
