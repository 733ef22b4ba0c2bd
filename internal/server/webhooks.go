package server

import (
	"crypto/hmac"
	"encoding/json"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskpilot/internal/events"
	"taskpilot/internal/notify"
)

// GitHub-sourced domain events.
const (
	EventGitHubPush     = "GITHUB_PUSH"
	EventGitHubPROpened = "GITHUB_PULL_REQUEST_OPENED"
	EventGitHubPRMerged = "GITHUB_PULL_REQUEST_MERGED"
)

type githubRepository struct {
	FullName string `json:"full_name"`
}

type githubUser struct {
	Login string `json:"login"`
}

type githubPush struct {
	Ref        string           `json:"ref"`
	After      string           `json:"after"`
	Repository githubRepository `json:"repository"`
	Sender     githubUser       `json:"sender"`
	Commits    []struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"commits"`
	HeadCommit *struct {
		ID      string `json:"id"`
		Message string `json:"message"`
	} `json:"head_commit"`
}

type githubPullRequest struct {
	Action      string           `json:"action"`
	Number      int              `json:"number"`
	Repository  githubRepository `json:"repository"`
	Sender      githubUser       `json:"sender"`
	PullRequest struct {
		Title   string `json:"title"`
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
		Head    struct {
			Ref string `json:"ref"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
	} `json:"pull_request"`
}

// verifyGitHubSignature checks X-Hub-Signature-256 ("sha256=<hex>").
func verifyGitHubSignature(secret string, body []byte, header string) bool {
	sig, ok := strings.CutPrefix(strings.TrimSpace(header), "sha256=")
	if !ok || sig == "" {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(notify.Sign(secret, body)))
}

// githubEvent maps a delivery to a domain event name and payload. An empty
// name means the delivery is acknowledged but ignored.
func githubEvent(kind string, body []byte) (string, map[string]any, error) {
	switch kind {
	case "push":
		var p githubPush
		if err := json.Unmarshal(body, &p); err != nil {
			return "", nil, err
		}
		messages := make([]any, 0, len(p.Commits))
		for _, c := range p.Commits {
			messages = append(messages, c.Message)
		}
		payload := map[string]any{
			"repository":     p.Repository.FullName,
			"ref":            p.Ref,
			"branch":         strings.TrimPrefix(p.Ref, "refs/heads/"),
			"sender":         p.Sender.Login,
			"commitCount":    len(p.Commits),
			"commitMessages": messages,
			"headCommitId":   p.After,
		}
		if p.HeadCommit != nil {
			payload["headCommitId"] = p.HeadCommit.ID
			payload["headCommitMessage"] = p.HeadCommit.Message
		}
		return EventGitHubPush, payload, nil
	case "pull_request":
		var p githubPullRequest
		if err := json.Unmarshal(body, &p); err != nil {
			return "", nil, err
		}
		payload := map[string]any{
			"repository": p.Repository.FullName,
			"number":     p.Number,
			"title":      p.PullRequest.Title,
			"url":        p.PullRequest.HTMLURL,
			"branch":     p.PullRequest.Head.Ref,
			"baseBranch": p.PullRequest.Base.Ref,
			"sender":     p.Sender.Login,
		}
		switch {
		case p.Action == "opened":
			return EventGitHubPROpened, payload, nil
		case p.Action == "closed" && p.PullRequest.Merged:
			return EventGitHubPRMerged, payload, nil
		}
	}
	return "", nil, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// registerGitHubHook accepts GitHub deliveries for one organization and turns
// push and pull request activity into domain events.
func registerGitHubHook(r chi.Router, basePath string, cfg Config) {
	r.Post(path.Join(basePath, "hooks", "github", "{org}"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		orgID := chi.URLParam(req, "org")
		kind := req.Header.Get("X-GitHub-Event")
		delivery := req.Header.Get("X-GitHub-Delivery")
		body := bodyBytes(ctx)

		if strings.TrimSpace(cfg.GitHubSecret) == "" {
			respondStatusError(w, newAPIError(http.StatusNotFound, "not_found", "github webhooks not configured", nil))
			return
		}
		if !verifyGitHubSignature(cfg.GitHubSecret, body, req.Header.Get("X-Hub-Signature-256")) {
			if err := cfg.Engine.Events.Append(ctx, nil, events.EventRejected, orgID, "webhook", delivery, events.SystemActor, events.EventPayload{
				"source": "github",
				"kind":   kind,
				"reason": "invalid signature",
			}); err != nil {
				cfg.logf("record rejected webhook: %v", err)
			}
			respondStatusError(w, newAPIError(http.StatusUnauthorized, "invalid_signature", "invalid signature", nil))
			return
		}
		if kind == "ping" {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
			return
		}

		name, payload, err := githubEvent(kind, body)
		if err != nil {
			respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid payload", map[string]any{"error": err.Error()}))
			return
		}
		if name == "" {
			writeJSON(w, http.StatusAccepted, map[string]string{"status": "ignored"})
			return
		}
		payload[events.KeyOrganizationID] = orgID
		payload[events.KeyActorID] = "github:" + events.StringField(payload, "sender")
		if delivery != "" {
			// Redeliveries keep the delivery id, so the action ledger sees one event.
			payload["deliveryId"] = delivery
			payload[events.KeyEventID] = "github:" + delivery
		}
		job, err := cfg.Automation.EnqueueEvent(ctx, name, payload)
		if err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		eventID := events.StringField(job.Data, events.KeyEventID)
		if err := cfg.Engine.Events.Append(ctx, nil, events.WebhookReceived, orgID, "webhook", delivery, events.SystemActor, events.EventPayload{
			"source":  "github",
			"kind":    kind,
			"event":   name,
			"eventId": eventID,
		}); err != nil {
			cfg.logf("record webhook: %v", err)
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "event_id": eventID, "job_id": job.ID})
	})
}
