package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"taskpilot/internal/domain"
	"taskpilot/internal/engine/auth"
)

// registerStream exposes notifications as server-sent events. Clients resume
// with Last-Event-ID (or ?after); a fresh connection starts at the newest
// notification.
func registerStream(r chi.Router, basePath string, cfg Config) {
	r.Get(path.Join(basePath, "orgs", "{org}", "stream"), func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		orgID := chi.URLParam(req, "org")
		if _, err := authorize(ctx, cfg.Engine, orgID, auth.PermNotificationRead); err != nil {
			respondStatusError(w, handleError(err))
			return
		}
		flusher, ok := w.(http.Flusher)
		if !ok {
			respondStatusError(w, newAPIError(http.StatusInternalServerError, "internal_error", "streaming unsupported", nil))
			return
		}

		cursor := strings.TrimSpace(req.Header.Get("Last-Event-ID"))
		if cursor == "" {
			cursor = strings.TrimSpace(req.URL.Query().Get("after"))
		}
		var after int64
		if cursor != "" {
			parsed, err := strconv.ParseInt(cursor, 10, 64)
			if err != nil || parsed < 0 {
				respondStatusError(w, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": cursor}))
				return
			}
			after = parsed
		} else {
			latest, err := cfg.Stream.LatestSeq(ctx, orgID)
			if err != nil {
				respondStatusError(w, handleError(err))
				return
			}
			after = latest
		}

		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.WriteHeader(http.StatusOK)
		flusher.Flush()

		send := func(n domain.Notification) error {
			data, err := json.Marshal(n)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: notification\ndata: %s\n\n", n.Seq, data); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		heartbeat := func() error {
			if _, err := fmt.Fprint(w, ": ping\n\n"); err != nil {
				return err
			}
			flusher.Flush()
			return nil
		}
		userID := strings.TrimSpace(req.URL.Query().Get("user_id"))
		if err := cfg.Stream.Follow(ctx, orgID, userID, after, send, heartbeat); err != nil && ctx.Err() == nil {
			cfg.logf("stream %s: %v", orgID, err)
		}
	})
}
