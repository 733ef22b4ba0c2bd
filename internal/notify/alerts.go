package notify

import (
	"context"
	"encoding/json"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"taskpilot/internal/config"
	"taskpilot/internal/domain"
	"taskpilot/internal/repo"
)

const (
	defaultAlertInterval = 2 * time.Second
	defaultAlertBatch    = 100
)

// Alerts forwards activity log events to the configured operator hooks.
// Each hook keeps its own cursor; a failed delivery is retried on the next tick.
type Alerts struct {
	Repo   repo.Repo
	Hooks  []config.AlertHook
	Poster Poster
	Logger *log.Logger

	mu      sync.Mutex
	cursors map[int]int64
}

func NewAlerts(r repo.Repo, hooks []config.AlertHook, logger *log.Logger) *Alerts {
	return &Alerts{Repo: r, Hooks: hooks, Logger: logger, cursors: map[int]int64{}}
}

func (a *Alerts) logf(format string, args ...any) {
	if a.Logger != nil {
		a.Logger.Printf("alerts: "+format, args...)
		return
	}
	log.Printf("alerts: "+format, args...)
}

// Run dispatches until ctx is done. It returns immediately when no hook is active.
func (a *Alerts) Run(ctx context.Context) {
	interval := defaultAlertInterval
	active := false
	for _, h := range a.Hooks {
		if h.Active() {
			active = true
			if h.Interval > 0 && h.Interval.Std() < interval {
				interval = h.Interval.Std()
			}
		}
	}
	if !active {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		a.DispatchAll(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// DispatchAll delivers pending events to every active hook once.
func (a *Alerts) DispatchAll(ctx context.Context) {
	for i, hook := range a.Hooks {
		if !hook.Active() {
			continue
		}
		a.dispatch(ctx, i, hook)
	}
}

func (a *Alerts) dispatch(ctx context.Context, idx int, hook config.AlertHook) {
	cursor := a.cursorFor(ctx, idx)
	evts, err := a.Repo.EventsAfter(ctx, defaultAlertBatch, cursor, "")
	if err != nil {
		a.logf("fetch events failed: %v", err)
		return
	}
	filter := newEventFilter(hook.Events)
	poster := a.Poster
	if hook.Timeout > 0 {
		poster.Timeout = hook.Timeout.Std()
	}
	for _, evt := range evts {
		if !filter.match(evt.Type) {
			a.setCursor(idx, evt.ID)
			continue
		}
		if err := poster.Post(ctx, Delivery{
			URL:            hook.URL,
			Secret:         hook.Secret,
			Event:          evt.Type,
			ID:             strconv.FormatInt(evt.ID, 10),
			OrganizationID: evt.OrganizationID,
			Body:           alertBody(evt),
		}); err != nil {
			a.logf("deliver %s to %s failed: %v", evt.Type, hook.URL, err)
			return
		}
		a.setCursor(idx, evt.ID)
	}
}

// SetCursor positions a hook's cursor; events up to id are considered delivered.
func (a *Alerts) SetCursor(idx int, id int64) { a.setCursor(idx, id) }

func (a *Alerts) cursorFor(ctx context.Context, idx int) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.cursors == nil {
		a.cursors = map[int]int64{}
	}
	if cur, ok := a.cursors[idx]; ok {
		return cur
	}
	cur, err := a.Repo.LatestEventID(ctx)
	if err != nil {
		a.logf("init cursor failed: %v", err)
		cur = 0
	}
	a.cursors[idx] = cur
	return cur
}

func (a *Alerts) setCursor(idx int, value int64) {
	a.mu.Lock()
	if a.cursors == nil {
		a.cursors = map[int]int64{}
	}
	a.cursors[idx] = value
	a.mu.Unlock()
}

type alertEvent struct {
	ID             int64           `json:"id"`
	Type           string          `json:"type"`
	OrganizationID string          `json:"organization_id,omitempty"`
	EntityKind     string          `json:"entity_kind"`
	EntityID       string          `json:"entity_id,omitempty"`
	ActorID        string          `json:"actor_id"`
	TS             string          `json:"ts"`
	Payload        json.RawMessage `json:"payload"`
}

func alertBody(evt domain.Event) alertEvent {
	payload := json.RawMessage("{}")
	if evt.Payload != "" && json.Valid([]byte(evt.Payload)) {
		payload = json.RawMessage(evt.Payload)
	}
	return alertEvent{
		ID:             evt.ID,
		Type:           evt.Type,
		OrganizationID: evt.OrganizationID,
		EntityKind:     evt.EntityKind,
		EntityID:       evt.EntityID,
		ActorID:        evt.ActorID,
		TS:             evt.TS,
		Payload:        payload,
	}
}

type eventFilter struct {
	all bool
	set map[string]struct{}
}

func newEventFilter(events []string) eventFilter {
	set := make(map[string]struct{}, len(events))
	for _, evt := range events {
		if key := strings.TrimSpace(evt); key != "" {
			set[key] = struct{}{}
		}
	}
	if len(set) == 0 {
		return eventFilter{all: true}
	}
	return eventFilter{set: set}
}

func (f eventFilter) match(evt string) bool {
	if f.all {
		return true
	}
	_, ok := f.set[evt]
	return ok
}
