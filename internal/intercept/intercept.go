// Package intercept derives domain events from entity mutations.
//
// Only explicitly registered entity fields are monitored. Update reads the
// entity before the mutation, lets the mutation run, then compares the
// registered fields and enqueues one event per changed field.
package intercept

import (
	"context"
	"log"
	"reflect"
	"sort"
	"strings"
	"sync"
	"unicode"

	"taskpilot/internal/events"
	"taskpilot/internal/queue"
)

// Entity is a monitored record.
type Entity interface {
	EntityKind() string
	OrgID() string
	// Identity returns the fields that identify the entity in payloads.
	Identity() map[string]any
	FieldValue(field string) (any, bool)
	Snapshot() map[string]any
}

type Interceptor struct {
	Queue  queue.Enqueuer
	Logger *log.Logger

	mu       sync.RWMutex
	monitors map[string]map[string]string
}

func New(q queue.Enqueuer, logger *log.Logger) *Interceptor {
	return &Interceptor{Queue: q, Logger: logger, monitors: map[string]map[string]string{}}
}

func (i *Interceptor) logf(format string, args ...any) {
	if i.Logger != nil {
		i.Logger.Printf("intercept: "+format, args...)
		return
	}
	log.Printf("intercept: "+format, args...)
}

// EventName builds the conventional event name, e.g. task/assigneeId -> TASK_ASSIGNEE_ID_CHANGED.
func EventName(entity, field string) string {
	return upperSnake(entity) + "_" + upperSnake(field) + "_CHANGED"
}

func upperSnake(s string) string {
	var b strings.Builder
	for idx, r := range s {
		if unicode.IsUpper(r) && idx > 0 {
			b.WriteByte('_')
		}
		if r == '-' || r == ' ' {
			r = '_'
		}
		b.WriteRune(unicode.ToUpper(r))
	}
	return b.String()
}

// Register monitors entity.field. An empty eventName uses EventName.
// It returns the event name in effect.
func (i *Interceptor) Register(entity, field, eventName string) string {
	if eventName == "" {
		eventName = EventName(entity, field)
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.monitors == nil {
		i.monitors = map[string]map[string]string{}
	}
	if i.monitors[entity] == nil {
		i.monitors[entity] = map[string]string{}
	}
	i.monitors[entity][field] = eventName
	return eventName
}

// RegisterFields monitors every listed field using conventional names.
func (i *Interceptor) RegisterFields(fields map[string][]string) {
	for entity, list := range fields {
		for _, f := range list {
			i.Register(entity, f, "")
		}
	}
}

// Monitored returns the event name registered for entity.field.
func (i *Interceptor) Monitored(entity, field string) (string, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	name, ok := i.monitors[entity][field]
	return name, ok
}

// Monitors lists registered event names by entity.field, sorted.
func (i *Interceptor) Monitors() []string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	var out []string
	for entity, fields := range i.monitors {
		for field, name := range fields {
			out = append(out, entity+"."+field+" -> "+name)
		}
	}
	sort.Strings(out)
	return out
}

// Update runs mutate between a pre-read and a post comparison of the fields
// named in changed. The mutation's result and error are returned untouched;
// event emission problems are only logged.
func Update[T Entity](ctx context.Context, i *Interceptor, changed []string, fetch, mutate func(context.Context) (T, error)) (T, error) {
	pre, preErr := fetch(ctx)
	post, err := mutate(ctx)
	if err != nil {
		return post, err
	}
	if i == nil {
		return post, nil
	}
	if preErr != nil {
		i.logf("skip transition check, pre-read failed: %v", preErr)
		return post, nil
	}
	i.compare(context.WithoutCancel(ctx), pre, post, changed)
	return post, nil
}

func (i *Interceptor) compare(ctx context.Context, pre, post Entity, changed []string) {
	kind := post.EntityKind()
	for _, field := range changed {
		name, ok := i.Monitored(kind, field)
		if !ok {
			continue
		}
		oldValue, ok := pre.FieldValue(field)
		if !ok {
			continue
		}
		newValue, _ := post.FieldValue(field)
		if reflect.DeepEqual(oldValue, newValue) {
			continue
		}
		payload := map[string]any{
			events.KeyOrganizationID: post.OrgID(),
			kind:                     post.Snapshot(),
			"entity":                 kind,
			"field":                  field,
			"oldValue":               oldValue,
			"newValue":               newValue,
		}
		payload["old"+capitalize(field)] = oldValue
		payload["new"+capitalize(field)] = newValue
		for k, v := range post.Identity() {
			payload[k] = v
		}
		i.Emit(ctx, name, payload)
	}
}

// Emit enqueues an event, adding cascade and actor bookkeeping from ctx.
// Failures are logged and swallowed.
func (i *Interceptor) Emit(ctx context.Context, name string, payload map[string]any) {
	if i.Queue == nil {
		i.logf("no queue configured, dropping %s", name)
		return
	}
	events.StampCascade(ctx, payload)
	if _, ok := payload[events.KeyActorID]; !ok {
		payload[events.KeyActorID] = events.ActorFrom(ctx)
	}
	if _, err := i.Queue.Enqueue(ctx, name, payload); err != nil {
		i.logf("emit %s for org %v: %v", name, payload[events.KeyOrganizationID], err)
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}
