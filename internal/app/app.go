package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log"
	"time"

	"taskpilot/internal/automation"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/domain"
	"taskpilot/internal/engine"
	"taskpilot/internal/events"
	"taskpilot/internal/intercept"
	"taskpilot/internal/migrate"
	"taskpilot/internal/notify"
	"taskpilot/internal/queue"
	"taskpilot/internal/repo"
	"taskpilot/internal/worker"
)

// Options control how a workspace is opened.
type Options struct {
	Workspace string
	// Config overrides the workspace config file when set.
	Config *config.Config
	Logger *log.Logger
	Now    func() time.Time
}

// App holds every wired component of a workspace. The worker is woken
// whenever this process enqueues a job.
type App struct {
	DB         *sql.DB
	Config     *config.Config
	Repo       repo.Repo
	Events     events.Writer
	Queue      *queue.SQLite
	Automation *automation.Engine
	Tasks      intercept.TaskStore
	Engine     engine.Engine
	Worker     *worker.Worker
	Stream     notify.Stream
	Alerts     *notify.Alerts
	Logger     *log.Logger
}

// Open loads config, opens and migrates the database and wires the
// automation pipeline.
func Open(opts Options) (*App, error) {
	cfg := opts.Config
	if cfg == nil {
		loaded, err := config.LoadOptional(opts.Workspace)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return build(conn, cfg, logger, opts.Now), nil
}

func build(conn *sql.DB, cfg *config.Config, logger *log.Logger, now func() time.Time) *App {
	r := repo.Repo{DB: conn}
	writer := events.Writer{DB: conn, Now: now}
	q := queue.NewSQLite(conn, cfg.Queue.MaxAttempts)
	if now != nil {
		q.Now = now
	}
	auto := &automation.Engine{
		Rules:    r,
		Queue:    q,
		Ledger:   r,
		Activity: writer,
		Config:   cfg,
		Logger:   logger,
		Now:      now,
	}
	ic := intercept.New(auto, logger)
	ic.RegisterFields(cfg.Automation.MonitoredFields)
	tasks := intercept.TaskStore{Repo: r, Interceptor: ic, Events: writer, Now: now}
	auto.Actions = automation.DefaultRegistry(automation.Deps{
		Tasks:    tasks,
		Members:  r,
		Notifier: notify.Inbox{Repo: r, Now: now, Logger: logger},
		Webhooks: notify.Poster{Timeout: cfg.Notifications.WebhookTimeout.Std()},
	})

	eng := engine.New(conn, cfg, auto.Actions)
	if now != nil {
		eng.Now = now
		eng.Events.Now = now
	}

	w := worker.New(q, auto, cfg, logger)
	w.Activity = writer
	if now != nil {
		w.Now = now
	}
	q.OnEnqueue = func(queue.Job) { w.Wake() }

	alerts := notify.NewAlerts(r, cfg.Alerts, logger)
	alerts.Poster = notify.Poster{Timeout: cfg.Notifications.WebhookTimeout.Std()}

	return &App{
		DB:         conn,
		Config:     cfg,
		Repo:       r,
		Events:     writer,
		Queue:      q,
		Automation: auto,
		Tasks:      tasks,
		Engine:     eng,
		Worker:     w,
		Stream:     notify.Stream{Repo: r, Interval: cfg.Notifications.StreamInterval.Std()},
		Alerts:     alerts,
		Logger:     logger,
	}
}

func (a *App) Close() error {
	return a.DB.Close()
}

// Bootstrap makes actorID the owner of orgID when the organization has no
// members yet. It reports whether the owner was created.
func (a *App) Bootstrap(ctx context.Context, orgID, actorID string) (bool, error) {
	members, err := a.Repo.ListMembers(ctx, orgID)
	if err != nil {
		return false, err
	}
	if len(members) > 0 {
		return false, nil
	}
	if actorID == "" {
		actorID = "local-user"
	}
	if _, err := a.Engine.AddMember(ctx, domain.Member{OrganizationID: orgID, UserID: actorID, Role: "owner"}, actorID); err != nil {
		return false, fmt.Errorf("bootstrap owner: %w", err)
	}
	return true, nil
}

// QuietLogger discards output; used by commands that print their own results.
func QuietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}
