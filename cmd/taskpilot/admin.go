package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"taskpilot/internal/app"
	"taskpilot/internal/domain"
	"taskpilot/internal/events"
	"taskpilot/internal/queue"
	"taskpilot/internal/repo"
)

func jobCmd() *cobra.Command {
	job := &cobra.Command{
		Use:   "job",
		Short: "Inspect the event queue",
		Long:  "Failed jobs are retried with exponential backoff until queue.max_attempts; after that they are abandoned and can be retried by hand.",
	}
	job.AddCommand(jobListCmd())
	job.AddCommand(jobRetryCmd())
	job.AddCommand(jobStatsCmd())
	return job
}

func jobListCmd() *cobra.Command {
	var f queue.Filter
	var state string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.State = queue.State(state)
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				jobs, err := a.Queue.List(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(jobs)
				}
				tw := newTable(table.Row{"ID", "Event", "Org", "State", "Attempts", "Available", "Last error"})
				for _, j := range jobs {
					st := string(j.State)
					if j.Dead() {
						st += " (dead)"
					}
					tw.AppendRow(table.Row{
						j.ID, j.Name, events.StringField(j.Data, events.KeyOrganizationID), st,
						fmt.Sprintf("%d/%d", j.Attempts, j.MaxAttempts), j.AvailableAt, j.LastError,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "WAITING, ACTIVE, COMPLETED or FAILED")
	cmd.Flags().StringVar(&f.Name, "event", "", "event name filter")
	cmd.Flags().BoolVar(&f.DeadOnly, "dead", false, "only abandoned jobs")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of jobs")
	return cmd
}

func jobRetryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed job with a fresh attempt budget",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Queue.Retry(ctx, args[0]); err != nil {
					return err
				}
				job, err := a.Queue.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(job)
			})
		},
	}
}

func jobStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				counts, err := a.Queue.Counts(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				tw := newTable(table.Row{"State", "Jobs"})
				for _, st := range []queue.State{queue.StateWaiting, queue.StateActive, queue.StateCompleted, queue.StateFailed} {
					tw.AppendRow(table.Row{st, counts[st]})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func memberCmd() *cobra.Command {
	member := &cobra.Command{Use: "member", Short: "Manage organization members"}

	var m domain.Member
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add or update a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m.OrganizationID = viper.GetString("org")
			m.UserID = args[0]
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				saved, err := a.Engine.AddMember(ctx, m, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(saved)
			})
		},
	}
	add.Flags().StringVar(&m.Role, "role", "member", "owner, admin or member")
	add.Flags().StringVar(&m.DisplayName, "name", "", "display name")
	add.Flags().StringVar(&m.Email, "email", "", "email")
	member.AddCommand(add)

	member.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListMembers(ctx, viper.GetString("org"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"User", "Name", "Email", "Role"})
				for _, m := range items {
					tw.AppendRow(table.Row{m.UserID, m.DisplayName, m.Email, m.Role})
				}
				tw.Render()
				return nil
			})
		},
	})

	member.AddCommand(&cobra.Command{
		Use:   "remove <user-id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RemoveMember(ctx, viper.GetString("org"), args[0], viper.GetString("actor-id"))
			})
		},
	})
	return member
}

func apiKeyCmd() *cobra.Command {
	keys := &cobra.Command{
		Use:   "apikey",
		Short: "Manage organization API keys",
		Long:  "API keys authenticate HTTP requests through the X-Api-Key header and act for their organization.",
	}
	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a key; the secret is printed once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				key, plain, err := a.Engine.CreateAPIKey(ctx, viper.GetString("org"), name, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "name": key.Name, "key": plain})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	keys.AddCommand(create)

	keys.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListAPIKeys(ctx, viper.GetString("org"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Name", "Created"})
				for _, k := range items {
					tw.AppendRow(table.Row{k.ID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	})

	keys.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Engine.RevokeAPIKey(ctx, viper.GetString("org"), args[0], viper.GetString("actor-id"))
			})
		},
	})
	return keys
}

func notificationCmd() *cobra.Command {
	n := &cobra.Command{Use: "notification", Short: "Read in-app notifications"}

	var f repo.NotificationFilters
	list := &cobra.Command{
		Use:   "list",
		Short: "List notifications",
		RunE: func(cmd *cobra.Command, args []string) error {
			f.OrganizationID = viper.GetString("org")
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				items, err := a.Repo.ListNotifications(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"Seq", "ID", "User", "Title", "Body", "Read"})
				for _, item := range items {
					tw.AppendRow(table.Row{item.Seq, item.ID, item.UserID, item.Title, item.Body, item.ReadAt != nil})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().StringVar(&f.UserID, "user-id", "", "recipient filter")
	list.Flags().BoolVar(&f.UnreadOnly, "unread", false, "only unread")
	list.Flags().IntVar(&f.Limit, "limit", 50, "maximum number of notifications")
	n.AddCommand(list)

	n.AddCommand(&cobra.Command{
		Use:   "read <id>",
		Short: "Mark a notification read",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				return a.Repo.MarkNotificationRead(ctx, viper.GetString("org"), args[0], time.Now().UTC().Format(time.RFC3339))
			})
		},
	})

	var userID string
	follow := &cobra.Command{
		Use:   "follow",
		Short: "Print new notifications as they arrive",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				org := viper.GetString("org")
				after, err := a.Stream.LatestSeq(ctx, org)
				if err != nil {
					return err
				}
				err = a.Stream.Follow(ctx, org, userID, after, func(item domain.Notification) error {
					fmt.Printf("[%d] %s -> %s: %s %s\n", item.Seq, item.EventName, item.UserID, item.Title, item.Body)
					return nil
				}, nil)
				if ctx.Err() != nil {
					return nil
				}
				return err
			})
		},
	}
	follow.Flags().StringVar(&userID, "user-id", "", "recipient filter")
	n.AddCommand(follow)
	return n
}
